package inspect

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/fruithappens/coffeecue/pkg/store"
)

// GetRecord retrieves a single record by logical key and writes it as
// pretty-printed JSON to the writer. Stored tokens are redacted.
func GetRecord(ctx context.Context, kv store.Store, key string, w io.Writer) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("key cannot be empty")
	}

	rec, err := kv.Get(ctx, key)
	if err != nil {
		if store.IsNotFound(err) {
			return &RecordNotFoundError{Key: key}
		}
		return fmt.Errorf("failed to fetch record: %w", err)
	}

	if err := FormatSingleJSON(w, redact(rec)); err != nil {
		return fmt.Errorf("failed to format record: %w", err)
	}

	return nil
}

// RecordNotFoundError represents a specific "record not found" error.
type RecordNotFoundError struct {
	Key string
}

func (e *RecordNotFoundError) Error() string {
	return fmt.Sprintf("no record stored under key '%s'", e.Key)
}

// IsNotFound returns true if the error is a RecordNotFoundError.
func IsNotFound(err error) bool {
	_, ok := err.(*RecordNotFoundError)
	return ok
}

// redact masks the bearer token so it never reaches a terminal or log.
func redact(rec *store.Record) *store.Record {
	if rec.Key != store.KeyCredentialToken {
		return rec
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Payload, &payload); err != nil {
		return rec
	}
	if token, ok := payload["token"].(string); ok {
		if len(token) > 8 {
			token = token[:8]
		}
		payload["token"] = token + "…"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return rec
	}
	out := *rec
	out.Payload = data
	return &out
}
