package store

import (
	"fmt"
	"strconv"
)

// Serialization helpers for converting between records and Redis hashes.
//
// The payload is kept as a single JSON string field so the record is replaced
// as one unit; the remaining fields stay individually readable with HGET.

// RecordToHash converts a Record to a Redis hash format.
func RecordToHash(r *Record) map[string]interface{} {
	return map[string]interface{}{
		"key":           r.Key,
		"payload":       string(r.Payload),
		"written_at_ms": r.WrittenAtMs,
		"origin":        r.Origin,
	}
}

// HashToRecord converts a Redis hash to a Record.
func HashToRecord(hash map[string]string) (*Record, error) {
	writtenAtMs, err := strconv.ParseInt(hash["written_at_ms"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid written_at_ms field: %w", err)
	}

	payload := hash["payload"]
	if payload == "" {
		return nil, fmt.Errorf("missing payload field")
	}

	return &Record{
		Key:         hash["key"],
		Payload:     []byte(payload),
		WrittenAtMs: writtenAtMs,
		Origin:      hash["origin"],
	}, nil
}
