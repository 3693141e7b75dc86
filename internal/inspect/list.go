package inspect

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sort"

	"github.com/fruithappens/coffeecue/pkg/store"
)

// OutputFormat specifies how to format the record list output.
type OutputFormat string

const (
	// OutputFormatDefault uses a table format with truncated payloads
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete records as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// FilterCriteria defines filtering options for the cache command.
// All filters are ANDed together.
type FilterCriteria struct {
	SinceTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	UntilTimestampMs int64  // Unix timestamp in milliseconds, 0 = no filter
	KeyGlob          string // Glob pattern for the logical key, empty = no filter
	Origin           string // Exact match for the writing instance, empty = no filter
}

// matchesFilter returns true if the record matches all filter criteria.
func (fc *FilterCriteria) matchesFilter(rec *store.Record) bool {
	if fc.SinceTimestampMs > 0 && rec.WrittenAtMs < fc.SinceTimestampMs {
		return false
	}
	if fc.UntilTimestampMs > 0 && rec.WrittenAtMs > fc.UntilTimestampMs {
		return false
	}

	if fc.KeyGlob != "" {
		matched, err := filepath.Match(fc.KeyGlob, rec.Key)
		if err != nil || !matched {
			return false
		}
	}

	if fc.Origin != "" && rec.Origin != fc.Origin {
		return false
	}

	return true
}

// ListRecords writes every record under prefix to w, oldest write first.
// Records deleted between the scan and the read are skipped silently;
// unreadable records are reported to errw and skipped.
func ListRecords(ctx context.Context, kv store.Store, prefix string, format OutputFormat, filters *FilterCriteria, w, errw io.Writer) error {
	keys, err := kv.Keys(ctx, prefix)
	if err != nil {
		return fmt.Errorf("failed to scan records: %w", err)
	}

	var records []*store.Record
	for _, key := range keys {
		rec, err := kv.Get(ctx, key)
		if err != nil {
			if store.IsNotFound(err) {
				continue
			}
			fmt.Fprintf(errw, "⚠️  Skipping unreadable record: key=%s (error: %v)\n", key, err)
			continue
		}

		if filters != nil && !filters.matchesFilter(rec) {
			continue
		}
		records = append(records, redact(rec))
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].WrittenAtMs != records[j].WrittenAtMs {
			return records[i].WrittenAtMs < records[j].WrittenAtMs
		}
		return records[i].Key < records[j].Key
	})

	switch format {
	case OutputFormatDefault, "":
		FormatTable(w, records, prefix)
	case OutputFormatJSONL:
		if err := FormatJSONL(w, records); err != nil {
			return fmt.Errorf("failed to format JSONL output: %w", err)
		}
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}

	return nil
}
