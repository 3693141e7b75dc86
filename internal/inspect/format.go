package inspect

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fruithappens/coffeecue/pkg/store"
)

// FormatTable writes records as a table with columns KEY, AGE, ORIGIN and
// PAYLOAD (truncated). Returns the number of records formatted.
func FormatTable(w io.Writer, records []*store.Record, prefix string) int {
	scope := "all keys"
	if prefix != "" {
		scope = fmt.Sprintf("prefix '%s'", prefix)
	}

	if len(records) == 0 {
		fmt.Fprintf(w, "No records found for %s\n", scope)
		return 0
	}

	fmt.Fprintf(w, "Records for %s:\n\n", scope)

	now := time.Now()
	fmt.Fprintf(w, "%-32s %-8s %-10s %s\n", "KEY", "AGE", "ORIGIN", "PAYLOAD")
	fmt.Fprintf(w, "%-32s %-8s %-10s %s\n",
		strings.Repeat("-", 32), "--------", "----------", strings.Repeat("-", 40))

	for _, r := range records {
		fmt.Fprintf(w, "%-32s %-8s %-10s %s\n",
			formatKey(r.Key),
			formatAge(r.WrittenAtMs, now),
			formatOrigin(r.Origin),
			formatPayload(r.Payload),
		)
	}

	countMsg := "record"
	if len(records) != 1 {
		countMsg = "records"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(records), countMsg)

	return len(records)
}

// FormatJSONL writes records as line-delimited JSON, one record per line.
func FormatJSONL(w io.Writer, records []*store.Record) error {
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal record to JSON: %w", err)
		}

		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}

	return nil
}

// FormatSingleJSON writes one record as pretty-printed JSON.
func FormatSingleJSON(w io.Writer, rec *store.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal record to JSON: %w", err)
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)

	return nil
}

// formatKey keeps the tail of long keys, which carries the station or order id.
func formatKey(key string) string {
	if len(key) > 32 {
		return "..." + key[len(key)-29:]
	}
	return key
}

// formatOrigin shows the first 8 characters of the writing instance id.
func formatOrigin(origin string) string {
	if origin == "" {
		return "-"
	}
	if len(origin) > 8 {
		return origin[:8]
	}
	return origin
}

// formatPayload compacts the JSON payload onto one line of at most 40 characters.
func formatPayload(payload json.RawMessage) string {
	if len(payload) == 0 {
		return "-"
	}

	var b bytes.Buffer
	if err := json.Compact(&b, payload); err != nil {
		b.Reset()
		b.WriteString(strings.Join(strings.Fields(string(payload)), " "))
	}
	line := b.String()
	if line == "" {
		return "-"
	}

	if len(line) > 40 {
		return line[:37] + "..."
	}
	return line
}

// formatAge renders a write timestamp relative to now: "42s ago", "3m ago".
func formatAge(timestampMs int64, now time.Time) string {
	if timestampMs == 0 {
		return "-"
	}

	diff := now.Sub(time.UnixMilli(timestampMs))
	if diff < 0 {
		diff = 0
	}

	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
