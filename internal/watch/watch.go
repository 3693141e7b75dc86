package watch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fruithappens/coffeecue/pkg/store"
	"github.com/juju/clock"
)

// OutputFormat specifies how change events are written.
type OutputFormat string

const (
	// OutputFormatDefault is one human-readable line per change
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSON is line-delimited JSON change events
	OutputFormatJSON OutputFormat = "json"
)

// pollInterval is how often WaitForRecord checks the store.
const pollInterval = 200 * time.Millisecond

// StreamChanges writes every change under prefix to w until ctx is done.
// Redis pub/sub is at-most-once, so a slow terminal can miss events;
// the store itself is always authoritative.
func StreamChanges(ctx context.Context, kv store.Store, prefix string, format OutputFormat, w io.Writer) error {
	if format != OutputFormatDefault && format != OutputFormatJSON {
		return fmt.Errorf("unknown output format: %s", format)
	}

	sub, err := kv.Subscribe(ctx, prefix)
	if err != nil {
		return fmt.Errorf("failed to subscribe to changes: %w", err)
	}
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := writeEvent(w, event, format); err != nil {
				return err
			}

		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			return fmt.Errorf("change subscription failed: %w", err)
		}
	}
}

func writeEvent(w io.Writer, event store.ChangeEvent, format OutputFormat) error {
	if format == OutputFormatJSON {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("failed to marshal change event: %w", err)
		}
		_, err = fmt.Fprintf(w, "%s\n", data)
		return err
	}

	_, err := fmt.Fprintln(w, FormatEvent(event))
	return err
}

// FormatEvent renders a change as "[15:04:05] ✎ key (by origin)".
func FormatEvent(event store.ChangeEvent) string {
	stamp := "--:--:--"
	if event.WrittenAtMs > 0 {
		stamp = time.UnixMilli(event.WrittenAtMs).Format("15:04:05")
	}

	verb := "✎"
	if event.Deleted {
		verb = "✗"
	}

	line := fmt.Sprintf("[%s] %s %s", stamp, verb, event.Key)
	if event.Origin != "" {
		line += fmt.Sprintf(" (by %s)", event.Origin)
	}
	return line
}

// WaitForRecord polls for key until it exists or timeout elapses.
// Returns the record or an error if timeout occurs.
func WaitForRecord(ctx context.Context, kv store.Store, key string, timeout time.Duration, clk clock.Clock) (*store.Record, error) {
	if clk == nil {
		clk = clock.WallClock
	}
	deadline := clk.After(timeout)

	for {
		rec, err := kv.Get(ctx, key)
		if err == nil {
			return rec, nil
		}
		if !store.IsNotFound(err) {
			return nil, fmt.Errorf("failed to query %s: %w", key, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for %s after %v", key, timeout)
		case <-clk.After(pollInterval):
		}
	}
}
