package watch

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fruithappens/coffeecue/internal/testutil"
	"github.com/fruithappens/coffeecue/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWaitForRecord(t *testing.T) {
	kv, _ := testutil.NewRedisStore(t, "test")
	ctx := context.Background()

	t.Run("returns record when found immediately", func(t *testing.T) {
		_, err := store.PutJSON(ctx, kv, store.KeyStations, []string{"1"}, time.Now(), "")
		require.NoError(t, err)

		rec, err := WaitForRecord(ctx, kv, store.KeyStations, time.Second, nil)
		require.NoError(t, err)
		assert.Equal(t, store.KeyStations, rec.Key)
	})

	t.Run("returns record written later", func(t *testing.T) {
		go func() {
			time.Sleep(300 * time.Millisecond)
			store.PutJSON(ctx, kv, store.KeyDisplayReady, []string{}, time.Now(), "")
		}()

		rec, err := WaitForRecord(ctx, kv, store.KeyDisplayReady, 2*time.Second, nil)
		require.NoError(t, err)
		assert.Equal(t, store.KeyDisplayReady, rec.Key)
	})

	t.Run("times out", func(t *testing.T) {
		start := time.Now()
		_, err := WaitForRecord(ctx, kv, "cache.never", 300*time.Millisecond, nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "timeout waiting for cache.never")
		assert.Less(t, time.Since(start), 2*time.Second)
	})

	t.Run("respects context cancellation", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := WaitForRecord(cctx, kv, "cache.never", 5*time.Second, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestStreamChanges(t *testing.T) {
	for _, format := range []OutputFormat{OutputFormatDefault, OutputFormatJSON} {
		t.Run(string(format), func(t *testing.T) {
			kv, _ := testutil.NewRedisStore(t, "test")
			ctx, cancel := context.WithCancel(context.Background())

			var out syncBuffer
			done := make(chan error, 1)
			go func() { done <- StreamChanges(ctx, kv, store.PrefixCache, format, &out) }()

			// Keep writing until the subscription is attached
			require.Eventually(t, func() bool {
				store.PutJSON(context.Background(), kv, store.KeyOrdersPending, []string{}, time.Now(), "stall-1")
				store.PutJSON(context.Background(), kv, store.KeyResilienceMode, map[string]string{}, time.Now(), "stall-1")
				return strings.Contains(out.String(), store.KeyOrdersPending)
			}, 2*time.Second, 50*time.Millisecond)

			cancel()
			require.NoError(t, <-done)

			assert.NotContains(t, out.String(), store.KeyResilienceMode)
			first := strings.SplitN(out.String(), "\n", 2)[0]
			if format == OutputFormatJSON {
				var event store.ChangeEvent
				require.NoError(t, json.Unmarshal([]byte(first), &event))
				assert.Equal(t, store.KeyOrdersPending, event.Key)
				assert.Equal(t, "stall-1", event.Origin)
			} else {
				assert.Contains(t, first, "✎ cache.orders.pending (by stall-1)")
			}
		})
	}

	t.Run("unknown format", func(t *testing.T) {
		kv, _ := testutil.NewRedisStore(t, "test")
		err := StreamChanges(context.Background(), kv, "", OutputFormat("xml"), &bytes.Buffer{})
		require.Error(t, err)
	})
}

func TestFormatEvent(t *testing.T) {
	at := time.Date(2026, 10, 18, 9, 30, 15, 0, time.Local)

	assert.Equal(t, "[09:30:15] ✎ cache.stations (by stall-1)",
		FormatEvent(store.ChangeEvent{Key: store.KeyStations, WrittenAtMs: at.UnixMilli(), Origin: "stall-1"}))
	assert.Equal(t, "[--:--:--] ✗ orders.outbox",
		FormatEvent(store.ChangeEvent{Key: store.KeyOrdersOutbox, Deleted: true}))
}
