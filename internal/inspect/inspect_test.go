package inspect

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/fruithappens/coffeecue/internal/testutil"
	"github.com/fruithappens/coffeecue/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, kv store.Store) {
	t.Helper()
	ctx := context.Background()
	_, err := store.PutJSON(ctx, kv, store.KeyOrdersPending, []map[string]string{{"id": "1"}}, epoch, "stall-1")
	require.NoError(t, err)
	_, err = store.PutJSON(ctx, kv, store.KeyStations, []map[string]string{{"id": "1"}}, epoch.Add(time.Minute), "stall-2")
	require.NoError(t, err)
	_, err = store.PutJSON(ctx, kv, store.KeyResilienceMode, map[string]string{"mode": "degraded"}, epoch.Add(2*time.Minute), "stall-1")
	require.NoError(t, err)
}

func TestListRecords(t *testing.T) {
	ctx := context.Background()

	t.Run("empty store - default format", func(t *testing.T) {
		kv, _ := testutil.NewRedisStore(t, "test")
		var buf, errBuf bytes.Buffer
		require.NoError(t, ListRecords(ctx, kv, store.PrefixCache, OutputFormatDefault, nil, &buf, &errBuf))
		assert.Contains(t, buf.String(), "No records found for prefix 'cache.'")
	})

	t.Run("prefix scopes the listing", func(t *testing.T) {
		kv, _ := testutil.NewRedisStore(t, "test")
		seed(t, kv)

		var buf, errBuf bytes.Buffer
		require.NoError(t, ListRecords(ctx, kv, store.PrefixCache, OutputFormatDefault, nil, &buf, &errBuf))
		out := buf.String()
		assert.Contains(t, out, store.KeyOrdersPending)
		assert.Contains(t, out, store.KeyStations)
		assert.NotContains(t, out, store.KeyResilienceMode)
		assert.Contains(t, out, "2 records found")
	})

	t.Run("jsonl is oldest first", func(t *testing.T) {
		kv := testutil.NewBadgerStore(t)
		seed(t, kv)

		var buf, errBuf bytes.Buffer
		require.NoError(t, ListRecords(ctx, kv, "", OutputFormatJSONL, nil, &buf, &errBuf))

		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 3)
		var keys []string
		for _, line := range lines {
			var rec store.Record
			require.NoError(t, json.Unmarshal([]byte(line), &rec))
			keys = append(keys, rec.Key)
		}
		assert.Equal(t, []string{store.KeyOrdersPending, store.KeyStations, store.KeyResilienceMode}, keys)
	})

	t.Run("filters", func(t *testing.T) {
		kv, _ := testutil.NewRedisStore(t, "test")
		seed(t, kv)

		tests := []struct {
			name    string
			filters FilterCriteria
			want    []string
		}{
			{"since", FilterCriteria{SinceTimestampMs: epoch.Add(time.Minute).UnixMilli()}, []string{store.KeyStations, store.KeyResilienceMode}},
			{"until", FilterCriteria{UntilTimestampMs: epoch.UnixMilli()}, []string{store.KeyOrdersPending}},
			{"glob", FilterCriteria{KeyGlob: "cache.orders.*"}, []string{store.KeyOrdersPending}},
			{"origin", FilterCriteria{Origin: "stall-2"}, []string{store.KeyStations}},
			{"combined", FilterCriteria{Origin: "stall-1", KeyGlob: "resilience.*"}, []string{store.KeyResilienceMode}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				var buf, errBuf bytes.Buffer
				require.NoError(t, ListRecords(ctx, kv, "", OutputFormatJSONL, &tt.filters, &buf, &errBuf))
				var keys []string
				for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
					if line == "" {
						continue
					}
					var rec store.Record
					require.NoError(t, json.Unmarshal([]byte(line), &rec))
					keys = append(keys, rec.Key)
				}
				assert.Equal(t, tt.want, keys)
			})
		}
	})

	t.Run("unreadable record is skipped with warning", func(t *testing.T) {
		kv, mr := testutil.NewRedisStore(t, "test")
		seed(t, kv)
		keys, err := kv.Keys(ctx, store.PrefixCache)
		require.NoError(t, err)
		require.NotEmpty(t, keys)

		// A hash without the record fields
		for _, k := range mr.Keys() {
			if strings.HasSuffix(k, store.KeyStations) {
				mr.Del(k)
				mr.HSet(k, "junk", "1")
			}
		}

		var buf, errBuf bytes.Buffer
		require.NoError(t, ListRecords(ctx, kv, store.PrefixCache, OutputFormatDefault, nil, &buf, &errBuf))
		assert.Contains(t, errBuf.String(), "Skipping unreadable record")
		assert.Contains(t, buf.String(), "1 record found")
	})

	t.Run("unknown format", func(t *testing.T) {
		kv, _ := testutil.NewRedisStore(t, "test")
		var buf, errBuf bytes.Buffer
		err := ListRecords(ctx, kv, "", OutputFormat("xml"), nil, &buf, &errBuf)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown output format")
	})
}

func TestGetRecord(t *testing.T) {
	ctx := context.Background()
	kv, _ := testutil.NewRedisStore(t, "test")
	seed(t, kv)

	t.Run("found", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, GetRecord(ctx, kv, store.KeyResilienceMode, &buf))
		var rec store.Record
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
		assert.Equal(t, store.KeyResilienceMode, rec.Key)
		assert.JSONEq(t, `{"mode":"degraded"}`, string(rec.Payload))
		assert.Equal(t, "stall-1", rec.Origin)
	})

	t.Run("not found", func(t *testing.T) {
		var buf bytes.Buffer
		err := GetRecord(ctx, kv, "cache.nothing", &buf)
		require.Error(t, err)
		assert.True(t, IsNotFound(err))
		assert.Contains(t, err.Error(), "cache.nothing")
	})

	t.Run("empty key", func(t *testing.T) {
		var buf bytes.Buffer
		err := GetRecord(ctx, kv, "  ", &buf)
		require.Error(t, err)
		assert.False(t, IsNotFound(err))
	})

	t.Run("token is redacted", func(t *testing.T) {
		token := testutil.TokenFor(t, "barista-1", epoch.Add(time.Hour))
		_, err := store.PutJSON(ctx, kv, store.KeyCredentialToken, map[string]string{"token": token, "source": "primary"}, epoch, "")
		require.NoError(t, err)

		var buf bytes.Buffer
		require.NoError(t, GetRecord(ctx, kv, store.KeyCredentialToken, &buf))
		assert.NotContains(t, buf.String(), token)
		assert.Contains(t, buf.String(), token[:8]+"…")
		assert.Contains(t, buf.String(), "primary")
	})
}

func TestFormatPayload(t *testing.T) {
	tests := []struct {
		name     string
		payload  string
		expected string
	}{
		{"empty payload", "", "-"},
		{"compact object", `{"mode":"degraded"}`, `{"mode":"degraded"}`},
		{"indented json is compacted", "{\n  \"a\": 1,\n  \"b\": [1, 2]\n}", `{"a":1,"b":[1,2]}`},
		{"long payload truncates", `"` + strings.Repeat("a", 60) + `"`, `"` + strings.Repeat("a", 36) + "..."},
		{"invalid json collapses whitespace", "not   json\nat all", "not json at all"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, formatPayload(json.RawMessage(tt.payload)))
		})
	}
}

func TestFormatAge(t *testing.T) {
	now := epoch
	assert.Equal(t, "-", formatAge(0, now))
	assert.Equal(t, "42s ago", formatAge(now.Add(-42*time.Second).UnixMilli(), now))
	assert.Equal(t, "3m ago", formatAge(now.Add(-3*time.Minute).UnixMilli(), now))
	assert.Equal(t, "5h ago", formatAge(now.Add(-5*time.Hour).UnixMilli(), now))
	assert.Equal(t, "2d ago", formatAge(now.Add(-49*time.Hour).UnixMilli(), now))
	assert.Equal(t, "0s ago", formatAge(now.Add(time.Second).UnixMilli(), now))
}

func TestFormatKeyAndOrigin(t *testing.T) {
	assert.Equal(t, store.KeyStations, formatKey(store.KeyStations))
	long := store.SnapshotBackupKey("station-with-a-very-long-identifier")
	got := formatKey(long)
	assert.Len(t, got, 32)
	assert.True(t, strings.HasSuffix(got, ".backup"))

	assert.Equal(t, "-", formatOrigin(""))
	assert.Equal(t, "abcdef01", formatOrigin("abcdef01-2345-6789"))
}
