package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/fruithappens/coffeecue/internal/config"
	"github.com/fruithappens/coffeecue/internal/testutil"
	"github.com/fruithappens/coffeecue/pkg/orders"
	"github.com/fruithappens/coffeecue/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// run executes the CLI with args and returns everything written to
// stdout and stderr.
func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	// nil args make cobra fall back to os.Args
	rootCmd.SetArgs(append([]string{}, args...))
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	return buf.String(), err
}

// setupEnv points the CLI at a fresh miniredis namespace and fake API.
func setupEnv(t *testing.T) (*testutil.FakeAPI, store.Store) {
	t.Helper()
	api := testutil.NewFakeAPI(t)
	kv, mr := testutil.NewRedisStore(t, "cli")

	t.Setenv(config.EnvAPIURL, api.URL())
	t.Setenv(config.EnvRedisURL, "redis://"+mr.Addr())
	t.Setenv(config.EnvNamespace, "cli")
	t.Setenv(config.EnvStorageBackend, config.BackendRedis)
	configPath = ""
	return api, kv
}

func TestRootCommand_ShowsHelpWhenNoSubcommand(t *testing.T) {
	out, err := run(t)
	assert.NoError(t, err)
	assert.Contains(t, out, "Usage:")
	assert.Contains(t, out, "coffeecue")
}

func TestRootCommand_RejectsUnknownFlags(t *testing.T) {
	_, err := run(t, "--unknown-flag", "value")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown flag")
}

func TestConfigFileErrors(t *testing.T) {
	_, err := run(t, "status", "--config", "/nonexistent/coffeecue.yml")
	require.Error(t, err)
	assert.Equal(t, "failed to load configuration", err.Error())
	configPath = ""
}

func TestModeLifecycle(t *testing.T) {
	api, _ := setupEnv(t)
	api.Handle(http.MethodGet, "/health", func(w http.ResponseWriter, r *http.Request) {
		testutil.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	out, err := run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "● CONNECTED")
	assert.Contains(t, out, "auth failures:")
	assert.Contains(t, out, "0/3")

	out, err = run(t, "degrade")
	require.NoError(t, err)
	assert.Contains(t, out, "Namespace 'cli' switched to degraded mode")

	out, err = run(t, "degrade")
	require.NoError(t, err)
	assert.Contains(t, out, "Already in degraded mode")

	out, err = run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "● DEGRADED (serving cached data)  reason: manual")

	out, err = run(t, "probe")
	require.NoError(t, err)
	assert.Contains(t, out, "Reconnected")
	assert.Equal(t, 1, api.Hits(http.MethodGet, "/health"))

	out, err = run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "● CONNECTED  reason: reconnect")
}

func TestProbeFailure(t *testing.T) {
	api, _ := setupEnv(t)
	api.Handle(http.MethodGet, "/health", func(w http.ResponseWriter, r *http.Request) {
		testutil.JSON(w, http.StatusServiceUnavailable, map[string]string{"error": "maintenance"})
	})

	_, err := run(t, "degrade")
	require.NoError(t, err)

	out, err := run(t, "probe")
	require.Error(t, err)
	assert.Equal(t, "API still unreachable", err.Error())
	assert.Contains(t, out, "Clients keep serving cached data")
}

func TestReset(t *testing.T) {
	_, kv := setupEnv(t)
	ctx := context.Background()
	_, err := store.PutJSON(ctx, kv, store.KeyOrdersPending, []orders.Order{{ID: "1"}}, time.Now(), "")
	require.NoError(t, err)

	resetConfirmed = false
	_, err = run(t, "reset")
	require.Error(t, err)
	assert.Equal(t, "reset not confirmed", err.Error())

	out, err := run(t, "reset", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Cache and resilience state cleared")
	resetConfirmed = false

	_, err = kv.Get(ctx, store.KeyOrdersPending)
	assert.True(t, store.IsNotFound(err))
}

func TestCacheCommand(t *testing.T) {
	_, kv := setupEnv(t)
	ctx := context.Background()
	_, err := store.PutJSON(ctx, kv, store.KeyStations, []orders.Station{{ID: "1", Name: "Main", Active: true}}, time.Now(), "stall-9")
	require.NoError(t, err)

	t.Run("list", func(t *testing.T) {
		out, err := run(t, "cache", "--prefix", "cache.", "--output", "default")
		require.NoError(t, err)
		assert.Contains(t, out, store.KeyStations)
		assert.Contains(t, out, "1 record found")
	})

	t.Run("get", func(t *testing.T) {
		out, err := run(t, "cache", store.KeyStations)
		require.NoError(t, err)
		var rec store.Record
		require.NoError(t, json.Unmarshal([]byte(out), &rec))
		assert.Equal(t, "stall-9", rec.Origin)
	})

	t.Run("get missing", func(t *testing.T) {
		_, err := run(t, "cache", "cache.nothing")
		require.Error(t, err)
		assert.Equal(t, "no record for key 'cache.nothing'", err.Error())
	})

	t.Run("invalid format", func(t *testing.T) {
		_, err := run(t, "cache", "--output", "xml")
		require.Error(t, err)
		assert.Equal(t, "invalid output format", err.Error())
	})

	t.Run("invalid since", func(t *testing.T) {
		_, err := run(t, "cache", "--output", "default", "--since", "yesterday")
		require.Error(t, err)
		assert.Equal(t, "invalid time filter", err.Error())
	})
	cacheSince = ""
}

func TestRestoreCommand(t *testing.T) {
	_, kv := setupEnv(t)
	ctx := context.Background()
	snap := orders.Snapshot{
		StationID: "3",
		Pending:   []orders.Order{{ID: "41", CustomerName: "Ana", Item: "latte"}, {ID: "42", CustomerName: "Ben", Item: "mocha"}},
		TakenAtMs: time.Now().UnixMilli(),
	}
	_, err := store.PutJSON(ctx, kv, store.SnapshotBackupKey("3"), snap, time.Now(), "stall-2")
	require.NoError(t, err)

	out, err := run(t, "restore", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Station 3: 2 orders saved at")
	assert.Contains(t, out, "pending (2)")
	assert.Contains(t, out, "#42")

	// Restoring promoted the backup
	_, err = kv.Get(ctx, store.SnapshotKey("3"))
	assert.NoError(t, err)

	out, err = run(t, "restore", "3", "--json")
	require.NoError(t, err)
	var got orders.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, snap.Pending, got.Pending)
	restoreJSON = false

	_, err = run(t, "restore", "9")
	require.Error(t, err)
	assert.Equal(t, "nothing saved for station '9'", err.Error())
}

func TestLoginAndLogout(t *testing.T) {
	api, kv := setupEnv(t)
	api.Handle(http.MethodPost, "/auth/login", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["password"] != "s3cret" {
			testutil.JSON(w, http.StatusUnauthorized, map[string]string{"error": "bad password"})
			return
		}
		testutil.JSON(w, http.StatusOK, map[string]string{"token": testutil.TokenFor(t, req["username"], time.Now().Add(time.Hour))})
	})

	rootCmd.SetIn(strings.NewReader("wrong\n"))
	_, err := run(t, "login", "--username", "barista-1")
	require.Error(t, err)
	assert.Equal(t, "login failed", err.Error())

	rootCmd.SetIn(strings.NewReader("s3cret\n"))
	out, err := run(t, "login", "--username", "barista-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Logged in as barista-1 (barista)")

	out, err = run(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "barista-1, valid")

	_, err = run(t, "logout")
	require.NoError(t, err)
	_, err = kv.Get(context.Background(), store.KeyCredentialToken)
	assert.True(t, store.IsNotFound(err))

	rootCmd.SetIn(strings.NewReader(""))
	_, err = run(t, "login", "--username", "barista-1")
	require.Error(t, err)
	assert.Equal(t, "no password given", err.Error())
	rootCmd.SetIn(nil)
}

func TestWatchFor(t *testing.T) {
	_, kv := setupEnv(t)
	_, err := store.PutJSON(context.Background(), kv, store.KeyDisplayReady, []string{}, time.Now(), "")
	require.NoError(t, err)

	out, err := run(t, "watch", "--for", store.KeyDisplayReady, "--timeout", "1s")
	require.NoError(t, err)
	assert.Contains(t, out, `"key": "display.ready"`)

	_, err = run(t, "watch", "--for", "cache.never", "--timeout", "300ms")
	require.Error(t, err)
	assert.Equal(t, "key 'cache.never' did not appear", err.Error())
	watchForKey = ""
	watchTimeout = 30 * time.Second
}
