// Package testutil provides shared fixtures for package tests: durable stores
// backed by miniredis or in-memory badger, signed test tokens, and a fake
// order API served by a gorilla/mux router.
package testutil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fruithappens/coffeecue/pkg/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// TestSigningKey signs tokens produced by SignToken. The client never verifies
// signatures, so any key works.
var TestSigningKey = []byte("coffeecue-test-key")

// NewRedisStore creates a store connected to a fresh miniredis instance.
func NewRedisStore(t *testing.T, namespace string) (*store.RedisStore, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	require.NoError(t, mr.Start())
	t.Cleanup(mr.Close)

	s, err := store.NewRedisStore(&redis.Options{Addr: mr.Addr()}, namespace)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	return s, mr
}

// AttachRedisStore opens a second store on an existing miniredis, as another
// client session instance would.
func AttachRedisStore(t *testing.T, mr *miniredis.Miniredis, namespace string) *store.RedisStore {
	t.Helper()

	s, err := store.NewRedisStore(&redis.Options{Addr: mr.Addr()}, namespace)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// NewBadgerStore opens an in-memory badger store.
func NewBadgerStore(t *testing.T) *store.BadgerStore {
	t.Helper()

	s, err := store.OpenBadgerStore(store.InMemoryBadgerConfig(), "test")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// SignToken signs arbitrary claims, including deliberately invalid ones.
func SignToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(TestSigningKey)
	require.NoError(t, err)
	return token
}

// TokenFor signs a valid barista token for subject expiring at expires.
func TokenFor(t *testing.T, subject string, expires time.Time) string {
	t.Helper()

	return SignToken(t, jwt.MapClaims{
		"sub":  subject,
		"role": "barista",
		"exp":  expires.Unix(),
		"iat":  expires.Add(-time.Hour).Unix(),
	})
}

// FakeAPI is an httptest server standing in for the remote order API.
// Handlers are registered per method and route template; every request is
// counted against its template.
type FakeAPI struct {
	Server *httptest.Server
	Router *mux.Router

	mu        sync.Mutex
	hits      map[string]int
	lastAuth  map[string]string
	callOrder []string
}

// NewFakeAPI starts a fake API server, closed automatically at test end.
func NewFakeAPI(t *testing.T) *FakeAPI {
	t.Helper()

	f := &FakeAPI{
		Router:   mux.NewRouter(),
		hits:     make(map[string]int),
		lastAuth: make(map[string]string),
	}
	f.Router.Use(f.record)
	f.Server = httptest.NewServer(f.Router)
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the server base URL.
func (f *FakeAPI) URL() string {
	return f.Server.URL
}

// Handle registers h for method and path template (gorilla/mux syntax).
func (f *FakeAPI) Handle(method, path string, h http.HandlerFunc) {
	f.Router.HandleFunc(path, h).Methods(method)
}

// Hits returns how many requests matched method and path template.
func (f *FakeAPI) Hits(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.hits[method+" "+path]
}

// LastAuthorization returns the Authorization header of the most recent
// request matching method and path template.
func (f *FakeAPI) LastAuthorization(method, path string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastAuth[method+" "+path]
}

// Calls returns "METHOD template" for every request in arrival order.
func (f *FakeAPI) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.callOrder...)
}

func (f *FakeAPI) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		template := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				template = tpl
			}
		}
		key := r.Method + " " + template

		f.mu.Lock()
		f.hits[key]++
		f.lastAuth[key] = r.Header.Get("Authorization")
		f.callOrder = append(f.callOrder, key)
		f.mu.Unlock()

		next.ServeHTTP(w, r)
	})
}

// JSON writes v as a JSON response with status.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
