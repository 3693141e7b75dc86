package credential

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fruithappens/coffeecue/internal/testutil"
	"github.com/fruithappens/coffeecue/pkg/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAuth is a scripted Authenticator
type fakeAuth struct {
	loginToken   string
	refreshToken string
	refreshErr   error
	refreshCalls atomic.Int32
	gate         chan struct{}
}

func (f *fakeAuth) Login(ctx context.Context, username, password string) (string, error) {
	if password != "secret" {
		return "", fmt.Errorf("%w: bad password", ErrAuthFailure)
	}
	return f.loginToken, nil
}

func (f *fakeAuth) Refresh(ctx context.Context, token string) (string, error) {
	f.refreshCalls.Add(1)
	if f.gate != nil {
		<-f.gate
	}
	return f.refreshToken, f.refreshErr
}

var epoch = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func setupStore(t *testing.T, auth Authenticator) (*Store, store.Store, *testclock.Clock) {
	kv, _ := testutil.NewRedisStore(t, "test")
	clk := testclock.NewClock(epoch)
	return New(kv, auth, Config{Clock: clk}), kv, clk
}

func TestParseToken(t *testing.T) {
	exp := epoch.Add(time.Hour).Unix()

	tests := []struct {
		name    string
		claims  jwt.MapClaims
		wantErr string
	}{
		{"valid", jwt.MapClaims{"sub": "barista-1", "role": "barista", "exp": exp, "iat": exp - 3600}, ""},
		{"numeric subject", jwt.MapClaims{"sub": 12345, "exp": exp}, "subject claim must be a string"},
		{"object subject", jwt.MapClaims{"sub": map[string]any{"id": 1}, "exp": exp}, "subject claim must be a string"},
		{"missing subject", jwt.MapClaims{"exp": exp}, "missing subject"},
		{"missing expiry", jwt.MapClaims{"sub": "barista-1"}, "missing expiry"},
		{"string expiry", jwt.MapClaims{"sub": "barista-1", "exp": "tomorrow"}, "invalid expiry"},
		{"numeric role", jwt.MapClaims{"sub": "barista-1", "exp": exp, "role": 7}, "role claim must be a string"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := ParseToken(testutil.SignToken(t, tt.claims))
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "barista-1", claims.Subject)
				assert.Equal(t, "barista", claims.Role)
				assert.Equal(t, exp, claims.ExpiresAt)
				assert.Equal(t, exp-3600, claims.IssuedAt)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrValidation))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("malformed token", func(t *testing.T) {
		for _, token := range []string{"", "   ", "not-a-jwt", "a.b.c"} {
			_, err := ParseToken(token)
			assert.ErrorIs(t, err, ErrValidation, "token %q", token)
		}
	})
}

func TestCurrent(t *testing.T) {
	ctx := context.Background()

	t.Run("absent credential", func(t *testing.T) {
		s, _, _ := setupStore(t, &fakeAuth{})
		cred, err := s.Current(ctx)
		assert.NoError(t, err)
		assert.Nil(t, cred)
	})

	t.Run("valid credential", func(t *testing.T) {
		s, _, _ := setupStore(t, &fakeAuth{})
		token := testutil.TokenFor(t, "barista-1", epoch.Add(time.Hour))
		_, err := s.Save(ctx, token, SourceSynthetic)
		require.NoError(t, err)

		cred, err := s.Current(ctx)
		require.NoError(t, err)
		require.NotNil(t, cred)
		assert.Equal(t, token, cred.Token)
		assert.Equal(t, "barista-1", cred.Claims.Subject)
		assert.Equal(t, SourceSynthetic, cred.Source)
	})

	t.Run("non-string subject is treated as no credential", func(t *testing.T) {
		s, kv, _ := setupStore(t, &fakeAuth{})
		for _, sub := range []any{12345, 1.5, true, []string{"a"}, map[string]any{"id": "x"}} {
			bad := testutil.SignToken(t, jwt.MapClaims{"sub": sub, "exp": epoch.Add(time.Hour).Unix()})
			// Written directly, as a legacy writer would have
			_, err := store.PutJSON(ctx, kv, store.KeyCredentialToken, tokenRecord{Token: bad, Source: SourcePrimary}, epoch, "")
			require.NoError(t, err)

			cred, err := s.Current(ctx)
			assert.NoError(t, err, "subject %v", sub)
			assert.Nil(t, cred, "subject %v", sub)
		}
	})

	t.Run("expired credential is returned for refreshing", func(t *testing.T) {
		s, _, clk := setupStore(t, &fakeAuth{})
		token := testutil.TokenFor(t, "barista-1", epoch.Add(time.Minute))
		_, err := s.Save(ctx, token, SourcePrimary)
		require.NoError(t, err)
		clk.Advance(2 * time.Minute)

		cred, err := s.Current(ctx)
		require.NoError(t, err)
		require.NotNil(t, cred)
		assert.Equal(t, token, cred.Token)
		assert.True(t, cred.IsStale(clk.Now()))
		assert.True(t, s.IsExpiringSoon(ctx))
	})

	t.Run("expired credential can be refreshed", func(t *testing.T) {
		fresh := testutil.TokenFor(t, "barista-1", epoch.Add(time.Hour))
		s, _, clk := setupStore(t, &fakeAuth{refreshToken: fresh})
		_, err := s.Save(ctx, testutil.TokenFor(t, "barista-1", epoch.Add(time.Minute)), SourcePrimary)
		require.NoError(t, err)
		clk.Advance(2 * time.Minute)

		cred, err := s.Refresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, fresh, cred.Token)
		assert.False(t, cred.IsStale(clk.Now()))
	})

	t.Run("unreadable record is treated as no credential", func(t *testing.T) {
		s, kv, _ := setupStore(t, &fakeAuth{})
		_, err := store.PutJSON(ctx, kv, store.KeyCredentialToken, []int{1, 2}, epoch, "")
		require.NoError(t, err)

		cred, err := s.Current(ctx)
		assert.NoError(t, err)
		assert.Nil(t, cred)
	})

	t.Run("save rejects invalid token", func(t *testing.T) {
		s, _, _ := setupStore(t, &fakeAuth{})
		bad := testutil.SignToken(t, jwt.MapClaims{"sub": 1, "exp": epoch.Add(time.Hour).Unix()})
		_, err := s.Save(ctx, bad, SourcePrimary)
		assert.ErrorIs(t, err, ErrValidation)

		cred, err := s.Current(ctx)
		assert.NoError(t, err)
		assert.Nil(t, cred)
	})
}

func TestIsExpiringSoon(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		expiryIn time.Duration
		want     bool
	}{
		{"expires in 4 minutes", 4 * time.Minute, true},
		{"expires in 5 minutes 1 second", 5*time.Minute + time.Second, false},
		{"expires in an hour", time.Hour, false},
		{"already expired", -time.Minute, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _, _ := setupStore(t, &fakeAuth{})
			_, err := s.Save(ctx, testutil.TokenFor(t, "barista-1", epoch.Add(tt.expiryIn)), SourcePrimary)
			require.NoError(t, err)
			assert.Equal(t, tt.want, s.IsExpiringSoon(ctx))
		})
	}

	t.Run("no credential", func(t *testing.T) {
		s, _, _ := setupStore(t, &fakeAuth{})
		assert.True(t, s.IsExpiringSoon(ctx))
	})

	t.Run("clock advancing into the margin", func(t *testing.T) {
		s, _, clk := setupStore(t, &fakeAuth{})
		_, err := s.Save(ctx, testutil.TokenFor(t, "barista-1", epoch.Add(10*time.Minute)), SourcePrimary)
		require.NoError(t, err)
		assert.False(t, s.IsExpiringSoon(ctx))

		clk.Advance(6 * time.Minute)
		assert.True(t, s.IsExpiringSoon(ctx))
	})
}

func TestRefresh(t *testing.T) {
	ctx := context.Background()

	t.Run("persists refreshed credential and runs hooks", func(t *testing.T) {
		auth := &fakeAuth{}
		s, _, _ := setupStore(t, auth)
		_, err := s.Save(ctx, testutil.TokenFor(t, "barista-1", epoch.Add(time.Minute)), SourcePrimary)
		require.NoError(t, err)

		auth.refreshToken = testutil.TokenFor(t, "barista-1", epoch.Add(2*time.Hour))

		var hookCalls int
		s.OnRefresh(func(ctx context.Context, cred *Credential) { hookCalls++ })

		cred, err := s.Refresh(ctx)
		require.NoError(t, err)
		assert.Equal(t, SourceRefreshed, cred.Source)
		assert.Equal(t, 1, hookCalls)

		current, err := s.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, auth.refreshToken, current.Token)
		assert.False(t, s.IsExpiringSoon(ctx))
	})

	t.Run("failure leaves stored credential untouched", func(t *testing.T) {
		auth := &fakeAuth{refreshErr: fmt.Errorf("%w: status 401", ErrAuthFailure)}
		s, _, _ := setupStore(t, auth)
		original := testutil.TokenFor(t, "barista-1", epoch.Add(time.Minute))
		_, err := s.Save(ctx, original, SourcePrimary)
		require.NoError(t, err)

		var hookCalls int
		s.OnRefresh(func(ctx context.Context, cred *Credential) { hookCalls++ })

		_, err = s.Refresh(ctx)
		assert.ErrorIs(t, err, ErrAuthFailure)
		assert.Equal(t, 0, hookCalls)

		current, err := s.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, original, current.Token)
	})

	t.Run("invalid refreshed token is rejected", func(t *testing.T) {
		auth := &fakeAuth{}
		s, _, _ := setupStore(t, auth)
		original := testutil.TokenFor(t, "barista-1", epoch.Add(time.Minute))
		_, err := s.Save(ctx, original, SourcePrimary)
		require.NoError(t, err)

		auth.refreshToken = testutil.SignToken(t, jwt.MapClaims{"sub": 99, "exp": epoch.Add(time.Hour).Unix()})

		_, err = s.Refresh(ctx)
		assert.ErrorIs(t, err, ErrAuthFailure)
		assert.ErrorIs(t, err, ErrValidation)

		current, err := s.Current(ctx)
		require.NoError(t, err)
		assert.Equal(t, original, current.Token)
	})

	t.Run("without credential requires login", func(t *testing.T) {
		auth := &fakeAuth{refreshToken: "unused"}
		s, _, _ := setupStore(t, auth)

		_, err := s.Refresh(ctx)
		assert.ErrorIs(t, err, ErrAuthFailure)
		assert.Equal(t, int32(0), auth.refreshCalls.Load())
	})

	t.Run("concurrent refreshes share one request", func(t *testing.T) {
		auth := &fakeAuth{gate: make(chan struct{})}
		s, _, _ := setupStore(t, auth)
		_, err := s.Save(ctx, testutil.TokenFor(t, "barista-1", epoch.Add(time.Minute)), SourcePrimary)
		require.NoError(t, err)
		auth.refreshToken = testutil.TokenFor(t, "barista-1", epoch.Add(time.Hour))

		var wg sync.WaitGroup
		for i := 0; i < 5; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Refresh(ctx)
				assert.NoError(t, err)
			}()
		}
		assert.Eventually(t, func() bool { return auth.refreshCalls.Load() == 1 }, time.Second, 5*time.Millisecond)
		time.Sleep(20 * time.Millisecond)
		close(auth.gate)
		wg.Wait()
		assert.LessOrEqual(t, auth.refreshCalls.Load(), int32(5))
		assert.GreaterOrEqual(t, auth.refreshCalls.Load(), int32(1))
	})
}

func TestLoginAndClear(t *testing.T) {
	ctx := context.Background()
	auth := &fakeAuth{}
	s, _, _ := setupStore(t, auth)
	auth.loginToken = testutil.TokenFor(t, "organiser", epoch.Add(time.Hour))

	_, err := s.Login(ctx, "organiser", "wrong")
	assert.ErrorIs(t, err, ErrAuthFailure)

	cred, err := s.Login(ctx, "organiser", "secret")
	require.NoError(t, err)
	assert.Equal(t, SourcePrimary, cred.Source)

	require.NoError(t, s.Clear(ctx))
	current, err := s.Current(ctx)
	assert.NoError(t, err)
	assert.Nil(t, current)
}

func TestHTTPAuthenticator(t *testing.T) {
	ctx := context.Background()
	api := testutil.NewFakeAPI(t)
	fresh := testutil.TokenFor(t, "barista-1", epoch.Add(time.Hour))

	api.Handle(http.MethodPost, "/auth/login", func(w http.ResponseWriter, r *http.Request) {
		testutil.JSON(w, http.StatusOK, map[string]any{"token": fresh, "user": map[string]string{"username": "barista-1"}})
	})
	api.Handle(http.MethodPost, "/auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer old-token" {
			testutil.JSON(w, http.StatusUnauthorized, map[string]string{"error": "bad token"})
			return
		}
		testutil.JSON(w, http.StatusOK, map[string]string{"token": fresh})
	})

	auth := NewHTTPAuthenticator(api.URL()+"/", time.Second)

	token, err := auth.Login(ctx, "barista-1", "pw")
	require.NoError(t, err)
	assert.Equal(t, fresh, token)

	token, err = auth.Refresh(ctx, "old-token")
	require.NoError(t, err)
	assert.Equal(t, fresh, token)

	_, err = auth.Refresh(ctx, "other-token")
	assert.ErrorIs(t, err, ErrAuthFailure)

	unreachable := NewHTTPAuthenticator("http://127.0.0.1:1", 100*time.Millisecond)
	_, err = unreachable.Refresh(ctx, "old-token")
	assert.ErrorIs(t, err, ErrUnreachable)
}
