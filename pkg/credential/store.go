package credential

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/fruithappens/coffeecue/pkg/store"
	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"
)

// DefaultRefreshMargin is how long before expiry a credential counts as
// expiring soon.
const DefaultRefreshMargin = 5 * time.Minute

// RefreshHook runs after every successful refresh.
type RefreshHook func(ctx context.Context, cred *Credential)

// Config configures a Store.
type Config struct {
	RefreshMargin time.Duration // Default: 5m
	Clock         clock.Clock   // Default: wall clock
}

// Store is the single accessor for the current credential. It performs no
// retries of its own; callers decide whether to retry a failed refresh.
type Store struct {
	kv            store.Store
	auth          Authenticator
	clock         clock.Clock
	refreshMargin time.Duration

	flight singleflight.Group

	mu    sync.Mutex
	hooks []RefreshHook
}

type tokenRecord struct {
	Token  string `json:"token"`
	Source Source `json:"source"`
}

// New creates a credential store persisting into kv.
func New(kv store.Store, auth Authenticator, cfg Config) *Store {
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = DefaultRefreshMargin
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	return &Store{
		kv:            kv,
		auth:          auth,
		clock:         cfg.Clock,
		refreshMargin: cfg.RefreshMargin,
	}
}

// OnRefresh registers a hook run after each successful refresh.
func (s *Store) OnRefresh(hook RefreshHook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, hook)
}

// Current returns the stored credential.
// Returns (nil, nil) when no credential is stored or its claims are invalid.
// An expired credential is still returned: Refresh exchanges it and
// IsExpiringSoon reports it. Use Credential.IsStale to tell.
// An error is returned only when the durable store itself fails.
func (s *Store) Current(ctx context.Context) (*Credential, error) {
	rec, err := s.kv.Get(ctx, store.KeyCredentialToken)
	if err != nil {
		if store.IsNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load credential: %w", err)
	}

	var tr tokenRecord
	if err := rec.Decode(&tr); err != nil {
		log.Printf("[Credential] Ignoring unreadable stored credential: %v", err)
		return nil, nil
	}

	claims, err := ParseToken(tr.Token)
	if err != nil {
		log.Printf("[Credential] Stored credential rejected: %v", err)
		return nil, nil
	}

	source := tr.Source
	if source == "" {
		source = SourcePrimary
	}
	return &Credential{Token: tr.Token, Claims: claims, Source: source}, nil
}

// IsExpiringSoon reports whether there is no usable credential or it expires
// within the refresh margin.
func (s *Store) IsExpiringSoon(ctx context.Context) bool {
	cred, err := s.Current(ctx)
	if err != nil || cred == nil {
		return true
	}
	return cred.ExpiresWithin(s.clock.Now(), s.refreshMargin)
}

// Login authenticates with username and password and stores the result.
func (s *Store) Login(ctx context.Context, username, password string) (*Credential, error) {
	token, err := s.auth.Login(ctx, username, password)
	if err != nil {
		return nil, fmt.Errorf("%w: login: %w", ErrAuthFailure, err)
	}
	cred, err := s.Save(ctx, token, SourcePrimary)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	log.Printf("[Credential] Logged in as %s (role %q)", cred.Claims.Subject, cred.Claims.Role)
	return cred, nil
}

// Refresh exchanges the current credential for a new one.
// On any failure the stored credential is left untouched and the returned
// error matches ErrAuthFailure. Concurrent calls share one request.
func (s *Store) Refresh(ctx context.Context) (*Credential, error) {
	v, err, _ := s.flight.Do("refresh", func() (interface{}, error) {
		return s.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential), nil
}

func (s *Store) refresh(ctx context.Context) (*Credential, error) {
	current, err := s.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}
	if current == nil {
		return nil, fmt.Errorf("%w: no valid credential to refresh, login required", ErrAuthFailure)
	}

	token, err := s.auth.Refresh(ctx, current.Token)
	if err != nil {
		log.Printf("[Credential] Refresh failed: %v", err)
		return nil, fmt.Errorf("%w: refresh: %w", ErrAuthFailure, err)
	}

	cred, err := s.Save(ctx, token, SourceRefreshed)
	if err != nil {
		log.Printf("[Credential] Refreshed token rejected: %v", err)
		return nil, fmt.Errorf("%w: %w", ErrAuthFailure, err)
	}

	s.mu.Lock()
	hooks := append([]RefreshHook(nil), s.hooks...)
	s.mu.Unlock()
	for _, hook := range hooks {
		hook(ctx, cred)
	}

	log.Printf("[Credential] Refreshed credential for %s, expires %s",
		cred.Claims.Subject, cred.ExpiresAt().UTC().Format(time.RFC3339))
	return cred, nil
}

// Save validates token and stores it with its claims in one atomic write.
// Invalid tokens are rejected without touching the stored credential.
func (s *Store) Save(ctx context.Context, token string, source Source) (*Credential, error) {
	claims, err := ParseToken(token)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	tokenRec, err := store.NewRecord(store.KeyCredentialToken, tokenRecord{Token: token, Source: source}, now, "")
	if err != nil {
		return nil, err
	}
	claimsRec, err := store.NewRecord(store.KeyCredentialClaims, claims, now, "")
	if err != nil {
		return nil, err
	}
	if err := s.kv.PutMany(ctx, tokenRec, claimsRec); err != nil {
		return nil, fmt.Errorf("failed to persist credential: %w", err)
	}

	return &Credential{Token: token, Claims: claims, Source: source}, nil
}

// Clear removes the stored credential (logout or administrative reset).
func (s *Store) Clear(ctx context.Context) error {
	if err := s.kv.Delete(ctx, store.KeyCredentialToken, store.KeyCredentialClaims); err != nil {
		return fmt.Errorf("failed to clear credential: %w", err)
	}
	return nil
}
