package credential

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"anthraxy/internal/apperr"
	"anthraxy/internal/retry"
)

// AuthMaterial is what the forwarder attaches to the outbound request
// (spec §4.2).
type AuthMaterial struct {
	Headers   map[string]string
	AccountID string
}

type descriptorEntry struct {
	descriptor *Descriptor
	mtime      time.Time
	loadedAt   time.Time
}

type authEntry struct {
	kind      Kind
	token     string
	expiresAt time.Time // zero value for api_key: never expires
}

// Refresher exchanges a refresh token for a new access token. Implemented
// by oauthRefresher in oauth.go; an interface here keeps Manager testable
// without a live token endpoint.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (accessToken, newRefreshToken string, expiresAt time.Time, err error)
}

// Manager is the process-wide singleton spec §4.2 describes: a
// descriptor cache keyed by domain and an upstream auth cache keyed by
// account_id, each with its own single-flight group so concurrent
// callers collapse onto one in-flight load/refresh.
type Manager struct {
	dir           string
	descriptorTTL time.Duration
	refreshSkew   time.Duration
	refresher     Refresher
	retryPolicy   retry.Policy

	descMu    sync.RWMutex
	descCache map[string]descriptorEntry
	descFlight singleflight.Group

	authMu    sync.RWMutex
	authCache map[string]authEntry
	authFlight singleflight.Group
}

// New constructs a Manager reading descriptors from dir.
func New(dir string, descriptorTTL, refreshSkew time.Duration, refresher Refresher) *Manager {
	return &Manager{
		dir:           dir,
		descriptorTTL: descriptorTTL,
		refreshSkew:   refreshSkew,
		refresher:     refresher,
		retryPolicy:   retry.NewPolicy(retry.RetryConfig{MaxAttempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 4 * time.Second, Jitter: 0.2}),
		descCache:     make(map[string]descriptorEntry),
		authCache:     make(map[string]authEntry),
	}
}

// Descriptor returns the cached descriptor for domain, reloading from
// disk on a TTL-or-mtime miss. Reload is single-flighted per domain so
// a cold cache under concurrent load issues exactly one file read
// (spec §4.2, §8 property 6).
func (m *Manager) Descriptor(domain string) (*Descriptor, error) {
	m.descMu.RLock()
	entry, ok := m.descCache[domain]
	m.descMu.RUnlock()

	path := descriptorFilePath(m.dir, domain)
	if ok && time.Since(entry.loadedAt) < m.descriptorTTL {
		if fi, err := os.Stat(path); err == nil && !fi.ModTime().After(entry.mtime) {
			return entry.descriptor, nil
		}
	}

	v, err, _ := m.descFlight.Do(domain, func() (interface{}, error) {
		d, mtime, err := readDescriptorFile(path)
		if err != nil {
			return nil, &apperr.CredentialError{Message: fmt.Sprintf("load credentials for %q: %v", domain, err)}
		}
		e := descriptorEntry{descriptor: d, mtime: mtime, loadedAt: time.Now()}
		m.descMu.Lock()
		m.descCache[domain] = e
		m.descMu.Unlock()
		log.Debug().Str("domain", domain).Str("descriptor", d.Masked()).Msg("credential: descriptor loaded")
		return d, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Descriptor), nil
}

// AuthMaterialFor resolves the auth headers for one account, performing
// a proactive OAuth refresh when the cached token expires within the
// configured skew (spec §4.2's 60s threshold).
func (m *Manager) AuthMaterialFor(ctx context.Context, accountID string, kind Kind, apiKey string, oauth *OAuthCreds) (*AuthMaterial, error) {
	switch kind {
	case KindAPIKey:
		return &AuthMaterial{AccountID: accountID, Headers: map[string]string{"x-api-key": apiKey}}, nil
	case KindOAuth:
		return m.oauthMaterial(ctx, accountID, oauth)
	default:
		return nil, &apperr.CredentialError{Message: fmt.Sprintf("credential: unsupported kind %q for account %s", kind, accountID)}
	}
}

func (m *Manager) oauthMaterial(ctx context.Context, accountID string, creds *OAuthCreds) (*AuthMaterial, error) {
	m.authMu.RLock()
	entry, ok := m.authCache[accountID]
	m.authMu.RUnlock()

	if !ok {
		entry = authEntry{kind: KindOAuth, token: creds.AccessToken, expiresAt: creds.ExpiresAt}
	}

	if time.Now().Add(m.refreshSkew).Before(entry.expiresAt) {
		return &AuthMaterial{
			AccountID: accountID,
			Headers: map[string]string{
				"Authorization":  "Bearer " + entry.token,
				"anthropic-beta": "oauth-2025-04-20",
			},
		}, nil
	}

	token, err := m.refreshWithRetry(ctx, accountID, creds)
	if err != nil {
		m.authMu.Lock()
		delete(m.authCache, accountID)
		m.authMu.Unlock()
		return nil, err
	}
	return &AuthMaterial{
		AccountID: accountID,
		Headers: map[string]string{
			"Authorization":  "Bearer " + token,
			"anthropic-beta": "oauth-2025-04-20",
		},
	}, nil
}

// refreshWithRetry serializes concurrent refreshers for the same
// account_id behind a single-flight call (spec §8 property... the
// "thundering herd" guard), retrying transient failures with the
// teacher's exponential-backoff-with-jitter math from
// internal/retry/policy.go.
func (m *Manager) refreshWithRetry(ctx context.Context, accountID string, creds *OAuthCreds) (string, error) {
	v, err, _ := m.authFlight.Do(accountID, func() (interface{}, error) {
		var lastErr error
		for attempt := 1; attempt <= m.retryPolicy.MaxAttempts(); attempt++ {
			access, refresh, expiresAt, err := m.refresher.Refresh(ctx, creds.RefreshToken)
			if err == nil {
				creds.AccessToken = access
				if refresh != "" {
					creds.RefreshToken = refresh
				}
				creds.ExpiresAt = expiresAt
				m.authMu.Lock()
				m.authCache[accountID] = authEntry{kind: KindOAuth, token: access, expiresAt: expiresAt}
				m.authMu.Unlock()
				log.Info().Str("account_id", accountID).Time("expires_at", expiresAt).Msg("credential: oauth refresh succeeded")
				return access, nil
			}
			lastErr = err
			if attempt < m.retryPolicy.MaxAttempts() {
				select {
				case <-time.After(m.retryPolicy.GetBackoff(attempt)):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}
		}
		log.Error().Err(lastErr).Str("account_id", accountID).Msg("credential: oauth refresh exhausted retries")
		return nil, &apperr.CredentialError{Message: fmt.Sprintf("oauth refresh failed for account %s: %v", accountID, lastErr)}
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
