// Package auth implements the partner authentication pipeline: API-key
// resolution with caching, credential and partner status checks, IP
// allowlisting, permission grants and per-partner rate limiting.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/betlink/betlinkd/internal/apperr"
	"github.com/betlink/betlinkd/internal/cache"
	"github.com/betlink/betlinkd/internal/crypto"
	"github.com/betlink/betlinkd/internal/storage/relationaldb"
)

// identityCacheTTL bounds how long a revoked key keeps working. Sixty
// seconds trades a short revocation delay for dropping a database read from
// nearly every request.
const identityCacheTTL = 60 * time.Second

// lastUsedInterval throttles last-used bookkeeping writes.
const lastUsedInterval = time.Hour

// Authenticator resolves API keys to partner identities.
type Authenticator struct {
	repos     relationaldb.RepositoryManager
	cache     cache.Cache
	limiter   *RateLimiter
	log       *zap.Logger
	now       func() time.Time
	enforceIP bool

	mu        sync.Mutex
	lastTouch map[uuid.UUID]time.Time
}

// NewAuthenticator wires the pipeline. cache may be nil, which disables
// identity caching but not authentication.
func NewAuthenticator(repos relationaldb.RepositoryManager, c cache.Cache, limiter *RateLimiter, log *zap.Logger) *Authenticator {
	return &Authenticator{
		repos:     repos,
		cache:     c,
		limiter:   limiter,
		log:       log,
		now:       time.Now,
		enforceIP: true,
		lastTouch: make(map[uuid.UUID]time.Time),
	}
}

// SetIPEnforcement toggles allowlist checks, for deployments whose ingress
// already restricts sources. Enabled by default.
func (a *Authenticator) SetIPEnforcement(enabled bool) {
	a.enforceIP = enabled
}

// Authenticate runs the full pipeline for one request: key lookup, key and
// partner status checks, IP allowlist, then the rate limit for the route's
// endpoint class. Permission checks happen per route, against the returned
// identity.
func (a *Authenticator) Authenticate(ctx context.Context, rawKey, remoteIP, class string) (*Identity, error) {
	if rawKey == "" {
		return nil, apperr.New(apperr.CodeUnauthenticated, "missing API key")
	}

	keyHash := crypto.HashAPIKey(rawKey)

	if id, ok := a.cachedIdentity(ctx, keyHash); ok {
		return a.finish(ctx, id, remoteIP, class)
	}

	key, err := a.repos.APIKeys().GetByHash(ctx, keyHash)
	if err != nil {
		if errors.Is(err, relationaldb.ErrAPIKeyNotFound) {
			return nil, apperr.New(apperr.CodeUnauthenticated, "invalid API key")
		}
		return nil, apperr.Wrap(apperr.CodeDependencyUnavailable, "credential lookup failed", err)
	}
	if !key.Active {
		return nil, apperr.New(apperr.CodeUnauthenticated, "API key is revoked")
	}
	if key.Expired(a.now()) {
		return nil, apperr.New(apperr.CodeUnauthenticated, "API key is expired")
	}

	partner, err := a.repos.Partners().GetByID(ctx, key.PartnerID)
	if err != nil {
		if errors.Is(err, relationaldb.ErrPartnerNotFound) {
			return nil, apperr.New(apperr.CodeUnauthenticated, "partner not found")
		}
		return nil, apperr.Wrap(apperr.CodeDependencyUnavailable, "partner lookup failed", err)
	}
	if !partner.IsActive() {
		return nil, apperr.Newf(apperr.CodeUnauthenticated, "partner is %s", partner.Status)
	}

	id := &cachedEntry{
		Identity: Identity{
			PartnerID:   partner.ID,
			PartnerCode: partner.Code,
			APIKeyID:    key.ID,
			Permissions: key.Permissions,
		},
		AllowedIPs: partner.AllowedIPs,
	}
	a.storeIdentity(ctx, keyHash, id)
	a.touchLastUsed(ctx, key.ID)

	return a.finish(ctx, id, remoteIP, class)
}

// cachedEntry is what the identity cache holds: the identity plus the
// allowlist, which must be re-checked on every request even on cache hits.
type cachedEntry struct {
	Identity   Identity `json:"identity"`
	AllowedIPs []string `json:"allowed_ips"`
}

// finish applies the per-request checks that cannot be cached away.
func (a *Authenticator) finish(ctx context.Context, entry *cachedEntry, remoteIP, class string) (*Identity, error) {
	if a.enforceIP && !IPAllowed(entry.AllowedIPs, remoteIP) {
		return nil, apperr.Newf(apperr.CodeIPNotAllowed, "address %s is not allowed", remoteIP)
	}
	if a.limiter != nil && !a.limiter.Allow(ctx, entry.Identity.PartnerID, class) {
		return nil, apperr.New(apperr.CodeRateLimited, "rate limit exceeded")
	}
	id := entry.Identity
	return &id, nil
}

func (a *Authenticator) cachedIdentity(ctx context.Context, keyHash string) (*cachedEntry, bool) {
	if a.cache == nil {
		return nil, false
	}
	raw, err := a.cache.Get(ctx, identityCacheKey(keyHash))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			a.log.Warn("identity cache read failed", zap.Error(err))
		}
		return nil, false
	}
	var entry cachedEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, false
	}
	return &entry, true
}

func (a *Authenticator) storeIdentity(ctx context.Context, keyHash string, entry *cachedEntry) {
	if a.cache == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, identityCacheKey(keyHash), raw, identityCacheTTL); err != nil {
		a.log.Warn("identity cache write failed", zap.Error(err))
	}
}

// Invalidate drops a cached identity, used when a key is revoked.
func (a *Authenticator) Invalidate(ctx context.Context, rawKey string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Delete(ctx, identityCacheKey(crypto.HashAPIKey(rawKey))); err != nil {
		a.log.Warn("identity cache invalidation failed", zap.Error(err))
	}
}

// touchLastUsed records credential use at most once per hour per key. The
// write is best-effort; auditing freshness is not worth a failed request.
func (a *Authenticator) touchLastUsed(ctx context.Context, keyID uuid.UUID) {
	now := a.now()

	a.mu.Lock()
	last, seen := a.lastTouch[keyID]
	if seen && now.Sub(last) < lastUsedInterval {
		a.mu.Unlock()
		return
	}
	a.lastTouch[keyID] = now
	a.mu.Unlock()

	if err := a.repos.APIKeys().TouchLastUsed(ctx, keyID, now); err != nil {
		a.log.Warn("failed to record key use",
			zap.String("api_key_id", keyID.String()), zap.Error(err))
	}
}

func identityCacheKey(keyHash string) string {
	return fmt.Sprintf("auth:%s", keyHash)
}
