// Package keys resolves user identities to their current public keys,
// detects silent key rotation, and gates cache updates behind an explicit
// human confirmation. Every failure path degrades to "no keys" or
// "unchanged"; a compromised or unreachable key server must never crash a
// caller or silently install an unverified key.
package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/xrypton/trust-node/trust/api"
	"github.com/xrypton/trust-node/trust/db"
	"github.com/xrypton/trust-node/trust/engine"
	"github.com/xrypton/trust-node/trust/metrics"
)

const cachePrefix = "pubkeys:"

type CachedPublicKeys struct {
	Fingerprint   string `json:"fingerprint"`
	SigningKey    string `json:"signingKey"`
	EncryptionKey string `json:"encryptionKey"`
}

type RefreshStatus uint8

const (
	RefreshUnchanged RefreshStatus = iota
	RefreshChanged
)

func (s RefreshStatus) String() string {
	if s == RefreshChanged {
		return "changed"
	}
	return "unchanged"
}

// RefreshResult is the outcome of a rotation check. Confirmed is meaningful
// only when Status is RefreshChanged; Confirmed=false means the user declined
// the new keys and callers must treat the operation as failed even though
// Keys holds the fetched material.
type RefreshResult struct {
	Status    RefreshStatus
	Keys      *CachedPublicKeys
	Confirmed bool
}

type API interface {
	GetUserKeys(ctx context.Context, userID string) (*api.UserKeys, error)
}

// Confirmer is the blocking accept-or-reject step shown to a human before a
// rotated key is trusted.
type Confirmer interface {
	ConfirmKeyChange(ctx context.Context, userID string, current, fresh *CachedPublicKeys) bool
}

type Resolver struct {
	store   db.Storage
	api     API
	eng     engine.Engine
	confirm Confirmer

	sf singleflight.Group

	// session-scoped warn-once set, so an unverifiable display name is
	// reported once per identity, not on every render
	warned   map[string]struct{}
	warnedMx sync.Mutex
}

func NewResolver(store db.Storage, apiClient API, eng engine.Engine, confirm Confirmer) *Resolver {
	return &Resolver{
		store:   store,
		api:     apiClient,
		eng:     eng,
		confirm: confirm,
		warned:  map[string]struct{}{},
	}
}

// ResolveKeys returns the cached keys for userID, fetching and caching them
// on a miss. It returns nil on any failure, never an error.
func (r *Resolver) ResolveKeys(ctx context.Context, userID string) *CachedPublicKeys {
	if cached := r.cached(ctx, userID); cached != nil {
		metrics.KeyCacheHits.Inc()
		return cached
	}
	metrics.KeyCacheMisses.Inc()

	fresh, err := r.fetch(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("failed to resolve user keys")
		return nil
	}

	if err = r.storeKeys(ctx, userID, fresh); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("failed to cache user keys")
	}
	return fresh
}

// RefreshKeys fetches the identity's current keys and compares them to the
// cache. Concurrent calls for the same identity share one fetch and one
// confirmation prompt. Any fetch or parse failure reports unchanged: new keys
// are never trusted without a verified fetch and an explicit confirmation.
func (r *Resolver) RefreshKeys(ctx context.Context, userID string) RefreshResult {
	v, _, _ := r.sf.Do(userID, func() (any, error) {
		return r.refresh(ctx, userID), nil
	})
	return v.(RefreshResult)
}

func (r *Resolver) refresh(ctx context.Context, userID string) RefreshResult {
	fresh, err := r.fetch(ctx, userID)
	if err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("key refresh fetch failed, keeping cache")
		return RefreshResult{Status: RefreshUnchanged}
	}

	cached := r.cached(ctx, userID)
	if cached == nil {
		// first successful resolution, nothing rotated
		if err = r.storeKeys(ctx, userID, fresh); err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("failed to cache user keys")
		}
		return RefreshResult{Status: RefreshUnchanged, Keys: fresh}
	}

	if cached.Fingerprint == fresh.Fingerprint && cached.SigningKey == fresh.SigningKey {
		return RefreshResult{Status: RefreshUnchanged, Keys: cached}
	}

	metrics.KeyRotationsDetected.Inc()
	log.Info().Str("user", userID).
		Str("old_fp", cached.Fingerprint).Str("new_fp", fresh.Fingerprint).
		Msg("key rotation detected, asking for confirmation")

	if !r.confirm.ConfirmKeyChange(ctx, userID, cached, fresh) {
		metrics.KeyRotationsRejected.Inc()
		return RefreshResult{Status: RefreshChanged, Keys: fresh, Confirmed: false}
	}

	if err = r.storeKeys(ctx, userID, fresh); err != nil {
		log.Error().Err(err).Str("user", userID).Msg("failed to store confirmed keys")
		return RefreshResult{Status: RefreshUnchanged}
	}

	metrics.KeyRotationsAccepted.Inc()
	return RefreshResult{Status: RefreshChanged, Keys: fresh, Confirmed: true}
}

// RetryWithKeys resolves the identity's signing key, runs op with it and, on
// failure, refreshes the keys: a confirmed rotation earns exactly one retry
// with the new key. Any other outcome calls onFailed and reports ok=false, so
// a stale cache is never retried blindly.
func RetryWithKeys[T any](ctx context.Context, r *Resolver, userID string, op func(ctx context.Context, signingKey string) (T, error), onFailed func()) (T, bool) {
	var zero T

	keys := r.ResolveKeys(ctx, userID)
	if keys == nil {
		onFailed()
		return zero, false
	}

	res, err := op(ctx, keys.SigningKey)
	if err == nil {
		return res, true
	}
	log.Debug().Err(err).Str("user", userID).Msg("operation failed, refreshing keys")

	rr := r.RefreshKeys(ctx, userID)
	if rr.Status != RefreshChanged || !rr.Confirmed {
		onFailed()
		return zero, false
	}

	res, err = op(ctx, rr.Keys.SigningKey)
	if err != nil {
		onFailed()
		return zero, false
	}
	return res, true
}

// ResolveDisplayName returns a human-readable name only when its signature
// claim holds up. A signed claim that fails verification falls back to the
// bare identity; a raw value carrying no claim at all is returned as-is.
func (r *Resolver) ResolveDisplayName(ctx context.Context, userID, rawName, detachedSig string) string {
	if rawName == "" {
		return userID
	}

	if detachedSig != "" {
		keys := r.ResolveKeys(ctx, userID)
		if keys == nil {
			r.warnOnce(userID, "no keys to verify display name")
			return userID
		}
		if err := r.eng.VerifyDetached(ctx, keys.SigningKey, []byte(rawName), detachedSig); err != nil {
			r.warnOnce(userID, "display name signature does not verify")
			return userID
		}
		return rawName
	}

	// no detached claim: the value may itself be a signed-message envelope
	keys := r.ResolveKeys(ctx, userID)
	if keys == nil {
		return rawName
	}
	res, err := r.eng.ExtractAndVerify(ctx, keys.SigningKey, rawName)
	if err != nil {
		// not an envelope: plaintext, trusted by absence of claim
		return rawName
	}
	if !res.Valid {
		r.warnOnce(userID, "embedded display name signature does not verify")
		return userID
	}
	return res.Text
}

// SigningKey resolves just the signing key of an identity, the shape the
// content verifier consumes.
func (r *Resolver) SigningKey(ctx context.Context, userID string) (string, bool) {
	keys := r.ResolveKeys(ctx, userID)
	if keys == nil {
		return "", false
	}
	return keys.SigningKey, true
}

// RemoveAccount drops the cached keys of a removed account. This is the only
// deletion path; rotation overwrites, it never deletes.
func (r *Resolver) RemoveAccount(ctx context.Context, userID string) error {
	return r.store.Delete(ctx, cachePrefix+userID)
}

// KnownIdentities lists every identity with cached keys, in key order.
func (r *Resolver) KnownIdentities(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.store.ScanPrefix(ctx, cachePrefix, func(key, _ string) bool {
		ids = append(ids, key[len(cachePrefix):])
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan key cache: %w", err)
	}
	return ids, nil
}

func (r *Resolver) cached(ctx context.Context, userID string) *CachedPublicKeys {
	value, err := r.store.Get(ctx, cachePrefix+userID)
	if err != nil {
		if !errors.Is(err, db.ErrNotFound) {
			log.Warn().Err(err).Str("user", userID).Msg("failed to read key cache")
		}
		return nil
	}

	var keys CachedPublicKeys
	if err = json.Unmarshal([]byte(value), &keys); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("corrupted key cache entry")
		return nil
	}
	return &keys
}

func (r *Resolver) fetch(ctx context.Context, userID string) (*CachedPublicKeys, error) {
	fetched, err := r.api.GetUserKeys(ctx, userID)
	if err != nil {
		return nil, err
	}
	if fetched.Fingerprint == "" || fetched.SigningKey == "" {
		return nil, fmt.Errorf("server returned incomplete keys for %q", userID)
	}

	return &CachedPublicKeys{
		Fingerprint:   fetched.Fingerprint,
		SigningKey:    fetched.SigningKey,
		EncryptionKey: fetched.EncryptionKey,
	}, nil
}

func (r *Resolver) storeKeys(ctx context.Context, userID string, keys *CachedPublicKeys) error {
	raw, err := json.Marshal(keys)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, cachePrefix+userID, string(raw))
}

func (r *Resolver) warnOnce(userID, reason string) {
	r.warnedMx.Lock()
	_, seen := r.warned[userID]
	r.warned[userID] = struct{}{}
	r.warnedMx.Unlock()

	if !seen {
		log.Warn().Str("user", userID).Msg(reason)
	}
}
