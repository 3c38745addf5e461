// Package content maintains a session-scoped verification map for
// externally-sourced content (federated posts): each (uri, cid) pair is
// verified against its server-stored signature at most once, in bounded
// batches, with stale runs discarded by a monotonic run id instead of task
// cancellation.
package content

import (
	"context"
	"fmt"
	"sync"

	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog/log"

	"github.com/xrypton/trust-node/pkg/canon"
	"github.com/xrypton/trust-node/trust/api"
	"github.com/xrypton/trust-node/trust/engine"
	"github.com/xrypton/trust-node/trust/metrics"
)

// BatchSize bounds how many unseen targets go into a single signature fetch.
const BatchSize = 100

type Level uint8

const (
	None Level = iota
	Mismatch
	Verified
)

func (l Level) String() string {
	switch l {
	case Verified:
		return "verified"
	case Mismatch:
		return "mismatch"
	}
	return "none"
}

// Target is one piece of live content to verify. The signed bytes are always
// the canonical form of {cid, record, uri}.
type Target struct {
	URI    string
	CID    string
	Record any
}

type API interface {
	GetSignatureBatch(ctx context.Context, uris []string) ([]api.SignatureRecord, error)
}

// KeySource resolves a content author to their signing key. Implemented by
// the public key resolver.
type KeySource interface {
	SigningKey(ctx context.Context, userID string) (string, bool)
}

type KeySourceFunc func(ctx context.Context, userID string) (string, bool)

func (f KeySourceFunc) SigningKey(ctx context.Context, userID string) (string, bool) {
	return f(ctx, userID)
}

type Verifier struct {
	api  API
	eng  engine.Engine
	keys KeySource

	// uri::cid -> Level, session lifetime, never re-verified
	cache *gocache.Cache

	mx  sync.Mutex
	seq uint64
}

func NewVerifier(apiClient API, eng engine.Engine, keys KeySource) *Verifier {
	return &Verifier{
		api:   apiClient,
		eng:   eng,
		keys:  keys,
		cache: gocache.New(gocache.NoExpiration, 0),
	}
}

// Verify returns a uri -> Level map for the given targets, fetching and
// verifying signatures only for content versions not seen before. Each
// invocation gets a run id; cache writes commit only while that run is still
// the latest, so a slow run can never overwrite results of a newer one
// triggered by a changed target list.
func (v *Verifier) Verify(ctx context.Context, targets []Target) map[string]Level {
	v.mx.Lock()
	v.seq++
	run := v.seq
	v.mx.Unlock()

	result := make(map[string]Level, len(targets))

	var unseen []Target
	for _, t := range targets {
		if lvl, found := v.cache.Get(cacheKey(t.URI, t.CID)); found {
			result[t.URI] = lvl.(Level)
			continue
		}
		unseen = append(unseen, t)
	}

	for start := 0; start < len(unseen); start += BatchSize {
		end := start + BatchSize
		if end > len(unseen) {
			end = len(unseen)
		}
		v.verifyBatch(ctx, run, unseen[start:end], result)
	}

	metrics.ContentCacheSize.Set(float64(v.cache.ItemCount()))
	return result
}

// VerifyOne is the single-target convenience over Verify.
func (v *Verifier) VerifyOne(ctx context.Context, t Target) Level {
	return v.Verify(ctx, []Target{t})[t.URI]
}

func (v *Verifier) verifyBatch(ctx context.Context, run uint64, batch []Target, result map[string]Level) {
	uris := make([]string, 0, len(batch))
	for _, t := range batch {
		uris = append(uris, t.URI)
	}

	records, err := v.api.GetSignatureBatch(ctx, uris)
	if err != nil {
		// fail safe: an unverifiable batch is None, never a stale "verified".
		// The failure is transient, so it goes into this run's result only;
		// the cache stays empty and a later call fetches again.
		log.Warn().Err(err).Int("targets", len(batch)).Msg("signature batch fetch failed")
		for _, t := range batch {
			v.report(run, t, None, result)
		}
		return
	}

	byURI := make(map[string]api.SignatureRecord, len(records))
	for _, rec := range records {
		byURI[rec.URI] = rec
	}

	for _, t := range batch {
		lvl := v.verifyTarget(ctx, t, byURI)
		v.commit(run, t, lvl, result)
	}
}

// verifyTarget applies the three-way equality rule: the signature's recorded
// canonical target, the plaintext extracted from the signature itself, and
// the canonical target recomputed from the live record must all agree. A
// record edited server-side after signing fails the third leg even though the
// signature still verifies.
func (v *Verifier) verifyTarget(ctx context.Context, t Target, byURI map[string]api.SignatureRecord) Level {
	rec, found := byURI[t.URI]
	if !found || rec.Signature == "" {
		return None
	}

	signingKey, ok := v.keys.SigningKey(ctx, rec.UserID)
	if !ok {
		return None
	}

	res, err := v.eng.ExtractAndVerify(ctx, signingKey, rec.Signature)
	if err != nil {
		log.Debug().Err(err).Str("uri", t.URI).Msg("signature extraction failed")
		return None
	}
	if !res.Valid {
		return Mismatch
	}

	local := canon.Target(t.URI, t.CID, t.Record)
	if rec.Canonical != res.Text || res.Text != local {
		return Mismatch
	}
	return Verified
}

// commit writes a completed verification outcome, but only while its run is
// still the latest. Late results are discarded, not prevented; the engine call
// already issued cannot be un-issued.
func (v *Verifier) commit(run uint64, t Target, lvl Level, result map[string]Level) {
	v.mx.Lock()
	defer v.mx.Unlock()

	if run != v.seq {
		return
	}
	v.cache.Set(cacheKey(t.URI, t.CID), lvl, gocache.NoExpiration)
	result[t.URI] = lvl
	metrics.ContentVerifications.WithLabelValues(lvl.String()).Inc()
}

// report records an outcome in the returned map without caching it. Used for
// transient failures: the at-most-once rule covers completed verifications,
// not fetches that never happened.
func (v *Verifier) report(run uint64, t Target, lvl Level, result map[string]Level) {
	v.mx.Lock()
	defer v.mx.Unlock()

	if run != v.seq {
		return
	}
	result[t.URI] = lvl
}

func cacheKey(uri, cid string) string {
	return fmt.Sprintf("%s::%s", uri, cid)
}
