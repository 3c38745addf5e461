package content

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xrypton/trust-node/pkg/canon"
	"github.com/xrypton/trust-node/trust/api"
	"github.com/xrypton/trust-node/trust/engine/local"
)

type fakeSignatureAPI struct {
	mx      sync.Mutex
	records map[string]api.SignatureRecord // uri -> record
	err     error

	fetches    atomic.Int64
	batchSizes []int
	gate       chan struct{} // when set, the first fetch blocks until released
}

func (f *fakeSignatureAPI) GetSignatureBatch(ctx context.Context, uris []string) ([]api.SignatureRecord, error) {
	if n := f.fetches.Add(1); f.gate != nil && n == 1 {
		<-f.gate
	}

	f.mx.Lock()
	defer f.mx.Unlock()
	f.batchSizes = append(f.batchSizes, len(uris))

	if f.err != nil {
		return nil, f.err
	}
	out := make([]api.SignatureRecord, 0, len(uris))
	for _, uri := range uris {
		if rec, ok := f.records[uri]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeSignatureAPI) put(rec api.SignatureRecord) {
	f.mx.Lock()
	defer f.mx.Unlock()
	f.records[rec.URI] = rec
}

type contentFixture struct {
	verifier *Verifier
	srv      *fakeSignatureAPI
	author   *local.KeyPair
}

func newContentFixture(t *testing.T) *contentFixture {
	t.Helper()

	author, err := local.GenerateKey()
	require.NoError(t, err)

	fx := &contentFixture{
		srv:    &fakeSignatureAPI{records: map[string]api.SignatureRecord{}},
		author: author,
	}
	fx.verifier = NewVerifier(fx.srv, local.NewEngine(), KeySourceFunc(func(ctx context.Context, userID string) (string, bool) {
		if userID == "author-1" {
			return author.Public, true
		}
		return "", false
	}))
	return fx
}

// sign stores a server-side signature record for the target, as the author
// would have submitted it.
func (fx *contentFixture) sign(t *testing.T, target Target) {
	t.Helper()

	canonical := canon.Target(target.URI, target.CID, target.Record)
	sig, err := local.NewEngine().SignEmbed(context.Background(), fx.author.Private, []byte(canonical))
	require.NoError(t, err)

	fx.srv.put(api.SignatureRecord{
		URI:       target.URI,
		CID:       target.CID,
		UserID:    "author-1",
		Signature: sig,
		Canonical: canonical,
	})
}

func post(uri string) Target {
	return Target{URI: uri, CID: "cid-" + uri, Record: map[string]any{"text": "post at " + uri}}
}

func TestVerifySignedContent(t *testing.T) {
	fx := newContentFixture(t)
	target := post("u1")
	fx.sign(t, target)

	require.Equal(t, Verified, fx.verifier.VerifyOne(context.Background(), target))
}

func TestVerifyUnsignedContentIsNone(t *testing.T) {
	fx := newContentFixture(t)

	require.Equal(t, None, fx.verifier.VerifyOne(context.Background(), post("u1")))
}

func TestVerifyEditedRecordIsMismatch(t *testing.T) {
	fx := newContentFixture(t)
	target := post("u1")
	fx.sign(t, target)

	// the server-side record was edited after signing; cid did not change
	target.Record = map[string]any{"text": "something else"}
	require.Equal(t, Mismatch, fx.verifier.VerifyOne(context.Background(), target))
}

func TestVerifyTamperedStoredCanonicalIsMismatch(t *testing.T) {
	fx := newContentFixture(t)
	target := post("u1")
	fx.sign(t, target)

	rec := fx.srv.records[target.URI]
	rec.Canonical = rec.Canonical + " "
	fx.srv.put(rec)

	require.Equal(t, Mismatch, fx.verifier.VerifyOne(context.Background(), target))
}

func TestVerifyWrongAuthorKeyIsMismatch(t *testing.T) {
	fx := newContentFixture(t)
	target := post("u1")

	// signature produced by someone who is not the recorded author
	other, err := local.GenerateKey()
	require.NoError(t, err)
	canonical := canon.Target(target.URI, target.CID, target.Record)
	sig, err := local.NewEngine().SignEmbed(context.Background(), other.Private, []byte(canonical))
	require.NoError(t, err)
	fx.srv.put(api.SignatureRecord{URI: target.URI, CID: target.CID, UserID: "author-1", Signature: sig, Canonical: canonical})

	require.Equal(t, Mismatch, fx.verifier.VerifyOne(context.Background(), target))
}

func TestVerifyUnknownAuthorIsNone(t *testing.T) {
	fx := newContentFixture(t)
	target := post("u1")
	fx.sign(t, target)

	rec := fx.srv.records[target.URI]
	rec.UserID = "stranger"
	fx.srv.put(rec)

	require.Equal(t, None, fx.verifier.VerifyOne(context.Background(), target))
}

func TestVerifyCachesPerContentVersion(t *testing.T) {
	fx := newContentFixture(t)
	ctx := context.Background()
	target := post("u1")
	fx.sign(t, target)

	require.Equal(t, Verified, fx.verifier.VerifyOne(ctx, target))
	require.EqualValues(t, 1, fx.srv.fetches.Load())

	// same uri and cid: answered from cache, no fetch
	require.Equal(t, Verified, fx.verifier.VerifyOne(ctx, target))
	require.EqualValues(t, 1, fx.srv.fetches.Load())

	// the content changed (new cid): verified again
	edited := target
	edited.CID = "cid-2"
	edited.Record = map[string]any{"text": "edited"}
	fx.sign(t, edited)

	require.Equal(t, Verified, fx.verifier.VerifyOne(ctx, edited))
	require.EqualValues(t, 2, fx.srv.fetches.Load())
}

func TestVerifyFetchFailureIsTransient(t *testing.T) {
	fx := newContentFixture(t)
	ctx := context.Background()
	target := post("u1")
	fx.sign(t, target)

	fx.srv.err = errors.New("http 502")
	require.Equal(t, None, fx.verifier.VerifyOne(ctx, target))
	require.EqualValues(t, 1, fx.srv.fetches.Load())

	// the failure was not cached: once the server recovers, the same content
	// version is fetched again and verifies
	fx.srv.err = nil
	require.Equal(t, Verified, fx.verifier.VerifyOne(ctx, target))
	require.EqualValues(t, 2, fx.srv.fetches.Load())

	// and the completed verification is what sticks
	require.Equal(t, Verified, fx.verifier.VerifyOne(ctx, target))
	require.EqualValues(t, 2, fx.srv.fetches.Load())
}

func TestVerifySplitsLargeBatches(t *testing.T) {
	fx := newContentFixture(t)

	targets := make([]Target, 0, BatchSize+7)
	for i := 0; i < BatchSize+7; i++ {
		targets = append(targets, post(fmt.Sprintf("u%03d", i)))
	}
	fx.sign(t, targets[0])

	result := fx.verifier.Verify(context.Background(), targets)
	require.Len(t, result, BatchSize+7)
	require.Equal(t, Verified, result[targets[0].URI])
	require.Equal(t, None, result[targets[1].URI])
	require.Equal(t, []int{BatchSize, 7}, fx.srv.batchSizes)
}

func TestVerifyStaleRunDoesNotOverwriteNewer(t *testing.T) {
	fx := newContentFixture(t)
	ctx := context.Background()
	target := post("u1")
	fx.sign(t, target)

	// the first run blocks inside its fetch while a second run completes
	fx.srv.gate = make(chan struct{})

	done := make(chan map[string]Level, 1)
	go func() {
		done <- fx.verifier.Verify(ctx, []Target{target})
	}()
	require.Eventually(t, func() bool {
		return fx.srv.fetches.Load() == 1
	}, time.Second, time.Millisecond)

	second := fx.verifier.Verify(ctx, []Target{target})
	require.Equal(t, Verified, second[target.URI])

	close(fx.srv.gate)
	stale := <-done

	// the stale run found the same signature but committed nothing
	require.Empty(t, stale)
	require.Equal(t, Verified, fx.verifier.VerifyOne(ctx, target))
	require.EqualValues(t, 2, fx.srv.fetches.Load())
}
