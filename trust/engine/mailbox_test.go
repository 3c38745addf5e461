package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMailboxMatchesResponseByTag(t *testing.T) {
	mb := NewMailbox()

	go func() {
		for i := 0; i < 2; i++ {
			req := <-mb.Requests()

			var p SignParams
			require.NoError(t, json.Unmarshal(req.Body, &p))

			raw, _ := json.Marshal(SignResult{Signature: "sig-of-" + string(p.Data)})
			mb.Deliver(req.Tag, Response{Success: true, Data: raw})
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sig, err := mb.Sign(ctx, "key", []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "sig-of-a", sig)

	sig, err = mb.Sign(ctx, "key", []byte("b"))
	require.NoError(t, err)
	require.Equal(t, "sig-of-b", sig)
}

func TestMailboxOutOfOrderDelivery(t *testing.T) {
	mb := NewMailbox()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// collect both requests before answering, then answer the second one
	// first; each waiter must still receive its own response
	go func() {
		first := <-mb.Requests()
		second := <-mb.Requests()

		rawB, _ := json.Marshal(FingerprintResult{Fingerprint: "B"})
		mb.Deliver(second.Tag, Response{Success: true, Data: rawB})

		rawA, _ := json.Marshal(FingerprintResult{Fingerprint: "A"})
		mb.Deliver(first.Tag, Response{Success: true, Data: rawA})
	}()

	type out struct {
		fp  string
		err error
	}
	resA := make(chan out, 1)
	go func() {
		fp, err := mb.PrimaryFingerprint(ctx, "keyA")
		resA <- out{fp, err}
	}()

	// make sure the first request is en route before issuing the second
	time.Sleep(50 * time.Millisecond)

	fpB, err := mb.PrimaryFingerprint(ctx, "keyB")
	require.NoError(t, err)
	require.Equal(t, "B", fpB)

	a := <-resA
	require.NoError(t, a.err)
	require.Equal(t, "A", a.fp)
}

func TestMailboxEngineRejection(t *testing.T) {
	mb := NewMailbox()

	go func() {
		req := <-mb.Requests()
		mb.Deliver(req.Tag, Response{Success: false, Message: "bad key"})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := mb.VerifyDetached(ctx, "key", []byte("data"), "sig")
	require.ErrorIs(t, err, ErrRejected)
	require.Contains(t, err.Error(), "bad key")
}

func TestMailboxAbandonedCallKeepsLateResult(t *testing.T) {
	mb := NewMailbox()

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := mb.Sign(ctx, "key", []byte("x"))
		done <- err
	}()

	req := <-mb.Requests()
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	// the late response has no waiter left; it is queued, not delivered
	mb.Deliver(req.Tag, Response{Success: true})

	resp, found := mb.TakePending(req.Tag)
	require.True(t, found)
	require.True(t, resp.Success)

	_, found = mb.TakePending(req.Tag)
	require.False(t, found)
}
