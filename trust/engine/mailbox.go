package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Mailbox implements Engine over an asynchronous request/response channel.
// Requests go out tagged; whoever hosts the engine feeds answers back through
// Deliver. A response is matched to the first pending waiter carrying its tag
// (then both are removed); responses arriving before their waiter registers
// are queued and drained on registration.
type Mailbox struct {
	requests chan Request

	mx      sync.Mutex
	waiters []*waiter
	pending []delivered
}

type waiter struct {
	tag string
	ch  chan Response
}

type delivered struct {
	tag  string
	resp Response
}

func NewMailbox() *Mailbox {
	return &Mailbox{
		requests: make(chan Request, 32),
	}
}

// Requests is the outbound stream the engine host must drain.
func (m *Mailbox) Requests() <-chan Request {
	return m.requests
}

// Deliver routes a tagged engine response to exactly one waiter, FIFO by
// waiter arrival. With no waiter present the response is kept until one
// registers; late results for abandoned calls stay here harmlessly.
func (m *Mailbox) Deliver(tag string, resp Response) {
	m.mx.Lock()
	defer m.mx.Unlock()

	for i, w := range m.waiters {
		if w.tag == tag {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			w.ch <- resp
			return
		}
	}
	// no waiter left for this tag: the call was abandoned, keep the result
	// around briefly in case a waiter is still registering, bounded so
	// orphans cannot pile up
	m.pending = append(m.pending, delivered{tag: tag, resp: resp})
	if len(m.pending) > 64 {
		m.pending = m.pending[1:]
	}
}

// TakePending removes and returns a queued response for tag, if one arrived
// before its waiter registered.
func (m *Mailbox) TakePending(tag string) (Response, bool) {
	m.mx.Lock()
	defer m.mx.Unlock()

	for i, p := range m.pending {
		if p.tag == tag {
			m.pending = append(m.pending[:i], m.pending[i+1:]...)
			return p.resp, true
		}
	}
	return Response{}, false
}

func (m *Mailbox) call(ctx context.Context, op string, body any) (Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("%s: failed to encode request: %w", op, err)
	}

	w := &waiter{
		tag: uuid.NewString(),
		ch:  make(chan Response, 1),
	}

	m.mx.Lock()
	m.waiters = append(m.waiters, w)
	m.mx.Unlock()

	select {
	case m.requests <- Request{Tag: w.tag, Op: op, Body: raw}:
	case <-ctx.Done():
		m.removeWaiter(w)
		return Response{}, ctx.Err()
	}

	select {
	case resp := <-w.ch:
		return resp, nil
	case <-ctx.Done():
		m.removeWaiter(w)
		return Response{}, ctx.Err()
	}
}

func (m *Mailbox) removeWaiter(w *waiter) {
	m.mx.Lock()
	defer m.mx.Unlock()

	for i, x := range m.waiters {
		if x == w {
			m.waiters = append(m.waiters[:i], m.waiters[i+1:]...)
			return
		}
	}
}

func call[T any](m *Mailbox, ctx context.Context, op string, body any, out *T) error {
	resp, err := m.call(ctx, op, body)
	if err != nil {
		return err
	}
	return decodeResult(op, resp, out)
}

func (m *Mailbox) Sign(ctx context.Context, privateKey string, data []byte) (string, error) {
	var res SignResult
	if err := call(m, ctx, OpSign, SignParams{Key: privateKey, Data: data}, &res); err != nil {
		return "", err
	}
	return res.Signature, nil
}

func (m *Mailbox) VerifyDetached(ctx context.Context, publicKey string, data []byte, signature string) error {
	return call[struct{}](m, ctx, OpVerifyDetached, VerifyDetachedParams{Key: publicKey, Data: data, Signature: signature}, nil)
}

func (m *Mailbox) VerifyExtract(ctx context.Context, publicKey, message string) (string, error) {
	var res ExtractStringResult
	if err := call(m, ctx, OpVerifyExtractString, VerifyExtractParams{Key: publicKey, Message: message}, &res); err != nil {
		return "", err
	}
	return res.Text, nil
}

func (m *Mailbox) VerifyExtractBytes(ctx context.Context, publicKey, message string) ([]byte, error) {
	var res ExtractBytesResult
	if err := call(m, ctx, OpVerifyExtractBinary, VerifyExtractParams{Key: publicKey, Message: message}, &res); err != nil {
		return nil, err
	}
	return res.Data, nil
}

func (m *Mailbox) ExtractAndVerify(ctx context.Context, publicKey, message string) (ExtractStringResult, error) {
	var res ExtractStringResult
	if err := call(m, ctx, OpExtractAndVerifyString, VerifyExtractParams{Key: publicKey, Message: message}, &res); err != nil {
		return ExtractStringResult{}, err
	}
	return res, nil
}

func (m *Mailbox) Encrypt(ctx context.Context, recipientKey, signingKey string, data []byte) (string, error) {
	var res EncryptResult
	if err := call(m, ctx, OpEncrypt, EncryptParams{RecipientKey: recipientKey, SigningKey: signingKey, Data: data}, &res); err != nil {
		return "", err
	}
	return res.Message, nil
}

func (m *Mailbox) Decrypt(ctx context.Context, privateKey, message string) (DecryptResult, error) {
	var res DecryptResult
	if err := call(m, ctx, OpDecryptBinary, DecryptParams{Key: privateKey, Message: message}, &res); err != nil {
		return DecryptResult{}, err
	}
	return res, nil
}

func (m *Mailbox) OuterFingerprint(ctx context.Context, message string) (string, error) {
	var res FingerprintResult
	if err := call(m, ctx, OpExtractFingerprint, MessageParams{Message: message}, &res); err != nil {
		return "", err
	}
	return res.Fingerprint, nil
}

func (m *Mailbox) PrimaryFingerprint(ctx context.Context, publicKey string) (string, error) {
	var res FingerprintResult
	if err := call(m, ctx, OpPrimaryFingerprint, KeyParams{Key: publicKey}, &res); err != nil {
		return "", err
	}
	return res.Fingerprint, nil
}

func (m *Mailbox) CertifyKey(ctx context.Context, privateKey, targetKey string) (string, error) {
	var res CertifyResult
	if err := call(m, ctx, OpCertifyKeyBytes, CertifyParams{Key: privateKey, TargetKey: targetKey}, &res); err != nil {
		return "", err
	}
	return res.Certification, nil
}
