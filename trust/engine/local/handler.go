package local

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xrypton/trust-node/trust/engine"
)

// Handle answers a single wire request. It is what an engine host loop calls
// for every request drained from a mailbox.
func (e *Engine) Handle(ctx context.Context, req engine.Request) engine.Response {
	data, err := e.dispatch(ctx, req)
	if err != nil {
		return engine.Response{Success: false, Message: err.Error()}
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return engine.Response{Success: false, Message: fmt.Sprintf("failed to encode result: %s", err)}
	}
	return engine.Response{Success: true, Data: raw}
}

// Serve drains a mailbox until ctx is done, answering every request. Run it
// on its own goroutine.
func (e *Engine) Serve(ctx context.Context, mb *engine.Mailbox) {
	for {
		select {
		case req := <-mb.Requests():
			mb.Deliver(req.Tag, e.Handle(ctx, req))
		case <-ctx.Done():
			return
		}
	}
}

func (e *Engine) dispatch(ctx context.Context, req engine.Request) (any, error) {
	switch req.Op {
	case engine.OpSign:
		var p engine.SignParams
		if err := json.Unmarshal(req.Body, &p); err != nil {
			return nil, err
		}
		sig, err := e.Sign(ctx, p.Key, p.Data)
		if err != nil {
			return nil, err
		}
		return engine.SignResult{Signature: sig}, nil

	case engine.OpVerifyDetached:
		var p engine.VerifyDetachedParams
		if err := json.Unmarshal(req.Body, &p); err != nil {
			return nil, err
		}
		return struct{}{}, e.VerifyDetached(ctx, p.Key, p.Data, p.Signature)

	case engine.OpVerifyExtractString:
		var p engine.VerifyExtractParams
		if err := json.Unmarshal(req.Body, &p); err != nil {
			return nil, err
		}
		text, err := e.VerifyExtract(ctx, p.Key, p.Message)
		if err != nil {
			return nil, err
		}
		return engine.ExtractStringResult{Text: text, Valid: true}, nil

	case engine.OpVerifyExtractBinary:
		var p engine.VerifyExtractParams
		if err := json.Unmarshal(req.Body, &p); err != nil {
			return nil, err
		}
		data, err := e.VerifyExtractBytes(ctx, p.Key, p.Message)
		if err != nil {
			return nil, err
		}
		return engine.ExtractBytesResult{Data: data}, nil

	case engine.OpExtractAndVerifyString:
		var p engine.VerifyExtractParams
		if err := json.Unmarshal(req.Body, &p); err != nil {
			return nil, err
		}
		return e.ExtractAndVerify(ctx, p.Key, p.Message)

	case engine.OpEncrypt:
		var p engine.EncryptParams
		if err := json.Unmarshal(req.Body, &p); err != nil {
			return nil, err
		}
		msg, err := e.Encrypt(ctx, p.RecipientKey, p.SigningKey, p.Data)
		if err != nil {
			return nil, err
		}
		return engine.EncryptResult{Message: msg}, nil

	case engine.OpDecrypt, engine.OpDecryptBinary:
		var p engine.DecryptParams
		if err := json.Unmarshal(req.Body, &p); err != nil {
			return nil, err
		}
		return e.Decrypt(ctx, p.Key, p.Message)

	case engine.OpExtractFingerprint:
		var p engine.MessageParams
		if err := json.Unmarshal(req.Body, &p); err != nil {
			return nil, err
		}
		fp, err := e.OuterFingerprint(ctx, p.Message)
		if err != nil {
			return nil, err
		}
		return engine.FingerprintResult{Fingerprint: fp}, nil

	case engine.OpPrimaryFingerprint:
		var p engine.KeyParams
		if err := json.Unmarshal(req.Body, &p); err != nil {
			return nil, err
		}
		fp, err := e.PrimaryFingerprint(ctx, p.Key)
		if err != nil {
			return nil, err
		}
		return engine.FingerprintResult{Fingerprint: fp}, nil

	case engine.OpCertifyKeyBytes:
		var p engine.CertifyParams
		if err := json.Unmarshal(req.Body, &p); err != nil {
			return nil, err
		}
		cert, err := e.CertifyKey(ctx, p.Key, p.TargetKey)
		if err != nil {
			return nil, err
		}
		return engine.CertifyResult{Certification: cert}, nil
	}

	return nil, fmt.Errorf("unknown operation %q", req.Op)
}
