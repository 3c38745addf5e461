// Package engine defines the boundary to the cryptographic engine. The engine
// itself is an external collaborator working on opaque armored blobs; this
// package only shapes requests and routes tagged responses back to waiters.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Operation tags understood by the engine.
const (
	OpSign                   = "sign"
	OpVerifyDetached         = "verify_detached_signature"
	OpVerifyExtractString    = "verify_extract_string"
	OpVerifyExtractBinary    = "verify_extract_binary"
	OpExtractAndVerifyString = "extract_and_verify_string"
	OpEncrypt                = "encrypt"
	OpDecrypt                = "decrypt"
	OpDecryptBinary          = "decrypt_binary"
	OpExtractFingerprint     = "extract_fingerprint"
	OpPrimaryFingerprint     = "get_primary_fingerprint"
	OpCertifyKeyBytes        = "certify_key_bytes"
)

var ErrRejected = errors.New("engine rejected request")

type Request struct {
	Tag  string          `json:"tag"`
	Op   string          `json:"op"`
	Body json.RawMessage `json:"body"`
}

// Response is the engine's wire answer. Data is set when Success is true,
// Message otherwise.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Message string          `json:"message,omitempty"`
}

// Request/response body shapes per operation. Key material and messages are
// opaque armored strings; binary payloads travel base64-encoded.

type SignParams struct {
	Key  string `json:"key"`
	Data []byte `json:"data"`
}

type SignResult struct {
	Signature string `json:"signature"`
}

type VerifyDetachedParams struct {
	Key       string `json:"key"`
	Data      []byte `json:"data"`
	Signature string `json:"signature"`
}

type VerifyExtractParams struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

type ExtractStringResult struct {
	Text         string   `json:"text"`
	Valid        bool     `json:"valid"`
	Fingerprints []string `json:"fingerprints,omitempty"`
}

type ExtractBytesResult struct {
	Data []byte `json:"data"`
}

type EncryptParams struct {
	RecipientKey string `json:"recipient_key"`
	SigningKey   string `json:"signing_key"`
	Data         []byte `json:"data"`
}

type EncryptResult struct {
	Message string `json:"message"`
}

type DecryptParams struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// DecryptResult carries the plaintext plus, when the sender signed the inner
// layer, the detached signature and the fingerprints it claims.
type DecryptResult struct {
	Data               []byte   `json:"data"`
	Signature          string   `json:"signature,omitempty"`
	SignerFingerprints []string `json:"fingerprints,omitempty"`
}

type MessageParams struct {
	Message string `json:"message"`
}

type KeyParams struct {
	Key string `json:"key"`
}

type FingerprintResult struct {
	Fingerprint string `json:"fingerprint"`
}

type CertifyParams struct {
	Key       string `json:"key"`
	TargetKey string `json:"target_key"`
}

type CertifyResult struct {
	Certification string `json:"certification"`
}

// Engine is the typed consumer view of the cryptographic engine.
type Engine interface {
	Sign(ctx context.Context, privateKey string, data []byte) (string, error)
	VerifyDetached(ctx context.Context, publicKey string, data []byte, signature string) error
	// VerifyExtract extracts the text of an embedded signed message, failing
	// if the signature does not verify against publicKey.
	VerifyExtract(ctx context.Context, publicKey, message string) (string, error)
	// VerifyExtractBytes is the binary variant used to unwrap signed envelopes.
	VerifyExtractBytes(ctx context.Context, publicKey, message string) ([]byte, error)
	// ExtractAndVerify extracts even when verification fails, reporting
	// validity and the claimed signer fingerprints alongside the text.
	ExtractAndVerify(ctx context.Context, publicKey, message string) (ExtractStringResult, error)
	Encrypt(ctx context.Context, recipientKey, signingKey string, data []byte) (string, error)
	Decrypt(ctx context.Context, privateKey, message string) (DecryptResult, error)
	// OuterFingerprint extracts the signer fingerprint recorded on the outer
	// layer of an envelope without unwrapping it.
	OuterFingerprint(ctx context.Context, message string) (string, error)
	PrimaryFingerprint(ctx context.Context, publicKey string) (string, error)
	CertifyKey(ctx context.Context, privateKey, targetKey string) (string, error)
}

// decodeResult maps a wire Response to a typed result, turning engine-side
// rejections into ErrRejected with the engine's message attached.
func decodeResult[T any](op string, resp Response, out *T) error {
	if !resp.Success {
		return fmt.Errorf("%s: %w: %s", op, ErrRejected, resp.Message)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("%s: failed to decode engine response: %w", op, err)
	}
	return nil
}
