// Package wot implements the QR-code-driven web-of-trust certification flow:
// parse a scanned trust code, validate it gate by gate, verify it against the
// key it claims, and only after explicit human confirmation produce and
// upload an irrevocable certification.
package wot

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xrypton/trust-node/pkg/canon"
	"github.com/xrypton/trust-node/trust/api"
	"github.com/xrypton/trust-node/trust/engine"
	"github.com/xrypton/trust-node/trust/metrics"
)

const (
	// ProtocolTag is the fixed type every trust code must carry.
	ProtocolTag = "xrypton-wot"
	// SupportedVersion is the only payload version this build understands.
	SupportedVersion = 1

	// FreshnessWindow bounds how far a code's nonce timestamp may lie from
	// now, in either direction.
	FreshnessWindow = 5 * time.Minute
)

var (
	ErrMalformedCode     = errors.New("malformed trust code")
	ErrUnsupportedCode   = errors.New("unsupported trust code")
	ErrInsecureKeyServer = errors.New("insecure key server url")
	ErrBadFingerprint    = errors.New("invalid fingerprint format")
	ErrExpiredCode       = errors.New("trust code expired")
	ErrKeyServerMismatch = errors.New("key server returned a mismatched key")
	ErrBadCodeSignature  = errors.New("trust code signature does not verify")
	ErrDeclined          = errors.New("certification declined")
)

var fingerprintRe = regexp.MustCompile(`^[A-F0-9]{40,128}$`)

type Nonce struct {
	Random string `json:"random"`
	Time   string `json:"time"`
}

type Payload struct {
	V           int    `json:"v"`
	Type        string `json:"type"`
	Fingerprint string `json:"fingerprint"`
	KeyServer   string `json:"key_server"`
	Nonce       Nonce  `json:"nonce"`
}

// SignRequest is the transient value carried from "code verified" to "user
// confirmed" to "certification uploaded". It owns nothing long-lived.
type SignRequest struct {
	KeyServerBase     string
	TargetFingerprint string
	TargetUserID      string
	TargetPublicKey   string
	Nonce             Nonce
}

type API interface {
	GetKeyByFingerprint(ctx context.Context, keyServerBase, fp string) (*api.KeyRecord, error)
	SubmitCertification(ctx context.Context, keyServerBase, fp, certification string, nonce any) error
}

// Confirmer presents the verified code to a human and blocks for the
// accept-or-reject decision.
type Confirmer interface {
	ConfirmCertification(ctx context.Context, req *SignRequest) bool
}

type Flow struct {
	api     API
	eng     engine.Engine
	confirm Confirmer

	privateKey  string
	fingerprint string
	keyServer   string

	now func() time.Time
}

func NewFlow(apiClient API, eng engine.Engine, confirm Confirmer, privateKey, fingerprint, keyServer string) *Flow {
	return &Flow{
		api:         apiClient,
		eng:         eng,
		confirm:     confirm,
		privateKey:  privateKey,
		fingerprint: fingerprint,
		keyServer:   keyServer,
		now:         time.Now,
	}
}

// VerifyCode runs the scanned code through every gate up to and including
// signature verification. Each gate fails closed; nothing is persisted and no
// certification exists yet when it returns.
func (f *Flow) VerifyCode(ctx context.Context, code string) (*SignRequest, error) {
	req, err := f.verifyCode(ctx, code)
	metrics.WotCodesVerified.WithLabelValues(outcome(err)).Inc()
	return req, err
}

func (f *Flow) verifyCode(ctx context.Context, code string) (*SignRequest, error) {
	sig, payloadRaw, err := splitCode(code)
	if err != nil {
		return nil, err
	}

	var payload Payload
	if err = json.Unmarshal(payloadRaw, &payload); err != nil {
		return nil, fmt.Errorf("%w: bad payload json", ErrMalformedCode)
	}
	if payload.Type != ProtocolTag {
		return nil, fmt.Errorf("%w: unknown type %q", ErrUnsupportedCode, payload.Type)
	}
	if payload.V != SupportedVersion {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedCode, payload.V)
	}

	keyServerBase, err := NormalizeKeyServer(payload.KeyServer)
	if err != nil {
		return nil, err
	}

	if !fingerprintRe.MatchString(payload.Fingerprint) || len(payload.Fingerprint)%2 != 0 {
		return nil, ErrBadFingerprint
	}

	if err = f.checkFreshness(payload.Nonce.Time); err != nil {
		return nil, err
	}

	rec, err := f.api.GetKeyByFingerprint(ctx, keyServerBase, payload.Fingerprint)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key from %s: %w", keyServerBase, err)
	}

	// a key server answering with a different key than asked for is treated
	// as malicious, not buggy
	actualFP, err := f.eng.PrimaryFingerprint(ctx, rec.Key)
	if err != nil {
		return nil, fmt.Errorf("failed to fingerprint fetched key: %w", err)
	}
	if actualFP != payload.Fingerprint {
		return nil, fmt.Errorf("%w: requested %s, got %s", ErrKeyServerMismatch, payload.Fingerprint, actualFP)
	}

	// the code's own signature over the canonical payload proves it was
	// produced by the holder of the claimed key, not by whoever printed the
	// QR image
	if err = f.eng.VerifyDetached(ctx, rec.Key, payloadRaw, string(sig)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadCodeSignature, err.Error())
	}

	return &SignRequest{
		KeyServerBase:     keyServerBase,
		TargetFingerprint: payload.Fingerprint,
		TargetUserID:      rec.UserID,
		TargetPublicKey:   rec.Key,
		Nonce:             payload.Nonce,
	}, nil
}

// Certify asks the human for confirmation, then produces the certification
// signature over the target's key material and uploads it together with the
// original nonce so the server can check freshness and non-replay itself.
func (f *Flow) Certify(ctx context.Context, req *SignRequest) error {
	if !f.confirm.ConfirmCertification(ctx, req) {
		return ErrDeclined
	}

	cert, err := f.eng.CertifyKey(ctx, f.privateKey, req.TargetPublicKey)
	if err != nil {
		return fmt.Errorf("failed to certify key: %w", err)
	}

	if err = f.api.SubmitCertification(ctx, req.KeyServerBase, req.TargetFingerprint, cert, req.Nonce); err != nil {
		return fmt.Errorf("failed to upload certification: %w", err)
	}

	metrics.WotCertifications.Inc()
	log.Info().Str("target", req.TargetUserID).
		Str("fingerprint", req.TargetFingerprint).
		Msg("certification uploaded")
	return nil
}

// GenerateCode produces our own scannable trust code: a fresh nonce, the
// canonicalized payload, and a detached signature over it.
func (f *Flow) GenerateCode(ctx context.Context) (string, error) {
	payload := canon.Canonicalize(map[string]any{
		"v":           SupportedVersion,
		"type":        ProtocolTag,
		"fingerprint": f.fingerprint,
		"key_server":  f.keyServer,
		"nonce": map[string]any{
			"random": uuid.NewString(),
			"time":   f.now().UTC().Format(time.RFC3339),
		},
	})

	sig, err := f.eng.Sign(ctx, f.privateKey, []byte(payload))
	if err != nil {
		return "", fmt.Errorf("failed to sign code payload: %w", err)
	}

	return base64.RawURLEncoding.EncodeToString([]byte(sig)) + "." +
		base64.RawURLEncoding.EncodeToString([]byte(payload)), nil
}

func splitCode(code string) (sig, payload []byte, err error) {
	parts := strings.Split(strings.TrimSpace(code), ".")
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("%w: expected signature.payload", ErrMalformedCode)
	}

	sig, err = base64.RawURLEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad signature encoding", ErrMalformedCode)
	}
	payload, err = base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad payload encoding", ErrMalformedCode)
	}
	return sig, payload, nil
}

// NormalizeKeyServer reduces a key server reference to a scheme + origin +
// path base URL. https is required; plain http passes only for loopback hosts
// (local test servers). Anything else is a hard error, never a downgrade.
func NormalizeKeyServer(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("%w: bad key server url", ErrMalformedCode)
	}

	switch u.Scheme {
	case "https":
	case "http":
		host := u.Hostname()
		ip := net.ParseIP(host)
		loopback := host == "localhost" || (ip != nil && ip.IsLoopback())
		if !loopback {
			return "", fmt.Errorf("%w: http allowed for loopback only", ErrInsecureKeyServer)
		}
	default:
		return "", fmt.Errorf("%w: scheme %q", ErrInsecureKeyServer, u.Scheme)
	}

	return u.Scheme + "://" + u.Host + strings.TrimSuffix(u.Path, "/"), nil
}

func (f *Flow) checkFreshness(ts string) error {
	t, err := time.Parse(time.RFC3339, ts)
	if err != nil {
		return fmt.Errorf("%w: unparseable nonce time", ErrExpiredCode)
	}

	diff := f.now().Sub(t)
	if diff > FreshnessWindow || diff < -FreshnessWindow {
		return fmt.Errorf("%w: nonce time off by %s", ErrExpiredCode, diff)
	}
	return nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMalformedCode), errors.Is(err, ErrUnsupportedCode):
		return "malformed"
	case errors.Is(err, ErrExpiredCode):
		return "expired"
	case errors.Is(err, ErrInsecureKeyServer), errors.Is(err, ErrBadFingerprint):
		return "rejected"
	case errors.Is(err, ErrKeyServerMismatch), errors.Is(err, ErrBadCodeSignature):
		return "untrusted"
	}
	return "error"
}
