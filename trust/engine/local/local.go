// Package local is an in-process reference implementation of the engine
// boundary: ed25519 signatures, nacl box encryption, SHA-256 fingerprints,
// JSON-armored blobs. It backs the CLI and the tests; production deployments
// talk to the real engine through the mailbox instead.
package local

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"

	"github.com/xrypton/trust-node/trust/engine"
)

const (
	privatePrefix   = "xsec1."
	publicPrefix    = "xpub1."
	signedPrefix    = "xsig1."
	envelopePrefix  = "xenv1."
	certifiedPrefix = "xcrt1."
)

var (
	ErrBadArmor     = errors.New("malformed armored blob")
	ErrBadSignature = errors.New("signature verification failed")
)

type Engine struct{}

func NewEngine() *Engine {
	return &Engine{}
}

type KeyPair struct {
	Private     string
	Public      string
	Fingerprint string
}

type privateBody struct {
	Sign []byte `json:"sign"` // ed25519 seed
	Enc  []byte `json:"enc"`  // curve25519 scalar
}

type publicBody struct {
	Sign []byte `json:"sign"`
	Enc  []byte `json:"enc"`
}

type signedBody struct {
	Data        []byte `json:"data"`
	Signature   []byte `json:"sig"`
	Fingerprint string `json:"fp"`
}

// envelopeBody is the outer, signed layer: the sender's signature covers the
// sealed inner ciphertext, and the sender fingerprint is readable without
// unwrapping anything.
type envelopeBody struct {
	Fingerprint string `json:"fp"`
	Signature   []byte `json:"sig"`
	Cipher      []byte `json:"data"`
}

// innerBody is what the sealed ciphertext decrypts to.
type innerBody struct {
	Data         []byte   `json:"data"`
	Signature    []byte   `json:"sig,omitempty"`
	Fingerprints []string `json:"fps,omitempty"`
}

type certBody struct {
	CertifierFP string `json:"certifier_fp"`
	TargetFP    string `json:"target_fp"`
	Signature   []byte `json:"sig"` // over the raw target public key armor
}

func armor(prefix string, v any) string {
	raw, _ := json.Marshal(v)
	return prefix + base64.RawURLEncoding.EncodeToString(raw)
}

func unarmor(prefix, blob string, v any) error {
	if !strings.HasPrefix(blob, prefix) {
		return fmt.Errorf("%w: expected %q armor", ErrBadArmor, prefix)
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(blob, prefix))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrBadArmor, err.Error())
	}
	if err = json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s", ErrBadArmor, err.Error())
	}
	return nil
}

func fingerprint(signPub ed25519.PublicKey, encPub *[32]byte) string {
	h := sha256.New()
	h.Write(signPub)
	h.Write(encPub[:])
	return strings.ToUpper(hex.EncodeToString(h.Sum(nil)))
}

// GenerateKey creates a fresh signing + encryption keypair.
func GenerateKey() (*KeyPair, error) {
	signPub, signPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	encPub, encPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		Private:     armor(privatePrefix, privateBody{Sign: signPriv.Seed(), Enc: encPriv[:]}),
		Public:      armor(publicPrefix, publicBody{Sign: signPub, Enc: encPub[:]}),
		Fingerprint: fingerprint(signPub, encPub),
	}, nil
}

func parsePrivate(blob string) (ed25519.PrivateKey, *[32]byte, error) {
	var body privateBody
	if err := unarmor(privatePrefix, blob, &body); err != nil {
		return nil, nil, err
	}
	if len(body.Sign) != ed25519.SeedSize || len(body.Enc) != 32 {
		return nil, nil, fmt.Errorf("%w: bad key material length", ErrBadArmor)
	}

	var enc [32]byte
	copy(enc[:], body.Enc)
	return ed25519.NewKeyFromSeed(body.Sign), &enc, nil
}

func parsePublic(blob string) (ed25519.PublicKey, *[32]byte, error) {
	var body publicBody
	if err := unarmor(publicPrefix, blob, &body); err != nil {
		return nil, nil, err
	}
	if len(body.Sign) != ed25519.PublicKeySize || len(body.Enc) != 32 {
		return nil, nil, fmt.Errorf("%w: bad key material length", ErrBadArmor)
	}

	var enc [32]byte
	copy(enc[:], body.Enc)
	return ed25519.PublicKey(body.Sign), &enc, nil
}

// PublicFromPrivate derives the armored public half of a private key.
func PublicFromPrivate(privateKey string) (string, string, error) {
	signPriv, encPriv, err := parsePrivate(privateKey)
	if err != nil {
		return "", "", err
	}

	encPub := pubOf(encPriv)
	signPub := signPriv.Public().(ed25519.PublicKey)
	return armor(publicPrefix, publicBody{Sign: signPub, Enc: encPub[:]}), fingerprint(signPub, encPub), nil
}

func (e *Engine) Sign(ctx context.Context, privateKey string, data []byte) (string, error) {
	signPriv, _, err := parsePrivate(privateKey)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(ed25519.Sign(signPriv, data)), nil
}

// SignEmbed produces an embedded signed message carrying the data itself.
func (e *Engine) SignEmbed(ctx context.Context, privateKey string, data []byte) (string, error) {
	signPriv, encPriv, err := parsePrivate(privateKey)
	if err != nil {
		return "", err
	}

	signPub := signPriv.Public().(ed25519.PublicKey)
	return armor(signedPrefix, signedBody{
		Data:        data,
		Signature:   ed25519.Sign(signPriv, data),
		Fingerprint: fingerprint(signPub, pubOf(encPriv)),
	}), nil
}

func (e *Engine) VerifyDetached(ctx context.Context, publicKey string, data []byte, signature string) error {
	signPub, _, err := parsePublic(publicKey)
	if err != nil {
		return err
	}

	sig, err := base64.RawURLEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrBadArmor)
	}
	if !ed25519.Verify(signPub, data, sig) {
		return ErrBadSignature
	}
	return nil
}

func (e *Engine) VerifyExtract(ctx context.Context, publicKey, message string) (string, error) {
	res, err := e.ExtractAndVerify(ctx, publicKey, message)
	if err != nil {
		return "", err
	}
	if !res.Valid {
		return "", ErrBadSignature
	}
	return res.Text, nil
}

func (e *Engine) VerifyExtractBytes(ctx context.Context, publicKey, message string) ([]byte, error) {
	var body envelopeBody
	if err := unarmor(envelopePrefix, message, &body); err != nil {
		return nil, err
	}

	signPub, _, err := parsePublic(publicKey)
	if err != nil {
		return nil, err
	}
	if !ed25519.Verify(signPub, body.Cipher, body.Signature) {
		return nil, ErrBadSignature
	}
	return body.Cipher, nil
}

func (e *Engine) ExtractAndVerify(ctx context.Context, publicKey, message string) (engine.ExtractStringResult, error) {
	var body signedBody
	if err := unarmor(signedPrefix, message, &body); err != nil {
		return engine.ExtractStringResult{}, err
	}

	signPub, _, err := parsePublic(publicKey)
	if err != nil {
		return engine.ExtractStringResult{}, err
	}

	return engine.ExtractStringResult{
		Text:         string(body.Data),
		Valid:        ed25519.Verify(signPub, body.Data, body.Signature),
		Fingerprints: []string{body.Fingerprint},
	}, nil
}

func (e *Engine) Encrypt(ctx context.Context, recipientKey, signingKey string, data []byte) (string, error) {
	_, encPub, err := parsePublic(recipientKey)
	if err != nil {
		return "", err
	}

	signPriv, senderEncPriv, err := parsePrivate(signingKey)
	if err != nil {
		return "", err
	}
	senderFP := fingerprint(signPriv.Public().(ed25519.PublicKey), pubOf(senderEncPriv))

	inner, _ := json.Marshal(innerBody{
		Data:         data,
		Signature:    ed25519.Sign(signPriv, data),
		Fingerprints: []string{senderFP},
	})

	sealed, err := box.SealAnonymous(nil, inner, encPub, rand.Reader)
	if err != nil {
		return "", fmt.Errorf("failed to seal: %w", err)
	}

	return armor(envelopePrefix, envelopeBody{
		Fingerprint: senderFP,
		Signature:   ed25519.Sign(signPriv, sealed),
		Cipher:      sealed,
	}), nil
}

// Decrypt opens a sealed inner ciphertext (the bytes obtained by unwrapping
// an envelope's outer layer, base64 in the armored message position).
func (e *Engine) Decrypt(ctx context.Context, privateKey, message string) (engine.DecryptResult, error) {
	sealed, err := base64.RawURLEncoding.DecodeString(message)
	if err != nil {
		return engine.DecryptResult{}, fmt.Errorf("%w: bad ciphertext encoding", ErrBadArmor)
	}

	_, encPriv, err := parsePrivate(privateKey)
	if err != nil {
		return engine.DecryptResult{}, err
	}

	opened, ok := box.OpenAnonymous(nil, sealed, pubOf(encPriv), encPriv)
	if !ok {
		return engine.DecryptResult{}, errors.New("failed to open ciphertext")
	}

	var body innerBody
	if err = json.Unmarshal(opened, &body); err != nil {
		return engine.DecryptResult{}, fmt.Errorf("%w: bad inner payload", ErrBadArmor)
	}

	res := engine.DecryptResult{
		Data:               body.Data,
		SignerFingerprints: body.Fingerprints,
	}
	if len(body.Signature) > 0 {
		res.Signature = base64.RawURLEncoding.EncodeToString(body.Signature)
	}
	return res, nil
}

func (e *Engine) OuterFingerprint(ctx context.Context, message string) (string, error) {
	switch {
	case strings.HasPrefix(message, envelopePrefix):
		var body envelopeBody
		if err := unarmor(envelopePrefix, message, &body); err != nil {
			return "", err
		}
		return body.Fingerprint, nil
	case strings.HasPrefix(message, signedPrefix):
		var body signedBody
		if err := unarmor(signedPrefix, message, &body); err != nil {
			return "", err
		}
		return body.Fingerprint, nil
	}
	return "", fmt.Errorf("%w: not an envelope", ErrBadArmor)
}

func (e *Engine) PrimaryFingerprint(ctx context.Context, publicKey string) (string, error) {
	signPub, encPub, err := parsePublic(publicKey)
	if err != nil {
		return "", err
	}
	return fingerprint(signPub, encPub), nil
}

func (e *Engine) CertifyKey(ctx context.Context, privateKey, targetKey string) (string, error) {
	signPriv, encPriv, err := parsePrivate(privateKey)
	if err != nil {
		return "", err
	}

	targetFP, err := e.PrimaryFingerprint(ctx, targetKey)
	if err != nil {
		return "", err
	}

	return armor(certifiedPrefix, certBody{
		CertifierFP: fingerprint(signPriv.Public().(ed25519.PublicKey), pubOf(encPriv)),
		TargetFP:    targetFP,
		Signature:   ed25519.Sign(signPriv, []byte(targetKey)),
	}), nil
}

// VerifyCertification checks a certification blob against the certifier's
// public key and the certified key material.
func (e *Engine) VerifyCertification(ctx context.Context, certifierKey, targetKey, certification string) error {
	var body certBody
	if err := unarmor(certifiedPrefix, certification, &body); err != nil {
		return err
	}

	signPub, _, err := parsePublic(certifierKey)
	if err != nil {
		return err
	}
	if !ed25519.Verify(signPub, []byte(targetKey), body.Signature) {
		return ErrBadSignature
	}

	targetFP, err := e.PrimaryFingerprint(ctx, targetKey)
	if err != nil {
		return err
	}
	if targetFP != body.TargetFP {
		return fmt.Errorf("%w: certification is for a different key", ErrBadSignature)
	}
	return nil
}

// pubOf derives the curve25519 public key of a private scalar.
func pubOf(priv *[32]byte) *[32]byte {
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, priv)
	return &pub
}
