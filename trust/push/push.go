// Package push decrypts push-delivered ciphertext outside the authenticated
// session: it sources its own secrets from the local store, signs its own
// authorization, unwraps the two-layer envelope and cross-validates the
// signer identity between layers. Every failure degrades to "cannot decrypt"
// so a background worker never crashes on hostile or stale input.
package push

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/xrypton/trust-node/pkg/canon"
	"github.com/xrypton/trust-node/trust/api"
	"github.com/xrypton/trust-node/trust/db"
	"github.com/xrypton/trust-node/trust/engine"
	"github.com/xrypton/trust-node/trust/metrics"
)

// Store keys for locating decryption secrets. The flat legacy key predates
// multi-account support; its lookup order is load-bearing compatibility
// behavior until all notification producers send a recipient id.
// TODO: drop the legacy flat key once push payloads always carry recipient.
const (
	activeAccountKey = "active_account"
	legacyPrivateKey = "private_key"
)

func accountPrivateKey(accountID string) string {
	return "account:" + accountID + ":private_key"
}

// Notification is the minimal stub delivered by the push transport.
type Notification struct {
	Type      string `json:"type"`
	ChatID    string `json:"chat_id"`
	ThreadID  string `json:"thread_id"`
	MessageID string `json:"message_id"`
	Recipient string `json:"recipient,omitempty"`
	Sender    string `json:"sender,omitempty"`
}

// MessageTarget identifies the ciphertext to fetch. A stub that is not a
// message notification, or is missing any identifier, yields no target.
type MessageTarget struct {
	ChatID    string
	ThreadID  string
	MessageID string
}

func (n Notification) MessageTarget() (MessageTarget, bool) {
	if n.Type != "message" || n.ChatID == "" || n.ThreadID == "" || n.MessageID == "" {
		return MessageTarget{}, false
	}
	return MessageTarget{ChatID: n.ChatID, ThreadID: n.ThreadID, MessageID: n.MessageID}, true
}

type API interface {
	GetMessage(ctx context.Context, chatID, threadID, messageID string) (*api.Message, error)
	GetSenderKey(ctx context.Context, senderID string) (*api.UserKeys, error)
}

// APIFactory builds an API view authorized by the given provider. The
// pipeline authenticates per decryption with a freshly signed payload instead
// of session state.
type APIFactory func(auth api.AuthProvider) API

type Pipeline struct {
	store  db.Storage
	eng    engine.Engine
	newAPI APIFactory

	now func() time.Time
}

func NewPipeline(store db.Storage, eng engine.Engine, newAPI APIFactory) *Pipeline {
	return &Pipeline{
		store:  store,
		eng:    eng,
		newAPI: newAPI,
		now:    time.Now,
	}
}

// Decrypt resolves secrets, fetches the ciphertext and sender key, unwraps
// both layers and returns the trimmed plaintext. ok=false means "show the
// generic notification"; the pipeline never returns an error to its caller.
func (p *Pipeline) Decrypt(ctx context.Context, stub Notification) (string, bool) {
	text, outcome := p.decrypt(ctx, stub)
	metrics.PushDecryptions.WithLabelValues(outcome).Inc()
	return text, outcome == "ok"
}

func (p *Pipeline) decrypt(ctx context.Context, stub Notification) (string, string) {
	target, ok := stub.MessageTarget()
	if !ok {
		return "", "skipped"
	}

	privateKey, found := p.resolveSecrets(ctx, stub.Recipient)
	if !found {
		log.Debug().Str("recipient", stub.Recipient).Msg("no decryption secrets for push")
		return "", "no_secrets"
	}

	auth, err := p.authProvider(ctx, privateKey)
	if err != nil {
		log.Warn().Err(err).Msg("failed to sign push authorization")
		return "", "auth_failed"
	}
	client := p.newAPI(auth)

	msg, err := client.GetMessage(ctx, target.ChatID, target.ThreadID, target.MessageID)
	if err != nil {
		log.Warn().Err(err).Str("message", target.MessageID).Msg("failed to fetch push message")
		return "", "fetch_failed"
	}

	senderID := msg.SenderID
	if senderID == "" {
		senderID = stub.Sender
	}
	senderKeys, err := client.GetSenderKey(ctx, senderID)
	if err != nil {
		log.Warn().Err(err).Str("sender", senderID).Msg("failed to fetch sender key")
		return "", "fetch_failed"
	}

	text, err := p.unwrap(ctx, privateKey, senderKeys.SigningKey, msg.Ciphertext)
	if err != nil {
		log.Warn().Err(err).Str("message", target.MessageID).Msg("push decryption failed")
		return "", "unwrap_failed"
	}
	return text, "ok"
}

// unwrap performs the two-layer unwrap with the cross-layer identity check in
// the middle: the outer envelope's signer must appear among the inner signer
// fingerprints, otherwise the envelope was re-wrapped by someone else and no
// partial plaintext may surface.
func (p *Pipeline) unwrap(ctx context.Context, privateKey, senderSigningKey, ciphertext string) (string, error) {
	outerFP, err := p.eng.OuterFingerprint(ctx, ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to extract outer fingerprint: %w", err)
	}

	innerCipher, err := p.eng.VerifyExtractBytes(ctx, senderSigningKey, ciphertext)
	if err != nil {
		return "", fmt.Errorf("failed to unwrap outer layer: %w", err)
	}

	res, err := p.eng.Decrypt(ctx, privateKey, base64.RawURLEncoding.EncodeToString(innerCipher))
	if err != nil {
		return "", fmt.Errorf("failed to decrypt inner layer: %w", err)
	}

	if res.Signature != "" {
		matched := false
		for _, fp := range res.SignerFingerprints {
			if fp == outerFP {
				matched = true
				break
			}
		}
		if !matched {
			return "", fmt.Errorf("outer signer %s not among inner signers, possible spoofing", outerFP)
		}

		if err = p.eng.VerifyDetached(ctx, senderSigningKey, res.Data, res.Signature); err != nil {
			return "", fmt.Errorf("inner signature does not verify: %w", err)
		}
	}

	return strings.TrimSpace(string(res.Data)), nil
}

// resolveSecrets finds the private key to decrypt with: the explicit
// recipient, then the active account, then the legacy flat key. First hit
// wins.
func (p *Pipeline) resolveSecrets(ctx context.Context, recipient string) (string, bool) {
	if recipient != "" {
		if key, err := p.store.Get(ctx, accountPrivateKey(recipient)); err == nil {
			return key, true
		} else if !errors.Is(err, db.ErrNotFound) {
			log.Warn().Err(err).Msg("failed to read recipient secrets")
		}
	}

	if active, err := p.store.Get(ctx, activeAccountKey); err == nil && active != "" {
		if key, err := p.store.Get(ctx, accountPrivateKey(active)); err == nil {
			return key, true
		}
	}

	if key, err := p.store.Get(ctx, legacyPrivateKey); err == nil {
		return key, true
	}
	return "", false
}

// authProvider signs a constant-shaped {nonce, ts} payload, which is how an
// unauthenticated background context obtains authorization.
func (p *Pipeline) authProvider(ctx context.Context, privateKey string) (api.AuthProvider, error) {
	payload := canon.Canonicalize(map[string]any{
		"nonce": uuid.NewString(),
		"ts":    p.now().UTC().Unix(),
	})

	sig, err := p.eng.Sign(ctx, privateKey, []byte(payload))
	if err != nil {
		return nil, err
	}

	token := base64.RawURLEncoding.EncodeToString([]byte(sig)) + "." +
		base64.RawURLEncoding.EncodeToString([]byte(payload))
	return api.StaticAuth("Signature " + token), nil
}
