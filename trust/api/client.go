// Package api is the HTTP client for the signature and key storage backend,
// plus key-server-scoped calls against third party key servers named in
// scanned trust codes.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xrypton/trust-node/trust/metrics"
)

// AuthProvider yields the value of the Authorization header. The main session
// uses the session token; the push pipeline injects its out-of-session signed
// auth payload instead.
type AuthProvider interface {
	AuthHeader(ctx context.Context) (string, error)
}

type StaticAuth string

func (s StaticAuth) AuthHeader(ctx context.Context) (string, error) {
	return string(s), nil
}

type Client struct {
	base   string
	auth   AuthProvider
	client *http.Client
}

func NewClient(base string, auth AuthProvider) *Client {
	return &Client{
		base: strings.TrimSuffix(base, "/"),
		auth: auth,
		client: &http.Client{
			Timeout: 25 * time.Second,
		},
	}
}

// WithAuth returns a shallow copy using a different auth provider, for
// contexts (push) that authenticate per request.
func (c *Client) WithAuth(auth AuthProvider) *Client {
	cp := *c
	cp.auth = auth
	return &cp
}

type UserKeys struct {
	Fingerprint   string `json:"fingerprint"`
	SigningKey    string `json:"signing_key"`
	EncryptionKey string `json:"encryption_key"`
}

// SignatureRecord is a stored content signature: the embedded signed message
// itself plus the canonical target the server recorded when it was submitted.
type SignatureRecord struct {
	URI       string `json:"uri"`
	CID       string `json:"cid"`
	UserID    string `json:"user_id"`
	Signature string `json:"signature"`
	Canonical string `json:"canonical"`
}

type SignatureSubmission struct {
	URI       string `json:"uri"`
	CID       string `json:"cid"`
	Signature string `json:"signature"`
}

type Message struct {
	Ciphertext string `json:"ciphertext"`
	SenderID   string `json:"sender_id"`
}

func (c *Client) GetUserKeys(ctx context.Context, userID string) (*UserKeys, error) {
	var keys UserKeys
	err := c.do(ctx, http.MethodGet, c.base+"/v1/users/"+url.PathEscape(userID)+"/keys", nil, &keys)
	if err != nil {
		return nil, err
	}
	return &keys, nil
}

func (c *Client) SubmitSignature(ctx context.Context, sub SignatureSubmission) error {
	return c.do(ctx, http.MethodPost, c.base+"/v1/signatures", sub, nil)
}

func (c *Client) GetSignatureBatch(ctx context.Context, uris []string) ([]SignatureRecord, error) {
	var out struct {
		Signatures []SignatureRecord `json:"signatures"`
	}
	err := c.do(ctx, http.MethodPost, c.base+"/v1/signatures/batch", map[string]any{"uris": uris}, &out)
	if err != nil {
		return nil, err
	}
	return out.Signatures, nil
}

// KeyRecord is what a key server stores for a fingerprint: the armored
// public key and the identity it is registered to.
type KeyRecord struct {
	Key    string `json:"key"`
	UserID string `json:"user_id"`
}

// GetKeyByFingerprint asks a (possibly third party, untrusted) key server for
// the public key matching a fingerprint. keyServerBase must already be
// validated by the caller.
func (c *Client) GetKeyByFingerprint(ctx context.Context, keyServerBase, fp string) (*KeyRecord, error) {
	var rec KeyRecord
	err := c.do(ctx, http.MethodGet, strings.TrimSuffix(keyServerBase, "/")+"/v1/keys/"+url.PathEscape(fp), nil, &rec)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// SubmitCertification uploads a certification packet to a key server together
// with the nonce of the scanned code, so the server can check freshness and
// non-replay on its own.
func (c *Client) SubmitCertification(ctx context.Context, keyServerBase, fp, certification string, nonce any) error {
	return c.do(ctx, http.MethodPost, strings.TrimSuffix(keyServerBase, "/")+"/v1/keys/"+url.PathEscape(fp)+"/certifications", map[string]any{
		"certification": certification,
		"nonce":         nonce,
	}, nil)
}

func (c *Client) GetMessage(ctx context.Context, chatID, threadID, messageID string) (*Message, error) {
	var msg Message
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("%s/v1/chats/%s/threads/%s/messages/%s",
		c.base, url.PathEscape(chatID), url.PathEscape(threadID), url.PathEscape(messageID)), nil, &msg)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetSenderKey fetches just the signing key of a sender, the one call the
// push pipeline needs besides the message body.
func (c *Client) GetSenderKey(ctx context.Context, senderID string) (*UserKeys, error) {
	return c.GetUserKeys(ctx, senderID)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.auth != nil {
		header, err := c.auth.AuthHeader(ctx)
		if err != nil {
			return fmt.Errorf("failed to build auth header: %w", err)
		}
		if header != "" {
			req.Header.Set("Authorization", header)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		metrics.APIErrors.WithLabelValues("transport").Inc()
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.APIErrors.WithLabelValues("status").Inc()
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err = json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
