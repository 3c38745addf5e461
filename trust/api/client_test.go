package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetUserKeysSendsAuth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/users/alice/keys", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(UserKeys{Fingerprint: "AA11", SigningKey: "xpub1.k"})
	}))
	defer srv.Close()

	keys, err := NewClient(srv.URL, StaticAuth("Bearer tok")).GetUserKeys(context.Background(), "alice")
	require.NoError(t, err)
	require.Equal(t, "AA11", keys.Fingerprint)
	require.Equal(t, "xpub1.k", keys.SigningKey)
}

func TestGetSignatureBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/signatures/batch", r.URL.Path)

		var body struct {
			URIs []string `json:"uris"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, []string{"u1", "u2"}, body.URIs)

		json.NewEncoder(w).Encode(map[string]any{
			"signatures": []SignatureRecord{{URI: "u1", CID: "c1", Signature: "xsig1.s"}},
		})
	}))
	defer srv.Close()

	records, err := NewClient(srv.URL, nil).GetSignatureBatch(context.Background(), []string{"u1", "u2"})
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.Equal(t, "u1", records[0].URI)
}

func TestSubmitCertificationTargetsKeyServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/keys/AABB/certifications", r.URL.Path)

		var body struct {
			Certification string         `json:"certification"`
			Nonce         map[string]any `json:"nonce"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "xcrt1.c", body.Certification)
		require.Equal(t, "r", body.Nonce["random"])
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	// the key server base overrides the client's own base
	c := NewClient("https://api.unreachable.invalid", StaticAuth("Bearer tok"))
	err := c.SubmitCertification(context.Background(), srv.URL, "AABB", "xcrt1.c", map[string]any{"random": "r"})
	require.NoError(t, err)
}

func TestErrorStatusSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "key not found", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, nil).GetUserKeys(context.Background(), "alice")
	require.Error(t, err)
	require.Contains(t, err.Error(), "404")
	require.Contains(t, err.Error(), "key not found")
}

func TestWithAuthDoesNotMutateOriginal(t *testing.T) {
	var got []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = append(got, r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(UserKeys{})
	}))
	defer srv.Close()

	base := NewClient(srv.URL, StaticAuth("Bearer session"))
	push := base.WithAuth(StaticAuth("Signature sig.payload"))

	_, err := push.GetUserKeys(context.Background(), "a")
	require.NoError(t, err)
	_, err = base.GetUserKeys(context.Background(), "a")
	require.NoError(t, err)

	require.Equal(t, []string{"Signature sig.payload", "Bearer session"}, got)
}
