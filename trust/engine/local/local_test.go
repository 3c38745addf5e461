package local

import (
	"context"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xrypton/trust-node/pkg/canon"
)

func TestSignAndVerifyDetached(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine()

	kp, err := GenerateKey()
	require.NoError(t, err)
	require.Regexp(t, `^[A-F0-9]{64}$`, kp.Fingerprint)

	target := canon.Target("a", "b", map[string]any{"z": 1, "a": 2})
	require.Equal(t, `{"cid":"b","record":{"a":2,"z":1},"uri":"a"}`, target)

	sig, err := eng.Sign(ctx, kp.Private, []byte(target))
	require.NoError(t, err)
	require.NoError(t, eng.VerifyDetached(ctx, kp.Public, []byte(target), sig))

	// same object with an edited record must not verify
	edited := canon.Target("a", "b", map[string]any{"z": 2, "a": 2})
	require.ErrorIs(t, eng.VerifyDetached(ctx, kp.Public, []byte(edited), sig), ErrBadSignature)
}

func TestSignEmbedAndExtract(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine()

	kp, err := GenerateKey()
	require.NoError(t, err)

	msg, err := eng.SignEmbed(ctx, kp.Private, []byte("hello"))
	require.NoError(t, err)

	text, err := eng.VerifyExtract(ctx, kp.Public, msg)
	require.NoError(t, err)
	require.Equal(t, "hello", text)

	res, err := eng.ExtractAndVerify(ctx, kp.Public, msg)
	require.NoError(t, err)
	require.True(t, res.Valid)
	require.Equal(t, []string{kp.Fingerprint}, res.Fingerprints)

	// wrong key: extraction still works, validity does not
	other, err := GenerateKey()
	require.NoError(t, err)
	res, err = eng.ExtractAndVerify(ctx, other.Public, msg)
	require.NoError(t, err)
	require.Equal(t, "hello", res.Text)
	require.False(t, res.Valid)
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine()

	sender, err := GenerateKey()
	require.NoError(t, err)
	recipient, err := GenerateKey()
	require.NoError(t, err)

	envelope, err := eng.Encrypt(ctx, recipient.Public, sender.Private, []byte("secret"))
	require.NoError(t, err)

	outerFP, err := eng.OuterFingerprint(ctx, envelope)
	require.NoError(t, err)
	require.Equal(t, sender.Fingerprint, outerFP)

	inner, err := eng.VerifyExtractBytes(ctx, sender.Public, envelope)
	require.NoError(t, err)

	res, err := eng.Decrypt(ctx, recipient.Private, base64.RawURLEncoding.EncodeToString(inner))
	require.NoError(t, err)
	require.Equal(t, "secret", string(res.Data))
	require.Equal(t, []string{sender.Fingerprint}, res.SignerFingerprints)
	require.NoError(t, eng.VerifyDetached(ctx, sender.Public, res.Data, res.Signature))
}

func TestOuterUnwrapRejectsWrongSigner(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine()

	sender, err := GenerateKey()
	require.NoError(t, err)
	recipient, err := GenerateKey()
	require.NoError(t, err)
	other, err := GenerateKey()
	require.NoError(t, err)

	envelope, err := eng.Encrypt(ctx, recipient.Public, sender.Private, []byte("secret"))
	require.NoError(t, err)

	_, err = eng.VerifyExtractBytes(ctx, other.Public, envelope)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestCertifyKey(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine()

	certifier, err := GenerateKey()
	require.NoError(t, err)
	target, err := GenerateKey()
	require.NoError(t, err)

	cert, err := eng.CertifyKey(ctx, certifier.Private, target.Public)
	require.NoError(t, err)
	require.NoError(t, eng.VerifyCertification(ctx, certifier.Public, target.Public, cert))

	// certification is bound to the certified key
	imposter, err := GenerateKey()
	require.NoError(t, err)
	require.Error(t, eng.VerifyCertification(ctx, certifier.Public, imposter.Public, cert))
}

func TestPublicFromPrivate(t *testing.T) {
	kp, err := GenerateKey()
	require.NoError(t, err)

	pub, fp, err := PublicFromPrivate(kp.Private)
	require.NoError(t, err)
	require.Equal(t, kp.Public, pub)
	require.Equal(t, kp.Fingerprint, fp)
}

func TestBadArmorRejected(t *testing.T) {
	ctx := context.Background()
	eng := NewEngine()

	_, err := eng.PrimaryFingerprint(ctx, "not-a-key")
	require.ErrorIs(t, err, ErrBadArmor)

	_, err = eng.OuterFingerprint(ctx, "xenv1.!!!!")
	require.ErrorIs(t, err, ErrBadArmor)
}
