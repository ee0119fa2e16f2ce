package signature

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rivalapexmediation/trustlayer/pkg/canonical"
)

func signedEnvelope(t *testing.T, payload any) (Envelope, ed25519.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	hashHex, _, err := canonical.SumObject(payload)
	require.NoError(t, err)
	digest, err := hex.DecodeString(hashHex)
	require.NoError(t, err)

	return Envelope{
		Algorithm:   AlgorithmEd25519,
		KeyID:       "key_test",
		PayloadHash: hashHex,
		Signature:   base64.StdEncoding.EncodeToString(ed25519.Sign(priv, digest)),
		IssuedAt:    time.Now().UTC().Format(time.RFC3339Nano),
	}, pub
}

func TestVerifyRoundTrip(t *testing.T) {
	payload := map[string]any{"subject_id": "auc_1", "gross": "2.75"}
	env, pub := signedEnvelope(t, payload)

	res, err := Verify(payload, env, pub)
	require.NoError(t, err)
	require.Equal(t, "key_test", res.KeyID)
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	payload := map[string]any{"subject_id": "auc_1", "gross": "2.75"}
	env, pub := signedEnvelope(t, payload)

	tampered := map[string]any{"subject_id": "auc_1", "gross": "9.99"}
	_, err := Verify(tampered, env, pub)
	require.ErrorIs(t, err, ErrPayloadHashMismatch)
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	payload := map[string]any{"a": 1}
	env, _ := signedEnvelope(t, payload)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = Verify(payload, env, otherPub)
	require.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyRejectsUnsupportedAlgorithm(t *testing.T) {
	payload := map[string]any{"a": 1}
	env, pub := signedEnvelope(t, payload)
	env.Algorithm = "es256"

	_, err := Verify(payload, env, pub)
	require.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestVerifyWithKeysUnknownKeyID(t *testing.T) {
	payload := map[string]any{"a": 1}
	env, pub := signedEnvelope(t, payload)

	_, err := VerifyWithKeys(payload, env, map[string]ed25519.PublicKey{"other": pub})
	require.ErrorIs(t, err, ErrUnknownKey)
}

func TestPublicKeyPEMRoundTrip(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	pemStr, err := EncodePublicKeyPEM(pub)
	require.NoError(t, err)
	require.Contains(t, pemStr, "BEGIN PUBLIC KEY")

	parsed, err := ParsePublicKeyPEM(pemStr)
	require.NoError(t, err)
	require.Equal(t, pub, parsed)
}
