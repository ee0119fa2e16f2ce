package signature

import (
	"crypto/ed25519"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"strings"
	"time"

	"github.com/rivalapexmediation/trustlayer/pkg/canonical"
)

var (
	ErrUnsupportedAlgorithm = errors.New("unsupported algorithm")
	ErrInvalidIssuedAt      = errors.New("invalid issued_at")
	ErrPayloadHashMismatch  = errors.New("payload hash mismatch")
	ErrInvalidSignature     = errors.New("invalid signature")
	ErrInvalidEncoding      = errors.New("invalid encoding")
	ErrUnknownKey           = errors.New("unknown key id")
)

type VerifyResult struct {
	IssuedAt time.Time
	KeyID    string
}

// Verify checks an envelope against the payload it claims to cover using the
// supplied public key. The payload hash is recomputed from canonical bytes,
// compared in constant time, and only then is the signature checked.
func Verify(payload any, env Envelope, publicKey ed25519.PublicKey) (VerifyResult, error) {
	if strings.ToLower(strings.TrimSpace(env.Algorithm)) != AlgorithmEd25519 {
		return VerifyResult{}, ErrUnsupportedAlgorithm
	}
	if strings.TrimSpace(env.IssuedAt) == "" {
		return VerifyResult{}, ErrInvalidIssuedAt
	}
	issuedAt, err := time.Parse(time.RFC3339Nano, env.IssuedAt)
	if err != nil {
		return VerifyResult{}, ErrInvalidIssuedAt
	}

	expectedHex, _, err := canonical.SumObject(payload)
	if err != nil {
		return VerifyResult{}, err
	}
	expected, err := hex.DecodeString(expectedHex)
	if err != nil {
		return VerifyResult{}, ErrInvalidEncoding
	}
	claimed, err := decodeLowerHex32(strings.TrimSpace(env.PayloadHash))
	if err != nil {
		return VerifyResult{}, err
	}
	if subtle.ConstantTimeCompare(expected, claimed) != 1 {
		return VerifyResult{}, ErrPayloadHashMismatch
	}

	if err := VerifyDigest(claimed, env.Signature, publicKey); err != nil {
		return VerifyResult{}, err
	}
	return VerifyResult{IssuedAt: issuedAt.UTC(), KeyID: env.KeyID}, nil
}

// VerifyDigest checks a base64 ed25519 signature over an already-computed
// digest.
func VerifyDigest(digest []byte, sigB64 string, publicKey ed25519.PublicKey) error {
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sigB64))
	if err != nil {
		return ErrInvalidEncoding
	}
	if len(publicKey) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return ErrInvalidEncoding
	}
	if !ed25519.Verify(publicKey, digest, sig) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyWithKeys resolves the envelope's key id against a key set before
// verifying. A missing key id is ErrUnknownKey, distinct from a bad signature.
func VerifyWithKeys(payload any, env Envelope, keys map[string]ed25519.PublicKey) (VerifyResult, error) {
	pub, ok := keys[strings.TrimSpace(env.KeyID)]
	if !ok {
		return VerifyResult{}, ErrUnknownKey
	}
	return Verify(payload, env, pub)
}

// EncodePublicKeyPEM renders an ed25519 public key as a PKIX PEM block, the
// format of the public key export surface.
func EncodePublicKeyPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	block := pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(&block)), nil
}

// ParsePublicKeyPEM decodes a PKIX PEM block into an ed25519 public key.
func ParsePublicKeyPEM(pemStr string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemStr))
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, ErrInvalidEncoding
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	pub, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, ErrUnsupportedAlgorithm
	}
	return pub, nil
}

func decodeLowerHex32(s string) ([]byte, error) {
	if s == "" || s != strings.ToLower(s) {
		return nil, ErrInvalidEncoding
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidEncoding
	}
	if len(b) != 32 {
		return nil, ErrInvalidEncoding
	}
	return b, nil
}
