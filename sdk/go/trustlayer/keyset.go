// Package trustlayer verifies trust-layer artifacts offline: signed auction
// receipts and period revenue proofs. It needs only the platform's public
// key export, never a network connection or private material.
package trustlayer

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rivalapexmediation/trustlayer/pkg/signature"
)

// PublicKey is one entry of the platform's key export.
type PublicKey struct {
	KeyID     string  `json:"keyId"`
	PublicKey string  `json:"publicKey"`
	Algorithm string  `json:"algorithm"`
	Purpose   string  `json:"purpose"`
	CreatedAt string  `json:"createdAt"`
	ExpiresAt *string `json:"expiresAt"`
}

// KeySet holds parsed verification keys indexed by key id.
type KeySet struct {
	keys map[string]ed25519.PublicKey
}

var ErrUnknownKeyID = errors.New("trustlayer: unknown key id")

// ParseKeySet parses the JSON array produced by the platform's public key
// export endpoint.
func ParseKeySet(data []byte) (*KeySet, error) {
	var entries []PublicKey
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("trustlayer: invalid key export: %w", err)
	}
	ks := &KeySet{keys: make(map[string]ed25519.PublicKey, len(entries))}
	for _, e := range entries {
		if !strings.EqualFold(e.Algorithm, "ed25519") {
			continue
		}
		pub, err := signature.ParsePublicKeyPEM(e.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("trustlayer: key %s: %w", e.KeyID, err)
		}
		ks.keys[e.KeyID] = pub
	}
	if len(ks.keys) == 0 {
		return nil, errors.New("trustlayer: key export contains no usable keys")
	}
	return ks, nil
}

// Lookup returns the verification key for a key id.
func (ks *KeySet) Lookup(keyID string) (ed25519.PublicKey, error) {
	pub, ok := ks.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyID, keyID)
	}
	return pub, nil
}
