package keystore

import (
	"crypto/ed25519"
	"errors"
	"time"
)

var (
	ErrKeyExists   = errors.New("key id already exists")
	ErrKeyNotFound = errors.New("key not found")
	ErrKeyInactive = errors.New("key is inactive")
	ErrKeyExpired  = errors.New("key is expired")
)

// AlgorithmEd25519 is the only algorithm the custodian produces.
const AlgorithmEd25519 = "ed25519"

// KeyPair is the custodian-side view of a signing key. The private key is
// unexported: it never marshals and never leaves this package.
type KeyPair struct {
	KeyID         string     `json:"key_id"`
	Algorithm     string     `json:"algorithm"`
	PublicKey     []byte     `json:"public_key"`
	Purpose       string     `json:"purpose"`
	CreatedAt     time.Time  `json:"created_at"`
	ExpiresAt     *time.Time `json:"expires_at"`
	IsActive      bool       `json:"is_active"`
	DeactivatedAt *time.Time `json:"deactivated_at"`

	privateKey ed25519.PrivateKey
}

// PublicKeyInfo is key metadata without any private material.
type PublicKeyInfo struct {
	KeyID     string     `json:"key_id"`
	Algorithm string     `json:"algorithm"`
	PublicKey []byte     `json:"public_key"`
	Purpose   string     `json:"purpose"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at"`
	IsActive  bool       `json:"is_active"`
}

// PublicKeyExport is the external verifier format: PEM public key plus
// metadata. It has no field that could carry private material.
type PublicKeyExport struct {
	KeyID     string     `json:"keyId"`
	PublicKey string     `json:"publicKey"`
	Algorithm string     `json:"algorithm"`
	Purpose   string     `json:"purpose"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt"`
}

// Record is the storage row for a key, including the private seed. Only the
// store and the custodian see it.
type Record struct {
	KeyID         string
	Algorithm     string
	PublicKey     []byte
	PrivateKey    []byte
	Purpose       string
	CreatedAt     time.Time
	ExpiresAt     *time.Time
	IsActive      bool
	DeactivatedAt *time.Time
	DeletedAt     *time.Time
}

// PublicRecord is the projection used for exports; it is produced by queries
// that do not select the private key column.
type PublicRecord struct {
	KeyID     string
	Algorithm string
	PublicKey []byte
	Purpose   string
	CreatedAt time.Time
	ExpiresAt *time.Time
}
