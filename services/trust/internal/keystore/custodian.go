// Package keystore owns the lifecycle of the trust layer's ed25519 signing
// keys: generation, rotation with a grace overlap, expiry sweeps, and the
// public-only export surface. Components that sign or verify receive a
// *Custodian handle; nothing resolves keys from ambient state.
package keystore

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rivalapexmediation/trustlayer/pkg/signature"
)

type Custodian struct {
	store Store
	now   func() time.Time
	log   logrus.FieldLogger
}

type Option func(*Custodian)

func WithClock(now func() time.Time) Option {
	return func(c *Custodian) { c.now = now }
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(c *Custodian) { c.log = log }
}

func New(store Store, opts ...Option) *Custodian {
	c := &Custodian{
		store: store,
		now:   time.Now,
		log:   logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate creates and persists a new ed25519 key pair. Duplicate key ids
// fail with ErrKeyExists.
func (c *Custodian) Generate(ctx context.Context, keyID, purpose string, expiresAt *time.Time) (*KeyPair, error) {
	if keyID == "" {
		return nil, fmt.Errorf("key id is required")
	}
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating ed25519 key: %w", err)
	}
	rec := Record{
		KeyID:      keyID,
		Algorithm:  AlgorithmEd25519,
		PublicKey:  pub,
		PrivateKey: priv,
		Purpose:    purpose,
		CreatedAt:  c.now().UTC(),
		ExpiresAt:  expiresAt,
		IsActive:   true,
	}
	if err := c.store.Insert(ctx, rec); err != nil {
		return nil, err
	}
	c.log.WithFields(logrus.Fields{"key_id": keyID, "purpose": purpose}).Info("generated signing key")
	return pairFromRecord(&rec), nil
}

// GetKeyPair returns nil when the key is absent or soft-deleted.
func (c *Custodian) GetKeyPair(ctx context.Context, keyID string) (*KeyPair, error) {
	rec, err := c.store.Get(ctx, keyID)
	if err != nil || rec == nil {
		return nil, err
	}
	return pairFromRecord(rec), nil
}

// GetPublicKey returns key metadata only; nil when absent or soft-deleted.
func (c *Custodian) GetPublicKey(ctx context.Context, keyID string) (*PublicKeyInfo, error) {
	rec, err := c.store.Get(ctx, keyID)
	if err != nil || rec == nil {
		return nil, err
	}
	return &PublicKeyInfo{
		KeyID:     rec.KeyID,
		Algorithm: rec.Algorithm,
		PublicKey: append([]byte(nil), rec.PublicKey...),
		Purpose:   rec.Purpose,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
		IsActive:  rec.IsActive,
	}, nil
}

// Rotate generates newKeyID and schedules oldKeyID for deactivation after
// the grace period. Both keys stay active until the sweep runs, so verifiers
// and in-flight writers have an overlap window.
func (c *Custodian) Rotate(ctx context.Context, oldKeyID, newKeyID, purpose string, graceDays int) (*KeyPair, error) {
	old, err := c.store.Get(ctx, oldKeyID)
	if err != nil {
		return nil, err
	}
	if old == nil {
		return nil, fmt.Errorf("rotate %q: %w", oldKeyID, ErrKeyNotFound)
	}
	if !old.IsActive {
		return nil, fmt.Errorf("rotate %q: %w", oldKeyID, ErrKeyInactive)
	}

	fresh, err := c.Generate(ctx, newKeyID, purpose, nil)
	if err != nil {
		return nil, err
	}

	deactivateAt := c.now().UTC().AddDate(0, 0, graceDays)
	if err := c.store.SetDeactivation(ctx, oldKeyID, deactivateAt); err != nil {
		return nil, fmt.Errorf("scheduling deactivation of %q: %w", oldKeyID, err)
	}
	c.log.WithFields(logrus.Fields{
		"old_key_id":    oldKeyID,
		"new_key_id":    newKeyID,
		"deactivate_at": deactivateAt,
	}).Info("rotated signing key")
	return fresh, nil
}

// Sign produces an ed25519 signature over data with the named key. Missing,
// inactive, and expired keys each fail with their own error.
func (c *Custodian) Sign(ctx context.Context, keyID string, data []byte) ([]byte, error) {
	rec, err := c.store.Get(ctx, keyID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, fmt.Errorf("sign with %q: %w", keyID, ErrKeyNotFound)
	}
	if !rec.IsActive {
		return nil, fmt.Errorf("sign with %q: %w", keyID, ErrKeyInactive)
	}
	if rec.ExpiresAt != nil && !rec.ExpiresAt.After(c.now()) {
		return nil, fmt.Errorf("sign with %q: %w", keyID, ErrKeyExpired)
	}
	return ed25519.Sign(ed25519.PrivateKey(rec.PrivateKey), data), nil
}

// Verify reports (false, nil) for a cryptographically invalid signature and
// an error only when the key id is unknown or the store fails.
func (c *Custodian) Verify(ctx context.Context, keyID string, data, sig []byte) (bool, error) {
	rec, err := c.store.Get(ctx, keyID)
	if err != nil {
		return false, err
	}
	if rec == nil {
		return false, fmt.Errorf("verify with %q: %w", keyID, ErrKeyNotFound)
	}
	if len(sig) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(ed25519.PublicKey(rec.PublicKey), data, sig), nil
}

// ExpireOldKeys deactivates keys past their expiry and keys whose deferred
// rotation deactivation has arrived, returning the count affected.
func (c *Custodian) ExpireOldKeys(ctx context.Context) (int64, error) {
	n, err := c.store.Sweep(ctx, c.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.log.WithField("count", n).Info("deactivated expired signing keys")
	}
	return n, nil
}

// Delete tombstones a key. It disappears from every subsequent read.
func (c *Custodian) Delete(ctx context.Context, keyID string) error {
	return c.store.SoftDelete(ctx, keyID, c.now().UTC())
}

// ExportPublicKeys returns the verifier-facing key set. It is built from the
// public projection, which has no private-key field to leak.
func (c *Custodian) ExportPublicKeys(ctx context.Context, purpose string) ([]PublicKeyExport, error) {
	recs, err := c.store.ListPublic(ctx, purpose)
	if err != nil {
		return nil, err
	}
	out := make([]PublicKeyExport, 0, len(recs))
	for _, rec := range recs {
		pemStr, err := signature.EncodePublicKeyPEM(ed25519.PublicKey(rec.PublicKey))
		if err != nil {
			return nil, fmt.Errorf("encoding public key %q: %w", rec.KeyID, err)
		}
		out = append(out, PublicKeyExport{
			KeyID:     rec.KeyID,
			PublicKey: pemStr,
			Algorithm: rec.Algorithm,
			Purpose:   rec.Purpose,
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
		})
	}
	return out, nil
}

func pairFromRecord(rec *Record) *KeyPair {
	return &KeyPair{
		KeyID:         rec.KeyID,
		Algorithm:     rec.Algorithm,
		PublicKey:     append([]byte(nil), rec.PublicKey...),
		Purpose:       rec.Purpose,
		CreatedAt:     rec.CreatedAt,
		ExpiresAt:     rec.ExpiresAt,
		IsActive:      rec.IsActive,
		DeactivatedAt: rec.DeactivatedAt,
		privateKey:    append(ed25519.PrivateKey(nil), rec.PrivateKey...),
	}
}
