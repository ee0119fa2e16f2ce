package trustlayer

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rivalapexmediation/trustlayer/pkg/canonical"
	"github.com/rivalapexmediation/trustlayer/pkg/signature"
)

// RevenueProof is the signed period aggregate issued by the platform's
// ledger.
type RevenueProof struct {
	PublisherID    string    `json:"publisher_id"`
	PeriodStart    time.Time `json:"period_start"`
	PeriodEnd      time.Time `json:"period_end"`
	EntryCount     int64     `json:"entry_count"`
	GrossTotal     string    `json:"gross_total"`
	NetTotal       string    `json:"net_total"`
	FirstEntryHash string    `json:"first_entry_hash"`
	LastEntryHash  string    `json:"last_entry_hash"`
	Digest         string    `json:"digest"`
	Algorithm      string    `json:"algorithm"`
	KeyID          string    `json:"key_id"`
	Signature      string    `json:"signature"`
	IssuedAt       time.Time `json:"issued_at"`
}

// proofDigestBody mirrors the platform's signed proof layout.
type proofDigestBody struct {
	PublisherID    string `json:"publisher_id"`
	PeriodStartMs  int64  `json:"period_start_ms"`
	PeriodEndMs    int64  `json:"period_end_ms"`
	EntryCount     int64  `json:"entry_count"`
	GrossTotal     string `json:"gross_total"`
	NetTotal       string `json:"net_total"`
	FirstEntryHash string `json:"first_entry_hash"`
	LastEntryHash  string `json:"last_entry_hash"`
}

// VerifyRevenueProof checks that a proof's digest matches its content and
// that the signature over the digest verifies against the key export.
func VerifyRevenueProof(p RevenueProof, keys *KeySet) error {
	if !strings.EqualFold(p.Algorithm, signature.AlgorithmEd25519) {
		return fmt.Errorf("trustlayer: unsupported proof algorithm %q", p.Algorithm)
	}
	pub, err := keys.Lookup(p.KeyID)
	if err != nil {
		return err
	}

	body := proofDigestBody{
		PublisherID:    p.PublisherID,
		PeriodStartMs:  p.PeriodStart.UnixMilli(),
		PeriodEndMs:    p.PeriodEnd.UnixMilli(),
		EntryCount:     p.EntryCount,
		GrossTotal:     p.GrossTotal,
		NetTotal:       p.NetTotal,
		FirstEntryHash: p.FirstEntryHash,
		LastEntryHash:  p.LastEntryHash,
	}
	hashHex, _, err := canonical.SumObject(body)
	if err != nil {
		return fmt.Errorf("trustlayer: canonicalizing proof: %w", err)
	}
	if hashHex != p.Digest {
		return errors.New("trustlayer: proof digest does not match content")
	}
	digest, err := hex.DecodeString(p.Digest)
	if err != nil {
		return errors.New("trustlayer: invalid proof digest")
	}
	if err := signature.VerifyDigest(digest, p.Signature, pub); err != nil {
		return fmt.Errorf("trustlayer: proof signature invalid: %w", err)
	}
	return nil
}
