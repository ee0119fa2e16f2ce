package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Payload carries the domain fields of a revenue event. Amounts are decimal
// so aggregate totals are exact.
type Payload struct {
	GrossRevenue decimal.Decimal `json:"gross_revenue"`
	NetRevenue   decimal.Decimal `json:"net_revenue"`
	Currency     string          `json:"currency"`
	WinnerSource string          `json:"winner_source"`
	OccurredAt   time.Time       `json:"occurred_at"`
}

// Entry is one immutable link in a publisher's hash chain. EntryHash covers
// the canonical entry fields including PreviousHash; Signature covers
// EntryHash.
type Entry struct {
	EntryID        string    `json:"entry_id"`
	SubjectID      string    `json:"subject_id"`
	PublisherID    string    `json:"publisher_id"`
	PreviousHash   string    `json:"previous_hash"`
	EntryHash      string    `json:"entry_hash"`
	Signature      string    `json:"signature"`
	KeyID          string    `json:"key_id"`
	SequenceNumber int64     `json:"sequence_number"`
	Payload        Payload   `json:"payload"`
	CreatedAt      time.Time `json:"created_at"`
}

// Draft is what producers hand to Append; linkage and integrity fields are
// assigned by the ledger.
type Draft struct {
	SubjectID   string
	PublisherID string
	Payload     Payload
}

// EntryVerification reports the three independent integrity checks for one
// entry. Valid is their conjunction.
type EntryVerification struct {
	EntryID        string   `json:"entry_id"`
	HashValid      bool     `json:"hash_valid"`
	SignatureValid bool     `json:"signature_valid"`
	ChainValid     bool     `json:"chain_valid"`
	Valid          bool     `json:"valid"`
	Problems       []string `json:"problems,omitempty"`
}

// ChainVerification is the full-chain report for one partition key. A broken
// link never stops verification of the remaining entries.
type ChainVerification struct {
	PublisherID string              `json:"publisher_id"`
	Checked     int                 `json:"checked"`
	ValidCount  int                 `json:"valid_count"`
	Valid       bool                `json:"valid"`
	Failures    []EntryVerification `json:"failures,omitempty"`
}

// Aggregate is the store-side rollup used for period proofs and
// reconciliation.
type Aggregate struct {
	Count     int64
	Gross     decimal.Decimal
	Net       decimal.Decimal
	FirstHash string
	LastHash  string
}

// PeriodProof lets an external party verify a period aggregate without
// replaying every entry.
type PeriodProof struct {
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
