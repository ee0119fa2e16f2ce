// Package reconcile compares the ledger's internal revenue totals against an
// external source of truth and records the outcome for audit. Runs are
// idempotent per caller-supplied key so a retried trigger cannot produce
// divergent audit trails.
package reconcile

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrDuplicateKey reports an idempotency-key collision on insert. The
	// caller resolves it by reading the winning row.
	ErrDuplicateKey = errors.New("reconcile: idempotency key already recorded")

	ErrResultNotFound = errors.New("reconcile: result not found")
)

// Discrepancy is one publisher whose internal and external totals diverge
// beyond tolerance.
type Discrepancy struct {
	PublisherID   string          `json:"publisher_id"`
	InternalTotal decimal.Decimal `json:"internal_total"`
	ExternalTotal decimal.Decimal `json:"external_total"`
	AbsoluteDiff  decimal.Decimal `json:"absolute_diff"`
	PercentDiff   decimal.Decimal `json:"percent_diff"`
}

// Result is the full outcome of one reconciliation run.
type Result struct {
	ID                     string          `json:"id"`
	IdempotencyKey         string          `json:"idempotency_key"`
	Timestamp              time.Time       `json:"timestamp"`
	PeriodStart            time.Time       `json:"period_start"`
	PeriodEnd              time.Time       `json:"period_end"`
	CheckedCount           int             `json:"checked_count"`
	Discrepancies          []Discrepancy   `json:"discrepancies"`
	TotalDiscrepancyAmount decimal.Decimal `json:"total_discrepancy_amount"`
	ToleratedPercentage    decimal.Decimal `json:"tolerated_percentage"`
	WithinTolerance        bool            `json:"within_tolerance"`
}

// AuditEvent is a standalone audit row, recorded separately from results so
// escalations survive even if a result row is pruned.
type AuditEvent struct {
	ID        string         `json:"id"`
	Severity  string         `json:"severity"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
