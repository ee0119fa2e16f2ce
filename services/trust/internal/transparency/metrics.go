package transparency

import (
	"sync"
	"time"
)

// Metrics are process-lifetime counters owned by the writer. Callers only
// ever see a Snapshot copy.
type Metrics struct {
	mu sync.Mutex

	writesAttempted uint64
	writesSucceeded uint64
	writesFailed    uint64
	failureStreak   uint64
	breakerSkipped  uint64

	lastFailureAt    time.Time
	lastFailureStage string
	lastFailurePart  bool
	lastSuccessAt    time.Time
}

// Snapshot is the read-only metrics surface exposed for scraping. The
// breaker fields reflect the live circuit state at read time.
type Snapshot struct {
	WritesAttempted            uint64 `json:"writes_attempted"`
	WritesSucceeded            uint64 `json:"writes_succeeded"`
	WritesFailed               uint64 `json:"writes_failed"`
	FailureStreak              uint64 `json:"failure_streak"`
	BreakerOpen                bool   `json:"breaker_open"`
	BreakerSkipped             uint64 `json:"breaker_skipped"`
	BreakerCooldownRemainingMs int64  `json:"breaker_cooldown_remaining_ms"`
	LastFailureAtMs            int64  `json:"last_failure_at_ms"`
	LastFailureStage           string `json:"last_failure_stage"`
	LastFailurePartial         bool   `json:"last_failure_partial"`
	LastSuccessAtMs            int64  `json:"last_success_at_ms"`
}

func (m *Metrics) attempt() {
	m.mu.Lock()
	m.writesAttempted++
	m.mu.Unlock()
}

func (m *Metrics) success(at time.Time) {
	m.mu.Lock()
	m.writesSucceeded++
	m.failureStreak = 0
	m.lastSuccessAt = at
	m.mu.Unlock()
}

func (m *Metrics) failure(at time.Time, stage string, partial bool) {
	m.mu.Lock()
	m.writesFailed++
	m.failureStreak++
	m.lastFailureAt = at
	m.lastFailureStage = stage
	m.lastFailurePart = partial
	m.mu.Unlock()
}

func (m *Metrics) skipped() {
	m.mu.Lock()
	m.breakerSkipped++
	m.mu.Unlock()
}

func (m *Metrics) streak() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failureStreak
}

func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := Snapshot{
		WritesAttempted:    m.writesAttempted,
		WritesSucceeded:    m.writesSucceeded,
		WritesFailed:       m.writesFailed,
		FailureStreak:      m.failureStreak,
		BreakerSkipped:     m.breakerSkipped,
		LastFailureStage:   m.lastFailureStage,
		LastFailurePartial: m.lastFailurePart,
	}
	if !m.lastFailureAt.IsZero() {
		snap.LastFailureAtMs = m.lastFailureAt.UnixMilli()
	}
	if !m.lastSuccessAt.IsZero() {
		snap.LastSuccessAtMs = m.lastSuccessAt.UnixMilli()
	}
	return snap
}
