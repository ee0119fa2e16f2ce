package ledger

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rivalapexmediation/trustlayer/pkg/canonical"
	"github.com/rivalapexmediation/trustlayer/pkg/signature"
)

// ProofCache stores marshalled proof artifacts so repeated requests for the
// same closed period return byte-identical documents.
type ProofCache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// proofDigestBody is the field set covered by a proof's digest and
// signature.
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

// ProofDigest computes the canonical digest hex for a proof's signed body.
// Exposed so offline verifiers recompute the exact same value.
func ProofDigest(p PeriodProof) (string, error) {
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
		return "", err
	}
	return hashHex, nil
}

// GenerateProof builds and signs a revenue proof for one publisher over a
// closed period. Identical requests within the cache TTL return the same
// bytes.
func (l *Ledger) GenerateProof(ctx context.Context, cache ProofCache, publisherID string, start, end time.Time, ttl time.Duration) (*PeriodProof, error) {
	if !end.After(start) {
		return nil, errors.New("proof: period end must be after period start")
	}

	cacheKey := fmt.Sprintf("trust:proof:%s:%d:%d", publisherID, start.UnixMilli(), end.UnixMilli())
	if cache != nil {
		if raw, ok, err := cache.Get(ctx, cacheKey); err == nil && ok {
			var cached PeriodProof
			if uerr := json.Unmarshal(raw, &cached); uerr == nil {
				return &cached, nil
			}
		}
	}

	agg, err := l.store.AggregateRange(ctx, publisherID, start, end)
	if err != nil {
		return nil, fmt.Errorf("proof: aggregating period: %w", err)
	}

	proof := PeriodProof{
		PublisherID:    publisherID,
		PeriodStart:    start.UTC(),
		PeriodEnd:      end.UTC(),
		EntryCount:     agg.Count,
		GrossTotal:     agg.Gross.String(),
		NetTotal:       agg.Net.String(),
		FirstEntryHash: agg.FirstHash,
		LastEntryHash:  agg.LastHash,
		Algorithm:      signature.AlgorithmEd25519,
		KeyID:          l.signingKeyID,
		IssuedAt:       l.now().UTC(),
	}
	digestHex, err := ProofDigest(proof)
	if err != nil {
		return nil, fmt.Errorf("proof: computing digest: %w", err)
	}
	proof.Digest = digestHex

	digest, err := hex.DecodeString(digestHex)
	if err != nil {
		return nil, fmt.Errorf("proof: decoding digest: %w", err)
	}
	sig, err := l.keys.Sign(ctx, l.signingKeyID, digest)
	if err != nil {
		return nil, fmt.Errorf("proof: signing digest: %w", err)
	}
	proof.Signature = base64.StdEncoding.EncodeToString(sig)

	if cache != nil {
		if raw, merr := json.Marshal(proof); merr == nil {
			if cerr := cache.Set(ctx, cacheKey, raw, ttl); cerr != nil {
				l.log.WithError(cerr).Warn("proof cache write failed")
			}
		}
	}
	return &proof, nil
}

// VerifyProof checks a proof's digest and signature using the ledger's key
// ring. It does not re-aggregate the underlying entries.
func (l *Ledger) VerifyProof(ctx context.Context, p PeriodProof) (bool, error) {
	digestHex, err := ProofDigest(p)
	if err != nil {
		return false, err
	}
	if digestHex != p.Digest {
		return false, nil
	}
	digest, err := hex.DecodeString(p.Digest)
	if err != nil {
		return false, nil
	}
	sig, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return false, nil
	}
	return l.keys.Verify(ctx, p.KeyID, digest, sig)
}

// RedisProofCache backs the proof cache with redis, keeping restarts from
// reissuing divergent artifacts within a TTL.
type RedisProofCache struct {
	rdb *redis.Client
}

func NewRedisProofCache(rdb *redis.Client) *RedisProofCache {
	return &RedisProofCache{rdb: rdb}
}

func (c *RedisProofCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return raw, true, nil
}

func (c *RedisProofCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// MemoryProofCache is the in-process cache used in tests and single-node
// deployments.
type MemoryProofCache struct {
	mu      sync.Mutex
	now     func() time.Time
	entries map[string]memoryCacheEntry
}

type memoryCacheEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemoryProofCache(now func() time.Time) *MemoryProofCache {
	if now == nil {
		now = time.Now
	}
	return &MemoryProofCache{now: now, entries: make(map[string]memoryCacheEntry)}
}

func (c *MemoryProofCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

func (c *MemoryProofCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	stored := make([]byte, len(value))
	copy(stored, value)
	c.entries[key] = memoryCacheEntry{value: stored, expiresAt: c.now().Add(ttl)}
	return nil
}
