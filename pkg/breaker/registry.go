package breaker

import (
	"sync"
)

// Registry owns one breaker per dependency name, created lazily on first
// access and reused by every caller of that dependency.
type Registry struct {
	cfg  Config
	opts []Option

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry builds a registry whose breakers share cfg and opts.
func NewRegistry(cfg Config, opts ...Option) (*Registry, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Registry{
		cfg:      cfg,
		opts:     opts,
		breakers: make(map[string]*Breaker),
	}, nil
}

// Get returns the breaker for name, creating it on first access.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	b, err := New(name, r.cfg, r.opts...)
	if err != nil {
		// cfg was validated in NewRegistry.
		panic(err)
	}
	r.breakers[name] = b
	return b
}

// Snapshots returns the current state of every breaker.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	return out
}

// Health reports the average success percentage across all breakers.
// A breaker with no traffic counts as 100%.
func (r *Registry) Health() float64 {
	snaps := r.Snapshots()
	if len(snaps) == 0 {
		return 100
	}
	var sum float64
	for _, s := range snaps {
		if s.TotalRequests == 0 {
			sum += 100
			continue
		}
		sum += 100 * float64(s.TotalSuccesses) / float64(s.TotalRequests)
	}
	return sum / float64(len(snaps))
}
