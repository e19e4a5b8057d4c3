package realtime

import (
	"math/rand/v2"
	"sync"
	"time"
)

// stableAfter is how long a connection must survive before the attempt
// counter is forgiven.
const stableAfter = 60 * time.Second

// Policy configures redial after an unexpected drop.
type Policy struct {
	Enabled     bool
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // zero means unlimited
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{Enabled: true, BaseDelay: time.Second, MaxDelay: 30 * time.Second, MaxAttempts: 10}
}

type reconnector struct {
	mu          sync.Mutex
	policy      Policy
	attempt     int
	connectedAt time.Time
	now         func() time.Time
	jitter      func() float64
}

func newReconnector(p Policy) *reconnector {
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	return &reconnector{policy: p, now: time.Now, jitter: rand.Float64}
}

func (r *reconnector) shouldRetry() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy.MaxAttempts == 0 || r.attempt < r.policy.MaxAttempts
}

func (r *reconnector) markConnected() {
	r.mu.Lock()
	r.connectedAt = r.now()
	r.mu.Unlock()
}

// nextDelay returns min(base*2^attempt + jitter, max) and counts the attempt.
func (r *reconnector) nextDelay() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	base := r.policy.BaseDelay
	delay := r.policy.MaxDelay
	if r.attempt < 31 {
		jitter := time.Duration(r.jitter() * float64(base) * 0.5)
		if d := base<<r.attempt + jitter; d > 0 && d < delay {
			delay = d
		}
	}
	r.attempt++
	return delay
}

// markDropped forgives earlier attempts if the connection that just dropped
// had been stable.
func (r *reconnector) markDropped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connectedAt.IsZero() && r.now().Sub(r.connectedAt) > stableAfter {
		r.attempt = 0
	}
	r.connectedAt = time.Time{}
}

func (r *reconnector) reset() {
	r.mu.Lock()
	r.attempt = 0
	r.connectedAt = time.Time{}
	r.mu.Unlock()
}
