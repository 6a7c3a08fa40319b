// Package keypool load-balances work across the analysis service credentials.
// Leases observe a per-credential concurrency cap and advisory rate-limit
// cooldowns; selection is least-loaded with oldest-use tie-breaking so load
// round-robins fairly under contention.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

var (
	// ErrNoCapacity is returned when no credential became available within
	// the acquire timeout.
	ErrNoCapacity = errors.New("no credential capacity available")
	ErrEmptyPool  = errors.New("credential pool is empty")
)

// acquirePollInterval bounds the busy-wait in Acquire. Release does not wake
// waiters directly; fairness within one poll tick is acceptable.
const acquirePollInterval = 25 * time.Millisecond

// Credential is one opaque secret granting a quota slice on the analysis
// service. All fields beyond ID/Secret are guarded by the pool mutex.
type Credential struct {
	ID     string
	Secret string

	inFlight      int
	lastUsedAt    time.Time
	cooldownUntil time.Time
	errorCount    int
}

// Status is a point-in-time view of the pool, published with progress
// snapshots.
type Status struct {
	Total       int `json:"total"`
	Available   int `json:"available"`
	CoolingDown int `json:"cooling_down"`
	InFlight    int `json:"in_flight"`
}

// Pool tracks N credentials behind one mutex.
type Pool struct {
	mu         sync.Mutex
	creds      []*Credential
	perCredCap int
	cooldown   time.Duration

	// AcquireTimeout bounds waiting inside RunWithAll. Zero means 30s.
	AcquireTimeout time.Duration

	// onCooldown is invoked (outside the lock) when a credential is rate
	// limited; wired to logging/metrics by the daemon.
	onCooldown func(credID string, until time.Time)
}

// New builds a pool from the configured secrets. Credential IDs are stable
// positional names; secrets never appear in logs or errors.
func New(secrets []string, perCredCap int, cooldown time.Duration) (*Pool, error) {
	if len(secrets) == 0 {
		return nil, ErrEmptyPool
	}
	if perCredCap <= 0 {
		perCredCap = 1
	}
	p := &Pool{perCredCap: perCredCap, cooldown: cooldown}
	for i, s := range secrets {
		p.creds = append(p.creds, &Credential{
			ID:     fmt.Sprintf("cred-%d", i),
			Secret: s,
		})
	}
	return p, nil
}

// SetCooldownHook registers the observer for rate-limit cooldowns.
func (p *Pool) SetCooldownHook(fn func(credID string, until time.Time)) {
	p.onCooldown = fn
}

// Size returns the number of credentials.
func (p *Pool) Size() int { return len(p.creds) }

// MaxConcurrency returns the aggregate lease cap.
func (p *Pool) MaxConcurrency() int { return len(p.creds) * p.perCredCap }

// Credentials returns the credential handles, for the per-credential upload
// fan-out. Callers must not touch lease state directly.
func (p *Pool) Credentials() []*Credential {
	out := make([]*Credential, len(p.creds))
	copy(out, p.creds)
	return out
}

// Acquire returns the best available credential or ErrNoCapacity once the
// timeout elapses. Selection: skip cooling-down, skip at-cap, take minimum
// in-flight, break ties by oldest last use.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Credential, error) {
	deadline := time.Now().Add(timeout)
	for {
		if c := p.tryAcquire(time.Now()); c != nil {
			return c, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("%w: waited %v", ErrNoCapacity, timeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(acquirePollInterval):
		}
	}
}

func (p *Pool) tryAcquire(now time.Time) *Credential {
	p.mu.Lock()
	defer p.mu.Unlock()

	var best *Credential
	for _, c := range p.creds {
		if now.Before(c.cooldownUntil) {
			continue
		}
		if c.inFlight >= p.perCredCap {
			continue
		}
		if best == nil ||
			c.inFlight < best.inFlight ||
			(c.inFlight == best.inFlight && c.lastUsedAt.Before(best.lastUsedAt)) {
			best = c
		}
	}
	if best == nil {
		return nil
	}
	best.inFlight++
	best.lastUsedAt = now
	return best
}

// Release returns a lease. A rate-limited release puts the credential in
// cooldown; the rate-limit determination is the caller's (it saw the error).
// Cooldowns are advisory: capacity freed elsewhere may still serve callers
// before they expire.
func (p *Pool) Release(c *Credential, hadError, rateLimited bool) {
	var hook func(string, time.Time)
	var until time.Time

	p.mu.Lock()
	if c.inFlight > 0 {
		c.inFlight--
	}
	if hadError {
		c.errorCount++
	}
	if rateLimited {
		until = time.Now().Add(p.cooldown)
		c.cooldownUntil = until
		hook = p.onCooldown
	}
	p.mu.Unlock()

	if hook != nil {
		hook(c.ID, until)
	}
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	st := Status{Total: len(p.creds)}
	for _, c := range p.creds {
		st.InFlight += c.inFlight
		if now.Before(c.cooldownUntil) {
			st.CoolingDown++
		} else if c.inFlight < p.perCredCap {
			st.Available++
		}
	}
	return st
}

// Available returns how many credentials can take more work right now.
func (p *Pool) Available() int { return p.Stats().Available }

// ErrorCount returns the accounting error counter for a credential.
func (p *Pool) ErrorCount(c *Credential) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.errorCount
}

// InFlight returns a credential's current lease count.
func (p *Pool) InFlight(c *Credential) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return c.inFlight
}

func (p *Pool) acquireTimeout() time.Duration {
	if p.AcquireTimeout > 0 {
		return p.AcquireTimeout
	}
	return 30 * time.Second
}

// Task is one unit of pool-driven work. It runs with a leased credential and
// reports its result through the returned error.
type Task func(ctx context.Context, cred *Credential) error

// RunWithAll drives len(tasks) work units through the pool, each borrowing a
// credential for its duration. maxConcurrency (≤ MaxConcurrency, 0 for the
// pool cap) bounds the batch with a weighted semaphore. rateLimited
// classifies task errors for cooldown marking; nil means no cooldowns.
// The returned slice holds each task's error at its index.
func (p *Pool) RunWithAll(ctx context.Context, tasks []Task, maxConcurrency int, rateLimited func(error) bool) []error {
	limit := p.MaxConcurrency()
	if maxConcurrency > 0 && maxConcurrency < limit {
		limit = maxConcurrency
	}

	sem := semaphore.NewWeighted(int64(limit))
	errs := make([]error, len(tasks))
	var wg sync.WaitGroup

	for i, task := range tasks {
		if err := sem.Acquire(ctx, 1); err != nil {
			errs[i] = err
			continue
		}
		wg.Add(1)
		go func(i int, task Task) {
			defer wg.Done()
			defer sem.Release(1)

			cred, err := p.Acquire(ctx, p.acquireTimeout())
			if err != nil {
				errs[i] = err
				return
			}
			err = task(ctx, cred)
			errs[i] = err
			p.Release(cred, err != nil, err != nil && rateLimited != nil && rateLimited(err))
		}(i, task)
	}

	wg.Wait()
	return errs
}
