// Package pool manages the ordered set of upstream API keys and their
// health state. It selects the active key, cools down keys that hit
// quota failures, and permanently retires keys that keep failing.
package pool

import (
	"log/slog"
	"sync"
	"time"

	"searchrelay/internal/state"
)

// Status is a point-in-time classification of the pool's credentials.
// Active means not dead and not in cooldown.
type Status struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Cooldown int `json:"cooldown"`
	Dead     int `json:"dead"`
}

// credential is one upstream secret plus its health state. A zero
// failedAt means the credential has never failed or has recovered.
// retryCount only ever grows; cooldown recovery does not reset it, so
// a key that fails once per cooldown cycle eventually dies for good.
type credential struct {
	secret     string
	hash       string
	failedAt   time.Time
	retryCount int
	dead       bool
}

// Pool owns the credential list and rotation cursor. The pool size is
// fixed after construction; all mutation goes through RecordFailure
// and Reset. Safe for concurrent use.
type Pool struct {
	mu          sync.Mutex
	creds       []*credential
	cursor      int
	cooldown    time.Duration
	maxRetries  int
	store       *state.Store
	logger      *slog.Logger
	persistWarn sync.Once

	// now is swappable for tests.
	now func() time.Time
}

// New builds a pool over the given secrets, restoring persisted
// failure counters when a store is available. A nil store degrades the
// pool to in-memory-only operation.
func New(secrets []string, cooldown time.Duration, maxRetries int, store *state.Store, logger *slog.Logger) *Pool {
	p := &Pool{
		cooldown:   cooldown,
		maxRetries: maxRetries,
		store:      store,
		logger:     logger,
		now:        time.Now,
	}

	for _, secret := range secrets {
		c := &credential{
			secret: secret,
			hash:   state.SecretKey(secret),
		}

		if store != nil {
			if r := store.GetCredential(c.hash); r != nil {
				c.retryCount = int(r.Count)
				c.dead = r.Flag

				if r.LastEventAt > 0 {
					c.failedAt = time.Unix(r.LastEventAt, 0)
				}
			}
		}

		p.creds = append(p.creds, c)
	}

	return p
}

// Size returns the number of credentials in the pool.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.creds)
}

// ActiveCredential returns the first selectable credential at or after
// the cursor in round-robin order. A credential whose cooldown has
// elapsed is recovered here: its failedAt is cleared (retryCount is
// not). The cursor does not move on a read; only rotation advances it.
// Returns false when every credential is dead or cooling down.
func (p *Pool) ActiveCredential() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.creds)
	for i := 0; i < n; i++ {
		c := p.creds[(p.cursor+i)%n]
		if p.selectable(c) {
			return c.secret, true
		}
	}

	return "", false
}

// RecordFailure marks the credential at the cursor with a quota-class
// failure and rotates to the next available credential. It reports
// whether rotation found one; false means the pool is exhausted and
// the cursor is back at the failed credential.
//
// Redundant calls are safe: two requests that observed the same
// failure each increment retryCount, which at worst retires the key
// sooner than strictly necessary.
func (p *Pool) RecordFailure(reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.creds)
	if n == 0 {
		return false
	}

	c := p.creds[p.cursor]
	c.failedAt = p.now()
	c.retryCount++

	if c.retryCount >= p.maxRetries {
		c.dead = true
	}

	p.logger.Warn("upstream credential failed",
		slog.Int("index", p.cursor),
		slog.String("reason", reason),
		slog.Int("retry_count", c.retryCount),
		slog.Bool("dead", c.dead),
	)

	p.persist(c)

	for i := 1; i < n; i++ {
		idx := (p.cursor + i) % n
		if p.selectable(p.creds[idx]) {
			p.cursor = idx
			return true
		}
	}

	return false
}

// Status classifies every credential. A credential whose cooldown has
// elapsed but has not been re-selected yet counts as active.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Status{Total: len(p.creds)}

	for _, c := range p.creds {
		switch {
		case c.dead:
			s.Dead++
		case !c.failedAt.IsZero() && p.now().Sub(c.failedAt) < p.cooldown:
			s.Cooldown++
		default:
			s.Active++
		}
	}

	return s
}

// Reset clears failure state for every credential and rewinds the
// cursor. Administrative use only.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, c := range p.creds {
		c.failedAt = time.Time{}
		c.retryCount = 0
		c.dead = false
		p.persist(c)
	}

	p.cursor = 0

	p.logger.Info("credential pool reset", slog.Int("total", len(p.creds)))
}

// selectable reports whether a credential may serve traffic, clearing
// an elapsed cooldown as a side effect. Callers hold p.mu.
func (p *Pool) selectable(c *credential) bool {
	if c.dead {
		return false
	}

	if c.failedAt.IsZero() {
		return true
	}

	if p.now().Sub(c.failedAt) >= p.cooldown {
		c.failedAt = time.Time{}
		p.persist(c)

		return true
	}

	return false
}

// persist writes a credential's counters to the store, fire-and-forget.
// Store failures degrade to in-memory-only operation, logged once.
// Callers hold p.mu.
func (p *Pool) persist(c *credential) {
	if p.store == nil {
		return
	}

	r := state.Record{
		Count: int64(c.retryCount),
		Flag:  c.dead,
	}
	if !c.failedAt.IsZero() {
		r.LastEventAt = c.failedAt.Unix()
	}

	if err := p.store.SaveCredential(c.hash, r); err != nil {
		p.persistWarn.Do(func() {
			p.logger.Warn("state store unavailable, continuing in-memory only", slog.Any("error", err))
		})
	}
}
