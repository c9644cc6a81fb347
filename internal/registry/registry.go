// Package registry owns the set of accepted inbound bearer tokens.
// It validates presented tokens, tracks per-token usage, and persists
// counters across restarts. An empty registry is the distinguished
// "auth disabled" state: validation succeeds with no record and the
// relay runs in passthrough mode.
package registry

import (
	"crypto/subtle"
	"log/slog"
	"sync"
	"time"

	"searchrelay/internal/config"
	"searchrelay/internal/state"
)

// Reason explains why a presented token was rejected. The zero value
// means no rejection.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonNotFound
	ReasonDisabled
	ReasonExpired
	ReasonMalformedHeader
)

// String returns the machine-readable reason code surfaced to callers.
func (r Reason) String() string {
	switch r {
	case ReasonNotFound:
		return "not_found"
	case ReasonDisabled:
		return "disabled"
	case ReasonExpired:
		return "expired"
	case ReasonMalformedHeader:
		return "malformed_header"
	default:
		return "none"
	}
}

// Record is one accepted inbound token and its bookkeeping state.
type Record struct {
	Value      string
	Owner      string
	Role       config.Role
	ExpiresAt  *time.Time
	Active     bool
	CreatedAt  time.Time
	LastUsedAt time.Time
	UsageCount int64
}

// Result is the outcome of validating a presented token. Valid with a
// nil Record means the registry is empty and auth is disabled.
type Result struct {
	Valid  bool
	Reason Reason
	Record *Record
}

// Registry holds all token records. Safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	records     []*Record
	store       *state.Store
	logger      *slog.Logger
	persistWarn sync.Once

	// now is swappable for tests.
	now func() time.Time
}

// New builds a registry from parsed token specs. Duplicate values are
// resolved last-write-wins. When specs is empty and legacyAdmin is
// set, a single admin record is created instead; any configured
// multi-token entry suppresses the legacy admin fallback entirely.
// Persisted usage counters and the administrative active flag are
// restored when a store is available.
func New(specs []config.TokenSpec, legacyAdmin string, store *state.Store, logger *slog.Logger) *Registry {
	r := &Registry{
		store:  store,
		logger: logger,
		now:    time.Now,
	}

	if len(specs) == 0 && legacyAdmin != "" {
		specs = []config.TokenSpec{{
			Value:  legacyAdmin,
			Owner:  "admin",
			Role:   config.RoleAdmin,
			Active: true,
		}}
	}

	byValue := make(map[string]int)

	for _, spec := range specs {
		rec := &Record{
			Value:     spec.Value,
			Owner:     spec.Owner,
			Role:      spec.Role,
			ExpiresAt: spec.ExpiresAt,
			Active:    spec.Active,
			CreatedAt: r.now(),
		}

		if idx, dup := byValue[spec.Value]; dup {
			r.records[idx] = rec
			continue
		}

		byValue[spec.Value] = len(r.records)
		r.records = append(r.records, rec)
	}

	if store != nil {
		for _, rec := range r.records {
			persisted := store.GetToken(state.SecretKey(rec.Value))
			if persisted == nil {
				continue
			}

			rec.UsageCount = persisted.Count
			if persisted.LastEventAt > 0 {
				rec.LastUsedAt = time.Unix(persisted.LastEventAt, 0)
			}

			// An administrative disable survives restart.
			if !persisted.Flag {
				rec.Active = false
			}
		}
	}

	return r
}

// IsEmpty reports whether no tokens are configured (auth disabled).
func (r *Registry) IsEmpty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.records) == 0
}

// Validate checks a presented token against every stored value. It is
// total: any string input, including the empty string, produces a
// Result without panicking. An empty registry validates everything
// with a nil record (passthrough mode).
func (r *Registry) Validate(presented string) Result {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.records) == 0 {
		return Result{Valid: true}
	}

	match := r.lookup(presented)
	if match == nil {
		return Result{Reason: ReasonNotFound}
	}

	if !match.Active {
		return Result{Reason: ReasonDisabled}
	}

	if match.ExpiresAt != nil && !r.now().Before(*match.ExpiresAt) {
		return Result{Reason: ReasonExpired}
	}

	return Result{Valid: true, Record: match}
}

// RecordUsage bumps the usage counters for a matching token and
// persists them. A non-matching value is a no-op.
func (r *Registry) RecordUsage(presented string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	match := r.lookup(presented)
	if match == nil {
		return
	}

	match.LastUsedAt = r.now()
	match.UsageCount++

	r.persist(match)
}

// RoleOf returns the role of a matching token.
func (r *Registry) RoleOf(presented string) (config.Role, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	match := r.lookup(presented)
	if match == nil {
		return "", false
	}

	return match.Role, true
}

// SetActive administratively enables or disables a token without
// removing it. Reports whether a matching token was found.
func (r *Registry) SetActive(presented string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	match := r.lookup(presented)
	if match == nil {
		return false
	}

	match.Active = active
	r.persist(match)

	r.logger.Info("token active flag changed",
		slog.String("token", MaskToken(match.Value)),
		slog.Bool("active", active),
	)

	return true
}

// lookup scans every record with a length check followed by a
// constant-time comparison, so a mismatch reveals nothing about how
// much of a prefix was correct. Callers hold r.mu.
func (r *Registry) lookup(presented string) *Record {
	if presented == "" {
		return nil
	}

	var match *Record

	for _, rec := range r.records {
		if len(rec.Value) != len(presented) {
			continue
		}

		if subtle.ConstantTimeCompare([]byte(rec.Value), []byte(presented)) == 1 {
			match = rec
		}
	}

	return match
}

// persist writes a token's counters to the store, fire-and-forget.
// Store failures degrade to in-memory-only operation, logged once.
// Callers hold r.mu.
func (r *Registry) persist(rec *Record) {
	if r.store == nil {
		return
	}

	record := state.Record{
		Count: rec.UsageCount,
		Flag:  rec.Active,
	}
	if !rec.LastUsedAt.IsZero() {
		record.LastEventAt = rec.LastUsedAt.Unix()
	}

	if err := r.store.SaveToken(state.SecretKey(rec.Value), record); err != nil {
		r.persistWarn.Do(func() {
			r.logger.Warn("state store unavailable, continuing in-memory only", slog.Any("error", err))
		})
	}
}
