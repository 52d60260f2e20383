// Package breaker implements the keyed circuit breakers that gate provider,
// endpoint and vendor-type eligibility.
//
// Every unit follows the same state machine:
//
//	Closed    eligible; failures are counted.
//	Open      ineligible until OpenDuration has elapsed since openedAt.
//	HalfOpen  a bounded batch of trial requests is admitted.
//
// The Open → HalfOpen transition is evaluated lazily on every query, so no
// background timers exist and tests can drive time through an injected clock.
package breaker

import (
	"sort"
	"sync"
	"time"
)

// State is the operational state of one breaker unit.
type State int

const (
	Closed   State = 0
	Open     State = 1
	HalfOpen State = 2
)

// String returns "closed", "open" or "half_open".
func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Default tuning values used when a Config field is zero.
const (
	DefaultFailureThreshold  = 5
	DefaultOpenDuration      = 30 * time.Second
	DefaultHalfOpenSuccesses = 1
	DefaultHalfOpenTrials    = 1
)

// Config holds breaker tuning parameters. Zero values fall back to the
// package defaults.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens a
	// closed unit.
	FailureThreshold int

	// OpenDuration is how long an open unit rejects traffic before it
	// reports half_open.
	OpenDuration time.Duration

	// HalfOpenSuccesses is the number of trial successes required to close.
	HalfOpenSuccesses int

	// HalfOpenTrials is the size of one half-open trial batch: how many
	// requests may be in flight against a half-open unit at once.
	HalfOpenTrials int
}

func (c Config) failureThreshold() int {
	if c.FailureThreshold > 0 {
		return c.FailureThreshold
	}
	return DefaultFailureThreshold
}

func (c Config) openDuration() time.Duration {
	if c.OpenDuration > 0 {
		return c.OpenDuration
	}
	return DefaultOpenDuration
}

func (c Config) halfOpenSuccesses() int {
	if c.HalfOpenSuccesses > 0 {
		return c.HalfOpenSuccesses
	}
	return DefaultHalfOpenSuccesses
}

func (c Config) halfOpenTrials() int {
	if c.HalfOpenTrials > 0 {
		return c.HalfOpenTrials
	}
	return DefaultHalfOpenTrials
}

// Observer is notified after a unit changes state.
type Observer func(tier, key string, to State)

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithObserver registers a state transition callback. The callback runs
// outside the unit lock.
func WithObserver(fn Observer) Option {
	return func(b *Breaker) { b.observe = fn }
}

// unit holds the state of one keyed breaker.
type unit struct {
	mu sync.Mutex

	state          State
	failures       int
	openedAt       time.Time
	trialSuccesses int
	trialsInflight int
	lastReason     string
}

// Breaker is a set of independently keyed units sharing one Config.
// It is safe for concurrent use; each unit has its own mutex so that
// unrelated keys never contend.
type Breaker struct {
	tier    string
	cfg     Config
	now     func() time.Time
	observe Observer

	units sync.Map // string → *unit
}

// New creates a Breaker for the named tier ("provider", "endpoint", ...).
func New(tier string, cfg Config, opts ...Option) *Breaker {
	b := &Breaker{tier: tier, cfg: cfg, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Tier returns the tier label given to New.
func (b *Breaker) Tier() string { return b.tier }

// Config returns the effective tuning parameters.
func (b *Breaker) Config() Config {
	return Config{
		FailureThreshold:  b.cfg.failureThreshold(),
		OpenDuration:      b.cfg.openDuration(),
		HalfOpenSuccesses: b.cfg.halfOpenSuccesses(),
		HalfOpenTrials:    b.cfg.halfOpenTrials(),
	}
}

// Peek returns the current state of key without claiming a trial slot.
// Unknown keys report Closed and are not materialised.
func (b *Breaker) Peek(key string) State {
	u := b.lookup(key)
	if u == nil {
		return Closed
	}
	u.mu.Lock()
	st, changed := b.advance(u)
	u.mu.Unlock()
	b.notify(key, st, changed)
	return st
}

// Allows reports whether key would currently admit a request, without
// consuming a half-open trial slot. The selector uses it for filtering.
func (b *Breaker) Allows(key string) bool {
	u := b.lookup(key)
	if u == nil {
		return true
	}
	u.mu.Lock()
	st, changed := b.advance(u)
	ok := st == Closed || (st == HalfOpen && u.trialsInflight < b.cfg.halfOpenTrials())
	u.mu.Unlock()
	b.notify(key, st, changed)
	return ok
}

// IsEligible reports whether key may receive the next request. In the
// half-open state it claims one slot of the current trial batch, so it
// returns true at most HalfOpenTrials times until an outcome is recorded.
func (b *Breaker) IsEligible(key string) bool {
	u := b.lookup(key)
	if u == nil {
		return true
	}
	u.mu.Lock()
	st, changed := b.advance(u)
	ok := false
	switch st {
	case Closed:
		ok = true
	case HalfOpen:
		if u.trialsInflight < b.cfg.halfOpenTrials() {
			u.trialsInflight++
			ok = true
		}
	}
	u.mu.Unlock()
	b.notify(key, st, changed)
	return ok
}

// Release returns a half-open trial slot claimed by IsEligible when no
// outcome will be recorded for it, for example after a client abort.
func (b *Breaker) Release(key string) {
	u := b.lookup(key)
	if u == nil {
		return
	}
	u.mu.Lock()
	st, changed := b.advance(u)
	if st == HalfOpen && u.trialsInflight > 0 {
		u.trialsInflight--
	}
	u.mu.Unlock()
	b.notify(key, st, changed)
}

// RecordSuccess registers a successful outcome for key. On a closed unit it
// only resets the failure counter, which makes repeated calls a no-op.
func (b *Breaker) RecordSuccess(key string) {
	u := b.lookup(key)
	if u == nil {
		return
	}
	u.mu.Lock()
	st, changed := b.advance(u)
	switch st {
	case Closed:
		u.failures = 0
	case HalfOpen:
		u.trialSuccesses++
		if u.trialSuccesses >= b.cfg.halfOpenSuccesses() {
			u.state = Closed
			u.failures = 0
			u.trialSuccesses = 0
			u.trialsInflight = 0
			u.lastReason = ""
			st, changed = Closed, true
		} else {
			// Next trial batch.
			u.trialsInflight = 0
		}
	}
	u.mu.Unlock()
	b.notify(key, st, changed)
}

// RecordFailure registers a failed outcome for key with its classified
// reason. A closed unit opens once FailureThreshold is reached; a half-open
// unit re-opens immediately and restarts the open timer.
func (b *Breaker) RecordFailure(key, reason string) {
	u := b.materialise(key)
	u.mu.Lock()
	st, changed := b.advance(u)
	u.lastReason = reason
	switch st {
	case Closed:
		u.failures++
		if u.failures >= b.cfg.failureThreshold() {
			b.trip(u)
			st, changed = Open, true
		}
	case HalfOpen:
		u.failures++
		b.trip(u)
		st, changed = Open, true
	case Open:
		u.failures++
	}
	u.mu.Unlock()
	b.notify(key, st, changed)
}

// Trip forces key open regardless of its failure count.
func (b *Breaker) Trip(key, reason string) {
	u := b.materialise(key)
	u.mu.Lock()
	prev := u.state
	u.lastReason = reason
	u.failures++
	b.trip(u)
	u.mu.Unlock()
	b.notify(key, Open, prev != Open)
}

// Health is a read-only view of one unit for dashboards.
type Health struct {
	Tier      string     `json:"tier"`
	Key       string     `json:"key"`
	State     string     `json:"state"`
	Failures  int        `json:"failure_count"`
	Threshold int        `json:"failure_threshold"`
	OpenedAt  *time.Time `json:"opened_at,omitempty"`
	OpenUntil *time.Time `json:"open_until,omitempty"`
	Reason    string     `json:"last_failure_reason,omitempty"`
}

// Snapshot returns the health of every materialised unit, sorted by key.
func (b *Breaker) Snapshot() []Health {
	var out []Health
	b.units.Range(func(k, v any) bool {
		key := k.(string)
		u := v.(*unit)
		u.mu.Lock()
		st, _ := b.advance(u)
		h := Health{
			Tier:      b.tier,
			Key:       key,
			State:     st.String(),
			Failures:  u.failures,
			Threshold: b.cfg.failureThreshold(),
			Reason:    u.lastReason,
		}
		if !u.openedAt.IsZero() && st != Closed {
			opened := u.openedAt
			until := opened.Add(b.cfg.openDuration())
			h.OpenedAt, h.OpenUntil = &opened, &until
		}
		u.mu.Unlock()
		out = append(out, h)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (b *Breaker) lookup(key string) *unit {
	v, ok := b.units.Load(key)
	if !ok {
		return nil
	}
	return v.(*unit)
}

func (b *Breaker) materialise(key string) *unit {
	if u := b.lookup(key); u != nil {
		return u
	}
	v, _ := b.units.LoadOrStore(key, &unit{})
	return v.(*unit)
}

// advance applies the lazy Open → HalfOpen transition. Caller holds u.mu.
func (b *Breaker) advance(u *unit) (State, bool) {
	if u.state == Open && b.now().Sub(u.openedAt) >= b.cfg.openDuration() {
		u.state = HalfOpen
		u.trialSuccesses = 0
		u.trialsInflight = 0
		return HalfOpen, true
	}
	return u.state, false
}

// trip opens u and restarts its timer. Caller holds u.mu.
func (b *Breaker) trip(u *unit) {
	u.state = Open
	u.openedAt = b.now()
	u.trialSuccesses = 0
	u.trialsInflight = 0
}

func (b *Breaker) notify(key string, st State, changed bool) {
	if changed && b.observe != nil {
		b.observe(b.tier, key, st)
	}
}
