// Package ratelimit bounds how often a principal may perform a metered write
// action. Each principal keeps an ordered list of admitted action timestamps
// which is checked against every configured horizon.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	coreerrors "moltmart/core/errors"
)

// Window admits at most Limit actions in any rolling Span.
type Window struct {
	Limit int
	Span  time.Duration
}

// String renders the window the way it is reported to callers, e.g. "3 per hour".
func (w Window) String() string {
	switch w.Span {
	case time.Hour:
		return fmt.Sprintf("%d per hour", w.Limit)
	case 24 * time.Hour:
		return fmt.Sprintf("%d per day", w.Limit)
	case time.Minute:
		return fmt.Sprintf("%d per minute", w.Limit)
	}
	return fmt.Sprintf("%d per %s", w.Limit, w.Span)
}

// DefaultListingWindows is the listing policy: 3 per rolling hour and 10 per rolling day.
var DefaultListingWindows = []Window{
	{Limit: 3, Span: time.Hour},
	{Limit: 10, Span: 24 * time.Hour},
}

// Persistence stores each principal's admitted timestamps so windows survive restarts.
type Persistence interface {
	LoadWindow(ctx context.Context, scope, principal string) ([]time.Time, error)
	SaveWindow(ctx context.Context, scope, principal string, stamps []time.Time) error
}

type principalState struct {
	mu     sync.Mutex
	loaded bool
	stamps []time.Time
}

// Limiter is a sliding-window limiter over one or more horizons. The
// read-then-append of Reserve is atomic per principal.
type Limiter struct {
	scope       string
	windows     []Window
	longest     time.Duration
	persistence Persistence
	nowFn       func() time.Time
	logger      *slog.Logger

	mu         sync.Mutex
	principals map[string]*principalState
}

// Option customises a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.nowFn = now
		}
	}
}

// WithPersistence stores windows in p.
func WithPersistence(p Persistence) Option {
	return func(l *Limiter) { l.persistence = p }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New builds a limiter for the named scope. Windows with a non-positive
// limit or span are ignored; with none left, DefaultListingWindows apply.
func New(scope string, windows []Window, opts ...Option) *Limiter {
	valid := make([]Window, 0, len(windows))
	for _, w := range windows {
		if w.Limit > 0 && w.Span > 0 {
			valid = append(valid, w)
		}
	}
	if len(valid) == 0 {
		valid = append(valid, DefaultListingWindows...)
	}
	sort.Slice(valid, func(i, j int) bool { return valid[i].Span < valid[j].Span })
	l := &Limiter{
		scope:      scope,
		windows:    valid,
		longest:    valid[len(valid)-1].Span,
		nowFn:      time.Now,
		logger:     slog.Default(),
		principals: make(map[string]*principalState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Windows returns the effective policy, shortest horizon first.
func (l *Limiter) Windows() []Window {
	out := make([]Window, len(l.windows))
	copy(out, l.windows)
	return out
}

// Reservation is an admitted slot. Cancel returns the slot when the guarded
// action fails before completion.
type Reservation struct {
	limiter   *Limiter
	principal string
	at        time.Time

	once sync.Once
}

// Cancel removes the reserved timestamp. Calling it more than once is a no-op.
func (r *Reservation) Cancel(ctx context.Context) {
	if r == nil || r.limiter == nil {
		return
	}
	r.once.Do(func() { r.limiter.release(ctx, r.principal, r.at) })
}

// Reserve admits one action for principal or returns a RateLimitExceeded
// error carrying the violated limit and the seconds until a slot frees.
func (l *Limiter) Reserve(ctx context.Context, principal string) (*Reservation, error) {
	state := l.state(principal)
	state.mu.Lock()
	defer state.mu.Unlock()

	if err := l.load(ctx, principal, state); err != nil {
		return nil, err
	}
	now := l.nowFn()
	state.stamps = prune(state.stamps, now.Add(-l.longest))

	for _, w := range l.windows {
		inWindow := within(state.stamps, now.Add(-w.Span))
		count := len(inWindow)
		if count < w.Limit {
			continue
		}
		oldest := inWindow[count-w.Limit]
		retryAfter := oldest.Add(w.Span).Sub(now)
		return nil, exceeded(w, retryAfter)
	}

	state.stamps = append(state.stamps, now)
	if err := l.save(ctx, principal, state.stamps); err != nil {
		state.stamps = state.stamps[:len(state.stamps)-1]
		return nil, err
	}
	return &Reservation{limiter: l, principal: principal, at: now}, nil
}

// Remaining reports how many more actions each window would currently admit.
func (l *Limiter) Remaining(ctx context.Context, principal string) (map[string]int, error) {
	state := l.state(principal)
	state.mu.Lock()
	defer state.mu.Unlock()
	if err := l.load(ctx, principal, state); err != nil {
		return nil, err
	}
	now := l.nowFn()
	out := make(map[string]int, len(l.windows))
	for _, w := range l.windows {
		left := w.Limit - len(within(state.stamps, now.Add(-w.Span)))
		if left < 0 {
			left = 0
		}
		out[w.String()] = left
	}
	return out, nil
}

func (l *Limiter) release(ctx context.Context, principal string, at time.Time) {
	state := l.state(principal)
	state.mu.Lock()
	defer state.mu.Unlock()
	for i, ts := range state.stamps {
		if ts.Equal(at) {
			state.stamps = append(state.stamps[:i], state.stamps[i+1:]...)
			break
		}
	}
	if err := l.save(ctx, principal, state.stamps); err != nil {
		l.logger.Warn("rate window release not persisted", "scope", l.scope, "principal", principal, "error", err)
	}
}

func (l *Limiter) state(principal string) *principalState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.principals[principal]
	if !ok {
		st = &principalState{}
		l.principals[principal] = st
	}
	return st
}

func (l *Limiter) load(ctx context.Context, principal string, state *principalState) error {
	if state.loaded {
		return nil
	}
	if l.persistence != nil {
		stamps, err := l.persistence.LoadWindow(ctx, l.scope, principal)
		if err != nil {
			return coreerrors.Internal(fmt.Errorf("load rate window: %w", err))
		}
		sort.Slice(stamps, func(i, j int) bool { return stamps[i].Before(stamps[j]) })
		state.stamps = stamps
	}
	state.loaded = true
	return nil
}

func (l *Limiter) save(ctx context.Context, principal string, stamps []time.Time) error {
	if l.persistence == nil {
		return nil
	}
	if err := l.persistence.SaveWindow(ctx, l.scope, principal, stamps); err != nil {
		return coreerrors.Internal(fmt.Errorf("save rate window: %w", err))
	}
	return nil
}

// prune drops timestamps at or before cutoff. stamps is sorted ascending.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := sort.Search(len(stamps), func(i int) bool { return stamps[i].After(cutoff) })
	if idx == 0 {
		return stamps
	}
	return append(stamps[:0], stamps[idx:]...)
}

// within returns the suffix of stamps newer than cutoff.
func within(stamps []time.Time, cutoff time.Time) []time.Time {
	idx := sort.Search(len(stamps), func(i int) bool { return stamps[i].After(cutoff) })
	return stamps[idx:]
}

func exceeded(w Window, retryAfter time.Duration) error {
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	return coreerrors.New(coreerrors.CodeRateLimitExceeded, "rate limit exceeded").
		WithDetail("limit", w.String()).
		WithDetail("retryAfterSeconds", seconds)
}

// RetryAfter extracts the retry delay from a rate-limit error.
func RetryAfter(err error) (time.Duration, bool) {
	typed, ok := coreerrors.As(err)
	if !ok || typed.Code != coreerrors.CodeRateLimitExceeded {
		return 0, false
	}
	seconds, ok := typed.Details["retryAfterSeconds"].(int)
	if !ok {
		return 0, false
	}
	return time.Duration(seconds) * time.Second, true
}
