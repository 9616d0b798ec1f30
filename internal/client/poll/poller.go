// Package poll implements the generic fetch-and-retry loop behind every
// non-channel data refresh: steady polling while active, exponential backoff
// on failure, visibility-aware pausing, and cancellation of in-flight work
// on teardown.
package poll

import (
	"context"
	"math"
	"sync"
	"time"
)

// Defaults for options left at their zero value.
const (
	DefaultInterval          = time.Second
	DefaultMaxRetries        = 3
	DefaultBackoffMultiplier = 2.0
)

// Phase is the engine's scheduling state.
type Phase int

const (
	// PhaseIdle means no fetch is running and no backoff timer is armed;
	// the steady timer may still be ticking while active.
	PhaseIdle Phase = iota
	PhaseFetching
	PhaseBackingOff
)

func (p Phase) String() string {
	switch p {
	case PhaseFetching:
		return "fetching"
	case PhaseBackingOff:
		return "backingOff"
	default:
		return "idle"
	}
}

// Fetcher loads one value. It must honor context cancellation; a canceled
// fetch's result is discarded either way.
type Fetcher[T any] func(ctx context.Context) (T, error)

// Options configures one poller instance.
type Options struct {
	// Interval between steady fetches. Defaults to 1s.
	Interval time.Duration
	// Enabled gates all activity. A disabled poller never fetches.
	Enabled bool
	// PauseWhenHidden suspends polling while the owning surface reports
	// itself hidden (SetVisible(false)).
	PauseWhenHidden bool
	// RetryOnError schedules backoff retries after failed fetches.
	RetryOnError bool
	// MaxRetries bounds consecutive retries. Defaults to 3.
	MaxRetries int
	// BackoffMultiplier grows the retry delay. Defaults to 2.
	BackoffMultiplier float64
}

// DefaultOptions returns the baseline configuration: 1s interval, enabled,
// visibility-aware, retrying up to 3 times with doubling delays.
func DefaultOptions() Options {
	return Options{
		Interval:          DefaultInterval,
		Enabled:           true,
		PauseWhenHidden:   true,
		RetryOnError:      true,
		MaxRetries:        DefaultMaxRetries,
		BackoffMultiplier: DefaultBackoffMultiplier,
	}
}

func (o Options) normalized() Options {
	if o.Interval <= 0 {
		o.Interval = DefaultInterval
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = DefaultBackoffMultiplier
	}
	return o
}

// BackoffDelay returns the delay before retry attempt k (1-indexed):
// interval times multiplier^(k-1).
func BackoffDelay(interval time.Duration, multiplier float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(interval) * math.Pow(multiplier, float64(attempt-1)))
}

// Snapshot is a point-in-time view of the poller's state.
type Snapshot[T any] struct {
	Data       T
	HasData    bool
	Loading    bool
	Err        string
	LastUpdate time.Time
	RetryCount int
	Phase      Phase
}

// Poller runs one fetch loop. All methods are safe for concurrent use.
type Poller[T any] struct {
	mu   sync.Mutex
	opts Options

	fetch Fetcher[T]

	enabled bool
	paused  bool
	visible bool
	closed  bool

	phase       Phase
	inFlight    bool
	cancelFetch context.CancelFunc
	timer       *time.Timer
	// generation invalidates timers and in-flight fetches from a previous
	// activity period; a stale completion must not write state.
	generation uint64

	data       T
	hasData    bool
	loading    bool
	errMsg     string
	lastUpdate time.Time
	retryCount int
}

// New builds a poller. An enabled poller fetches immediately.
func New[T any](fetch Fetcher[T], opts Options) *Poller[T] {
	p := &Poller[T]{
		opts:    opts.normalized(),
		fetch:   fetch,
		enabled: opts.Enabled,
		visible: true,
	}
	p.mu.Lock()
	if p.isActiveLocked() {
		p.startFetchLocked()
	}
	p.mu.Unlock()
	return p
}

// IsActive reports whether the poller is currently willing to fetch:
// enabled, not paused, and visible when visibility gating is on.
func (p *Poller[T]) IsActive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.isActiveLocked()
}

func (p *Poller[T]) isActiveLocked() bool {
	if p.closed || !p.enabled || p.paused {
		return false
	}
	if p.opts.PauseWhenHidden && !p.visible {
		return false
	}
	return true
}

// IsPaused reports whether Pause is in effect.
func (p *Poller[T]) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Pause suspends polling and aborts any in-flight fetch.
func (p *Poller[T]) Pause() {
	p.setState(func() { p.paused = true })
}

// Resume lifts a Pause. Becoming active fetches immediately.
func (p *Poller[T]) Resume() {
	p.setState(func() { p.paused = false })
}

// SetEnabled flips the master switch.
func (p *Poller[T]) SetEnabled(enabled bool) {
	p.setState(func() { p.enabled = enabled })
}

// SetVisible reports the owning surface's visibility. Ignored unless the
// poller was built with PauseWhenHidden.
func (p *Poller[T]) SetVisible(visible bool) {
	p.setState(func() { p.visible = visible })
}

// setState applies a mutation and handles the resulting active transition:
// inactive to active fetches immediately, active to inactive cancels
// everything pending.
func (p *Poller[T]) setState(mutate func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	wasActive := p.isActiveLocked()
	mutate()
	nowActive := p.isActiveLocked()
	switch {
	case !wasActive && nowActive:
		p.startFetchLocked()
	case wasActive && !nowActive:
		p.deactivateLocked()
	}
}

// Refetch runs an out-of-band fetch now, subject to the in-flight guard.
// It also restarts polling after retry exhaustion.
func (p *Poller[T]) Refetch() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.stopTimerLocked()
	p.startFetchLocked()
}

// ResetError clears the surfaced error and the retry counter.
func (p *Poller[T]) ResetError() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.errMsg = ""
	p.retryCount = 0
}

// Close tears the poller down. No state changes happen after Close, even
// if a fetch completes later.
func (p *Poller[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.deactivateLocked()
	p.closed = true
}

// Snapshot returns the current reactive state.
func (p *Poller[T]) Snapshot() Snapshot[T] {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Snapshot[T]{
		Data:       p.data,
		HasData:    p.hasData,
		Loading:    p.loading,
		Err:        p.errMsg,
		LastUpdate: p.lastUpdate,
		RetryCount: p.retryCount,
		Phase:      p.phase,
	}
}

func (p *Poller[T]) deactivateLocked() {
	p.generation++
	p.stopTimerLocked()
	if p.cancelFetch != nil {
		p.cancelFetch()
		p.cancelFetch = nil
	}
	p.inFlight = false
	p.loading = false
	p.phase = PhaseIdle
}

func (p *Poller[T]) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Poller[T]) startFetchLocked() {
	if p.closed || p.inFlight {
		return
	}
	p.inFlight = true
	p.loading = true
	p.phase = PhaseFetching

	ctx, cancel := context.WithCancel(context.Background())
	p.cancelFetch = cancel
	gen := p.generation
	go p.runFetch(ctx, gen)
}

func (p *Poller[T]) runFetch(ctx context.Context, gen uint64) {
	data, err := p.fetch(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || gen != p.generation {
		return
	}
	p.inFlight = false
	p.loading = false
	p.cancelFetch = nil

	if err != nil {
		if ctx.Err() != nil {
			p.phase = PhaseIdle
			return
		}
		p.errMsg = err.Error()
		p.retryCount++
		if p.opts.RetryOnError && p.retryCount <= p.opts.MaxRetries && p.isActiveLocked() {
			p.phase = PhaseBackingOff
			p.scheduleLocked(BackoffDelay(p.opts.Interval, p.opts.BackoffMultiplier, p.retryCount))
			return
		}
		// Retries exhausted (or retry disabled): go idle until Refetch,
		// Resume, or a fresh activation.
		p.phase = PhaseIdle
		return
	}

	p.data = data
	p.hasData = true
	p.errMsg = ""
	p.retryCount = 0
	p.lastUpdate = time.Now()
	p.phase = PhaseIdle
	if p.isActiveLocked() {
		p.scheduleLocked(p.opts.Interval)
	}
}

func (p *Poller[T]) scheduleLocked(d time.Duration) {
	p.stopTimerLocked()
	gen := p.generation
	p.timer = time.AfterFunc(d, func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.closed || gen != p.generation || !p.isActiveLocked() {
			return
		}
		p.startFetchLocked()
	})
}
