package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/tabrelay/internal/types"
	"github.com/sethvargo/go-retry"
)

// Reconnect defaults: 1s doubling per attempt, capped at 30s, plus up to 1s
// of jitter.
const (
	DefaultReconnectBase   = time.Second
	DefaultReconnectCap    = 30 * time.Second
	DefaultReconnectJitter = time.Second
)

// IsRetryable reports whether a failed connection attempt is worth retrying.
// Configuration errors are not.
func IsRetryable(err error) bool {
	return err != nil && !types.IsCode(err, types.CodeConfigInvalid)
}

type ReconnectOptions struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter time.Duration
}

// Reconnector schedules reconnect attempts with capped exponential backoff.
// At most one attempt is pending at a time, and the backoff restarts after
// any successful connection.
type Reconnector struct {
	conn *Connection
	opts ReconnectOptions
	ctx  context.Context

	mu      sync.Mutex
	backoff retry.Backoff
	attempt int
	timer   *time.Timer
	stopped bool
}

func NewReconnector(ctx context.Context, conn *Connection, opts ReconnectOptions) *Reconnector {
	if opts.Base <= 0 {
		opts.Base = DefaultReconnectBase
	}
	if opts.Cap <= 0 {
		opts.Cap = DefaultReconnectCap
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	r := &Reconnector{conn: conn, opts: opts, ctx: ctx}
	r.backoff = r.newBackoff()
	conn.OnOpen(r.Reset)
	return r
}

func (r *Reconnector) newBackoff() retry.Backoff {
	b := retry.WithCappedDuration(r.opts.Cap, retry.NewExponential(r.opts.Base))
	if r.opts.Jitter > 0 {
		// go-retry jitters symmetrically; shift by half so the delay only
		// ever grows by 0..Jitter.
		half := r.opts.Jitter / 2
		b = retry.WithJitter(half, b)
		shift := half
		return retry.BackoffFunc(func() (time.Duration, bool) {
			d, stop := b.Next()
			return d + shift, stop
		})
	}
	return b
}

// Reset restarts the backoff sequence.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	r.attempt = 0
	r.backoff = r.newBackoff()
	r.mu.Unlock()
}

// Attempt is the number of attempts scheduled since the last reset.
func (r *Reconnector) Attempt() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempt
}

// Pending reports whether an attempt is scheduled.
func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

// Schedule arms the next attempt unless one is already pending.
func (r *Reconnector) Schedule() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped || r.timer != nil {
		return
	}
	delay, _ := r.backoff.Next()
	r.attempt++
	r.timer = time.AfterFunc(delay, r.fire)
	slog.Info("relay reconnect scheduled", "attempt", r.attempt, "delay_ms", delay.Milliseconds())
}

// Cancel drops any pending attempt and restarts the backoff.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.attempt = 0
	r.backoff = r.newBackoff()
	r.mu.Unlock()
}

// Stop cancels and refuses further scheduling.
func (r *Reconnector) Stop() {
	r.Cancel()
	r.mu.Lock()
	r.stopped = true
	r.mu.Unlock()
}

func (r *Reconnector) fire() {
	r.mu.Lock()
	r.timer = nil
	stopped := r.stopped
	r.mu.Unlock()
	if stopped || r.ctx.Err() != nil {
		return
	}

	err := r.conn.EnsureConnected(r.ctx)
	if err == nil {
		r.Reset()
		return
	}
	if !IsRetryable(err) {
		slog.Warn("relay reconnect stopped", "error", err)
		return
	}
	slog.Debug("relay reconnect failed", "attempt", r.Attempt(), "error", err)
	r.Schedule()
}
