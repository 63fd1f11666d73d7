package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/taskbridge/internal/logging"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("dispatcher closed")

// Sender is the chat platform's outbound capability.
type Sender interface {
	SendMessage(ctx context.Context, destination, content string) error
}

// Config controls dedup and throttling.
type Config struct {
	MaxIDs           int
	MaxAge           time.Duration
	ThrottleInterval time.Duration
}

// DefaultConfig returns 1000 ids per destination, one hour max age and a
// two second progress interval.
func DefaultConfig() Config {
	return Config{MaxIDs: 1000, MaxAge: time.Hour, ThrottleInterval: 2 * time.Second}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics enables Prometheus metrics.
func WithMetrics(m *Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithErrorHook observes failed deferred progress deliveries.
func WithErrorHook(fn FlushErrorFunc) Option {
	return func(d *Dispatcher) { d.errorHook = fn }
}

// Dispatcher is the outbound path to the chat platform. Every message is
// delivered at most once per (destination, messageID); progress messages
// are additionally throttled per destination.
//
// A delivery failure is returned to the caller and the dedup record is kept,
// so a failed message is never sent twice.
type Dispatcher struct {
	sender    Sender
	cache     *DedupCache
	throttle  *Throttler
	logger    *logging.Logger
	metrics   *Metrics
	errorHook FlushErrorFunc
}

// New creates a Dispatcher.
func New(sender Sender, cfg Config, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.MaxIDs <= 0 {
		cfg.MaxIDs = def.MaxIDs
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = def.MaxAge
	}
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = def.ThrottleInterval
	}

	d := &Dispatcher{
		sender: sender,
		cache:  NewDedupCache(cfg.MaxIDs, cfg.MaxAge),
		logger: logging.NewNop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.Named("dispatch")
	d.cache.SetMetrics(d.metrics)
	d.throttle = NewThrottler(cfg.ThrottleInterval, d.deliverProgress, d.onFlushError)
	d.throttle.metrics = d.metrics
	return d
}

// Cache exposes the dedup cache.
func (d *Dispatcher) Cache() *DedupCache { return d.cache }

// Send delivers content unless (destination, messageID) was already sent.
// A progress message still pending for destination is delivered first, so
// a terminal message is never followed by a stale update.
func (d *Dispatcher) Send(ctx context.Context, destination, messageID, content string) error {
	if !d.cache.Mark(destination, messageID) {
		d.metrics.RecordDeduplicated()
		d.logger.Debug(ctx, "duplicate message suppressed", zap.String("message_id", messageID))
		return nil
	}
	return d.throttle.Precede(ctx, destination, func(ctx context.Context) error {
		return d.deliver(ctx, ClassImmediate, destination, messageID, content)
	})
}

// SendProgress is Send for high-frequency progress updates: at most one per
// destination per throttle interval, with later updates coalesced.
func (d *Dispatcher) SendProgress(ctx context.Context, destination, messageID, content string) error {
	if d.throttle.Closed() {
		return ErrClosed
	}
	if !d.cache.Mark(destination, messageID) {
		d.metrics.RecordDeduplicated()
		return nil
	}
	err := d.throttle.Submit(ctx, destination, messageID, content)
	if errors.Is(err, ErrClosed) {
		// Closed after the check: nothing was sent, so the id stays usable.
		d.cache.Unmark(destination, messageID)
	}
	return err
}

// Close flushes pending progress messages.
func (d *Dispatcher) Close() error {
	return d.throttle.Close()
}

func (d *Dispatcher) deliverProgress(ctx context.Context, destination, messageID, content string) error {
	return d.deliver(ctx, ClassProgress, destination, messageID, content)
}

func (d *Dispatcher) deliver(ctx context.Context, class, destination, messageID, content string) error {
	if err := d.sender.SendMessage(ctx, destination, content); err != nil {
		d.metrics.RecordFailure(class)
		d.logger.Warn(ctx, "message delivery failed",
			zap.String("destination", destination),
			zap.String("message_id", messageID),
			zap.String("class", class),
			zap.Error(err),
		)
		return fmt.Errorf("deliver %s to %s: %w", messageID, destination, err)
	}
	d.metrics.RecordSent(class)
	return nil
}

func (d *Dispatcher) onFlushError(destination, messageID string, err error) {
	if d.errorHook != nil {
		d.errorHook(destination, messageID, err)
	}
}
