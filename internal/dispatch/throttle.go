package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DeliverFunc hands one message to the platform.
type DeliverFunc func(ctx context.Context, destination, messageID, content string) error

// FlushErrorFunc observes errors from deferred deliveries, which have no
// caller to return to.
type FlushErrorFunc func(destination, messageID string, err error)

type pendingMsg struct {
	messageID string
	content   string
}

type destThrottle struct {
	limiter *rate.Limiter
	pending *pendingMsg
	timer   *time.Timer

	// sending serializes deliveries to the destination.
	sending sync.Mutex
}

// Throttler limits delivery to one message per destination per interval.
// Messages arriving early are coalesced, the latest replacing any earlier
// pending one, and flushed when the limiter next allows.
type Throttler struct {
	interval     time.Duration
	deliver      DeliverFunc
	onError      FlushErrorFunc
	flushTimeout time.Duration
	metrics      *Metrics

	mu     sync.Mutex
	dests  map[string]*destThrottle
	closed bool
}

// NewThrottler creates a Throttler.
func NewThrottler(interval time.Duration, deliver DeliverFunc, onError FlushErrorFunc) *Throttler {
	return &Throttler{
		interval:     interval,
		deliver:      deliver,
		onError:      onError,
		flushTimeout: 30 * time.Second,
		dests:        make(map[string]*destThrottle),
	}
}

// Submit delivers immediately when the destination's limiter allows and
// nothing is pending; the delivery error is returned. Otherwise the message
// becomes the pending one and Submit returns nil.
func (t *Throttler) Submit(ctx context.Context, destination, messageID, content string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}

	d := t.dests[destination]
	if d == nil {
		d = &destThrottle{limiter: rate.NewLimiter(rate.Every(t.interval), 1)}
		t.dests[destination] = d
	}

	now := time.Now()
	if d.pending == nil && d.limiter.AllowN(now, 1) {
		t.mu.Unlock()
		d.sending.Lock()
		defer d.sending.Unlock()
		return t.deliver(ctx, destination, messageID, content)
	}

	if d.pending != nil {
		t.metrics.RecordCoalesced()
	}
	d.pending = &pendingMsg{messageID: messageID, content: content}
	if d.timer == nil {
		delay := d.limiter.ReserveN(now, 1).DelayFrom(now)
		d.timer = time.AfterFunc(delay, func() { t.flush(destination) })
	}
	t.mu.Unlock()
	return nil
}

func (t *Throttler) flush(destination string) {
	t.mu.Lock()
	d := t.dests[destination]
	t.mu.Unlock()
	if d == nil {
		return
	}

	// Take the pending message under the delivery lock so a concurrent
	// Precede either delivers it itself or waits for this send.
	d.sending.Lock()
	defer d.sending.Unlock()
	t.mu.Lock()
	msg := d.pending
	d.pending = nil
	d.timer = nil
	t.mu.Unlock()
	if msg != nil {
		_ = t.send(destination, msg)
	}
}

// Precede delivers destination's pending message now, then calls fn. Both
// run under the destination's delivery lock, so no progress message lands
// after the one fn sends. A failed pending delivery goes to the error hook
// and does not stop fn.
func (t *Throttler) Precede(ctx context.Context, destination string, fn func(context.Context) error) error {
	t.mu.Lock()
	d := t.dests[destination]
	if d == nil {
		t.mu.Unlock()
		return fn(ctx)
	}
	t.mu.Unlock()

	d.sending.Lock()
	defer d.sending.Unlock()
	t.mu.Lock()
	msg := d.pending
	d.pending = nil
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	t.mu.Unlock()
	if msg != nil {
		_ = t.send(destination, msg)
	}
	return fn(ctx)
}

// Closed reports whether Close has been called.
func (t *Throttler) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *Throttler) send(destination string, msg *pendingMsg) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.flushTimeout)
	defer cancel()
	err := t.deliver(ctx, destination, msg.messageID, msg.content)
	if err != nil && t.onError != nil {
		t.onError(destination, msg.messageID, err)
	}
	return err
}

// Pending reports whether destination has a coalesced message waiting.
func (t *Throttler) Pending(destination string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.dests[destination]
	return d != nil && d.pending != nil
}

// Close stops all timers and delivers every pending message now.
func (t *Throttler) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	flushes := make(map[*destThrottle]string)
	for dest, d := range t.dests {
		if d.timer != nil {
			d.timer.Stop()
			d.timer = nil
		}
		if d.pending != nil {
			flushes[d] = dest
		}
	}
	t.mu.Unlock()

	var errs []error
	for d, dest := range flushes {
		d.sending.Lock()
		t.mu.Lock()
		msg := d.pending
		d.pending = nil
		t.mu.Unlock()
		if msg != nil {
			if err := t.send(dest, msg); err != nil {
				errs = append(errs, err)
			}
		}
		d.sending.Unlock()
	}
	return errors.Join(errs...)
}
