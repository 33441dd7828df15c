package device

import (
	"context"
	"math"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/xmihome/internal/groutine"
)

// ReconnectConfig bounds the retry loop run after an external disconnect:
// a short phase of exponentially backed-off attempts, then a long phase of
// constant-delay attempts. Exhausting both stops automatic recovery.
type ReconnectConfig struct {
	ShortAttempts int
	InitialDelay  time.Duration
	Factor        float64
	MaxDelay      time.Duration
	LongAttempts  int
}

func (c *ReconnectConfig) applyDefaults() {
	if c.ShortAttempts <= 0 {
		c.ShortAttempts = 5
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = time.Second
	}
	if c.Factor <= 1 {
		c.Factor = 2
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.LongAttempts <= 0 {
		c.LongAttempts = 30
	}
}

// Delay returns the wait preceding attempt k (1-indexed): exponential
// growth capped at MaxDelay through the short phase, constant MaxDelay
// after it.
func (c ReconnectConfig) Delay(attempt int) time.Duration {
	if attempt <= c.ShortAttempts {
		d := time.Duration(float64(c.InitialDelay) * math.Pow(c.Factor, float64(attempt-1)))
		if d <= 0 || d > c.MaxDelay {
			return c.MaxDelay
		}
		return d
	}
	return c.MaxDelay
}

// TotalAttempts is the combined attempt budget.
func (c ReconnectConfig) TotalAttempts() int { return c.ShortAttempts + c.LongAttempts }

// externalDisconnect reacts to the transport reporting the session dropped
// without a local Disconnect: capture subscriptions, tear down, then start
// the retry loop. Only an established session triggers it.
func (d *Device) externalDisconnect() {
	d.mu.Lock()
	if d.state != StateConnected || d.transport == nil {
		d.mu.Unlock()
		return
	}
	tr := d.transport
	kind := tr.Kind()
	d.transport = nil
	d.state = StateReconnecting
	if d.watchStop != nil {
		close(d.watchStop)
		d.watchStop = nil
	}
	rctx, cancel := context.WithCancel(context.Background())
	op := &operation{kind: kind, done: make(chan struct{}), cancel: cancel}
	d.reconnectOp = op
	d.mu.Unlock()

	d.log.Warn("Connection lost, attempting to reconnect")

	subs := d.subs.snapshot()
	d.subs.stopAll(context.Background())
	if err := tr.Close(context.Background()); err != nil {
		d.log.WithField("error", err).Debug("Teardown after external disconnect")
	}
	d.emit(ReconnectingEvent{})

	groutine.Go(rctx, "reconnect-"+d.identity.Key(), func(ctx context.Context) {
		d.reconnectLoop(ctx, op, kind, subs)
	})
}

func (d *Device) reconnectLoop(ctx context.Context, op *operation, kind Kind, subs []*subscription) {
	cfg := d.opts.Reconnect
	defer func() {
		d.mu.Lock()
		if d.reconnectOp == op {
			d.reconnectOp = nil
		}
		d.mu.Unlock()
		close(op.done)
	}()

	for attempt := 1; attempt <= cfg.TotalAttempts(); attempt++ {
		timer := time.NewTimer(cfg.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			op.err = ctx.Err()
			return
		case <-timer.C:
		}

		if err := d.dial(ctx, kind); err != nil {
			if ctx.Err() != nil {
				op.err = ctx.Err()
				return
			}
			d.log.WithFields(logrus.Fields{
				"attempt": attempt,
				"error":   err,
			}).Warn("Reconnect attempt failed")
			continue
		}

		d.mu.Lock()
		tr := d.transport
		d.mu.Unlock()
		d.subs.restore(ctx, tr, subs)
		d.log.WithField("attempt", attempt).Info("Reconnected")
		return
	}

	d.log.WithField("attempts", cfg.TotalAttempts()).Error("Reconnect attempts exhausted")
	op.err = &ConnectionError{Reason: ReasonNotConnected, Msg: "reconnect attempts exhausted"}
	d.emit(ReconnectFailedEvent{Attempts: cfg.TotalAttempts()})
	d.setState(StateIdle)
}
