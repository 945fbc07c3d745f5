package airlock

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// newBackoff builds the delay policy for reconnection attempts: the k-th
// delay is min(base·2^(k−1), max), with no jitter so the schedule is
// exact. MaxElapsedTime stays zero: the attempt cap, not wall time,
// bounds the loop.
func newBackoff(base, max time.Duration) *backoff.ExponentialBackOff {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.MaxInterval = max
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxElapsedTime = 0
	policy.Reset()
	return policy
}

// reconnectLoop runs after a stream generation terminates with cause. It
// is an explicit bounded loop: back off, wake, rebuild the channel from
// the registry snapshot, and either hand control to the fresh stream
// reader or loop until the attempt budget is spent.
//
// Exhaustion is surfaced as a ReconnectExhausted to every subscription's
// error handler exactly once. The wait is interruptible: Close during
// backoff halts the loop without another attempt.
func (c *Client) reconnectLoop(cause error) {
	for {
		if c.isClosed() {
			return
		}

		c.mu.Lock()
		if c.attempts >= c.opts.MaxReconnectAttempts {
			c.mu.Unlock()
			c.logger.Error("reconnect budget exhausted", "attempts", c.opts.MaxReconnectAttempts, "error", cause)
			c.reportTerminal(&ReconnectExhausted{Attempts: c.opts.MaxReconnectAttempts, Err: cause})
			return
		}
		c.attempts++
		attempt := c.attempts
		delay := c.policy.NextBackOff()
		c.mu.Unlock()

		c.logger.Info("stream lost, reconnecting", "attempt", attempt, "delay", delay, "error", cause)

		timer := time.NewTimer(delay)
		select {
		case <-c.done:
			timer.Stop()
			return
		case <-timer.C:
		}
		if c.isClosed() {
			return
		}

		if err := c.reconnectOnce(); err != nil {
			cause = err
			continue
		}

		c.mu.Lock()
		c.attempts = 0
		c.policy.Reset()
		c.mu.Unlock()
		c.logger.Info("reconnected", "attempt", attempt)
		return
	}
}

// reconnectOnce performs a single reconnection attempt: refresh the
// credential through the caller's hook if one is installed, regenerate
// the channel identity wholesale, then replay the subscription snapshot
// through channel creation, activation and stream open.
func (c *Client) reconnectOnce() error {
	credential := c.credential()
	if c.opts.PreReconnect != nil {
		refreshed, err := c.opts.PreReconnect(c.ctx)
		if err != nil {
			return err
		}
		if refreshed != "" {
			credential = refreshed
		}
	}

	identity := NewIdentity(c.opts.BaseURL, credential)
	if err := c.establish(c.ctx, identity); err != nil {
		return err
	}
	return nil
}
