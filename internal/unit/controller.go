// Package unit serves one radio over rpc: a retrying controller around the
// driver handle, one session per connection and the unit server itself.
package unit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/rjboer/mimosync/internal/logging"
	"github.com/rjboer/mimosync/internal/sdr"
)

// State of the controller as seen by the last operation.
type State int

const (
	StateReady State = iota
	StateRetrying
	StateReacquiring
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRetrying:
		return "retrying"
	case StateReacquiring:
		return "reacquiring"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	for _, st := range []State{StateReady, StateRetrying, StateReacquiring, StateFailed} {
		if st.String() == string(b) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown controller state %q", b)
}

// RetryPolicy bounds the local retries of one driver operation.
type RetryPolicy struct {
	Trials int
	Delay  time.Duration
}

// DefaultRetryPolicy restarts a wedged radio after three trials two seconds
// apart.
var DefaultRetryPolicy = RetryPolicy{Trials: 3, Delay: 2 * time.Second}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Trials < 1 {
		p.Trials = 1
	}
	if p.Delay < 0 {
		p.Delay = 0
	}
	return p
}

func (p RetryPolicy) backOff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Delay), uint64(p.Trials-1))
}

// Stats counts controller activity since construction.
type Stats struct {
	State          State  `json:"state"`
	Attempts       uint64 `json:"attempts"`
	Retries        uint64 `json:"retries"`
	Reacquisitions uint64 `json:"reacquisitions"`
	Failures       uint64 `json:"failures"`
	LastError      string `json:"lastError,omitempty"`
}

// Controller wraps a driver handle and implements sdr.Driver. Every call is
// tried up to Trials times with a fixed delay. On exhaustion the handle is
// replaced by a fresh one carrying the last applied configuration and the
// call is tried once more; only a failure there is returned.
type Controller struct {
	factory sdr.DriverFactory
	log     logging.Logger
	sleep   func(ctx context.Context, d time.Duration) error

	policyMu sync.RWMutex
	policy   RetryPolicy

	// mu serialises access to the handle.
	mu      sync.Mutex
	drv     sdr.Driver
	rf      *sdr.RfConfig
	syncSrc *sdr.SyncSource
	txQueue []sdr.TxStreamingConfig
	rxQueue []sdr.RxStreamingConfig
	closed  bool

	statsMu sync.Mutex
	stats   Stats
}

// ControllerOption configures a Controller.
type ControllerOption func(*Controller)

func WithControllerLogger(l logging.Logger) ControllerOption {
	return func(c *Controller) { c.log = l }
}

// NewController acquires the first handle, retrying the factory per policy.
func NewController(ctx context.Context, factory sdr.DriverFactory, policy RetryPolicy, opts ...ControllerOption) (*Controller, error) {
	c := &Controller{
		factory: factory,
		policy:  policy.normalized(),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.Default()
	}
	c.log = c.log.With(logging.Field{Key: "subsystem", Value: "controller"})

	drv, err := c.acquire(ctx, c.Policy())
	if err != nil {
		return nil, err
	}
	c.drv = drv
	return c, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Policy returns the active retry policy.
func (c *Controller) Policy() RetryPolicy {
	c.policyMu.RLock()
	defer c.policyMu.RUnlock()
	return c.policy
}

// SetPolicy replaces the retry policy for subsequent operations.
func (c *Controller) SetPolicy(p RetryPolicy) {
	c.policyMu.Lock()
	c.policy = p.normalized()
	c.policyMu.Unlock()
}

// Stats returns a snapshot of the counters.
func (c *Controller) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

func (c *Controller) note(f func(*Stats)) {
	c.statsMu.Lock()
	f(&c.stats)
	c.statsMu.Unlock()
}

func (c *Controller) setState(st State) {
	c.note(func(s *Stats) { s.State = st })
}

// acquire calls the factory with its own bounded retries.
func (c *Controller) acquire(ctx context.Context, policy RetryPolicy) (sdr.Driver, error) {
	b := policy.backOff()
	for {
		drv, err := c.factory(ctx)
		if err == nil {
			return drv, nil
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			return nil, fmt.Errorf("%w: acquire driver: %w", sdr.ErrDriver, err)
		}
		c.log.Warn("driver acquisition failed, retrying", logging.Err(err), logging.Field{Key: "delay", Value: next.String()})
		if serr := c.sleep(ctx, next); serr != nil {
			return nil, fmt.Errorf("%w: acquire driver: %w", sdr.ErrDriver, err)
		}
	}
}

// reacquire must be called with c.mu held. It replaces the handle and
// replays the last applied configuration onto the new one.
func (c *Controller) reacquire(ctx context.Context, policy RetryPolicy) error {
	c.note(func(s *Stats) { s.Reacquisitions++ })
	if c.drv != nil {
		if err := c.drv.Close(); err != nil {
			c.log.Debug("closing wedged handle failed", logging.Err(err))
		}
		c.drv = nil
	}
	c.log.Warn("reacquiring driver")

	drv, err := c.acquire(ctx, policy)
	if err != nil {
		return err
	}
	if err := c.replay(ctx, drv); err != nil {
		drv.Close()
		return fmt.Errorf("%w: replay configuration: %w", sdr.ErrDriver, err)
	}
	c.drv = drv
	return nil
}

func (c *Controller) replay(ctx context.Context, drv sdr.Driver) error {
	if c.syncSrc != nil {
		if err := drv.SetSyncSource(ctx, *c.syncSrc); err != nil {
			return err
		}
	}
	if c.rf == nil {
		return nil
	}
	if err := drv.SetRfConfig(ctx, *c.rf); err != nil {
		return err
	}
	if len(c.txQueue) > 0 {
		if err := drv.SetTxStreaming(ctx, c.txQueue); err != nil {
			return err
		}
	}
	if len(c.rxQueue) > 0 {
		if err := drv.SetRxStreaming(ctx, c.rxQueue); err != nil {
			return err
		}
	}
	return nil
}

// permanent reports failures that a retry cannot fix.
func permanent(err error) bool {
	return errors.Is(err, sdr.ErrMalformedPayload) ||
		errors.Is(err, sdr.ErrRejected) ||
		errors.Is(err, sdr.ErrTriggerElapsed) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// do runs fn against the handle under the retry policy. It must be called
// with c.mu held.
func (c *Controller) do(ctx context.Context, op string, fn func(sdr.Driver) error) error {
	if c.closed {
		return fmt.Errorf("%w: %s: controller closed", sdr.ErrDriver, op)
	}
	policy := c.Policy()
	log := c.log.With(logging.Field{Key: "op", Value: op})

	if c.drv == nil {
		// an earlier reacquisition failed
		c.setState(StateReacquiring)
		if err := c.reacquire(ctx, policy); err != nil {
			return c.fail(op, err)
		}
	}

	b := policy.backOff()
	var err error
	for {
		c.note(func(s *Stats) { s.Attempts++ })
		if err = fn(c.drv); err == nil {
			c.setState(StateReady)
			return nil
		}
		if permanent(err) {
			c.setState(StateReady)
			return fmt.Errorf("%s: %w", op, err)
		}
		next := b.NextBackOff()
		if next == backoff.Stop {
			break
		}
		c.note(func(s *Stats) {
			s.State = StateRetrying
			s.Retries++
		})
		log.Warn("driver call failed, retrying", logging.Err(err), logging.Field{Key: "delay", Value: next.String()})
		if serr := c.sleep(ctx, next); serr != nil {
			return c.fail(op, err)
		}
	}

	log.Warn("retries exhausted", logging.Err(err), logging.Field{Key: "trials", Value: policy.Trials})
	c.setState(StateReacquiring)
	if rerr := c.reacquire(ctx, policy); rerr != nil {
		return c.fail(op, fmt.Errorf("%w (after: %v)", rerr, err))
	}

	c.note(func(s *Stats) { s.Attempts++ })
	if err = fn(c.drv); err != nil {
		return c.fail(op, err)
	}
	log.Info("recovered after reacquisition")
	c.setState(StateReady)
	return nil
}

func (c *Controller) fail(op string, err error) error {
	c.note(func(s *Stats) {
		s.State = StateFailed
		s.Failures++
		s.LastError = err.Error()
	})
	c.log.Error("driver call failed", logging.Field{Key: "op", Value: op}, logging.Err(err))
	if !errors.Is(err, sdr.ErrDriver) {
		return fmt.Errorf("%w: %s: %w", sdr.ErrDriver, op, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *Controller) ClockTime(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var t float64
	err := c.do(ctx, "clock time", func(d sdr.Driver) (err error) {
		t, err = d.ClockTime(ctx)
		return err
	})
	return t, err
}

func (c *Controller) MasterClockRate(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var r float64
	err := c.do(ctx, "master clock rate", func(d sdr.Driver) (err error) {
		r, err = d.MasterClockRate(ctx)
		return err
	})
	return r, err
}

// SetRfConfig applies cfg. A change in antenna counts needs a fresh handle,
// so the controller reacquires before applying it.
func (c *Controller) SetRfConfig(ctx context.Context, cfg sdr.RfConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("set rf config: %w", err)
	}
	if c.rf != nil && c.rf.MimoLayoutChanged(cfg) {
		c.log.Info("mimo layout changed",
			logging.Field{Key: "tx", Value: cfg.NoTxAntennas},
			logging.Field{Key: "rx", Value: cfg.NoRxAntennas})
		c.rf, c.txQueue, c.rxQueue = nil, nil, nil
		c.setState(StateReacquiring)
		if err := c.reacquire(ctx, c.Policy()); err != nil {
			return c.fail("set rf config", err)
		}
	}
	err := c.do(ctx, "set rf config", func(d sdr.Driver) error {
		return d.SetRfConfig(ctx, cfg)
	})
	if err != nil {
		return err
	}
	applied := cfg
	c.rf = &applied
	c.txQueue, c.rxQueue = nil, nil
	return nil
}

func (c *Controller) RfConfig(ctx context.Context) (sdr.RfConfig, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var cfg sdr.RfConfig
	err := c.do(ctx, "get rf config", func(d sdr.Driver) (err error) {
		cfg, err = d.RfConfig(ctx)
		return err
	})
	return cfg, err
}

func (c *Controller) SetTxStreaming(ctx context.Context, cfgs []sdr.TxStreamingConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.do(ctx, "set tx streaming", func(d sdr.Driver) error {
		return d.SetTxStreaming(ctx, cfgs)
	})
	if err == nil {
		c.txQueue = append(c.txQueue, cfgs...)
	}
	return err
}

func (c *Controller) SetRxStreaming(ctx context.Context, cfgs []sdr.RxStreamingConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.do(ctx, "set rx streaming", func(d sdr.Driver) error {
		return d.SetRxStreaming(ctx, cfgs)
	})
	if err == nil {
		c.rxQueue = append(c.rxQueue, cfgs...)
	}
	return err
}

func (c *Controller) ResetStreaming(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.do(ctx, "reset streaming", func(d sdr.Driver) error {
		return d.ResetStreaming(ctx)
	})
	if err == nil {
		c.txQueue, c.rxQueue = nil, nil
	}
	return err
}

func (c *Controller) Arm(ctx context.Context, triggerTime float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.do(ctx, "arm", func(d sdr.Driver) error {
		return d.Arm(ctx, triggerTime)
	})
}

func (c *Controller) Collect(ctx context.Context) ([]sdr.MimoSignal, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var sigs []sdr.MimoSignal
	err := c.do(ctx, "collect", func(d sdr.Driver) (err error) {
		sigs, err = d.Collect(ctx)
		return err
	})
	return sigs, err
}

func (c *Controller) ResetToNextPulse(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.do(ctx, "reset to next pulse", func(d sdr.Driver) error {
		return d.ResetToNextPulse(ctx)
	})
}

func (c *Controller) SetSyncSource(ctx context.Context, src sdr.SyncSource) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.do(ctx, "set sync source", func(d sdr.Driver) error {
		return d.SetSyncSource(ctx, src)
	})
	if err == nil {
		s := src
		c.syncSrc = &s
	}
	return err
}

// Close releases the handle. The controller is unusable afterwards.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	if c.drv == nil {
		return nil
	}
	err := c.drv.Close()
	c.drv = nil
	return err
}

var _ sdr.Driver = (*Controller)(nil)
