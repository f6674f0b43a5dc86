package sdr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

const (
	// DefaultGuardOffset separates consecutive streaming configs.
	DefaultGuardOffset = 0.05
	// DefaultMaxTxSamples bounds a single transmitted frame.
	DefaultMaxTxSamples = 55_000
	// DefaultMasterClockRate of the simulated radio in Hz.
	DefaultMasterClockRate = 245.76e6
)

// SimOptions tunes the simulated radio.
type SimOptions struct {
	MasterClockRate float64
	// ClockSkew is added to every clock reading, in seconds.
	ClockSkew    float64
	GuardOffset  float64
	MaxTxSamples int
	NoiseLevel   float64
	Seed         int64
	Now          func() time.Time
}

// SimDriver synthesizes a radio with an FPGA clock, a PPS-aligned clock
// reset and a loopback RF path from the tx queue into the rx captures.
type SimDriver struct {
	mu   sync.Mutex
	opts SimOptions
	rng  *rand.Rand
	fpga *fpgaClock

	rf       *RfConfig
	sync     SyncSource
	txQueue  []TxStreamingConfig
	rxQueue  []RxStreamingConfig
	armed    bool
	trigger  float64
	failNext int
	closed   bool
	armCount int
}

// fpgaClock is the time base of the radio board. It outlives driver
// handles, so a reopened handle reads the same clock.
type fpgaClock struct {
	mu      sync.Mutex
	epoch   time.Time
	pending time.Time
}

func (c *fpgaClock) read(now time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.pending.IsZero() && !now.Before(c.pending) {
		c.epoch = c.pending
		c.pending = time.Time{}
	}
	return now.Sub(c.epoch)
}

func (c *fpgaClock) resetAt(t time.Time) {
	c.mu.Lock()
	c.pending = t
	c.mu.Unlock()
}

// NewSim builds a simulated driver whose clock starts at zero.
func NewSim(opts SimOptions) *SimDriver {
	opts = opts.withDefaults()
	return newSim(opts, &fpgaClock{epoch: opts.Now()})
}

func (opts SimOptions) withDefaults() SimOptions {
	if opts.MasterClockRate == 0 {
		opts.MasterClockRate = DefaultMasterClockRate
	}
	if opts.GuardOffset == 0 {
		opts.GuardOffset = DefaultGuardOffset
	}
	if opts.MaxTxSamples == 0 {
		opts.MaxTxSamples = DefaultMaxTxSamples
	}
	if opts.NoiseLevel == 0 {
		opts.NoiseLevel = 1e-4
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return opts
}

func newSim(opts SimOptions, fpga *fpgaClock) *SimDriver {
	seed := opts.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &SimDriver{
		opts: opts,
		rng:  rand.New(rand.NewSource(seed)),
		fpga: fpga,
		sync: SyncInternal,
	}
}

// SimFactory returns a DriverFactory producing fresh simulated handles on
// one board: every handle reads the same FPGA clock.
func SimFactory(opts SimOptions) DriverFactory {
	opts = opts.withDefaults()
	fpga := &fpgaClock{epoch: opts.Now()}
	return func(ctx context.Context) (Driver, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return newSim(opts, fpga), nil
	}
}

// FailNext makes the next n operations fail with ErrDriver.
func (s *SimDriver) FailNext(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// ArmCount reports how many times Arm succeeded.
func (s *SimDriver) ArmCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.armCount
}

// enter must be called with s.mu held.
func (s *SimDriver) enter(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrDriver, op, err)
	}
	if s.closed {
		return fmt.Errorf("%w: %s: handle closed", ErrDriver, op)
	}
	if s.failNext > 0 {
		s.failNext--
		return fmt.Errorf("%w: %s: injected fault", ErrDriver, op)
	}
	return nil
}

// clock must be called with s.mu held.
func (s *SimDriver) clock() float64 {
	return s.fpga.read(s.opts.Now()).Seconds() + s.opts.ClockSkew
}

func (s *SimDriver) ClockTime(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "clock time"); err != nil {
		return 0, err
	}
	return s.clock(), nil
}

func (s *SimDriver) MasterClockRate(ctx context.Context) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "master clock rate"); err != nil {
		return 0, err
	}
	return s.opts.MasterClockRate, nil
}

func (s *SimDriver) SetRfConfig(ctx context.Context, cfg RfConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "set rf config"); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := checkSamplingRate(cfg.TxSamplingRate, s.opts.MasterClockRate); err != nil {
		return err
	}
	if err := checkSamplingRate(cfg.RxSamplingRate, s.opts.MasterClockRate); err != nil {
		return err
	}
	c := cfg
	s.rf = &c
	s.txQueue = nil
	s.rxQueue = nil
	s.armed = false
	return nil
}

func checkSamplingRate(rate, master float64) error {
	if rate == 0 || rate == master {
		return nil
	}
	if math.Mod(master/rate, 2.0) > 0.01 {
		return fmt.Errorf("%w: sampling rate %g must be an even fraction of %g", ErrRejected, rate, master)
	}
	return nil
}

func (s *SimDriver) RfConfig(ctx context.Context) (RfConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "get rf config"); err != nil {
		return RfConfig{}, err
	}
	if s.rf == nil {
		return RfConfig{}, fmt.Errorf("%w: rf config not set", ErrRejected)
	}
	return *s.rf, nil
}

func (s *SimDriver) SetTxStreaming(ctx context.Context, cfgs []TxStreamingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "set tx streaming"); err != nil {
		return err
	}
	if s.rf == nil {
		return fmt.Errorf("%w: rf config not set", ErrRejected)
	}
	queue := append([]TxStreamingConfig(nil), s.txQueue...)
	for _, c := range cfgs {
		if err := c.Validate(); err != nil {
			return err
		}
		if c.Samples.NumAntennas() != s.rf.NoTxAntennas {
			return fmt.Errorf("%w: signal has %d antenna streams, %d tx antennas configured", ErrRejected, c.Samples.NumAntennas(), s.rf.NoTxAntennas)
		}
		if c.Samples.Len() > s.opts.MaxTxSamples {
			return fmt.Errorf("%w: transmitted signal length must not be larger than %d", ErrRejected, s.opts.MaxTxSamples)
		}
		if n := len(queue); n > 0 {
			prev := queue[n-1]
			earliest := prev.SendTimeOffset + s.opts.GuardOffset + prev.Duration(s.rf.TxSamplingRate)
			if c.SendTimeOffset < earliest {
				return fmt.Errorf("%w: tx offset %g overlaps previous config, need at least %g", ErrRejected, c.SendTimeOffset, earliest)
			}
		}
		queue = append(queue, c)
	}
	s.txQueue = queue
	return nil
}

func (s *SimDriver) SetRxStreaming(ctx context.Context, cfgs []RxStreamingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "set rx streaming"); err != nil {
		return err
	}
	if s.rf == nil {
		return fmt.Errorf("%w: rf config not set", ErrRejected)
	}
	queue := append([]RxStreamingConfig(nil), s.rxQueue...)
	for _, c := range cfgs {
		if err := c.Validate(); err != nil {
			return err
		}
		if n := len(queue); n > 0 {
			prev := queue[n-1]
			earliest := prev.ReceiveTimeOffset + s.opts.GuardOffset + prev.Duration(s.rf.RxSamplingRate)
			if c.ReceiveTimeOffset < earliest {
				return fmt.Errorf("%w: rx offset %g overlaps previous config, need at least %g", ErrRejected, c.ReceiveTimeOffset, earliest)
			}
		}
		queue = append(queue, c)
	}
	s.rxQueue = queue
	return nil
}

func (s *SimDriver) ResetStreaming(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "reset streaming"); err != nil {
		return err
	}
	s.txQueue = nil
	s.rxQueue = nil
	s.armed = false
	return nil
}

func (s *SimDriver) Arm(ctx context.Context, triggerTime float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "arm"); err != nil {
		return err
	}
	if now := s.clock(); triggerTime <= now {
		return fmt.Errorf("%w: arm at %.6f, clock reads %.6f", ErrTriggerElapsed, triggerTime, now)
	}
	s.trigger = triggerTime
	s.armed = true
	s.armCount++
	return nil
}

func (s *SimDriver) Collect(ctx context.Context) ([]MimoSignal, error) {
	s.mu.Lock()
	if err := s.enter(ctx, "collect"); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	if !s.armed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: nothing armed", ErrRejected)
	}
	rf := *s.rf
	rx := append([]RxStreamingConfig(nil), s.rxQueue...)
	tx := append([]TxStreamingConfig(nil), s.txQueue...)
	end := s.trigger
	for _, c := range rx {
		end = math.Max(end, s.trigger+c.ReceiveTimeOffset+c.Duration(rf.RxSamplingRate))
	}
	wait := end - s.clock()
	s.armed = false
	s.mu.Unlock()

	if wait > 0 {
		timer := time.NewTimer(time.Duration(wait * float64(time.Second)))
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: collect: %w", ErrDriver, ctx.Err())
		case <-timer.C:
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]MimoSignal, 0, len(rx))
	for _, c := range rx {
		out = append(out, s.capture(rf, c, tx))
	}
	return out, nil
}

// capture must be called with s.mu held.
func (s *SimDriver) capture(rf RfConfig, rx RxStreamingConfig, tx []TxStreamingConfig) MimoSignal {
	reps := rx.NumRepetitions
	if reps < 1 {
		reps = 1
	}
	n := rx.NoSamples * reps
	sig := MimoSignal{Signals: make([][]complex128, rf.NoRxAntennas)}
	for ant := range sig.Signals {
		frame := make([]complex128, n)
		for i := range frame {
			frame[i] = complex(s.rng.NormFloat64()*s.opts.NoiseLevel, s.rng.NormFloat64()*s.opts.NoiseLevel)
		}
		for _, t := range tx {
			if rf.NoTxAntennas == 0 {
				break
			}
			src := t.Samples.Signals[ant%rf.NoTxAntennas]
			start := int(math.Round((t.SendTimeOffset - rx.ReceiveTimeOffset) * rf.RxSamplingRate))
			for r := 0; r < t.Repetitions; r++ {
				for i, v := range src {
					idx := start + r*len(src) + i
					if idx >= 0 && idx < n {
						frame[idx] += v
					}
				}
			}
		}
		sig.Signals[ant] = frame
	}
	return sig
}

func (s *SimDriver) ResetToNextPulse(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "reset to next pulse"); err != nil {
		return err
	}
	s.fpga.resetAt(s.opts.Now().Truncate(time.Second).Add(time.Second))
	s.armed = false
	return nil
}

func (s *SimDriver) SetSyncSource(ctx context.Context, src SyncSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enter(ctx, "set sync source"); err != nil {
		return err
	}
	if _, err := ParseSyncSource(string(src)); err != nil {
		return err
	}
	s.sync = src
	return nil
}

// SyncSource returns the selected time reference.
func (s *SimDriver) SyncSource() SyncSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sync
}

func (s *SimDriver) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("sim driver already closed")
	}
	s.closed = true
	return nil
}
