package sdr

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestSim(t *testing.T, skew float64) (*SimDriver, *fakeClock) {
	t.Helper()
	clk := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 300_000_000, time.UTC)}
	s := NewSim(SimOptions{ClockSkew: skew, Seed: 1, Now: clk.Now})
	return s, clk
}

func TestSimClockAndPulseReset(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestSim(t, 0.25)

	clk.Advance(2 * time.Second)
	now, err := s.ClockTime(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 2.25, now, 1e-9)

	require.NoError(t, s.ResetToNextPulse(ctx))
	// the reset lands on the next whole second, 0.7s from now
	clk.Advance(700 * time.Millisecond)
	now, err = s.ClockTime(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, now, 1e-9)
}

func TestSimRejectsUnevenSamplingRate(t *testing.T) {
	s, _ := newTestSim(t, 0)
	cfg := twoByTwo()
	cfg.TxSamplingRate = DefaultMasterClockRate / 3
	assert.ErrorIs(t, s.SetRfConfig(context.Background(), cfg), ErrDriver)

	cfg.TxSamplingRate = DefaultMasterClockRate / 4
	assert.NoError(t, s.SetRfConfig(context.Background(), cfg))
}

func TestSimRejectsOverlappingStreamingConfigs(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSim(t, 0)
	cfg := twoByTwo()
	cfg.TxSamplingRate = 1000
	cfg.RxSamplingRate = 1000
	s.opts.MasterClockRate = 1000
	require.NoError(t, s.SetRfConfig(ctx, cfg))

	sig := MimoSignal{Signals: [][]complex128{make([]complex128, 100), make([]complex128, 100)}}
	first := TxStreamingConfig{SendTimeOffset: 0, Samples: sig, Repetitions: 1}
	require.NoError(t, s.SetTxStreaming(ctx, []TxStreamingConfig{first}))

	// 0.1s of air time plus the guard offset ends at 0.15s
	tooEarly := TxStreamingConfig{SendTimeOffset: 0.12, Samples: sig, Repetitions: 1}
	assert.ErrorIs(t, s.SetTxStreaming(ctx, []TxStreamingConfig{tooEarly}), ErrDriver)

	fine := TxStreamingConfig{SendTimeOffset: 0.15, Samples: sig, Repetitions: 1}
	assert.NoError(t, s.SetTxStreaming(ctx, []TxStreamingConfig{fine}))

	oneAntenna := TxStreamingConfig{SendTimeOffset: 1, Samples: MimoSignal{Signals: [][]complex128{{0}}}, Repetitions: 1}
	assert.ErrorIs(t, s.SetTxStreaming(ctx, []TxStreamingConfig{oneAntenna}), ErrDriver)
}

func TestSimArmInThePastFails(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestSim(t, 0)
	clk.Advance(10 * time.Second)
	assert.ErrorIs(t, s.Arm(ctx, 9.5), ErrDriver)
	assert.NoError(t, s.Arm(ctx, 10.5))
	assert.Equal(t, 1, s.ArmCount())
}

func TestSimLoopbackCollect(t *testing.T) {
	ctx := context.Background()
	s := NewSim(SimOptions{MasterClockRate: 1000, Seed: 7, NoiseLevel: 1e-9})
	cfg := RfConfig{
		TxGain: []float64{0}, RxGain: []float64{0},
		TxSamplingRate: 1000, RxSamplingRate: 1000,
		NoTxAntennas: 1, NoRxAntennas: 1,
	}
	require.NoError(t, s.SetRfConfig(ctx, cfg))

	ref := []complex128{0.5, -0.5, 0.25i}
	require.NoError(t, s.SetTxStreaming(ctx, []TxStreamingConfig{{SendTimeOffset: 0.01, Samples: MimoSignal{Signals: [][]complex128{ref}}, Repetitions: 1}}))
	require.NoError(t, s.SetRxStreaming(ctx, []RxStreamingConfig{{ReceiveTimeOffset: 0, NoSamples: 20, NumRepetitions: 1}}))

	now, err := s.ClockTime(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Arm(ctx, now+0.01))

	sigs, err := s.Collect(ctx)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	frame := sigs[0].Signals[0]
	require.Len(t, frame, 20)
	assert.InDelta(t, 0.5, real(frame[10]), 1e-6)
	assert.InDelta(t, -0.5, real(frame[11]), 1e-6)
	assert.InDelta(t, 0.25, imag(frame[12]), 1e-6)

	_, err = s.Collect(ctx)
	assert.ErrorIs(t, err, ErrDriver, "collect requires a fresh arm")
}

func TestSimFaultInjectionAndClose(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSim(t, 0)
	s.FailNext(2)
	_, err := s.ClockTime(ctx)
	assert.ErrorIs(t, err, ErrDriver)
	_, err = s.MasterClockRate(ctx)
	assert.ErrorIs(t, err, ErrDriver)
	_, err = s.ClockTime(ctx)
	assert.NoError(t, err)

	require.NoError(t, s.SetSyncSource(ctx, SyncGPSDO))
	assert.Equal(t, SyncGPSDO, s.SyncSource())

	require.NoError(t, s.Close())
	assert.Error(t, s.Close())
	_, err = s.ClockTime(ctx)
	assert.ErrorIs(t, err, ErrDriver)
}

func TestSimFactoryHandlesShareBoardClock(t *testing.T) {
	ctx := context.Background()
	clk := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	factory := SimFactory(SimOptions{Seed: 1, Now: clk.Now})

	first, err := factory(ctx)
	require.NoError(t, err)
	clk.Advance(3 * time.Second)
	require.NoError(t, first.ResetToNextPulse(ctx))
	require.NoError(t, first.Close())

	second, err := factory(ctx)
	require.NoError(t, err)
	now, err := second.ClockTime(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 3.0, now, 1e-9)

	// the pulse reset scheduled through the first handle still lands
	clk.Advance(1500 * time.Millisecond)
	now, err = second.ClockTime(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, now, 1e-9)
}

func TestSimArmInThePast(t *testing.T) {
	s, clk := newTestSim(t, 0)
	clk.Advance(2 * time.Second)
	err := s.Arm(context.Background(), 1)
	assert.ErrorIs(t, err, ErrTriggerElapsed)
	assert.ErrorIs(t, err, ErrDriver)
	assert.Equal(t, KindDriver, KindOf(err))
	assert.Zero(t, s.ArmCount())
}
