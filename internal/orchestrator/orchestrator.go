// Package orchestrator drives a set of remote units as one time-aligned
// array: it validates that their clocks agree, schedules a common trigger
// instant and aggregates per-unit failures of parallel calls.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"

	"github.com/rjboer/mimosync/internal/logging"
	"github.com/rjboer/mimosync/internal/proxy"
	"github.com/rjboer/mimosync/internal/sdr"
	"github.com/rjboer/mimosync/internal/telemetry"
)

// Unit is the capability set the orchestrator needs from a remote unit.
// *proxy.Proxy implements it.
type Unit interface {
	Addr() string
	ConfigureRf(ctx context.Context, cfg sdr.RfConfig) error
	ConfigureTx(ctx context.Context, cfgs []sdr.TxStreamingConfig) error
	ConfigureRx(ctx context.Context, cfgs []sdr.RxStreamingConfig) error
	ResetStreaming(ctx context.Context) error
	Execute(ctx context.Context, triggerTime float64) error
	Collect(ctx context.Context) ([]sdr.MimoSignal, error)
	FpgaTime(ctx context.Context) (float64, error)
	ResetClock(ctx context.Context) error
	SetSyncSource(ctx context.Context, src sdr.SyncSource) error
	Close() error
}

// Connector opens a unit.
type Connector func(ctx context.Context, name, addr string) (Unit, error)

// ProxyConnector connects units through package proxy.
func ProxyConnector(opts ...proxy.Option) Connector {
	return func(ctx context.Context, name, addr string) (Unit, error) {
		p, err := proxy.Connect(ctx, name, addr, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Config tunes synchronization and timeouts. Durations of zero disable the
// respective timeout.
type Config struct {
	// SyncThreshold is the largest tolerated clock spread in seconds.
	SyncThreshold     float64
	SyncValidity      time.Duration
	SyncAttempts      int
	SyncRetryInterval time.Duration
	// SyncTimeout bounds one round of clock queries.
	SyncTimeout    time.Duration
	CollectTimeout time.Duration
	CallTimeout    time.Duration
	// SchedulingMargin is added to the latest clock reading to obtain the
	// trigger instant, in seconds.
	SchedulingMargin float64
	// PulseSettle is how long Synchronize waits after a clock reset.
	PulseSettle time.Duration
}

// DefaultConfig returns settings suited to PPS-disciplined units on a LAN.
func DefaultConfig() Config {
	return Config{
		SyncThreshold:     0.005,
		SyncValidity:      5 * time.Second,
		SyncAttempts:      3,
		SyncRetryInterval: 500 * time.Millisecond,
		SyncTimeout:       2 * time.Second,
		CollectTimeout:    30 * time.Second,
		CallTimeout:       5 * time.Second,
		SchedulingMargin:  0.2,
		PulseSettle:       1100 * time.Millisecond,
	}
}

// Orchestrator owns a set of labeled units. Fan-out operations call every
// unit concurrently and never fail fast. Callers must let one
// execute/collect round finish before starting the next.
type Orchestrator struct {
	cfg      Config
	connect  Connector
	log      logging.Logger
	reporter telemetry.Reporter
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error

	mu    sync.RWMutex
	units map[string]Unit
	addrs map[string]string

	// syncMu serialises validation and guards timer.
	syncMu sync.Mutex
	timer  SyncTimer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithConnector(c Connector) Option {
	return func(o *Orchestrator) { o.connect = c }
}

func WithLogger(l logging.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func WithReporter(r telemetry.Reporter) Option {
	return func(o *Orchestrator) { o.reporter = r }
}

// New builds an orchestrator with no units.
func New(cfg Config, opts ...Option) *Orchestrator {
	if cfg.SyncAttempts < 1 {
		cfg.SyncAttempts = 1
	}
	o := &Orchestrator{
		cfg:   cfg,
		now:   time.Now,
		sleep: sleepCtx,
		units: make(map[string]Unit),
		addrs: make(map[string]string),
		timer: NewSyncTimer(cfg.SyncValidity),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.log == nil {
		o.log = logging.Default()
	}
	if o.connect == nil {
		o.connect = ProxyConnector(proxy.WithLogger(o.log))
	}
	o.log = o.log.With(logging.Field{Key: "subsystem", Value: "orchestrator"})
	if o.reporter == nil {
		o.reporter = telemetry.Nop{}
	}
	return o
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

func (o *Orchestrator) report(e telemetry.Event) {
	e.Time = o.now()
	o.reporter.Report(e)
}

// AddUnit connects to addr and registers the unit as name. Names and
// addresses must be unique.
func (o *Orchestrator) AddUnit(ctx context.Context, name, addr string) error {
	if err := o.checkFree(name, addr); err != nil {
		return err
	}

	u, err := o.connect(ctx, name, addr)
	if err != nil {
		return err
	}

	o.mu.Lock()
	if err := o.checkFreeLocked(name, addr); err != nil {
		o.mu.Unlock()
		u.Close()
		return err
	}
	o.units[name] = u
	o.addrs[addr] = name
	o.mu.Unlock()

	// a new unit has not taken part in any validation
	o.syncMu.Lock()
	o.timer.Invalidate()
	o.syncMu.Unlock()

	o.log.Info("unit added", logging.Field{Key: "unit", Value: name}, logging.Field{Key: "addr", Value: addr})
	o.report(telemetry.Event{Kind: telemetry.KindUnitAdded, Unit: name, Fields: map[string]any{"addr": addr}})
	return nil
}

func (o *Orchestrator) checkFree(name, addr string) error {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.checkFreeLocked(name, addr)
}

func (o *Orchestrator) checkFreeLocked(name, addr string) error {
	if _, ok := o.units[name]; ok {
		return fmt.Errorf("%w: %q", sdr.ErrDuplicateName, name)
	}
	if other, ok := o.addrs[addr]; ok {
		return fmt.Errorf("%w: %s is already registered as %q", sdr.ErrDuplicateName, addr, other)
	}
	return nil
}

// RemoveUnit unregisters name and closes its connection.
func (o *Orchestrator) RemoveUnit(name string) error {
	o.mu.Lock()
	u, ok := o.units[name]
	if !ok {
		o.mu.Unlock()
		return fmt.Errorf("%w: %q", sdr.ErrUnknownUnit, name)
	}
	delete(o.units, name)
	delete(o.addrs, u.Addr())
	o.mu.Unlock()

	o.report(telemetry.Event{Kind: telemetry.KindUnitRemoved, Unit: name})
	return u.Close()
}

// UnitInfo describes a registered unit.
type UnitInfo struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// Units lists the registered units sorted by name.
func (o *Orchestrator) Units() []UnitInfo {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]UnitInfo, 0, len(o.units))
	for n, u := range o.units {
		out = append(out, UnitInfo{Name: n, Addr: u.Addr()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (o *Orchestrator) unit(name string) (Unit, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	u, ok := o.units[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", sdr.ErrUnknownUnit, name)
	}
	return u, nil
}

func (o *Orchestrator) snapshot() map[string]Unit {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make(map[string]Unit, len(o.units))
	for n, u := range o.units {
		out[n] = u
	}
	return out
}

// single runs fn against one unit under the call timeout.
func (o *Orchestrator) single(ctx context.Context, name string, fn func(context.Context, Unit) error) error {
	u, err := o.unit(name)
	if err != nil {
		return err
	}
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if o.cfg.CallTimeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, o.cfg.CallTimeout)
	}
	defer cancel()
	if err := fn(callCtx, u); err != nil {
		return unitError(callCtx, name, u, err)
	}
	return nil
}

// ConfigureRf applies cfg to one unit.
func (o *Orchestrator) ConfigureRf(ctx context.Context, name string, cfg sdr.RfConfig) error {
	return o.single(ctx, name, func(ctx context.Context, u Unit) error {
		return u.ConfigureRf(ctx, cfg)
	})
}

// ConfigureTx queues transmissions on one unit, in submission order.
func (o *Orchestrator) ConfigureTx(ctx context.Context, name string, cfgs []sdr.TxStreamingConfig) error {
	return o.single(ctx, name, func(ctx context.Context, u Unit) error {
		return u.ConfigureTx(ctx, cfgs)
	})
}

// ConfigureRx queues captures on one unit, in submission order.
func (o *Orchestrator) ConfigureRx(ctx context.Context, name string, cfgs []sdr.RxStreamingConfig) error {
	return o.single(ctx, name, func(ctx context.Context, u Unit) error {
		return u.ConfigureRx(ctx, cfgs)
	})
}

func (o *Orchestrator) reportFailures(kind, round string, errs map[string]error) {
	for name, err := range errs {
		o.log.Warn("unit call failed", logging.Field{Key: "unit", Value: name}, logging.Field{Key: "op", Value: kind}, logging.Err(err))
		o.report(telemetry.Event{Kind: telemetry.KindUnitFailure, Round: round, Unit: name, Message: err.Error(),
			Fields: map[string]any{"op": kind, "errorKind": string(sdr.KindOf(err))}})
	}
}

// ResetStreaming clears the queued configs of every unit.
func (o *Orchestrator) ResetStreaming(ctx context.Context) error {
	_, errs := fanOut(ctx, o.snapshot(), o.cfg.CallTimeout, func(ctx context.Context, u Unit) (struct{}, error) {
		return struct{}{}, u.ResetStreaming(ctx)
	})
	o.reportFailures("reset streaming", "", errs)
	return aggregate(errs)
}

// SetSyncSource selects the time reference of every unit.
func (o *Orchestrator) SetSyncSource(ctx context.Context, src sdr.SyncSource) error {
	_, errs := fanOut(ctx, o.snapshot(), o.cfg.CallTimeout, func(ctx context.Context, u Unit) (struct{}, error) {
		return struct{}{}, u.SetSyncSource(ctx, src)
	})
	o.reportFailures("set sync source", "", errs)
	return aggregate(errs)
}

// ClockTimes reads every unit's FPGA clock concurrently within SyncTimeout.
func (o *Orchestrator) ClockTimes(ctx context.Context) (map[string]float64, error) {
	times, errs := fanOut(ctx, o.snapshot(), o.cfg.SyncTimeout, func(ctx context.Context, u Unit) (float64, error) {
		return u.FpgaTime(ctx)
	})
	return times, aggregate(errs)
}

// spread returns the largest pairwise difference among readings.
func spread(readings map[string]float64) float64 {
	if len(readings) < 2 {
		return 0
	}
	vals := make([]float64, 0, len(readings))
	for _, v := range readings {
		vals = append(vals, v)
	}
	return floats.Max(vals) - floats.Min(vals)
}

// SynchronizationValid reports whether the unit clocks agree within
// SyncThreshold. A confirmation younger than SyncValidity is reused;
// otherwise up to SyncAttempts rounds are run, SyncRetryInterval apart.
// Failure to converge is an ordinary false result.
func (o *Orchestrator) SynchronizationValid(ctx context.Context) bool {
	o.syncMu.Lock()
	defer o.syncMu.Unlock()

	if o.timer.IsValid(o.now()) {
		return true
	}

	for attempt := 1; attempt <= o.cfg.SyncAttempts; attempt++ {
		round := uuid.NewString()
		readings, err := o.ClockTimes(ctx)
		s := spread(readings)
		converged := err == nil && s < o.cfg.SyncThreshold

		fields := map[string]any{"attempt": attempt, "spread": s, "readings": readings}
		o.report(telemetry.Event{Kind: telemetry.KindSyncRound, Round: round, Fields: fields})
		var agg *AggregatedError
		if errors.As(err, &agg) {
			o.reportFailures("clock time", round, agg.Errors)
		}
		if converged {
			o.timer.MarkValid(o.now())
			o.log.Info("clocks synchronized", logging.Field{Key: "spread", Value: s}, logging.Field{Key: "attempt", Value: attempt})
			o.report(telemetry.Event{Kind: telemetry.KindSyncValid, Round: round, Fields: map[string]any{"spread": s}})
			return true
		}
		o.log.Debug("clocks not converged", logging.Field{Key: "spread", Value: s}, logging.Field{Key: "attempt", Value: attempt}, logging.Err(err))

		if attempt < o.cfg.SyncAttempts {
			if err := o.sleep(ctx, o.cfg.SyncRetryInterval); err != nil {
				break
			}
		}
	}

	o.timer.Invalidate()
	o.log.Warn("synchronization unattained", logging.Field{Key: "attempts", Value: o.cfg.SyncAttempts})
	o.report(telemetry.Event{Kind: telemetry.KindSyncFailed, Fields: map[string]any{"attempts": o.cfg.SyncAttempts}})
	return false
}

// Execute arms every unit at a common trigger instant: the latest clock
// reading plus SchedulingMargin. It requires synchronization and returns
// sdr.ErrNotSynchronized when that cannot be attained. Units that armed
// stay armed when others fail; the failures come back as *AggregatedError.
func (o *Orchestrator) Execute(ctx context.Context) error {
	if !o.SynchronizationValid(ctx) {
		return fmt.Errorf("%w: unit clocks differ by more than %gs", sdr.ErrNotSynchronized, o.cfg.SyncThreshold)
	}

	round := uuid.NewString()
	readings, err := o.ClockTimes(ctx)
	if err != nil {
		return fmt.Errorf("read clocks for trigger: %w", err)
	}
	vals := make([]float64, 0, len(readings))
	for _, v := range readings {
		vals = append(vals, v)
	}
	if len(vals) == 0 {
		return nil
	}
	trigger := floats.Max(vals) + o.cfg.SchedulingMargin

	units := o.snapshot()
	_, errs := fanOut(ctx, units, o.cfg.CallTimeout, func(ctx context.Context, u Unit) (struct{}, error) {
		return struct{}{}, u.Execute(ctx, trigger)
	})
	o.reportFailures("execute", round, errs)
	o.log.Info("executed", logging.Field{Key: "trigger", Value: trigger}, logging.Field{Key: "armed", Value: len(units) - len(errs)}, logging.Field{Key: "failed", Value: len(errs)})
	o.report(telemetry.Event{Kind: telemetry.KindExecute, Round: round,
		Fields: map[string]any{"trigger": trigger, "armed": len(units) - len(errs), "failed": len(errs)}})
	return aggregate(errs)
}

// Collect pulls the captures of every unit within CollectTimeout. Results of
// units that succeeded are returned even when others failed.
func (o *Orchestrator) Collect(ctx context.Context) (map[string][]sdr.MimoSignal, error) {
	round := uuid.NewString()
	results, errs := fanOut(ctx, o.snapshot(), o.cfg.CollectTimeout, func(ctx context.Context, u Unit) ([]sdr.MimoSignal, error) {
		return u.Collect(ctx)
	})
	o.reportFailures("collect", round, errs)
	o.report(telemetry.Event{Kind: telemetry.KindCollect, Round: round,
		Fields: map[string]any{"collected": len(results), "failed": len(errs)}})
	return results, aggregate(errs)
}

// ResetClocks zeroes every unit clock on the next PPS edge. The previous
// synchronization state no longer applies afterwards.
func (o *Orchestrator) ResetClocks(ctx context.Context) error {
	o.syncMu.Lock()
	defer o.syncMu.Unlock()
	o.timer.Invalidate()

	_, errs := fanOut(ctx, o.snapshot(), o.cfg.CallTimeout, func(ctx context.Context, u Unit) (struct{}, error) {
		return struct{}{}, u.ResetClock(ctx)
	})
	o.reportFailures("reset clock", "", errs)
	o.report(telemetry.Event{Kind: telemetry.KindClockReset, Fields: map[string]any{"failed": len(errs)}})
	return aggregate(errs)
}

// Synchronize resets the clocks, waits for the pulse to settle and
// validates the result.
func (o *Orchestrator) Synchronize(ctx context.Context) (bool, error) {
	if err := o.ResetClocks(ctx); err != nil {
		return false, err
	}
	if err := o.sleep(ctx, o.cfg.PulseSettle); err != nil {
		return false, err
	}
	return o.SynchronizationValid(ctx), nil
}

// SyncState reports when synchronization was last confirmed.
func (o *Orchestrator) SyncState() (time.Time, bool) {
	o.syncMu.Lock()
	defer o.syncMu.Unlock()
	if !o.timer.IsValid(o.now()) {
		return time.Time{}, false
	}
	return o.timer.SetAt()
}

// Close disconnects every unit.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	units := o.units
	o.units = make(map[string]Unit)
	o.addrs = make(map[string]string)
	o.mu.Unlock()

	errs := make(map[string]error)
	for name, u := range units {
		if err := u.Close(); err != nil {
			errs[name] = err
		}
	}
	return aggregate(errs)
}
