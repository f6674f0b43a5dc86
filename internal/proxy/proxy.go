// Package proxy is the client-side handle of one remote unit.
package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/rjboer/mimosync/internal/codec"
	"github.com/rjboer/mimosync/internal/logging"
	"github.com/rjboer/mimosync/internal/sdr"
	"github.com/rjboer/mimosync/rpc"
)

// RemoteUnitError tags a failure with the unit that produced it.
type RemoteUnitError struct {
	Unit    string
	Address string
	Err     error
}

func (e *RemoteUnitError) Error() string {
	return fmt.Sprintf("unit %s (%s): %v", e.Unit, e.Address, e.Err)
}

func (e *RemoteUnitError) Unwrap() error { return e.Err }

// Kind classifies the underlying failure.
func (e *RemoteUnitError) Kind() sdr.Kind { return sdr.KindOf(e.Err) }

// Proxy turns unit operations into rpc calls. It never retries; a failed
// call is returned to the caller wrapped in *RemoteUnitError.
type Proxy struct {
	name   string
	client *rpc.Client
	log    logging.Logger
}

// Option configures Connect.
type Option func(*options)

type options struct {
	dialer rpc.Dialer
	log    logging.Logger
}

func WithDialer(d rpc.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

func WithLogger(l logging.Logger) Option {
	return func(o *options) { o.log = l }
}

// Connect dials the unit server at addr.
func Connect(ctx context.Context, name, addr string, opts ...Option) (*Proxy, error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = logging.Default()
	}
	log := o.log.With(logging.Field{Key: "unit", Value: name})

	copts := []rpc.ClientOption{rpc.WithLogger(log)}
	if o.dialer != nil {
		copts = append(copts, rpc.WithDialer(o.dialer))
	}
	p := &Proxy{name: name, client: rpc.NewClient(addr, copts...), log: log}
	if err := p.client.Connect(ctx); err != nil {
		p.client.Close()
		return nil, p.wrap(err)
	}
	return p, nil
}

// Name returns the label the unit was registered with.
func (p *Proxy) Name() string { return p.name }

// Addr returns the unit server address.
func (p *Proxy) Addr() string { return p.client.Addr() }

func (p *Proxy) wrap(err error) error {
	if err == nil {
		return nil
	}
	var rue *RemoteUnitError
	if errors.As(err, &rue) {
		return err
	}
	return &RemoteUnitError{Unit: p.name, Address: p.client.Addr(), Err: err}
}

func (p *Proxy) call(ctx context.Context, method string, params, result any) error {
	return p.wrap(p.client.Call(ctx, method, params, result))
}

func (p *Proxy) Ping(ctx context.Context) error {
	return p.call(ctx, rpc.MethodPing, nil, nil)
}

func (p *Proxy) ConfigureRf(ctx context.Context, cfg sdr.RfConfig) error {
	if err := cfg.Validate(); err != nil {
		return p.wrap(err)
	}
	return p.call(ctx, rpc.MethodConfigureRf, codec.EncodeRfConfig(cfg), nil)
}

func (p *Proxy) RfConfig(ctx context.Context) (sdr.RfConfig, error) {
	var rec codec.RfConfigRecord
	if err := p.call(ctx, rpc.MethodGetRfConfig, nil, &rec); err != nil {
		return sdr.RfConfig{}, err
	}
	cfg, err := codec.DecodeRfConfig(rec)
	return cfg, p.wrap(err)
}

func (p *Proxy) ConfigureTx(ctx context.Context, cfgs []sdr.TxStreamingConfig) error {
	for _, c := range cfgs {
		if err := c.Validate(); err != nil {
			return p.wrap(err)
		}
	}
	return p.call(ctx, rpc.MethodConfigureTx, rpc.ConfigureTxParams{Configs: codec.EncodeTxList(cfgs)}, nil)
}

func (p *Proxy) ConfigureRx(ctx context.Context, cfgs []sdr.RxStreamingConfig) error {
	for _, c := range cfgs {
		if err := c.Validate(); err != nil {
			return p.wrap(err)
		}
	}
	return p.call(ctx, rpc.MethodConfigureRx, rpc.ConfigureRxParams{Configs: codec.EncodeRxList(cfgs)}, nil)
}

func (p *Proxy) ResetStreaming(ctx context.Context) error {
	return p.call(ctx, rpc.MethodResetStreaming, nil, nil)
}

// Execute arms the unit to start its queued configs at triggerTime on its
// FPGA clock.
func (p *Proxy) Execute(ctx context.Context, triggerTime float64) error {
	return p.call(ctx, rpc.MethodExecute, rpc.ExecuteParams{TriggerTime: triggerTime}, nil)
}

// Collect blocks until the unit returns one capture per queued rx config.
func (p *Proxy) Collect(ctx context.Context) ([]sdr.MimoSignal, error) {
	var res rpc.CollectResult
	if err := p.call(ctx, rpc.MethodCollect, nil, &res); err != nil {
		return nil, err
	}
	sigs, err := codec.DecodeMimoList(res.Signals)
	if err != nil {
		return nil, p.wrap(err)
	}
	return sigs, nil
}

func (p *Proxy) FpgaTime(ctx context.Context) (float64, error) {
	var res rpc.FloatResult
	if err := p.call(ctx, rpc.MethodGetFpgaTime, nil, &res); err != nil {
		return 0, err
	}
	return res.Value, nil
}

func (p *Proxy) MasterClockRate(ctx context.Context) (float64, error) {
	var res rpc.FloatResult
	if err := p.call(ctx, rpc.MethodGetMasterClockRate, nil, &res); err != nil {
		return 0, err
	}
	return res.Value, nil
}

// ResetClock zeroes the unit's FPGA clock on its next PPS edge.
func (p *Proxy) ResetClock(ctx context.Context) error {
	return p.call(ctx, rpc.MethodResetNextPps, nil, nil)
}

func (p *Proxy) SetSyncSource(ctx context.Context, src sdr.SyncSource) error {
	return p.call(ctx, rpc.MethodSetSyncSource, rpc.SyncSourceParams{Source: string(src)}, nil)
}

// Close drops the connection.
func (p *Proxy) Close() error {
	return p.client.Close()
}
