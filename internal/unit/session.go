package unit

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rjboer/mimosync/internal/codec"
	"github.com/rjboer/mimosync/internal/logging"
	"github.com/rjboer/mimosync/internal/sdr"
	"github.com/rjboer/mimosync/rpc"
)

// Session serves the calls of one connection against its own Controller.
// It is created when the connection is accepted and closed with it.
type Session struct {
	ID      string
	Remote  string
	Started time.Time

	ctrl    *Controller
	log     logging.Logger
	calls   atomic.Uint64
	release func()
}

// SessionStatus is the externally visible state of a session.
type SessionStatus struct {
	ID         string    `json:"id"`
	Remote     string    `json:"remote"`
	Started    time.Time `json:"started"`
	Calls      uint64    `json:"calls"`
	Controller Stats     `json:"controller"`
}

func newSession(id, remote string, ctrl *Controller, log logging.Logger, release func()) *Session {
	return &Session{
		ID:      id,
		Remote:  remote,
		Started: time.Now(),
		ctrl:    ctrl,
		log:     log,
		release: release,
	}
}

// Status snapshots the session.
func (s *Session) Status() SessionStatus {
	return SessionStatus{
		ID:         s.ID,
		Remote:     s.Remote,
		Started:    s.Started,
		Calls:      s.calls.Load(),
		Controller: s.ctrl.Stats(),
	}
}

func decodeParams(method string, raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: %s requires parameters", sdr.ErrMalformedPayload, method)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %s parameters: %v", sdr.ErrMalformedPayload, method, err)
	}
	return nil
}

// Handle implements rpc.Handler.
func (s *Session) Handle(ctx context.Context, method string, params json.RawMessage) (any, error) {
	s.calls.Add(1)

	switch method {
	case rpc.MethodConfigureRf:
		var rec codec.RfConfigRecord
		if err := decodeParams(method, params, &rec); err != nil {
			return nil, err
		}
		cfg, err := codec.DecodeRfConfig(rec)
		if err != nil {
			return nil, err
		}
		return nil, s.ctrl.SetRfConfig(ctx, cfg)

	case rpc.MethodGetRfConfig:
		cfg, err := s.ctrl.RfConfig(ctx)
		if err != nil {
			return nil, err
		}
		return codec.EncodeRfConfig(cfg), nil

	case rpc.MethodConfigureTx:
		var p rpc.ConfigureTxParams
		if err := decodeParams(method, params, &p); err != nil {
			return nil, err
		}
		cfgs, err := codec.DecodeTxList(p.Configs)
		if err != nil {
			return nil, err
		}
		return nil, s.ctrl.SetTxStreaming(ctx, cfgs)

	case rpc.MethodConfigureRx:
		var p rpc.ConfigureRxParams
		if err := decodeParams(method, params, &p); err != nil {
			return nil, err
		}
		cfgs, err := codec.DecodeRxList(p.Configs)
		if err != nil {
			return nil, err
		}
		return nil, s.ctrl.SetRxStreaming(ctx, cfgs)

	case rpc.MethodResetStreaming:
		return nil, s.ctrl.ResetStreaming(ctx)

	case rpc.MethodExecute:
		var p rpc.ExecuteParams
		if err := decodeParams(method, params, &p); err != nil {
			return nil, err
		}
		s.log.Debug("arming", logging.Field{Key: "trigger", Value: p.TriggerTime})
		return nil, s.ctrl.Arm(ctx, p.TriggerTime)

	case rpc.MethodCollect:
		sigs, err := s.ctrl.Collect(ctx)
		if err != nil {
			return nil, err
		}
		return rpc.CollectResult{Signals: codec.EncodeMimoList(sigs)}, nil

	case rpc.MethodGetFpgaTime:
		t, err := s.ctrl.ClockTime(ctx)
		if err != nil {
			return nil, err
		}
		return rpc.FloatResult{Value: t}, nil

	case rpc.MethodGetMasterClockRate:
		r, err := s.ctrl.MasterClockRate(ctx)
		if err != nil {
			return nil, err
		}
		return rpc.FloatResult{Value: r}, nil

	case rpc.MethodResetNextPps:
		return nil, s.ctrl.ResetToNextPulse(ctx)

	case rpc.MethodSetSyncSource:
		var p rpc.SyncSourceParams
		if err := decodeParams(method, params, &p); err != nil {
			return nil, err
		}
		src, err := sdr.ParseSyncSource(p.Source)
		if err != nil {
			return nil, err
		}
		return nil, s.ctrl.SetSyncSource(ctx, src)
	}
	return nil, fmt.Errorf("%w: unknown method %q", sdr.ErrMalformedPayload, method)
}

// Close tears down the controller and gives up the device lease.
func (s *Session) Close() error {
	err := s.ctrl.Close()
	if s.release != nil {
		s.release()
	}
	return err
}
