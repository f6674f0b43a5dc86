// Package rpc carries unit operations between the orchestrator and unit
// servers as newline-delimited JSON envelopes over a stream connection.
package rpc

import (
	"encoding/json"
	"errors"

	"github.com/rjboer/mimosync/internal/codec"
	"github.com/rjboer/mimosync/internal/sdr"
)

// Method names understood by unit servers.
const (
	MethodConfigureRf        = "configureRfConfig"
	MethodGetRfConfig        = "getRfConfig"
	MethodConfigureTx        = "configureTx"
	MethodConfigureRx        = "configureRx"
	MethodResetStreaming     = "resetStreamingConfigs"
	MethodExecute            = "execute"
	MethodCollect            = "collect"
	MethodGetFpgaTime        = "getCurrentFpgaTime"
	MethodGetMasterClockRate = "getMasterClockRate"
	MethodResetNextPps       = "setTimeToZeroNextPps"
	MethodSetSyncSource      = "setSyncSource"
	MethodPing               = "ping"
)

// Request is one call envelope. ID correlates the response.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response carries either a result or a structured error, never both.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// Error is a failure reported by the remote unit.
type Error struct {
	Kind    sdr.Kind `json:"kind"`
	Message string   `json:"message"`
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// Is matches the sdr sentinel of the same kind, so errors.Is(err,
// sdr.ErrDriver) holds for a remote driver failure.
func (e *Error) Is(target error) bool {
	return sdr.ErrorForKind(e.Kind) == target
}

// NewError converts a local failure into its wire form.
func NewError(err error) *Error {
	var re *Error
	if errors.As(err, &re) {
		return re
	}
	return &Error{Kind: sdr.KindOf(err), Message: err.Error()}
}

// Parameter and result payloads.
type (
	ConfigureTxParams struct {
		Configs []codec.TxRecord `json:"configs"`
	}
	ConfigureRxParams struct {
		Configs []codec.RxRecord `json:"configs"`
	}
	ExecuteParams struct {
		TriggerTime float64 `json:"triggerTime"`
	}
	SyncSourceParams struct {
		Source string `json:"source"`
	}
	CollectResult struct {
		Signals [][]codec.ComplexArray `json:"signals"`
	}
	FloatResult struct {
		Value float64 `json:"value"`
	}
)
