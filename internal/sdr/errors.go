package sdr

import (
	"errors"
	"fmt"
)

// Failure kinds shared by the driver, the wire protocol and the orchestrator.
var (
	ErrTransport        = errors.New("transport failure")
	ErrDriver           = errors.New("driver failure")
	ErrMalformedPayload = errors.New("malformed payload")
	ErrDuplicateName    = errors.New("duplicate unit name")
	ErrUnknownUnit      = errors.New("unknown unit")
	ErrNotSynchronized  = errors.New("synchronization unattained")
)

// Driver failures that no retry or fresh handle can fix. Both report as
// DriverFailure on the wire.
var (
	// ErrTriggerElapsed: the arm instant is already in the past on the
	// FPGA clock, usually because the scheduling margin is too small.
	ErrTriggerElapsed = fmt.Errorf("%w: trigger instant already elapsed", ErrDriver)
	// ErrRejected: the radio refused a configuration or call sequence.
	ErrRejected = fmt.Errorf("%w: rejected by radio", ErrDriver)
)

// Kind is the wire name of a failure class.
type Kind string

const (
	KindTransport        Kind = "TransportFailure"
	KindDriver           Kind = "DriverFailure"
	KindMalformedPayload Kind = "MalformedPayload"
	KindDuplicateName    Kind = "DuplicateName"
	KindUnknownUnit      Kind = "UnknownUnit"
	KindNotSynchronized  Kind = "SynchronizationUnattained"
)

var kindTable = []struct {
	kind Kind
	err  error
}{
	{KindTransport, ErrTransport},
	{KindDriver, ErrDriver},
	{KindMalformedPayload, ErrMalformedPayload},
	{KindDuplicateName, ErrDuplicateName},
	{KindUnknownUnit, ErrUnknownUnit},
	{KindNotSynchronized, ErrNotSynchronized},
}

// KindOf classifies err. Errors outside the taxonomy are reported as
// driver failures since they originate below the wire.
func KindOf(err error) Kind {
	for _, row := range kindTable {
		if errors.Is(err, row.err) {
			return row.kind
		}
	}
	return KindDriver
}

// ErrorForKind returns the sentinel for a wire kind. Unknown kinds map to
// ErrDriver.
func ErrorForKind(k Kind) error {
	for _, row := range kindTable {
		if row.kind == k {
			return row.err
		}
	}
	return ErrDriver
}
