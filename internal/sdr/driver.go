package sdr

import (
	"context"
)

// Driver captures the blocking hardware operations of one radio front-end.
// Implementations return errors wrapping ErrDriver on hardware faults.
type Driver interface {
	// ClockTime reads the FPGA time register in seconds.
	ClockTime(ctx context.Context) (float64, error)
	MasterClockRate(ctx context.Context) (float64, error)

	SetRfConfig(ctx context.Context, cfg RfConfig) error
	RfConfig(ctx context.Context) (RfConfig, error)

	// SetTxStreaming and SetRxStreaming append to the queue of streaming
	// configs executed on the next Arm, in submission order.
	SetTxStreaming(ctx context.Context, cfgs []TxStreamingConfig) error
	SetRxStreaming(ctx context.Context, cfgs []RxStreamingConfig) error
	ResetStreaming(ctx context.Context) error

	// Arm schedules the queued configs relative to triggerTime, expressed
	// on the FPGA clock.
	Arm(ctx context.Context, triggerTime float64) error
	// Collect blocks until the armed captures completed and returns one
	// signal per queued rx config.
	Collect(ctx context.Context) ([]MimoSignal, error)

	// ResetToNextPulse zeroes the FPGA clock on the next PPS edge.
	ResetToNextPulse(ctx context.Context) error
	SetSyncSource(ctx context.Context, src SyncSource) error

	Close() error
}

// DriverFactory acquires a fresh driver handle.
type DriverFactory func(ctx context.Context) (Driver, error)
