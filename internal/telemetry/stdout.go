package telemetry

import (
	"github.com/rjboer/mimosync/internal/logging"
)

// StdoutReporter writes events through a logger.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) Report(e Event) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "kind", Value: e.Kind},
	}
	if e.Round != "" {
		fields = append(fields, logging.Field{Key: "round", Value: e.Round})
	}
	if e.Unit != "" {
		fields = append(fields, logging.Field{Key: "unit", Value: e.Unit})
	}
	for k, v := range e.Fields {
		fields = append(fields, logging.Field{Key: k, Value: v})
	}
	msg := e.Message
	if msg == "" {
		msg = e.Kind
	}
	switch e.Kind {
	case KindUnitFailure, KindSyncFailed:
		r.logger.Warn(msg, fields...)
	case KindSyncRound:
		r.logger.Debug(msg, fields...)
	default:
		r.logger.Info(msg, fields...)
	}
}
