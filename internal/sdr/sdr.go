package sdr

import (
	"fmt"
	"math"
)

// RfConfig carries the radio parameters of one unit. Gains are indexed by
// antenna; the optional mappings assign stream n to antenna mapping[n] and
// default to the identity.
type RfConfig struct {
	TxGain             []float64
	RxGain             []float64
	TxCarrierFrequency float64
	RxCarrierFrequency float64
	TxAnalogFilterBw   float64
	RxAnalogFilterBw   float64
	TxSamplingRate     float64
	RxSamplingRate     float64
	NoTxAntennas       int
	NoRxAntennas       int
	TxAntennaMapping   []int
	RxAntennaMapping   []int
}

// Validate checks the antenna-indexed invariants and numeric ranges.
func (c RfConfig) Validate() error {
	if c.NoTxAntennas < 0 || c.NoRxAntennas < 0 {
		return fmt.Errorf("%w: antenna counts must not be negative", ErrMalformedPayload)
	}
	if c.NoTxAntennas == 0 && c.NoRxAntennas == 0 {
		return fmt.Errorf("%w: at least one antenna is required", ErrMalformedPayload)
	}
	if len(c.TxGain) != c.NoTxAntennas {
		return fmt.Errorf("%w: %d tx gains for %d tx antennas", ErrMalformedPayload, len(c.TxGain), c.NoTxAntennas)
	}
	if len(c.RxGain) != c.NoRxAntennas {
		return fmt.Errorf("%w: %d rx gains for %d rx antennas", ErrMalformedPayload, len(c.RxGain), c.NoRxAntennas)
	}
	for name, v := range map[string]float64{
		"tx carrier frequency": c.TxCarrierFrequency,
		"rx carrier frequency": c.RxCarrierFrequency,
		"tx filter bandwidth":  c.TxAnalogFilterBw,
		"rx filter bandwidth":  c.RxAnalogFilterBw,
		"tx sampling rate":     c.TxSamplingRate,
		"rx sampling rate":     c.RxSamplingRate,
	} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s out of range: %v", ErrMalformedPayload, name, v)
		}
	}
	if err := validateMapping("tx", c.TxAntennaMapping, c.NoTxAntennas); err != nil {
		return err
	}
	return validateMapping("rx", c.RxAntennaMapping, c.NoRxAntennas)
}

func validateMapping(dir string, mapping []int, antennas int) error {
	if len(mapping) == 0 {
		return nil
	}
	if len(mapping) != antennas {
		return fmt.Errorf("%w: %s antenna mapping has %d entries for %d antennas", ErrMalformedPayload, dir, len(mapping), antennas)
	}
	seen := make(map[int]bool, len(mapping))
	for _, idx := range mapping {
		if idx < 0 || idx >= antennas || seen[idx] {
			return fmt.Errorf("%w: invalid %s antenna mapping %v", ErrMalformedPayload, dir, mapping)
		}
		seen[idx] = true
	}
	return nil
}

// MimoLayoutChanged reports whether switching from c to next changes the
// number of antennas in use.
func (c RfConfig) MimoLayoutChanged(next RfConfig) bool {
	return c.NoTxAntennas != next.NoTxAntennas || c.NoRxAntennas != next.NoRxAntennas
}

// Equal compares two configurations field by field.
func (c RfConfig) Equal(o RfConfig) bool {
	return floatsEqual(c.TxGain, o.TxGain) &&
		floatsEqual(c.RxGain, o.RxGain) &&
		c.TxCarrierFrequency == o.TxCarrierFrequency &&
		c.RxCarrierFrequency == o.RxCarrierFrequency &&
		c.TxAnalogFilterBw == o.TxAnalogFilterBw &&
		c.RxAnalogFilterBw == o.RxAnalogFilterBw &&
		c.TxSamplingRate == o.TxSamplingRate &&
		c.RxSamplingRate == o.RxSamplingRate &&
		c.NoTxAntennas == o.NoTxAntennas &&
		c.NoRxAntennas == o.NoRxAntennas &&
		intsEqual(c.TxAntennaMapping, o.TxAntennaMapping) &&
		intsEqual(c.RxAntennaMapping, o.RxAntennaMapping)
}

// MimoSignal holds one complex sample sequence per antenna.
type MimoSignal struct {
	Signals [][]complex128
}

// NumAntennas returns the number of antenna streams.
func (m MimoSignal) NumAntennas() int { return len(m.Signals) }

// Len returns the length of the first antenna stream.
func (m MimoSignal) Len() int {
	if len(m.Signals) == 0 {
		return 0
	}
	return len(m.Signals[0])
}

// Validate checks the transmission invariant: at least one antenna and
// equal-length streams.
func (m MimoSignal) Validate() error {
	if len(m.Signals) == 0 {
		return fmt.Errorf("%w: signal has no antenna streams", ErrMalformedPayload)
	}
	n := len(m.Signals[0])
	for i, s := range m.Signals {
		if len(s) != n {
			return fmt.Errorf("%w: antenna %d has %d samples, antenna 0 has %d", ErrMalformedPayload, i, len(s), n)
		}
	}
	return nil
}

// Equal compares sample values exactly.
func (m MimoSignal) Equal(o MimoSignal) bool {
	if len(m.Signals) != len(o.Signals) {
		return false
	}
	for i := range m.Signals {
		if len(m.Signals[i]) != len(o.Signals[i]) {
			return false
		}
		for j := range m.Signals[i] {
			if m.Signals[i][j] != o.Signals[i][j] {
				return false
			}
		}
	}
	return true
}

// ContainsClippedTx reports samples the DAC cannot represent.
func (m MimoSignal) ContainsClippedTx() bool {
	return m.clipped(func(v float64) bool { return math.Abs(v) > 1.0 })
}

// ContainsClippedRx reports samples at or beyond ADC full scale.
func (m MimoSignal) ContainsClippedRx() bool {
	return m.clipped(func(v float64) bool { return math.Abs(v) >= 1.0 })
}

func (m MimoSignal) clipped(over func(float64) bool) bool {
	for _, s := range m.Signals {
		for _, v := range s {
			if over(real(v)) || over(imag(v)) {
				return true
			}
		}
	}
	return false
}

// TxStreamingConfig queues a transmission at SendTimeOffset seconds after the
// trigger instant.
type TxStreamingConfig struct {
	SendTimeOffset float64
	Samples        MimoSignal
	Repetitions    int
}

// Validate checks offsets, repetitions and the signal invariant.
func (c TxStreamingConfig) Validate() error {
	if c.SendTimeOffset < 0 || math.IsNaN(c.SendTimeOffset) {
		return fmt.Errorf("%w: send time offset must not be negative", ErrMalformedPayload)
	}
	if c.Repetitions < 1 {
		return fmt.Errorf("%w: repetitions must be at least 1", ErrMalformedPayload)
	}
	return c.Samples.Validate()
}

// Duration returns the air time of the queued signal at sampling rate fs.
func (c TxStreamingConfig) Duration(fs float64) float64 {
	if fs <= 0 {
		return 0
	}
	return float64(c.Samples.Len()*c.Repetitions) / fs
}

// RxStreamingConfig queues a capture of NoSamples samples at
// ReceiveTimeOffset seconds after the trigger instant.
type RxStreamingConfig struct {
	ReceiveTimeOffset float64
	NoSamples         int
	NumRepetitions    int
	RepetitionPeriod  int
	AntennaPort       string
}

// Validate checks offsets and counts.
func (c RxStreamingConfig) Validate() error {
	if c.ReceiveTimeOffset < 0 || math.IsNaN(c.ReceiveTimeOffset) {
		return fmt.Errorf("%w: receive time offset must not be negative", ErrMalformedPayload)
	}
	if c.NoSamples < 0 {
		return fmt.Errorf("%w: sample count must not be negative", ErrMalformedPayload)
	}
	if c.NumRepetitions < 1 {
		return fmt.Errorf("%w: repetitions must be at least 1", ErrMalformedPayload)
	}
	if c.RepetitionPeriod < 0 {
		return fmt.Errorf("%w: repetition period must not be negative", ErrMalformedPayload)
	}
	if c.NumRepetitions > 1 && c.RepetitionPeriod < c.NoSamples {
		return fmt.Errorf("%w: repetition period %d shorter than capture of %d samples", ErrMalformedPayload, c.RepetitionPeriod, c.NoSamples)
	}
	return nil
}

// Duration returns the capture window length at sampling rate fs.
func (c RxStreamingConfig) Duration(fs float64) float64 {
	if fs <= 0 {
		return 0
	}
	if c.NumRepetitions > 1 {
		return float64((c.NumRepetitions-1)*c.RepetitionPeriod+c.NoSamples) / fs
	}
	return float64(c.NoSamples) / fs
}

// SyncSource selects the clock and time reference of a unit.
type SyncSource string

const (
	SyncInternal SyncSource = "internal"
	SyncExternal SyncSource = "external"
	SyncGPSDO    SyncSource = "gpsdo"
)

// ParseSyncSource validates a sync source name.
func ParseSyncSource(s string) (SyncSource, error) {
	switch SyncSource(s) {
	case SyncInternal, SyncExternal, SyncGPSDO:
		return SyncSource(s), nil
	default:
		return "", fmt.Errorf("%w: unknown sync source %q", ErrMalformedPayload, s)
	}
}

func floatsEqual(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func intsEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
