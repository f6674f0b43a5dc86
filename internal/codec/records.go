package codec

import (
	"fmt"
	"strings"

	"github.com/rjboer/mimosync/internal/sdr"
)

// RfConfigRecord is the flat wire form of sdr.RfConfig. Pointer fields are
// required; a nil pointer means the field was missing from the payload.
type RfConfigRecord struct {
	TxGain             []float64 `json:"txGain"`
	RxGain             []float64 `json:"rxGain"`
	TxCarrierFrequency *float64  `json:"txCarrierFrequency"`
	RxCarrierFrequency *float64  `json:"rxCarrierFrequency"`
	TxAnalogFilterBw   *float64  `json:"txAnalogFilterBw"`
	RxAnalogFilterBw   *float64  `json:"rxAnalogFilterBw"`
	TxSamplingRate     *float64  `json:"txSamplingRate"`
	RxSamplingRate     *float64  `json:"rxSamplingRate"`
	NoTxAntennas       *int      `json:"noTxAntennas"`
	NoRxAntennas       *int      `json:"noRxAntennas"`
	TxAntennaMapping   []int     `json:"txAntennaMapping,omitempty"`
	RxAntennaMapping   []int     `json:"rxAntennaMapping,omitempty"`
}

func ptr[T any](v T) *T { return &v }

// EncodeRfConfig flattens cfg.
func EncodeRfConfig(cfg sdr.RfConfig) RfConfigRecord {
	return RfConfigRecord{
		TxGain:             append([]float64(nil), cfg.TxGain...),
		RxGain:             append([]float64(nil), cfg.RxGain...),
		TxCarrierFrequency: ptr(cfg.TxCarrierFrequency),
		RxCarrierFrequency: ptr(cfg.RxCarrierFrequency),
		TxAnalogFilterBw:   ptr(cfg.TxAnalogFilterBw),
		RxAnalogFilterBw:   ptr(cfg.RxAnalogFilterBw),
		TxSamplingRate:     ptr(cfg.TxSamplingRate),
		RxSamplingRate:     ptr(cfg.RxSamplingRate),
		NoTxAntennas:       ptr(cfg.NoTxAntennas),
		NoRxAntennas:       ptr(cfg.NoRxAntennas),
		TxAntennaMapping:   append([]int(nil), cfg.TxAntennaMapping...),
		RxAntennaMapping:   append([]int(nil), cfg.RxAntennaMapping...),
	}
}

// DecodeRfConfig checks field presence and then the RfConfig invariants.
func DecodeRfConfig(r RfConfigRecord) (sdr.RfConfig, error) {
	var missing []string
	f := func(name string, v *float64) float64 {
		if v == nil {
			missing = append(missing, name)
			return 0
		}
		return *v
	}
	n := func(name string, v *int) int {
		if v == nil {
			missing = append(missing, name)
			return 0
		}
		return *v
	}
	cfg := sdr.RfConfig{
		TxGain:             r.TxGain,
		RxGain:             r.RxGain,
		TxCarrierFrequency: f("txCarrierFrequency", r.TxCarrierFrequency),
		RxCarrierFrequency: f("rxCarrierFrequency", r.RxCarrierFrequency),
		TxAnalogFilterBw:   f("txAnalogFilterBw", r.TxAnalogFilterBw),
		RxAnalogFilterBw:   f("rxAnalogFilterBw", r.RxAnalogFilterBw),
		TxSamplingRate:     f("txSamplingRate", r.TxSamplingRate),
		RxSamplingRate:     f("rxSamplingRate", r.RxSamplingRate),
		NoTxAntennas:       n("noTxAntennas", r.NoTxAntennas),
		NoRxAntennas:       n("noRxAntennas", r.NoRxAntennas),
		TxAntennaMapping:   r.TxAntennaMapping,
		RxAntennaMapping:   r.RxAntennaMapping,
	}
	if len(missing) > 0 {
		return sdr.RfConfig{}, fmt.Errorf("%w: rf config is missing %s", sdr.ErrMalformedPayload, strings.Join(missing, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return sdr.RfConfig{}, err
	}
	return cfg, nil
}

// TxRecord is the wire form of sdr.TxStreamingConfig. Repetitions defaults
// to 1 when omitted.
type TxRecord struct {
	SendTimeOffset *float64       `json:"sendTimeOffset"`
	Samples        []ComplexArray `json:"samples"`
	Repetitions    *int           `json:"repetitions,omitempty"`
}

// RxRecord is the wire form of sdr.RxStreamingConfig.
type RxRecord struct {
	ReceiveTimeOffset *float64 `json:"receiveTimeOffset"`
	NoSamples         *int     `json:"noSamples"`
	NumRepetitions    *int     `json:"numRepetitions,omitempty"`
	RepetitionPeriod  int      `json:"repetitionPeriod,omitempty"`
	AntennaPort       string   `json:"antennaPort,omitempty"`
}

func EncodeTx(c sdr.TxStreamingConfig) TxRecord {
	return TxRecord{
		SendTimeOffset: ptr(c.SendTimeOffset),
		Samples:        EncodeMimo(c.Samples),
		Repetitions:    ptr(c.Repetitions),
	}
}

func DecodeTx(r TxRecord) (sdr.TxStreamingConfig, error) {
	if r.SendTimeOffset == nil {
		return sdr.TxStreamingConfig{}, fmt.Errorf("%w: tx config is missing sendTimeOffset", sdr.ErrMalformedPayload)
	}
	sig, err := DecodeMimo(r.Samples)
	if err != nil {
		return sdr.TxStreamingConfig{}, err
	}
	c := sdr.TxStreamingConfig{SendTimeOffset: *r.SendTimeOffset, Samples: sig, Repetitions: 1}
	if r.Repetitions != nil {
		c.Repetitions = *r.Repetitions
	}
	if err := c.Validate(); err != nil {
		return sdr.TxStreamingConfig{}, err
	}
	return c, nil
}

func EncodeRx(c sdr.RxStreamingConfig) RxRecord {
	return RxRecord{
		ReceiveTimeOffset: ptr(c.ReceiveTimeOffset),
		NoSamples:         ptr(c.NoSamples),
		NumRepetitions:    ptr(c.NumRepetitions),
		RepetitionPeriod:  c.RepetitionPeriod,
		AntennaPort:       c.AntennaPort,
	}
}

func DecodeRx(r RxRecord) (sdr.RxStreamingConfig, error) {
	if r.ReceiveTimeOffset == nil || r.NoSamples == nil {
		return sdr.RxStreamingConfig{}, fmt.Errorf("%w: rx config needs receiveTimeOffset and noSamples", sdr.ErrMalformedPayload)
	}
	c := sdr.RxStreamingConfig{
		ReceiveTimeOffset: *r.ReceiveTimeOffset,
		NoSamples:         *r.NoSamples,
		NumRepetitions:    1,
		RepetitionPeriod:  r.RepetitionPeriod,
		AntennaPort:       r.AntennaPort,
	}
	if r.NumRepetitions != nil {
		c.NumRepetitions = *r.NumRepetitions
	}
	if err := c.Validate(); err != nil {
		return sdr.RxStreamingConfig{}, err
	}
	return c, nil
}

// EncodeTxList encodes configs in submission order.
func EncodeTxList(cfgs []sdr.TxStreamingConfig) []TxRecord {
	out := make([]TxRecord, len(cfgs))
	for i, c := range cfgs {
		out[i] = EncodeTx(c)
	}
	return out
}

func DecodeTxList(records []TxRecord) ([]sdr.TxStreamingConfig, error) {
	out := make([]sdr.TxStreamingConfig, len(records))
	for i, r := range records {
		c, err := DecodeTx(r)
		if err != nil {
			return nil, fmt.Errorf("tx config %d: %w", i, err)
		}
		out[i] = c
	}
	return out, nil
}

func EncodeRxList(cfgs []sdr.RxStreamingConfig) []RxRecord {
	out := make([]RxRecord, len(cfgs))
	for i, c := range cfgs {
		out[i] = EncodeRx(c)
	}
	return out
}

func DecodeRxList(records []RxRecord) ([]sdr.RxStreamingConfig, error) {
	out := make([]sdr.RxStreamingConfig, len(records))
	for i, r := range records {
		c, err := DecodeRx(r)
		if err != nil {
			return nil, fmt.Errorf("rx config %d: %w", i, err)
		}
		out[i] = c
	}
	return out, nil
}
