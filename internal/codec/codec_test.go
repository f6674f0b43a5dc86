package codec

import (
	"encoding/json"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/mimosync/internal/sdr"
)

func TestSamplesRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	for _, n := range []int{0, 1, 17, 1024} {
		in := make([]complex128, n)
		for i := range in {
			in[i] = complex(rng.NormFloat64(), rng.NormFloat64())
		}
		rec := EncodeSamples(in)
		assert.Equal(t, n, rec.Length)
		assert.Len(t, rec.RealValues, n*8)

		// the record must survive the JSON envelope too
		raw, err := json.Marshal(rec)
		require.NoError(t, err)
		var back ComplexArray
		require.NoError(t, json.Unmarshal(raw, &back))

		out, err := DecodeSamples(back)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestSamplesKeepSpecialValues(t *testing.T) {
	in := []complex128{complex(math.Inf(1), -0.0), complex(math.MaxFloat64, math.SmallestNonzeroFloat64)}
	out, err := DecodeSamples(EncodeSamples(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecodeSamplesRejects(t *testing.T) {
	good := EncodeSamples([]complex128{1, 2, 3})
	cases := map[string]func(*ComplexArray){
		"length mismatch": func(a *ComplexArray) { a.ImagValues = a.ImagValues[:8] },
		"bad byte count":  func(a *ComplexArray) { a.Length = 4 },
		"missing imag":    func(a *ComplexArray) { a.ImagValues = nil },
		"dtype":           func(a *ComplexArray) { a.Dtype = "float32" },
		"negative length": func(a *ComplexArray) { a.Length = -1 },
		"huge length": func(a *ComplexArray) {
			a.Length = 1 << 61
			a.RealValues, a.ImagValues = nil, nil
		},
		"ragged bytes": func(a *ComplexArray) {
			a.RealValues = a.RealValues[:12]
			a.ImagValues = a.ImagValues[:12]
			a.Length = 1
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			a := good
			a.RealValues = append([]byte(nil), good.RealValues...)
			a.ImagValues = append([]byte(nil), good.ImagValues...)
			mutate(&a)
			_, err := DecodeSamples(a)
			assert.ErrorIs(t, err, sdr.ErrMalformedPayload)
		})
	}
}

func TestMimoRoundTrip(t *testing.T) {
	in := sdr.MimoSignal{Signals: [][]complex128{{1 + 1i, 2}, {3i, -4}}}
	out, err := DecodeMimo(EncodeMimo(in))
	require.NoError(t, err)
	assert.True(t, in.Equal(out))

	list, err := DecodeMimoList(EncodeMimoList([]sdr.MimoSignal{in, in}))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	bad := EncodeMimo(in)
	bad[1].Dtype = ""
	_, err = DecodeMimo(bad)
	assert.ErrorIs(t, err, sdr.ErrMalformedPayload)
}

func testRf() sdr.RfConfig {
	return sdr.RfConfig{
		TxGain: []float64{10}, RxGain: []float64{5, 6},
		TxCarrierFrequency: 2e9, RxCarrierFrequency: 2e9,
		TxAnalogFilterBw: 100e6, RxAnalogFilterBw: 100e6,
		TxSamplingRate: 122.88e6, RxSamplingRate: 122.88e6,
		NoTxAntennas: 1, NoRxAntennas: 2,
		RxAntennaMapping: []int{1, 0},
	}
}

func TestRfConfigRoundTrip(t *testing.T) {
	raw, err := json.Marshal(EncodeRfConfig(testRf()))
	require.NoError(t, err)
	var rec RfConfigRecord
	require.NoError(t, json.Unmarshal(raw, &rec))
	out, err := DecodeRfConfig(rec)
	require.NoError(t, err)
	assert.True(t, testRf().Equal(out))
}

func TestRfConfigRecordValidation(t *testing.T) {
	rec := EncodeRfConfig(testRf())
	rec.TxSamplingRate = nil
	rec.NoRxAntennas = nil
	_, err := DecodeRfConfig(rec)
	require.ErrorIs(t, err, sdr.ErrMalformedPayload)
	assert.Contains(t, err.Error(), "txSamplingRate")
	assert.Contains(t, err.Error(), "noRxAntennas")

	rec = EncodeRfConfig(testRf())
	rec.RxGain = []float64{1}
	_, err = DecodeRfConfig(rec)
	assert.ErrorIs(t, err, sdr.ErrMalformedPayload)
}

func TestStreamingRecords(t *testing.T) {
	tx := sdr.TxStreamingConfig{SendTimeOffset: 0.2, Samples: sdr.MimoSignal{Signals: [][]complex128{{1, 2}}}, Repetitions: 3}
	gotTx, err := DecodeTxList(EncodeTxList([]sdr.TxStreamingConfig{tx}))
	require.NoError(t, err)
	assert.Equal(t, []sdr.TxStreamingConfig{tx}, gotTx)

	rx := sdr.RxStreamingConfig{ReceiveTimeOffset: 0.1, NoSamples: 64, NumRepetitions: 2, RepetitionPeriod: 128, AntennaPort: "RX2"}
	gotRx, err := DecodeRxList(EncodeRxList([]sdr.RxStreamingConfig{rx}))
	require.NoError(t, err)
	assert.Equal(t, []sdr.RxStreamingConfig{rx}, gotRx)
}

func TestStreamingRecordDefaultsAndErrors(t *testing.T) {
	var rx RxRecord
	require.NoError(t, json.Unmarshal([]byte(`{"receiveTimeOffset":0.5,"noSamples":10}`), &rx))
	c, err := DecodeRx(rx)
	require.NoError(t, err)
	assert.Equal(t, 1, c.NumRepetitions)

	require.NoError(t, json.Unmarshal([]byte(`{"receiveTimeOffset":0.5,"noSamples":-10}`), &rx))
	_, err = DecodeRx(rx)
	assert.ErrorIs(t, err, sdr.ErrMalformedPayload)

	_, err = DecodeRx(RxRecord{})
	assert.ErrorIs(t, err, sdr.ErrMalformedPayload)

	_, err = DecodeTx(TxRecord{Samples: EncodeMimo(sdr.MimoSignal{Signals: [][]complex128{{1}}})})
	assert.ErrorIs(t, err, sdr.ErrMalformedPayload)

	ragged := TxRecord{SendTimeOffset: ptr(0.0), Samples: EncodeMimo(sdr.MimoSignal{Signals: [][]complex128{{1}, {1, 2}}})}
	_, err = DecodeTx(ragged)
	assert.ErrorIs(t, err, sdr.ErrMalformedPayload)
}
