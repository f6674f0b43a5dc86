package sdr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoByTwo() RfConfig {
	return RfConfig{
		TxGain:             []float64{30, 30},
		RxGain:             []float64{20, 20},
		TxCarrierFrequency: 3.7e9,
		RxCarrierFrequency: 3.7e9,
		TxAnalogFilterBw:   400e6,
		RxAnalogFilterBw:   400e6,
		TxSamplingRate:     245.76e6,
		RxSamplingRate:     245.76e6,
		NoTxAntennas:       2,
		NoRxAntennas:       2,
	}
}

func TestRfConfigValidate(t *testing.T) {
	require.NoError(t, twoByTwo().Validate())

	cases := map[string]func(*RfConfig){
		"tx gain length":   func(c *RfConfig) { c.TxGain = []float64{1} },
		"rx gain length":   func(c *RfConfig) { c.RxGain = nil },
		"no antennas":      func(c *RfConfig) { *c = RfConfig{} },
		"negative count":   func(c *RfConfig) { c.NoTxAntennas = -1 },
		"negative rate":    func(c *RfConfig) { c.RxSamplingRate = -1 },
		"mapping length":   func(c *RfConfig) { c.TxAntennaMapping = []int{0} },
		"mapping repeated": func(c *RfConfig) { c.RxAntennaMapping = []int{1, 1} },
		"mapping range":    func(c *RfConfig) { c.RxAntennaMapping = []int{0, 2} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := twoByTwo()
			mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedPayload)
		})
	}
}

func TestRfConfigLayoutAndEqual(t *testing.T) {
	a := twoByTwo()
	b := twoByTwo()
	assert.True(t, a.Equal(b))
	assert.False(t, a.MimoLayoutChanged(b))

	b.TxGain = []float64{30, 31}
	assert.False(t, a.Equal(b))
	assert.False(t, a.MimoLayoutChanged(b))

	b.NoRxAntennas = 1
	b.RxGain = []float64{20}
	assert.True(t, a.MimoLayoutChanged(b))
}

func TestMimoSignalValidate(t *testing.T) {
	assert.ErrorIs(t, MimoSignal{}.Validate(), ErrMalformedPayload)
	ragged := MimoSignal{Signals: [][]complex128{{1, 2}, {3}}}
	assert.ErrorIs(t, ragged.Validate(), ErrMalformedPayload)

	ok := MimoSignal{Signals: [][]complex128{{1, 2}, {3, 4}}}
	require.NoError(t, ok.Validate())
	assert.Equal(t, 2, ok.NumAntennas())
	assert.Equal(t, 2, ok.Len())
}

func TestClipping(t *testing.T) {
	full := MimoSignal{Signals: [][]complex128{{complex(1, 0)}}}
	assert.False(t, full.ContainsClippedTx())
	assert.True(t, full.ContainsClippedRx())

	over := MimoSignal{Signals: [][]complex128{{complex(0, -1.5)}}}
	assert.True(t, over.ContainsClippedTx())
}

func TestStreamingDurations(t *testing.T) {
	tx := TxStreamingConfig{Samples: MimoSignal{Signals: [][]complex128{make([]complex128, 100)}}, Repetitions: 2}
	assert.InDelta(t, 0.2, tx.Duration(1000), 1e-12)
	assert.Zero(t, tx.Duration(0))

	rx := RxStreamingConfig{NoSamples: 50, NumRepetitions: 3, RepetitionPeriod: 100}
	assert.InDelta(t, 0.25, rx.Duration(1000), 1e-12)
	require.NoError(t, rx.Validate())

	rx.RepetitionPeriod = 10
	assert.ErrorIs(t, rx.Validate(), ErrMalformedPayload)
}

func TestParseSyncSource(t *testing.T) {
	src, err := ParseSyncSource("external")
	require.NoError(t, err)
	assert.Equal(t, SyncExternal, src)

	_, err = ParseSyncSource("atomic")
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestKindMapping(t *testing.T) {
	wrapped := errors.Join(errors.New("ctx"), ErrTransport)
	assert.Equal(t, KindTransport, KindOf(wrapped))
	assert.Equal(t, KindDriver, KindOf(errors.New("anything")))
	assert.Equal(t, KindNotSynchronized, KindOf(ErrNotSynchronized))

	for _, k := range []Kind{KindTransport, KindDriver, KindMalformedPayload, KindDuplicateName, KindUnknownUnit, KindNotSynchronized} {
		assert.Equal(t, k, KindOf(ErrorForKind(k)))
	}
	assert.Equal(t, ErrDriver, ErrorForKind("Mystery"))
}
