package dsp

import (
	"math/cmplx"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func directCorrelation(frame, ref []complex128) []complex128 {
	out := make([]complex128, len(frame)-len(ref)+1)
	for k := range out {
		for i, r := range ref {
			out[k] += frame[i+k] * cmplx.Conj(r)
		}
	}
	return out
}

func TestCrossCorrelateMatchesDirectSum(t *testing.T) {
	rng := rand.New(rand.NewSource(3))
	frame := make([]complex128, 50)
	for i := range frame {
		frame[i] = complex(rng.NormFloat64(), rng.NormFloat64())
	}
	ref := []complex128{1, 1i, -1, 0.5 - 0.5i}

	got, err := CrossCorrelate(frame, ref)
	require.NoError(t, err)
	want := directCorrelation(frame, ref)
	require.Len(t, got, len(want))
	for i := range want {
		assert.InDelta(t, real(want[i]), real(got[i]), 1e-9, "lag %d", i)
		assert.InDelta(t, imag(want[i]), imag(got[i]), 1e-9, "lag %d", i)
	}
}

func TestFindSignalStartLocatesZadoffChu(t *testing.T) {
	ref := ZadoffChu(25, 139)
	frame := Delay(ref, 37, 1024)
	rng := rand.New(rand.NewSource(9))
	for i := range frame {
		frame[i] += complex(rng.NormFloat64()*0.05, rng.NormFloat64()*0.05)
	}

	d, err := FindSignalStart(frame, ref)
	require.NoError(t, err)
	assert.Equal(t, 37, d.Index)
	assert.Greater(t, d.PeakToAverage, 5.0)
}

func TestCorrelatorReusedAcrossFrames(t *testing.T) {
	ref := ZadoffChu(1, 31)
	c, err := NewCorrelator(ref, 256)
	require.NoError(t, err)

	for _, off := range []int{0, 12, 225} {
		corr := c.Correlate(Delay(ref, off, 256))
		assert.Equal(t, off, detect(corr).Index)
	}
	// a frame of another length falls back to a fresh plan
	corr := c.Correlate(Delay(ref, 40, 100))
	assert.Equal(t, 40, detect(corr).Index)
}

func TestReferenceTooLong(t *testing.T) {
	_, err := FindSignalStart(make([]complex128, 4), make([]complex128, 5))
	require.ErrorIs(t, err, ErrReferenceTooLong)
	_, err = CrossCorrelate(make([]complex128, 4), nil)
	require.Error(t, err)
}

func TestZadoffChuConstantAmplitude(t *testing.T) {
	seq := ZadoffChu(7, 63)
	require.Len(t, seq, 63)
	for _, v := range seq {
		assert.InDelta(t, 0.5, cmplx.Abs(v), 1e-12)
	}
	assert.Nil(t, ZadoffChu(1, 0))
}
