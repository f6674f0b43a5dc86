// Package dsp locates known reference sequences inside captured frames.
package dsp

import (
	"errors"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/floats"
)

// ErrReferenceTooLong is returned when the reference does not fit the frame.
var ErrReferenceTooLong = errors.New("dsp: reference longer than frame")

// Correlator cross-correlates frames of a fixed length against one reference.
// The FFT plan and the conjugated reference spectrum are computed once.
type Correlator struct {
	mu        sync.Mutex
	refLen    int
	frameLen  int
	fft       *fourier.CmplxFFT
	refCoeffs []complex128
	buf       []complex128
}

// NewCorrelator prepares a correlator for frames of frameLen samples.
func NewCorrelator(ref []complex128, frameLen int) (*Correlator, error) {
	if len(ref) == 0 {
		return nil, errors.New("dsp: empty reference")
	}
	if len(ref) > frameLen {
		return nil, ErrReferenceTooLong
	}
	n := nextPow2(frameLen + len(ref) - 1)
	fft := fourier.NewCmplxFFT(n)

	padded := make([]complex128, n)
	copy(padded, ref)
	coeffs := fft.Coefficients(nil, padded)
	for i, v := range coeffs {
		coeffs[i] = cmplx.Conj(v)
	}
	return &Correlator{
		refLen:    len(ref),
		frameLen:  frameLen,
		fft:       fft,
		refCoeffs: coeffs,
		buf:       make([]complex128, n),
	}, nil
}

// Correlate returns c[k] = sum_i frame[i+k] * conj(ref[i]) for every lag k at
// which the reference lies entirely inside the frame.
func (c *Correlator) Correlate(frame []complex128) []complex128 {
	if len(frame) != c.frameLen {
		cc, err := NewCorrelator(c.reference(), len(frame))
		if err != nil {
			return nil
		}
		return cc.Correlate(frame)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n := c.fft.Len()
	for i := range c.buf {
		c.buf[i] = 0
	}
	copy(c.buf, frame)
	coeffs := c.fft.Coefficients(nil, c.buf)
	for i := range coeffs {
		coeffs[i] *= c.refCoeffs[i]
	}
	seq := c.fft.Sequence(nil, coeffs)

	lags := c.frameLen - c.refLen + 1
	out := make([]complex128, lags)
	scale := complex(float64(n), 0)
	for k := range out {
		out[k] = seq[k] / scale
	}
	return out
}

// reference recovers the time-domain reference from its spectrum.
func (c *Correlator) reference() []complex128 {
	c.mu.Lock()
	defer c.mu.Unlock()
	coeffs := make([]complex128, len(c.refCoeffs))
	for i, v := range c.refCoeffs {
		coeffs[i] = cmplx.Conj(v)
	}
	seq := c.fft.Sequence(nil, coeffs)
	scale := complex(float64(c.fft.Len()), 0)
	ref := make([]complex128, c.refLen)
	for i := range ref {
		ref[i] = seq[i] / scale
	}
	return ref
}

// CrossCorrelate is a one-shot Correlate.
func CrossCorrelate(frame, ref []complex128) ([]complex128, error) {
	c, err := NewCorrelator(ref, len(frame))
	if err != nil {
		return nil, err
	}
	return c.Correlate(frame), nil
}

// Detection is the strongest correlation peak in a frame.
type Detection struct {
	// Index is the sample at which the reference starts.
	Index int     `json:"index"`
	Peak  float64 `json:"peak"`
	// PeakToAverage compares the peak with the mean correlation magnitude.
	PeakToAverage float64 `json:"peakToAverage"`
}

// FindSignalStart returns the lag with the largest correlation magnitude.
func FindSignalStart(frame, ref []complex128) (Detection, error) {
	corr, err := CrossCorrelate(frame, ref)
	if err != nil {
		return Detection{}, err
	}
	return detect(corr), nil
}

func detect(corr []complex128) Detection {
	mags := make([]float64, len(corr))
	for i, v := range corr {
		mags[i] = cmplx.Abs(v)
	}
	idx := floats.MaxIdx(mags)
	d := Detection{Index: idx, Peak: mags[idx]}
	if mean := floats.Sum(mags) / float64(len(mags)); mean > 0 {
		d.PeakToAverage = d.Peak / mean
	}
	return d
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
