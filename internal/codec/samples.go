// Package codec converts sample payloads and radio configuration between the
// in-memory model of package sdr and the wire records carried by rpc.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/rjboer/mimosync/internal/sdr"
)

// DtypeFloat64 is the only sample encoding on the wire.
const DtypeFloat64 = "float64"

const bytesPerValue = 8

// ComplexArray carries one antenna stream as two little-endian float64
// sequences of Length values each.
type ComplexArray struct {
	RealValues []byte `json:"realValues"`
	ImagValues []byte `json:"imagValues"`
	Dtype      string `json:"dtype"`
	Length     int    `json:"length"`
}

// EncodeSamples packs a complex sequence into its wire record.
func EncodeSamples(samples []complex128) ComplexArray {
	re := make([]byte, len(samples)*bytesPerValue)
	im := make([]byte, len(samples)*bytesPerValue)
	for n, v := range samples {
		off := n * bytesPerValue
		binary.LittleEndian.PutUint64(re[off:off+bytesPerValue], math.Float64bits(real(v)))
		binary.LittleEndian.PutUint64(im[off:off+bytesPerValue], math.Float64bits(imag(v)))
	}
	return ComplexArray{RealValues: re, ImagValues: im, Dtype: DtypeFloat64, Length: len(samples)}
}

// DecodeSamples unpacks a wire record. Both byte sequences must hold exactly
// Length values.
func DecodeSamples(a ComplexArray) ([]complex128, error) {
	if a.Dtype != DtypeFloat64 {
		return nil, fmt.Errorf("%w: unsupported dtype %q", sdr.ErrMalformedPayload, a.Dtype)
	}
	if a.Length < 0 {
		return nil, fmt.Errorf("%w: negative sample length %d", sdr.ErrMalformedPayload, a.Length)
	}
	if len(a.RealValues) != len(a.ImagValues) {
		return nil, fmt.Errorf("%w: real part has %d bytes, imaginary part %d", sdr.ErrMalformedPayload, len(a.RealValues), len(a.ImagValues))
	}
	if len(a.RealValues)%bytesPerValue != 0 || len(a.RealValues)/bytesPerValue != a.Length {
		return nil, fmt.Errorf("%w: %d bytes do not hold %d float64 values", sdr.ErrMalformedPayload, len(a.RealValues), a.Length)
	}

	out := make([]complex128, a.Length)
	for n := range out {
		off := n * bytesPerValue
		re := math.Float64frombits(binary.LittleEndian.Uint64(a.RealValues[off : off+bytesPerValue]))
		im := math.Float64frombits(binary.LittleEndian.Uint64(a.ImagValues[off : off+bytesPerValue]))
		out[n] = complex(re, im)
	}
	return out, nil
}

// EncodeMimo encodes one record per antenna stream.
func EncodeMimo(sig sdr.MimoSignal) []ComplexArray {
	out := make([]ComplexArray, len(sig.Signals))
	for i, s := range sig.Signals {
		out[i] = EncodeSamples(s)
	}
	return out
}

// DecodeMimo decodes per-antenna records. Streams of different lengths are
// accepted here; transmit paths check the invariant with MimoSignal.Validate.
func DecodeMimo(arrays []ComplexArray) (sdr.MimoSignal, error) {
	sig := sdr.MimoSignal{Signals: make([][]complex128, len(arrays))}
	for i, a := range arrays {
		s, err := DecodeSamples(a)
		if err != nil {
			return sdr.MimoSignal{}, fmt.Errorf("antenna %d: %w", i, err)
		}
		sig.Signals[i] = s
	}
	return sig, nil
}

// EncodeMimoList encodes the captures returned by a collect call.
func EncodeMimoList(sigs []sdr.MimoSignal) [][]ComplexArray {
	out := make([][]ComplexArray, len(sigs))
	for i, s := range sigs {
		out[i] = EncodeMimo(s)
	}
	return out
}

// DecodeMimoList reverses EncodeMimoList.
func DecodeMimoList(records [][]ComplexArray) ([]sdr.MimoSignal, error) {
	out := make([]sdr.MimoSignal, len(records))
	for i, r := range records {
		s, err := DecodeMimo(r)
		if err != nil {
			return nil, fmt.Errorf("capture %d: %w", i, err)
		}
		out[i] = s
	}
	return out, nil
}
