package dsp

import (
	"math"
	"math/cmplx"
)

// ZadoffChu returns the length-n Zadoff-Chu sequence with the given root.
// For prime n every cyclic shift is orthogonal to the others, which makes it
// a good timing reference. Amplitude is scaled to stay clear of clipping.
func ZadoffChu(root, n int) []complex128 {
	if n <= 0 {
		return nil
	}
	cf := n % 2
	out := make([]complex128, n)
	for k := range out {
		phase := -math.Pi * float64(root) * float64(k) * float64(k+cf) / float64(n)
		out[k] = 0.5 * cmplx.Exp(complex(0, phase))
	}
	return out
}

// Delay embeds sig into a frame of frameLen samples starting at offset.
// Samples that fall outside the frame are dropped.
func Delay(sig []complex128, offset, frameLen int) []complex128 {
	frame := make([]complex128, frameLen)
	for i, v := range sig {
		if j := offset + i; j >= 0 && j < frameLen {
			frame[j] = v
		}
	}
	return frame
}
