// Package sanity runs end-to-end checks against a set of unit servers:
// whether their clocks can be synchronized and whether a known sequence
// lands on the expected sample in every capture.
package sanity

import (
	"context"
	"fmt"
	"io"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"

	"github.com/rjboer/mimosync/internal/dsp"
	"github.com/rjboer/mimosync/internal/orchestrator"
	"github.com/rjboer/mimosync/internal/sdr"
)

// Array is the subset of the orchestrator the checks drive.
type Array interface {
	AddUnit(ctx context.Context, name, addr string) error
	Units() []orchestrator.UnitInfo
	Synchronize(ctx context.Context) (bool, error)
	ClockTimes(ctx context.Context) (map[string]float64, error)
	ConfigureRf(ctx context.Context, name string, cfg sdr.RfConfig) error
	ConfigureTx(ctx context.Context, name string, cfgs []sdr.TxStreamingConfig) error
	ConfigureRx(ctx context.Context, name string, cfgs []sdr.RxStreamingConfig) error
	ResetStreaming(ctx context.Context) error
	Execute(ctx context.Context) error
	Collect(ctx context.Context) (map[string][]sdr.MimoSignal, error)
}

// UnitName is the label given to the i-th address.
func UnitName(i int) string { return fmt.Sprintf("unit%d", i) }

// SyncReport is the outcome of CheckSynchronization.
type SyncReport struct {
	Clocks map[string]float64 `json:"clocks"`
	Spread float64            `json:"spread"`
	Valid  bool               `json:"valid"`
}

// CheckSynchronization registers addrs as unit0..N, resets their clocks on
// the next pulse and validates the result. Progress is written to out.
func CheckSynchronization(ctx context.Context, a Array, addrs []string, out io.Writer) (SyncReport, error) {
	if out == nil {
		out = io.Discard
	}
	fmt.Fprintln(out, "Checking timing synchronization between units...")
	for i, addr := range addrs {
		fmt.Fprintf(out, "   unit: %s ...\n", addr)
		if err := a.AddUnit(ctx, UnitName(i), addr); err != nil {
			return SyncReport{}, err
		}
	}

	fmt.Fprintln(out, "   Synchronizing units")
	valid, err := a.Synchronize(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	clocks, err := a.ClockTimes(ctx)
	if err != nil {
		return SyncReport{}, err
	}
	rep := SyncReport{Clocks: clocks, Spread: spread(clocks), Valid: valid}

	for _, name := range sortedKeys(clocks) {
		fmt.Fprintf(out, "   %-8s clock %.6fs\n", name, clocks[name])
	}
	if rep.Valid {
		fmt.Fprintln(out, "SUCCESS")
	} else {
		fmt.Fprintln(out, "ERROR, sync could not be established!")
	}
	return rep, nil
}

// AlignmentOptions parameterises CheckAlignment.
type AlignmentOptions struct {
	Rf sdr.RfConfig
	// Transmitter sends the reference; empty means every unit sends it and
	// captures its own loopback.
	Transmitter   string
	SequenceLen   int
	Root          int
	RxSamples     int
	SendOffset    float64
	ReceiveOffset float64
	// Tolerance is the accepted distance from the expected start, in samples.
	Tolerance int
}

// DefaultAlignmentOptions captures 4096 samples at 1 MS/s around a
// 139-sample Zadoff-Chu burst sent 1 ms into the window.
func DefaultAlignmentOptions() AlignmentOptions {
	return AlignmentOptions{
		Rf: sdr.RfConfig{
			TxGain: []float64{0}, RxGain: []float64{10},
			NoTxAntennas: 1, NoRxAntennas: 1,
			TxCarrierFrequency: 2e9, RxCarrierFrequency: 2e9,
			TxAnalogFilterBw: 400e6, RxAnalogFilterBw: 400e6,
			TxSamplingRate: 1e6, RxSamplingRate: 1e6,
		},
		SequenceLen:   139,
		Root:          25,
		RxSamples:     4096,
		SendOffset:    0.001,
		ReceiveOffset: 0,
		Tolerance:     1,
	}
}

// UnitAlignment is the detection result of one unit.
type UnitAlignment struct {
	Detection dsp.Detection `json:"detection"`
	Aligned   bool          `json:"aligned"`
}

// AlignmentReport is the outcome of CheckAlignment.
type AlignmentReport struct {
	Expected int                      `json:"expected"`
	Units    map[string]UnitAlignment `json:"units"`
	Aligned  bool                     `json:"aligned"`
}

// CheckAlignment transmits a Zadoff-Chu burst, captures on every unit and
// locates the burst in each capture. The array must already hold units.
func CheckAlignment(ctx context.Context, a Array, opts AlignmentOptions, out io.Writer) (AlignmentReport, error) {
	if out == nil {
		out = io.Discard
	}
	ref := dsp.ZadoffChu(opts.Root, opts.SequenceLen)
	tx := []sdr.TxStreamingConfig{{
		SendTimeOffset: opts.SendOffset,
		Samples:        sdr.MimoSignal{Signals: replicate(ref, opts.Rf.NoTxAntennas)},
		Repetitions:    1,
	}}
	rx := []sdr.RxStreamingConfig{{
		ReceiveTimeOffset: opts.ReceiveOffset,
		NoSamples:         opts.RxSamples,
		NumRepetitions:    1,
	}}

	if err := a.ResetStreaming(ctx); err != nil {
		return AlignmentReport{}, err
	}
	for _, u := range a.Units() {
		if err := a.ConfigureRf(ctx, u.Name, opts.Rf); err != nil {
			return AlignmentReport{}, err
		}
		if opts.Transmitter == "" || opts.Transmitter == u.Name {
			if err := a.ConfigureTx(ctx, u.Name, tx); err != nil {
				return AlignmentReport{}, err
			}
		}
		if err := a.ConfigureRx(ctx, u.Name, rx); err != nil {
			return AlignmentReport{}, err
		}
	}

	fmt.Fprintln(out, "Transmitting reference sequence...")
	if err := a.Execute(ctx); err != nil {
		return AlignmentReport{}, err
	}
	captures, err := a.Collect(ctx)
	if err != nil {
		return AlignmentReport{}, err
	}

	rep := AlignmentReport{
		Expected: int(math.Round((opts.SendOffset - opts.ReceiveOffset) * opts.Rf.RxSamplingRate)),
		Units:    make(map[string]UnitAlignment, len(captures)),
		Aligned:  true,
	}
	for _, name := range sortedKeys(captures) {
		sigs := captures[name]
		if len(sigs) == 0 || sigs[0].NumAntennas() == 0 {
			return AlignmentReport{}, fmt.Errorf("%s returned no capture", name)
		}
		d, err := dsp.FindSignalStart(sigs[0].Signals[0], ref)
		if err != nil {
			return AlignmentReport{}, fmt.Errorf("%s: %w", name, err)
		}
		ua := UnitAlignment{Detection: d, Aligned: abs(d.Index-rep.Expected) <= opts.Tolerance}
		rep.Units[name] = ua
		rep.Aligned = rep.Aligned && ua.Aligned
		fmt.Fprintf(out, "   %-8s reference starts at sample %d (expected %d, peak/avg %.1f)\n",
			name, d.Index, rep.Expected, d.PeakToAverage)
	}
	if rep.Aligned {
		fmt.Fprintln(out, "SUCCESS")
	} else {
		fmt.Fprintln(out, "ERROR, captures are misaligned!")
	}
	return rep, nil
}

func replicate(sig []complex128, n int) [][]complex128 {
	out := make([][]complex128, n)
	for i := range out {
		out[i] = sig
	}
	return out
}

func spread(clocks map[string]float64) float64 {
	if len(clocks) == 0 {
		return 0
	}
	vals := make([]float64, 0, len(clocks))
	for _, v := range clocks {
		vals = append(vals, v)
	}
	return floats.Max(vals) - floats.Min(vals)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
