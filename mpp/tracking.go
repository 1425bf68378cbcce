// Package mpp implements maximum-power-point tracking: a hold/probe
// hill climb over the operating voltage of a power-generating device
// under test, plus the composed scan sequence (open-circuit voltage,
// JV sweep, track) that seeds it.
//
// Power follows the generator sign convention: a producing device
// reports negative power, so a lower mean is a better operating point.
// Porting to a mode that reports positive power requires revisiting the
// probe comparison.
package mpp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.jpl.nasa.gov/bdube/biologic/program"
)

// powerColumn is the power field's position in step-technique records.
const powerColumn = 3

// Cadence is one channel's configured probe timing.
type Cadence struct {
	// ProbeInterval is the nominal spacing between probes
	ProbeInterval time.Duration

	// RecordInterval is the device recording period
	RecordInterval time.Duration

	// ProbePoints is how many records a probe should span
	ProbePoints int
}

// times derives the hold and probe durations from a cadence.
func (c Cadence) times() (hold, probe time.Duration) {
	probe = time.Duration(c.ProbePoints) * c.RecordInterval
	hold = c.ProbeInterval - probe
	if probe > hold {
		hold = probe
	}
	return hold, probe
}

// CycleResult reports one completed hold/probe cycle for observers.
type CycleResult struct {
	Channel   int
	HoldPower float64
	ProbePower float64
	Flipped   bool
	Voltage   float64
	Step      float64
}

// TrackingConfig assembles a tracking controller around a running step
// program.
type TrackingConfig struct {
	// Program is a voltage-step program already loaded and started on
	// the instrument
	Program *program.Program

	// Seeds are the initial tracked voltages per channel
	Seeds map[int]float64

	// Step is the initial probe step magnitude [V]; default 0.01
	Step float64

	// Cadence overrides timing per channel; channels not present use
	// Default
	Cadence map[int]Cadence

	// Default is the cadence for channels without an override; zero
	// fields default to a 2 s probe interval, 1 s records, 5 points...
	Default Cadence

	// Callback, if set, fires once per hold/probe cycle
	Callback *TimeoutCallback

	// OnCycle, if set, observes every per-channel cycle decision
	OnCycle func(CycleResult)

	// Clock defaults to the system clock
	Clock program.Clock
}

// Tracking is the hold/probe controller.  Per channel it keeps a
// tracked voltage and a signed step, both mutated every cycle.
type Tracking struct {
	prog     *program.Program
	clk      program.Clock
	callback *TimeoutCallback
	onCycle  func(CycleResult)

	holdTime  time.Duration
	probeTime time.Duration

	vmpp map[int]float64
	step map[int]float64
}

// NewTracking validates seeds against the program's channel set and
// derives the common cycle clock from the fastest channel's cadence, so
// slower channels probe more often than their own setting asks.  That
// keeps the channels aligned on one schedule.
func NewTracking(cfg TrackingConfig) (*Tracking, error) {
	if cfg.Program == nil {
		return nil, errors.New("mpp: program is required")
	}
	chans := cfg.Program.Channels()
	for ch := range cfg.Seeds {
		if !containsInt(chans, ch) {
			return nil, fmt.Errorf("mpp: seed for channel %d outside the program", ch)
		}
	}
	def := cfg.Default
	if def.ProbeInterval <= 0 {
		def.ProbeInterval = 2 * time.Second
	}
	if def.RecordInterval <= 0 {
		def.RecordInterval = time.Second
	}
	if def.ProbePoints <= 0 {
		def.ProbePoints = 5
	}
	stepMag := cfg.Step
	if stepMag == 0 {
		stepMag = 0.01
	}
	t := &Tracking{
		prog:     cfg.Program,
		clk:      cfg.Clock,
		callback: cfg.Callback,
		onCycle:  cfg.OnCycle,
		vmpp:     map[int]float64{},
		step:     map[int]float64{},
	}
	if t.clk == nil {
		t.clk = program.SystemClock{}
	}
	t.holdTime = time.Duration(math.MaxInt64)
	t.probeTime = time.Duration(math.MaxInt64)
	for _, ch := range chans {
		cad, ok := cfg.Cadence[ch]
		if !ok {
			cad = def
		}
		hold, probe := cad.times()
		if hold+probe < t.holdTime+t.probeTime {
			t.holdTime, t.probeTime = hold, probe
		}
		v, ok := cfg.Seeds[ch]
		if !ok {
			return nil, fmt.Errorf("mpp: channel %d has no seed voltage", ch)
		}
		t.vmpp[ch] = v
		t.step[ch] = stepMag
	}
	return t, nil
}

// Voltages returns the tracked voltage per channel.
func (t *Tracking) Voltages() map[int]float64 {
	out := make(map[int]float64, len(t.vmpp))
	for ch, v := range t.vmpp {
		out[ch] = v
	}
	return out
}

// Run drives hold/probe cycles until every channel stops or ctx is
// cancelled.  The program must already be started on the instrument.
func (t *Tracking) Run(ctx context.Context) error {
	active := map[int]bool{}
	for ch := range t.vmpp {
		active[ch] = true
	}
	if err := t.command(activeSet(active)); err != nil {
		return err
	}
	for len(active) > 0 {
		if err := t.clk.Sleep(ctx, t.holdTime); err != nil {
			log.Println("mpp: tracking stopped early")
			return nil
		}
		hold, err := t.fetch(active)
		if err != nil {
			return err
		}
		if len(active) == 0 {
			break
		}

		probeCmd := map[int]program.StepUpdate{}
		for ch := range active {
			probeCmd[ch] = program.StepUpdate{Levels: []float64{t.vmpp[ch] + t.step[ch]}}
		}
		if err := t.prog.UpdateSteps(probeCmd); err != nil {
			return err
		}
		if err := t.clk.Sleep(ctx, t.probeTime); err != nil {
			log.Println("mpp: tracking stopped early")
			return nil
		}
		probe, err := t.fetch(active)
		if err != nil {
			return err
		}

		for _, ch := range activeSet(active) {
			t.decide(ch, hold[ch], probe[ch])
		}
		if err := t.command(activeSet(active)); err != nil {
			return err
		}
		if t.callback != nil {
			t.callback.Tick(t.clk.Now())
		}
	}
	return nil
}

// decide applies the hill-climb rule for one channel: if the probe was
// not strictly better than the hold, reverse direction; then move the
// tracked voltage by one step.
func (t *Tracking) decide(ch int, hold, probe []float64) {
	n := len(hold)
	if len(probe) < n {
		n = len(probe)
	}
	if n == 0 {
		// nothing to compare this cycle; keep voltage and direction
		log.Printf("mpp channel %d: empty comparison window, holding", ch)
		return
	}
	hp := stat.Mean(hold[len(hold)-n:], nil)
	pp := stat.Mean(probe[len(probe)-n:], nil)
	flipped := pp >= hp
	if flipped {
		t.step[ch] = -t.step[ch]
	}
	t.vmpp[ch] += t.step[ch]
	if t.onCycle != nil {
		t.onCycle(CycleResult{
			Channel:    ch,
			HoldPower:  hp,
			ProbePower: pp,
			Flipped:    flipped,
			Voltage:    t.vmpp[ch],
			Step:       t.step[ch],
		})
	}
}

// fetch retrieves one segment per active channel, returning the power
// samples and pruning channels that reached the terminal state.
func (t *Tracking) fetch(active map[int]bool) (map[int][]float64, error) {
	out := map[int][]float64{}
	for _, ch := range activeSet(active) {
		seg, err := t.prog.RetrieveSegment(ch)
		if err != nil {
			return nil, err
		}
		var powers []float64
		for _, rec := range seg.Records {
			if powerColumn < len(rec) {
				powers = append(powers, rec[powerColumn])
			}
		}
		out[ch] = powers
		if seg.Done() {
			delete(active, ch)
		}
	}
	return out, nil
}

// command pushes each channel's tracked voltage as its hold setpoint.
func (t *Tracking) command(chans []int) error {
	if len(chans) == 0 {
		return nil
	}
	cmd := map[int]program.StepUpdate{}
	for _, ch := range chans {
		cmd[ch] = program.StepUpdate{Levels: []float64{t.vmpp[ch]}}
	}
	return t.prog.UpdateSteps(cmd)
}

func activeSet(m map[int]bool) []int {
	out := make([]int, 0, len(m))
	for ch := range m {
		out = append(out, ch)
	}
	sort.Ints(out)
	return out
}

func containsInt(s []int, v int) bool {
	for _, e := range s {
		if e == v {
			return true
		}
	}
	return false
}
