package mpp

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.jpl.nasa.gov/bdube/biologic/ecl"
	"github.jpl.nasa.gov/bdube/biologic/program"
	"github.jpl.nasa.gov/bdube/biologic/technique"
)

// Config assembles the full maximum-power-point sequence: an
// open-circuit scan, a JV sweep from the open-circuit voltage to zero,
// then hold/probe tracking seeded with the sweep's best point.
type Config struct {
	Transport ecl.Transport
	Channels  []int

	// RunTime is the tracking duration
	RunTime time.Duration

	// OCVTime is the open-circuit scan duration; default 5 s
	OCVTime time.Duration

	// ScanRate is the JV sweep rate [mV/s]; default 10
	ScanRate float64

	// Step is the probe step magnitude [V]; default 0.01
	Step float64

	// Cadence and Default time the tracking cycles, see TrackingConfig
	Cadence map[int]Cadence
	Default Cadence

	// SaveDir, when set, receives voc.csv, jv.csv and mpp.csv
	SaveDir string

	// Retention bounds the tracking program's in-memory history
	Retention *int

	// Callback fires once per tracking cycle
	Callback *TimeoutCallback

	// Clock defaults to the system clock
	Clock program.Clock
}

// MPP is the composed sequence.  It is a Runner job; with a barrier
// installed, instances align after seeding so tracking begins
// simultaneously across channel groups.
type MPP struct {
	cfg     Config
	clk     program.Clock
	barrier *program.Barrier

	voc   map[int]float64
	seeds map[int]float64
	vmpp  map[int]float64
}

// New validates the configuration.
func New(cfg Config) (*MPP, error) {
	if cfg.Transport == nil {
		return nil, errors.New("mpp: transport is required")
	}
	if len(cfg.Channels) == 0 {
		return nil, errors.New("mpp: no channels given")
	}
	if cfg.RunTime <= 0 {
		return nil, errors.New("mpp: run time is required")
	}
	if cfg.OCVTime <= 0 {
		cfg.OCVTime = 5 * time.Second
	}
	if cfg.ScanRate == 0 {
		cfg.ScanRate = 10
	}
	m := &MPP{cfg: cfg, clk: cfg.Clock}
	if m.clk == nil {
		m.clk = program.SystemClock{}
	}
	return m, nil
}

// SetBarrier installs the rendezvous barrier used between the scan and
// tracking phases.
func (m *MPP) SetBarrier(b *program.Barrier) { m.barrier = b }

// Voc returns the measured open-circuit voltage per channel, valid
// after Run.
func (m *MPP) Voc() map[int]float64 { return m.voc }

// Voltages returns the final tracked voltage per channel, valid after
// Run.
func (m *MPP) Voltages() map[int]float64 { return m.vmpp }

// Run executes the sequence.  The transport connection is managed here
// across all three phases.
func (m *MPP) Run(ctx context.Context) error {
	if m.cfg.SaveDir != "" {
		if err := os.MkdirAll(m.cfg.SaveDir, 0755); err != nil {
			return err
		}
	}
	managed := !m.cfg.Transport.Connected()
	if managed {
		if err := m.cfg.Transport.Connect(); err != nil {
			return err
		}
		defer func() {
			if err := m.cfg.Transport.Disconnect(); err != nil {
				log.Printf("mpp: disconnect: %v", err)
			}
		}()
	}
	if err := m.runOCV(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	if err := m.runJV(ctx); err != nil {
		return err
	}
	// rendezvous after seeding so tracking starts simultaneously across
	// groups; sweep durations differ with each group's Voc
	if m.barrier != nil {
		if err := m.barrier.Wait(ctx); err != nil {
			log.Println("mpp: stopped before tracking began")
			return nil
		}
	}
	if ctx.Err() != nil {
		return nil
	}
	return m.track(ctx)
}

// runOCV measures the open-circuit voltage of every channel as the mean
// over a short passive scan.
func (m *MPP) runOCV(ctx context.Context) error {
	p, err := program.New(program.Config{
		Transport:          m.cfg.Transport,
		Technique:          technique.OCV,
		Channels:           m.cfg.Channels,
		Params:             technique.Params{"time": m.cfg.OCVTime.Seconds()},
		ExternalConnection: true,
		Clock:              m.clk,
	})
	if err != nil {
		return err
	}
	if err := p.Run(ctx); err != nil {
		return err
	}
	m.voc = map[int]float64{}
	for _, ch := range m.cfg.Channels {
		v, err := p.Mean(ch, 1)
		if err != nil {
			return fmt.Errorf("open-circuit scan: %w", err)
		}
		m.voc[ch] = v
	}
	return m.save(p, "voc.csv")
}

// runJV sweeps each channel from its open-circuit voltage to zero and
// picks the sample with the lowest signed power as the tracking seed.
func (m *MPP) runJV(ctx context.Context) error {
	perCh := map[int]technique.Params{}
	for _, ch := range m.cfg.Channels {
		perCh[ch] = technique.Params{
			"start": m.voc[ch],
			"end":   0.0,
			"rate":  m.cfg.ScanRate,
		}
	}
	p, err := program.New(program.Config{
		Transport:          m.cfg.Transport,
		Technique:          technique.CV,
		ChannelParams:      perCh,
		ExternalConnection: true,
		Clock:              m.clk,
	})
	if err != nil {
		return err
	}
	if err := p.Run(ctx); err != nil {
		return err
	}
	m.seeds = map[int]float64{}
	for _, ch := range m.cfg.Channels {
		best := math.Inf(1)
		seed := m.voc[ch]
		for _, rec := range p.Data(ch) {
			if rec[2] < best {
				best = rec[2]
				seed = rec[0]
			}
		}
		m.seeds[ch] = seed
	}
	return m.save(p, "jv.csv")
}

// track holds each channel at its seed voltage and runs the hill climb
// for the configured duration, flushing data once per cycle.
func (m *MPP) track(ctx context.Context) error {
	perCh := map[int]technique.Params{}
	for _, ch := range m.cfg.Channels {
		perCh[ch] = technique.Params{
			"voltages":  []float64{m.seeds[ch]},
			"durations": []float64{m.cfg.RunTime.Seconds()},
		}
	}
	p, err := program.New(program.Config{
		Transport:          m.cfg.Transport,
		Technique:          technique.CA,
		ChannelParams:      perCh,
		ExternalConnection: true,
		Retention:          m.cfg.Retention,
		Clock:              m.clk,
	})
	if err != nil {
		return err
	}
	if err := p.RunNoRetrieve(ctx); err != nil {
		return err
	}
	flush := func() error { return nil }
	if m.cfg.SaveDir != "" {
		path := filepath.Join(m.cfg.SaveDir, "mpp.csv")
		flush = func() error {
			return p.SaveData(path, program.SaveOptions{})
		}
	}
	onCycle := func(CycleResult) {
		if err := flush(); err != nil {
			log.Printf("mpp: %v", err)
		}
	}
	tr, err := NewTracking(TrackingConfig{
		Program:  p,
		Seeds:    m.seeds,
		Step:     m.cfg.Step,
		Cadence:  m.cfg.Cadence,
		Default:  m.cfg.Default,
		Callback: m.cfg.Callback,
		OnCycle: func(r CycleResult) {
			onCycle(r)
		},
		Clock: m.clk,
	})
	if err != nil {
		return err
	}
	err = tr.Run(ctx)
	m.vmpp = tr.Voltages()
	if serr := flush(); serr != nil && err == nil {
		err = serr
	}
	return err
}

func (m *MPP) save(p *program.Program, name string) error {
	if m.cfg.SaveDir == "" {
		return nil
	}
	return p.SaveData(filepath.Join(m.cfg.SaveDir, name), program.SaveOptions{})
}

// Cycles repeats the full MPP sequence, re-scanning and re-seeding each
// cycle, until the cycle count or the total runtime budget is spent.
// When the budget does not divide evenly, the final cycle is scaled to
// the remainder.  Each cycle saves under its own cycle-NN directory.
type Cycles struct {
	Config Config

	// Count is the number of scan-and-track cycles
	Count int

	// Total, when positive, caps the combined tracking time
	Total time.Duration

	barrier *program.Barrier
}

// SetBarrier installs the rendezvous barrier; synchronized instances
// align before tracking on every cycle.
func (c *Cycles) SetBarrier(b *program.Barrier) { c.barrier = b }

// Run executes the cycles in order.
func (c *Cycles) Run(ctx context.Context) error {
	if c.Count <= 0 {
		return errors.New("mpp: cycle count must be positive")
	}
	remaining := c.Total
	for i := 0; i < c.Count; i++ {
		if ctx.Err() != nil {
			return nil
		}
		cfg := c.Config
		if c.Total > 0 {
			if remaining <= 0 {
				return nil
			}
			if remaining < cfg.RunTime {
				cfg.RunTime = remaining
			}
			remaining -= cfg.RunTime
		}
		if cfg.SaveDir != "" {
			cfg.SaveDir = filepath.Join(cfg.SaveDir, fmt.Sprintf("cycle-%02d", i))
		}
		m, err := New(cfg)
		if err != nil {
			return err
		}
		if c.barrier != nil {
			m.SetBarrier(c.barrier)
		}
		if err := m.Run(ctx); err != nil {
			return fmt.Errorf("cycle %d: %w", i, err)
		}
	}
	return nil
}
