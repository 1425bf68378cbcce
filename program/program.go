package program

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.jpl.nasa.gov/bdube/biologic/ecl"
	"github.jpl.nasa.gov/bdube/biologic/parser"
	"github.jpl.nasa.gov/bdube/biologic/technique"
)

// Segment is one poll's parsed result for one channel.
type Segment struct {
	// Channel the data came from
	Channel int

	// Records parsed this poll, possibly empty
	Records []technique.Record

	// Info is the metadata record attached to the raw buffer
	Info ecl.DataInfo

	// Values is the instantaneous snapshot taken with the data
	Values ecl.CurrentValues
}

// Done reports whether the channel was in the terminal state when the
// segment was taken.
func (s Segment) Done() bool { return s.Values.ChannelState() == ecl.ChannelStop }

// Config assembles a Program.  Transport and Technique are mandatory;
// channels come either from Channels with shared Params, or per channel
// from ChannelParams.
type Config struct {
	Transport ecl.Transport
	Technique technique.Descriptor

	// Channels run with Params when ChannelParams is absent
	Channels []int
	Params   technique.Params

	// ChannelParams gives each channel its own parameters; its keys
	// define the channel set when Channels is empty
	ChannelParams map[int]technique.Params

	// ExternalConnection leaves connect/disconnect to the caller
	ExternalConnection bool

	// PollInterval spaces poll rounds; default one second
	PollInterval time.Duration

	// Retention bounds per-channel in-memory history after each flush;
	// nil keeps everything
	Retention *int

	// WriteAttempts is the consecutive-failure budget for flushes;
	// default 5
	WriteAttempts int

	// Barrier, when set, is waited on at Sync points
	Barrier *Barrier

	// OnData is invoked for every retrieved segment, on the polling
	// goroutine
	OnData func(Segment)

	// Clock defaults to the system clock
	Clock Clock
}

// Program runs one technique over a set of channels.
type Program struct {
	tr      ecl.Transport
	desc    technique.Descriptor
	clk     Clock
	barrier *Barrier
	onData  func(Segment)

	external     bool
	pollInterval time.Duration
	retention    *int
	maxAttempts  int

	channels []int
	family   ecl.DeviceFamily

	mu      sync.Mutex
	params  map[int]technique.Params
	data    map[int][]technique.Record
	unsaved map[int][]technique.Record

	headerWritten bool
	writesFailed  int
}

// New validates the configuration and builds a Program.  Every channel
// gets its parameter snapshot, accumulated-data list and unsaved buffer
// here; they are never individually missing afterwards.
func New(cfg Config) (*Program, error) {
	if cfg.Transport == nil {
		return nil, errors.New("program: transport is required")
	}
	if cfg.Technique.Name == "" {
		return nil, errors.New("program: technique is required")
	}
	perCh := map[int]technique.Params{}
	switch {
	case len(cfg.ChannelParams) > 0:
		for ch, p := range cfg.ChannelParams {
			perCh[ch] = p
		}
		for _, ch := range cfg.Channels {
			if _, ok := perCh[ch]; !ok {
				perCh[ch] = cfg.Params
			}
		}
	case len(cfg.Channels) > 0:
		for _, ch := range cfg.Channels {
			perCh[ch] = cfg.Params
		}
	default:
		return nil, errors.New("program: no channels given")
	}
	p := &Program{
		tr:           cfg.Transport,
		desc:         cfg.Technique,
		clk:          cfg.Clock,
		barrier:      cfg.Barrier,
		onData:       cfg.OnData,
		external:     cfg.ExternalConnection,
		pollInterval: cfg.PollInterval,
		retention:    cfg.Retention,
		maxAttempts:  cfg.WriteAttempts,
		params:       map[int]technique.Params{},
		data:         map[int][]technique.Record{},
		unsaved:      map[int][]technique.Record{},
	}
	if p.clk == nil {
		p.clk = SystemClock{}
	}
	if p.pollInterval <= 0 {
		p.pollInterval = time.Second
	}
	if p.maxAttempts <= 0 {
		p.maxAttempts = 5
	}
	for ch, raw := range perCh {
		prepared, err := cfg.Technique.Prepare(raw)
		if err != nil {
			return nil, err
		}
		p.params[ch] = prepared
		p.data[ch] = nil
		p.unsaved[ch] = nil
		p.channels = append(p.channels, ch)
	}
	sort.Ints(p.channels)
	return p, nil
}

// Channels returns the channel set in ascending order.
func (p *Program) Channels() []int {
	out := make([]int, len(p.channels))
	copy(out, p.channels)
	return out
}

// Technique returns the descriptor the program runs.
func (p *Program) Technique() technique.Descriptor { return p.desc }

// Params returns the current parameter snapshot for a channel.
func (p *Program) Params(ch int) (technique.Params, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prm, ok := p.params[ch]
	return prm, ok
}

// Data returns a copy of a channel's accumulated records.
func (p *Program) Data(ch int) []technique.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]technique.Record, len(p.data[ch]))
	copy(out, p.data[ch])
	return out
}

// Mean returns the mean of one output column over a channel's
// accumulated records.
func (p *Program) Mean(ch, col int) (float64, error) {
	p.mu.Lock()
	recs := p.data[ch]
	xs := make([]float64, 0, len(recs))
	for _, r := range recs {
		if col < len(r) {
			xs = append(xs, r[col])
		}
	}
	p.mu.Unlock()
	if len(xs) == 0 {
		return 0, fmt.Errorf("channel %d: no data in column %d", ch, col)
	}
	return stat.Mean(xs, nil), nil
}

// Sync waits at the configured barrier, if any.
func (p *Program) Sync(ctx context.Context) error {
	if p.barrier == nil {
		return nil
	}
	return p.barrier.Wait(ctx)
}

// SetBarrier installs a rendezvous barrier; the Runner calls this when
// synchronization is requested.
func (p *Program) SetBarrier(b *Barrier) { p.barrier = b }

// Connect opens the transport if this program manages the connection.
func (p *Program) Connect() error {
	if p.external || p.tr.Connected() {
		p.family = p.tr.Family()
		return nil
	}
	if err := p.tr.Connect(); err != nil {
		return err
	}
	p.family = p.tr.Family()
	return nil
}

// Load translates parameters and loads the technique on every channel.
func (p *Program) Load() error {
	file := p.desc.File(p.family)
	for _, ch := range p.channels {
		p.mu.Lock()
		prm := p.params[ch]
		p.mu.Unlock()
		regs, err := p.desc.Translate(prm)
		if err != nil {
			return err
		}
		hw, err := technique.Cast(p.desc.Schema, regs)
		if err != nil {
			return err
		}
		if err := p.tr.LoadTechnique(ch, file, hw, true, true); err != nil {
			return fmt.Errorf("load %s on channel %d: %w", p.desc.Name, ch, err)
		}
	}
	return nil
}

// Start begins execution on all channels.
func (p *Program) Start() error {
	return p.tr.StartChannels(p.channels...)
}

// Run executes the program: connect if managed, load, start, then poll
// until every channel stops or ctx is cancelled.  Cancellation is a
// normal partial completion, not an error.
func (p *Program) Run(ctx context.Context) error {
	return p.run(ctx, true)
}

// RunNoRetrieve loads and starts the channels but skips the polling
// loop; the caller drives retrieval itself and ends the session when it
// is finished, even on a managed connection.
func (p *Program) RunNoRetrieve(ctx context.Context) error {
	return p.run(ctx, false)
}

func (p *Program) run(ctx context.Context, retrieve bool) error {
	if err := p.Connect(); err != nil {
		return err
	}
	if err := p.Load(); err != nil {
		return err
	}
	if err := p.Start(); err != nil {
		return err
	}
	if !retrieve {
		// the session must outlive this call for the caller's
		// retrievals and updates
		return nil
	}
	err := p.poll(ctx)
	if !p.external {
		if derr := p.tr.Disconnect(); derr != nil && err == nil {
			err = derr
		}
	}
	return err
}

// poll drives one get-data call per active channel per round, removing
// channels as they report the terminal state.
func (p *Program) poll(ctx context.Context) error {
	active := map[int]bool{}
	for _, ch := range p.channels {
		active[ch] = true
	}
	for len(active) > 0 {
		if ctx.Err() != nil {
			log.Printf("%s: stopped early with %d channels still active", p.desc.Name, len(active))
			return nil
		}
		for _, ch := range p.channels {
			if !active[ch] {
				continue
			}
			seg, err := p.RetrieveSegment(ch)
			if err != nil {
				return err
			}
			if seg.Done() {
				delete(active, ch)
			}
		}
		if len(active) == 0 {
			break
		}
		if err := p.clk.Sleep(ctx, p.pollInterval); err != nil {
			log.Printf("%s: stopped early with %d channels still active", p.desc.Name, len(active))
			return nil
		}
	}
	return nil
}

// RetrieveSegment fetches and parses one data segment for a channel,
// appending its records to the channel's history.  A parse failure is
// logged and yields an empty segment; the channel stays active.  A
// transport failure propagates.
func (p *Program) RetrieveSegment(ch int) (Segment, error) {
	buf, info, values, err := p.tr.GetData(ch)
	if err != nil {
		return Segment{}, err
	}
	seg := Segment{Channel: ch, Info: info, Values: values}
	recs, err := p.parse(buf, info, values)
	if err != nil {
		log.Printf("%s channel %d: discarding segment: %v", p.desc.Name, ch, err)
	} else {
		seg.Records = recs
	}
	if len(seg.Records) > 0 {
		p.mu.Lock()
		p.data[ch] = append(p.data[ch], seg.Records...)
		p.unsaved[ch] = append(p.unsaved[ch], seg.Records...)
		p.mu.Unlock()
	}
	if p.onData != nil {
		p.onData(seg)
	}
	return seg, nil
}

func (p *Program) parse(buf []uint32, info ecl.DataInfo, values ecl.CurrentValues) ([]technique.Record, error) {
	if info.NbRows == 0 {
		return nil, nil
	}
	fields, err := p.desc.Fields(p.family, int(info.ProcessIndex))
	if err != nil {
		return nil, err
	}
	data, err := parser.Parse(buf, info, fields)
	if err != nil {
		return nil, err
	}
	recs := make([]technique.Record, 0, len(data))
	for _, d := range data {
		if r, ok := p.desc.Extract(d, info, values); ok {
			recs = append(recs, r)
		}
	}
	return recs, nil
}

// StepUpdate is a mid-run change to a step technique's setpoints.  Only
// Levels is mandatory; absent Durations or VsInitial leave the loaded
// values alone.
type StepUpdate struct {
	Levels    []float64
	Durations []float64
	VsInitial *bool
}

// UpdateSteps pushes new setpoints to specific channels without
// reloading the technique.  The program's parameter snapshots are
// replaced, never mutated.
func (p *Program) UpdateSteps(updates map[int]StepUpdate) error {
	key, paramKey, err := p.stepKey()
	if err != nil {
		return err
	}
	file := p.desc.File(p.family)
	for ch, u := range updates {
		p.mu.Lock()
		prm, ok := p.params[ch]
		p.mu.Unlock()
		if !ok {
			return fmt.Errorf("channel %d not part of this program", ch)
		}
		if len(u.Levels) == 0 {
			return technique.ConfigError{Technique: p.desc.Name, Msg: "update requires at least one step"}
		}
		regs := technique.Registers{
			key:           u.Levels,
			"Step_number": len(u.Levels) - 1,
		}
		if u.Durations != nil {
			if len(u.Durations) != len(u.Levels) {
				return technique.ConfigError{Technique: p.desc.Name,
					Msg: fmt.Sprintf("%d durations for %d steps", len(u.Durations), len(u.Levels))}
			}
			regs["Duration_step"] = u.Durations
		}
		if u.VsInitial != nil {
			vs := make([]bool, len(u.Levels))
			for i := range vs {
				vs[i] = *u.VsInitial
			}
			regs["vs_initial"] = vs
		}
		hw, err := technique.Cast(p.desc.Schema, regs)
		if err != nil {
			return err
		}
		if err := p.tr.UpdateParameters(ch, file, hw, 0); err != nil {
			return fmt.Errorf("update %s on channel %d: %w", p.desc.Name, ch, err)
		}
		next := prm.With(paramKey, u.Levels)
		if u.Durations != nil {
			next = next.With("durations", u.Durations)
		}
		if u.VsInitial != nil {
			next = next.With("vs_initial", *u.VsInitial)
		}
		p.mu.Lock()
		p.params[ch] = next
		p.mu.Unlock()
	}
	return nil
}

// BroadcastSteps applies one update to every channel.
func (p *Program) BroadcastSteps(u StepUpdate) error {
	updates := make(map[int]StepUpdate, len(p.channels))
	for _, ch := range p.channels {
		updates[ch] = u
	}
	return p.UpdateSteps(updates)
}

// stepKey maps the technique to its controlled-quantity register.
func (p *Program) stepKey() (register, param string, err error) {
	switch p.desc.ID {
	case ecl.TechCA, ecl.TechCALimit:
		return "Voltage_step", "voltages", nil
	case ecl.TechCP, ecl.TechCPLimit:
		return "Current_step", "currents", nil
	}
	return "", "", fmt.Errorf("%s has no step setpoints to update", p.desc.Name)
}

// Stop halts all of the program's channels on the instrument.
func (p *Program) Stop() error {
	return p.tr.StopChannels(p.channels...)
}
