package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.jpl.nasa.gov/bdube/biologic/ecl"
	"github.jpl.nasa.gov/bdube/biologic/impedance"
	"github.jpl.nasa.gov/bdube/biologic/monitor"
	"github.jpl.nasa.gov/bdube/biologic/program"
	"github.jpl.nasa.gov/bdube/biologic/server/middleware/locker"
	"github.jpl.nasa.gov/bdube/biologic/technique"
	"github.jpl.nasa.gov/bdube/biologic/util"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"goji.io"
)

// DeviceSetup names the instrument the programs run on
type DeviceSetup struct {
	// Addr is the IP address of an ethernet-connected instrument
	Addr string `yaml:"Addr"`

	// Timeout bounds each protocol exchange, e.g. "10s"
	Timeout string `yaml:"Timeout"`
}

// ProgramSetup holds the initialization parameters for one technique program
type ProgramSetup struct {
	// Technique is the short technique name, e.g. "ocv" or "peis"
	Technique string `yaml:"Technique"`

	// Channels are the zero-based channel numbers to run on
	Channels []int `yaml:"Channels"`

	// Args holds the technique parameters by domain name
	Args map[string]interface{} `yaml:"Args"`

	// Save is the output file, or directory with ByChannel, relative to
	// the global SaveDir.  Defaults to <technique>.csv
	Save string `yaml:"Save"`

	// ByChannel writes one file per channel instead of side by side
	ByChannel bool `yaml:"ByChannel"`

	// Interval is the poll spacing, e.g. "1s"
	Interval string `yaml:"Interval"`

	// Window bounds in-memory rows per channel after each save;
	// 0 keeps everything
	Window int `yaml:"Window"`

	// FitRC fits an R+RC equivalent circuit to impedance output after
	// the run
	FitRC bool `yaml:"FitRC"`
}

// Config holds the initialization parameters for a batch of programs.
// It is to be populated by a yaml unmarshal call.
type Config struct {
	// Addr is the address the HTTP monitor listens at; empty disables it
	Addr string `yaml:"Addr"`

	// SaveDir is the directory output paths are relative to
	SaveDir string `yaml:"SaveDir"`

	// Synchronize makes all programs rendezvous before starting
	Synchronize bool `yaml:"Synchronize"`

	Device DeviceSetup `yaml:"Device"`

	Programs []ProgramSetup `yaml:"Programs"`
}

// execute connects to the instrument, runs every configured program to
// completion, and saves their output.
func execute(ctx context.Context, c Config) error {
	if len(c.Programs) == 0 {
		return errors.New("no programs configured, see biorun help")
	}

	timeout := 10 * time.Second
	if c.Device.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(c.Device.Timeout)
		if err != nil {
			return fmt.Errorf("device timeout: %w", err)
		}
	}
	dev := ecl.NewDevice(c.Device.Addr, timeout)
	if err := dev.Connect(); err != nil {
		return fmt.Errorf("connecting to %s: %w", c.Device.Addr, err)
	}
	defer dev.Disconnect()
	log.Printf("connected to %s family instrument at %s", dev.Family(), c.Device.Addr)

	programs := make([]*program.Program, 0, len(c.Programs))
	jobs := make([]program.Job, 0, len(c.Programs))
	for i, ps := range c.Programs {
		p, err := buildProgram(dev, ps)
		if err != nil {
			return fmt.Errorf("program %d (%s): %w", i, ps.Technique, err)
		}
		programs = append(programs, p)
		jobs = append(jobs, p)
		log.Printf("program %d: %s on channels %s", i, ps.Technique, util.IntSliceToCSV(p.Channels()))
	}

	if c.Addr != "" {
		root := chi.NewRouter()
		root.Use(middleware.Logger)
		taken := map[string]int{}
		for _, p := range programs {
			mux := goji.NewMux()
			wrap := monitor.NewHTTPWrapper(p, dev)
			wrap.SaveDir = c.SaveDir
			lock := locker.New()
			locker.Inject(wrap, lock)
			mux.Use(lock.Check)
			wrap.RT().Bind(mux)
			mount := endpoint(taken, p.Technique().Name)
			root.Mount(mount, http.StripPrefix(mount, mux))
		}
		go func() {
			log.Println("monitor listening at", c.Addr)
			if err := http.ListenAndServe(c.Addr, root); err != nil {
				log.Println("monitor:", err)
			}
		}()
	}

	runner := program.NewRunner(c.Synchronize, jobs...)
	runner.Start(ctx)
	runErr := runner.Wait()

	var saveErr error
	for i, p := range programs {
		ps := c.Programs[i]
		dst := ps.Save
		if dst == "" {
			dst = ps.Technique + ".csv"
		}
		dst = filepath.Join(c.SaveDir, dst)
		if err := p.SaveData(dst, program.SaveOptions{ByChannel: ps.ByChannel}); err != nil {
			log.Printf("saving %s: %v", dst, err)
			if saveErr == nil {
				saveErr = err
			}
			continue
		}
		log.Printf("saved %s", dst)
		if ps.FitRC {
			reportFits(p)
		}
	}
	if runErr != nil {
		return runErr
	}
	return saveErr
}

func buildProgram(dev ecl.Transport, ps ProgramSetup) (*program.Program, error) {
	desc, ok := technique.ByName(ps.Technique)
	if !ok {
		return nil, fmt.Errorf("unknown technique %q", ps.Technique)
	}
	cfg := program.Config{
		Transport:          dev,
		Technique:          desc,
		Channels:           ps.Channels,
		Params:             technique.Params(ps.Args),
		ExternalConnection: true,
	}
	if ps.Interval != "" {
		d, err := time.ParseDuration(ps.Interval)
		if err != nil {
			return nil, fmt.Errorf("interval: %w", err)
		}
		cfg.PollInterval = d
	}
	if ps.Window > 0 {
		w := ps.Window
		cfg.Retention = &w
	}
	return program.New(cfg)
}

// endpoint produces a unique mount point from a technique name,
// "/peis" then "/peis-2" and so on when repeated
func endpoint(taken map[string]int, name string) string {
	taken[name]++
	if n := taken[name]; n > 1 {
		name = fmt.Sprintf("%s-%d", name, n)
	}
	return "/" + strings.Trim(name, "/")
}

// reportFits fits R+RC to each channel's spectrum and logs the parameters
func reportFits(p *program.Program) {
	for _, ch := range p.Channels() {
		s, err := impedance.FromRecords(p.Data(ch))
		if err != nil {
			log.Printf("channel %d: %v", ch, err)
			continue
		}
		res, err := impedance.FitRC(s, fitSeed(s))
		if err != nil {
			log.Printf("channel %d fit: %v", ch, err)
			continue
		}
		log.Printf("channel %d fit: Rs=%.4g Ohm Rct=%.4g Ohm C=%.4g F (chisq %.3g)",
			ch, res.Model.Rs, res.Model.Rct, res.Model.C, res.ChiSq)
	}
}

// fitSeed derives a starting guess from the sweep itself: the smallest
// modulus approximates the series resistance, the spread approximates the
// charge-transfer resistance.
func fitSeed(s impedance.Spectrum) impedance.RC {
	lo, hi := s.Points[0].Magnitude, s.Points[0].Magnitude
	for _, p := range s.Points {
		if p.Magnitude < lo {
			lo = p.Magnitude
		}
		if p.Magnitude > hi {
			hi = p.Magnitude
		}
	}
	rct := hi - lo
	if rct <= 0 {
		rct = lo
	}
	return impedance.RC{Rs: lo, Rct: rct, C: 1e-6}
}
