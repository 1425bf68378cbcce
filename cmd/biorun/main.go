package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "gopkg.in/yaml.v2"
)

var (
	// Version is the version number.  Typically injected via ldflags with git build
	Version = "1"

	// ConfigFileName is what it sounds like
	ConfigFileName = "biorun.yml"
	k              = koanf.New(".")
)

func setupconfig() {
	k.Load(structs.Provider(Config{
		Addr:     "",
		SaveDir:  ".",
		Device:   DeviceSetup{Timeout: "10s"},
		Programs: []ProgramSetup{}}, "koanf"), nil)
	if err := k.Load(file.Provider(ConfigFileName), yaml.Parser()); err != nil {
		errtxt := err.Error()
		if !strings.Contains(errtxt, "no such") { // file missing, who cares
			log.Fatalf("error loading config: %v", err)
		}
	}
}

func root() {
	str := `biorun executes technique programs on a BioLogic potentiostat and saves
the measurements to CSV.  An optional HTTP interface exposes the running
programs for observation and control.

Usage:
	biorun <command>

Commands:
	run
	help
	mkconf
	conf
	version`
	fmt.Println(str)
}

func help() {
	str := `biorun is configured via its .yaml file.  For a primer on YAML, see
https://yaml.org/start.html

Without a configuration, the runner exits immediately with an error that
there are no programs.

The Device block names the instrument: Addr is the IP address of an
ethernet-connected unit, Timeout bounds each protocol exchange.

Each entry of Programs runs one technique over a set of channels:
- Technique: one of ocv, ca, calimit, cp, cplimit, cv, peis, geis
- Channels: zero-based channel numbers, e.g. [0, 1]
- Args: technique parameters by domain name, e.g. time, voltages
- Save: file (or directory with ByChannel) the data is written to,
  relative to SaveDir
- ByChannel: one file per channel instead of side by side
- Interval: poll spacing, e.g. 1s
- Window: in-memory rows kept per channel after each save, 0 keeps all
- FitRC: for peis/geis programs, fit an R+RC equivalent circuit to the
  spectrum after the run and report the parameters

Synchronize makes all programs rendezvous at their start barrier so
loading does not skew start times between channels.

Addr, when set, serves the HTTP monitor; each program mounts under
/<technique> (or /<technique>-N when repeated).`
	fmt.Println(str)
}

func mkconf() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	f, err := os.Create(ConfigFileName)
	if err != nil {
		log.Fatal(err)
	}
	defer f.Close()
	err = yml.NewEncoder(f).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func printconf() {
	c := Config{}
	k.Unmarshal("", &c)
	err := yml.NewEncoder(os.Stdout).Encode(c)
	if err != nil {
		log.Fatal(err)
	}
}

func pversion() {
	fmt.Printf("biorun version %v\n", Version)
}

func run() {
	c := Config{}
	err := k.Unmarshal("", &c)
	if err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := execute(ctx, c); err != nil {
		log.Fatal(err)
	}
}

func main() {
	var cmd string
	args := os.Args
	if len(args) == 1 {
		root()
		return
	}
	setupconfig()
	cmd = args[1]
	cmd = strings.ToLower(cmd)
	switch cmd {
	case "help":
		help()
		return
	case "mkconf":
		mkconf()
		return
	case "conf":
		printconf()
		return
	case "run":
		run()
		return
	case "version":
		pversion()
		return
	default:
		log.Fatal("unknown command")
	}
}
