package technique

import (
	"fmt"
	"math"

	"github.jpl.nasa.gov/bdube/biologic/ecl"
	"github.jpl.nasa.gov/bdube/biologic/parser"
)

func fieldsFor(id ecl.TechniqueID) func(ecl.DeviceFamily, int) ([]parser.FieldInfo, error) {
	return func(family ecl.DeviceFamily, process int) ([]parser.FieldInfo, error) {
		return parser.Fields(family, id, process)
	}
}

// OCV measures open-circuit voltage against a rest timer.
//
// Domain parameters:
//
//	time             total rest duration [s] (required)
//	time_interval    maximum time between records [s]
//	voltage_interval voltage change forcing a record [V]
var OCV = Descriptor{
	Name: "ocv",
	ID:   ecl.TechOCV,
	Defaults: Params{
		"time_interval":    1.0,
		"voltage_interval": 0.01,
	},
	Required: []string{"time"},
	Titles:   []string{"Time [s]", "Voltage [V]"},
	Schema: Schema{
		"Rest_time_T":     ecl.Single,
		"Record_every_dE": ecl.Single,
		"Record_every_dT": ecl.Single,
	},
	Translate: func(p Params) (Registers, error) {
		t, _ := p.Float("time")
		dt, _ := p.Float("time_interval")
		de, _ := p.Float("voltage_interval")
		return Registers{
			"Rest_time_T":     t,
			"Record_every_dE": de,
			"Record_every_dT": dt,
		}, nil
	},
	Extract: func(d parser.Datum, info ecl.DataInfo, values ecl.CurrentValues) (Record, bool) {
		return Record{
			parser.DatumTime(d, info, values),
			d.MustField("voltage"),
		}, true
	},
	Fields: fieldsFor(ecl.TechOCV),
}

var stepTitles = []string{"Time [s]", "Voltage [V]", "Current [A]", "Power [W]", "Cycle"}

func stepExtract(d parser.Datum, info ecl.DataInfo, values ecl.CurrentValues) (Record, bool) {
	v := d.MustField("voltage")
	i := d.MustField("current")
	return Record{
		parser.DatumTime(d, info, values),
		v,
		i,
		v * i,
		d.MustField("cycle"),
	}, true
}

// chronoRegisters builds the shared step registers of the
// chronoamperometry family.  stepKey names the controlled quantity's
// register and levels its per-step setpoints.
func chronoRegisters(p Params, name, stepKey, levelKey string) (Registers, int, error) {
	levels, ok := p.Floats(levelKey)
	if !ok || len(levels) == 0 {
		return nil, 0, ConfigError{name, levelKey + " must be a non-empty list"}
	}
	durations, ok := p.Floats("durations")
	if !ok {
		return nil, 0, ConfigError{name, "durations must be a list"}
	}
	if len(durations) == 1 && len(levels) > 1 {
		durations = append([]float64{}, durations...)
		for len(durations) < len(levels) {
			durations = append(durations, durations[0])
		}
	}
	if len(durations) != len(levels) {
		return nil, 0, ConfigError{name, fmt.Sprintf("%d durations for %d steps", len(durations), len(levels))}
	}
	vsInitial, _ := p.Bool("vs_initial")
	dt, _ := p.Float("time_interval")
	steps := len(levels)
	regs := Registers{
		stepKey:           levels,
		"vs_initial":      repeat(vsInitial, steps),
		"Duration_step":   durations,
		"Step_number":     steps - 1,
		"Record_every_dT": dt,
		"N_Cycles":        0,
	}
	return regs, steps, nil
}

// CA holds a sequence of voltage steps and records the current.
//
// Domain parameters:
//
//	voltages         per-step setpoints [V] (required)
//	durations        per-step durations [s] (required; a 1-list repeats)
//	vs_initial       setpoints relative to the starting potential
//	time_interval    maximum time between records [s]
//	current_interval current change forcing a record [A]
//	current_range    ecl.IRange measurement range
var CA = Descriptor{
	Name: "ca",
	ID:   ecl.TechCA,
	Defaults: Params{
		"vs_initial":       false,
		"time_interval":    1.0,
		"current_interval": 1e-3,
		"current_range":    ecl.IRangeM10,
	},
	Required: []string{"voltages", "durations"},
	Titles:   stepTitles,
	Schema: Schema{
		"Voltage_step":    ecl.Single,
		"vs_initial":      ecl.Boolean,
		"Duration_step":   ecl.Single,
		"Step_number":     ecl.Int32,
		"Record_every_dT": ecl.Single,
		"Record_every_dI": ecl.Single,
		"N_Cycles":        ecl.Int32,
		"I_Range":         ecl.Int32,
	},
	Translate: func(p Params) (Registers, error) {
		regs, _, err := chronoRegisters(p, "ca", "Voltage_step", "voltages")
		if err != nil {
			return nil, err
		}
		di, _ := p.Float("current_interval")
		irange, _ := p.Int("current_range")
		regs["Record_every_dI"] = di
		regs["I_Range"] = irange
		return regs, nil
	},
	Extract: stepExtract,
	Fields:  fieldsFor(ecl.TechCA),
}

// limitRegisters appends the three hardware limit-test slots.  Each
// limit is (config, value); config 0 disables the slot.
func limitRegisters(regs Registers, p Params) Registers {
	for i := 1; i <= 3; i++ {
		cfg, _ := p.Int(fmt.Sprintf("test%d_config", i))
		val, _ := p.Float(fmt.Sprintf("test%d_value", i))
		regs[fmt.Sprintf("Test%d_Config", i)] = cfg
		regs[fmt.Sprintf("Test%d_Value", i)] = val
	}
	exit, _ := p.Int("exit_condition")
	regs["Exit_Cond"] = exit
	return regs
}

func limitSchema(s Schema) Schema {
	out := make(Schema, len(s)+7)
	for k, v := range s {
		out[k] = v
	}
	for i := 1; i <= 3; i++ {
		out[fmt.Sprintf("Test%d_Config", i)] = ecl.Int32
		out[fmt.Sprintf("Test%d_Value", i)] = ecl.Single
	}
	out["Exit_Cond"] = ecl.Int32
	return out
}

var limitDefaults = Params{
	"test1_config": 0, "test1_value": 0.0,
	"test2_config": 0, "test2_value": 0.0,
	"test3_config": 0, "test3_value": 0.0,
	"exit_condition": 0,
}

// CALimit is CA with hardware limit tests that end a step early.
var CALimit = Descriptor{
	Name:     "calimit",
	ID:       ecl.TechCALimit,
	Defaults: CA.Defaults.Merge(limitDefaults),
	Required: CA.Required,
	Titles:   CA.Titles,
	Schema:   limitSchema(CA.Schema),
	Translate: func(p Params) (Registers, error) {
		regs, err := CA.Translate(p)
		if err != nil {
			return nil, err
		}
		return limitRegisters(regs, p), nil
	},
	Extract: stepExtract,
	Fields:  fieldsFor(ecl.TechCALimit),
}

// CP holds a sequence of current steps and records the voltage.
//
// Domain parameters mirror CA with currents in place of voltages and a
// voltage_interval recording trigger.
var CP = Descriptor{
	Name: "cp",
	ID:   ecl.TechCP,
	Defaults: Params{
		"vs_initial":       false,
		"time_interval":    1.0,
		"voltage_interval": 1e-3,
		"current_range":    ecl.IRangeM10,
	},
	Required: []string{"currents", "durations"},
	Titles:   stepTitles,
	Schema: Schema{
		"Current_step":    ecl.Single,
		"vs_initial":      ecl.Boolean,
		"Duration_step":   ecl.Single,
		"Step_number":     ecl.Int32,
		"Record_every_dT": ecl.Single,
		"Record_every_dE": ecl.Single,
		"N_Cycles":        ecl.Int32,
		"I_Range":         ecl.Int32,
	},
	Translate: func(p Params) (Registers, error) {
		regs, _, err := chronoRegisters(p, "cp", "Current_step", "currents")
		if err != nil {
			return nil, err
		}
		de, _ := p.Float("voltage_interval")
		irange, _ := p.Int("current_range")
		regs["Record_every_dE"] = de
		regs["I_Range"] = irange
		return regs, nil
	},
	Extract: stepExtract,
	Fields:  fieldsFor(ecl.TechCP),
}

// CPLimit is CP with hardware limit tests.
var CPLimit = Descriptor{
	Name:     "cplimit",
	ID:       ecl.TechCPLimit,
	Defaults: CP.Defaults.Merge(limitDefaults),
	Required: CP.Required,
	Titles:   CP.Titles,
	Schema:   limitSchema(CP.Schema),
	Translate: func(p Params) (Registers, error) {
		regs, err := CP.Translate(p)
		if err != nil {
			return nil, err
		}
		return limitRegisters(regs, p), nil
	},
	Extract: stepExtract,
	Fields:  fieldsFor(ecl.TechCPLimit),
}

// CV sweeps the voltage linearly between two vertices, the JV-scan
// profile: a single half cycle from start to end.
//
// Domain parameters:
//
//	end           final vertex [V] (required)
//	start         initial vertex [V]
//	step          voltage resolution [V]
//	rate          sweep rate [mV/s]
//	average       average current over each step
//	current_range ecl.IRange measurement range
var CV = Descriptor{
	Name: "cv",
	ID:   ecl.TechCV,
	Defaults: Params{
		"start":         0.0,
		"step":          0.01,
		"rate":          10.0,
		"average":       false,
		"current_range": ecl.IRangeM10,
	},
	Required: []string{"end"},
	Titles:   []string{"Voltage [V]", "Current [A]", "Power [W]"},
	Schema: Schema{
		"Voltage_step":      ecl.Single,
		"vs_initial":        ecl.Boolean,
		"Scan_Rate":         ecl.Single,
		"Scan_number":       ecl.Int32,
		"Record_every_dE":   ecl.Single,
		"Average_over_dE":   ecl.Boolean,
		"N_Cycles":          ecl.Int32,
		"Begin_measuring_I": ecl.Single,
		"End_measuring_I":   ecl.Single,
		"I_Range":           ecl.Int32,
	},
	Translate: func(p Params) (Registers, error) {
		start, _ := p.Float("start")
		end, ok := p.Float("end")
		if !ok {
			return nil, ConfigError{"cv", "end must be numeric"}
		}
		step, _ := p.Float("step")
		rate, _ := p.Float("rate")
		if rate <= 0 {
			return nil, ConfigError{"cv", "rate must be positive"}
		}
		average, _ := p.Bool("average")
		irange, _ := p.Int("current_range")
		// the hardware takes a 5-vertex profile; a JV scan uses only
		// the first leg and ends the program at vertex 2
		profile := []float64{start, end, start, start, start}
		return Registers{
			"Voltage_step":      profile,
			"vs_initial":        repeat(false, len(profile)),
			"Scan_Rate":         repeat(rate*1e-3, len(profile)), // mV/s on the wire is V/s
			"Scan_number":       2,
			"Record_every_dE":   step,
			"Average_over_dE":   average,
			"N_Cycles":          0,
			"Begin_measuring_I": 0.0,
			"End_measuring_I":   1.0,
			"I_Range":           irange,
		}, nil
	},
	Extract: func(d parser.Datum, info ecl.DataInfo, values ecl.CurrentValues) (Record, bool) {
		v := d.MustField("voltage")
		i := d.MustField("current")
		return Record{v, i, v * i}, true
	},
	Fields: fieldsFor(ecl.TechCV),
}

// eisTranslate builds the impedance sweep registers shared by PEIS and
// GEIS; ampKey names the excitation-amplitude register.
func eisTranslate(p Params, name, ampKey, ampParam string) (Registers, error) {
	fi, ok := p.Float("initial_frequency")
	if !ok {
		return nil, ConfigError{name, "initial_frequency must be numeric"}
	}
	ff, ok := p.Float("final_frequency")
	if !ok {
		return nil, ConfigError{name, "final_frequency must be numeric"}
	}
	if fi <= 0 || ff <= 0 {
		return nil, ConfigError{name, "frequencies must be positive"}
	}
	spacing, _ := p.String("spacing")
	var sweep bool
	switch spacing {
	case "lin":
		sweep = true
	case "log":
		sweep = false
	default:
		return nil, ConfigError{name, fmt.Sprintf("unsupported sweep-spacing mode %q", spacing)}
	}
	amp, _ := p.Float(ampParam)
	points, _ := p.Int("points")
	repeats, _ := p.Int("repeats")
	dt, _ := p.Float("time_interval")
	di, _ := p.Float("current_interval")
	wait, _ := p.Float("wait_cycles")
	return Registers{
		"vs_initial":         false,
		"vs_final":           false,
		"Initial_Voltage_step": 0.0,
		"Final_Voltage_step":   0.0,
		"Duration_step":      0.0,
		"Step_number":        0,
		"Record_every_dT":    dt,
		"Record_every_dI":    di,
		"Initial_frequency":  fi,
		"Final_frequency":    ff,
		"sweep":              sweep,
		ampKey:               amp,
		"Frequency_number":   points,
		"Average_N_times":    repeats,
		"Correction":         false,
		"Wait_for_steady":    wait,
	}, nil
}

func eisSchema(ampKey string) Schema {
	return Schema{
		"vs_initial":           ecl.Boolean,
		"vs_final":             ecl.Boolean,
		"Initial_Voltage_step": ecl.Single,
		"Final_Voltage_step":   ecl.Single,
		"Duration_step":        ecl.Single,
		"Step_number":          ecl.Int32,
		"Record_every_dT":      ecl.Single,
		"Record_every_dI":      ecl.Single,
		"Initial_frequency":    ecl.Single,
		"Final_frequency":      ecl.Single,
		"sweep":                ecl.Boolean,
		ampKey:                 ecl.Single,
		"Frequency_number":     ecl.Int32,
		"Average_N_times":      ecl.Int32,
		"Correction":           ecl.Boolean,
		"Wait_for_steady":      ecl.Single,
	}
}

var eisDefaults = Params{
	"spacing":          "log",
	"points":           51,
	"repeats":          1,
	"time_interval":    1.0,
	"current_interval": 1e-3,
	"wait_cycles":      0.1,
}

var eisTitles = []string{
	"Frequency [Hz]", "|Z| [Ohm]", "Phase [rad]",
	"Voltage [V]", "Current [A]", "Time [s]",
}

// eisExtract keeps only frequency-sweep rows; DC settle rows carry no
// impedance and are dropped.
func eisExtract(d parser.Datum, info ecl.DataInfo, values ecl.CurrentValues) (Record, bool) {
	if info.ProcessIndex == 0 {
		return nil, false
	}
	av := d.MustField("abs_voltage")
	ai := d.MustField("abs_current")
	mag := math.Inf(1)
	if ai != 0 {
		mag = av / ai
	}
	return Record{
		d.MustField("frequency"),
		mag,
		d.MustField("impedance_phase"),
		d.MustField("voltage"),
		d.MustField("current"),
		d.MustField("time"),
	}, true
}

// PEIS measures impedance spectra with a sinusoidal voltage excitation
// about the open-circuit potential.
//
// Domain parameters:
//
//	initial_frequency, final_frequency  sweep bounds [Hz] (required)
//	amplitude_voltage                   excitation amplitude [V]
//	spacing                             "lin" or "log" point spacing
//	points                              frequencies per sweep
//	repeats                             measures averaged per frequency
var PEIS = Descriptor{
	Name:      "peis",
	ID:        ecl.TechPEIS,
	Defaults:  eisDefaults.Merge(Params{"amplitude_voltage": 0.01}),
	Required:  []string{"initial_frequency", "final_frequency"},
	Titles:    eisTitles,
	Schema:    eisSchema("Amplitude_Voltage"),
	Translate: func(p Params) (Registers, error) {
		return eisTranslate(p, "peis", "Amplitude_Voltage", "amplitude_voltage")
	},
	Extract: eisExtract,
	Fields:  fieldsFor(ecl.TechPEIS),
}

// GEIS is the galvanostatic counterpart of PEIS: a sinusoidal current
// excitation.
var GEIS = Descriptor{
	Name:      "geis",
	ID:        ecl.TechGEIS,
	Defaults:  eisDefaults.Merge(Params{"amplitude_current": 1e-3}),
	Required:  []string{"initial_frequency", "final_frequency"},
	Titles:    eisTitles,
	Schema:    eisSchema("Amplitude_Current"),
	Translate: func(p Params) (Registers, error) {
		return eisTranslate(p, "geis", "Amplitude_Current", "amplitude_current")
	},
	Extract: eisExtract,
	Fields:  fieldsFor(ecl.TechGEIS),
}

// ByName looks a descriptor up by its short name.
func ByName(name string) (Descriptor, bool) {
	d, ok := catalog[name]
	return d, ok
}

var catalog = map[string]Descriptor{
	"ocv":     OCV,
	"ca":      CA,
	"calimit": CALimit,
	"cp":      CP,
	"cplimit": CPLimit,
	"cv":      CV,
	"peis":    PEIS,
	"geis":    GEIS,
}
