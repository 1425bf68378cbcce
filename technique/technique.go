// Package technique describes the measurement techniques the instrument
// can run (OCV, CA, CP, CV, PEIS, ...) as data: each technique is a
// Descriptor bundling its hardware-parameter schema, defaults, CSV
// titles, the pure translation from domain parameters to hardware
// registers, and the extraction of output records from parsed rows.
//
// Programs compose a Descriptor with a transport; there is no technique
// class hierarchy.
package technique

import (
	"fmt"
	"sort"
	"strings"

	"github.jpl.nasa.gov/bdube/biologic/ecl"
	"github.jpl.nasa.gov/bdube/biologic/parser"
)

// Params is an immutable snapshot of domain parameters.  Mutating
// methods return a new snapshot; callers exchange snapshots rather than
// sharing a map.
type Params map[string]interface{}

// Copy returns an independent snapshot.
func (p Params) Copy() Params {
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// With returns a snapshot with one key replaced.
func (p Params) With(key string, value interface{}) Params {
	out := p.Copy()
	out[key] = value
	return out
}

// Merge returns a snapshot with defaults filled in for absent keys.
func (p Params) Merge(defaults Params) Params {
	out := defaults.Copy()
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Float fetches a numeric parameter.
func (p Params) Float(key string) (float64, bool) {
	v, ok := p[key]
	if !ok {
		return 0, false
	}
	f, ok := toFloat(v)
	return f, ok
}

// Floats fetches a list parameter, promoting a scalar to a 1-list.
func (p Params) Floats(key string) ([]float64, bool) {
	v, ok := p[key]
	if !ok {
		return nil, false
	}
	switch t := v.(type) {
	case []float64:
		return t, true
	case []interface{}:
		out := make([]float64, len(t))
		for i, e := range t {
			f, ok := toFloat(e)
			if !ok {
				return nil, false
			}
			out[i] = f
		}
		return out, true
	default:
		f, ok := toFloat(v)
		if !ok {
			return nil, false
		}
		return []float64{f}, true
	}
}

// Bool fetches a boolean parameter.
func (p Params) Bool(key string) (bool, bool) {
	b, ok := p[key].(bool)
	return b, ok
}

// Int fetches an integer parameter.
func (p Params) Int(key string) (int, bool) {
	f, ok := p.Float(key)
	return int(f), ok
}

// String fetches a string parameter.
func (p Params) String(key string) (string, bool) {
	s, ok := p[key].(string)
	return s, ok
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case ecl.IRange:
		return float64(t), true
	case ecl.ERange:
		return float64(t), true
	}
	return 0, false
}

// ConfigError is a bad or incomplete parameter set, raised before any
// device call.
type ConfigError struct {
	Technique string
	Msg       string
}

func (e ConfigError) Error() string {
	return fmt.Sprintf("%s: %s", e.Technique, e.Msg)
}

// Registers is a hardware-register map produced by translation; values
// are scalars or lists (per-step parameters).
type Registers map[string]interface{}

// Schema maps hardware register names to their wire representation.
type Schema map[string]ecl.ParamKind

// Record is one output row of a program, in title order.
type Record []float64

// Descriptor is the immutable description of one technique.
type Descriptor struct {
	// Name is the short lowercase technique name, e.g. "ocv"
	Name string

	// ID is the technique identifier the instrument stamps on data
	ID ecl.TechniqueID

	// Defaults are merged under caller parameters
	Defaults Params

	// Required keys must be present after merging
	Required []string

	// Titles are the CSV column titles of output records
	Titles []string

	// Schema types every hardware register the technique accepts
	Schema Schema

	// Translate converts validated domain parameters to hardware
	// registers.  It is pure: no device state, no mutation.
	Translate func(Params) (Registers, error)

	// Extract converts one parsed row to an output record; ok=false
	// drops the row (e.g. impedance DC-settle rows)
	Extract func(d parser.Datum, info ecl.DataInfo, values ecl.CurrentValues) (Record, bool)

	// Fields selects the parse schema for a family and process index
	Fields func(family ecl.DeviceFamily, process int) ([]parser.FieldInfo, error)
}

// Prepare merges defaults and checks required keys, returning the
// snapshot a Program should hold.
func (d Descriptor) Prepare(p Params) (Params, error) {
	merged := p.Merge(d.Defaults)
	var missing []string
	for _, k := range d.Required {
		if _, ok := merged[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, ConfigError{d.Name, "missing required parameters: " + strings.Join(missing, ", ")}
	}
	return merged, nil
}

// File returns the technique's ECC file name for a family; SP-300 series
// boards use the "4"-suffixed builds.
func (d Descriptor) File(family ecl.DeviceFamily) string {
	name := d.Name
	if family == ecl.SP300 {
		name += "4"
	}
	return strings.ToLower(name) + ".ecc"
}

// Cast renders a register map against a schema as wire parameters.
// List values become indexed per-step parameters.  Registers are emitted
// in sorted name order so the wire image is deterministic.
func Cast(s Schema, regs Registers) ([]ecl.Param, error) {
	names := make([]string, 0, len(regs))
	for name := range regs {
		if _, ok := s[name]; !ok {
			return nil, fmt.Errorf("register %q not in technique schema", name)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	var out []ecl.Param
	for _, name := range names {
		kind := s[name]
		vals, err := listValues(regs[name])
		if err != nil {
			return nil, fmt.Errorf("register %q: %w", name, err)
		}
		scalar := len(vals) == 1 && !isList(regs[name])
		for i, v := range vals {
			p := ecl.Param{Name: name, Kind: kind, Index: i}
			if scalar {
				p.Index = 0
			}
			switch kind {
			case ecl.Single:
				f, ok := toFloat(v)
				if !ok {
					return nil, fmt.Errorf("register %q: cannot cast %T to single", name, v)
				}
				p.Float = float32(f)
			case ecl.Boolean:
				b, ok := v.(bool)
				if !ok {
					return nil, fmt.Errorf("register %q: cannot cast %T to bool", name, v)
				}
				p.Bool = b
			case ecl.Int32:
				f, ok := toFloat(v)
				if !ok {
					return nil, fmt.Errorf("register %q: cannot cast %T to int32", name, v)
				}
				p.Int = int32(f)
			}
			out = append(out, p)
		}
	}
	return out, nil
}

func isList(v interface{}) bool {
	switch v.(type) {
	case []float64, []bool, []int, []interface{}:
		return true
	}
	return false
}

func listValues(v interface{}) ([]interface{}, error) {
	switch t := v.(type) {
	case []float64:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out, nil
	case []bool:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out, nil
	case []int:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = e
		}
		return out, nil
	case []interface{}:
		return t, nil
	default:
		return []interface{}{v}, nil
	}
}

// repeat builds a per-step list with one value per step.
func repeat(v interface{}, steps int) []interface{} {
	out := make([]interface{}, steps)
	for i := range out {
		out[i] = v
	}
	return out
}
