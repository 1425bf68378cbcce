// Package parser converts raw instrument data buffers into typed records.
//
// The instrument returns each poll's data as a flat array of 32-bit
// words; float columns are IEEE-754 singles bit-packed into the words.
// Which columns exist, their order, and their types depend on the
// technique, the device family, and (for impedance techniques) which
// process phase a row belongs to.
package parser

import (
	"errors"
	"fmt"
	"math"

	"github.jpl.nasa.gov/bdube/biologic/ecl"
)

// ErrNoColumns is generated when metadata declares a zero-column buffer.
var ErrNoColumns = errors.New("no columns in data")

// FieldInfo describes one column of a technique's data format.
type FieldInfo struct {
	Name string
	Kind ecl.ParamKind
}

// Datum is one parsed measurement row.  Values are stored as float64;
// integer columns are exact (they are 32-bit on the wire) and single
// columns are widened.
type Datum struct {
	fields []FieldInfo
	values []float64
}

// Len returns the number of fields in the row.
func (d Datum) Len() int { return len(d.values) }

// At returns the value in column i, in schema order.
func (d Datum) At(i int) float64 { return d.values[i] }

// Field returns the value of the named column and whether it exists.
func (d Datum) Field(name string) (float64, bool) {
	for i, f := range d.fields {
		if f.Name == name {
			return d.values[i], true
		}
	}
	return 0, false
}

// MustField returns the named column or panics; for schema-fixed callers.
func (d Datum) MustField(name string) float64 {
	v, ok := d.Field(name)
	if !ok {
		panic(fmt.Sprintf("parser: no field %q in datum", name))
	}
	return v
}

// Parse converts a raw buffer into rows of typed fields.
//
// The buffer must hold info.NbRows * info.NbCols words.  Columns whose
// FieldInfo kind is Single are reinterpreted from their raw bit pattern;
// integer and boolean columns pass through as signed 32-bit values.
func Parse(buf []uint32, info ecl.DataInfo, fields []FieldInfo) ([]Datum, error) {
	rows := int(info.NbRows)
	cols := int(info.NbCols)
	if cols == 0 {
		return nil, ErrNoColumns
	}
	if len(fields) != cols {
		return nil, fmt.Errorf("schema has %d fields, data has %d columns", len(fields), cols)
	}
	if len(buf) != rows*cols {
		return nil, fmt.Errorf("buffer holds %d words, metadata declares %dx%d", len(buf), rows, cols)
	}
	out := make([]Datum, 0, rows)
	for r := 0; r < rows; r++ {
		vals := make([]float64, cols)
		for c := 0; c < cols; c++ {
			w := buf[r*cols+c]
			if fields[c].Kind == ecl.Single {
				vals[c] = float64(ecl.ConvertNumeric(w))
			} else {
				vals[c] = float64(int32(w))
			}
		}
		out = append(out, Datum{fields: fields, values: vals})
	}
	return out, nil
}

// Time reconstructs elapsed time from the split 64-bit sample counter.
//
// startTime is DataInfo.StartTime; NaN means the technique began at the
// start of the run and is treated as zero.  timeBase is
// CurrentValues.TimeBase in seconds.
func Time(tHigh, tLow uint32, startTime float64, timeBase float64) float64 {
	start := startTime
	if math.IsNaN(start) {
		start = 0
	}
	ticks := uint64(tHigh)<<32 + uint64(tLow)
	return start + timeBase*float64(ticks)
}

// DatumTime applies Time to a datum's t_high/t_low columns.
func DatumTime(d Datum, info ecl.DataInfo, values ecl.CurrentValues) float64 {
	th := d.MustField("t_high")
	tl := d.MustField("t_low")
	return Time(uint32(int32(th)), uint32(int32(tl)), info.StartTime, float64(values.TimeBase))
}
