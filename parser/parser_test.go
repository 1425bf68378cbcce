package parser

import (
	"errors"
	"math"
	"testing"

	"github.jpl.nasa.gov/bdube/biologic/ecl"
)

func TestParseRoundTrip(t *testing.T) {
	fields := []FieldInfo{
		fi("t_high", ecl.Int32),
		fi("t_low", ecl.Int32),
		fi("voltage", ecl.Single),
	}
	rows := [][]float64{
		{0, 0, 0.125},
		{0, 1, -3.5},
		{1, 2, 42.0},
	}
	kinds := []ecl.ParamKind{ecl.Int32, ecl.Int32, ecl.Single}
	buf := ecl.Pack(kinds, rows...)
	info := ecl.DataInfo{NbRows: 3, NbCols: 3}
	data, err := Parse(buf, info, fields)
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 3 {
		t.Fatalf("got %d rows, want 3", len(data))
	}
	for r, d := range data {
		if d.Len() != 3 {
			t.Fatalf("row %d has %d fields, want 3", r, d.Len())
		}
		for c := range fields {
			want := rows[r][c]
			if fields[c].Kind == ecl.Single {
				want = float64(float32(want))
			}
			if got := d.At(c); got != want {
				t.Errorf("row %d field %d = %v, want %v", r, c, got, want)
			}
		}
	}
	if v, ok := data[2].Field("voltage"); !ok || v != 42.0 {
		t.Errorf("voltage lookup = %v, %v", v, ok)
	}
}

func TestParseRejectsZeroColumns(t *testing.T) {
	_, err := Parse(nil, ecl.DataInfo{NbRows: 1, NbCols: 0}, nil)
	if !errors.Is(err, ErrNoColumns) {
		t.Fatalf("got %v, want ErrNoColumns", err)
	}
}

func TestParseRejectsShortBuffer(t *testing.T) {
	fields := []FieldInfo{fi("a", ecl.Int32), fi("b", ecl.Int32)}
	_, err := Parse([]uint32{1, 2, 3}, ecl.DataInfo{NbRows: 2, NbCols: 2}, fields)
	if err == nil {
		t.Fatal("expected error for truncated buffer")
	}
}

func TestTimeMonotonic(t *testing.T) {
	const tb = 1e-6
	var prev float64 = -1
	// sweep the split counter across the word boundary
	counters := [][2]uint32{
		{0, 0}, {0, 1}, {0, math.MaxUint32}, {1, 0}, {1, 1}, {2, 0},
	}
	for _, c := range counters {
		got := Time(c[0], c[1], 10, tb)
		if got <= prev {
			t.Errorf("Time(%d,%d) = %v, not increasing past %v", c[0], c[1], got, prev)
		}
		prev = got
	}
}

func TestTimeNaNStartIsZero(t *testing.T) {
	if got := Time(0, 0, math.NaN(), 1e-6); got != 0 {
		t.Errorf("Time(0,0,NaN) = %v, want 0", got)
	}
	if got := Time(0, 5, math.NaN(), 2); got != 10 {
		t.Errorf("Time(0,5,NaN,2) = %v, want 10", got)
	}
}

func TestFieldsFamilies(t *testing.T) {
	sp, err := Fields(ecl.SP300, ecl.TechOCV, 0)
	if err != nil {
		t.Fatal(err)
	}
	vmp, err := Fields(ecl.VMP3, ecl.TechOCV, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(sp) != 3 || len(vmp) != 4 {
		t.Errorf("OCV columns = %d (SP-300), %d (VMP3); want 3, 4", len(sp), len(vmp))
	}
	// impedance sweeps are process-selected
	settle, err := Fields(ecl.SP300, ecl.TechPEIS, 0)
	if err != nil {
		t.Fatal(err)
	}
	sweep, err := Fields(ecl.SP300, ecl.TechPEIS, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(settle) >= len(sweep) {
		t.Errorf("settle has %d columns, sweep %d", len(settle), len(sweep))
	}
	if _, err := Fields(ecl.SP300, ecl.TechPEIS, 2); err == nil {
		t.Error("expected error for process index out of range")
	}
	if _, err := Fields(ecl.SP300, ecl.TechniqueID(999), 0); err == nil {
		t.Error("expected error for unknown technique")
	}
}
