package technique

import (
	"errors"
	"testing"

	"github.jpl.nasa.gov/bdube/biologic/ecl"
)

func TestPrepareMissingRequired(t *testing.T) {
	_, err := OCV.Prepare(Params{})
	if err == nil {
		t.Fatal("expected error for missing time, got nil")
	}
	var ce ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ConfigError, got %T", err)
	}
}

func TestPrepareMergesDefaults(t *testing.T) {
	p, err := OCV.Prepare(Params{"time": 60.0})
	if err != nil {
		t.Fatal(err)
	}
	dt, ok := p.Float("time_interval")
	if !ok || dt != 1.0 {
		t.Errorf("time_interval = %v, want 1", dt)
	}
	// defaults never override the caller
	p2, _ := OCV.Prepare(Params{"time": 60.0, "time_interval": 0.5})
	if dt, _ := p2.Float("time_interval"); dt != 0.5 {
		t.Errorf("time_interval = %v, want 0.5", dt)
	}
}

func TestParamsSnapshotsAreIndependent(t *testing.T) {
	a := Params{"time": 1.0}
	b := a.With("time", 2.0)
	if v, _ := a.Float("time"); v != 1.0 {
		t.Errorf("original mutated: time = %v", v)
	}
	if v, _ := b.Float("time"); v != 2.0 {
		t.Errorf("copy not updated: time = %v", v)
	}
}

func TestFileNaming(t *testing.T) {
	cases := []struct {
		d      Descriptor
		family ecl.DeviceFamily
		want   string
	}{
		{OCV, ecl.VMP3, "ocv.ecc"},
		{OCV, ecl.SP300, "ocv4.ecc"},
		{CALimit, ecl.SP300, "calimit4.ecc"},
		{PEIS, ecl.VMP3, "peis.ecc"},
	}
	for _, c := range cases {
		if got := c.d.File(c.family); got != c.want {
			t.Errorf("File(%v) on %s = %q, want %q", c.d.Name, c.family, got, c.want)
		}
	}
}

func TestOCVTranslateAndCast(t *testing.T) {
	p, err := OCV.Prepare(Params{"time": 120.0})
	if err != nil {
		t.Fatal(err)
	}
	regs, err := OCV.Translate(p)
	if err != nil {
		t.Fatal(err)
	}
	params, err := Cast(OCV.Schema, regs)
	if err != nil {
		t.Fatal(err)
	}
	byName := map[string]ecl.Param{}
	for _, pr := range params {
		byName[pr.Name] = pr
	}
	rt := byName["Rest_time_T"]
	if rt.Kind != ecl.Single || rt.Float != 120 {
		t.Errorf("Rest_time_T = %+v, want single 120", rt)
	}
	if byName["Record_every_dT"].Float != 1 {
		t.Errorf("Record_every_dT = %v, want 1", byName["Record_every_dT"].Float)
	}
}

func TestCADurationBroadcast(t *testing.T) {
	p, err := CA.Prepare(Params{
		"voltages":  []float64{0.1, 0.2, 0.3},
		"durations": []float64{5},
	})
	if err != nil {
		t.Fatal(err)
	}
	regs, err := CA.Translate(p)
	if err != nil {
		t.Fatal(err)
	}
	durs := regs["Duration_step"].([]float64)
	if len(durs) != 3 {
		t.Fatalf("Duration_step has %d entries, want 3", len(durs))
	}
	for i, d := range durs {
		if d != 5 {
			t.Errorf("Duration_step[%d] = %v, want 5", i, d)
		}
	}
	if regs["Step_number"] != 2 {
		t.Errorf("Step_number = %v, want 2", regs["Step_number"])
	}
}

func TestCAMismatchedStepsRejected(t *testing.T) {
	p, _ := CA.Prepare(Params{
		"voltages":  []float64{0.1, 0.2, 0.3},
		"durations": []float64{5, 5},
	})
	if _, err := CA.Translate(p); err == nil {
		t.Fatal("expected error for 2 durations on 3 steps")
	}
}

func TestCastIndexesLists(t *testing.T) {
	s := Schema{"Voltage_step": ecl.Single}
	params, err := Cast(s, Registers{"Voltage_step": []float64{0.1, 0.2}})
	if err != nil {
		t.Fatal(err)
	}
	if len(params) != 2 {
		t.Fatalf("got %d params, want 2", len(params))
	}
	for i, p := range params {
		if p.Index != i {
			t.Errorf("param %d has index %d", i, p.Index)
		}
	}
}

func TestCastRejectsUnknownRegister(t *testing.T) {
	_, err := Cast(Schema{}, Registers{"Bogus": 1.0})
	if err == nil {
		t.Fatal("expected error for register outside schema")
	}
}

func TestCVProfile(t *testing.T) {
	p, err := CV.Prepare(Params{"end": 0.6})
	if err != nil {
		t.Fatal(err)
	}
	regs, err := CV.Translate(p)
	if err != nil {
		t.Fatal(err)
	}
	profile := regs["Voltage_step"].([]float64)
	want := []float64{0, 0.6, 0, 0, 0}
	if len(profile) != len(want) {
		t.Fatalf("profile has %d vertices, want %d", len(profile), len(want))
	}
	for i := range want {
		if profile[i] != want[i] {
			t.Errorf("profile[%d] = %v, want %v", i, profile[i], want[i])
		}
	}
	rates := regs["Scan_Rate"].([]interface{})
	if r := rates[0].(float64); r != 0.01 {
		t.Errorf("Scan_Rate = %v V/s, want 0.01 for 10 mV/s", r)
	}
	if regs["Scan_number"] != 2 {
		t.Errorf("Scan_number = %v, want 2", regs["Scan_number"])
	}
}

func TestEISSpacing(t *testing.T) {
	base := Params{"initial_frequency": 1e5, "final_frequency": 0.1}
	p, _ := PEIS.Prepare(base.With("spacing", "lin"))
	regs, err := PEIS.Translate(p)
	if err != nil {
		t.Fatal(err)
	}
	if regs["sweep"] != true {
		t.Errorf("sweep = %v for lin spacing, want true", regs["sweep"])
	}
	p, _ = PEIS.Prepare(base)
	regs, err = PEIS.Translate(p)
	if err != nil {
		t.Fatal(err)
	}
	if regs["sweep"] != false {
		t.Errorf("sweep = %v for log spacing, want false", regs["sweep"])
	}
	p, _ = PEIS.Prepare(base.With("spacing", "banana"))
	if _, err = PEIS.Translate(p); err == nil {
		t.Fatal("expected error for unknown spacing")
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"ocv", "ca", "calimit", "cp", "cplimit", "cv", "peis", "geis"} {
		d, ok := ByName(name)
		if !ok {
			t.Errorf("ByName(%q) not found", name)
			continue
		}
		if d.Name != name {
			t.Errorf("ByName(%q).Name = %q", name, d.Name)
		}
	}
	if _, ok := ByName("lsv"); ok {
		t.Error("ByName(lsv) should not exist")
	}
}
