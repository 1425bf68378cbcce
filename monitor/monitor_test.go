package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.jpl.nasa.gov/bdube/biologic/ecl"
	"github.jpl.nasa.gov/bdube/biologic/program"
	"github.jpl.nasa.gov/bdube/biologic/server"
	"github.jpl.nasa.gov/bdube/biologic/server/middleware/locker"
	"github.jpl.nasa.gov/bdube/biologic/technique"
	"goji.io"
)

type fastClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fastClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fastClock) Sleep(ctx context.Context, d time.Duration) error {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return ctx.Err()
}

var ocvKinds = []ecl.ParamKind{ecl.Int32, ecl.Int32, ecl.Single}

func ocvSegment(state ecl.ChannelState, voltages ...float64) ecl.MockSegment {
	rows := make([][]float64, len(voltages))
	for i, v := range voltages {
		rows[i] = []float64{0, float64(i), v}
	}
	return ecl.MockSegment{
		Buf: ecl.Pack(ocvKinds, rows...),
		Info: ecl.DataInfo{
			NbRows:      int32(len(voltages)),
			NbCols:      int32(len(ocvKinds)),
			TechniqueID: int32(ecl.TechOCV),
			StartTime:   math.NaN(),
		},
		Values: ecl.CurrentValues{State: int32(state), TimeBase: 1},
	}
}

// fixture runs a short OCV to completion so the wrapper has real data,
// then serves it from a goji mux like biorun does.
func fixture(t *testing.T) (*HTTPWrapper, *ecl.Mock, *httptest.Server) {
	t.Helper()
	m := ecl.NewMock(ecl.SP300)
	m.Script(0, ocvSegment(ecl.ChannelRun, 0.1, 0.2), ocvSegment(ecl.ChannelStop, 0.3))
	m.Script(4, ocvSegment(ecl.ChannelStop, 0.5))
	p, err := program.New(program.Config{
		Transport: m,
		Technique: technique.OCV,
		Channels:  []int{0, 4},
		Params:    technique.Params{"time": 5.0, "time_interval": 1.0},
		Clock:     &fastClock{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	// reopen the session so values snapshots work post-run
	if err := m.Connect(); err != nil {
		t.Fatal(err)
	}
	w := NewHTTPWrapper(p, m)
	mux := goji.NewMux()
	w.RT().Bind(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return w, m, srv
}

func TestStatusReportsChannelsAndRows(t *testing.T) {
	_, _, srv := fixture(t)
	resp, err := http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var s Status
	if err := json.NewDecoder(resp.Body).Decode(&s); err != nil {
		t.Fatal(err)
	}
	if s.Technique != "ocv" {
		t.Errorf("technique = %q, want ocv", s.Technique)
	}
	if len(s.Channels) != 2 {
		t.Fatalf("got %d channels, want 2", len(s.Channels))
	}
	if s.Channels[0].Channel != 0 || s.Channels[0].Rows != 3 {
		t.Errorf("channel 0 status = %+v, want 3 rows", s.Channels[0])
	}
	if s.Channels[1].Channel != 4 || s.Channels[1].Rows != 1 {
		t.Errorf("channel 4 status = %+v, want 1 row", s.Channels[1])
	}
}

func TestValuesSnapshotsOneChannel(t *testing.T) {
	_, _, srv := fixture(t)
	resp, err := http.Get(srv.URL + "/values/0")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var cv ecl.CurrentValues
	if err := json.NewDecoder(resp.Body).Decode(&cv); err != nil {
		t.Fatal(err)
	}
	if cv.ChannelState() != ecl.ChannelStop {
		t.Errorf("state = %v, want stop", cv.ChannelState())
	}
}

func TestCSVSnapshotLayout(t *testing.T) {
	_, _, srv := fixture(t)
	resp, err := http.Get(srv.URL + "/data.csv")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	// label row + title row + 3 data rows (longest channel)
	if len(lines) != 5 {
		t.Fatalf("got %d lines: %q", len(lines), lines)
	}
	if lines[0] != "0,0,4,4" {
		t.Errorf("label row = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "Time [s],Voltage [V],Time [s]") {
		t.Errorf("title row = %q", lines[1])
	}
	// channel 4 exhausted after the first data row, pads empty
	if !strings.HasSuffix(lines[3], ",") {
		t.Errorf("row 3 not padded: %q", lines[3])
	}
}

func TestStopHaltsChannels(t *testing.T) {
	_, m, srv := fixture(t)
	resp, err := http.Post(srv.URL+"/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if len(m.Stopped()) == 0 {
		t.Error("no channels were stopped")
	}
}

func TestSavedServesArtifacts(t *testing.T) {
	w, _, srv := fixture(t)

	// no save directory configured yet
	resp, err := http.Get(srv.URL + "/saved/voc.csv")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unconfigured: status = %d, want 404", resp.StatusCode)
	}

	dir := t.TempDir()
	content := "Time [s],Voltage [V]\n0,0.6\n"
	if err := os.WriteFile(filepath.Join(dir, "voc.csv"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	w.SaveDir = dir

	resp, err = http.Get(srv.URL + "/saved/voc.csv")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	if buf.String() != content {
		t.Errorf("body = %q, want %q", buf.String(), content)
	}

	resp, err = http.Get(srv.URL + "/saved/missing.csv")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing file: status = %d, want 404", resp.StatusCode)
	}
}

func TestLockerGuardsStop(t *testing.T) {
	w, _, _ := fixture(t)
	l := locker.New()
	locker.Inject(w, l)
	mux := goji.NewMux()
	mux.Use(l.Check)
	w.RT().Bind(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	body := strings.NewReader(`{"bool": true}`)
	resp, err := http.Post(srv.URL+"/lock", "application/json", body)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	resp, err = http.Post(srv.URL+"/stop", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusLocked {
		t.Errorf("stop while locked: status = %d, want 423", resp.StatusCode)
	}

	// observation stays open
	resp, err = http.Get(srv.URL + "/status")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status while locked: status = %d, want 200", resp.StatusCode)
	}

	var b server.BoolT
	resp, err = http.Get(srv.URL + "/lock")
	if err != nil {
		t.Fatal(err)
	}
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if !b.Bool {
		t.Error("lock state = false, want true")
	}
}
