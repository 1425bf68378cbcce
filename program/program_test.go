package program

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.jpl.nasa.gov/bdube/biologic/ecl"
	"github.jpl.nasa.gov/bdube/biologic/technique"
)

// fastClock never sleeps; tests drive timing logic deterministically.
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

// ocvSegment builds one SP-300 OCV segment of single-voltage rows,
// counting the timer from tick.
func ocvSegment(tick int, state ecl.ChannelState, voltages ...float64) ecl.MockSegment {
	rows := make([][]float64, len(voltages))
	for i, v := range voltages {
		rows[i] = []float64{0, float64(tick + i), v}
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

func ocvProgram(t *testing.T, m *ecl.Mock, channels ...int) *Program {
	t.Helper()
	p, err := New(Config{
		Transport: m,
		Technique: technique.OCV,
		Channels:  channels,
		Params:    technique.Params{"time": 5.0, "time_interval": 1.0},
		Clock:     &fastClock{},
	})
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func TestNewRequiresChannels(t *testing.T) {
	_, err := New(Config{Transport: ecl.NewMock(ecl.SP300), Technique: technique.OCV})
	if err == nil {
		t.Fatal("expected error for missing channels")
	}
}

func TestRunCollectsAllRows(t *testing.T) {
	m := ecl.NewMock(ecl.SP300)
	m.Script(0,
		ocvSegment(0, ecl.ChannelRun, 0.10),
		ocvSegment(1, ecl.ChannelRun, 0.11),
		ocvSegment(2, ecl.ChannelRun, 0.09),
		ocvSegment(3, ecl.ChannelRun, 0.10),
		ocvSegment(4, ecl.ChannelStop, 0.50),
	)
	p := ocvProgram(t, m, 0)
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	data := p.Data(0)
	if len(data) != 5 {
		t.Fatalf("got %d rows, want 5", len(data))
	}
	// times reconstruct from the split counter; NaN start reads as zero
	for i, rec := range data {
		if rec[0] != float64(i) {
			t.Errorf("row %d time = %v, want %d", i, rec[0], i)
		}
	}
	mean, err := p.Mean(0, 1)
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(mean-0.18) > 1e-6 {
		t.Errorf("mean voltage = %v, want 0.18", mean)
	}
	if m.Connects() != 1 {
		t.Errorf("connected %d times, want 1", m.Connects())
	}
	if m.Connected() {
		t.Error("managed connection not closed after run")
	}
}

func TestChannelIndependence(t *testing.T) {
	m := ecl.NewMock(ecl.SP300)
	// channel 1 stops after the first round; 0 and 2 run three more
	m.Script(1, ocvSegment(0, ecl.ChannelStop, 0.2))
	for _, ch := range []int{0, 2} {
		m.Script(ch,
			ocvSegment(0, ecl.ChannelRun, 0.1),
			ocvSegment(1, ecl.ChannelRun, 0.1),
			ocvSegment(2, ecl.ChannelRun, 0.1),
			ocvSegment(3, ecl.ChannelStop, 0.1),
		)
	}
	p := ocvProgram(t, m, 0, 1, 2)
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if n := len(p.Data(1)); n != 1 {
		t.Errorf("stopped channel accumulated %d rows, want 1", n)
	}
	for _, ch := range []int{0, 2} {
		if n := len(p.Data(ch)); n != 4 {
			t.Errorf("channel %d accumulated %d rows, want 4", ch, n)
		}
	}
}

func TestParseFailureKeepsChannelActive(t *testing.T) {
	m := ecl.NewMock(ecl.SP300)
	bad := ocvSegment(0, ecl.ChannelRun, 0.1)
	bad.Buf = bad.Buf[:1] // truncated buffer cannot parse
	m.Script(0, bad, ocvSegment(1, ecl.ChannelStop, 0.2))
	p := ocvProgram(t, m, 0)
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	data := p.Data(0)
	if len(data) != 1 || data[0][1] != float64(float32(0.2)) {
		t.Fatalf("data = %v, want the one good row", data)
	}
}

func TestCooperativeStop(t *testing.T) {
	m := ecl.NewMock(ecl.SP300)
	m.Feed = func(ch int) ecl.MockSegment {
		return ocvSegment(0, ecl.ChannelRun, 0.1) // never stops on its own
	}
	p := ocvProgram(t, m, 0)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("cancellation should be a normal completion, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("program did not observe the stop signal")
	}
}

func TestSaveTogetherLayout(t *testing.T) {
	m := ecl.NewMock(ecl.SP300)
	m.Script(0,
		ocvSegment(0, ecl.ChannelRun, 0.10),
		ocvSegment(1, ecl.ChannelRun, 0.11),
		ocvSegment(2, ecl.ChannelRun, 0.09),
		ocvSegment(3, ecl.ChannelRun, 0.10),
		ocvSegment(4, ecl.ChannelStop, 0.50),
	)
	p := ocvProgram(t, m, 0)
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "ocv.csv")
	if err := p.SaveData(path, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != 7 {
		t.Fatalf("got %d lines, want 2 header + 5 data:\n%s", len(lines), raw)
	}
	if lines[0] != "0,0" {
		t.Errorf("channel label row = %q, want \"0,0\"", lines[0])
	}
	if lines[1] != "Time [s],Voltage [V]" {
		t.Errorf("title row = %q", lines[1])
	}
	if !strings.HasPrefix(lines[2], "0,") {
		t.Errorf("first data row = %q", lines[2])
	}
}

func TestSaveTogetherPadsShortChannels(t *testing.T) {
	m := ecl.NewMock(ecl.SP300)
	m.Script(0, ocvSegment(0, ecl.ChannelStop, 0.1, 0.2, 0.3))
	m.Script(1, ocvSegment(0, ecl.ChannelStop, 0.4))
	p := ocvProgram(t, m, 0, 1)
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "pad.csv")
	if err := p.SaveData(path, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	// row 2 of data: channel 0 has values, channel 1 pads empty
	if got := lines[3]; !strings.HasSuffix(got, ",,") {
		t.Errorf("padded row = %q, want trailing empty cells", got)
	}
}

func TestSaveIndividualLayout(t *testing.T) {
	m := ecl.NewMock(ecl.SP300)
	m.Script(0, ocvSegment(0, ecl.ChannelStop, 0.1, 0.2))
	m.Script(3, ocvSegment(0, ecl.ChannelStop, 0.3))
	p := ocvProgram(t, m, 0, 3)
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	if err := p.SaveData(dir, SaveOptions{ByChannel: true}); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"ch-0.csv", "ch-3.csv"} {
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(string(raw), "Time [s],Voltage [V]\n") {
			t.Errorf("%s missing title header: %q", name, raw)
		}
	}
}

func TestSaveRetriesThenSucceedsWithoutLoss(t *testing.T) {
	m := ecl.NewMock(ecl.SP300)
	m.Script(0, ocvSegment(0, ecl.ChannelStop, 0.1, 0.2, 0.3))
	p := ocvProgram(t, m, 0)
	p.maxAttempts = 3
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	// the directory itself is not writable as a file
	if err := p.SaveData(dir, SaveOptions{}); err != nil {
		t.Fatalf("first failure should be swallowed: %v", err)
	}
	if err := p.SaveData(dir, SaveOptions{}); err != nil {
		t.Fatalf("second failure should be swallowed: %v", err)
	}
	if err := p.SaveData(dir, SaveOptions{}); err == nil {
		t.Fatal("third failure should exhaust the budget")
	}
	// nothing was lost; a good destination drains the buffer
	path := filepath.Join(dir, "out.csv")
	if err := p.SaveData(path, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(lines) != 5 {
		t.Fatalf("got %d lines, want 2 header + 3 data", len(lines))
	}
	// a second flush with no new data appends nothing
	if err := p.SaveData(path, SaveOptions{}); err != nil {
		t.Fatal(err)
	}
	raw2, _ := os.ReadFile(path)
	if string(raw2) != string(raw) {
		t.Error("records duplicated across consecutive flushes")
	}
}

func TestRetentionWindow(t *testing.T) {
	m := ecl.NewMock(ecl.SP300)
	m.Script(0, ocvSegment(0, ecl.ChannelStop, 0.1, 0.2, 0.3, 0.4, 0.5))
	p := ocvProgram(t, m, 0)
	if err := p.Run(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.TrimData(3, 0); err != nil {
		t.Fatal(err)
	}
	data := p.Data(0)
	if len(data) != 3 {
		t.Fatalf("got %d rows after trim, want 3", len(data))
	}
	if data[0][1] != float64(float32(0.3)) {
		t.Errorf("trim kept %v, want the most recent rows", data[0][1])
	}
	// a wider window than the history is a no-op
	if err := p.TrimData(100, 0); err != nil {
		t.Fatal(err)
	}
	if len(p.Data(0)) != 3 {
		t.Error("trim with a wide window changed the history")
	}
	if err := p.TrimData(0, 0); err != nil {
		t.Fatal(err)
	}
	if len(p.Data(0)) != 0 {
		t.Error("zero window should clear history")
	}
	if err := p.TrimData(1, 7); err == nil {
		t.Error("expected error for a channel outside the program")
	}
}

func TestRunNoRetrieveLeavesSessionOpen(t *testing.T) {
	m := ecl.NewMock(ecl.SP300)
	m.Script(0, ocvSegment(0, ecl.ChannelRun, 0.2))
	p := ocvProgram(t, m, 0)
	if err := p.RunNoRetrieve(context.Background()); err != nil {
		t.Fatal(err)
	}
	// managed connection, but the caller drives retrieval; the session
	// must stay open until the caller ends it
	if !m.Connected() {
		t.Fatal("session closed after RunNoRetrieve")
	}
	seg, err := p.RetrieveSegment(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(seg.Records) != 1 {
		t.Errorf("got %d records, want 1", len(seg.Records))
	}
}

func TestRunNoRetrieveAllowsStepUpdates(t *testing.T) {
	m := ecl.NewMock(ecl.SP300)
	p, err := New(Config{
		Transport: m,
		Technique: technique.CA,
		Channels:  []int{0},
		Params: technique.Params{
			"voltages":  []float64{0.1},
			"durations": []float64{10.0},
		},
		Clock: &fastClock{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.RunNoRetrieve(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := p.BroadcastSteps(StepUpdate{Levels: []float64{0.3}}); err != nil {
		t.Fatalf("step update after RunNoRetrieve: %v", err)
	}
	if _, ok := m.LastUpdate(0); !ok {
		t.Fatal("no update reached the transport")
	}
}

func TestUpdateStepsReplacesSnapshot(t *testing.T) {
	m := ecl.NewMock(ecl.SP300)
	p, err := New(Config{
		Transport: m,
		Technique: technique.CA,
		Channels:  []int{0},
		Params: technique.Params{
			"voltages":  []float64{0.1},
			"durations": []float64{10.0},
		},
		Clock: &fastClock{},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Connect(); err != nil {
		t.Fatal(err)
	}
	before, _ := p.Params(0)
	if err := p.BroadcastSteps(StepUpdate{Levels: []float64{0.25}}); err != nil {
		t.Fatal(err)
	}
	up, ok := m.LastUpdate(0)
	if !ok {
		t.Fatal("no update reached the transport")
	}
	var found bool
	for _, prm := range up.Params {
		if prm.Name == "Voltage_step" && prm.Float == 0.25 {
			found = true
		}
	}
	if !found {
		t.Errorf("update params = %+v, want Voltage_step 0.25", up.Params)
	}
	// snapshots are exchanged, not mutated
	if v, _ := before.Floats("voltages"); v[0] != 0.1 {
		t.Errorf("old snapshot mutated: %v", v)
	}
	after, _ := p.Params(0)
	if v, _ := after.Floats("voltages"); v[0] != 0.25 {
		t.Errorf("new snapshot = %v, want [0.25]", v)
	}
}

func TestUpdateStepsRejectsForeignChannel(t *testing.T) {
	m := ecl.NewMock(ecl.SP300)
	p, err := New(Config{
		Transport: m,
		Technique: technique.CA,
		Channels:  []int{0},
		Params: technique.Params{
			"voltages":  []float64{0.1},
			"durations": []float64{10.0},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := p.UpdateSteps(map[int]StepUpdate{5: {Levels: []float64{0.2}}}); err == nil {
		t.Fatal("expected error for a channel outside the program")
	}
}
