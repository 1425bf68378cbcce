package ecl

import (
	"fmt"
	"sync"
)

// MockSegment is one canned GetData response.
type MockSegment struct {
	Buf    []uint32
	Info   DataInfo
	Values CurrentValues
}

// MockLoad records one LoadTechnique call.
type MockLoad struct {
	Channel   int
	Technique string
	Params    []Param
	First     bool
	Last      bool
}

// MockUpdate records one UpdateParameters call.
type MockUpdate struct {
	Channel   int
	Technique string
	Params    []Param
	Index     int
}

// Mock is a scripted Transport for development and tests.  Queue
// segments per channel with Script, or install a Feed function to
// synthesize them on demand (e.g. power that depends on the last
// commanded voltage).  When a channel's queue is exhausted and no Feed
// is set, GetData reports an empty segment in the STOP state.
type Mock struct {
	// Kind is the family the mock claims to be
	Kind DeviceFamily

	// Feed, if set, produces a segment when a channel's queue is empty
	Feed func(ch int) MockSegment

	// OnUpdate, if set, observes every UpdateParameters call
	OnUpdate func(up MockUpdate)

	// FailWith, if set, is returned from every channel-addressed call
	FailWith error

	mu        sync.Mutex
	connected bool
	queues    map[int][]MockSegment
	loads     []MockLoad
	updates   []MockUpdate
	started   []int
	stopped   []int
	connects  int
}

// NewMock returns a Mock of the given family.
func NewMock(kind DeviceFamily) *Mock {
	return &Mock{Kind: kind, queues: map[int][]MockSegment{}}
}

// Script appends canned segments to a channel's queue.
func (m *Mock) Script(ch int, segs ...MockSegment) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues[ch] = append(m.queues[ch], segs...)
}

// Connect marks the session open.
func (m *Mock) Connect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	m.connects++
	return nil
}

// Disconnect marks the session closed.
func (m *Mock) Disconnect() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return NewError(-1, -1)
	}
	m.connected = false
	return nil
}

// Connected reports the session state.
func (m *Mock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Connects reports how many times Connect has been called.
func (m *Mock) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// Family reports the mock's claimed family.
func (m *Mock) Family() DeviceFamily { return m.Kind }

// Info returns a descriptor with a channel count covering every scripted
// channel.
func (m *Mock) Info() DeviceInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for ch := range m.queues {
		if ch+1 > n {
			n = ch + 1
		}
	}
	return DeviceInfo{NumberOfChannels: int32(n)}
}

// LoadTechnique records the call.
func (m *Mock) LoadTechnique(ch int, technique string, params []Param, first, last bool) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return NewError(-1, ch)
	}
	m.loads = append(m.loads, MockLoad{ch, technique, params, first, last})
	return nil
}

// UpdateParameters records the call and notifies OnUpdate.
func (m *Mock) UpdateParameters(ch int, technique string, params []Param, index int) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	up := MockUpdate{ch, technique, params, index}
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return NewError(-1, ch)
	}
	m.updates = append(m.updates, up)
	cb := m.OnUpdate
	m.mu.Unlock()
	if cb != nil {
		cb(up)
	}
	return nil
}

// StartChannels records the call.
func (m *Mock) StartChannels(chs ...int) error {
	if m.FailWith != nil {
		return m.FailWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return NewError(-1, -1)
	}
	m.started = append(m.started, chs...)
	return nil
}

// StopChannels records the call.
func (m *Mock) StopChannels(chs ...int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, chs...)
	return nil
}

// GetValues returns the values of the segment at the head of the queue,
// or a STOP snapshot when nothing is queued.
func (m *Mock) GetValues(ch int) (CurrentValues, error) {
	if m.FailWith != nil {
		return CurrentValues{}, m.FailWith
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if q := m.queues[ch]; len(q) > 0 {
		return q[0].Values, nil
	}
	return CurrentValues{State: int32(ChannelStop), TimeBase: 1}, nil
}

// GetData pops a segment from the channel's queue.
func (m *Mock) GetData(ch int) ([]uint32, DataInfo, CurrentValues, error) {
	if m.FailWith != nil {
		return nil, DataInfo{}, CurrentValues{}, m.FailWith
	}
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return nil, DataInfo{}, CurrentValues{}, NewError(-1, ch)
	}
	if q := m.queues[ch]; len(q) > 0 {
		m.queues[ch] = q[1:]
		m.mu.Unlock()
		seg := q[0]
		return seg.Buf, seg.Info, seg.Values, nil
	}
	feed := m.Feed
	m.mu.Unlock()
	if feed != nil {
		seg := feed(ch)
		return seg.Buf, seg.Info, seg.Values, nil
	}
	idle := CurrentValues{State: int32(ChannelStop), TimeBase: 1}
	return nil, DataInfo{}, idle, nil
}

// Loads returns the recorded LoadTechnique calls.
func (m *Mock) Loads() []MockLoad {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockLoad(nil), m.loads...)
}

// Updates returns the recorded UpdateParameters calls.
func (m *Mock) Updates() []MockUpdate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockUpdate(nil), m.updates...)
}

// Started returns the channels passed to StartChannels, in call order.
func (m *Mock) Started() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.started...)
}

// Stopped returns the channels passed to StopChannels, in call order.
func (m *Mock) Stopped() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.stopped...)
}

// LastUpdate returns the most recent update for a channel, or false.
func (m *Mock) LastUpdate(ch int) (MockUpdate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.updates) - 1; i >= 0; i-- {
		if m.updates[i].Channel == ch {
			return m.updates[i], true
		}
	}
	return MockUpdate{}, false
}

// Pack bit-packs rows of physical values into the raw word format GetData
// returns, using kinds to decide which columns are singles.  It panics on
// ragged input; it is a scripting convenience, not a parser.
func Pack(kinds []ParamKind, rows ...[]float64) []uint32 {
	out := make([]uint32, 0, len(rows)*len(kinds))
	for _, row := range rows {
		if len(row) != len(kinds) {
			panic(fmt.Sprintf("mock: row has %d values, schema has %d", len(row), len(kinds)))
		}
		for i, v := range row {
			p := Param{Kind: kinds[i]}
			switch kinds[i] {
			case Single:
				p.Float = float32(v)
			case Boolean:
				p.Bool = v != 0
			default:
				p.Int = int32(v)
			}
			out = append(out, p.Word())
		}
	}
	return out
}
