package ecl

// Transport is a session with one physical instrument.  Implementations
// are single-session-serializable: concurrent callers are permitted, calls
// are executed one at a time.
//
// All methods may return an Error carrying the instrument status code, or
// a plain error for failures below the protocol (socket loss etc).
type Transport interface {
	// Connect opens the session and populates device information
	Connect() error

	// Disconnect closes the session
	Disconnect() error

	// Connected reports whether the session is open
	Connected() bool

	// Family reports which instrument family is on the other end.  Valid
	// after Connect.
	Family() DeviceFamily

	// Info returns the device descriptor captured at connect time
	Info() DeviceInfo

	// LoadTechnique loads a technique file with its parameters onto a
	// channel.  first and last flag the technique's position when several
	// are stacked on one channel.
	LoadTechnique(ch int, technique string, params []Param, first, last bool) error

	// UpdateParameters adjusts parameters of the technique already loaded
	// at index on a channel, without reloading or restarting it.  The
	// instrument applies the update atomically.
	UpdateParameters(ch int, technique string, params []Param, index int) error

	// StartChannels begins execution on the given channels
	StartChannels(chs ...int) error

	// StopChannels halts execution on the given channels
	StopChannels(chs ...int) error

	// GetValues snapshots a channel's instantaneous state
	GetValues(ch int) (CurrentValues, error)

	// GetData drains the channel's buffered records.  The buffer holds
	// NbRows*NbCols raw words; float columns are bit-packed singles.
	GetData(ch int) ([]uint32, DataInfo, CurrentValues, error)
}
