// Package ecl provides types and a remote transport for BioLogic
// potentiostat/galvanostat instruments (SP-300 and VMP3 families).
//
// The package models the instrument boundary the way EC-Lab's OEM library
// presents it: a connection handle, per-channel technique loading, and
// polled retrieval of raw data buffers plus metadata.  Higher level
// orchestration lives in the program and mpp packages.
package ecl

import (
	"fmt"
	"math"
)

// DeviceFamily discriminates the two instrument families, which differ in
// data formats and technique file names.
type DeviceFamily int

const (
	// VMP3 covers VMP3, VSP, SP-50/150 and related boards
	VMP3 DeviceFamily = iota

	// SP300 covers SP-300, SP-200, VSP-300 and related boards
	SP300
)

func (f DeviceFamily) String() string {
	if f == SP300 {
		return "SP-300"
	}
	return "VMP3"
}

// ChannelState is the run state of one instrument channel.
type ChannelState int32

const (
	// ChannelStop means the channel is idle; terminal for a running technique
	ChannelStop ChannelState = 0

	// ChannelRun means the channel is actively executing a technique
	ChannelRun ChannelState = 1

	// ChannelPause means the channel is paused
	ChannelPause ChannelState = 2
)

func (s ChannelState) String() string {
	switch s {
	case ChannelStop:
		return "STOP"
	case ChannelRun:
		return "RUN"
	case ChannelPause:
		return "PAUSE"
	}
	return fmt.Sprintf("ChannelState(%d)", int32(s))
}

// TechniqueID identifies a technique in data metadata, per the EClib manual.
type TechniqueID int32

const (
	TechNone    TechniqueID = 0
	TechOCV     TechniqueID = 100
	TechCA      TechniqueID = 101
	TechCP      TechniqueID = 102
	TechCV      TechniqueID = 103
	TechPEIS    TechniqueID = 104
	TechGEIS    TechniqueID = 107
	TechCALimit TechniqueID = 157
	TechCPLimit TechniqueID = 158
)

// IRange is a current range code.
type IRange int32

// current ranges; the suffix is the full scale, e.g. IRangeM10 = 10 mA
const (
	IRangeP100 IRange = 0
	IRangeN1   IRange = 1
	IRangeN10  IRange = 2
	IRangeN100 IRange = 3
	IRangeU1   IRange = 4
	IRangeU10  IRange = 5
	IRangeU100 IRange = 6
	IRangeM1   IRange = 7
	IRangeM10  IRange = 8
	IRangeM100 IRange = 9
	IRangeA1   IRange = 10

	IRangeKeep    IRange = -1
	IRangeBooster IRange = 11
	IRangeAuto    IRange = 12
)

// ERange is a voltage range code.
type ERange int32

const (
	ERange2V5  ERange = 0
	ERange5V   ERange = 1
	ERange10V  ERange = 2
	ERangeAuto ERange = 3
)

// ParamKind tags the hardware representation of a technique parameter.
type ParamKind int32

const (
	// Int32 parameters are passed through as 32-bit integers
	Int32 ParamKind = 0

	// Boolean parameters are 0/1 integers on the wire
	Boolean ParamKind = 1

	// Single parameters are IEEE-754 single-precision floats, bit-packed
	// into unsigned 32-bit words in raw data buffers
	Single ParamKind = 2
)

func (k ParamKind) String() string {
	switch k {
	case Int32:
		return "int32"
	case Boolean:
		return "bool"
	case Single:
		return "single"
	}
	return fmt.Sprintf("ParamKind(%d)", int32(k))
}

// Param is one hardware technique parameter as transmitted to the
// instrument.  Index is the step index for per-step parameter lists,
// zero for scalars.
type Param struct {
	Name  string
	Kind  ParamKind
	Index int

	Int   int32
	Float float32
	Bool  bool
}

// Word returns the parameter value bit-packed into a u32 as the wire
// format requires.
func (p Param) Word() uint32 {
	switch p.Kind {
	case Boolean:
		if p.Bool {
			return 1
		}
		return 0
	case Single:
		return math.Float32bits(p.Float)
	default:
		return uint32(p.Int)
	}
}

// DeviceInfo mirrors the instrument-level descriptor returned on connect.
type DeviceInfo struct {
	DeviceCode       int32
	RAMSize          int32
	CPU              int32
	NumberOfChannels int32
	NumberOfSlots    int32
	FirmwareVersion  int32
	FirmwareDateYYYY int32
	FirmwareDateMM   int32
	FirmwareDateDD   int32
}

// CurrentValues is the instantaneous snapshot of one channel.
type CurrentValues struct {
	// State is a ChannelState value
	State int32

	// MemFilled is the number of bytes used in the channel's data buffer
	MemFilled int32

	// TimeBase is the channel time base in seconds; raw timestamps are
	// integer multiples of it
	TimeBase float32

	// Ewe is the working electrode potential in V
	Ewe float32

	// Ece is the counter electrode potential in V
	Ece float32

	// I is the current in A
	I float32

	// IRange is the active current range code
	IRange int32

	// ElapsedTime is seconds since the technique started
	ElapsedTime float32

	// Freq is the active excitation frequency (impedance techniques)
	Freq float32
}

// ChannelState converts the raw State word to a ChannelState.
func (cv CurrentValues) ChannelState() ChannelState {
	return ChannelState(cv.State)
}

// DataInfo is the metadata attached to one retrieved data buffer.
type DataInfo struct {
	IRQSkipped     int32
	NbRows         int32
	NbCols         int32
	TechniqueIndex int32
	TechniqueID    int32
	ProcessIndex   int32
	Loop           int32

	// StartTime is the technique start offset within the run in seconds.
	// NaN means the technique began at the start of the run.
	StartTime float64
}

// ConvertNumeric reinterprets a raw 32-bit word as a single-precision
// float.  The instrument returns float columns bit-packed this way.
func ConvertNumeric(raw uint32) float32 {
	return math.Float32frombits(raw)
}
