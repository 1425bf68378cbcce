package ecl

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when an operation requires an open session
// and there is none.
var ErrNotConnected = errors.New("no instrument connected")

// Error is an instrument error carrying the EClib numeric code and
// mnemonic, e.g. ERR_GEN_NOTCONNECTED (-1).
type Error struct {
	Value   int
	Code    string
	Message string

	// Channel is the channel the failing call addressed, or -1
	Channel int
}

func (e Error) Error() string {
	if e.Channel >= 0 {
		return fmt.Sprintf("%s (%d) ch %d: %s", e.Code, e.Value, e.Channel, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Value, e.Message)
}

// Is maps the not-connected code onto ErrNotConnected so callers can use
// errors.Is without knowing the numeric table.
func (e Error) Is(target error) bool {
	return target == ErrNotConnected && e.Value == -1
}

type errEntry struct {
	code    string
	message string
}

// the subset of the EClib error table the transport can actually produce
var errTable = map[int]errEntry{
	-1:   {"ERR_GEN_NOTCONNECTED", "No instrument connected."},
	-4:   {"ERR_GEN_INVALIDPARAMETERS", "Invalid function parameters."},
	-6:   {"ERR_GEN_FUNCTIONFAILED", "Function failed."},
	-9:   {"ERR_GEN_ECLAB_LOADED", "EC-Lab firmware loaded on instrument."},
	-11:  {"ERR_GEN_USBLIBRARYERROR", "USB library not loaded in memory."},
	-12:  {"ERR_GEN_FUNCTIONINPROGRESS", "Function of the library already in progress."},
	-200: {"ERR_COMM_COMMFAILED", "Communication with the instrument failed."},
	-201: {"ERR_COMM_CONNECTIONFAILED", "Could not establish communication with instrument."},
	-204: {"ERR_COMM_ALLOCMEMFAILED", "Cannot allocate memory in the instrument."},
	-308: {"ERR_FIRM_FIRMWARENOTLOADED", "No firmware loaded on channel."},
	-309: {"ERR_FIRM_FIRMWAREINCOMPATIBLE", "Loaded firmware not compatible with the library."},
	-400: {"ERR_TECH_ECCFILENOTEXISTS", "ECC file does not exist."},
	-401: {"ERR_TECH_INCOMPATIBLEECC", "ECC file not compatible with the channel firmware."},
	-402: {"ERR_TECH_ECCFILECORRUPTED", "ECC file corrupted."},
	-403: {"ERR_TECH_LOADTECHNIQUEFAILED", "Cannot load the ECC file."},
}

// NewError builds an Error from an EClib status value.  Unknown values get
// a generic mnemonic rather than an error about the error.
func NewError(value, channel int) Error {
	ent, ok := errTable[value]
	if !ok {
		ent = errEntry{"ERR_UNKNOWN", "Unrecognized instrument error."}
	}
	return Error{Value: value, Code: ent.code, Message: ent.message, Channel: channel}
}
