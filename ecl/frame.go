package ecl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/snksoft/crc"
)

// The remote session protocol is a simple binary framing of the EClib
// call surface: one request frame per call, one response frame per
// request.  Frames carry an opcode, an addressed channel, a payload, and
// a CRC-16/XMODEM trailer over everything before it.  All multi-byte
// fields are little endian; the CRC is big endian on the wire.

type opcode byte

const (
	opConnect    opcode = 0x01
	opDisconnect opcode = 0x02
	opLoad       opcode = 0x03
	opUpdate     opcode = 0x04
	opStart      opcode = 0x05
	opStop       opcode = 0x06
	opValues     opcode = 0x07
	opData       opcode = 0x08
)

// maxChannels is the widest channel active-array any supported frame
// carries; VMP3 racks top out at 16 boards.
const maxChannels = 16

var (
	crcTable = crc.NewTable(crc.XMODEM)

	// ErrBadCRC is generated when a response trailer does not match its body
	ErrBadCRC = errors.New("response CRC mismatch")

	// ErrShortFrame is generated when a response ends before its declared length
	ErrShortFrame = errors.New("short frame")
)

type frame struct {
	op      opcode
	channel byte
	payload []byte
}

// encode renders the frame in wire format, trailer included.
func (f frame) encode() []byte {
	buf := make([]byte, 0, 4+len(f.payload)+2)
	buf = append(buf, byte(f.op), f.channel)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(f.payload)))
	buf = append(buf, f.payload...)
	sum := uint16(crcTable.CalculateCRC(buf))
	buf = binary.BigEndian.AppendUint16(buf, sum)
	return buf
}

// readFrame consumes one frame from r, verifying length and CRC.
func readFrame(r io.Reader) (frame, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	n := binary.LittleEndian.Uint16(hdr[2:4])
	body := make([]byte, int(n)+2)
	if _, err := io.ReadFull(r, body); err != nil {
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			return frame{}, ErrShortFrame
		}
		return frame{}, err
	}
	payload, trailer := body[:n], body[n:]
	sum := uint16(crcTable.CalculateCRC(append(hdr[:], payload...)))
	if binary.BigEndian.Uint16(trailer) != sum {
		return frame{}, ErrBadCRC
	}
	return frame{op: opcode(hdr[0]), channel: hdr[1], payload: payload}, nil
}

// activeArray renders a channel list as the 16-wide 0/1 array the
// start/stop opcodes expect.
func activeArray(chs []int) ([]byte, error) {
	arr := make([]byte, maxChannels)
	for _, ch := range chs {
		if ch < 0 || ch >= maxChannels {
			return nil, fmt.Errorf("channel %d outside 0..%d", ch, maxChannels-1)
		}
		arr[ch] = 1
	}
	return arr, nil
}

func encodeString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// encodeParams renders a parameter set for the load/update opcodes.
func encodeParams(buf []byte, params []Param) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(params)))
	for _, p := range params {
		buf = encodeString(buf, p.Name)
		buf = append(buf, byte(p.Kind))
		buf = binary.LittleEndian.AppendUint16(buf, uint16(p.Index))
		buf = binary.LittleEndian.AppendUint32(buf, p.Word())
	}
	return buf
}

// decoder walks a response payload.  The first field of every response is
// the int32 EClib status; negative values are instrument errors.
type decoder struct {
	buf *bytes.Reader
}

func newDecoder(payload []byte) decoder {
	return decoder{buf: bytes.NewReader(payload)}
}

func (d decoder) i32() (int32, error) {
	var v int32
	err := binary.Read(d.buf, binary.LittleEndian, &v)
	return v, err
}

func (d decoder) f32() (float32, error) {
	var v float32
	err := binary.Read(d.buf, binary.LittleEndian, &v)
	return v, err
}

func (d decoder) f64() (float64, error) {
	var v float64
	err := binary.Read(d.buf, binary.LittleEndian, &v)
	return v, err
}

func (d decoder) words(n int) ([]uint32, error) {
	out := make([]uint32, n)
	if err := binary.Read(d.buf, binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (d decoder) deviceInfo() (DeviceInfo, error) {
	var di DeviceInfo
	err := binary.Read(d.buf, binary.LittleEndian, &di)
	return di, err
}

func (d decoder) currentValues() (CurrentValues, error) {
	var cv CurrentValues
	err := binary.Read(d.buf, binary.LittleEndian, &cv)
	return cv, err
}

func (d decoder) dataInfo() (DataInfo, error) {
	var di DataInfo
	for _, dst := range []*int32{
		&di.IRQSkipped, &di.NbRows, &di.NbCols,
		&di.TechniqueIndex, &di.TechniqueID, &di.ProcessIndex, &di.Loop,
	} {
		v, err := d.i32()
		if err != nil {
			return di, err
		}
		*dst = v
	}
	start, err := d.f64()
	if err != nil {
		return di, err
	}
	di.StartTime = start
	return di, nil
}

// encodeCurrentValues renders a CurrentValues block; the mock session
// server in tests uses it to answer opValues and opData.
func encodeCurrentValues(buf []byte, cv CurrentValues) []byte {
	w := bytes.NewBuffer(buf)
	binary.Write(w, binary.LittleEndian, cv)
	return w.Bytes()
}

// encodeDataInfo renders a DataInfo block, StartTime last as a float64.
func encodeDataInfo(buf []byte, di DataInfo) []byte {
	w := bytes.NewBuffer(buf)
	for _, v := range []int32{
		di.IRQSkipped, di.NbRows, di.NbCols,
		di.TechniqueIndex, di.TechniqueID, di.ProcessIndex, di.Loop,
	} {
		binary.Write(w, binary.LittleEndian, v)
	}
	start := di.StartTime
	if math.IsNaN(start) {
		// NaN survives the round trip; keep it rather than flattening to 0
		binary.Write(w, binary.LittleEndian, math.NaN())
	} else {
		binary.Write(w, binary.LittleEndian, start)
	}
	return w.Bytes()
}
