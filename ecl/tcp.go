package ecl

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.jpl.nasa.gov/bdube/biologic/comm"
)

// DefaultPort is the TCP port the instrument session service listens on.
const DefaultPort = "5025"

// Device is a Transport over a framed TCP (or serial) session.  A single
// Device is shared by every program operating on one instrument; the
// connection pool serializes exchanges and the rate limiter keeps the
// polling pressure within what the embedded controller tolerates.
type Device struct {
	addr string
	pool *comm.Pool
	lim  *rate.Limiter

	mu        sync.Mutex
	connected bool
	info      DeviceInfo
	family    DeviceFamily
}

// NewDevice returns a Device speaking to addr ("host" or "host:port")
// over TCP.
func NewDevice(addr string, timeout time.Duration) *Device {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	maker := comm.BackingOffTCPConnMaker(ensurePort(addr), timeout)
	return newDevice(addr, maker)
}

// NewDeviceWithMaker returns a Device using a custom connection maker,
// e.g. comm.SerialConnMaker for an RS-232 gateway.
func NewDeviceWithMaker(addr string, maker comm.CreationFunc) *Device {
	return newDevice(addr, maker)
}

func newDevice(addr string, maker comm.CreationFunc) *Device {
	return &Device{
		addr: addr,
		pool: comm.NewPool(1, 10*time.Second, maker),
		// 20 req/s with a small burst; one poll round is a handful of frames
		lim: rate.NewLimiter(rate.Limit(20), 4),
	}
}

func ensurePort(addr string) string {
	for i := 0; i < len(addr); i++ {
		if addr[i] == ':' {
			return addr
		}
	}
	return addr + ":" + DefaultPort
}

// Address returns the address the device was constructed with.
func (d *Device) Address() string { return d.addr }

// Connect opens the session and captures the device descriptor.
func (d *Device) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.connected {
		return nil
	}
	payload, err := d.exchange(frame{op: opConnect})
	if err != nil {
		return err
	}
	dec := newDecoder(payload)
	info, err := dec.deviceInfo()
	if err != nil {
		return fmt.Errorf("connect: malformed device info: %w", err)
	}
	d.info = info
	d.family = familyOf(info.DeviceCode)
	d.connected = true
	return nil
}

// Disconnect closes the session.
func (d *Device) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return NewError(-1, -1)
	}
	_, err := d.exchange(frame{op: opDisconnect})
	if err == nil {
		d.connected = false
	}
	return err
}

// Connected reports whether the session is open.
func (d *Device) Connected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Family reports the instrument family, valid after Connect.
func (d *Device) Family() DeviceFamily {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.family
}

// Info returns the device descriptor captured at connect.
func (d *Device) Info() DeviceInfo {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.info
}

// LoadTechnique loads a technique file and parameters onto a channel.
func (d *Device) LoadTechnique(ch int, technique string, params []Param, first, last bool) error {
	if err := d.requireConnected(ch); err != nil {
		return err
	}
	var flags byte
	if first {
		flags |= 1
	}
	if last {
		flags |= 2
	}
	payload := encodeString(nil, technique)
	payload = append(payload, flags)
	payload = encodeParams(payload, params)
	_, err := d.exchangeCh(frame{op: opLoad, channel: byte(ch), payload: payload}, ch)
	return err
}

// UpdateParameters adjusts parameters of the loaded technique in place.
func (d *Device) UpdateParameters(ch int, technique string, params []Param, index int) error {
	if err := d.requireConnected(ch); err != nil {
		return err
	}
	payload := encodeString(nil, technique)
	payload = append(payload, byte(index))
	payload = encodeParams(payload, params)
	_, err := d.exchangeCh(frame{op: opUpdate, channel: byte(ch), payload: payload}, ch)
	return err
}

// StartChannels begins execution on the given channels.
func (d *Device) StartChannels(chs ...int) error {
	return d.startStop(opStart, chs)
}

// StopChannels halts execution on the given channels.
func (d *Device) StopChannels(chs ...int) error {
	return d.startStop(opStop, chs)
}

func (d *Device) startStop(op opcode, chs []int) error {
	if err := d.requireConnected(-1); err != nil {
		return err
	}
	arr, err := activeArray(chs)
	if err != nil {
		return err
	}
	_, err = d.exchange(frame{op: op, payload: arr})
	return err
}

// GetValues snapshots a channel's instantaneous state.
func (d *Device) GetValues(ch int) (CurrentValues, error) {
	if err := d.requireConnected(ch); err != nil {
		return CurrentValues{}, err
	}
	payload, err := d.exchangeCh(frame{op: opValues, channel: byte(ch)}, ch)
	if err != nil {
		return CurrentValues{}, err
	}
	return newDecoder(payload).currentValues()
}

// GetData drains the channel's buffered records.
func (d *Device) GetData(ch int) ([]uint32, DataInfo, CurrentValues, error) {
	if err := d.requireConnected(ch); err != nil {
		return nil, DataInfo{}, CurrentValues{}, err
	}
	payload, err := d.exchangeCh(frame{op: opData, channel: byte(ch)}, ch)
	if err != nil {
		return nil, DataInfo{}, CurrentValues{}, err
	}
	dec := newDecoder(payload)
	info, err := dec.dataInfo()
	if err != nil {
		return nil, DataInfo{}, CurrentValues{}, fmt.Errorf("get data ch %d: %w", ch, err)
	}
	values, err := dec.currentValues()
	if err != nil {
		return nil, DataInfo{}, CurrentValues{}, fmt.Errorf("get data ch %d: %w", ch, err)
	}
	buf, err := dec.words(int(info.NbRows * info.NbCols))
	if err != nil {
		return nil, DataInfo{}, CurrentValues{}, fmt.Errorf("get data ch %d: %w", ch, err)
	}
	return buf, info, values, nil
}

func (d *Device) requireConnected(ch int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.connected {
		return NewError(-1, ch)
	}
	return nil
}

// exchangeCh is exchange with the channel recorded in any instrument
// error that comes back.
func (d *Device) exchangeCh(f frame, ch int) ([]byte, error) {
	payload, err := d.exchange(f)
	if e, ok := err.(Error); ok {
		e.Channel = ch
		return nil, e
	}
	return payload, err
}

// exchange performs one request/response round trip.  The leading int32
// of every response payload is the EClib status; negative values become
// ecl.Error.
func (d *Device) exchange(f frame) ([]byte, error) {
	d.lim.Wait(context.Background())
	conn, err := d.pool.Get()
	if err != nil {
		return nil, err
	}
	resp, err := roundTrip(conn, f)
	if err != nil {
		// the conn may hold half a frame; do not reuse it
		d.pool.Destroy(conn)
		return nil, err
	}
	d.pool.Put(conn)
	if len(resp.payload) < 4 {
		return nil, ErrShortFrame
	}
	status := int32(binary.LittleEndian.Uint32(resp.payload[:4]))
	if status < 0 {
		return nil, NewError(int(status), -1)
	}
	return resp.payload[4:], nil
}

func roundTrip(conn io.ReadWriter, f frame) (frame, error) {
	if _, err := conn.Write(f.encode()); err != nil {
		return frame{}, err
	}
	resp, err := readFrame(conn)
	if err != nil {
		return frame{}, err
	}
	if resp.op != f.op {
		return frame{}, fmt.Errorf("opcode mismatch: sent %#x, got %#x", byte(f.op), byte(resp.op))
	}
	return resp, nil
}

// familyOf maps a device code to its family per the EClib device table;
// codes 7 through 13 are the SP-300 series boards.
func familyOf(code int32) DeviceFamily {
	if code >= 7 && code <= 13 {
		return SP300
	}
	return VMP3
}
