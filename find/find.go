// Package find discovers BioLogic instruments on USB and ethernet.
//
// Instruments self-describe with a compact text descriptor: fields joined
// by '$' in a fixed order, multiple devices joined by '%'.  Ethernet
// instruments answer a UDP broadcast probe with one descriptor each; USB
// instruments are enumerated by vendor ID.
package find

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/gousb"
)

const (
	// VendorID is the BioLogic USB vendor ID
	VendorID = 0x0bd3

	// probePort is the UDP port instruments listen on for discovery
	probePort = 5026
)

// probeMessage is the discovery datagram instruments answer to
var probeMessage = []byte("BL_FIND$")

// Connection is the transport a device was discovered on.
type Connection int

const (
	// USB devices connect through a plug index
	USB Connection = iota

	// Ethernet devices connect through an IP address
	Ethernet
)

func (c Connection) String() string {
	switch c {
	case USB:
		return "USB"
	case Ethernet:
		return "Ethernet"
	}
	return fmt.Sprintf("Connection(%d)", int(c))
}

// Device holds the descriptors of one discovered instrument.  Gateway,
// Netmask, MAC, IDN and Name are populated for ethernet devices only.
type Device struct {
	// Connection is the transport the device was found on
	Connection Connection

	// Address is the IP address for ethernet devices, or the USB plug
	// index rendered as a string for USB devices
	Address string

	// Kind is the instrument model, e.g. "SP-300"
	Kind string

	// Serial is the device serial number
	Serial string

	Gateway string
	Netmask string
	MAC     string
	IDN     string
	Name    string
}

// ConnectionString renders the address the way a connect call expects it:
// "USBn" for USB devices, the bare IP for ethernet devices.
func (d Device) ConnectionString() string {
	if d.Connection == USB {
		return "USB" + d.Address
	}
	return d.Address
}

// ParseDescriptors decodes a descriptor blob into devices.  Devices are
// separated by '%', fields within a device by '$'.  A trailing separator
// (null padding on the wire) is tolerated.
func ParseDescriptors(blob string) ([]Device, error) {
	blob = strings.TrimRight(blob, "\x00")
	if blob == "" {
		return nil, nil
	}
	chunks := strings.Split(blob, "%")
	devices := make([]Device, 0, len(chunks))
	for _, chunk := range chunks {
		if chunk == "" {
			continue
		}
		fields := strings.Split(chunk, "$")
		if len(fields) < 2 {
			return nil, fmt.Errorf("malformed device descriptor %q", chunk)
		}
		// fixed field order: connection, address, gateway, netmask,
		// mac, idn, kind, sn, name
		for len(fields) < 9 {
			fields = append(fields, "")
		}
		d := Device{
			Address: fields[1],
			Gateway: fields[2],
			Netmask: fields[3],
			MAC:     fields[4],
			IDN:     fields[5],
			Kind:    fields[6],
			Serial:  fields[7],
			Name:    fields[8],
		}
		switch strings.ToUpper(fields[0]) {
		case "USB":
			d.Connection = USB
		case "ETHERNET", "ETH":
			d.Connection = Ethernet
		default:
			return nil, fmt.Errorf("unknown connection type %q", fields[0])
		}
		devices = append(devices, d)
	}
	return devices, nil
}

// USBDevices enumerates instruments on the USB bus by vendor ID.  The plug
// index is the enumeration order, matching how a later connect call
// addresses them.
func USBDevices() ([]Device, error) {
	ctx := gousb.NewContext()
	defer ctx.Close()
	index := 0
	var found []Device
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if desc.Vendor != gousb.ID(VendorID) {
			return false
		}
		found = append(found, Device{
			Connection: USB,
			Address:    fmt.Sprintf("%d", index),
			Kind:       desc.Product.String(),
		})
		index++
		return false // enumerate only, do not open
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		return found, err
	}
	return found, nil
}

// EthernetDevices broadcasts a discovery probe and collects answers until
// the context expires or timeout elapses, whichever is sooner.
func EthernetDevices(ctx context.Context, timeout time.Duration) ([]Device, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{})
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	bcast := &net.UDPAddr{IP: net.IPv4bcast, Port: probePort}
	if _, err := conn.WriteToUDP(probeMessage, bcast); err != nil {
		return nil, err
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, err
	}

	var found []Device
	buf := make([]byte, 4096)
	for {
		n, addr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return found, nil
			}
			return found, err
		}
		devs, err := ParseDescriptors(string(buf[:n]))
		if err != nil {
			continue // ignore chatter from other protocols
		}
		for _, d := range devs {
			if d.Connection == Ethernet && d.Address == "" {
				d.Address = addr.IP.String()
			}
			found = append(found, d)
		}
		if err := ctx.Err(); err != nil {
			return found, err
		}
	}
}

// Devices discovers on both transports.  USB failures do not mask ethernet
// results and vice versa; an error is returned only when both fail.
func Devices(ctx context.Context, timeout time.Duration) ([]Device, error) {
	usb, usbErr := USBDevices()
	eth, ethErr := EthernetDevices(ctx, timeout)
	all := append(usb, eth...)
	if usbErr != nil && ethErr != nil {
		return all, fmt.Errorf("usb: %v; ethernet: %v", usbErr, ethErr)
	}
	return all, nil
}
