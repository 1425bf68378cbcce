/*Package comm provides connection plumbing for lab hardware links.

It supplies connection maker functions (TCP with exponential backoff, and
RS-232 serial) and a bounded connection pool.  Device packages compose
these: build a maker for the address, wrap it in a pool sized to what the
hardware tolerates, and check connections out around each exchange.
*/
package comm

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

// ErrNotConnected is generated when an exchange is attempted on a closed
// connection.
var ErrNotConnected = errors.New("conn is nil, not connected to remote")

// CreationFunc returns a new "connection" to something.  Use a closure to
// encapsulate addresses and options.
type CreationFunc func() (io.ReadWriteCloser, error)

// TCPSetup opens a new TCP connection and sets a deadline covering
// connect, read, and write.
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}

// BackingOffTCPConnMaker returns a CreationFunc that dials addr with an
// exponential backoff.  Instruments with embedded TCP stacks do not like
// being connection thrashed; the backoff gives their listener time to
// recycle.
func BackingOffTCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		var conn net.Conn
		wasTimeout := false
		op := func() error {
			var err error
			conn, err = TCPSetup(addr, timeout)
			if err != nil {
				errS := strings.ToLower(err.Error())
				if strings.Contains(errS, "refused") {
					return err
				}
				wasTimeout = true
				return nil
			}
			wasTimeout = false
			return nil
		}
		err := backoff.Retry(op, &backoff.ExponentialBackOff{
			InitialInterval:     25 * time.Millisecond,
			RandomizationFactor: 0.,
			Multiplier:          2.,
			MaxInterval:         1 * time.Second,
			MaxElapsedTime:      3 * time.Second,
			Clock:               backoff.SystemClock})
		if err != nil {
			return nil, err
		}
		if wasTimeout {
			return nil, fmt.Errorf("connection timeout to %s", addr)
		}
		return conn, nil
	}
}

// SerialConnMaker returns a CreationFunc that opens an RS-232 port.  The
// baud rate and framing come from the config; most bench links are
// 9600-8-N-1.
func SerialConnMaker(cfg *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return serial.OpenPort(cfg)
	}
}
