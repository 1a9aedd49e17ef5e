package modbus

import (
	"io"
	"net"
	"time"
)

type socketWrapper struct {
	socket net.Conn
}

func newSocketWrapper(s net.Conn) (sw *socketWrapper) {
	sw = &socketWrapper{
		socket: s,
	}

	return
}

// Closes the socket.
func (sw *socketWrapper) Close() (err error) {
	err = sw.socket.Close()

	return
}

// Reset the input buffer
func (sw *socketWrapper) Reset() (err error) {
	// Discards the contents of the socket's rx buffer, eating up to 1kB of
	// data. This call blocks for up to 500us.
	var rxbuf = make([]byte, 1024)

	sw.SetDeadline(time.Now().Add(500 * time.Microsecond))
	io.ReadFull(sw.socket, rxbuf)

	return nil
}

// Reads bytes from the underlying socket.
// The read blocks until data arrives or the deadline set by SetDeadline()
// passes, in which case the socket's own timeout error is returned.
//
// As the higher-level methods use io.ReadFull(), Read() will be called
// as many times as necessary until either enough bytes have been read or an
// error is returned.
func (sw *socketWrapper) Read(rxbuf []byte) (cnt int, err error) {
	cnt, err = sw.socket.Read(rxbuf)

	return
}

// Sends the bytes over the wire.
func (sw *socketWrapper) Write(txbuf []byte) (cnt int, err error) {
	cnt, err = sw.socket.Write(txbuf)

	return
}

// Sets the i/o deadline of the socket (applies to both reads and writes).
func (sw *socketWrapper) SetDeadline(deadline time.Time) (err error) {
	sw.socket.SetDeadline(deadline)

	return
}
