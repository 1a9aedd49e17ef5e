package modbus

import (
	"time"

	"go.bug.st/serial"
)

// validBaudRates is the enumerated set of baud rates a caller may request.
// Anything else falls back to 9600bps with a warning, the same policy
// original_source/modbus/modbus.c's modbus_connect_rtu applies to its own
// baud rate switch.
var validBaudRates = map[int]bool{
	110: true, 300: true, 600: true, 1200: true, 2400: true,
	4800: true, 9600: true, 19200: true, 38400: true,
	57600: true, 115200: true,
}

// normalizeBaudRate validates speed against validBaudRates, falling back to
// 9600bps (and logging a warning) on an unsupported value.
func normalizeBaudRate(speed int, logger *logger) (out int) {
	if validBaudRates[speed] {
		return speed
	}

	logger.Warningf("unsupported baud rate %v, falling back to 9600bps", speed)

	return 9600
}

// serialPortWrapper wraps a serial.Port (i.e. physical port) to
// 1) satisfy the rtuLink interface and
// 2) add Read() deadline/timeout support.
type serialPortWrapper struct {
	conf     *serialPortConfig
	port     serial.Port
	deadline time.Time
}

type serialPortConfig struct {
	Device   string
	Speed    int
	DataBits int
	Parity   serial.Parity
	StopBits serial.StopBits
}

func newSerialPortWrapper(conf *serialPortConfig) (spw *serialPortWrapper) {
	spw = &serialPortWrapper{
		conf: conf,
	}

	return
}

func (spw *serialPortWrapper) Open() (err error) {
	spw.port, err = serial.Open(spw.conf.Device, &serial.Mode{
		BaudRate: spw.conf.Speed,
		DataBits: spw.conf.DataBits,
		Parity:   spw.conf.Parity,
		StopBits: spw.conf.StopBits,
	})
	if err != nil {
		return
	}

	// make port.Read() give up after 10ms without data, so that Read()
	// gets to check the deadline
	err = spw.port.SetReadTimeout(10 * time.Millisecond)
	if err != nil {
		spw.port.Close()
	}

	return
}

// Closes the serial port.
func (spw *serialPortWrapper) Close() (err error) {
	err = spw.port.Close()

	return
}

// Reads bytes from the underlying serial port.
// If Read() is called after the deadline, a timeout error is returned without
// attempting to read from the serial port.
// If Read() is called before the deadline, a read attempt to the serial port
// is made. At this point, one of two things can happen:
//   - the serial port's receive buffer has one or more bytes and port.Read()
//     returns immediately (partial or full read),
//   - the serial port's receive buffer is empty: port.Read() blocks for
//     up to 10ms (the read timeout set by Open()) and Read() returns with
//     no data and no error.
//
// As the higher-level methods use io.ReadFull(), Read() will be called
// as many times as necessary until either enough bytes have been read or an
// error is returned (ErrRequestTimedOut or any other i/o error).
func (spw *serialPortWrapper) Read(rxbuf []byte) (cnt int, err error) {
	// return a timeout error if the deadline has passed
	if time.Now().After(spw.deadline) {
		err = ErrRequestTimedOut
		return
	}

	// a read timeout of the serial port yields no data and no error
	cnt, err = spw.port.Read(rxbuf)

	return
}

// Sends the bytes over the wire.
func (spw *serialPortWrapper) Write(txbuf []byte) (cnt int, err error) {
	cnt, err = spw.port.Write(txbuf)

	return
}

// Saves the i/o deadline (only used by Read).
func (spw *serialPortWrapper) SetDeadline(deadline time.Time) (err error) {
	spw.deadline = deadline

	return
}
