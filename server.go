package modbus

import (
	"fmt"
	"log"
	"time"
	"net"
	"strings"
	"sync"
)

// Server configuration object.
type ServerConfiguration struct {
	URL		string		// where to listen at e.g. tcp://[::]:502, rtu:///dev/ttyUSB0 or
					// rtuovertcp://[::]:502
	Speed		uint		// RTU only: serial link speed, in bps (defaults to 9600bps)
	DataBits	uint		// RTU only: number of data bits (defaults to 8)
	Parity		uint		// RTU only: serial link parity setting (defaults to PARITY_NONE)
	StopBits	uint		// RTU only: number of stop bits (defaults to 2, or
					// to 1 when a parity is set)
	Timeout		time.Duration	// TCP: idle session timeout (client connection will be
					// closed if idle for this long); RTU and RTU over TCP:
					// how long each further read of a query may take once
					// its first bytes have arrived
	MaxClients	uint		// TCP only: kept for source compatibility, unused: only one
					// client is served at a time
	Logger		*log.Logger	// optional custom logger
}

// ReportSlaveIDProvider may optionally be implemented by a RequestHandler to
// answer report slave id (0x11) queries. When a handler does not implement
// it, the server replies with an illegal function exception.
type ReportSlaveIDProvider interface {
	HandleReportSlaveID() (res []byte, err error)
}

// ExceptionStatusProvider may optionally be implemented by a RequestHandler to
// answer read exception status (0x07) queries. When a handler does not
// implement it, the server replies with an illegal function exception.
type ExceptionStatusProvider interface {
	HandleReadExceptionStatus() (status uint8, err error)
}

// Request object passed to the coil handler.
type CoilsRequest struct {
	ClientAddr	string	// the source (client) IP address
	UnitId		uint8	// the requested unit id (slave id)
	Addr		uint16	// the base coil address requested
	Quantity	uint16	// the number of consecutive coils covered by this request
				// (first address: Addr, last address: Addr + Quantity - 1)
	IsWrite		bool	// true if the request is a write, false if a read
	Args		[]bool	// a slice of bool values of the coils to be set, ordered
				// from Addr to Addr + Quantity - 1 (for writes only)
}

// Request object passed to the discrete input handler.
type DiscreteInputsRequest struct {
	ClientAddr	string	// the source (client) IP address
	UnitId		uint8	// the requested unit id (slave id)
	Addr		uint16	// the base discrete input address requested
	Quantity	uint16	// the number of consecutive discrete inputs
				// covered by this request
}

// Request object passed to the holding register handler.
type HoldingRegistersRequest struct {
	ClientAddr	string	// the source (client) IP address
	UnitId		uint8	// the requested unit id (slave id)
	Addr		uint16	// the base register address requested
	Quantity	uint16	// the number of consecutive registers covered by this request
	IsWrite		bool	// true if the request is a write, false if a read
	Args		[]uint16 // a slice of register values to be set, ordered from
				 // Addr to Addr + Quantity - 1 (for writes only)
}

// Request object passed to the input register handler.
type InputRegistersRequest struct {
	ClientAddr	string	// the source (client) IP address
	UnitId		uint8	// the requested unit id (slave id)
	Addr		uint16	// the base register address requested
	Quantity	uint16	// the number of consecutive registers covered by this request
}

// The RequestHandler interface should be implemented by the handler
// object passed to NewServer (see reqHandler in NewServer()).
// After decoding and validating an incoming request, the server will
// invoke the appropriate handler function, depending on the function code
// of the request.
type RequestHandler interface {
	// HandleCoils handles the read coils (0x01), write single coil (0x05)
	// and write multiple coils (0x0f) function codes.
	// A CoilsRequest object is passed to the handler (see above).
	//
	// Expected return values:
	// - res:	a slice of bools containing the coil values to be sent to back
	//		to the client (only sent for reads),
	// - err:	either nil if no error occurred, a modbus error (see
	//		mapErrorToExceptionCode() in modbus.go for a complete list),
	//		or any other error.
	//		If nil, a positive modbus response is sent back to the client
	//		along with the returned data.
	//		If non-nil, a negative modbus response is sent back, with the
	//		exception code set depending on the error
	//		(again, see mapErrorToExceptionCode()).
	HandleCoils	(req *CoilsRequest) (res []bool, err error)

	// HandleDiscreteInputs handles the read discrete inputs (0x02) function code.
	// A DiscreteInputsRequest oibject is passed to the handler (see above).
	//
	// Expected return values:
	// - res:	a slice of bools containing the discrete input values to be
	//		sent back to the client,
	// - err:	either nil if no error occurred, a modbus error (see
	//		mapErrorToExceptionCode() in modbus.go for a complete list),
	//		or any other error.
	HandleDiscreteInputs	(req *DiscreteInputsRequest) (res []bool, err error)

	// HandleHoldingRegisters handles the read holding registers (0x03),
	// write single register (0x06) and write multiple registers (0x10).
	// A HoldingRegistersRequest object is passed to the handler (see above).
	//
	// Expected return values:
	// - res:	a slice of uint16 containing the register values to be sent
	//		to back to the client (only sent for reads),
	// - err:	either nil if no error occurred, a modbus error (see
	//		mapErrorToExceptionCode() in modbus.go for a complete list),
	//		or any other error.
	HandleHoldingRegisters	(req *HoldingRegistersRequest) (res []uint16, err error)

	// HandleInputRegisters handles the read input registers (0x04) function code.
	// An InputRegistersRequest object is passed to the handler (see above).
	//
	// Expected return values:
	// - res:	a slice of uint16 containing the register values to be sent
	//		back to the client,
	// - err:	either nil if no error occurred, a modbus error (see
	//		mapErrorToExceptionCode() in modbus.go for a complete list),
	//		or any other error.
	HandleInputRegisters	(req *InputRegistersRequest) (res []uint16, err error)
}

// Modbus server object.
type ModbusServer struct {
	conf		ServerConfiguration
	logger		*logger
	lock		sync.Mutex
	started		bool
	handler		RequestHandler
	tcpListener	net.Listener
	activeConn	net.Conn
	rtuLink		rtuLink
	transportType	transportType
}

// Returns a new modbus server.
// reqHandler should be a user-provided handler object satisfying the RequestHandler
// interface. URL selects the transport: tcp://[host]:port, rtu:///dev/ttyUSB0 or
// rtuovertcp://[host]:port.
func NewServer(conf *ServerConfiguration, reqHandler RequestHandler) (
	ms *ModbusServer, err error) {

	ms = &ModbusServer{
		conf:		*conf,
		handler:	reqHandler,
	}

	switch {
	case strings.HasPrefix(ms.conf.URL, "tcp://"):
		ms.conf.URL	= strings.TrimPrefix(ms.conf.URL, "tcp://")

		if ms.conf.Timeout == 0 {
			ms.conf.Timeout = 120 * time.Second
		}

		ms.transportType	= modbusTCP

	case strings.HasPrefix(ms.conf.URL, "rtuovertcp://"):
		ms.conf.URL	= strings.TrimPrefix(ms.conf.URL, "rtuovertcp://")

		if ms.conf.Timeout == 0 {
			ms.conf.Timeout = 120 * time.Second
		}
		if ms.conf.Speed == 0 {
			ms.conf.Speed = 9600
		}

		ms.transportType	= modbusRTUOverTCP

	case strings.HasPrefix(ms.conf.URL, "rtu://"):
		ms.conf.URL	= strings.TrimPrefix(ms.conf.URL, "rtu://")

		if ms.conf.Speed == 0 {
			ms.conf.Speed = 9600
		}
		if ms.conf.DataBits == 0 {
			ms.conf.DataBits = 8
		}
		if ms.conf.StopBits == 0 {
			if ms.conf.Parity == PARITY_NONE {
				ms.conf.StopBits = 2
			} else {
				ms.conf.StopBits = 1
			}
		}
		if ms.conf.Timeout == 0 {
			ms.conf.Timeout = 300 * time.Millisecond
		}

		ms.transportType	= modbusRTU

	default:
		err	= ErrConfigurationError
		return
	}

	ms.logger	= newLogger(fmt.Sprintf("modbus-server(%s)", ms.conf.URL), ms.conf.Logger)

	return
}

// Starts listening for and serving client requests.
func (ms *ModbusServer) Start() (err error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()

	if ms.started {
		return
	}

	switch ms.transportType {
	case modbusTCP, modbusRTUOverTCP:
		// bind to a TCP socket
		ms.tcpListener, err	= net.Listen("tcp", ms.conf.URL)
		if err != nil {
			return
		}

		// serve one client connection at a time, in a goroutine
		go ms.acceptTCPClients()

	case modbusRTU:
		spw := newSerialPortWrapper(&serialPortConfig{
			Device:   ms.conf.URL,
			Speed:    int(normalizeBaudRate(int(ms.conf.Speed), ms.logger)),
			DataBits: int(ms.conf.DataBits),
			Parity:   serialParity(ms.conf.Parity),
			StopBits: serialStopBits(ms.conf.StopBits),
		})

		err = spw.Open()
		if err != nil {
			return
		}

		ms.rtuLink = spw

		go ms.handleTransport(
			newRTUTransport(spw, ms.conf.URL, ms.conf.Speed, ms.conf.Timeout, ms.conf.Logger),
			ms.conf.URL)

	default:
		err = ErrConfigurationError
		return
	}

	ms.started = true

	return
}

// Stops accepting new client connections and closes any active session.
func (ms *ModbusServer) Stop() (err error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()

	if !ms.started {
		return
	}

	ms.started = false

	switch ms.transportType {
	case modbusTCP, modbusRTUOverTCP:
		err	= ms.tcpListener.Close()

		if ms.activeConn != nil {
			ms.activeConn.Close()
		}

	case modbusRTU:
		if ms.rtuLink != nil {
			err = ms.rtuLink.Close()
		}
	}

	return
}

// Accepts one client connection at a time: while a client is being served,
// further connections are accepted and immediately closed until the current
// one closes.
func (ms *ModbusServer) acceptTCPClients() {
	var sock	net.Conn
	var err		error

	for {
		sock, err = ms.tcpListener.Accept()
		if err != nil {
			// if the server has just been stopped, return here
			if !ms.started {
				return
			}
			ms.logger.Warningf("failed to accept client connection: %v", err)
			continue
		}

		ms.lock.Lock()
		if ms.activeConn != nil {
			ms.lock.Unlock()
			ms.logger.Warningf("already serving a client, rejecting %v",
					    sock.RemoteAddr())
			sock.Close()
			continue
		}
		ms.activeConn = sock
		ms.lock.Unlock()

		go ms.handleTCPClient(sock)
	}

	// never reached
	return
}

// Handles a TCP client connection.
// Once handleTransport() returns (i.e. the connection has either closed, timed
// out, or an unrecoverable error happened), the TCP socket is closed and the
// server becomes ready to accept a new client.
func (ms *ModbusServer) handleTCPClient(sock net.Conn) {
	var t	transport

	switch ms.transportType {
	case modbusRTUOverTCP:
		t = newRTUTransport(newSocketWrapper(sock), sock.RemoteAddr().String(),
			ms.conf.Speed, ms.conf.Timeout, ms.conf.Logger)
	default:
		t = newTCPTransport(sock, ms.conf.Timeout, ms.conf.Logger)
	}

	ms.handleTransport(t, sock.RemoteAddr().String())

	ms.lock.Lock()
	if ms.activeConn == sock {
		ms.activeConn = nil
	}
	ms.lock.Unlock()

	sock.Close()

	return
}

// For each request read from the transport, performs decoding and validation,
// calls the user-provided handler, then encodes and writes the response
// to the transport.
func (ms *ModbusServer) handleTransport(t transport, clientAddr string) {
	var req		*pdu
	var res		*pdu
	var err		error
	var addr	uint16
	var quantity	uint16

	for {
		req, err = t.ReadRequest()
		if err != nil {
			return
		}

		switch req.functionCode {
		case fcReadCoils, fcReadDiscreteInputs:
			var coils	[]bool
			var resCount	int

			if len(req.payload) != 4 {
				err = ErrProtocolError
				break
			}

			// decode address and quantity fields
			addr		= bytesToUint16(BIG_ENDIAN, req.payload[0:2])
			quantity	= bytesToUint16(BIG_ENDIAN, req.payload[2:4])

			// ensure the reply never exceeds the maximum PDU length and we
			// never read past 0xffff
			if quantity > 2000 || quantity == 0 {
				err	= ErrProtocolError
				break
			}
			if uint32(addr) + uint32(quantity) - 1 > 0xffff {
				err	= ErrIllegalDataAddress
				break
			}

			// invoke the appropriate handler
			if req.functionCode == fcReadCoils {
				coils, err	= ms.handler.HandleCoils(&CoilsRequest{
					ClientAddr:	clientAddr,
					UnitId:		req.unitId,
					Addr:		addr,
					Quantity:	quantity,
					IsWrite:	false,
					Args:		nil,
				})
			} else {
				coils, err	= ms.handler.HandleDiscreteInputs(
					&DiscreteInputsRequest{
						ClientAddr:	clientAddr,
						UnitId:		req.unitId,
						Addr:		addr,
						Quantity:	quantity,
					})
			}
			resCount	= len(coils)

			// make sure the handler returned the expected number of items
			if err == nil && resCount != int(quantity) {
				ms.logger.Errorf("handler returned %v bools, " +
					         "expected %v", resCount, quantity)
				err = ErrServerDeviceFailure
				break
			}

			if err != nil {
				break
			}

			// assemble a response PDU
			res = &pdu{
				unitId:		req.unitId,
				functionCode:	req.functionCode,
				payload:	[]byte{0},
			}

			// byte count (1 byte for 8 coils)
			res.payload[0]	= uint8(resCount / 8)
			if resCount % 8 != 0 {
				res.payload[0]++
			}

			// coil values
			res.payload	= append(res.payload, encodeBools(coils)...)

		case fcWriteSingleCoil:
			if len(req.payload) != 4 {
				err = ErrProtocolError
				break
			}

			// decode the address field
			addr	= bytesToUint16(BIG_ENDIAN, req.payload[0:2])

			// validate the value field (should be either 0xff00 or 0x0000)
			if ((req.payload[2] != 0xff && req.payload[2] != 0x00) ||
			    req.payload[3] != 0x00) {
				err = ErrProtocolError
				break
			}

			// invoke the coil handler
			_, err	= ms.handler.HandleCoils(&CoilsRequest{
				ClientAddr:	clientAddr,
				UnitId:		req.unitId,
				Addr:		addr,
				Quantity:	1, // request for a single coil
				IsWrite:	true, // this is a write request
				Args:		[]bool{(req.payload[2] == 0xff)},
			})

			if err != nil {
				break
			}

			// assemble a response PDU
			res = &pdu{
				unitId:		req.unitId,
				functionCode:	req.functionCode,
			}

			// echo the address and value in the response
			res.payload	= append(res.payload,
						 uint16ToBytes(BIG_ENDIAN, addr)...)
			res.payload	= append(res.payload,
						 req.payload[2], req.payload[3])

		case fcWriteMultipleCoils:
			var expectedLen	int

			if len(req.payload) < 6 {
				err = ErrProtocolError
				break
			}

			// decode address and quantity fields
			addr		= bytesToUint16(BIG_ENDIAN, req.payload[0:2])
			quantity	= bytesToUint16(BIG_ENDIAN, req.payload[2:4])

			// ensure the reply never exceeds the maximum PDU length and we
			// never read past 0xffff
			if quantity > 0x7b0 || quantity == 0 {
				err	= ErrProtocolError
				break
			}
			if uint32(addr) + uint32(quantity) - 1 > 0xffff {
				err	= ErrIllegalDataAddress
				break
			}

			// validate the byte count field (1 byte for 8 coils)
			expectedLen	= int(quantity) / 8
			if quantity % 8 != 0 {
				expectedLen++
			}

			if req.payload[4] != uint8(expectedLen) {
				err	= ErrProtocolError
				break
			}

			// make sure we have enough bytes
			if len(req.payload) - 5 != expectedLen {
				err	= ErrProtocolError
				break
			}

			// invoke the coil handler
			_, err	= ms.handler.HandleCoils(&CoilsRequest{
				ClientAddr:	clientAddr,
				UnitId:		req.unitId,
				Addr:		addr,
				Quantity:	quantity,
				IsWrite:	true, // this is a write request
				Args:		decodeBools(quantity, req.payload[5:]),
			})

			if err != nil {
				break
			}

			// assemble a response PDU
			res = &pdu{
				unitId:		req.unitId,
				functionCode:	req.functionCode,
			}

			// echo the address and quantity in the response
			res.payload	= append(res.payload,
						 uint16ToBytes(BIG_ENDIAN, addr)...)
			res.payload	= append(res.payload,
						 uint16ToBytes(BIG_ENDIAN, quantity)...)

		case fcReadHoldingRegisters, fcReadInputRegisters:
			var regs	[]uint16
			var resCount	int

			if len(req.payload) != 4 {
				err = ErrProtocolError
				break
			}

			// decode address and quantity fields
			addr		= bytesToUint16(BIG_ENDIAN, req.payload[0:2])
			quantity	= bytesToUint16(BIG_ENDIAN, req.payload[2:4])

			// ensure the reply never exceeds the maximum PDU length and we
			// never read past 0xffff
			if quantity > 0x007d || quantity == 0 {
				err	= ErrProtocolError
				break
			}
			if uint32(addr) + uint32(quantity) - 1 > 0xffff {
				err	= ErrIllegalDataAddress
				break
			}

			// invoke the appropriate handler
			if req.functionCode == fcReadHoldingRegisters {
				regs, err	= ms.handler.HandleHoldingRegisters(
					&HoldingRegistersRequest{
						ClientAddr:	clientAddr,
						UnitId:		req.unitId,
						Addr:		addr,
						Quantity:	quantity,
						IsWrite:	false,
						Args:		nil,
					})
			} else {
				regs, err	= ms.handler.HandleInputRegisters(
					&InputRegistersRequest{
						ClientAddr:	clientAddr,
						UnitId:		req.unitId,
						Addr:		addr,
						Quantity:	quantity,
					})
			}
			resCount	= len(regs)

			// make sure the handler returned the expected number of items
			if err == nil && resCount != int(quantity) {
				ms.logger.Errorf("handler returned %v 16-bit values, " +
					         "expected %v", resCount, quantity)
				err = ErrServerDeviceFailure
				break
			}

			if err != nil {
				break
			}

			// assemble a response PDU
			res = &pdu{
				unitId:		req.unitId,
				functionCode:	req.functionCode,
				payload:	[]byte{0},
			}

			// byte count (2 bytes per register)
			res.payload[0]	= uint8(resCount * 2)

			// register values
			res.payload	= append(res.payload,
						 uint16sToBytes(BIG_ENDIAN, regs)...)

		case fcWriteSingleRegister:
			var value	uint16

			if len(req.payload) != 4 {
				err = ErrProtocolError
				break
			}

			// decode address and value fields
			addr	= bytesToUint16(BIG_ENDIAN, req.payload[0:2])
			value	= bytesToUint16(BIG_ENDIAN, req.payload[2:4])

			// invoke the handler
			_, err	= ms.handler.HandleHoldingRegisters(
				&HoldingRegistersRequest{
					ClientAddr:	clientAddr,
					UnitId:		req.unitId,
					Addr:		addr,
					Quantity:	1, // request for a single register
					IsWrite:	true, // request is a write
					Args:		[]uint16{value},
				})

			if err != nil {
				break
			}

			// assemble a response PDU
			res = &pdu{
				unitId:		req.unitId,
				functionCode:	req.functionCode,
			}

			// echo the address and value in the response
			res.payload	= append(res.payload,
						 uint16ToBytes(BIG_ENDIAN, addr)...)
			res.payload	= append(res.payload,
						 uint16ToBytes(BIG_ENDIAN, value)...)

		case fcWriteMultipleRegisters:
			var expectedLen	int

			if len(req.payload) < 6 {
				err = ErrProtocolError
				break
			}

			// decode address and quantity fields
			addr		= bytesToUint16(BIG_ENDIAN, req.payload[0:2])
			quantity	= bytesToUint16(BIG_ENDIAN, req.payload[2:4])

			// ensure the reply never exceeds the maximum PDU length and we
			// never read past 0xffff
			if quantity > 0x007b || quantity == 0 {
				err	= ErrProtocolError
				break
			}
			if uint32(addr) + uint32(quantity) - 1 > 0xffff {
				err	= ErrIllegalDataAddress
				break
			}

			// validate the byte count field (2 bytes per register)
			expectedLen	= int(quantity) * 2

			if req.payload[4] != uint8(expectedLen) {
				err	= ErrProtocolError
				break
			}

			// make sure we have enough bytes
			if len(req.payload) - 5 != expectedLen {
				err	= ErrProtocolError
				break
			}

			// invoke the holding register handler
			_, err		= ms.handler.HandleHoldingRegisters(
				&HoldingRegistersRequest{
					ClientAddr:	clientAddr,
					UnitId:		req.unitId,
					Addr:		addr,
					Quantity:	quantity,
					IsWrite:	true, // this is a write request
					Args:		bytesToUint16s(BIG_ENDIAN, req.payload[5:]),
				})
			if err != nil {
				break
			}

			// assemble a response PDU
			res = &pdu{
				unitId:		req.unitId,
				functionCode:	req.functionCode,
			}

			// echo the address and quantity in the response
			res.payload	= append(res.payload,
						 uint16ToBytes(BIG_ENDIAN, addr)...)
			res.payload	= append(res.payload,
						 uint16ToBytes(BIG_ENDIAN, quantity)...)

		case fcReadExceptionStatus:
			provider, ok := ms.handler.(ExceptionStatusProvider)
			if !ok {
				err = ErrIllegalFunction
				break
			}

			var status uint8

			status, err = provider.HandleReadExceptionStatus()
			if err != nil {
				break
			}

			res = &pdu{
				unitId:		req.unitId,
				functionCode:	req.functionCode,
				payload:	[]byte{status},
			}

		case fcReportSlaveID:
			provider, ok := ms.handler.(ReportSlaveIDProvider)
			if !ok {
				err = ErrIllegalFunction
				break
			}

			var data []byte

			data, err = provider.HandleReportSlaveID()
			if err != nil {
				break
			}

			res = &pdu{
				unitId:		req.unitId,
				functionCode:	req.functionCode,
				payload:	append([]byte{uint8(len(data))}, data...),
			}

		default:
			res = &pdu{
				// reply with the request target unit ID
				unitId:		req.unitId,
				// set the error bit
				functionCode:	(0x80 | req.functionCode),
				// set the exception code to illegal function to indicate that
				// the server does not know how to handle this function code.
				payload:	[]byte{exIllegalFunction},
			}
		}

		// if there was no error processing the request but the response is nil
		// (which should never happen), emit a server failure exception code
		// and log an error
		if err == nil && res == nil {
			err = ErrServerDeviceFailure
			ms.logger.Errorf("internal server error (req: %v, res: %v, err: %v)",
					 req, res, err)
		}

		// map go errors to modbus errors, unless the error is a protocol error,
		// in which case close the transport and return.
		if err != nil {
			if err == ErrProtocolError {
				ms.logger.Warningf(
					"protocol error, closing link (client address: '%s')",
					clientAddr)
				t.Close()
				return
			} else {
				res = &pdu{
					unitId:		req.unitId,
					functionCode:	(0x80 | req.functionCode),
					payload:	[]byte{mapErrorToExceptionCode(err)},
				}
			}
		}

		// write the response to the transport
		err	= t.WriteResponse(res)
		if err != nil {
			ms.logger.Warningf("failed to write response: %v", err)
		}

		// avoid holding on to stale data
		req	= nil
		res	= nil
	}

	// never reached
	return
}
