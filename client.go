package modbus

import (
	"fmt"
	"log"
	"net"
	"time"
	"strings"
	"sync"

	"go.bug.st/serial"
)

type RegType	uint
type Endianness uint
const (
	PARITY_NONE		uint	= 0
	PARITY_EVEN		uint	= 1
	PARITY_ODD		uint	= 2

	HOLDING_REGISTER	RegType	= 0
	INPUT_REGISTER		RegType	= 1

	BIG_ENDIAN		Endianness	= 0x00
	LITTLE_ENDIAN		Endianness	= 0x01
)

// ClientConfiguration holds the parameters used by NewClient to build a
// client bound to a serial line (rtu://), a TCP socket (tcp://) or an RTU
// link tunneled over TCP (rtuovertcp://).
type ClientConfiguration struct {
	URL		string
	Speed		uint		// RTU only: baud rate (defaults to 9600bps)
	DataBits	uint		// RTU only: number of data bits (defaults to 8)
	Parity		uint		// RTU only: parity setting (defaults to PARITY_NONE)
	StopBits	uint		// RTU only: number of stop bits (defaults based on parity)
	Timeout		time.Duration	// request timeout
	ErrorHandling	ErrorHandling	// TCP only: what to do when a request fails at the
					// transport level (defaults to NopOnError)
	Logger		*log.Logger	// optional custom logger
}

type ModbusClient struct {
	conf		ClientConfiguration
	logger		*logger
	lock		sync.Mutex
	endianness	Endianness
	transport	transport
	transportType	transportType
	unitId		uint8
}

// NewClient creates a modbus client configured according to conf, but does
// not open the underlying link: call Open() to actually connect.
func NewClient(conf *ClientConfiguration) (mc *ModbusClient, err error) {
	mc = &ModbusClient{
		conf: *conf,
	}

	switch {
	case strings.HasPrefix(mc.conf.URL, "rtu://"):
		mc.conf.URL	= strings.TrimPrefix(mc.conf.URL, "rtu://")
		mc.transportType = modbusRTU

		if err = mc.applySerialDefaults(); err != nil {
			return
		}

	case strings.HasPrefix(mc.conf.URL, "rtuovertcp://"):
		mc.conf.URL	= strings.TrimPrefix(mc.conf.URL, "rtuovertcp://")
		mc.transportType = modbusRTUOverTCP

		if mc.conf.Speed == 0 {
			mc.conf.Speed = 9600
		}
		if mc.conf.Timeout == 0 {
			mc.conf.Timeout = 1 * time.Second
		}

	case strings.HasPrefix(mc.conf.URL, "tcp://"):
		mc.conf.URL	= strings.TrimPrefix(mc.conf.URL, "tcp://")
		mc.transportType = modbusTCP

		if mc.conf.Timeout == 0 {
			mc.conf.Timeout = 1 * time.Second
		}

	default:
		err	= ErrConfigurationError
		return
	}

	mc.unitId	= 1
	mc.logger	= newLogger(fmt.Sprintf("modbus-client(%s)", mc.conf.URL), mc.conf.Logger)

	return
}

// applySerialDefaults fills in unset serial parameters the same way the
// "modbus over serial line v1.02" document recommends: 8 data bits, no
// parity and 2 stop bits (or 1 stop bit when a parity is set).
func (mc *ModbusClient) applySerialDefaults() (err error) {
	if mc.conf.Speed == 0 {
		mc.conf.Speed = 9600
	}

	if mc.conf.DataBits == 0 {
		mc.conf.DataBits = 8
	}

	if mc.conf.StopBits == 0 {
		if mc.conf.Parity == PARITY_NONE {
			mc.conf.StopBits = 2
		} else {
			mc.conf.StopBits = 1
		}
	}

	if mc.conf.Timeout == 0 {
		mc.conf.Timeout = 300 * time.Millisecond
	}

	return
}

// serialParity turns the client's own parity constant into the
// go.bug.st/serial equivalent.
func serialParity(parity uint) (p serial.Parity) {
	switch parity {
	case PARITY_EVEN:
		p = serial.EvenParity
	case PARITY_ODD:
		p = serial.OddParity
	default:
		p = serial.NoParity
	}

	return
}

// serialStopBits turns a stop bit count into the go.bug.st/serial equivalent.
func serialStopBits(stopBits uint) (s serial.StopBits) {
	if stopBits == 1 {
		s = serial.OneStopBit
	} else {
		s = serial.TwoStopBits
	}

	return
}

// Opens the underlying transport (tcp socket or serial line).
func (mc *ModbusClient) Open() (err error) {
	mc.lock.Lock()
	defer mc.lock.Unlock()

	switch mc.transportType {
	case modbusRTU:
		var spw *serialPortWrapper

		spw = newSerialPortWrapper(&serialPortConfig{
			Device:   mc.conf.URL,
			Speed:    int(normalizeBaudRate(int(mc.conf.Speed), mc.logger)),
			DataBits: int(mc.conf.DataBits),
			Parity:   serialParity(mc.conf.Parity),
			StopBits: serialStopBits(mc.conf.StopBits),
		})

		err = spw.Open()
		if err != nil {
			return
		}

		mc.transport = newRTUTransport(spw, mc.conf.URL, mc.conf.Speed, mc.conf.Timeout, mc.conf.Logger)

	case modbusRTUOverTCP:
		var sock net.Conn

		sock, err = net.DialTimeout("tcp", mc.conf.URL, mc.conf.Timeout)
		if err != nil {
			return
		}

		mc.transport = newRTUTransport(newSocketWrapper(sock), mc.conf.URL,
			mc.conf.Speed, mc.conf.Timeout, mc.conf.Logger)

	case modbusTCP:
		var sock net.Conn

		sock, err = net.DialTimeout("tcp", mc.conf.URL, mc.conf.Timeout)
		if err != nil {
			return
		}

		tt := newTCPTransport(sock, mc.conf.Timeout, mc.conf.Logger)
		tt.setReconnectPolicy(mc.conf.ErrorHandling, func() (net.Conn, error) {
			return net.DialTimeout("tcp", mc.conf.URL, mc.conf.Timeout)
		})
		mc.transport = tt

	default:
		err = ErrConfigurationError
	}

	return
}

// Closes the underlying transport.
func (mc *ModbusClient) Close() (err error) {
	mc.lock.Lock()
	defer mc.lock.Unlock()

	err = mc.transport.Close()

	return
}

// Sets the unit id of subsequent requests.
func (mc *ModbusClient) SetUnitId(id uint8) (err error) {
	mc.lock.Lock()
	defer mc.lock.Unlock()

	mc.unitId	= id

	return
}

// Sets the endianness of subsequent requests.
func (mc *ModbusClient) SetEndianness(endianness Endianness) (err error) {
	mc.lock.Lock()
	defer mc.lock.Unlock()

	mc.endianness	= endianness

	return
}

// Reads multiple coils (function code 0x01).
func (mc *ModbusClient) ReadCoils(addr uint16, quantity uint16) (values []bool, err error) {
	var req		*pdu
	var res		*pdu

	mc.lock.Lock()
	defer mc.lock.Unlock()

	if quantity == 0 || quantity > 2000 {
		err = ErrUnexpectedParameters
		mc.logger.Error("quantity of coils is out of bounds")
		return
	}
	if uint32(addr) + uint32(quantity) - 1 > 0xffff {
		err = ErrUnexpectedParameters
		mc.logger.Error("end coil address is past 0xffff")
		return
	}

	req	= &pdu{
		unitId:		mc.unitId,
		functionCode:	fcReadCoils,
		payload:	uint16ToBytes(BIG_ENDIAN, addr),
	}
	req.payload	= append(req.payload, uint16ToBytes(BIG_ENDIAN, quantity)...)

	res, err	= mc.executeRequest(req)
	if err != nil {
		return
	}

	switch {
	case res.functionCode == req.functionCode:
		if len(res.payload) < 1 {
			err = ErrProtocolError
			return
		}
		values	= decodeBools(quantity, res.payload[1:])

	case res.functionCode == (req.functionCode | 0x80):
		err	= mapExceptionCodeToError(res.payload[0])

	default:
		err	= ErrProtocolError
		mc.logger.Warningf("unexpected function code (%v)", res.functionCode)
	}

	return
}

// Reads multiple discrete inputs (function code 0x02).
func (mc *ModbusClient) ReadDiscreteInputs(addr uint16, quantity uint16) (values []bool, err error) {
	var req		*pdu
	var res		*pdu

	mc.lock.Lock()
	defer mc.lock.Unlock()

	if quantity == 0 || quantity > 2000 {
		err = ErrUnexpectedParameters
		mc.logger.Error("quantity of discrete inputs is out of bounds")
		return
	}
	if uint32(addr) + uint32(quantity) - 1 > 0xffff {
		err = ErrUnexpectedParameters
		mc.logger.Error("end discrete input address is past 0xffff")
		return
	}

	req	= &pdu{
		unitId:		mc.unitId,
		functionCode:	fcReadDiscreteInputs,
		payload:	uint16ToBytes(BIG_ENDIAN, addr),
	}
	req.payload	= append(req.payload, uint16ToBytes(BIG_ENDIAN, quantity)...)

	res, err	= mc.executeRequest(req)
	if err != nil {
		return
	}

	switch {
	case res.functionCode == req.functionCode:
		if len(res.payload) < 1 {
			err = ErrProtocolError
			return
		}
		values	= decodeBools(quantity, res.payload[1:])

	case res.functionCode == (req.functionCode | 0x80):
		err	= mapExceptionCodeToError(res.payload[0])

	default:
		err	= ErrProtocolError
		mc.logger.Warningf("unexpected function code (%v)", res.functionCode)
	}

	return
}

// Writes a single coil (function code 0x05).
func (mc *ModbusClient) WriteCoil(addr uint16, value bool) (err error) {
	var req		*pdu
	var res		*pdu
	var coilValue	uint16

	mc.lock.Lock()
	defer mc.lock.Unlock()

	if value {
		coilValue = 0xff00
	}

	req	= &pdu{
		unitId:		mc.unitId,
		functionCode:	fcWriteSingleCoil,
		payload:	uint16ToBytes(BIG_ENDIAN, addr),
	}
	req.payload	= append(req.payload, uint16ToBytes(BIG_ENDIAN, coilValue)...)

	res, err	= mc.executeRequest(req)
	if err != nil {
		return
	}

	switch {
	case res.functionCode == req.functionCode:
		if len(res.payload) != 4 ||
		   bytesToUint16(BIG_ENDIAN, res.payload[0:2]) != addr ||
		   bytesToUint16(BIG_ENDIAN, res.payload[2:4]) != coilValue {
			   err = ErrProtocolError
			   return
		   }

	case res.functionCode == (req.functionCode | 0x80):
		err	= mapExceptionCodeToError(res.payload[0])

	default:
		err	= ErrProtocolError
		mc.logger.Warningf("unexpected function code (%v)", res.functionCode)
	}

	return
}

// Writes multiple coils (function code 0x0f).
func (mc *ModbusClient) WriteCoils(addr uint16, values []bool) (err error) {
	var req		*pdu
	var res		*pdu
	var quantity	uint16

	mc.lock.Lock()
	defer mc.lock.Unlock()

	quantity	= uint16(len(values))

	if quantity == 0 || quantity > 0x7b0 {
		err = ErrUnexpectedParameters
		mc.logger.Error("quantity of coils is out of bounds")
		return
	}
	if uint32(addr) + uint32(quantity) - 1 > 0xffff {
		err = ErrUnexpectedParameters
		mc.logger.Error("end coil address is past 0xffff")
		return
	}

	req	= &pdu{
		unitId:		mc.unitId,
		functionCode:	fcWriteMultipleCoils,
		payload:	uint16ToBytes(BIG_ENDIAN, addr),
	}
	req.payload	= append(req.payload, uint16ToBytes(BIG_ENDIAN, quantity)...)
	encoded		:= encodeBools(values)
	req.payload	= append(req.payload, byte(len(encoded)))
	req.payload	= append(req.payload, encoded...)

	res, err	= mc.executeRequest(req)
	if err != nil {
		return
	}

	switch {
	case res.functionCode == req.functionCode:
		if len(res.payload) != 4 ||
		   bytesToUint16(BIG_ENDIAN, res.payload[0:2]) != addr ||
		   bytesToUint16(BIG_ENDIAN, res.payload[2:4]) != quantity {
			   err = ErrProtocolError
			   return
		   }

	case res.functionCode == (req.functionCode | 0x80):
		err	= mapExceptionCodeToError(res.payload[0])

	default:
		err	= ErrProtocolError
		mc.logger.Warningf("unexpected function code (%v)", res.functionCode)
	}

	return
}

// Reads multiple 16-bit registers.
func (mc *ModbusClient) ReadRegisters(addr uint16, quantity uint16, regType RegType) (values []uint16, err error) {
	var mbPayload	[]byte

	// read quantity uint16 registers, as bytes
	mbPayload, err	= mc.readRegisters(addr, quantity, regType)
	if err != nil {
		return
	}

	// decode payload bytes as uint16s
	values	= bytesToUint16s(mc.endianness, mbPayload)

	return
}

// Reads a single 16-bit register.
func (mc *ModbusClient) ReadRegister(addr uint16, regType RegType) (value uint16, err error) {
	var values	[]uint16

	values, err	= mc.ReadRegisters(addr, 1, regType)
	if err == nil {
		value = values[0]
	}

	return
}

// Writes a single 16-bit register (function code 0x06).
func (mc *ModbusClient) WriteRegister(addr uint16, value uint16) (err error) {
	var req		*pdu
	var res		*pdu

	mc.lock.Lock()
	defer mc.lock.Unlock()

	// create and fill in the request object
	req	= &pdu{
		unitId:		mc.unitId,
		functionCode:	fcWriteSingleRegister,
	}

	// register address
	req.payload	= uint16ToBytes(BIG_ENDIAN, addr)
	// register value
	req.payload	= append(req.payload, uint16ToBytes(mc.endianness, value)...)

	// run the request across the transport and wait for a response
	res, err	= mc.executeRequest(req)
	if err != nil {
		return
	}

	// validate the response code
	switch {
	case res.functionCode == req.functionCode:
		// expect 4 bytes (2 byte of address + 2 bytes of value)
		if len(res.payload) != 4 ||
		   // bytes 1-2 should be the register address
		   bytesToUint16(BIG_ENDIAN, res.payload[0:2]) != addr ||
		   // bytes 3-4 should be the value
		   bytesToUint16(mc.endianness, res.payload[2:4]) != value {
			   err = ErrProtocolError
			   return
		   }

	case res.functionCode == (req.functionCode | 0x80):
		err	= mapExceptionCodeToError(res.payload[0])

	default:
		err	= ErrProtocolError
		mc.logger.Warningf("unexpected function code (%v)", res.functionCode)
	}

	return
}

// Writes multiple 16-bit registers (function code 0x10).
func (mc *ModbusClient) WriteRegisters(addr uint16, values []uint16) (err error) {
	var payload	[]byte

	// turn registers to bytes
	for _, value := range values {
		payload	= append(payload, uint16ToBytes(mc.endianness, value)...)
	}

	err = mc.writeRegisters(addr, payload)

	return
}

// Reads the exception status coils of the remote device (function code 0x07).
func (mc *ModbusClient) ReadExceptionStatus() (status uint8, err error) {
	var req		*pdu
	var res		*pdu

	mc.lock.Lock()
	defer mc.lock.Unlock()

	req	= &pdu{
		unitId:		mc.unitId,
		functionCode:	fcReadExceptionStatus,
	}

	res, err	= mc.executeRequest(req)
	if err != nil {
		return
	}

	switch {
	case res.functionCode == req.functionCode:
		if len(res.payload) != 1 {
			err = ErrProtocolError
			return
		}
		status	= res.payload[0]

	case res.functionCode == (req.functionCode | 0x80):
		err	= mapExceptionCodeToError(res.payload[0])

	default:
		err	= ErrProtocolError
		mc.logger.Warningf("unexpected function code (%v)", res.functionCode)
	}

	return
}

// Requests the remote device's slave id and run indicator status (function
// code 0x11). The returned bytes are device-specific beyond the leading
// run indicator byte.
func (mc *ModbusClient) ReportSlaveID() (data []byte, err error) {
	var req		*pdu
	var res		*pdu

	mc.lock.Lock()
	defer mc.lock.Unlock()

	req	= &pdu{
		unitId:		mc.unitId,
		functionCode:	fcReportSlaveID,
	}

	res, err	= mc.executeRequest(req)
	if err != nil {
		return
	}

	switch {
	case res.functionCode == req.functionCode:
		if len(res.payload) < 1 {
			err = ErrProtocolError
			return
		}
		// strip the leading byte count field
		data	= res.payload[1:]

	case res.functionCode == (req.functionCode | 0x80):
		err	= mapExceptionCodeToError(res.payload[0])

	default:
		err	= ErrProtocolError
		mc.logger.Warningf("unexpected function code (%v)", res.functionCode)
	}

	return
}

/*** unexported methods ***/
// Reads and returns quantity registers of type regType, as bytes.
func (mc *ModbusClient) readRegisters(addr uint16, quantity uint16, regType RegType) (bytes []byte, err error) {
	var req		*pdu
	var res		*pdu

	mc.lock.Lock()
	defer mc.lock.Unlock()

	// create and fill in the request object
	req	= &pdu{
		unitId:	mc.unitId,
	}

	switch regType {
	case HOLDING_REGISTER:	req.functionCode = fcReadHoldingRegisters
	case INPUT_REGISTER:	req.functionCode = fcReadInputRegisters
	default:
		err = ErrUnexpectedParameters
		mc.logger.Errorf("unexpected register type (%v)", regType)
		return
	}

	if quantity == 0 {
		err = ErrUnexpectedParameters
		mc.logger.Error("quantity of registers is 0")
		return
	}

	if quantity > 125 {
		err = ErrUnexpectedParameters
		mc.logger.Error("quantity of registers exceeds 125")
		return
	}

	if uint32(addr) + uint32(quantity) - 1 > 0xffff {
		err = ErrUnexpectedParameters
		mc.logger.Error("end register address is past 0xffff")
		return
	}

	// start address
	req.payload	= uint16ToBytes(BIG_ENDIAN, addr)
	// quantity
	req.payload	= append(req.payload, uint16ToBytes(BIG_ENDIAN, quantity)...)

	// run the request across the transport and wait for a response
	res, err	= mc.executeRequest(req)
	if err != nil {
		return
	}

	// validate the response code
	switch {
	case res.functionCode == req.functionCode:
		// make sure the payload length is what we expect
		// (1 byte of length + 2 bytes per register)
		if len(res.payload) != 1 + 2 * int(quantity) {
			err = ErrProtocolError
			return
		}

		// validate the byte count field
		// (2 bytes per register * number of registers)
		if uint(res.payload[0]) != 2 * uint(quantity) {
			err = ErrProtocolError
			return
		}

		// remove the byte count field from the returned slice
		bytes	= res.payload[1:]

	case res.functionCode == (req.functionCode | 0x80):
		err	= mapExceptionCodeToError(res.payload[0])

	default:
		err	= ErrProtocolError
		mc.logger.Warningf("unexpected function code (%v)", res.functionCode)
	}

	return
}

// Writes multiple registers starting from base address addr.
// Register values are passed as bytes, each value being exactly 2 bytes.
func (mc *ModbusClient) writeRegisters(addr uint16, values []byte) (err error) {
	var req			*pdu
	var res			*pdu
	var payloadLength	uint16
	var quantity		uint16

	mc.lock.Lock()
	defer mc.lock.Unlock()

	payloadLength	= uint16(len(values))
	quantity	= payloadLength / 2

	if quantity == 0 {
		err = ErrUnexpectedParameters
		mc.logger.Errorf("quantity of registers is 0")
		return
	}

	if quantity > 123 {
		err = ErrUnexpectedParameters
		mc.logger.Errorf("quantity of registers exceeds 123")
		return
	}

	if uint32(addr) + uint32(quantity) - 1 > 0xffff {
		err = ErrUnexpectedParameters
		mc.logger.Errorf("end register address is past 0xffff")
		return
	}

	// create and fill in the request object
	req	= &pdu{
		unitId:		mc.unitId,
		functionCode:	fcWriteMultipleRegisters,
	}

	// base address
	req.payload	= uint16ToBytes(BIG_ENDIAN, addr)
	// quantity of registers (2 bytes per register)
	req.payload	= append(req.payload, uint16ToBytes(BIG_ENDIAN, quantity)...)
	// byte count
	req.payload	= append(req.payload, byte(payloadLength))
	// registers value
	req.payload	= append(req.payload, values...)

	// run the request across the transport and wait for a response
	res, err	= mc.executeRequest(req)
	if err != nil {
		return
	}

	// validate the response code
	switch {
	case res.functionCode == req.functionCode:
		// expect 4 bytes (2 byte of address + 2 bytes of quantity)
		if len(res.payload) != 4 ||
		   // bytes 1-2 should be the base register address
		   bytesToUint16(BIG_ENDIAN, res.payload[0:2]) != addr ||
		   // bytes 3-4 should be the quantity of registers (2 bytes per register)
		   bytesToUint16(BIG_ENDIAN, res.payload[2:4]) != quantity {
			   err = ErrProtocolError
			   return
		   }

	case res.functionCode == (req.functionCode | 0x80):
		err	= mapExceptionCodeToError(res.payload[0])

	default:
		err	= ErrProtocolError
		mc.logger.Warningf("unexpected function code (%v)", res.functionCode)
	}

	return
}

func (mc *ModbusClient) executeRequest(req *pdu) (res *pdu, err error) {
	// run the request across the transport and wait for a response
	res, err	= mc.transport.ExecuteRequest(req)
	if err != nil {
		return
	}

	// make sure the source unit id matches that of the request
	if (res.functionCode & 0x80) == 0x00 && res.unitId != req.unitId {
		err = ErrBadUnitId
		return
	}
	// accept errors from gateway devices (using special unit id #255)
	if (res.functionCode & 0x80) == 0x80 &&
		(res.unitId != req.unitId && res.unitId != 0xff) {
		err = ErrBadUnitId
		return
	}

	return
}
