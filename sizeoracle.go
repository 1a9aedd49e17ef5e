package modbus

// queryHeaderSize returns the number of bytes following the function code
// that a slave must read before it can tell whether any further, variable-
// length data follows. For the write-multiple-* function codes, this is the
// address/quantity/byte-count triplet whose last byte announces how many
// more bytes to expect; every other supported function code has an
// entirely fixed-size body, so its header size is the whole body.
//
// Mirrors, on the receiving end, the fixed/variable split that
// original_source/modbus/modbus.c's compute_response_size() applies on the
// sending end.
func queryHeaderSize(functionCode uint8) (byteCount int, err error) {
	switch functionCode {
	case fcReadCoils,
		fcReadDiscreteInputs,
		fcReadHoldingRegisters,
		fcReadInputRegisters,
		fcWriteSingleCoil,
		fcWriteSingleRegister:
		byteCount = 4
	case fcWriteMultipleCoils,
		fcWriteMultipleRegisters:
		byteCount = 5
	case fcMaskWriteRegister:
		byteCount = 6
	case fcReadExceptionStatus,
		fcReportSlaveID:
		byteCount = 0
	default:
		err = ErrProtocolError
	}

	return
}

// queryDataSize returns the number of trailing data bytes a query carries
// beyond its header, as announced by the byte count field of a
// write-multiple-coils/write-multiple-registers header. header must be at
// least as long as queryHeaderSize(functionCode) reports.
func queryDataSize(header []byte, functionCode uint8) (byteCount int, err error) {
	switch functionCode {
	case fcWriteMultipleCoils,
		fcWriteMultipleRegisters:
		if len(header) < 5 {
			err = ErrProtocolError
			return
		}
		byteCount = int(header[4])
	default:
		byteCount = 0
	}

	return
}
