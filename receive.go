package modbus

import (
	"io"
	"time"
)

// receiveRTUQuery reads one incoming request off link, following the same
// three-step progression a slave uses to size an unknown-length query
// without over-reading the wire:
//
//   - FUNCTION: read the unit id and function code (2 bytes),
//   - HEADER:   read the fixed-size body queryHeaderSize() reports for that
//     function code (address/quantity, and for the write-multiple-*
//     codes, the trailing byte count),
//   - DATA:     for the write-multiple-* codes, read the byteCount data
//     bytes the header announced.
//
// The 2-byte CRC trailer is read and checked last, over the whole frame.
//
// An unrecognized function code is read back as a bare (unitId,
// functionCode) pair with no further attempt to size or consume a body,
// since there is no way to know how long an unsupported query is; the
// caller replies with an illegal-function exception without needing the
// rest of the frame.
//
// The caller is expected to have already set a deadline (or none) covering
// the wait for this first byte. Once that byte has arrived, every further
// read of the frame (header, data, CRC) is bounded by tEnd, so a sender
// that stops mid-query times out instead of hanging the read indefinitely.
func receiveRTUQuery(link rtuLink, tEnd time.Duration) (req *pdu, err error) {
	var rxbuf []byte
	var headerSize int
	var dataSize int
	var byteCount int
	var crc crc

	rxbuf = make([]byte, 2)

	byteCount, err = io.ReadFull(link, rxbuf)
	if (byteCount > 0 || err == nil) && byteCount != 2 {
		err = ErrShortFrame
		return
	}
	if err != nil && err != io.ErrUnexpectedEOF {
		return
	}

	headerSize, err = queryHeaderSize(rxbuf[1])
	if err != nil {
		req = &pdu{
			unitId:       rxbuf[0],
			functionCode: rxbuf[1],
		}
		err = ErrIllegalFunction
		return
	}

	if headerSize > 0 {
		hdr := make([]byte, headerSize)

		err = link.SetDeadline(time.Now().Add(tEnd))
		if err != nil {
			return
		}

		byteCount, err = io.ReadFull(link, hdr)
		if err != nil && err != io.ErrUnexpectedEOF {
			return
		}
		if byteCount != headerSize {
			err = ErrShortFrame
			return
		}

		rxbuf = append(rxbuf, hdr...)
	}

	dataSize, err = queryDataSize(rxbuf[2:], rxbuf[1])
	if err != nil {
		return
	}

	if dataSize > 0 {
		if len(rxbuf)+dataSize > maxRTUFrameLength {
			err = ErrTooManyData
			return
		}

		data := make([]byte, dataSize)

		err = link.SetDeadline(time.Now().Add(tEnd))
		if err != nil {
			return
		}

		byteCount, err = io.ReadFull(link, data)
		if err != nil && err != io.ErrUnexpectedEOF {
			return
		}
		if byteCount != dataSize {
			err = ErrShortFrame
			return
		}

		rxbuf = append(rxbuf, data...)
	}

	// read and verify the trailing CRC
	crcBytes := make([]byte, 2)

	err = link.SetDeadline(time.Now().Add(tEnd))
	if err != nil {
		return
	}

	byteCount, err = io.ReadFull(link, crcBytes)
	if err != nil && err != io.ErrUnexpectedEOF {
		return
	}
	if byteCount != 2 {
		err = ErrShortFrame
		return
	}

	crc.init()
	crc.add(rxbuf)

	if !crc.isEqual(crcBytes[0], crcBytes[1]) {
		err = ErrBadCRC
		return
	}

	req = &pdu{
		unitId:       rxbuf[0],
		functionCode: rxbuf[1],
		payload:      rxbuf[2:],
	}

	return
}
