// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ffutop/modbus-rtu-gw/modbus"
	"github.com/ffutop/modbus-rtu-gw/modbus/crc"
)

// ErrRequestTimedOut is returned when nothing was received before the deadline.
var ErrRequestTimedOut = fmt.Errorf("modbus: request timed out: %w", modbus.ErrTimeout)

const (
	stateSlaveID = 1 << iota
	stateFunctionCode
	stateReadLength
	stateReadPayload
	stateCRC
	stateProbe
)

type InvalidLengthError struct {
	Length byte
}

func (e *InvalidLengthError) Error() string {
	return fmt.Sprintf("invalid length received: %d", e.Length)
}

func (e *InvalidLengthError) Unwrap() error {
	return modbus.ErrPacketLength
}

// CalculateRequestLength returns the expected total length of the Request RTU ADU based on the header.
func CalculateRequestLength(funcCode byte, header []byte) (int, error) {
	// [SlaveID, Func, Appd1, Appd2, Appd3, Appd4/ByteCount]
	switch funcCode {
	case modbus.FuncCodeReadCoils,
		modbus.FuncCodeReadDiscreteInputs,
		modbus.FuncCodeReadHoldingRegisters,
		modbus.FuncCodeReadInputRegisters,
		modbus.FuncCodeWriteSingleCoil,
		modbus.FuncCodeWriteSingleRegister:
		// Fixed 8 bytes: [SlaveID, Func, Addr(2), Val(2), CRC(2)]
		return 8, nil
	case modbus.FuncCodeMaskWriteRegister:
		// [SlaveID, Func, Addr(2), And(2), Or(2), CRC(2)]
		return 10, nil
	case modbus.FuncCodeWriteMultipleCoils,
		modbus.FuncCodeWriteMultipleRegisters:
		// Req: [SlaveID, Func, Addr(2), Quant(2), ByteCount(1), Data(N), CRC(2)]
		if len(header) < 7 {
			return 0, fmt.Errorf("need 7 bytes to determine length for 0x%02X, got %d", funcCode, len(header))
		}
		byteCount := int(header[6])
		return 7 + byteCount + 2, nil
	default:
		return 0, fmt.Errorf("unsupported function code: 0x%02X", funcCode)
	}
}

// frameReader accumulates one frame from a line that may answer a read with
// no data when it stayed silent for its read timeout.
type frameReader struct {
	r        io.Reader
	deadline time.Time
	buf      [MaxSize]byte
	n        int
	one      [1]byte
}

// next reads one byte. ok is false when the line went silent, the stream
// ended or the deadline passed. While nothing has been received yet the
// reader keeps waiting for the first byte until the deadline.
func (f *frameReader) next() (b byte, ok bool, err error) {
	for time.Now().Before(f.deadline) {
		n, err := f.r.Read(f.one[:])
		if n == 1 {
			return f.one[0], true, nil
		}
		switch {
		case err == nil, isTimeout(err):
			if f.n > 0 {
				return 0, false, nil
			}
		case errors.Is(err, io.EOF):
			return 0, false, nil
		default:
			return 0, false, err
		}
	}
	return 0, false, nil
}

func (f *frameReader) push(b byte) {
	f.buf[f.n] = b
	f.n++
}

// drain discards input until the line is silent again. It must only be
// called once at least one byte was received.
func (f *frameReader) drain() {
	for {
		if _, ok, err := f.next(); !ok || err != nil {
			return
		}
	}
}

// read collects a frame. complete reports whether the frame ended where its
// function code says it should, badLength whether an impossible byte count
// was seen on the way.
func (f *frameReader) read() (complete, badLength bool, err error) {
	state := stateSlaveID
	var toRead int
	for f.n < MaxSize {
		b, ok, err := f.next()
		if err != nil {
			return false, badLength, err
		}
		if !ok {
			return false, badLength, nil
		}
		f.push(b)

		switch state {
		case stateSlaveID:
			state = stateFunctionCode
		case stateFunctionCode:
			if b&modbus.ExceptionFlag != 0 {
				state = stateReadPayload
				toRead = 1
				break
			}
			switch kind, size := responseShape(b); kind {
			case shapeByteCount:
				state = stateReadLength
			case shapeFixed:
				state = stateReadPayload
				toRead = size
			default:
				state = stateProbe
			}
		case stateReadLength:
			if b == 0 || int(b) > MaxSize-5 {
				badLength = true
				state = stateProbe
				break
			}
			state = stateReadPayload
			toRead = int(b)
		case stateReadPayload:
			toRead--
			if toRead == 0 {
				state = stateCRC
				toRead = 2
			}
		case stateCRC:
			toRead--
			if toRead == 0 {
				return true, badLength, nil
			}
		case stateProbe:
			if f.n >= MinSize && crcValid(f.buf[:f.n]) {
				return true, badLength, nil
			}
		}
	}
	return false, badLength, nil
}

// ReadResponse reads the response to a request sent to slaveID with
// functionCode. The frame is collected as announced by its own function code
// and byte count, then checked in order: nothing received is a timeout, a
// frame shorter than MinSize or cut short is a packet length error, a bad
// checksum a CRC error, then slave id and function code must match the
// request. Unknown function codes end when the checksum over the bytes seen
// so far validates.
//
// Errors wrap a modbus.Error, except I/O errors of the underlying reader.
func ReadResponse(slaveID, functionCode byte, r io.Reader, deadline time.Time) ([]byte, error) {
	if r == nil {
		return nil, fmt.Errorf("reader is nil")
	}

	f := &frameReader{r: r, deadline: deadline}
	complete, badLength, err := f.read()
	if err != nil {
		return nil, err
	}
	frame := f.buf[:f.n]

	switch {
	case f.n == 0:
		return nil, ErrRequestTimedOut
	case f.n < MinSize:
		f.drain()
		return nil, fmt.Errorf("modbus: response of %d bytes is too short: %w", len(frame), modbus.ErrPacketLength)
	case !crcValid(frame):
		f.drain()
		return nil, fmt.Errorf("modbus: response crc does not match: %w", modbus.ErrCRC)
	case frame[0] != slaveID:
		return nil, fmt.Errorf("modbus: response slave id '%v' does not match request '%v': %w", frame[0], slaveID, modbus.ErrServerIDMismatch)
	case frame[1] != functionCode && frame[1] != functionCode|modbus.ExceptionFlag:
		return nil, fmt.Errorf("modbus: response function code '%v' does not match request '%v': %w", frame[1], functionCode, modbus.ErrFunctionCodeMismatch)
	case badLength:
		return nil, &InvalidLengthError{Length: frame[2]}
	case !complete:
		return nil, fmt.Errorf("modbus: response of %d bytes is incomplete: %w", len(frame), modbus.ErrPacketLength)
	}

	out := make([]byte, len(frame))
	copy(out, frame)
	return out, nil
}

func crcValid(frame []byte) bool {
	n := len(frame)
	if n < MinSize {
		return false
	}
	return crc.Checksum(frame[:n-2]) == uint16(frame[n-1])<<8|uint16(frame[n-2])
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}
