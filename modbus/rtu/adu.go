// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"fmt"

	"github.com/ffutop/modbus-rtu-gw/modbus"
	"github.com/ffutop/modbus-rtu-gw/modbus/crc"
)

// ApplicationDataUnit is a Modbus RTU frame.
type ApplicationDataUnit struct {
	SlaveID byte
	Pdu     modbus.ProtocolDataUnit
}

// Decode parses and checks a raw RTU frame.
func Decode(raw []byte) (adu *ApplicationDataUnit, err error) {
	length := len(raw)
	// Minimum size (including address, function and CRC)
	if length < MinSize {
		err = fmt.Errorf("modbus: frame length '%v' does not meet minimum '%v': %w", length, MinSize, modbus.ErrPacketLength)
		return
	}

	checksum := uint16(raw[length-1])<<8 | uint16(raw[length-2])
	if expected := crc.Checksum(raw[:length-2]); checksum != expected {
		err = fmt.Errorf("modbus: frame crc '%04X' does not match expected '%04X': %w", checksum, expected, modbus.ErrCRC)
		return
	}
	adu = &ApplicationDataUnit{}
	adu.SlaveID = raw[0]
	adu.Pdu.FunctionCode = raw[1]
	adu.Pdu.Data = raw[2 : length-2]
	return
}

// Encode encodes PDU in an RTU frame:
//
//	Slave Address   : 1 byte
//	Function        : 1 byte
//	Data            : 0 up to 252 bytes
//	CRC             : 2 bytes
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 4
	if length > MaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v': %w", length, MaxSize, modbus.ErrPacketLength)
		return
	}
	raw = make([]byte, length)

	raw[0] = adu.SlaveID
	raw[1] = adu.Pdu.FunctionCode
	copy(raw[2:], adu.Pdu.Data)

	var sum crc.CRC
	checksum := sum.Reset().PushBytes(raw[0:2]).PushBytes(adu.Pdu.Data).Value()
	raw[length-1] = byte(checksum >> 8)
	raw[length-2] = byte(checksum)
	return
}

// Verify checks that resp answers req: same slave id and the request's
// function code, with or without the exception flag.
func (req *ApplicationDataUnit) Verify(resp *ApplicationDataUnit) error {
	if req.SlaveID != resp.SlaveID {
		return fmt.Errorf("modbus: response slave id '%v' does not match request '%v': %w", resp.SlaveID, req.SlaveID, modbus.ErrServerIDMismatch)
	}
	if fc := resp.Pdu.FunctionCode; fc != req.Pdu.FunctionCode && fc != req.Pdu.FunctionCode|modbus.ExceptionFlag {
		return fmt.Errorf("modbus: response function code '%v' does not match request '%v': %w", fc, req.Pdu.FunctionCode, modbus.ErrFunctionCodeMismatch)
	}
	return nil
}
