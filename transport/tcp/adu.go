// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/ffutop/modbus-rtu-gw/modbus"
)

const (
	tcpHeaderSize = 7
	tcpMaxSize    = 260

	// Bounds of the MBAP length field: unit id + function code + up to 252 data bytes.
	minLength = 2
	maxLength = 254
)

// ApplicationDataUnit is a Modbus TCP frame: MBAP header followed by the PDU.
type ApplicationDataUnit struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	SlaveID       byte
	Pdu           modbus.ProtocolDataUnit
}

// Header is the decoded MBAP header.
type Header struct {
	TransactionID uint16
	ProtocolID    uint16
	Length        uint16
	SlaveID       byte
}

func decodeHeader(raw []byte) (h Header, err error) {
	h.TransactionID = binary.BigEndian.Uint16(raw[0:])
	h.ProtocolID = binary.BigEndian.Uint16(raw[2:])
	h.Length = binary.BigEndian.Uint16(raw[4:])
	h.SlaveID = raw[6]

	if h.ProtocolID != 0 {
		err = fmt.Errorf("modbus: protocol id '%v' is not Modbus: %w", h.ProtocolID, modbus.ErrTCPHeadMismatch)
		return
	}
	if h.Length < minLength || h.Length > maxLength {
		err = fmt.Errorf("modbus: length '%v' must be between '%v' and '%v': %w", h.Length, minLength, maxLength, modbus.ErrPacketLength)
		return
	}
	return
}

// ReadHeader reads and validates the MBAP header of the next frame.
func ReadHeader(r io.Reader) (Header, error) {
	var raw [tcpHeaderSize]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, err
	}
	return decodeHeader(raw[:])
}

// ReadPDU reads the PDU announced by h.
func ReadPDU(r io.Reader, h Header) (modbus.ProtocolDataUnit, error) {
	raw := make([]byte, h.Length-1)
	if _, err := io.ReadFull(r, raw); err != nil {
		return modbus.ProtocolDataUnit{}, err
	}
	return modbus.ProtocolDataUnit{FunctionCode: raw[0], Data: raw[1:]}, nil
}

// Encode encodes the frame; Length is computed from the PDU.
func (adu *ApplicationDataUnit) Encode() (raw []byte, err error) {
	length := len(adu.Pdu.Data) + 8
	if length > tcpMaxSize {
		err = fmt.Errorf("modbus: length of data '%v' must not be bigger than '%v': %w", length, tcpMaxSize, modbus.ErrPacketLength)
		return
	}
	adu.Length = uint16(len(adu.Pdu.Data) + 2)
	raw = make([]byte, length)

	binary.BigEndian.PutUint16(raw[0:], adu.TransactionID)
	binary.BigEndian.PutUint16(raw[2:], adu.ProtocolID)
	binary.BigEndian.PutUint16(raw[4:], adu.Length)
	raw[6] = adu.SlaveID
	raw[7] = adu.Pdu.FunctionCode
	copy(raw[8:], adu.Pdu.Data)

	return
}
