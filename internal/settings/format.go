// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package settings

import (
	"fmt"
	"strconv"

	"github.com/ffutop/modbus-rtu-gw/modbus"
)

// Parity of a serial line, numbered as in the packed configuration word.
type Parity uint8

const (
	ParityNone Parity = 0
	ParityEven Parity = 2
	ParityOdd  Parity = 3
)

func (p Parity) String() string {
	switch p {
	case ParityNone:
		return "None"
	case ParityEven:
		return "Even"
	case ParityOdd:
		return "Odd"
	}
	return "Parity(" + strconv.Itoa(int(p)) + ")"
}

// Letter returns the parity as understood by the serial driver ("N", "E", "O").
func (p Parity) Letter() string {
	switch p {
	case ParityEven:
		return "E"
	case ParityOdd:
		return "O"
	}
	return "N"
}

func (p Parity) valid() bool {
	return p == ParityNone || p == ParityEven || p == ParityOdd
}

// StopBits of a serial line, numbered as in the packed configuration word.
type StopBits uint8

const (
	StopBits1   StopBits = 1
	StopBits1_5 StopBits = 2
	StopBits2   StopBits = 3
)

func (s StopBits) String() string {
	switch s {
	case StopBits1:
		return "1"
	case StopBits1_5:
		return "1.5"
	case StopBits2:
		return "2"
	}
	return "StopBits(" + strconv.Itoa(int(s)) + ")"
}

// Count returns the number of stop bits handed to the serial driver.
// Linux termios has no 1.5 stop bits, it is rounded up to 2.
func (s StopBits) Count() int {
	if s == StopBits1 {
		return 1
	}
	return 2
}

func (s StopBits) valid() bool {
	return s >= StopBits1 && s <= StopBits2
}

// DefaultSerialConfig is the packed word of 8 data bits, no parity, 1 stop bit.
const DefaultSerialConfig uint32 = 0x800001c

// Bit fields of the packed configuration word. Bits above formatMask
// are opaque and preserved.
const (
	parityMask   uint32 = 0x03
	dataBitsMask uint32 = 0x0c
	stopBitsMask uint32 = 0x30
	formatMask          = parityMask | dataBitsMask | stopBitsMask
)

// SerialFormat is the character format of a serial line.
type SerialFormat struct {
	DataBits int
	Parity   Parity
	StopBits StopBits
}

// UnpackSerialFormat decodes the format fields of a packed configuration word.
func UnpackSerialFormat(word uint32) SerialFormat {
	return SerialFormat{
		DataBits: int((word&dataBitsMask)>>2) + 5,
		Parity:   Parity(word & parityMask),
		StopBits: StopBits((word & stopBitsMask) >> 4),
	}
}

// Pack encodes f into word, leaving the bits outside the format fields untouched.
func (f SerialFormat) Pack(word uint32) uint32 {
	word &^= formatMask
	word |= uint32(f.Parity) & parityMask
	word |= (uint32(f.DataBits-5) << 2) & dataBitsMask
	word |= (uint32(f.StopBits) << 4) & stopBitsMask
	return word
}

// Validate reports a modbus.ErrParameterLimit error for out of range fields.
func (f SerialFormat) Validate() error {
	if err := validateDataBits(f.DataBits); err != nil {
		return err
	}
	if !f.Parity.valid() {
		return fmt.Errorf("settings: invalid parity %d: %w", f.Parity, modbus.ErrParameterLimit)
	}
	if !f.StopBits.valid() {
		return fmt.Errorf("settings: invalid stop bits %d: %w", f.StopBits, modbus.ErrParameterLimit)
	}
	return nil
}

// String returns the conventional notation, e.g. "8N1".
func (f SerialFormat) String() string {
	return strconv.Itoa(f.DataBits) + f.Parity.Letter() + f.StopBits.String()
}

func validateDataBits(n int) error {
	if n < 5 || n > 8 {
		return fmt.Errorf("settings: invalid data bits %d: %w", n, modbus.ErrParameterLimit)
	}
	return nil
}
