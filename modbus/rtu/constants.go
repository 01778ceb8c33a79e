// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

const (
	MinSize = 4
	MaxSize = 256
)

// shape describes how the length of a response PDU is determined.
type shape int

const (
	shapeUnknown shape = iota
	shapeByteCount
	shapeFixed
)

// responseShape returns how a response carrying functionCode is framed.
// For shapeFixed the second result is the data length after the function code.
func responseShape(functionCode byte) (shape, int) {
	switch functionCode {
	case 0x01, 0x02, 0x03, 0x04, 0x0C, 0x11, 0x14, 0x15, 0x17:
		return shapeByteCount, 0
	case 0x07:
		return shapeFixed, 1
	case 0x05, 0x06, 0x08, 0x0B, 0x0F, 0x10:
		return shapeFixed, 4
	case 0x16:
		return shapeFixed, 6
	}
	return shapeUnknown, 0
}
