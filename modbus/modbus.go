// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"encoding/binary"
	"fmt"
)

// Function Codes
const (
	FuncCodeReadCoils              = 0x01
	FuncCodeReadDiscreteInputs     = 0x02
	FuncCodeReadHoldingRegisters   = 0x03
	FuncCodeReadInputRegisters     = 0x04
	FuncCodeWriteSingleCoil        = 0x05
	FuncCodeWriteSingleRegister    = 0x06
	FuncCodeWriteMultipleCoils     = 0x0F
	FuncCodeWriteMultipleRegisters = 0x10
	FuncCodeMaskWriteRegister      = 0x16

	FuncCodeReadWriteMultipleRegisters = 0x17
	FuncCodeReadFIFOQueue              = 0x18
	FuncCodeReadDeviceIdentification   = 0x2B
)

// ExceptionFlag is set in the function code of an exception response.
const ExceptionFlag = 0x80

// Exception Codes
const (
	ExceptionCodeIllegalFunction                    = 0x01
	ExceptionCodeIllegalDataAddress                 = 0x02
	ExceptionCodeIllegalDataValue                   = 0x03
	ExceptionCodeServerDeviceFailure                = 0x04
	ExceptionCodeAcknowledge                        = 0x05
	ExceptionCodeServerDeviceBusy                   = 0x06
	ExceptionCodeNegativeAcknowledge                = 0x07
	ExceptionCodeMemoryParityError                  = 0x08
	ExceptionCodeGatewayPathUnavailable             = 0x0A
	ExceptionCodeGatewayTargetDeviceFailedToRespond = 0x0B
)

// Limits for read requests.
const (
	MaxReadBits      = 2000
	MaxReadRegisters = 125
)

// ProtocolDataUnit (PDU) is independent of underlying communication layers.
type ProtocolDataUnit struct {
	FunctionCode byte
	Data         []byte
}

// IsException reports whether the PDU is an exception response.
func (pdu ProtocolDataUnit) IsException() bool {
	return pdu.FunctionCode&ExceptionFlag != 0
}

// Exception returns the exception carried by an exception response PDU.
func (pdu ProtocolDataUnit) Exception() Error {
	if !pdu.IsException() {
		return Success
	}
	if len(pdu.Data) == 0 {
		return ErrPacketLength
	}
	return Error(pdu.Data[0])
}

// Payload returns the data of a read response without its byte count prefix.
// For other function codes the raw data is returned.
func (pdu ProtocolDataUnit) Payload() []byte {
	switch pdu.FunctionCode {
	case FuncCodeReadCoils,
		FuncCodeReadDiscreteInputs,
		FuncCodeReadHoldingRegisters,
		FuncCodeReadInputRegisters,
		FuncCodeReadWriteMultipleRegisters:
		if len(pdu.Data) == 0 {
			return nil
		}
		n := int(pdu.Data[0])
		if n > len(pdu.Data)-1 {
			n = len(pdu.Data) - 1
		}
		return pdu.Data[1 : 1+n]
	}
	return pdu.Data
}

// NewExceptionPDU builds an exception response for the given function code.
func NewExceptionPDU(functionCode byte, code Error) ProtocolDataUnit {
	return ProtocolDataUnit{
		FunctionCode: functionCode | ExceptionFlag,
		Data:         []byte{byte(code)},
	}
}

// NewReadRequest builds a read request PDU (function codes 0x01-0x04).
func NewReadRequest(functionCode byte, address, quantity uint16) (ProtocolDataUnit, error) {
	var limit uint16
	switch functionCode {
	case FuncCodeReadCoils, FuncCodeReadDiscreteInputs:
		limit = MaxReadBits
	case FuncCodeReadHoldingRegisters, FuncCodeReadInputRegisters:
		limit = MaxReadRegisters
	default:
		return ProtocolDataUnit{}, fmt.Errorf("modbus: function code 0x%02X is not a read request: %w", functionCode, ErrIllegalFunction)
	}
	if quantity < 1 || quantity > limit {
		return ProtocolDataUnit{}, fmt.Errorf("modbus: quantity '%v' must be between '%v' and '%v': %w", quantity, 1, limit, ErrParameterLimit)
	}
	data := make([]byte, 4)
	binary.BigEndian.PutUint16(data[0:], address)
	binary.BigEndian.PutUint16(data[2:], quantity)
	return ProtocolDataUnit{FunctionCode: functionCode, Data: data}, nil
}
