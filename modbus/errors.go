// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package modbus

import (
	"errors"
	"fmt"
)

// Error is the gateway's error taxonomy. Values 0x01 to 0x0B are the Modbus
// exception codes a slave may answer with; values from 0xE0 upward are
// transport and resource errors raised by the gateway itself.
type Error uint8

const (
	Success Error = 0x00

	ErrIllegalFunction      Error = ExceptionCodeIllegalFunction
	ErrIllegalDataAddress   Error = ExceptionCodeIllegalDataAddress
	ErrIllegalDataValue     Error = ExceptionCodeIllegalDataValue
	ErrServerDeviceFailure  Error = ExceptionCodeServerDeviceFailure
	ErrAcknowledge          Error = ExceptionCodeAcknowledge
	ErrServerDeviceBusy     Error = ExceptionCodeServerDeviceBusy
	ErrNegativeAcknowledge  Error = ExceptionCodeNegativeAcknowledge
	ErrMemoryParity         Error = ExceptionCodeMemoryParityError
	ErrGatewayPathUnavail   Error = ExceptionCodeGatewayPathUnavailable
	ErrGatewayTargetNoResp  Error = ExceptionCodeGatewayTargetDeviceFailedToRespond
	ErrTimeout              Error = 0xE0
	ErrInvalidServer        Error = 0xE1
	ErrCRC                  Error = 0xE2
	ErrFunctionCodeMismatch Error = 0xE3
	ErrServerIDMismatch     Error = 0xE4
	ErrPacketLength         Error = 0xE5
	ErrParameterCount       Error = 0xE6
	ErrParameterLimit       Error = 0xE7
	ErrRequestQueueFull     Error = 0xE8
	ErrIllegalIPOrPort      Error = 0xE9
	ErrIPConnectionFailed   Error = 0xEA
	ErrTCPHeadMismatch      Error = 0xEB
	ErrEmptyMessage         Error = 0xEC
	ErrASCIIFrame           Error = 0xED
	ErrASCIICRC             Error = 0xEE
	ErrASCIIInvalidChar     Error = 0xEF
	ErrUndefined            Error = 0xFF
)

var errorNames = map[Error]string{
	Success:                 "Success",
	ErrIllegalFunction:      "Illegal function",
	ErrIllegalDataAddress:   "Illegal data address",
	ErrIllegalDataValue:     "Illegal data value",
	ErrServerDeviceFailure:  "Server device failure",
	ErrAcknowledge:          "Acknowledge",
	ErrServerDeviceBusy:     "Server device busy",
	ErrNegativeAcknowledge:  "Negative acknowledge",
	ErrMemoryParity:         "Memory parity error",
	ErrGatewayPathUnavail:   "Gateway path unavailable",
	ErrGatewayTargetNoResp:  "Gateway target no response",
	ErrTimeout:              "Timeout",
	ErrInvalidServer:        "Invalid server",
	ErrCRC:                  "CRC error",
	ErrFunctionCodeMismatch: "Function code mismatch",
	ErrServerIDMismatch:     "Server id mismatch",
	ErrPacketLength:         "Packet length error",
	ErrParameterCount:       "Parameter count error",
	ErrParameterLimit:       "Parameter limit error",
	ErrRequestQueueFull:     "Request queue full",
	ErrIllegalIPOrPort:      "Illegal ip or port",
	ErrIPConnectionFailed:   "IP connection failed",
	ErrTCPHeadMismatch:      "TCP header mismatch",
	ErrEmptyMessage:         "Empty message",
	ErrASCIIFrame:           "ASCII frame error",
	ErrASCIICRC:             "ASCII crc error",
	ErrASCIIInvalidChar:     "ASCII invalid character",
	ErrUndefined:            "Undefined error",
}

// Name returns the stable human readable name of the error.
func (e Error) Name() string {
	if s, ok := errorNames[e]; ok {
		return s
	}
	return "Unknown error"
}

func (e Error) Error() string {
	return fmt.Sprintf("modbus: %s (0x%02x)", e.Name(), uint8(e))
}

// IsException reports whether e is a Modbus exception code a slave can answer with.
func (e Error) IsException() bool {
	return e >= ErrIllegalFunction && e <= ErrGatewayTargetNoResp
}

// AsError extracts the Error from err. Errors outside the taxonomy are
// reported as ErrUndefined, nil as Success.
func AsError(err error) Error {
	if err == nil {
		return Success
	}
	var e Error
	if errors.As(err, &e) {
		return e
	}
	return ErrUndefined
}
