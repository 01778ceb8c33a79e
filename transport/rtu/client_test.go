// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.
package rtu

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ffutop/modbus-rtu-gw/modbus"
	rtupacket "github.com/ffutop/modbus-rtu-gw/modbus/rtu"
)

// fakeSlave is an in-memory RTU line. handler computes the answer to every
// written frame; a nil answer leaves the line silent.
type fakeSlave struct {
	mu      sync.Mutex
	handler func(req []byte) []byte
	rx      bytes.Buffer
	writes  [][]byte
	overlap bool

	// started, when set, receives every written frame before it is answered
	// and release gates the answer.
	started chan []byte
	release chan struct{}
}

func (s *fakeSlave) Write(p []byte) (int, error) {
	frame := append([]byte(nil), p...)
	if s.started != nil {
		s.started <- frame
		<-s.release
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rx.Len() > 0 {
		s.overlap = true
	}
	s.writes = append(s.writes, frame)
	if resp := s.handler(frame); resp != nil {
		s.rx.Write(resp)
	}
	return len(p), nil
}

func (s *fakeSlave) Read(p []byte) (int, error) {
	s.mu.Lock()
	if s.rx.Len() > 0 {
		n, _ := s.rx.Read(p)
		s.mu.Unlock()
		return n, nil
	}
	s.mu.Unlock()
	time.Sleep(time.Millisecond)
	return 0, nil
}

func (s *fakeSlave) Close() error { return nil }

func (s *fakeSlave) setHandler(h func([]byte) []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *fakeSlave) sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.writes...)
}

func encode(t *testing.T, slaveID, fc byte, data ...byte) []byte {
	t.Helper()
	adu := &rtupacket.ApplicationDataUnit{SlaveID: slaveID, Pdu: modbus.ProtocolDataUnit{FunctionCode: fc, Data: data}}
	raw, err := adu.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return raw
}

// registers answers read holding register requests from values.
func registers(t *testing.T, values map[uint16]uint16) func([]byte) []byte {
	return func(req []byte) []byte {
		adu, err := rtupacket.Decode(req)
		if err != nil || adu.Pdu.FunctionCode != modbus.FuncCodeReadHoldingRegisters {
			return nil
		}
		addr := binary.BigEndian.Uint16(adu.Pdu.Data[0:])
		count := binary.BigEndian.Uint16(adu.Pdu.Data[2:])
		data := []byte{byte(count * 2)}
		for i := uint16(0); i < count; i++ {
			data = binary.BigEndian.AppendUint16(data, values[addr+i])
		}
		return encode(t, adu.SlaveID, adu.Pdu.FunctionCode, data...)
	}
}

func newTestClient(t *testing.T, slave *fakeSlave, opts Options) *Client {
	t.Helper()
	if opts.Timeout == 0 {
		opts.Timeout = 200 * time.Millisecond
	}
	opts.Name = "fake"
	client := NewClient(func(context.Context) (io.ReadWriteCloser, error) { return slave, nil }, opts)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestClient_Request(t *testing.T) {
	slave := &fakeSlave{handler: registers(t, map[uint16]uint16{1: 0x1234})}
	client := newTestClient(t, slave, Options{})

	res := client.Request(context.Background(), 1, modbus.FuncCodeReadHoldingRegisters, 1, 1)
	if res.Err != nil {
		t.Fatalf("Request failed: %v", res.Err)
	}
	if got := res.PDU.Payload(); !bytes.Equal(got, []byte{0x12, 0x34}) {
		t.Errorf("payload = % X, want 12 34", got)
	}

	want := encode(t, 1, 0x03, 0x00, 0x01, 0x00, 0x01)
	if sent := slave.sent(); len(sent) != 1 || !bytes.Equal(sent[0], want) {
		t.Errorf("Request mismatch.\nWant: %X\nGot:  %X", want, sent)
	}
	if client.MessageCount() != 1 || client.ErrorCount() != 0 {
		t.Errorf("counters = %d/%d, want 1/0", client.MessageCount(), client.ErrorCount())
	}
}

func TestClient_Send(t *testing.T) {
	slave := &fakeSlave{handler: func(req []byte) []byte {
		return encode(t, 1, 0x06, req[2:6]...)
	}}
	client := newTestClient(t, slave, Options{})

	pdu := modbus.ProtocolDataUnit{FunctionCode: 0x06, Data: []byte{0x00, 0x10, 0xAB, 0xCD}}
	resp, err := client.Send(context.Background(), 1, pdu)
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if resp.FunctionCode != 0x06 || !bytes.Equal(resp.Data, pdu.Data) {
		t.Errorf("Response mismatch: %02X % X", resp.FunctionCode, resp.Data)
	}
}

func TestClient_Exception(t *testing.T) {
	slave := &fakeSlave{handler: func(req []byte) []byte {
		return encode(t, req[0], req[1]|modbus.ExceptionFlag, modbus.ExceptionCodeIllegalDataAddress)
	}}
	client := newTestClient(t, slave, Options{})

	res := client.Request(context.Background(), 1, modbus.FuncCodeReadHoldingRegisters, 9999, 1)
	if res.Code() != modbus.ErrIllegalDataAddress {
		t.Fatalf("Code() = %v, want %v", res.Code(), modbus.ErrIllegalDataAddress)
	}

	// Send passes exceptions through as PDU.
	resp, err := client.Send(context.Background(), 1, modbus.ProtocolDataUnit{FunctionCode: 0x03, Data: []byte{0, 0, 0, 1}})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if !resp.IsException() || resp.Exception() != modbus.ErrIllegalDataAddress {
		t.Errorf("Send() = %+v, want exception 0x02", resp)
	}
}

func TestClient_CRCError(t *testing.T) {
	slave := &fakeSlave{handler: func(req []byte) []byte {
		resp := encode(t, 1, 0x03, 0x02, 0x12, 0x34)
		resp[len(resp)-1] ^= 0xFF
		return resp
	}}
	client := newTestClient(t, slave, Options{})

	res := client.Request(context.Background(), 1, modbus.FuncCodeReadHoldingRegisters, 1, 1)
	if !errors.Is(res.Err, modbus.ErrCRC) {
		t.Fatalf("Err = %v, want %v", res.Err, modbus.ErrCRC)
	}
	if client.ErrorCount() != 1 {
		t.Errorf("ErrorCount() = %d, want 1", client.ErrorCount())
	}
}

func TestClient_Mismatch(t *testing.T) {
	tests := []struct {
		name string
		resp func(t *testing.T) []byte
		want modbus.Error
	}{
		{"SlaveID", func(t *testing.T) []byte { return encode(t, 2, 0x03, 0x02, 0x12, 0x34) }, modbus.ErrServerIDMismatch},
		{"FunctionCode", func(t *testing.T) []byte { return encode(t, 1, 0x04, 0x02, 0x12, 0x34) }, modbus.ErrFunctionCodeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			slave := &fakeSlave{handler: func([]byte) []byte { return tt.resp(t) }}
			client := newTestClient(t, slave, Options{})

			res := client.Request(context.Background(), 1, modbus.FuncCodeReadHoldingRegisters, 1, 1)
			if res.Code() != tt.want {
				t.Fatalf("Code() = %v, want %v", res.Code(), tt.want)
			}
		})
	}
}

func TestClient_TimeoutReleasesSlot(t *testing.T) {
	slave := &fakeSlave{handler: func([]byte) []byte { return nil }}
	client := newTestClient(t, slave, Options{Timeout: 50 * time.Millisecond, QueueSize: 1})

	res := client.Request(context.Background(), 1, modbus.FuncCodeReadHoldingRegisters, 1, 1)
	if res.Code() != modbus.ErrTimeout {
		t.Fatalf("Code() = %v, want %v", res.Code(), modbus.ErrTimeout)
	}
	if n := client.PendingRequests(); n != 0 {
		t.Fatalf("PendingRequests() = %d after timeout, want 0", n)
	}

	slave.setHandler(registers(t, map[uint16]uint16{1: 0x1234}))
	res = client.Request(context.Background(), 1, modbus.FuncCodeReadHoldingRegisters, 1, 1)
	if res.Err != nil {
		t.Fatalf("Request after timeout failed: %v", res.Err)
	}
}

// lateSlave answers only its first request, and only after delay.
type lateSlave struct {
	fakeSlave
	delay  time.Duration
	writes int
}

func (s *lateSlave) Write(p []byte) (int, error) {
	s.mu.Lock()
	s.writes++
	first := s.writes == 1
	s.mu.Unlock()
	if first {
		resp := s.handler(append([]byte(nil), p...))
		time.AfterFunc(s.delay, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			s.rx.Write(resp)
		})
	}
	return len(p), nil
}

func TestClient_LateAnswerIsDiscarded(t *testing.T) {
	slave := &lateSlave{
		fakeSlave: fakeSlave{handler: registers(t, map[uint16]uint16{0x11: 0x1111, 0x22: 0x2222})},
		delay:     150 * time.Millisecond,
	}
	client := NewClient(func(context.Context) (io.ReadWriteCloser, error) { return slave, nil },
		Options{Name: "late", Timeout: 100 * time.Millisecond})
	defer client.Close()

	res := client.Request(context.Background(), 1, modbus.FuncCodeReadHoldingRegisters, 0x11, 1)
	if res.Code() != modbus.ErrTimeout {
		t.Fatalf("first request: Code() = %v, want %v", res.Code(), modbus.ErrTimeout)
	}

	// The answer to the first request shows up while the second waits.
	res = client.Request(context.Background(), 1, modbus.FuncCodeReadHoldingRegisters, 0x22, 1)
	if res.Code() != modbus.ErrTimeout {
		t.Fatalf("second request: Code() = %v, payload % X, want %v", res.Code(), res.PDU.Payload(), modbus.ErrTimeout)
	}
}

func TestClient_LeftoverInputIsDiscarded(t *testing.T) {
	slave := &fakeSlave{handler: registers(t, map[uint16]uint16{1: 0x1234})}
	client := newTestClient(t, slave, Options{})

	// Noise from an earlier exchange still sits in the receive buffer.
	slave.mu.Lock()
	slave.rx.Write(encode(t, 1, modbus.FuncCodeReadHoldingRegisters, 0x02, 0xDE, 0xAD))
	slave.mu.Unlock()

	res := client.Request(context.Background(), 1, modbus.FuncCodeReadHoldingRegisters, 1, 1)
	if res.Err != nil {
		t.Fatalf("Request failed: %v", res.Err)
	}
	if got := res.PDU.Payload(); !bytes.Equal(got, []byte{0x12, 0x34}) {
		t.Errorf("payload = % X, want 12 34", got)
	}
}

func TestClient_QueueFull(t *testing.T) {
	slave := &fakeSlave{
		handler: registers(t, nil),
		started: make(chan []byte, 4),
		release: make(chan struct{}),
	}
	client := newTestClient(t, slave, Options{QueueSize: 1})

	if err := client.Submit(1, 1, modbus.FuncCodeReadHoldingRegisters, 0, 1); err != nil {
		t.Fatalf("Submit(1) failed: %v", err)
	}
	<-slave.started // worker holds request 1 on the wire

	if err := client.Submit(2, 1, modbus.FuncCodeReadHoldingRegisters, 0, 1); err != nil {
		t.Fatalf("Submit(2) failed: %v", err)
	}
	err := client.Submit(3, 1, modbus.FuncCodeReadHoldingRegisters, 0, 1)
	if !errors.Is(err, modbus.ErrRequestQueueFull) {
		t.Fatalf("Submit(3) error = %v, want %v", err, modbus.ErrRequestQueueFull)
	}
	if n := client.PendingRequests(); n != 2 {
		t.Errorf("PendingRequests() = %d, want 2", n)
	}
	close(slave.release)
}

func TestClient_FIFO(t *testing.T) {
	const n = 10
	slave := &fakeSlave{handler: registers(t, nil)}
	client := newTestClient(t, slave, Options{QueueSize: n})

	results := make(chan Result, n)
	client.OnResult(func(r Result) { results <- r })

	for i := uint32(1); i <= n; i++ {
		if err := client.Submit(i, 1, modbus.FuncCodeReadHoldingRegisters, uint16(i), 1); err != nil {
			t.Fatalf("Submit(%d) failed: %v", i, err)
		}
	}
	for i := uint32(1); i <= n; i++ {
		select {
		case r := <-results:
			if r.Token != i || r.Err != nil {
				t.Fatalf("result %d = %+v, want token %d", i, r, i)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for result %d", i)
		}
	}
	for i, frame := range slave.sent() {
		if addr := binary.BigEndian.Uint16(frame[2:]); addr != uint16(i+1) {
			t.Errorf("frame %d addresses %d, want %d", i, addr, i+1)
		}
	}
}

func TestClient_ConcurrentCallers(t *testing.T) {
	const n = 20
	slave := &fakeSlave{handler: registers(t, map[uint16]uint16{7: 0xBEEF})}
	client := newTestClient(t, slave, Options{QueueSize: n})

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := client.Request(context.Background(), 1, modbus.FuncCodeReadHoldingRegisters, 7, 1)
			if res.Err != nil {
				errs <- res.Err
				return
			}
			if !bytes.Equal(res.PDU.Payload(), []byte{0xBE, 0xEF}) {
				errs <- errors.New("unexpected payload")
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	slave.mu.Lock()
	defer slave.mu.Unlock()
	if slave.overlap {
		t.Error("a frame was sent while another exchange was in flight")
	}
	if len(slave.writes) != n {
		t.Errorf("%d frames sent, want %d", len(slave.writes), n)
	}
}

func TestClient_DepartedCallerIsSkipped(t *testing.T) {
	slave := &fakeSlave{
		handler: registers(t, nil),
		started: make(chan []byte, 4),
		release: make(chan struct{}),
	}
	client := newTestClient(t, slave, Options{})

	first := make(chan Result, 1)
	go func() { first <- client.Request(context.Background(), 1, modbus.FuncCodeReadHoldingRegisters, 1, 1) }()
	<-slave.started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	res := client.Request(ctx, 1, modbus.FuncCodeReadHoldingRegisters, 2, 1)
	if res.Code() != modbus.ErrTimeout {
		t.Fatalf("Code() = %v, want %v", res.Code(), modbus.ErrTimeout)
	}

	close(slave.release)
	if r := <-first; r.Err != nil {
		t.Fatalf("first request failed: %v", r.Err)
	}
	deadline := time.Now().Add(time.Second)
	for client.PendingRequests() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if sent := slave.sent(); len(sent) != 1 {
		t.Fatalf("%d frames sent, want only the first", len(sent))
	}
}

func TestClient_Close(t *testing.T) {
	slave := &fakeSlave{handler: registers(t, nil)}
	client := NewClient(func(context.Context) (io.ReadWriteCloser, error) { return slave, nil }, Options{})
	if err := client.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := client.Submit(1, 1, 0x03, 0, 1); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("Submit after Close error = %v, want %v", err, ErrClientClosed)
	}
}

func TestClient_OpenFailure(t *testing.T) {
	client := NewClient(func(context.Context) (io.ReadWriteCloser, error) {
		return nil, errors.New("no such device")
	}, Options{Name: "/dev/null0"})
	defer client.Close()

	res := client.Request(context.Background(), 1, 0x03, 0, 1)
	if res.Code() != modbus.ErrTimeout {
		t.Fatalf("Code() = %v, want %v", res.Code(), modbus.ErrTimeout)
	}
	if client.ErrorCount() != 1 {
		t.Errorf("ErrorCount() = %d, want 1", client.ErrorCount())
	}
}

func TestFrameDelay(t *testing.T) {
	if d := frameDelay(9600); d != 3645*time.Microsecond {
		t.Errorf("frameDelay(9600) = %v", d)
	}
	if d := frameDelay(115200); d != 1750*time.Microsecond {
		t.Errorf("frameDelay(115200) = %v", d)
	}
}
