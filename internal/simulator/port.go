// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package simulator

import (
	"context"
	"encoding/hex"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ffutop/modbus-rtu-gw/modbus"
	rtupacket "github.com/ffutop/modbus-rtu-gw/modbus/rtu"
)

const defaultReadTimeout = 20 * time.Millisecond

// Port is a virtual RTU line with simulated slaves attached. Frames written
// to it are answered by the addressed slave; unknown slaves stay silent like
// on a real bus. Reads wait at most ReadTimeout and then return no data.
type Port struct {
	ReadTimeout time.Duration
	// Latency delays every response.
	Latency time.Duration

	mu     sync.Mutex
	slaves map[byte]*Slave
	tx     []byte
	rx     []byte
	ready  chan struct{}

	requests atomic.Uint64
}

// NewPort returns a line without slaves.
func NewPort() *Port {
	return &Port{
		ReadTimeout: defaultReadTimeout,
		slaves:      make(map[byte]*Slave),
		ready:       make(chan struct{}, 1),
	}
}

// Attach connects slave to the line under slaveID.
func (p *Port) Attach(slaveID byte, slave *Slave) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.slaves[slaveID] = slave
}

// NewBus returns a line where one slave backed by model answers to every id in ids.
func NewBus(model *DataModel, ids []byte) *Port {
	p := NewPort()
	slave := NewSlave(model)
	for _, id := range ids {
		p.slaves[id] = slave
	}
	return p
}

func (p *Port) attached() []*Slave {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[*Slave]bool)
	var out []*Slave
	for _, s := range p.slaves {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// Open returns the port itself; it matches the signature of a line opener.
func (p *Port) Open(context.Context) (io.ReadWriteCloser, error) {
	return p, nil
}

// Requests returns the number of frames answered by a slave.
func (p *Port) Requests() uint64 {
	return p.requests.Load()
}

// Write feeds bytes into the line.
func (p *Port) Write(b []byte) (int, error) {
	p.mu.Lock()
	p.tx = append(p.tx, b...)
	frames := p.frames()
	p.mu.Unlock()

	for _, frame := range frames {
		p.answer(frame)
	}
	return len(b), nil
}

// frames splits complete request frames off tx. Caller must hold the mutex.
func (p *Port) frames() [][]byte {
	var out [][]byte
	for len(p.tx) >= 2 {
		n, err := rtupacket.CalculateRequestLength(p.tx[1], p.tx)
		if err != nil {
			fc := p.tx[1]
			if (fc == modbus.FuncCodeWriteMultipleCoils || fc == modbus.FuncCodeWriteMultipleRegisters) && len(p.tx) < 7 {
				break
			}
			// Unknown layout: take what was written as one frame.
			n = len(p.tx)
		}
		if len(p.tx) < n {
			break
		}
		frame := append([]byte(nil), p.tx[:n]...)
		p.tx = p.tx[n:]
		out = append(out, frame)
	}
	return out
}

func (p *Port) answer(frame []byte) {
	adu, err := rtupacket.Decode(frame)
	if err != nil {
		slog.Debug("simulator: dropping frame", "frame", hex.EncodeToString(frame), "err", err)
		return
	}

	if adu.SlaveID == 0 {
		// Broadcasts are executed by every slave and never answered.
		for _, slave := range p.attached() {
			slave.Process(adu.Pdu)
		}
		return
	}

	p.mu.Lock()
	slave := p.slaves[adu.SlaveID]
	p.mu.Unlock()
	if slave == nil {
		return
	}

	resp := slave.Process(adu.Pdu)
	out := &rtupacket.ApplicationDataUnit{SlaveID: adu.SlaveID, Pdu: resp}
	raw, err := out.Encode()
	if err != nil {
		return
	}
	p.requests.Add(1)

	if p.Latency > 0 {
		time.AfterFunc(p.Latency, func() { p.push(raw) })
		return
	}
	p.push(raw)
}

func (p *Port) push(raw []byte) {
	p.mu.Lock()
	p.rx = append(p.rx, raw...)
	p.mu.Unlock()
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// Read returns pending response bytes or, after ReadTimeout, no data.
func (p *Port) Read(b []byte) (int, error) {
	timer := time.NewTimer(p.ReadTimeout)
	defer timer.Stop()
	for {
		p.mu.Lock()
		if len(p.rx) > 0 {
			n := copy(b, p.rx)
			p.rx = p.rx[n:]
			p.mu.Unlock()
			return n, nil
		}
		p.mu.Unlock()

		select {
		case <-p.ready:
		case <-timer.C:
			return 0, nil
		}
	}
}

// Close discards buffered bytes. The port can be used again afterwards.
func (p *Port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tx = nil
	p.rx = nil
	return nil
}
