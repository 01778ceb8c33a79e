// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/grid-x/serial"
)

const (
	// Default timeout
	serialTimeout     = 5 * time.Second
	serialIdleTimeout = 60 * time.Second

	// minReadTimeout bounds how long a single read waits for the next byte.
	minReadTimeout = 20 * time.Millisecond
)

// Opener opens the physical line. Reads on the returned port must give up
// after a short read timeout, returning no data, so that frame ends can be
// detected.
type Opener func(ctx context.Context) (io.ReadWriteCloser, error)

// SerialOpener opens a local serial device with grid-x/serial.
func SerialOpener(cfg serial.Config) Opener {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		c := cfg
		if c.Timeout <= 0 {
			c.Timeout = readTimeout(c.BaudRate)
		}
		port, err := serial.Open(&c)
		if err != nil {
			return nil, err
		}
		return &timeoutPort{port}, nil
	}
}

// readTimeout is the silence after which a frame is considered finished.
func readTimeout(baudRate int) time.Duration {
	d := 4 * frameDelay(baudRate)
	if d < minReadTimeout {
		d = minReadTimeout
	}
	return d
}

// timeoutPort reports an expired read timeout as an empty read.
type timeoutPort struct {
	io.ReadWriteCloser
}

func (p *timeoutPort) Read(b []byte) (int, error) {
	n, err := p.ReadWriteCloser.Read(b)
	if errors.Is(err, serial.ErrTimeout) {
		return n, nil
	}
	return n, err
}

// serialPort owns the line: it is opened lazily and closed after IdleTimeout
// without traffic.
type serialPort struct {
	Name        string
	IdleTimeout time.Duration

	open Opener

	mu sync.Mutex
	// port is platform-dependent data structure for serial port.
	port         io.ReadWriteCloser
	lastActivity time.Time
	closeTimer   *time.Timer
}

func (mb *serialPort) Connect(ctx context.Context) (err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	return mb.connect(ctx)
}

// connect connects to the serial port if it is not connected. Caller must hold the mutex.
func (mb *serialPort) connect(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	if mb.port == nil {
		if mb.open == nil {
			return fmt.Errorf("no opener for %s", mb.Name)
		}
		port, err := mb.open(ctx)
		if err != nil {
			return fmt.Errorf("could not open %s: %w", mb.Name, err)
		}
		slog.Debug("modbus: line opened", "line", mb.Name)
		mb.port = port
	}
	return nil
}

func (mb *serialPort) Close() (err error) {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.closeTimer != nil {
		mb.closeTimer.Stop()
	}
	return mb.close()
}

// close closes the serial port if it is connected. Caller must hold the mutex.
func (mb *serialPort) close() (err error) {
	if mb.port != nil {
		err = mb.port.Close()
		mb.port = nil
	}
	return
}

// touch records traffic and rearms the idle timer. Caller must hold the mutex.
func (mb *serialPort) touch() {
	mb.lastActivity = time.Now()
	mb.startCloseTimer()
}

func (mb *serialPort) startCloseTimer() {
	if mb.IdleTimeout <= 0 {
		return
	}
	if mb.closeTimer == nil {
		mb.closeTimer = time.AfterFunc(mb.IdleTimeout, mb.closeIdle)
	} else {
		mb.closeTimer.Reset(mb.IdleTimeout)
	}
}

// closeIdle closes the connection if last activity is passed behind IdleTimeout.
func (mb *serialPort) closeIdle() {
	mb.mu.Lock()
	defer mb.mu.Unlock()

	if mb.IdleTimeout <= 0 {
		return
	}

	if idle := time.Since(mb.lastActivity); idle >= mb.IdleTimeout {
		slog.Debug("modbus: closing line due to idle timeout", "line", mb.Name, "idle", idle)
		mb.close()
	}
}
