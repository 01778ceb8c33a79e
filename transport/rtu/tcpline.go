// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"io"
	"net"
	"time"
)

const (
	tcpTimeout = 10 * time.Second
)

// TCPOpener reaches an RTU line through a serial device server (RTU frames
// carried over a raw TCP stream), e.g. "tcp://10.0.0.5:4001".
func TCPOpener(address string) Opener {
	return func(ctx context.Context) (io.ReadWriteCloser, error) {
		d := net.Dialer{Timeout: tcpTimeout}
		conn, err := d.DialContext(ctx, "tcp", address)
		if err != nil {
			return nil, err
		}
		return &deadlineConn{Conn: conn, readTimeout: minReadTimeout, writeTimeout: tcpTimeout}, nil
	}
}

// deadlineConn arms a deadline before every read and write, so a silent
// peer surfaces as a timeout error instead of blocking forever.
type deadlineConn struct {
	net.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
}

func (c *deadlineConn) Read(b []byte) (int, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.readTimeout)); err != nil {
		return 0, err
	}
	return c.Conn.Read(b)
}

func (c *deadlineConn) Write(b []byte) (int, error) {
	if err := c.Conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return 0, err
	}
	return c.Conn.Write(b)
}
