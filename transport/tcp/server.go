// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package tcp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ffutop/modbus-rtu-gw/modbus"
	"github.com/ffutop/modbus-rtu-gw/transport"
)

const (
	DefaultMaxClients  = 4
	DefaultIdleTimeout = 10 * time.Second

	writeTimeout = 5 * time.Second
)

// SessionState is the position of a connection in its request cycle.
type SessionState int32

const (
	StateIdle SessionState = iota
	StateAwaitingHeader
	StateAwaitingPDU
	StateDispatched
	StateResponding
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingHeader:
		return "awaiting header"
	case StateAwaitingPDU:
		return "awaiting pdu"
	case StateDispatched:
		return "dispatched"
	case StateResponding:
		return "responding"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// SessionInfo is a snapshot of a connected client.
type SessionInfo struct {
	ID            string
	RemoteAddr    string
	Connected     time.Time
	State         SessionState
	TransactionID uint16
	UnitID        byte
	Requests      uint64
}

type session struct {
	id        string
	conn      net.Conn
	connected time.Time

	state    atomic.Int32
	tid      atomic.Uint32
	unitID   atomic.Uint32
	requests atomic.Uint64
}

func (s *session) setState(st SessionState) { s.state.Store(int32(st)) }

func (s *session) info() SessionInfo {
	return SessionInfo{
		ID:            s.id,
		RemoteAddr:    s.conn.RemoteAddr().String(),
		Connected:     s.connected,
		State:         SessionState(s.state.Load()),
		TransactionID: uint16(s.tid.Load()),
		UnitID:        byte(s.unitID.Load()),
		Requests:      s.requests.Load(),
	}
}

// Server implements a Modbus TCP Server bridging requests to a handler.
// Each connection is served by its own goroutine and handles one request at
// a time, so responses keep the order and transaction id of their requests.
type Server struct {
	Address     string
	MaxClients  int
	IdleTimeout time.Duration
	Handler     transport.RequestHandler

	mu       sync.Mutex
	listener net.Listener
	sessions map[string]*session
	wg       sync.WaitGroup
	closed   bool

	messages atomic.Uint64
	failures atomic.Uint64
}

// NewServer creates a new TCP Server.
func NewServer(address string, maxClients int, idleTimeout time.Duration) *Server {
	if maxClients <= 0 {
		maxClients = DefaultMaxClients
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	return &Server{
		Address:     address,
		MaxClients:  maxClients,
		IdleTimeout: idleTimeout,
		sessions:    make(map[string]*session),
	}
}

// Start listens on Address and serves until ctx is done or Close is called.
func (s *Server) Start(ctx context.Context, handler transport.RequestHandler) error {
	listener, err := net.Listen("tcp", s.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.Address, err)
	}
	return s.Serve(ctx, listener, handler)
}

// Serve accepts connections on listener.
func (s *Server) Serve(ctx context.Context, listener net.Listener, handler transport.RequestHandler) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		listener.Close()
		return net.ErrClosed
	}
	s.Handler = handler
	s.listener = listener
	s.mu.Unlock()
	slog.Info("Modbus TCP server listening", "addr", listener.Addr(), "maxClients", s.MaxClients)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		s.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			slog.Error("Failed to accept connection", "err", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		sess, ok := s.register(conn)
		if !ok {
			s.failures.Add(1)
			slog.Warn("Rejecting TCP client, too many connections", "addr", conn.RemoteAddr(), "maxClients", s.MaxClients)
			conn.Close()
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, sess)
		}()
	}
}

// Addr returns the listening address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) register(conn net.Conn) (*session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.sessions) >= s.MaxClients {
		return nil, false
	}
	sess := &session{
		id:        uuid.New().String(),
		conn:      conn,
		connected: time.Now(),
	}
	s.sessions[sess.id] = sess
	return sess, true
}

func (s *Server) unregister(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sess.id)
}

// Close closes the listener and all client connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, sess := range s.sessions {
		sess.conn.Close()
	}
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

// MessageCount returns the number of requests answered.
func (s *Server) MessageCount() uint64 { return s.messages.Load() }

// ErrorCount returns the number of failed requests, rejected connections and
// framing errors.
func (s *Server) ErrorCount() uint64 { return s.failures.Load() }

// ActiveClients returns the number of connected clients.
func (s *Server) ActiveClients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sessions returns a snapshot of the connected clients, oldest first.
func (s *Server) Sessions() []SessionInfo {
	s.mu.Lock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, sess := range s.sessions {
		infos = append(infos, sess.info())
	}
	s.mu.Unlock()
	sort.Slice(infos, func(i, j int) bool { return infos[i].Connected.Before(infos[j].Connected) })
	return infos
}

func (s *Server) handleConnection(ctx context.Context, sess *session) {
	conn := sess.conn
	logger := slog.With("session", sess.id, "addr", conn.RemoteAddr())
	defer func() {
		sess.setState(StateClosed)
		conn.Close()
		s.unregister(sess)
	}()
	logger.Info("New TCP client connected")
	r := bufio.NewReader(conn)

	for {
		sess.setState(StateIdle)
		if ctx.Err() != nil {
			return
		}

		// Idle timeout covers the wait for the next request.
		if err := conn.SetReadDeadline(time.Now().Add(s.IdleTimeout)); err != nil {
			logger.Error("Failed to set read deadline", "err", err)
			return
		}

		sess.setState(StateAwaitingHeader)
		h, err := ReadHeader(r)
		if err != nil {
			s.logReadError(logger, err)
			return
		}
		sess.tid.Store(uint32(h.TransactionID))
		sess.unitID.Store(uint32(h.SlaveID))

		sess.setState(StateAwaitingPDU)
		pdu, err := ReadPDU(r, h)
		if err != nil {
			s.logReadError(logger, err)
			return
		}

		sess.setState(StateDispatched)
		sess.requests.Add(1)
		s.messages.Add(1)
		respPdu, gone, err := s.dispatchWatched(ctx, sess, r, h.SlaveID, pdu)
		if gone {
			logger.Info("Client left during request, dropping response", "tid", h.TransactionID)
			return
		}
		if err != nil || respPdu.IsException() {
			s.failures.Add(1)
			logger.Debug("Request failed", "tid", h.TransactionID, "unit", h.SlaveID, "fc", pdu.FunctionCode, "err", err)
		}

		sess.setState(StateResponding)
		respAdu := &ApplicationDataUnit{
			TransactionID: h.TransactionID,
			ProtocolID:    h.ProtocolID,
			SlaveID:       h.SlaveID,
			Pdu:           respPdu,
		}
		respRaw, err := respAdu.Encode()
		if err != nil {
			logger.Error("Failed to encode TCP response", "err", err)
			respAdu.Pdu = modbus.NewExceptionPDU(pdu.FunctionCode, modbus.ErrServerDeviceFailure)
			if respRaw, err = respAdu.Encode(); err != nil {
				return
			}
		}

		if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
			return
		}
		if _, err = conn.Write(respRaw); err != nil {
			// The client left while its request was in flight.
			logger.Info("Dropping response, client is gone", "tid", h.TransactionID, "err", err)
			return
		}
	}
}

// dispatchWatched runs dispatch while watching the connection. When the
// client goes away the session is released at once and the request context
// is canceled; gone then reports that the result has nobody to go to.
// Bytes of a pipelined request stay buffered in r.
func (s *Server) dispatchWatched(ctx context.Context, sess *session, r *bufio.Reader, slaveID byte, pdu modbus.ProtocolDataUnit) (resp modbus.ProtocolDataUnit, gone bool, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The watcher only ends on data, an error or the deadline set below.
	if err := sess.conn.SetReadDeadline(time.Time{}); err != nil {
		return modbus.ProtocolDataUnit{}, true, err
	}
	var left atomic.Bool
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		if _, err := r.Peek(1); err != nil && !isTimeout(err) {
			left.Store(true)
			s.unregister(sess)
			cancel()
		}
	}()

	resp, err = s.dispatch(ctx, slaveID, pdu)

	sess.conn.SetReadDeadline(time.Now())
	<-watched
	return resp, left.Load(), err
}

// dispatch runs the handler and turns its error into an exception response.
func (s *Server) dispatch(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	if s.Handler == nil {
		return modbus.NewExceptionPDU(pdu.FunctionCode, modbus.ErrGatewayPathUnavail), errors.New("no handler defined for TCP server")
	}
	resp, err := s.Handler(ctx, slaveID, pdu)
	if err != nil {
		return modbus.NewExceptionPDU(pdu.FunctionCode, ExceptionFor(err)), err
	}
	return resp, nil
}

func (s *Server) logReadError(logger *slog.Logger, err error) {
	var code modbus.Error
	switch {
	case errors.Is(err, io.EOF):
		logger.Info("TCP client disconnected gracefully")
	case errors.As(err, &code):
		s.failures.Add(1)
		logger.Warn("Closing connection on framing error", "err", err)
	case isTimeout(err):
		logger.Info("Closing idle TCP connection", "idle", s.IdleTimeout)
	case errors.Is(err, net.ErrClosed):
	default:
		logger.Error("Failed to read from connection", "err", err)
	}
}

// ExceptionFor maps a request error to the exception code returned to the
// Modbus TCP client.
func ExceptionFor(err error) modbus.Error {
	var code modbus.Error
	if !errors.As(err, &code) {
		return modbus.ErrGatewayTargetNoResp
	}
	switch {
	case code.IsException():
		return code
	case code == modbus.ErrRequestQueueFull:
		return modbus.ErrServerDeviceBusy
	case code == modbus.ErrInvalidServer:
		return modbus.ErrGatewayPathUnavail
	}
	return modbus.ErrGatewayTargetNoResp
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
