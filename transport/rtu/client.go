// Copyright (c) 2014 Quoc-Viet Nguyen. All rights reserved.
// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package rtu

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/grid-x/serial"

	"github.com/ffutop/modbus-rtu-gw/internal/config"
	"github.com/ffutop/modbus-rtu-gw/modbus"
	rtupacket "github.com/ffutop/modbus-rtu-gw/modbus/rtu"
)

const defaultQueueSize = 32

// ErrClientClosed is returned for requests that were still queued when the
// client was closed.
var ErrClientClosed = fmt.Errorf("modbus: rtu client closed: %w", modbus.ErrGatewayPathUnavail)

// Result is the outcome of one RTU request. Err is nil on success, otherwise
// it wraps a modbus.Error. For exception responses PDU holds the exception.
type Result struct {
	Token uint32
	Err   error
	PDU   modbus.ProtocolDataUnit
}

// Code returns the result as a modbus.Error (Success when Err is nil).
func (r Result) Code() modbus.Error {
	return modbus.AsError(r.Err)
}

// Options tunes a Client.
type Options struct {
	Name        string
	BaudRate    int           // Used for inter-frame delays
	Timeout     time.Duration // Response timeout, measured from transmission
	RqstPause   time.Duration // Pause between requests
	IdleTimeout time.Duration // Close the line after this long without traffic
	QueueSize   int
}

type request struct {
	token   uint32
	slaveID byte
	pdu     modbus.ProtocolDataUnit

	// ctx and reply are set for synchronous requests only.
	ctx   context.Context
	reply chan Result
}

// Client is a Modbus RTU master. A single worker goroutine owns the line and
// processes a bounded FIFO queue of requests, so exactly one request is on
// the wire at any time. It implements transport.Downstream.
type Client struct {
	serialPort

	BaudRate  int
	Timeout   time.Duration
	RqstPause time.Duration

	queue    chan *request
	quit     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	token    atomic.Uint32
	messages atomic.Uint64
	failures atomic.Uint64
	pending  atomic.Int64

	handlerMu sync.RWMutex
	onResult  func(Result)

	lastFrame time.Time

	// staleUntil is set after a timeout: a late answer may still arrive
	// until then and must not be taken for the next request's.
	staleUntil time.Time
}

// NewClient allocates a Client talking over the line returned by open and
// starts its worker.
func NewClient(open Opener, opts Options) *Client {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = serialTimeout
	}
	if opts.IdleTimeout == 0 {
		opts.IdleTimeout = serialIdleTimeout
	}

	client := &Client{
		BaudRate:  opts.BaudRate,
		Timeout:   opts.Timeout,
		RqstPause: opts.RqstPause,
		queue:     make(chan *request, opts.QueueSize),
		quit:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	client.serialPort.Name = opts.Name
	client.serialPort.IdleTimeout = opts.IdleTimeout
	client.serialPort.open = open

	go client.run()
	return client
}

// NewSerialClient allocates a Client for the line described by cfg. Devices
// of the form "tcp://host:port" are reached through a serial device server.
func NewSerialClient(cfg config.SerialConfig) *Client {
	opts := Options{
		Name:        cfg.Device,
		BaudRate:    cfg.BaudRate,
		Timeout:     cfg.Timeout,
		RqstPause:   cfg.RqstPause,
		IdleTimeout: cfg.IdleTimeout,
		QueueSize:   cfg.QueueSize,
	}

	if addr, ok := strings.CutPrefix(cfg.Device, "tcp://"); ok {
		return NewClient(TCPOpener(addr), opts)
	}

	sc := serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		StopBits: cfg.StopBits,
		Parity:   cfg.Parity,
	}
	if cfg.RS485 {
		sc.RS485.Enabled = true
		sc.RS485.DelayRtsBeforeSend = cfg.DelayRtsBeforeSend
		sc.RS485.DelayRtsAfterSend = cfg.DelayRtsAfterSend
		sc.RS485.RtsHighDuringSend = cfg.RtsHighDuringSend
		sc.RS485.RtsHighAfterSend = cfg.RtsHighAfterSend
		sc.RS485.RxDuringTx = cfg.RxDuringTx
	}
	return NewClient(SerialOpener(sc), opts)
}

// OnResult registers the handler receiving the results of Submit and SubmitPDU.
// It is called from the worker goroutine and must not block.
func (mb *Client) OnResult(handler func(Result)) {
	mb.handlerMu.Lock()
	defer mb.handlerMu.Unlock()
	mb.onResult = handler
}

// NextToken returns a fresh correlation token.
func (mb *Client) NextToken() uint32 {
	return mb.token.Add(1)
}

// Submit queues a read request (function codes 0x01-0x04). It returns
// modbus.ErrRequestQueueFull when the queue is full; otherwise the result is
// delivered to the OnResult handler exactly once.
func (mb *Client) Submit(token uint32, slaveID, functionCode byte, address, count uint16) error {
	pdu, err := modbus.NewReadRequest(functionCode, address, count)
	if err != nil {
		return err
	}
	return mb.SubmitPDU(token, slaveID, pdu)
}

// SubmitPDU queues a request carrying any PDU.
func (mb *Client) SubmitPDU(token uint32, slaveID byte, pdu modbus.ProtocolDataUnit) error {
	return mb.enqueue(&request{token: token, slaveID: slaveID, pdu: pdu})
}

// Request performs a read request and waits for its result.
func (mb *Client) Request(ctx context.Context, slaveID, functionCode byte, address, count uint16) Result {
	token := mb.NextToken()
	pdu, err := modbus.NewReadRequest(functionCode, address, count)
	if err != nil {
		return Result{Token: token, Err: err}
	}
	return mb.do(ctx, token, slaveID, pdu)
}

// Send sends a PDU to the slave and waits for the response. Exception
// responses are returned as PDU, not as error.
func (mb *Client) Send(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	res := mb.do(ctx, mb.NextToken(), slaveID, pdu)
	if res.Err != nil && !res.PDU.IsException() {
		return modbus.ProtocolDataUnit{}, res.Err
	}
	return res.PDU, nil
}

func (mb *Client) do(ctx context.Context, token uint32, slaveID byte, pdu modbus.ProtocolDataUnit) Result {
	req := &request{
		token:   token,
		slaveID: slaveID,
		pdu:     pdu,
		ctx:     ctx,
		reply:   make(chan Result, 1),
	}
	if err := mb.enqueue(req); err != nil {
		return Result{Token: token, Err: err}
	}

	select {
	case res := <-req.reply:
		return res
	case <-ctx.Done():
		// A request already on the wire finishes; its result lands in the
		// buffered reply channel and is dropped with it.
		return Result{Token: token, Err: fmt.Errorf("modbus: waiting for slave %d: %v: %w", slaveID, ctx.Err(), modbus.ErrTimeout)}
	}
}

func (mb *Client) enqueue(req *request) error {
	select {
	case <-mb.quit:
		return ErrClientClosed
	default:
	}

	mb.pending.Add(1)
	select {
	case mb.queue <- req:
		return nil
	default:
		mb.pending.Add(-1)
		mb.failures.Add(1)
		return fmt.Errorf("modbus: %d requests pending: %w", cap(mb.queue), modbus.ErrRequestQueueFull)
	}
}

// MessageCount returns the number of requests processed.
func (mb *Client) MessageCount() uint64 { return mb.messages.Load() }

// ErrorCount returns the number of requests that failed or were rejected.
func (mb *Client) ErrorCount() uint64 { return mb.failures.Load() }

// PendingRequests returns the number of queued and in-flight requests.
func (mb *Client) PendingRequests() int { return int(mb.pending.Load()) }

// Close stops the worker, fails queued requests and closes the line.
func (mb *Client) Close() error {
	mb.stopOnce.Do(func() { close(mb.quit) })
	<-mb.done
	return mb.serialPort.Close()
}

func (mb *Client) run() {
	defer close(mb.done)
	for {
		select {
		case <-mb.quit:
			mb.failQueued()
			return
		case req := <-mb.queue:
			mb.process(req)
		}
	}
}

func (mb *Client) failQueued() {
	for {
		select {
		case req := <-mb.queue:
			mb.pending.Add(-1)
			mb.deliver(req, Result{Token: req.token, Err: ErrClientClosed})
		default:
			return
		}
	}
}

func (mb *Client) process(req *request) {
	if req.ctx != nil && req.ctx.Err() != nil {
		mb.pending.Add(-1)
		slog.Debug("modbus: dropping request of departed caller", "token", req.token, "slaveID", req.slaveID)
		return
	}

	res := mb.transact(req)
	res.Token = req.token
	mb.messages.Add(1)
	if res.Err != nil {
		mb.failures.Add(1)
		slog.Debug("modbus: request failed", "token", req.token, "slaveID", req.slaveID, "fc", req.pdu.FunctionCode, "err", res.Err)
	}
	mb.pending.Add(-1)
	mb.deliver(req, res)

	if mb.RqstPause > 0 {
		select {
		case <-time.After(mb.RqstPause):
		case <-mb.quit:
		}
	}
}

func (mb *Client) deliver(req *request, res Result) {
	if req.reply != nil {
		req.reply <- res
		return
	}
	mb.handlerMu.RLock()
	handler := mb.onResult
	mb.handlerMu.RUnlock()
	if handler != nil {
		handler(res)
	}
}

// transact performs one request/response exchange on the line.
func (mb *Client) transact(req *request) Result {
	adu := &rtupacket.ApplicationDataUnit{SlaveID: req.slaveID, Pdu: req.pdu}
	aduRequest, err := adu.Encode()
	if err != nil {
		return Result{Err: err}
	}

	mb.mu.Lock()
	defer mb.mu.Unlock()

	ctx := req.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	if err = mb.connect(ctx); err != nil {
		return Result{Err: fmt.Errorf("modbus: %v: %w", err, modbus.ErrTimeout)}
	}
	mb.touch()

	// Keep the bus silent for 3.5 characters between frames.
	if wait := frameDelay(mb.BaudRate) - time.Since(mb.lastFrame); wait > 0 {
		time.Sleep(wait)
	}

	mb.discardInput()

	slog.Debug("send to modbus slave", "request", hex.EncodeToString(aduRequest))
	if _, err = mb.port.Write(aduRequest); err != nil {
		mb.close()
		return Result{Err: fmt.Errorf("modbus: write to %s: %v: %w", mb.Name, err, modbus.ErrTimeout)}
	}
	sent := time.Now()
	defer func() { mb.lastFrame = time.Now() }()

	// Broadcasts are not answered.
	if req.slaveID == 0 {
		time.Sleep(mb.calculateDelay(len(aduRequest)))
		return Result{}
	}

	deadline := sent.Add(mb.Timeout)
	time.Sleep(mb.calculateDelay(len(aduRequest)))

	data, err := rtupacket.ReadResponse(req.slaveID, req.pdu.FunctionCode, mb.port, deadline)
	mb.touch()
	if err != nil {
		var code modbus.Error
		if errors.Is(err, rtupacket.ErrRequestTimedOut) {
			mb.staleUntil = time.Now().Add(mb.Timeout)
		}
		if !errors.As(err, &code) {
			// The line itself failed; reopen it on the next request.
			mb.close()
			err = fmt.Errorf("modbus: read from %s: %v: %w", mb.Name, err, modbus.ErrTimeout)
		}
		return Result{Err: err}
	}
	slog.Debug("recv from modbus slave", "response", hex.EncodeToString(data))

	resp, err := rtupacket.Decode(data)
	if err != nil {
		return Result{Err: err}
	}
	if err = adu.Verify(resp); err != nil {
		return Result{Err: err}
	}
	if resp.Pdu.IsException() {
		return Result{Err: resp.Pdu.Exception(), PDU: resp.Pdu}
	}
	return Result{PDU: resp.Pdu}
}

// discardInput drops bytes left on the line until it is silent, and after a
// timeout until staleUntil has passed. Caller must hold the mutex.
func (mb *Client) discardInput() {
	var buf [rtupacket.MaxSize]byte
	until := mb.staleUntil
	mb.staleUntil = time.Time{}
	limit := time.Now().Add(mb.Timeout)
	if until.After(limit) {
		limit = until
	}

	dropped := 0
	for time.Now().Before(limit) {
		n, err := mb.port.Read(buf[:])
		dropped += n
		if err != nil && !isTimeout(err) {
			break
		}
		if n == 0 && !time.Now().Before(until) {
			break
		}
	}
	if dropped > 0 {
		slog.Debug("modbus: discarded stale input", "line", mb.Name, "bytes", dropped)
	}
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return errors.As(err, &t) && t.Timeout()
}

// frameDelay is the 3.5 character silence separating frames.
func frameDelay(baudRate int) time.Duration {
	if baudRate <= 0 || baudRate > 19200 {
		return 1750 * time.Microsecond
	}
	return time.Duration(35000000/baudRate) * time.Microsecond
}

// calculateDelay calculates the time needed to transmit chars characters.
func (mb *Client) calculateDelay(chars int) time.Duration {
	var characterDelay int

	if mb.BaudRate <= 0 || mb.BaudRate > 19200 {
		characterDelay = 750
	} else {
		characterDelay = 15000000 / mb.BaudRate
	}
	return time.Duration(characterDelay*chars) * time.Microsecond
}
