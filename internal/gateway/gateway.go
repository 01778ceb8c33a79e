// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ffutop/modbus-rtu-gw/modbus"
	"github.com/ffutop/modbus-rtu-gw/transport"
)

// Gateway bridges its upstreams (Modbus TCP masters) to the slaves of the
// routing table.
type Gateway struct {
	Name      string
	Upstreams []transport.Upstream
	Router    *Router

	// Timeout bounds a request from dispatch to response, queueing included.
	Timeout time.Duration
}

// NewGateway creates a new Gateway instance
func NewGateway(name string, upstreams []transport.Upstream, router *Router, timeout time.Duration) *Gateway {
	return &Gateway{
		Name:      name,
		Upstreams: upstreams,
		Router:    router,
		Timeout:   timeout,
	}
}

// Start starts all upstream servers and blocks until ctx is done.
func (g *Gateway) Start(ctx context.Context) error {
	downstreams := g.Router.Downstreams()
	for _, ds := range downstreams {
		if err := ds.Connect(ctx); err != nil {
			// The line is reopened on the next request.
			slog.Warn("Failed to connect downstream", "gateway", g.Name, "err", err)
		}
	}

	var wg sync.WaitGroup
	for i, us := range g.Upstreams {
		wg.Add(1)
		go func(ups transport.Upstream, idx int) {
			defer wg.Done()
			slog.Info("Starting upstream", "gateway", g.Name, "index", idx)
			if err := ups.Start(ctx, g.HandleRequest); err != nil {
				slog.Error("Upstream stopped with error", "gateway", g.Name, "index", idx, "err", err)
			}
		}(us, i)
	}

	<-ctx.Done()

	for _, us := range g.Upstreams {
		us.Close()
	}
	wg.Wait()
	return nil
}

// HandleRequest is the central dispatch function.
func (g *Gateway) HandleRequest(ctx context.Context, slaveID byte, pdu modbus.ProtocolDataUnit) (modbus.ProtocolDataUnit, error) {
	route, err := g.Router.Resolve(slaveID, pdu.FunctionCode)
	if err != nil {
		slog.Warn("Request not routed", "gateway", g.Name, "slaveID", slaveID, "func", pdu.FunctionCode, "err", err)
		return modbus.ProtocolDataUnit{}, err
	}

	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	respPdu, err := route.Downstream.Send(ctx, route.SlaveID, pdu)
	if err != nil {
		slog.Debug("Downstream request failed", "gateway", g.Name, "slaveID", route.SlaveID, "func", pdu.FunctionCode, "err", err)
		return modbus.ProtocolDataUnit{}, err
	}
	return respPdu, nil
}
