// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package app holds the running gateway: the RTU line, the Modbus TCP
// bridge and the settings they are built from. It is the context handed
// to the web UI.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ffutop/modbus-rtu-gw/internal/config"
	"github.com/ffutop/modbus-rtu-gw/internal/gateway"
	"github.com/ffutop/modbus-rtu-gw/internal/settings"
	"github.com/ffutop/modbus-rtu-gw/internal/simulator"
	"github.com/ffutop/modbus-rtu-gw/modbus"
	"github.com/ffutop/modbus-rtu-gw/transport"
	"github.com/ffutop/modbus-rtu-gw/transport/rtu"
	"github.com/ffutop/modbus-rtu-gw/transport/tcp"
)

// DebugTimeout bounds a manual request issued from the web UI.
const DebugTimeout = 10 * time.Second

// ErrNotRunning is returned by requests issued while the gateway is
// stopped or rebooting.
var ErrNotRunning = fmt.Errorf("gateway not running: %w", modbus.ErrGatewayPathUnavail)

// App is the application context.
type App struct {
	Config   *config.Config
	Settings *settings.Settings
	Started  time.Time

	// simModel backs the simulated line; it survives reboots.
	simModel *simulator.DataModel

	mu      sync.RWMutex
	client  *rtu.Client
	bridge  *tcp.Server
	gateway *gateway.Gateway
	boots   int
	reboot  chan struct{}
	running chan struct{}
}

// New returns an App; nothing is started before Run.
func New(cfg *config.Config, s *settings.Settings) *App {
	return &App{
		Config:   cfg,
		Settings: s,
		Started:  time.Now(),
		simModel: simulator.NewDataModel(),
		reboot:   make(chan struct{}, 1),
		running:  make(chan struct{}),
	}
}

// Simulator returns the data model answering on the simulated line.
func (a *App) Simulator() *simulator.DataModel {
	return a.simModel
}

// Running is closed once the first start completed.
func (a *App) Running() <-chan struct{} {
	return a.running
}

// Run starts the gateway and serves until ctx is done. A Reboot stops the
// bridge and the RTU line and builds them again from the current settings.
func (a *App) Run(ctx context.Context) error {
	first := true
	for {
		runCtx, cancel := context.WithCancel(ctx)
		done, err := a.start(runCtx)
		if err != nil {
			cancel()
			return err
		}
		if first {
			close(a.running)
			first = false
		}

		select {
		case <-ctx.Done():
			cancel()
			a.stop(done)
			return nil
		case <-a.reboot:
			slog.Info("Rebooting gateway")
			cancel()
			a.stop(done)
		}
	}
}

// Reboot asks Run to restart the gateway. It does not wait for the restart.
func (a *App) Reboot() {
	select {
	case a.reboot <- struct{}{}:
	default:
	}
}

// Boots returns how many times the gateway was started.
func (a *App) Boots() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.boots
}

func (a *App) start(ctx context.Context) (<-chan struct{}, error) {
	v := a.Settings.Snapshot()

	ids, err := gateway.ParseSlaveIDs(a.Config.Bridge.SlaveIDs)
	if err != nil {
		return nil, fmt.Errorf("invalid bridge.slave_ids: %w", err)
	}

	client := a.newClient(v, ids)
	router := gateway.NewRouter()
	if err := router.AttachRange(ids, gateway.AnyFunctionCode, client); err != nil {
		client.Close()
		return nil, err
	}

	var upstreams []transport.Upstream
	var bridge *tcp.Server
	if a.Config.Bridge.Enabled {
		addr := net.JoinHostPort(a.Config.Bridge.Address, strconv.Itoa(int(v.TCPPort)))
		bridge = tcp.NewServer(addr, v.MaxClients, v.TCPTimeout)
		upstreams = append(upstreams, bridge)
	}
	gw := gateway.NewGateway("modbus-rtu-gw", upstreams, router, v.TCPTimeout)

	a.mu.Lock()
	a.client = client
	a.bridge = bridge
	a.gateway = gw
	a.boots++
	a.mu.Unlock()

	slog.Info("Gateway started",
		"device", a.Config.Serial.Device,
		"baudRate", v.Modbus.BaudRate,
		"format", v.Modbus.Format,
		"rtsPin", v.Modbus.RtsPin,
		"bridge", a.Config.Bridge.Enabled,
		"tcpPort", v.TCPPort,
		"maxClients", v.MaxClients)

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := gw.Start(ctx); err != nil {
			slog.Error("Gateway stopped with error", "err", err)
		}
	}()
	return done, nil
}

func (a *App) stop(done <-chan struct{}) {
	<-done

	a.mu.Lock()
	client := a.client
	a.client = nil
	a.bridge = nil
	a.gateway = nil
	a.mu.Unlock()

	if client != nil {
		if err := client.Close(); err != nil {
			slog.Warn("Failed to close RTU line", "err", err)
		}
	}
}

// newClient builds the RTU engine from the bootstrap line settings,
// overridden by the persisted ones.
func (a *App) newClient(v settings.Values, ids []byte) *rtu.Client {
	sc := a.Config.Serial
	sc.BaudRate = v.Modbus.BaudRate
	sc.DataBits = v.Modbus.Format.DataBits
	sc.Parity = v.Modbus.Format.Parity.Letter()
	sc.StopBits = v.Modbus.Format.StopBits.Count()
	sc.Timeout = v.RTUTimeout
	if v.Modbus.RtsPin >= 0 {
		sc.RS485 = true
		sc.RtsHighDuringSend = true
	}

	if sc.Device != config.SimulatorDevice {
		return rtu.NewSerialClient(sc)
	}

	bus := simulator.NewBus(a.simModel, ids)
	return rtu.NewClient(bus.Open, rtu.Options{
		Name:        config.SimulatorDevice,
		BaudRate:    sc.BaudRate,
		Timeout:     sc.Timeout,
		RqstPause:   sc.RqstPause,
		IdleTimeout: sc.IdleTimeout,
		QueueSize:   sc.QueueSize,
	})
}

// Debug issues a single request on the RTU line and waits for its result.
func (a *App) Debug(ctx context.Context, slaveID, functionCode byte, address, count uint16) rtu.Result {
	a.mu.RLock()
	client := a.client
	a.mu.RUnlock()
	if client == nil {
		return rtu.Result{Err: ErrNotRunning}
	}
	// Broadcasts are never answered, so there is nothing to show.
	if slaveID < gateway.MinSlaveID || slaveID > gateway.MaxSlaveID {
		return rtu.Result{Err: fmt.Errorf("app: slave id %d out of range %d-%d: %w", slaveID, gateway.MinSlaveID, gateway.MaxSlaveID, modbus.ErrInvalidServer)}
	}

	ctx, cancel := context.WithTimeout(ctx, DebugTimeout)
	defer cancel()
	res := client.Request(ctx, slaveID, functionCode, address, count)
	if res.Err != nil {
		slog.Info("Debug request failed", "slaveID", slaveID, "func", functionCode, "addr", address, "count", count, "err", res.Err)
	} else {
		slog.Info("Debug request answered", "slaveID", slaveID, "func", functionCode, "addr", address, "count", count, "token", res.Token)
	}
	return res
}

// BridgeAddr returns the address the Modbus TCP bridge listens on, nil when
// it is disabled or not listening yet.
func (a *App) BridgeAddr() net.Addr {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.bridge == nil {
		return nil
	}
	return a.bridge.Addr()
}

// WaitBridge waits until the bridge listens or ctx is done.
func (a *App) WaitBridge(ctx context.Context) (net.Addr, error) {
	for {
		if addr := a.BridgeAddr(); addr != nil {
			return addr, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotRunning, ctx.Err())
		case <-time.After(10 * time.Millisecond):
		}
	}
}
