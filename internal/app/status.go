// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package app

import (
	"log/slog"
	"runtime/debug"
	"time"

	"go.bug.st/serial"

	"github.com/ffutop/modbus-rtu-gw/internal/settings"
	"github.com/ffutop/modbus-rtu-gw/transport/tcp"
)

// Status is a snapshot of the gateway counters shown on the status page.
type Status struct {
	Uptime time.Duration
	Boots  int

	Device      string
	ModbusLine  settings.Line
	RTUMessages uint64
	RTUPending  int
	RTUErrors   uint64

	BridgeEnabled  bool
	BridgeAddress  string
	BridgeMessages uint64
	BridgeClients  int
	BridgeErrors   uint64
	Sessions       []tcp.SessionInfo

	Network settings.Values
	Build   BuildInfo
	Ports   []string
}

// BuildInfo identifies the running binary.
type BuildInfo struct {
	Module    string
	Version   string
	Revision  string
	BuildTime string
	GoVersion string
}

// Status collects the current counters.
func (a *App) Status() Status {
	v := a.Settings.Snapshot()
	st := Status{
		Uptime:        time.Since(a.Started).Truncate(time.Second),
		Device:        a.Config.Serial.Device,
		ModbusLine:    v.Modbus,
		BridgeEnabled: a.Config.Bridge.Enabled,
		Network:       v,
		Build:         ReadBuildInfo(),
		Ports:         SerialPorts(),
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	st.Boots = a.boots
	if a.client != nil {
		st.RTUMessages = a.client.MessageCount()
		st.RTUPending = a.client.PendingRequests()
		st.RTUErrors = a.client.ErrorCount()
	}
	if a.bridge != nil {
		if addr := a.bridge.Addr(); addr != nil {
			st.BridgeAddress = addr.String()
		}
		st.BridgeMessages = a.bridge.MessageCount()
		st.BridgeClients = a.bridge.ActiveClients()
		st.BridgeErrors = a.bridge.ErrorCount()
		st.Sessions = a.bridge.Sessions()
	}
	return st
}

// ReadBuildInfo returns the module version and VCS stamp of the binary.
func ReadBuildInfo() BuildInfo {
	bi := BuildInfo{Version: "(devel)"}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return bi
	}
	bi.Module = info.Main.Path
	bi.GoVersion = info.GoVersion
	if info.Main.Version != "" {
		bi.Version = info.Main.Version
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			bi.Revision = s.Value
		case "vcs.time":
			bi.BuildTime = s.Value
		}
	}
	return bi
}

// SerialPorts lists the serial ports of the host.
func SerialPorts() []string {
	ports, err := serial.GetPortsList()
	if err != nil {
		slog.Debug("Failed to list serial ports", "err", err)
		return nil
	}
	return ports
}
