// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package settings holds the runtime configuration an operator changes
// through the web UI. Values are loaded once from a store.Store and every
// setter writes through to the store, only when the value actually changes.
package settings

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/ffutop/modbus-rtu-gw/internal/settings/store"
	"github.com/ffutop/modbus-rtu-gw/modbus"
)

// Store keys. They form the persisted layout and must not change.
const (
	KeyTCPPort        = "tcpPort"
	KeyTCPTimeout     = "tcpTimeout"
	KeyModbusBaudRate = "modbusBaudRate"
	KeyModbusConfig   = "modbusConfig"
	KeyModbusRtsPin   = "modbusRtsPin"
	KeySerialBaudRate = "serialBaudRate"
	KeySerialConfig   = "serialConfig"
	KeyWebPassword    = "webPassword"
	KeyUseDHCP        = "useDhcp"
	KeyStaticIP       = "staticIp"
	KeyStaticGateway  = "staticGw"
	KeyStaticSubnet   = "staticSn"
	KeyStaticDNS      = "staticDns"
	KeyMaxClients     = "maxClients"
	KeyRTUTimeout     = "rtuTimeout"
)

const (
	MaxMaxClients = 32
	MinRtsPin     = -1
	MaxRtsPin     = 127
)

// Line describes one serial line: the Modbus RTU line or the debug console.
type Line struct {
	BaudRate int
	Format   SerialFormat
	RtsPin   int // -1 when the transceiver direction is not driven by RTS
}

// Values is a consistent snapshot of all settings.
type Values struct {
	TCPPort     uint16
	TCPTimeout  time.Duration
	Modbus      Line
	Console     Line
	WebPassword string

	UseDHCP       bool
	StaticIP      netip.Addr
	StaticGateway netip.Addr
	StaticSubnet  netip.Addr
	StaticDNS     netip.Addr

	MaxClients int
	RTUTimeout time.Duration
}

// Settings is safe for concurrent use.
type Settings struct {
	store store.Store

	mu             sync.RWMutex
	tcpPort        uint16
	tcpTimeout     uint32 // ms
	modbusBaudRate uint32
	modbusConfig   uint32
	modbusRtsPin   int
	serialBaudRate uint32
	serialConfig   uint32
	webPassword    string
	useDHCP        bool
	staticIP       string
	staticGateway  string
	staticSubnet   string
	staticDNS      string
	maxClients     int
	rtuTimeout     uint32 // ms
}

func defaults(st store.Store) *Settings {
	return &Settings{
		store:          st,
		tcpPort:        502,
		tcpTimeout:     10000,
		modbusBaudRate: 9600,
		modbusConfig:   DefaultSerialConfig,
		modbusRtsPin:   -1,
		serialBaudRate: 115200,
		serialConfig:   DefaultSerialConfig,
		webPassword:    "",
		useDHCP:        true,
		staticIP:       "192.168.1.177",
		staticGateway:  "192.168.1.1",
		staticSubnet:   "255.255.255.0",
		staticDNS:      "192.168.1.1",
		maxClients:     4,
		rtuTimeout:     5000,
	}
}

// Load reads every setting from st, falling back to the default of keys
// never written. Values that cannot be parsed are logged and replaced by
// their default.
func Load(st store.Store) (*Settings, error) {
	s := defaults(st)

	var err error
	load(st, KeyTCPPort, &s.tcpPort, &err)
	load(st, KeyTCPTimeout, &s.tcpTimeout, &err)
	load(st, KeyModbusBaudRate, &s.modbusBaudRate, &err)
	load(st, KeyModbusConfig, &s.modbusConfig, &err)
	load(st, KeyModbusRtsPin, &s.modbusRtsPin, &err)
	load(st, KeySerialBaudRate, &s.serialBaudRate, &err)
	load(st, KeySerialConfig, &s.serialConfig, &err)
	load(st, KeyWebPassword, &s.webPassword, &err)
	load(st, KeyUseDHCP, &s.useDHCP, &err)
	load(st, KeyStaticIP, &s.staticIP, &err)
	load(st, KeyStaticGateway, &s.staticGateway, &err)
	load(st, KeyStaticSubnet, &s.staticSubnet, &err)
	load(st, KeyStaticDNS, &s.staticDNS, &err)
	load(st, KeyMaxClients, &s.maxClients, &err)
	load(st, KeyRTUTimeout, &s.rtuTimeout, &err)
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	return s, nil
}

func load[T store.Value](st store.Store, key string, field *T, errs *error) {
	v, err := store.Get(st, key, *field)
	if errors.Is(err, store.ErrInvalidValue) {
		slog.Warn("Ignoring invalid setting", "key", key, "default", *field, "err", err)
		return
	}
	if err != nil {
		*errs = errors.Join(*errs, err)
		return
	}
	*field = v
}

// put writes v through to the store if it differs from *field. The caller
// holds s.mu.
func put[T store.Value](s *Settings, key string, field *T, v T) error {
	if *field == v {
		return nil
	}
	if err := store.Put(s.store, key, v); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}
	*field = v
	slog.Debug("Setting changed", "key", key)
	return nil
}

func set[T store.Value](s *Settings, key string, field *T, v T) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s, key, field, v)
}

func limitError(what string, v any) error {
	return fmt.Errorf("settings: invalid %s %v: %w", what, v, modbus.ErrParameterLimit)
}

// Snapshot returns all settings at once.
func (s *Settings) Snapshot() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Values{
		TCPPort:    s.tcpPort,
		TCPTimeout: time.Duration(s.tcpTimeout) * time.Millisecond,
		Modbus: Line{
			BaudRate: int(s.modbusBaudRate),
			Format:   UnpackSerialFormat(s.modbusConfig),
			RtsPin:   s.modbusRtsPin,
		},
		Console: Line{
			BaudRate: int(s.serialBaudRate),
			Format:   UnpackSerialFormat(s.serialConfig),
			RtsPin:   -1,
		},
		WebPassword:   s.webPassword,
		UseDHCP:       s.useDHCP,
		StaticIP:      parseAddr(s.staticIP),
		StaticGateway: parseAddr(s.staticGateway),
		StaticSubnet:  parseAddr(s.staticSubnet),
		StaticDNS:     parseAddr(s.staticDNS),
		MaxClients:    s.maxClients,
		RTUTimeout:    time.Duration(s.rtuTimeout) * time.Millisecond,
	}
}

func parseAddr(s string) netip.Addr {
	a, _ := netip.ParseAddr(s)
	return a
}

// TCPPort returns the Modbus TCP listen port.
func (s *Settings) TCPPort() uint16 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tcpPort
}

// SetTCPPort changes the Modbus TCP listen port. Port 0 is rejected with
// modbus.ErrIllegalIPOrPort.
func (s *Settings) SetTCPPort(port uint16) error {
	if port == 0 {
		return fmt.Errorf("settings: invalid tcp port 0: %w", modbus.ErrIllegalIPOrPort)
	}
	return set(s, KeyTCPPort, &s.tcpPort, port)
}

// TCPTimeout returns the idle timeout of Modbus TCP connections.
func (s *Settings) TCPTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.tcpTimeout) * time.Millisecond
}

// SetTCPTimeout changes the idle timeout of Modbus TCP connections, in ms.
func (s *Settings) SetTCPTimeout(ms uint32) error {
	if ms == 0 {
		return limitError("tcp timeout", ms)
	}
	return set(s, KeyTCPTimeout, &s.tcpTimeout, ms)
}

// RTUTimeout returns how long the RTU engine waits for a slave's answer.
func (s *Settings) RTUTimeout() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return time.Duration(s.rtuTimeout) * time.Millisecond
}

// SetRTUTimeout changes the RTU response timeout, in ms.
func (s *Settings) SetRTUTimeout(ms uint32) error {
	if ms == 0 {
		return limitError("rtu timeout", ms)
	}
	return set(s, KeyRTUTimeout, &s.rtuTimeout, ms)
}

// MaxClients returns the maximum number of concurrent Modbus TCP connections.
func (s *Settings) MaxClients() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.maxClients
}

func (s *Settings) SetMaxClients(n int) error {
	if n < 1 || n > MaxMaxClients {
		return limitError("max clients", n)
	}
	return set(s, KeyMaxClients, &s.maxClients, n)
}

// ModbusLine returns the parameters of the RTU serial line.
func (s *Settings) ModbusLine() Line {
	return s.Snapshot().Modbus
}

// ConsoleLine returns the parameters of the debug serial console.
func (s *Settings) ConsoleLine() Line {
	return s.Snapshot().Console
}

func (s *Settings) SetModbusBaudRate(baud int) error {
	return s.setBaudRate(KeyModbusBaudRate, &s.modbusBaudRate, baud)
}

func (s *Settings) SetConsoleBaudRate(baud int) error {
	return s.setBaudRate(KeySerialBaudRate, &s.serialBaudRate, baud)
}

func (s *Settings) setBaudRate(key string, field *uint32, baud int) error {
	if baud <= 0 || baud > 4000000 {
		return limitError("baud rate", baud)
	}
	return set(s, key, field, uint32(baud))
}

// ModbusDataBits returns the data bits of the RTU line.
func (s *Settings) ModbusDataBits() int {
	return s.ModbusLine().Format.DataBits
}

// SetModbusDataBits changes the data bits of the RTU line, 5 to 8.
func (s *Settings) SetModbusDataBits(n int) error {
	if err := validateDataBits(n); err != nil {
		return err
	}
	return s.editFormat(KeyModbusConfig, &s.modbusConfig, func(f *SerialFormat) { f.DataBits = n })
}

func (s *Settings) SetModbusParity(p Parity) error {
	if !p.valid() {
		return limitError("parity", int(p))
	}
	return s.editFormat(KeyModbusConfig, &s.modbusConfig, func(f *SerialFormat) { f.Parity = p })
}

func (s *Settings) SetModbusStopBits(sb StopBits) error {
	if !sb.valid() {
		return limitError("stop bits", int(sb))
	}
	return s.editFormat(KeyModbusConfig, &s.modbusConfig, func(f *SerialFormat) { f.StopBits = sb })
}

// SetModbusRtsPin selects the RTS line driving an RS-485 transceiver, -1 for none.
func (s *Settings) SetModbusRtsPin(pin int) error {
	if pin < MinRtsPin || pin > MaxRtsPin {
		return limitError("rts pin", pin)
	}
	return set(s, KeyModbusRtsPin, &s.modbusRtsPin, pin)
}

func (s *Settings) SetConsoleDataBits(n int) error {
	if err := validateDataBits(n); err != nil {
		return err
	}
	return s.editFormat(KeySerialConfig, &s.serialConfig, func(f *SerialFormat) { f.DataBits = n })
}

func (s *Settings) SetConsoleParity(p Parity) error {
	if !p.valid() {
		return limitError("parity", int(p))
	}
	return s.editFormat(KeySerialConfig, &s.serialConfig, func(f *SerialFormat) { f.Parity = p })
}

func (s *Settings) SetConsoleStopBits(sb StopBits) error {
	if !sb.valid() {
		return limitError("stop bits", int(sb))
	}
	return s.editFormat(KeySerialConfig, &s.serialConfig, func(f *SerialFormat) { f.StopBits = sb })
}

// editFormat applies edit to the format packed in *word and writes the
// word back if it changed.
func (s *Settings) editFormat(key string, word *uint32, edit func(*SerialFormat)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f := UnpackSerialFormat(*word)
	edit(&f)
	return put(s, key, word, f.Pack(*word))
}

// WebPassword returns the password protecting the web UI, empty for none.
func (s *Settings) WebPassword() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.webPassword
}

func (s *Settings) SetWebPassword(password string) error {
	return set(s, KeyWebPassword, &s.webPassword, password)
}

func (s *Settings) UseDHCP() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.useDHCP
}

func (s *Settings) SetUseDHCP(on bool) error {
	return set(s, KeyUseDHCP, &s.useDHCP, on)
}

// SetStaticIP and the other static network setters accept a dotted IPv4
// address and reject anything else with modbus.ErrIllegalIPOrPort.
func (s *Settings) SetStaticIP(addr string) error {
	return s.setAddr(KeyStaticIP, &s.staticIP, addr)
}

func (s *Settings) SetStaticGateway(addr string) error {
	return s.setAddr(KeyStaticGateway, &s.staticGateway, addr)
}

func (s *Settings) SetStaticSubnet(addr string) error {
	return s.setAddr(KeyStaticSubnet, &s.staticSubnet, addr)
}

func (s *Settings) SetStaticDNS(addr string) error {
	return s.setAddr(KeyStaticDNS, &s.staticDNS, addr)
}

func (s *Settings) setAddr(key string, field *string, addr string) error {
	a, err := ParseIPv4(addr)
	if err != nil {
		return err
	}
	return set(s, key, field, a.String())
}

// ParseIPv4 parses a dotted IPv4 address.
func ParseIPv4(addr string) (netip.Addr, error) {
	a, err := netip.ParseAddr(addr)
	if err != nil || !a.Is4() {
		return netip.Addr{}, fmt.Errorf("settings: invalid address %q: %w", addr, modbus.ErrIllegalIPOrPort)
	}
	return a, nil
}
