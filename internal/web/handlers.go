// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package web

import (
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strconv"

	"github.com/ffutop/modbus-rtu-gw/internal/settings"
	"github.com/ffutop/modbus-rtu-gw/modbus"
)

type option struct {
	Value    string
	Label    string
	Selected bool
}

func options(current int, values []int, labels []string) []option {
	out := make([]option, len(values))
	for i, v := range values {
		out[i] = option{Value: strconv.Itoa(v), Label: labels[i], Selected: v == current}
	}
	return out
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "index", "Main", nil)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "status", "Status", s.app.Status())
}

func (s *Server) handleRebootGet(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "reboot", "Really?", nil)
}

func (s *Server) handleRebootPost(w http.ResponseWriter, r *http.Request) {
	slog.Info("Reboot requested from web UI", "remote", r.RemoteAddr)
	redirectHome(w, r)
	s.app.Reboot()
}

func (s *Server) handleFavicon(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStyle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("ETag", s.etag)
	if r.Header.Get("If-None-Match") == s.etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Write(styleCSS)
}

func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Web request not found", "path", r.URL.Path)
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusNotFound)
	w.Write([]byte("404"))
}

// Config

type lineForm struct {
	BaudRate int
	DataBits int
	Parity   []option
	StopBits []option
}

type configPage struct {
	TCPPort     uint16
	TCPTimeout  int64
	MaxClients  int
	MaxMax      int
	RTUTimeout  int64
	Modbus      lineForm
	Console     lineForm
	RtsPin      int
	Placeholder string
	Errors      []modbus.Error
}

func newLineForm(l settings.Line) lineForm {
	return lineForm{
		BaudRate: l.BaudRate,
		DataBits: l.Format.DataBits,
		Parity: options(int(l.Format.Parity),
			[]int{int(settings.ParityNone), int(settings.ParityEven), int(settings.ParityOdd)},
			[]string{"None", "Even", "Odd"}),
		StopBits: options(int(l.Format.StopBits),
			[]int{int(settings.StopBits1), int(settings.StopBits1_5), int(settings.StopBits2)},
			[]string{"1 bit", "1.5 bits", "2 bits"}),
	}
}

func (s *Server) configPage(errs []modbus.Error) configPage {
	v := s.app.Settings.Snapshot()
	return configPage{
		TCPPort:     v.TCPPort,
		TCPTimeout:  v.TCPTimeout.Milliseconds(),
		MaxClients:  v.MaxClients,
		MaxMax:      settings.MaxMaxClients,
		RTUTimeout:  v.RTUTimeout.Milliseconds(),
		Modbus:      newLineForm(v.Modbus),
		Console:     newLineForm(v.Console),
		RtsPin:      v.Modbus.RtsPin,
		Placeholder: PasswordPlaceholder,
		Errors:      errs,
	}
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "config", "Modbus TCP", s.configPage(nil))
}

// handleConfigPost applies every submitted field. Invalid fields are
// reported and skipped, the valid ones are still stored.
func (s *Server) handleConfigPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	st := s.app.Settings

	var errs []modbus.Error
	apply := func(field string, set func(n int) error) {
		raw, ok := r.PostForm[field]
		if !ok || len(raw) == 0 || raw[0] == "" {
			return
		}
		n, err := strconv.Atoi(raw[0])
		if err != nil {
			errs = append(errs, modbus.ErrParameterLimit)
			return
		}
		if err := set(n); err != nil {
			slog.Warn("Rejected setting", "field", field, "value", raw[0], "err", err)
			errs = append(errs, modbus.AsError(err))
		}
	}

	apply("tp", func(n int) error {
		if n < 1 || n > 65535 {
			return modbus.ErrIllegalIPOrPort
		}
		return st.SetTCPPort(uint16(n))
	})
	apply("tt", func(n int) error {
		if n < 1 {
			return modbus.ErrParameterLimit
		}
		return st.SetTCPTimeout(uint32(n))
	})
	apply("mc", st.SetMaxClients)
	apply("rt", func(n int) error {
		if n < 1 {
			return modbus.ErrParameterLimit
		}
		return st.SetRTUTimeout(uint32(n))
	})
	apply("mb", st.SetModbusBaudRate)
	apply("md", st.SetModbusDataBits)
	apply("mp", func(n int) error { return withByte(n, func(b uint8) error { return st.SetModbusParity(settings.Parity(b)) }) })
	apply("ms", func(n int) error { return withByte(n, func(b uint8) error { return st.SetModbusStopBits(settings.StopBits(b)) }) })
	apply("mr", st.SetModbusRtsPin)
	apply("sb", st.SetConsoleBaudRate)
	apply("sd", st.SetConsoleDataBits)
	apply("sp", func(n int) error { return withByte(n, func(b uint8) error { return st.SetConsoleParity(settings.Parity(b)) }) })
	apply("ss", func(n int) error { return withByte(n, func(b uint8) error { return st.SetConsoleStopBits(settings.StopBits(b)) }) })

	if wp, ok := r.PostForm["wp"]; ok && len(wp) > 0 && wp[0] != PasswordPlaceholder && wp[0] != "" {
		if err := st.SetWebPassword(wp[0]); err != nil {
			errs = append(errs, modbus.AsError(err))
		}
	}

	if len(errs) > 0 {
		s.render(w, http.StatusBadRequest, "config", "Modbus TCP", s.configPage(errs))
		return
	}
	redirectHome(w, r)
}

func withByte(n int, set func(uint8) error) error {
	if n < 0 || n > 255 {
		return modbus.ErrParameterLimit
	}
	return set(uint8(n))
}

// Debug

type debugPage struct {
	Slave     string
	Function  string
	Register  string
	Count     string
	Functions []option

	Sent   bool
	Answer string
	Err    modbus.Error
}

func newDebugPage(slave, function, register, count string) debugPage {
	fc, _ := strconv.Atoi(function)
	return debugPage{
		Slave:    slave,
		Function: function,
		Register: register,
		Count:    count,
		Functions: options(fc, []int{1, 2, 3, 4}, []string{
			"01 Read Coils",
			"02 Read Discrete Inputs",
			"03 Read Holding Register",
			"04 Read Input Register",
		}),
	}
}

func (s *Server) handleDebugGet(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "debug", "Debug", newDebugPage("1", "3", "1", "1"))
}

// formValue returns the first non-empty of the given fields, or def.
func formValue(r *http.Request, def string, fields ...string) string {
	for _, f := range fields {
		if v := r.PostFormValue(f); v != "" {
			return v
		}
	}
	return def
}

func (s *Server) handleDebugPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	p := newDebugPage(
		formValue(r, "1", "slave", "id"),
		formValue(r, "3", "func", "fc"),
		formValue(r, "1", "reg", "ad"),
		formValue(r, "1", "count", "cn"),
	)
	p.Sent = true

	slave, err1 := strconv.ParseUint(p.Slave, 10, 8)
	fc, err2 := strconv.ParseUint(p.Function, 10, 8)
	reg, err3 := strconv.ParseUint(p.Register, 10, 16)
	count, err4 := strconv.ParseUint(p.Count, 10, 16)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		p.Err = modbus.ErrParameterLimit
		s.render(w, http.StatusOK, "debug", "Debug", p)
		return
	}

	res := s.app.Debug(r.Context(), byte(slave), byte(fc), uint16(reg), uint16(count))
	if res.Err != nil {
		p.Err = res.Code()
	} else {
		p.Answer = hex.EncodeToString(res.PDU.Payload())
	}
	s.render(w, http.StatusOK, "debug", "Debug", p)
}

// Network

type netInterface struct {
	Name  string
	Addrs []string
}

type networkPage struct {
	settings.Values
	Interfaces []netInterface
	Err        modbus.Error
}

func (s *Server) networkPage(errCode modbus.Error) networkPage {
	return networkPage{
		Values:     s.app.Settings.Snapshot(),
		Interfaces: interfaces(),
		Err:        errCode,
	}
}

func interfaces() []netInterface {
	ifaces, err := net.Interfaces()
	if err != nil {
		slog.Debug("Failed to list interfaces", "err", err)
		return nil
	}
	var out []netInterface
	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagLoopback != 0 {
			continue
		}
		ni := netInterface{Name: ifi.Name}
		if addrs, err := ifi.Addrs(); err == nil {
			for _, a := range addrs {
				ni.Addrs = append(ni.Addrs, a.String())
			}
		}
		out = append(out, ni)
	}
	return out
}

func (s *Server) handleNetworkGet(w http.ResponseWriter, r *http.Request) {
	s.render(w, http.StatusOK, "network", "Network Config", s.networkPage(modbus.Success))
}

// handleNetworkPost stores the network settings. All addresses are
// validated before anything is written.
func (s *Server) handleNetworkPost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	st := s.app.Settings

	type field struct {
		value string
		set   func(string) error
	}
	fields := []field{
		{r.PostFormValue("ip"), st.SetStaticIP},
		{r.PostFormValue("gw"), st.SetStaticGateway},
		{r.PostFormValue("sn"), st.SetStaticSubnet},
		{r.PostFormValue("dns"), st.SetStaticDNS},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if _, err := settings.ParseIPv4(f.value); err != nil {
			slog.Warn("Rejected network settings", "value", f.value, "err", err)
			s.render(w, http.StatusBadRequest, "network", "Network Config", s.networkPage(modbus.ErrIllegalIPOrPort))
			return
		}
	}

	var failed error
	if err := st.SetUseDHCP(r.PostFormValue("dhcp") != ""); err != nil {
		failed = err
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if err := f.set(f.value); err != nil {
			failed = err
		}
	}
	if failed != nil {
		slog.Error("Failed to store network settings", "err", failed)
		s.render(w, http.StatusInternalServerError, "network", "Network Config", s.networkPage(modbus.AsError(failed)))
		return
	}
	redirectHome(w, r)
}
