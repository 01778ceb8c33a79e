// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package web

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ffutop/modbus-rtu-gw/internal/app"
	"github.com/ffutop/modbus-rtu-gw/internal/config"
	"github.com/ffutop/modbus-rtu-gw/internal/settings"
	"github.com/ffutop/modbus-rtu-gw/internal/settings/store"
	"github.com/ffutop/modbus-rtu-gw/internal/simulator"
)

// newTestServer runs an App on the simulated line, without the TCP bridge.
func newTestServer(t *testing.T) (*Server, *app.App) {
	t.Helper()
	s, err := settings.Load(store.NewMemoryStore())
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		Serial: config.SerialConfig{Device: config.SimulatorDevice, Timeout: time.Second, QueueSize: 8},
		Bridge: config.BridgeConfig{Enabled: false, SlaveIDs: "1-247"},
	}
	a := app.New(cfg, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	select {
	case <-a.Running():
	case <-time.After(2 * time.Second):
		t.Fatal("app did not start")
	}

	srv, err := NewServer(a, filepath.Join(t.TempDir(), "firmware.bin"))
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv, a
}

func do(srv http.Handler, method, target string, form url.Values, auth ...string) *httptest.ResponseRecorder {
	var body *strings.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	} else {
		body = strings.NewReader("")
	}
	req := httptest.NewRequest(method, target, body)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if len(auth) == 2 {
		req.SetBasicAuth(auth[0], auth[1])
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestRoutes(t *testing.T) {
	srv, _ := newTestServer(t)

	tests := []struct {
		method string
		target string
		status int
		body   string
	}{
		{"GET", "/", http.StatusOK, "Network config"},
		{"GET", "/status", http.StatusOK, "RTU Pending Messages"},
		{"POST", "/status", http.StatusOK, "Bridge:</td><td>disabled"},
		{"GET", "/config", http.StatusOK, `name="wp" value="****"`},
		{"GET", "/debug", http.StatusOK, `<option value="3" selected>03 Read Holding Register</option>`},
		{"GET", "/network", http.StatusOK, `name="dhcp" checked`},
		{"GET", "/reboot", http.StatusOK, "Yes, do it!"},
		{"GET", "/update", http.StatusOK, `enctype="multipart/form-data"`},
		{"GET", "/favicon.ico", http.StatusNoContent, ""},
		{"GET", "/missing", http.StatusNotFound, "404"},
		{"POST", "/", http.StatusNotFound, "404"},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.target, func(t *testing.T) {
			rec := do(srv, tt.method, tt.target, nil)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
			if !strings.Contains(rec.Body.String(), tt.body) {
				t.Errorf("body does not contain %q:\n%s", tt.body, rec.Body.String())
			}
		})
	}
}

func TestStyle_ETag(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := do(srv, "GET", "/style.css", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "button.r") {
		t.Fatalf("GET /style.css = %d", rec.Code)
	}
	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("missing ETag")
	}

	req := httptest.NewRequest("GET", "/style.css", nil)
	req.Header.Set("If-None-Match", etag)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotModified || rec.Body.Len() != 0 {
		t.Errorf("conditional GET = %d with %d bytes", rec.Code, rec.Body.Len())
	}
}

func TestAuth(t *testing.T) {
	srv, a := newTestServer(t)
	if err := a.Settings.SetWebPassword("secret"); err != nil {
		t.Fatal(err)
	}

	rec := do(srv, "GET", "/", nil)
	if rec.Code != http.StatusUnauthorized || rec.Header().Get("WWW-Authenticate") == "" {
		t.Errorf("no credentials: %d %q", rec.Code, rec.Header().Get("WWW-Authenticate"))
	}
	if rec := do(srv, "GET", "/", nil, "admin", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong password: %d", rec.Code)
	}
	if rec := do(srv, "GET", "/", nil, "root", "secret"); rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong user: %d", rec.Code)
	}
	if rec := do(srv, "GET", "/", nil, User, "secret"); rec.Code != http.StatusOK {
		t.Errorf("valid credentials: %d", rec.Code)
	}
	if rec := do(srv, "GET", "/style.css", nil); rec.Code != http.StatusOK {
		t.Errorf("style sheet behind auth: %d", rec.Code)
	}
}

func TestConfigPost_PasswordPlaceholder(t *testing.T) {
	srv, a := newTestServer(t)
	if err := a.Settings.SetWebPassword("secret"); err != nil {
		t.Fatal(err)
	}

	rec := do(srv, "POST", "/config", url.Values{"wp": {PasswordPlaceholder}, "tp": {"1502"}}, User, "secret")
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/" {
		t.Fatalf("POST /config = %d %q", rec.Code, rec.Header().Get("Location"))
	}
	if got := a.Settings.WebPassword(); got != "secret" {
		t.Errorf("placeholder overwrote the password with %q", got)
	}
	if got := a.Settings.TCPPort(); got != 1502 {
		t.Errorf("TCPPort = %d", got)
	}

	rec = do(srv, "POST", "/config", url.Values{"wp": {"changed"}}, User, "secret")
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("POST /config = %d", rec.Code)
	}
	if got := a.Settings.WebPassword(); got != "changed" {
		t.Errorf("password = %q, want changed", got)
	}
}

func TestConfigPost_Fields(t *testing.T) {
	srv, a := newTestServer(t)

	form := url.Values{
		"tt": {"3000"}, "mc": {"8"}, "rt": {"750"},
		"mb": {"19200"}, "md": {"7"}, "mp": {"2"}, "ms": {"3"}, "mr": {"4"},
		"sb": {"57600"}, "sd": {"8"}, "sp": {"3"}, "ss": {"1"},
	}
	if rec := do(srv, "POST", "/config", form); rec.Code != http.StatusSeeOther {
		t.Fatalf("POST /config = %d\n%s", rec.Code, rec.Body.String())
	}
	v := a.Settings.Snapshot()
	if v.TCPTimeout != 3*time.Second {
		t.Errorf("TCPTimeout = %v", v.TCPTimeout)
	}
	if v.MaxClients != 8 || v.RTUTimeout != 750*time.Millisecond {
		t.Errorf("MaxClients = %d, RTUTimeout = %v", v.MaxClients, v.RTUTimeout)
	}
	if v.Modbus.BaudRate != 19200 || v.Modbus.Format.String() != "7E2" || v.Modbus.RtsPin != 4 {
		t.Errorf("modbus = %+v (%v)", v.Modbus, v.Modbus.Format)
	}
	if v.Console.BaudRate != 57600 || v.Console.Format.String() != "8O1" {
		t.Errorf("console = %+v (%v)", v.Console, v.Console.Format)
	}

	rec := do(srv, "POST", "/config", url.Values{"md": {"9"}, "tp": {"0"}, "mb": {"38400"}, "mc": {"33"}, "rt": {"0"}})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid POST /config = %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"Error: 0xe7 (Parameter limit error)", "Error: 0xe9 (Illegal ip or port)"} {
		if !strings.Contains(body, want) {
			t.Errorf("body does not contain %q", want)
		}
	}
	if got := a.Settings.ModbusLine(); got.Format.DataBits != 7 || got.BaudRate != 38400 {
		t.Errorf("modbus line after partial update = %+v", got)
	}
	if a.Settings.TCPPort() != 502 {
		t.Errorf("TCPPort = %d", a.Settings.TCPPort())
	}
	if a.Settings.MaxClients() != 8 || a.Settings.RTUTimeout() != 750*time.Millisecond {
		t.Errorf("rejected values stored: MaxClients = %d, RTUTimeout = %v", a.Settings.MaxClients(), a.Settings.RTUTimeout())
	}
}

func TestDebugPost(t *testing.T) {
	srv, a := newTestServer(t)
	a.Simulator().SetRegister(simulator.TableHoldingRegisters, 1, 0x1234)
	a.Simulator().SetBit(simulator.TableCoils, 0, true)

	tests := []struct {
		name string
		form url.Values
		want string
	}{
		{"Holding", url.Values{"slave": {"1"}, "func": {"3"}, "reg": {"1"}, "count": {"1"}}, "Answer: 0x1234"},
		{"Defaults", url.Values{}, "Answer: 0x1234"},
		{"ShortNames", url.Values{"id": {"1"}, "fc": {"3"}, "ad": {"1"}, "cn": {"1"}}, "Answer: 0x1234"},
		{"Coils", url.Values{"func": {"1"}, "reg": {"0"}, "count": {"3"}}, "Answer: 0x01"},
		{"BadAddress", url.Values{"reg": {"65535"}, "count": {"2"}}, "Error: 0x02 (Illegal data address)"},
		{"WriteFunction", url.Values{"func": {"16"}}, "Error: 0x01 (Illegal function)"},
		{"ZeroCount", url.Values{"count": {"0"}}, "Error: 0xe7 (Parameter limit error)"},
		{"NotANumber", url.Values{"slave": {"x"}}, "Error: 0xe7 (Parameter limit error)"},
		{"Broadcast", url.Values{"slave": {"0"}}, "Error: 0xe1 (Invalid server)"},
		{"SlaveOutOfRange", url.Values{"slave": {"248"}}, "Error: 0xe1 (Invalid server)"},
		{"SlaveTooBig", url.Values{"slave": {"256"}}, "Error: 0xe7 (Parameter limit error)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(srv, "POST", "/debug", tt.form)
			if rec.Code != http.StatusOK {
				t.Fatalf("status = %d", rec.Code)
			}
			if !strings.Contains(rec.Body.String(), tt.want) {
				t.Errorf("body does not contain %q:\n%s", tt.want, rec.Body.String())
			}
		})
	}
}

func TestNetworkPost(t *testing.T) {
	srv, a := newTestServer(t)

	rec := do(srv, "POST", "/network", url.Values{"ip": {"10.0.0.2"}, "gw": {"10.0.0.1"}, "sn": {"255.0.0.0"}, "dns": {"10.0.0.1"}})
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("POST /network = %d", rec.Code)
	}
	v := a.Settings.Snapshot()
	if v.UseDHCP {
		t.Error("unchecked dhcp box left DHCP enabled")
	}
	if v.StaticIP != netip.MustParseAddr("10.0.0.2") || v.StaticSubnet != netip.MustParseAddr("255.0.0.0") {
		t.Errorf("static = %v/%v", v.StaticIP, v.StaticSubnet)
	}

	rec = do(srv, "POST", "/network", url.Values{"dhcp": {"on"}, "ip": {"10.0.0.3"}, "gw": {"999.0.0.1"}})
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "Error: 0xe9 (Illegal ip or port)") {
		t.Fatalf("invalid POST /network = %d\n%s", rec.Code, rec.Body.String())
	}
	v = a.Settings.Snapshot()
	if v.UseDHCP || v.StaticIP != netip.MustParseAddr("10.0.0.2") {
		t.Errorf("rejected form changed settings: dhcp %v ip %v", v.UseDHCP, v.StaticIP)
	}
}

func TestRebootPost(t *testing.T) {
	srv, a := newTestServer(t)

	rec := do(srv, "POST", "/reboot", nil)
	if rec.Code != http.StatusSeeOther || rec.Header().Get("Location") != "/" {
		t.Fatalf("POST /reboot = %d %q", rec.Code, rec.Header().Get("Location"))
	}
	deadline := time.Now().Add(3 * time.Second)
	for a.Boots() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("gateway did not restart")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func upload(t *testing.T, srv http.Handler, field string, content []byte) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if field != "" {
		fw, err := mw.CreateFormFile(field, "firmware.bin")
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(content)
	}
	mw.Close()

	req := httptest.NewRequest("POST", "/update", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func TestUpdatePost(t *testing.T) {
	srv, _ := newTestServer(t)
	image := []byte("\x7fELF firmware image")

	rec := upload(t, srv, "file", image)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Update stored") {
		t.Fatalf("upload = %d\n%s", rec.Code, rec.Body.String())
	}
	got, err := os.ReadFile(srv.UpdatePath)
	if err != nil || !bytes.Equal(got, image) {
		t.Errorf("stored image = %q, %v", got, err)
	}

	if rec := upload(t, srv, "firmware", []byte("v2")); rec.Code != http.StatusOK {
		t.Errorf("upload as firmware = %d", rec.Code)
	}

	for _, field := range []string{"file", ""} {
		rec := upload(t, srv, field, nil)
		if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "Error: No content") {
			t.Errorf("empty upload (%q) = %d %q", field, rec.Code, rec.Body.String())
		}
	}
	if got, _ := os.ReadFile(srv.UpdatePath); string(got) != "v2" {
		t.Errorf("empty upload replaced the image: %q", got)
	}

	srv.UpdatePath = filepath.Join(t.TempDir(), "missing", "firmware.bin")
	if rec := upload(t, srv, "file", image); rec.Code != http.StatusInternalServerError {
		t.Errorf("unwritable path = %d", rec.Code)
	}
}
