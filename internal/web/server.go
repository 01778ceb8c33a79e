// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package web serves the HTTP control plane: status counters, settings,
// a manual debug request, reboot and firmware upload.
package web

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ffutop/modbus-rtu-gw/internal/app"
	"github.com/ffutop/modbus-rtu-gw/modbus"
)

// User is the basic auth user name; the password is the webPassword setting.
const User = "admin"

// PasswordPlaceholder is shown in place of the stored password. Submitting
// it back leaves the password unchanged.
const PasswordPlaceholder = "****"

const shutdownTimeout = 5 * time.Second

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/style.css
var styleCSS []byte

var pageNames = []string{"index", "status", "config", "debug", "network", "reboot", "update"}

var funcs = template.FuncMap{
	"code":    func(e modbus.Error) uint8 { return uint8(e) },
	"seconds": func(d time.Duration) int64 { return int64(d / time.Second) },
}

// Server is the web UI of one App.
type Server struct {
	app *app.App

	// UpdatePath is where uploaded firmware images are stored.
	UpdatePath string

	pages map[string]*template.Template
	etag  string
	mux   *http.ServeMux
}

// NewServer prepares the handlers for a.
func NewServer(a *app.App, updatePath string) (*Server, error) {
	s := &Server{
		app:        a,
		UpdatePath: updatePath,
		pages:      make(map[string]*template.Template),
		mux:        http.NewServeMux(),
	}

	for _, name := range pageNames {
		t, err := template.New(name).Funcs(funcs).ParseFS(templateFS, "templates/layout.html", "templates/"+name+".html")
		if err != nil {
			return nil, fmt.Errorf("failed to parse %s page: %w", name, err)
		}
		s.pages[name] = t
	}

	sum := sha256.Sum256(styleCSS)
	s.etag = `"` + hex.EncodeToString(sum[:8]) + `"`

	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.auth(s.handleRoot))
	s.mux.HandleFunc("/status", s.auth(s.handleStatus))
	s.mux.HandleFunc("GET /config", s.auth(s.handleConfigGet))
	s.mux.HandleFunc("POST /config", s.auth(s.handleConfigPost))
	s.mux.HandleFunc("GET /debug", s.auth(s.handleDebugGet))
	s.mux.HandleFunc("POST /debug", s.auth(s.handleDebugPost))
	s.mux.HandleFunc("GET /network", s.auth(s.handleNetworkGet))
	s.mux.HandleFunc("POST /network", s.auth(s.handleNetworkPost))
	s.mux.HandleFunc("GET /reboot", s.auth(s.handleRebootGet))
	s.mux.HandleFunc("POST /reboot", s.auth(s.handleRebootPost))
	s.mux.HandleFunc("GET /update", s.auth(s.handleUpdateGet))
	s.mux.HandleFunc("POST /update", s.auth(s.handleUpdatePost))
	s.mux.HandleFunc("GET /style.css", s.handleStyle)
	s.mux.HandleFunc("/favicon.ico", s.handleFavicon)
	s.mux.HandleFunc("/", s.handleNotFound)
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Web request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
	s.mux.ServeHTTP(w, r)
}

// ListenAndServe serves on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, l)
}

// Serve accepts HTTP connections on l until ctx is done.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	srv := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Web UI listening", "addr", l.Addr())
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// auth requires basic auth as User when a web password is set.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		password := s.app.Settings.WebPassword()
		if password == "" {
			next(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(User)) != 1 ||
			subtle.ConstantTimeCompare([]byte(pass), []byte(password)) != 1 {
			slog.Warn("Web authentication failed", "remote", r.RemoteAddr, "path", r.URL.Path)
			w.Header().Set("WWW-Authenticate", `Basic realm="Modbus RTU Gateway", charset="UTF-8"`)
			http.Error(w, "401 Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

type page struct {
	Title string
	Data  any
}

// render executes the named page into a buffer first, so a template
// error still yields a clean 500.
func (s *Server) render(w http.ResponseWriter, status int, name, title string, data any) {
	var buf bytes.Buffer
	if err := s.pages[name].ExecuteTemplate(&buf, "layout", page{Title: title, Data: data}); err != nil {
		slog.Error("Failed to render page", "page", name, "err", err)
		http.Error(w, "500 Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}

func redirectHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/", http.StatusSeeOther)
}
