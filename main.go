// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/grid-x/serial"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/pflag"

	"github.com/ffutop/modbus-rtu-gw/internal/app"
	"github.com/ffutop/modbus-rtu-gw/internal/config"
	"github.com/ffutop/modbus-rtu-gw/internal/settings"
	"github.com/ffutop/modbus-rtu-gw/internal/settings/store"
	"github.com/ffutop/modbus-rtu-gw/internal/web"
)

func main() {
	// Load Configuration
	cfg, err := config.Load(os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if cfg.ListPorts {
		for _, p := range app.SerialPorts() {
			fmt.Println(p)
		}
		return
	}

	// Runtime settings
	st, err := store.Open(cfg.Store)
	if err != nil {
		fmt.Printf("Failed to open settings store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	s, err := settings.Load(st)
	if err != nil {
		fmt.Printf("Failed to load settings: %v\n", err)
		os.Exit(1)
	}

	closeLog := setupLogger(cfg.Log, s.ConsoleLine())
	defer closeLog()

	slog.Info("Starting Modbus RTU Gateway...", "store", cfg.Store.Type, "device", cfg.Serial.Device)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := app.New(cfg, s)

	var wg sync.WaitGroup
	if cfg.Web.Enabled {
		ws, err := web.NewServer(a, cfg.Web.UpdatePath)
		if err != nil {
			slog.Error("Failed to set up web UI", "err", err)
			os.Exit(1)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := ws.ListenAndServe(ctx, cfg.Web.Address); err != nil {
				slog.Error("Web UI stopped with error", "err", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.Run(ctx); err != nil {
			slog.Error("Gateway stopped with error", "err", err)
			cancel()
		}
	}()

	// Wait for Signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	cancel()
	wg.Wait()
	slog.Info("Goodbye.")
}

// setupLogger installs the default slog logger. Besides stdout or the log
// file, records are copied to the debug serial console when one is set.
func setupLogger(cfg config.LogConfig, console settings.Line) (closeFn func()) {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	switch cfg.Level {
	case "debug":
		opts.Level = slog.LevelDebug
	case "warn":
		opts.Level = slog.LevelWarn
	case "error":
		opts.Level = slog.LevelError
	}

	var closers []io.Closer
	var out io.Writer = os.Stdout
	if cfg.File != "" && cfg.File != "-" {
		f, err := os.OpenFile(cfg.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			fmt.Printf("Failed to open log file, falling back to stdout: %v\n", err)
		} else {
			out = f
			closers = append(closers, f)
		}
	}

	if cfg.Serial != "" {
		port, err := serial.Open(&serial.Config{
			Address:  cfg.Serial,
			BaudRate: console.BaudRate,
			DataBits: console.Format.DataBits,
			StopBits: console.Format.StopBits.Count(),
			Parity:   console.Format.Parity.Letter(),
		})
		if err != nil {
			fmt.Printf("Failed to open debug console %s: %v\n", cfg.Serial, err)
		} else {
			out = io.MultiWriter(out, port)
			closers = append(closers, port)
		}
	}

	slog.SetDefault(slog.New(slog.NewTextHandler(out, opts)))
	return func() {
		for _, c := range closers {
			c.Close()
		}
	}
}
