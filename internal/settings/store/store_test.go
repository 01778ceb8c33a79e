// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import (
	"errors"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/ffutop/modbus-rtu-gw/internal/config"
)

type backend struct {
	name string
	open func(t *testing.T, path string) Store
	// persistent backends keep their content across Close and reopen.
	persistent bool
}

func backends() []backend {
	return []backend{
		{"Memory", func(t *testing.T, _ string) Store { return NewMemoryStore() }, false},
		{"File", func(t *testing.T, path string) Store {
			s, err := NewFileStore(path)
			if err != nil {
				t.Fatalf("NewFileStore: %v", err)
			}
			return s
		}, true},
		{"Mmap", func(t *testing.T, path string) Store {
			s, err := NewMmapStore(path)
			if err != nil {
				t.Fatalf("NewMmapStore: %v", err)
			}
			return s
		}, true},
		{"SQL", func(t *testing.T, path string) Store {
			s, err := NewSQLStore(SQLDriver, path)
			if err != nil {
				t.Fatalf("NewSQLStore: %v", err)
			}
			return s
		}, true},
	}
}

func TestStore_GetPut(t *testing.T) {
	for _, b := range backends() {
		t.Run(b.name, func(t *testing.T) {
			s := b.open(t, filepath.Join(t.TempDir(), "settings"))
			defer s.Close()

			if _, ok, err := s.Get("tcpPort"); err != nil || ok {
				t.Fatalf("Get on empty store = ok %v, err %v", ok, err)
			}
			if err := s.Put("tcpPort", "502"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Put("tcpPort", "1502"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Put("webPassword", ""); err != nil {
				t.Fatalf("Put: %v", err)
			}

			v, ok, err := s.Get("tcpPort")
			if err != nil || !ok || v != "1502" {
				t.Errorf("Get(tcpPort) = %q, %v, %v; want 1502", v, ok, err)
			}
			v, ok, err = s.Get("webPassword")
			if err != nil || !ok || v != "" {
				t.Errorf("Get(webPassword) = %q, %v, %v; want empty, present", v, ok, err)
			}
		})
	}
}

func TestStore_Reopen(t *testing.T) {
	for _, b := range backends() {
		if !b.persistent {
			continue
		}
		t.Run(b.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "settings")
			s := b.open(t, path)
			if err := s.Put("staticIp", "10.0.0.7"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Put("useDhcp", "false"); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Close(); err != nil {
				t.Fatalf("Close: %v", err)
			}

			s = b.open(t, path)
			defer s.Close()
			if v, ok, _ := s.Get("staticIp"); !ok || v != "10.0.0.7" {
				t.Errorf("staticIp after reopen = %q, %v", v, ok)
			}
			if v, ok, _ := s.Get("useDhcp"); !ok || v != "false" {
				t.Errorf("useDhcp after reopen = %q, %v", v, ok)
			}
		})
	}
}

func TestTyped(t *testing.T) {
	s := NewMemoryStore()

	if got, err := Get(s, "tcpPort", 502); err != nil || got != 502 {
		t.Errorf("default = %d, %v", got, err)
	}

	if err := Put(s, "modbusConfig", uint32(0x800001c)); err != nil {
		t.Fatal(err)
	}
	if raw, _, _ := s.Get("modbusConfig"); raw != "134217756" {
		t.Errorf("raw modbusConfig = %q", raw)
	}
	if got, err := Get(s, "modbusConfig", uint32(0)); err != nil || got != 0x800001c {
		t.Errorf("modbusConfig = %#x, %v", got, err)
	}

	if err := Put(s, "useDhcp", false); err != nil {
		t.Fatal(err)
	}
	if got, err := Get(s, "useDhcp", true); err != nil || got {
		t.Errorf("useDhcp = %v, %v", got, err)
	}

	if err := Put(s, "modbusRtsPin", -1); err != nil {
		t.Fatal(err)
	}
	if got, err := Get(s, "modbusRtsPin", 7); err != nil || got != -1 {
		t.Errorf("modbusRtsPin = %d, %v", got, err)
	}

	s.Put("tcpPort", "not a number")
	if got, err := Get(s, "tcpPort", 502); !errors.Is(err, ErrInvalidValue) || got != 502 {
		t.Errorf("corrupt value = %d, %v; want default and error", got, err)
	}
}

func TestMmapStore_Limits(t *testing.T) {
	s, err := NewMmapStore(filepath.Join(t.TempDir(), "settings.bin"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if err := s.Put(strings.Repeat("k", maxKeyLen+1), "v"); !errors.Is(err, ErrKeyTooLong) {
		t.Errorf("long key: err = %v", err)
	}
	if err := s.Put("k", strings.Repeat("v", maxValueLen+1)); !errors.Is(err, ErrValueTooLong) {
		t.Errorf("long value: err = %v", err)
	}
	if err := s.Put("k", strings.Repeat("v", maxValueLen)); err != nil {
		t.Errorf("max value: err = %v", err)
	}

	for i := 1; i < slotCount; i++ {
		if err := s.Put("key"+strconv.Itoa(i), "1"); err != nil {
			t.Fatalf("Put #%d: %v", i, err)
		}
	}
	if err := s.Put("one-too-many", "1"); !errors.Is(err, ErrStoreFull) {
		t.Errorf("full table: err = %v", err)
	}
	// Existing keys can still be updated.
	if err := s.Put("k", "2"); err != nil {
		t.Errorf("update in full table: %v", err)
	}
}

func TestMmapStore_ForeignFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	fs, err := NewFileStore(path)
	if err != nil {
		t.Fatal(err)
	}
	fs.Put("tcpPort", "502")
	fs.Close()

	if _, err := NewMmapStore(path); err == nil {
		t.Error("expected an error mapping a non-settings file")
	}
}

func TestStore_Closed(t *testing.T) {
	dir := t.TempDir()
	fs, _ := NewFileStore(filepath.Join(dir, "a.yaml"))
	fs.Close()
	if err := fs.Put("k", "v"); !errors.Is(err, ErrClosed) {
		t.Errorf("FileStore.Put after Close: %v", err)
	}

	ms, _ := NewMmapStore(filepath.Join(dir, "b.bin"))
	ms.Close()
	if _, _, err := ms.Get("k"); !errors.Is(err, ErrClosed) {
		t.Errorf("MmapStore.Get after Close: %v", err)
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	for _, typ := range []string{"", "memory", "file", "mmap", "sql"} {
		s, err := Open(config.StoreConfig{Type: typ, Path: filepath.Join(dir, "s-"+typ)})
		if err != nil {
			t.Errorf("Open(%q): %v", typ, err)
			continue
		}
		s.Close()
	}
	if _, err := Open(config.StoreConfig{Type: "eeprom"}); err == nil {
		t.Error("Open(eeprom): expected error")
	}
}
