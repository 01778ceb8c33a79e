// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import (
	"fmt"

	"github.com/ffutop/modbus-rtu-gw/internal/config"
)

// SQLDriver is the database/sql driver used by the "sql" store type.
const SQLDriver = "sqlite3"

// Open creates the store selected by cfg.
func Open(cfg config.StoreConfig) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Type {
	case "", "memory":
		return NewMemoryStore(), nil
	case "file":
		s, err = NewFileStore(cfg.Path)
	case "mmap":
		s, err = NewMmapStore(cfg.Path)
	case "sql":
		s, err = NewSQLStore(SQLDriver, cfg.Path)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Type, err)
	}
	return s, nil
}
