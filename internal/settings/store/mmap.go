// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import (
	"fmt"
	"os"
	"sync"

	"github.com/edsrzf/mmap-go"
)

// MmapStore keeps the settings in a fixed slot table inside a
// memory-mapped file. The mapping is flushed to disk on every Put.
type MmapStore struct {
	path string

	mu   sync.RWMutex
	file *os.File
	data mmap.MMap
}

// NewMmapStore maps path, creating and sizing it if necessary.
func NewMmapStore(path string) (*MmapStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open mmap file: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if fi.Size() != int64(totalSize) {
		if err := f.Truncate(int64(totalSize)); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to resize mmap file: %w", err)
		}
	}

	data, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mmap failed: %w", err)
	}
	if err := slotTable(data).init(); err != nil {
		data.Unmap()
		f.Close()
		return nil, err
	}

	return &MmapStore{path: path, file: f, data: data}, nil
}

func (ms *MmapStore) Get(key string) (string, bool, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	if ms.data == nil {
		return "", false, ErrClosed
	}
	v, ok := slotTable(ms.data).get(key)
	return v, ok, nil
}

func (ms *MmapStore) Put(key, value string) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.data == nil {
		return ErrClosed
	}
	if err := slotTable(ms.data).put(key, value); err != nil {
		return err
	}
	if err := ms.data.Flush(); err != nil {
		return fmt.Errorf("failed to flush mmap: %w", err)
	}
	return nil
}

// Close unmaps and closes the file.
func (ms *MmapStore) Close() error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var err error
	if ms.data != nil {
		if e := ms.data.Unmap(); e != nil {
			err = e
		}
		ms.data = nil
	}
	if ms.file != nil {
		if e := ms.file.Close(); e != nil {
			err = e
		}
		ms.file = nil
	}
	return err
}
