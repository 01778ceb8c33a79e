// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import (
	"fmt"
	"io"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

// FileStore keeps the settings as a YAML mapping in a single file. The
// whole file is rewritten and synced to disk on every Put.
type FileStore struct {
	path string

	mu     sync.RWMutex
	file   *os.File
	values map[string]string
}

// NewFileStore opens path, creating it if necessary, and loads its content.
func NewFileStore(path string) (*FileStore, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	data, err := io.ReadAll(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	values := make(map[string]string)
	if err := yaml.Unmarshal(data, &values); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	if values == nil {
		values = make(map[string]string)
	}

	return &FileStore{path: path, file: f, values: values}, nil
}

func (fs *FileStore) Get(key string) (string, bool, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	if fs.file == nil {
		return "", false, ErrClosed
	}
	v, ok := fs.values[key]
	return v, ok, nil
}

func (fs *FileStore) Put(key, value string) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return ErrClosed
	}

	old, existed := fs.values[key]
	fs.values[key] = value
	if err := fs.sync(); err != nil {
		if existed {
			fs.values[key] = old
		} else {
			delete(fs.values, key)
		}
		return err
	}
	return nil
}

func (fs *FileStore) sync() error {
	data, err := yaml.Marshal(fs.values)
	if err != nil {
		return fmt.Errorf("failed to encode settings: %w", err)
	}
	if err := fs.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate file: %w", err)
	}
	if _, err := fs.file.WriteAt(data, 0); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := fs.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync file to disk: %w", err)
	}
	return nil
}

// Close the file.
func (fs *FileStore) Close() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if fs.file == nil {
		return nil
	}
	err := fs.file.Close()
	fs.file = nil
	return err
}
