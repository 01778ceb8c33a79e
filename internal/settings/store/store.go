// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import (
	"errors"
	"fmt"

	"github.com/spf13/cast"
)

var (
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("store: closed")

	// ErrInvalidValue is returned by Get when a stored value cannot be
	// converted to the requested type.
	ErrInvalidValue = errors.New("store: invalid value")
)

// Store persists the gateway settings as flat string key/value pairs.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get returns the value stored under key. ok is false when the key
	// has never been written.
	Get(key string) (value string, ok bool, err error)

	// Put stores value under key. The write is durable when Put returns.
	Put(key, value string) error

	// Close releases the underlying resources.
	Close() error
}

// Value is the set of types the typed helpers convert to and from.
type Value interface {
	string | bool | int | int64 | uint16 | uint32
}

// Get reads key and converts it to T. def is returned when the key is
// missing or its value cannot be converted; the latter also reports an
// error wrapping ErrInvalidValue.
func Get[T Value](s Store, key string, def T) (T, error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return def, err
	}
	v, err := convert[T](raw)
	if err != nil {
		return def, fmt.Errorf("%w for key %q: %w", ErrInvalidValue, key, err)
	}
	return v, nil
}

// Put converts v to its string form and stores it under key.
func Put[T Value](s Store, key string, v T) error {
	raw, err := cast.ToStringE(any(v))
	if err != nil {
		return fmt.Errorf("store: key %q: %w", key, err)
	}
	return s.Put(key, raw)
}

func convert[T Value](raw string) (T, error) {
	var out T
	var v any
	var err error
	switch any(out).(type) {
	case string:
		v = raw
	case bool:
		v, err = cast.ToBoolE(raw)
	case int:
		v, err = cast.ToIntE(raw)
	case int64:
		v, err = cast.ToInt64E(raw)
	case uint16:
		v, err = cast.ToUint16E(raw)
	case uint32:
		v, err = cast.ToUint32E(raw)
	default:
		return out, fmt.Errorf("unsupported type %T", out)
	}
	if err != nil {
		return out, err
	}
	return v.(T), nil
}
