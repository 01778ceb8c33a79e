// Copyright (c) 2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package store

import (
	"bytes"
	"errors"
	"fmt"
)

// Layout of the memory-mapped settings file:
//
//	Header: 8 bytes (magic "MBGWCFG" + version)
//	Slots:  slotCount * slotSize bytes
//
// Each slot holds one entry:
//
//	[0]                 key length (0 = free slot)
//	[1:1+maxKeyLen]     key
//	[keyEnd]            value length
//	[keyEnd+1:slotSize] value
const (
	layoutVersion = 1

	headerSize = 8
	slotCount  = 64
	slotSize   = 128

	maxKeyLen   = 31
	keyEnd      = 1 + maxKeyLen
	maxValueLen = slotSize - keyEnd - 1

	totalSize = headerSize + slotCount*slotSize
)

var magic = []byte("MBGWCFG")

var (
	ErrKeyTooLong   = errors.New("store: key too long")
	ErrValueTooLong = errors.New("store: value too long")
	ErrStoreFull    = errors.New("store: no free slot")
)

// slotTable interprets a byte slice laid out as described above.
type slotTable []byte

// init writes the header into an empty table. It reports an error if the
// table holds foreign data.
func (t slotTable) init() error {
	hdr := t[:headerSize]
	if bytes.Equal(hdr, make([]byte, headerSize)) {
		copy(hdr, magic)
		hdr[len(magic)] = layoutVersion
		return nil
	}
	if !bytes.Equal(hdr[:len(magic)], magic) {
		return fmt.Errorf("store: bad magic %q", hdr[:len(magic)])
	}
	if v := hdr[len(magic)]; v != layoutVersion {
		return fmt.Errorf("store: unsupported layout version %d", v)
	}
	return nil
}

func (t slotTable) slot(i int) []byte {
	off := headerSize + i*slotSize
	return t[off : off+slotSize]
}

func slotKey(s []byte) []byte {
	return s[1 : 1+int(s[0])]
}

func slotValue(s []byte) []byte {
	n := int(s[keyEnd])
	return s[keyEnd+1 : keyEnd+1+n]
}

// find returns the slot holding key, or the first free slot and false.
// It returns -1 when the key is missing and no slot is free.
func (t slotTable) find(key string) (int, bool) {
	free := -1
	for i := 0; i < slotCount; i++ {
		s := t.slot(i)
		if s[0] == 0 {
			if free < 0 {
				free = i
			}
			continue
		}
		if int(s[0]) <= maxKeyLen && string(slotKey(s)) == key {
			return i, true
		}
	}
	return free, false
}

func (t slotTable) get(key string) (string, bool) {
	i, ok := t.find(key)
	if !ok {
		return "", false
	}
	s := t.slot(i)
	if int(s[keyEnd]) > maxValueLen {
		return "", false
	}
	return string(slotValue(s)), true
}

func (t slotTable) put(key, value string) error {
	if len(key) == 0 || len(key) > maxKeyLen {
		return fmt.Errorf("%w: %q", ErrKeyTooLong, key)
	}
	if len(value) > maxValueLen {
		return fmt.Errorf("%w: %d bytes for %q", ErrValueTooLong, len(value), key)
	}
	i, _ := t.find(key)
	if i < 0 {
		return ErrStoreFull
	}

	s := t.slot(i)
	clear(s)
	s[0] = byte(len(key))
	copy(s[1:], key)
	s[keyEnd] = byte(len(value))
	copy(s[keyEnd+1:], value)
	return nil
}
