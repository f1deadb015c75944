// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

import (
	"sync"
)

// Mem implements Bus over a sparse in-memory register file, sub-word
// accesses are mapped on little-endian byte lanes of the containing word.
//
// Hooks allow register side effects to be modeled by simulated peripherals.
type Mem struct {
	sync.Mutex

	// ReadHook, when set, can override the value returned for a read of
	// size bytes at off.
	ReadHook func(off uint32, size int) (val uint32, ok bool)

	// WriteHook, when set, observes every write and can claim it, in which
	// case the backing store is left untouched.
	WriteHook func(off uint32, size int, val uint32) (handled bool)

	words map[uint32]uint32
}

// Load returns the backing word at off bypassing hooks.
func (m *Mem) Load(off uint32) uint32 {
	m.Lock()
	defer m.Unlock()

	return m.words[off&^3]
}

// Store sets the backing word at off bypassing hooks.
func (m *Mem) Store(off uint32, val uint32) {
	m.Lock()
	defer m.Unlock()

	m.store(off&^3, val)
}

func (m *Mem) store(off uint32, val uint32) {
	if m.words == nil {
		m.words = make(map[uint32]uint32)
	}

	m.words[off] = val
}

func (m *Mem) read(off uint32, size int) uint32 {
	if m.ReadHook != nil {
		if val, ok := m.ReadHook(off, size); ok {
			return val
		}
	}

	m.Lock()
	word := m.words[off&^3]
	m.Unlock()

	shift := (off & 3) * 8
	mask := uint32(1)<<(size*8) - 1

	if size == 4 {
		mask = 0xffffffff
	}

	return (word >> shift) & mask
}

func (m *Mem) write(off uint32, size int, val uint32) {
	if m.WriteHook != nil && m.WriteHook(off, size, val) {
		return
	}

	m.Lock()
	defer m.Unlock()

	if size == 4 {
		m.store(off&^3, val)
		return
	}

	shift := (off & 3) * 8
	mask := (uint32(1)<<(size*8) - 1) << shift
	word := m.words[off&^3]

	m.store(off&^3, word&^mask|(val<<shift)&mask)
}

func (m *Mem) Read32(off uint32) uint32 {
	return m.read(off, 4)
}

func (m *Mem) Write32(off uint32, val uint32) {
	m.write(off, 4, val)
}

func (m *Mem) Read16(off uint32) uint16 {
	return uint16(m.read(off, 2))
}

func (m *Mem) Write16(off uint32, val uint16) {
	m.write(off, 2, uint32(val))
}

func (m *Mem) Read8(off uint32) uint8 {
	return uint8(m.read(off, 1))
}

func (m *Mem) Write8(off uint32, val uint8) {
	m.write(off, 1, uint32(val))
}
