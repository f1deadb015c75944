// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package reg provides offset based access to memory mapped register blocks
// along with bounded polling helpers.
package reg

import (
	"errors"
	"runtime"
	"time"

	"github.com/f-secure-foundry/tamago/bits"
)

// ErrTimeout is returned when a register condition is not met within the
// allowed time budget.
var ErrTimeout = errors.New("register poll timeout")

// Bus represents a register block addressed by byte offset.
type Bus interface {
	Read32(off uint32) uint32
	Write32(off uint32, val uint32)
	Read16(off uint32) uint16
	Write16(off uint32, val uint16)
	Read8(off uint32) uint8
	Write8(off uint32, val uint8)
}

// Get returns the masked field at bit position pos of a 32-bit register.
func Get(b Bus, off uint32, pos int, mask int) uint32 {
	v := b.Read32(off)
	return bits.Get(&v, pos, mask)
}

// IsSet reports whether bit pos of a 32-bit register is set.
func IsSet(b Bus, off uint32, pos int) bool {
	return Get(b, off, pos, 1) == 1
}

// Set sets bit pos of a 32-bit register.
func Set(b Bus, off uint32, pos int) {
	v := b.Read32(off)
	bits.Set(&v, pos)
	b.Write32(off, v)
}

// Clear clears bit pos of a 32-bit register.
func Clear(b Bus, off uint32, pos int) {
	v := b.Read32(off)
	bits.Clear(&v, pos)
	b.Write32(off, v)
}

// SetN updates the masked field at bit position pos of a 32-bit register.
func SetN(b Bus, off uint32, pos int, mask int, val uint32) {
	v := b.Read32(off)
	bits.SetN(&v, pos, mask, val)
	b.Write32(off, v)
}

// Poll evaluates cond until it returns true, or until timeout elapses in
// which case ErrTimeout is returned. The condition is always evaluated at
// least once.
func Poll(timeout time.Duration, cond func() bool) error {
	start := time.Now()

	for !cond() {
		if time.Since(start) > timeout {
			return ErrTimeout
		}

		runtime.Gosched()
	}

	return nil
}

// WaitFor waits, up to timeout, for the masked field at bit position pos of a
// 32-bit register to equal val.
func WaitFor(timeout time.Duration, b Bus, off uint32, pos int, mask int, val uint32) error {
	return Poll(timeout, func() bool {
		return Get(b, off, pos, mask) == val
	})
}

// WaitFor8 waits, up to timeout, for the bits in mask of an 8-bit register to
// equal val.
func WaitFor8(timeout time.Duration, b Bus, off uint32, mask uint8, val uint8) error {
	return Poll(timeout, func() bool {
		return b.Read8(off)&mask == val
	})
}
