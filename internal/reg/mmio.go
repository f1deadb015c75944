// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

import (
	"sync/atomic"
	"unsafe"
)

// MMIO implements Bus over physical memory starting at Base.
type MMIO struct {
	Base uint32
}

func (r MMIO) ptr(off uint32) unsafe.Pointer {
	return unsafe.Pointer(uintptr(r.Base + off))
}

func (r MMIO) Read32(off uint32) uint32 {
	return atomic.LoadUint32((*uint32)(r.ptr(off)))
}

func (r MMIO) Write32(off uint32, val uint32) {
	atomic.StoreUint32((*uint32)(r.ptr(off)), val)
}

func (r MMIO) Read16(off uint32) uint16 {
	return *(*uint16)(r.ptr(off))
}

func (r MMIO) Write16(off uint32, val uint16) {
	*(*uint16)(r.ptr(off)) = val
}

func (r MMIO) Read8(off uint32) uint8 {
	return *(*uint8)(r.ptr(off))
}

func (r MMIO) Write8(off uint32, val uint8) {
	*(*uint8)(r.ptr(off)) = val
}
