// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm
// +build tamago,arm

package main

import (
	_ "unsafe"

	"github.com/f-secure-foundry/tamago/dma"
)

// The F1C100s embeds 32MB of DDR, the last 4MB are reserved for transfer
// buffers.

//go:linkname ramSize runtime.ramSize
var ramSize uint32 = 0x01c00000 // 28MB

var dmaStart uint32 = 0x81c00000

// 4MB
var dmaSize = 0x00400000

func init() {
	dma.Init(dmaStart, dmaSize)
}

// buffer reserves a block aligned transfer buffer.
func buffer(size int) (buf []byte) {
	_, buf = dma.Reserve(size, 4)
	return
}
