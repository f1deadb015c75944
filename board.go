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

	"github.com/f-secure-foundry/armory-sdbridge/internal/f1c100s"
	"github.com/f-secure-foundry/armory-sdbridge/internal/reg"
)

//go:linkname ramStart runtime.ramStart
var ramStart uint32 = 0x80000000

//go:linkname ramStackOffset runtime.ramStackOffset
var ramStackOffset uint32 = 0x100

// Register blocks and drivers are statically initialized as hwinit runs
// before package initialization.
var (
	ccu   = reg.MMIO{Base: f1c100s.CCU_BASE}
	pio   = reg.MMIO{Base: f1c100s.PIO_BASE}
	sys   = reg.MMIO{Base: f1c100s.SYS_BASE}
	uart1 = reg.MMIO{Base: f1c100s.UART1_BASE}
	avs   = reg.MMIO{Base: f1c100s.TIMER_BASE}

	soc = f1c100s.SoC{
		CCU: &ccu,
		PIO: &pio,
		SYS: &sys,
	}

	console = f1c100s.UART{Bus: &uart1}
	counter = f1c100s.Counter{Bus: &avs}

	// xorshift state
	rng uint32
)

//go:linkname hwinit runtime.hwinit
func hwinit() {
	soc.EnableUART()
	console.Init(f1c100s.DEFAULT_BAUD)

	soc.EnableAVS()
	counter.Init()
}

//go:linkname printk runtime.printk
func printk(c byte) {
	console.Tx(c)
}

//go:linkname nanotime1 runtime.nanotime1
func nanotime1() int64 {
	return counter.Nanotime()
}

//go:linkname initRNG runtime.initRNG
func initRNG() {
	rng = uint32(counter.Nanotime()) | 1
}

// The F1C100s has no hardware RNG, random data is only suitable for
// runtime hash seeds.
//
//go:linkname getRandomData runtime.getRandomData
func getRandomData(b []byte) {
	for i := range b {
		rng ^= rng << 13
		rng ^= rng >> 17
		rng ^= rng << 5

		b[i] = byte(rng)
	}
}
