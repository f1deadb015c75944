// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package f1c100s

import (
	"github.com/f-secure-foundry/armory-sdbridge/internal/reg"
)

// AVS counter registers, relative to TIMER_BASE
const (
	AVS_CNT_CTL = 0x80
	AVS_CNT0    = 0x84
	AVS_CNT1    = 0x88
	AVS_CNT_DIV = 0x8c

	CNT_CTL_EN0 = 0
	CNT_DIV_N0  = 0

	// 24MHz / (23 + 1)
	AVS_DIV_1MHZ = 23
)

// Counter represents the free running AVS counter 0 clocked at 1MHz, it
// backs the runtime clock and therefore takes no locks.
type Counter struct {
	Bus reg.Bus

	last uint32
	high int64
}

// Init starts the counter from zero.
func (hw *Counter) Init() {
	reg.SetN(hw.Bus, AVS_CNT_DIV, CNT_DIV_N0, 0xfff, AVS_DIV_1MHZ)
	hw.Bus.Write32(AVS_CNT0, 0)
	reg.Set(hw.Bus, AVS_CNT_CTL, CNT_CTL_EN0)

	hw.last = 0
	hw.high = 0
}

// Nanotime returns the time elapsed since Init, the 32-bit counter is
// extended on wrap around which requires at least one call every 71
// minutes.
func (hw *Counter) Nanotime() int64 {
	cnt := hw.Bus.Read32(AVS_CNT0)

	if cnt < hw.last {
		hw.high += 1 << 32
	}

	hw.last = cnt

	return (hw.high + int64(cnt)) * 1000
}
