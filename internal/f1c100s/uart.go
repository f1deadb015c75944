// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package f1c100s

import (
	"github.com/f-secure-foundry/armory-sdbridge/internal/reg"
)

// UART registers (16550 compatible)
const (
	UART_RBR = 0x00
	UART_THR = 0x00
	UART_DLL = 0x00
	UART_DLH = 0x04
	UART_FCR = 0x08
	UART_LCR = 0x0c
	UART_LSR = 0x14

	LCR_DLAB = 7
	LCR_8N1  = 0b11

	FCR_FIFO_ENABLE = 0b111

	LSR_DR   = 0
	LSR_THRE = 5

	APB_FREQ     = 100000000
	DEFAULT_BAUD = 115200
)

// UART represents a serial port.
type UART struct {
	Bus reg.Bus
}

// Init configures the port for 8-N-1 at the given baud rate, DEFAULT_BAUD
// is used when zero.
func (hw *UART) Init(baud uint32) {
	if baud == 0 {
		baud = DEFAULT_BAUD
	}

	div := (APB_FREQ + 8*baud) / (16 * baud)

	reg.Set(hw.Bus, UART_LCR, LCR_DLAB)
	hw.Bus.Write32(UART_DLL, div&0xff)
	hw.Bus.Write32(UART_DLH, div>>8&0xff)
	reg.Clear(hw.Bus, UART_LCR, LCR_DLAB)

	hw.Bus.Write32(UART_LCR, LCR_8N1)
	hw.Bus.Write32(UART_FCR, FCR_FIFO_ENABLE)
}

// Tx transmits a single character, waiting for the holding register.
func (hw *UART) Tx(c byte) {
	for !reg.IsSet(hw.Bus, UART_LSR, LSR_THRE) {
	}

	hw.Bus.Write32(UART_THR, uint32(c))
}

// Rx receives a single character, valid is false when none is available.
func (hw *UART) Rx() (c byte, valid bool) {
	if !reg.IsSet(hw.Bus, UART_LSR, LSR_DR) {
		return
	}

	return byte(hw.Bus.Read32(UART_RBR)), true
}

// Write transmits the buffer, it implements io.Writer.
func (hw *UART) Write(buf []byte) (n int, _ error) {
	for _, c := range buf {
		hw.Tx(c)
	}

	return len(buf), nil
}
