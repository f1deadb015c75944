// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package f1c100s provides the Allwinner F1C100s clock, reset and pin
// multiplexing setup required by the USB OTG and SD/MMC controllers.
package f1c100s

import (
	"fmt"

	"github.com/f-secure-foundry/armory-sdbridge/internal/reg"
)

// Peripheral base addresses
const (
	SYS_BASE   = 0x01c00000
	SDC0_BASE  = 0x01c0f000
	USB_BASE   = 0x01c13000
	CCU_BASE   = 0x01c20000
	PIO_BASE   = 0x01c20800
	TIMER_BASE = 0x01c20c00
	UART1_BASE = 0x01c25400
)

// Clock Control Unit registers
const (
	CCU_PLL_PERIPH_CTRL = 0x028
	CCU_BUS_CLK_GATING0 = 0x060
	CCU_BUS_CLK_GATING2 = 0x068
	CCU_SDMMC0_CLK      = 0x088
	CCU_USBPHY_CFG      = 0x0cc
	CCU_AVS_CLK         = 0x144
	CCU_BUS_SOFT_RST0   = 0x2c0
	CCU_BUS_SOFT_RST2   = 0x2d0

	// BUS_CLK_GATING0 / BUS_SOFT_RST0
	BUS_SD0     = 8
	BUS_USB_OTG = 24
	// BUS_CLK_GATING2 / BUS_SOFT_RST2
	BUS_UART1 = 21

	USBPHY_RST  = 0
	USBPHY_GATE = 1

	SDMMC_CLK_GATING = 31
	SDMMC_CLK_SRC    = 24
	SDMMC_CLK_N      = 16
	SDMMC_CLK_M      = 0

	CLK_SRC_OSC24M      = 0
	CLK_SRC_PLL_PERIPH  = 1
	AVS_CLK_GATING      = 31
	SYS_CTRL1           = 0x04
	SYS_CTRL1_SRAM_USB  = 0
	OSC24M              = 24000000
	PLL_PERIPH_DEFAULT  = 600000000
	SDMMC_MAX_M_DIVIDER = 16
	SDMMC_MAX_N_SHIFT   = 3
)

// Port controller registers
const (
	PIO_PORT_SIZE = 0x24

	PIO_CFG0 = 0x00
	PIO_DAT  = 0x10
	PIO_DRV0 = 0x14
	PIO_PUL0 = 0x1c

	PORT_A = 0
	PORT_F = 5
)

// Pin functions
const (
	GPIO_INPUT  = 0
	GPIO_OUTPUT = 1
	GPIO_AF2    = 2
	GPIO_AF5    = 5
)

// USBMux represents the USB connector multiplexer position driven by PA0
// and PA1.
type USBMux uint32

// USB multiplexer positions
const (
	USB_MUX_DEVICE USBMux = iota
	USB_MUX_DISABLE
	USB_MUX_HOST
)

// SoC represents the register blocks used for peripheral bring-up.
type SoC struct {
	CCU reg.Bus
	PIO reg.Bus
	SYS reg.Bus

	// PeriphClock is the PLL_PERIPH frequency, PLL_PERIPH_DEFAULT is
	// assumed when zero
	PeriphClock uint32
}

// New returns the SoC instance over physical memory.
func New() *SoC {
	return &SoC{
		CCU: reg.MMIO{Base: CCU_BASE},
		PIO: reg.MMIO{Base: PIO_BASE},
		SYS: reg.MMIO{Base: SYS_BASE},
	}
}

// Pin configures the function, drive strength and pull mode of a port pin.
func (s *SoC) Pin(port int, pin int, function uint32, drive uint32, pull uint32) {
	base := uint32(port * PIO_PORT_SIZE)

	reg.SetN(s.PIO, base+PIO_CFG0+uint32(pin/8)*4, (pin%8)*4, 0b111, function)
	reg.SetN(s.PIO, base+PIO_DRV0+uint32(pin/16)*4, (pin%16)*2, 0b11, drive)
	reg.SetN(s.PIO, base+PIO_PUL0+uint32(pin/16)*4, (pin%16)*2, 0b11, pull)
}

// reset cycles a bus reset line and opens its clock gate.
func (s *SoC) reset(gating uint32, rst uint32, pos int) {
	reg.Clear(s.CCU, rst, pos)
	reg.Set(s.CCU, gating, pos)
	reg.Set(s.CCU, rst, pos)
}

// EnableSD resets and clocks SD/MMC controller 0 and routes its 1-bit bus
// (PF1 D0, PF2 CLK, PF3 CMD).
func (s *SoC) EnableSD() {
	s.reset(CCU_BUS_CLK_GATING0, CCU_BUS_SOFT_RST0, BUS_SD0)

	for _, pin := range []int{1, 2, 3} {
		s.Pin(PORT_F, pin, GPIO_AF2, 3, 0)
	}
}

// SDClock programs the SD/MMC controller 0 module clock to the highest
// frequency not exceeding hz, it matches sdmmc.Controller.Clock.
func (s *SoC) SDClock(hz uint32) (err error) {
	if hz == 0 {
		return fmt.Errorf("invalid SD clock %d", hz)
	}

	src := uint32(CLK_SRC_OSC24M)
	parent := uint32(OSC24M)

	if hz > OSC24M {
		src = CLK_SRC_PLL_PERIPH
		parent = s.PeriphClock

		if parent == 0 {
			parent = PLL_PERIPH_DEFAULT
		}
	}

	for n := 0; n <= SDMMC_MAX_N_SHIFT; n++ {
		div := (parent>>n + hz - 1) / hz

		if div == 0 {
			div = 1
		}

		if div > SDMMC_MAX_M_DIVIDER {
			continue
		}

		val := uint32(1)<<SDMMC_CLK_GATING | src<<SDMMC_CLK_SRC | uint32(n)<<SDMMC_CLK_N | (div-1)<<SDMMC_CLK_M
		s.CCU.Write32(CCU_SDMMC0_CLK, val)

		return
	}

	return fmt.Errorf("SD clock %d out of range", hz)
}

// Mux sets the USB connector multiplexer.
func (s *SoC) Mux(state USBMux) {
	base := uint32(PORT_A * PIO_PORT_SIZE)

	reg.SetN(s.PIO, base+PIO_DAT, 0, 0b11, uint32(state))
	reg.SetN(s.PIO, base+PIO_CFG0, 0, 0xff, GPIO_OUTPUT<<4|GPIO_OUTPUT)
}

// EnableUSB connects the OTG controller in device mode and enables its PHY
// and bus clocks.
func (s *SoC) EnableUSB() {
	s.Mux(USB_MUX_DEVICE)

	reg.SetN(s.CCU, CCU_USBPHY_CFG, USBPHY_RST, 0b11, 0b11)
	s.reset(CCU_BUS_CLK_GATING0, CCU_BUS_SOFT_RST0, BUS_USB_OTG)

	// route SRAM to the USB controller
	reg.Set(s.SYS, SYS_CTRL1, SYS_CTRL1_SRAM_USB)
}

// DisableUSB reverses EnableUSB.
func (s *SoC) DisableUSB() {
	reg.SetN(s.CCU, CCU_USBPHY_CFG, USBPHY_RST, 0b11, 0)
	reg.Clear(s.CCU, CCU_BUS_CLK_GATING0, BUS_USB_OTG)
	reg.Clear(s.CCU, CCU_BUS_SOFT_RST0, BUS_USB_OTG)

	s.Mux(USB_MUX_DISABLE)
}

// EnableUART resets and clocks UART1 and routes it to PA2 (RX) and PA3
// (TX).
func (s *SoC) EnableUART() {
	s.reset(CCU_BUS_CLK_GATING2, CCU_BUS_SOFT_RST2, BUS_UART1)

	s.Pin(PORT_A, 2, GPIO_AF5, 0, 0)
	s.Pin(PORT_A, 3, GPIO_AF5, 0, 0)
}

// EnableAVS opens the AVS counter clock gate.
func (s *SoC) EnableAVS() {
	reg.Set(s.CCU, CCU_AVS_CLK, AVS_CLK_GATING)
}
