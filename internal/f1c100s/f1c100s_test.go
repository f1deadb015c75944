// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package f1c100s

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/f-secure-foundry/armory-sdbridge/internal/reg"
)

func newSoC() (*SoC, *reg.Mem, *reg.Mem, *reg.Mem) {
	ccu := &reg.Mem{}
	pio := &reg.Mem{}
	sys := &reg.Mem{}

	return &SoC{CCU: ccu, PIO: pio, SYS: sys}, ccu, pio, sys
}

func TestEnableSD(t *testing.T) {
	assert := require.New(t)

	soc, ccu, pio, _ := newSoC()
	soc.EnableSD()

	assert.True(reg.IsSet(ccu, CCU_BUS_CLK_GATING0, BUS_SD0))
	assert.True(reg.IsSet(ccu, CCU_BUS_SOFT_RST0, BUS_SD0))

	base := uint32(PORT_F * PIO_PORT_SIZE)

	for _, pin := range []int{1, 2, 3} {
		assert.Equal(uint32(GPIO_AF2), reg.Get(pio, base+PIO_CFG0, pin*4, 0b111))
		assert.Equal(uint32(3), reg.Get(pio, base+PIO_DRV0, pin*2, 0b11))
	}

	// PF0 untouched
	assert.Equal(uint32(0), reg.Get(pio, base+PIO_CFG0, 0, 0b111))
}

func TestSDClock(t *testing.T) {
	for _, tc := range []struct {
		hz  uint32
		src uint32
		n   uint32
		m   uint32
	}{
		// 24MHz / 2^2 / 15 = 400kHz
		{400000, CLK_SRC_OSC24M, 2, 14},
		{24000000, CLK_SRC_OSC24M, 0, 0},
		{25000000, CLK_SRC_PLL_PERIPH, 1, 11},
		{50000000, CLK_SRC_PLL_PERIPH, 0, 11},
	} {
		soc, ccu, _, _ := newSoC()

		require.NoError(t, soc.SDClock(tc.hz))

		val := ccu.Load(CCU_SDMMC0_CLK)

		require.True(t, reg.IsSet(ccu, CCU_SDMMC0_CLK, SDMMC_CLK_GATING), "hz %d", tc.hz)
		require.Equal(t, tc.src, val>>SDMMC_CLK_SRC&0b11, "hz %d", tc.hz)
		require.Equal(t, tc.n, val>>SDMMC_CLK_N&0b11, "hz %d", tc.hz)
		require.Equal(t, tc.m, val&0xf, "hz %d", tc.hz)

		var parent uint32 = OSC24M

		if tc.src == CLK_SRC_PLL_PERIPH {
			parent = PLL_PERIPH_DEFAULT
		}

		rate := parent >> tc.n / (tc.m + 1)
		require.LessOrEqual(t, rate, tc.hz)
	}
}

func TestSDClockRange(t *testing.T) {
	assert := require.New(t)

	soc, _, _, _ := newSoC()

	assert.Error(soc.SDClock(0))
	// below 24MHz / 8 / 16
	assert.Error(soc.SDClock(100000))
}

func TestUSB(t *testing.T) {
	assert := require.New(t)

	soc, ccu, pio, sys := newSoC()
	soc.EnableUSB()

	assert.Equal(uint32(USB_MUX_DEVICE), reg.Get(pio, PIO_DAT, 0, 0b11))
	assert.Equal(uint32(0x11), reg.Get(pio, PIO_CFG0, 0, 0xff))
	assert.Equal(uint32(0b11), reg.Get(ccu, CCU_USBPHY_CFG, USBPHY_RST, 0b11))
	assert.True(reg.IsSet(ccu, CCU_BUS_CLK_GATING0, BUS_USB_OTG))
	assert.True(reg.IsSet(ccu, CCU_BUS_SOFT_RST0, BUS_USB_OTG))
	assert.True(reg.IsSet(sys, SYS_CTRL1, SYS_CTRL1_SRAM_USB))

	soc.DisableUSB()

	assert.Equal(uint32(USB_MUX_DISABLE), reg.Get(pio, PIO_DAT, 0, 0b11))
	assert.Equal(uint32(0), reg.Get(ccu, CCU_USBPHY_CFG, USBPHY_RST, 0b11))
	assert.False(reg.IsSet(ccu, CCU_BUS_CLK_GATING0, BUS_USB_OTG))
	assert.False(reg.IsSet(ccu, CCU_BUS_SOFT_RST0, BUS_USB_OTG))
}

func TestUART(t *testing.T) {
	assert := require.New(t)

	soc, ccu, pio, _ := newSoC()
	soc.EnableUART()
	soc.EnableAVS()

	assert.True(reg.IsSet(ccu, CCU_BUS_CLK_GATING2, BUS_UART1))
	assert.True(reg.IsSet(ccu, CCU_BUS_SOFT_RST2, BUS_UART1))
	assert.True(reg.IsSet(ccu, CCU_AVS_CLK, AVS_CLK_GATING))
	assert.Equal(uint32(GPIO_AF5), reg.Get(pio, PIO_CFG0, 8, 0b111))
	assert.Equal(uint32(GPIO_AF5), reg.Get(pio, PIO_CFG0, 12, 0b111))
}

func TestUARTInit(t *testing.T) {
	assert := require.New(t)

	m := &reg.Mem{}
	uart := &UART{Bus: m}
	uart.Init(0)

	assert.Equal(uint32(54), m.Load(UART_DLL))
	assert.Equal(uint32(0), m.Load(UART_DLH))
	assert.Equal(uint32(LCR_8N1), m.Load(UART_LCR))

	var out []byte

	m.WriteHook = func(off uint32, size int, val uint32) bool {
		if off == UART_THR {
			out = append(out, byte(val))
			return true
		}

		return false
	}

	m.Store(UART_LSR, 1<<LSR_THRE)

	n, err := uart.Write([]byte("ok\n"))
	assert.NoError(err)
	assert.Equal(3, n)
	assert.Equal("ok\n", string(out))

	_, valid := uart.Rx()
	assert.False(valid)
}

func TestCounter(t *testing.T) {
	assert := require.New(t)

	m := &reg.Mem{}
	cnt := &Counter{Bus: m}
	cnt.Init()

	assert.True(reg.IsSet(m, AVS_CNT_CTL, CNT_CTL_EN0))
	assert.Equal(uint32(AVS_DIV_1MHZ), reg.Get(m, AVS_CNT_DIV, CNT_DIV_N0, 0xfff))

	m.Store(AVS_CNT0, 1500)
	assert.Equal(int64(1500000), cnt.Nanotime())

	m.Store(AVS_CNT0, 0xfffffff0)
	before := cnt.Nanotime()

	// wrap around
	m.Store(AVS_CNT0, 0x10)
	after := cnt.Nanotime()

	assert.Equal(int64(0x20)*1000, after-before)
}
