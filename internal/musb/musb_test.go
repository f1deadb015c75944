// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package musb

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/f-secure-foundry/armory-sdbridge/internal/reg"
	"github.com/f-secure-foundry/armory-sdbridge/internal/usb"
)

// fake models FIFO data ports, write-1-to-clear interrupt status and,
// when instant is set, immediate completion of control endpoint packets.
type fake struct {
	reg.Mem

	instant bool

	rx     []byte
	tx     []byte
	csr0   []uint16
	phyctl []uint32
}

func newFake() *fake {
	f := &fake{}

	f.ReadHook = func(off uint32, size int) (val uint32, ok bool) {
		if off >= USB_POWER {
			return
		}

		for i := 0; i < size && len(f.rx) > 0; i++ {
			val |= uint32(f.rx[0]) << (8 * i)
			f.rx = f.rx[1:]
		}

		return val, true
	}

	f.WriteHook = func(off uint32, size int, val uint32) bool {
		switch {
		case off < USB_POWER:
			for i := 0; i < size; i++ {
				f.tx = append(f.tx, byte(val>>(8*i)))
			}
		case off == USB_BUSINTS, off == USB_EPINTS:
			f.Store(off, f.Load(off)&^val)
		case off == USB_PHYCTL:
			f.phyctl = append(f.phyctl, val)
			return false
		case off == USB_CSR0 && f.instant:
			f.csr0 = append(f.csr0, uint16(val))
			f.Store(USB_TXMAXP, f.Load(USB_TXMAXP)&0xffff)
		default:
			return false
		}

		return true
	}

	return f
}

func newController() (*Controller, *fake) {
	f := newFake()

	return &Controller{
		Bus:     f,
		Timeout: 5 * time.Millisecond,
	}, f
}

func TestInit(t *testing.T) {
	assert := require.New(t)

	hw, f := newController()

	f.Store(USB_ISCR, 0x70)
	f.Store(USB_POWER, 1<<POWER_ISO_UPD)

	hw.Init()

	// 1 + 5 + 2 bits, each one set, strobed and released
	assert.Len(f.phyctl, 3*8)
	assert.Equal([]uint32{0x0c80, 0x0c81, 0x0c80}, f.phyctl[:3])
	// second register, bit 0 of 0x14
	assert.Equal(uint32(0x2000), f.phyctl[3])

	assert.Equal(uint32(ISCR_DEVICE_MODE), f.Load(USB_ISCR))
	assert.Equal(uint8(1<<POWER_SOFTCONN|1<<POWER_HS_ENAB), f.Read8(USB_POWER))
	assert.Zero(f.Load(USB_EPINTE))
	assert.Zero(f.Read8(USB_BUSINTE))

	assert.False(hw.HighSpeed())
	f.Store(USB_POWER, 1<<POWER_HS_MODE)
	assert.True(hw.HighSpeed())

	hw.Stop()
	assert.Zero(f.Read8(USB_POWER) & (1 << POWER_SOFTCONN))
}

func TestEvents(t *testing.T) {
	assert := require.New(t)

	hw, f := newController()

	f.Store(USB_BUSINTS, 1<<BUSINT_RESET|1<<BUSINT_SUSPEND)
	f.Store(USB_EPINTS, 1|1<<2|1<<19)
	f.Write8(USB_FADDR, 5)

	ev := hw.Events()
	assert.True(ev.Reset)
	assert.True(ev.Suspend)
	assert.False(ev.Resume)
	// endpoint events are discarded on reset
	assert.False(ev.EP0)
	assert.Zero(f.Read8(USB_FADDR))
	assert.Zero(f.Load(USB_BUSINTS))

	f.Store(USB_EPINTS, 1|1<<2|1<<19)

	ev = hw.Events()
	assert.False(ev.Reset)
	assert.True(ev.EP0)
	assert.Equal(uint16(1<<2), ev.IN)
	assert.Equal(uint16(1<<3), ev.OUT)
	assert.Zero(f.Load(USB_EPINTS))
}

func TestEP0Receive(t *testing.T) {
	assert := require.New(t)

	hw, f := newController()
	setup := []byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x40, 0x00}

	ready, _ := hw.EP0Status()
	assert.False(ready)

	// status stage pending
	f.Write16(USB_CSR0, 1<<CSR0_DATA_END|1<<CSR0_RX_PKT_RDY)
	ready, _ = hw.EP0Status()
	assert.False(ready)

	f.Write16(USB_CSR0, 1<<CSR0_RX_PKT_RDY)
	f.Write16(USB_RXCOUNT, 8)
	f.rx = append(f.rx, setup...)

	ready, count := hw.EP0Status()
	assert.True(ready)
	assert.Equal(8, count)

	buf := make([]byte, count)
	assert.Equal(8, hw.ReadEP0(buf))
	assert.Equal(setup, buf)

	f.instant = true

	hw.AckEP0(true)
	hw.StallEP0()
	assert.Equal([]uint16{
		1<<CSR0_SERVICED_RXPKT | 1<<CSR0_DATA_END,
		1<<CSR0_SERVICED_RXPKT | 1<<CSR0_SEND_STALL,
	}, f.csr0)
}

func TestEP0SetupEnd(t *testing.T) {
	assert := require.New(t)

	hw, f := newController()
	f.Write16(USB_CSR0, 1<<CSR0_SETUP_END)
	f.instant = true

	ready, _ := hw.EP0Status()
	assert.False(ready)
	assert.Equal([]uint16{1 << CSR0_SERVICED_SETUP}, f.csr0)
}

func TestEP0StatusStage(t *testing.T) {
	assert := require.New(t)

	hw, f := newController()
	f.Write16(USB_CSR0, 1<<CSR0_DATA_END|1<<CSR0_SENT_STALL|1<<CSR0_SETUP_END)
	f.instant = true

	// stall and setup end are acknowledged while the status stage runs
	ready, _ := hw.EP0Status()
	assert.False(ready)
	assert.Equal([]uint16{
		1<<CSR0_DATA_END | 1<<CSR0_SETUP_END,
		1 << CSR0_SERVICED_SETUP,
	}, f.csr0)
}

func TestEP0Transmit(t *testing.T) {
	assert := require.New(t)

	hw, f := newController()
	f.instant = true

	data := make([]byte, 70)

	for i := range data {
		data[i] = byte(i)
	}

	assert.NoError(hw.WriteEP0(data))
	assert.Equal(data, f.tx)
	assert.Equal([]uint16{
		1 << CSR0_TX_PKT_RDY,
		1<<CSR0_TX_PKT_RDY | 1<<CSR0_DATA_END,
	}, f.csr0)

	// zero length data stage
	f.csr0 = nil
	assert.NoError(hw.WriteEP0(nil))
	assert.Equal([]uint16{1<<CSR0_TX_PKT_RDY | 1<<CSR0_DATA_END}, f.csr0)
}

func TestEP0TransmitTimeout(t *testing.T) {
	hw, f := newController()
	f.Write16(USB_CSR0, 1<<CSR0_TX_PKT_RDY)

	require.ErrorIs(t, hw.WriteEP0([]byte{1}), reg.ErrTimeout)
}

func TestSetAddress(t *testing.T) {
	assert := require.New(t)

	hw, f := newController()

	assert.NoError(hw.SetAddress(0x85))
	assert.Equal(uint8(5), f.Read8(USB_FADDR))

	f.Write16(USB_CSR0, 1<<CSR0_DATA_END)
	assert.ErrorIs(hw.SetAddress(6), reg.ErrTimeout)
	assert.Equal(uint8(5), f.Read8(USB_FADDR))
}

func TestConfigureEndpoint(t *testing.T) {
	assert := require.New(t)

	hw, f := newController()

	assert.NoError(hw.ConfigureEndpoint(usb.EndpointConfig{
		Address:       0x81,
		Attributes:    usb.BULK,
		MaxPacketSize: 512,
		FIFOAddress:   64,
		FIFOSize:      512,
	}))

	assert.Equal(uint16(512), f.Read16(USB_TXMAXP))
	assert.Equal(uint8(6), f.Read8(USB_TXFIFOSZ))
	assert.Equal(uint16(8), f.Read16(USB_TXFIFOADDR))
	assert.Equal(uint16(0x2048), f.Read16(USB_TXCSR))

	assert.NoError(hw.ConfigureEndpoint(usb.EndpointConfig{
		Address:       0x02,
		Attributes:    usb.BULK,
		MaxPacketSize: 64,
		FIFOAddress:   576,
		FIFOSize:      128,
	}))

	assert.Equal(uint16(64), f.Read16(USB_RXMAXP))
	assert.Equal(uint8(4), f.Read8(USB_RXFIFOSZ))
	assert.Equal(uint16(72), f.Read16(USB_RXFIFOADDR))
	assert.Equal(uint16(0x0090), f.Read16(USB_RXCSR))
	assert.Zero(f.Read8(USB_EPIND))

	assert.Error(hw.ConfigureEndpoint(usb.EndpointConfig{Address: 0x81, MaxPacketSize: 64, FIFOSize: 100}))
	assert.Error(hw.ConfigureEndpoint(usb.EndpointConfig{Address: 0x81, MaxPacketSize: 64, FIFOSize: 512, FIFOAddress: 3900}))
	assert.Error(hw.ConfigureEndpoint(usb.EndpointConfig{Address: 0x81, MaxPacketSize: 512, FIFOSize: 64}))
	assert.Error(hw.ConfigureEndpoint(usb.EndpointConfig{Address: 0x80, MaxPacketSize: 64, FIFOSize: 64}))
}

func TestBulk(t *testing.T) {
	assert := require.New(t)

	hw, f := newController()
	buf := make([]byte, 512)

	_, ok := hw.Read(2, buf)
	assert.False(ok)

	f.Write16(USB_RXCSR, 1<<RXCSR_RX_PKT_RDY)
	f.Write16(USB_RXCOUNT, 13)
	f.rx = []byte("0123456789abc")

	n, ok := hw.Read(2, buf)
	assert.True(ok)
	assert.Equal("0123456789abc", string(buf[:n]))
	assert.Zero(f.Read16(USB_RXCSR) & (1 << RXCSR_RX_PKT_RDY))

	assert.NoError(hw.Write(1, []byte("hello")))
	assert.Equal([]byte("hello"), f.tx)
	assert.NotZero(f.Read16(USB_TXCSR) & (1 << TXCSR_TX_PKT_RDY))

	// previous packet not yet sent
	assert.ErrorIs(hw.Write(1, []byte("again")), reg.ErrTimeout)

	assert.NoError(hw.SetStall(0x81, true))
	assert.Equal(uint16(1<<TXCSR_MODE|1<<TXCSR_SEND_STALL), f.Read16(USB_TXCSR))
	assert.NoError(hw.SetStall(0x81, false))
	assert.Equal(uint16(1<<TXCSR_MODE|1<<TXCSR_CLR_DATA_TOG), f.Read16(USB_TXCSR))

	assert.NoError(hw.SetStall(0x02, true))
	assert.Equal(uint16(1<<RXCSR_SEND_STALL), f.Read16(USB_RXCSR))

	assert.Error(hw.SetStall(0x80, true))
}
