// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package musb implements a driver for the Allwinner F1C100s USB OTG
// controller in device mode, it implements usb.Controller.
package musb

import (
	"fmt"
	"math/bits"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/f-secure-foundry/armory-sdbridge/internal/reg"
	"github.com/f-secure-foundry/armory-sdbridge/internal/usb"
)

// DefaultTimeout bounds waits on controller status.
const DefaultTimeout = 50 * time.Millisecond

// Controller represents the USB device controller.
type Controller struct {
	sync.Mutex

	// Bus provides register access
	Bus reg.Bus
	// Timeout bounds waits on controller status
	Timeout time.Duration
}

func (hw *Controller) timeout() time.Duration {
	if hw.Timeout == 0 {
		return DefaultTimeout
	}

	return hw.Timeout
}

// phyWrite bit-bangs len bits of data at PHY register addr.
func (hw *Controller) phyWrite(addr uint32, data uint32, n int) {
	for i := 0; i < n; i++ {
		ctl := hw.Bus.Read32(USB_PHYCTL) & 0xffff0000
		ctl |= (addr+uint32(i))<<PHYCTL_ADDR | (data&1)<<PHYCTL_DATA

		hw.Bus.Write32(USB_PHYCTL, ctl)
		reg.Set(hw.Bus, USB_PHYCTL, PHYCTL_COMMAND)
		reg.Clear(hw.Bus, USB_PHYCTL, PHYCTL_COMMAND)

		data >>= 1
	}
}

// Init tunes the PHY, masks and clears all interrupts then connects to the
// bus with high speed negotiation enabled. Controller clocks and resets must
// already be enabled.
func (hw *Controller) Init() {
	hw.Lock()
	defer hw.Unlock()

	// 45 Ohm resistor calibration
	hw.phyWrite(0x0c, 0x01, 1)
	// TX amplitude and slew rate
	hw.phyWrite(0x20, 0x14, 5)
	// disconnect detection threshold
	hw.phyWrite(0x2a, 0x03, 2)

	iscr := hw.Bus.Read32(USB_ISCR)
	hw.Bus.Write32(USB_ISCR, iscr&^ISCR_STATUS_MASK|ISCR_DEVICE_MODE)

	hw.Bus.Write8(USB_VEND0, 0)
	hw.Bus.Write8(USB_BUSINTE, 0)
	hw.Bus.Write8(USB_BUSINTS, BUSINT_ALL_MASK)
	hw.Bus.Write32(USB_EPINTE, 0)
	hw.Bus.Write32(USB_EPINTS, 0xffffffff)

	power := hw.Bus.Read8(USB_POWER)
	power &^= 1<<POWER_ISO_UPD | 1<<POWER_SOFTCONN
	power |= 1<<POWER_SOFTCONN | 1<<POWER_HS_ENAB
	hw.Bus.Write8(USB_POWER, power)

	logrus.Debug("musb: connected")
}

// Stop disconnects from the bus.
func (hw *Controller) Stop() {
	hw.Lock()
	defer hw.Unlock()

	power := hw.Bus.Read8(USB_POWER)
	hw.Bus.Write8(USB_POWER, power&^(1<<POWER_SOFTCONN))
}

// Events implements usb.Controller.
func (hw *Controller) Events() (ev usb.Events) {
	hw.Lock()
	defer hw.Unlock()

	bus := hw.Bus.Read8(USB_BUSINTS)
	hw.Bus.Write8(USB_BUSINTS, bus)

	ev.Suspend = bus&(1<<BUSINT_SUSPEND) != 0
	ev.Resume = bus&(1<<BUSINT_RESUME) != 0
	ev.Reset = bus&(1<<BUSINT_RESET) != 0

	if ev.Reset {
		hw.Bus.Write32(USB_EPINTS, 0xffffffff)
		hw.Bus.Write8(USB_EPIND, 0)
		hw.Bus.Write8(USB_FADDR, 0)
	}

	eps := hw.Bus.Read32(USB_EPINTS)
	hw.Bus.Write32(USB_EPINTS, eps)

	ev.EP0 = eps&1 != 0
	ev.IN = uint16(eps) &^ 1
	ev.OUT = uint16(eps >> 16)

	return
}

// HighSpeed implements usb.Controller.
func (hw *Controller) HighSpeed() bool {
	return hw.Bus.Read8(USB_POWER)&(1<<POWER_HS_MODE) != 0
}

func (hw *Controller) csr0() uint16 {
	hw.Bus.Write8(USB_EPIND, 0)
	return hw.Bus.Read16(USB_CSR0)
}

// SetAddress implements usb.Controller.
func (hw *Controller) SetAddress(addr uint8) (err error) {
	hw.Lock()
	defer hw.Unlock()

	hw.Bus.Write8(USB_EPIND, 0)

	// the address applies after the status stage
	err = reg.WaitFor8(hw.timeout(), hw.Bus, USB_CSR0, 1<<CSR0_DATA_END, 0)

	if err != nil {
		return fmt.Errorf("set address status stage, %w", err)
	}

	hw.Bus.Write8(USB_FADDR, addr&0x7f)

	return
}

// EP0Status implements usb.Controller.
func (hw *Controller) EP0Status() (ready bool, count int) {
	hw.Lock()
	defer hw.Unlock()

	csr := hw.csr0()

	if csr&(1<<CSR0_SENT_STALL) != 0 {
		csr &^= 1 << CSR0_SENT_STALL
		hw.Bus.Write16(USB_CSR0, csr)
	}

	if csr&(1<<CSR0_SETUP_END) != 0 {
		hw.Bus.Write16(USB_CSR0, 1<<CSR0_SERVICED_SETUP)
	}

	// status stage still in progress
	if csr&(1<<CSR0_DATA_END) != 0 {
		return
	}

	if csr&(1<<CSR0_RX_PKT_RDY) == 0 {
		return
	}

	return true, int(hw.Bus.Read16(USB_RXCOUNT))
}

func (hw *Controller) readFIFO(n int, buf []byte) {
	off := uint32(USB_FIFO0 + 4*n)
	i := 0

	for ; i+4 <= len(buf); i += 4 {
		w := hw.Bus.Read32(off)
		buf[i] = byte(w)
		buf[i+1] = byte(w >> 8)
		buf[i+2] = byte(w >> 16)
		buf[i+3] = byte(w >> 24)
	}

	for ; i < len(buf); i++ {
		buf[i] = hw.Bus.Read8(off)
	}
}

func (hw *Controller) writeFIFO(n int, buf []byte) {
	off := uint32(USB_FIFO0 + 4*n)
	i := 0

	for ; i+4 <= len(buf); i += 4 {
		hw.Bus.Write32(off, uint32(buf[i])|uint32(buf[i+1])<<8|uint32(buf[i+2])<<16|uint32(buf[i+3])<<24)
	}

	for ; i < len(buf); i++ {
		hw.Bus.Write8(off, buf[i])
	}
}

// ReadEP0 implements usb.Controller.
func (hw *Controller) ReadEP0(buf []byte) int {
	hw.Lock()
	defer hw.Unlock()

	hw.Bus.Write8(USB_EPIND, 0)

	count := int(hw.Bus.Read16(USB_RXCOUNT))

	if count > len(buf) {
		count = len(buf)
	}

	hw.readFIFO(0, buf[:count])

	return count
}

// AckEP0 implements usb.Controller.
func (hw *Controller) AckEP0(dataEnd bool) {
	hw.Lock()
	defer hw.Unlock()

	csr := uint16(1 << CSR0_SERVICED_RXPKT)

	if dataEnd {
		csr |= 1 << CSR0_DATA_END
	}

	hw.Bus.Write8(USB_EPIND, 0)
	hw.Bus.Write16(USB_CSR0, csr)
}

// StallEP0 implements usb.Controller.
func (hw *Controller) StallEP0() {
	hw.Lock()
	defer hw.Unlock()

	hw.Bus.Write8(USB_EPIND, 0)
	hw.Bus.Write16(USB_CSR0, 1<<CSR0_SERVICED_RXPKT|1<<CSR0_SEND_STALL)
}

// WriteEP0 implements usb.Controller.
func (hw *Controller) WriteEP0(data []byte) (err error) {
	hw.Lock()
	defer hw.Unlock()

	for {
		hw.Bus.Write8(USB_EPIND, 0)
		err = reg.WaitFor8(hw.timeout(), hw.Bus, USB_CSR0, 1<<CSR0_TX_PKT_RDY, 0)

		if err != nil {
			return fmt.Errorf("control IN, %w", err)
		}

		n := len(data)

		if n > usb.EP0_MAX_PACKET_SIZE {
			n = usb.EP0_MAX_PACKET_SIZE
		}

		hw.writeFIFO(0, data[:n])
		data = data[n:]

		if len(data) == 0 {
			hw.Bus.Write16(USB_CSR0, 1<<CSR0_TX_PKT_RDY|1<<CSR0_DATA_END)
			return
		}

		hw.Bus.Write16(USB_CSR0, 1<<CSR0_TX_PKT_RDY)
	}
}

func fifoSize(size int) (sz uint8, err error) {
	if size < MIN_FIFO_SIZE || size > FIFO_RAM_SIZE || size&(size-1) != 0 {
		return 0, fmt.Errorf("invalid FIFO size %d", size)
	}

	return uint8(bits.TrailingZeros(uint(size)) - 3), nil
}

// ConfigureEndpoint implements usb.Controller.
func (hw *Controller) ConfigureEndpoint(ep usb.EndpointConfig) (err error) {
	n := ep.Number()

	if n == 0 {
		return fmt.Errorf("invalid endpoint %#x", ep.Address)
	}

	sz, err := fifoSize(ep.FIFOSize)

	if err != nil {
		return
	}

	if ep.FIFOAddress%8 != 0 || ep.FIFOAddress+ep.FIFOSize > FIFO_RAM_SIZE {
		return fmt.Errorf("invalid FIFO address %#x", ep.FIFOAddress)
	}

	if int(ep.MaxPacketSize) > ep.FIFOSize {
		return fmt.Errorf("FIFO size %d below packet size %d", ep.FIFOSize, ep.MaxPacketSize)
	}

	hw.Lock()
	defer hw.Unlock()

	hw.Bus.Write8(USB_EPIND, uint8(n))

	if ep.In() {
		hw.Bus.Write16(USB_TXMAXP, ep.MaxPacketSize)
		hw.Bus.Write8(USB_TXFIFOSZ, sz)
		hw.Bus.Write16(USB_TXFIFOADDR, uint16(ep.FIFOAddress/8))
		hw.Bus.Write16(USB_TXCSR, 1<<TXCSR_MODE|1<<TXCSR_CLR_DATA_TOG|1<<TXCSR_FLUSH_FIFO)
	} else {
		hw.Bus.Write16(USB_RXMAXP, ep.MaxPacketSize)
		hw.Bus.Write8(USB_RXFIFOSZ, sz)
		hw.Bus.Write16(USB_RXFIFOADDR, uint16(ep.FIFOAddress/8))
		hw.Bus.Write16(USB_RXCSR, 1<<RXCSR_CLR_DATA_TOG|1<<RXCSR_FLUSH_FIFO)
	}

	hw.Bus.Write8(USB_EPIND, 0)

	return
}

// Read implements usb.Controller.
func (hw *Controller) Read(n int, buf []byte) (count int, ok bool) {
	hw.Lock()
	defer hw.Unlock()

	hw.Bus.Write8(USB_EPIND, uint8(n))
	defer hw.Bus.Write8(USB_EPIND, 0)

	csr := hw.Bus.Read16(USB_RXCSR)

	if csr&(1<<RXCSR_RX_PKT_RDY) == 0 {
		return
	}

	count = int(hw.Bus.Read16(USB_RXCOUNT))

	if count > len(buf) {
		logrus.Warnf("musb: endpoint %d OUT packet truncated (%d > %d)", n, count, len(buf))
		count = len(buf)
	}

	hw.readFIFO(n, buf[:count])
	hw.Bus.Write16(USB_RXCSR, csr&^(1<<RXCSR_RX_PKT_RDY))

	return count, true
}

// Write implements usb.Controller.
func (hw *Controller) Write(n int, data []byte) (err error) {
	hw.Lock()
	defer hw.Unlock()

	hw.Bus.Write8(USB_EPIND, uint8(n))
	defer hw.Bus.Write8(USB_EPIND, 0)

	err = reg.Poll(hw.timeout(), func() bool {
		return hw.Bus.Read16(USB_TXCSR)&(1<<TXCSR_TX_PKT_RDY|1<<TXCSR_FIFO_NOT_EMPTY) == 0
	})

	if err != nil {
		return fmt.Errorf("endpoint %d IN busy, %w", n, err)
	}

	hw.writeFIFO(n, data)

	csr := hw.Bus.Read16(USB_TXCSR)
	hw.Bus.Write16(USB_TXCSR, csr|1<<TXCSR_TX_PKT_RDY)

	return
}

// SetStall implements usb.Controller.
func (hw *Controller) SetStall(address uint8, stall bool) (err error) {
	n := address & 0x0f

	if n == 0 {
		return fmt.Errorf("invalid endpoint %#x", address)
	}

	hw.Lock()
	defer hw.Unlock()

	hw.Bus.Write8(USB_EPIND, n)
	defer hw.Bus.Write8(USB_EPIND, 0)

	switch {
	case address&0x80 != 0 && stall:
		hw.Bus.Write16(USB_TXCSR, 1<<TXCSR_MODE|1<<TXCSR_SEND_STALL)
	case address&0x80 != 0:
		hw.Bus.Write16(USB_TXCSR, 1<<TXCSR_MODE|1<<TXCSR_CLR_DATA_TOG)
	case stall:
		hw.Bus.Write16(USB_RXCSR, 1<<RXCSR_SEND_STALL)
	default:
		hw.Bus.Write16(USB_RXCSR, 1<<RXCSR_CLR_DATA_TOG)
	}

	return
}
