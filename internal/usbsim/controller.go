// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package usbsim implements an in-memory USB device controller together with
// the host side operations needed to enumerate and exercise a usb.Device.
package usbsim

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/f-secure-foundry/armory-sdbridge/internal/usb"
)

const defaultTimeout = 2 * time.Second

var (
	// ErrStall is returned when the device stalls a transfer.
	ErrStall = errors.New("endpoint stalled")
	// ErrTimeout is returned when the device does not complete a transfer.
	ErrTimeout = errors.New("transfer timeout")
)

// Controller implements usb.Controller over in-memory packet queues.
type Controller struct {
	// Pump, when set, is invoked by host operations to let the device run,
	// otherwise the device is expected to be polled by another goroutine.
	Pump func() error
	// Timeout bounds host operations
	Timeout time.Duration
	// HS connects the device at high speed
	HS bool

	mu sync.Mutex
	ev usb.Events

	// control endpoint
	ep0      [][]byte
	ep0In    []byte
	ep0Ready bool
	ep0Done  bool
	ep0Stall bool
	address  uint8

	endpoints map[uint8]usb.EndpointConfig
	out       map[int][][]byte
	in        map[int][][]byte
	stalled   map[uint8]bool
}

// New returns an attached controller.
func New() *Controller {
	c := &Controller{
		Timeout: defaultTimeout,
	}

	c.clear()

	return c
}

func (c *Controller) clear() {
	c.ep0 = nil
	c.ep0In = nil
	c.ep0Ready = false
	c.ep0Done = false
	c.ep0Stall = false
	c.address = 0

	c.endpoints = make(map[uint8]usb.EndpointConfig)
	c.out = make(map[int][][]byte)
	c.in = make(map[int][][]byte)
	c.stalled = make(map[uint8]bool)
}

// Events implements usb.Controller.
func (c *Controller) Events() (ev usb.Events) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ev = c.ev
	c.ev = usb.Events{}

	if len(c.ep0) > 0 {
		ev.EP0 = true
	}

	for n, q := range c.out {
		if len(q) > 0 {
			ev.OUT |= 1 << n
		}
	}

	return
}

// HighSpeed implements usb.Controller.
func (c *Controller) HighSpeed() bool {
	return c.HS
}

// SetAddress implements usb.Controller.
func (c *Controller) SetAddress(addr uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.address = addr

	return nil
}

// EP0Status implements usb.Controller.
func (c *Controller) EP0Status() (ready bool, count int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.ep0) == 0 {
		return false, 0
	}

	return true, len(c.ep0[0])
}

// ReadEP0 implements usb.Controller.
func (c *Controller) ReadEP0(buf []byte) (n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.ep0) == 0 {
		return
	}

	n = copy(buf, c.ep0[0])
	c.ep0 = c.ep0[1:]

	return
}

// AckEP0 implements usb.Controller.
func (c *Controller) AckEP0(dataEnd bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ep0Ready = true

	if dataEnd {
		c.ep0Done = true
	}
}

// StallEP0 implements usb.Controller.
func (c *Controller) StallEP0() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ep0Stall = true
	c.ep0Done = true
}

// WriteEP0 implements usb.Controller.
func (c *Controller) WriteEP0(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ep0In = append(c.ep0In, data...)
	c.ep0Done = true

	return nil
}

// ConfigureEndpoint implements usb.Controller.
func (c *Controller) ConfigureEndpoint(ep usb.EndpointConfig) error {
	if ep.Number() == 0 || ep.MaxPacketSize == 0 {
		return fmt.Errorf("invalid endpoint %#x", ep.Address)
	}

	if ep.FIFOSize < int(ep.MaxPacketSize) {
		return fmt.Errorf("endpoint %#x FIFO smaller than packet size", ep.Address)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.endpoints[ep.Address] = ep

	return nil
}

// Read implements usb.Controller.
func (c *Controller) Read(n int, buf []byte) (count int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.out[n]

	if len(q) == 0 {
		return 0, false
	}

	count = copy(buf, q[0])
	c.out[n] = q[1:]

	return count, true
}

// Write implements usb.Controller.
func (c *Controller) Write(n int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep, ok := c.endpoints[uint8(n)|0x80]

	if !ok {
		return fmt.Errorf("endpoint %d IN not configured", n)
	}

	if len(data) > int(ep.MaxPacketSize) {
		return fmt.Errorf("packet exceeds endpoint %d IN maximum size (%d > %d)", n, len(data), ep.MaxPacketSize)
	}

	c.in[n] = append(c.in[n], append([]byte{}, data...))

	return nil
}

// SetStall implements usb.Controller.
func (c *Controller) SetStall(address uint8, stall bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.endpoints[address]; !ok {
		return fmt.Errorf("invalid endpoint %#x", address)
	}

	c.stalled[address] = stall

	return nil
}
