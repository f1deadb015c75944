// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usbsim

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/f-secure-foundry/armory-sdbridge/internal/usb"
)

// DefaultAddress is the function address assigned by Enumerate.
const DefaultAddress = 5

func (c *Controller) timeout() time.Duration {
	if c.Timeout == 0 {
		return defaultTimeout
	}

	return c.Timeout
}

// wait runs the device until cond, evaluated with the controller lock held,
// is satisfied.
func (c *Controller) wait(cond func() bool) error {
	deadline := time.Now().Add(c.timeout())

	for {
		if c.Pump != nil {
			if err := c.Pump(); err != nil {
				return err
			}
		}

		c.mu.Lock()
		ok := cond()
		c.mu.Unlock()

		if ok {
			return nil
		}

		if time.Now().After(deadline) {
			return ErrTimeout
		}

		if c.Pump == nil {
			time.Sleep(50 * time.Microsecond)
		}
	}
}

// Address returns the function address programmed by the device.
func (c *Controller) Address() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.address
}

// Endpoint returns the configuration of an endpoint.
func (c *Controller) Endpoint(address uint8) (ep usb.EndpointConfig, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	ep, ok = c.endpoints[address]

	return
}

// EP0Stalled reports whether the last control transfer was stalled.
func (c *Controller) EP0Stalled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.ep0Stall
}

// Stalled reports the halt condition of an endpoint.
func (c *Controller) Stalled(address uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.stalled[address]
}

// BusReset signals a bus reset to the device, dropping all controller state.
func (c *Controller) BusReset() error {
	c.mu.Lock()
	c.clear()
	c.ev.Reset = true
	c.mu.Unlock()

	return c.wait(func() bool { return !c.ev.Reset })
}

// Packet queues a raw control endpoint packet, waiting for the device to
// consume it.
func (c *Controller) Packet(p []byte) error {
	c.mu.Lock()
	c.ep0Ready = false
	c.ep0Done = false
	c.ep0Stall = false
	c.ep0 = append(c.ep0, append([]byte{}, p...))
	c.mu.Unlock()

	return c.wait(func() bool { return len(c.ep0) == 0 })
}

// Control performs a control transfer, for host-to-device requests data is
// sent as data stage, for device-to-host ones the data stage is returned.
func (c *Controller) Control(setup usb.SetupData, data []byte) (in []byte, err error) {
	if !setup.In() && len(data) != int(setup.Length) {
		return nil, fmt.Errorf("data stage length mismatch (%d != %d)", len(data), setup.Length)
	}

	c.mu.Lock()
	c.ep0In = nil
	c.ep0Ready = false
	c.ep0Done = false
	c.ep0Stall = false
	c.ep0 = append(c.ep0, setup.Bytes())
	c.mu.Unlock()

	expectData := !setup.In() && setup.Length > 0

	err = c.wait(func() bool {
		return c.ep0Done || (expectData && c.ep0Ready && len(c.ep0) == 0)
	})

	if err != nil {
		return
	}

	c.mu.Lock()
	stall := c.ep0Stall
	done := c.ep0Done
	in = c.ep0In
	c.mu.Unlock()

	if stall {
		return nil, ErrStall
	}

	if done {
		return
	}

	c.mu.Lock()
	c.ep0 = append(c.ep0, append([]byte{}, data...))
	c.mu.Unlock()

	if err = c.wait(func() bool { return c.ep0Done }); err != nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ep0Stall {
		return nil, ErrStall
	}

	return nil, nil
}

// GetDescriptor requests a descriptor of the given type, index and length.
func (c *Controller) GetDescriptor(typ uint8, index uint8, length uint16) ([]byte, error) {
	return c.Control(usb.SetupData{
		RequestType: usb.REQUEST_DIR_IN,
		Request:     usb.GET_DESCRIPTOR,
		Value:       uint16(typ)<<8 | uint16(index),
		Length:      length,
	}, nil)
}

// Enumerate resets and configures the device with its first configuration,
// returning its device and full configuration descriptors.
func (c *Controller) Enumerate() (dev []byte, conf []byte, err error) {
	if err = c.BusReset(); err != nil {
		return
	}

	if _, err = c.GetDescriptor(usb.DEVICE, 0, 8); err != nil {
		return nil, nil, fmt.Errorf("device descriptor, %w", err)
	}

	_, err = c.Control(usb.SetupData{
		Request: usb.SET_ADDRESS,
		Value:   DefaultAddress,
	}, nil)

	if err != nil {
		return nil, nil, fmt.Errorf("set address, %w", err)
	}

	if dev, err = c.GetDescriptor(usb.DEVICE, 0, usb.DEVICE_LENGTH); err != nil {
		return nil, nil, fmt.Errorf("device descriptor, %w", err)
	}

	hdr, err := c.GetDescriptor(usb.CONFIGURATION, 0, usb.CONFIGURATION_LENGTH)

	if err != nil || len(hdr) < 4 {
		return nil, nil, fmt.Errorf("configuration descriptor, %v", err)
	}

	total := binary.LittleEndian.Uint16(hdr[2:])

	if conf, err = c.GetDescriptor(usb.CONFIGURATION, 0, total); err != nil {
		return nil, nil, fmt.Errorf("configuration descriptor, %w", err)
	}

	_, err = c.Control(usb.SetupData{
		Request: usb.SET_CONFIGURATION,
		Value:   uint16(conf[5]),
	}, nil)

	if err != nil {
		return nil, nil, fmt.Errorf("set configuration, %w", err)
	}

	return
}

// ClearHalt clears the halt condition of an endpoint.
func (c *Controller) ClearHalt(address uint8) (err error) {
	_, err = c.Control(usb.SetupData{
		RequestType: usb.RECIPIENT_EP,
		Request:     usb.CLEAR_FEATURE,
		Value:       usb.ENDPOINT_HALT,
		Index:       uint16(address),
	}, nil)

	return
}

// Send transmits data on OUT endpoint n, split in maximum size packets,
// waiting for the device to consume all of them.
func (c *Controller) Send(n int, data []byte) error {
	ep, ok := c.Endpoint(uint8(n))

	if !ok {
		return fmt.Errorf("endpoint %d OUT not configured", n)
	}

	size := int(ep.MaxPacketSize)

	c.mu.Lock()

	for off := 0; off < len(data) || off == 0; off += size {
		end := off + size

		if end > len(data) {
			end = len(data)
		}

		c.out[n] = append(c.out[n], append([]byte{}, data[off:end]...))

		if len(data) == 0 {
			break
		}
	}

	c.mu.Unlock()

	if err := c.wait(func() bool { return len(c.out[n]) == 0 || c.stalled[uint8(n)] }); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.out[n]) > 0 {
		c.out[n] = nil
		return ErrStall
	}

	return nil
}

// Receive reads up to length bytes from IN endpoint n, the transfer ends on a
// short packet or once length bytes have been received.
func (c *Controller) Receive(n int, length int) (data []byte, err error) {
	addr := uint8(n) | 0x80

	for {
		var short bool

		err = c.wait(func() bool { return len(c.in[n]) > 0 || c.stalled[addr] })

		if err != nil {
			return
		}

		c.mu.Lock()

		if len(c.in[n]) == 0 {
			c.mu.Unlock()
			return data, ErrStall
		}

		p := c.in[n][0]
		c.in[n] = c.in[n][1:]

		if len(c.in[n]) == 0 {
			c.ev.IN |= 1 << n
		}

		short = len(p) < int(c.endpoints[addr].MaxPacketSize)
		c.mu.Unlock()

		data = append(data, p...)

		if short || len(data) >= length {
			return
		}
	}
}

// Pending returns the number of bytes queued by the device on IN endpoint n.
func (c *Controller) Pending(n int) (size int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.in[n] {
		size += len(p)
	}

	return
}
