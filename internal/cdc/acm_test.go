// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cdc_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/f-secure-foundry/armory-sdbridge/internal/cdc"
	"github.com/f-secure-foundry/armory-sdbridge/internal/usb"
	"github.com/f-secure-foundry/armory-sdbridge/internal/usbsim"
)

const (
	classOut = usb.REQUEST_CLASS | usb.RECIPIENT_IFACE
	classIn  = usb.REQUEST_DIR_IN | classOut
)

func newACM(t *testing.T, size int) (*cdc.ACM, *usb.Device, *usbsim.Controller) {
	ctrl := usbsim.New()
	dev := usb.NewDevice(ctrl)

	require.NoError(t, dev.Identify(usb.Identity{
		VendorID:     0x1eaf,
		ProductID:    0x0024,
		Release:      0x0100,
		Manufacturer: "Vendor",
		Product:      "F1C200s CDC",
		Serial:       "000000000000",
	}))

	acm := cdc.New(size)
	acm.Attach(dev)

	ctrl.Pump = dev.Poll

	return acm, dev, ctrl
}

func TestLineCodingRoundTrip(t *testing.T) {
	assert := require.New(t)

	l := cdc.LineCoding{Rate: 9600, StopBits: 2, Parity: 2, DataBits: 7}
	buf := l.Bytes()
	assert.Equal([]byte{0x80, 0x25, 0, 0, 2, 2, 7}, buf)

	parsed, err := cdc.ParseLineCoding(buf)
	assert.NoError(err)
	assert.Equal(l, parsed)
	assert.Equal("9600 7E2", parsed.String())

	_, err = cdc.ParseLineCoding(buf[:6])
	assert.Error(err)
}

func TestDescriptors(t *testing.T) {
	assert := require.New(t)

	_, dev, ctrl := newACM(t, 0)

	desc, conf, err := ctrl.Enumerate()
	assert.NoError(err)

	assert.Equal([]byte{0xef, 0x02, 0x01}, desc[4:7])
	assert.Equal(uint8(1), dev.Configured())

	// configuration, IAD, control interface, 4 functional descriptors,
	// notification endpoint, data interface, bulk endpoints
	assert.Len(conf, 9+8+9+5+4+5+5+7+9+7+7)
	assert.Equal(uint8(2), conf[4])

	iad := conf[9 : 9+8]
	assert.Equal([]byte{8, usb.INTERFACE_ASSOCIATION, 0, 2, 2, 2, 1, dev.Descriptor.Product}, iad)

	header := conf[9+8+9:]
	assert.Equal([]byte{5, cdc.CS_INTERFACE, cdc.HEADER, 0x10, 0x01}, header[:5])

	notify, ok := ctrl.Endpoint(cdc.NOTIFY_EP)
	assert.True(ok)
	assert.Equal(64, notify.FIFOAddress)
	assert.Equal(uint8(usb.INTERRUPT), notify.Attributes)

	in, ok := ctrl.Endpoint(cdc.BULK_IN_EP)
	assert.True(ok)
	assert.Equal(64+128, in.FIFOAddress)

	out, ok := ctrl.Endpoint(cdc.BULK_OUT_EP)
	assert.True(ok)
	assert.Equal(64+128+512, out.FIFOAddress)

	product, err := ctrl.GetDescriptor(usb.STRING, dev.Descriptor.Product, 255)
	assert.NoError(err)
	assert.Equal(byte(2+2*len("F1C200s CDC")), product[0])
}

func TestLineCodingRequests(t *testing.T) {
	assert := require.New(t)

	acm, _, ctrl := newACM(t, 0)

	_, _, err := ctrl.Enumerate()
	assert.NoError(err)

	line, err := ctrl.Control(usb.SetupData{RequestType: classIn, Request: cdc.GET_LINE_CODING, Length: 7}, nil)
	assert.NoError(err)
	assert.Equal(cdc.DefaultLineCoding.Bytes(), line)

	l := cdc.LineCoding{Rate: 9600, Parity: 1, DataBits: 8}

	_, err = ctrl.Control(usb.SetupData{RequestType: classOut, Request: cdc.SET_LINE_CODING, Length: 7}, l.Bytes())
	assert.NoError(err)
	assert.Equal(l, acm.LineCoding())

	line, err = ctrl.Control(usb.SetupData{RequestType: classIn, Request: cdc.GET_LINE_CODING, Length: 7}, nil)
	assert.NoError(err)
	assert.Equal(l.Bytes(), line)

	// wrong length is ignored
	_, err = ctrl.Control(usb.SetupData{RequestType: classOut, Request: cdc.SET_LINE_CODING, Length: 4}, []byte{1, 2, 3, 4})
	assert.NoError(err)
	assert.Equal(l, acm.LineCoding())
}

func TestControlLineState(t *testing.T) {
	assert := require.New(t)

	acm, _, ctrl := newACM(t, 0)

	_, _, err := ctrl.Enumerate()
	assert.NoError(err)

	_, err = ctrl.Control(usb.SetupData{RequestType: classOut, Request: cdc.SET_CONTROL_LINE_STATE, Value: 0x03}, nil)
	assert.NoError(err)
	assert.True(acm.DTR())
	assert.True(acm.RTS())

	_, err = ctrl.Control(usb.SetupData{RequestType: classOut, Request: cdc.SET_CONTROL_LINE_STATE, Value: 0x01}, nil)
	assert.NoError(err)
	assert.True(acm.DTR())
	assert.False(acm.RTS())

	_, err = ctrl.Control(usb.SetupData{RequestType: classOut, Request: cdc.SEND_BREAK, Value: 100}, nil)
	assert.NoError(err)

	// SEND_ENCAPSULATED_COMMAND
	_, err = ctrl.Control(usb.SetupData{RequestType: classOut, Request: 0x00}, nil)
	assert.ErrorIs(err, usbsim.ErrStall)
}

func TestEcho(t *testing.T) {
	assert := require.New(t)

	acm, _, ctrl := newACM(t, 0)

	_, _, err := ctrl.Enumerate()
	assert.NoError(err)

	assert.NoError(ctrl.Send(3, []byte("hello\r\n")))
	assert.Equal(7, acm.Buffered())

	buf := make([]byte, 64)
	n, err := acm.Read(buf)
	assert.NoError(err)
	assert.Equal("hello\r\n", string(buf[:n]))
	assert.Zero(acm.Buffered())

	_, err = acm.Write(buf[:n])
	assert.NoError(err)

	echo, err := ctrl.Receive(2, 64)
	assert.NoError(err)
	assert.Equal("hello\r\n", string(echo))
}

func TestTransmitChunks(t *testing.T) {
	assert := require.New(t)

	acm, _, ctrl := newACM(t, 0)

	_, _, err := ctrl.Enumerate()
	assert.NoError(err)

	data := bytes.Repeat([]byte("0123456789"), 15)

	_, err = acm.Write(data)
	assert.NoError(err)

	// a single packet in flight
	assert.Equal(64, ctrl.Pending(2))

	assert.NoError(acm.WriteByte('!'))
	assert.Equal(64, ctrl.Pending(2))

	out, err := ctrl.Receive(2, len(data)+1)
	assert.NoError(err)
	assert.Equal(append(data, '!'), out)
}

func TestReceiveOverflow(t *testing.T) {
	assert := require.New(t)

	acm, _, ctrl := newACM(t, 8)

	_, _, err := ctrl.Enumerate()
	assert.NoError(err)

	assert.NoError(ctrl.Send(3, []byte("0123456789")))
	assert.Equal(2, acm.Overflows())
	assert.Equal(8, acm.Buffered())

	buf := make([]byte, 16)
	n, _ := acm.Read(buf)
	assert.Equal("23456789", string(buf[:n]))
}

func TestBusReset(t *testing.T) {
	assert := require.New(t)

	acm, _, ctrl := newACM(t, 0)

	_, _, err := ctrl.Enumerate()
	assert.NoError(err)

	_, err = ctrl.Control(usb.SetupData{RequestType: classOut, Request: cdc.SET_CONTROL_LINE_STATE, Value: 0x01}, nil)
	assert.NoError(err)

	assert.NoError(ctrl.BusReset())
	assert.False(acm.DTR())
	assert.Equal(cdc.DefaultLineCoding, acm.LineCoding())

	// no transfer is started while unconfigured
	_, err = acm.Write([]byte("x"))
	assert.NoError(err)
	assert.Zero(ctrl.Pending(2))
}
