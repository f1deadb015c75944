// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb_test

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/f-secure-foundry/armory-sdbridge/internal/usb"
	"github.com/f-secure-foundry/armory-sdbridge/internal/usbsim"
)

const (
	vendorRequestOut = 0x21
	vendorRequestIn  = 0xa1
)

type testClass struct {
	setups     []usb.SetupData
	data       [][]byte
	configured int
	resets     int
	events     []usb.Events
}

func (c *testClass) Setup(setup *usb.SetupData) ([]byte, error) {
	c.setups = append(c.setups, *setup)

	switch setup.Request {
	case vendorRequestOut:
		return nil, nil
	case vendorRequestIn:
		return []byte{1, 2, 3, 4, 5, 6, 7}, nil
	}

	return nil, usb.ErrUnsupportedRequest
}

func (c *testClass) Data(setup *usb.SetupData, out []byte) error {
	c.data = append(c.data, out)
	return nil
}

func (c *testClass) Configure(ctrl usb.Controller, conf *usb.ConfigurationDescriptor) error {
	c.configured++
	return nil
}

func (c *testClass) Handle(ctrl usb.Controller, ev usb.Events) error {
	c.events = append(c.events, ev)

	buf := make([]byte, 512)

	for n := 1; n < 16; n++ {
		if ev.OUT&(1<<n) == 0 {
			continue
		}

		for {
			if _, ok := ctrl.Read(n, buf); !ok {
				break
			}
		}
	}

	return nil
}

func (c *testClass) Reset() {
	c.resets++
}

func newDevice(t *testing.T) (*usb.Device, *usbsim.Controller, *testClass) {
	ctrl := usbsim.New()
	class := &testClass{}

	dev := usb.NewDevice(ctrl)
	dev.Class = class

	dev.Descriptor = &usb.DeviceDescriptor{}
	dev.Descriptor.SetDefaults()
	dev.Descriptor.VendorId = 0x1209
	dev.Descriptor.ProductId = 0x2702

	dev.Qualifier = &usb.DeviceQualifierDescriptor{}
	dev.Qualifier.SetDefaults()

	require.NoError(t, dev.SetLanguageCodes([]uint16{0x0409}))

	product, err := dev.AddString("Test")
	require.NoError(t, err)
	dev.Descriptor.Product = product

	conf := &usb.ConfigurationDescriptor{}
	conf.SetDefaults()

	iface := &usb.InterfaceDescriptor{}
	iface.SetDefaults()
	iface.InterfaceClass = 0xff

	in := &usb.EndpointDescriptor{}
	in.SetDefaults()
	in.EndpointAddress = 0x81

	out := &usb.EndpointDescriptor{}
	out.SetDefaults()
	out.EndpointAddress = 0x02

	iface.AddEndpoint(in)
	iface.AddEndpoint(out)
	conf.AddInterface(iface)
	dev.AddConfiguration(conf)

	ctrl.Pump = dev.Poll

	return dev, ctrl, class
}

func TestParseSetup(t *testing.T) {
	assert := require.New(t)

	setup, err := usb.ParseSetup([]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00})
	assert.NoError(err)
	assert.Equal(usb.SetupData{RequestType: 0x80, Request: usb.GET_DESCRIPTOR, Value: 0x0100, Length: 18}, *setup)
	assert.True(setup.In())
	assert.Equal([]byte{0x80, 0x06, 0x00, 0x01, 0x00, 0x00, 0x12, 0x00}, setup.Bytes())

	_, err = usb.ParseSetup(make([]byte, 7))
	assert.Error(err)
}

func TestEnumerate(t *testing.T) {
	assert := require.New(t)

	dev, ctrl, class := newDevice(t)

	desc, conf, err := ctrl.Enumerate()
	assert.NoError(err)

	assert.Len(desc, usb.DEVICE_LENGTH)
	assert.Equal(uint16(0x1209), binary.LittleEndian.Uint16(desc[8:]))
	assert.Equal(uint16(0x2702), binary.LittleEndian.Uint16(desc[10:]))

	// configuration, interface and two endpoints
	assert.Len(conf, 9+9+7+7)
	assert.Equal(uint16(len(conf)), binary.LittleEndian.Uint16(conf[2:]))

	assert.Equal(uint8(usbsim.DefaultAddress), dev.Address())
	assert.Equal(uint8(usbsim.DefaultAddress), ctrl.Address())
	assert.Equal(uint8(1), dev.Configured())
	assert.Equal(1, class.configured)
	assert.Equal(1, class.resets)

	in, ok := ctrl.Endpoint(0x81)
	assert.True(ok)
	assert.Equal(64, in.FIFOAddress)
	assert.Equal(uint16(64), in.MaxPacketSize)

	out, ok := ctrl.Endpoint(0x02)
	assert.True(ok)
	assert.Equal(64+512, out.FIFOAddress)

	cfg, err := ctrl.Control(usb.SetupData{RequestType: usb.REQUEST_DIR_IN, Request: usb.GET_CONFIGURATION, Length: 1}, nil)
	assert.NoError(err)
	assert.Equal([]byte{1}, cfg)
}

func TestHighSpeed(t *testing.T) {
	assert := require.New(t)

	_, ctrl, _ := newDevice(t)
	ctrl.HS = true

	_, conf, err := ctrl.Enumerate()
	assert.NoError(err)

	// first endpoint wMaxPacketSize
	assert.Equal(uint16(512), binary.LittleEndian.Uint16(conf[9+9+4:]))

	in, _ := ctrl.Endpoint(0x81)
	assert.Equal(uint16(512), in.MaxPacketSize)
}

func TestDescriptorTruncation(t *testing.T) {
	assert := require.New(t)

	_, ctrl, _ := newDevice(t)

	desc, err := ctrl.GetDescriptor(usb.DEVICE, 0, 8)
	assert.NoError(err)
	assert.Len(desc, 8)

	desc, err = ctrl.GetDescriptor(usb.DEVICE, 0, 255)
	assert.NoError(err)
	assert.Len(desc, usb.DEVICE_LENGTH)

	lang, err := ctrl.GetDescriptor(usb.STRING, 0, 255)
	assert.NoError(err)
	assert.Equal([]byte{4, usb.STRING, 0x09, 0x04}, lang)

	s, err := ctrl.GetDescriptor(usb.STRING, 1, 255)
	assert.NoError(err)
	assert.Equal([]byte{10, usb.STRING, 'T', 0, 'e', 0, 's', 0, 't', 0}, s)

	q, err := ctrl.GetDescriptor(usb.DEVICE_QUALIFIER, 0, 255)
	assert.NoError(err)
	assert.Len(q, usb.DEVICE_QUALIFIER_LENGTH)

	_, err = ctrl.GetDescriptor(usb.STRING, 9, 255)
	assert.ErrorIs(err, usbsim.ErrStall)
}

func TestUnknownRequestStalls(t *testing.T) {
	assert := require.New(t)

	dev, ctrl, _ := newDevice(t)

	_, err := ctrl.Control(usb.SetupData{Request: usb.SYNCH_FRAME}, nil)
	assert.ErrorIs(err, usbsim.ErrStall)

	_, err = ctrl.Control(usb.SetupData{RequestType: usb.REQUEST_VENDOR, Request: 1}, nil)
	assert.ErrorIs(err, usbsim.ErrStall)

	_, err = ctrl.Control(usb.SetupData{Request: usb.SET_CONFIGURATION, Value: 7}, nil)
	assert.ErrorIs(err, usbsim.ErrStall)

	// the engine keeps serving requests
	desc, err := ctrl.GetDescriptor(usb.DEVICE, 0, 18)
	assert.NoError(err)
	assert.Len(desc, 18)
	assert.Equal(usb.ControlPacket, dev.State())
}

func TestMalformedSetup(t *testing.T) {
	assert := require.New(t)

	dev, ctrl, _ := newDevice(t)

	assert.NoError(ctrl.Packet(make([]byte, 7)))
	assert.True(ctrl.EP0Stalled())
	assert.Equal(usb.ControlPacket, dev.State())
	assert.NoError(dev.Poll())

	_, err := ctrl.Control(usb.SetupData{RequestType: usb.REQUEST_DIR_IN, Request: usb.GET_CONFIGURATION, Length: 1}, nil)
	assert.NoError(err)
}

func TestAccumulate(t *testing.T) {
	assert := require.New(t)

	dev, ctrl, class := newDevice(t)
	dev.Accumulate = true

	setup := usb.SetupData{RequestType: usb.REQUEST_CLASS | usb.RECIPIENT_IFACE, Request: vendorRequestOut}
	raw := setup.Bytes()

	assert.NoError(ctrl.Packet(raw[:3]))
	assert.Empty(class.setups)

	assert.NoError(ctrl.Packet(raw[3:]))
	assert.Len(class.setups, 1)
	assert.Equal(setup, class.setups[0])
}

func TestAccumulateCarry(t *testing.T) {
	assert := require.New(t)

	dev, ctrl, class := newDevice(t)
	dev.Accumulate = true

	first := usb.SetupData{RequestType: usb.REQUEST_CLASS | usb.RECIPIENT_IFACE, Request: vendorRequestOut}
	second := usb.SetupData{RequestType: usb.REQUEST_CLASS | usb.RECIPIENT_IFACE, Request: vendorRequestOut, Value: 1}
	raw := second.Bytes()

	// a packet holding one setup and the start of the next one
	assert.NoError(ctrl.Packet(append(first.Bytes(), raw[:3]...)))
	assert.Equal([]usb.SetupData{first}, class.setups)

	assert.NoError(ctrl.Packet(raw[3:]))
	assert.Equal([]usb.SetupData{first, second}, class.setups)

	// bytes following a setup with a data stage start the data stage
	out := usb.SetupData{RequestType: usb.REQUEST_CLASS | usb.RECIPIENT_IFACE, Request: vendorRequestOut, Length: 7}
	data := []byte{0x80, 0x25, 0, 0, 0, 0, 8}

	assert.NoError(ctrl.Packet(append(out.Bytes(), data[:4]...)))
	assert.Equal(usb.DataStagePending, dev.State())

	assert.NoError(ctrl.Packet(data[4:]))
	assert.Equal(usb.ControlPacket, dev.State())
	assert.Equal([][]byte{data}, class.data)
}

func TestClassRequests(t *testing.T) {
	assert := require.New(t)

	dev, ctrl, class := newDevice(t)

	out := usb.SetupData{
		RequestType: usb.REQUEST_CLASS | usb.RECIPIENT_IFACE,
		Request:     vendorRequestOut,
		Length:      7,
	}

	_, err := ctrl.Control(out, []byte{0x80, 0x25, 0, 0, 0, 0, 8})
	assert.NoError(err)
	assert.Equal([][]byte{{0x80, 0x25, 0, 0, 0, 0, 8}}, class.data)
	assert.Equal(usb.ControlPacket, dev.State())

	in, err := ctrl.Control(usb.SetupData{
		RequestType: usb.REQUEST_DIR_IN | usb.REQUEST_CLASS | usb.RECIPIENT_IFACE,
		Request:     vendorRequestIn,
		Length:      7,
	}, nil)
	assert.NoError(err)
	assert.Equal([]byte{1, 2, 3, 4, 5, 6, 7}, in)

	// short data stage is ignored
	assert.NoError(ctrl.Packet(out.Bytes()))
	assert.Equal(usb.DataStagePending, dev.State())

	assert.NoError(ctrl.Packet([]byte{1, 2, 3}))
	assert.Equal(usb.ControlPacket, dev.State())
	assert.Len(class.data, 1)
}

func TestEndpointHalt(t *testing.T) {
	assert := require.New(t)

	_, ctrl, _ := newDevice(t)

	_, _, err := ctrl.Enumerate()
	assert.NoError(err)

	_, err = ctrl.Control(usb.SetupData{
		RequestType: usb.RECIPIENT_EP,
		Request:     usb.SET_FEATURE,
		Value:       usb.ENDPOINT_HALT,
		Index:       0x81,
	}, nil)
	assert.NoError(err)
	assert.True(ctrl.Stalled(0x81))

	status, err := ctrl.Control(usb.SetupData{
		RequestType: usb.REQUEST_DIR_IN | usb.RECIPIENT_EP,
		Request:     usb.GET_STATUS,
		Index:       0x81,
		Length:      2,
	}, nil)
	assert.NoError(err)
	assert.Equal([]byte{1, 0}, status)

	assert.NoError(ctrl.ClearHalt(0x81))
	assert.False(ctrl.Stalled(0x81))
}

func TestDataEvents(t *testing.T) {
	assert := require.New(t)

	dev, ctrl, class := newDevice(t)

	_, _, err := ctrl.Enumerate()
	assert.NoError(err)

	assert.NoError(ctrl.Send(2, make([]byte, 100)))
	assert.NotEmpty(class.events)
	assert.Equal(uint16(1<<2), class.events[0].OUT)

	assert.NoError(ctrl.BusReset())
	assert.Zero(dev.Configured())
	assert.Zero(dev.Address())
	assert.Equal(2, class.resets)
}
