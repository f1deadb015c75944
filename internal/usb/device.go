// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
)

// State represents the control endpoint state.
type State int

// Control endpoint states
const (
	// ControlPacket waits for a setup packet
	ControlPacket State = iota
	// DataStagePending waits for the host-to-device data stage of a class
	// request
	DataStagePending
)

func (s State) String() string {
	switch s {
	case ControlPacket:
		return "control"
	case DataStagePending:
		return "data stage"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Device is a USB device, its Poll method drives the control endpoint and
// dispatches data endpoint events to its class driver.
type Device struct {
	Descriptor     *DeviceDescriptor
	Qualifier      *DeviceQualifierDescriptor
	Configurations []*ConfigurationDescriptor
	Strings        [][]byte

	// Class handles class requests and data endpoints
	Class Class

	// Accumulate enables assembly of setup packets split across
	// multiple reads, by default packets not exactly 8 bytes long are
	// stalled.
	Accumulate bool

	ctrl    Controller
	state   State
	pending *SetupData
	acc     []byte

	address       uint8
	configuration uint8
	halted        map[uint8]bool
}

// NewDevice returns a device bound to controller ctrl.
func NewDevice(ctrl Controller) *Device {
	return &Device{
		ctrl:   ctrl,
		halted: make(map[uint8]bool),
	}
}

// SetLanguageCodes configures String Descriptor Zero language codes
// (p273, Table 9-15. String Descriptor Zero, USB2.0).
func (d *Device) SetLanguageCodes(codes []uint16) (err error) {
	desc, err := LanguageDescriptor(codes)

	if err != nil {
		return
	}

	if len(d.Strings) == 0 {
		d.Strings = append(d.Strings, desc)
	} else {
		d.Strings[0] = desc
	}

	return
}

// AddString adds a string descriptor to the device, returning its index for
// reference by other descriptors.
func (d *Device) AddString(s string) (index uint8, err error) {
	if len(d.Strings) == 0 {
		return 0, errors.New("language codes must be set before any string")
	}

	if len(d.Strings) > 255 {
		return 0, errors.New("string table full")
	}

	desc, err := StringDescriptor(s)

	if err != nil {
		return
	}

	d.Strings = append(d.Strings, desc)

	return uint8(len(d.Strings) - 1), nil
}

// Identity holds the device identification reported in descriptors.
type Identity struct {
	VendorID     uint16
	ProductID    uint16
	Release      uint16
	Manufacturer string
	Product      string
	Serial       string
}

// Identify initializes the device and qualifier descriptors along with the
// string table (US English) from id.
func (d *Device) Identify(id Identity) (err error) {
	d.Descriptor = &DeviceDescriptor{}
	d.Descriptor.SetDefaults()
	d.Descriptor.VendorId = id.VendorID
	d.Descriptor.ProductId = id.ProductID
	d.Descriptor.Device = id.Release
	d.Descriptor.NumConfigurations = uint8(len(d.Configurations))

	d.Qualifier = &DeviceQualifierDescriptor{}
	d.Qualifier.SetDefaults()

	d.Strings = nil

	if err = d.SetLanguageCodes([]uint16{0x0409}); err != nil {
		return
	}

	if d.Descriptor.Manufacturer, err = d.AddString(id.Manufacturer); err != nil {
		return
	}

	if d.Descriptor.Product, err = d.AddString(id.Product); err != nil {
		return
	}

	d.Descriptor.SerialNumber, err = d.AddString(id.Serial)

	return
}

// AddConfiguration adds a Configuration Descriptor to the device, assigning
// its configuration value.
func (d *Device) AddConfiguration(conf *ConfigurationDescriptor) {
	d.Configurations = append(d.Configurations, conf)
	conf.ConfigurationValue = uint8(len(d.Configurations))

	if d.Descriptor != nil {
		d.Descriptor.NumConfigurations = uint8(len(d.Configurations))
	}
}

// Configuration returns the configuration descriptor matching value.
func (d *Device) Configuration(value uint8) *ConfigurationDescriptor {
	for _, conf := range d.Configurations {
		if conf.ConfigurationValue == value {
			return conf
		}
	}

	return nil
}

// State returns the control endpoint state.
func (d *Device) State() State {
	return d.state
}

// Address returns the assigned function address.
func (d *Device) Address() uint8 {
	return d.address
}

// Configured returns the current configuration value, zero when the device is
// not configured.
func (d *Device) Configured() uint8 {
	return d.configuration
}

// Poll services pending controller events, it must be called periodically
// or on controller interrupt.
func (d *Device) Poll() (err error) {
	ev := d.ctrl.Events()

	if ev.Suspend {
		logrus.Debug("usb: suspend")
	}

	if ev.Resume {
		logrus.Debug("usb: resume")
	}

	if ev.Reset {
		d.reset()
	}

	if ev.EP0 {
		if err = d.handleEP0(); err != nil {
			logrus.WithError(err).Warn("usb: control transfer failed")
		}
	}

	if (ev.IN != 0 || ev.OUT != 0) && d.configuration != 0 && d.Class != nil {
		err = d.Class.Handle(d.ctrl, ev)
	}

	return
}

func (d *Device) reset() {
	logrus.Debug("usb: bus reset")

	d.state = ControlPacket
	d.pending = nil
	d.acc = nil
	d.address = 0
	d.configuration = 0
	d.halted = make(map[uint8]bool)

	if d.Class != nil {
		d.Class.Reset()
	}
}

func (d *Device) handleEP0() (err error) {
	ready, count := d.ctrl.EP0Status()

	if !ready {
		return
	}

	if count == 0 {
		d.ctrl.AckEP0(false)
		return
	}

	buf := make([]byte, count)
	n := d.ctrl.ReadEP0(buf)
	buf = buf[:n]

	if d.state == DataStagePending {
		if len(d.acc) > 0 {
			buf = append(d.acc, buf...)
			d.acc = nil
		}

		return d.dataStage(buf)
	}

	if d.Accumulate {
		d.acc = append(d.acc, buf...)

		if len(d.acc) < SETUP_LENGTH {
			d.ctrl.AckEP0(false)
			return
		}

		buf = d.acc[:SETUP_LENGTH]

		if rest := d.acc[SETUP_LENGTH:]; len(rest) > 0 {
			logrus.Debugf("usb: %d bytes carried past setup packet", len(rest))
			d.acc = append([]byte{}, rest...)
		} else {
			d.acc = nil
		}
	}

	setup, err := ParseSetup(buf)

	if err != nil {
		logrus.WithError(err).Warn("usb: setup packet stalled")
		d.ctrl.StallEP0()
		return nil
	}

	return d.handleSetup(setup)
}

func (d *Device) dataStage(out []byte) (err error) {
	setup := d.pending

	d.state = ControlPacket
	d.pending = nil

	if len(out) != int(setup.Length) {
		logrus.Warnf("usb: request %#x data stage length mismatch (%d != %d)", setup.Request, len(out), setup.Length)
	} else if d.Class != nil {
		if err = d.Class.Data(setup, out); err != nil {
			err = fmt.Errorf("request %#x data stage, %w", setup.Request, err)
		}
	}

	d.ctrl.AckEP0(true)

	return
}

func (d *Device) handleSetup(setup *SetupData) (err error) {
	logrus.Debugf("usb: setup %+v", *setup)

	switch setup.Type() {
	case REQUEST_STANDARD:
		err = d.handleStandard(setup)
	case REQUEST_CLASS:
		err = d.handleClass(setup)
	default:
		err = ErrUnsupportedRequest
	}

	if err == nil {
		return
	}

	// the status stage of SET_ADDRESS is already under way
	if setup.Request != SET_ADDRESS || setup.Type() != REQUEST_STANDARD {
		d.ctrl.StallEP0()
		d.acc = nil
	}

	if errors.Is(err, ErrUnsupportedRequest) {
		logrus.Debugf("usb: stall request %#x type %#x", setup.Request, setup.RequestType)
		return nil
	}

	return
}

func (d *Device) handleClass(setup *SetupData) (err error) {
	if d.Class == nil {
		return ErrUnsupportedRequest
	}

	in, err := d.Class.Setup(setup)

	if err != nil {
		return
	}

	if !setup.In() && setup.Length > EP0_MAX_PACKET_SIZE {
		return ErrUnsupportedRequest
	}

	switch {
	case setup.In():
		return d.write(in, setup.Length)
	case setup.Length > 0:
		d.pending = setup
		d.state = DataStagePending
		d.ctrl.AckEP0(false)
	default:
		d.ctrl.AckEP0(true)
	}

	return
}

// write sends a data stage, truncated to the requested length
func (d *Device) write(in []byte, length uint16) error {
	if len(in) > int(length) {
		in = in[:length]
	}

	d.ctrl.AckEP0(false)

	return d.ctrl.WriteEP0(in)
}

func (d *Device) handleStandard(setup *SetupData) (err error) {
	recipient := setup.RequestType & RECIPIENT_MASK

	switch setup.Request {
	case GET_DESCRIPTOR:
		if !setup.In() {
			return ErrUnsupportedRequest
		}

		desc, err := d.descriptor(setup)

		if err != nil {
			return err
		}

		return d.write(desc, setup.Length)
	case SET_ADDRESS:
		addr := uint8(setup.Value & 0x7f)

		d.ctrl.AckEP0(true)
		d.setSpeed()

		if err = d.ctrl.SetAddress(addr); err != nil {
			return
		}

		d.address = addr
		logrus.Debugf("usb: address %d", addr)
	case SET_CONFIGURATION:
		if err = d.configure(uint8(setup.Value)); err != nil {
			return
		}

		d.ctrl.AckEP0(true)
	case GET_CONFIGURATION:
		return d.write([]byte{d.configuration}, setup.Length)
	case GET_STATUS:
		status := []byte{0, 0}

		if recipient == RECIPIENT_EP && d.halted[uint8(setup.Index)] {
			status[0] = 1
		}

		return d.write(status, setup.Length)
	case CLEAR_FEATURE, SET_FEATURE:
		if recipient != RECIPIENT_EP || setup.Value != ENDPOINT_HALT {
			return ErrUnsupportedRequest
		}

		ep := uint8(setup.Index)
		halt := setup.Request == SET_FEATURE

		if err = d.ctrl.SetStall(ep, halt); err != nil {
			return
		}

		d.halted[ep] = halt
		d.ctrl.AckEP0(true)
	case GET_INTERFACE:
		return d.write([]byte{0}, setup.Length)
	case SET_INTERFACE:
		// only the default alternate setting exists
		if setup.Value != 0 {
			return ErrUnsupportedRequest
		}

		d.ctrl.AckEP0(true)
	default:
		return ErrUnsupportedRequest
	}

	return
}

func (d *Device) descriptor(setup *SetupData) (desc []byte, err error) {
	index := uint8(setup.Value)

	switch setup.Value >> 8 {
	case DEVICE:
		if d.Descriptor != nil {
			return d.Descriptor.Bytes(), nil
		}
	case CONFIGURATION:
		if int(index) < len(d.Configurations) {
			return d.Configurations[index].Bytes(), nil
		}
	case STRING:
		if int(index) < len(d.Strings) {
			return d.Strings[index], nil
		}
	case DEVICE_QUALIFIER:
		if d.Qualifier != nil {
			return d.Qualifier.Bytes(), nil
		}
	}

	return nil, ErrUnsupportedRequest
}

// setSpeed updates bulk endpoint packet sizes to the negotiated bus speed.
func (d *Device) setSpeed() {
	size := uint16(FULL_SPEED_MAX_PACKET_SIZE)

	if d.ctrl.HighSpeed() {
		size = HIGH_SPEED_MAX_PACKET_SIZE
	}

	for _, conf := range d.Configurations {
		for _, ep := range conf.Endpoints() {
			if ep.TransferType() == BULK {
				ep.MaxPacketSize = size
			}
		}
	}
}

// configure sets up the endpoints of a configuration, FIFOs are allocated
// after the control endpoint one in descriptor order.
func (d *Device) configure(value uint8) (err error) {
	if value == 0 {
		d.configuration = 0
		return
	}

	conf := d.Configuration(value)

	if conf == nil {
		return ErrUnsupportedRequest
	}

	fifo := EP0_MAX_PACKET_SIZE

	for _, ep := range conf.Endpoints() {
		cfg := EndpointConfig{
			Address:       ep.EndpointAddress,
			Attributes:    ep.Attributes,
			MaxPacketSize: ep.MaxPacketSize,
			FIFOAddress:   fifo,
			FIFOSize:      ep.FIFOSize,
		}

		if err = d.ctrl.ConfigureEndpoint(cfg); err != nil {
			return fmt.Errorf("endpoint %#x configuration, %w", ep.EndpointAddress, err)
		}

		fifo += ep.FIFOSize
	}

	if d.Class != nil {
		if err = d.Class.Configure(d.ctrl, conf); err != nil {
			return
		}
	}

	d.configuration = value
	d.halted = make(map[uint8]bool)

	logrus.Infof("usb: configuration %d selected", value)

	return
}
