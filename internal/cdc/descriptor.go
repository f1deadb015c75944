// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package cdc

import (
	"bytes"
	"encoding/binary"

	"github.com/f-secure-foundry/armory-sdbridge/internal/usb"
)

// p44, Table 24: Type Values for the bDescriptorType Field, USB CDC1.2
const (
	CS_INTERFACE = 0x24
	CS_ENDPOINT  = 0x25
)

// p44, Table 25: bDescriptor SubType in Communications Class Functional
// Descriptors, USB CDC1.2
const (
	HEADER                      = 0x00
	CALL_MANAGEMENT             = 0x01
	ABSTRACT_CONTROL_MANAGEMENT = 0x02
	UNION                       = 0x06
)

// p39, Table 16: Communications Interface Class, USB CDC1.2
const (
	COMMUNICATION_INTERFACE_CLASS = 0x02
	ACM_SUBCLASS                  = 0x02
	AT_COMMAND_PROTOCOL           = 0x01
	DATA_INTERFACE_CLASS          = 0x0a
)

// HeaderFunctionalDescriptor implements
// p45, Table 26: Class-Specific Descriptor Header Format, USB CDC1.2.
type HeaderFunctionalDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	DescriptorSubType uint8
	BcdCDC            uint16
}

// SetDefaults initializes default values for the header functional
// descriptor.
func (d *HeaderFunctionalDescriptor) SetDefaults() {
	d.Length = 5
	d.DescriptorType = CS_INTERFACE
	d.DescriptorSubType = HEADER
	// CDC 1.10
	d.BcdCDC = 0x0110
}

// Bytes converts the descriptor structure to byte array format.
func (d *HeaderFunctionalDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// CallManagementFunctionalDescriptor implements
// p10, Table 3: Call Management Functional Descriptor, USB PSTN1.2.
type CallManagementFunctionalDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	DescriptorSubType uint8
	Capabilities      uint8
	DataInterface     uint8
}

// SetDefaults initializes default values for the call management functional
// descriptor.
func (d *CallManagementFunctionalDescriptor) SetDefaults() {
	d.Length = 5
	d.DescriptorType = CS_INTERFACE
	d.DescriptorSubType = CALL_MANAGEMENT
}

// Bytes converts the descriptor structure to byte array format.
func (d *CallManagementFunctionalDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ACMFunctionalDescriptor implements
// p11, Table 4: Abstract Control Management Functional Descriptor, USB PSTN1.2.
type ACMFunctionalDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	DescriptorSubType uint8
	Capabilities      uint8
}

// SetDefaults initializes default values for the ACM functional descriptor.
func (d *ACMFunctionalDescriptor) SetDefaults() {
	d.Length = 4
	d.DescriptorType = CS_INTERFACE
	d.DescriptorSubType = ABSTRACT_CONTROL_MANAGEMENT
	// line coding and serial state requests
	d.Capabilities = 0x02
}

// Bytes converts the descriptor structure to byte array format.
func (d *ACMFunctionalDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// UnionFunctionalDescriptor implements
// p51, Table 33: Union Interface Functional Descriptor, USB CDC1.2.
type UnionFunctionalDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	DescriptorSubType uint8
	MasterInterface   uint8
	SlaveInterface0   uint8
}

// SetDefaults initializes default values for the union functional
// descriptor.
func (d *UnionFunctionalDescriptor) SetDefaults() {
	d.Length = 5
	d.DescriptorType = CS_INTERFACE
	d.DescriptorSubType = UNION
}

// Bytes converts the descriptor structure to byte array format.
func (d *UnionFunctionalDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// Descriptors builds the ACM configuration: an interface association
// grouping the communication interface, with its functional descriptors and
// notification endpoint, and the data interface with its bulk endpoints.
func (acm *ACM) Descriptors(function uint8) (conf *usb.ConfigurationDescriptor) {
	conf = &usb.ConfigurationDescriptor{}
	conf.SetDefaults()

	control := &usb.InterfaceDescriptor{}
	control.SetDefaults()
	control.InterfaceClass = COMMUNICATION_INTERFACE_CLASS
	control.InterfaceSubClass = ACM_SUBCLASS
	control.InterfaceProtocol = AT_COMMAND_PROTOCOL
	control.Interface = function

	iad := &usb.InterfaceAssociationDescriptor{}
	iad.SetDefaults()
	iad.InterfaceCount = 2
	iad.FunctionClass = control.InterfaceClass
	iad.FunctionSubClass = control.InterfaceSubClass
	iad.FunctionProtocol = control.InterfaceProtocol
	iad.Function = function
	control.IAD = iad

	data := &usb.InterfaceDescriptor{}
	data.SetDefaults()
	data.InterfaceClass = DATA_INTERFACE_CLASS

	conf.AddInterface(control)
	conf.AddInterface(data)

	iad.FirstInterface = control.InterfaceNumber

	header := &HeaderFunctionalDescriptor{}
	header.SetDefaults()

	acmDesc := &ACMFunctionalDescriptor{}
	acmDesc.SetDefaults()

	union := &UnionFunctionalDescriptor{}
	union.SetDefaults()
	union.MasterInterface = control.InterfaceNumber
	union.SlaveInterface0 = data.InterfaceNumber

	callManagement := &CallManagementFunctionalDescriptor{}
	callManagement.SetDefaults()
	callManagement.DataInterface = data.InterfaceNumber

	control.ClassDescriptors = [][]byte{
		header.Bytes(),
		acmDesc.Bytes(),
		union.Bytes(),
		callManagement.Bytes(),
	}

	acm.Notify = &usb.EndpointDescriptor{}
	acm.Notify.SetDefaults()
	acm.Notify.EndpointAddress = NOTIFY_EP
	acm.Notify.Attributes = usb.INTERRUPT
	acm.Notify.MaxPacketSize = NOTIFY_MAX_PACKET_SIZE
	acm.Notify.Interval = 0xff
	acm.Notify.FIFOSize = NOTIFY_FIFO_SIZE
	control.AddEndpoint(acm.Notify)

	acm.In = &usb.EndpointDescriptor{}
	acm.In.SetDefaults()
	acm.In.EndpointAddress = BULK_IN_EP
	data.AddEndpoint(acm.In)

	acm.Out = &usb.EndpointDescriptor{}
	acm.Out.SetDefaults()
	acm.Out.EndpointAddress = BULK_OUT_EP
	data.AddEndpoint(acm.Out)

	return
}

// Attach adds the ACM configuration to a device and installs the ACM as its
// class driver.
func (acm *ACM) Attach(dev *usb.Device) {
	// composite device with interface association
	dev.Descriptor.DeviceClass = 0xef
	dev.Descriptor.DeviceSubClass = 0x02
	dev.Descriptor.DeviceProtocol = 0x01

	if dev.Qualifier != nil {
		dev.Qualifier.DeviceClass = dev.Descriptor.DeviceClass
		dev.Qualifier.DeviceSubClass = dev.Descriptor.DeviceSubClass
		dev.Qualifier.DeviceProtocol = dev.Descriptor.DeviceProtocol
	}

	dev.AddConfiguration(acm.Descriptors(dev.Descriptor.Product))
	dev.Class = acm
}
