// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package usb

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"unicode/utf16"
)

// p279, Table 9-5. Descriptor Types, USB2.0
const (
	DEVICE                    = 1
	CONFIGURATION             = 2
	STRING                    = 3
	INTERFACE                 = 4
	ENDPOINT                  = 5
	DEVICE_QUALIFIER          = 6
	OTHER_SPEED_CONFIGURATION = 7
	INTERFACE_POWER           = 8
	INTERFACE_ASSOCIATION     = 11
)

// descriptor lengths
const (
	DEVICE_LENGTH                = 18
	CONFIGURATION_LENGTH         = 9
	INTERFACE_ASSOCIATION_LENGTH = 8
	INTERFACE_LENGTH             = 9
	ENDPOINT_LENGTH              = 7
	DEVICE_QUALIFIER_LENGTH      = 10
)

// p270, Table 9-13. Standard Endpoint Descriptor, USB2.0
const (
	CONTROL     = 0
	ISOCHRONOUS = 1
	BULK        = 2
	INTERRUPT   = 3

	TRANSFER_TYPE_MASK = 0x03
)

// DeviceDescriptor implements
// p290, Table 9-8. Standard Device Descriptor, USB2.0.
type DeviceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	BcdUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize     uint8
	VendorId          uint16
	ProductId         uint16
	Device            uint16
	Manufacturer      uint8
	Product           uint8
	SerialNumber      uint8
	NumConfigurations uint8
}

// SetDefaults initializes default values for the USB device descriptor.
func (d *DeviceDescriptor) SetDefaults() {
	d.Length = DEVICE_LENGTH
	d.DescriptorType = DEVICE
	// USB 2.0
	d.BcdUSB = 0x0200
	d.MaxPacketSize = EP0_MAX_PACKET_SIZE
	d.Device = 0x0100
	d.NumConfigurations = 1
}

// Bytes converts the descriptor structure to byte array format.
func (d *DeviceDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// DeviceQualifierDescriptor implements
// p292, 9.6.2 Device_Qualifier, USB2.0.
type DeviceQualifierDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	BcdUSB            uint16
	DeviceClass       uint8
	DeviceSubClass    uint8
	DeviceProtocol    uint8
	MaxPacketSize     uint8
	NumConfigurations uint8
	Reserved          uint8
}

// SetDefaults initializes default values for the USB device qualifier
// descriptor.
func (d *DeviceQualifierDescriptor) SetDefaults() {
	d.Length = DEVICE_QUALIFIER_LENGTH
	d.DescriptorType = DEVICE_QUALIFIER
	d.BcdUSB = 0x0200
	d.MaxPacketSize = EP0_MAX_PACKET_SIZE
	d.NumConfigurations = 1
}

// Bytes converts the descriptor structure to byte array format.
func (d *DeviceQualifierDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// ConfigurationDescriptor implements
// p293, Table 9-10. Standard Configuration Descriptor, USB2.0.
type ConfigurationDescriptor struct {
	Length             uint8
	DescriptorType     uint8
	TotalLength        uint16
	NumInterfaces      uint8
	ConfigurationValue uint8
	Configuration      uint8
	Attributes         uint8
	MaxPower           uint8

	Interfaces []*InterfaceDescriptor
}

// SetDefaults initializes default values for the USB configuration
// descriptor.
func (d *ConfigurationDescriptor) SetDefaults() {
	d.Length = CONFIGURATION_LENGTH
	d.DescriptorType = CONFIGURATION
	d.ConfigurationValue = 1
	// bus powered
	d.Attributes = 0x80
	// 100 mA
	d.MaxPower = 50
}

// AddInterface adds an Interface Descriptor to a configuration, updating the
// interface number and Configuration Descriptor interface count accordingly.
func (d *ConfigurationDescriptor) AddInterface(iface *InterfaceDescriptor) {
	iface.InterfaceNumber = uint8(len(d.Interfaces))
	d.Interfaces = append(d.Interfaces, iface)
	d.NumInterfaces = uint8(len(d.Interfaces))
}

// Endpoints returns all endpoint descriptors of the configuration.
func (d *ConfigurationDescriptor) Endpoints() (eps []*EndpointDescriptor) {
	for _, iface := range d.Interfaces {
		eps = append(eps, iface.Endpoints...)
	}

	return
}

// Bytes converts the descriptor structure, followed by all its interface,
// class and endpoint descriptors, to byte array format.
func (d *ConfigurationDescriptor) Bytes() []byte {
	var body []byte

	for _, iface := range d.Interfaces {
		body = append(body, iface.Bytes()...)
	}

	d.TotalLength = uint16(int(d.Length) + len(body))

	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.TotalLength)
	binary.Write(buf, binary.LittleEndian, d.NumInterfaces)
	binary.Write(buf, binary.LittleEndian, d.ConfigurationValue)
	binary.Write(buf, binary.LittleEndian, d.Configuration)
	binary.Write(buf, binary.LittleEndian, d.Attributes)
	binary.Write(buf, binary.LittleEndian, d.MaxPower)

	return append(buf.Bytes(), body...)
}

// InterfaceAssociationDescriptor implements
// p4, Table 9-Z. Standard Interface Association Descriptor, USB2.0 (ECN).
type InterfaceAssociationDescriptor struct {
	Length           uint8
	DescriptorType   uint8
	FirstInterface   uint8
	InterfaceCount   uint8
	FunctionClass    uint8
	FunctionSubClass uint8
	FunctionProtocol uint8
	Function         uint8
}

// SetDefaults initializes default values for the USB interface association
// descriptor.
func (d *InterfaceAssociationDescriptor) SetDefaults() {
	d.Length = INTERFACE_ASSOCIATION_LENGTH
	d.DescriptorType = INTERFACE_ASSOCIATION
}

// Bytes converts the descriptor structure to byte array format.
func (d *InterfaceAssociationDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

// InterfaceDescriptor implements
// p296, Table 9-12. Standard Interface Descriptor, USB2.0.
type InterfaceDescriptor struct {
	Length            uint8
	DescriptorType    uint8
	InterfaceNumber   uint8
	AlternateSetting  uint8
	NumEndpoints      uint8
	InterfaceClass    uint8
	InterfaceSubClass uint8
	InterfaceProtocol uint8
	Interface         uint8

	// IAD, when set, precedes the interface descriptor
	IAD *InterfaceAssociationDescriptor
	// ClassDescriptors follow the interface descriptor
	ClassDescriptors [][]byte

	Endpoints []*EndpointDescriptor
}

// SetDefaults initializes default values for the USB interface descriptor.
func (d *InterfaceDescriptor) SetDefaults() {
	d.Length = INTERFACE_LENGTH
	d.DescriptorType = INTERFACE
}

// AddEndpoint adds an Endpoint Descriptor to the interface, updating its
// endpoint count accordingly.
func (d *InterfaceDescriptor) AddEndpoint(ep *EndpointDescriptor) {
	d.Endpoints = append(d.Endpoints, ep)
	d.NumEndpoints = uint8(len(d.Endpoints))
}

// Bytes converts the descriptor structure, preceded by its IAD and followed
// by its class and endpoint descriptors, to byte array format.
func (d *InterfaceDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	if d.IAD != nil {
		buf.Write(d.IAD.Bytes())
	}

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.InterfaceNumber)
	binary.Write(buf, binary.LittleEndian, d.AlternateSetting)
	binary.Write(buf, binary.LittleEndian, d.NumEndpoints)
	binary.Write(buf, binary.LittleEndian, d.InterfaceClass)
	binary.Write(buf, binary.LittleEndian, d.InterfaceSubClass)
	binary.Write(buf, binary.LittleEndian, d.InterfaceProtocol)
	binary.Write(buf, binary.LittleEndian, d.Interface)

	for _, desc := range d.ClassDescriptors {
		buf.Write(desc)
	}

	for _, ep := range d.Endpoints {
		buf.Write(ep.Bytes())
	}

	return buf.Bytes()
}

// EndpointDescriptor implements
// p297, Table 9-13. Standard Endpoint Descriptor, USB2.0.
type EndpointDescriptor struct {
	Length          uint8
	DescriptorType  uint8
	EndpointAddress uint8
	Attributes      uint8
	MaxPacketSize   uint16
	Interval        uint8

	// FIFOSize is the controller memory reserved to the endpoint
	FIFOSize int
}

// SetDefaults initializes default values for the USB endpoint descriptor.
func (d *EndpointDescriptor) SetDefaults() {
	d.Length = ENDPOINT_LENGTH
	d.DescriptorType = ENDPOINT
	d.Attributes = BULK
	d.MaxPacketSize = FULL_SPEED_MAX_PACKET_SIZE
	d.FIFOSize = HIGH_SPEED_MAX_PACKET_SIZE
}

// Number returns the endpoint number.
func (d *EndpointDescriptor) Number() int {
	return int(d.EndpointAddress & 0x0f)
}

// In reports whether the endpoint direction is device-to-host.
func (d *EndpointDescriptor) In() bool {
	return d.EndpointAddress&0x80 != 0
}

// TransferType returns the endpoint transfer type.
func (d *EndpointDescriptor) TransferType() int {
	return int(d.Attributes & TRANSFER_TYPE_MASK)
}

// Bytes converts the descriptor structure to byte array format.
func (d *EndpointDescriptor) Bytes() []byte {
	buf := new(bytes.Buffer)

	binary.Write(buf, binary.LittleEndian, d.Length)
	binary.Write(buf, binary.LittleEndian, d.DescriptorType)
	binary.Write(buf, binary.LittleEndian, d.EndpointAddress)
	binary.Write(buf, binary.LittleEndian, d.Attributes)
	binary.Write(buf, binary.LittleEndian, d.MaxPacketSize)
	binary.Write(buf, binary.LittleEndian, d.Interval)

	return buf.Bytes()
}

// StringDescriptor returns a string descriptor, p273 9.6.7 String, USB2.0,
// encoding s in UTF-16LE.
func StringDescriptor(s string) (desc []byte, err error) {
	u := utf16.Encode([]rune(s))
	length := 2 + 2*len(u)

	if length > 255 {
		return nil, fmt.Errorf("string descriptor too long (%d)", length)
	}

	desc = make([]byte, length)
	desc[0] = uint8(length)
	desc[1] = STRING

	for i, c := range u {
		binary.LittleEndian.PutUint16(desc[2+2*i:], c)
	}

	return
}

// LanguageDescriptor returns string descriptor zero, listing the supported
// language codes.
func LanguageDescriptor(codes []uint16) (desc []byte, err error) {
	length := 2 + 2*len(codes)

	if len(codes) == 0 || length > 255 {
		return nil, fmt.Errorf("invalid number of language codes (%d)", len(codes))
	}

	desc = make([]byte, length)
	desc[0] = uint8(length)
	desc[1] = STRING

	for i, c := range codes {
		binary.LittleEndian.PutUint16(desc[2+2*i:], c)
	}

	return
}
