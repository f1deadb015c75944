// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package ums implements a USB Mass Storage Bulk-Only Transport class driver
// for usb.Device, bridging a SCSI command subset to a block device.
package ums

import (
	"github.com/f-secure-foundry/armory-sdbridge/internal/sdmmc"
	"github.com/f-secure-foundry/armory-sdbridge/internal/usb"
)

// INQUIRY identification strings, space padded to their field width.
const (
	VendorID        = "F1C100S "
	ProductID       = "SDHC Card Reader"
	ProductRevision = "0001"
)

// DefaultBufferSize is the default size of the block transfer buffer.
const DefaultBufferSize = 16 * 1024

// BlockDevice represents the storage medium served by the drive.
type BlockDevice interface {
	Info() sdmmc.CardInfo
	ReadBlocks(lba int, buf []byte) error
	WriteBlocks(lba int, buf []byte) error
}

// State represents the Bulk-Only Transport stage.
type State int

// Bulk-Only Transport stages
const (
	WaitCBW State = iota
	ReadData
	WriteData
)

func (s State) String() string {
	switch s {
	case WaitCBW:
		return "WaitCBW"
	case ReadData:
		return "ReadData"
	case WriteData:
		return "WriteData"
	default:
		return "Unknown"
	}
}

// Drive represents a single LUN mass storage drive.
//
// Drive methods must be invoked from the context polling the usb.Device.
type Drive struct {
	// Card represents the underlying storage instance
	Card BlockDevice

	// Ready represents the logical device status
	Ready bool

	// Buffer holds blocks between the card and bulk endpoints, it is
	// allocated with DefaultBufferSize when not set
	Buffer []byte

	// In and Out are set by Descriptors
	In  *usb.EndpointDescriptor
	Out *usb.EndpointDescriptor

	state  State
	packet []byte

	// sense data for the next REQUEST SENSE
	senseKey byte
	asc      byte

	// pending write transfer
	write *writeOp
}

// Init allocates the drive transfer buffers.
func (d *Drive) Init() {
	if len(d.Buffer) == 0 {
		d.Buffer = make([]byte, DefaultBufferSize)
	}

	d.packet = make([]byte, usb.HIGH_SPEED_MAX_PACKET_SIZE)
}

// State returns the current transport stage.
func (d *Drive) State() State {
	return d.state
}

// present reports whether a medium is available for media commands.
func (d *Drive) present() bool {
	return d.Ready && d.Card != nil
}
