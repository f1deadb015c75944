// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package ums

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/f-secure-foundry/armory-sdbridge/internal/usb"
)

const (
	// p65, 3. Direct Access Block commands (SPC-5 and SBC-4), SCSI Commands Reference Manual, Rev. J
	TEST_UNIT_READY  = 0x00
	REQUEST_SENSE    = 0x03
	INQUIRY          = 0x12
	MODE_SENSE_6     = 0x1a
	START_STOP_UNIT  = 0x1b
	MODE_SENSE_10    = 0x5a
	READ_CAPACITY_10 = 0x25
	READ_10          = 0x28
	WRITE_10         = 0x2a
	REPORT_LUNS      = 0xa0

	// service actions
	SERVICE_ACTION   = 0x9e
	READ_CAPACITY_16 = 0x10

	// 04-349r1 SPC-3 MMC-5 Merge PREVENT ALLOW MEDIUM REMOVAL commands
	PREVENT_ALLOW_MEDIUM_REMOVAL = 0x1e

	// p33, 4.10, USB Mass Storage Class – UFI Command Specification Rev. 1.0
	READ_FORMAT_CAPACITIES = 0x23
)

// p58, 2.4.1.5 Sense key and sense code definitions, SCSI Commands Reference Manual, Rev. J
const (
	SENSE_NO_SENSE        = 0x00
	SENSE_NOT_READY       = 0x02
	SENSE_MEDIUM_ERROR    = 0x03
	SENSE_ILLEGAL_REQUEST = 0x05

	ASC_WRITE_ERROR                = 0x0c
	ASC_UNRECOVERED_READ_ERROR     = 0x11
	ASC_INVALID_COMMAND            = 0x20
	ASC_LBA_OUT_OF_RANGE           = 0x21
	ASC_INVALID_FIELD_IN_CDB       = 0x24
	ASC_LOGICAL_UNIT_NOT_SUPPORTED = 0x25
	ASC_MEDIUM_NOT_PRESENT         = 0x3a
)

// INQUIRY_LENGTH is the size of the standard INQUIRY data.
const INQUIRY_LENGTH = 36

// SENSE_LENGTH is the size of the fixed format sense data.
const SENSE_LENGTH = 18

var errUnsupportedCommand = errors.New("unsupported command")

type writeOp struct {
	csw *CSW
	lba int
	// declared transfer length
	size     int
	received int
	written  int
	// buffered bytes not yet written
	fill int
	// data phase is consumed without being written
	discard bool
}

func (d *Drive) fail(csw *CSW, key byte, asc byte) {
	csw.Status = CSW_STATUS_COMMAND_FAILED
	d.senseKey = key
	d.asc = asc
}

// p94, 3.6.2 Standard INQUIRY data, SCSI Commands Reference Manual, Rev. J
func (d *Drive) inquiry() (data []byte) {
	data = make([]byte, 5)

	// device connected, direct access block device
	data[0] = 0x00

	if !d.present() {
		// device not connected
		data[0] |= (0b001 << 5)
	}

	// Removable Media
	data[1] = 0x80
	// SPC-3 compliant
	data[2] = 0x05
	// response data format (only 2 is allowed)
	data[3] = 0x02
	// additional length
	data[4] = INQUIRY_LENGTH - 5

	// unused or obsolete flags
	data = append(data, make([]byte, 3)...)

	data = append(data, []byte(VendorID)...)
	data = append(data, []byte(ProductID)...)
	data = append(data, []byte(ProductRevision)...)

	return
}

// p56, 2.4.1.2 Fixed format sense data, SCSI Commands Reference Manual, Rev. J
func (d *Drive) sense() (data []byte) {
	data = make([]byte, SENSE_LENGTH)

	key := d.senseKey
	asc := d.asc

	if key == SENSE_NO_SENSE && !d.present() {
		key = SENSE_NOT_READY
		asc = ASC_MEDIUM_NOT_PRESENT
	}

	// error code
	data[0] = 0x70
	// sense key
	data[2] = key
	// additional sense length
	data[7] = byte(len(data) - 1 - 7)
	// additional sense code
	data[12] = asc

	d.senseKey = SENSE_NO_SENSE
	d.asc = 0

	return
}

// p111, 3.11 MODE SENSE(6) command, SCSI Commands Reference Manual, Rev. J
func modeSense6() (data []byte) {
	// p378, 5.3.3 Mode parameter header formats, SCSI Commands Reference Manual, Rev. J
	data = make([]byte, 4)
	// mode data length, medium type, no write protection, no block
	// descriptors
	data[0] = byte(len(data) - 1)

	return
}

// p113, 3.12 MODE SENSE(10) command, SCSI Commands Reference Manual, Rev. J
func modeSense10() (data []byte) {
	data = make([]byte, 8)
	binary.BigEndian.PutUint16(data[0:], uint16(len(data)-2))

	return
}

// p179, 3.33 REPORT LUNS command, SCSI Commands Reference Manual, Rev. J
func reportLUNs() (data []byte) {
	buf := new(bytes.Buffer)
	luns := 1

	binary.Write(buf, binary.BigEndian, uint32(luns*8))
	buf.Write(make([]byte, 4))

	for lun := 0; lun < luns; lun++ {
		// The information conforms to the Logical Unit Address Method defined
		// in SCC-2, and supports only First Level addressing (for each LUN,
		// only the second byte is used and contains the assigned LUN)."
		buf.WriteByte(0x00)
		binary.Write(buf, binary.BigEndian, uint8(lun))
		buf.Write(make([]byte, 6))
	}

	return buf.Bytes()
}

// p155, 3.22 READ CAPACITY (10) command, SCSI Commands Reference Manual, Rev. J
func (d *Drive) readCapacity10() (data []byte, err error) {
	info := d.Card.Info()

	if info.Blocks <= 0 {
		return nil, fmt.Errorf("invalid block count %d", info.Blocks)
	}

	buf := new(bytes.Buffer)

	binary.Write(buf, binary.BigEndian, uint32(info.Blocks-1))
	binary.Write(buf, binary.BigEndian, uint32(info.BlockSize))

	return buf.Bytes(), nil
}

// p157, 3.23 READ CAPACITY (16) command, SCSI Commands Reference Manual, Rev. J
func (d *Drive) readCapacity16() (data []byte, err error) {
	info := d.Card.Info()

	if info.Blocks <= 0 {
		return nil, fmt.Errorf("invalid block count %d", info.Blocks)
	}

	data = make([]byte, 32)

	binary.BigEndian.PutUint64(data[0:], uint64(info.Blocks)-1)
	binary.BigEndian.PutUint32(data[8:], uint32(info.BlockSize))

	return
}

// p33, 4.10, USB Mass Storage Class – UFI Command Specification Rev. 1.0
func (d *Drive) readFormatCapacities() (data []byte, err error) {
	info := d.Card.Info()

	if info.Blocks <= 0 {
		return nil, fmt.Errorf("invalid block count %d", info.Blocks)
	}

	buf := new(bytes.Buffer)

	// capacity list length
	binary.Write(buf, binary.BigEndian, uint32(8))
	// number of blocks
	binary.Write(buf, binary.BigEndian, uint32(info.Blocks))
	// descriptor code: formatted media | block length
	binary.Write(buf, binary.BigEndian, uint32(0b10<<24|info.BlockSize&0xffffff))

	return buf.Bytes(), nil
}

// chunk returns the largest multiple of the block size fitting the transfer
// buffer.
func (d *Drive) chunk(blockSize int) (size int, err error) {
	size = len(d.Buffer) / blockSize * blockSize

	if size == 0 {
		return 0, fmt.Errorf("transfer buffer smaller than block size (%d < %d)", len(d.Buffer), blockSize)
	}

	return
}

// read streams blocks to the host, one transfer buffer at a time.
func (d *Drive) read(ctrl usb.Controller, csw *CSW, lba int, blocks int, length int) (err error) {
	info := d.Card.Info()
	size := blocks * info.BlockSize
	sent := 0

	chunk, err := d.chunk(info.BlockSize)

	if err != nil {
		return
	}

	// p17, 6.7.2 (7) Hi < Di, USB Mass Storage Class Bulk-Only Transport 1.0
	if size > length {
		logrus.Warnf("ums: %d blocks read exceeds transfer length (%d)", blocks, length)
		csw.Status = CSW_STATUS_PHASE_ERROR
		size = length - length%info.BlockSize
	}

	if lba+blocks > info.Blocks {
		d.fail(csw, SENSE_ILLEGAL_REQUEST, ASC_LBA_OUT_OF_RANGE)
		size = 0
	}

	d.state = ReadData

	for sent < size {
		n := size - sent

		if n > chunk {
			n = chunk
		}

		if e := d.Card.ReadBlocks(lba, d.Buffer[:n]); e != nil {
			logrus.WithError(e).WithField("lba", lba).Error("ums: read failed")
			d.fail(csw, SENSE_MEDIUM_ERROR, ASC_UNRECOVERED_READ_ERROR)
			break
		}

		if err = d.send(ctrl, d.Buffer[:n], n); err != nil {
			return
		}

		sent += n
		lba += n / info.BlockSize
	}

	if err = d.send(ctrl, nil, length-sent); err != nil {
		return
	}

	csw.DataResidue = uint32(length - sent)

	return
}

// startWrite prepares the accumulation of the WRITE(10) data phase.
func (d *Drive) startWrite(csw *CSW, lba int, blocks int, length int) (pending bool) {
	w := &writeOp{
		csw:  csw,
		lba:  lba,
		size: length,
	}

	switch {
	case !d.present():
		d.fail(csw, SENSE_NOT_READY, ASC_MEDIUM_NOT_PRESENT)
		w.discard = true
	case blocks*d.Card.Info().BlockSize != length:
		logrus.Warnf("ums: unexpected %d blocks write transfer length (%d)", blocks, length)
		d.fail(csw, SENSE_ILLEGAL_REQUEST, ASC_INVALID_FIELD_IN_CDB)
		w.discard = true
	case lba+blocks > d.Card.Info().Blocks:
		d.fail(csw, SENSE_ILLEGAL_REQUEST, ASC_LBA_OUT_OF_RANGE)
		w.discard = true
	}

	if length == 0 {
		return false
	}

	csw.DataResidue = uint32(length)

	d.write = w
	d.state = WriteData

	return true
}

// flush writes the buffered blocks at the running LBA.
func (d *Drive) flush() {
	w := d.write

	if w.fill == 0 {
		return
	}

	blockSize := d.Card.Info().BlockSize
	blocks := w.fill / blockSize

	if !w.discard {
		if err := d.Card.WriteBlocks(w.lba, d.Buffer[:blocks*blockSize]); err != nil {
			logrus.WithError(err).WithField("lba", w.lba).Error("ums: write failed")
			d.fail(w.csw, SENSE_MEDIUM_ERROR, ASC_WRITE_ERROR)
			w.discard = true
		} else {
			w.written += blocks * blockSize
		}
	}

	w.lba += blocks
	w.fill = 0
}

// writeData accumulates a bulk-out data packet, each full transfer buffer is
// written to the card and the CSW is sent once the declared length has been
// received.
func (d *Drive) writeData(ctrl usb.Controller, buf []byte) (err error) {
	w := d.write

	if n := w.size - w.received; len(buf) > n {
		buf = buf[:n]
	}

	w.received += len(buf)

	if w.discard {
		buf = nil
	}

	chunk := len(d.Buffer)

	if len(buf) > 0 {
		if chunk, err = d.chunk(d.Card.Info().BlockSize); err != nil {
			return
		}
	}

	for len(buf) > 0 {
		n := copy(d.Buffer[w.fill:chunk], buf)
		w.fill += n
		buf = buf[n:]

		if w.fill == chunk {
			d.flush()
		}
	}

	if w.received < w.size {
		return
	}

	if !w.discard {
		d.flush()
	}

	w.csw.DataResidue = uint32(w.size - w.written)
	d.write = nil

	return d.status(ctrl, w.csw)
}

func (d *Drive) handleCDB(ctrl usb.Controller, cmd [16]byte, cbw *CBW) (csw *CSW, data []byte, err error) {
	op := cmd[0]
	length := int(cbw.DataTransferLength)

	// p8, 3.3 Host/Device Packet Transfer Order, USB Mass Storage Class 1.0
	csw = &CSW{Tag: cbw.Tag}
	csw.SetDefaults()
	csw.DataResidue = cbw.DataTransferLength

	if op != REQUEST_SENSE {
		d.senseKey = SENSE_NO_SENSE
		d.asc = 0
	}

	if cbw.LUN > 0 {
		d.fail(csw, SENSE_ILLEGAL_REQUEST, ASC_LOGICAL_UNIT_NOT_SUPPORTED)

		if cbw.In() {
			data = []byte{}
		} else if length > 0 {
			return nil, nil, fmt.Errorf("%w, LUN %d", errUnsupportedCommand, cbw.LUN)
		}

		return
	}

	switch op {
	case TEST_UNIT_READY:
		if !d.present() {
			d.fail(csw, SENSE_NOT_READY, ASC_MEDIUM_NOT_PRESENT)
		}
	case INQUIRY:
		data = d.inquiry()
	case REQUEST_SENSE:
		data = d.sense()
	case START_STOP_UNIT:
		start := (cmd[4]&1 == 1)

		if start && d.Card == nil {
			// no medium to start
			d.fail(csw, SENSE_NOT_READY, ASC_MEDIUM_NOT_PRESENT)
		} else {
			d.Ready = start
		}

		logrus.WithField("ready", d.Ready).Info("ums: start stop unit")
	case PREVENT_ALLOW_MEDIUM_REMOVAL:
		// ignored events
	case MODE_SENSE_6:
		data = modeSense6()
	case MODE_SENSE_10:
		data = modeSense10()
	case REPORT_LUNS:
		data = reportLUNs()
	case READ_FORMAT_CAPACITIES, READ_CAPACITY_10, SERVICE_ACTION:
		if op == SERVICE_ACTION && cmd[1]&0x1f != READ_CAPACITY_16 {
			return nil, nil, fmt.Errorf("%w, service action %#x", errUnsupportedCommand, cmd[1])
		}

		if !d.present() {
			d.fail(csw, SENSE_NOT_READY, ASC_MEDIUM_NOT_PRESENT)
			data = []byte{}
			break
		}

		var e error

		switch op {
		case READ_FORMAT_CAPACITIES:
			data, e = d.readFormatCapacities()
		case READ_CAPACITY_10:
			data, e = d.readCapacity10()
		default:
			data, e = d.readCapacity16()
		}

		if e != nil {
			logrus.WithError(e).Warn("ums: capacity unavailable")
			d.fail(csw, SENSE_NOT_READY, ASC_MEDIUM_NOT_PRESENT)
			data = []byte{}
		}
	case READ_10:
		lba := int(binary.BigEndian.Uint32(cmd[2:]))
		blocks := int(binary.BigEndian.Uint16(cmd[7:]))

		if !d.present() {
			d.fail(csw, SENSE_NOT_READY, ASC_MEDIUM_NOT_PRESENT)
			data = []byte{}
			break
		}

		err = d.read(ctrl, csw, lba, blocks, length)
	case WRITE_10:
		lba := int(binary.BigEndian.Uint32(cmd[2:]))
		blocks := int(binary.BigEndian.Uint16(cmd[7:]))

		if d.startWrite(csw, lba, blocks, length) {
			// CSW follows the data phase
			csw = nil
		}
	default:
		d.fail(csw, SENSE_ILLEGAL_REQUEST, ASC_INVALID_COMMAND)
		err = fmt.Errorf("%w, operation code %#x", errUnsupportedCommand, op)
	}

	return
}
