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
	"os"

	"github.com/mitchellh/go-fs"
	"github.com/mitchellh/go-fs/fat"
	"github.com/skip2/go-qrcode"

	"github.com/f-secure-foundry/armory-sdbridge/internal/sdmmc"
)

// status disk paths (8.3 format)
const (
	statusPath  = "STATUS.TXT"
	codePath    = "STATUS.PNG"
	versionPath = "VERSION.TXT"
)

const (
	BLOCK_SIZE = 512

	// PARTITION_OFFSET is the first block of the FAT partition
	PARTITION_OFFSET = 2048

	// STATUS_DISK_BLOCKS is the size of the status disk
	STATUS_DISK_BLOCKS = 16800

	bootSignature  = 0xaa55
	statusCodeSize = 256
	statusLabel    = "SDBRIDGE"
)

// MBR represents a Master Boot Record.
type MBR struct {
	Bootstrap     [446]byte
	Partitions    [4]Partition
	BootSignature uint16
}

// Partition represents an MBR partition entry.
type Partition struct {
	Status   byte
	FirstCHS [3]byte
	Type     byte
	LastCHS  [3]byte
	FirstLBA uint32
	Sectors  uint32
}

// Bytes converts the MBR structure to byte array format.
func (mbr *MBR) Bytes() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, mbr)
	return buf.Bytes()
}

// chs converts an LBA to its cylinder-head-sector tuple on a 255 heads, 63
// sectors per track geometry.
func chs(lba int) [3]byte {
	c := lba / (255 * 63)
	h := (lba / 63) % 255
	s := lba%63 + 1

	if c > 1023 {
		// beyond CHS addressing
		return [3]byte{0xfe, 0xff, 0xff}
	}

	return [3]byte{byte(h), byte(s) | byte(c>>8)<<6, byte(c)}
}

// File represents a file to be placed on a disk image.
type File struct {
	Name string
	Data []byte
}

// Image returns a partitioned disk of the given number of blocks carrying a
// single FAT16 partition, starting at PARTITION_OFFSET, which holds the
// passed files. The path is used as scratch space while formatting.
func Image(path string, blocks int, label string, files []File) (data []byte, err error) {
	sectors := blocks - PARTITION_OFFSET

	if sectors <= 0 {
		return nil, fmt.Errorf("disk too small (%d blocks)", blocks)
	}

	img, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0600)

	if err != nil {
		return
	}

	defer os.Remove(path)
	defer img.Close()

	if err = img.Truncate(int64(sectors) * BLOCK_SIZE); err != nil {
		return
	}

	dev, err := fs.NewFileDisk(img)

	if err != nil {
		return
	}

	conf := &fat.SuperFloppyConfig{
		FATType: fat.FAT16,
		Label:   label,
		OEMName: label,
	}

	if err = fat.FormatSuperFloppy(dev, conf); err != nil {
		return nil, fmt.Errorf("could not format partition, %w", err)
	}

	f, err := fat.New(dev)

	if err != nil {
		return
	}

	root, err := f.RootDir()

	if err != nil {
		return
	}

	for _, file := range files {
		if err = addFile(root, file.Name, file.Data); err != nil {
			return nil, fmt.Errorf("could not add %s, %w", file.Name, err)
		}
	}

	if err = img.Sync(); err != nil {
		return
	}

	partitionData, err := os.ReadFile(path)

	if err != nil {
		return
	}

	// go-fs implements a partition-less msdos floppy, therefore we must
	// move its partition in a partitioned disk.
	partition := Partition{
		FirstCHS: chs(PARTITION_OFFSET),
		Type:     0x06,
		LastCHS:  chs(blocks - 1),
		FirstLBA: PARTITION_OFFSET,
		Sectors:  uint32(sectors),
	}

	mbr := &MBR{}
	mbr.Partitions[0] = partition
	mbr.BootSignature = bootSignature

	data = mbr.Bytes()
	data = append(data, make([]byte, (PARTITION_OFFSET-1)*BLOCK_SIZE)...)
	data = append(data, partitionData...)

	return
}

func addFile(root fs.Directory, path string, data []byte) (err error) {
	entry, err := root.AddFile(path)

	if err != nil {
		return
	}

	file, err := entry.File()

	if err != nil {
		return
	}

	_, err = file.Write(data)

	return
}

// StatusDisk represents a RAM disk reporting the bridge status to the host.
type StatusDisk struct {
	Data []byte
}

// NewStatusDisk builds a status disk carrying the status line, as text and QR
// code, and the firmware version.
func NewStatusDisk(path string, status string, version string) (disk *StatusDisk, err error) {
	code, err := qrcode.New(status, qrcode.Medium)

	if err != nil {
		return
	}

	png, err := code.PNG(statusCodeSize)

	if err != nil {
		return
	}

	files := []File{
		{Name: statusPath, Data: []byte(status + "\r\n")},
		{Name: codePath, Data: png},
		{Name: versionPath, Data: []byte(version + "\r\n")},
	}

	data, err := Image(path, STATUS_DISK_BLOCKS, statusLabel, files)

	if err != nil {
		return
	}

	return &StatusDisk{Data: data}, nil
}

// Info implements BlockDevice.
func (q *StatusDisk) Info() (info sdmmc.CardInfo) {
	info.BlockSize = BLOCK_SIZE
	info.Blocks = len(q.Data) / BLOCK_SIZE
	info.Capacity = int64(len(q.Data))

	return
}

// ReadBlocks implements BlockDevice.
func (q *StatusDisk) ReadBlocks(lba int, buf []byte) (err error) {
	start := lba * BLOCK_SIZE
	end := start + len(buf)

	if lba < 0 || end > len(q.Data) {
		return errors.New("read operation exceeds disk size")
	}

	copy(buf[:], q.Data[start:end])

	return
}

// WriteBlocks implements BlockDevice.
func (q *StatusDisk) WriteBlocks(lba int, buf []byte) (err error) {
	start := lba * BLOCK_SIZE

	if lba < 0 || start+len(buf) > len(q.Data) {
		return errors.New("write operation exceeds disk size")
	}

	copy(q.Data[start:], buf)

	return
}
