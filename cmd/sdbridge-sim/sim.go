// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	cli "github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/f-secure-foundry/armory-sdbridge/assets"
	"github.com/f-secure-foundry/armory-sdbridge/internal/bridge"
	"github.com/f-secure-foundry/armory-sdbridge/internal/config"
	"github.com/f-secure-foundry/armory-sdbridge/internal/sdmmc"
	"github.com/f-secure-foundry/armory-sdbridge/internal/sdsim"
	"github.com/f-secure-foundry/armory-sdbridge/internal/ums"
	"github.com/f-secure-foundry/armory-sdbridge/internal/usbsim"
)

// simulated card sizes are rounded up to the CSD v2 capacity unit
const cardUnit = 512 * 1024

// hostTimeout bounds each host operation, it covers status disk creation
const hostTimeout = 30 * time.Second

// loadConfig returns the configuration for mode, read from the --config
// file when given.
func loadConfig(c *cli.Context, mode config.Mode) (conf *config.Config, err error) {
	path := c.String("config")

	if len(path) == 0 {
		conf = config.Default(mode)
	} else if conf, err = config.Load(path); err != nil {
		return
	}

	conf.Mode = mode
	conf.Debug = c.Bool("debug")

	return conf, conf.Validate()
}

// loadCard returns a simulated card holding the image contents, sdsc
// selects standard capacity addressing.
func loadCard(path string, sdsc bool) (card *sdsim.Card, err error) {
	buf, err := os.ReadFile(path)

	if err != nil {
		return
	}

	if len(buf) == 0 {
		return nil, fmt.Errorf("empty image %s", path)
	}

	size := (int64(len(buf)) + cardUnit - 1) / cardUnit * cardUnit
	ram := make(sdsim.RAM, size)
	copy(ram, buf)

	card = &sdsim.Card{
		Storage: ram,
		Size:    size,
		HC:      !sdsc,
		Bus4:    true,
	}

	return
}

// newController returns an SD/MMC controller bound to a simulated host with
// the card inserted, a nil card leaves the slot empty.
func newController(card *sdsim.Card) *sdmmc.Controller {
	host := sdsim.New(card)

	return &sdmmc.Controller{
		Bus:   host,
		Clock: host.Clock,
		Sleep: func(time.Duration) {},
	}
}

// simulate runs the firmware image over a simulated controller while host
// drives it, the firmware is stopped once host returns.
func simulate(ctx context.Context, conf *config.Config, card *sdsim.Card, host func(*bridge.Bridge, *usbsim.Controller) error) (err error) {
	ctrl := usbsim.New()
	ctrl.Timeout = hostTimeout

	b, err := bridge.New(conf, ctrl, newController(card))

	if err != nil {
		return
	}

	tmp, err := os.MkdirTemp("", appName)

	if err != nil {
		return
	}

	defer os.RemoveAll(tmp)

	b.Version = assets.Version()
	b.StatusPath = filepath.Join(tmp, bridge.DefaultStatusPath)

	fw, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(fw)

	g.Go(func() error {
		if err := b.Run(gctx); !errors.Is(err, context.Canceled) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		defer cancel()
		return host(b, ctrl)
	})

	return g.Wait()
}

// Drive implements the host side of the Bulk-Only Transport.
type Drive struct {
	ctrl *usbsim.Controller
	tag  uint32
}

// Command issues a command block, data is sent for host-to-device
// transfers of length bytes, received data is returned otherwise.
func (d *Drive) Command(cb []byte, in bool, length int, data []byte) (res []byte, csw *ums.CSW, err error) {
	d.tag++

	cbw := &ums.CBW{
		Signature:          ums.CBW_SIGNATURE,
		Tag:                d.tag,
		DataTransferLength: uint32(length),
		Length:             uint8(len(cb)),
	}

	if in {
		cbw.Flags = ums.CBW_FLAGS_DATA_IN
	}

	copy(cbw.CommandBlock[:], cb)

	if err = d.ctrl.Send(ums.BULK_OUT_EP, cbw.Bytes()); err != nil {
		return
	}

	switch {
	case length > 0 && in:
		if res, err = d.ctrl.Receive(ums.BULK_IN_EP&0x7f, length); err != nil {
			return
		}
	case length > 0:
		if err = d.ctrl.Send(ums.BULK_OUT_EP, data); err != nil {
			return
		}
	}

	buf, err := d.ctrl.Receive(ums.BULK_IN_EP&0x7f, ums.CSW_LENGTH)

	if err != nil {
		return
	}

	if csw, err = ums.ParseCSW(buf); err != nil {
		return
	}

	if csw.Tag != d.tag {
		return nil, nil, fmt.Errorf("CSW tag mismatch (%#x != %#x)", csw.Tag, d.tag)
	}

	return
}

// Inquiry returns the vendor, product and revision identification.
func (d *Drive) Inquiry() (vendor string, product string, rev string, err error) {
	res, csw, err := d.Command([]byte{ums.INQUIRY, 0, 0, 0, ums.INQUIRY_LENGTH, 0}, true, ums.INQUIRY_LENGTH, nil)

	if err != nil {
		return
	}

	if csw.Status != ums.CSW_STATUS_COMMAND_PASSED || len(res) < ums.INQUIRY_LENGTH {
		return "", "", "", errors.New("INQUIRY failed")
	}

	return string(res[8:16]), string(res[16:32]), string(res[32:36]), nil
}

// Capacity returns the number of blocks and the block size.
func (d *Drive) Capacity() (blocks int, blockSize int, err error) {
	res, csw, err := d.Command([]byte{ums.READ_CAPACITY_10, 0, 0, 0, 0, 0, 0, 0, 0, 0}, true, 8, nil)

	if err != nil {
		return
	}

	if csw.Status != ums.CSW_STATUS_COMMAND_PASSED || len(res) != 8 {
		return 0, 0, errors.New("READ CAPACITY failed")
	}

	blocks = int(binary.BigEndian.Uint32(res[0:4])) + 1
	blockSize = int(binary.BigEndian.Uint32(res[4:8]))

	return
}

func rw10(op byte, lba int, blocks int) []byte {
	cb := make([]byte, 10)
	cb[0] = op
	binary.BigEndian.PutUint32(cb[2:], uint32(lba))
	binary.BigEndian.PutUint16(cb[7:], uint16(blocks))

	return cb
}

// Read reads blocks starting at lba.
func (d *Drive) Read(lba int, blocks int, blockSize int) (buf []byte, err error) {
	buf, csw, err := d.Command(rw10(ums.READ_10, lba, blocks), true, blocks*blockSize, nil)

	if err != nil {
		return
	}

	if csw.Status != ums.CSW_STATUS_COMMAND_PASSED || len(buf) != blocks*blockSize {
		return nil, fmt.Errorf("READ(10) failed (status %d, %d bytes)", csw.Status, len(buf))
	}

	return
}

// Write writes buf, a multiple of blockSize, starting at lba.
func (d *Drive) Write(lba int, buf []byte, blockSize int) (err error) {
	_, csw, err := d.Command(rw10(ums.WRITE_10, lba, len(buf)/blockSize), false, len(buf), buf)

	if err != nil {
		return
	}

	if csw.Status != ums.CSW_STATUS_COMMAND_PASSED {
		return fmt.Errorf("WRITE(10) failed (status %d)", csw.Status)
	}

	return
}
