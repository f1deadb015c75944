// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	cli "github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/f-secure-foundry/armory-sdbridge/internal/bridge"
	"github.com/f-secure-foundry/armory-sdbridge/internal/cdc"
	"github.com/f-secure-foundry/armory-sdbridge/internal/config"
	"github.com/f-secure-foundry/armory-sdbridge/internal/sdsim"
	"github.com/f-secure-foundry/armory-sdbridge/internal/ums"
	"github.com/f-secure-foundry/armory-sdbridge/internal/usb"
	"github.com/f-secure-foundry/armory-sdbridge/internal/usbsim"
)

const (
	classOut = usb.REQUEST_CLASS | usb.RECIPIENT_IFACE
	classIn  = usb.REQUEST_DIR_IN | classOut
)

func mkimageCommand() *cli.Command {
	return &cli.Command{
		Name:      "mkimage",
		Usage:     "create a FAT16 formatted disk image",
		ArgsUsage: "FILE",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "size",
				Value: 16,
				Usage: "image size in MB",
			},
			&cli.StringFlag{
				Name:  "label",
				Value: "SDBRIDGE",
				Usage: "volume label",
			},
			&cli.StringSliceFlag{
				Name:  "file",
				Usage: "host file copied to the root directory (8.3 name)",
			},
		},
		Action: mkimage,
	}
}

func mkimage(c *cli.Context) (err error) {
	path := c.Args().First()

	if len(path) == 0 {
		return errors.New("missing image path")
	}

	var files []ums.File

	for _, src := range c.StringSlice("file") {
		data, err := os.ReadFile(src)

		if err != nil {
			return err
		}

		files = append(files, ums.File{
			Name: strings.ToUpper(filepath.Base(src)),
			Data: data,
		})
	}

	blocks := c.Int("size") * 1024 * 1024 / ums.BLOCK_SIZE

	data, err := ums.Image(path+".tmp", blocks, c.String("label"), files)

	if err != nil {
		return
	}

	if err = os.WriteFile(path, data, 0600); err != nil {
		return
	}

	fmt.Fprintf(c.App.Writer, "%s: %d blocks, %d files\n", path, blocks, len(files))

	return
}

func identifyCommand() *cli.Command {
	return &cli.Command{
		Name:  "identify",
		Usage: "run SD card identification against a simulated card",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "image",
				Required: true,
				Usage:    "card contents",
			},
			&cli.BoolFlag{
				Name:  "sdsc",
				Usage: "simulate a standard capacity card",
			},
		},
		Action: identify,
	}
}

func identify(c *cli.Context) (err error) {
	card, err := loadCard(c.String("image"), c.Bool("sdsc"))

	if err != nil {
		return
	}

	hw := newController(card)

	if err = hw.Detect(); err != nil {
		return
	}

	info := hw.Info()
	w := c.App.Writer

	fmt.Fprintf(w, "version:    %s\n", info.Version)
	fmt.Fprintf(w, "high cap.:  %v\n", info.HC)
	fmt.Fprintf(w, "4-bit bus:  %v\n", info.Bus4)
	fmt.Fprintf(w, "RCA:        %#04x\n", info.RCA)
	fmt.Fprintf(w, "rate:       %d Hz\n", info.Rate)
	fmt.Fprintf(w, "block size: %d\n", info.BlockSize)
	fmt.Fprintf(w, "blocks:     %d\n", info.Blocks)
	fmt.Fprintf(w, "capacity:   %d\n", info.Capacity)
	fmt.Fprintf(w, "CID:        %08x%08x%08x%08x\n", info.CID[3], info.CID[2], info.CID[1], info.CID[0])

	return
}

func mscCommand() *cli.Command {
	return &cli.Command{
		Name:  "msc",
		Usage: "enumerate the mass storage firmware and read the first block",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "image",
				Usage: "card contents, the slot is empty when not set",
			},
			&cli.BoolFlag{
				Name:  "sdsc",
				Usage: "simulate a standard capacity card",
			},
			&cli.BoolFlag{
				Name:  "verify",
				Usage: "write and read back the last block",
			},
		},
		Action: msc,
	}
}

func msc(c *cli.Context) (err error) {
	conf, err := loadConfig(c, config.MSC)

	if err != nil {
		return
	}

	var card *sdsim.Card

	if path := c.String("image"); len(path) > 0 {
		if card, err = loadCard(path, c.Bool("sdsc")); err != nil {
			return
		}
	}

	w := c.App.Writer

	return simulate(c.Context, conf, card, func(_ *bridge.Bridge, ctrl *usbsim.Controller) (err error) {
		desc, _, err := ctrl.Enumerate()

		if err != nil {
			return
		}

		fmt.Fprintf(w, "device:   %04x:%04x\n", uint16(desc[8])|uint16(desc[9])<<8, uint16(desc[10])|uint16(desc[11])<<8)

		d := &Drive{ctrl: ctrl}

		vendor, product, rev, err := d.Inquiry()

		if err != nil {
			return
		}

		fmt.Fprintf(w, "inquiry:  %q %q %q\n", vendor, product, rev)

		blocks, blockSize, err := d.Capacity()

		if err != nil {
			return
		}

		fmt.Fprintf(w, "capacity: %d blocks of %d bytes\n", blocks, blockSize)

		buf, err := d.Read(0, 1, blockSize)

		if err != nil {
			return
		}

		fmt.Fprintf(w, "LBA 0:    signature %#04x\n", uint16(buf[510])|uint16(buf[511])<<8)

		if !c.Bool("verify") {
			return
		}

		return verify(d, blocks-1, blockSize, w)
	})
}

// verify writes a test pattern at lba, reads it back and restores the
// original contents.
func verify(d *Drive, lba int, blockSize int, w io.Writer) (err error) {
	orig, err := d.Read(lba, 1, blockSize)

	if err != nil {
		return
	}

	pattern := make([]byte, blockSize)

	for i := range pattern {
		pattern[i] = byte(i) ^ 0xa5
	}

	if err = d.Write(lba, pattern, blockSize); err != nil {
		return
	}

	buf, err := d.Read(lba, 1, blockSize)

	if err != nil {
		return
	}

	if !bytes.Equal(buf, pattern) {
		return fmt.Errorf("LBA %d read back mismatch", lba)
	}

	if err = d.Write(lba, orig, blockSize); err != nil {
		return
	}

	fmt.Fprintf(w, "LBA %d: write verified\n", lba)

	return
}

func cdcCommand() *cli.Command {
	return &cli.Command{
		Name:      "cdc",
		Usage:     "enumerate the CDC firmware and echo a line",
		ArgsUsage: "[LINE]",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  "rate",
				Value: 115200,
				Usage: "line coding rate",
			},
		},
		Action: serial,
	}
}

func serial(c *cli.Context) (err error) {
	conf, err := loadConfig(c, config.CDC)

	if err != nil {
		return
	}

	line := c.Args().First()

	if len(line) == 0 {
		line = "hello"
	}

	w := c.App.Writer

	return simulate(c.Context, conf, nil, func(_ *bridge.Bridge, ctrl *usbsim.Controller) (err error) {
		if _, _, err = ctrl.Enumerate(); err != nil {
			return
		}

		l := cdc.DefaultLineCoding
		l.Rate = uint32(c.Uint("rate"))

		if _, err = ctrl.Control(usb.SetupData{RequestType: classOut, Request: cdc.SET_LINE_CODING, Length: cdc.LINE_CODING_LENGTH}, l.Bytes()); err != nil {
			return
		}

		buf, err := ctrl.Control(usb.SetupData{RequestType: classIn, Request: cdc.GET_LINE_CODING, Length: cdc.LINE_CODING_LENGTH}, nil)

		if err != nil {
			return
		}

		if l, err = cdc.ParseLineCoding(buf); err != nil {
			return
		}

		fmt.Fprintf(w, "line coding: %s\n", l)

		msg := []byte(line + "\r\n")

		if err = ctrl.Send(cdc.BULK_OUT_EP, msg); err != nil {
			return
		}

		var echo []byte

		for len(echo) < len(msg) {
			p, err := ctrl.Receive(cdc.BULK_IN_EP&0x7f, len(msg)-len(echo))

			if err != nil {
				return err
			}

			echo = append(echo, p...)
		}

		if !bytes.Equal(echo, msg) {
			return fmt.Errorf("echo mismatch %q", echo)
		}

		fmt.Fprintf(w, "echo:        %q\n", strings.TrimSpace(string(echo)))

		return
	})
}

func configCommand() *cli.Command {
	return &cli.Command{
		Name:  "config",
		Usage: "print the effective configuration",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "mode",
				Value: string(config.MSC),
				Usage: "USB function (cdc, msc)",
			},
		},
		Action: func(c *cli.Context) (err error) {
			mode := config.Mode(c.String("mode"))

			if mode != config.CDC && mode != config.MSC {
				return fmt.Errorf("unsupported mode %q", mode)
			}

			conf, err := loadConfig(c, mode)

			if err != nil {
				return
			}

			logrus.Debugf("configuration loaded (%s)", mode)

			enc := yaml.NewEncoder(c.App.Writer)
			defer enc.Close()

			return enc.Encode(conf)
		},
	}
}
