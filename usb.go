// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

//go:build tamago && arm
// +build tamago,arm

package main

import (
	"time"

	"github.com/f-secure-foundry/armory-sdbridge/internal/bridge"
	"github.com/f-secure-foundry/armory-sdbridge/internal/config"
	"github.com/f-secure-foundry/armory-sdbridge/internal/f1c100s"
	"github.com/f-secure-foundry/armory-sdbridge/internal/musb"
	"github.com/f-secure-foundry/armory-sdbridge/internal/reg"
	"github.com/f-secure-foundry/armory-sdbridge/internal/sdmmc"
)

var (
	usbRegs = reg.MMIO{Base: f1c100s.USB_BASE}
	sdcRegs = reg.MMIO{Base: f1c100s.SDC0_BASE}
)

// configure composes the firmware image for the configured mode.
func configure(conf *config.Config) (b *bridge.Bridge, err error) {
	soc.EnableSD()

	card := &sdmmc.Controller{
		Bus:     &sdcRegs,
		Clock:   soc.SDClock,
		Timeout: conf.PollTimeout,
	}

	ctrl := &musb.Controller{
		Bus:     &usbRegs,
		Timeout: conf.PollTimeout,
	}

	if b, err = bridge.New(conf, ctrl, card); err != nil {
		return
	}

	if b.Drive != nil {
		b.Drive.Buffer = buffer(conf.BufferSize)
	}

	b.Platform = &soc
	b.Sleep = time.Sleep

	return
}
