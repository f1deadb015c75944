// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package bridge composes the USB function selected by the configuration
// with the SD/MMC card and runs the firmware main loop.
package bridge

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/f-secure-foundry/armory-sdbridge/internal/cdc"
	"github.com/f-secure-foundry/armory-sdbridge/internal/config"
	"github.com/f-secure-foundry/armory-sdbridge/internal/sdmmc"
	"github.com/f-secure-foundry/armory-sdbridge/internal/ums"
	"github.com/f-secure-foundry/armory-sdbridge/internal/usb"
)

// StatusInterval is the period of card status checks while the USB function
// is connected.
const StatusInterval = 100 * time.Millisecond

// DefaultStatusPath is the status disk scratch file.
const DefaultStatusPath = "status.disk"

// Card represents the SD/MMC card interface.
type Card interface {
	ums.BlockDevice

	Detect() error
	Status() (uint32, error)
}

// Platform powers the USB function on and off.
type Platform interface {
	EnableUSB()
	DisableUSB()
}

// connector is implemented by controllers requiring explicit bus
// connection.
type connector interface {
	Init()
	Stop()
}

// Bridge represents a firmware image.
type Bridge struct {
	Config *config.Config
	Card   Card
	// Platform is optional
	Platform Platform
	// Version is reported on the status disk
	Version string
	// StatusPath is the status disk scratch file, DefaultStatusPath is
	// used when empty
	StatusPath string
	// Sleep waits for the given duration, time.Sleep is used when nil
	Sleep func(time.Duration)

	Device *usb.Device
	ACM    *cdc.ACM
	Drive  *ums.Drive

	ctrl usb.Controller
	echo []byte
}

// New composes the USB device for the configured mode over ctrl.
func New(conf *config.Config, ctrl usb.Controller, card Card) (b *Bridge, err error) {
	if err = conf.Validate(); err != nil {
		return
	}

	b = &Bridge{
		Config: conf,
		Card:   card,
		Device: usb.NewDevice(ctrl),
		ctrl:   ctrl,
	}

	if err = b.Device.Identify(conf.Identity()); err != nil {
		return nil, fmt.Errorf("could not set device identity, %w", err)
	}

	switch conf.Mode {
	case config.CDC:
		b.ACM = cdc.New(conf.RingSize)
		b.ACM.Attach(b.Device)
		b.echo = make([]byte, conf.RingSize)
	case config.MSC:
		b.Drive = &ums.Drive{
			Buffer: make([]byte, conf.BufferSize),
		}
		b.Drive.Attach(b.Device)
	}

	return
}

func (b *Bridge) sleep(d time.Duration) {
	if b.Sleep != nil {
		b.Sleep(d)
		return
	}

	time.Sleep(d)
}

// Service runs a single iteration of the USB device loop.
func (b *Bridge) Service() (err error) {
	if err = b.Device.Poll(); err != nil {
		return
	}

	if b.ACM == nil || b.ACM.Buffered() == 0 {
		return
	}

	n, _ := b.ACM.Read(b.echo)
	_, err = b.ACM.Write(b.echo[:n])

	return
}

// Serve connects the USB function and services it until ctx is done or
// alive, evaluated every StatusInterval, returns false.
func (b *Bridge) Serve(ctx context.Context, alive func() bool) {
	if b.Platform != nil {
		b.Platform.EnableUSB()
		defer b.Platform.DisableUSB()
	}

	if c, ok := b.ctrl.(connector); ok {
		c.Init()
		defer c.Stop()
	}

	last := time.Now()

	for ctx.Err() == nil {
		if err := b.Service(); err != nil {
			logrus.WithError(err).Warn("bridge: endpoint error")
		}

		if time.Since(last) < StatusInterval {
			continue
		}

		if !alive() {
			break
		}

		last = time.Now()
	}

	logrus.Info("bridge: USB disconnected")
}

func (b *Bridge) cardAlive() bool {
	if _, err := b.Card.Status(); err != nil {
		logrus.WithError(err).Warn("bridge: card lost")
		return false
	}

	return true
}

// statusDisk builds the status disk reporting an identification error.
func (b *Bridge) statusDisk(cause error) (disk *ums.StatusDisk, err error) {
	path := b.StatusPath

	if path == "" {
		path = DefaultStatusPath
	}

	status := fmt.Sprintf("SD card not detected: %v", cause)

	return ums.NewStatusDisk(path, status, b.Version)
}

// Session detects the card and, on success, exposes it until it is lost.
// When identification fails in mass storage mode with the status disk
// enabled, the status disk is exposed until the card detect line changes
// state or ctx is done.
//
// The CDC function does not use the card and is served until ctx is done.
func (b *Bridge) Session(ctx context.Context) (err error) {
	if b.ACM != nil {
		b.Serve(ctx, func() bool { return true })
		return
	}

	err = b.Card.Detect()

	if err == nil {
		info := b.Card.Info()

		logrus.WithFields(logrus.Fields{
			"version":  info.Version,
			"hc":       info.HC,
			"blocks":   info.Blocks,
			"capacity": info.Capacity,
		}).Info("bridge: SD card detected")

		if b.Drive != nil {
			b.Drive.Card = b.Card
			b.Drive.Ready = true
		}

		b.Serve(ctx, b.cardAlive)

		return
	}

	logrus.WithError(err).Error("bridge: SD card not detected")

	if b.Drive == nil || !b.Config.StatusDisk {
		return
	}

	disk, diskErr := b.statusDisk(err)

	if diskErr != nil {
		logrus.WithError(diskErr).Error("bridge: could not build status disk")
		return
	}

	b.Drive.Card = disk
	b.Drive.Ready = true

	present, ok := b.Card.(interface{ Present() bool })

	if !ok {
		return
	}

	inserted := present.Present()

	b.Serve(ctx, func() bool {
		return present.Present() == inserted
	})

	return
}

// Run repeats sessions until ctx is done, identification is retried after
// the configured delay.
func (b *Bridge) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		if err := b.Session(ctx); err != nil {
			b.sleep(b.Config.RetryDelay)
		}
	}

	return ctx.Err()
}

var _ Card = &sdmmc.Controller{}
