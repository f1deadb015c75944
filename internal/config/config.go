// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package config implements the bridge configuration, its defaults and its
// YAML representation.
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/f-secure-foundry/armory-sdbridge/internal/usb"
)

// Mode selects the USB function exposed to the host.
type Mode string

// USB functions
const (
	CDC Mode = "cdc"
	MSC Mode = "msc"
)

const (
	// BLOCK_SIZE is the card block size transfer buffers are aligned to
	BLOCK_SIZE = 512
	// SERIAL_LENGTH is the length of generated serial numbers
	SERIAL_LENGTH = 12
	// MAX_STRING_LENGTH is the longest string a descriptor can carry
	MAX_STRING_LENGTH = 126
)

// Config represents the bridge configuration.
type Config struct {
	// Mode selects the CDC or mass storage function
	Mode Mode `yaml:"mode"`

	VendorID     uint16 `yaml:"vendor_id"`
	ProductID    uint16 `yaml:"product_id"`
	Release      uint16 `yaml:"release"`
	Manufacturer string `yaml:"manufacturer"`
	Product      string `yaml:"product"`
	// Serial is generated when empty
	Serial string `yaml:"serial"`

	// BufferSize is the mass storage transfer buffer size
	BufferSize int `yaml:"buffer_size"`
	// RingSize is the size of each CDC ring buffer
	RingSize int `yaml:"ring_size"`

	// PollTimeout bounds every hardware register poll
	PollTimeout time.Duration `yaml:"poll_timeout"`
	// RetryDelay is the pause between card identification attempts
	RetryDelay time.Duration `yaml:"retry_delay"`
	// StatusDisk enables the status disk when no card can be identified
	StatusDisk bool `yaml:"status_disk"`

	Debug bool `yaml:"debug"`
}

// Default returns the default configuration for a given mode.
func Default(mode Mode) *Config {
	conf := &Config{
		Mode:        mode,
		Release:     0x0100,
		Serial:      "000000000000",
		BufferSize:  16 * 1024,
		RingSize:    512,
		PollTimeout: 50 * time.Millisecond,
		RetryDelay:  500 * time.Millisecond,
		StatusDisk:  true,
	}

	switch mode {
	case CDC:
		conf.VendorID = 0x1eaf
		conf.ProductID = 0x0024
		conf.Manufacturer = "Vendor"
		conf.Product = "F1C200s CDC"
	default:
		conf.Mode = MSC
		conf.VendorID = 0x1111
		conf.ProductID = 0x0000
		conf.Manufacturer = "MiniLogic"
		conf.Product = "USB Mass Storage Device"
	}

	return conf
}

// Load reads a YAML configuration file, settings not present in the file
// retain the defaults of the selected mode.
func Load(path string) (conf *Config, err error) {
	buf, err := os.ReadFile(path)

	if err != nil {
		return
	}

	header := struct {
		Mode Mode `yaml:"mode"`
	}{}

	if err = yaml.Unmarshal(buf, &header); err != nil {
		return nil, fmt.Errorf("invalid configuration %s, %w", path, err)
	}

	conf = Default(header.Mode)

	if err = yaml.Unmarshal(buf, conf); err != nil {
		return nil, fmt.Errorf("invalid configuration %s, %w", path, err)
	}

	if err = conf.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration %s, %w", path, err)
	}

	return
}

// Save writes the configuration in YAML format.
func (conf *Config) Save(path string) (err error) {
	buf, err := yaml.Marshal(conf)

	if err != nil {
		return
	}

	return os.WriteFile(path, buf, 0600)
}

// NewSerial returns a random serial number in the [0-9A-F]{12} format
// required by p9, 4.1.1 Serial Number, USB Mass Storage Class 1.0.
func NewSerial() string {
	id := uuid.New()
	return strings.ToUpper(hex.EncodeToString(id[:SERIAL_LENGTH/2]))
}

func validSerial(s string) bool {
	if len(s) < SERIAL_LENGTH {
		return false
	}

	for _, c := range s {
		if !(c >= '0' && c <= '9' || c >= 'A' && c <= 'F') {
			return false
		}
	}

	return true
}

// Validate checks the configuration consistency, a missing serial number is
// generated.
func (conf *Config) Validate() (err error) {
	if conf.Mode != CDC && conf.Mode != MSC {
		return fmt.Errorf("unsupported mode %q", conf.Mode)
	}

	if conf.Serial == "" {
		conf.Serial = NewSerial()
	}

	for name, s := range map[string]string{
		"manufacturer": conf.Manufacturer,
		"product":      conf.Product,
		"serial":       conf.Serial,
	} {
		if len(s) > MAX_STRING_LENGTH {
			return fmt.Errorf("%s string too long (%d > %d)", name, len(s), MAX_STRING_LENGTH)
		}
	}

	if conf.Mode == MSC && !validSerial(conf.Serial) {
		return fmt.Errorf("invalid mass storage serial number %q", conf.Serial)
	}

	if conf.BufferSize < BLOCK_SIZE || conf.BufferSize%BLOCK_SIZE != 0 {
		return fmt.Errorf("buffer size must be a multiple of %d (%d)", BLOCK_SIZE, conf.BufferSize)
	}

	if conf.RingSize <= 0 {
		return fmt.Errorf("invalid ring size %d", conf.RingSize)
	}

	if conf.PollTimeout <= 0 {
		return errors.New("poll timeout must be positive")
	}

	if conf.RetryDelay < 0 {
		return errors.New("retry delay must not be negative")
	}

	return
}

// Identity returns the USB device identification.
func (conf *Config) Identity() usb.Identity {
	return usb.Identity{
		VendorID:     conf.VendorID,
		ProductID:    conf.ProductID,
		Release:      conf.Release,
		Manufacturer: conf.Manufacturer,
		Product:      conf.Product,
		Serial:       conf.Serial,
	}
}
