// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	assert := require.New(t)

	cdc := Default(CDC)
	assert.Equal(uint16(0x1eaf), cdc.VendorID)
	assert.Equal(uint16(0x0024), cdc.ProductID)
	assert.Equal("F1C200s CDC", cdc.Product)
	assert.NoError(cdc.Validate())

	msc := Default(MSC)
	assert.Equal(uint16(0x1111), msc.VendorID)
	assert.Equal("MiniLogic", msc.Manufacturer)
	assert.NoError(msc.Validate())

	// unknown modes fall back to mass storage
	assert.Equal(MSC, Default("").Mode)

	id := cdc.Identity()
	assert.Equal(cdc.VendorID, id.VendorID)
	assert.Equal(cdc.Serial, id.Serial)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*Config)
		valid  bool
	}{
		{"default", func(c *Config) {}, true},
		{"mode", func(c *Config) { c.Mode = "hid" }, false},
		{"unaligned buffer", func(c *Config) { c.BufferSize = 1000 }, false},
		{"small buffer", func(c *Config) { c.BufferSize = 0 }, false},
		{"ring", func(c *Config) { c.RingSize = 0 }, false},
		{"poll timeout", func(c *Config) { c.PollTimeout = 0 }, false},
		{"retry delay", func(c *Config) { c.RetryDelay = -time.Second }, false},
		{"lowercase serial", func(c *Config) { c.Serial = "abcdef012345" }, false},
		{"short serial", func(c *Config) { c.Serial = "0123" }, false},
		{"long product", func(c *Config) { c.Product = strings.Repeat("x", 127) }, false},
		{"cdc serial", func(c *Config) { c.Mode = CDC; c.Serial = "sn-1" }, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			conf := Default(MSC)
			tc.modify(conf)

			if tc.valid {
				require.NoError(t, conf.Validate())
			} else {
				require.Error(t, conf.Validate())
			}
		})
	}
}

func TestGeneratedSerial(t *testing.T) {
	assert := require.New(t)

	conf := Default(MSC)
	conf.Serial = ""

	assert.NoError(conf.Validate())
	assert.Len(conf.Serial, SERIAL_LENGTH)
	assert.True(validSerial(conf.Serial))
	assert.NotEqual(conf.Serial, NewSerial())
}

func TestLoad(t *testing.T) {
	assert := require.New(t)

	path := filepath.Join(t.TempDir(), "sdbridge.yaml")

	assert.NoError(os.WriteFile(path, []byte(`
mode: cdc
product: Test Bridge
ring_size: 1024
poll_timeout: 10ms
`), 0600))

	conf, err := Load(path)
	assert.NoError(err)

	assert.Equal(CDC, conf.Mode)
	assert.Equal("Test Bridge", conf.Product)
	assert.Equal(1024, conf.RingSize)
	assert.Equal(10*time.Millisecond, conf.PollTimeout)
	// CDC defaults are retained
	assert.Equal(uint16(0x1eaf), conf.VendorID)
	assert.Equal("Vendor", conf.Manufacturer)

	assert.NoError(os.WriteFile(path, []byte("buffer_size: 100\n"), 0600))
	_, err = Load(path)
	assert.Error(err)

	assert.NoError(os.WriteFile(path, []byte("mode: [\n"), 0600))
	_, err = Load(path)
	assert.Error(err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(err, os.ErrNotExist)
}

func TestSave(t *testing.T) {
	assert := require.New(t)

	path := filepath.Join(t.TempDir(), "sdbridge.yaml")

	conf := Default(MSC)
	conf.Serial = "0123456789AB"
	conf.RetryDelay = 2 * time.Second

	assert.NoError(conf.Save(path))

	loaded, err := Load(path)
	assert.NoError(err)
	assert.Equal(conf, loaded)
}
