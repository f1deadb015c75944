// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func runApp(t *testing.T, args ...string) (string, error) {
	out := &bytes.Buffer{}

	app := newApp()
	app.Writer = out
	app.ErrWriter = out

	err := app.Run(append([]string{appName}, args...))

	return out.String(), err
}

func TestImage(t *testing.T) {
	assert := require.New(t)

	dir := t.TempDir()
	img := filepath.Join(dir, "card.img")
	readme := filepath.Join(dir, "readme.txt")

	assert.NoError(os.WriteFile(readme, []byte("bridge test\r\n"), 0600))

	out, err := runApp(t, "mkimage", "--size", "8", "--file", readme, img)
	assert.NoError(err)
	assert.Contains(out, "16384 blocks, 1 files")

	buf, err := os.ReadFile(img)
	assert.NoError(err)
	assert.Len(buf, 8<<20)
	assert.Equal([]byte{0x55, 0xaa}, buf[510:512])
	assert.True(bytes.Contains(buf, []byte("README  TXT")))
	assert.True(bytes.Contains(buf, []byte("bridge test")))

	out, err = runApp(t, "identify", "--image", img)
	assert.NoError(err)
	assert.Contains(out, "blocks:     16384")
	assert.Contains(out, "high cap.:  true")

	out, err = runApp(t, "identify", "--sdsc", "--image", img)
	assert.NoError(err)
	assert.Contains(out, "high cap.:  false")

	out, err = runApp(t, "msc", "--verify", "--image", img)
	assert.NoError(err)
	assert.Contains(out, "device:   1111:0000")
	assert.Contains(out, `"F1C100S "`)
	assert.Contains(out, "capacity: 16384 blocks of 512 bytes")
	assert.Contains(out, "signature 0xaa55")
	assert.Contains(out, "LBA 16383: write verified")

	_, err = runApp(t, "mkimage")
	assert.Error(err)

	_, err = runApp(t, "identify", "--image", filepath.Join(dir, "missing.img"))
	assert.Error(err)
}

func TestStatusDisk(t *testing.T) {
	assert := require.New(t)

	out, err := runApp(t, "msc")
	assert.NoError(err)
	assert.Contains(out, "capacity: 16800 blocks of 512 bytes")
	assert.Contains(out, "signature 0xaa55")
}

func TestSerial(t *testing.T) {
	assert := require.New(t)

	out, err := runApp(t, "cdc", "--rate", "9600", "ping")
	assert.NoError(err)
	assert.Contains(out, "line coding: 9600 8N1")
	assert.Contains(out, `echo:        "ping"`)
}

func TestConfig(t *testing.T) {
	assert := require.New(t)

	path := filepath.Join(t.TempDir(), "sdbridge.yaml")
	assert.NoError(os.WriteFile(path, []byte("product: Sim Bridge\nserial: 0123456789AB\n"), 0600))

	out, err := runApp(t, "--config", path, "config", "--mode", "cdc")
	assert.NoError(err)
	assert.Contains(out, "mode: cdc")
	assert.Contains(out, "product: Sim Bridge")
	assert.Contains(out, "serial: 0123456789AB")

	_, err = runApp(t, "config", "--mode", "hid")
	assert.Error(err)
}
