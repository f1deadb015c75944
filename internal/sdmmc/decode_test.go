// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func csdV2(readBlLen uint32, cSize uint32) [4]uint32 {
	return [4]uint32{
		1,
		(cSize & 0xffff) << 16,
		readBlLen<<16 | (cSize>>16)&0x3f,
		CSD_STRUCTURE_V2 << 30,
	}
}

func TestDecodeCSDv2(t *testing.T) {
	assert := require.New(t)

	c, err := decodeCSD(csdV2(9, 0x0f423f))
	assert.NoError(err)

	assert.Equal(512, c.blockSize)
	assert.Equal((0x0f423f+1)<<10, c.blocks)
	assert.Equal(int64((0x0f423f+1)<<10)*512, c.capacity)
}

func TestDecodeCSDRejects(t *testing.T) {
	assert := require.New(t)

	// READ_BL_LEN 1024
	_, err := decodeCSD(csdV2(10, 0x0f423f))
	assert.ErrorIs(err, ErrUnsupportedCSD)

	// CSD version 1.0
	r := csdV2(9, 0x1000)
	r[3] = 0
	_, err = decodeCSD(r)
	assert.ErrorIs(err, ErrUnsupportedCSD)

	// reserved structure
	r[3] = 3 << 30
	_, err = decodeCSD(r)
	assert.ErrorIs(err, ErrUnsupportedCSD)

	// missing end bit
	r = csdV2(9, 0x1000)
	r[0] = 0
	_, err = decodeCSD(r)
	assert.ErrorIs(err, ErrUnsupportedCSD)
}

func TestDecodeSCR(t *testing.T) {
	const bus1 = SCR_BUS_WIDTH_1 << 16
	const bus14 = (SCR_BUS_WIDTH_1 | SCR_BUS_WIDTH_4) << 16

	tests := []struct {
		name    string
		scr     uint32
		version Version
		bus4    bool
		err     error
	}{
		{"v1", bus1, SD_V1, false, nil},
		{"v1.1", 1<<24 | bus1, SD_V1_1, false, nil},
		{"v2", 2<<24 | bus14, SD_V2, true, nil},
		{"v3", 2<<24 | 1<<15 | bus14, SD_V3, true, nil},
		{"v4", 2<<24 | 1<<15 | 1<<10 | bus14, SD_V4, true, nil},
		{"v5", 2<<24 | 1<<15 | 1<<6 | bus14, SD_V5, true, nil},
		{"v6", 2<<24 | 1<<15 | 2<<6 | bus1, SD_V6, false, nil},
		{"unknown version", 3<<24 | bus1, 0, false, ErrUnsupportedSCR},
		{"structure", 1<<28 | 2<<24 | bus1, 0, false, ErrUnsupportedSCR},
		{"no 1-bit bus", 2<<24 | SCR_BUS_WIDTH_4<<16, 0, false, ErrBusWidth},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert := require.New(t)

			s, err := decodeSCR(tt.scr)

			if tt.err != nil {
				assert.ErrorIs(err, tt.err)
				return
			}

			assert.NoError(err)
			assert.Equal(tt.version, s.version)
			assert.Equal(tt.bus4, s.bus4)
		})
	}
}
