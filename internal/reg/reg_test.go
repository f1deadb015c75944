// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package reg

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFieldAccess(t *testing.T) {
	assert := require.New(t)
	m := &Mem{}

	Set(m, 0x10, 31)
	Set(m, 0x10, 2)
	assert.Equal(uint32(0x80000004), m.Read32(0x10))
	assert.True(IsSet(m, 0x10, 2))

	Clear(m, 0x10, 2)
	assert.False(IsSet(m, 0x10, 2))

	SetN(m, 0x10, 8, 0xff, 0xab)
	assert.Equal(uint32(0xab), Get(m, 0x10, 8, 0xff))
	assert.Equal(uint32(0x8000ab00), m.Read32(0x10))
}

func TestSubWordLanes(t *testing.T) {
	assert := require.New(t)
	m := &Mem{}

	m.Write32(0x00, 0x11223344)
	assert.Equal(uint8(0x44), m.Read8(0x00))
	assert.Equal(uint8(0x22), m.Read8(0x02))
	assert.Equal(uint16(0x1122), m.Read16(0x02))

	m.Write8(0x01, 0xaa)
	assert.Equal(uint32(0x1122aa44), m.Read32(0x00))

	m.Write16(0x02, 0xbeef)
	assert.Equal(uint32(0xbeefaa44), m.Load(0x00))
}

func TestHooks(t *testing.T) {
	assert := require.New(t)
	var writes []uint32

	m := &Mem{
		ReadHook: func(off uint32, size int) (uint32, bool) {
			return 0x5a, off == 0x40
		},
		WriteHook: func(off uint32, size int, val uint32) bool {
			writes = append(writes, val)
			return off == 0x40
		},
	}

	m.Write32(0x40, 1)
	m.Write32(0x44, 2)

	assert.Equal([]uint32{1, 2}, writes)
	assert.Equal(uint32(0x5a), m.Read32(0x40))
	assert.Equal(uint32(0), m.Load(0x40))
	assert.Equal(uint32(2), m.Read32(0x44))
}

func TestPoll(t *testing.T) {
	assert := require.New(t)
	n := 0

	err := Poll(time.Second, func() bool {
		n++
		return n == 3
	})

	assert.NoError(err)
	assert.Equal(3, n)

	err = Poll(5*time.Millisecond, func() bool { return false })
	assert.ErrorIs(err, ErrTimeout)
}

func TestWaitFor(t *testing.T) {
	assert := require.New(t)
	m := &Mem{}

	m.Store(0x18, 1<<31)
	assert.ErrorIs(WaitFor(5*time.Millisecond, m, 0x18, 31, 1, 0), ErrTimeout)

	m.Store(0x18, 0)
	assert.NoError(WaitFor(5*time.Millisecond, m, 0x18, 31, 1, 0))

	m.Write8(0x02, 0x05)
	assert.NoError(WaitFor8(5*time.Millisecond, m, 0x02, 0x04, 0x04))
}
