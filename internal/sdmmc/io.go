// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"encoding/binary"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/f-secure-foundry/armory-sdbridge/internal/reg"
)

// data errors other than CRC ones abort a FIFO transfer
const dataErrorMask = RISR_ERROR_MASK &^ (1 << RISR_DATA_CRC_ERR)

func (hw *Controller) dataError(index uint32, irq uint32) error {
	return &CommandError{Index: index, Bits: irq & dataErrorMask}
}

// readFIFO pops the data phase of a read command into buf, words exceeding
// buf are drained and discarded.
func (hw *Controller) readFIFO(index uint32, buf []byte) (err error) {
	var irq uint32
	n := 0

	err = reg.Poll(hw.timeout(), func() bool {
		status := hw.Bus.Read32(SD_STAR)
		irq = hw.Bus.Read32(SD_RISR)

		if irq&dataErrorMask != 0 {
			return true
		}

		empty := status&(1<<STAR_FIFO_EMPTY) != 0

		if empty && irq&(1<<RISR_DATA_TRANSFER_COMPLETE) != 0 {
			return true
		}

		if !empty {
			word := hw.Bus.Read32(SD_FIFO)

			if n+4 <= len(buf) {
				binary.LittleEndian.PutUint32(buf[n:], word)
			}

			n += 4
		}

		return false
	})

	if !reg.IsSet(hw.Bus, SD_STAR, STAR_FIFO_EMPTY) {
		logrus.Warnf("sdmmc: CMD%d FIFO not empty after transfer", index)
	}

	hw.Bus.Write32(SD_RISR, RISR_CLEAR_ALL)

	if err != nil {
		return fmt.Errorf("CMD%d data, %w", index, err)
	}

	if irq&dataErrorMask != 0 {
		return hw.dataError(index, irq)
	}

	if n < len(buf) {
		return fmt.Errorf("CMD%d short read (%d < %d)", index, n, len(buf))
	}

	return
}

// writeFIFO pushes buf as the data phase of a write command.
func (hw *Controller) writeFIFO(index uint32, buf []byte) (err error) {
	var irq uint32
	n := 0

	err = reg.Poll(hw.timeout(), func() bool {
		status := hw.Bus.Read32(SD_STAR)
		irq = hw.Bus.Read32(SD_RISR)

		if irq&dataErrorMask != 0 {
			return true
		}

		if n >= len(buf) {
			return irq&(1<<RISR_DATA_TRANSFER_COMPLETE) != 0
		}

		if status&(1<<STAR_FIFO_FULL) == 0 {
			hw.Bus.Write32(SD_FIFO, binary.LittleEndian.Uint32(buf[n:]))
			n += 4
		}

		return false
	})

	hw.Bus.Write32(SD_RISR, RISR_CLEAR_ALL)

	if err != nil {
		return fmt.Errorf("CMD%d data, %w", index, err)
	}

	if irq&dataErrorMask != 0 {
		return hw.dataError(index, irq)
	}

	return
}

// transfer moves a single block at byte address addr, high capacity cards
// are addressed by block (p106, 4.3.14 Command Functional Difference in
// Card Capacity Types).
func (hw *Controller) transfer(write bool, addr uint64, buf []byte) (err error) {
	card := hw.card
	blockSize := uint64(card.BlockSize)

	if blockSize == 0 {
		return ErrNotReady
	}

	if uint64(len(buf)) != blockSize {
		return fmt.Errorf("transfer size %d != block size %d", len(buf), blockSize)
	}

	if addr%blockSize != 0 {
		return fmt.Errorf("unaligned address %#x", addr)
	}

	arg := addr

	if card.HC {
		arg = addr / blockSize
	}

	if arg > 0xffffffff {
		return fmt.Errorf("address %#x out of range", addr)
	}

	reg.Set(hw.Bus, SD_GCTL, GCTL_FIFO_AC_MOD)
	hw.Bus.Write32(SD_RISR, RISR_CLEAR_ALL)
	hw.Bus.Write32(SD_BKSR, uint32(blockSize))
	hw.Bus.Write32(SD_BYCR, uint32(len(buf)))

	cmd := uint32(1<<CMDR_DATA_TRANS | 1<<CMDR_WAIT_PRE_OVER | 1<<CMDR_CHK_RESP_CRC | 1<<CMDR_RESP_RCV)
	index := uint32(READ_SINGLE_BLOCK)

	if write {
		index = WRITE_BLOCK
		cmd |= 1 << CMDR_TRANS_DIR
	}

	if _, err = hw.transferCommand(cmd|index, uint32(arg)); err != nil {
		return
	}

	if write {
		return hw.writeFIFO(index, buf)
	}

	return hw.readFIFO(index, buf)
}

// ReadSector reads one block at byte address addr.
func (hw *Controller) ReadSector(addr uint64, buf []byte) error {
	hw.Lock()
	defer hw.Unlock()

	return hw.transfer(false, addr, buf)
}

// WriteSector writes one block at byte address addr.
func (hw *Controller) WriteSector(addr uint64, buf []byte) error {
	hw.Lock()
	defer hw.Unlock()

	return hw.transfer(true, addr, buf)
}

func (hw *Controller) blocks(write bool, lba int, buf []byte) (err error) {
	hw.Lock()
	defer hw.Unlock()

	blockSize := hw.card.BlockSize

	if blockSize == 0 {
		return ErrNotReady
	}

	if len(buf)%blockSize != 0 {
		return fmt.Errorf("buffer length %d is not a multiple of block size %d", len(buf), blockSize)
	}

	if lba < 0 || lba+len(buf)/blockSize > hw.card.Blocks {
		return fmt.Errorf("blocks %d-%d out of range", lba, lba+len(buf)/blockSize)
	}

	for off := 0; off < len(buf); off += blockSize {
		addr := uint64(lba)*uint64(blockSize) + uint64(off)

		if err = hw.transfer(write, addr, buf[off:off+blockSize]); err != nil {
			return
		}
	}

	return
}

// ReadBlocks reads len(buf)/BlockSize blocks starting at lba.
func (hw *Controller) ReadBlocks(lba int, buf []byte) error {
	return hw.blocks(false, lba, buf)
}

// WriteBlocks writes len(buf)/BlockSize blocks starting at lba.
func (hw *Controller) WriteBlocks(lba int, buf []byte) error {
	return hw.blocks(true, lba, buf)
}
