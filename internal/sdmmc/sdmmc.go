// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

// Package sdmmc implements a driver for the Allwinner SD/MMC host controller
// covering SD card identification, bus negotiation and single block I/O.
package sdmmc

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/f-secure-foundry/armory-sdbridge/internal/reg"
)

const (
	// DefaultTimeout bounds every register poll.
	DefaultTimeout = 100 * time.Millisecond
	// DefaultRetries bounds ACMD41 power up polling.
	DefaultRetries = 200

	pollInterval = 10 * time.Millisecond
	settleDelay  = 10 * time.Millisecond
)

// Identification errors
var (
	ErrNoCard          = errors.New("no card detected")
	ErrUnsupportedCard = errors.New("unsupported SD v1 card")
	ErrPatternMismatch = errors.New("interface condition check pattern mismatch")
	ErrVoltage         = errors.New("unsupported voltage range")
	ErrUnsupportedCSD  = errors.New("unsupported CSD")
	ErrUnsupportedSCR  = errors.New("unsupported SCR")
	ErrBusWidth        = errors.New("1-bit bus width not supported")
	ErrNotReady        = errors.New("card not initialized")
)

// CommandError reports the raw interrupt error bits of a failed command.
type CommandError struct {
	Index uint32
	Bits  uint32
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("CMD%d failed (RISR %#x)", e.Index, e.Bits)
}

// Timeout reports whether the card failed to respond.
func (e *CommandError) Timeout() bool {
	return e.Bits&(1<<RISR_RESP_TIMEOUT) != 0
}

// CardInfo holds the session established with a card at identification.
type CardInfo struct {
	// Version is the SD physical layer version reported by the SCR
	Version Version
	// HC is set for high capacity (SDHC/SDXC) cards using block addressing
	HC bool
	// Bus4 is set when the card operates in 4-bit bus mode
	Bus4 bool
	// RCA is the relative card address
	RCA uint32
	// Rate is the card clock frequency in Hz
	Rate int
	// BlockSize is the data block length
	BlockSize int
	// Blocks is the number of data blocks
	Blocks int
	// Capacity is the card size in bytes
	Capacity int64

	CID [4]uint32
	CSD [4]uint32
	SCR uint32
}

// Controller represents an SD/MMC host controller instance.
type Controller struct {
	sync.Mutex

	// Bus is the controller register block
	Bus reg.Bus
	// Clock programs the module clock feeding the controller
	Clock func(hz uint32) error
	// Sleep waits for the given duration, time.Sleep is used when nil
	Sleep func(time.Duration)
	// Timeout bounds every register poll, DefaultTimeout is used when zero
	Timeout time.Duration
	// Retries bounds power up polling, DefaultRetries is used when zero
	Retries int

	card CardInfo
}

// Info returns the card session established by Detect.
func (hw *Controller) Info() CardInfo {
	return hw.card
}

func (hw *Controller) timeout() time.Duration {
	if hw.Timeout == 0 {
		return DefaultTimeout
	}

	return hw.Timeout
}

func (hw *Controller) retries() int {
	if hw.Retries == 0 {
		return DefaultRetries
	}

	return hw.Retries
}

func (hw *Controller) sleep(d time.Duration) {
	if hw.Sleep != nil {
		hw.Sleep(d)
		return
	}

	time.Sleep(d)
}

func (hw *Controller) waitLoad() error {
	return reg.WaitFor(hw.timeout(), hw.Bus, SD_CMDR, CMDR_CMD_LOAD, 1, 0)
}

// transferCommand issues a command and waits for its completion, the
// response registers are returned on success.
func (hw *Controller) transferCommand(cmd uint32, arg uint32) (resp [4]uint32, err error) {
	index := cmd & 0x3f

	hw.Bus.Write32(SD_CAGR, arg)
	hw.Bus.Write32(SD_CMDR, 1<<CMDR_CMD_LOAD|cmd)

	if err = hw.waitLoad(); err != nil {
		return resp, fmt.Errorf("CMD%d load, %w", index, err)
	}

	var irq uint32

	err = reg.Poll(hw.timeout(), func() bool {
		irq = hw.Bus.Read32(SD_RISR)
		return irq&(1<<RISR_COMMAND_COMPLETE|RISR_ERROR_MASK) != 0
	})

	hw.Bus.Write32(SD_RISR, RISR_CLEAR_ALL)

	if err != nil {
		return resp, fmt.Errorf("CMD%d, %w", index, err)
	}

	if irq&(1<<RISR_COMMAND_COMPLETE) == 0 {
		err = &CommandError{Index: index, Bits: irq & RISR_ERROR_MASK}
		logrus.WithField("irq", fmt.Sprintf("%#x", irq)).Debugf("sdmmc: %v", err)
		return
	}

	resp[0] = hw.Bus.Read32(SD_RESP0)
	resp[1] = hw.Bus.Read32(SD_RESP1)
	resp[2] = hw.Bus.Read32(SD_RESP2)
	resp[3] = hw.Bus.Read32(SD_RESP3)

	return
}

// appCommand signals that the next command is application specific.
func (hw *Controller) appCommand(rca uint32) (err error) {
	resp, err := hw.transferCommand(1<<CMDR_CHK_RESP_CRC|1<<CMDR_RESP_RCV|APP_CMD, rca<<16)

	if err != nil {
		return
	}

	if resp[0]&CARD_STATUS_APP_CMD == 0 {
		return fmt.Errorf("APP_CMD not accepted (status %#x)", resp[0])
	}

	return
}

// Status returns the card status register (CMD13) of the selected card.
func (hw *Controller) Status() (status uint32, err error) {
	hw.Lock()
	defer hw.Unlock()

	if hw.card.RCA == 0 {
		return 0, ErrNotReady
	}

	resp, err := hw.transferCommand(1<<CMDR_CHK_RESP_CRC|1<<CMDR_RESP_RCV|SEND_STATUS, hw.card.RCA<<16)

	return resp[0], err
}

// Present reports whether the controller card detect line signals a card.
func (hw *Controller) Present() bool {
	return reg.IsSet(hw.Bus, SD_STAR, STAR_CARD_PRESENT)
}
