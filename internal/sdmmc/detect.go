// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/f-secure-foundry/armory-sdbridge/internal/reg"
)

type step struct {
	name string
	fn   func(card *CardInfo) error
}

// Detect resets the controller and runs the SD card identification
// sequence, on success the card is selected and ready for data transfers
// (p48, 4.2 Card Identification Mode, SD Specifications Part 1 Physical
// Layer Simplified Specification).
func (hw *Controller) Detect() (err error) {
	hw.Lock()
	defer hw.Unlock()

	hw.card = CardInfo{}
	card := CardInfo{}

	if err = hw.reset(); err != nil {
		return fmt.Errorf("controller reset, %w", err)
	}

	if err = hw.setClock(IDENTIFICATION_FREQ_HZ); err != nil {
		return fmt.Errorf("identification clock, %w", err)
	}

	card.Rate = IDENTIFICATION_FREQ_HZ

	// identification is always performed on a 1-bit bus
	hw.Bus.Write32(SD_BWDR, BWDR_1BIT)
	hw.Bus.Write32(SD_RISR, RISR_CLEAR_ALL)
	hw.sleep(settleDelay)

	steps := []step{
		{"go idle", hw.goIdle},
		{"interface conditions", hw.sendInterfaceConditions},
		{"operating conditions", hw.sendOperatingConditions},
		{"card identification", hw.getCID},
		{"relative address", hw.getRCA},
		{"card specific data", hw.getCSD},
		{"select card", hw.selectCard},
		{"card configuration", hw.getSCR},
		{"block length", hw.setBlockLength},
		{"transfer mode", hw.setTransferMode},
	}

	for _, s := range steps {
		if err = s.fn(&card); err != nil {
			logrus.WithField("step", s.name).Errorf("sdmmc: identification failed, %v", err)
			return fmt.Errorf("%s, %w", s.name, err)
		}

		logrus.WithField("step", s.name).Debug("sdmmc: identification step complete")
	}

	hw.card = card

	logrus.WithFields(logrus.Fields{
		"version":  card.Version,
		"hc":       card.HC,
		"bus4":     card.Bus4,
		"rca":      card.RCA,
		"blocks":   card.Blocks,
		"capacity": card.Capacity,
	}).Info("sdmmc: card detected")

	return
}

// reset performs a full controller reset and enables card detect debounce.
func (hw *Controller) reset() error {
	hw.Bus.Write32(SD_GCTL, 1<<GCTL_SOFT_RST|1<<GCTL_FIFO_RST|1<<GCTL_DMA_RST|1<<GCTL_CD_DBC_ENB)

	return reg.Poll(hw.timeout(), func() bool {
		return hw.Bus.Read32(SD_GCTL)&(1<<GCTL_SOFT_RST|1<<GCTL_FIFO_RST) == 0
	})
}

func (hw *Controller) updateClock() error {
	hw.Bus.Write32(SD_CMDR, 1<<CMDR_CMD_LOAD|1<<CMDR_PRG_CLK|1<<CMDR_WAIT_PRE_OVER)
	return hw.waitLoad()
}

// setClock programs the module clock and commits the card clock to the
// controller, no command is sent to the card.
func (hw *Controller) setClock(hz uint32) (err error) {
	if hw.Clock != nil {
		if err = hw.Clock(hz); err != nil {
			return
		}
	}

	hw.Bus.Write32(SD_CKCR, 0)

	if err = hw.updateClock(); err != nil {
		return
	}

	reg.Set(hw.Bus, SD_CKCR, CKCR_CCLK_ENB)

	return hw.updateClock()
}

// CMD0
func (hw *Controller) goIdle(_ *CardInfo) (err error) {
	_, err = hw.transferCommand(1<<CMDR_SEND_INIT_SEQ|GO_IDLE_STATE, 0)
	return
}

// CMD8, p92, 4.3.13 Send Interface Condition Command
func (hw *Controller) sendInterfaceConditions(card *CardInfo) (err error) {
	resp, err := hw.transferCommand(1<<CMDR_CHK_RESP_CRC|1<<CMDR_RESP_RCV|SEND_IF_COND, CMD8_VHS_27_36|CMD8_CHECK_PATTERN)

	if err != nil {
		var cmdErr *CommandError

		if !errors.As(err, &cmdErr) {
			return
		}

		if cmdErr.Timeout() {
			return ErrNoCard
		}

		// only version 1.x cards do not recognize CMD8
		card.Version = SD_V1

		return ErrUnsupportedCard
	}

	if resp[0]&0xff != CMD8_CHECK_PATTERN {
		return fmt.Errorf("%w (%#x)", ErrPatternMismatch, resp[0])
	}

	if resp[0]&CMD8_VHS_27_36 == 0 {
		return fmt.Errorf("%w (%#x)", ErrVoltage, resp[0])
	}

	card.Version = SD_V2

	return
}

// ACMD41, p60, 4.2.3.1 Initialization Command (ACMD41)
func (hw *Controller) sendOperatingConditions(card *CardInfo) (err error) {
	var ocr uint32

	for i := 0; ; i++ {
		if err = hw.appCommand(0); err != nil {
			return
		}

		resp, err := hw.transferCommand(1<<CMDR_RESP_RCV|SD_SEND_OP_COND, ACMD41_HCS_XPC|OCR_VDD_WINDOW)

		if err != nil {
			return err
		}

		ocr = resp[0]

		if ocr&OCR_POWERUP_READY != 0 {
			break
		}

		if i >= hw.retries() {
			return fmt.Errorf("card power up, %w", reg.ErrTimeout)
		}

		hw.sleep(pollInterval)
	}

	if ocr&OCR_VDD_WINDOW == 0 {
		return fmt.Errorf("%w (OCR %#x)", ErrVoltage, ocr)
	}

	card.HC = ocr&OCR_CCS != 0

	return
}

// CMD2
func (hw *Controller) getCID(card *CardInfo) (err error) {
	card.CID, err = hw.transferCommand(1<<CMDR_RESP_RCV|1<<CMDR_LONG_RESP|1<<CMDR_CHK_RESP_CRC|ALL_SEND_CID, 0)
	return
}

// CMD3
func (hw *Controller) getRCA(card *CardInfo) (err error) {
	resp, err := hw.transferCommand(1<<CMDR_RESP_RCV|1<<CMDR_CHK_RESP_CRC|SEND_RELATIVE_ADDR, 0)

	if err != nil {
		return
	}

	card.RCA = (resp[0] >> 16) & 0xffff

	return
}

// CMD9
func (hw *Controller) getCSD(card *CardInfo) (err error) {
	resp, err := hw.transferCommand(1<<CMDR_RESP_RCV|1<<CMDR_LONG_RESP|1<<CMDR_CHK_RESP_CRC|SEND_CSD, card.RCA<<16)

	if err != nil {
		return
	}

	card.CSD = resp

	c, err := decodeCSD(resp)

	if err != nil {
		return
	}

	card.BlockSize = c.blockSize
	card.Blocks = c.blocks
	card.Capacity = c.capacity

	return
}

// CMD7
func (hw *Controller) selectCard(card *CardInfo) (err error) {
	_, err = hw.transferCommand(1<<CMDR_RESP_RCV|1<<CMDR_CHK_RESP_CRC|SELECT_CARD, card.RCA<<16)
	return
}

// ACMD51
func (hw *Controller) getSCR(card *CardInfo) (err error) {
	buf := make([]byte, SCR_LENGTH)

	reg.Set(hw.Bus, SD_GCTL, GCTL_FIFO_AC_MOD)
	hw.Bus.Write32(SD_RISR, RISR_CLEAR_ALL)
	hw.Bus.Write32(SD_BKSR, SCR_LENGTH)
	hw.Bus.Write32(SD_BYCR, SCR_LENGTH)

	if err = hw.appCommand(card.RCA); err != nil {
		return
	}

	if _, err = hw.transferCommand(1<<CMDR_DATA_TRANS|1<<CMDR_WAIT_PRE_OVER|1<<CMDR_RESP_RCV|SEND_SCR, 0); err != nil {
		return
	}

	if err = hw.readFIFO(SEND_SCR, buf); err != nil {
		return
	}

	card.SCR = uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])

	s, err := decodeSCR(card.SCR)

	if err != nil {
		return
	}

	card.Version = s.version
	card.Bus4 = s.bus4

	return
}

// CMD16, standard capacity cards only
func (hw *Controller) setBlockLength(card *CardInfo) (err error) {
	if card.HC {
		return
	}

	hw.Bus.Write32(SD_BKSR, DEFAULT_BLOCK_SIZE)
	_, err = hw.transferCommand(1<<CMDR_RESP_RCV|1<<CMDR_CHK_RESP_CRC|SET_BLOCKLEN, DEFAULT_BLOCK_SIZE)

	return
}

// setTransferMode raises the card clock and switches to a 4-bit bus when
// supported.
func (hw *Controller) setTransferMode(card *CardInfo) (err error) {
	if card.Version >= SD_V2 {
		if err = hw.setClock(TRANSFER_FREQ_HZ); err != nil {
			return
		}

		card.Rate = TRANSFER_FREQ_HZ
	}

	if !card.Bus4 {
		return
	}

	if err = hw.appCommand(card.RCA); err != nil {
		return
	}

	// ACMD6
	if _, err = hw.transferCommand(1<<CMDR_RESP_RCV|SET_BUS_WIDTH, ACMD6_BUS_WIDTH_4); err != nil {
		return
	}

	hw.Bus.Write32(SD_BWDR, BWDR_4BIT)

	// the first transfer after a bus width change might otherwise fail
	hw.sleep(settleDelay)

	return
}
