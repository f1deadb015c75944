// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package sdmmc

// SD/MMC host controller registers
// (p255, 7.1 SD/MMC, Allwinner F1C100s User Manual)
const (
	SD_GCTL  = 0x000
	SD_CKCR  = 0x004
	SD_TMOR  = 0x008
	SD_BWDR  = 0x00c
	SD_BKSR  = 0x010
	SD_BYCR  = 0x014
	SD_CMDR  = 0x018
	SD_CAGR  = 0x01c
	SD_RESP0 = 0x020
	SD_RESP1 = 0x024
	SD_RESP2 = 0x028
	SD_RESP3 = 0x02c
	SD_IMKR  = 0x030
	SD_MISR  = 0x034
	SD_RISR  = 0x038
	SD_STAR  = 0x03c
	SD_FWLR  = 0x040
	SD_FUNS  = 0x044
	SD_HWRST = 0x078
	SD_DMAC  = 0x080
	SD_FIFO  = 0x200

	GCTL_FIFO_AC_MOD = 31
	GCTL_CD_DBC_ENB  = 8
	GCTL_DMA_RST     = 2
	GCTL_FIFO_RST    = 1
	GCTL_SOFT_RST    = 0

	CKCR_CCLK_CTRL = 17
	CKCR_CCLK_ENB  = 16

	BWDR_1BIT = 0
	BWDR_4BIT = 1
	BWDR_8BIT = 2

	CMDR_CMD_LOAD      = 31
	CMDR_PRG_CLK       = 21
	CMDR_SEND_INIT_SEQ = 15
	CMDR_STOP_ABT_CMD  = 14
	CMDR_WAIT_PRE_OVER = 13
	CMDR_STOP_CMD_FLAG = 12
	CMDR_TRANS_MODE    = 11
	CMDR_TRANS_DIR     = 10
	CMDR_DATA_TRANS    = 9
	CMDR_CHK_RESP_CRC  = 8
	CMDR_LONG_RESP     = 7
	CMDR_RESP_RCV      = 6
	CMDR_CMD_IDX       = 0

	RISR_CARD_REMOVED           = 31
	RISR_CARD_INSERTED          = 30
	RISR_DATA_END_BIT_ERR       = 15
	RISR_AUTO_CMD_DONE          = 14
	RISR_DATA_START_ERR         = 13
	RISR_CMD_BUSY               = 12
	RISR_FIFO_ERR               = 11
	RISR_DATA_STARVATION        = 10
	RISR_DATA_TIMEOUT           = 9
	RISR_RESP_TIMEOUT           = 8
	RISR_DATA_CRC_ERR           = 7
	RISR_RESP_CRC_ERR           = 6
	RISR_DATA_RX_REQ            = 5
	RISR_DATA_TX_REQ            = 4
	RISR_DATA_TRANSFER_COMPLETE = 3
	RISR_COMMAND_COMPLETE       = 2
	RISR_RESPONSE_ERR           = 1

	RISR_ERROR_MASK = 1<<RISR_RESPONSE_ERR |
		1<<RISR_RESP_CRC_ERR |
		1<<RISR_DATA_CRC_ERR |
		1<<RISR_RESP_TIMEOUT |
		1<<RISR_DATA_TIMEOUT |
		1<<RISR_FIFO_ERR |
		1<<RISR_CMD_BUSY |
		1<<RISR_DATA_START_ERR |
		1<<RISR_DATA_END_BIT_ERR

	RISR_CLEAR_ALL = 0xffffffff

	STAR_CARD_BUSY    = 9
	STAR_CARD_PRESENT = 8
	STAR_FIFO_FULL    = 3
	STAR_FIFO_EMPTY   = 2
)

// SD commands (p47, 4.7.4 Detailed Command Description,
// SD Specifications Part 1 Physical Layer Simplified Specification)
const (
	GO_IDLE_STATE          = 0
	ALL_SEND_CID           = 2
	SEND_RELATIVE_ADDR     = 3
	SELECT_CARD            = 7
	SEND_IF_COND           = 8
	SEND_CSD               = 9
	SEND_STATUS            = 13
	SET_BLOCKLEN           = 16
	READ_SINGLE_BLOCK      = 17
	WRITE_BLOCK            = 24
	APP_CMD                = 55
	SET_BUS_WIDTH          = 6  // ACMD
	SD_SEND_OP_COND        = 41 // ACMD
	SEND_SCR               = 51 // ACMD
	CMD8_VHS_27_36         = 1 << 8
	CMD8_CHECK_PATTERN     = 0xaa
	ACMD41_HCS_XPC         = 0x50000000
	ACMD6_BUS_WIDTH_4      = 2
	CARD_STATUS_APP_CMD    = 1 << 5
	OCR_POWERUP_READY      = 1 << 31
	OCR_CCS                = 1 << 30
	OCR_VDD_WINDOW         = 0x00ff8000
	SCR_BUS_WIDTH_1        = 1 << 0
	SCR_BUS_WIDTH_4        = 1 << 2
	CSD_STRUCTURE_V2       = 1
	CSD_V2_READ_BL_LEN     = 512
	SCR_LENGTH             = 8
	DEFAULT_BLOCK_SIZE     = 512
	IDENTIFICATION_FREQ_HZ = 400000
	TRANSFER_FREQ_HZ       = 50000000
)
