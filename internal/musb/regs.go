// Copyright (c) F-Secure Corporation
// https://foundry.f-secure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.

package musb

// F1C100s USB OTG controller (Mentor Graphics MUSBHDRC)
const (
	USB_BASE = 0x01c13000

	// endpoint FIFO n is at USB_FIFO0 + 4*n
	USB_FIFO0 = 0x00

	USB_POWER      = 0x40
	POWER_ISO_UPD  = 7
	POWER_SOFTCONN = 6
	POWER_HS_ENAB  = 5
	POWER_HS_MODE  = 4
	POWER_RESET    = 3
	POWER_RESUME   = 2
	POWER_SUSPEND  = 1

	USB_DEVCTL = 0x41
	USB_EPIND  = 0x42
	USB_VEND0  = 0x43

	// TX endpoints in bits 0-15, RX endpoints in bits 16-31
	USB_EPINTS = 0x44
	USB_EPINTE = 0x48

	USB_BUSINTS     = 0x4c
	USB_BUSINTE     = 0x50
	BUSINT_SUSPEND  = 0
	BUSINT_RESUME   = 1
	BUSINT_RESET    = 2
	BUSINT_ALL_MASK = 0xff

	USB_FNUM = 0x54

	// indexed endpoint registers (USB_EPIND)
	USB_TXMAXP = 0x80

	USB_CSR0            = 0x82
	CSR0_SERVICED_SETUP = 7
	CSR0_SERVICED_RXPKT = 6
	CSR0_SEND_STALL     = 5
	CSR0_SETUP_END      = 4
	CSR0_DATA_END       = 3
	CSR0_SENT_STALL     = 2
	CSR0_TX_PKT_RDY     = 1
	CSR0_RX_PKT_RDY     = 0

	USB_TXCSR            = 0x82
	TXCSR_AUTOSET        = 15
	TXCSR_MODE           = 13
	TXCSR_CLR_DATA_TOG   = 6
	TXCSR_SENT_STALL     = 5
	TXCSR_SEND_STALL     = 4
	TXCSR_FLUSH_FIFO     = 3
	TXCSR_FIFO_NOT_EMPTY = 1
	TXCSR_TX_PKT_RDY     = 0

	USB_RXMAXP         = 0x84
	USB_RXCSR          = 0x86
	RXCSR_AUTOCLEAR    = 15
	RXCSR_CLR_DATA_TOG = 7
	RXCSR_SENT_STALL   = 6
	RXCSR_SEND_STALL   = 5
	RXCSR_FLUSH_FIFO   = 4
	RXCSR_RX_PKT_RDY   = 0

	// also COUNT0 for the control endpoint
	USB_RXCOUNT = 0x88

	// FIFO size is 2^(n+3) bytes, address is in 8 byte units
	USB_TXFIFOSZ   = 0x90
	USB_TXFIFOADDR = 0x92
	USB_RXFIFOSZ   = 0x94
	USB_RXFIFOADDR = 0x96

	USB_FADDR = 0x98

	USB_ISCR = 0x400
	// VBUS, ID and DP/DM change status, write 1 to clear
	ISCR_STATUS_MASK = 0x70
	// force ID high and VBUS valid, enable DP/DM pull-ups
	ISCR_DEVICE_MODE = 0x3f << 12

	USB_PHYCTL     = 0x404
	PHYCTL_ADDR    = 8
	PHYCTL_DATA    = 7
	PHYCTL_COMMAND = 0
)

const (
	// FIFO_RAM_SIZE is the endpoint FIFO memory size
	FIFO_RAM_SIZE = 4096

	MIN_FIFO_SIZE = 8
)
