// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package bootproto implements the wire protocol for the multi-MCU
// bootloader upgrade link: frame header discovery, length/CRC
// validation, payload extraction, and frame construction for every
// message type the host and target exchange during a firmware upgrade.
package bootproto

// Frame header bytes. A frame originated by the host (master) starts
// with MasterHeader1/2; a frame originated by the target (slave) starts
// with SlaveHeader1/2. Both layouts are otherwise identical.
const (
	MasterHeader1 = 0xAA
	MasterHeader2 = 0x55
	SlaveHeader1  = 0x55
	SlaveHeader2  = 0xAA
)

// MinFrameSize is the smallest legal frame: header(2) + id(1) + len(2) +
// type(1) + flag(1) + crc(2), zero-length payload.
const MinFrameSize = 9

// MessageType identifies the role of a frame's payload.
type MessageType uint8

const (
	MsgUpgradeRequest MessageType = 0x01
	MsgSystemReset     MessageType = 0x02

	MsgARMCommand MessageType = 0x03
	MsgARMData    MessageType = 0x04
	MsgARMEnd     MessageType = 0x05

	MsgFPGACommand MessageType = 0x06
	MsgFPGAData    MessageType = 0x07
	// 0x08 is intentionally unused — the FPGA end code is 0x09, out of
	// sequence with the other three devices. Preserved exactly.
	MsgFPGAEnd MessageType = 0x09

	MsgDSP1Command MessageType = 0x0A
	MsgDSP1Data    MessageType = 0x0B
	MsgDSP1End     MessageType = 0x0C

	MsgDSP2Command MessageType = 0x0D
	MsgDSP2Data    MessageType = 0x0E
	MsgDSP2End     MessageType = 0x0F

	MsgTotalEnd  MessageType = 0x10
	MsgDebugInfo MessageType = 0x1F
)

// ResponseFlag is the status byte the target places in every reply
// frame. REQUEST_FLAG is the sentinel the host places there instead.
type ResponseFlag uint8

const (
	FlagSuccess ResponseFlag = 0x00
	FlagFailed  ResponseFlag = 0x01

	FlagCRCError     ResponseFlag = 0x02
	FlagTimeout      ResponseFlag = 0x03
	FlagAllowUpgrade ResponseFlag = 0x04
	FlagForbidUpgrade ResponseFlag = 0x05
	FlagExitUpgrade  ResponseFlag = 0x06

	FlagUnlockSuccess ResponseFlag = 0x07
	FlagUnlockFailed  ResponseFlag = 0x08
	FlagPrepareErase  ResponseFlag = 0x09
	FlagEraseSuccess  ResponseFlag = 0x0A
	FlagEraseFailed   ResponseFlag = 0x0B

	FlagRestartSuccess ResponseFlag = 0x0C
	FlagRestartFailed  ResponseFlag = 0x0D
	FlagUpgradeEnd     ResponseFlag = 0x0E
	FlagSizeError      ResponseFlag = 0x0F
	FlagDataCRCError   ResponseFlag = 0x10

	FlagFPGACheckPass     ResponseFlag = 0x11
	FlagFPGAFileDamaged   ResponseFlag = 0x12
	FlagFPGAReady         ResponseFlag = 0x13
	FlagFPGAStatusError   ResponseFlag = 0x14
	FlagFPGALoadComplete  ResponseFlag = 0x15
	FlagFPGAConfigSuccess ResponseFlag = 0x16

	FlagStartApp            ResponseFlag = 0x17
	FlagDSPVersion          ResponseFlag = 0x18
	FlagFlashWriteFailed    ResponseFlag = 0x19
	FlagFPGAConfigFailed    ResponseFlag = 0x20
	FlagFPGAFlagWriteFailed ResponseFlag = 0x21
	FlagPacketSizeExceed    ResponseFlag = 0x22
	FlagStartProgramFPGA    ResponseFlag = 0x23

	// FlagRequest is placed in the flag slot of every host-originated
	// frame.
	FlagRequest ResponseFlag = 0xFE
)

// UpgradeFlags packs the set of enabled devices into the single
// UPGRADE_REQUEST payload byte: bit0 FPGA, bit1 DSP1, bit2 DSP2, bit3
// ARM.
type UpgradeFlags struct {
	FPGA bool
	DSP1 bool
	DSP2 bool
	ARM  bool
}

// Byte packs the flags into their wire representation.
func (f UpgradeFlags) Byte() byte {
	var b byte
	if f.FPGA {
		b |= 0x01
	}
	if f.DSP1 {
		b |= 0x02
	}
	if f.DSP2 {
		b |= 0x04
	}
	if f.ARM {
		b |= 0x08
	}
	return b
}
