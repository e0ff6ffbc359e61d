// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package bootproto

import "encoding/binary"

// BuildUpgradeRequest builds the frame that asks the target to enter
// upgrade mode for the given set of devices.
func BuildUpgradeRequest(slaveID byte, flags UpgradeFlags) []byte {
	return Frame{
		Dir:     DirectionMaster,
		SlaveID: slaveID,
		Type:    MsgUpgradeRequest,
		Flag:    FlagRequest,
		Payload: []byte{flags.Byte()},
	}.Marshal()
}

// BuildSystemReset builds the frame that asks the target to reset
// before co-processor programming begins.
func BuildSystemReset(slaveID byte) []byte {
	return Frame{
		Dir:     DirectionMaster,
		SlaveID: slaveID,
		Type:    MsgSystemReset,
		Flag:    FlagRequest,
		Payload: []byte{0x00},
	}.Marshal()
}

// CommandTypeFor, DataTypeFor, and EndTypeFor map a device to its
// triplet of message types. FPGA's end code (0x09) is out of sequence
// with the other three devices' end codes, by design of the target
// firmware.
func CommandTypeFor(dev DeviceKind) MessageType {
	switch dev {
	case DeviceFPGA:
		return MsgFPGACommand
	case DeviceDSP1:
		return MsgDSP1Command
	case DeviceDSP2:
		return MsgDSP2Command
	default:
		return MsgARMCommand
	}
}

func DataTypeFor(dev DeviceKind) MessageType {
	switch dev {
	case DeviceFPGA:
		return MsgFPGAData
	case DeviceDSP1:
		return MsgDSP1Data
	case DeviceDSP2:
		return MsgDSP2Data
	default:
		return MsgARMData
	}
}

func EndTypeFor(dev DeviceKind) MessageType {
	switch dev {
	case DeviceFPGA:
		return MsgFPGAEnd
	case DeviceDSP1:
		return MsgDSP1End
	case DeviceDSP2:
		return MsgDSP2End
	default:
		return MsgARMEnd
	}
}

// BuildUpgradeCommand builds the per-device "about to send firmware"
// frame. The payload carries the total firmware size, packet count, and
// file CRC16 so the target can pre-allocate, validate, and later check
// the image it assembled from the data packets.
func BuildUpgradeCommand(slaveID byte, dev DeviceKind, totalSize uint32, packetCount uint16, fileCRC uint16) []byte {
	payload := make([]byte, 8)
	binary.BigEndian.PutUint32(payload[0:4], totalSize)
	binary.BigEndian.PutUint16(payload[4:6], packetCount)
	binary.BigEndian.PutUint16(payload[6:8], fileCRC)
	return Frame{
		Dir:     DirectionMaster,
		SlaveID: slaveID,
		Type:    CommandTypeFor(dev),
		Flag:    FlagRequest,
		Payload: payload,
	}.Marshal()
}

// BuildUpgradeData builds one firmware data packet. seq is the 1-based
// packet number, echoed back by the target in its response so the
// host can detect desequenced acknowledgements.
func BuildUpgradeData(slaveID byte, dev DeviceKind, seq uint16, chunk []byte) []byte {
	payload := make([]byte, 2+len(chunk))
	binary.BigEndian.PutUint16(payload[0:2], seq)
	copy(payload[2:], chunk)
	return Frame{
		Dir:     DirectionMaster,
		SlaveID: slaveID,
		Type:    DataTypeFor(dev),
		Flag:    FlagRequest,
		Payload: payload,
	}.Marshal()
}

// BuildUpgradeEnd builds the per-device "all packets sent" frame.
func BuildUpgradeEnd(slaveID byte, dev DeviceKind) []byte {
	return Frame{
		Dir:     DirectionMaster,
		SlaveID: slaveID,
		Type:    EndTypeFor(dev),
		Flag:    FlagRequest,
		Payload: []byte{0x00},
	}.Marshal()
}

// BuildTotalEnd builds the frame that tells the target every enabled
// device has finished and it may leave upgrade mode.
func BuildTotalEnd(slaveID byte) []byte {
	return Frame{
		Dir:     DirectionMaster,
		SlaveID: slaveID,
		Type:    MsgTotalEnd,
		Flag:    FlagRequest,
		Payload: []byte{0x00},
	}.Marshal()
}
