// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package firmware loads and chunks the firmware images an upgrade
// session sends to each enabled co-processor.
package firmware

import "github.com/Thermoquad/mcu-upgrade/pkg/bootproto"

// Image is one device's loaded firmware: the raw bytes, how they are
// chunked into fixed-size packets, and the integrity CRC the target
// verifies against once every packet has arrived.
type Image struct {
	Device       bootproto.DeviceKind
	Data         []byte
	PacketSize   int
	PacketCount  uint16
	CRC          uint16
	currentPacket uint16
}

// CurrentPacket returns the number of packets already acknowledged for
// this image (0..PacketCount).
func (img *Image) CurrentPacket() uint16 { return img.currentPacket }

// Reset rewinds the cursor to the start of the image, used when this
// device's command/data/end sequence begins.
func (img *Image) Reset() { img.currentPacket = 0 }

// Done reports whether every packet has been acknowledged.
func (img *Image) Done() bool { return img.currentPacket >= img.PacketCount }

// Advance records one more acknowledged packet.
func (img *Image) Advance() { img.currentPacket++ }

// Packet returns the 1-based packet's chunk bytes. num must be in
// [1, PacketCount].
func (img *Image) Packet(num uint16) []byte {
	start := int(num-1) * img.PacketSize
	end := start + img.PacketSize
	if end > len(img.Data) {
		end = len(img.Data)
	}
	return img.Data[start:end]
}

// NextPacket returns the chunk that should be sent next, i.e. packet
// number currentPacket+1.
func (img *Image) NextPacket() []byte {
	return img.Packet(img.currentPacket + 1)
}

// Progress returns the per-device completion percentage.
func (img *Image) Progress() int {
	if img.PacketCount == 0 {
		return 100
	}
	return int(100 * uint32(img.currentPacket) / uint32(img.PacketCount))
}
