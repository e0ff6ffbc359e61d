// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package firmware

import (
	"os"

	"github.com/Thermoquad/mcu-upgrade/pkg/bootproto"
)

// Selection names one device's enablement and source file for loading.
type Selection struct {
	Device  bootproto.DeviceKind
	Enabled bool
	Path    string
}

// ReadFileFunc abstracts the filesystem read so tests can load
// in-memory images without touching disk.
type ReadFileFunc func(path string) ([]byte, error)

// Load reads every enabled selection's file, chunks it by packetSize,
// and returns the resulting images in fixed device order
// (FPGA, DSP1, DSP2, ARM), skipping disabled entries. It refuses to
// start the upgrade at all if no device is enabled.
func Load(packetSize int, selections []Selection, readFile ReadFileFunc) ([]*Image, error) {
	if readFile == nil {
		readFile = os.ReadFile
	}
	if packetSize < 1 || packetSize > 4096 {
		return nil, &ValidationError{Reason: "packet size out of range [1,4096]"}
	}

	byDevice := make(map[bootproto.DeviceKind]Selection, len(selections))
	for _, sel := range selections {
		byDevice[sel.Device] = sel
	}

	var images []*Image
	for _, dev := range bootproto.DeviceOrder {
		sel, ok := byDevice[dev]
		if !ok || !sel.Enabled {
			continue
		}
		img, err := loadOne(dev, sel.Path, packetSize, readFile)
		if err != nil {
			return nil, err
		}
		images = append(images, img)
	}

	if len(images) == 0 {
		return nil, &ValidationError{Reason: "no device enabled"}
	}
	return images, nil
}

func loadOne(dev bootproto.DeviceKind, path string, packetSize int, readFile ReadFileFunc) (*Image, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, &ValidationError{Device: dev.String(), Reason: err.Error()}
	}
	if len(data) == 0 {
		return nil, &ValidationError{Device: dev.String(), Reason: "firmware file is empty"}
	}

	count := (len(data) + packetSize - 1) / packetSize
	if count == 0 {
		return nil, &ValidationError{Device: dev.String(), Reason: "packet count is zero"}
	}
	if count > 65535 {
		return nil, &ValidationError{Device: dev.String(), Reason: "packet count exceeds 65535"}
	}

	return &Image{
		Device:      dev,
		Data:        data,
		PacketSize:  packetSize,
		PacketCount: uint16(count),
		CRC:         bootproto.CRC16(data),
	}, nil
}
