// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/Thermoquad/mcu-upgrade/pkg/bootproto"
	"github.com/Thermoquad/mcu-upgrade/pkg/firmware"
	"github.com/Thermoquad/mcu-upgrade/pkg/upgrade"
	tea "github.com/charmbracelet/bubbletea"
)

func selectionsFromConfig(cfg *Config) []firmware.Selection {
	return []firmware.Selection{
		{Device: bootproto.DeviceFPGA, Enabled: cfg.Devices.FPGA.Enabled, Path: cfg.Devices.FPGA.Path},
		{Device: bootproto.DeviceDSP1, Enabled: cfg.Devices.DSP1.Enabled, Path: cfg.Devices.DSP1.Path},
		{Device: bootproto.DeviceDSP2, Enabled: cfg.Devices.DSP2.Enabled, Path: cfg.Devices.DSP2.Path},
		{Device: bootproto.DeviceARM, Enabled: cfg.Devices.ARM.Enabled, Path: cfg.Devices.ARM.Path},
	}
}

// runUpgrade wires the transport, the loaded firmware images, a
// Bubble Tea progress display, and the upgrade.Controller together and
// drives one upgrade session to completion.
func runUpgrade(cfg *Config) error {
	images, err := firmware.Load(cfg.PacketSize, selectionsFromConfig(cfg), os.ReadFile)
	if err != nil {
		return fmt.Errorf("loading firmware: %w", err)
	}

	transport, err := OpenTransport(cfg)
	if err != nil {
		return fmt.Errorf("opening transport: %w", err)
	}
	defer transport.Close()

	model := newProgressModel()
	program := tea.NewProgram(model)
	observer := &tuiObserver{program: program}

	controller := upgrade.NewController(transport, observer)
	transport.SetOnBytes(controller.PostBytes)
	transport.SetOnDisconnected(func(err error) {
		observer.OnFinished(false, fmt.Sprintf("传输断开: %v", err))
		controller.CancelUpgrade()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go controller.Run(ctx)

	controller.StartUpgrade(images, byte(cfg.SlaveID))

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("progress display: %w", err)
	}
	return nil
}
