// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "mcu-upgrade",
	Short: "Firmware upgrade client for the FPGA/DSP1/DSP2/ARM target",
	Long: `mcu-upgrade drives the request/reset/command/data/end handshake that
programs a multi-MCU target's FPGA, DSP1, DSP2, and ARM co-processors
over a serial or TCP link, one device at a time in that fixed order.

Connection modes:
  Serial: --transport serial --serial-port /dev/ttyUSB0 [--serial-baud 115200]
  TCP:    --transport tcp --tcp-host 192.168.1.50 [--tcp-port 8000]

Enable each device you want programmed and give it a firmware file:
  --fpga --fpga-file fpga.bin --arm --arm-file arm.bin

Settings may also come from a YAML config file via --config, or from
./mcu-upgrade.yaml, $HOME/.mcu-upgrade/mcu-upgrade.yaml, or
/etc/mcu-upgrade/mcu-upgrade.yaml.`,
	Version: "1.0.0",
	RunE: func(c *cobra.Command, args []string) error {
		configFile, _ := c.Flags().GetString("config")
		cfg, err := LoadConfig(configFile, v)
		if err != nil {
			return err
		}
		return runUpgrade(cfg)
	},
}

func init() {
	bindConfigFlags(rootCmd, v)
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
