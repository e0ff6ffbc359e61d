// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// DeviceConfig names one co-processor's enablement and firmware path.
type DeviceConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// SerialConfig carries the knobs a SerialTransport needs.
type SerialConfig struct {
	Port     string `mapstructure:"port"`
	Baud     int    `mapstructure:"baud"`
	DataBits int    `mapstructure:"data_bits"`
	StopBits int    `mapstructure:"stop_bits"`
	Parity   string `mapstructure:"parity"`
}

// TCPConfig carries the knobs a TCPTransport needs.
type TCPConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Config is the full host configuration surface: which transport to
// use, its parameters, the slave id (0 meaning "derive it"), the
// packet size, and the four devices' enable/path pairs.
type Config struct {
	Transport  string       `mapstructure:"transport"`
	Serial     SerialConfig `mapstructure:"serial"`
	TCP        TCPConfig    `mapstructure:"tcp"`
	SlaveID    int          `mapstructure:"slave_id"`
	PacketSize int          `mapstructure:"packet_size"`
	Devices    struct {
		FPGA DeviceConfig `mapstructure:"fpga"`
		DSP1 DeviceConfig `mapstructure:"dsp1"`
		DSP2 DeviceConfig `mapstructure:"dsp2"`
		ARM  DeviceConfig `mapstructure:"arm"`
	} `mapstructure:"devices"`
}

// LoadConfig reads the optional config file (or searches the default
// paths) and overlays any flags the caller bound onto v beforehand.
func LoadConfig(configFile string, v *viper.Viper) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("mcu-upgrade")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.mcu-upgrade")
		v.AddConfigPath("/etc/mcu-upgrade/")
	}

	v.SetDefault("transport", "serial")
	v.SetDefault("serial.baud", 115200)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "none")
	v.SetDefault("tcp.port", 8000)
	v.SetDefault("packet_size", 512)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Transport = strings.ToLower(cfg.Transport)
	if cfg.SlaveID == 0 {
		cfg.SlaveID = deriveSlaveID(&cfg)
	}
	return &cfg, nil
}

// deriveSlaveID implements the fallback rule for an unset slave id: for
// a serial transport there is no address to borrow from, so it falls
// straight to the default; for TCP it takes the last octet of the
// dialed IPv4 host. Either path defaults to 1 when nothing parseable is
// available.
func deriveSlaveID(cfg *Config) int {
	if cfg.Transport == "tcp" {
		if ip := net.ParseIP(cfg.TCP.Host); ip != nil {
			if v4 := ip.To4(); v4 != nil {
				return int(v4[3])
			}
		}
	}
	return 1
}

// bindConfigFlags registers the Cobra persistent flags this command
// accepts and binds them into v, so LoadConfig's viper.Unmarshal sees
// flag overrides on top of the config file.
func bindConfigFlags(c *cobra.Command, v *viper.Viper) {
	flags := c.PersistentFlags()
	flags.String("config", "", "path to a config file (default: search ./ $HOME/.mcu-upgrade /etc/mcu-upgrade)")
	flags.String("transport", "", "transport kind: serial | tcp")
	flags.String("serial-port", "", "serial device path")
	flags.Int("serial-baud", 0, "serial baud rate")
	flags.String("tcp-host", "", "TCP target host")
	flags.Int("tcp-port", 0, "TCP target port")
	flags.Int("slave-id", 0, "slave id (0 = derive)")
	flags.Int("packet-size", 0, "firmware data packet size in bytes")
	flags.Bool("fpga", false, "enable FPGA upgrade")
	flags.String("fpga-file", "", "FPGA firmware file path")
	flags.Bool("dsp1", false, "enable DSP1 upgrade")
	flags.String("dsp1-file", "", "DSP1 firmware file path")
	flags.Bool("dsp2", false, "enable DSP2 upgrade")
	flags.String("dsp2-file", "", "DSP2 firmware file path")
	flags.Bool("arm", false, "enable ARM upgrade")
	flags.String("arm-file", "", "ARM firmware file path")

	_ = v.BindPFlag("transport", flags.Lookup("transport"))
	_ = v.BindPFlag("serial.port", flags.Lookup("serial-port"))
	_ = v.BindPFlag("serial.baud", flags.Lookup("serial-baud"))
	_ = v.BindPFlag("tcp.host", flags.Lookup("tcp-host"))
	_ = v.BindPFlag("tcp.port", flags.Lookup("tcp-port"))
	_ = v.BindPFlag("slave_id", flags.Lookup("slave-id"))
	_ = v.BindPFlag("packet_size", flags.Lookup("packet-size"))
	_ = v.BindPFlag("devices.fpga.enabled", flags.Lookup("fpga"))
	_ = v.BindPFlag("devices.fpga.path", flags.Lookup("fpga-file"))
	_ = v.BindPFlag("devices.dsp1.enabled", flags.Lookup("dsp1"))
	_ = v.BindPFlag("devices.dsp1.path", flags.Lookup("dsp1-file"))
	_ = v.BindPFlag("devices.dsp2.enabled", flags.Lookup("dsp2"))
	_ = v.BindPFlag("devices.dsp2.path", flags.Lookup("dsp2-file"))
	_ = v.BindPFlag("devices.arm.enabled", flags.Lookup("arm"))
	_ = v.BindPFlag("devices.arm.path", flags.Lookup("arm-file"))
}

// addr renders the TCP config as a dial address string.
func (c *TCPConfig) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
