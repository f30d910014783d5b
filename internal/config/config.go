// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package config loads modbus-rtu's on-disk configuration: serial line
// settings, the register tables a server exposes, snapshot persistence,
// and logging.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config defines modbus-rtu's global configuration structure.
type Config struct {
	Serial SerialConfig `mapstructure:"serial"`
	Server ServerConfig `mapstructure:"server"`
	Log    LogConfig    `mapstructure:"log"`
}

// LogConfig defines logging configuration.
type LogConfig struct {
	Level string `mapstructure:"level"` // debug, info, warn, error
	File  string `mapstructure:"file"`  // empty means stderr
}

// SerialConfig defines the RTU line settings, translated into a
// github.com/grid-x/serial Config by cmd/modbus-rtu's openSerialPort.
type SerialConfig struct {
	Device   string        `mapstructure:"device"`
	BaudRate int           `mapstructure:"baud_rate"`
	DataBits int           `mapstructure:"data_bits"`
	Parity   string        `mapstructure:"parity"`
	StopBits int           `mapstructure:"stop_bits"`
	Timeout  time.Duration `mapstructure:"timeout"`

	// RS485 specific. Only meaningful when RS485 is true; passed through
	// to grid-x/serial's own RS485 sub-config.
	RS485              bool          `mapstructure:"rs485"`
	DelayRtsBeforeSend time.Duration `mapstructure:"delay_rts_before_send"`
	DelayRtsAfterSend  time.Duration `mapstructure:"delay_rts_after_send"`
	RtsHighDuringSend  bool          `mapstructure:"rts_high_during_send"`
	RtsHighAfterSend   bool          `mapstructure:"rts_high_after_send"`
	RxDuringTx         bool          `mapstructure:"rx_during_tx"`
}

// AddressRange is a contiguous span of register addresses, the unit a
// server table is configured with.
type AddressRange struct {
	Start uint16 `mapstructure:"start"`
	Count int    `mapstructure:"count"`
}

// TableConfig lists the address ranges a server exposes for each register
// kind. Ranges within a kind need not be contiguous with each other.
type TableConfig struct {
	Coils            []AddressRange `mapstructure:"coils"`
	DiscreteInputs   []AddressRange `mapstructure:"discrete_inputs"`
	HoldingRegisters []AddressRange `mapstructure:"holding_registers"`
	InputRegisters   []AddressRange `mapstructure:"input_registers"`
}

// PersistenceConfig selects how a server's Snapshotter persists writes.
type PersistenceConfig struct {
	Type string `mapstructure:"type"` // "memory" (default), "file", "mmap"
	Path string `mapstructure:"path"` // required for "file" and "mmap"
}

// ServerConfig defines the local device address and the tables/
// persistence backing it when running `modbus-rtu serve`.
type ServerConfig struct {
	DeviceAddress byte              `mapstructure:"device_address"`
	Tables        TableConfig       `mapstructure:"tables"`
	Persistence   PersistenceConfig `mapstructure:"persistence"`
	// TableCapacity bounds how many entries each register table may hold;
	// see server.DefaultTableCapacity for the zero-value default.
	TableCapacity int `mapstructure:"table_capacity"`
}

// Load reads configuration from configFile, or from the default search
// path (/etc/modbus-rtu/, $HOME/.modbus-rtu, and the working directory)
// when configFile is empty.
func Load(configFile string) (*Config, error) {
	cfg, _, err := LoadWithViper(configFile)
	return cfg, err
}

// LoadWithViper behaves like Load but also returns the underlying
// viper.Viper instance, so a caller can register OnConfigChange/WatchConfig
// for live config-file notifications.
func LoadWithViper(configFile string) (*Config, *viper.Viper, error) {
	v := viper.New()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/modbus-rtu/")
		v.AddConfigPath("$HOME/.modbus-rtu")
		v.AddConfigPath(".")
	}

	v.SetDefault("log.level", "info")
	v.SetDefault("serial.baud_rate", 19200)
	v.SetDefault("serial.data_bits", 8)
	v.SetDefault("serial.stop_bits", 1)
	v.SetDefault("serial.parity", "N")
	v.SetDefault("serial.timeout", 500*time.Millisecond)
	v.SetDefault("server.device_address", 1)
	v.SetDefault("server.persistence.type", "memory")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("modbus-rtu: failed to read config file: %w", err)
		}
		return nil, nil, fmt.Errorf("modbus-rtu: no config file found: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, nil, fmt.Errorf("modbus-rtu: failed to unmarshal config: %w", err)
	}

	fixupSerial(&cfg.Serial)

	return &cfg, v, nil
}

func fixupSerial(s *SerialConfig) {
	s.Parity = strings.ToUpper(s.Parity)
	if s.Timeout == 0 {
		s.Timeout = 500 * time.Millisecond
	}
}
