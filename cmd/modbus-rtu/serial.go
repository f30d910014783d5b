// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"github.com/grid-x/serial"
	"github.com/modbus-edge/rtu-engine/internal/config"
	"github.com/modbus-edge/rtu-engine/serialport"
)

// openSerialPort translates a config.SerialConfig into a grid-x/serial
// Config and wraps it in a serialport.Port ready for a link.Link.
func openSerialPort(cfg config.SerialConfig) *serialport.Port {
	spConfig := serial.Config{
		Address:  cfg.Device,
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits,
		Parity:   cfg.Parity,
		StopBits: cfg.StopBits,
		Timeout:  cfg.Timeout,
	}
	if cfg.RS485 {
		spConfig.RS485 = serial.RS485Config{
			Enabled:            true,
			DelayRtsBeforeSend: cfg.DelayRtsBeforeSend,
			DelayRtsAfterSend:  cfg.DelayRtsAfterSend,
			RtsHighDuringSend:  cfg.RtsHighDuringSend,
			RtsHighAfterSend:   cfg.RtsHighAfterSend,
			RxDuringTx:         cfg.RxDuringTx,
		}
	}
	return serialport.New(spConfig)
}
