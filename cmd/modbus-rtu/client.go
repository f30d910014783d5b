// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/modbus-edge/rtu-engine/client"
	"github.com/modbus-edge/rtu-engine/internal/config"
	"github.com/modbus-edge/rtu-engine/link"
)

// runClient issues a single Modbus RTU transaction against a remote
// device and prints the result, following the config file's [serial]
// section for line settings.
func runClient(args []string) error {
	fs, configFile := newFlagSet("client")
	var (
		function = fs.String("function", "read-holding", "one of: read-coil, read-discrete, read-holding, read-input, write-coil, write-holding")
		address  = fs.Uint16("address", 0, "starting register/coil address")
		quantity = fs.Int("quantity", 1, "number of coils/registers to read")
		value    = fs.String("value", "", "value(s) to write, comma-separated for multi-write")
		server   = fs.Uint8("server", 0, "remote server address; 0 uses the config file's server.device_address")
	)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return fmt.Errorf("modbus-rtu client: %w", err)
	}

	remote := cfg.Server.DeviceAddress
	if *server != 0 {
		remote = *server
	}

	port := openSerialPort(cfg.Serial)
	l := link.New(port, 0, remote)
	c := client.New(l)

	result, err := execFunction(c, *function, *address, *quantity, *value)
	if err != nil {
		return fmt.Errorf("modbus-rtu client: %w", err)
	}
	fmt.Println(result)
	return nil
}

func execFunction(c *client.Client, function string, address uint16, quantity int, value string) (string, error) {
	switch function {
	case "read-coil":
		out := make([]byte, quantity)
		if _, err := c.ReadCoil(address, quantity, out); err != nil {
			return "", err
		}
		return formatBits(out), nil
	case "read-discrete":
		out := make([]byte, quantity)
		if _, err := c.ReadDiscreteInput(address, quantity, out); err != nil {
			return "", err
		}
		return formatBits(out), nil
	case "read-holding":
		out := make([]uint16, quantity)
		if _, err := c.ReadHoldingRegister(address, quantity, out); err != nil {
			return "", err
		}
		return formatWords(out), nil
	case "read-input":
		out := make([]uint16, quantity)
		if _, err := c.ReadInputRegister(address, quantity, out); err != nil {
			return "", err
		}
		return formatWords(out), nil
	case "write-coil":
		v, err := strconv.ParseUint(value, 10, 8)
		if err != nil {
			return "", fmt.Errorf("invalid -value for write-coil: %w", err)
		}
		if _, err := c.WriteCoil(address, byte(v)); err != nil {
			return "", err
		}
		return "OK", nil
	case "write-holding":
		values, err := parseWords(value)
		if err != nil {
			return "", err
		}
		if len(values) == 1 {
			if _, err := c.WriteHoldingRegister(address, values[0]); err != nil {
				return "", err
			}
			return "OK", nil
		}
		if _, err := c.WriteHoldingRegisters(address, len(values), values); err != nil {
			return "", err
		}
		return "OK", nil
	default:
		return "", fmt.Errorf("unknown -function %q", function)
	}
}

func formatBits(bits []byte) string {
	parts := make([]string, len(bits))
	for i, b := range bits {
		parts[i] = strconv.Itoa(int(b))
	}
	return strings.Join(parts, " ")
}

func formatWords(words []uint16) string {
	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = strconv.Itoa(int(w))
	}
	return strings.Join(parts, " ")
}

func parseWords(value string) ([]uint16, error) {
	fields := strings.Split(value, ",")
	out := make([]uint16, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		v, err := strconv.ParseUint(f, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid -value %q: %w", f, err)
		}
		out = append(out, uint16(v))
	}
	return out, nil
}
