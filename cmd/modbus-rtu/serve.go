// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/modbus-edge/rtu-engine/internal/config"
	"github.com/modbus-edge/rtu-engine/link"
	"github.com/modbus-edge/rtu-engine/persistence"
	"github.com/modbus-edge/rtu-engine/server"
)

const pollTimeout = 200 * time.Millisecond

func runServe(args []string) error {
	fs, configFile := newFlagSet("serve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, v, err := config.LoadWithViper(*configFile)
	if err != nil {
		return fmt.Errorf("modbus-rtu serve: %w", err)
	}
	setupLogger(cfg.Log)

	srv, err := buildServer(cfg)
	if err != nil {
		return fmt.Errorf("modbus-rtu serve: %w", err)
	}

	// Watch the config file for register-table edits and log them; a live
	// reconfigure would require rebuilding the tables under the server's
	// lock, which is left to a future iteration.
	v.OnConfigChange(func(_ fsnotify.Event) {
		slog.Info("modbus-rtu: config file changed, restart to apply table edits")
	})
	v.WatchConfig()

	slog.Info("modbus-rtu: serving", "device", cfg.Serial.Device, "address", cfg.Server.DeviceAddress)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-sigCh:
				return
			default:
			}
			if _, err := srv.Poll(pollTimeout); err != nil {
				slog.Error("modbus-rtu: poll failed", "err", err)
			}
		}
	}()

	<-done
	slog.Info("modbus-rtu: shutting down")
	if err := srv.Save(); err != nil {
		slog.Error("modbus-rtu: final snapshot save failed", "err", err)
	}
	return nil
}

func buildServer(cfg *config.Config) (*server.Server, error) {
	port := openSerialPort(cfg.Serial)
	l := link.New(port, cfg.Server.DeviceAddress, cfg.Server.DeviceAddress)

	var opts []server.Option
	if cfg.Server.TableCapacity > 0 {
		opts = append(opts, server.WithTableCapacity(cfg.Server.TableCapacity))
	}

	snap, err := buildSnapshotter(cfg.Server.Persistence, cfg.Server.TableCapacity)
	if err != nil {
		return nil, err
	}
	if snap != nil {
		opts = append(opts, server.WithSnapshotter(snap))
	}

	srv := server.New(l, opts...)

	for _, r := range cfg.Server.Tables.Coils {
		if err := srv.ConfigureCoils(r.Start, r.Count); err != nil {
			return nil, fmt.Errorf("configuring coils %+v: %w", r, err)
		}
	}
	for _, r := range cfg.Server.Tables.DiscreteInputs {
		if err := srv.ConfigureDiscreteInputs(r.Start, r.Count); err != nil {
			return nil, fmt.Errorf("configuring discrete inputs %+v: %w", r, err)
		}
	}
	for _, r := range cfg.Server.Tables.HoldingRegisters {
		if err := srv.ConfigureHoldingRegisters(r.Start, r.Count); err != nil {
			return nil, fmt.Errorf("configuring holding registers %+v: %w", r, err)
		}
	}
	for _, r := range cfg.Server.Tables.InputRegisters {
		if err := srv.ConfigureInputRegisters(r.Start, r.Count); err != nil {
			return nil, fmt.Errorf("configuring input registers %+v: %w", r, err)
		}
	}

	return srv, nil
}

func buildSnapshotter(cfg config.PersistenceConfig, capacity int) (server.Snapshotter, error) {
	switch cfg.Type {
	case "", "memory":
		return persistence.NewMemoryStorage(capacity), nil
	case "file":
		if cfg.Path == "" {
			return nil, fmt.Errorf("persistence.path is required for type %q", cfg.Type)
		}
		return persistence.NewFileStorage(cfg.Path, capacity), nil
	case "mmap":
		if cfg.Path == "" {
			return nil, fmt.Errorf("persistence.path is required for type %q", cfg.Type)
		}
		return persistence.NewMmapStorage(cfg.Path, capacity), nil
	default:
		return nil, fmt.Errorf("unknown persistence.type %q", cfg.Type)
	}
}
