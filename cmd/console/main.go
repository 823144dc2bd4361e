// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/relabs-tech/vn100_driver/internal/app"
	"github.com/relabs-tech/vn100_driver/internal/config"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "settings file path")
	flag.Parse()

	log.Info("starting VN-100 local console")

	if err := config.InitGlobal(nil, *configPath); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.RunLocalConsole(ctx, config.Get()); err != nil {
		log.Fatalf("fatal: %v", err)
	}
}
