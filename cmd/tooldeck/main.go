// SPDX-FileCopyrightText: Copyright 2026 The Tooldeck Authors
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the tooldeck gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/tooldeck/tooldeck/cmd/tooldeck/app"
)

func main() {
	// Stop on the signals an MCP host sends its stdio servers.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
