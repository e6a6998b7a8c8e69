// Package main is the entry point for the vgateway aggregating MCP gateway.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/abdullah1854/MCPGateway-sub000/cmd/vgateway/app"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/logger"
)

func main() {
	logger.Initialize()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		os.Exit(1)
	}
}
