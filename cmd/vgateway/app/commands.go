// Package app provides the entry point for the vgateway command-line application.
package app

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/abdullah1854/MCPGateway-sub000/pkg/logger"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/admin"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/server"
	"github.com/abdullah1854/MCPGateway-sub000/pkg/vgateway/session"
)

var rootCmd = &cobra.Command{
	Use:               "vgateway",
	DisableAutoGenTag: true,
	Short:             "vgateway - Aggregate and proxy multiple MCP servers behind one endpoint",
	Long: `vgateway is a gateway that aggregates multiple MCP (Model Context Protocol)
servers into a single unified interface. It provides:

- Tool, resource, and prompt aggregation with name-collision handling
- stdio, HTTP, and SSE backend transports
- Per-tool and per-backend enable/disable masks
- A REST admin surface with hot-reloadable configuration

Clients see one MCP endpoint regardless of how many backends are configured
behind it.`,
	Run: func(cmd *cobra.Command, _ []string) {
		if err := cmd.Help(); err != nil {
			logger.Errorf("Error displaying help: %v", err)
		}
	},
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		logger.Initialize()
	},
}

// NewRootCmd creates a new root command for the vgateway CLI.
func NewRootCmd() *cobra.Command {
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the backend config file (JSON)")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())

	rootCmd.SilenceUsage = true
	return rootCmd
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the gateway",
		Long: `Start the gateway, loading any backend config file given by --config,
restoring previously persisted admin state, and listening for MCP client
connections on --host/--port.`,
		RunE: runServe,
	}

	cmd.Flags().String("host", "127.0.0.1", "Host address to bind to")
	cmd.Flags().Int("port", 8585, "Port to listen on")
	cmd.Flags().String("state", "", "Path to the admin UI state file (defaults to vgateway-state.json in the working directory)")
	cmd.Flags().Bool("watch-config", false, "Hot-reload the backend config file on change")
	cmd.Flags().String("session-storage", "local", `Session storage backend: "local" or "redis"`)
	cmd.Flags().String("redis-addr", "", "Redis address, required when --session-storage=redis")
	cmd.Flags().Duration("session-ttl", 30*time.Minute, "Idle session timeout")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(_ *cobra.Command, _ []string) {
			logger.Infof("vgateway version: %s", getVersion())
		},
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate a backend config file",
		Long:  "Parse and validate the backend config file given by --config, reporting the first error found.",
		RunE: func(_ *cobra.Command, _ []string) error {
			configPath := viper.GetString("config")
			if configPath == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			cfg, err := loadGatewayConfig(configPath)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				logger.Errorf("Configuration validation failed: %v", err)
				return fmt.Errorf("validation failed: %w", err)
			}

			logger.Infof("Configuration is valid: %d backend(s) defined", len(cfg.Servers))
			for _, s := range cfg.Servers {
				logger.Infof("  - %s (%s, transport=%s)", s.ID, s.Name, s.Transport)
			}
			return nil
		},
	}
}

func getVersion() string {
	return "dev"
}

func loadGatewayConfig(path string) (admin.GatewayConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return admin.GatewayConfig{}, fmt.Errorf("failed to read %s: %w", path, err)
	}
	var cfg admin.GatewayConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return admin.GatewayConfig{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return cfg, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	configPath := viper.GetString("config")

	var initialBackends admin.GatewayConfig
	if configPath != "" {
		cfg, err := loadGatewayConfig(configPath)
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("configuration validation failed: %w", err)
		}
		initialBackends = cfg
		logger.Infof("Loaded %d backend(s) from %s", len(cfg.Servers), configPath)
	}

	host, _ := cmd.Flags().GetString("host")
	port, _ := cmd.Flags().GetInt("port")
	statePath, _ := cmd.Flags().GetString("state")
	watchConfig, _ := cmd.Flags().GetBool("watch-config")
	sessionStorage, _ := cmd.Flags().GetString("session-storage")
	redisAddr, _ := cmd.Flags().GetString("redis-addr")
	sessionTTL, _ := cmd.Flags().GetDuration("session-ttl")

	serverCfg := server.Config{
		Name:        "vgateway",
		Version:     getVersion(),
		Host:        host,
		Port:        port,
		ConfigPath:  configPath,
		StatePath:   statePath,
		WatchConfig: watchConfig && configPath != "",
		Session: session.Config{
			StorageType: sessionStorage,
			TTL:         sessionTTL,
			Redis:       session.RedisConfig{Addr: redisAddr},
		},
	}
	serverCfg.Backends = initialBackends.Servers

	srv, err := server.New(ctx, serverCfg)
	if err != nil {
		return fmt.Errorf("failed to create vgateway server: %w", err)
	}

	logger.Infof("Starting vgateway at %s", srv.Address())
	return srv.Start(ctx)
}
