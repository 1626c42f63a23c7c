package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Shugur-Network/inbox-relay/internal/application"
	"github.com/Shugur-Network/inbox-relay/internal/config"
	"github.com/Shugur-Network/inbox-relay/internal/logger"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	cfgFile string         // Path to custom config file (optional)
	cfg     *config.Config // Loaded configuration, set by PersistentPreRunE
)

// rootCmd is the inbox relay CLI
var rootCmd = &cobra.Command{
	Use:   "inbox-relay",
	Short: "Inbox relay is a Nostr relay for direct message inboxes",
	Long:  `Nostr relay serving direct message inboxes with NIP-42 authentication and NIP-26 delegation.`,
	Example: `
  inbox-relay start --config /path/to/config.yaml
  inbox-relay start --db-url postgresql://root@localhost:26257/inbox --log-level debug
  inbox-relay admit <pubkey>`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" {
			return nil
		}

		if cfgFile != "" {
			absPath, err := filepath.Abs(cfgFile)
			if err != nil {
				return fmt.Errorf("resolve config path: %w", err)
			}
			cfgFile = absPath
		}

		var err error
		cfg, err = config.Load(cfgFile, nil)
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		return applyFlagOverrides(cmd, cfg)
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// applyFlagOverrides copies explicitly set flags over the loaded config.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("relay-name") {
		cfg.Relay.Name, _ = flags.GetString("relay-name")
	}
	if flags.Changed("db-url") {
		cfg.Database.URL, _ = flags.GetString("db-url")
	}
	if flags.Changed("db-host") {
		cfg.Database.Server, _ = flags.GetString("db-host")
	}
	if flags.Changed("db-port") {
		cfg.Database.Port, _ = flags.GetInt("db-port")
	}
	if flags.Changed("metrics-port") {
		cfg.Metrics.Port, _ = flags.GetInt("metrics-port")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
		if err := logger.UpdateLevel(cfg.Logging.Level); err != nil {
			return fmt.Errorf("invalid --log-level: %w", err)
		}
	}
	return nil
}

// Execute runs the root command with the provided context
func Execute(ctx context.Context) error {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the inbox relay",
		Long:  "Start the inbox relay with the specified configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger.Info("Using config file", zap.String("config_file", cfgFile))

			watcher, err := config.NewWatcher(cfgFile, cfg)
			if err != nil {
				return fmt.Errorf("config watcher: %w", err)
			}

			logger.Info("Starting relay...")
			node, err := application.New(ctx, watcher)
			if err != nil {
				logger.Error("Failed to initialize the relay", zap.Error(err))
				return err
			}
			if err := node.Start(); err != nil {
				node.Shutdown()
				logger.Error("Failed to start the relay", zap.Error(err))
				return err
			}
			logger.Info("Inbox relay started successfully!")

			<-node.Done()
			node.Shutdown()
			logger.Info("Node has shut down successfully.")
			_ = logger.Shutdown()
			return nil
		},
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Path to custom config file (optional)")
	rootCmd.PersistentFlags().String("relay-name", "", "Name of the relay (max 30 chars)")
	rootCmd.PersistentFlags().String("db-url", "", "Database connection URL (overrides host and port)")
	rootCmd.PersistentFlags().String("db-host", "localhost", "Database host")
	rootCmd.PersistentFlags().Int("db-port", 26257, "Database port")
	rootCmd.PersistentFlags().String("log-level", "info", "Logging level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().Int("metrics-port", 2112, "Port for Prometheus metrics server")

	rootCmd.AddCommand(newStartCmd(), newVersionCmd(), newAdmitCmd(), newRevokeCmd())
}
