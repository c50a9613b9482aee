// Package cli provides the angelbridge command-line interface.
package cli

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"angelone-bridge/internal/config"
)

// Version information
const (
	Version   = "0.3.0"
	BuildDate = "2026-10-16"
)

// commandTimeout bounds one-shot broker commands.
const commandTimeout = 30 * time.Second

// NewRootCmd creates the root command. Fields already set on app are used
// as given; the rest is built from the configuration file.
func NewRootCmd(app *App) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "angelbridge",
		Short: "AngelOne SmartAPI bridge",
		Long: `angelbridge talks to AngelOne SmartAPI for Indian equity, F&O,
commodity and currency segments.

It handles TOTP login and session refresh, market-hours checks, symbol
resolution, order placement and the live quote stream. Set trading.mode to
"paper" (or pass --paper) to route orders to an in-memory broker.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if skipsConfig(cmd) {
				return nil
			}
			path, _ := cmd.Flags().GetString("config")
			paper, _ := cmd.Flags().GetBool("paper")
			debug, _ := cmd.Flags().GetBool("debug")
			return app.load(path, paper, debug)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config file (default: ~/.config/angelone-bridge/config.yaml)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")
	rootCmd.PersistentFlags().Bool("paper", false, "use the paper broker regardless of trading.mode")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	addAuthCommands(rootCmd, app)
	addMarketCommands(rootCmd, app)
	addSymbolCommands(rootCmd, app)
	addTradingCommands(rootCmd, app)
	addDataCommands(rootCmd, app)

	return rootCmd
}

// skipsConfig reports whether cmd runs without a loaded configuration.
func skipsConfig(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "version", "path", "init", "help":
		return true
	}
	return false
}

// Execute runs the CLI with ctx as the base context for every command.
func Execute(ctx context.Context) error {
	return NewRootCmd(&App{}).ExecuteContext(ctx)
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, commandTimeout)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			}
			output.Printf("angelbridge v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
			return nil
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View, validate and create the configuration file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(redacted(app.Config))
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": path})
			}
			output.Println(path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a configuration template",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				path = config.DefaultConfigPath()
			}
			if err := config.WriteTemplate(path); err != nil {
				return err
			}
			output.Success("✓ Template written to %s", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("✓ Configuration is valid")
			return nil
		},
	})

	return cmd
}

// redacted returns a copy of cfg safe to print.
func redacted(cfg *config.Config) config.Config {
	out := *cfg
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "****"
	}
	out.Credentials.APIKey = mask(out.Credentials.APIKey)
	out.Credentials.Password = mask(out.Credentials.Password)
	out.Credentials.TOTPSecret = mask(out.Credentials.TOTPSecret)
	out.Broker.APIKey = mask(out.Broker.APIKey)
	return out
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("Trading")
	output.Printf("  File:             %s\n", cfg.Path)
	output.Printf("  Mode:             %s\n", cfg.Trading.Mode)
	output.Printf("  Default Exchange: %s\n", cfg.Trading.DefaultExchange)
	output.Printf("  Default Product:  %s\n", cfg.Trading.DefaultProduct)
	output.Printf("  Client Code:      %s\n", cfg.Credentials.ClientCode)
	output.Println()

	output.Bold("Market Hours (IST)")
	output.Printf("  Pre-open:   %s\n", cfg.Market.PreOpen)
	output.Printf("  Session:    %s - %s\n", cfg.Market.Open, cfg.Market.Close)
	output.Printf("  Post-close: %s - %s\n", cfg.Market.PostOpen, cfg.Market.PostClose)
	output.Printf("  Holidays:   %d configured\n", len(cfg.Market.Holidays))
	output.Println()

	output.Bold("Broker")
	output.Printf("  Base URL:    %s\n", cfg.Broker.BaseURL)
	output.Printf("  Rate limit:  %.1f/s (burst %d)\n", cfg.Broker.RatePerSecond, cfg.Broker.Burst)
	output.Printf("  Timeout:     %s\n", cfg.Broker.Timeout)
	output.Printf("  Retries:     %d\n", cfg.Gateway.MaxAttempts)
	output.Println()

	output.Bold("Stream")
	output.Printf("  URL:         %s\n", cfg.Stream.URL)
	output.Printf("  Mode:        %d\n", cfg.Stream.Mode)
	output.Printf("  Ping:        %s\n", cfg.Stream.PingInterval)
	output.Printf("  Reconnects:  %d\n", cfg.Stream.MaxReconnects)
	output.Println()

	output.Bold("Storage")
	if cfg.Store.Enabled {
		output.Printf("  Snapshots:   %s\n", cfg.Store.Path)
	} else {
		output.Printf("  Snapshots:   in memory\n")
	}
	output.Printf("  Symbols:     %s\n", cfg.Symbols.Source)
}
