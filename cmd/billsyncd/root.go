package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/useautumn/autumn-sub003/internal/config"
	"github.com/useautumn/autumn-sub003/pkg/billsync"
	zapadapter "github.com/useautumn/autumn-sub003/pkg/billsync/logger/zap"
	zerologadapter "github.com/useautumn/autumn-sub003/pkg/billsync/logger/zerolog"
)

// cli carries state shared by subcommands once the root pre-run has loaded it.
type cli struct {
	cfgFile string
	cfg     *config.Config
	logger  billsync.Logger
	sync    func() error
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "billsyncd",
		Short: "billsyncd - webhook-driven billing reconciliation",
		Long: `billsyncd keeps customer products, entitlement balances and invoices
consistent with the payment processor by reconciling its webhook events.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger, c.sync, err = newLogger(cfg.Log)
			return err
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if c.sync != nil {
				_ = c.sync()
			}
		},
	}
	root.PersistentFlags().StringVarP(&c.cfgFile, "config", "c", "", "config file path (default ./billsync.yml)")

	root.AddCommand(newServeCmd(c), newReplayCmd(c))
	return root
}

// newLogger builds the configured backend. The returned func flushes buffered entries.
func newLogger(cfg config.LogConfig) (billsync.Logger, func() error, error) {
	switch cfg.Backend {
	case "zap":
		var zc zap.Config
		if cfg.Format == "console" {
			zc = zap.NewDevelopmentConfig()
		} else {
			zc = zap.NewProductionConfig()
		}
		level, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
		zl, err := zc.Build()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to build zap logger: %w", err)
		}
		return zapadapter.NewLogger(zl), zl.Sync, nil

	default:
		level, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid log level: %w", err)
		}
		var zl zerolog.Logger
		if cfg.Format == "console" {
			zl = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		} else {
			zl = zerolog.New(os.Stderr)
		}
		zl = zl.Level(level).With().Timestamp().Str("service", "billsyncd").Logger()
		return zerologadapter.NewLogger(zl), func() error { return nil }, nil
	}
}
