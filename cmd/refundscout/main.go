// Command refundscout links mailboxes, scans them for refund related mail
// and classifies what it finds.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/nhle/refundscout/internal/app"
	"github.com/nhle/refundscout/internal/logging"
	"github.com/nhle/refundscout/internal/model"
)

var (
	// Set via -ldflags at build time.
	version = "dev"
	commit  = ""
)

type rootOptions struct {
	configPath string
	logLevel   string
	cfg        *model.AppConfig
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	o := &rootOptions{}
	root := &cobra.Command{
		Use:           "refundscout",
		Short:         "Scan linked mailboxes for refund opportunities",
		Version:       versionString(),
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("loading .env: %w", err)
			}
			cfg, err := model.LoadConfig(o.configPath)
			if err != nil {
				return err
			}
			if o.logLevel != "" {
				cfg.Log.Level = o.logLevel
			}
			o.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringVar(&o.configPath, "config", model.DefaultConfigPath(), "Path to the configuration file")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	root.AddCommand(
		newInitCmd(o),
		newLinkCmd(o),
		newRelinkCmd(o),
		newTestCmd(o),
		newListCmd(o),
		newDisconnectCmd(o),
		newScanCmd(o),
		newClassifyCmd(o),
		newStatusCmd(o),
		newServeCmd(o),
	)
	return root
}

func versionString() string {
	if commit != "" {
		return version + " (" + commit + ")"
	}
	return version
}

func newInitCmd(o *rootOptions) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a configuration file with the default settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(o.configPath); err == nil && !force {
				return fmt.Errorf("%s already exists, use --force to overwrite", o.configPath)
			}
			if o.cfg.Database.Driver == "sqlite" {
				if err := os.MkdirAll(filepath.Dir(o.cfg.Database.Path), 0o700); err != nil {
					return fmt.Errorf("creating data directory: %w", err)
				}
			}
			if err := model.SaveConfig(o.configPath, o.cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", o.configPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing file")
	return cmd
}

// newLogger builds the command logger. The dashboard logs to a file next
// to the configuration so the terminal stays clean.
func (o *rootOptions) newLogger(tui bool) (*zap.Logger, error) {
	if tui {
		return logging.ToFile(filepath.Join(filepath.Dir(o.configPath), "refundscout.log"), o.cfg.Log.Level)
	}
	return logging.New(o.cfg.Log.Level, o.cfg.Log.Development)
}

// services builds the application components and returns a cleanup func.
func (o *rootOptions) services(ctx context.Context, tui bool) (*app.Services, func(), error) {
	logger, err := o.newLogger(tui)
	if err != nil {
		return nil, nil, err
	}
	svc, err := app.Build(ctx, o.cfg, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	cleanup := func() {
		if err := svc.Close(); err != nil {
			logger.Warn("closing services", zap.Error(err))
		}
		_ = logger.Sync()
	}
	return svc, cleanup, nil
}
