// Package main provides pactl, the operator CLI for the prior authorization
// services.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-priorauth/internal/app"
	"github.com/drfirst/go-priorauth/internal/config"
)

func main() {
	var cfgPath string
	var root = &cobra.Command{
		Use:          "pactl",
		Short:        "Prior authorization operator tool",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", os.Getenv("PA_CONFIG"), "config file")

	load := func() (*config.Config, *zap.Logger, error) {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return nil, nil, err
		}
		logger, err := app.NewLogger(cfg.Service.LogLevel)
		if err != nil {
			return nil, nil, err
		}
		return cfg, logger, nil
	}

	root.AddCommand(
		schemaCMD(load),
		topicsCMD(load),
		lagCMD(load),
		indexCMD(load),
		formularyCMD(load),
		evaluateCMD(load),
		auditCMD(load),
	)
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loader reads the configuration named by the --config flag.
type loader func() (*config.Config, *zap.Logger, error)
