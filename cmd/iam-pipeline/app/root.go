// Package app holds the iam-pipeline commands.
package app

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/chimerakang/iam-pipeline/config"
	"github.com/chimerakang/iam-pipeline/logger"
)

type rootOptions struct {
	configPath string
	logLevel   string
}

// NewRootCmd creates the root command with every subcommand attached.
func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "iam-pipeline",
		Short: "Bearer-token identity provider, gateway and backend",
		Long: `iam-pipeline runs an OAuth2/OIDC identity provider, a gateway that verifies
bearer tokens against the provider's published keys, and a backend that answers
only requests the gateway let through.`,
		SilenceUsage:      true,
		DisableAutoGenTag: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to the YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Override the configured log level")

	cmd.AddCommand(
		newServeCmd(opts),
		newPrefixCmd(opts),
		newLoginCmd(),
		newValidateCmd(opts),
	)
	return cmd
}

// load reads the configuration and builds the logger it describes.
func (o *rootOptions) load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if cfg.Log.Service == "" {
		cfg.Log.Service = "iam-pipeline"
	}
	l, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, err
	}
	return cfg, l, nil
}
