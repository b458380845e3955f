package main

import (
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"calhub/internal/config"
	appLog "calhub/internal/log"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type rootOptions struct {
	configPath string
	logLevel   string
}

// loadConfig reads the config file; --log-level wins over the file.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", o.configPath)
		return nil, err
	}
	if o.logLevel == "" {
		appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))
	}
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "calhub",
		Short: "Aggregates iCal feeds and Google calendars into one searchable view",
		Long: `calhub merges events from subscribed iCal feeds and an optional Google
Calendar account, normalizes them, and serves a sortable, searchable view
over HTTP. It also turns short sentences like "Friday I work from 9 to 3"
into events.`,
		SilenceUsage: true,
		Version:      version,
		PersistentPreRun: func(*cobra.Command, []string) {
			if opts.logLevel != "" {
				appLog.SetLevel(appLog.ParseLevel(opts.logLevel))
			}
		},
	}
	cmd.SetVersionTemplate(`{{printf "calhub version %s\n" .Version}}`)

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "calhub.yaml", "Path to config file")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level (debug, info, error); overrides the config")

	cmd.AddCommand(
		newServeCmd(opts),
		newParseCmd(),
		newExtractCmd(),
		newGoogleAuthCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
