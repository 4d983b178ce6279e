// volley runs the authoritative game server or a headless client of the
// volley sample game.
package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/volley-project/volley/internal/config"
	"github.com/volley-project/volley/internal/util"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

const banner = `
 __   __    _ _
 \ \ / /__ | | | ___ _   _
  \ V / _ \| | |/ _ \ | | |
   \ / (_) | | |  __/ |_| |
    \_/\___/|_|_|\___|\__, |
                      |___/  %s
`

// globalOptions holds the persistent flags shared by every command.
type globalOptions struct {
	configDir string
	logLevel  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "volley",
		Short: "Client/server game networking over UDP",
		Long: `volley runs a fixed-step authoritative game server and headless clients
that predict their own player and interpolate everything else.

The server also exposes a diagnostics HTTP API, Prometheus metrics,
an optional MQTT telemetry feed and a sqlite session journal.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&opts.configDir, "config", config.DefaultConfigDir, "configuration directory")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		serverCmd(opts),
		clientCmd(opts),
		configCmd(opts),
		versionCmd(),
	)
	return rootCmd
}

// setup loads and validates the configuration and installs the logger
// for app. The returned function closes the log file.
func (o *globalOptions) setup(app string) (*config.Config, func() error, error) {
	bootstrap := util.DefaultLogConfig()
	bootstrap.App = app
	if o.logLevel != "" {
		bootstrap.Level = o.logLevel
	}
	if _, err := util.SetupLogger(bootstrap); err != nil {
		return nil, nil, err
	}

	cfg, err := config.Load(o.configDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logCfg := util.DefaultLogConfig()
	logCfg.App = app
	logCfg.Level = cfg.Logging.Level
	logCfg.Directory = cfg.Logging.Directory
	logCfg.File = cfg.Logging.File
	if o.logLevel != "" {
		logCfg.Level = o.logLevel
	}
	closeLog, err := util.SetupLogger(logCfg)
	if err != nil {
		return nil, nil, err
	}

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		closeLog()
		return nil, nil, fmt.Errorf("configuration %s is invalid", cfg.Path())
	}

	return cfg, closeLog, nil
}
