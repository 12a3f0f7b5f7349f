package cli

import (
	"io"

	"github.com/soyeahso/unisync/internal/app"
	"github.com/soyeahso/unisync/internal/config"
	"github.com/soyeahso/unisync/internal/logging"
	"github.com/spf13/cobra"
)

var (
	cfgFile  string
	logLevel string

	// loaded at init time
	paths config.Paths
	log   *logging.Logger
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unisync",
		Short: "unisync keeps local agents in step with an external agent service",
		Long: "unisync mediates reads, writes and invocations between a local store and an external agent service.\n" +
			"It caches reads, retries transient failures, falls back to local data and a local model, and syncs pending changes in the background.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error
			paths, err = config.ResolvePaths()
			if err != nil {
				return err
			}
			if cfgFile != "" {
				paths.Config = cfgFile
			}
			if err := config.LoadDotEnv(paths.Env); err != nil {
				return err
			}
			level := logLevel
			if level == "" {
				level = "info"
			}
			log = logging.New(nil, level)
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ~/.unisync/config.yaml)")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error, fatal, silent)")

	cmd.AddCommand(newVersionCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newSyncCmd())
	cmd.AddCommand(newConfigCmd())
	cmd.AddCommand(newStatusCmd())
	cmd.AddCommand(newAgentCmd())

	return cmd
}

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

// loadConfig reads the config file and fills in what the CLI decides:
// the default database path and the --log-level override.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(paths.Config)
	if err != nil {
		return cfg, err
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = paths.DB
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// openApp wires every component from the config file. The returned func
// closes them and the log file.
func openApp() (*app.App, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, nil, err
	}

	l, logFile, err := logging.FromOptions(cfg.Logging.Options())
	if err != nil {
		return nil, nil, err
	}
	log = l

	a, err := app.New(cfg, log)
	if err != nil {
		logFile.Close()
		return nil, nil, err
	}
	return a, func() { closeAll(a, logFile) }, nil
}

func closeAll(a *app.App, logFile io.Closer) {
	if err := a.Close(); err != nil {
		log.Warn().Err(err).Msg("error during shutdown")
	}
	logFile.Close()
}
