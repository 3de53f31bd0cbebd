package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"queryfleet/internal/config"
	internaldb "queryfleet/internal/db"
)

type rootOptions struct {
	configPath string
	envFile    string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "queryfleet",
		Short:         "Distributed query executor fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "YAML config file (overrides QUERYFLEET_CONFIG)")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the environment")

	cmd.AddCommand(newExecutorCmd(opts), newMigrateCmd(opts), newSweepCmd(opts))
	return cmd
}

// load resolves the configuration and builds the process logger.
func (o *rootOptions) load() (*config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv(o.envFile); err != nil {
		return nil, nil, fmt.Errorf("load env file: %w", err)
	}
	if o.configPath != "" {
		if err := os.Setenv("QUERYFLEET_CONFIG", o.configPath); err != nil {
			return nil, nil, fmt.Errorf("set config path: %w", err)
		}
	}
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)
	for _, w := range cfg.Warnings {
		logger.Warn(w)
	}
	return cfg, logger, nil
}

// openStore opens the status store pair and brings its schema up to date.
func openStore(cfg *config.Config) (writeDB, readDB *sql.DB, err error) {
	writeDB, readDB, err = internaldb.OpenSQLitePair(cfg.MetaDBPath, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open status store: %w", err)
	}
	if err := internaldb.RunMigrations(writeDB); err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, nil, fmt.Errorf("migrate status store: %w", err)
	}
	return writeDB, readDB, nil
}
