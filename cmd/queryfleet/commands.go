package main

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	_ "github.com/duckdb/duckdb-go/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"queryfleet/internal/app"
	"queryfleet/internal/config"
)

func newExecutorCmd(opts *rootOptions) *cobra.Command {
	var noMonitor bool
	cmd := &cobra.Command{
		Use:   "executor",
		Short: "Run the executor service and the monitor scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			a, closeFn, err := build(cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			if !noMonitor {
				if err := a.Scheduler.Start(ctx); err != nil {
					return fmt.Errorf("start monitor: %w", err)
				}
				defer a.Scheduler.Stop()
			}
			logger.Info("executor ready",
				"pool", cfg.ExecutorPool, "workers", cfg.ExecutorWorkers,
				"lock_backend", cfg.LockBackend, "broker_backend", cfg.BrokerBackend)
			return a.Service.Run(ctx)
		},
	}
	cmd.Flags().BoolVar(&noMonitor, "no-monitor", false, "do not take part in monitor sweeps")
	return cmd
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply status store migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			writeDB, readDB, err := openStore(cfg)
			if err != nil {
				return err
			}
			_ = readDB.Close()
			_ = writeDB.Close()
			logger.Info("status store migrated", "path", cfg.MetaDBPath)
			return nil
		},
	}
}

func newSweepCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one monitor tick and print its outcome",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			a, closeFn, err := build(cfg, logger)
			if err != nil {
				return err
			}
			defer closeFn()

			res, err := a.Monitor.Tick(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]string{"result": res.String()})
		},
	}
}

// build opens the status store and the DuckDB engine and wires the app.
// closeFn releases all of them.
func build(cfg *config.Config, logger *slog.Logger) (*app.App, func(), error) {
	writeDB, readDB, err := openStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	duckDB, err := sql.Open("duckdb", "")
	if err != nil {
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, nil, fmt.Errorf("open duckdb: %w", err)
	}

	a, err := app.New(app.Deps{Cfg: cfg, WriteDB: writeDB, ReadDB: readDB, LogicDB: duckDB, Logger: logger})
	if err != nil {
		_ = duckDB.Close()
		_ = writeDB.Close()
		_ = readDB.Close()
		return nil, nil, err
	}
	closeFn := func() {
		if err := a.Close(); err != nil {
			logger.Warn("close app", "error", err)
		}
		_ = duckDB.Close()
		_ = readDB.Close()
		_ = writeDB.Close()
	}
	return a, closeFn, nil
}
