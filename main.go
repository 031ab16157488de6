package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/tracksync/tracksync/internal/config"
	"github.com/tracksync/tracksync/internal/db"
	"github.com/tracksync/tracksync/internal/engine"
	"github.com/tracksync/tracksync/internal/ledger"
	"github.com/tracksync/tracksync/internal/locking"
	"github.com/tracksync/tracksync/internal/logging"
	"github.com/tracksync/tracksync/internal/monitor"
	"github.com/tracksync/tracksync/internal/sqlserver"
	"github.com/tracksync/tracksync/pkg/cdc"
)

func main() {
	cfgPath := flag.String("config", "tracksync.yaml", "path to the configuration file")
	flag.Parse()

	log := logging.GetLogger()

	if err := run(*cfgPath); err != nil {
		log.Error("Exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	log := logging.GetLogger()

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sourceConn, err := db.Connect(ctx, cfg.Source.DSN)
	if err != nil {
		return err
	}
	defer sourceConn.Close()

	targetConn := sourceConn
	if cfg.Target.DSN != "" && cfg.Target.DSN != cfg.Source.DSN {
		targetConn, err = db.Connect(ctx, cfg.Target.DSN)
		if err != nil {
			return err
		}
		defer targetConn.Close()
	}

	versions := ledger.NewSQLServer(targetConn, cfg.Ledger.Table)
	if err := versions.Initialize(ctx); err != nil {
		return err
	}

	source := sqlserver.NewChangeTracking(sourceConn, cfg.Source.Schema)
	lockers := locking.NewFactory(cfg.Lock.Type, cfg.Lock.ConnectionString,
		cfg.Lock.ContainerName, cfg.Source.DSN)

	timeout, err := cfg.Polling.GetTimeout()
	if err != nil {
		return err
	}
	orch := engine.New(source, versions,
		engine.WithLockerFactory(lockers),
		engine.WithCycleTimeout(timeout))

	pollInterval, err := cfg.Polling.GetInterval()
	if err != nil {
		return err
	}
	maxInterval, err := cfg.Polling.GetMaxInterval()
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, table := range cfg.Tables {
		columns := table.ColumnNames()
		target := sqlserver.NewTarget(targetConn, cfg.Target.Schema, table.TargetTable, columns)

		defaults := make(cdc.Row)
		for name, value := range table.Defaults() {
			defaults[name] = value
		}

		if err := orch.Track(ctx, engine.TableSpec{
			Name:       table.Name,
			Target:     target,
			Projection: cdc.ColumnProjection(columns...),
			Defaults:   defaults,
		}); err != nil {
			return err
		}

		mon := monitor.New(orch, table.Name, pollInterval, maxInterval)
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := mon.Run(ctx); err != nil && ctx.Err() == nil {
				log.Error("Monitor stopped", "table", name, "error", err)
			}
		}(table.Name)
	}

	log.Info("Synchronizing", "tables", len(cfg.Tables))
	<-ctx.Done()
	log.Info("Shutting down")
	wg.Wait()
	return nil
}
