package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/codeatlas-io/codeatlas/internal/batch"
	"github.com/codeatlas-io/codeatlas/internal/config"
	"github.com/codeatlas-io/codeatlas/internal/coordinator"
	"github.com/codeatlas-io/codeatlas/internal/eventbus"
	"github.com/codeatlas-io/codeatlas/internal/idgen"
	"github.com/codeatlas-io/codeatlas/internal/monitor"
	"github.com/codeatlas-io/codeatlas/internal/rollback"
	"github.com/codeatlas-io/codeatlas/internal/storage"
	"github.com/codeatlas-io/codeatlas/internal/storage/sqlite"
	"github.com/codeatlas-io/codeatlas/internal/telemetry"
)

// engine is the assembled sync stack behind every CLI command.
type engine struct {
	cfg   *config.Config
	store storage.GraphStore
	dry   *coordinator.DryRunStore
	proc  *batch.Processor
	rb    *rollback.Store
	mon   *monitor.Monitor
	bus   *eventbus.Bus
	coord *coordinator.Coordinator
	log   *slog.Logger
}

// openEngine wires stores, processor, monitor, and coordinator from the
// resolved configuration. With dryRun set, writes go to a counting store and
// rollback metadata stays in memory.
func openEngine(ctx context.Context, cfg *config.Config, dryRun bool, log *slog.Logger) (*engine, error) {
	e := &engine{cfg: cfg, log: log, bus: eventbus.New()}

	if dryRun {
		e.dry = coordinator.NewDryRunStore()
		e.store = e.dry
	} else {
		if dir := filepath.Dir(cfg.GraphDBPath); dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory: %w", err)
			}
		}
		gs, err := sqlite.NewGraphStore(cfg.GraphDBPath)
		if err != nil {
			return nil, fmt.Errorf("open graph store: %w", err)
		}
		e.store = gs
	}

	var persist rollback.Persistence
	if dryRun {
		persist = rollback.NewMemoryPersistence()
	} else {
		rel, err := sqlite.NewRelStore(cfg.RollbackDBPath)
		if err != nil {
			e.store.Close()
			return nil, fmt.Errorf("open rollback store: %w", err)
		}
		persist, err = rollback.NewSQLPersistence(ctx, rel)
		if err != nil {
			rel.Close()
			e.store.Close()
			return nil, fmt.Errorf("init rollback persistence: %w", err)
		}
	}
	e.rb = rollback.New(persist, rollback.Options{
		MaxItems:        cfg.RollbackMaxItems,
		CleanupInterval: cfg.RollbackCleanupInterval,
		Logger:          log,
		Bus:             e.bus,
	})
	e.rb.Start(ctx)

	e.mon = monitor.New(monitor.Options{
		Logger: log,
		Bus:    e.bus,
		Meter:  telemetry.Meter(""),
	})
	e.mon.Start()

	e.proc = batch.New(batch.Options{
		Config: cfg,
		Store:  e.store,
		Logger: log,
		Bus:    e.bus,
		IDs:    idgen.NewRandom(),
	})
	e.proc.Start()

	e.coord = coordinator.New(coordinator.Options{
		Config:    cfg,
		Store:     e.store,
		Processor: e.proc,
		Rollback:  e.rb,
		Monitor:   e.mon,
		Bus:       e.bus,
		Logger:    log,
	})
	return e, nil
}

// close tears the stack down in dependency order.
func (e *engine) close() {
	if e.coord != nil {
		e.coord.Close()
	}
	if e.proc != nil {
		if err := e.proc.Stop(e.cfg.StopTimeout); err != nil {
			e.log.Warn("processor stop", "error", err)
		}
	}
	if e.mon != nil {
		e.mon.Close()
	}
	if e.rb != nil {
		if err := e.rb.Close(); err != nil {
			e.log.Warn("rollback store close", "error", err)
		}
	}
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			e.log.Warn("graph store close", "error", err)
		}
	}
	if e.bus != nil {
		e.bus.Close()
	}
}
