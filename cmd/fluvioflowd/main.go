// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command fluvioflowd is the process entrypoint: it loads configuration,
// opens the configured event store and broker connection, and starts one
// runner, action executor, delay scheduler, and outbox publisher per
// registered workflow type. It carries no workflow-specific logic itself;
// workflowRegistrations below is where an application wires in its own
// pkg/workflow.Registered definitions and workflow.Adapter implementations
// before building against this binary.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tombee/fluvioflow/internal/actions"
	"github.com/tombee/fluvioflow/internal/config"
	"github.com/tombee/fluvioflow/internal/delay"
	"github.com/tombee/fluvioflow/internal/eventstore"
	"github.com/tombee/fluvioflow/internal/eventstore/memory"
	"github.com/tombee/fluvioflow/internal/eventstore/postgres"
	"github.com/tombee/fluvioflow/internal/eventstore/sqlite"
	"github.com/tombee/fluvioflow/internal/leader"
	"github.com/tombee/fluvioflow/internal/log"
	"github.com/tombee/fluvioflow/internal/outbox"
	"github.com/tombee/fluvioflow/internal/processor"
	"github.com/tombee/fluvioflow/internal/runner"
	"github.com/tombee/fluvioflow/pkg/workflow"
)

// version is injected via ldflags at build time.
var version = "dev"

// registration pairs one workflow's type-erased definition with the
// adapter that carries out its side effects. An application embedding
// this binary populates workflowRegistrations with its own workflow
// types; a bare build of this command starts no runners at all.
type registration struct {
	Definition workflow.Registered
	Adapter    workflow.Adapter
}

// workflowRegistrations is intentionally empty in this module: workflow
// definitions are application code, not runtime infrastructure. Link in
// your own registrations here.
var workflowRegistrations []registration

func main() {
	var configPath string
	var instanceID string

	root := &cobra.Command{
		Use:     "fluvioflowd",
		Short:   "Durable event-sourced workflow runtime",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath, instanceID)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&instanceID, "instance-id", "", "overrides distributed.instance_id")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("fluvioflowd exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, instanceIDFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if instanceIDFlag != "" {
		cfg.Distributed.InstanceID = instanceIDFlag
	}

	logger := log.New(&log.Config{Format: log.Format(cfg.Log.Format), Level: cfg.Log.Level, AddSource: cfg.Log.AddSource})
	slog.SetDefault(logger)

	backend, closeBackend, err := openBackend(cfg.Database)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer closeBackend()

	var natsConn *nats.Conn
	if len(workflowRegistrations) > 0 {
		natsConn, err = nats.Connect(cfg.Broker.URL)
		if err != nil {
			return fmt.Errorf("connect to broker: %w", err)
		}
		defer natsConn.Close()
	}

	proc := processor.New(processor.Config{Backend: backend, Logger: logger})
	for _, reg := range workflowRegistrations {
		proc.Register(reg.Definition)
	}

	var pgDB *sql.DB
	if cfg.Distributed.Enabled {
		pgDB, err = sql.Open("pgx", cfg.Database.Postgres.ConnectionString)
		if err != nil {
			return fmt.Errorf("open leader election connection: %w", err)
		}
		defer pgDB.Close()
	}

	var wg sync.WaitGroup
	errCh := make(chan error, len(workflowRegistrations)*4)

	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
			}
		}()
	}

	for i, reg := range workflowRegistrations {
		wfType := reg.Definition.Name()

		r, err := runner.New(runner.Config{
			WorkflowType:  wfType,
			Processor:     proc,
			Store:         backend,
			Offsets:       backend,
			Subscriptions: backend,
			Scaling:       backend,
			MaxInflight:   cfg.Runner.MaxConcurrentActivities,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("build runner for %s: %w", wfType, err)
		}
		start(wfType+"/runner", r.Run)

		if reg.Adapter != nil {
			exec, err := actions.New(actions.Config{
				WorkflowType: wfType,
				Adapter:      reg.Adapter,
				Activities:   backend,
				Processor:    proc,
				Store:        backend,
				Logger:       logger,
			})
			if err != nil {
				return fmt.Errorf("build action executor for %s: %w", wfType, err)
			}
			start(wfType+"/actions", exec.Run)
		}

		delayCfg := delay.Config{
			WorkflowType:  wfType,
			Store:         backend,
			Processor:     proc,
			CheckInterval: cfg.DelayScheduler.CheckInterval,
			BatchSize:     cfg.DelayScheduler.BatchSize,
			Logger:        logger,
		}
		if cfg.Distributed.Enabled && cfg.Distributed.LeaderElection {
			elector := leader.NewElector(leader.Config{
				DB:         pgDB,
				Key:        int64(i) + 1,
				InstanceID: cfg.Distributed.InstanceID,
				Logger:     logger,
			})
			elector.Start(ctx)
			defer elector.Stop()
			delayCfg.Elector = elector
		}
		sched, err := delay.New(delayCfg)
		if err != nil {
			return fmt.Errorf("build delay scheduler for %s: %w", wfType, err)
		}
		start(wfType+"/delay", sched.Run)

		if natsConn != nil {
			var locker outbox.AdvisoryLocker
			if pgDB != nil {
				locker = &outbox.PostgresLocker{DB: pgDB}
			}
			pub, err := outbox.New(outbox.Config{
				WorkflowType: wfType,
				Store:        backend,
				Conn:         natsConn,
				Locker:       locker,
			})
			if err != nil {
				return fmt.Errorf("build outbox publisher for %s: %w", wfType, err)
			}
			start(wfType+"/outbox", pub.Run)
		}
	}

	logger.Info("fluvioflowd started", "workflow_types", len(workflowRegistrations), "instance_id", cfg.Distributed.InstanceID)

	go func() {
		wg.Wait()
		close(errCh)
	}()

	<-ctx.Done()
	logger.Info("fluvioflowd shutting down")
	wg.Wait()

	for err := range errCh {
		if err != nil {
			logger.Warn("component stopped with error", "error", err)
		}
	}
	return nil
}

// openBackend selects and opens the configured eventstore.Backend. The
// returned close func is always safe to call, even for the memory
// backend which owns no external resource.
func openBackend(cfg config.DatabaseConfig) (eventstore.Backend, func(), error) {
	switch cfg.Backend {
	case "memory":
		return memory.New(), func() {}, nil
	case "sqlite":
		be, err := sqlite.New(sqlite.Config{Path: cfg.SQLite.Path, WAL: cfg.SQLite.WAL})
		if err != nil {
			return nil, nil, err
		}
		return be, func() { be.Close() }, nil
	case "postgres":
		be, err := postgres.New(postgres.Config{
			ConnectionString:       cfg.Postgres.ConnectionString,
			MaxOpenConns:           cfg.Postgres.MaxOpenConns,
			MaxIdleConns:           cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime:        time.Duration(cfg.Postgres.ConnMaxLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return nil, nil, err
		}
		return be, func() { be.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown database backend %q", cfg.Backend)
	}
}
