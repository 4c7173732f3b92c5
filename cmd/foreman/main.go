package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"foreman/internal/adapter/gateway"
	"foreman/internal/adapter/store"
	"foreman/internal/domain"
	"foreman/internal/infra/config"
	"foreman/internal/infra/logger"
	"foreman/internal/infra/tracer"
	"foreman/internal/usecase/directory"
	"foreman/internal/usecase/dispatcher"
	"foreman/internal/usecase/eventbus"
	"foreman/internal/usecase/messaging"
	"foreman/internal/usecase/scheduling"
	"foreman/internal/usecase/supervisor"
)

const defaultConfigPath = "./foreman.yaml"

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "version":
			fmt.Println("foreman (development build)")
			return
		}
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func configPath() string {
	for i := 1; i < len(os.Args)-1; i++ {
		if os.Args[i] == "--config" || os.Args[i] == "-c" {
			return os.Args[i+1]
		}
	}
	if v := os.Getenv("FOREMAN_CONFIG"); v != "" {
		return v
	}
	return defaultConfigPath
}

func run() error {
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLog()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer(context.Background())

	bus := eventbus.New(log)
	defer bus.Close()

	dir := directory.New(cfg.Directory, bus, log)
	sup := supervisor.New(cfg.Supervisor, nil, bus, log)
	defer sup.Close(context.Background())

	disp := dispatcher.New(cfg.Dispatcher, dir, sup, bus, log)
	defer disp.Close()

	router := messaging.New(cfg.Messaging, dir, sup, bus, log)
	defer router.Close()

	// Worker process transitions drive directory availability, which in
	// turn flushes queued messages for agents that just came back.
	unsubBridge := bus.Subscribe(domain.EventProcessStatusChanged, func(ctx context.Context, event domain.Event) {
		var record domain.ProcessRecord
		if err := json.Unmarshal(event.Payload, &record); err != nil {
			return
		}
		var status domain.AgentStatus
		switch record.Status {
		case domain.ProcessStatusRunning:
			status = domain.AgentStatusActive
		case domain.ProcessStatusStopped, domain.ProcessStatusError:
			status = domain.AgentStatusOffline
		default:
			return
		}
		if err := dir.UpdateStatus(ctx, record.AgentID, status); err != nil {
			log.Debug("agent status bridge skipped", "agent_id", record.AgentID, "error", err)
		}
	})
	defer unsubBridge()

	audit, err := store.New(cfg.Store.Path, log)
	if err != nil {
		return fmt.Errorf("open audit store: %w", err)
	}
	audit.Attach(bus)
	defer audit.Close()

	sched := scheduling.New(log)
	sched.Register(scheduling.ActionTaskWatchdog, func(ctx context.Context) error {
		disp.WatchdogSweep(ctx)
		return nil
	})
	sched.Register(scheduling.ActionResourceSample, func(ctx context.Context) error {
		sup.SampleResources(ctx)
		return nil
	})
	sched.Register(scheduling.ActionAuditRetention, func(ctx context.Context) error {
		_, err := audit.Prune(ctx, time.Now().Add(-cfg.Store.Retention))
		return err
	})

	jobs := []scheduling.Job{
		{Name: "task-watchdog", Schedule: cfg.Dispatcher.WatchdogSchedule, Action: scheduling.ActionTaskWatchdog},
		{Name: "resource-sample", Schedule: "30s", Action: scheduling.ActionResourceSample},
		{Name: "audit-retention", Schedule: "@hourly", Action: scheduling.ActionAuditRetention},
	}
	for _, job := range jobs {
		if err := sched.Add(job); err != nil {
			return err
		}
	}
	sched.Start(ctx)
	defer sched.Stop()

	var srv *gateway.Server
	if cfg.Gateway.Enabled {
		srv = gateway.NewServer(cfg.Gateway, bus, log)
		gateway.NewHandler(dir, sup, disp, router, audit).RegisterAll(srv)
		go func() {
			if err := srv.Start(ctx); err != nil {
				log.Error("gateway stopped", "error", err)
				stop()
			}
		}()
		defer srv.Stop(context.Background())
	}

	log.Info("foreman started",
		"agents", len(cfg.Directory.Agents),
		"gateway", cfg.Gateway.Enabled,
	)

	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func showUsage() {
	fmt.Print(`foreman - agent orchestration core

Usage:
  foreman [--config <path>]   Run the orchestrator
  foreman version             Print version
  foreman --help              Show this help

Configuration is read from ./foreman.yaml by default (override with
--config or FOREMAN_CONFIG). FOREMAN_* environment variables override
individual settings, e.g. FOREMAN_LOGGER_LEVEL, FOREMAN_GATEWAY_ADDR.
`)
}
