// Package main is the entry point for the gobus message bus daemon:
// it loads the ambient process config, parses the service-config XML
// through busconfig.ConfigLoader, registers one concrete Service per
// declared service, and runs the bus until terminated.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/mevansam/gobus/internal/bus"
	"github.com/mevansam/gobus/internal/busapp"
	"github.com/mevansam/gobus/internal/busaudit"
	"github.com/mevansam/gobus/internal/busconfig"
	"github.com/mevansam/gobus/internal/busqueue"
	"github.com/mevansam/gobus/internal/buildinfo"
	"github.com/mevansam/gobus/internal/busxport/httpservice"
	"github.com/mevansam/gobus/internal/busxport/mqttservice"
	"github.com/mevansam/gobus/internal/busxport/wsservice"
)

func main() {
	configPath := flag.String("config", "", "path to busd.yaml")
	flag.Parse()

	if flag.NArg() > 0 && flag.Arg(0) == "version" {
		fmt.Println(buildinfo.String())
		return
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	if err := run(logger, *configPath); err != nil {
		logger.Error("gobus exited with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, configPath string) error {
	cfgPath, err := busapp.FindConfig(configPath)
	if err != nil {
		return fmt.Errorf("find config: %w", err)
	}

	cfg, err := busapp.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	if cfg.LogLevel != "" {
		level, err := busconfig.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log_level: %w", err)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: busconfig.ReplaceLogLevelNames,
		}))
	}

	logger.Info("gobus starting", "config", cfgPath, "service_files", len(cfg.ServiceFiles))

	var auditStore *busaudit.Store
	if cfg.AuditDBPath != "" {
		auditStore, err = busaudit.NewStore(cfg.AuditDBPath)
		if err != nil {
			return fmt.Errorf("open audit store: %w", err)
		}
		defer auditStore.Close()
	}

	queue := busqueue.New(logger)
	queue.Start()
	defer queue.Stop()

	b := bus.New(logger, queue)
	if auditStore != nil {
		b.WithAuditStore(auditStore)
	}

	loader := busconfig.NewConfigLoader(logger, cfg.Tokens, nil)

	var services []*busconfig.ServiceConfig
	for _, path := range cfg.ServiceFiles {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open service file %s: %w", path, err)
		}
		parsed, err := loader.Load(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("parse service file %s: %w", path, err)
		}
		services = append(services, parsed...)
	}

	for _, svcCfg := range services {
		svc, err := newService(svcCfg, cfg.Tokens, logger)
		if err != nil {
			return fmt.Errorf("build service %s: %w", svcCfg.Name, err)
		}
		if err := b.RegisterService(svcCfg.Name, svc); err != nil {
			return fmt.Errorf("register service %s: %w", svcCfg.Name, err)
		}
		logger.Info("service registered", "name", svcCfg.Name, "type", svcCfg.Type, "url", svcCfg.URL)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger.Info("gobus ready", "services", len(services))
	<-ctx.Done()
	logger.Info("gobus shutting down")

	for _, svcCfg := range services {
		if err := b.UnregisterService(svcCfg.Name); err != nil {
			logger.Warn("error unregistering service", "name", svcCfg.Name, "error", err)
		}
	}
	return nil
}

// newService builds the concrete bus.Service named by cfg.Type. The
// service-config XML vocabulary's <service type="..."> attribute
// selects among the three transports wired for this bus (§11).
func newService(cfg *busconfig.ServiceConfig, tokens map[string]string, logger *slog.Logger) (bus.Service, error) {
	switch cfg.Type {
	case "", "http":
		return httpservice.New(cfg, tokens, httpservice.WithLogger(logger)), nil
	case "websocket":
		return wsservice.New(cfg, tokens, logger), nil
	case "mqtt":
		return mqttservice.New(cfg, tokens, logger), nil
	default:
		return nil, fmt.Errorf("unknown service type %q", cfg.Type)
	}
}
