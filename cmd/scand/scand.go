package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/privacyscore/scanner/internal/artifact"
	"github.com/privacyscore/scanner/internal/executor"
	"github.com/privacyscore/scanner/internal/model"
	"github.com/privacyscore/scanner/internal/parallel"
	"github.com/privacyscore/scanner/internal/scanner"
	"github.com/privacyscore/scanner/internal/service"
	"github.com/privacyscore/scanner/internal/store"
	"github.com/privacyscore/scanner/internal/suites/fingerprint"
	"github.com/privacyscore/scanner/internal/trace"
)

// scand holds the components wired from a configuration.
type scand struct {
	records    *store.Store
	traces     *trace.Store
	fsBackend  *artifact.FSBackend
	artifacts  *artifact.Store
	supervisor *service.Supervisor
}

func newScand(ctx context.Context, cfg model.Config) (_ *scand, err error) {
	if cfg.Version != 0 {
		return nil, fmt.Errorf("config version %d is not supported, expected 0", cfg.Version)
	}
	svcCfg, err := service.NewConfig(cfg.Scheduler)
	if err != nil {
		return nil, err
	}

	s := &scand{}
	defer func() {
		if err != nil {
			s.Close(ctx)
		}
	}()

	s.records, err = store.Open(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	var backend artifact.Backend
	switch cfg.Storage.Backend {
	case model.BackendMinIO:
		if cfg.Storage.MinIO == nil {
			return nil, fmt.Errorf("storage.minio is required for backend %s", model.BackendMinIO)
		}
		backend, err = artifact.NewMinIOBackend(ctx, *cfg.Storage.MinIO)
		if err != nil {
			return nil, err
		}
	default:
		s.fsBackend, err = artifact.NewFSBackend(cfg.Storage.Dir)
		if err != nil {
			return nil, err
		}
		backend = s.fsBackend
	}
	s.artifacts = artifact.New(backend, cfg.Storage.InlineMaxSize)

	registry := executor.NewRegistry()
	var calls fingerprint.CallSource
	if cfg.Traces != "" {
		s.traces, err = trace.Open(ctx, cfg.Traces)
		if err != nil {
			return nil, err
		}
		calls = s.traces
	} else {
		slog.WarnContext(ctx, "traces not configured, fingerprinting will record errors")
	}
	registry.Register(fingerprint.Name, fingerprint.New(calls))

	pool := parallel.NewPool(ctx, svcCfg.Workers)
	coordinator, err := scanner.NewCoordinator(s.records, registry, pool, s.artifacts, cfg.Suites)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.supervisor, err = service.NewSupervisor(ctx, svcCfg, s.records, coordinator, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// Close waits for started dispatches and their units, then releases the
// stores.
func (s *scand) Close(ctx context.Context) {
	if s.supervisor != nil {
		s.supervisor.Close(ctx)
	}
	if s.traces != nil {
		if err := s.traces.Close(); err != nil {
			slog.ErrorContext(ctx, "closing traces failed", "error", err)
		}
	}
	if s.fsBackend != nil {
		if err := s.fsBackend.Close(); err != nil {
			slog.ErrorContext(ctx, "closing raw data dir failed", "error", err)
		}
	}
	if s.records != nil {
		if err := s.records.Close(); err != nil {
			slog.ErrorContext(ctx, "closing database failed", "error", err)
		}
	}
}
