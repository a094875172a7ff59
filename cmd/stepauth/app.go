package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nkiryanov/stepauth/internal/db"
	"github.com/nkiryanov/stepauth/internal/gateway"
	"github.com/nkiryanov/stepauth/internal/logger"
	"github.com/nkiryanov/stepauth/internal/metrics"
	"github.com/nkiryanov/stepauth/internal/refresh"
	"github.com/nkiryanov/stepauth/internal/repository"
	"github.com/nkiryanov/stepauth/internal/repository/badger"
	"github.com/nkiryanov/stepauth/internal/repository/memory"
	"github.com/nkiryanov/stepauth/internal/repository/postgres"
	"github.com/nkiryanov/stepauth/internal/session"
	"github.com/nkiryanov/stepauth/internal/stepup"
	"github.com/nkiryanov/stepauth/internal/transport"
)

// Renew the access token this long before its expiry instead of waiting for a rejection
const refreshLeeway = 30 * time.Second

type App struct {
	Logger logger.Logger
	Store  *session.Store
	Flow   *stepup.Flow

	repo        repository.EntryRepo
	registry    *prometheus.Registry
	metricsFile string
}

func NewApp(ctx context.Context, c *Config) (*App, error) {
	// Initialize logger
	logger, err := logger.New(c.Environment, c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("error while initializing logger: %w", err)
	}

	repo, err := openRepo(ctx, c, logger)
	if err != nil {
		return nil, err
	}

	sealer, err := session.NewSealer(c.SecretKey)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("error while creating sealer. Err: %w", err)
	}

	store := session.NewStore(repo, sealer, logger)
	if store.Load(ctx) {
		logger.Debug("Session restored", "store", c.Store)
	}

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	tr, err := transport.NewHTTP(transport.Config{BaseURL: c.Server, Timeout: c.Timeout}, logger, m)
	if err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("error while creating transport. Err: %w", err)
	}

	coordinator := refresh.NewCoordinator(refresh.Config{Timeout: c.Timeout}, tr, store, logger, m)
	gw := gateway.New(gateway.Config{RefreshLeeway: refreshLeeway}, tr, store, coordinator, logger, m)
	flow := stepup.NewFlow(stepup.Config{ChallengeTTL: c.ChallengeTTL}, tr, gw, store, logger, m)

	return &App{
		Logger:      logger,
		Store:       store,
		Flow:        flow,
		repo:        repo,
		registry:    registry,
		metricsFile: c.MetricsFile,
	}, nil
}

func openRepo(ctx context.Context, c *Config, l logger.Logger) (repository.EntryRepo, error) {
	switch c.Store {
	case StoreMemory:
		return memory.NewEntryRepo(), nil

	case StorePostgres:
		// Connect to the database and run migrations
		pool, err := db.ConnectAndMigrate(ctx, c.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("error while connecting to db. Err: %w", err)
		}
		return &postgres.EntryRepo{DB: pool, Namespace: c.Namespace, OnClose: pool.Close}, nil

	default:
		dir, err := c.storePath()
		if err != nil {
			return nil, err
		}
		repo, err := badger.Open(badger.Config{Dir: dir, Namespace: c.Namespace}, l)
		if err != nil {
			return nil, fmt.Errorf("error while opening session store at %s. Err: %w", dir, err)
		}
		return repo, nil
	}
}

// Close releases the store and writes metrics if asked to
func (a *App) Close() error {
	var errs []error

	if a.metricsFile != "" {
		if err := prometheus.WriteToTextfile(a.metricsFile, a.registry); err != nil {
			errs = append(errs, fmt.Errorf("error while writing metrics. Err: %w", err))
		}
	}
	if err := a.repo.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error while closing store. Err: %w", err))
	}

	return errors.Join(errs...)
}
