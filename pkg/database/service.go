// Package database owns the PostgreSQL connection pool behind the aggregate
// store, optionally running an embedded server for single-node setups.
package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	embeddedpostgres "github.com/fergusstrange/embedded-postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"scm_multichain/pkg/config"
	"scm_multichain/pkg/data"
)

const (
	embeddedUser     = "postgres"
	embeddedPassword = "postgres"
	embeddedDatabase = "scm"
)

// Service manages database connections and provides access to the repository
type Service struct {
	pool     *pgxpool.Pool
	embedded *embeddedpostgres.EmbeddedPostgres
	logger   *zap.Logger
	config   *config.DatabaseConfig
	repo     *data.PostgresRepository

	mu        sync.RWMutex
	isRunning bool
}

// NewService creates a new database service
func NewService(cfg *config.DatabaseConfig, logger *zap.Logger) *Service {
	return &Service{
		config: cfg,
		logger: logger.Named("database"),
	}
}

// Start launches the embedded server when configured, connects the pool and
// applies the schema.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("database service already running")
	}

	if s.config.Embedded {
		if err := s.startEmbedded(); err != nil {
			return err
		}
	}

	url := s.connectionURL()
	if url == "" {
		return fmt.Errorf("database url is required when embedded postgres is disabled")
	}

	pool, err := s.createPool(ctx, url)
	if err != nil {
		s.cleanup()
		return err
	}
	s.pool = pool

	if err := data.ApplySchema(ctx, pool); err != nil {
		s.cleanup()
		return fmt.Errorf("initializing schema: %w", err)
	}
	s.repo = data.NewPostgresRepositoryFromPool(pool, s.logger)

	s.isRunning = true
	s.logger.Info("Database service started",
		zap.Bool("embedded", s.config.Embedded),
		zap.Int32("max_conns", pool.Config().MaxConns))
	return nil
}

// Stop closes the pool and shuts down the embedded server
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	s.cleanup()
	s.isRunning = false
	s.logger.Info("Database service stopped")
	return nil
}

// Repository returns the data repository; nil until Start succeeds.
func (s *Service) Repository() data.Repository {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.repo == nil {
		return nil
	}
	return s.repo
}

func (s *Service) Pool() *pgxpool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

// IsHealthy checks database health
func (s *Service) IsHealthy() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	return s.pool.Ping(ctx) == nil
}

// Config returns the database configuration
func (s *Service) Config() *config.DatabaseConfig {
	return s.config
}

func (s *Service) connectionURL() string {
	if !s.config.Embedded {
		return s.config.URL
	}
	return fmt.Sprintf("postgres://%s:%s@localhost:%d/%s?sslmode=disable",
		embeddedUser, embeddedPassword, s.config.EmbeddedPort, embeddedDatabase)
}

func (s *Service) startEmbedded() error {
	pg := embeddedpostgres.NewDatabase(
		embeddedpostgres.DefaultConfig().
			Username(embeddedUser).
			Password(embeddedPassword).
			Database(embeddedDatabase).
			Port(s.config.EmbeddedPort).
			RuntimePath(s.config.RuntimePath).
			StartTimeout(s.config.Timeout + 30*time.Second).
			Logger(zap.NewStdLog(s.logger).Writer()))

	if err := pg.Start(); err != nil {
		return fmt.Errorf("starting embedded postgres: %w", err)
	}
	s.embedded = pg
	s.logger.Info("Embedded postgres started",
		zap.Uint32("port", s.config.EmbeddedPort),
		zap.String("runtime_path", s.config.RuntimePath))
	return nil
}

func (s *Service) createPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parsing pool config: %w", err)
	}

	if s.config.MaxConns > 0 {
		poolConfig.MaxConns = int32(s.config.MaxConns)
	}
	if s.config.MinConns > 0 {
		poolConfig.MinConns = int32(s.config.MinConns)
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 30 * time.Second
	if s.config.Timeout > 0 {
		poolConfig.ConnConfig.ConnectTimeout = s.config.Timeout
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging connection pool: %w", err)
	}

	return pool, nil
}

func (s *Service) cleanup() {
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
	s.repo = nil
	if s.embedded != nil {
		if err := s.embedded.Stop(); err != nil {
			s.logger.Warn("Stopping embedded postgres failed", zap.Error(err))
		}
		s.embedded = nil
	}
}
