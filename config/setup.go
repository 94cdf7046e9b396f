package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/fgrzl/connect"
	"github.com/fgrzl/connect/dynamodb"
	"github.com/fgrzl/connect/events"
	"github.com/fgrzl/connect/memory"
	"github.com/fgrzl/connect/pebble"
	connectredis "github.com/fgrzl/connect/redis"
	"github.com/fgrzl/connect/sqlite"
	"github.com/fgrzl/connect/tablestorage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a zap logger from the log section.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("log.level: %w", err)
	}
	zc := zap.NewProductionConfig()
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// OpenRepository opens the configured backend.
func OpenRepository(ctx context.Context, cfg *Config) (connect.Repository, error) {
	switch cfg.Backend {
	case BackendMemory:
		return memory.NewMemoryRepository(), nil
	case BackendSQLite:
		return sqlite.NewSQLiteRepository(cfg.SQLite.Path)
	case BackendPebble:
		return pebble.NewPebbleRepository(cfg.Pebble.Path)
	case BackendRedis:
		return connectredis.NewRedisRepository(cfg.Redis.Address)
	case BackendDynamoDB:
		client, err := newDynamoClient(ctx, cfg.DynamoDB)
		if err != nil {
			return nil, err
		}
		if cfg.DynamoDB.CreateTable {
			if err := dynamodb.CreateTable(ctx, client, cfg.DynamoDB.Table); err != nil {
				return nil, fmt.Errorf("create table %s: %w", cfg.DynamoDB.Table, err)
			}
		}
		return dynamodb.NewDynamoRepository(client, cfg.DynamoDB.Table), nil
	case BackendTableStorage:
		return tablestorage.NewAzureTableRepository(cfg.TableStorage.ConnectionString, cfg.TableStorage.Table)
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

func newDynamoClient(ctx context.Context, cfg DynamoDBConfig) (*awsdynamodb.Client, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return awsdynamodb.NewFromConfig(awsCfg, func(o *awsdynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// NewFilterValidator builds the validator described by the filters section.
func NewFilterValidator(cfg FiltersConfig) (connect.FilterValidator, error) {
	if cfg.Permissive {
		return connect.NopFilterValidator{}, nil
	}
	keys, err := filterKeys(cfg.Keys)
	if err != nil {
		return nil, err
	}
	return connect.NewFilterValidator(keys...), nil
}

// NewPublisher builds the configured event sinks behind an asynchronous
// publisher. It returns nil when no sink is configured. The returned close
// function drains pending events and releases the sinks.
func NewPublisher(cfg EventsConfig, logger *zap.Logger, reg prometheus.Registerer) (connect.Publisher, func() error, error) {
	var sinks events.Multi
	var closers []func() error

	if cfg.Log {
		sinks = append(sinks, events.NewLogger(logger))
	}
	if cfg.Metrics {
		metrics, err := events.NewMetrics(reg)
		if err != nil {
			return nil, nil, fmt.Errorf("register event metrics: %w", err)
		}
		sinks = append(sinks, metrics)
	}
	if cfg.RedisChannel != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddress})
		sinks = append(sinks, events.NewRedis(client, cfg.RedisChannel))
		closers = append(closers, client.Close)
	}
	if len(sinks) == 0 {
		return nil, func() error { return nil }, nil
	}

	async := events.NewAsync(sinks, cfg.Buffer, logger)
	closeAll := func() error {
		err := async.Close()
		for _, c := range closers {
			err = multierr.Append(err, c())
		}
		return err
	}
	return async, closeAll, nil
}

// Service is a Manager with the resources it was assembled from.
type Service struct {
	*connect.Manager
	Logger *zap.Logger

	repo        connect.Repository
	closeEvents func() error
}

// NewService opens the repository and wires validator, publisher and logger
// into a Manager.
func NewService(ctx context.Context, cfg *Config, logger *zap.Logger, reg prometheus.Registerer) (*Service, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	validator, err := NewFilterValidator(cfg.Filters)
	if err != nil {
		return nil, err
	}
	repo, err := OpenRepository(ctx, cfg)
	if err != nil {
		return nil, err
	}
	publisher, closeEvents, err := NewPublisher(cfg.Events, logger, reg)
	if err != nil {
		repo.Close()
		return nil, err
	}

	manager := connect.NewManager(repo,
		connect.WithFilterValidator(validator),
		connect.WithPublisher(publisher),
		connect.WithLogger(logger.Named("manager")),
		connect.WithLockStripes(cfg.Locking.Stripes),
	)
	logger.Debug("connection service ready", zap.String("backend", cfg.Backend))

	return &Service{
		Manager:     manager,
		Logger:      logger,
		repo:        repo,
		closeEvents: closeEvents,
	}, nil
}

// Close drains pending events and closes the repository.
func (s *Service) Close() error {
	return multierr.Append(s.closeEvents(), s.repo.Close())
}
