package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fruitsalade/nsmirror/internal/broker"
	"github.com/fruitsalade/nsmirror/internal/broker/amqp"
	"github.com/fruitsalade/nsmirror/internal/broker/sse"
	"github.com/fruitsalade/nsmirror/internal/config"
	"github.com/fruitsalade/nsmirror/internal/mirror"
	"github.com/fruitsalade/nsmirror/internal/model"
	"github.com/fruitsalade/nsmirror/internal/storage"
	"github.com/fruitsalade/nsmirror/internal/storage/backend"
	"github.com/fruitsalade/nsmirror/internal/syncer"
)

// stack is everything a mirroring command runs.
type stack struct {
	conn   *broker.Connection
	mirror *mirror.Mirror
	orch   *syncer.Orchestrator
}

func newLister(ctx context.Context, cfg *config.Config, logger *zap.Logger) (storage.Lister, error) {
	raw, err := cfg.Storage.Raw()
	if err != nil {
		return nil, err
	}
	lister, err := backend.New(ctx, cfg.Storage.Type, raw, logger.Named("storage"))
	if err != nil {
		return nil, fmt.Errorf("storage backend: %w", err)
	}
	return lister, nil
}

func newTransport(cfg config.BrokerConfig, logger *zap.Logger) broker.Transport {
	if cfg.Transport == "sse" {
		return sse.New(sse.Config{
			BaseURL: cfg.URL,
			Logger:  logger.Named("broker.sse"),
		})
	}
	return amqp.New(amqp.Config{
		Heartbeat: cfg.Heartbeat,
		Logger:    logger.Named("broker.amqp"),
	})
}

func newStack(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*stack, error) {
	lister, err := newLister(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	conn := broker.NewConnection(newTransport(cfg.Broker, logger), broker.Config{
		AppID:          cfg.Broker.AppID,
		Exchange:       cfg.Broker.Exchange,
		RoutingKey:     cfg.Broker.RoutingKey,
		ReconnectDelay: cfg.Broker.ReconnectDelay,
		CloseTimeout:   cfg.Broker.CloseTimeout,
		Logger:         logger.Named("broker"),
	})

	m := mirror.New(model.CleanPath(cfg.NamespaceRoot), logger.Named("mirror"))
	orch := syncer.New(lister, conn, m, syncer.Config{
		Credentials:  cfg.Broker.Credentials(),
		Workers:      cfg.Sync.Workers,
		QueueSize:    cfg.Sync.QueueSize,
		EmitInitial:  cfg.Sync.EmitInitial,
		Crawl:        cfg.Sync.Crawl,
		ReadyTimeout: cfg.Sync.ReadyTimeout,
		Logger:       logger.Named("syncer"),
	})
	return &stack{conn: conn, mirror: m, orch: orch}, nil
}
