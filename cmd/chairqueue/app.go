package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jwalitptl/chairqueue/internal/config"
	"github.com/jwalitptl/chairqueue/internal/remote"
	"github.com/jwalitptl/chairqueue/internal/repository/sqlstore"
	"github.com/jwalitptl/chairqueue/pkg/logger"
	"github.com/jwalitptl/chairqueue/pkg/messaging"
	brokermem "github.com/jwalitptl/chairqueue/pkg/messaging/memory"
	"github.com/jwalitptl/chairqueue/pkg/messaging/redis"
	"github.com/jwalitptl/chairqueue/pkg/metrics"
)

// app holds the process-wide dependencies shared by the commands.
type app struct {
	log       *logger.Logger
	reg       *prometheus.Registry
	metrics   *metrics.Metrics
	store     *sqlstore.Store
	adapter   *remote.Adapter
	redactKey []byte
}

func newLogger(c *config.Config) *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(c.Log.Level),
		TimeFormat: time.RFC3339,
		Output:     os.Stderr,
		JSON:       c.Log.JSON,
	})
}

func storeConfig(c *config.Config) sqlstore.Config {
	return sqlstore.Config{
		Driver:     c.Remote.Driver,
		Endpoint:   c.Remote.Endpoint,
		Credential: c.Remote.Credential,
	}
}

// newApp opens the store and broker and connects the remote adapter.
func newApp(ctx context.Context, c *config.Config) (*app, error) {
	log := newLogger(c)
	checkCredential(log, c.Remote.Credential)

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate redaction key: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.NewMetrics(reg, "chairqueue")

	store, err := sqlstore.Open(ctx, storeConfig(c), log)
	if err != nil {
		return nil, fmt.Errorf("failed to open remote store: %w", err)
	}

	broker, err := newBroker(ctx, c, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	adapter := remote.NewAdapter(store, broker, remote.Options{Metrics: m, Logger: log})
	if err := adapter.Connect(ctx); err != nil {
		_ = adapter.Disconnect()
		return nil, err
	}
	log.Info("connected to remote store", "driver", c.Remote.Driver, "broker", brokerKind(c))

	return &app{
		log:       log,
		reg:       reg,
		metrics:   m,
		store:     store,
		adapter:   adapter,
		redactKey: key,
	}, nil
}

func (a *app) close() {
	if err := a.adapter.Disconnect(); err != nil {
		a.log.Error(err, "failed to disconnect")
	}
}

func newBroker(ctx context.Context, c *config.Config, log *logger.Logger) (messaging.Broker, error) {
	if c.Broker.URL == "" {
		return brokermem.NewBroker(), nil
	}
	broker, err := redis.NewRedisBroker(ctx, redis.Config{URL: c.Broker.URL}, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}
	return broker, nil
}

func brokerKind(c *config.Config) string {
	if c.Broker.URL == "" {
		return "memory"
	}
	return "redis"
}

// checkCredential warns about an expired JWT access token. Other
// credentials are passed through untouched.
func checkCredential(log *logger.Logger, credential string) {
	exp, ok := config.CredentialExpiry(credential)
	if !ok {
		return
	}
	if time.Now().After(exp) {
		log.Warn("remote credential has expired", "expired_at", exp)
		return
	}
	log.Debug("remote credential valid", "expires_at", exp)
}
