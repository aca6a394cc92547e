// Package daemon wires the BizCoin process together: configuration, the
// persistence backend, the ledger and milestone services, notification
// sinks and the HTTP API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/bizcoin/bizcoin/internal/api"
	"github.com/bizcoin/bizcoin/internal/app/ledger"
	"github.com/bizcoin/bizcoin/internal/app/milestone"
	"github.com/bizcoin/bizcoin/internal/app/notify"
	"github.com/bizcoin/bizcoin/internal/domain"
	"github.com/bizcoin/bizcoin/internal/infra/kafkapub"
	"github.com/bizcoin/bizcoin/internal/infra/postgres"
	"github.com/bizcoin/bizcoin/internal/infra/redispub"
	"github.com/bizcoin/bizcoin/internal/infra/sqlite"
)

// Daemon is a fully wired BizCoin instance.
type Daemon struct {
	Config     Config
	Store      domain.Store
	Ledger     *ledger.Service
	Milestones *milestone.Service
	Dispatcher *notify.Dispatcher
	Hub        *api.Hub
	Server     *api.Server

	closers []io.Closer
	log     *zap.Logger
}

// New opens the store, connects the enabled sinks and builds the services.
// Sinks that cannot be reached are logged and skipped.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Daemon, error) {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Daemon{Config: cfg, log: log}

	store, err := OpenStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	d.Store = store
	log.Info("store opened", zap.String("driver", cfg.Storage.Driver))

	d.Hub = api.NewHub(log)
	d.Dispatcher = notify.NewDispatcher(log, cfg.Notify.QueueSize, d.Hub)
	d.Dispatcher.SetTimeout(parseDuration(cfg.Notify.Timeout, notify.DefaultTimeout))
	d.connectSinks(ctx)

	d.Milestones = milestone.NewService(store, log)
	d.Ledger = ledger.New(cfg.LedgerServiceConfig(), store, d.Milestones, d.Dispatcher, log)

	d.Server = api.NewServer(d.Ledger, d.Milestones, log)
	d.Server.SetHub(d.Hub)
	d.Server.SetAllowedOrigins(cfg.Server.CORSOrigins)
	if cfg.Server.RateLimitRPS > 0 {
		d.Server.SetRateLimiter(api.NewIPRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst))
	}
	if cfg.Metrics.Enabled {
		d.Server.EnableMetrics()
	}
	return d, nil
}

// OpenStore opens the configured persistence backend.
func OpenStore(ctx context.Context, cfg StorageConfig) (domain.Store, error) {
	switch cfg.Driver {
	case "sqlite":
		db, err := sqlite.Open(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return db, nil
	case "postgres":
		db, err := postgres.Open(ctx, postgres.Config{
			URL:             cfg.Postgres.URL,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: parseDuration(cfg.Postgres.MaxConnLifetime, 0),
			MaxConnIdleTime: parseDuration(cfg.Postgres.MaxConnIdleTime, 0),
		})
		if err != nil {
			return nil, fmt.Errorf("open postgres store: %w", err)
		}
		return db, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func (d *Daemon) connectSinks(ctx context.Context) {
	n := d.Config.Notify
	if n.Redis.Enabled {
		dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pub, err := redispub.Dial(dctx, redispub.Config{
			Addr:     n.Redis.Addr,
			Password: n.Redis.Password,
			DB:       n.Redis.DB,
			Channel:  n.Redis.Channel,
		})
		cancel()
		if err != nil {
			d.log.Warn("redis sink disabled", zap.Error(err))
		} else {
			d.Dispatcher.Add(pub)
			d.closers = append(d.closers, pub)
			d.log.Info("redis sink connected", zap.String("channel", pub.Channel()))
		}
	}
	if n.Kafka.Enabled {
		pub := kafkapub.New(kafkapub.Config{
			Brokers:      n.Kafka.Brokers,
			Topic:        n.Kafka.Topic,
			BatchTimeout: parseDuration(n.Kafka.BatchTimeout, 0),
		}, d.log)
		d.Dispatcher.Add(pub)
		d.closers = append(d.closers, pub)
		d.log.Info("kafka sink configured", zap.Strings("brokers", n.Kafka.Brokers), zap.String("topic", pub.Topic()))
	}
}

// Run serves the HTTP API until ctx is cancelled, then shuts down
// gracefully.
func (d *Daemon) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", d.Config.Server.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.Config.Server.Addr(), err)
	}
	return d.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (d *Daemon) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Live feeds never go idle on their own.
	srv.RegisterOnShutdown(d.Hub.Close)

	errCh := make(chan error, 1)
	go func() {
		d.log.Info("api listening",
			zap.String("addr", ln.Addr().String()),
			zap.Strings("sinks", d.Dispatcher.Sinks()))
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	d.log.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), parseDuration(d.Config.Server.ShutdownTimeout, 10*time.Second))
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		srv.Close()
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Close releases the sinks and the store.
func (d *Daemon) Close() error {
	var errs []error
	if d.Dispatcher != nil {
		errs = append(errs, d.Dispatcher.Close())
	}
	for _, c := range d.closers {
		errs = append(errs, c.Close())
	}
	if d.Store != nil {
		errs = append(errs, d.Store.Close())
	}
	return errors.Join(errs...)
}
