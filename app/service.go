// Package app wires the dispatch core to its transports, stores and
// observability backends.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/kilianp07/lastmile/api"
	apidrivers "github.com/kilianp07/lastmile/api/drivers"
	apiorders "github.com/kilianp07/lastmile/api/orders"
	"github.com/kilianp07/lastmile/config"
	"github.com/kilianp07/lastmile/core/dispatch"
	"github.com/kilianp07/lastmile/core/events"
	"github.com/kilianp07/lastmile/core/gateway"
	corejournal "github.com/kilianp07/lastmile/core/journal"
	coremetrics "github.com/kilianp07/lastmile/core/metrics"
	coremon "github.com/kilianp07/lastmile/core/monitoring"
	"github.com/kilianp07/lastmile/core/orders"
	"github.com/kilianp07/lastmile/core/registry"
	"github.com/kilianp07/lastmile/core/transport"
	"github.com/kilianp07/lastmile/infra/amqp"
	_ "github.com/kilianp07/lastmile/infra/journal" // registers sqlite and jsonl journals
	"github.com/kilianp07/lastmile/infra/ledger"
	"github.com/kilianp07/lastmile/infra/locationcache"
	"github.com/kilianp07/lastmile/infra/logger"
	"github.com/kilianp07/lastmile/infra/metrics"
	"github.com/kilianp07/lastmile/infra/monitoring"
	"github.com/kilianp07/lastmile/infra/mqtt"
	"github.com/kilianp07/lastmile/infra/ws"
	"github.com/kilianp07/lastmile/internal/eventbus"
)

// Service owns every long lived component of the dispatch server.
type Service struct {
	cfg      *config.Config
	Registry *registry.Registry
	Orders   *orders.Store
	Engine   *dispatch.Engine
	Gateway  *gateway.Gateway

	hub       *ws.Hub
	mqtt      *mqtt.Transport
	bus       *eventbus.TypedBus[events.DispatchEvent]
	journal   corejournal.Store
	sink      coremetrics.Sink
	forwarder *amqp.Forwarder
	cache     *locationcache.Cache
	handler   http.Handler
	log       logger.Logger

	closeOnce sync.Once
}

// New creates a Service from the configuration. Optional backends (MQTT,
// AMQP, Redis, ledger, Sentry) are only contacted when configured.
func New(ctx context.Context, cfg *config.Config) (*Service, error) {
	if err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		return nil, fmt.Errorf("logging: %w", err)
	}
	logg := logger.New("service")

	mon, err := monitoring.NewSentryMonitor(cfg.Sentry)
	if err != nil {
		return nil, fmt.Errorf("sentry: %w", err)
	}
	coremon.Init(mon)

	s := &Service{cfg: cfg, log: logg, bus: eventbus.NewTyped[events.DispatchEvent]()}
	ok := false
	defer func() {
		if !ok {
			_ = s.Close()
		}
	}()

	s.Registry = registry.New(nil)
	s.Orders = orders.New(s.Registry, nil)

	var transports transport.Multi
	if cfg.Transport.WS.Enabled {
		s.hub = ws.NewHub(cfg.Transport.WS.Config, logger.New("ws"))
		transports = append(transports, s.hub)
	}
	if cfg.Transport.MQTT.Enabled() {
		s.mqtt, err = mqtt.NewTransport(cfg.Transport.MQTT)
		if err != nil {
			return nil, fmt.Errorf("mqtt transport: %w", err)
		}
		transports = append(transports, s.mqtt)
	}
	if len(transports) == 0 {
		return nil, errors.New("no transport enabled")
	}

	s.Engine, err = dispatch.NewEngine(s.Registry, s.Orders, transports, cfg.Dispatch, logger.New("dispatch"))
	if err != nil {
		return nil, fmt.Errorf("dispatch engine: %w", err)
	}
	s.Engine.SetEventBus(s.bus)

	led, err := ledger.New(cfg.Ledger)
	if err != nil {
		return nil, fmt.Errorf("ledger: %w", err)
	}
	s.Engine.SetLedger(led)

	s.sink, err = coremetrics.NewSink(cfg.Metrics.Sinks)
	if err != nil {
		return nil, fmt.Errorf("metrics sink: %w", err)
	}
	s.Engine.SetMetricsSink(s.sink)

	s.journal, err = corejournal.NewStore(cfg.Journal.Backend)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	if cfg.AMQP.Enabled() {
		s.forwarder, err = amqp.NewForwarder(cfg.AMQP, logger.New("amqp"))
		if err != nil {
			return nil, err
		}
	}
	if cfg.Redis.Enabled() {
		s.cache, err = locationcache.New(ctx, cfg.Redis, logger.New("locationcache"))
		if err != nil {
			return nil, err
		}
		s.Registry.AddObserver(s.cache)
	}

	s.Gateway = gateway.New(transports, s.Registry, s.Engine, logger.New("gateway"))
	s.Gateway.Register()

	deps := api.Deps{
		Orders:         apiorders.NewHandler(s.Engine, logger.New("api")),
		Journal:        s.journal,
		JournalToken:   cfg.HTTP.JournalToken,
		Metrics:        cfg.Metrics.PrometheusPort == "",
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	}
	var nearby apidrivers.NearbyFinder
	if s.cache != nil {
		nearby = s.cache
	}
	deps.Drivers = apidrivers.NewHandler(s.Engine, s.Registry, nearby)
	if s.hub != nil {
		deps.WS = s.hub
		deps.WSPath = cfg.Transport.WS.Path
	}
	s.handler = api.NewRouter(deps, logger.New("http"))

	ok = true
	return s, nil
}

// Handler returns the HTTP handler tree.
func (s *Service) Handler() http.Handler { return s.handler }

// Run starts the background workers and the HTTP server and blocks until
// ctx is canceled.
func (s *Service) Run(ctx context.Context) error {
	done := []<-chan struct{}{corejournal.StartRecorder(ctx, s.bus, s.journal, logger.New("journal"))}
	if s.forwarder != nil {
		done = append(done, s.forwarder.Start(ctx, s.bus))
	}
	if s.cache != nil {
		done = append(done, s.cache.Start(ctx))
	}
	interval := time.Duration(s.cfg.Metrics.FleetIntervalSeconds) * time.Second
	metrics.StartFleetCollector(ctx, s.Registry, s.sink, interval)
	if port := s.cfg.Metrics.PrometheusPort; port != "" {
		go func() {
			if err := metrics.StartPromServer(ctx, port); err != nil {
				s.log.Errorf("prom server: %v", err)
			}
		}()
	}

	srv := &http.Server{Addr: s.cfg.HTTP.Addr, Handler: s.handler, ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		s.log.Infof("listening on %s", s.cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errc:
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warnf("http shutdown: %v", err)
	}
	s.bus.Close()
	for _, d := range done {
		<-d
	}
	return runErr
}

// Close releases resources held by the service.
func (s *Service) Close() error {
	var errs []error
	s.closeOnce.Do(func() {
		if s.mqtt != nil {
			s.mqtt.Close()
		}
		if s.forwarder != nil {
			errs = append(errs, s.forwarder.Close())
		}
		if s.cache != nil {
			errs = append(errs, s.cache.Close())
		}
		if s.journal != nil {
			errs = append(errs, s.journal.Close())
		}
		if c, ok := s.sink.(interface{ Close() }); ok {
			c.Close()
		}
		coremon.Flush(s.cfg.Sentry.FlushTimeout())
	})
	return errors.Join(errs...)
}
