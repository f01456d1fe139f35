// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package httpbridge wires configuration, broker, bridge, HTTP server and
// shutdown coordination into a runnable service.
package httpbridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/glimte/mmate-httpbridge/bridge"
	"github.com/glimte/mmate-httpbridge/broker"
	"github.com/glimte/mmate-httpbridge/config"
	"github.com/glimte/mmate-httpbridge/contracts"
	"github.com/glimte/mmate-httpbridge/health"
	"github.com/glimte/mmate-httpbridge/internal/httpapi"
	"github.com/glimte/mmate-httpbridge/internal/metrics"
	"github.com/glimte/mmate-httpbridge/internal/rabbitmq"
	"github.com/glimte/mmate-httpbridge/shutdown"
	"github.com/glimte/mmate-httpbridge/transports/memory"
	natsTransport "github.com/glimte/mmate-httpbridge/transports/nats"
	rabbitmqTransport "github.com/glimte/mmate-httpbridge/transports/rabbitmq"
)

// Service is one running bridge process
type Service struct {
	config      *config.Config
	logger      *slog.Logger
	broker      broker.Broker
	bridge      *bridge.Bridge
	metrics     *metrics.Collector
	health      *health.Registry
	server      *httpapi.Server
	coordinator *shutdown.Coordinator
}

// serviceConfig holds service construction options
type serviceConfig struct {
	logger *slog.Logger
	broker broker.Broker
	exit   func(code int)
}

// ServiceOption configures the service
type ServiceOption func(*serviceConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(cfg *serviceConfig) {
		cfg.logger = logger
	}
}

// WithBroker uses b instead of connecting to the configured broker
func WithBroker(b broker.Broker) ServiceOption {
	return func(cfg *serviceConfig) {
		cfg.broker = b
	}
}

// WithExitFunc replaces os.Exit for signal and fault triggered shutdowns
func WithExitFunc(exit func(code int)) ServiceOption {
	return func(cfg *serviceConfig) {
		cfg.exit = exit
	}
}

// New builds the service described by cfg
func New(ctx context.Context, cfg *config.Config, options ...ServiceOption) (*Service, error) {
	sc := &serviceConfig{logger: slog.Default()}
	for _, opt := range options {
		opt(sc)
	}

	logger := sc.logger.With("subscription", cfg.SubscriptionName())

	brk := sc.broker
	if brk == nil {
		var err error
		brk, err = OpenBroker(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	collector := metrics.New(
		metrics.WithRuntimeMetrics(),
		metrics.WithConstLabels(map[string]string{"instance": cfg.InstanceID}),
	)

	bridgeOpts := []bridge.Option{
		bridge.WithLogger(logger),
		bridge.WithObserver(collector),
	}
	if cfg.ConcurrentWaits {
		bridgeOpts = append(bridgeOpts, bridge.WithConcurrentWaits())
	}
	backendTopic := ""
	if cfg.Mode == bridge.ModeForward {
		backendTopic = cfg.BackendTopic
	}
	b, err := bridge.New(brk, bridge.Config{
		ResponseTopic:    cfg.ResponseTopic,
		SubscriptionName: cfg.SubscriptionName(),
		BackendTopic:     backendTopic,
		WaitTimeout:      cfg.WaitTimeout,
		RedeliveryDelay:  cfg.RedeliveryDelay,
	}, bridgeOpts...)
	if err != nil {
		_ = brk.Close()
		return nil, fmt.Errorf("failed to create bridge: %w", err)
	}

	registry := health.NewRegistry()
	registry.RegisterReadiness(health.NewBrokerChecker(brk, cfg.Broker.Kind))
	registry.RegisterReadiness(health.NewTopicChecker(brk, cfg.ResponseTopic))
	if backendTopic != "" {
		registry.RegisterReadiness(health.NewTopicChecker(brk, backendTopic))
	}
	registry.Register(health.NewSubscriptionChecker(b))
	registry.Register(health.NewRuntimeChecker(500, 1000))
	registry.SetMetadata("mode", b.Mode())
	registry.SetMetadata("subscription", b.SubscriptionName())
	registry.SetMetadata("broker", cfg.Broker.Kind)

	router := httpapi.NewRouter(b,
		httpapi.WithLogger(logger),
		httpapi.WithObserver(collector),
		httpapi.WithHealth(registry, 5*time.Second),
		httpapi.WithMetricsHandler(collector.Handler()))
	server := httpapi.NewServer(cfg.Addr(), router, cfg.Shutdown.Drain, logger)

	coordOpts := []shutdown.Option{
		shutdown.WithBudget(cfg.Shutdown.Budget),
		shutdown.WithLogger(logger),
		shutdown.WithObserver(collector),
		// closing the bridge first answers in-flight waits before the HTTP drain
		shutdown.WithHook(func(context.Context) error { return b.Close() }),
		shutdown.WithHook(server.Shutdown),
	}
	if sc.exit != nil {
		coordOpts = append(coordOpts, shutdown.WithExitFunc(sc.exit))
	}

	return &Service{
		config:      cfg,
		logger:      logger,
		broker:      brk,
		bridge:      b,
		metrics:     collector,
		health:      registry,
		server:      server,
		coordinator: shutdown.NewCoordinator(brk, cfg.SubscriptionName(), coordOpts...),
	}, nil
}

// OpenBroker connects to the broker selected by cfg
func OpenBroker(ctx context.Context, cfg *config.Config, logger *slog.Logger) (broker.Broker, error) {
	topics := []string{cfg.ResponseTopic}
	if cfg.Mode == bridge.ModeForward {
		topics = append(topics, cfg.BackendTopic)
	}

	switch cfg.Broker.Kind {
	case config.BrokerRabbitMQ:
		opts := []rabbitmqTransport.TransportOption{
			rabbitmqTransport.WithLogger(logger),
			rabbitmqTransport.WithQueueExpiry(cfg.Broker.QueueExpiry),
			rabbitmqTransport.WithConnectionOptions(rabbitmq.WithMaxRetries(5)),
		}
		if cfg.Broker.DeclareTopics {
			opts = append(opts, rabbitmqTransport.WithDeclareTopics(topics...))
		}
		t, err := rabbitmqTransport.NewTransport(ctx, cfg.Broker.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create rabbitmq transport: %w", err)
		}
		return t, nil

	case config.BrokerNATS:
		opts := []natsTransport.TransportOption{
			natsTransport.WithLogger(logger),
			natsTransport.WithStream(cfg.Broker.NATSStream),
			natsTransport.WithInactiveThreshold(cfg.Broker.QueueExpiry),
		}
		if cfg.Broker.DeclareTopics {
			opts = append(opts, natsTransport.WithDeclareTopics(topics...))
		}
		t, err := natsTransport.NewTransport(ctx, cfg.Broker.URL, opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create nats transport: %w", err)
		}
		return t, nil

	case config.BrokerMemory:
		logger.Warn("using in-memory broker, messages do not leave this process")
		return memory.New(memory.WithAutoTopics()), nil

	default:
		return nil, fmt.Errorf("unsupported broker %q", cfg.Broker.Kind)
	}
}

// Bridge returns the request bridge
func (s *Service) Bridge() *bridge.Bridge {
	return s.bridge
}

// Broker returns the underlying broker
func (s *Service) Broker() broker.Broker {
	return s.broker
}

// Health returns the health registry
func (s *Service) Health() *health.Registry {
	return s.health
}

// Metrics returns the metrics collector
func (s *Service) Metrics() *metrics.Collector {
	return s.metrics
}

// Coordinator returns the shutdown coordinator
func (s *Service) Coordinator() *shutdown.Coordinator {
	return s.coordinator
}

// Run listens on the configured port and serves until ctx is done or a
// termination signal is handled
func (s *Service) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.server.Addr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.server.Addr(), err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	if s.config.Warmup {
		if err := s.bridge.Warm(ctx); err != nil {
			// the first request provisions again
			s.logger.Warn("subscription warmup failed", "error", err)
		}
	}

	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	watched := make(chan struct{})
	go func() {
		defer close(watched)
		s.coordinator.Watch(watchCtx)
	}()

	served := make(chan error, 1)
	go func() {
		served <- s.server.Serve(ln)
	}()

	select {
	case err := <-served:
		// nil means a shutdown hook stopped the server; wait for that shutdown to finish
		stopWatch()
		<-watched
		if err != nil {
			return err
		}
		_ = s.coordinator.Cleanup(context.Background())
		return nil
	case <-ctx.Done():
		stopWatch()
		<-watched
		err := s.coordinator.Cleanup(context.Background())
		<-served
		if err != nil && !contracts.IsShutdownTimeout(err) {
			return err
		}
		return nil
	}
}

// Close runs shutdown cleanup, if it has not run yet, and closes the broker
func (s *Service) Close() error {
	var errs []error
	if err := s.coordinator.Cleanup(context.Background()); err != nil && !contracts.IsShutdownTimeout(err) {
		errs = append(errs, err)
	}
	if err := s.broker.Close(); err != nil && !errors.Is(err, broker.ErrBrokerClosed) {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
