// Command pubsubclubd runs one federation node: a Producer endpoint
// accepting Consumer connections, a Consumer endpoint dialing Producer
// peers, an optional Consul-compatible discovery driver feeding the
// dialer pool, and an admin status server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/pubsubclub/federation/internal/admin"
	"github.com/pubsubclub/federation/internal/broker"
	"github.com/pubsubclub/federation/internal/config"
	"github.com/pubsubclub/federation/internal/consumer"
	"github.com/pubsubclub/federation/internal/dialer"
	"github.com/pubsubclub/federation/internal/discovery"
	"github.com/pubsubclub/federation/internal/eventbus"
	"github.com/pubsubclub/federation/internal/logging"
	"github.com/pubsubclub/federation/internal/producer"
	"go.uber.org/zap"
)

func setupLogger(enableColors bool) *logging.Logger {
	logger, err := logging.New(enableColors)
	if err != nil {
		log.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

// loopbackBroker is a placeholder broker.Broker for standalone runs: it
// logs each inbound federated event (topic and size) and delivers it
// nowhere, so `pubsubclubd` is runnable and observable without a real
// external broker wired in (§1: the broker itself is out of scope).
type loopbackBroker struct {
	logger *logging.Logger
}

func (b *loopbackBroker) Dispatch(topic string, event []byte) {
	b.logger.ComponentInfo(logging.ComponentNode, "event dispatched to local broker",
		zap.String("topic", topic), zap.Int("bytes", len(event)))
}

func main() {
	configPath := flag.String("config", "", "Path to config YAML file (overrides defaults)")
	noColors := flag.Bool("no-colors", false, "Disable colored console logging")
	flag.Parse()

	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.LoadFile(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	} else {
		cfg = config.Default()
	}
	config.ApplyEnvOverrides(cfg)
	if *noColors {
		cfg.Logging.Colors = false
	}

	logger := setupLogger(cfg.Logging.Colors)
	logger.ComponentInfo(logging.ComponentNode, "starting pubsubclubd",
		zap.Int("producer_port", cfg.Producer.BindPort),
		zap.Int("consumer_port", cfg.Consumer.BindPort),
		zap.Int("peer_count", len(cfg.Federation.InitialPeers)))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	localNode := cfg.Federation.NodeID.Pointer()
	brk := &loopbackBroker{logger: logger}
	bus := eventbus.New()

	producerEndpoint := producer.New(cfg.Federation.SupportedVersions, localNode, bus, logger)
	consumerEndpoint := consumer.New(cfg.Federation.SupportedVersions, localNode, brk, bus, logger)

	pool := dialer.NewPool(ctx, consumerEndpoint.RunSession, bus, logger)
	for _, peer := range cfg.Federation.InitialPeers {
		pool.Ensure(peer)
	}

	// A Producer can also be the one to dial out, for peers configured the
	// other way around (§4.1 scenario S1: "Producer dials Consumer"). This
	// is a separate pool from the Consumer's: the two topologies are
	// independent and a node can use either or both simultaneously.
	producerDialPool := dialer.NewPool(ctx, producerEndpoint.DialSession, bus, logger)
	for _, peer := range cfg.Producer.DialPeers {
		producerDialPool.Ensure(peer)
	}

	var discoveryDriver *discovery.Driver
	if cfg.Discovery.DiscoveryURL != "" {
		discoveryDriver = discovery.New(cfg.Discovery.DiscoveryURL, cfg.Discovery.DiscoveryService,
			func(peers []config.PeerAddress) {
				reconcilePeers(pool, peers, logger)
			}, bus, logger)
		go func() {
			if err := discoveryDriver.Run(ctx); err != nil && ctx.Err() == nil {
				logger.ComponentError(logging.ComponentDiscovery, "discovery driver stopped", zap.Error(err))
			}
		}()
	}

	errChan := make(chan error, 3)

	if cfg.Producer.Enabled {
		go serveProducer(ctx, cfg, producerEndpoint, logger, errChan)
	}
	if cfg.Consumer.Enabled && cfg.Consumer.BindPort != 0 {
		go serveConsumer(ctx, cfg, consumerEndpoint, logger, errChan)
	}
	if cfg.Admin.Enabled {
		go serveAdmin(ctx, cfg, producerEndpoint, consumerEndpoint, pool, bus, logger, errChan)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		logger.ComponentError(logging.ComponentNode, "fatal server error", zap.Error(err))
		cancel()
		os.Exit(1)
	case <-sigCh:
		logger.ComponentInfo(logging.ComponentNode, "shutting down")
		cancel()
	}
}

func reconcilePeers(pool *dialer.Pool, peers []config.PeerAddress, logger *logging.Logger) {
	wanted := make(map[string]config.PeerAddress, len(peers))
	for _, p := range peers {
		wanted[p.String()] = p
	}

	have := make(map[string]config.PeerAddress)
	for _, p := range pool.Peers() {
		have[p.String()] = p
	}

	for key, p := range wanted {
		if _, exists := have[key]; !exists {
			logger.ComponentInfo(logging.ComponentDiscovery, "peer discovered", zap.String("peer", key))
			pool.Ensure(p)
		}
	}
	for key, p := range have {
		if _, exists := wanted[key]; !exists {
			logger.ComponentInfo(logging.ComponentDiscovery, "peer no longer advertised", zap.String("peer", key))
			pool.Remove(p)
		}
	}
}

func serveProducer(ctx context.Context, cfg *config.Config, endpoint *producer.Endpoint, logger *logging.Logger, errChan chan<- error) {
	addr := fmt.Sprintf("%s:%d", cfg.Producer.BindInterface, cfg.Producer.BindPort)
	srv := &http.Server{Addr: addr, Handler: http.HandlerFunc(endpoint.ServeHTTP)}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logger.ComponentInfo(logging.ComponentProducer, "producer endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("producer endpoint: %w", err)
	}
}

// serveConsumer accepts inbound connections from Producer peers that dial
// out themselves (§4.1 scenario S1), running each as a Consumer session.
// This is independent of the Consumer's own dialer.Pool, which reaches out
// to Producers configured the usual way around.
func serveConsumer(ctx context.Context, cfg *config.Config, endpoint *consumer.Endpoint, logger *logging.Logger, errChan chan<- error) {
	addr := fmt.Sprintf("%s:%d", cfg.Consumer.BindInterface, cfg.Consumer.BindPort)
	srv := &http.Server{Addr: addr, Handler: http.HandlerFunc(endpoint.ServeHTTP)}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logger.ComponentInfo(logging.ComponentConsumer, "consumer endpoint listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("consumer endpoint: %w", err)
	}
}

func serveAdmin(ctx context.Context, cfg *config.Config, prod admin.SessionCounter, cons admin.SessionCounter, pool admin.PeerLister, bus *eventbus.Bus, logger *logging.Logger, errChan chan<- error) {
	srv := &http.Server{Addr: cfg.Admin.Addr, Handler: admin.New(prod, cons, pool, bus, logger)}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	logger.ComponentInfo(logging.ComponentAdmin, "admin endpoint listening", zap.String("addr", cfg.Admin.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		errChan <- fmt.Errorf("admin endpoint: %w", err)
	}
}
