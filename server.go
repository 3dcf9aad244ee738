package checkoutd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/checkout"
	"pkt.systems/checkoutd/internal/clock"
	"pkt.systems/checkoutd/internal/cryptoutil"
	"pkt.systems/checkoutd/internal/fulfillment"
	"pkt.systems/checkoutd/internal/httpapi"
	"pkt.systems/checkoutd/internal/ids"
	"pkt.systems/checkoutd/internal/kafka"
	"pkt.systems/checkoutd/internal/lock"
	"pkt.systems/checkoutd/internal/loggingutil"
	"pkt.systems/checkoutd/internal/orders"
	"pkt.systems/checkoutd/internal/orders/pgorders"
	"pkt.systems/checkoutd/internal/payment"
	"pkt.systems/checkoutd/internal/pricing"
	"pkt.systems/checkoutd/internal/pubsub"
	"pkt.systems/checkoutd/internal/sessionstore"
	"pkt.systems/checkoutd/internal/storage"
	loggingbackend "pkt.systems/checkoutd/internal/storage/logging"
	"pkt.systems/checkoutd/internal/storage/retry"
	"pkt.systems/checkoutd/internal/token"
)

// Server wraps the HTTP server, the orchestrator and its collaborators.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	orch         *checkout.Orchestrator
	broker       *pubsub.Broker
	handler      *httpapi.Handler
	httpSrv      *http.Server
	listener     net.Listener
	socketPath   string
	clock        clock.Clock
	telemetry    *telemetryBundle
	closers      []io.Closer
	lastServeErr error

	mu          sync.Mutex
	shutdown    bool
	sweeperStop chan struct{}
	sweeperDone sync.WaitGroup
	readyOnce   sync.Once
	readyCh     chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger    pslog.Logger
	Backend   storage.Backend
	Clock     clock.Clock
	Payments  checkout.PaymentGateway
	Pricing   checkout.PricingProvider
	Fulfiller checkout.Fulfiller
	Users     checkout.UserDirectory
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built record store (useful for tests). The
// server does not close an injected backend.
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// WithClock injects a custom clock implementation.
func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.Clock = c
	}
}

// WithPaymentGateway overrides the gateway selected by Config.PaymentURL.
func WithPaymentGateway(g checkout.PaymentGateway) Option {
	return func(o *options) {
		o.Payments = g
	}
}

// WithPricingProvider overrides the provider selected by the catalog or
// pricing URL settings.
func WithPricingProvider(p checkout.PricingProvider) Option {
	return func(o *options) {
		o.Pricing = p
	}
}

// WithFulfiller overrides the fulfillment dispatcher.
func WithFulfiller(f checkout.Fulfiller) Option {
	return func(o *options) {
		o.Fulfiller = f
	}
}

// WithUserDirectory enables profile lookups during authentication.
func WithUserDirectory(u checkout.UserDirectory) Option {
	return func(o *options) {
		o.Users = u
	}
}

// NewServer constructs a checkoutd server according to cfg.
// Example:
//
//	cfg := checkoutd.Config{Store: "mem://", TokenKey: key, CatalogPath: "catalog.yaml"}
//	srv, err := checkoutd.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (srv *Server, err error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.validate(o.Pricing == nil); err != nil {
		return nil, err
	}
	logger := loggingutil.Ensure(o.Logger)
	serverClock := clock.Or(o.Clock)
	ctx := context.Background()

	var closers []io.Closer
	defer func() {
		if err != nil {
			for i := len(closers) - 1; i >= 0; i-- {
				_ = closers[i].Close()
			}
		}
	}()

	telemetry, err := setupTelemetry(ctx, telemetryConfig{
		OTLPEndpoint:           cfg.OTLPEndpoint,
		MetricsListen:          cfg.MetricsListen,
		PprofListen:            cfg.PprofListen,
		EnableProfilingMetrics: cfg.EnableProfilingMetrics,
	}, loggingutil.WithSubsystem(logger, "telemetry"))
	if err != nil {
		return nil, err
	}
	if telemetry != nil {
		closers = append(closers, closerFunc(func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return telemetry.Shutdown(shutdownCtx)
		}))
	}

	var crypto *storage.Crypto
	if cfg.StorageEncryptionEnabled() {
		material, err := cryptoutil.LoadFile(cfg.StorageKeyFile)
		if err != nil {
			return nil, fmt.Errorf("config: storage key file: %w", err)
		}
		crypto, err = storage.NewCrypto(material.CryptoConfig())
		if err != nil {
			return nil, err
		}
		logger.Info("storage.encryption.enabled", "key_file", cfg.StorageKeyFile)
	} else {
		logger.Warn("storage.encryption.disabled", "impact", "records will be stored in plaintext")
	}

	backend := o.Backend
	sys := "injected"
	if backend == nil {
		backend, sys, err = openBackend(ctx, cfg)
		if err != nil {
			return nil, err
		}
		closers = append(closers, backend)
	}
	storageLogger := loggingutil.WithSubsystem(logger, "storage")
	backend = loggingbackend.Wrap(backend, storageLogger.With("layer", "backend"), sys)
	backend = retry.Wrap(backend, storageLogger.With("layer", "retry"), serverClock, retry.Config{
		MaxAttempts: cfg.StorageRetryMaxAttempts,
		BaseDelay:   cfg.StorageRetryBaseDelay,
		MaxDelay:    cfg.StorageRetryMaxDelay,
		Multiplier:  cfg.StorageRetryMultiplier,
	})
	logger.Info("storage.backend.ready", "sys", sys)

	signingKey, err := cfg.TokenSigningKey()
	if err != nil {
		return nil, err
	}
	tokens, err := token.New(token.Config{Key: signingKey, Issuer: cfg.TokenIssuer, Clock: serverClock})
	if err != nil {
		return nil, err
	}

	instanceID := lockOwner()
	locks, err := lock.New(lock.Config{
		Store:  backend,
		TTL:    cfg.LockTTL,
		Owner:  instanceID,
		Clock:  serverClock,
		Logger: logger,
	})
	if err != nil {
		return nil, err
	}

	var orderRepo checkout.OrderRepository
	if dsn := strings.TrimSpace(cfg.OrdersDSN); dsn != "" {
		pg, err := pgorders.Open(ctx, dsn, serverClock, logger)
		if err != nil {
			return nil, err
		}
		closers = append(closers, pg)
		orderRepo = pg
		logger.Info("orders.repository.postgres")
	} else {
		orderRepo = orders.New(backend, crypto, serverClock, logger)
	}

	priceProvider := o.Pricing
	switch {
	case priceProvider != nil:
	case strings.TrimSpace(cfg.CatalogPath) != "":
		catalog, watcher, err := pricing.WatchCatalog(cfg.CatalogPath, logger)
		if err != nil {
			return nil, err
		}
		closers = append(closers, watcher)
		priceProvider = catalog
		logger.Info("pricing.catalog.loaded", "path", cfg.CatalogPath, "bundles", len(catalog.Bundles()))
	default:
		remote, err := pricing.NewHTTPProvider(pricing.HTTPConfig{BaseURL: cfg.PricingURL})
		if err != nil {
			return nil, err
		}
		priceProvider = remote
	}

	gateway := o.Payments
	if gateway == nil {
		if strings.TrimSpace(cfg.PaymentURL) == "" {
			logger.Warn("payment.gateway.fake", "impact", "payment intents are simulated in-process")
			gateway = payment.NewFakeGateway("")
		} else {
			gateway, err = payment.NewHTTPGateway(payment.HTTPConfig{BaseURL: cfg.PaymentURL, APIKey: cfg.PaymentAPIKey})
			if err != nil {
				return nil, err
			}
		}
	}

	broker := pubsub.NewBroker(logger)
	publishers := pubsub.Fanout{broker}
	fulfiller := o.Fulfiller
	if kc := kafka.NewClient(cfg.KafkaBrokers); kc.Enabled() {
		updates := pubsub.NewKafkaPublisher(kc.NewWriter(cfg.KafkaUpdatesTopic), instanceID)
		closers = append(closers, updates)
		publishers = append(publishers, updates)
		relay := pubsub.NewRelay(kc.NewReader(cfg.KafkaUpdatesTopic, relayGroupID(instanceID)), broker, instanceID, logger)
		relay.Start()
		closers = append(closers, relay)
		if fulfiller == nil {
			dispatcher := fulfillment.NewKafkaDispatcher(kc.NewWriter(cfg.KafkaFulfillmentTopic))
			closers = append(closers, dispatcher)
			fulfiller = dispatcher
		}
		logger.Info("kafka.enabled", "brokers", len(kc.Brokers), "updates_topic", cfg.KafkaUpdatesTopic, "fulfillment_topic", cfg.KafkaFulfillmentTopic)
	}
	if fulfiller == nil {
		fulfiller = fulfillment.NewLogDispatcher(logger)
	}

	orch, err := checkout.New(checkout.Dependencies{
		Store:     sessionstore.New(backend, crypto, logger),
		Locker:    locks,
		Tokens:    tokens,
		Pricing:   priceProvider,
		Payments:  gateway,
		Orders:    orderRepo,
		Publisher: publishers,
		Fulfiller: fulfiller,
		Users:     o.Users,
		Receipts:  sessionstore.NewReceipts(backend, crypto, cfg.WebhookMaxBytes, logger),
		Clock:     serverClock,
		Logger:    logger,
	})
	if err != nil {
		return nil, err
	}

	handler, err := httpapi.New(httpapi.Config{
		Orchestrator:      orch,
		Tokens:            tokens,
		Updates:           broker,
		WebhookSecret:     []byte(cfg.WebhookSecret),
		AdminKey:          cfg.AdminKey,
		JSONMaxBytes:      cfg.JSONMaxBytes,
		WebhookMaxBytes:   cfg.WebhookMaxBytes,
		Ready:             readiness(backend),
		Clock:             serverClock,
		Logger:            logger,
		EnableHTTPTracing: strings.TrimSpace(cfg.OTLPEndpoint) != "",
	})
	if err != nil {
		return nil, err
	}
	if cfg.WebhookSecret == "" {
		logger.Warn("webhook.signature.disabled", "impact", "payment webhooks are accepted unsigned")
	}
	logger.Info("http.limits", "json_max", humanize.IBytes(uint64(cfg.JSONMaxBytes)), "webhook_max", humanize.IBytes(uint64(cfg.WebhookMaxBytes)))

	mux := http.NewServeMux()
	handler.Register(mux)
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return context.Background()
		},
		ErrorLog: log.New(errorLogWriter{logger: loggingutil.WithSubsystem(logger, "http.server")}, "", 0),
	}

	return &Server{
		cfg:       cfg,
		logger:    loggingutil.WithSubsystem(logger, "server"),
		backend:   backend,
		orch:      orch,
		broker:    broker,
		handler:   handler,
		httpSrv:   httpSrv,
		clock:     serverClock,
		telemetry: telemetry,
		closers:   closers,
		readyCh:   make(chan struct{}),
	}, nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// errorLogWriter forwards net/http's internal error log to pslog.
type errorLogWriter struct {
	logger pslog.Logger
}

func (w errorLogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("http.server.error", "message", string(bytes.TrimSpace(p)))
	return len(p), nil
}

func readiness(backend storage.Backend) func(context.Context) error {
	pinger, ok := backend.(storage.Pinger)
	if !ok {
		return nil
	}
	return func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return pinger.Ping(pingCtx)
	}
}

func lockOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "checkoutd"
	}
	return host + "/" + ids.Token()
}

// relayGroupID gives each instance its own consumer group so every instance
// reads every update.
func relayGroupID(instanceID string) string {
	return "checkoutd-updates-" + strings.NewReplacer("/", "-", ":", "-").Replace(instanceID)
}

// Handler returns the underlying HTTP handler so checkoutd can be mounted
// inside an existing mux.
func (s *Server) Handler() http.Handler {
	return s.httpSrv.Handler
}

// Orchestrator exposes the checkout orchestrator for in-process callers.
func (s *Server) Orchestrator() *checkout.Orchestrator {
	return s.orch
}

// Start begins serving requests and blocks until the server stops.
func (s *Server) Start() error {
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	s.signalReady()
	s.logger.Info("server.listening", "network", s.cfg.ListenProto, "address", ln.Addr().String())
	s.startSweeper()
	defer s.stopSweeper()
	serveErr := s.httpSrv.Serve(ln)
	s.recordServeErr(serveErr)
	if errors.Is(serveErr, http.ErrServerClosed) {
		return nil
	}
	if serveErr != nil {
		return fmt.Errorf("http serve: %w", serveErr)
	}
	return nil
}

// Shutdown gracefully stops the server and returns any fatal serve/shutdown
// error. The returned error will be nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	var errs []error
	if err := s.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	s.mu.Lock()
	if l := s.listener; l != nil {
		_ = l.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	s.stopSweeper()
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := s.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	s.logger.Info("server.shutdown.complete")
	return nil
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) startSweeper() {
	if s.cfg.SweeperInterval <= 0 {
		return
	}
	s.mu.Lock()
	if s.sweeperStop != nil {
		s.mu.Unlock()
		return
	}
	s.sweeperStop = make(chan struct{})
	s.sweeperDone.Add(1)
	stopCh := s.sweeperStop
	interval := s.cfg.SweeperInterval
	s.mu.Unlock()
	go func() {
		defer s.sweeperDone.Done()
		for {
			select {
			case <-stopCh:
				return
			case <-s.clock.After(interval):
				s.sweepOnce()
			}
		}
	}()
}

func (s *Server) sweepOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SweeperInterval)
	defer cancel()
	n, err := s.orch.CleanupExpiredSessions(ctx)
	switch {
	case err != nil:
		s.logger.Warn("sweeper.iteration.failed", "expired", n, "error", err)
	case n > 0:
		s.logger.Info("sweeper.iteration.expired", "expired", n)
	default:
		s.logger.Trace("sweeper.iteration.idle")
	}
}

func (s *Server) stopSweeper() {
	s.mu.Lock()
	stopCh := s.sweeperStop
	if stopCh != nil {
		close(stopCh)
		s.sweeperStop = nil
	}
	s.mu.Unlock()
	if stopCh != nil {
		s.sweeperDone.Wait()
	}
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	s.lastServeErr = err
	s.mu.Unlock()
}

// LastServeError returns the most recent error reported by the underlying
// HTTP server.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}

// StartServer starts a checkoutd server in a background goroutine and waits
// until it is ready to accept connections. It returns the running server
// alongside a stop function that gracefully shuts it down.
// Example:
//
//	cfg := checkoutd.Config{Store: "mem://", ListenProto: "unix", Listen: "/tmp/checkoutd.sock", TokenKey: key, CatalogPath: path}
//	srv, stop, err := checkoutd.StartServer(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stop(context.Background())
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()
	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	readyCtx, cancelReady := context.WithCancel(waitCtx)
	defer cancelReady()
	go func() {
		select {
		case err := <-errCh:
			errCh <- err
			cancelReady()
		case <-readyCtx.Done():
		}
	}()
	if err := srv.WaitUntilReady(readyCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		if startErr := <-errCh; startErr != nil {
			return nil, nil, startErr
		}
		return nil, nil, err
	}
	var (
		stopOnce sync.Once
		stopErr  error
	)
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
