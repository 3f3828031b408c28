package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/BearBump/TrackFunnel/config"
	"github.com/BearBump/TrackFunnel/internal/api/leadsapi"
	"github.com/BearBump/TrackFunnel/internal/broker/kafka"
	"github.com/BearBump/TrackFunnel/internal/cache"
	"github.com/BearBump/TrackFunnel/internal/cache/rediscache"
	"github.com/BearBump/TrackFunnel/internal/integrations/pix"
	"github.com/BearBump/TrackFunnel/internal/integrations/pix/fake"
	"github.com/BearBump/TrackFunnel/internal/integrations/pix/pixhttp"
	"github.com/BearBump/TrackFunnel/internal/payment"
	"github.com/BearBump/TrackFunnel/internal/progression"
	"github.com/BearBump/TrackFunnel/internal/services/batch"
	"github.com/BearBump/TrackFunnel/internal/services/leads"
	"github.com/BearBump/TrackFunnel/internal/services/scheduler"
	"github.com/BearBump/TrackFunnel/internal/storage/memleads"
	"github.com/BearBump/TrackFunnel/internal/storage/redisleads"
	"github.com/redis/go-redis/v9"
	"github.com/zoobzio/clockz"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

var consumerRestartDelay = 2 * time.Second

type funnelOpts struct {
	grpcAddr    string
	httpAddr    string
	swaggerPath string

	stageChangedTopic string
	paymentTopic      string
	consumerGroup     string

	onListen func(grpcAddr, httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(ctx context.Context, key, value []byte) error) error
	Close() error
}

// Constructors for every external dependency. A nil result means the
// feature is disabled by config.
type funnelFactories struct {
	newStore     func(cfg *config.Config) (store leads.Store, closeFn func(), err error)
	newCache     func(cfg *config.Config) (c cache.BytesCache, rl cache.RateLimiter, closeFn func())
	newPublisher func(cfg *config.Config) (p leads.Publisher, closeFn func())
	newConsumer  func(cfg *config.Config, topic, group string) kafkaConsumer
	newGateway   func(cfg *config.Config) pix.Gateway
}

func defaultFunnelFactories() funnelFactories {
	rc := &sharedRedis{}
	return funnelFactories{
		newStore: func(cfg *config.Config) (leads.Store, func(), error) {
			switch cfg.Funnel.Store {
			case "", "memory":
				return memleads.New(), nil, nil
			case "postgres":
				st, err := openPostgresWithRetry(cfg.Database.DSN(), 60*time.Second)
				if err != nil {
					return nil, nil, err
				}
				return st, st.Close, nil
			case "redis":
				if cfg.Redis.Host == "" {
					return nil, nil, fmt.Errorf("redis store requires redis.host")
				}
				return redisleads.NewWithClient(rc.acquire(cfg), ""), rc.release, nil
			default:
				return nil, nil, fmt.Errorf("unknown store %q", cfg.Funnel.Store)
			}
		},
		newCache: func(cfg *config.Config) (cache.BytesCache, cache.RateLimiter, func()) {
			if cfg.Redis.Host == "" {
				return nil, nil, nil
			}
			c := rc.acquire(cfg)
			return rediscache.NewWithClient(c), rediscache.NewRateLimiterWithClient(c), rc.release
		},
		newPublisher: func(cfg *config.Config) (leads.Publisher, func()) {
			if cfg.Kafka.Host == "" {
				return nil, nil
			}
			p := kafka.NewProducer(kafkaBrokers(cfg))
			return p, func() { _ = p.Close() }
		},
		newConsumer: func(cfg *config.Config, topic, group string) kafkaConsumer {
			if cfg.Kafka.Host == "" {
				return nil
			}
			return kafka.NewConsumer(kafkaBrokers(cfg), topic, group)
		},
		newGateway: func(cfg *config.Config) pix.Gateway {
			// Fall back to the local fake when no gateway URL is configured.
			if cfg.Funnel.PixMode == "http" && cfg.Funnel.PixBaseURL != "" {
				return pixhttp.New(cfg.Funnel.PixBaseURL, cfg.Funnel.PixAPIKey)
			}
			return fake.New()
		},
	}
}

// sharedRedis hands one client to the lead store, the cache and the rate
// limiter, and closes it when the last of them is released.
type sharedRedis struct {
	mu   sync.Mutex
	c    *redis.Client
	refs int
}

func (s *sharedRedis) acquire(cfg *config.Config) *redis.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c == nil {
		s.c = redis.NewClient(&redis.Options{Addr: redisAddr(cfg)})
	}
	s.refs++
	return s.c
}

func (s *sharedRedis) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.refs == 0 {
		return
	}
	s.refs--
	if s.refs == 0 {
		_ = s.c.Close()
		s.c = nil
	}
}

func redisAddr(cfg *config.Config) string {
	return fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
}

func kafkaBrokers(cfg *config.Config) []string {
	return []string{fmt.Sprintf("%s:%d", cfg.Kafka.Host, cfg.Kafka.Port)}
}

// funnel is everything runFunnelServer wires together.
type funnel struct {
	store    leads.Store
	svc      *leads.Service
	runner   *scheduler.Runner
	batches  *batch.Executor
	consumer kafkaConsumer
	closers  []func()
}

func (fn *funnel) close() {
	for i := len(fn.closers) - 1; i >= 0; i-- {
		fn.closers[i]()
	}
}

func buildFunnel(cfg *config.Config, opts funnelOpts, f funnelFactories) (*funnel, error) {
	fc := cfg.Funnel
	catalog, customsFee, err := catalogFromConfig(fc)
	if err != nil {
		return nil, err
	}

	store, closeStore, err := f.newStore(cfg)
	if err != nil {
		return nil, err
	}
	fn := &funnel{store: store}
	if closeStore != nil {
		fn.closers = append(fn.closers, closeStore)
	}

	engine := progression.New(catalog, payment.NewGate(catalog))

	ttl := time.Duration(fc.TrackingTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	chargeLimit := int64(fc.ChargeLimitPerHour)
	if chargeLimit <= 0 {
		chargeLimit = 5
	}
	svc := leads.New(store, engine, leads.Config{
		TrackingTTL:       ttl,
		CustomsFee:        customsFee,
		ChargeLimit:       chargeLimit,
		ChargeWindow:      time.Hour,
		StageChangedTopic: opts.stageChangedTopic,
	}).WithGateway(f.newGateway(cfg))

	if c, rl, closeCache := f.newCache(cfg); c != nil {
		svc.WithCache(c)
		if rl != nil {
			svc.WithRateLimiter(rl)
		}
		if closeCache != nil {
			fn.closers = append(fn.closers, closeCache)
		}
	}
	if p, closePub := f.newPublisher(cfg); p != nil {
		svc.WithPublisher(p)
		if closePub != nil {
			fn.closers = append(fn.closers, closePub)
		}
	}

	poll := time.Duration(fc.SchedulerPollIntervalMillis) * time.Millisecond
	runner := scheduler.New(store, clockz.RealClock).WithPollInterval(poll).WithAdvancer(svc)
	planner := scheduler.NewPlanner(catalog, plannerConfigFrom(fc), nil)
	svc.WithScheduler(runner, planner)

	yieldEvery := fc.BatchYieldEvery
	if yieldEvery <= 0 {
		yieldEvery = 25
	}

	fn.svc = svc
	fn.runner = runner
	fn.batches = batch.New(svc).WithYieldEvery(yieldEvery)
	if c := f.newConsumer(cfg, opts.paymentTopic, opts.consumerGroup); c != nil {
		fn.consumer = c
		fn.closers = append(fn.closers, func() { _ = c.Close() })
	}
	return fn, nil
}

func runFunnelServer(ctx context.Context, cfg *config.Config, opts funnelOpts, f funnelFactories) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	fn, err := buildFunnel(cfg, opts, f)
	if err != nil {
		return err
	}
	defer fn.close()

	grpcLis, err := net.Listen("tcp", opts.grpcAddr)
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		_ = grpcLis.Close()
		return err
	}

	if opts.onListen != nil {
		opts.onListen(grpcLis.Addr().String(), httpLis.Addr().String())
	}

	// The first component to fail stops the others through gctx.
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runGRPCServer(gctx, grpcLis)
	})

	api := leadsapi.New(fn.svc, fn.batches).WithBaseContext(gctx)
	g.Go(func() error {
		err := runHTTPServer(gctx, httpLis, httpOpts{
			swaggerPath: opts.swaggerPath,
			api:         api,
			runner:      fn.runner,
			store:       fn.store,
			cfg:         cfg,
		})
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	g.Go(func() error {
		return fn.runner.Run(gctx)
	})

	if fn.consumer != nil {
		g.Go(func() error {
			consumePayments(gctx, fn.consumer, fn.svc, opts)
			return nil
		})
	} else {
		slog.Info("kafka disabled, payment consumer not started")
	}

	err = g.Wait()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// consumePayments keeps the payment consumer alive until ctx is done.
// A transient handler error retries the same message after a delay, so it
// is committed only once applied.
func consumePayments(ctx context.Context, c kafkaConsumer, svc *leads.Service, opts funnelOpts) {
	slog.Info("kafka consumer started", "topic", opts.paymentTopic, "group", opts.consumerGroup)
	handler := func(ctx context.Context, _key, value []byte) error {
		for {
			err := svc.HandlePaymentConfirmed(ctx, value)
			if err == nil {
				return nil
			}
			slog.Warn("payment message retry", "topic", opts.paymentTopic, "error", err.Error())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(consumerRestartDelay):
			}
		}
	}
	for {
		err := c.Consume(ctx, handler)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			slog.Error("kafka consumer stopped", "topic", opts.paymentTopic, "error", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(consumerRestartDelay):
		}
	}
}

func runGRPCServer(ctx context.Context, lis net.Listener) error {
	s := grpc.NewServer()
	hs := health.NewServer()
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(s, hs)

	go func() {
		<-ctx.Done()
		hs.Shutdown()
		stopped := make(chan struct{})
		go func() {
			s.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(2 * time.Second):
			s.Stop()
		}
		_ = lis.Close()
	}()

	slog.Info("gRPC server listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}
