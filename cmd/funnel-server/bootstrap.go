package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BearBump/TrackFunnel/config"
	"github.com/BearBump/TrackFunnel/internal/broker/messages"
	"github.com/BearBump/TrackFunnel/internal/services/scheduler"
	"github.com/BearBump/TrackFunnel/internal/stages"
	"github.com/BearBump/TrackFunnel/internal/storage/pgleads"
	"github.com/shopspring/decimal"
)

const defaultCustomsFee = "49.90"

type funnelApp struct {
	ctx    context.Context
	cancel context.CancelFunc
	cfg    *config.Config
	opts   funnelOpts
	f      funnelFactories
}

func mustBootstrapFunnel() *funnelApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("config parse failed: %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	return &funnelApp{
		ctx:    ctx,
		cancel: cancel,
		cfg:    cfg,
		opts:   optsFromConfig(cfg, swaggerPath),
		f:      defaultFunnelFactories(),
	}
}

func optsFromConfig(cfg *config.Config, swaggerPath string) funnelOpts {
	grpcAddr := cfg.Funnel.GRPCAddr
	if grpcAddr == "" {
		grpcAddr = ":50051"
	}
	httpAddr := cfg.Funnel.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	consumerGroup := cfg.Funnel.KafkaConsumerGroup
	if consumerGroup == "" {
		consumerGroup = "funnel-server"
	}
	stageTopic := cfg.Kafka.StageChangedTopicName
	if stageTopic == "" {
		stageTopic = messages.TopicStageChanged
	}
	paymentTopic := cfg.Kafka.PaymentConfirmedTopicName
	if paymentTopic == "" {
		paymentTopic = messages.TopicPaymentConfirmed
	}
	return funnelOpts{
		grpcAddr:          grpcAddr,
		httpAddr:          httpAddr,
		swaggerPath:       swaggerPath,
		stageChangedTopic: stageTopic,
		paymentTopic:      paymentTopic,
		consumerGroup:     consumerGroup,
	}
}

// catalogFromConfig builds the default catalog with the configured delivery
// fee table and parses the customs fee.
func catalogFromConfig(fc config.FunnelConfig) (*stages.Catalog, decimal.Decimal, error) {
	fees := make([]decimal.Decimal, 0, len(fc.DeliveryFees))
	for i, raw := range fc.DeliveryFees {
		fee, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, decimal.Zero, fmt.Errorf("delivery_fees[%d]: %w", i, err)
		}
		fees = append(fees, fee)
	}
	catalog, err := stages.Default(fees, fc.MaxDeliveryAttempts)
	if err != nil {
		return nil, decimal.Zero, err
	}

	rawCustoms := fc.CustomsFee
	if rawCustoms == "" {
		rawCustoms = defaultCustomsFee
	}
	customs, err := decimal.NewFromString(rawCustoms)
	if err != nil {
		return nil, decimal.Zero, fmt.Errorf("customs_fee: %w", err)
	}
	if !customs.IsPositive() {
		return nil, decimal.Zero, fmt.Errorf("customs_fee must be positive, got %s", rawCustoms)
	}
	return catalog, customs, nil
}

func plannerConfigFrom(fc config.FunnelConfig) scheduler.PlannerConfig {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	// NewPlanner fills zero values with defaults.
	return scheduler.PlannerConfig{
		OriginDelay:     sec(fc.OriginDelaySeconds),
		CustomsDelay:    sec(fc.CustomsDelaySeconds),
		TransitMinDelay: sec(fc.TransitMinDelaySeconds),
		TransitMaxDelay: sec(fc.TransitMaxDelaySeconds),
		RedeliveryDelay: sec(fc.RedeliveryDelaySeconds),
	}
}

func openPostgresWithRetry(connString string, wait time.Duration) (*pgleads.Storage, error) {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pgleads.New(connString)
		if err == nil {
			return st, nil
		}
		lastErr = err
		time.Sleep(1 * time.Second)
	}
	return nil, fmt.Errorf("postgres is not ready after %s: %w", wait, lastErr)
}

func (a *funnelApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
}

func (a *funnelApp) Run() error {
	return runFunnelServer(a.ctx, a.cfg, a.opts, a.f)
}
