// Package engine is the central orchestrator of the trading event core.
//
// It wires together all subsystems:
//
//  1. Storage and the event log are selected by config (memory for
//     single-process runs, postgres/kafka for deployments).
//  2. Command services (rfq, order, gate, refdata) write aggregates and
//     stage events through the transactional outbox; the relay drains the
//     outbox to the log.
//  3. The execution consumer group runs the trade saga; the settlement
//     worker drives settlement records to a terminal status.
//  4. The market-data pipeline feeds connector ticks through the ingestor
//     onto the raw stream, and a fanout consumer keeps the tick cache and
//     coalescer current on every instance.
//  5. Control-stream events (kill switches, limits, reference data) are
//     applied to every instance's gate and registry.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"orion/internal/api"
	"orion/internal/bus"
	"orion/internal/config"
	"orion/internal/consumer"
	"orion/internal/event"
	"orion/internal/execution"
	"orion/internal/gate"
	"orion/internal/marketdata"
	"orion/internal/order"
	"orion/internal/outbox"
	"orion/internal/projection"
	"orion/internal/refdata"
	"orion/internal/rfq"
	"orion/internal/storage"
)

// Engine owns the lifecycle of every background component. Commands enter
// through the API layer, which holds the same service instances.
type Engine struct {
	cfg    config.Config
	logger *slog.Logger

	db     storage.DB
	pub    bus.Publisher
	sub    bus.Subscriber
	rdb    *redis.Client
	writer *outbox.Writer
	relay  *outbox.Relay

	gate     *gate.Gate
	registry *refdata.Registry

	rfqSvc     *rfq.Service
	orderSvc   *order.Service
	gateSvc    *gate.Service
	refdataSvc *refdata.Service

	expiry     *rfq.ExpiryScanner
	execRT     *consumer.Runtime
	settlement *execution.SettlementWorker

	cache     marketdata.TickCache
	connector marketdata.Connector
	ingestor  *marketdata.Ingestor
	coalescer *marketdata.Coalescer

	blotter *projection.Blotter
	rfqView *projection.RFQView

	handlers *api.Handlers
	hub      *api.Hub

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and wires all engine components. Nothing runs until Start.
func New(cfg config.Config, logger *slog.Logger) (*Engine, error) {
	ctx, cancel := context.WithCancel(context.Background())

	db, err := openStorage(ctx, cfg)
	if err != nil {
		cancel()
		return nil, err
	}

	var pub bus.Publisher
	var sub bus.Subscriber
	switch cfg.Bus.Driver {
	case "kafka":
		pub = bus.NewKafkaPublisher(cfg.Bus.Brokers, logger)
		sub = bus.NewKafkaSubscriber(cfg.Bus.Brokers, logger)
	default:
		mem := bus.NewMemoryBus()
		pub, sub = mem, mem
	}

	writer := outbox.NewWriter(cfg.Env)
	relay := outbox.NewRelay(outbox.RelayConfig{
		PollInterval: cfg.Relay.PollInterval,
		BatchSize:    cfg.Relay.BatchSize,
		BackoffBase:  cfg.Relay.BackoffBase,
		BackoffCap:   cfg.Relay.BackoffCap,
		MaxAttempts:  cfg.Relay.MaxAttempts,
		Env:          cfg.Env,
	}, db, pub, logger)

	g := gate.New(gate.Limits{
		RFQPerSec:    cfg.Gate.RFQPerSec,
		OrdersPerSec: cfg.Gate.OrdersPerSec,
		Burst:        cfg.Gate.Burst,
		MaxNotional:  decimal.NewFromFloat(cfg.Gate.MaxNotional),
	}, logger)

	registry := refdata.NewRegistry(logger)
	registry.Seed(cfg.SeedInstruments(), cfg.SeedVenues(), cfg.SeedLPs())

	var rdb *redis.Client
	var cache marketdata.TickCache
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		cache = marketdata.NewRedisCache(rdb, cfg.Redis.TickTTL, logger)
	} else {
		cache = marketdata.NewMemoryCache()
	}

	rfqSvc := rfq.NewService(rfq.Config{
		MaxExpiry:      cfg.RFQ.MaxExpiry,
		QuoteTolerance: decimal.NewFromFloat(cfg.RFQ.QuoteTolerance),
	}, db, writer, g, registry, cache, relay.Nudge, logger)
	orderSvc := order.NewService(db, writer, g, registry, cache, relay.Nudge, logger)
	gateSvc := gate.NewService(g, db, writer, relay.Nudge, logger)
	refdataSvc := refdata.NewService(registry, db, writer, relay.Nudge, logger)

	// Gate breach reports commit outside any command transaction; the
	// blocked command itself never reaches the outbox.
	g.SetEmitter(func(ctx context.Context, env event.Envelope) {
		err := db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			return writer.Append(ctx, tx, env)
		})
		if err != nil {
			logger.Error("stage breach event", "error", err)
			return
		}
		relay.Nudge()
	})

	execRT := consumer.NewRuntime("execution", db, sub, writer, logger)
	saga := execution.NewSaga(rfq.PriceDrift{
		Tolerance: decimal.NewFromFloat(cfg.RFQ.LastLookTolerance),
	}, cache, logger)
	saga.Register(execRT)

	settlement := execution.NewSettlementWorker(execution.SettlementConfig{
		PollInterval: cfg.Settlement.PollInterval,
		BackoffBase:  cfg.Settlement.BackoffBase,
		BackoffCap:   cfg.Settlement.BackoffCap,
		MaxAttempts:  cfg.Settlement.MaxAttempts,
		StuckAfter:   cfg.Settlement.StuckAfter,
	}, db, writer, newSettler(cfg.Settlement), registry, relay.Nudge, logger)

	connector, err := newConnector(cfg.MarketData, logger)
	if err != nil {
		cancel()
		db.Close()
		return nil, err
	}
	ingestor := marketdata.NewIngestor(marketdata.IngestConfig{
		Env:                cfg.Env,
		StalenessThreshold: cfg.MarketData.StalenessThreshold,
		LateThreshold:      cfg.MarketData.LateThreshold,
	}, pub, cache, logger)
	coalescer := marketdata.NewCoalescer(cfg.MarketData.CoalesceInterval, cache, logger)

	blotter := projection.NewBlotter(logger)
	rfqView := projection.NewRFQView(logger)

	handlers := api.NewHandlers(rfqSvc, orderSvc, gateSvc, refdataSvc, blotter, rfqView, logger)
	hub := api.NewHub(coalescer, logger)

	return &Engine{
		cfg:        cfg,
		logger:     logger.With("component", "engine"),
		db:         db,
		pub:        pub,
		sub:        sub,
		rdb:        rdb,
		writer:     writer,
		relay:      relay,
		gate:       g,
		registry:   registry,
		rfqSvc:     rfqSvc,
		orderSvc:   orderSvc,
		gateSvc:    gateSvc,
		refdataSvc: refdataSvc,
		expiry:     rfq.NewExpiryScanner(db, writer, relay.Nudge, logger),
		execRT:     execRT,
		settlement: settlement,
		cache:      cache,
		connector:  connector,
		ingestor:   ingestor,
		coalescer:  coalescer,
		blotter:    blotter,
		rfqView:    rfqView,
		handlers:   handlers,
		hub:        hub,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

func openStorage(ctx context.Context, cfg config.Config) (storage.DB, error) {
	if cfg.Storage.Driver == "postgres" {
		db, err := storage.NewPostgresDB(ctx, cfg.Storage.DSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return db, nil
	}
	return storage.NewMemoryDB(), nil
}

func newSettler(cfg config.SettlementConfig) execution.Settler {
	if cfg.Mode == "http" {
		return execution.NewHTTPSettler(cfg.RequestTimeout)
	}
	return execution.NewSimSettler(cfg.FailureProbability, cfg.SimSeed)
}

// newConnector builds the configured tick source. Mode "none" returns nil
// and the pipeline stays idle.
func newConnector(cfg config.MarketDataConfig, logger *slog.Logger) (marketdata.Connector, error) {
	switch cfg.Mode {
	case "sim":
		instruments := make([]marketdata.SimInstrument, 0, len(cfg.Instruments))
		for _, inst := range cfg.Instruments {
			instruments = append(instruments, marketdata.SimInstrument{
				InstrumentID: inst.InstrumentID,
				StartMid:     decimal.NewFromFloat(inst.StartMid),
				Spread:       decimal.NewFromFloat(inst.Spread),
				Volatility:   inst.Volatility,
			})
		}
		return marketdata.NewSimulator(cfg.TickInterval, instruments, cfg.SimSeed, logger), nil
	case "replay":
		ticks, err := marketdata.NewArchive(cfg.ArchivePath).Load()
		if err != nil {
			return nil, fmt.Errorf("load tick archive: %w", err)
		}
		return marketdata.NewReplayer(ticks, cfg.ReplaySpeed, logger)
	default:
		return nil, nil
	}
}

// Handlers returns the command/query handler set for the API server.
func (e *Engine) Handlers() *api.Handlers { return e.handlers }

// Hub returns the market-data stream hub for the API server.
func (e *Engine) Hub() *api.Hub { return e.hub }

// Start launches all background goroutines: the outbox relay, the expiry
// scanner, the execution consumers, the settlement worker, the market-data
// pipeline, projections, and the control-stream applier.
func (e *Engine) Start() error {
	e.spawn(func() { e.relay.Run(e.ctx) })
	e.spawn(func() { e.expiry.Run(e.ctx) })
	e.spawn(func() { e.settlement.Run(e.ctx) })
	e.spawn(func() { e.coalescer.Run(e.ctx) })

	for _, stream := range []string{event.StreamRFQLifecycle, event.StreamTrades, event.StreamSettlement} {
		topic := event.Topic(e.cfg.Env, stream, 1)
		e.spawn(func() {
			if err := e.execRT.Consume(e.ctx, topic); err != nil && e.ctx.Err() == nil {
				e.logger.Error("execution consumer stopped", "topic", topic, "error", err)
			}
		})
	}

	e.spawn(func() {
		topics := []string{
			event.Topic(e.cfg.Env, event.StreamTrades, 1),
			event.Topic(e.cfg.Env, event.StreamSettlement, 1),
		}
		if err := e.blotter.Run(e.ctx, e.sub, "blotter", topics...); err != nil && e.ctx.Err() == nil {
			e.logger.Error("blotter stopped", "error", err)
		}
	})
	e.spawn(func() {
		topics := []string{
			event.Topic(e.cfg.Env, event.StreamRFQLifecycle, 1),
			event.Topic(e.cfg.Env, event.StreamRFQQuotes, 1),
		}
		if err := e.rfqView.Run(e.ctx, e.sub, "rfq-view", topics...); err != nil && e.ctx.Err() == nil {
			e.logger.Error("rfq view stopped", "error", err)
		}
	})

	e.startControlApplier()
	e.startTickFanout()

	if e.connector != nil {
		if err := e.startMarketData(); err != nil {
			return err
		}
	}

	e.logger.Info("engine started",
		"env", e.cfg.Env,
		"storage", e.cfg.Storage.Driver,
		"bus", e.cfg.Bus.Driver,
		"marketdata", e.cfg.MarketData.Mode,
	)
	return nil
}

// startControlApplier folds kill switches, limit updates, and reference
// data onto this instance. The group name is unique per instance so every
// instance replays the full control history at startup and then tails it.
func (e *Engine) startControlApplier() {
	topic := event.Topic(e.cfg.Env, event.StreamControl, 1)
	group := "control-" + uuid.NewString()
	e.spawn(func() {
		err := e.sub.Subscribe(e.ctx, topic, group, func(_ context.Context, msg bus.Message) error {
			env, err := event.Unmarshal(msg.Value)
			if err != nil {
				e.logger.Warn("skipping malformed control event", "error", err)
				return nil
			}
			if err := e.gate.ApplyEvent(env); err != nil {
				e.logger.Warn("apply control event to gate", "event_type", env.EventType, "error", err)
			}
			if err := e.registry.ApplyEvent(env); err != nil {
				e.logger.Warn("apply control event to registry", "event_type", env.EventType, "error", err)
			}
			return nil
		})
		if err != nil && e.ctx.Err() == nil {
			e.logger.Error("control applier stopped", "error", err)
		}
	})
}

// startTickFanout tails the raw tick stream into this instance's cache and
// coalescer. Per-instance groups mean every API instance serves streams,
// not just the one running the ingestor.
func (e *Engine) startTickFanout() {
	topic := event.Topic(e.cfg.Env, event.StreamMarketTicks, 1)
	group := "md-fanout-" + uuid.NewString()
	e.spawn(func() {
		err := e.sub.Subscribe(e.ctx, topic, group, func(_ context.Context, msg bus.Message) error {
			env, err := event.Unmarshal(msg.Value)
			if err != nil {
				e.logger.Warn("skipping malformed tick event", "error", err)
				return nil
			}
			switch env.EventType {
			case event.TypeMarketTickReceived:
				var p event.TickPayload
				if err := json.Unmarshal(env.Payload, &p); err != nil {
					e.logger.Warn("bad tick payload", "event_id", env.EventID, "error", err)
					return nil
				}
				e.cache.Put(p.Tick)
				e.coalescer.Offer(p.Tick)
			case event.TypeMarketDataStaleDetected:
				var p event.MarketDataStalePayload
				if err := json.Unmarshal(env.Payload, &p); err != nil {
					return nil
				}
				e.cache.MarkStale(p.InstrumentID)
			}
			return nil
		})
		if err != nil && e.ctx.Err() == nil {
			e.logger.Error("tick fanout stopped", "error", err)
		}
	})
}

func (e *Engine) startMarketData() error {
	if err := e.connector.Connect(e.ctx); err != nil {
		return fmt.Errorf("connect market data: %w", err)
	}
	instruments := make([]string, 0, len(e.registry.Instruments()))
	for _, inst := range e.registry.Instruments() {
		if inst.Active {
			instruments = append(instruments, inst.InstrumentID)
		}
	}
	if err := e.connector.Subscribe(instruments); err != nil {
		return fmt.Errorf("subscribe market data: %w", err)
	}
	e.spawn(func() { e.ingestor.Run(e.ctx, e.connector.Ticks()) })
	return nil
}

func (e *Engine) spawn(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// Stop cancels all goroutines, waits for them to drain, and closes
// resources in dependency order.
func (e *Engine) Stop() {
	e.logger.Info("shutting down...")
	e.cancel()

	if e.connector != nil {
		if err := e.connector.Disconnect(); err != nil {
			e.logger.Error("disconnect market data", "error", err)
		}
	}

	e.wg.Wait()

	if err := e.pub.Close(); err != nil {
		e.logger.Error("close publisher", "error", err)
	}
	if err := e.sub.Close(); err != nil {
		e.logger.Error("close subscriber", "error", err)
	}
	if e.rdb != nil {
		if err := e.rdb.Close(); err != nil {
			e.logger.Error("close redis", "error", err)
		}
	}
	e.db.Close()
	e.logger.Info("shutdown complete")
}
