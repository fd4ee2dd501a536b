package execution

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/go-resty/resty/v2"

	"orion/internal/event"
	"orion/internal/outbox"
	"orion/internal/refdata"
	"orion/internal/storage"
	"orion/pkg/types"
)

// Settler performs one settlement attempt against a venue.
type Settler interface {
	Settle(ctx context.Context, trade types.Trade, venue types.Venue) error
}

// HTTPSettler posts the trade to the venue's settlement endpoint.
type HTTPSettler struct {
	client *resty.Client
}

func NewHTTPSettler(timeout time.Duration) *HTTPSettler {
	return &HTTPSettler{
		client: resty.New().SetTimeout(timeout),
	}
}

func (h *HTTPSettler) Settle(ctx context.Context, trade types.Trade, venue types.Venue) error {
	if venue.SettlementEndpoint == "" {
		return fmt.Errorf("venue %s has no settlement endpoint", venue.VenueID)
	}
	resp, err := h.client.R().
		SetContext(ctx).
		SetBody(trade).
		Post(venue.SettlementEndpoint)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("venue %s returned %s", venue.VenueID, resp.Status())
	}
	return nil
}

// SimSettler fails a configurable fraction of attempts. Used in dev and in
// resilience tests.
type SimSettler struct {
	FailureProbability float64
	rng                *rand.Rand
}

func NewSimSettler(failureProbability float64, seed int64) *SimSettler {
	return &SimSettler{
		FailureProbability: failureProbability,
		rng:                rand.New(rand.NewSource(seed)),
	}
}

func (s *SimSettler) Settle(_ context.Context, trade types.Trade, venue types.Venue) error {
	if s.rng.Float64() < s.FailureProbability {
		return fmt.Errorf("simulated settlement failure for trade %s at %s", trade.TradeID, venue.VenueID)
	}
	return nil
}

// SettlementConfig tunes the retry loop.
type SettlementConfig struct {
	PollInterval time.Duration // default 1s
	BatchSize    int           // default 50
	BackoffBase  time.Duration // default 5s
	BackoffCap   time.Duration // default 300s
	MaxAttempts  int           // default 3, overridable per venue
	StuckAfter   time.Duration // default 2m; reclaim SETTLING records untouched this long
}

func (c *SettlementConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 5 * time.Second
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 300 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.StuckAfter <= 0 {
		c.StuckAfter = 2 * time.Minute
	}
}

// SettlementWorker drives PENDING and RETRYING records to a terminal
// status with bounded, jittered exponential backoff.
type SettlementWorker struct {
	cfg     SettlementConfig
	db      storage.DB
	writer  *outbox.Writer
	settler Settler
	reg     *refdata.Registry
	logger  *slog.Logger
	nudge   func()
	now     func() time.Time
	jitter  func(time.Duration) time.Duration
}

func NewSettlementWorker(cfg SettlementConfig, db storage.DB, writer *outbox.Writer, settler Settler, reg *refdata.Registry, nudge func(), logger *slog.Logger) *SettlementWorker {
	cfg.defaults()
	if nudge == nil {
		nudge = func() {}
	}
	return &SettlementWorker{
		cfg:     cfg,
		db:      db,
		writer:  writer,
		settler: settler,
		reg:     reg,
		logger:  logger.With("component", "settlement"),
		nudge:   nudge,
		now:     time.Now,
		jitter: func(d time.Duration) time.Duration {
			return d + time.Duration(rand.Int63n(int64(d)/4+1))
		},
	}
}

// WithClock overrides the worker clock and disables jitter for
// deterministic scheduling.
func (w *SettlementWorker) WithClock(now func() time.Time) *SettlementWorker {
	w.now = now
	w.jitter = func(d time.Duration) time.Duration { return d }
	return w
}

// Run polls for due settlements until ctx is cancelled.
func (w *SettlementWorker) Run(ctx context.Context) {
	w.logger.Info("settlement worker started", "interval", w.cfg.PollInterval)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("settlement worker stopped")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce attempts one batch of due settlements and returns how many
// reached SETTLED.
func (w *SettlementWorker) RunOnce(ctx context.Context) int {
	now := w.now().UTC()
	due, err := w.db.Settlements().ListDue(ctx, now, now.Add(-w.cfg.StuckAfter), w.cfg.BatchSize)
	if err != nil {
		w.logger.Error("list due settlements", "error", err)
		return 0
	}
	settled := 0
	for _, rec := range due {
		if err := w.settleOne(ctx, rec); err != nil {
			w.logger.Error("settlement attempt", "trade_id", rec.TradeID, "error", err)
			continue
		}
		current, err := w.db.Settlements().Get(ctx, rec.TradeID)
		if err == nil && current.Status == types.SettlementSettled {
			settled++
		}
	}
	if settled > 0 {
		w.nudge()
	}
	return settled
}

// settleOne runs a single attempt in its own transaction so one venue's
// outage does not stall the batch.
func (w *SettlementWorker) settleOne(ctx context.Context, rec types.SettlementRecord) error {
	trade, err := w.db.Trades().Get(ctx, rec.TenantID, rec.TradeID)
	if err != nil {
		return err
	}
	venue, _ := w.reg.Venue(rec.Venue)

	// Mark SETTLING before the external call. The mark doubles as the
	// claim: ListDue skips SETTLING rows until StuckAfter has passed, so
	// only a crashed worker's record becomes due again.
	now := w.now().UTC()
	rec.Status = types.SettlementSettling
	rec.Attempts++
	rec.UpdatedAt = now
	if err := w.db.Settlements().Upsert(ctx, rec); err != nil {
		return err
	}

	attemptErr := w.settler.Settle(ctx, trade, venue)
	now = w.now().UTC()
	return w.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if attemptErr == nil {
			rec.Status = types.SettlementSettled
			rec.LastError = ""
			rec.UpdatedAt = now
			if err := tx.Settlements().Upsert(ctx, rec); err != nil {
				return err
			}
			env, err := event.New(event.TypeSettlementCompleted, producer, rec.TenantID,
				event.Entity{EntityType: event.EntitySettlement, EntityID: rec.TradeID, Sequence: int64(rec.Attempts) + 1},
				event.SettlementCompletedPayload{TradeID: rec.TradeID, Attempts: rec.Attempts})
			if err != nil {
				return err
			}
			w.logger.Info("trade settled", "trade_id", rec.TradeID, "attempts", rec.Attempts)
			return w.writer.Append(ctx, tx, env)
		}

		rec.LastError = attemptErr.Error()
		rec.UpdatedAt = now
		final := rec.Attempts >= w.maxAttempts(venue)
		if final {
			rec.Status = types.SettlementFailedFinal
		} else {
			rec.Status = types.SettlementRetrying
			rec.NextAttemptAt = now.Add(w.backoff(rec.Attempts))
		}
		if err := tx.Settlements().Upsert(ctx, rec); err != nil {
			return err
		}

		failed, err := event.New(event.TypeSettlementFailed, producer, rec.TenantID,
			event.Entity{EntityType: event.EntitySettlement, EntityID: rec.TradeID, Sequence: int64(rec.Attempts) + 1},
			event.SettlementFailedPayload{
				TradeID:  rec.TradeID,
				Attempts: rec.Attempts,
				Reason:   attemptErr.Error(),
				Final:    final,
			})
		if err != nil {
			return err
		}
		events := []event.Envelope{failed}
		if final {
			alert, err := event.New(event.TypeOperatorAlert, producer, rec.TenantID,
				event.Entity{EntityType: event.EntitySettlement, EntityID: rec.TradeID},
				event.OperatorAlertPayload{
					Severity: "critical",
					Message:  "settlement failed after all retries",
					Context: map[string]string{
						"tradeId":   rec.TradeID,
						"venue":     rec.Venue,
						"attempts":  fmt.Sprint(rec.Attempts),
						"lastError": rec.LastError,
					},
				})
			if err != nil {
				return err
			}
			events = append(events, alert)
			w.logger.Error("settlement failed final",
				"trade_id", rec.TradeID, "venue", rec.Venue, "attempts", rec.Attempts)
		} else {
			w.logger.Warn("settlement attempt failed",
				"trade_id", rec.TradeID, "attempt", rec.Attempts, "next_at", rec.NextAttemptAt)
		}
		return w.writer.Append(ctx, tx, events...)
	})
}

func (w *SettlementWorker) maxAttempts(venue types.Venue) int {
	if venue.MaxSettleAttempts > 0 {
		return venue.MaxSettleAttempts
	}
	return w.cfg.MaxAttempts
}

// backoff doubles per attempt from the base, capped, with up to 25%
// additive jitter.
func (w *SettlementWorker) backoff(attempts int) time.Duration {
	d := w.cfg.BackoffBase
	for i := 1; i < attempts && d < w.cfg.BackoffCap; i++ {
		d *= 2
	}
	if d > w.cfg.BackoffCap {
		d = w.cfg.BackoffCap
	}
	return w.jitter(d)
}
