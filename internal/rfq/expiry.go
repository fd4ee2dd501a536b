package rfq

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"orion/internal/event"
	"orion/internal/outbox"
	"orion/internal/storage"
	"orion/pkg/types"
)

// ExpiryScanner sweeps open RFQs past their expiry instant. One tick per
// second is enough for this domain; the race with a concurrent accept is
// decided by the version check — whoever commits first wins, and the loser
// is dropped silently.
type ExpiryScanner struct {
	db       storage.DB
	writer   *outbox.Writer
	logger   *slog.Logger
	interval time.Duration
	batch    int
	nudge    func()
	now      func() time.Time
}

func NewExpiryScanner(db storage.DB, writer *outbox.Writer, nudge func(), logger *slog.Logger) *ExpiryScanner {
	if nudge == nil {
		nudge = func() {}
	}
	return &ExpiryScanner{
		db:       db,
		writer:   writer,
		logger:   logger.With("component", "rfq_expiry"),
		interval: time.Second,
		batch:    100,
		nudge:    nudge,
		now:      time.Now,
	}
}

// WithInterval overrides the tick interval (tests use short ones).
func (s *ExpiryScanner) WithInterval(d time.Duration) *ExpiryScanner {
	s.interval = d
	return s
}

// WithClock overrides the scanner clock.
func (s *ExpiryScanner) WithClock(now func() time.Time) *ExpiryScanner {
	s.now = now
	return s
}

// Run sweeps until ctx is cancelled.
func (s *ExpiryScanner) Run(ctx context.Context) {
	s.logger.Info("expiry scanner started", "interval", s.interval)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("expiry scanner stopped")
			return
		case <-ticker.C:
			if n := s.ScanOnce(ctx); n > 0 {
				s.nudge()
			}
		}
	}
}

// ScanOnce expires one batch of due RFQs and returns how many flipped.
func (s *ExpiryScanner) ScanOnce(ctx context.Context) int {
	now := s.now().UTC()
	due, err := s.db.RFQs().ListOpenExpired(ctx, now, s.batch)
	if err != nil {
		s.logger.Error("list expired rfqs", "error", err)
		return 0
	}

	expired := 0
	for _, candidate := range due {
		if err := s.expireOne(ctx, candidate.TenantID, candidate.RFQID, now); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				// A concurrent command (usually an accept) advanced the
				// aggregate first.
				continue
			}
			s.logger.Error("expire rfq", "rfq_id", candidate.RFQID, "error", err)
			continue
		}
		expired++
	}
	return expired
}

// expireOne re-reads and flips a single RFQ in its own transaction so one
// lost race does not roll back the rest of the batch.
func (s *ExpiryScanner) expireOne(ctx context.Context, tenantID, rfqID string, now time.Time) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		rfq, err := tx.RFQs().Get(ctx, tenantID, rfqID)
		if err != nil {
			return err
		}
		switch rfq.Status {
		case types.RFQCreated, types.RFQSent, types.RFQQuoting:
		default:
			return storage.ErrConflict
		}
		if now.Before(rfq.ExpiresAt) {
			return storage.ErrConflict
		}
		expected := rfq.Version
		if err := transition(rfq, types.RFQExpired); err != nil {
			return err
		}
		rfq.UpdatedAt = now
		if err := tx.RFQs().Update(ctx, rfq, expected); err != nil {
			return err
		}
		env, err := event.New(event.TypeRFQExpired, producer, tenantID,
			event.Entity{EntityType: event.EntityRFQ, EntityID: rfqID, Sequence: rfq.Version},
			event.RFQExpiredPayload{RFQID: rfqID, ExpiredAt: now})
		if err != nil {
			return err
		}
		return s.writer.Append(ctx, tx, env)
	})
}
