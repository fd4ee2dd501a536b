package marketdata

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"orion/pkg/types"
)

// SimInstrument seeds one simulated feed.
type SimInstrument struct {
	InstrumentID string
	StartMid     decimal.Decimal
	Spread       decimal.Decimal // fixed half-spread around the mid
	Volatility   float64         // stddev of the per-step relative move
}

// Each instrument flips between a calm and a stressed volatility regime
// at random; stressed steps move regimeVolMultiplier times harder.
const (
	regimeFlipProb      = 0.02
	regimeVolMultiplier = 6.0
)

// Simulator is a random-walk tick source implementing Connector. Each
// subscribed instrument walks independently at the configured interval.
type Simulator struct {
	interval    time.Duration
	instruments map[string]SimInstrument
	rng         *rand.Rand
	stressed    map[string]bool
	logger      *slog.Logger

	mu     sync.Mutex
	out    chan types.Tick
	cancel context.CancelFunc
	subbed []string
}

func NewSimulator(interval time.Duration, instruments []SimInstrument, seed int64, logger *slog.Logger) *Simulator {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	byID := make(map[string]SimInstrument, len(instruments))
	for _, inst := range instruments {
		byID[inst.InstrumentID] = inst
	}
	return &Simulator{
		interval:    interval,
		instruments: byID,
		rng:         rand.New(rand.NewSource(seed)),
		stressed:    make(map[string]bool),
		logger:      logger.With("component", "md_simulator"),
		out:         make(chan types.Tick, 256),
	}
}

func (s *Simulator) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	return nil
}

func (s *Simulator) Subscribe(instruments []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subbed = append([]string(nil), instruments...)
	return nil
}

func (s *Simulator) Ticks() <-chan types.Tick { return s.out }

func (s *Simulator) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	return nil
}

func (s *Simulator) run(ctx context.Context) {
	s.logger.Info("simulator started", "interval", s.interval)
	mids := map[string]decimal.Decimal{}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(s.out)
			s.logger.Info("simulator stopped")
			return
		case now := <-ticker.C:
			s.mu.Lock()
			subbed := s.subbed
			s.mu.Unlock()
			for _, id := range subbed {
				inst, ok := s.instruments[id]
				if !ok {
					continue
				}
				mid, ok := mids[id]
				if !ok {
					mid = inst.StartMid
				}
				mid = s.step(mid, s.nextVolatility(id, inst.Volatility))
				mids[id] = mid
				tick := types.Tick{
					InstrumentID: id,
					Bid:          mid.Sub(inst.Spread),
					Ask:          mid.Add(inst.Spread),
					Mid:          mid,
					Timestamp:    now.UTC(),
					Source:       "sim",
				}
				select {
				case s.out <- tick:
				default:
					// Ingest is behind; drop rather than block the walk.
				}
			}
		}
	}
}

// nextVolatility maybe flips the instrument's regime and returns the
// effective per-step volatility. Only the run goroutine touches the
// regime map.
func (s *Simulator) nextVolatility(id string, base float64) float64 {
	if s.rng.Float64() < regimeFlipProb {
		s.stressed[id] = !s.stressed[id]
		s.logger.Debug("volatility regime flipped", "instrument", id, "stressed", s.stressed[id])
	}
	if s.stressed[id] {
		return base * regimeVolMultiplier
	}
	return base
}

// step applies one gaussian relative move, floored just above zero so the
// walk never goes negative.
func (s *Simulator) step(mid decimal.Decimal, volatility float64) decimal.Decimal {
	move := decimal.NewFromFloat(1 + s.rng.NormFloat64()*volatility)
	next := mid.Mul(move)
	if !next.IsPositive() {
		return mid
	}
	return next
}
