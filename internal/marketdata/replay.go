package marketdata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"orion/pkg/types"
)

// Archive reads and writes tick recordings as JSON lines, one tick per
// line in capture order.
type Archive struct {
	path string
}

func NewArchive(path string) *Archive {
	return &Archive{path: path}
}

// Append writes ticks to the end of the archive.
func (a *Archive) Append(ticks ...types.Tick) error {
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, t := range ticks {
		if err := enc.Encode(t); err != nil {
			return err
		}
	}
	return w.Flush()
}

// Load reads the whole archive. Malformed lines abort the load; an archive
// is trusted input, unlike a live feed.
func (a *Archive) Load() ([]types.Tick, error) {
	f, err := os.Open(a.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var ticks []types.Tick
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		var t types.Tick
		if err := json.Unmarshal(scanner.Bytes(), &t); err != nil {
			return nil, fmt.Errorf("archive %s line %d: %w", a.path, line, err)
		}
		ticks = append(ticks, t)
	}
	return ticks, scanner.Err()
}

const (
	minSpeedFactor = 0.2
	maxSpeedFactor = 5.0
)

// Replayer publishes a recorded tick sequence at a configurable speed
// factor, implementing Connector. Inter-tick gaps from the recording are
// scaled by 1/factor; ticks are re-stamped with the replay wall clock so
// downstream staleness tracking works unchanged.
type Replayer struct {
	ticks  []types.Tick
	factor float64
	logger *slog.Logger

	mu     sync.Mutex
	out    chan types.Tick
	cancel context.CancelFunc
	wanted map[string]bool
}

func NewReplayer(ticks []types.Tick, speedFactor float64, logger *slog.Logger) (*Replayer, error) {
	if speedFactor < minSpeedFactor || speedFactor > maxSpeedFactor {
		return nil, fmt.Errorf("speed factor %.2f outside [%.1f, %.1f]",
			speedFactor, minSpeedFactor, maxSpeedFactor)
	}
	return &Replayer{
		ticks:  ticks,
		factor: speedFactor,
		logger: logger.With("component", "md_replay"),
		out:    make(chan types.Tick, 256),
	}, nil
}

func (r *Replayer) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ctx, r.cancel = context.WithCancel(ctx)
	go r.run(ctx)
	return nil
}

func (r *Replayer) Subscribe(instruments []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wanted = make(map[string]bool, len(instruments))
	for _, id := range instruments {
		r.wanted[id] = true
	}
	return nil
}

func (r *Replayer) Ticks() <-chan types.Tick { return r.out }

func (r *Replayer) Disconnect() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
		r.cancel = nil
	}
	return nil
}

func (r *Replayer) run(ctx context.Context) {
	r.logger.Info("replay started", "ticks", len(r.ticks), "factor", r.factor)
	defer close(r.out)
	var prev time.Time
	for _, tick := range r.ticks {
		if !prev.IsZero() && tick.Timestamp.After(prev) {
			gap := time.Duration(float64(tick.Timestamp.Sub(prev)) / r.factor)
			select {
			case <-ctx.Done():
				return
			case <-time.After(gap):
			}
		}
		prev = tick.Timestamp

		r.mu.Lock()
		wanted := r.wanted == nil || r.wanted[tick.InstrumentID]
		r.mu.Unlock()
		if !wanted {
			continue
		}
		tick.Timestamp = time.Now().UTC()
		tick.Source = "replay"
		select {
		case <-ctx.Done():
			return
		case r.out <- tick:
		}
	}
	r.logger.Info("replay finished")
}
