// Package refdata holds the instrument, venue, and liquidity-provider
// registries. The registry is process-wide state rebuilt from the control
// stream at startup, like the gate's kill-switch state.
package refdata

import (
	"log/slog"
	"sync"

	"orion/internal/event"
	"orion/pkg/types"
)

// Registry is the in-memory view of reference data.
type Registry struct {
	mu          sync.RWMutex
	logger      *slog.Logger
	instruments map[string]types.Instrument
	venues      map[string]types.Venue
	lps         map[string]types.LiquidityProvider
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:      logger.With("component", "refdata"),
		instruments: make(map[string]types.Instrument),
		venues:      make(map[string]types.Venue),
		lps:         make(map[string]types.LiquidityProvider),
	}
}

// Seed loads initial entries, typically from configuration at startup.
// Control-stream replay then overlays any later updates.
func (r *Registry) Seed(instruments []types.Instrument, venues []types.Venue, lps []types.LiquidityProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, in := range instruments {
		r.instruments[in.InstrumentID] = in
	}
	for _, v := range venues {
		r.venues[v.VenueID] = v
	}
	for _, lp := range lps {
		r.lps[lp.LPID] = lp
	}
}

// Instrument looks up an instrument by id.
func (r *Registry) Instrument(id string) (types.Instrument, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.instruments[id]
	return in, ok
}

// Venue looks up a venue by id.
func (r *Registry) Venue(id string) (types.Venue, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.venues[id]
	return v, ok
}

// LP looks up a liquidity provider by id.
func (r *Registry) LP(id string) (types.LiquidityProvider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lp, ok := r.lps[id]
	return lp, ok
}

// Instruments returns all registered instruments.
func (r *Registry) Instruments() []types.Instrument {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Instrument, 0, len(r.instruments))
	for _, in := range r.instruments {
		out = append(out, in)
	}
	return out
}

// EligibleLPs returns the active LPs an RFQ may be routed to: the LP must
// quote the instrument (empty set = everything) and serve the tenant.
func (r *Registry) EligibleLPs(tenantID, instrumentID string) []types.LiquidityProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.LiquidityProvider
	for _, lp := range r.lps {
		if !lp.Active {
			continue
		}
		if !contains(lp.Instruments, instrumentID) {
			continue
		}
		if !contains(lp.Tenants, tenantID) {
			continue
		}
		out = append(out, lp)
	}
	return out
}

// contains treats an empty allow-list as unrestricted.
func contains(allowed []string, target string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == target {
			return true
		}
	}
	return false
}

// ApplyEvent folds one control-stream event into the registry.
func (r *Registry) ApplyEvent(env event.Envelope) error {
	switch env.EventType {
	case event.TypeInstrumentUpdated:
		var p event.InstrumentUpdatedPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		r.mu.Lock()
		r.instruments[p.Instrument.InstrumentID] = p.Instrument
		r.mu.Unlock()
		r.logger.Info("instrument updated", "instrument", p.Instrument.InstrumentID, "active", p.Instrument.Active)
	case event.TypeVenueUpdated:
		var p event.VenueUpdatedPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		r.mu.Lock()
		r.venues[p.Venue.VenueID] = p.Venue
		r.mu.Unlock()
		r.logger.Info("venue updated", "venue", p.Venue.VenueID, "active", p.Venue.Active)
	case event.TypeLPConfigUpdated:
		var p event.LPConfigUpdatedPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		r.mu.Lock()
		r.lps[p.LP.LPID] = p.LP
		r.mu.Unlock()
		r.logger.Info("lp updated", "lp", p.LP.LPID, "active", p.LP.Active)
	}
	return nil
}
