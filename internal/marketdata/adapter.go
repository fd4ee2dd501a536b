// Package marketdata ingests ticks from simulators, archive replay, or
// external connectors, normalizes them, and fans them out: the raw stream
// goes to the log at full rate keyed by instrument, while subscribers get a
// coalesced latest-tick-per-instrument view.
package marketdata

import (
	"context"

	"orion/pkg/types"
)

// Connector is the minimum capability set an external feed adapter must
// provide. Concrete venue adapters live outside this module.
type Connector interface {
	Connect(ctx context.Context) error
	Subscribe(instruments []string) error
	// Ticks is the adapter's output. The adapter closes it on disconnect.
	Ticks() <-chan types.Tick
	Disconnect() error
}
