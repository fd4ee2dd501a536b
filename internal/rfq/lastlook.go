package rfq

import (
	"time"

	"github.com/shopspring/decimal"

	"orion/pkg/types"
)

// LastLook is the LP's final say on an accepted quote. The execution saga
// consults it before creating the trade; a rejection sends the RFQ back to
// QUOTING when it is still open.
type LastLook interface {
	Decide(q types.Quote, referenceMid decimal.Decimal, now time.Time) (ok bool, reason string)
}

// PriceDrift rejects when the quote has lapsed or the reference mid has
// moved against the LP by more than Tolerance (a fraction of the mid).
// A zero reference mid skips the drift check.
type PriceDrift struct {
	Tolerance decimal.Decimal
}

func (p PriceDrift) Decide(q types.Quote, referenceMid decimal.Decimal, now time.Time) (bool, string) {
	if !q.ValidUntil.IsZero() && now.After(q.ValidUntil) {
		return false, "quote validity lapsed before last look"
	}
	if referenceMid.IsZero() || p.Tolerance.IsZero() {
		return true, ""
	}
	drift := q.Price.Sub(referenceMid).Abs().Div(referenceMid)
	if drift.GreaterThan(p.Tolerance) {
		return false, "reference price drifted beyond tolerance"
	}
	return true, ""
}

// AcceptAll never rejects. Used in tests and for venues without last look.
type AcceptAll struct{}

func (AcceptAll) Decide(types.Quote, decimal.Decimal, time.Time) (bool, string) {
	return true, ""
}
