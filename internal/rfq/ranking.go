package rfq

import (
	"sort"

	"orion/pkg/types"
)

// Rank orders an RFQ's quotes from the requester's point of view: for a
// BUY the LPs are selling, so the lowest price wins; for a SELL the
// highest. Ties break on earliest receivedAt, then quoteId for a stable
// order. Off-market quotes rank after all on-market quotes and never carry
// a best flag.
func Rank(rfq *types.RFQ) []types.RankedQuote {
	quotes := make([]types.Quote, 0, len(rfq.Quotes))
	for _, q := range rfq.Quotes {
		quotes = append(quotes, q)
	}
	sort.Slice(quotes, func(i, j int) bool {
		a, b := quotes[i], quotes[j]
		if a.OffMarket != b.OffMarket {
			return !a.OffMarket
		}
		if !a.Price.Equal(b.Price) {
			if rfq.Side == types.BUY {
				return a.Price.LessThan(b.Price)
			}
			return a.Price.GreaterThan(b.Price)
		}
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.QuoteID < b.QuoteID
	})

	out := make([]types.RankedQuote, len(quotes))
	for i, q := range quotes {
		rq := types.RankedQuote{Quote: q, Rank: i + 1}
		if i == 0 && !q.OffMarket {
			// The LP side is the opposite of the requester side.
			if rfq.Side == types.BUY {
				rq.IsBestAsk = true
			} else {
				rq.IsBestBid = true
			}
		}
		out[i] = rq
	}
	return out
}
