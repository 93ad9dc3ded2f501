package stoploss

import (
	"github.com/shopspring/decimal"
	"github.com/tathienbao/stoploss-bot/internal/types"
)

// ShouldTrigger reports whether a sell of remaining units at price or better
// can be absorbed by the visible bids in snap.
//
// A price below every bid always triggers. A price inside the book triggers
// only when the bids at or above it, in lots of lotSize units, cover the
// whole remaining volume. A price above the best bid never triggers.
func ShouldTrigger(snap types.DepthSnapshot, price decimal.Decimal, remaining, lotSize int64) bool {
	levels := snap.Levels()
	if levels == 0 || remaining <= 0 {
		return false
	}

	minBid, maxBid := snap.BidPrices[0], snap.BidPrices[0]
	for _, p := range snap.BidPrices[1:levels] {
		if p.LessThan(minBid) {
			minBid = p
		}
		if p.GreaterThan(maxBid) {
			maxBid = p
		}
	}

	if price.LessThan(minBid) {
		return true
	}
	if price.GreaterThan(maxBid) {
		return false
	}

	var lots int64
	for i := 0; i < levels; i++ {
		if snap.BidPrices[i].GreaterThanOrEqual(price) {
			lots += snap.BidSizes[i]
		}
	}
	return lots*lotSize >= remaining
}
