package stoploss

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/stoploss-bot/internal/types"
)

func TestShouldTrigger(t *testing.T) {
	standard := book("AAPL", 2, 3, 1, 1, 1)

	tests := []struct {
		name      string
		snap      types.DepthSnapshot
		price     string
		remaining int64
		want      bool
	}{
		{"below min bid", standard, "10.0", 100000, true},
		{"covered at 10.3", standard, "10.3", 600, true},
		{"not covered at 10.3", standard, "10.3", 700, false},
		{"at max bid covered", standard, "10.5", 200, true},
		{"at max bid not covered", standard, "10.5", 201, false},
		{"at min bid sums whole book", standard, "10.1", 800, true},
		{"above max bid", standard, "10.6", 1, false},
		{"empty book", types.DepthSnapshot{Instrument: "AAPL"}, "10.0", 100, false},
		{"nothing remaining", standard, "10.0", 0, false},
		{
			name: "unsorted levels",
			snap: types.DepthSnapshot{
				BidPrices: []decimal.Decimal{
					decimal.RequireFromString("10.2"),
					decimal.RequireFromString("10.5"),
					decimal.RequireFromString("10.3"),
				},
				BidSizes: []int64{4, 2, 1},
			},
			price:     "10.3",
			remaining: 300,
			want:      true,
		},
		{
			name: "prices without sizes ignored",
			snap: types.DepthSnapshot{
				BidPrices: []decimal.Decimal{
					decimal.RequireFromString("10.5"),
					decimal.RequireFromString("10.0"),
				},
				BidSizes: []int64{1},
			},
			price:     "10.2",
			remaining: 100,
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ShouldTrigger(tt.snap, decimal.RequireFromString(tt.price), tt.remaining, 100)
			if got != tt.want {
				t.Errorf("ShouldTrigger(%s, %d) = %v, want %v", tt.price, tt.remaining, got, tt.want)
			}
		})
	}
}

func TestShouldTrigger_LotSize(t *testing.T) {
	snap := book("AAPL", 2, 3, 1, 1, 1)
	price := decimal.RequireFromString("10.3")

	if !ShouldTrigger(snap, price, 6, 1) {
		t.Error("expected 6 lots of 1 to cover 6")
	}
	if ShouldTrigger(snap, price, 7, 1) {
		t.Error("expected 6 lots of 1 not to cover 7")
	}
}
