package types

import (
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
)

// TestSide_String tests Side string conversion.
func TestSide_String(t *testing.T) {
	tests := []struct {
		side Side
		want string
	}{
		{SideBuy, "BUY"},
		{SideSell, "SELL"},
		{Side(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		got := tt.side.String()
		if got != tt.want {
			t.Errorf("Side(%d).String() = %s, want %s", tt.side, got, tt.want)
		}
	}
}

// TestOrderStatus_IsFinal tests terminal state detection.
func TestOrderStatus_IsFinal(t *testing.T) {
	tests := []struct {
		status  OrderStatus
		isFinal bool
	}{
		{OrderStatusUnknown, false},
		{OrderStatusPendingSubmit, false},
		{OrderStatusSubmitted, false},
		{OrderStatusPartiallyFilled, false},
		{OrderStatusPendingCancel, false},
		{OrderStatusFilled, true},
		{OrderStatusCancelled, true},
		{OrderStatusPartiallyCancelled, true},
		{OrderStatusRejected, true},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			if got := tt.status.IsFinal(); got != tt.isFinal {
				t.Errorf("%s.IsFinal() = %v, want %v", tt.status, got, tt.isFinal)
			}
		})
	}
}

func TestParseOrderStatus(t *testing.T) {
	status, err := ParseOrderStatus(" filled ")
	if err != nil {
		t.Fatalf("ParseOrderStatus() error = %v", err)
	}
	if status != OrderStatusFilled {
		t.Errorf("status = %s, want FILLED", status)
	}

	status, err = ParseOrderStatus("HALF_BAKED")
	if !errors.Is(err, ErrUnknownVenueStatus) {
		t.Errorf("error = %v, want ErrUnknownVenueStatus", err)
	}
	if status.IsKnown() {
		t.Error("unparsed status should not be known")
	}

	if _, err := ParseOrderStatus("UNKNOWN"); err == nil {
		t.Error("UNKNOWN must not round-trip as a known status")
	}
}

func TestOrderRequest_Validate(t *testing.T) {
	valid := OrderRequest{
		Instrument: "600000",
		Side:       SideSell,
		Price:      decimal.RequireFromString("10.3"),
		Volume:     600,
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(r *OrderRequest)
	}{
		{"empty instrument", func(r *OrderRequest) { r.Instrument = "" }},
		{"zero side", func(r *OrderRequest) { r.Side = 0 }},
		{"zero volume", func(r *OrderRequest) { r.Volume = 0 }},
		{"negative price", func(r *OrderRequest) { r.Price = decimal.NewFromInt(-1) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := valid
			tt.mutate(&r)
			if err := r.Validate(); !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("Validate() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestDepthSnapshot_Levels(t *testing.T) {
	d := DepthSnapshot{
		BidPrices: []decimal.Decimal{decimal.NewFromInt(10), decimal.NewFromInt(9)},
		BidSizes:  []int64{1},
	}
	if d.Levels() != 1 {
		t.Errorf("Levels() = %d, want 1", d.Levels())
	}
}

func TestNewStopLoss_Validation(t *testing.T) {
	price := decimal.RequireFromString("10.0")

	tests := []struct {
		name       string
		instrument string
		price      decimal.Decimal
		volume     int64
	}{
		{"empty instrument", "", price, 100},
		{"negative price", "600000", decimal.NewFromInt(-1), 100},
		{"zero volume", "600000", price, 0},
		{"negative volume", "600000", price, -100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStopLoss(tt.instrument, "SSE", tt.price, tt.volume)
			if !errors.Is(err, ErrInvalidArgument) {
				t.Errorf("NewStopLoss() error = %v, want ErrInvalidArgument", err)
			}
		})
	}
}

func TestNewStopLoss_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		o, err := NewStopLoss("600000", "SSE", decimal.NewFromInt(10), 100)
		if err != nil {
			t.Fatalf("NewStopLoss() error = %v", err)
		}
		if seen[o.ID()] {
			t.Fatalf("duplicate id %s", o.ID())
		}
		seen[o.ID()] = true
		if o.Remaining() != o.Volume() {
			t.Errorf("Remaining() = %d, want %d", o.Remaining(), o.Volume())
		}
	}
}

func TestStopLoss_Fill(t *testing.T) {
	o, _ := NewStopLoss("600000", "SSE", decimal.NewFromInt(10), 1000)

	remaining, err := o.Fill(400)
	if err != nil {
		t.Fatalf("Fill() error = %v", err)
	}
	if remaining != 600 || o.Remaining() != 600 {
		t.Errorf("remaining = %d, want 600", remaining)
	}

	if _, err := o.Fill(601); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("overfill error = %v, want ErrInvariantViolation", err)
	}
	if o.Remaining() != 600 {
		t.Errorf("overfill mutated remaining to %d", o.Remaining())
	}

	if _, err := o.Fill(0); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("zero fill error = %v, want ErrInvalidArgument", err)
	}

	if remaining, err := o.Fill(600); err != nil || remaining != 0 {
		t.Errorf("Fill(600) = %d, %v; want 0, nil", remaining, err)
	}
}

// TestStopLoss_ConcurrentFill checks that concurrent fills never drive the
// remaining volume negative.
func TestStopLoss_ConcurrentFill(t *testing.T) {
	o, _ := NewStopLoss("600000", "SSE", decimal.NewFromInt(10), 1000)

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied, violations := 0, 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := o.Fill(100)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				applied++
			} else if errors.Is(err, ErrInvariantViolation) {
				violations++
			}
		}()
	}
	wg.Wait()

	if applied != 10 {
		t.Errorf("applied = %d, want 10", applied)
	}
	if violations != 40 {
		t.Errorf("violations = %d, want 40", violations)
	}
	if o.Remaining() != 0 {
		t.Errorf("Remaining() = %d, want 0", o.Remaining())
	}
}

func TestRestoreStopLoss(t *testing.T) {
	o, err := RestoreStopLoss("id-1", "600000", "SSE", decimal.NewFromInt(10), 1000, 250)
	if err != nil {
		t.Fatalf("RestoreStopLoss() error = %v", err)
	}
	if o.ID() != "id-1" || o.Remaining() != 250 {
		t.Errorf("restored = %s", o)
	}

	if _, err := RestoreStopLoss("id-2", "600000", "SSE", decimal.NewFromInt(10), 1000, 1001); !errors.Is(err, ErrInvalidArgument) {
		t.Errorf("error = %v, want ErrInvalidArgument", err)
	}
}

func TestOrderStatus_Supersedes(t *testing.T) {
	tests := []struct {
		name    string
		prev, s OrderStatus
		want    bool
	}{
		{"working to partial", OrderStatusSubmitted, OrderStatusPartiallyFilled, true},
		{"partial to filled", OrderStatusPartiallyFilled, OrderStatusFilled, true},
		{"partial back to working", OrderStatusPartiallyFilled, OrderStatusSubmitted, false},
		{"working back to pending", OrderStatusSubmitted, OrderStatusPendingSubmit, false},
		{"refused cancel to working", OrderStatusPendingCancel, OrderStatusSubmitted, true},
		{"refused cancel to partial", OrderStatusPendingCancel, OrderStatusPartiallyFilled, true},
		{"cancel to cancelled", OrderStatusPendingCancel, OrderStatusCancelled, true},
		{"same status", OrderStatusSubmitted, OrderStatusSubmitted, false},
		{"after terminal", OrderStatusFilled, OrderStatusCancelled, false},
		{"unknown report", OrderStatusSubmitted, OrderStatusUnknown, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Supersedes(tt.prev); got != tt.want {
				t.Errorf("%s.Supersedes(%s) = %v, want %v", tt.s, tt.prev, got, tt.want)
			}
		})
	}
}
