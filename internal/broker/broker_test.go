package broker

import (
	"testing"
)

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateError, "error"},
		{ConnectionState(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("ConnectionState.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStockContract(t *testing.T) {
	contract := StockContract("AAPL", "NASDAQ")

	if contract.Symbol != "AAPL" {
		t.Errorf("Symbol = %s, want AAPL", contract.Symbol)
	}
	if contract.SecType != "STK" {
		t.Errorf("SecType = %s, want STK", contract.SecType)
	}
	if contract.Exchange != "NASDAQ" {
		t.Errorf("Exchange = %s, want NASDAQ", contract.Exchange)
	}
}

func TestStockContract_DefaultsToSmart(t *testing.T) {
	contract := StockContract("AAPL", "")

	if contract.Exchange != "SMART" {
		t.Errorf("Exchange = %s, want SMART", contract.Exchange)
	}
	if contract.Currency != "USD" {
		t.Errorf("Currency = %s, want USD", contract.Currency)
	}
}
