package types

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestTickSizeDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 1},
		{Tick001, 2},
		{Tick0001, 3},
		{Tick00001, 4},
		{TickSize("unknown"), 2}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.Decimals(); got != tt.want {
			t.Errorf("TickSize(%q).Decimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestTickSizeAmountDecimals(t *testing.T) {
	t.Parallel()

	tests := []struct {
		tick TickSize
		want int
	}{
		{Tick01, 3},
		{Tick001, 4},
		{Tick0001, 5},
		{Tick00001, 6},
		{TickSize("unknown"), 4}, // default
	}

	for _, tt := range tests {
		if got := tt.tick.AmountDecimals(); got != tt.want {
			t.Errorf("TickSize(%q).AmountDecimals() = %d, want %d", tt.tick, got, tt.want)
		}
	}
}

func TestTickSizeValue(t *testing.T) {
	t.Parallel()

	if !Tick001.Value().Equal(decimal.New(1, -2)) {
		t.Errorf("Tick001.Value() = %s, want 0.01", Tick001.Value())
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status OrderStatus
		want   bool
	}{
		{OrderLive, false},
		{OrderPartial, false},
		{OrderFilled, true},
		{OrderCancelled, true},
		{OrderExpired, true},
		{OrderRejected, true},
	}

	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.want {
			t.Errorf("OrderStatus(%q).Terminal() = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestFillKeyUsesTradeIDWhenPresent(t *testing.T) {
	t.Parallel()

	f := Fill{TradeID: "trade-1", OrderID: "order-1", Size: decimal.NewFromInt(10)}
	if got := f.Key(); got != "trade-1" {
		t.Errorf("Key() = %q, want %q", got, "trade-1")
	}
}

func TestFillKeySynthesizedWhenTradeIDMissing(t *testing.T) {
	t.Parallel()

	ts := time.UnixMilli(1700000000123)
	f := Fill{OrderID: "order-1", Size: decimal.NewFromInt(10), Timestamp: ts}
	want := "order-1:1700000000123:10"
	if got := f.Key(); got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}

func TestFillKeyDistinguishesSameOrderDifferentSize(t *testing.T) {
	t.Parallel()

	ts := time.UnixMilli(1700000000123)
	f1 := Fill{OrderID: "order-1", Size: decimal.NewFromInt(10), Timestamp: ts}
	f2 := Fill{OrderID: "order-1", Size: decimal.NewFromInt(5), Timestamp: ts}
	if f1.Key() == f2.Key() {
		t.Errorf("expected distinct keys, both got %q", f1.Key())
	}
}

func TestWireLevelDecimal(t *testing.T) {
	t.Parallel()

	w := WireLevel{Price: "0.55", Size: "100.5"}
	lvl := w.Decimal()
	if !lvl.Price.Equal(decimal.NewFromFloat(0.55)) {
		t.Errorf("Price = %s, want 0.55", lvl.Price)
	}
	if !lvl.Size.Equal(decimal.NewFromFloat(100.5)) {
		t.Errorf("Size = %s, want 100.5", lvl.Size)
	}
}

func TestSideSign(t *testing.T) {
	t.Parallel()

	if BUY.Sign() != 1 {
		t.Errorf("BUY.Sign() = %d, want 1", BUY.Sign())
	}
	if SELL.Sign() != -1 {
		t.Errorf("SELL.Sign() = %d, want -1", SELL.Sign())
	}
}

func TestMarketEventAccessors(t *testing.T) {
	t.Parallel()

	now := time.UnixMilli(1700000000000)
	evt := BestBidAskEvent{
		marketEventBase: NewMarketEventBase("asset-1", now, 42),
		BestBid:         decimal.NewFromFloat(0.50),
		BestAsk:         decimal.NewFromFloat(0.52),
	}

	var generic MarketEvent = evt
	if generic.Asset() != "asset-1" {
		t.Errorf("Asset() = %q, want asset-1", generic.Asset())
	}
	if !generic.OccurredAt().Equal(now) {
		t.Errorf("OccurredAt() = %v, want %v", generic.OccurredAt(), now)
	}
	if SequenceOf(generic) != 42 {
		t.Errorf("SequenceOf() = %d, want 42", SequenceOf(generic))
	}
}
