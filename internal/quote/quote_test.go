package quote

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"activequoter/internal/config"
	"activequoter/internal/orderbook"
	"activequoter/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

type fakeInventory struct {
	adjustedBuy decimal.Decimal
	effective   decimal.Decimal
}

func (f fakeInventory) AdjustedBuySize(asset string, desired decimal.Decimal) decimal.Decimal {
	return decimal.Min(desired, f.adjustedBuy)
}

func (f fakeInventory) EffectiveSize(asset string) decimal.Decimal {
	return f.effective
}

type fakeMomentum struct {
	cooldown bool
}

func (f fakeMomentum) InCooldown(asset string, now time.Time) bool {
	return f.cooldown
}

func testConfig() config.QuoteConfig {
	return config.QuoteConfig{
		OrderSizeUSDC:             100,
		ImproveWhenSpreadTicks:    4,
		InventorySkewCoefficient:  0.1,
		RefreshThresholdTicks:     1,
		MinRefreshInterval:        0,
		GlobalRefreshCapPerSec:    20,
	}
}

func seedBook(t *testing.T, bids *orderbook.Manager, asset, bid, ask, tick string) {
	t.Helper()
	bids.ApplyEvent(types.NewBookSnapshotEvent(asset, time.Now(), 1,
		[]types.PriceLevel{{Price: dec(bid), Size: dec("100")}},
		[]types.PriceLevel{{Price: dec(ask), Size: dec("100")}}, "h1"))
	bids.ApplyEvent(types.NewTickSizeChangeEvent(asset, time.Now(), 2, types.TickSize(tick)))
}

func TestCancelAllWhenInCooldown(t *testing.T) {
	t.Parallel()
	books := orderbook.New()
	seedBook(t, books, "asset-1", "0.48", "0.52", "0.01")

	e := New(testConfig(), books, fakeInventory{adjustedBuy: dec("100"), effective: decimal.Zero}, fakeMomentum{cooldown: true})
	intent := e.Evaluate("asset-1", RestingQuote{})
	if intent.Action != ActionCancelAll {
		t.Errorf("Action = %v, want ActionCancelAll", intent.Action)
	}
}

func TestCancelAllWhenBookStale(t *testing.T) {
	t.Parallel()
	books := orderbook.New()
	seedBook(t, books, "asset-1", "0.48", "0.52", "0.01")
	books.MarkAssetStale("asset-1")

	e := New(testConfig(), books, fakeInventory{adjustedBuy: dec("100"), effective: decimal.Zero}, fakeMomentum{})
	intent := e.Evaluate("asset-1", RestingQuote{})
	if intent.Action != ActionCancelAll {
		t.Errorf("Action = %v, want ActionCancelAll", intent.Action)
	}
}

func TestImprovesWhenSpreadWide(t *testing.T) {
	t.Parallel()
	books := orderbook.New()
	seedBook(t, books, "asset-1", "0.40", "0.60", "0.01") // 20-tick spread >= 4*tick

	e := New(testConfig(), books, fakeInventory{adjustedBuy: dec("100"), effective: decimal.Zero}, fakeMomentum{})
	intent := e.Evaluate("asset-1", RestingQuote{})
	if intent.Action != ActionReplace {
		t.Fatalf("Action = %v, want ActionReplace", intent.Action)
	}
	if !intent.Bid.Equal(dec("0.41")) {
		t.Errorf("Bid = %s, want 0.41 (improved by one tick)", intent.Bid)
	}
	if !intent.Ask.Equal(dec("0.59")) {
		t.Errorf("Ask = %s, want 0.59 (improved by one tick)", intent.Ask)
	}
}

func TestDoesNotImproveWhenSpreadNarrow(t *testing.T) {
	t.Parallel()
	books := orderbook.New()
	seedBook(t, books, "asset-1", "0.49", "0.51", "0.01") // 2-tick spread < 4*tick

	e := New(testConfig(), books, fakeInventory{adjustedBuy: dec("100"), effective: decimal.Zero}, fakeMomentum{})
	intent := e.Evaluate("asset-1", RestingQuote{})
	if !intent.Bid.Equal(dec("0.49")) {
		t.Errorf("Bid = %s, want 0.49 (no improvement)", intent.Bid)
	}
	if !intent.Ask.Equal(dec("0.51")) {
		t.Errorf("Ask = %s, want 0.51 (no improvement)", intent.Ask)
	}
}

func TestInventorySkewPushesQuotesDownForLongPosition(t *testing.T) {
	t.Parallel()
	books := orderbook.New()
	seedBook(t, books, "asset-1", "0.49", "0.51", "0.01")

	// effective_size=10, coefficient=0.1 -> skew=round(1)=1 tick.
	e := New(testConfig(), books, fakeInventory{adjustedBuy: dec("100"), effective: dec("10")}, fakeMomentum{})
	intent := e.Evaluate("asset-1", RestingQuote{})
	if !intent.Bid.Equal(dec("0.48")) {
		t.Errorf("Bid = %s, want 0.48 (skewed down by 1 tick)", intent.Bid)
	}
	if !intent.Ask.Equal(dec("0.50")) {
		t.Errorf("Ask = %s, want 0.50 (skewed down by 1 tick)", intent.Ask)
	}
}

func TestKeepWithinHysteresis(t *testing.T) {
	t.Parallel()
	books := orderbook.New()
	seedBook(t, books, "asset-1", "0.49", "0.51", "0.01")

	e := New(testConfig(), books, fakeInventory{adjustedBuy: dec("100"), effective: decimal.Zero}, fakeMomentum{})
	resting := RestingQuote{HasBid: true, Bid: dec("0.49"), HasAsk: true, Ask: dec("0.51")}
	intent := e.Evaluate("asset-1", resting)
	if intent.Action != ActionKeep {
		t.Errorf("Action = %v, want ActionKeep when desired matches resting", intent.Action)
	}
}

func TestReplaceWhenResetBeyondThreshold(t *testing.T) {
	t.Parallel()
	books := orderbook.New()
	seedBook(t, books, "asset-1", "0.49", "0.51", "0.01")

	e := New(testConfig(), books, fakeInventory{adjustedBuy: dec("100"), effective: decimal.Zero}, fakeMomentum{})
	resting := RestingQuote{HasBid: true, Bid: dec("0.40"), HasAsk: true, Ask: dec("0.60")}
	intent := e.Evaluate("asset-1", resting)
	if intent.Action != ActionReplace {
		t.Errorf("Action = %v, want ActionReplace when resting deviates beyond threshold", intent.Action)
	}
}

func TestSizeAskClampedToEffectiveSize(t *testing.T) {
	t.Parallel()
	books := orderbook.New()
	seedBook(t, books, "asset-1", "0.49", "0.51", "0.01")

	e := New(testConfig(), books, fakeInventory{adjustedBuy: dec("100"), effective: dec("30")}, fakeMomentum{})
	intent := e.Evaluate("asset-1", RestingQuote{})
	if !intent.SizeAsk.Equal(dec("30")) {
		t.Errorf("SizeAsk = %s, want 30 (min(order_size, effective_size))", intent.SizeAsk)
	}
}

func TestMinRefreshIntervalSuppressesRapidReplace(t *testing.T) {
	t.Parallel()
	books := orderbook.New()
	seedBook(t, books, "asset-1", "0.40", "0.60", "0.01")

	cfg := testConfig()
	cfg.MinRefreshInterval = time.Second
	e := New(cfg, books, fakeInventory{adjustedBuy: dec("100"), effective: decimal.Zero}, fakeMomentum{})

	first := e.Evaluate("asset-1", RestingQuote{})
	if first.Action != ActionReplace {
		t.Fatalf("first Action = %v, want ActionReplace", first.Action)
	}
	second := e.Evaluate("asset-1", RestingQuote{})
	if second.Action != ActionKeep {
		t.Errorf("second Action = %v, want ActionKeep due to min refresh interval", second.Action)
	}
}

func TestClampToTradableRange(t *testing.T) {
	t.Parallel()
	books := orderbook.New()
	seedBook(t, books, "asset-1", "0.001", "0.999", "0.01")

	e := New(testConfig(), books, fakeInventory{adjustedBuy: dec("100"), effective: decimal.Zero}, fakeMomentum{})
	intent := e.Evaluate("asset-1", RestingQuote{})
	if intent.Bid.LessThan(dec("0.01")) {
		t.Errorf("Bid = %s, want >= tick (0.01)", intent.Bid)
	}
	if intent.Ask.GreaterThan(dec("0.99")) {
		t.Errorf("Ask = %s, want <= 1-tick (0.99)", intent.Ask)
	}
}
