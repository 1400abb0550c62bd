package inventory

import (
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"activequoter/internal/config"
	"activequoter/pkg/types"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testConfig() config.InventoryConfig {
	return config.InventoryConfig{
		PendingFillTTL:        30 * time.Second,
		ReconcileEpsilon:      0.0001,
		MaxPositionPerMarket:  100,
		MaxLiabilityPerMarket: 1000,
		MaxTotalLiability:     5000,
	}
}

func fillAt(asset string, side types.Side, size, price string, ts time.Time, tradeID string) types.Fill {
	return types.Fill{
		TradeID:   tradeID,
		Asset:     asset,
		Side:      side,
		Price:     dec(price),
		Size:      dec(size),
		Timestamp: ts,
	}
}

// TestConservativeExposureBlocksBuy covers scenario S4: confirmed_size=80,
// pending_fill_buys=15 -> conservative_exposure=95, below the 100 cap, so
// CheckLimits (which takes no desired size, per §4.3's signature) still
// reports room to buy; the actual admission of a BUY 10 request is clamped
// by AdjustedBuySize to the 5 of headroom that remains (95+10=105 > 100),
// while a SELL of 20 is allowed since effective_size=95 >= 20.
func TestConservativeExposureBlocksBuy(t *testing.T) {
	t.Parallel()

	m := New(testConfig(), discardLogger())
	base := time.Now()
	m.SetPosition("asset-1", dec("80"), base)
	m.OnFill(fillAt("asset-1", types.BUY, "15", "0.50", base.Add(time.Second), "f1"))

	check, err := m.CheckLimits("asset-1")
	if err != nil {
		t.Fatalf("CheckLimits: %v", err)
	}
	if !check.CanBuy {
		t.Error("expected CanBuy=true with conservative_exposure=95 still below the 100 cap")
	}
	if !check.CanSell {
		t.Error("expected CanSell=true with effective_size=95")
	}

	adjusted := m.AdjustedBuySize("asset-1", dec("10"))
	if !adjusted.Equal(dec("5")) {
		t.Errorf("AdjustedBuySize = %s, want 5 (headroom to 100, since 95+10=105 > 100)", adjusted)
	}
}

// TestOldestFirstAbsorption covers scenario S5: fills of 20@t0, 15@t1,
// 25@t2 are pending; a snapshot confirming an absorbed delta of 35 should
// fully remove the 20 and 15 fills (oldest first) and keep the 25 fill
// whole, since 20+15=35 exactly exhausts the absorption budget.
func TestOldestFirstAbsorption(t *testing.T) {
	t.Parallel()

	m := New(testConfig(), discardLogger())
	base := time.Now()
	m.OnFill(fillAt("asset-1", types.BUY, "20", "0.50", base, "f1"))
	m.OnFill(fillAt("asset-1", types.BUY, "15", "0.50", base.Add(time.Second), "f2"))
	m.OnFill(fillAt("asset-1", types.BUY, "25", "0.50", base.Add(2*time.Second), "f3"))

	m.SetPosition("asset-1", dec("35"), base.Add(3*time.Second))

	snap, ok := m.Snapshot("asset-1")
	if !ok {
		t.Fatal("expected snapshot for asset-1")
	}
	if !snap.ConfirmedSize.Equal(dec("35")) {
		t.Errorf("ConfirmedSize = %s, want 35", snap.ConfirmedSize)
	}
	if len(snap.PendingFills) != 1 {
		t.Fatalf("PendingFills len = %d, want 1 (only f3 should remain)", len(snap.PendingFills))
	}
	if _, ok := snap.PendingFills["f3"]; !ok {
		t.Error("expected f3 (25 size) to remain pending")
	}
	if _, ok := snap.PendingFills["f1"]; ok {
		t.Error("expected f1 to be absorbed")
	}
	if _, ok := snap.PendingFills["f2"]; ok {
		t.Error("expected f2 to be absorbed")
	}
}

// TestAbsorptionNoPendingWithinEpsilon verifies that a snapshot within
// epsilon of the current confirmed size leaves pending fills untouched.
func TestAbsorptionNoPendingWithinEpsilon(t *testing.T) {
	t.Parallel()

	m := New(testConfig(), discardLogger())
	base := time.Now()
	m.SetPosition("asset-1", dec("50"), base)
	m.OnFill(fillAt("asset-1", types.BUY, "10", "0.5", base.Add(time.Second), "f1"))

	m.SetPosition("asset-1", dec("50.00001"), base.Add(2*time.Second))

	snap, _ := m.Snapshot("asset-1")
	if len(snap.PendingFills) != 1 {
		t.Errorf("expected pending fill retained when delta is within epsilon, got %d", len(snap.PendingFills))
	}
}

func TestAgeOutExpiredRemovesStaleFill(t *testing.T) {
	t.Parallel()

	m := New(testConfig(), discardLogger())
	base := time.Now()
	m.OnFill(fillAt("asset-1", types.BUY, "10", "0.5", base, "f1"))

	m.AgeOutExpired(base.Add(31 * time.Second))

	snap, _ := m.Snapshot("asset-1")
	if len(snap.PendingFills) != 0 {
		t.Errorf("expected fill aged out after TTL, got %d pending", len(snap.PendingFills))
	}
}

func TestAgeOutExpiredKeepsFreshFill(t *testing.T) {
	t.Parallel()

	m := New(testConfig(), discardLogger())
	base := time.Now()
	m.OnFill(fillAt("asset-1", types.BUY, "10", "0.5", base, "f1"))

	m.AgeOutExpired(base.Add(5 * time.Second))

	snap, _ := m.Snapshot("asset-1")
	if len(snap.PendingFills) != 1 {
		t.Errorf("expected fill retained before TTL elapses, got %d pending", len(snap.PendingFills))
	}
}

func TestOnFillDedupsByKey(t *testing.T) {
	t.Parallel()

	m := New(testConfig(), discardLogger())
	fill := fillAt("asset-1", types.BUY, "10", "0.5", time.Now(), "f1")
	m.OnFill(fill)
	m.OnFill(fill)

	snap, _ := m.Snapshot("asset-1")
	if len(snap.PendingFills) != 1 {
		t.Errorf("expected duplicate fill ignored, got %d pending", len(snap.PendingFills))
	}
}

func TestOnFillAverageCostAndRealizedPnL(t *testing.T) {
	t.Parallel()

	m := New(testConfig(), discardLogger())
	base := time.Now()
	m.OnFill(fillAt("asset-1", types.BUY, "10", "0.40", base, "f1"))
	m.OnFill(fillAt("asset-1", types.BUY, "10", "0.60", base.Add(time.Second), "f2"))

	snap, _ := m.Snapshot("asset-1")
	if !snap.AvgEntry.Equal(dec("0.50")) {
		t.Errorf("AvgEntry = %s, want 0.50 after two equal-size buys at 0.40/0.60", snap.AvgEntry)
	}

	m.OnFill(fillAt("asset-1", types.SELL, "5", "0.70", base.Add(2*time.Second), "f3"))
	snap, _ = m.Snapshot("asset-1")
	if !snap.RealizedPnL.Equal(dec("1.00")) {
		t.Errorf("RealizedPnL = %s, want 1.00 ((0.70-0.50)*5)", snap.RealizedPnL)
	}
}

func TestForceReconcileClearsAllPendingFills(t *testing.T) {
	t.Parallel()

	m := New(testConfig(), discardLogger())
	base := time.Now()
	m.OnFill(fillAt("asset-1", types.BUY, "20", "0.5", base, "f1"))
	m.OnFill(fillAt("asset-1", types.BUY, "30", "0.5", base.Add(time.Second), "f2"))

	m.ForceReconcile("asset-1", dec("20"))

	snap, _ := m.Snapshot("asset-1")
	if len(snap.PendingFills) != 0 {
		t.Errorf("expected all pending fills cleared by ForceReconcile, got %d", len(snap.PendingFills))
	}
	if !snap.ConfirmedSize.Equal(dec("20")) {
		t.Errorf("ConfirmedSize = %s, want 20", snap.ConfirmedSize)
	}
}

// TestNegativeConfirmedSizeReportsDataFault covers §3/§7: a negative
// authoritative snapshot size is a fatal data-integrity fault, reported to
// RiskManager rather than applied to the tracked position.
func TestNegativeConfirmedSizeReportsDataFault(t *testing.T) {
	t.Parallel()

	m := New(testConfig(), discardLogger())
	var faults []string
	m.SetDataFaultFunc(func(reason string) { faults = append(faults, reason) })

	m.SetPosition("asset-1", dec("50"), time.Now())
	m.SetPosition("asset-1", dec("-5"), time.Now())

	if len(faults) != 1 {
		t.Fatalf("expected exactly one data fault reported, got %d", len(faults))
	}
	snap, _ := m.Snapshot("asset-1")
	if !snap.ConfirmedSize.Equal(dec("50")) {
		t.Errorf("ConfirmedSize = %s, want unchanged at 50 after a rejected negative snapshot", snap.ConfirmedSize)
	}

	faults = nil
	m.ForceReconcile("asset-1", dec("-1"))
	if len(faults) != 1 {
		t.Fatalf("expected exactly one data fault reported from ForceReconcile, got %d", len(faults))
	}
	snap, _ = m.Snapshot("asset-1")
	if !snap.ConfirmedSize.Equal(dec("50")) {
		t.Errorf("ConfirmedSize = %s, want unchanged at 50 after a rejected negative force-reconcile", snap.ConfirmedSize)
	}
}

func TestReserveAndReleasePendingBuyAffectsConservativeExposure(t *testing.T) {
	t.Parallel()

	m := New(testConfig(), discardLogger())
	m.SetPosition("asset-1", dec("50"), time.Now())
	m.ReservePendingBuy("asset-1", dec("10"))

	snap, _ := m.Snapshot("asset-1")
	if !snap.ConservativeExposure().Equal(dec("60")) {
		t.Errorf("ConservativeExposure = %s, want 60 after reserving 10", snap.ConservativeExposure())
	}

	m.ReleasePendingBuy("asset-1", dec("10"))
	snap, _ = m.Snapshot("asset-1")
	if !snap.ConservativeExposure().Equal(dec("50")) {
		t.Errorf("ConservativeExposure = %s, want 50 after release", snap.ConservativeExposure())
	}
}

func TestPairLiabilityBlocksBuyAcrossComplement(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MaxLiabilityPerMarket = 10
	m := New(cfg, discardLogger())
	m.Configure(map[string]string{"yes-asset": "no-asset", "no-asset": "yes-asset"})

	m.OnFill(fillAt("yes-asset", types.BUY, "100", "0.10", time.Now(), "f1"))
	m.SetPosition("yes-asset", dec("100"), time.Now())

	check, err := m.CheckLimits("no-asset")
	if err != nil {
		t.Fatalf("CheckLimits: %v", err)
	}
	if check.CanBuy {
		t.Error("expected CanBuy=false on no-asset once paired liability exceeds max_liability_per_market")
	}
}

func TestRiskMultiplierReducesEffectiveLimit(t *testing.T) {
	t.Parallel()

	m := New(testConfig(), discardLogger())
	m.SetRiskMultiplierFunc(func(asset string) decimal.Decimal { return dec("0.5") })
	m.SetPosition("asset-1", dec("40"), time.Now())

	adjusted := m.AdjustedBuySize("asset-1", dec("50"))
	if !adjusted.Equal(dec("10")) {
		t.Errorf("AdjustedBuySize = %s, want 10 (100*0.5=50 max, 50-40=10 headroom)", adjusted)
	}
}
