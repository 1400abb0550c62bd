package momentum

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

func testConfig() config.MomentumConfig {
	return config.MomentumConfig{
		ThresholdTicks:      3,
		Window:              500 * time.Millisecond,
		SweepDepthThreshold: 0.5,
		CooldownSeconds:     2 * time.Second,
	}
}

const tick = types.TickSize("0.01")

func TestInCooldownFalseInitially(t *testing.T) {
	t.Parallel()
	d := New(testConfig(), discardLogger())
	if d.InCooldown("asset-1", time.Now()) {
		t.Error("expected no cooldown before any observation")
	}
}

// TestPriceMomentumArmsCooldown covers S6: a 3-tick move within the window
// arms the cooldown.
func TestPriceMomentumArmsCooldown(t *testing.T) {
	t.Parallel()
	d := New(testConfig(), discardLogger())
	base := time.Now()

	d.ObserveTrade("asset-1", dec("0.50"), tick, base)
	d.ObserveTrade("asset-1", dec("0.53"), tick, base.Add(100*time.Millisecond))

	if !d.InCooldown("asset-1", base.Add(100*time.Millisecond)) {
		t.Error("expected cooldown armed after 3-tick move within window")
	}
}

func TestPriceMomentumBelowThresholdDoesNotArm(t *testing.T) {
	t.Parallel()
	d := New(testConfig(), discardLogger())
	base := time.Now()

	d.ObserveTrade("asset-1", dec("0.50"), tick, base)
	d.ObserveTrade("asset-1", dec("0.51"), tick, base.Add(100*time.Millisecond))

	if d.InCooldown("asset-1", base.Add(100*time.Millisecond)) {
		t.Error("expected no cooldown for a 1-tick move")
	}
}

func TestPriceMomentumOutsideWindowIgnored(t *testing.T) {
	t.Parallel()
	d := New(testConfig(), discardLogger())
	base := time.Now()

	d.ObserveTrade("asset-1", dec("0.50"), tick, base)
	d.ObserveTrade("asset-1", dec("0.53"), tick, base.Add(time.Second))

	if d.InCooldown("asset-1", base.Add(time.Second)) {
		t.Error("expected move outside the rolling window to not arm cooldown")
	}
}

func TestDepthSweepArmsCooldown(t *testing.T) {
	t.Parallel()
	d := New(testConfig(), discardLogger())
	base := time.Now()

	before := BookLevels{BidSize: dec("100"), AskSize: dec("100")}
	after := BookLevels{BidSize: dec("40"), AskSize: dec("100")}
	d.ObserveBookDelta("asset-1", before, after, base)

	if !d.InCooldown("asset-1", base) {
		t.Error("expected cooldown armed after removing 60%% of bid depth")
	}
}

func TestDepthSweepBelowThresholdDoesNotArm(t *testing.T) {
	t.Parallel()
	d := New(testConfig(), discardLogger())
	base := time.Now()

	before := BookLevels{BidSize: dec("100"), AskSize: dec("100")}
	after := BookLevels{BidSize: dec("80"), AskSize: dec("100")}
	d.ObserveBookDelta("asset-1", before, after, base)

	if d.InCooldown("asset-1", base) {
		t.Error("expected no cooldown after removing only 20%% of bid depth")
	}
}

func TestCooldownExpiresAfterDuration(t *testing.T) {
	t.Parallel()
	d := New(testConfig(), discardLogger())
	base := time.Now()

	before := BookLevels{BidSize: dec("100")}
	after := BookLevels{BidSize: dec("0")}
	d.ObserveBookDelta("asset-1", before, after, base)

	if !d.InCooldown("asset-1", base.Add(time.Second)) {
		t.Fatal("expected still in cooldown at 1s")
	}
	if d.InCooldown("asset-1", base.Add(3*time.Second)) {
		t.Error("expected cooldown expired at 3s (default 2s cooldown)")
	}
}

func TestCooldownIsPerAsset(t *testing.T) {
	t.Parallel()
	d := New(testConfig(), discardLogger())
	base := time.Now()

	d.ObserveTrade("asset-1", dec("0.50"), tick, base)
	d.ObserveTrade("asset-1", dec("0.60"), tick, base.Add(10*time.Millisecond))

	if d.InCooldown("asset-2", base) {
		t.Error("expected asset-2 unaffected by asset-1's momentum")
	}
}
