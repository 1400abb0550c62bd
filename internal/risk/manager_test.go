package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"activequoter/internal/config"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxDrawdownPerMarket:   100,
		MaxDrawdownGlobal:      500,
		MaxLossPerTrade:        50,
		MaxConsecutiveErrors:   5,
		MaxErrorsPerHour:       20,
		CircuitBreakerCooldown: 300 * time.Second,
		CircuitBreakerRecovery: 120 * time.Second,
		StaleFeedThreshold:     10 * time.Second,
		WSGapReconcileAttempts: 3,
		WarnConsecutiveErrors:  2,
	}
}

func newTestManager() *Manager {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	m := New(testRiskConfig(), logger)
	m.now = func() time.Time { return fixedNow }
	return m
}

var fixedNow = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestInitialStateNormal(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	if m.State("market-1") != Normal {
		t.Errorf("State = %v, want Normal", m.State("market-1"))
	}
	if !m.Multiplier("market-1").Equal(decimal.NewFromInt(1)) {
		t.Errorf("Multiplier = %s, want 1", m.Multiplier("market-1"))
	}
}

func TestFeedDisconnectTransitionsToWarning(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.ReportFeedDisconnect("market-1")
	if m.State("market-1") != Warning {
		t.Errorf("State = %v, want Warning", m.State("market-1"))
	}
	if !m.Multiplier("market-1").Equal(decimal.NewFromFloat(0.5)) {
		t.Errorf("Multiplier = %s, want 0.5", m.Multiplier("market-1"))
	}
}

func TestUserChannelDisconnectHaltsAndEmitsKill(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.ReportUserChannelDisconnect("market-1")
	if m.State("market-1") != Halted {
		t.Errorf("State = %v, want Halted", m.State("market-1"))
	}
	select {
	case sig := <-m.KillCh():
		if sig.Scope != "market-1" {
			t.Errorf("KillSignal.Scope = %q, want market-1", sig.Scope)
		}
	default:
		t.Error("expected a KillSignal on the kill channel")
	}
}

func TestMaxConsecutiveErrorsHalts(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	now := time.Now()
	for i := 0; i < 5; i++ {
		m.ReportError("market-1", now)
	}
	if m.State("market-1") != Halted {
		t.Errorf("State = %v, want Halted after max consecutive errors", m.State("market-1"))
	}
}

func TestWarnConsecutiveErrorsBeforeHalt(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	now := time.Now()
	m.ReportError("market-1", now)
	m.ReportError("market-1", now)
	if m.State("market-1") != Warning {
		t.Errorf("State = %v, want Warning at warn threshold", m.State("market-1"))
	}
}

func TestReportSuccessClearsConsecutiveErrors(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	now := time.Now()
	m.ReportError("market-1", now)
	m.ReportError("market-1", now)
	m.ReportSuccess("market-1")
	m.ReportError("market-1", now)
	if m.State("market-1") != Normal {
		t.Errorf("State = %v, want Normal after ReportSuccess resets the counter", m.State("market-1"))
	}
}

func TestMaxLossPerTradeHalts(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.ReportFill("market-1", decimal.NewFromInt(-60), time.Now())
	if m.State("market-1") != Halted {
		t.Errorf("State = %v, want Halted after a loss exceeding max_loss_per_trade", m.State("market-1"))
	}
}

func TestDrawdownBreachHalts(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.ReportPnL("market-1", decimal.NewFromInt(100), decimal.Zero)
	m.ReportPnL("market-1", decimal.NewFromInt(-10), decimal.Zero) // drawdown = 110 >= 100
	if m.State("market-1") != Halted {
		t.Errorf("State = %v, want Halted after drawdown breach", m.State("market-1"))
	}
}

func TestSequenceGapEscalatesAfterReconcileAttempts(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.ReportSequenceGap("market-1")
	m.ReportSequenceGap("market-1")
	if m.State("market-1") != Warning {
		t.Fatalf("State = %v, want Warning before reconcile attempts exhausted", m.State("market-1"))
	}
	m.ReportSequenceGap("market-1")
	if m.State("market-1") != Halted {
		t.Errorf("State = %v, want Halted after ws_gap_reconcile_attempts exhausted", m.State("market-1"))
	}
}

func TestHaltedRecoversAfterCooldownWhenCauseClear(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.ReportUserChannelDisconnect("market-1")

	s := m.scopeLocked("market-1")
	s.wsConnected = true
	s.gapPending = false

	m.now = func() time.Time { return fixedNow.Add(400 * time.Second) }
	m.ReportFeedUpdate("market-1", fixedNow.Add(400*time.Second))
	m.tick()

	if m.State("market-1") != Recovering {
		t.Errorf("State = %v, want Recovering after cooldown elapses with cause cleared", m.State("market-1"))
	}
}

func TestHaltedStaysWhenRequireManualReset(t *testing.T) {
	t.Parallel()
	cfg := testRiskConfig()
	cfg.RequireManualReset = true
	m := New(cfg, slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
	m.now = func() time.Time { return fixedNow }

	m.ReportUserChannelDisconnect("market-1")
	m.now = func() time.Time { return fixedNow.Add(time.Hour) }
	m.tick()

	if m.State("market-1") != Halted {
		t.Errorf("State = %v, want Halted to persist under require_manual_reset", m.State("market-1"))
	}
}

func TestManualResetMovesToRecovering(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.ReportUserChannelDisconnect("market-1")
	m.ManualReset("market-1")
	if m.State("market-1") != Recovering {
		t.Errorf("State = %v, want Recovering after ManualReset", m.State("market-1"))
	}
}

func TestRecoveringReturnsToNormalAfterInterval(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.ReportUserChannelDisconnect("market-1")
	m.ManualReset("market-1")

	m.now = func() time.Time { return fixedNow.Add(130 * time.Second) }
	m.ReportFeedUpdate("market-1", fixedNow.Add(130*time.Second))
	m.tick()

	if m.State("market-1") != Normal {
		t.Errorf("State = %v, want Normal after recovery interval with no new faults", m.State("market-1"))
	}
}

func TestGlobalHaltOverridesMarketMultiplier(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	m.ReportUserChannelDisconnect(globalScope)
	if !m.Multiplier("market-1").Equal(decimal.Zero) {
		t.Errorf("Multiplier = %s, want 0 when global scope is HALTED", m.Multiplier("market-1"))
	}
}

func TestIsHaltedChecksBothScopes(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	if m.IsHalted("market-1") {
		t.Fatal("expected not halted initially")
	}
	m.ReportUserChannelDisconnect(globalScope)
	if !m.IsHalted("market-1") {
		t.Error("expected market-1 halted via global scope")
	}
}
