// Package risk implements a per-scope (market or global) circuit breaker
// with four states, cycling NORMAL -> WARNING -> HALTED -> RECOVERING ->
// NORMAL (§4.7).
//
// It replaces the teacher's single global kill-switch (one boolean plus a
// fixed cooldown) with a per-scope state machine generalized from
// web3guy0-polybot's risk/circuit_breaker.go trip/cooldown/reset shape, kept
// under the teacher's report-channel + background-ticker idiom and its
// drain-then-send emitKill pattern for delivering kill-switch side effects.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"activequoter/internal/config"
)

// State is one of NORMAL, WARNING, HALTED, RECOVERING.
type State int

const (
	Normal State = iota
	Warning
	Halted
	Recovering
)

func (s State) String() string {
	switch s {
	case Normal:
		return "NORMAL"
	case Warning:
		return "WARNING"
	case Halted:
		return "HALTED"
	case Recovering:
		return "RECOVERING"
	default:
		return "UNKNOWN"
	}
}

// Multiplier returns the position-limit multiplier InventoryManager applies
// for this state.
func (s State) Multiplier() decimal.Decimal {
	switch s {
	case Normal:
		return decimal.NewFromInt(1)
	case Warning:
		return decimal.NewFromFloat(0.5)
	case Recovering:
		return decimal.NewFromFloat(0.25)
	case Halted:
		return decimal.Zero
	default:
		return decimal.Zero
	}
}

// globalScope is the key used for the account-wide scope alongside
// per-market scopes (condition ids).
const globalScope = ""

// KillSignal tells the Orchestrator to cancel all resting orders for scope.
// An empty Scope means every market.
type KillSignal struct {
	Scope  string
	Reason string
}

type scopeState struct {
	state      State
	reason     string
	haltedAt   time.Time
	recoverAt  time.Time

	consecutiveErrors int
	errorTimestamps   []time.Time // sliding window for errors/hour

	peakPnL    decimal.Decimal
	realizedPnL   decimal.Decimal
	unrealizedPnL decimal.Decimal

	lastFeedUpdate time.Time
	wsConnected    bool
	gapPending     bool
	gapAttempts    int
	faultFreeSince time.Time
}

func newScopeState(now time.Time) *scopeState {
	return &scopeState{state: Normal, wsConnected: true, lastFeedUpdate: now, faultFreeSince: now}
}

// Manager is the RiskManager described in §4.7.
type Manager struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu     sync.Mutex
	scopes map[string]*scopeState

	now    func() time.Time
	killCh chan KillSignal
}

// New creates a RiskManager.
func New(cfg config.RiskConfig, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger.With("component", "risk"),
		scopes: make(map[string]*scopeState),
		now:    time.Now,
		killCh: make(chan KillSignal, 16),
	}
}

// KillCh returns the channel OrderManager/Orchestrator reads kill-switch
// side effects from.
func (m *Manager) KillCh() <-chan KillSignal {
	return m.killCh
}

// Run periodically evaluates HALTED->RECOVERING->NORMAL transitions for
// every scope, since those need to fire even without a new report.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick()
		}
	}
}

func (m *Manager) tick() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for scope, s := range m.scopes {
		m.evaluateRecoveryLocked(scope, s, now)
		m.evaluateStaleFeedLocked(scope, s, now)
	}
}

func (m *Manager) scopeLocked(scope string) *scopeState {
	s, ok := m.scopes[scope]
	if !ok {
		s = newScopeState(m.now())
		m.scopes[scope] = s
	}
	return s
}

// State returns scope's current risk state.
func (m *Manager) State(scope string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scopeLocked(scope).state
}

// Multiplier returns the position-limit multiplier for scope, consulting
// both the scope's own state and the global scope (whichever is more
// restrictive applies).
func (m *Manager) Multiplier(scope string) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	local := m.scopeLocked(scope).state.Multiplier()
	global := m.scopeLocked(globalScope).state.Multiplier()
	if global.LessThan(local) {
		return global
	}
	return local
}

// IsHalted reports whether scope (or the global scope) is currently HALTED.
func (m *Manager) IsHalted(scope string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.scopeLocked(scope).state == Halted || m.scopeLocked(globalScope).state == Halted
}

// ReportFeedUpdate marks scope's public feed as fresh as of now, clearing
// the stale-feed WARNING condition.
func (m *Manager) ReportFeedUpdate(scope string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopeLocked(scope).lastFeedUpdate = now
}

// ReportFeedDisconnect transitions scope to WARNING (public feed) per §4.7.
func (m *Manager) ReportFeedDisconnect(scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnLocked(scope, "public feed disconnect")
}

// ReportUserChannelDisconnect is a hard HALT: the authoritative order/fill
// view can no longer be trusted.
func (m *Manager) ReportUserChannelDisconnect(scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haltLocked(scope, "user channel disconnect")
}

// ReportSequenceGap marks scope WARNING (gap pending reconcile); if the gap
// persists past ws_gap_reconcile_attempts it escalates to HALTED.
func (m *Manager) ReportSequenceGap(scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.scopeLocked(scope)
	s.gapPending = true
	s.gapAttempts++
	if s.gapAttempts >= m.cfg.WSGapReconcileAttempts && m.cfg.WSGapReconcileAttempts > 0 {
		m.haltLocked(scope, "unresolved sequence gap")
		return
	}
	m.warnLocked(scope, "unresolved sequence gap pending reconcile")
}

// ReportGapResolved clears the pending-gap flag once reconciliation succeeds.
func (m *Manager) ReportGapResolved(scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.scopeLocked(scope)
	s.gapPending = false
	s.gapAttempts = 0
}

// ReportError records one operational error against scope's consecutive and
// per-hour error counters, escalating per §4.7's thresholds.
func (m *Manager) ReportError(scope string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.scopeLocked(scope)
	s.consecutiveErrors++
	s.errorTimestamps = append(s.errorTimestamps, now)
	s.errorTimestamps = pruneOlderThan(s.errorTimestamps, now.Add(-time.Hour))

	if m.cfg.MaxConsecutiveErrors > 0 && s.consecutiveErrors >= m.cfg.MaxConsecutiveErrors {
		m.haltLocked(scope, "max consecutive errors")
		return
	}
	if m.cfg.MaxErrorsPerHour > 0 && len(s.errorTimestamps) >= m.cfg.MaxErrorsPerHour {
		m.haltLocked(scope, "max errors per hour")
		return
	}
	if m.cfg.WarnConsecutiveErrors > 0 && s.consecutiveErrors >= m.cfg.WarnConsecutiveErrors {
		m.warnLocked(scope, "consecutive errors above warn threshold")
	}
}

// ReportSuccess clears scope's consecutive-error counter after a clean cycle.
func (m *Manager) ReportSuccess(scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.scopeLocked(scope).consecutiveErrors = 0
}

// ReportDataIntegrityFault is a fatal fault per §7's "Data integrity"
// row (negative confirmed size, duplicate order_id with differing state):
// always a global HALT, regardless of scope, since the local state can no
// longer be trusted anywhere.
func (m *Manager) ReportDataIntegrityFault(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.haltLocked(globalScope, reason)
}

// ReportFill checks one fill's realized P&L delta (negative is a loss)
// against max_loss_per_trade, halting scope when the loss exceeds it. It
// does not update scope's P&L; ReportPnL does that.
func (m *Manager) ReportFill(scope string, realizedDelta decimal.Decimal, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxLossPerTrade > 0 && realizedDelta.LessThan(decimal.NewFromFloat(-m.cfg.MaxLossPerTrade)) {
		m.haltLocked(scope, "single trade loss exceeds max_loss_per_trade")
	}
}

// ReportPnL updates scope's realized/unrealized P&L and evaluates drawdown
// against max_drawdown_per_market / max_drawdown_global.
func (m *Manager) ReportPnL(scope string, realized, unrealized decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.scopeLocked(scope)
	s.realizedPnL = realized
	s.unrealizedPnL = unrealized
	total := realized.Add(unrealized)
	if total.GreaterThan(s.peakPnL) {
		s.peakPnL = total
	}
	drawdown := s.peakPnL.Sub(total)
	if drawdown.IsNegative() {
		drawdown = decimal.Zero
	}

	var limit float64
	if scope == globalScope {
		limit = m.cfg.MaxDrawdownGlobal
	} else {
		limit = m.cfg.MaxDrawdownPerMarket
	}
	if limit > 0 && drawdown.GreaterThanOrEqual(decimal.NewFromFloat(limit)) {
		m.haltLocked(scope, "drawdown limit breached")
	}
}

func (m *Manager) warnLocked(scope, reason string) {
	s := m.scopeLocked(scope)
	if s.state == Halted {
		return // already at the more severe state
	}
	if s.state != Warning {
		m.logger.Warn("risk state -> WARNING", "scope", scope, "reason", reason)
	}
	s.state = Warning
	s.reason = reason
	s.faultFreeSince = time.Time{}
}

func (m *Manager) haltLocked(scope, reason string) {
	s := m.scopeLocked(scope)
	wasHalted := s.state == Halted
	s.state = Halted
	s.reason = reason
	s.haltedAt = m.now()
	s.faultFreeSince = time.Time{}

	if !wasHalted {
		m.logger.Error("risk state -> HALTED", "scope", scope, "reason", reason)
		m.emitKill(scope, reason)
	}
}

// evaluateRecoveryLocked drives HALTED->RECOVERING->NORMAL.
func (m *Manager) evaluateRecoveryLocked(scope string, s *scopeState, now time.Time) {
	switch s.state {
	case Halted:
		if m.cfg.RequireManualReset {
			return
		}
		cooldown := m.cfg.CircuitBreakerCooldown
		if cooldown <= 0 {
			cooldown = 300 * time.Second
		}
		if now.Sub(s.haltedAt) < cooldown {
			return
		}
		if s.gapPending || !s.wsConnected || m.feedStaleLocked(scope, s, now) {
			return
		}
		s.state = Recovering
		s.recoverAt = now
		s.faultFreeSince = now
		m.logger.Info("risk state -> RECOVERING", "scope", scope)
	case Recovering:
		recovery := m.cfg.CircuitBreakerRecovery
		if recovery <= 0 {
			recovery = 120 * time.Second
		}
		if s.faultFreeSince.IsZero() {
			s.faultFreeSince = now
		}
		if now.Sub(s.faultFreeSince) >= recovery {
			s.state = Normal
			s.consecutiveErrors = 0
			s.gapAttempts = 0
			m.logger.Info("risk state -> NORMAL", "scope", scope)
		}
	}
}

func (m *Manager) evaluateStaleFeedLocked(scope string, s *scopeState, now time.Time) {
	if s.state == Halted {
		return
	}
	if m.feedStaleLocked(scope, s, now) {
		m.warnLocked(scope, "stale feed")
	}
}

func (m *Manager) feedStaleLocked(scope string, s *scopeState, now time.Time) bool {
	threshold := m.cfg.StaleFeedThreshold
	if threshold <= 0 {
		threshold = 10 * time.Second
	}
	if s.lastFeedUpdate.IsZero() {
		return false
	}
	return now.Sub(s.lastFeedUpdate) >= threshold
}

// ManualReset clears a HALTED state when require_manual_reset is set,
// typically triggered from an operator CLI command.
func (m *Manager) ManualReset(scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.scopeLocked(scope)
	s.state = Recovering
	s.recoverAt = m.now()
	s.faultFreeSince = m.now()
	m.logger.Info("risk state -> RECOVERING (manual reset)", "scope", scope)
}

// emitKill sends a KillSignal, draining a stale one first if the channel is
// full so the latest reason is always delivered.
func (m *Manager) emitKill(scope, reason string) {
	sig := KillSignal{Scope: scope, Reason: reason}
	select {
	case m.killCh <- sig:
	default:
		select {
		case <-m.killCh:
		default:
		}
		m.killCh <- sig
	}
}

func pruneOlderThan(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return ts[i:]
}
