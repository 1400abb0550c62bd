// Package orchestrator is the central coordinator of the active quoting
// engine. It wires every component — OrderbookManager, UserChannelManager,
// InventoryManager, MomentumDetector, QuoteEngine, OrderManager, RiskManager,
// FillAnalytics, discovery and the exchange REST/WS clients — into one
// running process and owns their lifecycle.
//
// The wiring follows the teacher's internal/engine.Engine: two WebSocket
// feeds dispatched by dedicated goroutines, a risk-manager kill channel
// drained by the main loop, and a single New -> Start -> Stop lifecycle. What
// changes is the unit of work: the teacher ran one strategy goroutine per
// market slot; here every component already tracks its own per-asset state
// internally, so the Orchestrator drives one shared event loop across all
// configured assets instead of spawning a goroutine per market.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"activequoter/internal/analytics"
	"activequoter/internal/api"
	"activequoter/internal/config"
	"activequoter/internal/discovery"
	"activequoter/internal/exchange"
	"activequoter/internal/inventory"
	"activequoter/internal/momentum"
	"activequoter/internal/orderbook"
	"activequoter/internal/ordermanager"
	"activequoter/internal/quote"
	"activequoter/internal/risk"
	"activequoter/internal/store"
	"activequoter/internal/userchannel"
	"activequoter/pkg/types"
)

const (
	quoteTickInterval       = 500 * time.Millisecond
	markoutSampleInterval   = time.Second
	positionRefreshInterval = 30 * time.Second
)

// assetMeta is the static wiring the Orchestrator needs per asset on top of
// what the individual components already track: which market it belongs to
// and that market's condition ID, used as the risk/cancel scope.
type assetMeta struct {
	conditionID string
	tickSize    types.TickSize
	negRisk     bool
}

// Orchestrator wires every component together and drives the main event
// loop. It implements api.Provider so the status server can read a snapshot
// directly off the running engine.
type Orchestrator struct {
	cfg    config.Config
	logger *slog.Logger

	auth       *exchange.Auth
	client     *exchange.Client
	mktFeed    *exchange.WSFeed
	usrFeed    *exchange.WSFeed
	discoverer *discovery.Client

	books     *orderbook.Manager
	users     *userchannel.Manager
	inv       *inventory.Manager
	mom       *momentum.Detector
	quotes    *quote.Engine
	orders    *ordermanager.Manager
	riskMgr   *risk.Manager
	analytics *analytics.Tracker
	store     *store.Store

	mu      sync.RWMutex
	assets  map[string]assetMeta        // asset id -> static wiring
	markets map[string]types.MarketInfo // condition id -> market info

	sessionID  string
	detectOnly bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires every component from cfg. conditionIDs is the operator-supplied
// list of markets to trade (the --assets CLI flag, resolved to condition
// IDs); discovery hydrates their metadata before anything else runs.
func New(cfg config.Config, logger *slog.Logger) (*Orchestrator, error) {
	auth, err := exchange.NewAuth(cfg)
	if err != nil {
		return nil, fmt.Errorf("init auth: %w", err)
	}

	client := exchange.NewClient(cfg, auth, logger)
	if !auth.HasL2Credentials() && !cfg.DryRun {
		logger.Info("no L2 credentials configured, deriving via L1 auth")
		creds, err := client.DeriveAPIKey(context.Background())
		if err != nil {
			return nil, fmt.Errorf("derive api key: %w", err)
		}
		auth.SetCredentials(*creds)
	}

	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	riskMgr := risk.New(cfg.Risk, logger)
	invMgr := inventory.New(cfg.Inventory, logger)

	books := orderbook.New()
	momDetector := momentum.New(cfg.Momentum, logger)
	quoteEngine := quote.New(cfg.Quote, books, invMgr, momDetector)
	orderMgr := ordermanager.New(cfg.OrderMgr, client, invMgr, logger)
	userMgr := userchannel.New(client, 60*time.Second, logger)

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		cfg:        cfg,
		logger:     logger.With("component", "orchestrator"),
		auth:       auth,
		client:     client,
		mktFeed:    exchange.NewMarketFeed(cfg.API.WSMarketURL, logger),
		usrFeed:    exchange.NewUserFeed(cfg.API.WSUserURL, auth, logger),
		discoverer: discovery.New(cfg, logger),
		books:      books,
		users:      userMgr,
		inv:        invMgr,
		mom:        momDetector,
		quotes:     quoteEngine,
		orders:     orderMgr,
		riskMgr:    riskMgr,
		analytics:  analytics.New(),
		store:      st,
		assets:     make(map[string]assetMeta),
		markets:    make(map[string]types.MarketInfo),
		sessionID:  time.Now().UTC().Format("20060102T150405.000Z"),
		ctx:        ctx,
		cancel:     cancel,
	}

	invMgr.SetRiskMultiplierFunc(func(asset string) decimal.Decimal {
		return riskMgr.Multiplier(o.scopeFor(asset))
	})
	invMgr.SetDataFaultFunc(riskMgr.ReportDataIntegrityFault)

	return o, nil
}

// SetDetectOnly puts the quote loop into detect-only mode: intents are still
// evaluated every tick but never sent to OrderManager, per the --detect-only
// CLI flag ("quote-cycle only, no placements").
func (o *Orchestrator) SetDetectOnly(detectOnly bool) {
	o.detectOnly = detectOnly
}

// Start hydrates market metadata, restores persisted positions, wires every
// component's callbacks, connects both WebSocket feeds, and launches every
// background goroutine. It blocks only long enough to complete startup.
func (o *Orchestrator) Start(conditionIDs []string) error {
	infos, err := o.discoverer.HydrateMarkets(o.ctx, conditionIDs)
	if err != nil {
		return fmt.Errorf("hydrate markets: %w", err)
	}

	pairs := make(map[string]string)
	assetIDs := make([]string, 0, len(infos)*2)
	o.mu.Lock()
	for _, mi := range infos {
		o.markets[mi.ConditionID] = mi
		o.assets[mi.YesTokenID] = assetMeta{conditionID: mi.ConditionID, tickSize: mi.TickSize, negRisk: mi.NegRisk}
		o.assets[mi.NoTokenID] = assetMeta{conditionID: mi.ConditionID, tickSize: mi.TickSize, negRisk: mi.NegRisk}
		pairs[mi.YesTokenID] = mi.NoTokenID
		pairs[mi.NoTokenID] = mi.YesTokenID
		assetIDs = append(assetIDs, mi.YesTokenID, mi.NoTokenID)
	}
	o.mu.Unlock()
	o.inv.Configure(pairs)

	if err := o.store.StartSession(o.sessionID, "", time.Now()); err != nil {
		o.logger.Error("start session record failed", "error", err)
	}

	o.restorePositions(assetIDs)
	o.wireCallbacks()

	// Subscribe registers the desired ID set before the feed's first connect
	// attempt; writeJSON fails harmlessly here since no connection exists
	// yet, and connectAndRead's sendInitialSubscription sends the full set
	// once connected.
	if err := o.mktFeed.Subscribe(o.ctx, assetIDs); err != nil {
		o.logger.Debug("market subscribe queued for first connect", "error", err)
	}
	conditionList := make([]string, 0, len(infos))
	for _, mi := range infos {
		conditionList = append(conditionList, mi.ConditionID)
	}
	if err := o.usrFeed.Subscribe(o.ctx, conditionList); err != nil {
		o.logger.Debug("user subscribe queued for first connect", "error", err)
	}

	o.startBackgroundLoops()
	o.logger.Info("orchestrator started", "assets", len(assetIDs), "markets", len(infos))
	return nil
}

// restorePositions seeds InventoryManager from the persisted store, then
// reconciles each asset against the authoritative REST /positions snapshot —
// the source of truth on startup per §4.3.
func (o *Orchestrator) restorePositions(assetIDs []string) {
	saved, err := o.store.AllPositions()
	if err != nil {
		o.logger.Error("load persisted positions failed", "error", err)
	} else {
		for _, p := range saved {
			size, err := decimal.NewFromString(p.Size)
			if err != nil {
				continue
			}
			o.inv.SetPosition(p.AssetID, size, p.UpdatedAt)
		}
	}

	remote, err := o.client.GetPositions(o.ctx)
	if err != nil {
		o.logger.Warn("fetch authoritative positions failed, using persisted state", "error", err)
		return
	}
	for _, p := range remote {
		size, err := decimal.NewFromString(p.Size)
		if err != nil {
			continue
		}
		o.inv.ForceReconcile(p.AssetID, size)
	}
	_ = assetIDs
}

// wireCallbacks connects every component's output to its downstream
// collaborator, mirroring the teacher's routeBookEvent/routeTrade/routeOrder
// dispatch but as direct callback registration instead of channel routing,
// since every component here is a single long-lived instance rather than a
// per-market slot.
func (o *Orchestrator) wireCallbacks() {
	o.books.Subscribe(o.onBookUpdate, o.onLastTrade)
	o.books.OnGap(o.onGap)

	o.users.OnOrderUpdate(o.onOrderUpdate)
	o.users.OnFill(o.onFill)

	o.analytics.OnMarkout(o.onMarkout)
}

// onMarkout persists a sampled markout to the §6 markouts table as soon as
// FillAnalytics computes it.
func (o *Orchestrator) onMarkout(m analytics.Markout) {
	if err := o.store.RecordMarkout(m.Fill.Key(), m.Horizon, m.Mid, m.MarkoutBps, time.Now()); err != nil {
		o.logger.Error("persist markout failed", "error", err, "asset", m.Asset)
	}
}

func (o *Orchestrator) onBookUpdate(asset string) {
	// Quote evaluation runs off the periodic ticker, not per-tick, to bound
	// the replace rate independent of book update frequency; nothing to do
	// here beyond the callback's existence, which future per-asset fast-path
	// logic can hook without touching the ticker loop.
	_ = asset
}

// applyBookDeltaWithMomentum applies a full "book" or incremental
// "price_change" event to the OrderbookManager, bracketing the mutation with
// a top-N depth read on each side so MomentumDetector.ObserveBookDelta can
// evaluate the §4.4 depth-sweep condition ("a single update removes >= a
// fraction of visible top-N depth on one side"). Depth must be captured
// around the single ApplyEvent call, not in the onUpdate callback it fires,
// since that callback only observes the book after the mutation.
func (o *Orchestrator) applyBookDeltaWithMomentum(asset string, evt types.MarketEvent) {
	levels := o.cfg.Momentum.DepthLevels
	if levels <= 0 {
		levels = 5
	}

	beforeBid, beforeAsk, hadBefore := o.books.GetTopNDepth(asset, levels)
	o.books.ApplyEvent(evt)
	afterBid, afterAsk, hadAfter := o.books.GetTopNDepth(asset, levels)

	if !hadBefore || !hadAfter {
		return
	}
	before := momentum.BookLevels{BidSize: beforeBid, AskSize: beforeAsk}
	after := momentum.BookLevels{BidSize: afterBid, AskSize: afterAsk}
	o.mom.ObserveBookDelta(asset, before, after, evt.OccurredAt())
}

func (o *Orchestrator) onLastTrade(asset string, price decimal.Decimal, ts time.Time) {
	top, ok := o.books.GetTopOfBook(asset)
	tick := types.Tick001
	if ok {
		tick = top.Tick
	}
	o.mom.ObserveTrade(asset, price, tick, ts)
}

func (o *Orchestrator) onGap(g orderbook.GapDetected) {
	scope := o.scopeFor(g.Asset)
	o.logger.Warn("sequence gap detected", "asset", g.Asset, "expected", g.Expected, "got", g.Got)
	o.riskMgr.ReportSequenceGap(scope)
	o.books.MarkAssetStale(g.Asset)
	o.users.MarkDisconnected()
}

// onOrderUpdate releases a BUY order's pending-buy reservation only on
// terminal confirmation, never on a bare cancel request, per §4.6.
func (o *Orchestrator) onOrderUpdate(order types.Order) {
	if order.Status.Terminal() && order.Side == types.BUY {
		o.inv.ReleasePendingBuy(order.Asset, order.OriginalSize)
	}
}

func (o *Orchestrator) onFill(fill types.Fill) {
	o.inv.OnFill(fill)

	mid := o.midFor(fill.Asset)
	o.analytics.RecordFill(fill, mid)

	if err := o.store.RecordFill(fill, mid); err != nil {
		o.logger.Error("persist fill failed", "error", err)
	}

	scope := o.scopeFor(fill.Asset)
	realizedDelta := mid.Sub(fill.Price).Mul(fill.Size).Mul(decimal.NewFromInt(int64(fill.Side.Sign())))
	o.riskMgr.ReportFill(scope, realizedDelta, fill.Timestamp)

	if pos, ok := o.inv.Snapshot(fill.Asset); ok {
		if err := o.store.SavePosition(fill.Asset, pos.EffectiveSize(), pos.AvgEntry); err != nil {
			o.logger.Error("persist position failed", "error", err)
		}
		unrealized := o.inv.UnrealizedPnL(fill.Asset, mid)
		o.riskMgr.ReportPnL(scope, pos.RealizedPnL, unrealized)
	}
}

func (o *Orchestrator) midFor(asset string) decimal.Decimal {
	top, ok := o.books.GetTopOfBook(asset)
	if !ok {
		return decimal.Zero
	}
	return top.BestBid.Add(top.BestAsk).Div(decimal.NewFromInt(2))
}

func (o *Orchestrator) scopeFor(asset string) string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.assets[asset].conditionID
}

func (o *Orchestrator) startBackgroundLoops() {
	o.spawn(func() { o.mktFeed.Run(o.ctx) })
	o.spawn(func() { o.usrFeed.Run(o.ctx) })
	o.spawn(func() { o.riskMgr.Run(o.ctx) })
	o.spawn(func() { o.users.Run(o.ctx) })
	o.spawn(o.dispatchMarketEvents)
	o.spawn(o.dispatchUserEvents)
	o.spawn(o.dispatchConnState)
	o.spawn(o.quoteLoop)
	o.spawn(o.maintenanceLoop)
	o.spawn(o.killSwitchLoop)
}

func (o *Orchestrator) spawn(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// dispatchMarketEvents routes every public-channel wire event into the
// OrderbookManager after translation, following the same per-kind channel
// select the teacher's dispatchMarketEvents uses.
func (o *Orchestrator) dispatchMarketEvents() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case w := <-o.mktFeed.BookEvents():
			o.applyBookDeltaWithMomentum(w.AssetID, orderbook.TranslateBookEvent(w))
			o.riskMgr.ReportFeedUpdate(o.scopeFor(w.AssetID), time.Now())
		case w := <-o.mktFeed.PriceChangeEvents():
			o.applyBookDeltaWithMomentum(w.AssetID, orderbook.TranslatePriceChangeEvent(w))
			o.riskMgr.ReportFeedUpdate(o.scopeFor(w.AssetID), time.Now())
		case w := <-o.mktFeed.BestBidAskEvents():
			o.books.ApplyEvent(orderbook.TranslateBestBidAskEvent(w))
			o.riskMgr.ReportFeedUpdate(o.scopeFor(w.AssetID), time.Now())
		case w := <-o.mktFeed.LastTradePriceEvents():
			o.books.ApplyEvent(orderbook.TranslateLastTradePriceEvent(w))
		case w := <-o.mktFeed.TickSizeChangeEvents():
			o.books.ApplyEvent(orderbook.TranslateTickSizeChangeEvent(w))
		}
	}
}

// dispatchUserEvents routes authenticated-channel wire events into
// UserChannelManager.
func (o *Orchestrator) dispatchUserEvents() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case w := <-o.usrFeed.TradeEvents():
			o.users.HandleTradeEvent(w)
		case w := <-o.usrFeed.OrderEvents():
			o.users.HandleOrderEvent(w)
		}
	}
}

// dispatchConnState applies the §4.1/§4.2 disconnect contracts: a public
// feed drop marks every book stale and demotes risk to WARNING; a user feed
// drop is a hard HALT and forces the next reconcile.
func (o *Orchestrator) dispatchConnState() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case s := <-o.mktFeed.ConnStateCh():
			if !s.Connected {
				o.books.MarkStale()
				o.riskMgr.ReportFeedDisconnect("")
			}
		case s := <-o.usrFeed.ConnStateCh():
			if !s.Connected {
				o.users.MarkDisconnected()
				o.riskMgr.ReportUserChannelDisconnect("")
			} else {
				if err := o.users.ReconcileWithSnapshot(o.ctx); err != nil {
					o.logger.Error("post-reconnect reconcile failed", "error", err)
				}
			}
		}
	}
}

// quoteLoop evaluates every configured asset's quote.Intent on a fixed
// cadence and applies the resulting replacements through OrderManager,
// skipping assets RiskManager currently has halted.
func (o *Orchestrator) quoteLoop() {
	ticker := time.NewTicker(quoteTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.evaluateAllAssets()
		}
	}
}

func (o *Orchestrator) evaluateAllAssets() {
	o.mu.RLock()
	assets := make([]string, 0, len(o.assets))
	metas := make(map[string]assetMeta, len(o.assets))
	for a, meta := range o.assets {
		assets = append(assets, a)
		metas[a] = meta
	}
	o.mu.RUnlock()

	var reqs []ordermanager.PlaceRequest
	openOrders := o.users.OpenOrders()

	for _, asset := range assets {
		resting := quote.RestingFromOrders(asset, openOrders)
		intent := o.quotes.Evaluate(asset, resting)

		meta := metas[asset]
		var cancelIDs []string
		for id, ord := range openOrders {
			if ord.Asset == asset {
				cancelIDs = append(cancelIDs, id)
			}
		}

		switch intent.Action {
		case quote.ActionKeep:
			continue
		case quote.ActionCancelAll:
			if len(cancelIDs) > 0 {
				reqs = append(reqs, ordermanager.PlaceRequest{Asset: asset, TickSize: meta.tickSize, NegRisk: meta.negRisk, CancelIDs: cancelIDs})
			}
		case quote.ActionReplace:
			req := ordermanager.PlaceRequest{Asset: asset, TickSize: meta.tickSize, NegRisk: meta.negRisk, CancelIDs: cancelIDs}
			if intent.SizeBid.IsPositive() {
				if ord, ok := o.orders.BuildOrder(o.ctx, asset, meta.tickSize, intent.Bid, intent.SizeBid, types.BUY); ok {
					req.Bid = &ord
				}
			}
			if intent.SizeAsk.IsPositive() {
				if ord, ok := o.orders.BuildOrder(o.ctx, asset, meta.tickSize, intent.Ask, intent.SizeAsk, types.SELL); ok {
					req.Ask = &ord
				}
			}
			reqs = append(reqs, req)
		}
	}

	if len(reqs) == 0 {
		return
	}

	if o.detectOnly {
		o.logger.Info("detect-only: skipping order placement", "intents", len(reqs))
		return
	}

	// A forced reconcile owed since the last user-channel disconnect/gap
	// blocks every new placement until it completes, per §4.2's failure
	// semantics — independent of RiskManager's state, since the book-side
	// of a gap only demotes to WARNING while the order/fill view it forced
	// a reconcile for is still unconfirmed.
	if o.users.AwaitingReconcile() {
		o.logger.Debug("awaiting reconcile: skipping order placement", "intents", len(reqs))
		return
	}

	errs := o.orders.ApplyReplacements(o.ctx, reqs, func(asset string) bool {
		return o.riskMgr.IsHalted(o.scopeFor(asset))
	})
	for _, err := range errs {
		o.logger.Warn("order replacement error", "error", err)
		o.riskMgr.ReportError("", time.Now())
	}
	if len(errs) == 0 {
		o.riskMgr.ReportSuccess("")
	}
}

// maintenanceLoop runs the lower-frequency housekeeping ticks: markout
// sampling, pending-fill TTL sweeps, and periodic position resync against
// the authoritative REST snapshot.
func (o *Orchestrator) maintenanceLoop() {
	markoutTicker := time.NewTicker(markoutSampleInterval)
	defer markoutTicker.Stop()
	positionTicker := time.NewTicker(positionRefreshInterval)
	defer positionTicker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-markoutTicker.C:
			now := time.Now()
			o.inv.AgeOutExpired(now)
			o.analytics.Sample(now, func(asset string) (decimal.Decimal, bool) {
				top, ok := o.books.GetTopOfBook(asset)
				if !ok {
					return decimal.Zero, false
				}
				return top.BestBid.Add(top.BestAsk).Div(decimal.NewFromInt(2)), true
			})
		case <-positionTicker.C:
			o.refreshPositions()
		}
	}
}

func (o *Orchestrator) refreshPositions() {
	remote, err := o.client.GetPositions(o.ctx)
	if err != nil {
		o.logger.Warn("periodic position refresh failed", "error", err)
		return
	}
	for _, p := range remote {
		size, err := decimal.NewFromString(p.Size)
		if err != nil {
			continue
		}
		o.inv.SetPosition(p.AssetID, size, time.Now())
	}
}

// killSwitchLoop cancels every resting order for a halted scope as soon as
// RiskManager emits a KillSignal.
func (o *Orchestrator) killSwitchLoop() {
	for {
		select {
		case <-o.ctx.Done():
			return
		case sig := <-o.riskMgr.KillCh():
			o.logger.Error("kill switch engaged", "scope", sig.Scope, "reason", sig.Reason)
			if err := o.orders.CancelAllScope(o.ctx, sig.Scope); err != nil {
				o.logger.Error("kill switch cancel failed", "scope", sig.Scope, "error", err)
			}
			if _, err := o.store.AppendLedgerEvent(o.sessionID, "kill_switch", sig.Scope, sig.Reason, time.Now()); err != nil {
				o.logger.Error("persist kill switch event failed", "error", err)
			}
		}
	}
}

// Stop cancels every background goroutine, cancels all resting orders as a
// safety net, persists final state, and closes the store.
func (o *Orchestrator) Stop() {
	o.logger.Info("shutting down")
	o.cancel()

	cancelCtx, cancelCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelCancel()
	if _, err := o.client.CancelAll(cancelCtx); err != nil {
		o.logger.Error("cancel-all on shutdown failed", "error", err)
	}

	o.wg.Wait()

	o.mktFeed.Close()
	o.usrFeed.Close()

	if err := o.store.EndSession(o.sessionID, "stopped", time.Now()); err != nil {
		o.logger.Error("end session record failed", "error", err)
	}
	if err := o.store.Close(); err != nil {
		o.logger.Error("close store failed", "error", err)
	}
	o.logger.Info("shutdown complete")
}
