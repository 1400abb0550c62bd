package orchestrator

import (
	"time"

	"activequoter/internal/api"
	"activequoter/pkg/types"
)

// Snapshot implements api.Provider, translating every component's live state
// into the operator status payload. All decimal.Decimal fields are rendered
// as strings since api.Snapshot is a wire type.
func (o *Orchestrator) Snapshot() api.Snapshot {
	o.mu.RLock()
	assets := make([]string, 0, len(o.assets))
	for a := range o.assets {
		assets = append(assets, a)
	}
	o.mu.RUnlock()

	openOrders := o.users.OpenOrders()
	fiveSec := 5 * time.Second

	statuses := make([]api.AssetStatus, 0, len(assets))
	for _, asset := range assets {
		status := api.AssetStatus{Asset: asset}

		if top, ok := o.books.GetTopOfBook(asset); ok {
			status.BestBid = top.BestBid.String()
			status.BestAsk = top.BestAsk.String()
			status.BookStale = top.Stale
			status.LastUpdated = top.UpdatedAt
		} else {
			status.BookStale = true
		}

		if pos, ok := o.inv.Snapshot(asset); ok {
			status.PositionSize = pos.EffectiveSize().String()
			status.AvgEntryPrice = pos.AvgEntry.String()
			status.EffectiveSize = pos.EffectiveSize().String()
			status.UnrealizedPnL = o.inv.UnrealizedPnL(asset, o.midFor(asset)).String()
		}

		for _, ord := range openOrders {
			if ord.Asset != asset {
				continue
			}
			switch ord.Side {
			case types.BUY:
				status.RestingBidPrice = ord.Price.String()
				status.RestingBidSize = ord.RemainingSize.String()
			case types.SELL:
				status.RestingAskPrice = ord.Price.String()
				status.RestingAskSize = ord.RemainingSize.String()
			}
		}

		status.RiskState = o.riskMgr.State(o.scopeFor(asset)).String()

		if stats, ok := o.analytics.AssetStatsSnapshot(asset); ok {
			status.FillCount = stats.Count
			status.Volume = stats.Volume.String()
			status.MeanMarkout5sBps = stats.MeanMarkoutBps(fiveSec).String()
			status.AdverseFillRate = stats.AdverseFillRate().String()
		}

		statuses = append(statuses, status)
	}

	globalState := o.riskMgr.State("")
	return api.Snapshot{
		Timestamp: time.Now(),
		DryRun:    o.cfg.DryRun,
		Assets:    statuses,
		Risk: api.RiskStatus{
			GlobalState:      globalState.String(),
			GlobalMultiplier: o.riskMgr.Multiplier("").String(),
			Halted:           o.riskMgr.IsHalted(""),
		},
	}
}
