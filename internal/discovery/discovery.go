// Package discovery hydrates static metadata — tick size, minimum order
// size, the YES/NO token pair, neg-risk flag — for an operator-supplied list
// of condition IDs. It does not rank, score, or select markets: which
// markets to quote is an operator decision (the --assets CLI flag), not
// something this engine infers from volume or spread.
//
// It keeps the teacher's internal/market/scanner.go Gamma API fetch
// machinery (resty client against the Gamma REST API, JSON-array token-id
// parsing, tick-size-from-float mapping) but drops its filterMarkets/
// rankMarkets opportunity-scoring entirely, since §4 names no discovery
// component beyond the metadata a configured asset needs to trade.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"activequoter/internal/config"
	"activequoter/pkg/types"
)

// gammaMarket is the JSON shape returned by the Gamma API for one market.
type gammaMarket struct {
	ID                    string `json:"id"`
	Question              string `json:"question"`
	ConditionID           string `json:"conditionId"`
	Slug                  string `json:"slug"`
	Active                bool   `json:"active"`
	Closed                bool   `json:"closed"`
	AcceptingOrders       bool   `json:"acceptingOrders"`
	EndDate               string `json:"endDate"`
	ClobTokenIds          string `json:"clobTokenIds"`
	NegRisk               bool   `json:"negRisk"`
	OrderPriceMinTickSize float64 `json:"orderPriceMinTickSize"`
	OrderMinSize          float64 `json:"orderMinSize"`
	RewardsMinSize        float64 `json:"rewardsMinSize"`
	RewardsMaxSpread      float64 `json:"rewardsMaxSpread"`
}

// Client fetches market metadata from the Gamma API.
type Client struct {
	http   *resty.Client
	logger *slog.Logger
}

// New creates a discovery Client pointed at cfg's Gamma API base URL.
func New(cfg config.Config, logger *slog.Logger) *Client {
	return &Client{
		http: resty.New().
			SetBaseURL(cfg.API.GammaBaseURL).
			SetTimeout(15 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(time.Second),
		logger: logger.With("component", "discovery"),
	}
}

// HydrateMarkets fetches metadata for every condition ID in conditionIDs,
// one Gamma lookup per market, and returns them as typed MarketInfo records
// the rest of the engine can key its per-asset state on.
func (c *Client) HydrateMarkets(ctx context.Context, conditionIDs []string) ([]types.MarketInfo, error) {
	out := make([]types.MarketInfo, 0, len(conditionIDs))
	for _, id := range conditionIDs {
		gm, err := c.fetchMarket(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("hydrate market %s: %w", id, err)
		}
		out = append(out, convertToMarketInfo(gm))
	}
	return out, nil
}

func (c *Client) fetchMarket(ctx context.Context, conditionID string) (gammaMarket, error) {
	var page []gammaMarket
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("condition_ids", conditionID).
		SetResult(&page).
		Get("/markets")
	if err != nil {
		return gammaMarket{}, err
	}
	if resp.StatusCode() != 200 {
		return gammaMarket{}, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String())
	}
	if len(page) == 0 {
		return gammaMarket{}, fmt.Errorf("condition id not found")
	}
	return page[0], nil
}

// convertToMarketInfo transforms a Gamma API response into the engine's
// MarketInfo type: parses the JSON-encoded token-id pair and maps the
// numeric tick size to the TickSize enum.
func convertToMarketInfo(gm gammaMarket) types.MarketInfo {
	var tokenIDs []string
	if gm.ClobTokenIds != "" {
		_ = json.Unmarshal([]byte(gm.ClobTokenIds), &tokenIDs)
	}

	var yesToken, noToken string
	if len(tokenIDs) >= 2 {
		yesToken = tokenIDs[0]
		noToken = tokenIDs[1]
	}

	var tickSize types.TickSize
	switch {
	case gm.OrderPriceMinTickSize == 0.1:
		tickSize = types.Tick01
	case gm.OrderPriceMinTickSize == 0.001:
		tickSize = types.Tick0001
	case gm.OrderPriceMinTickSize == 0.0001:
		tickSize = types.Tick00001
	default:
		tickSize = types.Tick001
	}

	endDate, _ := time.Parse(time.RFC3339, gm.EndDate)

	return types.MarketInfo{
		ID:               gm.ID,
		ConditionID:      gm.ConditionID,
		Slug:             gm.Slug,
		Question:         gm.Question,
		YesTokenID:       yesToken,
		NoTokenID:        noToken,
		TickSize:         tickSize,
		MinOrderSize:     decimal.NewFromFloat(gm.OrderMinSize),
		NegRisk:          gm.NegRisk,
		Active:           gm.Active,
		Closed:           gm.Closed,
		AcceptingOrders:  gm.AcceptingOrders,
		EndDate:          endDate,
		RewardsMinSize:   decimal.NewFromFloat(gm.RewardsMinSize),
		RewardsMaxSpread: decimal.NewFromFloat(gm.RewardsMaxSpread),
	}
}
