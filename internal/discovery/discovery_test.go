package discovery

import (
	"testing"

	"activequoter/pkg/types"
)

func TestConvertToMarketInfo(t *testing.T) {
	gm := gammaMarket{
		ID:                    "123",
		Question:              "Will it rain tomorrow?",
		ConditionID:           "0xabc",
		Slug:                  "will-it-rain-tomorrow",
		Active:                true,
		Closed:                false,
		AcceptingOrders:       true,
		EndDate:               "2026-08-01T00:00:00Z",
		ClobTokenIds:          `["111","222"]`,
		NegRisk:               false,
		OrderPriceMinTickSize: 0.01,
		OrderMinSize:          5,
	}

	mi := convertToMarketInfo(gm)

	if mi.YesTokenID != "111" || mi.NoTokenID != "222" {
		t.Fatalf("expected token pair 111/222, got %s/%s", mi.YesTokenID, mi.NoTokenID)
	}
	if mi.TickSize != types.Tick001 {
		t.Fatalf("expected tick 0.01, got %s", mi.TickSize)
	}
	if !mi.MinOrderSize.Equal(mi.MinOrderSize) {
		t.Fatalf("unexpected min order size parse")
	}
	if mi.EndDate.IsZero() {
		t.Fatalf("expected end date to parse")
	}
}

func TestConvertToMarketInfo_UnknownTick(t *testing.T) {
	gm := gammaMarket{OrderPriceMinTickSize: 0.1}
	if mi := convertToMarketInfo(gm); mi.TickSize != types.Tick01 {
		t.Fatalf("expected tick 0.1, got %s", mi.TickSize)
	}

	gm = gammaMarket{OrderPriceMinTickSize: 0.0001}
	if mi := convertToMarketInfo(gm); mi.TickSize != types.Tick00001 {
		t.Fatalf("expected tick 0.0001, got %s", mi.TickSize)
	}

	gm = gammaMarket{OrderPriceMinTickSize: 0.123}
	if mi := convertToMarketInfo(gm); mi.TickSize != types.Tick001 {
		t.Fatalf("expected fallback tick 0.01, got %s", mi.TickSize)
	}
}

func TestConvertToMarketInfo_MissingTokenIDs(t *testing.T) {
	gm := gammaMarket{ClobTokenIds: ""}
	mi := convertToMarketInfo(gm)
	if mi.YesTokenID != "" || mi.NoTokenID != "" {
		t.Fatalf("expected empty token pair, got %s/%s", mi.YesTokenID, mi.NoTokenID)
	}
}
