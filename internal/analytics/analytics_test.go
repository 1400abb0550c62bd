package analytics

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"activequoter/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestRecordFillUpdatesVolumeAndCount(t *testing.T) {
	t.Parallel()
	tr := New()
	tr.RecordFill(types.Fill{Asset: "asset-1", Side: types.BUY, Price: dec("0.50"), Size: dec("10"), Timestamp: time.Now()}, dec("0.50"))

	stats, ok := tr.AssetStatsSnapshot("asset-1")
	if !ok {
		t.Fatal("expected stats for asset-1")
	}
	if stats.Count != 1 {
		t.Errorf("Count = %d, want 1", stats.Count)
	}
	if !stats.Volume.Equal(dec("10")) {
		t.Errorf("Volume = %s, want 10", stats.Volume)
	}
}

func TestSampleRecordsMarkoutAtHorizon(t *testing.T) {
	t.Parallel()
	tr := New()
	base := time.Now()
	tr.RecordFill(types.Fill{Asset: "asset-1", Side: types.BUY, Price: dec("0.50"), Size: dec("10"), Timestamp: base}, dec("0.50"))

	var captured []Markout
	tr.OnMarkout(func(m Markout) { captured = append(captured, m) })

	mid := func(asset string) (decimal.Decimal, bool) { return dec("0.55"), true }
	tr.Sample(base.Add(1*time.Second), mid)

	if len(captured) != 1 {
		t.Fatalf("expected 1 markout sample at 1s, got %d", len(captured))
	}
	// BUY, mid moved favorably from 0.50 to 0.55: markout_bps = 10000*(0.55-0.50)*1/0.50 = 1000
	if !captured[0].MarkoutBps.Equal(dec("1000")) {
		t.Errorf("MarkoutBps = %s, want 1000", captured[0].MarkoutBps)
	}
}

func TestSampleSignFlippedForSell(t *testing.T) {
	t.Parallel()
	tr := New()
	base := time.Now()
	tr.RecordFill(types.Fill{Asset: "asset-1", Side: types.SELL, Price: dec("0.50"), Size: dec("10"), Timestamp: base}, dec("0.50"))

	var captured []Markout
	tr.OnMarkout(func(m Markout) { captured = append(captured, m) })
	mid := func(asset string) (decimal.Decimal, bool) { return dec("0.55"), true }
	tr.Sample(base.Add(1*time.Second), mid)

	// SELL, mid rose: unfavorable, sign = -1: 10000*(0.55-0.50)*(-1)/0.50 = -1000
	if !captured[0].MarkoutBps.Equal(dec("-1000")) {
		t.Errorf("MarkoutBps = %s, want -1000", captured[0].MarkoutBps)
	}
}

func TestSampleDoesNotDoubleCountHorizon(t *testing.T) {
	t.Parallel()
	tr := New()
	base := time.Now()
	tr.RecordFill(types.Fill{Asset: "asset-1", Side: types.BUY, Price: dec("0.50"), Size: dec("10"), Timestamp: base}, dec("0.50"))

	var captured []Markout
	tr.OnMarkout(func(m Markout) { captured = append(captured, m) })
	mid := func(asset string) (decimal.Decimal, bool) { return dec("0.55"), true }

	tr.Sample(base.Add(1*time.Second), mid)
	tr.Sample(base.Add(1500*time.Millisecond), mid)

	if len(captured) != 1 {
		t.Errorf("expected 1s horizon sampled exactly once, got %d samples", len(captured))
	}
}

func TestSampleAccumulatesAllHorizonsOverTime(t *testing.T) {
	t.Parallel()
	tr := New()
	base := time.Now()
	tr.RecordFill(types.Fill{Asset: "asset-1", Side: types.BUY, Price: dec("0.50"), Size: dec("10"), Timestamp: base}, dec("0.50"))

	mid := func(asset string) (decimal.Decimal, bool) { return dec("0.55"), true }
	for _, h := range Horizons {
		tr.Sample(base.Add(h+time.Millisecond), mid)
	}

	stats, _ := tr.AssetStatsSnapshot("asset-1")
	for _, h := range Horizons {
		if stats.markoutCount[h] != 1 {
			t.Errorf("markoutCount[%s] = %d, want 1", h, stats.markoutCount[h])
		}
	}
}

func TestAdverseFillRateTracksNegative5sMarkout(t *testing.T) {
	t.Parallel()
	tr := New()
	base := time.Now()
	tr.RecordFill(types.Fill{Asset: "asset-1", Side: types.BUY, Price: dec("0.50"), Size: dec("10"), Timestamp: base}, dec("0.50"))

	mid := func(asset string) (decimal.Decimal, bool) { return dec("0.45"), true } // unfavorable for a BUY
	tr.Sample(base.Add(5*time.Second+time.Millisecond), mid)

	stats, _ := tr.AssetStatsSnapshot("asset-1")
	if !stats.AdverseFillRate().Equal(dec("1")) {
		t.Errorf("AdverseFillRate = %s, want 1", stats.AdverseFillRate())
	}
}

func TestAggregateStatsSumsAcrossAssets(t *testing.T) {
	t.Parallel()
	tr := New()
	base := time.Now()
	tr.RecordFill(types.Fill{Asset: "asset-1", Side: types.BUY, Price: dec("0.50"), Size: dec("10"), Timestamp: base}, dec("0.50"))
	tr.RecordFill(types.Fill{Asset: "asset-2", Side: types.BUY, Price: dec("0.60"), Size: dec("20"), Timestamp: base}, dec("0.60"))

	agg := tr.AggregateStats()
	if agg.Count != 2 {
		t.Errorf("aggregate Count = %d, want 2", agg.Count)
	}
	if !agg.Volume.Equal(dec("30")) {
		t.Errorf("aggregate Volume = %s, want 30", agg.Volume)
	}
}
