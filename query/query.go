package query

import (
	"fmt"
	"math"

	"tradeindex/models"
	"tradeindex/store"
)

// Default windows for the convenience lookups, in milliseconds.
const (
	DefaultLookbackMs  = 3_600_000
	DefaultLookaheadMs = 3_600_000
)

// Aggregates summarizes a half-open range in one pass. An empty range yields
// zeros everywhere, including min/max/avg price.
type Aggregates struct {
	Count       int     `json:"count"`
	BuyCount    int     `json:"buy_count"`
	SellCount   int     `json:"sell_count"`
	BuyVolume   float64 `json:"buy_volume"`
	SellVolume  float64 `json:"sell_volume"`
	TotalVolume float64 `json:"total_volume"`
	AvgPrice    float64 `json:"avg_price"`
	MinPrice    float64 `json:"min_price"`
	MaxPrice    float64 `json:"max_price"`
}

// TimeRange is one input to BatchByRange.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// API is a validated façade over the store for in-process consumers. It holds
// no state of its own.
type API struct {
	store *store.Store
}

// New builds an API over the given store.
func New(s *store.Store) *API {
	return &API{store: s}
}

// ByRange returns entries in [start, end) after validating the window.
func (a *API) ByRange(start, end int64, opts store.RangeOptions) ([]models.TradeEntry, error) {
	if start >= end {
		return nil, fmt.Errorf("invalid range: start %d >= end %d", start, end)
	}
	return a.store.Range(start, end, opts), nil
}

// At returns every entry at exactly t. The timestamp is taken as float so
// NaN and infinities can be rejected before truncation.
func (a *API) At(t float64) ([]models.TradeEntry, error) {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return nil, fmt.Errorf("invalid timestamp %v", t)
	}
	return a.store.At(int64(t)), nil
}

// AtFiltered is At with source and side post-filters, applied in that order.
func (a *API) AtFiltered(t float64, source, side string) ([]models.TradeEntry, error) {
	entries, err := a.At(t)
	if err != nil {
		return nil, err
	}
	if source != "" {
		entries = filter(entries, func(e models.TradeEntry) bool { return e.Source == source })
	}
	if side != "" {
		entries = filter(entries, func(e models.TradeEntry) bool { return e.Side == side })
	}
	return entries, nil
}

// Nearest returns the closest entry within toleranceMs of t, or nil. A
// negative tolerance selects the store default.
func (a *API) Nearest(t float64, toleranceMs int64) (*models.TradeEntry, error) {
	if math.IsNaN(t) || math.IsInf(t, 0) {
		return nil, fmt.Errorf("invalid timestamp %v", t)
	}
	return a.store.Nearest(int64(t), toleranceMs), nil
}

// FirstBefore returns the latest entry strictly before t within lookbackMs,
// or nil. A lookback <= 0 selects the default window.
func (a *API) FirstBefore(t, lookbackMs int64) *models.TradeEntry {
	if lookbackMs <= 0 {
		lookbackMs = DefaultLookbackMs
	}
	entries := a.store.Range(t-lookbackMs, t, store.RangeOptions{})
	if len(entries) == 0 {
		return nil
	}
	last := entries[len(entries)-1]
	return &last
}

// FirstAfter returns the earliest entry strictly after t within lookaheadMs,
// or nil. A lookahead <= 0 selects the default window.
func (a *API) FirstAfter(t, lookaheadMs int64) *models.TradeEntry {
	if lookaheadMs <= 0 {
		lookaheadMs = DefaultLookaheadMs
	}
	entries := a.store.Range(t+1, t+lookaheadMs, store.RangeOptions{Limit: 1})
	if len(entries) == 0 {
		return nil
	}
	first := entries[0]
	return &first
}

// Aggregates walks [start, end) once and derives counts, volumes, and price
// statistics.
func (a *API) Aggregates(start, end int64) (Aggregates, error) {
	if start >= end {
		return Aggregates{}, fmt.Errorf("invalid range: start %d >= end %d", start, end)
	}

	var agg Aggregates
	var priceSum float64

	for _, entry := range a.store.Range(start, end, store.RangeOptions{}) {
		if agg.Count == 0 {
			agg.MinPrice = entry.Price
			agg.MaxPrice = entry.Price
		} else {
			if entry.Price < agg.MinPrice {
				agg.MinPrice = entry.Price
			}
			if entry.Price > agg.MaxPrice {
				agg.MaxPrice = entry.Price
			}
		}

		agg.Count++
		priceSum += entry.Price
		agg.TotalVolume += entry.Size
		switch entry.Side {
		case models.SideBuy:
			agg.BuyCount++
			agg.BuyVolume += entry.Size
		case models.SideSell:
			agg.SellCount++
			agg.SellVolume += entry.Size
		}
	}

	if agg.Count > 0 {
		agg.AvgPrice = priceSum / float64(agg.Count)
	}
	return agg, nil
}

// BatchByRange fans out to ByRange for each input, keyed "{start}-{end}".
// Colliding keys keep the later result.
func (a *API) BatchByRange(ranges []TimeRange) map[string][]models.TradeEntry {
	results := make(map[string][]models.TradeEntry, len(ranges))
	for _, r := range ranges {
		key := fmt.Sprintf("%d-%d", r.Start, r.End)
		entries, err := a.ByRange(r.Start, r.End, store.RangeOptions{})
		if err != nil {
			results[key] = nil
			continue
		}
		results[key] = entries
	}
	return results
}

func filter(entries []models.TradeEntry, keep func(models.TradeEntry) bool) []models.TradeEntry {
	out := entries[:0:0]
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
