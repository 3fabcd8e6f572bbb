package models

import (
	"encoding/json"
	"fmt"
	"math"
)

// Trade sides as they appear on the wire.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// TradeEntry represents a single trade event. Entries are immutable once
// created; the index never modifies them after insertion.
type TradeEntry struct {
	Timestamp int64   `json:"timestamp"` // milliseconds since epoch
	Price     float64 `json:"price"`
	Size      float64 `json:"size"`
	Side      string  `json:"side"` // "buy" or "sell"
	Source    string  `json:"source"`
}

// TradeBatch represents a group of entries inserted into the store in one
// operation. Entries are sorted ascending by timestamp.
type TradeBatch struct {
	BatchID     string       `json:"batch_id"`
	Entries     []TradeEntry `json:"entries"`
	RecordCount int          `json:"record_count"`
}

// rawTradeEntry mirrors the on-object JSON shape with pointer fields so that
// missing keys can be told apart from zero values.
type rawTradeEntry struct {
	Timestamp *float64 `json:"timestamp"`
	Price     *float64 `json:"price"`
	Size      *float64 `json:"size"`
	Side      *string  `json:"side"`
	Source    *string  `json:"source"`
}

func (r *rawTradeEntry) validate() (TradeEntry, error) {
	if r.Timestamp == nil || r.Price == nil || r.Size == nil || r.Side == nil || r.Source == nil {
		return TradeEntry{}, fmt.Errorf("missing required field")
	}
	if !isFinite(*r.Timestamp) || !isFinite(*r.Price) || !isFinite(*r.Size) {
		return TradeEntry{}, fmt.Errorf("non-finite numeric field")
	}
	if *r.Side != SideBuy && *r.Side != SideSell {
		return TradeEntry{}, fmt.Errorf("invalid side %q", *r.Side)
	}
	return TradeEntry{
		Timestamp: int64(*r.Timestamp),
		Price:     *r.Price,
		Size:      *r.Size,
		Side:      *r.Side,
		Source:    *r.Source,
	}, nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// ParseEntries decodes an object payload into trade entries. The payload root
// is either a single entry object or an array of them. Rows failing decode or
// field validation are dropped; the second return value reports how many were
// dropped. A payload that is not valid JSON is an error.
func ParseEntries(data []byte) ([]TradeEntry, int, error) {
	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		if !json.Valid(data) {
			return nil, 0, fmt.Errorf("parse trade payload: %w", err)
		}
		rows = []json.RawMessage{data}
	}

	entries := make([]TradeEntry, 0, len(rows))
	dropped := 0
	for _, row := range rows {
		var raw rawTradeEntry
		if err := json.Unmarshal(row, &raw); err != nil {
			dropped++
			continue
		}
		entry, err := raw.validate()
		if err != nil {
			dropped++
			continue
		}
		entries = append(entries, entry)
	}
	return entries, dropped, nil
}
