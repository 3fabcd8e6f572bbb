package loader

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"tradeindex/models"
)

type fakeObjects struct {
	payloads map[string][]byte
	err      error
}

func (f *fakeObjects) GetObject(_ context.Context, key string) ([]byte, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, ok := f.payloads[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return data, nil
}

func TestLoadArrayPayload(t *testing.T) {
	objects := &fakeObjects{payloads: map[string][]byte{
		"a.json": []byte(`[
			{"timestamp": 1700000001000, "price": 100.5, "size": 1.5, "side": "buy", "source": "coinbase"},
			{"timestamp": 1700000002000, "price": 101.0, "size": 2.0, "side": "sell", "source": "binance"}
		]`),
	}}

	entries, err := New(objects).Load(context.Background(), "a.json")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Timestamp != 1700000001000 || entries[0].Price != 100.5 || entries[0].Side != "buy" || entries[0].Source != "coinbase" {
		t.Fatalf("first entry wrong: %+v", entries[0])
	}
}

func TestLoadSingleObjectPayload(t *testing.T) {
	objects := &fakeObjects{payloads: map[string][]byte{
		"one.json": []byte(`{"timestamp": 1700000001000, "price": 100, "size": 1, "side": "sell", "source": "kraken"}`),
	}}

	entries, err := New(objects).Load(context.Background(), "one.json")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Side != "sell" {
		t.Fatalf("single-object payload wrong: %+v", entries)
	}
}

func TestLoadDropsInvalidRows(t *testing.T) {
	objects := &fakeObjects{payloads: map[string][]byte{
		"mixed.json": []byte(`[
			{"timestamp": 1700000001000, "price": 100, "size": 1, "side": "buy", "source": "a"},
			{"timestamp": 1700000002000, "size": 1, "side": "buy", "source": "a"},
			{"timestamp": 1700000003000, "price": 100, "size": 1, "side": "hold", "source": "a"},
			{"timestamp": 1700000004000, "price": 100, "size": 1, "side": "sell", "source": 7},
			{"timestamp": 1700000005000, "price": 100, "size": 1, "side": "sell", "source": "a"}
		]`),
	}}

	entries, err := New(objects).Load(context.Background(), "mixed.json")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected the 2 valid rows to survive, got %d", len(entries))
	}
	if entries[0].Timestamp != 1700000001000 || entries[1].Timestamp != 1700000005000 {
		t.Fatalf("wrong rows survived: %+v", entries)
	}
}

func TestLoadParseFailureSurfaces(t *testing.T) {
	objects := &fakeObjects{payloads: map[string][]byte{
		"bad.json": []byte(`{not json`),
	}}

	if _, err := New(objects).Load(context.Background(), "bad.json"); err == nil {
		t.Fatal("malformed payload must surface an error")
	}
}

func TestLoadTransportFailureSurfaces(t *testing.T) {
	objects := &fakeObjects{err: fmt.Errorf("connection reset")}

	if _, err := New(objects).Load(context.Background(), "a.json"); err == nil {
		t.Fatal("transport failure must surface an error")
	}
}

func TestLoadRoundTrip(t *testing.T) {
	original := models.TradeEntry{
		Timestamp: 1_700_000_123_000,
		Price:     42_123.25,
		Size:      0.125,
		Side:      models.SideBuy,
		Source:    "gemini",
	}
	data, err := json.Marshal([]models.TradeEntry{original})
	if err != nil {
		t.Fatal(err)
	}

	objects := &fakeObjects{payloads: map[string][]byte{"rt.json": data}}
	entries, err := New(objects).Load(context.Background(), "rt.json")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0] != original {
		t.Fatalf("round trip mismatch: %+v", entries)
	}
}
