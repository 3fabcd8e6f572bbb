package channel

import (
	"context"
	"testing"

	"tradeindex/models"
)

func TestSendTradeCountsAndDrops(t *testing.T) {
	c := NewChannels(1)
	defer c.Close()

	ctx := context.Background()
	e := models.TradeEntry{Timestamp: 1, Price: 1, Size: 1, Side: models.SideBuy, Source: "t"}

	if !c.SendTrade(ctx, e) {
		t.Fatal("send into empty buffer must succeed")
	}
	if c.SendTrade(ctx, e) {
		t.Fatal("send into full buffer must drop")
	}

	stats := c.GetStats()
	if stats.TradesSent != 1 || stats.TradesDropped != 1 {
		t.Fatalf("stats wrong: %+v", stats)
	}

	got := <-c.Trades
	if got != e {
		t.Fatalf("received entry mismatch: %+v", got)
	}
}

func TestSendTradeFailsWhenFullAndCancelled(t *testing.T) {
	c := NewChannels(1)
	defer c.Close()

	e := models.TradeEntry{Timestamp: 1, Price: 1, Size: 1, Side: models.SideBuy, Source: "t"}
	if !c.SendTrade(context.Background(), e) {
		t.Fatal("send into empty buffer must succeed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.SendTrade(ctx, e) {
		t.Fatal("full buffer with cancelled context must not accept the entry")
	}
}
