package channel

import (
	"context"
	"sync"
	"time"

	"tradeindex/logger"
	"tradeindex/models"
)

type ChannelStats struct {
	TradesSent    int64
	TradesDropped int64
}

// Channels carries trade entries from in-process producers to the window
// publisher.
type Channels struct {
	Trades chan models.TradeEntry

	stats      ChannelStats
	statsMutex sync.RWMutex
	ticker     *time.Ticker
	log        *logger.Log
}

func NewChannels(tradeBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Trades: make(chan models.TradeEntry, tradeBufferSize),
		log:    log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"trade_buffer_size": tradeBufferSize,
	}).Info("channels initialized")

	return c
}

// SendTrade enqueues one entry without blocking; full buffers drop.
func (c *Channels) SendTrade(ctx context.Context, entry models.TradeEntry) bool {
	select {
	case c.Trades <- entry:
		c.incrementSent()
		return true
	case <-ctx.Done():
		return false
	default:
		c.incrementDropped()
		return false
	}
}

func (c *Channels) StartMetricsReporting(ctx context.Context) {
	c.ticker = time.NewTicker(30 * time.Second)

	go func() {
		for {
			select {
			case <-ctx.Done():
				c.ticker.Stop()
				return
			case <-c.ticker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	c.statsMutex.RLock()
	stats := c.stats
	c.statsMutex.RUnlock()

	c.log.WithComponent("channels").WithFields(logger.Fields{
		"trades_sent":       stats.TradesSent,
		"trades_dropped":    stats.TradesDropped,
		"trade_channel_len": len(c.Trades),
		"trade_channel_cap": cap(c.Trades),
	}).Info("channel statistics")
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

func (c *Channels) Close() {
	if c.ticker != nil {
		c.ticker.Stop()
	}
	close(c.Trades)
	c.log.WithComponent("channels").Info("channels closed")
}

func (c *Channels) incrementSent() {
	c.statsMutex.Lock()
	c.stats.TradesSent++
	c.statsMutex.Unlock()
}

func (c *Channels) incrementDropped() {
	c.statsMutex.Lock()
	c.stats.TradesDropped++
	c.statsMutex.Unlock()
}
