package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	appconfig "tradeindex/config"
	"tradeindex/logger"
	"tradeindex/models"
)

// ObjectPutter is the upload slice of the object-store capability.
type ObjectPutter interface {
	Put(ctx context.Context, key string, data []byte) error
}

// Publisher groups trade entries into wall-clock-aligned windows and writes
// one JSON object per source and window to the object store, under
// {source}/{collector}/{start}-{end}.json keys. Windows are
// models.WindowSeconds wide; the publisher.window_seconds setting is logged at
// construction but does not change the width. The first window after start
// may be shorter.
type Publisher struct {
	cfg     *appconfig.Config
	trades  <-chan models.TradeEntry
	objects ObjectPutter
	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	buffer      map[string][]models.TradeEntry // key: source
	windowStart float64

	// Metrics
	windowsPublished int64
	entriesPublished int64
	errorsCount      int64
}

// New creates a window publisher reading from trades.
func New(cfg *appconfig.Config, trades <-chan models.TradeEntry, objects ObjectPutter) *Publisher {
	log := logger.GetLogger()

	p := &Publisher{
		cfg:     cfg,
		trades:  trades,
		objects: objects,
		wg:      &sync.WaitGroup{},
		log:     log,
		buffer:  make(map[string][]models.TradeEntry),
	}

	log.WithComponent("publisher").WithFields(logger.Fields{
		"collector":      cfg.Publisher.Collector,
		"window_seconds": cfg.Publisher.WindowSec,
	}).Info("publisher initialized")
	return p
}

// Start launches the consumer and flush workers.
func (p *Publisher) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("publisher already running")
	}
	p.running = true
	p.ctx = ctx
	p.windowStart = nowUnix()
	p.mu.Unlock()

	log := p.log.WithComponent("publisher").WithFields(logger.Fields{"operation": "start"})
	log.Info("starting publisher")

	p.wg.Add(1)
	go p.consumer()

	p.wg.Add(1)
	go p.flushWorker()

	log.Info("publisher started successfully")
	return nil
}

// Stop flushes the open window and waits for the workers.
func (p *Publisher) Stop() {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.log.WithComponent("publisher").Info("stopping publisher")
	p.wg.Wait()
	p.flush(nowUnix())
	p.log.WithComponent("publisher").Info("publisher stopped")
}

func (p *Publisher) consumer() {
	defer p.wg.Done()

	log := p.log.WithComponent("publisher").WithFields(logger.Fields{"worker": "consumer"})
	log.Info("starting consumer worker")

	for {
		select {
		case <-p.ctx.Done():
			log.Info("consumer stopped due to context cancellation")
			return
		case entry, ok := <-p.trades:
			if !ok {
				log.Info("trade channel closed, consumer stopping")
				return
			}
			p.mu.Lock()
			p.buffer[entry.Source] = append(p.buffer[entry.Source], entry)
			p.mu.Unlock()
		}
	}
}

// flushWorker sleeps until each upcoming window boundary, then flushes the
// window that just closed.
func (p *Publisher) flushWorker() {
	defer p.wg.Done()

	log := p.log.WithComponent("publisher").WithFields(logger.Fields{"worker": "flush"})
	log.Info("starting flush worker")

	for {
		boundary := models.NextWindowBoundary(nowUnix())
		wait := time.Duration((boundary - nowUnix()) * float64(time.Second))
		if wait < 0 {
			wait = 0
		}

		select {
		case <-p.ctx.Done():
			log.Info("flush worker stopped due to context cancellation")
			return
		case <-time.After(wait):
			p.flush(boundary)
		}
	}
}

// flush writes one object per source holding the entries buffered since the
// previous boundary.
func (p *Publisher) flush(windowEnd float64) {
	p.mu.Lock()
	windowStart := p.windowStart
	p.windowStart = windowEnd
	buffers := p.buffer
	p.buffer = make(map[string][]models.TradeEntry)
	p.mu.Unlock()

	for source, entries := range buffers {
		if len(entries) == 0 {
			continue
		}

		key := models.FormatWindowKey(source, p.cfg.Publisher.Collector, windowStart, windowEnd) + ".json"

		data, err := json.Marshal(entries)
		if err != nil {
			p.errorsCount++
			p.log.WithComponent("publisher").WithError(err).Error("failed to marshal window")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = p.objects.Put(ctx, key, data)
		cancel()
		if err != nil {
			p.errorsCount++
			p.log.WithComponent("publisher").WithFields(logger.Fields{"key": key}).WithError(err).Error("failed to publish window")
			continue
		}

		p.windowsPublished++
		p.entriesPublished += int64(len(entries))
		logger.IncrementWindowPublish(len(data))

		p.log.WithComponent("publisher").WithFields(logger.Fields{
			"key":          key,
			"record_count": len(entries),
			"bytes":        len(data),
		}).Info("window published")
	}
}

func nowUnix() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}
