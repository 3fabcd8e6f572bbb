package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	appconfig "tradeindex/config"
	"tradeindex/logger"
	"tradeindex/models"
	"tradeindex/storage"
)

// ObjectStore is the object-listing slice of the object-store capability.
type ObjectStore interface {
	List(ctx context.Context, prefix, continuation string) (storage.ListPage, error)
}

// NotificationQueue is the capability consumed in event-driven mode. A nil
// queue selects polling mode.
type NotificationQueue interface {
	Receive(ctx context.Context, max, waitSeconds int32) ([]storage.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// EntryLoader turns one object key into validated trade entries.
type EntryLoader interface {
	Load(ctx context.Context, key string) ([]models.TradeEntry, error)
}

// EntrySink is the store surface the coordinator writes into.
type EntrySink interface {
	InsertBatch(entries []models.TradeEntry)
}

// KeyError records one object that could not be ingested during backfill.
type KeyError struct {
	Key     string `json:"key"`
	Message string `json:"message"`
}

// BackfillResult summarizes one backfill pass.
type BackfillResult struct {
	FilesProcessed int        `json:"files_processed"`
	EntriesLoaded  int        `json:"entries_loaded"`
	Errors         []KeyError `json:"errors"`
}

// Coordinator states.
const (
	StateIdle     = "idle"
	StateWatching = "watching"
	StateStopped  = "stopped"
)

// Status is a snapshot of the coordinator for monitoring surfaces.
type Status struct {
	State          string `json:"state"`
	Mode           string `json:"mode"`
	ProcessedCount int    `json:"processed_count"`
	FilesProcessed int64  `json:"files_processed"`
	EntriesLoaded  int64  `json:"entries_loaded"`
}

// Coordinator drives initial backfill and incremental discovery of trade
// objects, deduplicating on object key and routing validated entries into
// the store.
type Coordinator struct {
	cfg     *appconfig.Config
	objects ObjectStore
	queue   NotificationQueue
	loader  EntryLoader
	sink    EntrySink
	limiter *rate.Limiter
	log     *logger.Log

	// admissionMu serializes the processed-set membership test, the
	// object load, the insert, and the set add; a key is ingested at most
	// once per process lifetime even under duplicate notifications.
	admissionMu sync.Mutex
	processed   map[string]struct{}

	lifecycleMu sync.Mutex
	state       atomic.Value // string
	cancel      context.CancelFunc
	done        chan struct{}

	filesProcessed int64
	entriesLoaded  int64
}

// NewCoordinator wires the coordinator. queue may be nil, selecting polling
// mode for incremental discovery.
func NewCoordinator(cfg *appconfig.Config, objects ObjectStore, queue NotificationQueue, ldr EntryLoader, sink EntrySink) *Coordinator {
	limit := rate.Inf
	if cfg.Ingest.ListRateLimit > 0 {
		limit = rate.Limit(cfg.Ingest.ListRateLimit)
	}
	burst := cfg.Ingest.ListRateBurst
	if burst <= 0 {
		burst = 1
	}

	c := &Coordinator{
		cfg:       cfg,
		objects:   objects,
		queue:     queue,
		loader:    ldr,
		sink:      sink,
		limiter:   rate.NewLimiter(limit, burst),
		log:       logger.GetLogger(),
		processed: make(map[string]struct{}),
	}
	c.state.Store(StateIdle)

	c.log.WithComponent("coordinator").WithFields(logger.Fields{
		"mode":   c.mode(),
		"prefix": cfg.Ingest.Prefix,
	}).Info("coordinator initialized")
	return c
}

func (c *Coordinator) mode() string {
	if c.queue != nil {
		return "event"
	}
	return "polling"
}

// State returns the current lifecycle state.
func (c *Coordinator) State() string {
	return c.state.Load().(string)
}

// Status reports a monitoring snapshot.
func (c *Coordinator) Status() Status {
	c.admissionMu.Lock()
	processedCount := len(c.processed)
	c.admissionMu.Unlock()

	return Status{
		State:          c.State(),
		Mode:           c.mode(),
		ProcessedCount: processedCount,
		FilesProcessed: atomic.LoadInt64(&c.filesProcessed),
		EntriesLoaded:  atomic.LoadInt64(&c.entriesLoaded),
	}
}

// ProcessedCount returns the number of keys ingested so far.
func (c *Coordinator) ProcessedCount() int {
	c.admissionMu.Lock()
	defer c.admissionMu.Unlock()
	return len(c.processed)
}

// Backfill paginates the object listing under the configured prefix and
// ingests every unseen .json key. Per-object failures are recorded and the
// pass continues; only listing failures and a cancelled context abort it.
func (c *Coordinator) Backfill(ctx context.Context) (BackfillResult, error) {
	log := c.log.WithComponent("coordinator").WithFields(logger.Fields{"operation": "backfill"})
	log.Info("starting backfill")

	start := time.Now()
	result := BackfillResult{Errors: []KeyError{}}
	continuation := ""

	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return result, err
		}

		page, err := c.objects.List(ctx, c.cfg.Ingest.Prefix, continuation)
		if err != nil {
			return result, fmt.Errorf("backfill listing: %w", err)
		}

		for _, key := range page.Keys {
			if !strings.HasSuffix(key, ".json") {
				continue
			}

			loaded, err := c.ingestKey(ctx, key)
			if err != nil {
				result.Errors = append(result.Errors, KeyError{Key: key, Message: err.Error()})
				log.WithFields(logger.Fields{"key": key}).WithError(err).Warn("backfill object failed")
				continue
			}
			if loaded < 0 {
				continue // already processed
			}

			result.FilesProcessed++
			result.EntriesLoaded += loaded
		}

		if page.Continuation == "" {
			break
		}
		continuation = page.Continuation
	}

	log.WithFields(logger.Fields{
		"files_processed": result.FilesProcessed,
		"entries_loaded":  result.EntriesLoaded,
		"errors":          len(result.Errors),
	}).Info("backfill complete")
	logger.LogPerformanceEntry(log, "coordinator", "backfill", time.Since(start), logger.Fields{
		"files_processed": result.FilesProcessed,
	})

	return result, nil
}

// ingestKey admits one key through the dedup gate, loading and inserting its
// entries. Returns -1 when the key was already processed, otherwise the
// number of entries inserted.
func (c *Coordinator) ingestKey(ctx context.Context, key string) (int, error) {
	c.admissionMu.Lock()
	defer c.admissionMu.Unlock()

	if _, seen := c.processed[key]; seen {
		return -1, nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return 0, err
	}

	entries, err := c.loader.Load(ctx, key)
	if err != nil {
		return 0, err
	}

	c.sink.InsertBatch(entries)
	c.processed[key] = struct{}{}

	atomic.AddInt64(&c.filesProcessed, 1)
	atomic.AddInt64(&c.entriesLoaded, int64(len(entries)))
	logger.IncrementObjectLoaded(len(entries))

	return len(entries), nil
}

// StartWatching spawns the incremental-discovery driver for the configured
// mode. It may be called again after StopWatching.
func (c *Coordinator) StartWatching() error {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.State() == StateWatching {
		return fmt.Errorf("coordinator already watching")
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.done = make(chan struct{})
	c.state.Store(StateWatching)

	log := c.log.WithComponent("coordinator").WithFields(logger.Fields{"mode": c.mode()})
	log.Info("starting watcher")

	if c.queue != nil {
		go c.receiveLoop(ctx)
	} else {
		go c.pollLoop(ctx)
	}
	return nil
}

// StopWatching flips the stop flag, cancels the driver, and waits until it
// has fully exited. In-flight network calls are allowed to complete; no state
// is mutated by the driver after StopWatching returns.
func (c *Coordinator) StopWatching() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.State() != StateWatching {
		return
	}

	c.log.WithComponent("coordinator").Info("stopping watcher")
	c.state.Store(StateStopped)
	c.cancel()
	<-c.done
	c.log.WithComponent("coordinator").Info("watcher stopped")
}

// receiveLoop long-polls the notification queue. Every message is
// acknowledged after its records are processed, whatever their per-key
// outcome; transport failures back off for the configured delay.
func (c *Coordinator) receiveLoop(ctx context.Context) {
	defer close(c.done)

	log := c.log.WithComponent("coordinator").WithFields(logger.Fields{"worker": "receive_loop"})
	log.Info("starting receive loop")

	backoff := time.Duration(c.cfg.Ingest.BackoffMs) * time.Millisecond

	for {
		if ctx.Err() != nil || c.State() != StateWatching {
			log.Info("receive loop stopped")
			return
		}

		messages, err := c.queue.Receive(ctx, c.cfg.Ingest.ReceiveMaxMsgs, c.cfg.Ingest.ReceiveWaitSecs)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("receive loop stopped")
				return
			}
			log.WithError(err).Warn("receive failed, backing off")
			select {
			case <-ctx.Done():
				log.Info("receive loop stopped")
				return
			case <-time.After(backoff):
			}
			continue
		}

		for _, msg := range messages {
			c.handleNotification(ctx, msg)
		}
	}
}

// handleNotification ingests every candidate key of one message, then acks
// it.
func (c *Coordinator) handleNotification(ctx context.Context, msg storage.Message) {
	log := c.log.WithComponent("coordinator")
	logger.IncrementNotification()

	for _, key := range notificationKeys(msg.Body) {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		loaded, err := c.ingestKey(ctx, key)
		if err != nil {
			log.WithFields(logger.Fields{"key": key}).WithError(err).Warn("notification object failed")
			continue
		}
		if loaded >= 0 {
			log.WithFields(logger.Fields{"key": key, "entries": loaded}).Debug("notification object ingested")
		}
	}

	if err := c.queue.Delete(ctx, msg.ReceiptHandle); err != nil {
		log.WithError(err).Warn("failed to ack notification")
	}
}

// pollLoop re-lists the prefix on a fixed interval. Passes run serially; the
// next one is scheduled only after the previous completes.
func (c *Coordinator) pollLoop(ctx context.Context) {
	defer close(c.done)

	log := c.log.WithComponent("coordinator").WithFields(logger.Fields{"worker": "poll_loop"})
	log.Info("starting poll loop")

	interval := time.Duration(c.cfg.Ingest.PollingIntervalMs) * time.Millisecond
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("poll loop stopped")
			return
		case <-timer.C:
		}

		if c.State() != StateWatching {
			log.Info("poll loop stopped")
			return
		}

		if _, err := c.Backfill(ctx); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("poll pass failed")
		}

		timer.Reset(interval)
	}
}

// s3Notification is the subset of the bucket-notification body the
// coordinator consumes.
type s3Notification struct {
	Records []struct {
		S3 struct {
			Object struct {
				Key string `json:"key"`
			} `json:"object"`
		} `json:"s3"`
	} `json:"Records"`
}

// notificationKeys extracts candidate object keys from a notification body.
// Malformed bodies yield no keys.
func notificationKeys(body string) []string {
	var n s3Notification
	if err := json.Unmarshal([]byte(body), &n); err != nil {
		logger.GetLogger().WithComponent("coordinator").WithError(err).Warn("malformed notification body")
		return nil
	}

	keys := make([]string, 0, len(n.Records))
	for _, r := range n.Records {
		if r.S3.Object.Key != "" {
			keys = append(keys, r.S3.Object.Key)
		}
	}
	return keys
}
