package ingest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	appconfig "tradeindex/config"
	"tradeindex/loader"
	"tradeindex/storage"
	"tradeindex/store"
)

// fakeBucket implements the object-store capability over an in-memory map,
// paginating two keys per page to exercise continuation handling.
type fakeBucket struct {
	mu       sync.Mutex
	objects  map[string][]byte
	order    []string
	getErrs  map[string]error
	listErr  error
	pageSize int
}

func newFakeBucket() *fakeBucket {
	return &fakeBucket{objects: map[string][]byte{}, getErrs: map[string]error{}, pageSize: 2}
}

func (f *fakeBucket) put(key string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.objects[key]; !ok {
		f.order = append(f.order, key)
	}
	f.objects[key] = data
}

func (f *fakeBucket) List(_ context.Context, _ string, continuation string) (storage.ListPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.listErr != nil {
		return storage.ListPage{}, f.listErr
	}

	start := 0
	if continuation != "" {
		fmt.Sscanf(continuation, "%d", &start)
	}
	end := start + f.pageSize
	if end > len(f.order) {
		end = len(f.order)
	}

	page := storage.ListPage{Keys: append([]string(nil), f.order[start:end]...)}
	if end < len(f.order) {
		page.Continuation = fmt.Sprintf("%d", end)
	}
	return page, nil
}

func (f *fakeBucket) GetObject(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.getErrs[key]; ok {
		return nil, err
	}
	data, ok := f.objects[key]
	if !ok {
		return nil, fmt.Errorf("no such key %s", key)
	}
	return data, nil
}

// fakeQueue replays a scripted set of messages, then waits out each poll.
type fakeQueue struct {
	mu       sync.Mutex
	pending  []storage.Message
	deleted  []string
	received int
}

func (f *fakeQueue) push(body, handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = append(f.pending, storage.Message{Body: body, ReceiptHandle: handle})
}

func (f *fakeQueue) Receive(ctx context.Context, max, _ int32) ([]storage.Message, error) {
	f.mu.Lock()
	f.received++
	n := len(f.pending)
	if n > int(max) {
		n = int(max)
	}
	msgs := f.pending[:n]
	f.pending = f.pending[n:]
	f.mu.Unlock()

	if len(msgs) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}
	return msgs, nil
}

func (f *fakeQueue) Delete(_ context.Context, receiptHandle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, receiptHandle)
	return nil
}

func testConfig() *appconfig.Config {
	return &appconfig.Config{
		Ingest: appconfig.IngestConfig{
			Prefix:            "market-data/",
			PollingIntervalMs: 10,
			ReceiveMaxMsgs:    10,
			ReceiveWaitSecs:   1,
			BackoffMs:         10,
		},
	}
}

func notification(keys ...string) string {
	body := `{"Records": [`
	for i, k := range keys {
		if i > 0 {
			body += ","
		}
		body += fmt.Sprintf(`{"s3": {"object": {"key": %q}}}`, k)
	}
	return body + `]}`
}

func validPayload(ts int64) []byte {
	return []byte(fmt.Sprintf(`[{"timestamp": %d, "price": 100, "size": 1, "side": "buy", "source": "t"}]`, ts))
}

func TestBackfillSkipsNonJSONAndKeepsValidRows(t *testing.T) {
	bucket := newFakeBucket()
	bucket.put("market-data/a/1-2.json", []byte(`[
		{"timestamp": 1700000001000, "price": 100, "size": 1, "side": "buy", "source": "a"},
		{"timestamp": 1700000002000, "price": 101, "size": 1, "side": "sell", "source": "a"}
	]`))
	bucket.put("market-data/manifest.txt", []byte(`not trades`))
	bucket.put("market-data/b/2-3.json", []byte(`[
		{"timestamp": 1700000003000, "price": 102, "size": 1, "side": "buy", "source": "b"},
		{"timestamp": 1700000004000, "size": 1, "side": "buy", "source": "b"}
	]`))

	st := store.New()
	c := NewCoordinator(testConfig(), bucket, nil, loader.New(bucket), st)

	result, err := c.Backfill(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if result.FilesProcessed != 2 {
		t.Errorf("files_processed: want 2, got %d", result.FilesProcessed)
	}
	if result.EntriesLoaded != 3 {
		t.Errorf("entries_loaded: want 3 (row missing price drops), got %d", result.EntriesLoaded)
	}
	if len(result.Errors) != 0 {
		t.Errorf("errors: want none, got %+v", result.Errors)
	}
	if st.Size() != 3 {
		t.Errorf("store size: want 3, got %d", st.Size())
	}
}

func TestBackfillRecordsPerObjectErrors(t *testing.T) {
	bucket := newFakeBucket()
	bucket.put("market-data/good.json", validPayload(1_700_000_001_000))
	bucket.put("market-data/broken.json", []byte(`{truncated`))
	bucket.put("market-data/unreachable.json", nil)
	bucket.getErrs["market-data/unreachable.json"] = fmt.Errorf("connection reset")

	st := store.New()
	c := NewCoordinator(testConfig(), bucket, nil, loader.New(bucket), st)

	result, err := c.Backfill(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if result.FilesProcessed != 1 {
		t.Errorf("files_processed: want 1, got %d", result.FilesProcessed)
	}
	if len(result.Errors) != 2 {
		t.Fatalf("want 2 per-object errors, got %+v", result.Errors)
	}
	for _, e := range result.Errors {
		if e.Key == "" || e.Message == "" {
			t.Errorf("error record incomplete: %+v", e)
		}
	}
	if st.Size() != 1 {
		t.Errorf("store size: want 1, got %d", st.Size())
	}
}

func TestBackfillIsIdempotentAcrossPasses(t *testing.T) {
	bucket := newFakeBucket()
	bucket.put("market-data/a.json", validPayload(1_700_000_001_000))

	st := store.New()
	c := NewCoordinator(testConfig(), bucket, nil, loader.New(bucket), st)

	if _, err := c.Backfill(context.Background()); err != nil {
		t.Fatal(err)
	}
	second, err := c.Backfill(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if second.FilesProcessed != 0 || second.EntriesLoaded != 0 {
		t.Errorf("second pass must skip processed keys: %+v", second)
	}
	if st.Size() != 1 {
		t.Errorf("store size: want 1, got %d", st.Size())
	}
}

func TestDuplicateNotificationIngestsOnce(t *testing.T) {
	bucket := newFakeBucket()
	bucket.put("market-data/w.json", validPayload(1_700_000_001_000))

	queue := &fakeQueue{}
	queue.push(notification("market-data/w.json"), "m1")
	queue.push(notification("market-data/w.json"), "m2")

	st := store.New()
	c := NewCoordinator(testConfig(), bucket, queue, loader.New(bucket), st)

	if err := c.StartWatching(); err != nil {
		t.Fatal(err)
	}
	defer c.StopWatching()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		queue.mu.Lock()
		acked := len(queue.deleted)
		queue.mu.Unlock()
		if acked == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.deleted) != 2 {
		t.Fatalf("both messages must be acked, got %v", queue.deleted)
	}
	if got := c.ProcessedCount(); got != 1 {
		t.Errorf("processed_count: want 1, got %d", got)
	}
	if st.Size() != 1 {
		t.Errorf("store size: want 1, got %d", st.Size())
	}
}

func TestNotificationSkipsNonJSONKeys(t *testing.T) {
	bucket := newFakeBucket()
	bucket.put("market-data/ok.json", validPayload(1_700_000_001_000))
	bucket.put("market-data/skip.txt", []byte(`x`))

	queue := &fakeQueue{}
	queue.push(notification("market-data/skip.txt", "market-data/ok.json"), "m1")

	st := store.New()
	c := NewCoordinator(testConfig(), bucket, queue, loader.New(bucket), st)

	if err := c.StartWatching(); err != nil {
		t.Fatal(err)
	}
	defer c.StopWatching()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.ProcessedCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	if got := c.ProcessedCount(); got != 1 {
		t.Errorf("only the .json key should be processed, got %d", got)
	}
	if st.Size() != 1 {
		t.Errorf("store size: want 1, got %d", st.Size())
	}
}

func TestPollingModeDiscoversNewKeys(t *testing.T) {
	bucket := newFakeBucket()
	bucket.put("market-data/first.json", validPayload(1_700_000_001_000))

	st := store.New()
	c := NewCoordinator(testConfig(), bucket, nil, loader.New(bucket), st)

	if _, err := c.Backfill(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := c.StartWatching(); err != nil {
		t.Fatal(err)
	}
	defer c.StopWatching()

	bucket.put("market-data/second.json", validPayload(1_700_000_002_000))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.ProcessedCount() < 2 {
		time.Sleep(5 * time.Millisecond)
	}

	if got := c.ProcessedCount(); got != 2 {
		t.Errorf("poll pass should pick up the new key, got %d", got)
	}
	if st.Size() != 2 {
		t.Errorf("store size: want 2, got %d", st.Size())
	}
}

func TestStateMachineAndStopJoins(t *testing.T) {
	bucket := newFakeBucket()
	st := store.New()
	c := NewCoordinator(testConfig(), bucket, nil, loader.New(bucket), st)

	if got := c.State(); got != StateIdle {
		t.Fatalf("initial state: want idle, got %s", got)
	}

	if err := c.StartWatching(); err != nil {
		t.Fatal(err)
	}
	if got := c.State(); got != StateWatching {
		t.Fatalf("state after start: want watching, got %s", got)
	}
	if err := c.StartWatching(); err == nil {
		t.Fatal("double start must fail")
	}

	c.StopWatching()
	if got := c.State(); got != StateStopped {
		t.Fatalf("state after stop: want stopped, got %s", got)
	}

	// Stop is idempotent and restart from stopped is allowed.
	c.StopWatching()
	if err := c.StartWatching(); err != nil {
		t.Fatalf("restart from stopped failed: %v", err)
	}
	c.StopWatching()
}

func TestReceiveTransportFailureBacksOffAndRecovers(t *testing.T) {
	bucket := newFakeBucket()
	bucket.put("market-data/late.json", validPayload(1_700_000_001_000))

	queue := &flakyQueue{inner: &fakeQueue{}, failures: 2}
	queue.inner.push(notification("market-data/late.json"), "m1")

	st := store.New()
	c := NewCoordinator(testConfig(), bucket, queue, loader.New(bucket), st)

	if err := c.StartWatching(); err != nil {
		t.Fatal(err)
	}
	defer c.StopWatching()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && c.ProcessedCount() == 0 {
		time.Sleep(5 * time.Millisecond)
	}

	if got := c.ProcessedCount(); got != 1 {
		t.Errorf("loop must recover after transport failures, got %d", got)
	}
}

// flakyQueue fails the first n receives, then delegates.
type flakyQueue struct {
	mu       sync.Mutex
	inner    *fakeQueue
	failures int
}

func (f *flakyQueue) Receive(ctx context.Context, max, wait int32) ([]storage.Message, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return nil, fmt.Errorf("transport down")
	}
	f.mu.Unlock()
	return f.inner.Receive(ctx, max, wait)
}

func (f *flakyQueue) Delete(ctx context.Context, receiptHandle string) error {
	return f.inner.Delete(ctx, receiptHandle)
}

func TestNotificationKeysParsing(t *testing.T) {
	keys := notificationKeys(notification("a.json", "b.json"))
	if len(keys) != 2 || keys[0] != "a.json" || keys[1] != "b.json" {
		t.Fatalf("unexpected keys %v", keys)
	}

	if keys := notificationKeys(`{"Records": "nope"`); keys != nil {
		t.Errorf("malformed body must yield no keys, got %v", keys)
	}
	if keys := notificationKeys(`{"Other": 1}`); len(keys) != 0 {
		t.Errorf("body without records must yield no keys, got %v", keys)
	}
}
