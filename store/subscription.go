package store

import (
	"sort"
	"sync"

	"tradeindex/logger"
	"tradeindex/models"
)

// EntryCallback receives each individually inserted entry.
type EntryCallback func(models.TradeEntry)

// BatchCallback receives one event per InsertBatch call.
type BatchCallback func(models.TradeBatch)

// Subscription is the cancellation handle returned by the subscribe calls.
// Cancel is idempotent; once it returns, no future events are delivered.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel detaches the subscriber.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// subscribers holds the two independent topics. Mutation of the lists happens
// under mu; delivery works from a snapshot taken while the store's write lock
// is held, so a subscriber cancelled mid-broadcast may still see the
// in-flight event.
type subscribers struct {
	mu      sync.Mutex
	nextID  int
	entries map[int]EntryCallback
	batches map[int]BatchCallback
}

func newSubscribers() *subscribers {
	return &subscribers{
		entries: make(map[int]EntryCallback),
		batches: make(map[int]BatchCallback),
	}
}

// SubscribeEntries registers cb for every subsequent Insert.
func (s *Store) SubscribeEntries(cb EntryCallback) *Subscription {
	s.subs.mu.Lock()
	defer s.subs.mu.Unlock()

	id := s.subs.nextID
	s.subs.nextID++
	s.subs.entries[id] = cb

	return &Subscription{cancel: func() {
		s.subs.mu.Lock()
		defer s.subs.mu.Unlock()
		delete(s.subs.entries, id)
	}}
}

// SubscribeBatches registers cb for every subsequent InsertBatch.
func (s *Store) SubscribeBatches(cb BatchCallback) *Subscription {
	s.subs.mu.Lock()
	defer s.subs.mu.Unlock()

	id := s.subs.nextID
	s.subs.nextID++
	s.subs.batches[id] = cb

	return &Subscription{cancel: func() {
		s.subs.mu.Lock()
		defer s.subs.mu.Unlock()
		delete(s.subs.batches, id)
	}}
}

func (s *subscribers) entrySnapshot() []EntryCallback {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	cbs := make([]EntryCallback, 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, s.entries[id])
	}
	return cbs
}

func (s *subscribers) batchSnapshot() []BatchCallback {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.batches))
	for id := range s.batches {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	cbs := make([]BatchCallback, 0, len(ids))
	for _, id := range ids {
		cbs = append(cbs, s.batches[id])
	}
	return cbs
}

// deliverEntry invokes every callback in subscription order. A panicking
// subscriber is isolated and reported; delivery continues.
func (s *Store) deliverEntry(cbs []EntryCallback, entry models.TradeEntry) {
	for _, cb := range cbs {
		s.safeInvoke(func() { cb(entry) })
	}
}

func (s *Store) deliverBatch(cbs []BatchCallback, batch models.TradeBatch) {
	for _, cb := range cbs {
		s.safeInvoke(func() { cb(batch) })
	}
}

func (s *Store) safeInvoke(f func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.WithComponent("store").WithFields(logger.Fields{
				"panic": r,
			}).Error("subscriber callback panicked")
		}
	}()
	f()
}
