package store

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"tradeindex/logger"
	"tradeindex/models"
)

// BucketWidthMs is the fixed bucket granularity. Entries sharing the same
// floor(timestamp/BucketWidthMs) live in the same bucket, which bounds the
// number of buckets a range query touches to ceil(range/60s)+1.
const BucketWidthMs = 60_000

// DefaultNearestToleranceMs is the maximum distance Nearest will accept when
// the caller does not supply a tolerance.
const DefaultNearestToleranceMs = 60_000

// estimatedBytesPerEntry is a rough fixed-size accounting used by Stats.
const estimatedBytesPerEntry = 96

// RangeOptions carries the optional filters of a range query. Zero values
// mean "no filter". Filters apply after the temporal slice; there is no
// secondary index on source or side.
type RangeOptions struct {
	Source string
	Side   string
	Limit  int
}

// Stats is a snapshot of the store aggregates.
type Stats struct {
	TotalEntries   int    `json:"total_entries"`
	BucketCount    int    `json:"bucket_count"`
	Earliest       *int64 `json:"earliest"`
	Latest         *int64 `json:"latest"`
	EstimatedBytes int    `json:"estimated_bytes"`
}

// Store is the time-bucketed trade container. A single RWMutex protects the
// bucket map and the aggregates; queries take the read side, mutations the
// write side. The subscriber lists are guarded by their own mutex.
type Store struct {
	mu      sync.RWMutex
	buckets map[int64][]models.TradeEntry
	total   int
	minTS   int64
	maxTS   int64

	subs *subscribers

	log *logger.Log
}

// New creates an empty store.
func New() *Store {
	return &Store{
		buckets: make(map[int64][]models.TradeEntry),
		subs:    newSubscribers(),
		log:     logger.GetLogger(),
	}
}

// bucketKey floors toward negative infinity so pre-epoch timestamps land in
// the right bucket.
func bucketKey(ts int64) int64 {
	k := ts / BucketWidthMs
	if ts%BucketWidthMs < 0 {
		k--
	}
	return k
}

// Insert adds one entry and delivers it to every entry subscriber. The entry
// is observable to queries before any subscriber runs.
func (s *Store) Insert(entry models.TradeEntry) {
	s.mu.Lock()
	s.insertLocked(entry)
	cbs := s.subs.entrySnapshot()
	s.mu.Unlock()

	s.deliverEntry(cbs, entry)
}

// InsertBatch adds all entries and delivers a single batch event carrying the
// timestamp-sorted sequence. Ties keep their input order.
func (s *Store) InsertBatch(entries []models.TradeEntry) {
	if len(entries) == 0 {
		return
	}

	sorted := make([]models.TradeEntry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp < sorted[j].Timestamp
	})

	s.mu.Lock()
	for _, entry := range sorted {
		s.insertLocked(entry)
	}
	cbs := s.subs.batchSnapshot()
	s.mu.Unlock()

	batch := models.TradeBatch{
		BatchID:     uuid.New().String(),
		Entries:     sorted,
		RecordCount: len(sorted),
	}
	s.deliverBatch(cbs, batch)
}

// insertLocked splices the entry into its bucket keeping timestamps
// non-decreasing, with equal timestamps ordered by insertion. Caller holds
// the write lock.
func (s *Store) insertLocked(entry models.TradeEntry) {
	k := bucketKey(entry.Timestamp)
	bucket := s.buckets[k]

	// First position whose timestamp exceeds the new entry, so equal
	// timestamps stay first-inserted-first.
	i := sort.Search(len(bucket), func(i int) bool {
		return bucket[i].Timestamp > entry.Timestamp
	})

	bucket = append(bucket, models.TradeEntry{})
	copy(bucket[i+1:], bucket[i:])
	bucket[i] = entry
	s.buckets[k] = bucket

	if s.total == 0 {
		s.minTS = entry.Timestamp
		s.maxTS = entry.Timestamp
	} else {
		if entry.Timestamp < s.minTS {
			s.minTS = entry.Timestamp
		}
		if entry.Timestamp > s.maxTS {
			s.maxTS = entry.Timestamp
		}
	}
	s.total++
}

// Range returns entries with start <= timestamp < end, ascending by
// timestamp, filtered and truncated per opts.
func (s *Store) Range(start, end int64, opts RangeOptions) []models.TradeEntry {
	if start >= end {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]models.TradeEntry, 0)
	k0 := bucketKey(start)
	k1 := bucketKey(end - 1)

	for k := k0; k <= k1; k++ {
		bucket, ok := s.buckets[k]
		if !ok {
			continue
		}

		i := 0
		if k == k0 {
			i = sort.Search(len(bucket), func(i int) bool {
				return bucket[i].Timestamp >= start
			})
		}
		for ; i < len(bucket); i++ {
			entry := bucket[i]
			if entry.Timestamp >= end {
				return results
			}
			if opts.Source != "" && entry.Source != opts.Source {
				continue
			}
			if opts.Side != "" && entry.Side != opts.Side {
				continue
			}
			results = append(results, entry)
			if opts.Limit > 0 && len(results) >= opts.Limit {
				return results
			}
		}
	}
	return results
}

// At returns every entry with exactly the given timestamp, in insertion
// order.
func (s *Store) At(ts int64) []models.TradeEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	bucket, ok := s.buckets[bucketKey(ts)]
	if !ok {
		return nil
	}

	i := sort.Search(len(bucket), func(i int) bool {
		return bucket[i].Timestamp >= ts
	})
	if i == len(bucket) || bucket[i].Timestamp != ts {
		return nil
	}

	results := make([]models.TradeEntry, 0, 2)
	for ; i < len(bucket) && bucket[i].Timestamp == ts; i++ {
		results = append(results, bucket[i])
	}
	return results
}

// Nearest returns the entry whose timestamp is closest to ts within
// toleranceMs, or nil. Equidistant candidates resolve to the later one. A
// tolerance <= 0 means exact match only when zero, default when negative.
func (s *Store) Nearest(ts, toleranceMs int64) *models.TradeEntry {
	if toleranceMs < 0 {
		toleranceMs = DefaultNearestToleranceMs
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	k := bucketKey(ts)
	if best := s.nearestInBucket(k, ts, toleranceMs, nil); best != nil {
		return best
	}

	// Neighbors only when the home bucket had nothing in range. The later
	// bucket goes first so equidistant candidates resolve forward.
	best := s.nearestInBucket(k+1, ts, toleranceMs, nil)
	best = s.nearestInBucket(k-1, ts, toleranceMs, best)
	return best
}

// nearestInBucket evaluates the two candidates straddling ts inside bucket k,
// keeping best unless a strictly closer candidate is found. The candidate at
// or after ts is considered first, which gives ties to the later entry.
func (s *Store) nearestInBucket(k, ts, toleranceMs int64, best *models.TradeEntry) *models.TradeEntry {
	bucket, ok := s.buckets[k]
	if !ok {
		return best
	}

	i := sort.Search(len(bucket), func(i int) bool {
		return bucket[i].Timestamp >= ts
	})

	consider := func(entry models.TradeEntry) {
		d := entry.Timestamp - ts
		if d < 0 {
			d = -d
		}
		if d > toleranceMs {
			return
		}
		if best == nil || d < absDist(best.Timestamp, ts) {
			e := entry
			best = &e
		}
	}

	if i < len(bucket) {
		consider(bucket[i])
	}
	if i > 0 {
		consider(bucket[i-1])
	}
	return best
}

func absDist(a, b int64) int64 {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d
}

// Stats reports the aggregates. EstimatedBytes is a fixed per-entry
// accounting, monotone in TotalEntries.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		TotalEntries:   s.total,
		BucketCount:    len(s.buckets),
		EstimatedBytes: s.total * estimatedBytesPerEntry,
	}
	if s.total > 0 {
		earliest, latest := s.minTS, s.maxTS
		stats.Earliest = &earliest
		stats.Latest = &latest
	}
	return stats
}

// Size returns the number of live entries.
func (s *Store) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}

// IsEmpty reports whether the store holds no entries.
func (s *Store) IsEmpty() bool {
	return s.Size() == 0
}

// Clear removes every bucket and resets the aggregates. Subscriptions
// survive.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buckets = make(map[int64][]models.TradeEntry)
	s.total = 0
	s.minTS = 0
	s.maxTS = 0
}
