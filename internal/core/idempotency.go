package core

import (
	"container/list"
	"fmt"

	"github.com/rs/zerolog"

	"ForwardLedger/internal/observability"
)

// IdempotencyChecker implements two-tier request deduplication.
// Not thread-safe; the engine serializes access.
type IdempotencyChecker struct {
	// Tier 1: in-memory LRU
	lru *IdempotencyLRU

	// Tier 2: Postgres command log
	dbChecker DBIdempotencyChecker

	metrics *observability.Metrics
	log     zerolog.Logger
}

// DBIdempotencyChecker looks a request up in the durable command log.
type DBIdempotencyChecker interface {
	IsDuplicate(commandType string, requestID string) (bool, error)
}

func NewIdempotencyChecker(capacity int, dbChecker DBIdempotencyChecker, metrics *observability.Metrics, log zerolog.Logger) *IdempotencyChecker {
	return &IdempotencyChecker{
		lru:       NewIdempotencyLRU(capacity),
		dbChecker: dbChecker,
		metrics:   metrics,
		log:       log,
	}
}

func compositeKey(commandType, requestID string) string {
	return fmt.Sprintf("%s:%s", commandType, requestID)
}

// IsDuplicate checks whether the request was already applied.
func (ic *IdempotencyChecker) IsDuplicate(commandType string, requestID string) bool {
	key := compositeKey(commandType, requestID)

	if ic.lru.Contains(key) {
		ic.recordDuplicate(commandType, "lru")
		return true
	}

	if ic.dbChecker != nil {
		isDup, err := ic.dbChecker.IsDuplicate(commandType, requestID)
		if err != nil {
			// a tier-2 outage must not block commands; treat as new
			ic.log.Warn().Err(err).Str("request_id", requestID).Msg("tier-2 dedup lookup failed")
			if ic.metrics != nil {
				ic.metrics.DedupTier2Errors.Inc()
			}
			return false
		}
		if isDup {
			ic.recordDuplicate(commandType, "postgres")
			ic.lru.Add(key)
			return true
		}
	}
	return false
}

// MarkProcessed adds the request to the LRU after a successful command.
func (ic *IdempotencyChecker) MarkProcessed(commandType string, requestID string) {
	evicted := ic.lru.Add(compositeKey(commandType, requestID))
	if ic.metrics != nil {
		ic.metrics.DedupLRUSize.Set(float64(ic.lru.Size()))
		if evicted {
			ic.metrics.DedupLRUEvictions.Inc()
		}
	}
}

func (ic *IdempotencyChecker) recordDuplicate(commandType, tier string) {
	if ic.metrics != nil {
		ic.metrics.IdempotencyDuplicates.WithLabelValues(commandType, tier).Inc()
	}
}

// --- LRU ---

// IdempotencyLRU is an LRU set of composite request keys.
type IdempotencyLRU struct {
	capacity int
	cache    map[string]*list.Element
	lruList  *list.List

	evictions int64
}

func NewIdempotencyLRU(capacity int) *IdempotencyLRU {
	if capacity <= 0 {
		capacity = 1
	}
	return &IdempotencyLRU{
		capacity: capacity,
		cache:    make(map[string]*list.Element),
		lruList:  list.New(),
	}
}

// Contains checks if key exists (promotes to front).
func (lru *IdempotencyLRU) Contains(key string) bool {
	elem, exists := lru.cache[key]
	if exists {
		lru.lruList.MoveToFront(elem)
		return true
	}
	return false
}

// Add inserts a key (or promotes it) and reports whether an entry was evicted.
func (lru *IdempotencyLRU) Add(key string) bool {
	if elem, exists := lru.cache[key]; exists {
		lru.lruList.MoveToFront(elem)
		return false
	}
	lru.cache[key] = lru.lruList.PushFront(key)
	if lru.lruList.Len() > lru.capacity {
		lru.evictOldest()
		return true
	}
	return false
}

func (lru *IdempotencyLRU) evictOldest() {
	elem := lru.lruList.Back()
	if elem != nil {
		lru.lruList.Remove(elem)
		delete(lru.cache, elem.Value.(string))
		lru.evictions++
	}
}

// WarmFromKeys loads composite keys oldest first, so the last key ends
// up most recently used.
func (lru *IdempotencyLRU) WarmFromKeys(keys []string) {
	for _, key := range keys {
		lru.Add(key)
	}
}

// GetAllKeys returns keys from least to most recently used.
func (lru *IdempotencyLRU) GetAllKeys() []string {
	keys := make([]string, 0, lru.lruList.Len())
	for e := lru.lruList.Back(); e != nil; e = e.Prev() {
		keys = append(keys, e.Value.(string))
	}
	return keys
}

func (lru *IdempotencyLRU) Size() int {
	return lru.lruList.Len()
}

func (lru *IdempotencyLRU) Evictions() int64 {
	return lru.evictions
}
