// Package dispatch delivers outbound chat messages with per-destination
// deduplication and progress throttling.
//
// Example usage:
//
//	cache := dispatch.NewDedupCache(1000, time.Hour)
//	if cache.Mark("chat-1", "task-1:completed:0") {
//	    // first time: deliver
//	}
package dispatch

import (
	"container/list"
	"sync"
	"time"
)

// DedupRecord remembers that a message was handed to the platform.
type DedupRecord struct {
	MessageID   string
	Destination string
	SentAt      time.Time
}

// destRecords is an insertion-ordered set of records for one destination.
type destRecords struct {
	order *list.List // of *DedupRecord, oldest at front
	index map[string]*list.Element
}

// DedupCache is a bounded, age-bounded record of delivered message ids,
// shared by all destinations.
//
// Each destination holds at most maxIDs records; inserting beyond that
// evicts the oldest. Records older than maxAge read as absent. Expiry is
// checked on access; there is no background sweep.
type DedupCache struct {
	mu      sync.Mutex
	dests   map[string]*destRecords
	maxIDs  int
	maxAge  time.Duration
	now     func() time.Time
	metrics *Metrics
}

// NewDedupCache creates a cache. maxIDs below 1 is treated as 1.
func NewDedupCache(maxIDs int, maxAge time.Duration) *DedupCache {
	if maxIDs < 1 {
		maxIDs = 1
	}
	return &DedupCache{
		dests:  make(map[string]*destRecords),
		maxIDs: maxIDs,
		maxAge: maxAge,
		now:    time.Now,
	}
}

// SetMetrics sets the metrics tracker for this cache.
func (c *DedupCache) SetMetrics(m *Metrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// Mark records (destination, messageID) and reports whether it was new.
// A false return means a live record already exists and the message must
// not be sent again. Check and insert are atomic.
func (c *DedupCache) Mark(destination, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	d := c.dests[destination]
	if d == nil {
		d = &destRecords{order: list.New(), index: make(map[string]*list.Element)}
		c.dests[destination] = d
	}

	if el, ok := d.index[messageID]; ok {
		if !c.expired(el.Value.(*DedupRecord), now) {
			return false
		}
		d.order.Remove(el)
		delete(d.index, messageID)
	}

	rec := &DedupRecord{MessageID: messageID, Destination: destination, SentAt: now}
	d.index[messageID] = d.order.PushBack(rec)

	for d.order.Len() > c.maxIDs {
		oldest := d.order.Front()
		d.order.Remove(oldest)
		delete(d.index, oldest.Value.(*DedupRecord).MessageID)
	}
	c.updateSize()
	return true
}

// Get returns the live record for (destination, messageID).
func (c *DedupCache) Get(destination, messageID string) (DedupRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	d := c.dests[destination]
	if d == nil {
		return DedupRecord{}, false
	}
	el, ok := d.index[messageID]
	if !ok {
		return DedupRecord{}, false
	}
	rec := el.Value.(*DedupRecord)
	if c.expired(rec, c.now()) {
		d.order.Remove(el)
		delete(d.index, messageID)
		c.updateSize()
		return DedupRecord{}, false
	}
	return *rec, true
}

// Len returns the number of stored records for destination, including
// ones that have expired but not yet been read.
func (c *DedupCache) Len(destination string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.dests[destination]; d != nil {
		return d.order.Len()
	}
	return 0
}

// Unmark drops the record for (destination, messageID), if any.
func (c *DedupCache) Unmark(destination, messageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.dests[destination]
	if d == nil {
		return
	}
	if el, ok := d.index[messageID]; ok {
		d.order.Remove(el)
		delete(d.index, messageID)
		c.updateSize()
	}
}

// Forget drops all records for destination.
func (c *DedupCache) Forget(destination string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.dests, destination)
	c.updateSize()
}

func (c *DedupCache) expired(rec *DedupRecord, now time.Time) bool {
	return c.maxAge > 0 && now.Sub(rec.SentAt) > c.maxAge
}

// updateSize must be called with mu held.
func (c *DedupCache) updateSize() {
	if c.metrics == nil {
		return
	}
	total := 0
	for _, d := range c.dests {
		total += d.order.Len()
	}
	c.metrics.SetCacheSize(total)
}
