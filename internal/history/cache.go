// Package history implements the sample history cache (spec.md §3/§4.2):
// the per-endpoint ordered CacheChange store, instance lifecycle tracking,
// and the QoS-driven admission rules that govern both writer-side and
// reader-side caches.
package history

import (
	"sort"
	"sync"
	"time"

	"github.com/linkerd/godds/internal/ddserror"
	"github.com/linkerd/godds/internal/qos"
	"github.com/linkerd/godds/internal/rtps/types"
)

// ChangeKind is the kind of a CacheChange (spec.md §3).
type ChangeKind int

const (
	Alive ChangeKind = iota
	NotAliveDisposed
	NotAliveUnregistered
)

// CacheChange is the atomic unit in the history cache.
type CacheChange struct {
	Kind              ChangeKind
	WriterGuid        types.Guid
	InstanceHandle    types.InstanceHandle
	SequenceNumber    types.SequenceNumber
	SourceTimestamp   time.Time
	SerializedPayload []byte
	InlineQos         []byte
}

// Cache is an ordered, per-instance-aware store of CacheChanges. The same
// type backs both writer-side and reader-side caches; reader-specific
// admission (destination-order, time-based-filter, ownership, view-state)
// lives in reader_cache.go and calls into AddChange once a change clears
// those gates.
type Cache struct {
	mu       sync.Mutex
	history  qos.History
	limits   qos.ResourceLimits
	changes  []CacheChange // ascending by SequenceNumber
	byInst   map[types.InstanceHandle][]int
}

func NewCache(history qos.History, limits qos.ResourceLimits) *Cache {
	return &Cache{
		history: history,
		limits:  limits,
		byInst:  make(map[types.InstanceHandle][]int),
	}
}

// instanceCount returns how many live samples are retained for handle.
func (c *Cache) instanceCount(handle types.InstanceHandle) int {
	return len(c.byInst[handle])
}

// AddChange enforces KeepLast/ResourceLimits (spec.md §4.2 steps 1-2) and
// appends; duplicate (WriterGuid, SequenceNumber) pairs are a no-op
// (spec.md §8 Codec/History testable property).
func (c *Cache) AddChange(ch CacheChange) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, existing := range c.changes {
		if existing.WriterGuid == ch.WriterGuid && existing.SequenceNumber == ch.SequenceNumber {
			return nil
		}
	}

	if c.history.Kind == qos.KeepLast && c.history.Depth > 0 {
		for int32(c.instanceCount(ch.InstanceHandle)) >= c.history.Depth {
			if !c.evictOldestForInstance(ch.InstanceHandle) {
				break
			}
		}
	}

	if c.limits.MaxSamples != qos.Unlimited && len(c.changes) >= int(c.limits.MaxSamples) {
		return ddserror.OutOfResources
	}
	if c.limits.MaxSamplesPerInstance != qos.Unlimited &&
		c.instanceCount(ch.InstanceHandle) >= int(c.limits.MaxSamplesPerInstance) {
		return ddserror.OutOfResources
	}
	if c.limits.MaxInstances != qos.Unlimited {
		if _, known := c.byInst[ch.InstanceHandle]; !known && len(c.byInst) >= int(c.limits.MaxInstances) {
			return ddserror.OutOfResources
		}
	}

	idx := sort.Search(len(c.changes), func(i int) bool {
		return c.changes[i].SequenceNumber > ch.SequenceNumber
	})
	c.changes = append(c.changes, CacheChange{})
	copy(c.changes[idx+1:], c.changes[idx:])
	c.changes[idx] = ch
	c.reindex()
	return nil
}

// evictOldestForInstance removes the smallest-sequence-number change
// retained for handle. Caller holds c.mu.
func (c *Cache) evictOldestForInstance(handle types.InstanceHandle) bool {
	indices := c.byInst[handle]
	if len(indices) == 0 {
		return false
	}
	victim := indices[0]
	c.changes = append(c.changes[:victim], c.changes[victim+1:]...)
	c.reindex()
	return true
}

// reindex rebuilds byInst after a splice. Caller holds c.mu.
func (c *Cache) reindex() {
	for k := range c.byInst {
		delete(c.byInst, k)
	}
	for i, ch := range c.changes {
		c.byInst[ch.InstanceHandle] = append(c.byInst[ch.InstanceHandle], i)
	}
}

// RemoveChange deletes every change for which predicate returns true.
func (c *Cache) RemoveChange(predicate func(CacheChange) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	kept := c.changes[:0]
	for _, ch := range c.changes {
		if !predicate(ch) {
			kept = append(kept, ch)
		}
	}
	c.changes = kept
	c.reindex()
}

// GetSeqNumMin and GetSeqNumMax return the smallest/largest retained
// sequence number for writerGuid, and false if none are retained.
func (c *Cache) GetSeqNumMin(writerGuid types.Guid) (types.SequenceNumber, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.changes {
		if ch.WriterGuid == writerGuid {
			return ch.SequenceNumber, true
		}
	}
	return 0, false
}

func (c *Cache) GetSeqNumMax(writerGuid types.Guid) (types.SequenceNumber, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var max types.SequenceNumber
	found := false
	for _, ch := range c.changes {
		if ch.WriterGuid == writerGuid && (!found || ch.SequenceNumber > max) {
			max = ch.SequenceNumber
			found = true
		}
	}
	return max, found
}

// Changes returns a snapshot of every retained change, in ascending
// sequence-number order.
func (c *Cache) Changes() []CacheChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]CacheChange, len(c.changes))
	copy(out, c.changes)
	return out
}

// ChangesForInstance returns the retained changes for handle, oldest first.
func (c *Cache) ChangesForInstance(handle types.InstanceHandle) []CacheChange {
	c.mu.Lock()
	defer c.mu.Unlock()
	indices := c.byInst[handle]
	out := make([]CacheChange, len(indices))
	for i, idx := range indices {
		out[i] = c.changes[idx]
	}
	return out
}
