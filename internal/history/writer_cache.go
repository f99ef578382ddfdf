package history

import (
	"sync"

	"github.com/linkerd/godds/internal/qos"
)

// WriterCache is the writer-side history cache: plain CacheChange storage
// (KeepLast/ResourceLimits admission is identical to the reader side, see
// spec.md §4.2 step 5) plus a hook writer.StatefulWriter/StatelessWriter
// uses to fan a newly admitted change out to every ReaderProxy as a
// ChangeForReader entry (spec.md §4.2 step 3).
type WriterCache struct {
	*Cache
	PushMode bool

	mu        sync.Mutex
	listeners []func(CacheChange)
}

func NewWriterCache(history qos.History, limits qos.ResourceLimits, pushMode bool) *WriterCache {
	return &WriterCache{Cache: NewCache(history, limits), PushMode: pushMode}
}

// OnAddChange registers fn to be invoked, in registration order, every
// time AddChange admits a new change. Typically StatefulWriter registers
// one closure here to append a ChangeForReader to each matched ReaderProxy.
func (wc *WriterCache) OnAddChange(fn func(CacheChange)) {
	wc.mu.Lock()
	wc.listeners = append(wc.listeners, fn)
	wc.mu.Unlock()
}

// AddChange admits ch via the embedded Cache then fans it out to every
// registered listener.
func (wc *WriterCache) AddChange(ch CacheChange) error {
	if err := wc.Cache.AddChange(ch); err != nil {
		return err
	}
	wc.mu.Lock()
	listeners := make([]func(CacheChange), len(wc.listeners))
	copy(listeners, wc.listeners)
	wc.mu.Unlock()
	for _, fn := range listeners {
		fn(ch)
	}
	return nil
}
