// Package covtable implements a per-module subscription table: a
// mapping from canonical point key to a transport-level subscription
// handle plus a set of subscriber callbacks, serialised by a single
// mutex held across read, insert, delete, and dispatch.
package covtable

import (
	"sync"

	"github.com/protei/datagate/pkg/data"
)

// entry is one row of the table: the transport-level handle (an empty
// struct{} for modules, like Random, that have no real subscription to
// hold) and the
// set of subscriber callbacks currently registered on the key.
type entry[H any] struct {
	handle    H
	callbacks map[string]data.COVCallback
}

// Table is a generic subscription fan-out table keyed by K. A
// transport-level subscription exists iff the callback map for a key is
// non-empty: adding a subscriber to an already-present key reuses the
// existing handle; removing the last subscriber for a key removes the
// row entirely.
type Table[K comparable, H any] struct {
	mu      sync.Mutex
	entries map[K]*entry[H]
}

// New creates an empty table.
func New[K comparable, H any]() *Table[K, H] {
	return &Table[K, H]{entries: make(map[K]*entry[H])}
}

// Install, named analogously to "register_cov" reuse-or-install: if key
// already has subscribers, subscriberID and cb are added to the
// existing row and reused is true. Otherwise makeHandle is invoked to
// establish the transport-level subscription; on success the row is
// created with the fresh handle. makeHandle is called with the table's
// lock NOT held, since it typically performs I/O.
func (t *Table[K, H]) Install(key K, subscriberID string, cb data.COVCallback, makeHandle func() (H, bool, error)) (installed bool, reused bool, err error) {
	t.mu.Lock()
	if e, ok := t.entries[key]; ok {
		e.callbacks[subscriberID] = cb
		t.mu.Unlock()
		return true, true, nil
	}
	t.mu.Unlock()

	handle, ok, err := makeHandle()
	if err != nil {
		return false, false, err
	}
	if !ok {
		return false, false, nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	// Another caller may have raced us and installed the key first;
	// the existing row is kept and reused is reported true. The fresh
	// handle is discarded without being cancelled; a caller whose
	// handle holds resources releases it itself.
	if e, ok := t.entries[key]; ok {
		e.callbacks[subscriberID] = cb
		return true, true, nil
	}
	t.entries[key] = &entry[H]{handle: handle, callbacks: map[string]data.COVCallback{subscriberID: cb}}
	return true, false, nil
}

// Remove drops subscriberID from key's callback set. If that empties
// the set, the row is deleted and cancel is invoked with the row's
// handle so the caller can cancel the transport-level subscription.
// Remove is a no-op if key or subscriberID is not present.
func (t *Table[K, H]) Remove(key K, subscriberID string, cancel func(H)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return
	}
	if _, ok := e.callbacks[subscriberID]; !ok {
		return
	}
	delete(e.callbacks, subscriberID)
	if len(e.callbacks) == 0 {
		delete(t.entries, key)
		if cancel != nil {
			cancel(e.handle)
		}
	}
}

// Dispatch invokes every callback registered for key with (id, value),
// holding the table's mutex for the full duration of the fan-out so
// Install/Remove are serialised against delivery. A callback that
// panics is recovered and logged via onPanic so it cannot stop the
// fan-out to the remaining subscribers.
func (t *Table[K, H]) Dispatch(key K, id string, value data.Value, onPanic func(subscriberID string, r any)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return
	}
	for subscriberID, cb := range e.callbacks {
		callSafely(subscriberID, cb, id, value, onPanic)
	}
}

func callSafely(subscriberID string, cb data.COVCallback, id string, value data.Value, onPanic func(string, any)) {
	defer func() {
		if r := recover(); r != nil && onPanic != nil {
			onPanic(subscriberID, r)
		}
	}()
	cb(id, value)
}

// Len reports how many keys currently have at least one subscriber —
// used by tests asserting the reference-counting invariant.
func (t *Table[K, H]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// SubscriberCount reports how many subscribers are registered on key.
func (t *Table[K, H]) SubscriberCount(key K) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key]
	if !ok {
		return 0
	}
	return len(e.callbacks)
}
