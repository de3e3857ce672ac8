// Package data defines the abstract data-module contract every protocol
// adapter implements (BACnet, Modbus, SNMP, Random) and the controller
// that dispatches requests to the named module.
package data

import (
	"context"
	"sync"
)

// Value is the printable form of a read or write result: either a single
// string or an ordered sequence of strings for array-valued reads.
type Value struct {
	Single  string
	Multi   []string
	IsMulti bool
}

// NewValue wraps a single string value.
func NewValue(s string) Value { return Value{Single: s} }

// NewMultiValue wraps an ordered sequence of string values.
func NewMultiValue(ss []string) Value { return Value{Multi: ss, IsMulti: true} }

// String renders the value for logging and for embedding into a style
// rule's stringified-value predicate. Multi-valued reads use their
// first element, matching how the scheme renderer treats a binding's
// value as a single string.
func (v Value) String() string {
	if v.IsMulti {
		if len(v.Multi) == 0 {
			return ""
		}
		return v.Multi[0]
	}
	return v.Single
}

// COVCallback is invoked by a module whenever a subscribed point's value
// changes. id is the canonical point identifier (round-tripped per the
// module's own canonicalisation), value is the new reading.
type COVCallback func(id string, value Value)

// Module is the contract every protocol adapter implements.
type Module interface {
	// Name is the module name used in the registry ("random", "bacnet",
	// "modbus", "snmp").
	Name() string

	// Start is idempotent and must complete before any other operation
	// is invoked.
	Start(ctx context.Context) error

	// Stop is idempotent; it cancels all outstanding operations and
	// releases the transport.
	Stop(ctx context.Context) error

	// GetValue performs a single read.
	GetValue(ctx context.Context, id string) (Value, error)

	// GetValueMultiple performs a batched read. The default
	// implementation (ConcurrentGetValueMultiple) issues concurrent GetValue calls;
	// modules that support native batching override this.
	GetValueMultiple(ctx context.Context, ids []string) (map[string]Value, error)

	// SetValue performs a single write, returning the echoed/accepted
	// value or a nil Value pointer when the device acknowledges the
	// write but returns no value.
	SetValue(ctx context.Context, id string, value string) (*Value, error)

	// SetValueMultiple performs a batched write.
	SetValueMultiple(ctx context.Context, pairs map[string]string) (map[string]*Value, error)

	// RegisterCOV subscribes subscriberID to change notifications on id.
	// It returns false (not an error) when the module does not support
	// COV for this point.
	RegisterCOV(ctx context.Context, id, subscriberID string, cb COVCallback) (bool, error)

	// RemoveCOV is idempotent; it is a no-op if not subscribed.
	RemoveCOV(ctx context.Context, id, subscriberID string) error
}

// concurrentReadResult pairs a read outcome with its id for
// ConcurrentGetValueMultiple.
type concurrentReadResult struct {
	id    string
	value Value
	err   error
}

// ConcurrentGetValueMultiple is the default get_value_multiple
// behaviour: issue concurrent GetValue calls and join the results.
// Partial failure fails the whole call with the first non-recoverable
// error encountered.
func ConcurrentGetValueMultiple(ctx context.Context, m Module, ids []string) (map[string]Value, error) {
	results := make(chan concurrentReadResult, len(ids))
	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			v, err := m.GetValue(ctx, id)
			results <- concurrentReadResult{id: id, value: v, err: err}
		}(id)
	}
	wg.Wait()
	close(results)

	out := make(map[string]Value, len(ids))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		out[r.id] = r.value
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// concurrentWriteResult pairs a write outcome with its id for
// ConcurrentSetValueMultiple.
type concurrentWriteResult struct {
	id    string
	value *Value
	err   error
}

// ConcurrentSetValueMultiple is the default set_value_multiple behaviour:
// concurrent SetValue calls joined into one result map.
func ConcurrentSetValueMultiple(ctx context.Context, m Module, pairs map[string]string) (map[string]*Value, error) {
	results := make(chan concurrentWriteResult, len(pairs))
	var wg sync.WaitGroup
	for id, value := range pairs {
		wg.Add(1)
		go func(id, value string) {
			defer wg.Done()
			v, err := m.SetValue(ctx, id, value)
			results <- concurrentWriteResult{id: id, value: v, err: err}
		}(id, value)
	}
	wg.Wait()
	close(results)

	out := make(map[string]*Value, len(pairs))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		out[r.id] = r.value
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}
