package data

import (
	"context"

	"github.com/protei/datagate/pkg/dataerr"
)

// Controller holds the module registry and dispatches requests to the
// named module. It is stateless across requests: per-subscriber
// bookkeeping is the external transport's responsibility.
type Controller struct {
	modules map[string]Module
}

// NewController builds a Controller over the given modules, keyed by
// Module.Name(). The registry is immutable once built.
func NewController(modules ...Module) *Controller {
	reg := make(map[string]Module, len(modules))
	for _, m := range modules {
		reg[m.Name()] = m
	}
	return &Controller{modules: reg}
}

// Start starts every registered module. Order is unspecified.
func (c *Controller) Start(ctx context.Context) error {
	for _, m := range c.modules {
		if err := m.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop stops every registered module, visiting the registry map in
// Go's unspecified iteration order; modules are not stopped in the
// reverse of the order Start used. Every module is asked to stop and
// the first error is returned.
func (c *Controller) Stop(ctx context.Context) error {
	var firstErr error
	for _, m := range c.modules {
		if err := m.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *Controller) lookup(moduleName string) (Module, error) {
	m, ok := c.modules[moduleName]
	if !ok {
		return nil, dataerr.New(dataerr.NotFound, "data module not found")
	}
	return m, nil
}

// GetValues dispatches a read. A single id collapses to GetValue; more
// than one uses the module's batched API.
func (c *Controller) GetValues(ctx context.Context, moduleName string, ids []string) (map[string]Value, error) {
	m, err := c.lookup(moduleName)
	if err != nil {
		return nil, err
	}
	if len(ids) == 1 {
		v, err := m.GetValue(ctx, ids[0])
		if err != nil {
			return nil, err
		}
		return map[string]Value{ids[0]: v}, nil
	}
	return m.GetValueMultiple(ctx, ids)
}

// SetValues dispatches a write. A single pair collapses to SetValue;
// more than one uses the module's batched API.
func (c *Controller) SetValues(ctx context.Context, moduleName string, data map[string]string) (map[string]*Value, error) {
	m, err := c.lookup(moduleName)
	if err != nil {
		return nil, err
	}
	if len(data) == 1 {
		for id, value := range data {
			v, err := m.SetValue(ctx, id, value)
			if err != nil {
				return nil, err
			}
			return map[string]*Value{id: v}, nil
		}
	}
	return m.SetValueMultiple(ctx, data)
}

// RegisterCOV routes a subscription request to the named module.
func (c *Controller) RegisterCOV(ctx context.Context, moduleName, id, subscriberID string, cb COVCallback) (bool, error) {
	m, err := c.lookup(moduleName)
	if err != nil {
		return false, err
	}
	return m.RegisterCOV(ctx, id, subscriberID, cb)
}

// RemoveCOV routes an unsubscribe request to the named module.
func (c *Controller) RemoveCOV(ctx context.Context, moduleName, id, subscriberID string) error {
	m, err := c.lookup(moduleName)
	if err != nil {
		return err
	}
	return m.RemoveCOV(ctx, id, subscriberID)
}
