// Package random implements the synthetic Random data module: an
// in-memory source useful for demo schemes and for exercising the
// module contract and local (non-transport) subscriptions.
package random

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/protei/datagate/pkg/data"
	"github.com/protei/datagate/pkg/data/covtable"
	"github.com/protei/datagate/pkg/dataerr"
)

// valueFreshness is the window within which a previously set value is
// returned verbatim instead of generating a fresh random reading.
const valueFreshness = 180 * time.Second

var loremWords = []string{"Lorem", "Ipsum", "Dolor", "Sit", "Amet"}

type storedValue struct {
	at    time.Time
	value string
}

// Module is the synthetic in-memory data source. It has no transport:
// reads either return the most recently written value for a point (if
// still fresh) or a freshly generated value parameterised by the type
// and range encoded in the point id.
type Module struct {
	logger zerolog.Logger

	mu     sync.RWMutex
	values map[string]storedValue

	cov *covtable.Table[string, struct{}]
	now func() time.Time
}

// New creates a Random module. now defaults to time.Now; tests may
// override it to make freshness deterministic.
func New(logger zerolog.Logger) *Module {
	return &Module{
		logger: logger,
		values: make(map[string]storedValue),
		cov:    covtable.New[string, struct{}](),
		now:    time.Now,
	}
}

// SetClock overrides the module's time source. Intended for tests that
// need deterministic freshness-window behaviour.
func (m *Module) SetClock(now func() time.Time) {
	m.now = now
}

func (m *Module) Name() string { return "random" }

func (m *Module) Start(ctx context.Context) error {
	m.logger.Debug().Msg("random data module started")
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	m.logger.Debug().Msg("random data module stopped")
	return nil
}

// parsedID is the decoded shape of a Random point id:
// <name>[::<type>[::<min>[::<max>]]].
type parsedID struct {
	name     string
	dtype    string
	min, max float64
}

func parseID(id string) (parsedID, error) {
	parts := strings.Split(id, "::")
	if len(parts) < 1 || parts[0] == "" {
		return parsedID{}, dataerr.New(dataerr.InvalidId, "invalid data id")
	}
	p := parsedID{name: parts[0], dtype: "int", min: 0, max: 100}
	if len(parts) > 1 {
		p.dtype = parts[1]
	}
	if len(parts) > 2 {
		v, err := strconv.ParseFloat(parts[2], 64)
		if err != nil {
			return parsedID{}, dataerr.Wrap(dataerr.InvalidId, "invalid data id", err)
		}
		p.min = v
	}
	if len(parts) > 3 {
		v, err := strconv.ParseFloat(parts[3], 64)
		if err != nil {
			return parsedID{}, dataerr.Wrap(dataerr.InvalidId, "invalid data id", err)
		}
		p.max = v
	}
	return p, nil
}

func (m *Module) GetValue(ctx context.Context, id string) (data.Value, error) {
	m.logger.Debug().Str("id", id).Msg("get")
	p, err := parseID(id)
	if err != nil {
		return data.Value{}, err
	}

	m.mu.RLock()
	stored, ok := m.values[p.name]
	m.mu.RUnlock()
	if ok && m.now().Before(stored.at.Add(valueFreshness)) {
		return data.NewValue(stored.value), nil
	}

	return data.NewValue(generate(p)), nil
}

func generate(p parsedID) string {
	switch p.dtype {
	case "str":
		return loremWords[rand.Intn(len(loremWords))]
	case "float":
		return fmt.Sprintf("%v", rand.Float64()*(p.max-p.min)+p.min)
	case "bool":
		return strconv.FormatBool(rand.Intn(2) == 1)
	default:
		lo, hi := int(p.min), int(p.max)
		if hi <= lo {
			return strconv.Itoa(lo)
		}
		return strconv.Itoa(lo + rand.Intn(hi-lo+1))
	}
}

func (m *Module) GetValueMultiple(ctx context.Context, ids []string) (map[string]data.Value, error) {
	return data.ConcurrentGetValueMultiple(ctx, m, ids)
}

func (m *Module) SetValue(ctx context.Context, id string, value string) (*data.Value, error) {
	m.logger.Debug().Str("id", id).Str("value", value).Msg("set")
	p, err := parseID(id)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.values[p.name] = storedValue{at: m.now(), value: value}
	m.mu.Unlock()

	v := data.NewValue(value)
	m.cov.Dispatch(p.name, id, v, m.logPanic)
	return &v, nil
}

func (m *Module) SetValueMultiple(ctx context.Context, pairs map[string]string) (map[string]*data.Value, error) {
	return data.ConcurrentSetValueMultiple(ctx, m, pairs)
}

func (m *Module) RegisterCOV(ctx context.Context, id, subscriberID string, cb data.COVCallback) (bool, error) {
	m.logger.Debug().Str("id", id).Str("subscriber", subscriberID).Msg("register_cov")
	p, err := parseID(id)
	if err != nil {
		return false, err
	}
	installed, _, err := m.cov.Install(p.name, subscriberID, cb, func() (struct{}, bool, error) {
		return struct{}{}, true, nil
	})
	return installed, err
}

func (m *Module) RemoveCOV(ctx context.Context, id, subscriberID string) error {
	m.logger.Debug().Str("id", id).Str("subscriber", subscriberID).Msg("remove_cov")
	p, err := parseID(id)
	if err != nil {
		return err
	}
	m.cov.Remove(p.name, subscriberID, func(struct{}) {})
	return nil
}

func (m *Module) logPanic(subscriberID string, r any) {
	m.logger.Error().Str("subscriber", subscriberID).Interface("panic", r).Msg("cov callback panicked")
}

var _ data.Module = (*Module)(nil)
