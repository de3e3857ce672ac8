// Package bacnet (module.go) wires the wire layer, the long-lived
// application, and the COV subscription subsystem into the Module
// contract.
package bacnet

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/protei/datagate/pkg/data"
	"github.com/protei/datagate/pkg/data/covtable"
	"github.com/protei/datagate/pkg/dataerr"
)

// subscriptionKey identifies one (address, object) COV subscription.
// The property is deliberately absent: a device-side subscription
// covers the whole object, so all properties of it share one handle.
type subscriptionKey struct {
	address string
	object  ObjectIdentifier
}

// Module is the BACnet/IP data module.
type Module struct {
	logger zerolog.Logger
	cfg    ModuleConfig

	app *application
	cov *covtable.Table[subscriptionKey, *subscribeCOVTask]

	startOnce sync.Once
}

// New builds the module; the UDP endpoint is bound but the background
// worker and COV dispatcher are not started until Start.
func New(logger zerolog.Logger, cfg ModuleConfig) (*Module, error) {
	cfg.applyDefaults()
	app, err := newApplication(logger, cfg.ListenAddress)
	if err != nil {
		return nil, err
	}
	return &Module{
		logger: logger,
		cfg:    cfg,
		app:    app,
		cov:    covtable.New[subscriptionKey, *subscribeCOVTask](),
	}, nil
}

func (m *Module) Name() string { return "bacnet" }

func (m *Module) Start(ctx context.Context) error {
	m.startOnce.Do(func() {
		m.app.start()
		go m.covDispatchLoop()
	})
	m.logger.Debug().Msg("bacnet data module started")
	return nil
}

func (m *Module) Stop(ctx context.Context) error {
	m.app.stop()
	m.logger.Debug().Msg("bacnet data module stopped")
	return nil
}

func (m *Module) covDispatchLoop() {
	for notif := range m.app.covQueue {
		key := subscriptionKey{address: notif.address, object: notif.object}
		id := fmt.Sprintf("%s::%s::%s", notif.address, notif.object.String(), notif.property)
		m.cov.Dispatch(key, id, notif.value, func(subscriberID string, r any) {
			m.logger.Error().Str("subscriber", subscriberID).Interface("panic", r).Msg("bacnet cov callback panicked")
		})
	}
}

// parsedID is the decoded shape of a BACnet point id:
// <network_address>::<object_type>:<instance>::<property>; the
// property component is optional for subscription calls.
type parsedID struct {
	address  string
	object   ObjectIdentifier
	property string
}

func parseID(id string, requireProperty bool) (parsedID, error) {
	parts := strings.Split(id, "::")
	if len(parts) < 2 {
		return parsedID{}, dataerr.New(dataerr.InvalidId, "invalid data id")
	}
	obj, err := parseObjectIdentifier(parts[1])
	if err != nil {
		return parsedID{}, err
	}
	property := ""
	if len(parts) > 2 {
		property = parts[2]
	} else if requireProperty {
		return parsedID{}, dataerr.New(dataerr.InvalidId, "invalid data id")
	}
	return parsedID{address: parts[0], object: obj, property: property}, nil
}

func propertyIdentifier(property string) (uint32, error) {
	if n, err := strconv.ParseUint(property, 10, 32); err == nil {
		return uint32(n), nil
	}
	id, ok := propertyNameToID[property]
	if !ok {
		return 0, dataerr.New(dataerr.InvalidId, fmt.Sprintf("unknown BACnet property %q", property))
	}
	return id, nil
}

// propertyNameToID covers the handful of properties this gateway's
// scheme bindings commonly reference by name instead of numeric id.
var propertyNameToID = map[string]uint32{
	"presentValue":      85,
	"statusFlags":       111,
	"outOfService":      81,
	"units":             117,
	"description":       28,
	"objectName":        77,
	"eventState":        36,
	"reliability":       103,
	"covIncrement":      22,
	"relinquishDefault": 104,
}

func (m *Module) GetValue(ctx context.Context, id string) (data.Value, error) {
	p, err := parseID(id, true)
	if err != nil {
		return data.Value{}, err
	}
	propID, err := propertyIdentifier(p.property)
	if err != nil {
		return data.Value{}, err
	}

	m.logger.Debug().Str("id", id).Msg("bacnet get")

	var body bytes.Buffer
	contextObjectID(&body, 0, p.object)
	contextEnumerated(&body, 1, propID)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.timeout())
	defer cancel()

	return m.app.call(ctx, p.address, serviceConfirmedReadProperty, body.Bytes(), decodeReadPropertyAck)
}

func decodeReadPropertyAck(apdu []byte, pduType byte) (data.Value, error) {
	if pduType != apduComplexAck {
		return data.Value{}, decodeAck(apdu, pduType)
	}
	// apdu: [type][invokeID][service][objectIdentifier ctx0][propertyIdentifier ctx1][propertyValue ctx3 opening ... closing]
	r := bytesReader(apdu[3:])
	h, err := readTag(r) // objectIdentifier
	if err != nil {
		return data.Value{}, dataerr.New(dataerr.Protocol, "malformed ReadProperty ack")
	}
	skipValue(r, h)
	h, err = readTag(r) // propertyIdentifier
	if err != nil {
		return data.Value{}, dataerr.New(dataerr.Protocol, "malformed ReadProperty ack")
	}
	skipValue(r, h)

	h, err = readTag(r) // propertyValue opening tag 3
	if err != nil {
		return data.Value{}, dataerr.New(dataerr.Protocol, "malformed ReadProperty ack")
	}
	if !h.opening {
		return data.Value{}, dataerr.New(dataerr.Protocol, "malformed ReadProperty ack")
	}

	var values []string
	for {
		inner, err := readTag(r)
		if err != nil || inner.closing {
			break
		}
		payload := make([]byte, inner.length)
		r.Read(payload)
		values = append(values, decodeApplicationTagged(inner.number, payload))
	}

	if len(values) == 1 {
		return data.NewValue(values[0]), nil
	}
	return data.NewMultiValue(values), nil
}

func (m *Module) SetValue(ctx context.Context, id string, value string) (*data.Value, error) {
	p, err := parseID(id, true)
	if err != nil {
		return nil, err
	}
	propID, err := propertyIdentifier(p.property)
	if err != nil {
		return nil, err
	}

	m.logger.Debug().Str("id", id).Str("value", value).Msg("bacnet set")

	tag, raw, err := resolveWriteTag(value)
	if err != nil {
		return nil, err
	}
	encoded, err := encodeApplicationTagged(tag, raw)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	contextObjectID(&body, 0, p.object)
	contextEnumerated(&body, 1, propID)
	openingTag(&body, 3)
	body.Write(encoded)
	closingTag(&body, 3)

	ctx, cancel := context.WithTimeout(ctx, m.cfg.timeout())
	defer cancel()

	result, err := m.app.call(ctx, p.address, serviceConfirmedWriteProperty, body.Bytes(), func(apdu []byte, pduType byte) (data.Value, error) {
		return data.Value{}, decodeAck(apdu, pduType)
	})
	if err != nil {
		return nil, err
	}
	_ = result
	v := data.NewValue(value)
	return &v, nil
}

// resolveWriteTag decides the application tag a write's value should
// be encoded as, from the value string alone: no per-property datatype
// registry is consulted. A value with a known "dtype:value" prefix (one
// of b,u,i,r,d,o,c,bs,date,time,id) is encoded as that dtype; otherwise
// "true"/"false" is written as a Boolean, an integer literal as a
// SignedInteger, a decimal literal as a Real, and anything else as a
// CharacterString.
func resolveWriteTag(value string) (byte, string, error) {
	if tag, raw, err := splitAnyAtomic(value); err == nil {
		return tag, raw, nil
	}
	if value == "true" || value == "false" {
		return tagBoolean, value, nil
	}
	if _, err := strconv.ParseInt(value, 10, 32); err == nil {
		return tagSignedInteger, value, nil
	}
	if _, err := strconv.ParseFloat(value, 32); err == nil {
		return tagReal, value, nil
	}
	return tagCharacterString, value, nil
}

func (m *Module) SetValueMultiple(ctx context.Context, pairs map[string]string) (map[string]*data.Value, error) {
	return data.ConcurrentSetValueMultiple(ctx, m, pairs)
}

func (m *Module) RegisterCOV(ctx context.Context, id, subscriberID string, cb data.COVCallback) (bool, error) {
	p, err := parseID(id, false)
	if err != nil {
		return false, err
	}
	key := subscriptionKey{address: p.address, object: p.object}

	var created *subscribeCOVTask
	installed, reused, err := m.cov.Install(key, subscriberID, cb, func() (*subscribeCOVTask, bool, error) {
		task := newSubscribeCOVTask(m.logger, m.app, p.address, p.object, m.cfg.covLifetime(), m.cfg.timeout(), m.app.pid)
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.timeout())
		defer cancel()
		ok, err := task.install(ctx)
		if err != nil {
			return nil, false, err
		}
		created = task
		return task, ok, nil
	})
	if reused && created != nil {
		// A concurrent RegisterCOV installed the key first and the table
		// kept its task; stop this one's re-subscription loop.
		created.cancel()
	}
	return installed, err
}

func (m *Module) RemoveCOV(ctx context.Context, id, subscriberID string) error {
	p, err := parseID(id, false)
	if err != nil {
		return err
	}
	key := subscriptionKey{address: p.address, object: p.object}
	m.cov.Remove(key, subscriberID, func(task *subscribeCOVTask) {
		task.cancel()
	})
	return nil
}

var _ data.Module = (*Module)(nil)
