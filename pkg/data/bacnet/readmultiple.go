package bacnet

import (
	"bytes"
	"context"
	"sync"

	"github.com/protei/datagate/pkg/data"
	"github.com/protei/datagate/pkg/dataerr"
)

// readSpec is one address's worth of ReadPropertyMultiple work: the
// objects and properties requested on it, and which original
// caller-supplied id each (object, property) pair must be reported
// back under.
type readSpec struct {
	objects    []ObjectIdentifier
	properties map[ObjectIdentifier][]uint32
	idFor      map[ObjectIdentifier]map[uint32]string
}

// GetValueMultiple groups the requested points first by address then
// by object, emits one ReadPropertyMultiple per address, and awaits
// all responses concurrently with the module's configured deadline.
func (m *Module) GetValueMultiple(ctx context.Context, ids []string) (map[string]data.Value, error) {
	byAddress := make(map[string]*readSpec)
	for _, id := range ids {
		p, err := parseID(id, true)
		if err != nil {
			return nil, err
		}
		propID, err := propertyIdentifier(p.property)
		if err != nil {
			return nil, err
		}

		spec, ok := byAddress[p.address]
		if !ok {
			spec = &readSpec{
				properties: make(map[ObjectIdentifier][]uint32),
				idFor:      make(map[ObjectIdentifier]map[uint32]string),
			}
			byAddress[p.address] = spec
		}
		if _, seen := spec.idFor[p.object]; !seen {
			spec.objects = append(spec.objects, p.object)
			spec.idFor[p.object] = make(map[uint32]string)
		}
		spec.properties[p.object] = append(spec.properties[p.object], propID)
		spec.idFor[p.object][propID] = id
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.timeout())
	defer cancel()

	type addrResult struct {
		address string
		values  map[string]data.Value
		err     error
	}
	results := make(chan addrResult, len(byAddress))
	var wg sync.WaitGroup
	for address, spec := range byAddress {
		wg.Add(1)
		go func(address string, spec *readSpec) {
			defer wg.Done()
			values, err := m.readPropertyMultiple(ctx, address, spec)
			results <- addrResult{address: address, values: values, err: err}
		}(address, spec)
	}
	wg.Wait()
	close(results)

	out := make(map[string]data.Value, len(ids))
	var firstErr error
	for r := range results {
		if r.err != nil {
			if firstErr == nil {
				firstErr = r.err
			}
			continue
		}
		for id, v := range r.values {
			out[id] = v
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func (m *Module) readPropertyMultiple(ctx context.Context, address string, spec *readSpec) (map[string]data.Value, error) {
	var body bytes.Buffer
	for _, obj := range spec.objects {
		contextObjectID(&body, 0, obj)
		openingTag(&body, 1)
		for _, propID := range spec.properties[obj] {
			contextEnumerated(&body, 0, propID)
		}
		closingTag(&body, 1)
	}

	// application.call is built around a single decoded data.Value;
	// ReadPropertyMultiple's ack carries one result per (object,
	// property) pair, so the request/response cycle is driven
	// directly through application.send instead.
	return m.callReadPropertyMultiple(ctx, address, body.Bytes(), spec)
}

// callReadPropertyMultiple sends the request and decodes the
// ReadPropertyMultiple-Ack directly, since its result shape (many
// values per response) does not fit application.call's one-Value
// contract.
func (m *Module) callReadPropertyMultiple(ctx context.Context, address string, body []byte, spec *readSpec) (map[string]data.Value, error) {
	type outcome struct {
		apdu    []byte
		pduType byte
	}
	resultCh := make(chan outcome, 1)

	invokeID, err := m.app.send(address, serviceConfirmedReadPropertyMulti, body, func(apdu []byte, pduType byte) {
		resultCh <- outcome{apdu: apdu, pduType: pduType}
	})
	if err != nil {
		return nil, err
	}

	var res outcome
	select {
	case res = <-resultCh:
	case <-ctx.Done():
		m.app.cancelPending(invokeID)
		return nil, dataerr.New(dataerr.Timeout, "BACnet device timeout")
	}

	if res.pduType != apduComplexAck {
		return nil, decodeAck(res.apdu, res.pduType)
	}

	decoded, err := decodeReadPropertyMultipleAck(res.apdu)
	if err != nil {
		return nil, err
	}

	out := make(map[string]data.Value)
	for obj, props := range decoded {
		ids, ok := spec.idFor[obj]
		if !ok {
			continue
		}
		for propID, value := range props {
			if id, ok := ids[propID]; ok {
				out[id] = value
			}
		}
	}
	return out, nil
}

// decodeReadPropertyMultipleAck decodes a ReadPropertyMultiple-Ack
// APDU body into per-object, per-property values. A property reported
// as a BACnet error (propertyAccessError) decodes to an empty value
// rather than failing the whole response, since one bad point should
// not sink an otherwise-successful batched read.
func decodeReadPropertyMultipleAck(apdu []byte) (map[ObjectIdentifier]map[uint32]data.Value, error) {
	r := bytesReader(apdu[3:])
	out := make(map[ObjectIdentifier]map[uint32]data.Value)

	for r.Len() > 0 {
		h, err := readTag(r) // objectIdentifier, tag 0
		if err != nil {
			break
		}
		objBuf := make([]byte, h.length)
		r.Read(objBuf)
		obj := unpackObjectIdentifier(readUint(objBuf))

		h, err = readTag(r) // listOfResults opening, tag 1
		if err != nil || !h.opening {
			return nil, dataerr.New(dataerr.Protocol, "malformed ReadPropertyMultiple ack")
		}

		props := make(map[uint32]data.Value)
		for {
			h, err = readTag(r)
			if err != nil {
				return nil, dataerr.New(dataerr.Protocol, "malformed ReadPropertyMultiple ack")
			}
			if h.closing { // listOfResults closing, tag 1
				break
			}
			propBuf := make([]byte, h.length)
			r.Read(propBuf)
			propID := readUint(propBuf)

			h, err = readTag(r)
			if err != nil {
				return nil, dataerr.New(dataerr.Protocol, "malformed ReadPropertyMultiple ack")
			}
			if h.context && !h.opening && !h.closing && h.number == 3 {
				// optional propertyArrayIndex echo; not used by id syntax.
				skipValue(r, h)
				h, err = readTag(r)
				if err != nil {
					return nil, dataerr.New(dataerr.Protocol, "malformed ReadPropertyMultiple ack")
				}
			}

			switch {
			case h.opening && h.number == 4: // propertyValue
				values, err := readApplicationTaggedList(r)
				if err != nil {
					return nil, err
				}
				if len(values) == 1 {
					props[propID] = data.NewValue(values[0])
				} else {
					props[propID] = data.NewMultiValue(values)
				}
			case h.opening && h.number == 5: // propertyAccessError
				if err := skipConstructed(r); err != nil {
					return nil, err
				}
				props[propID] = data.NewValue("")
			default:
				return nil, dataerr.New(dataerr.Protocol, "malformed ReadPropertyMultiple ack")
			}
		}
		out[obj] = props
	}
	return out, nil
}

// readApplicationTaggedList decodes the application-tagged primitives
// inside an already-opened constructed context field, stopping at its
// closing tag.
func readApplicationTaggedList(r *bytes.Reader) ([]string, error) {
	var values []string
	for {
		h, err := readTag(r)
		if err != nil {
			return nil, dataerr.New(dataerr.Protocol, "malformed BACnet property value")
		}
		if h.closing {
			return values, nil
		}
		payload := make([]byte, h.length)
		r.Read(payload)
		values = append(values, decodeApplicationTagged(h.number, payload))
	}
}

// skipConstructed discards every tag up to and including the matching
// closing tag for a constructed field already positioned just past its
// opening tag.
func skipConstructed(r *bytes.Reader) error {
	depth := 1
	for depth > 0 {
		h, err := readTag(r)
		if err != nil {
			return dataerr.New(dataerr.Protocol, "malformed BACnet constructed field")
		}
		switch {
		case h.opening:
			depth++
		case h.closing:
			depth--
		default:
			payload := make([]byte, h.length)
			r.Read(payload)
		}
	}
	return nil
}
