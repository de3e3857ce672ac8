package bacnet

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/protei/datagate/pkg/data"
	"github.com/protei/datagate/pkg/dataerr"
)

// covNotification is one decoded inbound UnconfirmedCOVNotification,
// queued for the dedicated COV dispatcher goroutine.
type covNotification struct {
	address  string
	object   ObjectIdentifier
	property string
	value    data.Value
}

// pendingRequest is the one-shot future a confirmed request's response
// (or error) is delivered to, the IOCB-callback analogue.
type pendingRequest struct {
	respond func(apdu []byte, pduType byte)
}

// application owns the long-lived UDP endpoint, the background worker
// that drives it, and the registry correlating outgoing invoke ids to
// their pending futures.
type application struct {
	logger zerolog.Logger
	conn   net.PacketConn
	pid    int

	invokeIDs invokeIDs

	mu      sync.Mutex
	pending map[byte]pendingRequest

	covQueue chan covNotification

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func newApplication(logger zerolog.Logger, laddr string) (*application, error) {
	conn, err := net.ListenPacket("udp", laddr)
	if err != nil {
		return nil, dataerr.Wrap(dataerr.Configuration, "binding BACnet/IP endpoint", err)
	}
	return &application{
		logger:   logger,
		conn:     conn,
		pid:      os.Getpid(),
		pending:  make(map[byte]pendingRequest),
		covQueue: make(chan covNotification, 256),
		done:     make(chan struct{}),
	}, nil
}

// start launches the background worker that demultiplexes inbound
// packets to pending requests or the COV queue. Idempotent.
func (a *application) start() {
	a.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		go a.readLoop(ctx)
	})
}

// stop shuts the worker down and closes the COV queue so the
// dispatcher consuming it exits too. Idempotent.
func (a *application) stop() {
	a.stopOnce.Do(func() {
		if a.cancel != nil {
			a.cancel()
		}
		a.conn.Close()
		if a.cancel != nil {
			<-a.done
		}
		close(a.covQueue)
	})
}

func (a *application) readLoop(ctx context.Context) {
	defer close(a.done)
	buf := make([]byte, 4096)
	for {
		a.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		n, addr, err := a.conn.ReadFrom(buf)
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			a.logger.Debug().Err(err).Msg("bacnet read error")
			continue
		}
		a.handlePacket(addr.String(), append([]byte(nil), buf[:n]...))
	}
}

func (a *application) handlePacket(from string, pkt []byte) {
	apdu, err := unframe(pkt)
	if err != nil || len(apdu) == 0 {
		return
	}
	pduType := apdu[0] & 0xF0

	switch pduType {
	case apduSimpleAck, apduComplexAck, apduError, apduReject, apduAbort:
		if len(apdu) < 2 {
			return
		}
		invokeID := apdu[1]
		a.mu.Lock()
		req, ok := a.pending[invokeID]
		if ok {
			delete(a.pending, invokeID)
		}
		a.mu.Unlock()
		if ok {
			req.respond(apdu, pduType)
		}
	case apduUnconfirmedRequest:
		a.handleUnconfirmed(from, apdu)
	}
}

func (a *application) handleUnconfirmed(from string, apdu []byte) {
	if len(apdu) < 2 || apdu[1] != serviceUnconfirmedCOVNotification {
		return
	}
	notif, ok := parseCOVNotification(from, apdu[2:], a.pid)
	if !ok {
		return
	}
	select {
	case a.covQueue <- notif:
	default:
		a.logger.Warn().Msg("bacnet COV queue full, dropping notification")
	}
}

// send transmits a confirmed request and registers respond as the
// one-shot callback for its invoke id, returning the id assigned.
func (a *application) send(dest string, service byte, body []byte, respond func([]byte, byte)) (byte, error) {
	invokeID := a.invokeIDs.Next()

	var apdu bytes.Buffer
	apdu.WriteByte(apduConfirmedRequest | 0x02)
	apdu.WriteByte(0x75) // max segments accepted / max APDU size
	apdu.WriteByte(invokeID)
	apdu.WriteByte(service)
	apdu.Write(body)

	a.mu.Lock()
	a.pending[invokeID] = pendingRequest{respond: respond}
	a.mu.Unlock()

	raddr, err := net.ResolveUDPAddr("udp", dest)
	if err != nil {
		return 0, dataerr.Wrap(dataerr.InvalidId, "invalid BACnet address", err)
	}
	if _, err := a.conn.WriteTo(frame(apdu.Bytes()), raddr); err != nil {
		a.mu.Lock()
		delete(a.pending, invokeID)
		a.mu.Unlock()
		return 0, dataerr.Wrap(dataerr.Protocol, "failed to send BACnet request", err)
	}
	return invokeID, nil
}

func (a *application) cancelPending(invokeID byte) {
	a.mu.Lock()
	delete(a.pending, invokeID)
	a.mu.Unlock()
}

// call sends a confirmed request and blocks until its response
// arrives, ctx is cancelled, or timeout elapses.
func (a *application) call(ctx context.Context, dest string, service byte, body []byte, decode func(apdu []byte, pduType byte) (data.Value, error)) (data.Value, error) {
	result := make(chan struct {
		v   data.Value
		err error
	}, 1)

	invokeID, err := a.send(dest, service, body, func(apdu []byte, pduType byte) {
		v, err := decode(apdu, pduType)
		result <- struct {
			v   data.Value
			err error
		}{v, err}
	})
	if err != nil {
		return data.Value{}, err
	}

	select {
	case r := <-result:
		return r.v, r.err
	case <-ctx.Done():
		a.cancelPending(invokeID)
		return data.Value{}, dataerr.New(dataerr.Timeout, "BACnet device timeout")
	}
}

func decodeAck(apdu []byte, pduType byte) error {
	switch pduType {
	case apduSimpleAck:
		return nil
	case apduError, apduReject, apduAbort:
		return dataerr.New(dataerr.Protocol, fmt.Sprintf("BACnet error response %x", apdu))
	default:
		return dataerr.New(dataerr.Protocol, "unexpected BACnet response")
	}
}

// parseCOVNotification decodes an UnconfirmedCOVNotification APDU body
// (service choice octet already consumed): subscriberProcessIdentifier
// [0], initiatingDeviceIdentifier [1], monitoredObjectIdentifier [2],
// timeRemaining [3], listOfValues [4]. Notifications whose subscriber
// process identifier is not this process's pid are rejected, as are
// bodies missing the monitored object or a decodable value.
func parseCOVNotification(from string, body []byte, pid int) (covNotification, bool) {
	r := bytes.NewReader(body)

	var subProc uint32
	var obj ObjectIdentifier
	haveObj := false

	for r.Len() > 0 {
		h, err := readTag(r)
		if err != nil {
			return covNotification{}, false
		}
		if h.opening && h.number == 4 { // listOfValues
			if int(subProc) != pid || !haveObj {
				return covNotification{}, false
			}
			property, value, ok := decodePropertyValue(r)
			if !ok {
				return covNotification{}, false
			}
			return covNotification{address: from, object: obj, property: property, value: value}, true
		}
		if h.opening || h.closing {
			continue
		}
		payload := make([]byte, h.length)
		r.Read(payload)
		switch h.number {
		case 0:
			subProc = readUint(payload)
		case 2:
			obj = unpackObjectIdentifier(readUint(payload))
			haveObj = true
		}
	}
	return covNotification{}, false
}

// decodePropertyValue decodes the first PropertyValue of an opened
// listOfValues: propertyIdentifier [0], then the value [2] as a
// constructed list of application-tagged primitives. Single-element
// lists collapse to a scalar. Real devices may report more than one
// property per notification; this module reports the first, matching
// the one-property-per-binding model point identifiers use.
func decodePropertyValue(r *bytes.Reader) (string, data.Value, bool) {
	h, err := readTag(r)
	if err != nil || !h.context {
		return "", data.Value{}, false
	}
	propBuf := make([]byte, h.length)
	r.Read(propBuf)
	property := fmt.Sprintf("%d", readUint(propBuf))

	h, err = readTag(r)
	if err != nil {
		return "", data.Value{}, false
	}
	if h.opening {
		values, err := readApplicationTaggedList(r)
		if err != nil || len(values) == 0 {
			return "", data.Value{}, false
		}
		if len(values) == 1 {
			return property, data.NewValue(values[0]), true
		}
		return property, data.NewMultiValue(values), true
	}
	payload := make([]byte, h.length)
	r.Read(payload)
	return property, data.NewValue(decodeApplicationTagged(h.number, payload)), true
}
