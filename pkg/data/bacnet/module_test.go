package bacnet

import (
	"bytes"
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/datagate/pkg/data"
	"github.com/protei/datagate/pkg/dataerr"
)

func TestParseIDRequiresProperty(t *testing.T) {
	_, err := parseID("10.0.0.1:47808::0:1", true)
	require.Error(t, err)
	assert.Equal(t, dataerr.InvalidId, dataerr.KindOf(err))
}

func TestParseIDAllowsMissingPropertyWhenNotRequired(t *testing.T) {
	p, err := parseID("10.0.0.1:47808::0:1", false)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:47808", p.address)
	assert.Equal(t, ObjectIdentifier{Type: 0, Instance: 1}, p.object)
	assert.Equal(t, "", p.property)
}

func TestParseIDFull(t *testing.T) {
	p, err := parseID("10.0.0.1:47808::0:1::presentValue", true)
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:47808", p.address)
	assert.Equal(t, ObjectIdentifier{Type: 0, Instance: 1}, p.object)
	assert.Equal(t, "presentValue", p.property)
}

func TestParseIDRejectsMalformed(t *testing.T) {
	_, err := parseID("onlyonepart", true)
	require.Error(t, err)
	assert.Equal(t, dataerr.InvalidId, dataerr.KindOf(err))
}

func TestPropertyIdentifierNumeric(t *testing.T) {
	id, err := propertyIdentifier("85")
	require.NoError(t, err)
	assert.Equal(t, uint32(85), id)
}

func TestPropertyIdentifierName(t *testing.T) {
	id, err := propertyIdentifier("presentValue")
	require.NoError(t, err)
	assert.Equal(t, uint32(85), id)
}

func TestPropertyIdentifierUnknown(t *testing.T) {
	_, err := propertyIdentifier("notAProperty")
	require.Error(t, err)
	assert.Equal(t, dataerr.InvalidId, dataerr.KindOf(err))
}

// buildReadPropertyAck constructs a ReadPropertyComplexAck APDU body
// carrying a single application-tagged real value, mirroring what a
// device sends back for a scalar analog-value presentValue read.
func buildReadPropertyAck(invokeID byte, obj ObjectIdentifier, propID uint32, tag byte, value string) []byte {
	var apdu bytes.Buffer
	apdu.WriteByte(apduComplexAck)
	apdu.WriteByte(invokeID)
	apdu.WriteByte(serviceConfirmedReadProperty)
	contextObjectID(&apdu, 0, obj)
	contextEnumerated(&apdu, 1, propID)
	openingTag(&apdu, 3)
	encoded, _ := encodeApplicationTagged(tag, value)
	apdu.Write(encoded)
	closingTag(&apdu, 3)
	return apdu.Bytes()
}

func TestDecodeReadPropertyAckSingleValue(t *testing.T) {
	apdu := buildReadPropertyAck(1, ObjectIdentifier{Type: 0, Instance: 1}, 85, tagReal, "21.5")
	v, err := decodeReadPropertyAck(apdu, apduComplexAck)
	require.NoError(t, err)
	assert.False(t, v.IsMulti)
	assert.Equal(t, "21.5", v.String())
}

func TestDecodeReadPropertyAckErrorResponse(t *testing.T) {
	apdu := []byte{apduError, 1, serviceConfirmedReadProperty, 0x00}
	_, err := decodeReadPropertyAck(apdu, apduError)
	require.Error(t, err)
	assert.Equal(t, dataerr.Protocol, dataerr.KindOf(err))
}

// buildCOVNotification constructs an UnconfirmedCOVNotification APDU
// body the way a device frames it: subscriberProcessIdentifier [0],
// initiatingDeviceIdentifier [1], monitoredObjectIdentifier [2],
// timeRemaining [3], listOfValues [4].
func buildCOVNotification(pid uint32, obj ObjectIdentifier, propID uint32, tag byte, value string) []byte {
	var body bytes.Buffer
	contextUnsigned(&body, 0, pid)
	contextObjectID(&body, 1, ObjectIdentifier{Type: 8, Instance: 99})
	contextObjectID(&body, 2, obj)
	contextUnsigned(&body, 3, 300)
	openingTag(&body, 4)
	contextUnsigned(&body, 0, propID)
	openingTag(&body, 2)
	encoded, _ := encodeApplicationTagged(tag, value)
	body.Write(encoded)
	closingTag(&body, 2)
	closingTag(&body, 4)
	return body.Bytes()
}

func TestParseCOVNotification(t *testing.T) {
	obj := ObjectIdentifier{Type: 0, Instance: 1}
	body := buildCOVNotification(uint32(os.Getpid()), obj, 85, tagReal, "5")

	notif, ok := parseCOVNotification("10.0.0.1:47808", body, os.Getpid())
	require.True(t, ok)
	assert.Equal(t, obj, notif.object)
	assert.Equal(t, "85", notif.property)
	assert.Equal(t, "5", notif.value.String())
}

func TestParseCOVNotificationRejectsForeignSubscriber(t *testing.T) {
	body := buildCOVNotification(uint32(os.Getpid()+1), ObjectIdentifier{Type: 0, Instance: 1}, 85, tagReal, "5")
	_, ok := parseCOVNotification("10.0.0.1:47808", body, os.Getpid())
	assert.False(t, ok)
}

// startPeerDevice runs a minimal BACnet/IP device over a real UDP
// socket: it SimpleAcks every confirmed request it receives.
func startPeerDevice(t *testing.T) (net.PacketConn, string) {
	t.Helper()
	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	go func() {
		buf := make([]byte, 2048)
		for {
			n, raddr, err := peer.ReadFrom(buf)
			if err != nil {
				return
			}
			apdu, err := unframe(append([]byte(nil), buf[:n]...))
			if err != nil || len(apdu) < 4 {
				continue
			}
			if apdu[0]&0xF0 == apduConfirmedRequest {
				ack := []byte{apduSimpleAck, apdu[2], apdu[3]}
				peer.WriteTo(frame(ack), raddr)
			}
		}
	}()
	return peer, peer.LocalAddr().String()
}

func TestCOVSubscribeAndFanOut(t *testing.T) {
	peer, peerAddr := startPeerDevice(t)

	m, err := New(zerolog.Nop(), ModuleConfig{ListenAddress: "127.0.0.1:0", TimeoutSecs: 2})
	require.NoError(t, err)
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { m.Stop(context.Background()) })

	id := peerAddr + "::0:1"
	gotA := make(chan string, 1)
	gotB := make(chan string, 1)

	// Subscriber a records the notification, then panics: the panic
	// must not stop delivery to subscriber b.
	installed, err := m.RegisterCOV(context.Background(), id, "a", func(canonicalID string, v data.Value) {
		gotA <- canonicalID + "=" + v.String()
		panic("subscriber a is broken")
	})
	require.NoError(t, err)
	require.True(t, installed)

	installed, err = m.RegisterCOV(context.Background(), id, "b", func(canonicalID string, v data.Value) {
		gotB <- canonicalID + "=" + v.String()
	})
	require.NoError(t, err)
	require.True(t, installed)

	moduleAddr, err := net.ResolveUDPAddr("udp", m.app.conn.LocalAddr().String())
	require.NoError(t, err)

	notif := buildCOVNotification(uint32(os.Getpid()), ObjectIdentifier{Type: 0, Instance: 1}, 85, tagReal, "5")
	apdu := append([]byte{apduUnconfirmedRequest, serviceUnconfirmedCOVNotification}, notif...)
	_, err = peer.WriteTo(frame(apdu), moduleAddr)
	require.NoError(t, err)

	want := peerAddr + "::0:1::85=5"
	for name, ch := range map[string]chan string{"a": gotA, "b": gotB} {
		select {
		case got := <-ch:
			assert.Equal(t, want, got, "subscriber %s", name)
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %s did not receive the notification", name)
		}
	}

	require.NoError(t, m.RemoveCOV(context.Background(), id, "a"))
	require.NoError(t, m.RemoveCOV(context.Background(), id, "b"))
	assert.Equal(t, 0, m.cov.Len())
}
