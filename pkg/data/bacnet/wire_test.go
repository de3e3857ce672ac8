package bacnet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObjectIdentifierPackRoundTrips(t *testing.T) {
	obj := ObjectIdentifier{Type: 8, Instance: 12345}
	assert.Equal(t, obj, unpackObjectIdentifier(obj.pack()))
}

func TestFrameUnframeRoundTrips(t *testing.T) {
	apdu := []byte{0x00, 0x75, 0x01, 0x0C}
	framed := frame(apdu)
	got, err := unframe(framed)
	require.NoError(t, err)
	assert.Equal(t, apdu, got)
}

func TestUnframeRejectsShortPacket(t *testing.T) {
	_, err := unframe([]byte{0x81})
	assert.Error(t, err)
}

func TestUnframeRejectsNonBACnetIP(t *testing.T) {
	_, err := unframe([]byte{0x01, 0x0A, 0, 6, 1, 0})
	assert.Error(t, err)
}

func TestContextTagRoundTripsThroughReadTag(t *testing.T) {
	var buf bytes.Buffer
	contextUnsigned(&buf, 1, 300)

	r := bytesReader(buf.Bytes())
	h, err := readTag(r)
	require.NoError(t, err)
	assert.Equal(t, byte(1), h.number)
	assert.True(t, h.context)
	assert.False(t, h.opening)

	payload := make([]byte, h.length)
	_, err = r.Read(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(300), readUint(payload))
}

func TestOpeningClosingTagRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	openingTag(&buf, 3)
	closingTag(&buf, 3)

	r := bytesReader(buf.Bytes())
	h, err := readTag(r)
	require.NoError(t, err)
	assert.True(t, h.opening)
	assert.Equal(t, byte(3), h.number)

	h, err = readTag(r)
	require.NoError(t, err)
	assert.True(t, h.closing)
	assert.Equal(t, byte(3), h.number)
}

func TestSkipValueAdvancesPastPrimitivePayload(t *testing.T) {
	var buf bytes.Buffer
	contextUnsigned(&buf, 0, 7)
	contextUnsigned(&buf, 1, 9)

	r := bytesReader(buf.Bytes())
	h, err := readTag(r)
	require.NoError(t, err)
	skipValue(r, h)

	h, err = readTag(r)
	require.NoError(t, err)
	payload := make([]byte, h.length)
	_, err = r.Read(payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(9), readUint(payload))
}

func TestInvokeIDsWrapAt256(t *testing.T) {
	var g invokeIDs
	var last byte
	for i := 0; i < 300; i++ {
		last = g.Next()
	}
	assert.Equal(t, byte(300%256), last)
}
