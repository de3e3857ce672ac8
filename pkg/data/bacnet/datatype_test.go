package bacnet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/datagate/pkg/dataerr"
)

func TestParseObjectIdentifier(t *testing.T) {
	obj, err := parseObjectIdentifier("8:12")
	require.NoError(t, err)
	assert.Equal(t, ObjectIdentifier{Type: 8, Instance: 12}, obj)

	_, err = parseObjectIdentifier("notanobject")
	require.Error(t, err)
	assert.Equal(t, dataerr.InvalidId, dataerr.KindOf(err))
}

func TestSplitAnyAtomic(t *testing.T) {
	tag, raw, err := splitAnyAtomic("r:3.5")
	require.NoError(t, err)
	assert.Equal(t, byte(tagReal), tag)
	assert.Equal(t, "3.5", raw)

	_, _, err = splitAnyAtomic("novalue")
	require.Error(t, err)

	_, _, err = splitAnyAtomic("zz:1")
	require.Error(t, err)
}

func TestEncodeDecodeApplicationTaggedRoundTrip(t *testing.T) {
	cases := []struct {
		tag   byte
		value string
	}{
		{tagBoolean, "true"},
		{tagUnsigned, "42"},
		{tagSignedInteger, "-17"},
		{tagReal, "3.5"},
		{tagCharacterString, "hello"},
	}
	for _, c := range cases {
		encoded, err := encodeApplicationTagged(c.tag, c.value)
		require.NoError(t, err)

		r := bytesReader(encoded)
		h, err := readTag(r)
		require.NoError(t, err)
		assert.Equal(t, c.tag, h.number)

		payload := make([]byte, h.length)
		_, err = r.Read(payload)
		require.NoError(t, err)
		got := decodeApplicationTagged(c.tag, payload)
		assert.Equal(t, c.value, got)
	}
}

func TestResolveWriteTagPrefersAnyAtomicPrefix(t *testing.T) {
	tag, raw, err := resolveWriteTag("u:5")
	require.NoError(t, err)
	assert.Equal(t, byte(tagUnsigned), tag)
	assert.Equal(t, "5", raw)
}

func TestResolveWriteTagInfersBoolean(t *testing.T) {
	tag, _, err := resolveWriteTag("true")
	require.NoError(t, err)
	assert.Equal(t, byte(tagBoolean), tag)
}

func TestResolveWriteTagInfersInteger(t *testing.T) {
	tag, _, err := resolveWriteTag("100")
	require.NoError(t, err)
	assert.Equal(t, byte(tagSignedInteger), tag)
}

func TestResolveWriteTagInfersReal(t *testing.T) {
	tag, _, err := resolveWriteTag("12.5")
	require.NoError(t, err)
	assert.Equal(t, byte(tagReal), tag)
}

func TestResolveWriteTagFallsBackToCharacterString(t *testing.T) {
	tag, raw, err := resolveWriteTag("auto")
	require.NoError(t, err)
	assert.Equal(t, byte(tagCharacterString), tag)
	assert.Equal(t, "auto", raw)
}
