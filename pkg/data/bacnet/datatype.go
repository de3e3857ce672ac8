package bacnet

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/protei/datagate/pkg/dataerr"
)

// anyAtomicPrefixes is the fixed set of dtype prefixes a write value
// may carry, in "dtype:value" form (e.g. "u:42", "r:3.5", "c:hello"),
// to select the application tag it is encoded as.
var anyAtomicPrefixes = map[string]byte{
	"b":    tagBoolean,
	"u":    tagUnsigned,
	"i":    tagSignedInteger,
	"r":    tagReal,
	"d":    tagDouble,
	"o":    tagOctetString,
	"c":    tagCharacterString,
	"bs":   tagBitString,
	"date": tagDate,
	"time": tagTime,
	"id":   tagObjectID,
}

// encodeApplicationTagged encodes value as an application-tagged
// primitive of the given tag, appropriate for embedding in a
// WriteProperty's propertyValue.
func encodeApplicationTagged(tag byte, value string) ([]byte, error) {
	var payload []byte
	switch tag {
	case tagBoolean:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, dataerr.Wrap(dataerr.InvalidValue, "invalid value", err)
		}
		v := byte(0)
		if b {
			v = 1
		}
		payload = []byte{v}
	case tagUnsigned:
		n, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return nil, dataerr.Wrap(dataerr.InvalidValue, "invalid value", err)
		}
		payload = trimLeadingZeros(uint32ToBytes(uint32(n)))
	case tagSignedInteger:
		n, err := strconv.ParseInt(value, 10, 32)
		if err != nil {
			return nil, dataerr.Wrap(dataerr.InvalidValue, "invalid value", err)
		}
		payload = trimLeadingZeros(uint32ToBytes(uint32(int32(n))))
	case tagReal:
		f, err := strconv.ParseFloat(value, 32)
		if err != nil {
			return nil, dataerr.Wrap(dataerr.InvalidValue, "invalid value", err)
		}
		payload = uint32ToBytes(math.Float32bits(float32(f)))
	case tagDouble:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, dataerr.Wrap(dataerr.InvalidValue, "invalid value", err)
		}
		payload = float64bytes(f)
	case tagOctetString:
		payload = []byte(value)
	case tagCharacterString:
		// Leading character-set octet: 0 = UTF-8.
		payload = append([]byte{0}, value...)
	case tagObjectID:
		obj, err := parseObjectIdentifier(value)
		if err != nil {
			return nil, err
		}
		payload = uint32ToBytes(obj.pack())
	default:
		payload = []byte(value)
	}

	var buf bytes.Buffer
	buf.WriteByte((tag << 4) | byte(len(payload)&0x07))
	if len(payload) >= 5 {
		// Extended length form: payloads of 5 bytes or more (doubles,
		// character strings of four or more characters, longer octet
		// strings) carry their length in one extra octet.
		buf.Bytes()[buf.Len()-1] = (tag << 4) | 0x05
		buf.WriteByte(byte(len(payload)))
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

// splitAnyAtomic parses a "dtype:value" write payload for a property
// whose datatype is AnyAtomic, returning the application tag to encode
// it as.
func splitAnyAtomic(value string) (byte, string, error) {
	parts := strings.SplitN(value, ":", 2)
	if len(parts) != 2 {
		return 0, "", dataerr.New(dataerr.InvalidValue, "AnyAtomic value requires a dtype:value prefix")
	}
	tag, ok := anyAtomicPrefixes[parts[0]]
	if !ok {
		return 0, "", dataerr.New(dataerr.InvalidValue, fmt.Sprintf("unknown AnyAtomic dtype %q", parts[0]))
	}
	return tag, parts[1], nil
}

func parseObjectIdentifier(s string) (ObjectIdentifier, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return ObjectIdentifier{}, dataerr.New(dataerr.InvalidId, "invalid object identifier")
	}
	t, err1 := strconv.ParseUint(parts[0], 10, 16)
	i, err2 := strconv.ParseUint(parts[1], 10, 32)
	if err1 != nil || err2 != nil {
		return ObjectIdentifier{}, dataerr.New(dataerr.InvalidId, "invalid object identifier")
	}
	return ObjectIdentifier{Type: uint16(t), Instance: uint32(i)}, nil
}

// decodeApplicationTagged renders an application-tagged primitive's
// payload as its printable string form.
func decodeApplicationTagged(tag byte, payload []byte) string {
	switch tag {
	case tagBoolean:
		return strconv.FormatBool(len(payload) > 0 && payload[0] != 0)
	case tagUnsigned, tagEnumerated:
		return strconv.FormatUint(uint64(readUint(payload)), 10)
	case tagSignedInteger:
		return strconv.FormatInt(int64(int32(readUint(payload))), 10)
	case tagReal:
		return strconv.FormatFloat(float64(math.Float32frombits(readUint(payload))), 'g', -1, 32)
	case tagDouble:
		return strconv.FormatFloat(float64frombytes(payload), 'g', -1, 64)
	case tagOctetString:
		return string(payload)
	case tagCharacterString:
		if len(payload) > 0 && payload[0] == 0 {
			return string(payload[1:])
		}
		return string(payload)
	case tagObjectID:
		return unpackObjectIdentifier(readUint(payload)).String()
	default:
		return fmt.Sprintf("%x", payload)
	}
}

func float64bytes(f float64) []byte {
	v := math.Float64bits(f)
	return []byte{byte(v >> 56), byte(v >> 48), byte(v >> 40), byte(v >> 32), byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func float64frombytes(b []byte) float64 {
	var v uint64
	for _, x := range b {
		v = v<<8 | uint64(x)
	}
	return math.Float64frombits(v)
}
