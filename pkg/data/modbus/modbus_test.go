package modbus

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"strconv"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/protei/datagate/pkg/dataerr"
)

func newTestLogger() zerolog.Logger { return zerolog.Nop() }

func TestParseReadIDDefaultsCountToOne(t *testing.T) {
	p, err := parse(readIDPattern, "dev1::3::hr:100")
	require.NoError(t, err)
	assert.Equal(t, "dev1", p.connID)
	assert.Equal(t, byte(3), p.slave)
	assert.Equal(t, "hr", p.objType)
	assert.Equal(t, uint16(100), p.addr)
	assert.Equal(t, uint16(1), p.count)
}

func TestParseReadIDWithCount(t *testing.T) {
	p, err := parse(readIDPattern, "dev1::3::ir:0::8")
	require.NoError(t, err)
	assert.Equal(t, uint16(8), p.count)
}

func TestParseReadIDRejectsBadObjType(t *testing.T) {
	_, err := parse(readIDPattern, "dev1::3::xx:0")
	require.Error(t, err)
	assert.Equal(t, dataerr.InvalidId, dataerr.KindOf(err))
}

func TestParseWriteIDRejectsReadOnlyObjType(t *testing.T) {
	_, err := parse(writeIDPattern, "dev1::3::di:0")
	require.Error(t, err)
}

func TestUnpackBits(t *testing.T) {
	out := unpackBits([]byte{0b00000101}, 3)
	assert.Equal(t, []string{"true", "false", "true"}, out)
}

func TestUnpackRegisters(t *testing.T) {
	out := unpackRegisters([]byte{0x00, 0x2A, 0xFF, 0xFF}, 2)
	assert.Equal(t, []string{"42", "65535"}, out)
}

func TestTruthy(t *testing.T) {
	assert.True(t, truthy("true"))
	assert.True(t, truthy("false"))
	assert.True(t, truthy("0"))
	assert.False(t, truthy(""))
}

func TestConnectionDefaults(t *testing.T) {
	cfg := ModuleConfig{Conn: []ConnectionConfig{
		{ConnID: "dev1", Serial: &SerialConfig{Port: "/dev/ttyUSB0"}},
	}}
	conns := cfg.normalize()
	conn := conns["dev1"]
	assert.Equal(t, 1, conn.TimeoutSecs)
	assert.Equal(t, 3, conn.Retries)
	assert.Equal(t, 19200, conn.Serial.BaudRate)
	assert.Equal(t, 8, conn.Serial.DataBits)
	assert.Equal(t, "N", conn.Serial.Parity)
	assert.Equal(t, 1, conn.Serial.StopBits)
}

// fakeModbusServer answers every ReadHoldingRegisters request over
// MBAP with the given register values, echoing transaction and unit
// ids from the request.
func fakeModbusServer(t *testing.T, registers []uint16) *ConnectionConfig {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				for {
					header := make([]byte, 7)
					if _, err := io.ReadFull(c, header); err != nil {
						return
					}
					pduLen := binary.BigEndian.Uint16(header[4:6]) - 1
					pdu := make([]byte, pduLen)
					if _, err := io.ReadFull(c, pdu); err != nil {
						return
					}
					count := binary.BigEndian.Uint16(pdu[3:5])

					resp := []byte{pdu[0], byte(count * 2)}
					for i := uint16(0); i < count; i++ {
						resp = append(resp, byte(registers[i]>>8), byte(registers[i]))
					}
					out := append([]byte(nil), header[:4]...)
					out = binary.BigEndian.AppendUint16(out, uint16(len(resp)+1))
					out = append(out, header[6])
					out = append(out, resp...)
					if _, err := c.Write(out); err != nil {
						return
					}
				}
			}(conn)
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return &ConnectionConfig{ConnID: "gw", TCP: &TCPConfig{Address: host, Port: port}}
}

func TestGetValueCollapsesSingleRegister(t *testing.T) {
	conn := fakeModbusServer(t, []uint16{42})
	m := New(newTestLogger(), ModuleConfig{Conn: []ConnectionConfig{*conn}})

	v, err := m.GetValue(context.Background(), "gw::1::hr:10")
	require.NoError(t, err)
	assert.False(t, v.IsMulti)
	assert.Equal(t, "42", v.String())
}

func TestGetValueArrayRead(t *testing.T) {
	conn := fakeModbusServer(t, []uint16{1, 2, 3})
	m := New(newTestLogger(), ModuleConfig{Conn: []ConnectionConfig{*conn}})

	v, err := m.GetValue(context.Background(), "gw::1::hr:10::3")
	require.NoError(t, err)
	assert.True(t, v.IsMulti)
	assert.Equal(t, []string{"1", "2", "3"}, v.Multi)
}

func TestSetValueRejectsMultiCount(t *testing.T) {
	m := New(newTestLogger(), ModuleConfig{})
	_, err := m.SetValue(context.Background(), "dev1::3::hr:0::2", "5")
	require.Error(t, err)
	assert.Equal(t, dataerr.InvalidValue, dataerr.KindOf(err))
}

func TestUnknownConnectionIsNotFound(t *testing.T) {
	m := New(newTestLogger(), ModuleConfig{})
	_, err := m.conn("missing")
	require.Error(t, err)
	assert.Equal(t, dataerr.NotFound, dataerr.KindOf(err))
}
