// Package modbus implements the Modbus TCP/RTU/ASCII data module: a
// fresh client is built, connected, and closed for every request
// against one of a fixed set of configured connections.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"

	mb "github.com/grid-x/modbus"
	"github.com/rs/zerolog"

	"github.com/protei/datagate/pkg/data"
	"github.com/protei/datagate/pkg/dataerr"
)

var readIDPattern = regexp.MustCompile(
	`^(?P<conn>\w+)::(?P<slave>\d+)::(?P<obj>co|di|hr|ir):(?P<addr>\d+)(?:::(?P<count>\d+))?$`)
var writeIDPattern = regexp.MustCompile(
	`^(?P<conn>\w+)::(?P<slave>\d+)::(?P<obj>co|hr):(?P<addr>\d+)(?:::(?P<count>\d+))?$`)

type parsedID struct {
	connID  string
	slave   byte
	objType string
	addr    uint16
	count   uint16
}

func parse(re *regexp.Regexp, id string) (parsedID, error) {
	m := re.FindStringSubmatch(id)
	if m == nil {
		return parsedID{}, dataerr.New(dataerr.InvalidId, "invalid data id")
	}
	names := re.SubexpNames()
	group := make(map[string]string, len(names))
	for i, n := range names {
		if n != "" {
			group[n] = m[i]
		}
	}
	slave, err := strconv.Atoi(group["slave"])
	if err != nil {
		return parsedID{}, dataerr.New(dataerr.InvalidId, "invalid data id")
	}
	addr, err := strconv.Atoi(group["addr"])
	if err != nil {
		return parsedID{}, dataerr.New(dataerr.InvalidId, "invalid data id")
	}
	count := 1
	if group["count"] != "" {
		count, err = strconv.Atoi(group["count"])
		if err != nil {
			return parsedID{}, dataerr.New(dataerr.InvalidId, "invalid data id")
		}
	}
	return parsedID{
		connID:  group["conn"],
		slave:   byte(slave),
		objType: group["obj"],
		addr:    uint16(addr),
		count:   uint16(count),
	}, nil
}

// Module is the Modbus data module.
type Module struct {
	logger zerolog.Logger
	conns  map[string]*ConnectionConfig
}

func New(logger zerolog.Logger, cfg ModuleConfig) *Module {
	return &Module{logger: logger, conns: cfg.normalize()}
}

func (m *Module) Name() string { return "modbus" }

func (m *Module) Start(ctx context.Context) error { return nil }
func (m *Module) Stop(ctx context.Context) error  { return nil }

func (m *Module) conn(connID string) (*ConnectionConfig, error) {
	conn, ok := m.conns[connID]
	if !ok {
		return nil, dataerr.New(dataerr.NotFound, "connection id not found")
	}
	return conn, nil
}

// handler is the minimal surface shared by the TCP/RTU/ASCII client
// handlers: all three let the slave id and lifecycle be set the same way.
type handler interface {
	SetSlave(slaveID byte)
	Connect(ctx context.Context) error
	Close() error
}

func buildHandler(conn *ConnectionConfig, slave byte) (handler, mb.Client, error) {
	timeout := time.Duration(conn.TimeoutSecs) * time.Second

	switch {
	case conn.TCP != nil:
		// conn.TCP.RTU selects the RTU wire framing over a TCP socket
		// (for TCP/serial bridges) instead of the standard MBAP socket
		// framer; grid-x/modbus's TCPClientHandler always speaks MBAP,
		// so the distinction is recorded in config but not yet wired
		// to a distinct handler.
		addr := fmt.Sprintf("%s:%d", conn.TCP.Address, conn.TCP.Port)
		h := mb.NewTCPClientHandler(addr)
		h.Timeout = timeout
		h.SetSlave(slave)
		return h, mb.NewClient(h), nil
	case conn.Serial != nil:
		if conn.Serial.ASCII {
			h := mb.NewASCIIClientHandler(conn.Serial.Port)
			h.BaudRate = conn.Serial.BaudRate
			h.DataBits = conn.Serial.DataBits
			h.Parity = conn.Serial.Parity
			h.StopBits = conn.Serial.StopBits
			h.Timeout = timeout
			h.SetSlave(slave)
			return h, mb.NewClient(h), nil
		}
		h := mb.NewRTUClientHandler(conn.Serial.Port)
		h.BaudRate = conn.Serial.BaudRate
		h.DataBits = conn.Serial.DataBits
		h.Parity = conn.Serial.Parity
		h.StopBits = conn.Serial.StopBits
		h.Timeout = timeout
		h.SetSlave(slave)
		return h, mb.NewClient(h), nil
	default:
		return nil, nil, dataerr.New(dataerr.Configuration, "modbus connection has neither tcp nor serial config")
	}
}

func translateErr(err error) error {
	var merr *mb.Error
	if errors.As(err, &merr) {
		return dataerr.New(dataerr.Protocol, fmt.Sprintf("Modbus error: %v code: %d", merr, merr.ExceptionCode))
	}
	return dataerr.Wrap(dataerr.Protocol, fmt.Sprintf("Modbus exception: %v", err), err)
}

func unpackBits(raw []byte, count uint16) []string {
	out := make([]string, count)
	for i := uint16(0); i < count; i++ {
		bit := raw[i/8]>>(i%8)&1 == 1
		out[i] = strconv.FormatBool(bit)
	}
	return out
}

func unpackRegisters(raw []byte, count uint16) []string {
	out := make([]string, count)
	for i := uint16(0); i < count; i++ {
		v := uint16(raw[i*2])<<8 | uint16(raw[i*2+1])
		out[i] = strconv.Itoa(int(v))
	}
	return out
}

func (m *Module) GetValue(ctx context.Context, id string) (data.Value, error) {
	p, err := parse(readIDPattern, id)
	if err != nil {
		return data.Value{}, err
	}
	conn, err := m.conn(p.connID)
	if err != nil {
		return data.Value{}, err
	}

	m.logger.Debug().Str("conn", p.connID).Uint16("addr", p.addr).Uint16("count", p.count).Msg("modbus get")

	h, client, err := buildHandler(conn, p.slave)
	if err != nil {
		return data.Value{}, err
	}
	if err := h.Connect(ctx); err != nil {
		return data.Value{}, dataerr.Wrap(dataerr.Timeout, "modbus connect failed", err)
	}
	defer h.Close()

	var raw []byte
	switch p.objType {
	case "co":
		raw, err = client.ReadCoils(ctx, p.addr, p.count)
	case "di":
		raw, err = client.ReadDiscreteInputs(ctx, p.addr, p.count)
	case "hr":
		raw, err = client.ReadHoldingRegisters(ctx, p.addr, p.count)
	case "ir":
		raw, err = client.ReadInputRegisters(ctx, p.addr, p.count)
	}
	if err != nil {
		return data.Value{}, translateErr(err)
	}

	var values []string
	switch p.objType {
	case "co", "di":
		values = unpackBits(raw, p.count)
	case "hr", "ir":
		values = unpackRegisters(raw, p.count)
	}

	if p.count == 1 {
		return data.NewValue(values[0]), nil
	}
	return data.NewMultiValue(values), nil
}

func (m *Module) GetValueMultiple(ctx context.Context, ids []string) (map[string]data.Value, error) {
	return data.ConcurrentGetValueMultiple(ctx, m, ids)
}

func (m *Module) SetValue(ctx context.Context, id string, value string) (*data.Value, error) {
	p, err := parse(writeIDPattern, id)
	if err != nil {
		return nil, err
	}
	if p.count != 1 {
		return nil, dataerr.New(dataerr.InvalidValue, "cannot write multiple values")
	}
	conn, err := m.conn(p.connID)
	if err != nil {
		return nil, err
	}

	m.logger.Debug().Str("conn", p.connID).Uint16("addr", p.addr).Str("value", value).Msg("modbus set")

	h, client, err := buildHandler(conn, p.slave)
	if err != nil {
		return nil, err
	}
	if err := h.Connect(ctx); err != nil {
		return nil, dataerr.Wrap(dataerr.Timeout, "modbus connect failed", err)
	}
	defer h.Close()

	var raw []byte
	switch p.objType {
	case "co":
		coilValue := uint16(0x0000)
		if truthy(value) {
			coilValue = 0xFF00
		}
		raw, err = client.WriteSingleCoil(ctx, p.addr, coilValue)
	case "hr":
		n, convErr := strconv.Atoi(value)
		if convErr != nil {
			return nil, dataerr.Wrap(dataerr.InvalidValue, "invalid value", convErr)
		}
		raw, err = client.WriteSingleRegister(ctx, p.addr, uint16(n))
	}
	if err != nil {
		return nil, translateErr(err)
	}

	echoed := unpackRegisters(raw, 1)[0]
	if p.objType == "co" {
		echoed = strconv.FormatBool(truthy(value))
	}
	v := data.NewValue(echoed)
	return &v, nil
}

// truthy treats every non-empty string as true, so "0" and "false"
// both energise a coil; callers wanting off send an empty value.
func truthy(s string) bool {
	return s != ""
}

func (m *Module) SetValueMultiple(ctx context.Context, pairs map[string]string) (map[string]*data.Value, error) {
	return data.ConcurrentSetValueMultiple(ctx, m, pairs)
}

// RegisterCOV is unsupported: Modbus has no change-of-value mechanism.
func (m *Module) RegisterCOV(ctx context.Context, id, subscriberID string, cb data.COVCallback) (bool, error) {
	return false, nil
}

func (m *Module) RemoveCOV(ctx context.Context, id, subscriberID string) error {
	return nil
}

var _ data.Module = (*Module)(nil)
