// Package snmp implements the SNMP v1/v2c/v3 data module: each data id
// addresses an OID on one of a fixed set of configured connections,
// authenticated either by community string or SNMPv3 USM.
package snmp

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"
	"github.com/rs/zerolog"

	"github.com/protei/datagate/pkg/data"
	"github.com/protei/datagate/pkg/dataerr"
)

// Module is the SNMP data module. It holds no live transport: a fresh
// gosnmp.GoSNMP engine is constructed, connected, used, and closed for
// every request.
type Module struct {
	logger zerolog.Logger
	conns  map[string]*ConnectionConfig
}

// New validates cfg (rejecting duplicate connection ids) and loads any
// USM key files referenced by it.
func New(logger zerolog.Logger, cfg ModuleConfig) (*Module, error) {
	conns, err := cfg.normalize()
	if err != nil {
		return nil, err
	}
	return &Module{logger: logger, conns: conns}, nil
}

func (m *Module) Name() string { return "snmp" }

func (m *Module) Start(ctx context.Context) error { return nil }
func (m *Module) Stop(ctx context.Context) error  { return nil }

// parseID splits "<conn_id>::<oid>" into its connection and OID parts.
func parseID(id string) (connID string, oid string, err error) {
	parts := strings.SplitN(id, "::", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", dataerr.New(dataerr.InvalidId, "invalid data id")
	}
	return parts[0], parts[1], nil
}

func (m *Module) conn(connID string) (*ConnectionConfig, error) {
	conn, ok := m.conns[connID]
	if !ok {
		return nil, dataerr.New(dataerr.NotFound, "SNMP connection not found")
	}
	return conn, nil
}

func (m *Module) client(conn *ConnectionConfig) (*gosnmp.GoSNMP, error) {
	client := &gosnmp.GoSNMP{
		Target:  conn.Address,
		Port:    conn.Port,
		Timeout: time.Duration(conn.TimeoutSecs) * time.Second,
		Retries: conn.Retries,
	}

	switch {
	case conn.UsmAuth != nil:
		authProto, err := conn.UsmAuth.AuthProtocol.gosnmp()
		if err != nil {
			return nil, err
		}
		privProto, err := conn.UsmAuth.PrivProtocol.gosnmp()
		if err != nil {
			return nil, err
		}
		client.Version = gosnmp.Version3
		client.SecurityModel = gosnmp.UserSecurityModel
		client.MsgFlags = usmMsgFlags(authProto, privProto)
		client.SecurityParameters = &gosnmp.UsmSecurityParameters{
			UserName:                 conn.UsmAuth.Username,
			AuthenticationProtocol:   authProto,
			AuthenticationPassphrase: conn.UsmAuth.AuthKey,
			PrivacyProtocol:          privProto,
			PrivacyPassphrase:        conn.UsmAuth.PrivKey,
		}
	case conn.CommunityAuth != nil:
		client.Community = conn.CommunityAuth.CommunityName
		client.Version = communityVersion(conn.CommunityAuth.Version)
	default:
		client.Community = "public"
		client.Version = gosnmp.Version1
	}

	return client, nil
}

func connect(client *gosnmp.GoSNMP, ipv6 bool) error {
	if ipv6 {
		return client.ConnectIPv6()
	}
	return client.ConnectIPv4()
}

func communityVersion(v int) gosnmp.SnmpVersion {
	if v == 1 {
		return gosnmp.Version2c
	}
	return gosnmp.Version1
}

func usmMsgFlags(authProto gosnmp.SnmpV3AuthProtocol, privProto gosnmp.SnmpV3PrivProtocol) gosnmp.SnmpV3MsgFlags {
	switch {
	case authProto != gosnmp.NoAuth && privProto != gosnmp.NoPriv:
		return gosnmp.AuthPriv
	case authProto != gosnmp.NoAuth:
		return gosnmp.AuthNoPriv
	default:
		return gosnmp.NoAuthNoPriv
	}
}

func (m *Module) GetValue(ctx context.Context, id string) (data.Value, error) {
	connID, oid, err := parseID(id)
	if err != nil {
		return data.Value{}, err
	}
	conn, err := m.conn(connID)
	if err != nil {
		return data.Value{}, err
	}

	m.logger.Debug().Str("conn", connID).Str("oid", oid).Msg("snmp get")

	client, err := m.client(conn)
	if err != nil {
		return data.Value{}, err
	}
	if err := connect(client, conn.IPv6); err != nil {
		return data.Value{}, dataerr.Wrap(dataerr.Timeout, "SNMP transport error", err)
	}
	defer client.Conn.Close()

	result, err := client.Get([]string{oid})
	if err != nil {
		return data.Value{}, dataerr.Wrap(dataerr.Protocol, fmt.Sprintf("SNMP error: %v", err), err)
	}
	if result.Error != gosnmp.NoError {
		return data.Value{}, dataerr.New(dataerr.Protocol, fmt.Sprintf("SNMP Pdu error: %v", result.Error))
	}
	if len(result.Variables) == 0 {
		return data.Value{}, dataerr.New(dataerr.NotFound, "SNMP OID not found")
	}
	if len(result.Variables) == 1 {
		return data.NewValue(prettyPrint(result.Variables[0])), nil
	}
	vals := make([]string, len(result.Variables))
	for i, v := range result.Variables {
		vals[i] = prettyPrint(v)
	}
	return data.NewMultiValue(vals), nil
}

func (m *Module) GetValueMultiple(ctx context.Context, ids []string) (map[string]data.Value, error) {
	return data.ConcurrentGetValueMultiple(ctx, m, ids)
}

func (m *Module) SetValue(ctx context.Context, id string, value string) (*data.Value, error) {
	connID, oid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	conn, err := m.conn(connID)
	if err != nil {
		return nil, err
	}

	m.logger.Debug().Str("conn", connID).Str("oid", oid).Str("value", value).Msg("snmp set")

	client, err := m.client(conn)
	if err != nil {
		return nil, err
	}
	if err := connect(client, conn.IPv6); err != nil {
		return nil, dataerr.Wrap(dataerr.Timeout, "SNMP transport error", err)
	}
	defer client.Conn.Close()

	pdu := gosnmp.SnmpPDU{Name: oid, Type: pduTypeFor(value), Value: pduValueFor(value)}
	result, err := client.Set([]gosnmp.SnmpPDU{pdu})
	if err != nil {
		m.logger.Error().Err(err).Msg("snmp set error")
		return nil, dataerr.Wrap(dataerr.Protocol, fmt.Sprintf("SNMP error: %v", err), err)
	}
	if result.Error != gosnmp.NoError {
		m.logger.Error().Str("pdu_error", result.Error.String()).Msg("snmp set pdu error")
		return nil, dataerr.New(dataerr.Protocol, fmt.Sprintf("SNMP Pdu error: %v", result.Error))
	}
	if len(result.Variables) == 0 {
		return nil, nil
	}
	v := data.NewValue(prettyPrint(result.Variables[0]))
	return &v, nil
}

func (m *Module) SetValueMultiple(ctx context.Context, pairs map[string]string) (map[string]*data.Value, error) {
	return data.ConcurrentSetValueMultiple(ctx, m, pairs)
}

// RegisterCOV is unsupported: SNMP has no standard mechanism the
// gateway can use to subscribe to change notifications (traps require
// a listener, not a request/response round-trip, and are out of scope).
func (m *Module) RegisterCOV(ctx context.Context, id, subscriberID string, cb data.COVCallback) (bool, error) {
	return false, nil
}

func (m *Module) RemoveCOV(ctx context.Context, id, subscriberID string) error {
	return nil
}

// pduTypeFor infers the SNMP PDU type to encode value as: integers are
// sent as Integer, everything else as OctetString. This mirrors the
// common community-string deployment convention where the agent's
// MIB defines the type and a numeric literal is intended as an
// INTEGER write.
func pduTypeFor(value string) gosnmp.Asn1BER {
	if _, err := strconv.Atoi(value); err == nil {
		return gosnmp.Integer
	}
	return gosnmp.OctetString
}

func pduValueFor(value string) interface{} {
	if n, err := strconv.Atoi(value); err == nil {
		return n
	}
	return value
}

// prettyPrint renders an SNMP variable for the common types: octet
// strings print as text, everything else prints as its decimal/string
// form.
func prettyPrint(v gosnmp.SnmpPDU) string {
	switch v.Type {
	case gosnmp.OctetString:
		if b, ok := v.Value.([]byte); ok {
			return string(b)
		}
		return fmt.Sprintf("%v", v.Value)
	case gosnmp.Integer, gosnmp.Counter32, gosnmp.Gauge32, gosnmp.TimeTicks, gosnmp.Counter64, gosnmp.Uinteger32:
		return fmt.Sprintf("%v", v.Value)
	case gosnmp.ObjectIdentifier:
		return fmt.Sprintf("%v", v.Value)
	case gosnmp.IPAddress:
		return fmt.Sprintf("%v", v.Value)
	default:
		return fmt.Sprintf("%v", v.Value)
	}
}

var _ data.Module = (*Module)(nil)
