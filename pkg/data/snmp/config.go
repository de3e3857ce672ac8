package snmp

import (
	"fmt"
	"os"

	"github.com/gosnmp/gosnmp"

	"github.com/protei/datagate/pkg/dataerr"
)

// AuthProtocol names the USM authentication protocol for a connection
// (HMACMD5, HMACSHA, and the SHA-2 family).
type AuthProtocol string

const (
	AuthNone          AuthProtocol = "no"
	AuthHMACMD5       AuthProtocol = "HMACMD5"
	AuthHMACSHA       AuthProtocol = "HMACSHA"
	AuthHMAC128SHA224 AuthProtocol = "HMAC128SHA224"
	AuthHMAC192SHA256 AuthProtocol = "HMAC192SHA256"
	AuthHMAC256SHA384 AuthProtocol = "HMAC256SHA384"
	AuthHMAC384SHA512 AuthProtocol = "HMAC384SHA512"
)

func (p AuthProtocol) gosnmp() (gosnmp.SnmpV3AuthProtocol, error) {
	switch p {
	case "", AuthNone:
		return gosnmp.NoAuth, nil
	case AuthHMACMD5:
		return gosnmp.MD5, nil
	case AuthHMACSHA:
		return gosnmp.SHA, nil
	case AuthHMAC128SHA224:
		return gosnmp.SHA224, nil
	case AuthHMAC192SHA256:
		return gosnmp.SHA256, nil
	case AuthHMAC256SHA384:
		return gosnmp.SHA384, nil
	case AuthHMAC384SHA512:
		return gosnmp.SHA512, nil
	default:
		return 0, dataerr.New(dataerr.Configuration, fmt.Sprintf("unknown SNMP auth protocol %q", p))
	}
}

// PrivProtocol names the USM privacy protocol for a connection.
type PrivProtocol string

const (
	PrivNone      PrivProtocol = "no"
	PrivDES       PrivProtocol = "DES"
	PrivDESEDE    PrivProtocol = "3DESEDE"
	PrivAESCFB128 PrivProtocol = "AesCfb128"
	PrivAESCFB192 PrivProtocol = "AesCfb192"
	PrivAESCFB256 PrivProtocol = "AesCfb256"
)

func (p PrivProtocol) gosnmp() (gosnmp.SnmpV3PrivProtocol, error) {
	switch p {
	case "", PrivNone:
		return gosnmp.NoPriv, nil
	case PrivDES:
		return gosnmp.DES, nil
	case PrivDESEDE:
		// gosnmp has no 3DES-EDE implementation.
		return 0, dataerr.New(dataerr.Configuration, fmt.Sprintf("SNMP priv protocol %q is not supported", p))
	case PrivAESCFB128:
		return gosnmp.AES, nil
	case PrivAESCFB192:
		return gosnmp.AES192, nil
	case PrivAESCFB256:
		return gosnmp.AES256, nil
	default:
		return 0, dataerr.New(dataerr.Configuration, fmt.Sprintf("unknown SNMP priv protocol %q", p))
	}
}

// CommunityAuth configures SNMP v1/v2c community-string authentication.
type CommunityAuth struct {
	CommunityName string `yaml:"community_name"`
	Version       int    `yaml:"version"` // 0 = v1, 1 = v2c
}

// UsmAuth configures SNMPv3 User-based Security Model authentication.
// AuthKeyFile/PrivKeyFile, when set, are read once at startup and the
// resulting secret is held in AuthKey/PrivKey for the life of the
// process (spec: devices are not re-provisioned at runtime).
type UsmAuth struct {
	Username     string       `yaml:"username"`
	AuthKey      string       `yaml:"auth_key"`
	AuthKeyFile  string       `yaml:"auth_key_file"`
	PrivKey      string       `yaml:"priv_key"`
	PrivKeyFile  string       `yaml:"priv_key_file"`
	AuthProtocol AuthProtocol `yaml:"auth_protocol"`
	PrivProtocol PrivProtocol `yaml:"priv_protocol"`
}

func (u *UsmAuth) loadKeyFiles() error {
	if u.AuthKeyFile != "" {
		b, err := os.ReadFile(u.AuthKeyFile)
		if err != nil {
			return dataerr.Wrap(dataerr.Configuration, "reading SNMP auth key file", err)
		}
		u.AuthKey = string(b)
	}
	if u.PrivKeyFile != "" {
		b, err := os.ReadFile(u.PrivKeyFile)
		if err != nil {
			return dataerr.Wrap(dataerr.Configuration, "reading SNMP priv key file", err)
		}
		u.PrivKey = string(b)
	}
	return nil
}

// ConnectionConfig describes one SNMP-reachable device.
type ConnectionConfig struct {
	ConnID        string          `yaml:"conn_id"`
	Address       string          `yaml:"address"`
	Port          uint16          `yaml:"port"`
	TimeoutSecs   int             `yaml:"timeout"`
	Retries       int             `yaml:"retries"`
	IPv6          bool            `yaml:"ipv6"`
	CommunityAuth *CommunityAuth  `yaml:"community_auth"`
	UsmAuth       *UsmAuth        `yaml:"usm_auth"`
}

// ModuleConfig is the full configuration for the SNMP data module: the
// set of connections it may dispatch requests to, keyed by ConnID.
type ModuleConfig struct {
	Conn []ConnectionConfig `yaml:"conn"`
}

func (c *ModuleConfig) normalize() (map[string]*ConnectionConfig, error) {
	conns := make(map[string]*ConnectionConfig, len(c.Conn))
	for i := range c.Conn {
		conn := &c.Conn[i]
		if _, dup := conns[conn.ConnID]; dup {
			return nil, dataerr.New(dataerr.Configuration, fmt.Sprintf("duplicate SNMP connection id: %s", conn.ConnID))
		}
		if conn.UsmAuth != nil {
			if err := conn.UsmAuth.loadKeyFiles(); err != nil {
				return nil, err
			}
		}
		if conn.Port == 0 {
			conn.Port = 161
		}
		if conn.TimeoutSecs == 0 {
			conn.TimeoutSecs = 1
		}
		if conn.Retries == 0 {
			conn.Retries = 5
		}
		conns[conn.ConnID] = conn
	}
	return conns, nil
}
