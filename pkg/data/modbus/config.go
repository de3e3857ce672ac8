package modbus

// SerialConfig describes a serial (RTU or ASCII) connection.
type SerialConfig struct {
	Port            string `yaml:"port"`
	ASCII           bool   `yaml:"ascii"`
	BaudRate        int    `yaml:"baudrate"`
	DataBits        int    `yaml:"bytesize"`
	Parity          string `yaml:"parity"`
	StopBits        int    `yaml:"stopbits"`
	HandleLocalEcho bool   `yaml:"handle_local_echo"`
}

// TCPConfig describes a Modbus TCP (or TCP-tunnelled RTU) connection.
type TCPConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
	RTU     bool   `yaml:"rtu"`
}

// ConnectionConfig describes one Modbus-reachable bus: exactly one of
// TCP or Serial is set.
type ConnectionConfig struct {
	ConnID      string        `yaml:"conn_id"`
	TimeoutSecs int           `yaml:"timeout"`
	Retries     int           `yaml:"retries"`
	TCP         *TCPConfig    `yaml:"tcp"`
	Serial      *SerialConfig `yaml:"serial"`
}

func (c *ConnectionConfig) applyDefaults() {
	if c.TimeoutSecs == 0 {
		c.TimeoutSecs = 1
	}
	if c.Retries == 0 {
		c.Retries = 3
	}
	if c.Serial != nil {
		if c.Serial.BaudRate == 0 {
			c.Serial.BaudRate = 19200
		}
		if c.Serial.DataBits == 0 {
			c.Serial.DataBits = 8
		}
		if c.Serial.Parity == "" {
			c.Serial.Parity = "N"
		}
		if c.Serial.StopBits == 0 {
			c.Serial.StopBits = 1
		}
	}
	if c.TCP != nil && c.TCP.Port == 0 {
		c.TCP.Port = 502
	}
}

// ModuleConfig is the full configuration for the Modbus data module.
type ModuleConfig struct {
	Conn []ConnectionConfig `yaml:"conn"`
}

func (c *ModuleConfig) normalize() map[string]*ConnectionConfig {
	conns := make(map[string]*ConnectionConfig, len(c.Conn))
	for i := range c.Conn {
		conn := &c.Conn[i]
		conn.applyDefaults()
		conns[conn.ConnID] = conn
	}
	return conns
}
