package bacnet

import "time"

// ModuleConfig is the full configuration for the BACnet/IP data
// module: the local device's identity plus its transport and COV
// timing parameters.
type ModuleConfig struct {
	DeviceName                string `yaml:"device_name"`
	DeviceIdentifier          uint32 `yaml:"device_identifier"`
	ListenAddress             string `yaml:"listen_address"`
	NetworkNumber             int    `yaml:"network_number"`
	MaxAPDULengthAccepted     int    `yaml:"max_apdu_length_accepted"`
	SegmentationSupported     string `yaml:"segmentation_supported"`
	VendorIdentifier          int    `yaml:"vendor_identifier"`
	COVLifetimeSecs           int    `yaml:"cov_lifetime"`
	TimeoutSecs               int    `yaml:"timeout"`
}

func (c *ModuleConfig) applyDefaults() {
	if c.DeviceName == "" {
		c.DeviceName = "datagate"
	}
	if c.ListenAddress == "" {
		c.ListenAddress = ":47808"
	}
	if c.MaxAPDULengthAccepted == 0 {
		c.MaxAPDULengthAccepted = 1024
	}
	if c.SegmentationSupported == "" {
		c.SegmentationSupported = "segmentedBoth"
	}
	if c.COVLifetimeSecs == 0 {
		c.COVLifetimeSecs = 5 * 60
	}
	if c.TimeoutSecs == 0 {
		c.TimeoutSecs = 10
	}
}

func (c *ModuleConfig) timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

func (c *ModuleConfig) covLifetime() time.Duration {
	return time.Duration(c.COVLifetimeSecs) * time.Second
}
