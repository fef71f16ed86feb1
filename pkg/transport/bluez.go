package transport

import "github.com/pion/logging"

// BlueZConfig configures the BlueZ GATT peripheral.
type BlueZConfig struct {
	// Adapter is the controller name. Default: "hci0".
	Adapter string

	// AppPath is the D-Bus object path the GATT application is exported
	// under. Default: "/org/backkem/trustagent".
	AppPath string

	LoggerFactory logging.LoggerFactory
}

func (c *BlueZConfig) withDefaults() {
	if c.Adapter == "" {
		c.Adapter = "hci0"
	}
	if c.AppPath == "" {
		c.AppPath = "/org/backkem/trustagent"
	}
}
