package mqttbus

import (
	"errors"
	"net/url"
	"time"
)

// Config describes how to reach a camera's message bus bridged onto an MQTT
// broker.
type Config struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// Prefix is prepended to every device topic, e.g. "huddly/B40K00123/".
	Prefix string

	// KeepAlive in seconds. Default is 60.
	KeepAlive uint16

	// ConnectTimeout for the initial connection. Default is 5s.
	ConnectTimeout time.Duration

	InsecureSkipVerify bool
}

func setDefaultConfig(cfg *Config) {
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.KeepAlive == 0 {
		cfg.KeepAlive = 60
	}
}

func (c *Config) Validate() error {
	if c.BrokerURL == "" {
		return errors.New("broker url is required")
	}
	if _, err := url.Parse(c.BrokerURL); err != nil {
		return err
	}
	if c.ClientID == "" {
		return errors.New("client id is required")
	}
	return nil
}
