package main

import (
	"crypto/rand"
	"errors"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/spf13/viper"

	"github.com/Huddly/sdk-sub000/pkg/cache"
	"github.com/Huddly/sdk-sub000/pkg/transport/mqttbus"
	"github.com/Huddly/sdk-sub000/pkg/upgrade"
)

type mqttConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client-id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	// Prefix is put in front of the camera serial number to form the topic
	// prefix, e.g. "huddly/" gives "huddly/B40K00123/".
	Prefix   string `mapstructure:"prefix"`
	Insecure bool   `mapstructure:"insecure"`
}

type upgradeConfig struct {
	Watchdog    time.Duration `mapstructure:"watchdog"`
	BootTimeout time.Duration `mapstructure:"boot-timeout"`
	Attempts    int           `mapstructure:"attempts"`
	PublicKey   string        `mapstructure:"public-key"`
}

type config struct {
	CacheDir string         `mapstructure:"cache-dir"`
	S3       cache.S3Config `mapstructure:"s3"`
	MQTT     mqttConfig     `mapstructure:"mqtt"`
	Upgrade  upgradeConfig  `mapstructure:"upgrade"`
}

var cfg = defaultConfig()

func defaultConfig() *config {
	return &config{
		CacheDir: filepath.Join(xdg.DataHome, "huddly", "packages"),
		S3: cache.S3Config{
			UseSSL: true,
			Region: "us-east-1",
		},
		MQTT: mqttConfig{
			ClientID: "huddly-cli",
			Prefix:   "huddly/",
		},
		Upgrade: upgradeConfig{
			Watchdog:    upgrade.DefaultWatchdog,
			BootTimeout: upgrade.DefaultBootTimeout,
			Attempts:    upgrade.DefaultMaxAttempts,
		},
	}
}

// loadConfig reads the config file at path, or the default one if path is
// empty. A missing default file is not an error.
func loadConfig(path string) (*config, error) {
	v := viper.New()
	v.SetEnvPrefix("huddly")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, "huddly"))
	}

	c := defaultConfig()
	// Bind every key so that environment variables apply without a file.
	for key, val := range map[string]any{
		"cache-dir":            c.CacheDir,
		"s3.endpoint":          c.S3.Endpoint,
		"s3.access-key-id":     c.S3.AccessKeyID,
		"s3.secret-access-key": c.S3.SecretAccessKey,
		"s3.use-ssl":           c.S3.UseSSL,
		"s3.region":            c.S3.Region,
		"mqtt.broker":          c.MQTT.Broker,
		"mqtt.client-id":       c.MQTT.ClientID,
		"mqtt.username":        c.MQTT.Username,
		"mqtt.password":        c.MQTT.Password,
		"mqtt.prefix":          c.MQTT.Prefix,
		"mqtt.insecure":        c.MQTT.Insecure,
		"upgrade.watchdog":     c.Upgrade.Watchdog,
		"upgrade.boot-timeout": c.Upgrade.BootTimeout,
		"upgrade.attempts":     c.Upgrade.Attempts,
		"upgrade.public-key":   c.Upgrade.PublicKey,
	} {
		v.SetDefault(key, val)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}
	if err := v.Unmarshal(c); err != nil {
		return nil, err
	}
	return c, nil
}

// mqtt returns the connection settings for one connection to a camera. Client
// IDs are unique per call; a broker drops the older session when two clients
// share one.
func (c *config) mqtt(serial string) *mqttbus.Config {
	return &mqttbus.Config{
		BrokerURL:          c.MQTT.Broker,
		ClientID:           c.MQTT.ClientID + "-" + strings.ToLower(rand.Text()[:8]),
		Username:           c.MQTT.Username,
		Password:           c.MQTT.Password,
		Prefix:             c.MQTT.Prefix + serial + "/",
		InsecureSkipVerify: c.MQTT.Insecure,
	}
}

func (c *config) cache() *cache.Cache {
	ca := cache.New()
	ca.Dir = c.CacheDir
	s3 := c.S3
	ca.S3 = &s3
	return ca
}
