package main

import (
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func TestParseNumber(t *testing.T) {
	for _, te := range []struct {
		in   string
		want uint32
	}{
		{"0x141000", 0x141000},
		{"0X20", 0x20},
		{"4096", 4096},
		{"ff", 0xff},
	} {
		got, err := parseNumber(te.in)
		if err != nil {
			t.Errorf("parseNumber(%q): %v", te.in, err)
			continue
		}
		if got != te.want {
			t.Errorf("parseNumber(%q): wanted %x, got %x", te.in, te.want, got)
		}
	}
	if _, err := parseNumber("0xzz"); err == nil {
		t.Errorf("parseNumber(0xzz) should fail")
	}
}

func TestParseFlash(t *testing.T) {
	got, err := parseFlash([]string{"app=0x41000,0x141000", "app_header=0x40000"})
	if err != nil {
		t.Fatalf("parseFlash: %v", err)
	}
	if want := []uint32{0x41000, 0x141000}; !slices.Equal(got["app"], want) {
		t.Errorf("app: wanted %x, got %x", want, got["app"])
	}
	if len(got["app_header"]) != 1 {
		t.Errorf("app_header: got %x", got["app_header"])
	}
	if _, err := parseFlash([]string{"0x1000"}); err == nil {
		t.Errorf("flag without name should fail")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	os.WriteFile(path, []byte(`
s3:
  endpoint: minio.local:9000
  use-ssl: false
mqtt:
  broker: mqtt://broker.local:1883
upgrade:
  watchdog: 30s
  attempts: 5
`), 0644)
	t.Setenv("HUDDLY_MQTT_PASSWORD", "hunter2")

	c, err := loadConfig(path)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if c.S3.Endpoint != "minio.local:9000" || c.S3.UseSSL {
		t.Errorf("s3: %+v", c.S3)
	}
	if c.S3.Region != "us-east-1" {
		t.Errorf("default region lost: %q", c.S3.Region)
	}
	if c.Upgrade.Watchdog != 30*time.Second || c.Upgrade.Attempts != 5 {
		t.Errorf("upgrade: %+v", c.Upgrade)
	}
	if c.MQTT.Password != "hunter2" {
		t.Errorf("password from environment not applied: %q", c.MQTT.Password)
	}
	m := c.mqtt("B40K00123")
	if m.Prefix != "huddly/B40K00123/" || m.BrokerURL != "mqtt://broker.local:1883" {
		t.Errorf("mqtt config: %+v", m)
	}

	if _, err := loadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Errorf("explicit missing config should fail")
	}
}

func TestMQTTClientIDs(t *testing.T) {
	c := defaultConfig()
	a, b := c.mqtt("B40K00123"), c.mqtt("B40K00123")
	if a.ClientID == b.ClientID {
		t.Errorf("two connections share client ID %q", a.ClientID)
	}
	for _, m := range []string{a.ClientID, b.ClientID} {
		if !strings.HasPrefix(m, "huddly-cli-") {
			t.Errorf("client ID %q does not start with the configured one", m)
		}
	}
}
