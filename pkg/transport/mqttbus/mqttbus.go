// Package mqttbus carries the camera message bus over an MQTT broker, for
// cameras reached through a network bridge instead of USB.
package mqttbus

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
	"github.com/golang/glog"

	"github.com/Huddly/sdk-sub000/pkg/msgbus"
)

// Transport implements msgbus.Transport on an MQTT connection.
type Transport struct {
	msgbus.Dispatcher

	cfg *Config
	cm  *autopaho.ConnectionManager

	// subscriptions holds device topics to restore after a reconnect.
	subscriptions sync.Map
}

// Dial connects to the broker and waits for the connection to come up.
func Dial(ctx context.Context, cfg *Config) (*Transport, error) {
	if cfg == nil {
		return nil, fmt.Errorf("mqtt config is required")
	}
	setDefaultConfig(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mqtt config: %w", err)
	}
	brokerURL, _ := url.Parse(cfg.BrokerURL)

	t := &Transport{cfg: cfg}
	pahoCfg := autopaho.ClientConfig{
		ServerUrls:                    []*url.URL{brokerURL},
		KeepAlive:                     cfg.KeepAlive,
		CleanStartOnInitialConnection: true,
		ReconnectBackoff:              autopaho.NewConstantBackoff(3 * time.Second),
		ConnectTimeout:                cfg.ConnectTimeout,
		ConnectUsername:               cfg.Username,
		ConnectPassword:               []byte(cfg.Password),
		TlsCfg: &tls.Config{
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		},
		ClientConfig: paho.ClientConfig{
			ClientID: cfg.ClientID,
			OnClientError: func(err error) {
				glog.Errorf("MQTT client error: %v", err)
			},
			OnServerDisconnect: func(d *paho.Disconnect) {
				glog.Warningf("MQTT server requested disconnect (reason %d)", d.ReasonCode)
			},
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				t.router,
			},
		},
		OnConnectionUp: t.onConnectionUp,
		OnConnectError: func(err error) {
			glog.Warningf("MQTT connection failed, retrying: %v", err)
		},
	}

	glog.Infof("Connecting to camera bus at %s as %s", cfg.BrokerURL, cfg.ClientID)
	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return nil, err
	}
	t.cm = cm
	if err := cm.AwaitConnection(ctx); err != nil {
		cm.Disconnect(context.Background())
		return nil, fmt.Errorf("waiting for broker: %w", err)
	}
	return t, nil
}

func (t *Transport) remote(topic string) string {
	return t.cfg.Prefix + topic
}

func (t *Transport) local(topic string) (string, bool) {
	if !strings.HasPrefix(topic, t.cfg.Prefix) {
		return "", false
	}
	return strings.TrimPrefix(topic, t.cfg.Prefix), true
}

func (t *Transport) onConnectionUp(cm *autopaho.ConnectionManager, _ *paho.Connack) {
	glog.Infof("MQTT connection established")
	t.subscriptions.Range(func(key, _ any) bool {
		topic := key.(string)
		if _, err := cm.Subscribe(context.Background(), &paho.Subscribe{
			Subscriptions: []paho.SubscribeOptions{{Topic: t.remote(topic), QoS: 1}},
		}); err != nil {
			glog.Errorf("Re-subscribing to %s failed: %v", topic, err)
		}
		return true
	})
}

// router hands inbound messages to the dispatcher in arrival order.
func (t *Transport) router(p paho.PublishReceived) (bool, error) {
	topic, ok := t.local(p.Packet.Topic)
	if !ok {
		return false, nil
	}
	if !t.Deliver(msgbus.Message{Topic: topic, Payload: p.Packet.Payload}) {
		glog.V(2).Infof("Dropped unexpected message on %s", topic)
	}
	return true, nil
}

func (t *Transport) Send(ctx context.Context, topic string, payload []byte) error {
	_, err := t.cm.Publish(ctx, &paho.Publish{
		Topic:   t.remote(topic),
		QoS:     1,
		Payload: payload,
	})
	return err
}

func (t *Transport) Subscribe(ctx context.Context, topic string) error {
	t.Track(topic)
	t.subscriptions.Store(topic, struct{}{})
	if _, err := t.cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: t.remote(topic), QoS: 1}},
	}); err != nil {
		t.subscriptions.Delete(topic)
		t.Untrack(topic)
		return fmt.Errorf("failed to send subscription packet: %w", err)
	}
	return nil
}

func (t *Transport) Unsubscribe(ctx context.Context, topic string) error {
	t.subscriptions.Delete(topic)
	t.Untrack(topic)
	_, err := t.cm.Unsubscribe(ctx, &paho.Unsubscribe{
		Topics: []string{t.remote(topic)},
	})
	return err
}

func (t *Transport) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.ConnectTimeout)
	defer cancel()
	return t.cm.Disconnect(ctx)
}
