// Package mqttbridge mirrors app broadcasts onto an MQTT broker so dashboards
// and home automation can follow the car without holding a socket.
package mqttbridge

import (
	"fmt"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

const (
	connectTimeout = 10 * time.Second
	qosAtMostOnce  = byte(0)
)

// Client is the subset of the paho client the bridge uses.
type Client interface {
	Connect() mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	IsConnectionOpen() bool
	Disconnect(quiesce uint)
}

// Options configures the broker connection.
type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
}

// Bridge publishes relay events to <prefix>/events/<event>.
type Bridge struct {
	client Client
	prefix string
	log    zerolog.Logger
}

// New wraps an existing client.
func New(client Client, prefix string, log zerolog.Logger) *Bridge {
	return &Bridge{
		client: client,
		prefix: strings.TrimSuffix(prefix, "/"),
		log:    log.With().Str("component", "mqtt").Logger(),
	}
}

// Dial connects to the broker and returns a ready bridge. The paho client
// reconnects on its own after the first successful connect.
func Dial(opts Options, log zerolog.Logger) (*Bridge, error) {
	co := mqtt.NewClientOptions()
	co.AddBroker(opts.Broker)
	co.SetClientID(opts.ClientID)
	if opts.Username != "" {
		co.SetUsername(opts.Username)
		co.SetPassword(opts.Password)
	}
	co.SetAutoReconnect(true)
	co.SetConnectTimeout(connectTimeout)
	co.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Str("component", "mqtt").Msg("broker connection lost")
	})

	b := New(mqtt.NewClient(co), opts.TopicPrefix, log)
	if err := b.connect(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", opts.Broker, err)
	}
	b.log.Info().Str("broker", opts.Broker).Str("prefix", b.prefix).Msg("mqtt bridge connected")
	return b, nil
}

func (b *Bridge) connect() error {
	token := b.client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("timed out after %s", connectTimeout)
	}
	return token.Error()
}

// Topic returns the topic an event is published on.
func (b *Bridge) Topic(event string) string {
	return b.prefix + "/events/" + event
}

// Publish sends payload at most once. It never waits on the broker; events
// raised while the connection is down are dropped.
func (b *Bridge) Publish(event string, payload []byte) {
	if !b.client.IsConnectionOpen() {
		b.log.Debug().Str("event", event).Msg("broker offline, event not mirrored")
		return
	}
	b.client.Publish(b.Topic(event), qosAtMostOnce, false, payload)
}

// Close disconnects, giving in-flight messages a short grace period.
func (b *Bridge) Close() {
	b.client.Disconnect(250)
	b.log.Info().Msg("mqtt bridge closed")
}
