// Package mqttbridge pushes images received over MQTT to the badge.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aleksclark/badgerlink/internal/badge"
	"github.com/aleksclark/badgerlink/internal/codec"
	"github.com/aleksclark/badgerlink/internal/packer"
	"github.com/aleksclark/badgerlink/internal/protocol"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog/log"
)

const (
	// ResultSuffix is appended to the image topic for send results.
	ResultSuffix      = "/result"
	defaultTimeout    = 5 * time.Second
	disconnectQuiesce = 250
)

const qos byte = 1

// Sender delivers a command to the badge.
type Sender interface {
	SendPayload(ctx context.Context, p protocol.Payload) badge.Result
}

// ClientFactory creates MQTT clients; tests swap in a mock.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// DefaultClientFactory creates a paho client.
var DefaultClientFactory ClientFactory = mqtt.NewClient

// Config holds the broker connection and image conversion settings.
type Config struct {
	Broker         string
	Topic          string
	ClientID       string
	Username       string
	Password       string
	Prepare        codec.PrepareOptions
	ConnectTimeout time.Duration
	DebugCommand   bool
}

// Result is published as JSON after each received image.
type Result struct {
	Port  string `json:"port,omitempty"`
	Error string `json:"error,omitempty"`
	Bytes int    `json:"bytes"`
	OK    bool   `json:"ok"`
}

// Bridge subscribes to an image topic and sends each image to the badge.
type Bridge struct {
	sender  Sender
	factory ClientFactory
	cfg     Config
}

// Option customizes a Bridge.
type Option func(*Bridge)

// WithClientFactory replaces the paho client constructor.
func WithClientFactory(f ClientFactory) Option {
	return func(b *Bridge) { b.factory = f }
}

// New returns a Bridge that sends through sender.
func New(cfg Config, sender Sender, opts ...Option) *Bridge {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultTimeout
	}
	if cfg.Prepare.Width == 0 && cfg.Prepare.Height == 0 {
		cfg.Prepare = codec.DefaultPrepareOptions()
	}
	b := &Bridge{cfg: cfg, sender: sender, factory: DefaultClientFactory}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// brokerURL turns host:port or an mqtt:// or mqtts:// URL into the scheme
// paho expects.
func brokerURL(s string) string {
	scheme, rest, found := strings.Cut(s, "://")
	if !found {
		return "tcp://" + s
	}
	switch scheme {
	case "mqtt":
		return "tcp://" + rest
	case "mqtts":
		return "ssl://" + rest
	default:
		return s
	}
}

func (b *Bridge) clientOptions(ctx context.Context) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL(b.cfg.Broker)).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(b.cfg.ConnectTimeout).
		SetOrderMatters(false) // handlers block on the serial send and the result publish
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		log.Info().Str("broker", b.cfg.Broker).Msg("mqtt connected")
		token := c.Subscribe(b.cfg.Topic, qos, b.handler(ctx))
		if token.Wait() && token.Error() != nil {
			log.Error().Err(token.Error()).Str("topic", b.cfg.Topic).Msg("mqtt subscribe failed")
			return
		}
		log.Info().Str("topic", b.cfg.Topic).Msg("mqtt subscribed")
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Warn().Err(err).Msg("mqtt connection lost")
	})
	return opts
}

// Run connects to the broker and forwards images until ctx is canceled.
func (b *Bridge) Run(ctx context.Context) error {
	if b.cfg.Broker == "" || b.cfg.Topic == "" {
		return errors.New("mqtt broker and topic are required")
	}

	client := b.factory(b.clientOptions(ctx))
	token := client.Connect()
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		client.Disconnect(0)
		return errors.New("connect to mqtt broker: timeout")
	}
	if err := token.Error(); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("connect to mqtt broker: %w", err)
	}

	<-ctx.Done()
	log.Debug().Msg("mqtt disconnecting")
	client.Disconnect(disconnectQuiesce)
	return nil
}

func (b *Bridge) handler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		data := msg.Payload()
		if len(data) == 0 {
			log.Debug().Str("topic", msg.Topic()).Msg("ignoring empty mqtt message")
			return
		}
		log.Debug().Str("topic", msg.Topic()).Int("size", len(data)).Msg("mqtt image received")

		res := b.Process(ctx, data)
		body, err := json.Marshal(res)
		if err != nil {
			log.Error().Err(err).Msg("encoding mqtt result")
			return
		}
		topic := b.cfg.Topic + ResultSuffix
		if err := b.publish(c, topic, body); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("publishing mqtt result")
		}
	}
}

func (b *Bridge) publish(c mqtt.Client, topic string, body []byte) error {
	token := c.Publish(topic, qos, false, body)
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		return fmt.Errorf("no acknowledgement within %s", b.cfg.ConnectTimeout)
	}
	return token.Error()
}

// Process decodes an image file, converts it for the badge and sends it.
func (b *Bridge) Process(ctx context.Context, data []byte) Result {
	img, err := codec.DecodeBytes(data)
	if err != nil {
		log.Warn().Err(err).Msg("mqtt image rejected")
		return Result{Error: err.Error()}
	}
	bm, err := codec.Prepare(img, b.cfg.Prepare)
	if err != nil {
		log.Warn().Err(err).Msg("mqtt image rejected")
		return Result{Error: err.Error()}
	}
	encoded, err := packer.EncodeBitmap(bm)
	if err != nil {
		return Result{Error: err.Error()}
	}

	res := b.sender.SendPayload(ctx, protocol.Preview(encoded, b.cfg.DebugCommand))
	if !res.OK() {
		return Result{Port: res.Port, Error: res.Err.Error()}
	}
	return Result{Port: res.Port, Bytes: res.BytesWritten, OK: true}
}
