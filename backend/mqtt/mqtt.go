// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package mqtt

import (
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/mlinux-apps/lora-mqtt-bridge/backend"
)

var (
	// ConnectRetries says how many times the client should retry a failed connection
	ConnectRetries = 3
	// ConnectRetryDelay says how long the client should wait between retries
	ConnectRetryDelay = time.Second
	// PublishTimeout is how long a publish may take before it is reported as failed
	PublishTimeout = 2 * time.Second
)

// Config contains configuration for an MQTT connection
type Config struct {
	Name         string
	Host         string
	Port         int
	ClientID     string
	Username     string
	Password     string
	Keepalive    time.Duration
	CleanSession bool
	QoS          byte
	Retain       bool
	TLSConfig    *tls.Config
}

type subscription struct {
	handler paho.MessageHandler
}

// MQTT is a broker connection backed by the paho client.
type MQTT struct {
	ctx    log.Interface
	config Config
	client paho.Client

	mu            sync.Mutex
	subscriptions map[string]subscription
	onConnect     []func()
}

// New returns a new MQTT client for the given broker.
func New(config Config, ctx log.Interface) *MQTT {
	if config.Keepalive == 0 {
		config.Keepalive = 60 * time.Second
	}
	if config.ClientID == "" {
		config.ClientID = fmt.Sprintf("lora-mqtt-bridge-%s", config.Name)
	}

	c := &MQTT{
		ctx:           ctx.WithField("Connector", "MQTT").WithField("Broker", config.Name),
		config:        config,
		subscriptions: make(map[string]subscription),
	}

	scheme := "tcp"
	if config.TLSConfig != nil {
		scheme = "ssl"
	}
	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("%s://%s:%d", scheme, config.Host, config.Port))
	if config.TLSConfig != nil {
		opts.SetTLSConfig(config.TLSConfig)
	}
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetKeepAlive(config.Keepalive)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(config.CleanSession)
	opts.SetAutoReconnect(true)
	opts.SetDefaultPublishHandler(func(_ paho.Client, msg paho.Message) {
		c.ctx.Warnf("Received unhandled message on MQTT: %v", msg)
	})

	var reconnecting bool
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		c.ctx.Warnf("Disconnected (%s). Reconnecting...", err.Error())
		reconnecting = true
	})
	opts.SetOnConnectHandler(func(_ paho.Client) {
		c.ctx.Info("Connected")
		if reconnecting {
			c.resubscribe()
			reconnecting = false
		}
		c.mu.Lock()
		hooks := append([]func(){}, c.onConnect...)
		c.mu.Unlock()
		for _, hook := range hooks {
			go hook()
		}
	})

	c.client = paho.NewClient(opts)

	return c
}

// OnConnect registers a hook that runs after every successful (re)connect.
// The bridge uses it to drain queued messages.
func (c *MQTT) OnConnect(hook func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, hook)
}

// Connect to the broker, retrying a few times before giving up.
func (c *MQTT) Connect() error {
	if c.client.IsConnected() {
		return nil
	}
	var err error
	for retries := 0; retries < ConnectRetries; retries++ {
		token := c.client.Connect()
		finished := token.WaitTimeout(5 * time.Second)
		if !finished {
			c.ctx.Warn("MQTT connection took longer than expected...")
			token.Wait()
		}
		err = token.Error()
		if err == nil {
			break
		}
		c.ctx.Warnf("Could not connect to MQTT (%s). Retrying...", err.Error())
		<-time.After(ConnectRetryDelay)
	}
	if err != nil {
		return fmt.Errorf("could not connect to MQTT (%s)", err)
	}
	return nil
}

// Disconnect from the broker.
func (c *MQTT) Disconnect() error {
	c.client.Disconnect(100)
	return nil
}

// IsConnected reports whether the connection is up.
func (c *MQTT) IsConnected() bool {
	return c.client.IsConnected()
}

// Publish a message and wait for the broker to take it. A timeout counts as
// a transport failure so that the caller can queue the message for retry.
func (c *MQTT) Publish(topic string, payload []byte) error {
	token := c.client.Publish(topic, c.config.QoS, c.config.Retain, payload)
	if !token.WaitTimeout(PublishTimeout) {
		return fmt.Errorf("mqtt: publish to %s timed out", topic)
	}
	return token.Error()
}

// Subscribe to a topic. The subscription survives reconnects. Retained
// messages are ignored: the bridge must never re-forward stale uplinks.
func (c *MQTT) Subscribe(topic string, handler backend.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	wrappedHandler := func(_ paho.Client, msg paho.Message) {
		if msg.Retained() {
			c.ctx.WithField("Topic", msg.Topic()).Debug("Ignore retained message")
			return
		}
		handler(msg.Topic(), msg.Payload())
	}
	c.subscriptions[topic] = subscription{wrappedHandler}
	token := c.client.Subscribe(topic, c.config.QoS, wrappedHandler)
	token.Wait()
	return token.Error()
}

func (c *MQTT) resubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for topic, subscription := range c.subscriptions {
		c.client.Subscribe(topic, c.config.QoS, subscription.handler)
	}
}

// Unsubscribe from a topic.
func (c *MQTT) Unsubscribe(topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, topic)
	token := c.client.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}
