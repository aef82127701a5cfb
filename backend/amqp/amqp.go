// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package amqp connects the bridge to a remote AMQP broker. Topics map onto
// routing keys of a topic exchange, so a remote side can consume forwarded
// uplinks from RabbitMQ instead of MQTT.
package amqp

import (
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/streadway/amqp"

	"github.com/mlinux-apps/lora-mqtt-bridge/backend"
)

// Config contains configuration for an AMQP connection
type Config struct {
	Name      string
	Host      string
	Port      int
	Username  string
	Password  string
	VHost     string
	Exchange  string
	TLSConfig *tls.Config
}

func (c Config) url() string {
	scheme := "amqp"
	if c.TLSConfig != nil {
		scheme = "amqps"
	}
	url := scheme + "://"
	if c.Username != "" {
		url += c.Username
		if c.Password != "" {
			url += ":" + c.Password
		}
		url += "@"
	}
	url += fmt.Sprintf("%s:%d", c.Host, c.Port)
	if c.VHost != "" {
		url += "/" + c.VHost
	}
	return url
}

// AMQP is a broker connection backed by a topic exchange.
type AMQP struct {
	ctx    log.Interface
	config Config

	mu            sync.Mutex
	conn          *amqp.Connection
	channel       *amqp.Channel
	subscriptions map[string]backend.Handler
}

// New returns a new AMQP client for the given broker.
func New(config Config, ctx log.Interface) *AMQP {
	if config.Exchange == "" {
		config.Exchange = "amq.topic"
	}
	return &AMQP{
		ctx:           ctx.WithField("Connector", "AMQP").WithField("Broker", config.Name),
		config:        config,
		subscriptions: make(map[string]backend.Handler),
	}
}

// Connect dials the broker, opens the publish channel and re-establishes any
// existing subscriptions.
func (c *AMQP) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil && !c.conn.IsClosed() {
		return nil
	}
	var (
		conn *amqp.Connection
		err  error
	)
	if c.config.TLSConfig != nil {
		conn, err = amqp.DialTLS(c.config.url(), c.config.TLSConfig)
	} else {
		conn, err = amqp.Dial(c.config.url())
	}
	if err != nil {
		return err
	}
	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	if err := channel.ExchangeDeclarePassive(c.config.Exchange, "topic", true, false, false, false, nil); err != nil {
		c.ctx.WithError(err).Warnf("Exchange %s does not exist, trying to create...", c.config.Exchange)
		if channel, err = conn.Channel(); err != nil {
			conn.Close()
			return err
		}
		if err := channel.ExchangeDeclare(c.config.Exchange, "topic", true, false, false, false, nil); err != nil {
			conn.Close()
			return err
		}
	}
	c.conn = conn
	c.channel = channel
	c.ctx.Info("Connected")
	for topic, handler := range c.subscriptions {
		if err := c.consume(topic, handler); err != nil {
			c.ctx.WithError(err).Warnf("Could not restore subscription to %s", topic)
		}
	}
	return nil
}

// Disconnect closes the connection.
func (c *AMQP) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.channel = nil
	return err
}

// IsConnected reports whether the connection is up.
func (c *AMQP) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && !c.conn.IsClosed()
}

// Publish sends a message to the routing key corresponding to the topic.
func (c *AMQP) Publish(topic string, payload []byte) error {
	c.mu.Lock()
	channel := c.channel
	c.mu.Unlock()
	if channel == nil {
		return errors.New("amqp: not connected")
	}
	return channel.Publish(c.config.Exchange, topicToKey(topic), false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        payload,
	})
}

// Subscribe binds a queue to the routing-key pattern for the topic and
// consumes it. The subscription is restored on reconnect.
func (c *AMQP) Subscribe(topic string, handler backend.Handler) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[topic] = handler
	if c.channel == nil {
		return nil
	}
	return c.consume(topic, handler)
}

// consume is called with c.mu held.
func (c *AMQP) consume(topic string, handler backend.Handler) error {
	queueName := fmt.Sprintf("lora-mqtt-bridge.%s.%s", c.config.Name, topicToKey(topic))
	queue, err := c.channel.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return err
	}
	if err := c.channel.QueueBind(queue.Name, topicToKey(topic), c.config.Exchange, false, nil); err != nil {
		return err
	}
	deliveries, err := c.channel.Consume(queue.Name, "", true, false, false, false, nil)
	if err != nil {
		return err
	}
	go func() {
		for delivery := range deliveries {
			handler(keyToTopic(delivery.RoutingKey), delivery.Body)
		}
	}()
	return nil
}

func topicToKey(topic string) string {
	key := strings.Replace(topic, "/", ".", -1)
	return strings.Replace(key, "+", "*", -1)
}

func keyToTopic(key string) string {
	topic := strings.Replace(key, ".", "/", -1)
	return strings.Replace(topic, "*", "+", -1)
}
