// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package dummy implements an in-memory broker client used in tests.
package dummy

import (
	"errors"
	"strings"
	"sync"

	"github.com/apex/log"

	"github.com/mlinux-apps/lora-mqtt-bridge/backend"
)

// PublishedMessage is one message a Dummy client was asked to publish.
type PublishedMessage struct {
	Topic   string
	Payload []byte
}

// Dummy is an in-memory backend.Client. Tests control its connection state,
// make publishes fail on demand and inject inbound messages.
type Dummy struct {
	ctx log.Interface

	mu            sync.Mutex
	connected     bool
	failPublish   bool
	failConnect   bool
	published     []PublishedMessage
	subscriptions map[string]backend.Handler
}

// New returns a new Dummy client.
func New(ctx log.Interface) *Dummy {
	return &Dummy{
		ctx:           ctx.WithField("Connector", "Dummy"),
		subscriptions: make(map[string]backend.Handler),
	}
}

// Connect marks the client connected.
func (d *Dummy) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failConnect {
		return errors.New("dummy: connect failure")
	}
	d.connected = true
	return nil
}

// Disconnect marks the client disconnected.
func (d *Dummy) Disconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = false
	return nil
}

// IsConnected reports the simulated connection state.
func (d *Dummy) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Publish records the message, or fails when a publish failure is simulated.
func (d *Dummy) Publish(topic string, payload []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failPublish {
		return errors.New("dummy: publish failure")
	}
	d.published = append(d.published, PublishedMessage{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

// Subscribe registers a handler for a topic pattern ("+" and "#" wildcards).
func (d *Dummy) Subscribe(topic string, handler backend.Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscriptions[topic] = handler
	return nil
}

// SetConnected overrides the simulated connection state.
func (d *Dummy) SetConnected(connected bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.connected = connected
}

// FailPublish makes subsequent publishes fail (or succeed again).
func (d *Dummy) FailPublish(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failPublish = fail
}

// FailConnect makes subsequent connects fail (or succeed again).
func (d *Dummy) FailConnect(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failConnect = fail
}

// Published returns a copy of everything published so far.
func (d *Dummy) Published() []PublishedMessage {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]PublishedMessage(nil), d.published...)
}

// Reset forgets recorded publishes.
func (d *Dummy) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.published = nil
}

// Receive delivers an inbound message to every matching subscription, the way
// a broker would.
func (d *Dummy) Receive(topic string, payload []byte) {
	d.mu.Lock()
	var handlers []backend.Handler
	for pattern, handler := range d.subscriptions {
		if topicMatches(pattern, topic) {
			handlers = append(handlers, handler)
		}
	}
	d.mu.Unlock()
	for _, handler := range handlers {
		handler(topic, payload)
	}
}

// topicMatches implements MQTT topic filter matching with + and # wildcards.
func topicMatches(pattern, topic string) bool {
	patternParts := strings.Split(pattern, "/")
	topicParts := strings.Split(topic, "/")
	for i, part := range patternParts {
		if part == "#" {
			return true
		}
		if i >= len(topicParts) {
			return false
		}
		if part != "+" && part != topicParts[i] {
			return false
		}
	}
	return len(patternParts) == len(topicParts)
}
