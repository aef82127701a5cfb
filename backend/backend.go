// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package backend

// Handler is invoked for every message received on a subscribed topic. It
// runs on a transport-owned goroutine; implementations must be safe for
// concurrent use.
type Handler func(topic string, payload []byte)

// Client is the capability the bridge needs from a broker connection. The
// local broker and every remote broker are accessed through this interface,
// regardless of transport.
type Client interface {
	Connect() error
	Disconnect() error
	Subscribe(topic string, handler Handler) error
	Publish(topic string, payload []byte) error
	IsConnected() bool
}
