// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package mqtt connects the bridge to an MQTT broker.
//
// The same client type serves both sides of the bridge: the local gateway
// broker and any number of remote brokers. Subscriptions are remembered and
// re-established after a reconnect, and retained messages are ignored so that
// stale uplinks are never re-forwarded.
package mqtt
