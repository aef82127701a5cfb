// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package types

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

// MessageType is the kind of LoRaWAN event carried by a message.
type MessageType string

// Message types recognized in local broker topics
const (
	Uplink   MessageType = "up"
	Downlink MessageType = "down"
	Joined   MessageType = "joined"
	Moved    MessageType = "moved"
	Clear    MessageType = "clear"
)

// TopicFormat is the local topic namespace a message arrived on.
type TopicFormat string

// Supported local topic formats
const (
	FormatLoRa  TopicFormat = "lora"
	FormatSCADA TopicFormat = "scada"
)

// ParseMessageType scans the topic segments left to right for a message-type
// keyword, case-insensitively, first match wins. It returns an empty
// MessageType when no segment matches.
func ParseMessageType(topic string) MessageType {
	for _, part := range strings.Split(topic, "/") {
		switch strings.ToLower(part) {
		case "up":
			return Uplink
		case "down":
			return Downlink
		case "joined":
			return Joined
		case "moved":
			return Moved
		case "clear":
			return Clear
		}
	}
	return ""
}

// ParseTopicFormat derives the source format from the first topic segment.
// It returns an empty TopicFormat for anything that is not lora or scada.
func ParseTopicFormat(topic string) TopicFormat {
	prefix := topic
	if i := strings.Index(topic, "/"); i >= 0 {
		prefix = topic[:i]
	}
	switch strings.ToLower(prefix) {
	case "lora":
		return FormatLoRa
	case "scada":
		return FormatSCADA
	}
	return ""
}

// ErrMissingDevEUI is returned for payloads without a usable deveui field.
var ErrMissingDevEUI = errors.New("types: message missing required deveui field")

// Message is the normalized in-memory form of one uplink/downlink/join event.
// It is constructed once per inbound message and immutable thereafter.
type Message struct {
	DevEUI  EUI
	AppEUI  EUI
	JoinEUI EUI
	GwEUI   EUI
	Time    string
	Port    int
	Data    string

	// RawFields holds every original payload key in order; it is the source
	// for field projection.
	RawFields Fields

	Type        MessageType
	SourceTopic string
}

// ParseMessage builds a Message from a JSON payload received on topic. The
// payload must be a JSON object with a non-null, non-empty deveui field;
// every other field is optional.
func ParseMessage(topic string, payload []byte, messageType MessageType) (*Message, error) {
	fields, err := ParseFields(payload)
	if err != nil {
		return nil, err
	}
	deveui := strings.TrimSpace(fields.String("deveui"))
	if deveui == "" || deveui == "null" {
		return nil, ErrMissingDevEUI
	}
	msg := &Message{
		DevEUI:      NormalizeEUI(deveui),
		Time:        fields.String("time"),
		Data:        fields.String("data"),
		RawFields:   fields,
		Type:        messageType,
		SourceTopic: topic,
	}
	if appeui := fields.String("appeui"); appeui != "" && appeui != "null" {
		msg.AppEUI = NormalizeEUI(appeui)
	}
	if joineui := fields.String("joineui"); joineui != "" && joineui != "null" {
		msg.JoinEUI = NormalizeEUI(joineui)
	}
	if gweui := fields.String("gweui"); gweui != "" && gweui != "null" {
		msg.GwEUI = NormalizeEUI(gweui)
	}
	if raw, ok := fields.Get("port"); ok {
		var port json.Number
		if err := json.Unmarshal(raw, &port); err == nil {
			if p, err := strconv.Atoi(port.String()); err == nil {
				msg.Port = p
			}
		}
	}
	return msg, nil
}

// EffectiveJoinEUI returns the JoinEUI, falling back to the AppEUI when no
// JoinEUI was present. The two are interchangeable, JoinEUI preferred.
func (m *Message) EffectiveJoinEUI() EUI {
	if m.JoinEUI != "" {
		return m.JoinEUI
	}
	return m.AppEUI
}
