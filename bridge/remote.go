// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package bridge

import (
	"encoding/json"
	"strings"
	"sync"

	"github.com/apex/log"
	"github.com/mlinux-apps/lora-mqtt-bridge/backend"
	"github.com/mlinux-apps/lora-mqtt-bridge/filter"
	"github.com/mlinux-apps/lora-mqtt-bridge/types"
)

// Outcome is the result of handing an uplink message to a remote broker.
type Outcome int

// Forward outcomes
const (
	Sent Outcome = iota
	Filtered
	Queued
	PublishFailed
)

// String implements the fmt.Stringer interface
func (o Outcome) String() string {
	switch o {
	case Sent:
		return "sent"
	case Filtered:
		return "filtered"
	case Queued:
		return "queued"
	case PublishFailed:
		return "publish-failed"
	}
	return "unknown"
}

// DefaultMaxQueueSize is the number of messages kept for a remote broker that
// is not connected. When the queue is full, the oldest message is dropped.
var DefaultMaxQueueSize = 10000

// RemoteOptions contains everything needed to set up a Remote.
type RemoteOptions struct {
	Name          string
	Client        backend.Client
	Filter        *filter.MessageFilter
	Fields        *filter.FieldFilter
	UplinkPattern string
	DownlinkTopic string
	Formats       []types.TopicFormat
	MaxQueueSize  int
	GatewayUUID   func() string
}

// Remote applies a remote broker's filters and topic pattern to uplink
// messages and publishes them, queueing when the broker is unavailable.
type Remote struct {
	ctx           log.Interface
	name          string
	client        backend.Client
	filter        *filter.MessageFilter
	fields        *filter.FieldFilter
	pattern       string
	downlinkTopic string
	formats       map[types.TopicFormat]bool
	gatewayUUID   func() string

	mu       sync.Mutex
	queue    []queuedMessage
	maxQueue int
}

type queuedMessage struct {
	topic   string
	payload []byte
}

// NewRemote sets up a Remote for the given options
func NewRemote(ctx log.Interface, opts RemoteOptions) *Remote {
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	formats := make(map[types.TopicFormat]bool)
	for _, format := range opts.Formats {
		formats[format] = true
	}
	if len(formats) == 0 {
		formats[types.FormatLoRa] = true
	}
	return &Remote{
		ctx:           ctx.WithField("Remote", opts.Name),
		name:          opts.Name,
		client:        opts.Client,
		filter:        opts.Filter,
		fields:        opts.Fields,
		pattern:       opts.UplinkPattern,
		downlinkTopic: opts.DownlinkTopic,
		formats:       formats,
		gatewayUUID:   opts.GatewayUUID,
		maxQueue:      opts.MaxQueueSize,
	}
}

// Name returns the configured name of the remote broker
func (r *Remote) Name() string { return r.name }

// Client returns the transport client of the remote broker
func (r *Remote) Client() backend.Client { return r.client }

// Filter returns the identifier filter of the remote broker
func (r *Remote) Filter() *filter.MessageFilter { return r.filter }

// Fields returns the field filter of the remote broker
func (r *Remote) Fields() *filter.FieldFilter { return r.fields }

// DownlinkTopic returns the topic the remote broker sends downlinks on
func (r *Remote) DownlinkTopic() string { return r.downlinkTopic }

// Connected returns whether the remote broker is currently connected
func (r *Remote) Connected() bool { return r.client.IsConnected() }

// HandlesFormat returns whether the remote broker accepts messages that
// arrived on local topics of the given format.
func (r *Remote) HandlesFormat(format types.TopicFormat) bool {
	return r.formats[format]
}

// QueueSize returns the number of messages waiting for the remote broker
func (r *Remote) QueueSize() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queue)
}

// Forward filters the message, builds the remote topic and payload and
// publishes it. Messages for a disconnected broker are queued; messages that
// fail to publish are queued for retry.
func (r *Remote) Forward(msg *types.Message) Outcome {
	if !r.filter.ShouldForward(msg) {
		r.ctx.WithField("DevEUI", msg.DevEUI).Debug("Message filtered")
		return Filtered
	}
	topic := r.buildTopic(msg)
	payload, err := json.Marshal(r.fields.Filter(msg.RawFields))
	if err != nil {
		r.ctx.WithError(err).Error("Could not encode message payload")
		return PublishFailed
	}
	if !r.client.IsConnected() {
		r.enqueue(topic, payload)
		return Queued
	}
	if err := r.client.Publish(topic, payload); err != nil {
		r.ctx.WithError(err).WithField("Topic", topic).Warn("Could not publish message, queued for retry")
		r.enqueue(topic, payload)
		return PublishFailed
	}
	return Sent
}

func (r *Remote) enqueue(topic string, payload []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) >= r.maxQueue {
		dropped := len(r.queue) - r.maxQueue + 1
		r.queue = r.queue[dropped:]
		r.ctx.WithField("Dropped", dropped).Warn("Queue full, dropped oldest message")
	}
	r.queue = append(r.queue, queuedMessage{topic: topic, payload: payload})
}

// Drain publishes queued messages in order, oldest first. It stops at the
// first publish failure so that ordering is preserved.
func (r *Remote) Drain() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return
	}
	sent := 0
	for len(r.queue) > 0 {
		head := r.queue[0]
		if err := r.client.Publish(head.topic, head.payload); err != nil {
			r.ctx.WithError(err).Warn("Could not drain queue")
			break
		}
		r.queue = r.queue[1:]
		sent++
	}
	if sent > 0 {
		r.ctx.WithField("Messages", sent).Info("Drained queue")
	}
}

// buildTopic renders the remote uplink topic for the message. Patterns can
// use %(deveui)s style tokens or MQTT "+" wildcards; the first wildcard is
// replaced with the DevEUI and later ones with the AppEUI.
func (r *Remote) buildTopic(msg *types.Message) string {
	if strings.Contains(r.pattern, "%") {
		var gwuuid string
		if r.gatewayUUID != nil {
			gwuuid = r.gatewayUUID()
		}
		return strings.NewReplacer(
			"%(deveui)s", string(msg.DevEUI),
			"%(appeui)s", string(msg.AppEUI),
			"%(joineui)s", string(msg.EffectiveJoinEUI()),
			"%(gweui)s", string(msg.GwEUI),
			"%(gwuuid)s", gwuuid,
		).Replace(r.pattern)
	}
	parts := strings.Split(r.pattern, "/")
	wildcards := 0
	for i, part := range parts {
		if part != "+" {
			continue
		}
		wildcards++
		first, second := msg.DevEUI, msg.AppEUI
		if wildcards > 1 {
			first, second = msg.AppEUI, msg.DevEUI
		}
		switch {
		case first != "":
			parts[i] = string(first)
		case second != "":
			parts[i] = string(second)
		default:
			parts[i] = "unknown"
		}
	}
	return strings.Join(parts, "/")
}
