// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package bridge routes uplink messages from the local broker to any number
// of remote brokers and routes downlinks back.
package bridge

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/mlinux-apps/lora-mqtt-bridge/backend"
	"github.com/mlinux-apps/lora-mqtt-bridge/types"
)

// State of the bridge
type State int

// Bridge states
const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

// String implements the fmt.Stringer interface
func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	}
	return "unknown"
}

// DefaultHealthInterval is the interval at which connections are checked and
// queued messages are retried.
var DefaultHealthInterval = 5 * time.Second

// LocalUplinkTopics are the local broker topics the bridge subscribes to.
var LocalUplinkTopics = []string{
	"lora/+/+/up",
	"lora/+/joined",
	"lora/+/+/moved",
	"scada/+/+/up",
}

// Bridge connects the local broker to the configured remote brokers
type Bridge struct {
	ctx            log.Interface
	healthInterval time.Duration

	mu          sync.RWMutex
	state       State
	local       backend.Client
	localFormat types.TopicFormat
	localHost   string
	localPort   int
	remotes     map[string]*Remote
	done        chan struct{}

	forwarded uint64
}

// New sets up a new Bridge
func New(ctx log.Interface) *Bridge {
	return &Bridge{
		ctx:            ctx,
		healthInterval: DefaultHealthInterval,
		remotes:        make(map[string]*Remote),
	}
}

// SetHealthInterval overrides the connection check interval
func (b *Bridge) SetHealthInterval(interval time.Duration) {
	if interval > 0 {
		b.healthInterval = interval
	}
}

// SetLocal sets the local broker client. The format determines the topics on
// which downlinks are published back to the local broker.
func (b *Bridge) SetLocal(client backend.Client, format types.TopicFormat, host string, port int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.local = client
	if format == "" {
		format = types.FormatLoRa
	}
	b.localFormat = format
	b.localHost = host
	b.localPort = port
}

// State returns the current state of the bridge
func (b *Bridge) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// Start connects the local broker, best-effort connects the remote brokers
// and starts the health loop. Failure to connect the local broker aborts the
// start; an unavailable remote broker does not.
func (b *Bridge) Start() error {
	b.mu.Lock()
	if b.state != Stopped {
		b.mu.Unlock()
		return errors.New("bridge: already started")
	}
	if b.local == nil {
		b.mu.Unlock()
		return errors.New("bridge: no local broker configured")
	}
	b.state = Starting
	b.done = make(chan struct{})
	local, done := b.local, b.done
	remotes := b.snapshotLocked()
	b.mu.Unlock()

	if err := local.Connect(); err != nil {
		b.setState(Stopped)
		return err
	}
	for _, topic := range LocalUplinkTopics {
		if err := local.Subscribe(topic, b.handleLocal); err != nil {
			b.ctx.WithError(err).WithField("Topic", topic).Warn("Could not subscribe to local topic")
		}
	}
	for _, remote := range remotes {
		if err := remote.Client().Connect(); err != nil {
			b.ctx.WithField("Remote", remote.Name()).WithError(err).Warn("Could not connect remote broker")
			continue
		}
		b.subscribeDownlinks(remote)
		remote.Drain()
	}

	b.setState(Running)
	b.ctx.WithField("Remotes", len(remotes)).Info("Bridge started")
	go b.healthLoop(done)
	return nil
}

// Stop disconnects the remote brokers first and the local broker last, so
// that late downlinks can still be delivered locally.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.state == Stopped || b.state == Stopping {
		b.mu.Unlock()
		return
	}
	b.state = Stopping
	done := b.done
	b.done = nil
	local := b.local
	remotes := b.snapshotLocked()
	b.mu.Unlock()

	if done != nil {
		close(done)
	}
	for _, remote := range remotes {
		if err := remote.Client().Disconnect(); err != nil {
			b.ctx.WithField("Remote", remote.Name()).WithError(err).Warn("Could not disconnect remote broker")
		}
	}
	if local != nil {
		if err := local.Disconnect(); err != nil {
			b.ctx.WithError(err).Warn("Could not disconnect local broker")
		}
	}
	b.setState(Stopped)
	b.ctx.Info("Bridge stopped")
}

// AddRemote registers a remote broker. When the bridge is running, the broker
// is connected immediately; a connection failure is logged but the broker is
// kept and retried by the health loop. Returns false when a broker with the
// same name already exists.
func (b *Bridge) AddRemote(remote *Remote) bool {
	b.mu.Lock()
	if _, ok := b.remotes[remote.Name()]; ok {
		b.mu.Unlock()
		b.ctx.WithField("Remote", remote.Name()).Warn("Remote broker already exists")
		return false
	}
	b.remotes[remote.Name()] = remote
	running := b.state == Running
	b.mu.Unlock()
	if running {
		if err := remote.Client().Connect(); err != nil {
			b.ctx.WithField("Remote", remote.Name()).WithError(err).Warn("Could not connect remote broker")
		} else {
			b.subscribeDownlinks(remote)
			remote.Drain()
		}
	}
	return true
}

// RemoveRemote disconnects and removes a remote broker. Returns false when no
// broker with the given name exists.
func (b *Bridge) RemoveRemote(name string) bool {
	b.mu.Lock()
	remote, ok := b.remotes[name]
	delete(b.remotes, name)
	b.mu.Unlock()
	if !ok {
		return false
	}
	if err := remote.Client().Disconnect(); err != nil {
		b.ctx.WithField("Remote", name).WithError(err).Warn("Could not disconnect remote broker")
	}
	queueSizeGauge.DeleteLabelValues(name)
	return true
}

// Remote returns the remote broker with the given name, if any
func (b *Bridge) Remote(name string) (*Remote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	remote, ok := b.remotes[name]
	return remote, ok
}

// RemoteNames returns the names of the registered remote brokers
func (b *Bridge) RemoteNames() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.remotes))
	for name := range b.remotes {
		names = append(names, name)
	}
	return names
}

// LocalStatus describes the local broker connection
type LocalStatus struct {
	Connected bool
	Host      string
	Port      int
}

// RemoteStatus describes a remote broker connection
type RemoteStatus struct {
	Connected bool
	QueueSize int
}

// Status is a point-in-time snapshot of the bridge
type Status struct {
	Running   bool
	Local     LocalStatus
	Remotes   map[string]RemoteStatus
	Forwarded uint64
}

// Status returns a snapshot of the bridge state
func (b *Bridge) Status() Status {
	b.mu.RLock()
	local, host, port := b.local, b.localHost, b.localPort
	running := b.state == Running
	remotes := b.snapshotLocked()
	b.mu.RUnlock()
	status := Status{
		Running:   running,
		Local:     LocalStatus{Host: host, Port: port},
		Remotes:   make(map[string]RemoteStatus),
		Forwarded: atomic.LoadUint64(&b.forwarded),
	}
	if local != nil {
		status.Local.Connected = local.IsConnected()
	}
	for _, remote := range remotes {
		status.Remotes[remote.Name()] = RemoteStatus{
			Connected: remote.Connected(),
			QueueSize: remote.QueueSize(),
		}
	}
	return status
}

func (b *Bridge) setState(state State) {
	b.mu.Lock()
	b.state = state
	b.mu.Unlock()
}

func (b *Bridge) snapshotLocked() []*Remote {
	remotes := make([]*Remote, 0, len(b.remotes))
	for _, remote := range b.remotes {
		remotes = append(remotes, remote)
	}
	return remotes
}

func (b *Bridge) subscribeDownlinks(remote *Remote) {
	topic := remote.DownlinkTopic()
	if topic == "" {
		return
	}
	name := remote.Name()
	err := remote.Client().Subscribe(topic, func(topic string, payload []byte) {
		b.handleRemote(name, topic, payload)
	})
	if err != nil {
		b.ctx.WithField("Remote", name).WithError(err).Warn("Could not subscribe to downlink topic")
	}
}

// handleLocal dispatches an uplink from the local broker to every remote
// broker that handles the topic's format.
func (b *Bridge) handleLocal(topic string, payload []byte) {
	messageType := types.ParseMessageType(topic)
	if messageType == "" {
		return
	}
	format := types.ParseTopicFormat(topic)
	if format == "" {
		discardedCounter.WithLabelValues("format").Inc()
		return
	}
	msg, err := types.ParseMessage(topic, payload, messageType)
	if err != nil {
		b.ctx.WithError(err).WithField("Topic", topic).Warn("Could not parse local message")
		discardedCounter.WithLabelValues("payload").Inc()
		return
	}
	b.mu.RLock()
	remotes := b.snapshotLocked()
	b.mu.RUnlock()
	for _, remote := range remotes {
		if !remote.HandlesFormat(format) {
			continue
		}
		outcome := remote.Forward(msg)
		handledCounter.WithLabelValues(remote.Name(), outcome.String()).Inc()
		queueSizeGauge.WithLabelValues(remote.Name()).Set(float64(remote.QueueSize()))
		if outcome == Sent {
			atomic.AddUint64(&b.forwarded, 1)
		}
	}
}

// handleRemote translates a downlink from a remote broker onto the local
// broker. The payload must contain a deveui field; topics containing "clear"
// clear the device's downlink queue instead of scheduling one.
func (b *Bridge) handleRemote(name, topic string, payload []byte) {
	ctx := b.ctx.WithField("Remote", name).WithField("Topic", topic)
	fields, err := types.ParseFields(payload)
	if err != nil {
		ctx.WithError(err).Warn("Could not parse downlink payload")
		return
	}
	deveui := strings.TrimSpace(fields.String("deveui"))
	if deveui == "" || deveui == "null" {
		ctx.Warn("Downlink without deveui")
		return
	}
	b.mu.RLock()
	local, format := b.local, b.localFormat
	b.mu.RUnlock()
	if local == nil {
		return
	}
	eui := types.NormalizeEUI(deveui)
	if strings.Contains(strings.ToLower(topic), "clear") {
		localTopic := fmt.Sprintf("%s/%s/clear", format, eui)
		if err := local.Publish(localTopic, nil); err != nil {
			ctx.WithError(err).Warn("Could not publish downlink clear")
		}
		return
	}
	localTopic := fmt.Sprintf("%s/%s/down", format, eui)
	if err := local.Publish(localTopic, payload); err != nil {
		ctx.WithError(err).Warn("Could not publish downlink")
	}
}

func (b *Bridge) healthLoop(done <-chan struct{}) {
	ticker := time.NewTicker(b.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			b.checkHealth()
		}
	}
}

// checkHealth reconnects disconnected brokers and drains pending queues.
// Reconnects run in their own goroutine so that one slow broker does not
// hold up the others.
func (b *Bridge) checkHealth() {
	b.mu.RLock()
	local := b.local
	remotes := b.snapshotLocked()
	b.mu.RUnlock()
	if local != nil && !local.IsConnected() {
		b.ctx.Warn("Local broker disconnected, reconnecting")
		go func() {
			if err := local.Connect(); err != nil {
				b.ctx.WithError(err).Warn("Could not reconnect local broker")
			}
		}()
	}
	for _, remote := range remotes {
		remote := remote
		switch {
		case !remote.Connected():
			b.ctx.WithField("Remote", remote.Name()).Warn("Remote broker disconnected, reconnecting")
			go func() {
				if err := remote.Client().Connect(); err != nil {
					b.ctx.WithField("Remote", remote.Name()).WithError(err).Warn("Could not reconnect remote broker")
					return
				}
				b.subscribeDownlinks(remote)
				remote.Drain()
			}()
		case remote.QueueSize() > 0:
			go remote.Drain()
		}
	}
}
