// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package config loads and validates the bridge configuration from a JSON or
// YAML file.
package config

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"path/filepath"
	"strings"

	"github.com/apex/log"
	"github.com/mlinux-apps/lora-mqtt-bridge/backend/mqtt"
	"github.com/mlinux-apps/lora-mqtt-bridge/filter"
	"github.com/mlinux-apps/lora-mqtt-bridge/types"
	yaml "gopkg.in/yaml.v2"
)

// Transports for remote brokers
const (
	TransportMQTT = "mqtt"
	TransportAMQP = "amqp"
)

// Defaults applied in Validate
var (
	DefaultLocalHost      = "127.0.0.1"
	DefaultLocalPort      = 1883
	DefaultLocalClientID  = "lora-mqtt-bridge-local"
	DefaultKeepalive      = 60
	DefaultQoS            = 1
	DefaultUplinkPattern  = "lora/%(deveui)s/up"
	DefaultAlwaysInclude  = []string{"deveui", "appeui", "time"}
	DefaultHealthInterval = 5
	DefaultStatusInterval = 5
)

// TLSConfig configures TLS for a broker connection. Certificate values may be
// file paths or inline PEM blocks.
type TLSConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled"`
	CACert         string `json:"ca_cert" yaml:"ca_cert"`
	ClientCert     string `json:"client_cert" yaml:"client_cert"`
	ClientKey      string `json:"client_key" yaml:"client_key"`
	VerifyHostname *bool  `json:"verify_hostname" yaml:"verify_hostname"`
	Insecure       bool   `json:"insecure" yaml:"insecure"`
}

// Build returns the tls.Config for the connection, or nil when TLS is off
func (c *TLSConfig) Build() (*tls.Config, error) {
	if c == nil || !c.Enabled {
		return nil, nil
	}
	verify := true
	if c.VerifyHostname != nil {
		verify = *c.VerifyHostname
	}
	return mqtt.NewTLSConfig(mqtt.TLSOptions{
		CACert:         c.CACert,
		ClientCert:     c.ClientCert,
		ClientKey:      c.ClientKey,
		VerifyHostname: verify,
		Insecure:       c.Insecure,
	})
}

// TopicConfig configures the topics a remote broker publishes and receives on
type TopicConfig struct {
	UplinkPattern   string `json:"uplink_pattern" yaml:"uplink_pattern"`
	DownlinkPattern string `json:"downlink_pattern" yaml:"downlink_pattern"`
}

// LocalBrokerConfig configures the connection to the local broker
type LocalBrokerConfig struct {
	Host        string     `json:"host" yaml:"host"`
	Port        int        `json:"port" yaml:"port"`
	Username    string     `json:"username" yaml:"username"`
	Password    string     `json:"password" yaml:"password"`
	ClientID    string     `json:"client_id" yaml:"client_id"`
	Keepalive   int        `json:"keepalive" yaml:"keepalive"`
	TopicFormat string     `json:"topic_format" yaml:"topic_format"`
	TLS         *TLSConfig `json:"tls" yaml:"tls"`
}

// Format returns the local downlink topic format
func (c LocalBrokerConfig) Format() types.TopicFormat {
	if format := types.ParseTopicFormat(c.TopicFormat); format != "" {
		return format
	}
	return types.FormatLoRa
}

// MessageFilterConfig configures identifier filtering for a remote broker.
// Ranges are [min, max] pairs of EUIs; masks are 16 hex digits with "x" as
// wildcard nibbles.
type MessageFilterConfig struct {
	DevEUIWhitelist  []string   `json:"deveui_whitelist" yaml:"deveui_whitelist"`
	DevEUIBlacklist  []string   `json:"deveui_blacklist" yaml:"deveui_blacklist"`
	DevEUIRanges     [][]string `json:"deveui_ranges" yaml:"deveui_ranges"`
	DevEUIMasks      []string   `json:"deveui_masks" yaml:"deveui_masks"`
	JoinEUIWhitelist []string   `json:"joineui_whitelist" yaml:"joineui_whitelist"`
	JoinEUIBlacklist []string   `json:"joineui_blacklist" yaml:"joineui_blacklist"`
	JoinEUIRanges    [][]string `json:"joineui_ranges" yaml:"joineui_ranges"`
	JoinEUIMasks     []string   `json:"joineui_masks" yaml:"joineui_masks"`
	AppEUIWhitelist  []string   `json:"appeui_whitelist" yaml:"appeui_whitelist"`
	AppEUIBlacklist  []string   `json:"appeui_blacklist" yaml:"appeui_blacklist"`
	AppEUIRanges     [][]string `json:"appeui_ranges" yaml:"appeui_ranges"`
	AppEUIMasks      []string   `json:"appeui_masks" yaml:"appeui_masks"`
}

func buildRules(whitelist, blacklist []string, ranges [][]string, masks []string) (filter.Rules, error) {
	rules := filter.Rules{Whitelist: whitelist, Blacklist: blacklist}
	for i, pair := range ranges {
		r, err := filter.EUIRangeFromList(pair)
		if err != nil {
			return rules, fmt.Errorf("range %d: %s", i, err)
		}
		rules.Ranges = append(rules.Ranges, r)
	}
	for i, pattern := range masks {
		m, err := filter.NewEUIMask(pattern)
		if err != nil {
			return rules, fmt.Errorf("mask %d: %s", i, err)
		}
		rules.Masks = append(rules.Masks, m)
	}
	return rules, nil
}

// Build validates the rules and returns the identifier filter
func (c MessageFilterConfig) Build() (*filter.MessageFilter, error) {
	dev, err := buildRules(c.DevEUIWhitelist, c.DevEUIBlacklist, c.DevEUIRanges, c.DevEUIMasks)
	if err != nil {
		return nil, fmt.Errorf("deveui %s", err)
	}
	join, err := buildRules(c.JoinEUIWhitelist, c.JoinEUIBlacklist, c.JoinEUIRanges, c.JoinEUIMasks)
	if err != nil {
		return nil, fmt.Errorf("joineui %s", err)
	}
	app, err := buildRules(c.AppEUIWhitelist, c.AppEUIBlacklist, c.AppEUIRanges, c.AppEUIMasks)
	if err != nil {
		return nil, fmt.Errorf("appeui %s", err)
	}
	return filter.NewMessageFilter(dev, join, app), nil
}

// FieldFilterConfig configures payload field projection for a remote broker
type FieldFilterConfig struct {
	IncludeFields []string `json:"include_fields" yaml:"include_fields"`
	ExcludeFields []string `json:"exclude_fields" yaml:"exclude_fields"`
	AlwaysInclude []string `json:"always_include" yaml:"always_include"`
}

// Build returns the field filter. A missing always_include list gets the
// default identifier fields; an explicitly empty list stays empty.
func (c FieldFilterConfig) Build() *filter.FieldFilter {
	always := c.AlwaysInclude
	if always == nil {
		always = DefaultAlwaysInclude
	}
	return filter.NewFieldFilter(c.IncludeFields, c.ExcludeFields, always)
}

// RemoteBrokerConfig configures one remote broker
type RemoteBrokerConfig struct {
	Name              string              `json:"name" yaml:"name"`
	Enabled           *bool               `json:"enabled" yaml:"enabled"`
	Transport         string              `json:"transport" yaml:"transport"`
	Host              string              `json:"host" yaml:"host"`
	Port              int                 `json:"port" yaml:"port"`
	Username          string              `json:"username" yaml:"username"`
	Password          string              `json:"password" yaml:"password"`
	ClientID          string              `json:"client_id" yaml:"client_id"`
	TLS               *TLSConfig          `json:"tls" yaml:"tls"`
	SourceTopicFormat FormatList          `json:"source_topic_format" yaml:"source_topic_format"`
	Topics            TopicConfig         `json:"topics" yaml:"topics"`
	DownlinkTopic     string              `json:"downlink_topic" yaml:"downlink_topic"`
	MessageFilter     MessageFilterConfig `json:"message_filter" yaml:"message_filter"`
	FieldFilter       FieldFilterConfig   `json:"field_filter" yaml:"field_filter"`
	Keepalive         int                 `json:"keepalive" yaml:"keepalive"`
	CleanSession      bool                `json:"clean_session" yaml:"clean_session"`
	QoS               *int                `json:"qos" yaml:"qos"`
	Retain            *bool               `json:"retain" yaml:"retain"`
	MaxQueueSize      int                 `json:"max_queue_size" yaml:"max_queue_size"`
	VHost             string              `json:"vhost" yaml:"vhost"`
	Exchange          string              `json:"exchange" yaml:"exchange"`
}

// IsEnabled returns whether the broker is enabled; brokers are enabled unless
// the config says otherwise.
func (c RemoteBrokerConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// QoSLevel returns the QoS level for publishes, 1 by default
func (c RemoteBrokerConfig) QoSLevel() int {
	if c.QoS == nil {
		return DefaultQoS
	}
	return *c.QoS
}

// RetainMessages returns the retain flag for publishes, true by default
func (c RemoteBrokerConfig) RetainMessages() bool {
	return c.Retain == nil || *c.Retain
}

// Formats returns the local topic formats this broker forwards
func (c RemoteBrokerConfig) Formats() []types.TopicFormat {
	if len(c.SourceTopicFormat) == 0 {
		return []types.TopicFormat{types.FormatLoRa}
	}
	formats := make([]types.TopicFormat, 0, len(c.SourceTopicFormat))
	for _, name := range c.SourceTopicFormat {
		if format := types.ParseTopicFormat(name); format != "" {
			formats = append(formats, format)
		}
	}
	return formats
}

// FormatList accepts both a single string and a list of strings in the
// config file.
type FormatList []string

// UnmarshalJSON implements the json.Unmarshaler interface
func (l *FormatList) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*l = FormatList{single}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*l = FormatList(list)
	return nil
}

// UnmarshalYAML implements the yaml.Unmarshaler interface
func (l *FormatList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var single string
	if err := unmarshal(&single); err == nil {
		*l = FormatList{single}
		return nil
	}
	var list []string
	if err := unmarshal(&list); err != nil {
		return err
	}
	*l = FormatList(list)
	return nil
}

// StatusConfig configures the periodic status file
type StatusConfig struct {
	Dir      string `json:"dir" yaml:"dir"`
	Interval int    `json:"interval" yaml:"interval"`
}

// Config is the root configuration of the bridge
type Config struct {
	LocalBroker    LocalBrokerConfig    `json:"local_broker" yaml:"local_broker"`
	RemoteBrokers  []RemoteBrokerConfig `json:"remote_brokers" yaml:"remote_brokers"`
	HealthInterval int                  `json:"health_interval" yaml:"health_interval"`
	Status         StatusConfig         `json:"status" yaml:"status"`
}

// Load reads, parses and validates a configuration file. The format is
// chosen by extension: .yml and .yaml are YAML, everything else is JSON.
// Invalid remote broker entries are dropped with a logged error; the rest of
// the configuration stays usable.
func Load(ctx log.Interface, path string) (*Config, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var config Config
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		err = yaml.Unmarshal(data, &config)
	default:
		err = json.Unmarshal(data, &config)
	}
	if err != nil {
		return nil, fmt.Errorf("config: could not parse %s: %s", path, err)
	}
	config.Validate(ctx)
	return &config, nil
}

// Validate applies defaults and drops remote broker entries that can not be
// used: missing name or host, duplicate names, or invalid filter rules.
func (c *Config) Validate(ctx log.Interface) {
	if c.LocalBroker.Host == "" {
		c.LocalBroker.Host = DefaultLocalHost
	}
	if c.LocalBroker.Port == 0 {
		c.LocalBroker.Port = DefaultLocalPort
	}
	if c.LocalBroker.ClientID == "" {
		c.LocalBroker.ClientID = DefaultLocalClientID
	}
	if c.LocalBroker.Keepalive == 0 {
		c.LocalBroker.Keepalive = DefaultKeepalive
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = DefaultHealthInterval
	}
	if c.Status.Interval <= 0 {
		c.Status.Interval = DefaultStatusInterval
	}
	seen := make(map[string]bool)
	valid := make([]RemoteBrokerConfig, 0, len(c.RemoteBrokers))
	for i := range c.RemoteBrokers {
		remote := c.RemoteBrokers[i]
		rctx := ctx.WithField("Remote", remote.Name)
		if remote.Name == "" {
			ctx.WithField("Index", i).Error("Ignoring remote broker without name")
			continue
		}
		if seen[remote.Name] {
			rctx.Error("Ignoring remote broker with duplicate name")
			continue
		}
		if remote.Host == "" {
			rctx.Error("Ignoring remote broker without host")
			continue
		}
		if _, err := remote.MessageFilter.Build(); err != nil {
			rctx.WithError(err).Error("Ignoring remote broker with invalid message filter")
			continue
		}
		if remote.Transport == "" {
			remote.Transport = TransportMQTT
		}
		if remote.Transport != TransportMQTT && remote.Transport != TransportAMQP {
			rctx.WithField("Transport", remote.Transport).Error("Ignoring remote broker with unknown transport")
			continue
		}
		if remote.Port == 0 {
			if remote.TLS != nil && remote.TLS.Enabled {
				remote.Port = 8883
			} else {
				remote.Port = DefaultLocalPort
			}
		}
		if remote.Keepalive == 0 {
			remote.Keepalive = DefaultKeepalive
		}
		if remote.Topics.UplinkPattern == "" {
			remote.Topics.UplinkPattern = DefaultUplinkPattern
		}
		seen[remote.Name] = true
		valid = append(valid, remote)
	}
	c.RemoteBrokers = valid
}
