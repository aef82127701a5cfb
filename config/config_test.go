// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/mlinux-apps/lora-mqtt-bridge/filter"
	"github.com/mlinux-apps/lora-mqtt-bridge/types"
)

func testContext() log.Interface {
	return &log.Logger{Handler: discard.New(), Level: log.DebugLevel}
}

func writeFile(t *testing.T, dir, name, content string) string {
	path := filepath.Join(dir, name)
	if err := ioutil.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadJSON(t *testing.T) {
	Convey("Given a JSON configuration file", t, func() {
		dir, err := ioutil.TempDir("", "config")
		So(err, ShouldBeNil)
		Reset(func() { os.RemoveAll(dir) })

		path := writeFile(t, dir, "config.json", `{
			"local_broker": {"host": "10.0.0.1"},
			"remote_brokers": [
				{
					"name": "cloud",
					"host": "mqtt.example.com",
					"tls": {"enabled": true},
					"source_topic_format": ["lora", "scada"],
					"message_filter": {
						"deveui_whitelist": ["00:11:22:33:44:55:66:77"],
						"deveui_ranges": [["00-00-00-00-00-00-00-10", "00-00-00-00-00-00-00-20"]],
						"deveui_masks": ["00-11-xx-xx-xx-xx-xx-xx"]
					},
					"field_filter": {"include_fields": ["data"]}
				},
				{
					"name": "queue",
					"host": "amqp.example.com",
					"transport": "amqp",
					"exchange": "uplinks"
				}
			]
		}`)

		Convey("When loading it", func() {
			cfg, err := Load(testContext(), path)
			So(err, ShouldBeNil)

			Convey("The local broker should have defaults applied", func() {
				So(cfg.LocalBroker.Host, ShouldEqual, "10.0.0.1")
				So(cfg.LocalBroker.Port, ShouldEqual, 1883)
				So(cfg.LocalBroker.ClientID, ShouldEqual, "lora-mqtt-bridge-local")
				So(cfg.LocalBroker.Format(), ShouldEqual, types.FormatLoRa)
			})
			Convey("The health and status intervals should have defaults", func() {
				So(cfg.HealthInterval, ShouldEqual, 5)
				So(cfg.Status.Interval, ShouldEqual, 5)
			})
			Convey("Both remote brokers should be kept", func() {
				So(cfg.RemoteBrokers, ShouldHaveLength, 2)
			})

			Convey("The MQTT broker should resolve its settings", func() {
				remote := cfg.RemoteBrokers[0]
				So(remote.IsEnabled(), ShouldBeTrue)
				So(remote.Transport, ShouldEqual, TransportMQTT)
				So(remote.Port, ShouldEqual, 8883)
				So(remote.QoSLevel(), ShouldEqual, 1)
				So(remote.RetainMessages(), ShouldBeTrue)
				So(remote.Formats(), ShouldResemble, []types.TopicFormat{types.FormatLoRa, types.FormatSCADA})
				So(remote.Topics.UplinkPattern, ShouldEqual, "lora/%(deveui)s/up")
			})

			Convey("The AMQP broker should keep its transport", func() {
				So(cfg.RemoteBrokers[1].Transport, ShouldEqual, TransportAMQP)
				So(cfg.RemoteBrokers[1].Port, ShouldEqual, 1883)
			})

			Convey("The message filter should build with all rule types", func() {
				f, err := cfg.RemoteBrokers[0].MessageFilter.Build()
				So(err, ShouldBeNil)
				So(f.ShouldAdmit(filter.DevEUI, "00-11-22-33-44-55-66-77"), ShouldBeTrue)
				So(f.ShouldAdmit(filter.DevEUI, "00-00-00-00-00-00-00-15"), ShouldBeTrue)
				So(f.ShouldAdmit(filter.DevEUI, "00-11-ff-ff-ff-ff-ff-ff"), ShouldBeTrue)
				So(f.ShouldAdmit(filter.DevEUI, "ff-ff-ff-ff-ff-ff-ff-ff"), ShouldBeFalse)
			})

			Convey("The field filter should get the default always-include list", func() {
				fields, err := types.ParseFields([]byte(`{"deveui":"a","appeui":"b","time":"c","data":"d","rssi":-80}`))
				So(err, ShouldBeNil)
				result := cfg.RemoteBrokers[0].FieldFilter.Build().Filter(fields)
				names := make([]string, 0, len(result))
				for _, field := range result {
					names = append(names, field.Key)
				}
				So(names, ShouldResemble, []string{"deveui", "appeui", "time", "data"})
			})
		})
	})
}

func TestLoadYAML(t *testing.T) {
	Convey("Given a YAML configuration file", t, func() {
		dir, err := ioutil.TempDir("", "config")
		So(err, ShouldBeNil)
		Reset(func() { os.RemoveAll(dir) })

		path := writeFile(t, dir, "config.yaml", `
local_broker:
  host: 10.0.0.2
remote_brokers:
  - name: cloud
    host: mqtt.example.com
    source_topic_format: lora
`)

		Convey("When loading it", func() {
			cfg, err := Load(testContext(), path)
			So(err, ShouldBeNil)
			So(cfg.LocalBroker.Host, ShouldEqual, "10.0.0.2")
			So(cfg.RemoteBrokers, ShouldHaveLength, 1)

			Convey("A single-string source format should become a list", func() {
				So(cfg.RemoteBrokers[0].Formats(), ShouldResemble, []types.TopicFormat{types.FormatLoRa})
			})
		})
	})
}

func TestValidation(t *testing.T) {
	Convey("Given a configuration with invalid remote broker entries", t, func() {
		dir, err := ioutil.TempDir("", "config")
		So(err, ShouldBeNil)
		Reset(func() { os.RemoveAll(dir) })

		path := writeFile(t, dir, "config.json", `{
			"remote_brokers": [
				{"name": "good", "host": "mqtt.example.com"},
				{"name": "", "host": "mqtt.example.com"},
				{"name": "no-host"},
				{"name": "good", "host": "duplicate.example.com"},
				{"name": "bad-range", "host": "mqtt.example.com",
					"message_filter": {"deveui_ranges": [["00-00-00-00-00-00-00-10"]]}},
				{"name": "bad-mask", "host": "mqtt.example.com",
					"message_filter": {"deveui_masks": ["zz"]}},
				{"name": "bad-transport", "host": "mqtt.example.com", "transport": "xmpp"}
			]
		}`)

		Convey("When loading it", func() {
			cfg, err := Load(testContext(), path)
			So(err, ShouldBeNil)

			Convey("Only the valid entry should survive", func() {
				So(cfg.RemoteBrokers, ShouldHaveLength, 1)
				So(cfg.RemoteBrokers[0].Name, ShouldEqual, "good")
			})
		})
	})

	Convey("Given an unparseable configuration file", t, func() {
		dir, err := ioutil.TempDir("", "config")
		So(err, ShouldBeNil)
		Reset(func() { os.RemoveAll(dir) })

		path := writeFile(t, dir, "config.json", `{not json`)

		Convey("Loading should fail", func() {
			_, err := Load(testContext(), path)
			So(err, ShouldNotBeNil)
		})
	})

	Convey("Given a disabled remote broker", t, func() {
		enabled := false
		remote := RemoteBrokerConfig{Name: "off", Host: "x", Enabled: &enabled}
		So(remote.IsEnabled(), ShouldBeFalse)
	})
}
