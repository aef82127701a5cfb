// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package bridge

import (
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/mlinux-apps/lora-mqtt-bridge/backend/dummy"
	"github.com/mlinux-apps/lora-mqtt-bridge/filter"
	"github.com/mlinux-apps/lora-mqtt-bridge/types"
)

func TestBridgeLifecycle(t *testing.T) {
	Convey("Given a bridge with a local and one remote broker", t, func(c C) {
		ctx, logs := testLogger()
		defer func() {
			if logs.Len() > 0 {
				c.Printf("\n%s", logs.String())
			}
		}()
		local := dummy.New(ctx)
		remoteClient := dummy.New(ctx)
		b := New(ctx)
		b.SetLocal(local, types.FormatLoRa, "localhost", 1883)
		b.AddRemote(NewRemote(ctx, RemoteOptions{
			Name:          "cloud",
			Client:        remoteClient,
			Filter:        filter.NewMessageFilter(filter.Rules{}, filter.Rules{}, filter.Rules{}),
			Fields:        filter.NewFieldFilter(nil, nil, nil),
			UplinkPattern: "uplinks/%(deveui)s/up",
			DownlinkTopic: "downlinks/#",
			Formats:       []types.TopicFormat{types.FormatLoRa},
		}))

		Convey("Start should connect both brokers", func() {
			So(b.Start(), ShouldBeNil)
			So(b.State(), ShouldEqual, Running)
			So(local.IsConnected(), ShouldBeTrue)
			So(remoteClient.IsConnected(), ShouldBeTrue)

			Convey("Starting twice should fail", func() {
				So(b.Start(), ShouldNotBeNil)
			})

			Convey("Stop should disconnect everything", func() {
				b.Stop()
				So(b.State(), ShouldEqual, Stopped)
				So(local.IsConnected(), ShouldBeFalse)
				So(remoteClient.IsConnected(), ShouldBeFalse)
			})

			Convey("An uplink on the local broker should reach the remote broker", func() {
				local.Receive("lora/00-11-22-33-44-55-66-77/00-11-22-33-44-55-66-88/up",
					[]byte(`{"deveui":"00-11-22-33-44-55-66-77","data":"aGk="}`))
				published := remoteClient.Published()
				So(published, ShouldHaveLength, 1)
				So(published[0].Topic, ShouldEqual, "uplinks/00-11-22-33-44-55-66-77/up")
			})

			Convey("An uplink without deveui should be discarded", func() {
				local.Receive("lora/unknown/x/up", []byte(`{"data":"aGk="}`))
				So(remoteClient.Published(), ShouldBeEmpty)
			})

			Convey("A non-JSON payload should be discarded without stopping the bridge", func() {
				local.Receive("lora/x/y/up", []byte(`garbage`))
				So(b.State(), ShouldEqual, Running)
				So(remoteClient.Published(), ShouldBeEmpty)
			})

			Convey("A downlink from the remote broker should be published locally", func() {
				remoteClient.Receive("downlinks/device", []byte(`{"deveui":"0011223344556677","port":2,"data":"aGk="}`))
				published := local.Published()
				So(published, ShouldHaveLength, 1)
				So(published[0].Topic, ShouldEqual, "lora/00-11-22-33-44-55-66-77/down")
				So(string(published[0].Payload), ShouldEqual, `{"deveui":"0011223344556677","port":2,"data":"aGk="}`)
			})

			Convey("A clear command from the remote broker should clear the device queue", func() {
				remoteClient.Receive("downlinks/clear", []byte(`{"deveui":"00-11-22-33-44-55-66-77"}`))
				published := local.Published()
				So(published, ShouldHaveLength, 1)
				So(published[0].Topic, ShouldEqual, "lora/00-11-22-33-44-55-66-77/clear")
			})

			Convey("A downlink without deveui should be ignored", func() {
				remoteClient.Receive("downlinks/device", []byte(`{"port":2}`))
				So(local.Published(), ShouldBeEmpty)
			})

			Reset(func() { b.Stop() })
		})

		Convey("Start should fail when the local broker is unreachable", func() {
			local.FailConnect(true)
			So(b.Start(), ShouldNotBeNil)
			So(b.State(), ShouldEqual, Stopped)
		})

		Convey("Start should succeed when only the remote broker is unreachable", func() {
			remoteClient.FailConnect(true)
			So(b.Start(), ShouldBeNil)
			So(b.State(), ShouldEqual, Running)

			Convey("And uplinks should be queued for the unreachable broker", func() {
				local.Receive("lora/a/b/up", []byte(`{"deveui":"00-11-22-33-44-55-66-77"}`))
				remote, ok := b.Remote("cloud")
				So(ok, ShouldBeTrue)
				So(remote.QueueSize(), ShouldEqual, 1)
			})

			Reset(func() { b.Stop() })
		})
	})
}

func TestBridgeRouting(t *testing.T) {
	Convey("Given a bridge with remote brokers for different formats", t, func() {
		ctx, _ := testLogger()
		local := dummy.New(ctx)
		loraClient := dummy.New(ctx)
		scadaClient := dummy.New(ctx)
		b := New(ctx)
		b.SetLocal(local, types.FormatLoRa, "localhost", 1883)
		b.AddRemote(NewRemote(ctx, RemoteOptions{
			Name:          "lora-only",
			Client:        loraClient,
			Filter:        filter.NewMessageFilter(filter.Rules{}, filter.Rules{}, filter.Rules{}),
			Fields:        filter.NewFieldFilter(nil, nil, nil),
			UplinkPattern: "a/%(deveui)s/up",
			Formats:       []types.TopicFormat{types.FormatLoRa},
		}))
		b.AddRemote(NewRemote(ctx, RemoteOptions{
			Name:          "scada-only",
			Client:        scadaClient,
			Filter:        filter.NewMessageFilter(filter.Rules{}, filter.Rules{}, filter.Rules{}),
			Fields:        filter.NewFieldFilter(nil, nil, nil),
			UplinkPattern: "b/%(deveui)s/up",
			Formats:       []types.TopicFormat{types.FormatSCADA},
		}))
		So(b.Start(), ShouldBeNil)
		Reset(func() { b.Stop() })

		Convey("A lora uplink should only reach the lora broker", func() {
			local.Receive("lora/a/b/up", []byte(`{"deveui":"00-11-22-33-44-55-66-77"}`))
			So(loraClient.Published(), ShouldHaveLength, 1)
			So(scadaClient.Published(), ShouldBeEmpty)
		})

		Convey("A scada uplink should only reach the scada broker", func() {
			local.Receive("scada/a/b/up", []byte(`{"deveui":"00-11-22-33-44-55-66-77"}`))
			So(loraClient.Published(), ShouldBeEmpty)
			So(scadaClient.Published(), ShouldHaveLength, 1)
		})
	})
}

func TestBridgeRemoteManagement(t *testing.T) {
	Convey("Given a running bridge", t, func() {
		ctx, _ := testLogger()
		local := dummy.New(ctx)
		b := New(ctx)
		b.SetLocal(local, types.FormatLoRa, "localhost", 1883)
		So(b.Start(), ShouldBeNil)
		Reset(func() { b.Stop() })

		client := dummy.New(ctx)
		remote := NewRemote(ctx, RemoteOptions{
			Name:          "late",
			Client:        client,
			Filter:        filter.NewMessageFilter(filter.Rules{}, filter.Rules{}, filter.Rules{}),
			Fields:        filter.NewFieldFilter(nil, nil, nil),
			UplinkPattern: "late/%(deveui)s/up",
		})

		Convey("Adding a remote broker should connect it immediately", func() {
			So(b.AddRemote(remote), ShouldBeTrue)
			So(client.IsConnected(), ShouldBeTrue)

			Convey("Adding it again should be refused", func() {
				So(b.AddRemote(remote), ShouldBeFalse)
			})

			Convey("Removing it should disconnect it", func() {
				So(b.RemoveRemote("late"), ShouldBeTrue)
				So(client.IsConnected(), ShouldBeFalse)
				So(b.RemoveRemote("late"), ShouldBeFalse)
			})
		})

		Convey("A remote broker that fails to connect should still be added", func() {
			client.FailConnect(true)
			So(b.AddRemote(remote), ShouldBeTrue)
			_, ok := b.Remote("late")
			So(ok, ShouldBeTrue)
		})
	})
}

func TestBridgeStatus(t *testing.T) {
	Convey("Given a running bridge", t, func() {
		ctx, _ := testLogger()
		local := dummy.New(ctx)
		remoteClient := dummy.New(ctx)
		b := New(ctx)
		b.SetLocal(local, types.FormatLoRa, "10.0.0.1", 1883)
		b.AddRemote(NewRemote(ctx, RemoteOptions{
			Name:          "cloud",
			Client:        remoteClient,
			Filter:        filter.NewMessageFilter(filter.Rules{}, filter.Rules{}, filter.Rules{}),
			Fields:        filter.NewFieldFilter(nil, nil, nil),
			UplinkPattern: "uplinks/%(deveui)s/up",
		}))
		So(b.Start(), ShouldBeNil)
		Reset(func() { b.Stop() })

		Convey("The status snapshot should reflect connections and counters", func() {
			local.Receive("lora/a/b/up", []byte(`{"deveui":"00-11-22-33-44-55-66-77"}`))
			status := b.Status()
			So(status.Running, ShouldBeTrue)
			So(status.Local.Connected, ShouldBeTrue)
			So(status.Local.Host, ShouldEqual, "10.0.0.1")
			So(status.Local.Port, ShouldEqual, 1883)
			So(status.Remotes, ShouldContainKey, "cloud")
			So(status.Remotes["cloud"].Connected, ShouldBeTrue)
			So(status.Remotes["cloud"].QueueSize, ShouldEqual, 0)
			So(status.Forwarded, ShouldEqual, 1)
		})
	})
}
