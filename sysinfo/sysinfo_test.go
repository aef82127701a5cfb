// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package sysinfo

import (
	"os"
	"testing"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	. "github.com/smartystreets/goconvey/convey"
)

func TestFormatUUID(t *testing.T) {
	Convey("Given raw UUID values", t, func() {
		ctx := &log.Logger{Handler: discard.New(), Level: log.DebugLevel}

		Convey("32 hex characters should be formatted 8-4-4-4-12", func() {
			So(formatUUID(ctx, "244AB1FBB08D1DCCD02DBEE6F5236CED"), ShouldEqual,
				"244ab1fb-b08d-1dcc-d02d-bee6f5236ced")
		})
		Convey("Already dashed values should be normalized", func() {
			So(formatUUID(ctx, "244ab1fb-b08d-1dcc-d02d-bee6f5236ced"), ShouldEqual,
				"244ab1fb-b08d-1dcc-d02d-bee6f5236ced")
		})
		Convey("Other lengths should only be lowercased", func() {
			So(formatUUID(ctx, "SHORT"), ShouldEqual, "short")
		})
	})
}

func TestGatewayUUIDFromEnv(t *testing.T) {
	Convey("Given BRIDGE_GATEWAY_UUID is set", t, func() {
		ctx := &log.Logger{Handler: discard.New(), Level: log.DebugLevel}
		os.Setenv("BRIDGE_GATEWAY_UUID", "244AB1FBB08D1DCCD02DBEE6F5236CED")
		defer os.Unsetenv("BRIDGE_GATEWAY_UUID")

		Convey("The environment value should win and be formatted", func() {
			So(readGatewayUUID(ctx), ShouldEqual, "244ab1fb-b08d-1dcc-d02d-bee6f5236ced")
		})
	})
}

func TestGatewayUUIDCached(t *testing.T) {
	Convey("Given the gateway UUID", t, func() {
		ctx := &log.Logger{Handler: discard.New(), Level: log.DebugLevel}

		Convey("Repeated calls should return the same value", func() {
			first := GatewayUUID(ctx)
			So(first, ShouldNotBeEmpty)
			So(GatewayUUID(ctx), ShouldEqual, first)
		})
	})
}
