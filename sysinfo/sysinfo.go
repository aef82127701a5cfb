// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package sysinfo reads gateway identity from the system.
package sysinfo

import (
	"context"
	"io/ioutil"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// UUIDPaths are the sysfs locations that may hold the gateway UUID
var UUIDPaths = []string{
	"/sys/devices/platform/mts-io/uuid",
	"/sys/class/dmi/id/product_uuid",
}

var (
	gatewayUUIDOnce sync.Once
	gatewayUUID     string
)

// GatewayUUID returns the UUID of the gateway this bridge runs on. The
// BRIDGE_GATEWAY_UUID environment variable takes precedence; after that it
// tries the sysfs locations, then the mts-io-sysfs tool, then
// /etc/machine-id, and finally a random UUID. The result is cached for the
// lifetime of the process.
func GatewayUUID(ctx log.Interface) string {
	gatewayUUIDOnce.Do(func() {
		gatewayUUID = readGatewayUUID(ctx)
	})
	return gatewayUUID
}

func readGatewayUUID(ctx log.Interface) string {
	if raw := strings.TrimSpace(os.Getenv("BRIDGE_GATEWAY_UUID")); raw != "" {
		formatted := formatUUID(ctx, raw)
		ctx.WithField("Source", "env").WithField("UUID", formatted).Info("Got gateway UUID")
		return formatted
	}
	for _, path := range UUIDPaths {
		data, err := ioutil.ReadFile(path)
		if err != nil {
			continue
		}
		if raw := strings.TrimSpace(string(data)); raw != "" {
			formatted := formatUUID(ctx, raw)
			ctx.WithField("Source", path).WithField("UUID", formatted).Info("Got gateway UUID")
			return formatted
		}
	}
	cmdCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(cmdCtx, "mts-io-sysfs", "show", "uuid").Output()
	if err == nil {
		if raw := strings.TrimSpace(string(out)); raw != "" {
			formatted := formatUUID(ctx, raw)
			ctx.WithField("Source", "mts-io-sysfs").WithField("UUID", formatted).Info("Got gateway UUID")
			return formatted
		}
	}
	if data, err := ioutil.ReadFile("/etc/machine-id"); err == nil {
		if raw := strings.TrimSpace(string(data)); raw != "" {
			formatted := formatUUID(ctx, raw)
			ctx.WithField("Source", "/etc/machine-id").WithField("UUID", formatted).Info("Got gateway UUID")
			return formatted
		}
	}
	generated := uuid.New().String()
	ctx.WithField("UUID", generated).Warn("Could not determine gateway UUID, generated one")
	return generated
}

// formatUUID normalizes a raw 32 hex character UUID to the dashed 8-4-4-4-12
// form. Values of any other length are lowercased and returned as-is.
func formatUUID(ctx log.Interface, raw string) string {
	clean := strings.ToLower(strings.Replace(strings.TrimSpace(raw), "-", "", -1))
	if len(clean) != 32 {
		ctx.WithField("Length", len(clean)).Warn("Gateway UUID has unexpected length")
		return strings.ToLower(raw)
	}
	return clean[:8] + "-" + clean[8:12] + "-" + clean[12:16] + "-" + clean[16:20] + "-" + clean[20:]
}
