// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package main

import "github.com/mlinux-apps/lora-mqtt-bridge/cmd"

func main() {
	cmd.Execute()
}
