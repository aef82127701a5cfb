// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package status

import (
	"encoding/json"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/apex/log"
	"github.com/apex/log/handlers/discard"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/mlinux-apps/lora-mqtt-bridge/bridge"
)

func TestStatusWriter(t *testing.T) {
	Convey("Given a status writer", t, func() {
		ctx := &log.Logger{Handler: discard.New(), Level: log.DebugLevel}
		dir, err := ioutil.TempDir("", "status")
		So(err, ShouldBeNil)
		Reset(func() { os.RemoveAll(dir) })

		snapshot := bridge.Status{
			Running: true,
			Local:   bridge.LocalStatus{Connected: true, Host: "localhost", Port: 1883},
			Remotes: map[string]bridge.RemoteStatus{
				"cloud":  {Connected: true},
				"backup": {Connected: false, QueueSize: 3},
			},
			Forwarded: 42,
		}
		writer := NewWriter(ctx, dir, time.Hour, func() bridge.Status { return snapshot })

		Convey("Start should write status.json immediately", func() {
			writer.Start()
			defer writer.Stop()

			data, err := ioutil.ReadFile(filepath.Join(dir, "status.json"))
			So(err, ShouldBeNil)

			var status struct {
				PID     string `json:"pid"`
				AppInfo string `json:"AppInfo"`
			}
			So(json.Unmarshal(data, &status), ShouldBeNil)

			Convey("The pid should be the process id", func() {
				So(status.PID, ShouldEqual, strconv.Itoa(os.Getpid()))
			})
			Convey("The app info should summarize the bridge", func() {
				So(status.AppInfo, ShouldStartWith, "Local:OK | Remote:1/2 | Msgs:42 @ ")
				So(len(status.AppInfo), ShouldBeLessThanOrEqualTo, 160)
			})
		})

		Convey("Recorded errors should appear in the status line", func() {
			for i := 0; i < 7; i++ {
				writer.AddError("boom")
			}
			So(writer.appInfo(), ShouldContainSubstring, "Errs:5")

			Convey("And clearing them should remove the marker", func() {
				writer.ClearErrors()
				So(writer.appInfo(), ShouldNotContainSubstring, "Errs:")
			})
		})

		Convey("Stop should leave a final Stopped status", func() {
			writer.Start()
			writer.Stop()

			data, err := ioutil.ReadFile(filepath.Join(dir, "status.json"))
			So(err, ShouldBeNil)
			So(string(data), ShouldContainSubstring, `"AppInfo":"Stopped"`)
		})
	})
}
