// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

// Package status periodically writes a status.json file that the mPower
// app-manager reads to display application status in the web UI and DeviceHQ.
package status

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/mlinux-apps/lora-mqtt-bridge/bridge"
)

// DefaultInterval between status file updates
var DefaultInterval = 5 * time.Second

// maxAppInfoLength is the longest AppInfo the mPower UI displays
const maxAppInfoLength = 160

// maxErrors kept for the status line
const maxErrors = 5

type statusFile struct {
	PID     string `json:"pid"`
	AppInfo string `json:"AppInfo"`
}

// Writer periodically snapshots the bridge and writes status.json
type Writer struct {
	ctx      log.Interface
	path     string
	interval time.Duration
	snapshot func() bridge.Status

	mu     sync.Mutex
	errors []string
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewWriter sets up a status writer. dir defaults to the APP_DIR environment
// variable and falls back to the working directory.
func NewWriter(ctx log.Interface, dir string, interval time.Duration, snapshot func() bridge.Status) *Writer {
	if dir == "" {
		dir = os.Getenv("APP_DIR")
	}
	if dir == "" {
		dir = "."
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Writer{
		ctx:      ctx,
		path:     filepath.Join(dir, "status.json"),
		interval: interval,
		snapshot: snapshot,
	}
}

// Start begins writing the status file periodically
func (w *Writer) Start() {
	w.mu.Lock()
	if w.done != nil {
		w.mu.Unlock()
		return
	}
	w.done = make(chan struct{})
	done := w.done
	w.mu.Unlock()
	w.ctx.WithField("File", w.path).Info("Status writer started")
	w.write(w.appInfo())
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				w.write(w.appInfo())
			}
		}
	}()
}

// Stop stops the periodic updates and writes a final "Stopped" status
func (w *Writer) Stop() {
	w.mu.Lock()
	done := w.done
	w.done = nil
	w.mu.Unlock()
	if done == nil {
		return
	}
	close(done)
	w.wg.Wait()
	w.write("Stopped")
	w.ctx.Info("Status writer stopped")
}

// AddError records an error for the status line. Only the most recent five
// are kept.
func (w *Writer) AddError(err string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errors = append(w.errors, err)
	if len(w.errors) > maxErrors {
		w.errors = w.errors[len(w.errors)-maxErrors:]
	}
}

// ClearErrors clears the recorded errors
func (w *Writer) ClearErrors() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.errors = nil
}

// appInfo builds the one-line status message, truncated to what the mPower
// UI can display.
func (w *Writer) appInfo() string {
	status := w.snapshot()
	localStatus := "Local:DISC"
	if status.Local.Connected {
		localStatus = "Local:OK"
	}
	remoteStatus := "Remote:none"
	if len(status.Remotes) > 0 {
		connected := 0
		for _, remote := range status.Remotes {
			if remote.Connected {
				connected++
			}
		}
		remoteStatus = fmt.Sprintf("Remote:%d/%d", connected, len(status.Remotes))
	}
	info := localStatus + " | " + remoteStatus
	if status.Forwarded > 0 {
		info += fmt.Sprintf(" | Msgs:%d", status.Forwarded)
	}
	w.mu.Lock()
	errors := len(w.errors)
	w.mu.Unlock()
	if errors > 0 {
		info += fmt.Sprintf(" | Errs:%d", errors)
	}
	info += " @ " + time.Now().Format("15:04:05")
	if len(info) > maxAppInfoLength {
		info = info[:maxAppInfoLength]
	}
	return info
}

// write writes the status file atomically via a temp file and rename
func (w *Writer) write(appInfo string) {
	data, err := json.Marshal(statusFile{
		PID:     strconv.Itoa(os.Getpid()),
		AppInfo: appInfo,
	})
	if err != nil {
		w.ctx.WithError(err).Warn("Could not encode status")
		return
	}
	temp := w.path + ".tmp"
	if err := ioutil.WriteFile(temp, data, 0644); err != nil {
		w.ctx.WithError(err).Warn("Could not write status file")
		return
	}
	if err := os.Rename(temp, w.path); err != nil {
		w.ctx.WithError(err).Warn("Could not replace status file")
	}
}
