// Copyright © 2024 The lora-mqtt-bridge Authors
// Use of this source code is governed by the MIT license that can be found in the LICENSE file.

package config

import (
	"github.com/apex/log"
	"github.com/fsnotify/fsnotify"
)

// Watcher reloads the configuration file when it is written to
type Watcher struct {
	ctx      log.Interface
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)
}

// Watch starts watching the configuration file. The onChange callback is
// called with the freshly loaded configuration after every write; writes that
// produce an unparseable file are logged and skipped.
func Watch(ctx log.Interface, path string, onChange func(*Config)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(path); err != nil {
		watcher.Close()
		return nil, err
	}
	w := &Watcher{
		ctx:      ctx.WithField("File", path),
		path:     path,
		watcher:  watcher,
		onChange: onChange,
	}
	go w.run()
	return w, nil
}

func (w *Watcher) run() {
	for e := range w.watcher.Events {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			continue
		}
		// editors that replace the file drop the watch with it
		w.watcher.Add(w.path)
		config, err := Load(w.ctx, w.path)
		if err != nil {
			w.ctx.WithError(err).Warn("Could not reload configuration")
			continue
		}
		w.ctx.Info("Configuration reloaded")
		w.onChange(config)
	}
}

// Close stops watching the configuration file
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
