// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
)

// FSWatcher keeps the configuration of one file up to date. The directory
// holding the file is watched rather than the file itself so that editors
// and config management tools replacing the file by rename are noticed.
type FSWatcher struct {
	mu      sync.RWMutex
	current Update

	path    string
	watcher *fsnotify.Watcher
	logger  logr.Logger
	done    chan struct{}
	wg      sync.WaitGroup
	subs    subscriptions

	closeOnce sync.Once
	closeErr  error
}

// NewFSWatcher loads path and starts watching it. The initial load must
// succeed.
func NewFSWatcher(path string, logger logr.Logger) (*FSWatcher, error) {
	fsLogger := logger.WithName("config.watcher.fs")

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path: %w", err)
	}

	cfg, err := Load(abs)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create filesystem watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		if cerr := watcher.Close(); cerr != nil {
			fsLogger.Error(cerr, "failed to close fs watcher")
		}
		return nil, fmt.Errorf("failed to watch config directory: %w", err)
	}

	fw := &FSWatcher{
		current: Update{Path: abs, Config: cfg, Status: StatusOK},
		path:    abs,
		watcher: watcher,
		logger:  fsLogger,
		done:    make(chan struct{}),
	}

	fw.wg.Add(1)
	go fw.processEvents()

	fsLogger.V(1).Info("watching config file", "path", abs)
	return fw, nil
}

// Current returns the last valid configuration.
func (fw *FSWatcher) Current() Config {
	fw.mu.RLock()
	defer fw.mu.RUnlock()
	return fw.current.Config
}

// Watch returns a channel receiving every reload, starting with the current
// configuration. The channel is closed by Close.
func (fw *FSWatcher) Watch() <-chan Update {
	ch := fw.subs.add()
	if ch == nil {
		return nil
	}

	fw.mu.RLock()
	ch <- fw.current
	fw.mu.RUnlock()
	return ch
}

// Close stops watching and closes every subscription. Later calls return
// the result of the first.
func (fw *FSWatcher) Close() error {
	fw.closeOnce.Do(func() {
		close(fw.done)
		fw.wg.Wait()
		fw.subs.close()
		fw.closeErr = fw.watcher.Close()
	})
	return fw.closeErr
}

func (fw *FSWatcher) processEvents() {
	defer fw.wg.Done()
	for {
		select {
		case <-fw.done:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			fw.handleEvent(event)
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.logger.Error(err, "filesystem watcher error")
		}
	}
}

func (fw *FSWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != fw.path {
		return
	}

	fw.logger.V(1).Info("received file event", "file", event.Name, "op", event.Op)

	if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
		fw.reload()
	}
}

func (fw *FSWatcher) reload() {
	cfg, err := Load(fw.path)

	fw.mu.Lock()
	if err != nil {
		fw.logger.Error(err, "failed to reload config file, keeping previous config", "path", fw.path)
		fw.current.Status = StatusInvalid
		fw.current.Err = err
	} else {
		fw.logger.Info("config reloaded", "path", fw.path)
		fw.current = Update{Path: fw.path, Config: cfg, Status: StatusOK}
	}
	u := fw.current
	fw.mu.Unlock()

	// Always send, even if invalid.
	fw.subs.send(u)
}
