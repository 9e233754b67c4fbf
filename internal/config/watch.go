package config

import (
	"context"
	"errors"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	appLog "icspoll/internal/log"
)

// watchDebounce absorbs the burst of events editors produce on save.
var watchDebounce = 250 * time.Millisecond

// Watch reloads path whenever it changes on disk and hands every valid,
// changed config to onChange. Files that fail to parse or validate are
// logged and ignored, so the caller keeps running on its last good
// config. Watch blocks until ctx is done; once it returns, onChange is
// never called again.
func Watch(ctx context.Context, path string, onChange func(*Config)) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	dir := filepath.Dir(path)
	file := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	appLog.Debug("config watcher started", "dir", dir, "file", file)

	var (
		mu       sync.Mutex
		timer    *time.Timer
		lastHash uint64
		// applyMu serializes onChange with shutdown; once closed is set no
		// further onChange runs.
		applyMu sync.Mutex
		closed  bool
	)
	if b, err := os.ReadFile(path); err == nil {
		lastHash = hashBytes(b)
	}

	reload := func() {
		b, err := os.ReadFile(path)
		if err != nil {
			appLog.Warn("config reload: read failed", "path", path, "err", err.Error())
			return
		}
		h := hashBytes(b)

		mu.Lock()
		unchanged := h == lastHash
		mu.Unlock()
		if unchanged {
			appLog.Debug("config unchanged; skipping reload", "path", path)
			return
		}

		cfg, err := parse(b)
		if err != nil {
			appLog.Warn("config reload: parse failed", "path", path, "err", err.Error())
			return
		}
		if err := cfg.Validate(); err != nil {
			appLog.Warn("config reload: rejected", "path", path, "err", err.Error())
			return
		}

		mu.Lock()
		lastHash = h
		mu.Unlock()

		applyMu.Lock()
		defer applyMu.Unlock()
		if closed || ctx.Err() != nil {
			return
		}
		appLog.Info("config reloaded", "path", path, "sources", len(cfg.Sources))
		onChange(cfg)
	}

	debounce := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(watchDebounce, reload)
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
		// Waits for an in-flight onChange.
		applyMu.Lock()
		closed = true
		applyMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("config watcher closed")
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("config watcher closed")
			}
			appLog.Warn("config watcher error", "err", err.Error())
		}
	}
}

func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
