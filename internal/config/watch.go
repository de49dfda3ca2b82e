package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	logging "github.com/ipfs/go-log/v2"
)

var log = logging.Logger("config")

// Watch reloads the config file whenever it changes on disk and delivers the
// new value to onChange. Invalid edits are logged and skipped — the last
// good config stays in effect. Intended for live updates to the ICE server
// list; the caller decides which fields it honours at runtime.
//
// Editors replace files rather than writing in place, so the watch is on the
// parent directory and filtered by name.
func Watch(ctx context.Context, path string, onChange func(Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return err
	}

	go func() {
		defer w.Close()

		// Debounce: editors fire several events per save.
		var pending *time.Timer
		reload := func() {
			cfg, err := Load(path)
			if err != nil {
				log.Warnf("config reload skipped: %v", err)
				return
			}
			log.Infof("config reloaded from %s", path)
			onChange(cfg)
		}

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if pending != nil {
					pending.Stop()
				}
				pending = time.AfterFunc(200*time.Millisecond, reload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warnf("config watcher: %v", err)
			}
		}
	}()

	return nil
}
