package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/tliron/commonlog"
)

var log = commonlog.GetLogger("oopjit.config")

// settleDelay lets an editor finish writing before the file is reread.
const settleDelay = 10 * time.Millisecond

// Watch calls onChange with the reloaded configuration each time the file
// at path is written. Reload errors are logged and the change skipped.
// The returned function stops watching.
func Watch(path string, onChange func(*Config)) (func(), error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	// editors often replace the file, so watch its directory
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	abs, _ := filepath.Abs(path)

	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if p, _ := filepath.Abs(ev.Name); p != abs || !ev.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				// flush the burst of events a single save produces
			drain:
				for {
					time.Sleep(settleDelay)
					select {
					case <-watcher.Events:
					default:
						break drain
					}
				}
				c, err := LoadFile(path)
				if err != nil {
					log.Warningf("reload %s: %s", path, err)
					continue
				}
				onChange(c)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warningf("watch %s: %s", path, err)
			case <-done:
				return
			}
		}
	}()
	return func() {
		close(done)
		watcher.Close()
	}, nil
}
