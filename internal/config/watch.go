package config

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

// reloadDebounce absorbs the burst of events editors emit on save
const reloadDebounce = 250 * time.Millisecond

// Watch reloads f whenever its file changes and calls onChange with the new
// settings. It watches the parent directory so atomic replace-on-save works.
// Watch returns once ctx is done.
func Watch(ctx context.Context, f *FileSettings, onChange func(*FileSettings)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	target := filepath.Clean(f.Path())
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return err
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(reloadDebounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})

		case <-reload:
			if err := f.Reload(); err != nil {
				log.Warn().Err(err).Str("path", target).Msg("Failed to reload config file")
				continue
			}
			log.Info().Str("path", target).Msg("Config file reloaded")
			onChange(f)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("Config watcher error")
		}
	}
}
