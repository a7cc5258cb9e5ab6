package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch re-reads v's config file whenever it is written and passes the new
// settings to fn. Invalid edits are reported through onErr and otherwise
// ignored, so a typo never stops a running session. It returns when ctx is
// done. Without a config file in use there is nothing to watch.
func Watch(ctx context.Context, v *viper.Viper, fn func(Settings), onErr func(error)) error {
	path := v.ConfigFileUsed()
	if path == "" {
		return nil
	}
	if onErr == nil {
		onErr = func(error) {}
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	defer watcher.Close()

	// Editors often replace the file, so watch the directory.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watching config dir: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if err := v.ReadInConfig(); err != nil {
				onErr(fmt.Errorf("reloading config: %w", err))
				continue
			}
			s, err := Load(v)
			if err != nil {
				onErr(fmt.Errorf("reloaded config is invalid: %w", err))
				continue
			}
			fn(s)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("config watcher error: %w", err)
		}
	}
}
