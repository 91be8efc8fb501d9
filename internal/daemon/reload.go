package daemon

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/cloudconnect/tunneld/internal/core"
	"github.com/cloudconnect/tunneld/internal/supervisor"
)

const reloadDebounce = 500 * time.Millisecond

// reloadConfig re-reads the config file and applies the settings that can
// change at runtime: ssh options and log level. Everything else needs a
// daemon restart.
func (d *Daemon) reloadConfig() error {
	configPath := filepath.Join(d.cfg.ConfigPath, core.ConfigFileName)
	newConfig, err := core.LoadConfigOrDefault(d.cfg.ConfigPath)
	if err != nil {
		slog.Error("Configuration file has errors, keeping previous configuration",
			"file", configPath,
			"error", err)
		return fmt.Errorf("config parse error: %w", err)
	}
	newConfig.ConfigPath = d.cfg.ConfigPath

	d.sup.UpdateSSHOptions(supervisor.SSHOptionsFromConfig(newConfig))
	d.logLevel.Set(levelFor(newConfig.Verbose))

	if newConfig.API.Listen != d.cfg.API.Listen {
		slog.Warn("API listen address changed, restart the daemon to apply it")
	}
	d.cfg.SSH = newConfig.SSH
	d.cfg.Verbose = newConfig.Verbose
	return nil
}

// watchConfig reloads the configuration when the config file changes. The
// directory is watched so editors that replace the file atomically are
// still seen.
func (d *Daemon) watchConfig() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.Error("Failed to create config file watcher", "error", err)
		return
	}
	if err := watcher.Add(d.cfg.ConfigPath); err != nil {
		slog.Error("Failed to watch config directory", "error", err, "path", d.cfg.ConfigPath)
		watcher.Close()
		return
	}

	var reloadTimer *time.Timer
	var reloadMutex sync.Mutex

	d.background.Add(1)
	go func() {
		defer d.background.Done()
		defer watcher.Close()

		for {
			select {
			case <-d.ctx.Done():
				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadMutex.Unlock()
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) != core.ConfigFileName {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
					continue
				}
				slog.Debug("Config file change detected, will reload", "event", event.Op.String())

				reloadMutex.Lock()
				if reloadTimer != nil {
					reloadTimer.Stop()
				}
				reloadTimer = time.AfterFunc(reloadDebounce, func() {
					if d.ctx.Err() != nil {
						return
					}
					slog.Info("Configuration file changed, reloading...")
					if err := d.reloadConfig(); err == nil {
						slog.Info("Configuration reloaded successfully")
					}
				})
				reloadMutex.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config file watcher error", "error", err)
			}
		}
	}()

	slog.Info("Watching configuration file for changes")
}
