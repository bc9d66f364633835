package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"go.olrik.dev/camwarden/internal/core"
	"go.olrik.dev/camwarden/internal/tunnel"
)

const reloadDebounce = 500 * time.Millisecond

// reloadConfig loads the config file and publishes it. On a parse error the
// previous snapshot stays in place.
func (d *Daemon) reloadConfig() error {
	old := d.holder.Current()
	path := filepath.Join(old.ConfigPath, core.ConfigFileName)

	cfg, err := core.LoadConfig(path)
	if err != nil {
		d.logger.Error("Configuration file has errors, keeping previous configuration", "file", path, "error", err)
		return err
	}
	cfg.ConfigPath = old.ConfigPath
	if old.Verbose > cfg.Verbose {
		cfg.Verbose = old.Verbose
	}

	d.holder.Replace(cfg)
	d.publishConfig(cfg)
	d.logger.Info("Configuration reloaded")

	if cfg.TunnelTargetsChanged(old) {
		d.applyTunnelChange(old, cfg)
	}
	return nil
}

// applyTunnelChange brings the tunnels in line with a new configuration.
func (d *Daemon) applyTunnelChange(old, cfg *core.Configuration) {
	active := d.tunnelsActive()
	ctx, cancel := context.WithTimeout(d.ctx, commandTimeout)
	defer cancel()

	switch {
	case active && !cfg.Tunnel.Enabled:
		d.logger.Info("Tunnels disabled in configuration, disconnecting")
		if err := d.broker.Disconnect(ctx); err != nil {
			d.logger.Warn("Failed to disconnect tunnels", "error", err)
		}
	case active:
		d.logger.Info("Tunnel targets changed, restarting tunnels")
		if err := d.broker.RestartTunnels(ctx); err != nil {
			d.logger.Warn("Failed to restart tunnels", "error", err)
		}
	case cfg.Tunnel.Enabled && cfg.Tunnel.Autoconnect && !old.Tunnel.Enabled:
		d.logger.Info("Tunnels enabled in configuration, connecting")
		if err := d.broker.Connect(ctx); err != nil {
			d.logger.Warn("Failed to connect tunnels", "error", err)
		}
	}
}

func (d *Daemon) tunnelsActive() bool {
	for _, s := range d.broker.Sessions() {
		if s.Status != tunnel.Disconnected || s.WillReconnect {
			return true
		}
	}
	return false
}

// watchConfig reloads the configuration when config.hcl changes. The
// directory is watched so that editors replacing the file atomically are
// picked up too.
func (d *Daemon) watchConfig() {
	dir := d.holder.Current().ConfigPath
	if dir == "" {
		return
	}
	target := filepath.Join(dir, core.ConfigFileName)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		d.logger.Error("Failed to create config file watcher", "error", err)
		return
	}
	if err := watcher.Add(dir); err != nil {
		d.logger.Error("Failed to watch config directory", "error", err, "path", dir)
		watcher.Close()
		return
	}

	var (
		mu    sync.Mutex
		timer *time.Timer
	)

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-d.ctx.Done():
				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				mu.Unlock()
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				d.logger.Debug("Config file change detected", "event", event.Op.String())

				mu.Lock()
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					if d.ctx.Err() != nil {
						return
					}
					if err := d.reloadConfig(); err != nil {
						d.logger.Debug("Config reload failed", "error", err)
					}
				})
				mu.Unlock()

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				d.logger.Error("Config file watcher error", "error", err)
			}
		}
	}()

	d.logger.Info(fmt.Sprintf("Watching %s for changes", target))
}
