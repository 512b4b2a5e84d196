package config

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
)

// Manager owns the live configuration snapshot. Readers call Current and get
// an immutable *Config; Reload parses the file and swaps the pointer, so
// in-flight requests keep the snapshot they started with.
type Manager struct {
	path string
	snap atomic.Pointer[Config]
}

// NewManager loads the config at path and returns a manager for it.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	m := &Manager{path: path}
	m.snap.Store(cfg)
	return m, nil
}

// Current returns the active snapshot.
func (m *Manager) Current() *Config {
	return m.snap.Load()
}

// Reload re-reads the config file and swaps it in. A file that fails to
// parse or validate leaves the previous snapshot serving.
func (m *Manager) Reload() (*Config, error) {
	cfg, err := Load(m.path)
	if err != nil {
		return nil, err
	}
	m.snap.Store(cfg)
	return cfg, nil
}

// WatchSIGHUP reloads on SIGHUP until ctx is done, invoking onReload with
// each successfully installed snapshot.
func (m *Manager) WatchSIGHUP(ctx context.Context, onReload func(*Config)) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	defer signal.Stop(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			cfg, err := m.Reload()
			if err != nil {
				slog.Error("config reload failed, keeping previous", "err", err)
				continue
			}
			slog.Info("config reloaded", "path", m.path)
			if onReload != nil {
				onReload(cfg)
			}
		}
	}
}
