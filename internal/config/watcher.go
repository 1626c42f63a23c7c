package config

import (
	"sync"
	"sync/atomic"

	"github.com/Shugur-Network/inbox-relay/internal/logger"
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Watcher holds the current Config and swaps it when the config file
// changes. A changed file that fails validation is logged and ignored.
type Watcher struct {
	v       *viper.Viper
	current atomic.Pointer[Config]
	log     *zap.Logger

	mu        sync.Mutex
	listeners []func(old, updated *Config)
}

// NewWatcher wraps an already loaded Config. path is the file the config
// came from, empty when only defaults and env were used.
func NewWatcher(path string, cfg *Config) (*Watcher, error) {
	log := logger.New("config")
	v, err := newViper(path, nil)
	if err != nil {
		return nil, err
	}
	w := &Watcher{v: v, log: log}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the settings in force.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Provider exposes Current as a Provider.
func (w *Watcher) Provider() Provider {
	return w.Current
}

// OnChange registers fn to run after every accepted reload.
func (w *Watcher) OnChange(fn func(old, updated *Config)) {
	w.mu.Lock()
	w.listeners = append(w.listeners, fn)
	w.mu.Unlock()
}

// Watch starts watching the config file. It does nothing when no file is
// in use.
func (w *Watcher) Watch() {
	if w.v.ConfigFileUsed() == "" {
		w.log.Debug("no config file in use, hot reload disabled")
		return
	}
	w.v.OnConfigChange(func(e fsnotify.Event) {
		w.reload(e.Name)
	})
	w.v.WatchConfig()
	w.log.Info("watching config file", zap.String("file", w.v.ConfigFileUsed()))
}

func (w *Watcher) reload(name string) {
	updated, err := decode(w.v)
	if err != nil {
		w.log.Warn("ignoring invalid config change", zap.String("file", name), zap.Error(err))
		return
	}
	w.apply(updated)
}

// apply swaps in updated and notifies listeners.
func (w *Watcher) apply(updated *Config) {
	old := w.current.Swap(updated)

	if old == nil || old.Logging.Level != updated.Logging.Level {
		if err := logger.UpdateLevel(updated.Logging.Level); err != nil {
			w.log.Warn("failed to update log level", zap.Error(err))
		}
	}

	w.mu.Lock()
	listeners := append([]func(old, updated *Config){}, w.listeners...)
	w.mu.Unlock()
	for _, fn := range listeners {
		fn(old, updated)
	}
	w.log.Info("configuration reloaded")
}
