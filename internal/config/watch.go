package config

import (
	"fmt"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Watcher re-validates the bound viper instance whenever its config file
// changes on disk, grounded on kehao95-quine's fsnotify watch-loop idiom.
// A reload that fails validation is logged and discarded — the previously
// loaded Config keeps serving.
type Watcher struct {
	log *zap.Logger
	v   *viper.Viper

	onReload func(*Config)
}

// NewWatcher wires fsnotify to v via viper's own OnConfigChange hook. It is
// a no-op if v has no config file set.
func NewWatcher(log *zap.Logger, v *viper.Viper, onReload func(*Config)) *Watcher {
	w := &Watcher{log: log.Named("config-watcher"), v: v, onReload: onReload}

	v.OnConfigChange(func(e fsnotify.Event) {
		w.log.Info("config file changed, reloading", zap.String("path", e.Name), zap.String("op", e.Op.String()))

		cfg, err := Load(v)
		if err != nil {
			w.log.Warn("reload rejected, keeping previous config", zap.Error(err))
			return
		}
		if w.onReload != nil {
			w.onReload(cfg)
		}
	})
	v.WatchConfig()

	return w
}

// Reload forces an immediate re-read of the config file, returning the new
// Config without waiting for a filesystem event.
func (w *Watcher) Reload() (*Config, error) {
	if err := w.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("re-read config: %w", err)
	}
	return Load(w.v)
}
