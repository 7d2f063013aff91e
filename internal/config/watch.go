package config

import (
	"fmt"
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch loads the config and re-decodes it whenever the file changes on
// disk. onChange receives the new config only when it validates without
// fatals; otherwise the previous config stays in effect.
func Watch(cfgFile string, onChange func(*Config)) (*Config, error) {
	v := newViper(cfgFile)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			slog.Warn("config reload failed", "file", e.Name, "error", err.Error())
			return
		}
		if res := next.ValidateTiered(); res.HasFatals() {
			slog.Warn("config reload rejected", "file", e.Name, "error", res.Err().Error())
			return
		}
		slog.Info("config reloaded", "file", e.Name)
		onChange(next)
	})
	v.WatchConfig()
	return cfg, nil
}
