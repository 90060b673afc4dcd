package config

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// ReloadFunc receives every successfully reloaded configuration
type ReloadFunc func(cfg *Config)

// Watcher re-reads the configuration and its override file on SIGUSR1 and,
// when enabled, whenever the main config file changes on disk.
type Watcher struct {
	path    string
	apply   ReloadFunc
	mu      sync.Mutex
	current *Config
}

// NewWatcher creates a watcher for the config file at path
func NewWatcher(path string, initial *Config, apply ReloadFunc) *Watcher {
	return &Watcher{
		path:    path,
		apply:   apply,
		current: initial,
	}
}

// Current returns the most recently applied configuration
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Reload loads and validates the configuration, then hands it to the reload
// callback. The previous configuration stays active when loading fails.
func (w *Watcher) Reload() error {
	cfg, err := LoadConfig(w.path)
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	if w.apply != nil {
		w.apply(cfg)
	}
	return nil
}

// Run handles reload triggers until ctx is cancelled
func (w *Watcher) Run(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGUSR1)
	defer signal.Stop(sigCh)

	if w.Current().Watch && w.path != "" {
		w.watchFile()
	}

	for {
		select {
		case <-ctx.Done():
			return
		case sig := <-sigCh:
			log.Info().Str("signal", sig.String()).Msg("Signal received, applying config overrides")
			if err := w.Reload(); err != nil {
				log.Error().Err(err).Msg("Config reload failed, keeping current config")
			}
		}
	}
}

func (w *Watcher) watchFile() {
	v := viper.New()
	v.SetConfigFile(w.path)
	if err := v.ReadInConfig(); err != nil {
		log.Warn().Err(err).Str("path", w.path).Msg("Cannot watch config file")
		return
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Str("op", e.Op.String()).Msg("Config file changed")
		if err := w.Reload(); err != nil {
			log.Error().Err(err).Msg("Config reload failed, keeping current config")
		}
	})
	v.WatchConfig()
	log.Info().Str("path", w.path).Msg("Watching config file for changes")
}
