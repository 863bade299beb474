package arprox

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config is the top-level broker configuration: struct-tag defaults are
// applied first, then an optional YAML file overrides them.
type Config struct {
	Providers    []string      `yaml:"providers" validate:"required"`
	Judges       []string      `yaml:"judges" validate:"required"`
	DNSBLZones   []string      `yaml:"dnsbl_zones"`
	GeoIPPath    string        `yaml:"geoip_path"`
	Nameserver   string        `yaml:"nameserver" default:"8.8.8.8:53"`
	RescanEvery  time.Duration `yaml:"rescan_every" default:"180s"`
	MaxConcurrentProviders int  `yaml:"max_concurrent_providers" default:"3"`

	CheckTimeout  time.Duration `yaml:"check_timeout" default:"8s"`
	CheckMaxTries int           `yaml:"check_max_tries" default:"3"`
	StrictMode    bool          `yaml:"strict_mode"`

	PoolMinQueue         int `yaml:"pool_min_queue" default:"5"`
	PoolMaxSize          int `yaml:"pool_max_size" default:"500"`
	PoolMaxImportRetries int `yaml:"pool_max_import_retries" default:"3"`

	PoolMinReqProxy  int           `yaml:"pool_min_req_proxy" default:"5"`
	PoolMaxErrorRate float64       `yaml:"pool_max_error_rate" default:"0.5"`
	PoolMaxRespTime  time.Duration `yaml:"pool_max_resp_time" default:"8s"`

	ForwardAddr          string        `yaml:"forward_addr" default:":8080"`
	ForwardMaxTries      int           `yaml:"forward_max_tries" default:"3"`
	ForwardHistoryTTL    time.Duration `yaml:"forward_history_ttl" default:"10m"`
	ForwardPreferConnect bool          `yaml:"forward_prefer_connect"`

	DashboardAddr string `yaml:"dashboard_addr" default:":9090"`
}

// NewConfig returns a Config with every `default:"..."` tag applied and
// nothing else set. LoadConfig starts from the same defaults before
// overlaying a YAML file.
func NewConfig() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// LoadConfig reads the YAML file at path, applies it over the struct-tag
// defaults, and validates required fields — the same
// read-unmarshal-default-validate shape as mercator-hq/jupiter's
// pkg/config.LoadConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := NewConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrConfiguration, path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrConfiguration, path, err)
	}
	applyDefaults(cfg)
	if err := validateRequired(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigWatcher reloads a Config from disk whenever its source file
// changes, debounced, the pattern mercator-hq/jupiter's
// pkg/policy/manager.FileWatcher applies to policy files.
type ConfigWatcher struct {
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onChange func(*Config)
	log      *slog.Logger
}

// NewConfigWatcher creates a watcher for the file at path; Run adds path
// itself to fsnotify and calls onChange with the freshly reloaded Config
// after each debounced write or create event. Returns an error if the
// underlying fsnotify watcher cannot be created.
func NewConfigWatcher(path string, debounce time.Duration, onChange func(*Config)) (*ConfigWatcher, error) {
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config watcher: %w", err)
	}
	cw := &ConfigWatcher{path: path, watcher: w, debounce: debounce, onChange: onChange, log: slog.Default().With("component", "config")}
	return cw, nil
}

// Run watches for changes to the config file until ctx is cancelled.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	if err := w.watcher.Add(w.path); err != nil {
		return fmt.Errorf("%w: watch %s: %v", ErrConfiguration, w.path, err)
	}
	defer w.watcher.Close()

	var pending *time.Timer
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if evt.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(w.debounce, func() {
				cfg, err := LoadConfig(w.path)
				if err != nil {
					w.log.Warn("config reload failed", "err", err)
					return
				}
				w.onChange(cfg)
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("config watcher error", "err", err)
		}
	}
}
