package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	vterrors "github.com/catherinevee/vtagger/internal/shared/errors"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "VTAGGER_"

// Config is the complete vtagger configuration.
type Config struct {
	DatabasePath string   `yaml:"database_path" validate:"required"`
	APIHost      string   `yaml:"api_host"`
	APIPort      int      `yaml:"api_port" validate:"gte=0,lte=65535"`
	CORSOrigins  []string `yaml:"cors_origins"`

	UmbrellaAPIBase string `yaml:"umbrella_api_base" validate:"required,url"`
	TokenBrokerURL  string `yaml:"token_broker_url" validate:"omitempty,url"`

	// Upstream credentials come from the environment only; they are never
	// written back to the config file.
	Username string `yaml:"-"`
	Password string `yaml:"-"`

	OutputDir     string `yaml:"output_dir" validate:"required"`
	BatchSize     int    `yaml:"batch_size" validate:"gt=0"`
	RetentionDays int    `yaml:"retention_days" validate:"gt=0"`
	MasterKey     string `yaml:"master_key,omitempty"`

	Logging LoggingSettings `yaml:"logging"`
}

// LoggingSettings controls the zerolog setup.
type LoggingSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Default returns the baseline configuration before file and env overrides.
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		DatabasePath:    filepath.Join(home, ".vtagger", "vtagger.db"),
		APIHost:         "0.0.0.0",
		APIPort:         8000,
		CORSOrigins:     []string{"http://localhost:3000", "http://127.0.0.1:3000"},
		UmbrellaAPIBase: "https://api.umbrellacost.io/api",
		OutputDir:       filepath.Join(home, ".vtagger", "output"),
		BatchSize:       1000,
		RetentionDays:   90,
		Logging: LoggingSettings{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
	}
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".vtagger", "config.yaml")
}

// Load reads the config file (if present), applies environment overrides and
// validates the result. A missing file is not an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, vterrors.Wrap(err, vterrors.KindConfig,
				fmt.Sprintf("malformed config file %s", path))
		}
	case os.IsNotExist(err):
		// defaults + env only
	default:
		return nil, vterrors.Wrap(err, vterrors.KindConfig,
			fmt.Sprintf("cannot read config file %s", path))
	}

	applyEnv(cfg)

	if err := validator.New().Struct(cfg); err != nil {
		return nil, vterrors.Wrap(err, vterrors.KindConfig, "invalid configuration")
	}
	return cfg, nil
}

// applyEnv overlays VTAGGER_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	if v := envStr("DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := envStr("API_HOST"); v != "" {
		cfg.APIHost = v
	}
	if v, ok := envInt("API_PORT"); ok {
		cfg.APIPort = v
	}
	if v := envStr("CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitList(v)
	}
	if v := envStr("UMBRELLA_API_BASE"); v != "" {
		cfg.UmbrellaAPIBase = v
	}
	if v := envStr("TOKEN_BROKER_URL"); v != "" {
		cfg.TokenBrokerURL = v
	}
	if v := envStr("USERNAME"); v != "" {
		cfg.Username = v
	}
	if v := envStr("PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := envStr("OUTPUT_DIR"); v != "" {
		cfg.OutputDir = v
	}
	if v, ok := envInt("BATCH_SIZE"); ok {
		cfg.BatchSize = v
	}
	if v, ok := envInt("RETENTION_DAYS"); ok {
		cfg.RetentionDays = v
	}
	if v := envStr("MASTER_KEY"); v != "" {
		cfg.MasterKey = v
	}
	if v := envStr("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := envStr("LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func envStr(key string) string {
	return os.Getenv(EnvPrefix + key)
}

func envInt(key string) (int, bool) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Manager owns a loaded config and reloads it when the file changes.
type Manager struct {
	mu        sync.RWMutex
	path      string
	config    *Config
	watcher   *fsnotify.Watcher
	callbacks []func(*Config)
	done      chan struct{}
}

// NewManager loads the config and returns a manager around it.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	if path == "" {
		path = DefaultPath()
	}
	return &Manager{path: path, config: cfg, done: make(chan struct{})}, nil
}

// Get returns the current config snapshot.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// OnReload registers a callback invoked after a successful reload.
func (m *Manager) OnReload(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// Watch starts watching the config file for changes. A reload that fails
// validation keeps the previous config.
func (m *Manager) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return vterrors.Wrap(err, vterrors.KindConfig, "cannot start config watcher")
	}
	m.watcher = watcher

	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return vterrors.Wrap(err, vterrors.KindConfig, "cannot watch config directory")
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != m.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(m.path)
				if err != nil {
					continue
				}
				m.mu.Lock()
				m.config = cfg
				callbacks := append([]func(*Config){}, m.callbacks...)
				m.mu.Unlock()
				for _, fn := range callbacks {
					fn(cfg)
				}
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			case <-m.done:
				return
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (m *Manager) Close() {
	close(m.done)
	if m.watcher != nil {
		m.watcher.Close()
	}
}
