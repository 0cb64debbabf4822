// Package config loads deskhost settings from TOML with viper. Every key has
// a default, and DESKHOST_<SECTION>_<KEY> environment variables override
// file values.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/deskhost/internal/dialog"
	"github.com/loykin/deskhost/internal/instance"
	"github.com/loykin/deskhost/internal/logger"
	"github.com/loykin/deskhost/internal/metrics"
	"github.com/loykin/deskhost/internal/window"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "DESKHOST"

// DefaultReadyMarker is the stdout line the bundled backend prints once it serves.
const DefaultReadyMarker = "APRS Legal Assistant API is running"

type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Backend BackendConfig `mapstructure:"backend"`
	Window  window.Config `mapstructure:"window"`
	Dialog  dialog.Config `mapstructure:"dialog"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	History HistoryConfig `mapstructure:"history"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	// File is the config file that was read, empty when running on defaults.
	File string `mapstructure:"-"`
}

type AppConfig struct {
	Name string `mapstructure:"name"`
	// Dir anchors the backend script; empty means the executable's directory.
	Dir         string `mapstructure:"dir"`
	StateDir    string `mapstructure:"state_dir"`
	QuitOnClose bool   `mapstructure:"quit_on_close"`
	Headless    bool   `mapstructure:"headless"`
}

type BackendConfig struct {
	Name               string        `mapstructure:"name"`
	Interpreter        string        `mapstructure:"interpreter"`
	InterpreterWindows string        `mapstructure:"interpreter_windows"`
	Script             string        `mapstructure:"script"`
	Args               []string      `mapstructure:"args"`
	WorkDir            string        `mapstructure:"work_dir"`
	Env                []string      `mapstructure:"env"`
	EnvFiles           []string      `mapstructure:"env_files"`
	UseOSEnv           bool          `mapstructure:"use_os_env"`
	ReadyMarker        string        `mapstructure:"ready_marker"`
	HealthURL          string        `mapstructure:"health_url"`
	HealthBody         string        `mapstructure:"health_body"`
	HealthCommand      string        `mapstructure:"health_command"`
	ProbeInterval      time.Duration `mapstructure:"probe_interval"`
	ReadyTimeout       time.Duration `mapstructure:"ready_timeout"`
	StopTimeout        time.Duration `mapstructure:"stop_timeout"`
	TailLines          int           `mapstructure:"tail_lines"`
	AutoStart          bool          `mapstructure:"auto_start"`
}

type ServerConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Listen      string `mapstructure:"listen"`
	BasePath    string `mapstructure:"base_path"`
	FrontendDir string `mapstructure:"frontend_dir"`
	// TokenAuth requires the instance token on /api routes. The in-window UI
	// uses bindings and is unaffected; a browser frontend served over HTTP is.
	TokenAuth bool `mapstructure:"token_auth"`
}

type LogConfig struct {
	Level  string        `mapstructure:"level"`
	Format string        `mapstructure:"format"`
	File   logger.Config `mapstructure:",squash"`
}

type HistoryConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Sinks   []string `mapstructure:"sinks"`
	Buffer  int      `mapstructure:"buffer"`
}

type MetricsConfig struct {
	Enabled   bool                   `mapstructure:"enabled"`
	Resources metrics.ResourceConfig `mapstructure:"resources"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "deskhost")
	v.SetDefault("app.dir", "")
	v.SetDefault("app.state_dir", "")
	v.SetDefault("app.quit_on_close", runtime.GOOS != "darwin")
	v.SetDefault("app.headless", false)

	v.SetDefault("backend.name", "backend")
	v.SetDefault("backend.interpreter", "python3")
	v.SetDefault("backend.interpreter_windows", "python")
	v.SetDefault("backend.script", filepath.Join("..", "backend", "main.py"))
	v.SetDefault("backend.args", []string{})
	v.SetDefault("backend.work_dir", "")
	v.SetDefault("backend.env", []string{})
	v.SetDefault("backend.env_files", []string{})
	v.SetDefault("backend.use_os_env", true)
	v.SetDefault("backend.ready_marker", DefaultReadyMarker)
	v.SetDefault("backend.health_url", "")
	v.SetDefault("backend.health_body", "")
	v.SetDefault("backend.health_command", "")
	v.SetDefault("backend.probe_interval", 500*time.Millisecond)
	v.SetDefault("backend.ready_timeout", time.Duration(0))
	v.SetDefault("backend.stop_timeout", 5*time.Second)
	v.SetDefault("backend.tail_lines", 200)
	v.SetDefault("backend.auto_start", true)

	v.SetDefault("window.title", "deskhost")
	v.SetDefault("window.url", "")
	v.SetDefault("window.width", 1200)
	v.SetDefault("window.height", 800)
	v.SetDefault("window.min_width", 800)
	v.SetDefault("window.min_height", 600)
	v.SetDefault("window.devtools", false)
	v.SetDefault("window.profile_dir", "")
	v.SetDefault("window.chrome_args", []string{})

	d := dialog.DefaultConfig()
	v.SetDefault("dialog.title", d.Title)
	v.SetDefault("dialog.filter_name", d.FilterName)
	v.SetDefault("dialog.extensions", d.Extensions)
	v.SetDefault("dialog.start_dir", "")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.listen", "127.0.0.1:0")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.frontend_dir", "")
	v.SetDefault("server.token_auth", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.dir", "")
	v.SetDefault("log.app", "")
	v.SetDefault("log.stdout", "")
	v.SetDefault("log.stderr", "")
	v.SetDefault("log.max_size_mb", logger.DefaultMaxSizeMB)
	v.SetDefault("log.max_backups", logger.DefaultMaxBackups)
	v.SetDefault("log.max_age_days", logger.DefaultMaxAgeDays)
	v.SetDefault("log.compress", false)

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.sinks", []string{})
	v.SetDefault("history.buffer", 256)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.resources.enabled", true)
	v.SetDefault("metrics.resources.interval", 5*time.Second)
}

// Default returns the configuration with no file and no environment applied.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	_ = v.Unmarshal(&c)
	return &c
}

// Load reads path (TOML) over the defaults and applies environment
// overrides. An empty path loads defaults and environment only. Relative
// paths in the file are resolved against the file's directory.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	c.File = path
	if err := c.resolvePaths(); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) resolvePaths() error {
	base := ""
	if c.File != "" {
		abs, err := filepath.Abs(c.File)
		if err != nil {
			return err
		}
		base = filepath.Dir(abs)
	}
	if c.App.Dir == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		c.App.Dir = filepath.Dir(exe)
	} else {
		c.App.Dir = anchor(base, c.App.Dir)
	}
	c.Backend.WorkDir = anchor(base, c.Backend.WorkDir)
	for i, f := range c.Backend.EnvFiles {
		c.Backend.EnvFiles[i] = anchor(base, f)
	}
	c.Server.FrontendDir = anchor(base, c.Server.FrontendDir)
	c.Log.File.Dir = anchor(base, c.Log.File.Dir)
	c.App.StateDir = anchor(base, c.App.StateDir)
	return nil
}

func anchor(base, p string) string {
	if p == "" || base == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Backend.Script) == "" {
		errs = append(errs, errors.New("backend.script is required"))
	}
	if c.Backend.Interpreter == "" && c.Backend.InterpreterWindows == "" {
		errs = append(errs, errors.New("backend.interpreter is required"))
	}
	if c.Backend.ReadyMarker == "" && c.Backend.HealthURL == "" && c.Backend.HealthCommand == "" {
		errs = append(errs, errors.New("one of backend.ready_marker, backend.health_url or backend.health_command is required"))
	}
	if c.Backend.HealthURL != "" && c.Backend.HealthCommand != "" {
		errs = append(errs, errors.New("backend.health_url and backend.health_command are mutually exclusive"))
	}
	if c.Backend.StopTimeout < 0 || c.Backend.ReadyTimeout < 0 || c.Backend.ProbeInterval < 0 {
		errs = append(errs, errors.New("backend durations must not be negative"))
	}
	if c.Server.Enabled && c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen is required when the server is enabled"))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "console", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log.format %q", c.Log.Format))
	}
	if c.History.Enabled && len(c.History.Sinks) == 0 {
		errs = append(errs, errors.New("history.enabled requires at least one history.sinks entry"))
	}
	return errors.Join(errs...)
}

// StateDir is where the instance lock and address file live.
func (c *Config) StateDir() string {
	if c.App.StateDir != "" {
		return c.App.StateDir
	}
	return instance.DefaultDir(c.App.Name)
}
