// Package config loads optisync configuration.
//
// A configuration file is CUE (.cue) or YAML (.yaml, .yml). Either way the
// value is unified with the embedded #Config schema, which supplies
// defaults and rejects unknown fields and out-of-range values.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	cueyaml "cuelang.org/go/encoding/yaml"
)

//go:embed schema.cue
var schemaSource string

// ErrUnsupportedFormat is returned for files that are neither CUE nor YAML.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Config is the decoded configuration.
type Config struct {
	GuardWindowMS int    `json:"guard_window_ms"`
	Feed          Feed   `json:"feed"`
	Retry         Retry  `json:"retry"`
	Store         Store  `json:"store"`
	Server        Server `json:"server"`
	Log           Log    `json:"log"`
}

// Feed configures windowed feed delivery.
type Feed struct {
	BatchSize           int     `json:"batch_size"`
	ActivationThreshold float64 `json:"activation_threshold"`
	RootMarginPx        int     `json:"root_margin_px"`
}

// Retry configures the compare-and-swap retry loop.
type Retry struct {
	MaxRetries  int `json:"max_retries"`
	BaseDelayMS int `json:"base_delay_ms"`
}

// Store selects and configures the backend.
type Store struct {
	Backend        string `json:"backend"`
	SQLitePath     string `json:"sqlite_path"`
	RedisAddr      string `json:"redis_addr"`
	RemoteURL      string `json:"remote_url"`
	PollIntervalMS int    `json:"poll_interval_ms"`
}

// Server configures `optisync serve`.
type Server struct {
	Addr string `json:"addr"`
}

// Log configures the slog handler.
type Log struct {
	Level string `json:"level"`
}

// GuardWindow returns guard_window_ms as a duration.
func (c Config) GuardWindow() time.Duration {
	return time.Duration(c.GuardWindowMS) * time.Millisecond
}

// BaseDelay returns retry.base_delay_ms as a duration.
func (r Retry) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMS) * time.Millisecond
}

// PollInterval returns store.poll_interval_ms as a duration.
func (s Store) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalMS) * time.Millisecond
}

// SlogLevel maps log.level to a slog level.
func (l Log) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns the schema defaults.
func Default() Config {
	ctx := cuecontext.New()
	cfg, err := decodeWith(ctx, ctx.CompileString("{}"))
	if err != nil {
		// The embedded schema is fixed at build time.
		panic(fmt.Sprintf("config: invalid embedded schema: %v", err))
	}
	return cfg
}

// Load reads and validates the file at path. An empty path yields the
// defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, data)
}

// Parse validates data as the file named filename. The extension selects
// the format.
func Parse(filename string, data []byte) (Config, error) {
	ctx := cuecontext.New()
	var v cue.Value
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".cue":
		v = ctx.CompileBytes(data, cue.Filename(filename))
	case ".yaml", ".yml":
		f, err := cueyaml.Extract(filename, data)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", filename, err)
		}
		v = ctx.BuildFile(f)
	default:
		return Config{}, fmt.Errorf("%s: %w (want .cue, .yaml or .yml)", filename, ErrUnsupportedFormat)
	}
	if err := v.Err(); err != nil {
		return Config{}, fmt.Errorf("parse %s: %s", filename, cueerrors.Details(err, nil))
	}

	cfg, err := decodeWith(ctx, v)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", filename, err)
	}
	slog.Debug("config loaded", "path", filename, "backend", cfg.Store.Backend)
	return cfg, nil
}

func decodeWith(ctx *cue.Context, data cue.Value) (Config, error) {
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, err
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	v := def.Unify(data)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, &ValidationError{Details: cueerrors.Details(err, nil), Err: err}
	}
	var cfg Config
	if err := v.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}

// ValidationError reports a configuration the schema rejects.
type ValidationError struct {
	// Details lists every violation, one per line.
	Details string
	Err     error
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.TrimSpace(e.Details)
}

func (e *ValidationError) Unwrap() error { return e.Err }
