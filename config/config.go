// Package config - Process configuration for the detect commands.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// DETECT_* environment variables (a .env file is read into the environment
// first without overriding variables that are already set).
package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/nvr-ai/go-detect/detector"
	"github.com/nvr-ai/go-detect/logging"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DETECT_"

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	// MaxBodyBytes caps the size of an uploaded image.
	MaxBodyBytes int64 `json:"max_body_bytes" yaml:"max_body_bytes"`
}

// EventsConfig configures the event history.
type EventsConfig struct {
	// Database is the SQLite file served predictions are recorded to. Empty
	// disables the history.
	Database string `json:"database" yaml:"database"`
}

// Config is the full process configuration.
type Config struct {
	Detector detector.Config `json:"detector" yaml:"detector"`
	Server   ServerConfig    `json:"server" yaml:"server"`
	Log      logging.Config  `json:"log" yaml:"log"`
	Events   EventsConfig    `json:"events" yaml:"events"`
	// MaxInputSide downscales decoded images whose longer side exceeds it.
	// 0 keeps the original size.
	MaxInputSide int `json:"max_input_side" yaml:"max_input_side"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Detector: detector.DefaultConfig(),
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodyBytes:    16 << 20,
		},
		Log: logging.DefaultConfig(),
	}
}

// Load builds the configuration from the YAML file at path (optional, may be
// empty) and the environment. envFiles are loaded into the environment first;
// with none given, ./.env is used when present.
func Load(path string, envFiles ...string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := loadEnvFiles(envFiles); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func loadEnvFiles(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	if err := godotenv.Load(files...); err != nil {
		return errors.Wrap(err, "load env files")
	}
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("GRAPH_PATH", &c.Detector.GraphPath)
	e.str("LABELS_PATH", &c.Detector.LabelsPath)
	e.integer("NUM_CLASSES", &c.Detector.NumClasses)
	e.float("THRESHOLD", &c.Detector.Threshold)
	e.str("ORT_LIBRARY", &c.Detector.Runtime.SharedLibraryPath)
	e.integer("INTRA_OP_THREADS", &c.Detector.Runtime.IntraOpNumThreads)
	e.integer("INTER_OP_THREADS", &c.Detector.Runtime.InterOpNumThreads)
	e.str("GRAPH_OPTIMIZATION", &c.Detector.Runtime.GraphOptimization)

	e.str("ADDR", &c.Server.Addr)
	e.duration("READ_TIMEOUT", &c.Server.ReadTimeout)
	e.duration("WRITE_TIMEOUT", &c.Server.WriteTimeout)
	e.duration("SHUTDOWN_TIMEOUT", &c.Server.ShutdownTimeout)
	e.integer64("MAX_BODY_BYTES", &c.Server.MaxBodyBytes)

	e.str("LOG_LEVEL", &c.Log.Level)
	e.str("LOG_ENCODING", &c.Log.Encoding)
	e.boolean("LOG_DEVELOPMENT", &c.Log.Development)

	e.str("EVENTS_DATABASE", &c.Events.Database)
	e.integer("MAX_INPUT_SIDE", &c.MaxInputSide)

	return e.err
}

// Validate checks every section.
func (c Config) Validate() error {
	if err := c.Detector.Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if c.Server.Addr == "" {
		return errors.New("server addr is required")
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 || c.Server.ShutdownTimeout < 0 {
		return errors.New("server timeouts must not be negative")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return errors.Errorf("max body bytes must be positive, got %d", c.Server.MaxBodyBytes)
	}
	if c.MaxInputSide < 0 {
		return errors.Errorf("max input side must not be negative, got %d", c.MaxInputSide)
	}
	return nil
}

// envReader applies DETECT_* variables, keeping the first parse error.
type envReader struct {
	lookup lookupFunc
	err    error
}

func (e *envReader) get(key string) (string, bool) {
	if e.err != nil {
		return "", false
	}
	v, ok := e.lookup(EnvPrefix + key)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e *envReader) fail(key string, err error) {
	e.err = errors.Wrapf(err, "%s%s", EnvPrefix, key)
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) integer64(key string, dst *int64) {
	if v, ok := e.get(key); ok {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float32) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = float32(f)
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.fail(key, err)
			return
		}
		*dst = d
	}
}
