// Package logging - zap logger construction shared by the commands.
package logging

import (
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the level and format of the process logger.
type Config struct {
	// Level is one of debug, info, warn or error.
	Level string `json:"level" yaml:"level"`
	// Development enables caller annotations and stack traces on warnings.
	Development bool `json:"development" yaml:"development"`
	// Encoding is json or console.
	Encoding string `json:"encoding" yaml:"encoding"`
	// OutputPaths are zap sink URLs or file paths. Empty means stderr.
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
}

// DefaultConfig logs info and above as JSON to stderr.
func DefaultConfig() Config {
	return Config{Level: "info", Encoding: "json"}
}

// Validate checks the level and encoding names.
func (c Config) Validate() error {
	if _, err := zapcore.ParseLevel(c.Level); err != nil {
		return errors.Wrapf(err, "log level")
	}
	switch strings.ToLower(c.Encoding) {
	case "", "json", "console":
		return nil
	}
	return errors.Errorf("unknown log encoding %q", c.Encoding)
}

// New builds a logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	level, _ := zapcore.ParseLevel(cfg.Level)

	encoding := strings.ToLower(cfg.Encoding)
	if encoding == "" {
		encoding = "json"
	}
	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if encoding == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	logger, err := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.Development,
		DisableCaller:     !cfg.Development,
		DisableStacktrace: !cfg.Development,
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
	}.Build()
	if err != nil {
		return nil, errors.Wrap(err, "build logger")
	}
	return logger, nil
}
