// Package logger builds the zap logger shared by every xtcdb component.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the log section of the engine configuration.
type Config struct {
	// Level is a zap level name; unknown names mean info.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is a path appended to, or "stdout" (the default) or
	// "stderr".
	OutputFile string `yaml:"output_file"`
}

// ServiceName is attached to every log entry.
const ServiceName = "xtcdb"

// New builds the process logger. It is called once at startup and the
// result is handed down to every component.
func New(cfg Config) (*zap.Logger, error) {
	out, err := sink(cfg.OutputFile)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(encoder(cfg.Format), out, zap.NewAtomicLevelAt(Level(cfg.Level)))
	return zap.New(core, zap.AddCaller(), zap.Fields(zap.String("service", ServiceName))), nil
}

// Level parses a level name, falling back to info.
func Level(name string) zapcore.Level {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(name)); err != nil {
		return zapcore.InfoLevel
	}
	return l
}

func encoder(format string) zapcore.Encoder {
	ec := zap.NewProductionEncoderConfig()
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.EncodeLevel = zapcore.CapitalLevelEncoder
	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(ec)
	}
	return zapcore.NewJSONEncoder(ec)
}

func sink(path string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(path) {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	return zapcore.AddSync(f), nil
}
