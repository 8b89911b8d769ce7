// Package logger provides the logging setup for chronolog, built on Zap.
// Every engine component logs through a named child of one root logger, and
// the configuration can pin individual components to their own level — the
// usual shape being a quiet engine with the buffer pool or versioning layer
// turned up to debug while chasing an eviction or CoW problem.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Component names used across the engine. Factory.For and Component scope
// loggers to these.
const (
	ComponentDisk        = "disk"
	ComponentBufferPool  = "bufferpool"
	ComponentFlushDaemon = "flushd"
	ComponentVersioning  = "versioning"
	ComponentIngestion   = "ingestion"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level sets the minimum log level (e.g., "debug", "info", "warn", "error").
	Level string `yaml:"level"`
	// Format specifies the log output format ("json" or "console").
	Format string `yaml:"format"`
	// OutputFile specifies the file to write logs to. "stdout" or "stderr"
	// can be used to log to the console.
	OutputFile string `yaml:"output_file"`
	// ComponentLevels overrides Level for individual components, keyed by
	// the Component* names (e.g., bufferpool: debug).
	ComponentLevels map[string]string `yaml:"component_levels"`
}

// Factory hands out component-scoped loggers that share one sink. The
// underlying core is built at the lowest level any component asks for;
// each handed-out logger then raises itself to its own level.
type Factory struct {
	root      *zap.Logger
	baseLevel zapcore.Level
	overrides map[string]zapcore.Level
}

// NewFactory builds the shared core from the configuration. Call once at
// startup.
func NewFactory(config Config) (*Factory, error) {
	baseLevel, err := zapcore.ParseLevel(config.Level)
	if err != nil {
		baseLevel = zapcore.InfoLevel
	}

	overrides := make(map[string]zapcore.Level, len(config.ComponentLevels))
	floor := baseLevel
	for name, text := range config.ComponentLevels {
		lvl, err := zapcore.ParseLevel(text)
		if err != nil {
			return nil, fmt.Errorf("component %s: bad log level %q: %w", name, text, err)
		}
		overrides[name] = lvl
		if lvl < floor {
			floor = lvl
		}
	}

	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(getEncoder(config.Format), writeSyncer, floor)
	root := zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("service", "chronolog")))

	return &Factory{
		root:      root,
		baseLevel: baseLevel,
		overrides: overrides,
	}, nil
}

// Root returns the engine-wide logger at the base level.
func (f *Factory) Root() *zap.Logger {
	return f.root.WithOptions(zap.IncreaseLevel(f.baseLevel))
}

// For returns the logger for one engine component, named after it and
// filtered at that component's configured level.
func (f *Factory) For(component string) *zap.Logger {
	lvl, ok := f.overrides[component]
	if !ok {
		lvl = f.baseLevel
	}
	return f.root.Named(component).WithOptions(zap.IncreaseLevel(lvl))
}

// New is the single-logger convenience over NewFactory for callers that
// don't need per-component levels.
func New(config Config) (*zap.Logger, error) {
	f, err := NewFactory(config)
	if err != nil {
		return nil, err
	}
	return f.Root(), nil
}

// Component scopes an already-built logger to an engine component. Engine
// constructors call this on whatever logger they are handed; nil yields a
// nop logger so tests and embedded use can pass nothing.
func Component(lg *zap.Logger, name string) *zap.Logger {
	if lg == nil {
		return zap.NewNop()
	}
	return lg.Named(name)
}

// getEncoder selects the log encoder based on the configured format.
func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

// getWriteSyncer selects the output destination for the logs.
func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
