package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/alexisbeaulieu97/padmux/internal/config"
	"github.com/alexisbeaulieu97/padmux/internal/logger"
)

// defaultConfigName is looked up inside the default data directory when no
// --config flag is given.
const defaultConfigName = "config.yaml"

func resolveConfigPath(flags *rootFlags) string {
	if flags.configPath != "" {
		return flags.configPath
	}
	if env := os.Getenv("PADMUX_CONFIG"); env != "" {
		return env
	}
	candidate := filepath.Join(config.Default().DataDir, defaultConfigName)
	if _, err := os.Stat(candidate); err == nil {
		return candidate
	}
	return ""
}

func loadConfig(flags *rootFlags) (*config.Config, error) {
	path := resolveConfigPath(flags)
	cfg, err := config.Load(path)
	if err != nil {
		return nil, newCommandError("load configuration", valueOrFallback(path, "defaults"), err,
			"Fix the reported field or pass a different file with --config.")
	}
	if flags.verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, writer io.Writer) (*logger.Logger, error) {
	log, err := logger.New(logger.Options{
		Level:         cfg.Log.Level,
		HumanReadable: cfg.Log.HumanReadable,
		Writer:        writer,
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	return log, nil
}

// openLogFile returns the file the host logs to while the monitor owns the
// terminal.
func openLogFile(cfg *config.Config) (*os.File, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(cfg.DataDir, "padmux.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

type commandError struct {
	operation  string
	context    string
	cause      error
	suggestion string
}

func newCommandError(operation, context string, cause error, suggestion string) error {
	return &commandError{operation: operation, context: context, cause: cause, suggestion: suggestion}
}

func (e *commandError) Error() string {
	return fmt.Sprintf("Failed to %s: %s\n\nError: %v\n\nSuggestion: %s", e.operation, e.context, e.cause, e.suggestion)
}

func (e *commandError) Unwrap() error {
	return e.cause
}

func valueOrFallback(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}
