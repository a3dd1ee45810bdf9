package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LogLevelFromString converts string to LogLevel, defaulting to INFO
func LogLevelFromString(level string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// LogConfig mirrors the logging section of the YAML configuration
type LogConfig struct {
	Level         string `yaml:"level"`
	EnableConsole bool   `yaml:"enable_console"`
	EnableFile    bool   `yaml:"enable_file"`
	LogFile       string `yaml:"log_file"`
	BufferSize    int    `yaml:"buffer_size"`
	LogDir        string `yaml:"log_dir"`
}

// InitializeFromConfig builds a logger from configuration and installs it
// as the global logger
func InitializeFromConfig(nodeID string, logConfig LogConfig) (*Logger, error) {
	logFile := logConfig.LogFile
	if logConfig.EnableFile {
		if logConfig.LogDir != "" {
			if err := os.MkdirAll(logConfig.LogDir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		if logFile == "" {
			logFile = filepath.Join(logConfig.LogDir, fmt.Sprintf("%s.log", nodeID))
		}
	}

	logger := NewLogger(Config{
		Level:         LogLevelFromString(logConfig.Level),
		NodeID:        nodeID,
		LogFile:       logFile,
		EnableConsole: logConfig.EnableConsole,
		EnableFile:    logConfig.EnableFile,
		BufferSize:    logConfig.BufferSize,
	})
	SetGlobalLogger(logger)

	return logger, nil
}

// Component names for structured logging
const (
	ComponentJanitor  = "janitor"
	ComponentRegistry = "registry"
	ComponentMonitor  = "monitor"
	ComponentStorage  = "storage"
	ComponentMetrics  = "metrics"
	ComponentHTTP     = "http"
	ComponentConfig   = "config"
	ComponentMain     = "main"
)

// Action names for structured logging
const (
	ActionStart      = "start"
	ActionStop       = "stop"
	ActionRegister   = "register"
	ActionUnregister = "unregister"
	ActionSample     = "sample"
	ActionReclaim    = "reclaim"
	ActionSweep      = "sweep"
	ActionEvict      = "evict"
	ActionInterval   = "interval"
	ActionCleanup    = "cleanup"
	ActionPressure   = "pressure"
	ActionRecover    = "recover"
	ActionValidation = "validation"
	ActionRequest    = "request"
	ActionResponse   = "response"
)
