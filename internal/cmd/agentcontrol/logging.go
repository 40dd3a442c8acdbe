package agentcontrol

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	control "github.com/newrelic/newrelic-agent-control/internal/agentcontrol"
)

const logFileName = "newrelic-agent-control.log"

// setupLogging initializes the process-wide logging subscriber once, before
// anything else runs.
func setupLogging(cfg *control.Config, forceDebug bool) (*logrus.Logger, error) {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	level := logrus.InfoLevel
	if cfg.Log.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Log.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Log.Level, err)
		}
		level = parsed
	}
	if forceDebug {
		level = logrus.DebugLevel
	}
	logger.SetLevel(level)

	if cfg.Log.File {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log dir %q: %w", cfg.LogDir, err)
		}
		rotated := &lumberjack.Logger{
			Filename:   filepath.Join(cfg.LogDir, logFileName),
			MaxSize:    100, // megabytes
			MaxBackups: 7,
			Compress:   true,
		}
		logger.SetOutput(io.MultiWriter(os.Stderr, rotated))
	}
	return logger, nil
}
