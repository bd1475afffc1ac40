package logger

import (
	"fmt"
	"os"
	"sync"

	logrus "github.com/sirupsen/logrus"
)

type Logger struct {
	*logrus.Logger
}

const (
	defaultLogFilePath = "stdout"
	envLogFilePath     = "TRACEBUF_LOG_FILE"
	envLogLevel        = "TRACEBUF_LOG_LEVEL"
)

var (
	log  *Logger
	once sync.Once
)

func Get() *Logger {
	once.Do(func() {
		log = New()
	})
	return log
}

func New() *Logger {
	logFile := GetLogLocation()
	f := os.Stdout
	var err error
	if logFile != "stdout" {
		f, err = os.OpenFile(logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			fmt.Println("Failed to create logfile " + logFile + ", falling back to stdout")
			f = os.Stdout
		}
	}

	var baseLogger = logrus.New()
	var standardLogger = &Logger{baseLogger}
	standardLogger.Formatter = &logrus.JSONFormatter{}
	standardLogger.SetLevel(GetLogLevel())

	standardLogger.SetOutput(f)
	standardLogger.Debug("Constructed new logger instance")
	return standardLogger
}

func GetLogLocation() string {
	logFilePath := os.Getenv(envLogFilePath)
	if logFilePath == "" {
		logFilePath = defaultLogFilePath
	}
	return logFilePath
}

// GetLogLevel parses TRACEBUF_LOG_LEVEL, defaulting to info.
func GetLogLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(os.Getenv(envLogLevel))
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// SetLevel adjusts the shared logger, used by the CLI after config is loaded.
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	Get().Logger.SetLevel(lvl)
	return nil
}
