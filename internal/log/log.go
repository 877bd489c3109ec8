package log

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var logger *logrus.Logger

func init() {
	logger = New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))
}

// New builds a logger for the given level (DEBUG, INFO, WARN, ERROR) and
// format ("json" or text). Unknown levels fall back to INFO.
func New(level, format string) *logrus.Logger {
	l := logrus.New()
	switch strings.ToUpper(level) {
	case "DEBUG":
		l.SetLevel(logrus.DebugLevel)
	case "WARN", "WARNING":
		l.SetLevel(logrus.WarnLevel)
	case "ERROR":
		l.SetLevel(logrus.ErrorLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}
	if strings.EqualFold(format, "json") {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}
	return l
}

// GetLogger returns the shared logger instance
func GetLogger() *logrus.Logger {
	return logger
}
