package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// New builds the service logger. format is "json" or "text".
func New(level, format, serviceName, env string) *logrus.Entry {
	return NewWithOutput(os.Stdout, level, format, serviceName, env)
}

func NewWithOutput(out io.Writer, level, format, serviceName, env string) *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(out)
	if strings.EqualFold(format, "text") {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)

	return logger.WithFields(logrus.Fields{
		"service": serviceName,
		"env":     env,
	})
}

// Discard returns a logger that writes nowhere, for tests.
func Discard() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}
