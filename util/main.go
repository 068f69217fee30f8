package util

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewTestLogger returns a logger for tests that discards everything unless
// TEST_LOGS is set. TEST_LOGS=2 logs at debug and TEST_LOGS=3 at trace level.
func NewTestLogger() *logrus.Logger {
	l := logrus.New()

	v := os.Getenv("TEST_LOGS")
	if v == "" {
		l.SetOutput(io.Discard)
		return l
	}

	switch v {
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}
