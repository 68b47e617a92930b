// Package obs wires logging and tracing.
package obs

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns a logrus logger writing to stdout. Production uses the
// JSON formatter so log shippers can index fields such as booking_id and
// alert; other environments use the text formatter.
func NewLogger(env, level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	if env == "prod" || env == "production" {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Discard returns a logger that drops everything, for tests.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
