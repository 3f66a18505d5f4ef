package logger

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Default is the process-wide logger. Components derive scoped entries from it.
var Default = newLogger()

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Scope returns an entry tagged with the given component name.
func Scope(name string) *logrus.Entry {
	return Default.WithField("scope", name)
}

// SetLevel parses level ("debug", "info", "warn", "error") and applies it.
// Unknown values leave the current level untouched.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		Default.WithField("level", level).Warn("unknown log level, keeping current")
		return
	}
	Default.SetLevel(lvl)
}
