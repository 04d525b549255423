// Package logging wires the daemon's structured logger. It replaces the
// teacher's ad hoc Logger (a level int over log.Printf) with logrus, the
// leveled logger already pulled in by the rest of the retrieval pack
// (omec-project-upf/pfcpiface) for the same kind of per-event field logging
// ("endpoint", "teid", "pid", ...) this daemon needs.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// New builds a logrus.Logger at the given level (debug|info|warn|error,
// case-insensitive; defaults to info on an empty or unrecognized value).
func New(level string) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}
