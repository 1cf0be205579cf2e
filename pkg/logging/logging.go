// Package logging configures logrus for xrun: a line layout shared by the
// tool and the output of every project, and per-project verbosity.
package logging

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Log output formats.
const (
	FormatLine = "line"
	FormatText = "text"
	FormatJSON = "json"
)

// New creates the root logger. The returned LineFormatter is nil unless
// format is FormatLine.
func New(out io.Writer, level, format string, colors bool) (*logrus.Logger, *LineFormatter, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log level: %w", err)
	}

	log := logrus.New()
	log.SetOutput(out)
	log.SetLevel(lvl)

	var lines *LineFormatter

	switch format {
	case "", FormatLine:
		lines = NewLineFormatter(colors)
		log.SetFormatter(lines)
	case FormatText:
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "15:04:05",
			ForceColors:     colors,
		})
	case FormatJSON:
		log.SetFormatter(&logrus.JSONFormatter{})
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", format)
	}

	return log, lines, nil
}

// Restrict returns a logger writing to the same sink as base but never more
// verbose than level.
func Restrict(base *logrus.Logger, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(base.Out)
	l.SetFormatter(base.Formatter)
	l.ReplaceHooks(base.Hooks)

	if base.GetLevel() < level {
		level = base.GetLevel()
	}

	l.SetLevel(level)

	return l
}

// Discard returns a logger that drops everything.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	l.SetLevel(logrus.PanicLevel)

	return l
}
