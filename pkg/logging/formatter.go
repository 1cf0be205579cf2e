package logging

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"
	"github.com/ethpandaops/xrun/pkg/constants"
	"github.com/sirupsen/logrus"
)

// Field names rendered by the line layout itself rather than as key=value.
const (
	FieldProject   = "project"
	FieldComponent = "component"
	FieldStream    = "stream"
)

// Output streams of a child process.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

var palette = []lipgloss.Color{
	lipgloss.Color("14"), // cyan
	lipgloss.Color("13"), // magenta
	lipgloss.Color("11"), // yellow
	lipgloss.Color("10"), // green
	lipgloss.Color("12"), // blue
	lipgloss.Color("9"),  // red
}

// LineFormatter renders one line per entry using a template such as
// "{projectName} | {date} {time} | {message}". Project names are padded to
// the longest registered name and optionally coloured.
type LineFormatter struct {
	colors bool

	mu      sync.RWMutex
	width   int
	formats map[string]string
	styles  map[string]lipgloss.Style
}

// NewLineFormatter creates a formatter. The tool itself is always registered.
func NewLineFormatter(colors bool) *LineFormatter {
	f := &LineFormatter{
		colors:  colors,
		formats: make(map[string]string),
		styles:  make(map[string]lipgloss.Style),
	}

	f.Register(constants.AppName, "")

	return f
}

// Register adds a project name, with an optional format override.
func (f *LineFormatter) Register(name, format string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(name) > f.width {
		f.width = len(name)
	}

	if format != "" {
		f.formats[name] = format
	}

	if _, ok := f.styles[name]; !ok {
		color := palette[len(f.styles)%len(palette)]
		f.styles[name] = lipgloss.NewStyle().Foreground(color).Bold(true)
	}
}

// Format implements logrus.Formatter.
func (f *LineFormatter) Format(e *logrus.Entry) ([]byte, error) {
	name := constants.AppName
	if v, ok := e.Data[FieldProject].(string); ok && v != "" {
		name = v
	}

	f.mu.RLock()
	format, ok := f.formats[name]
	if !ok {
		format = constants.DefaultLogFormat
	}

	padded := name
	if pad := f.width - len(name); pad > 0 {
		padded += strings.Repeat(" ", pad)
	}

	style, styled := f.styles[name]
	f.mu.RUnlock()

	if f.colors && styled {
		padded = style.Render(padded)
	}

	ts := e.Time
	line := strings.NewReplacer(
		"{projectName}", padded,
		"{date}", ts.Format("2006.01.02"),
		"{time}", fmt.Sprintf("%s:%03d", ts.Format("15:04:05"), ts.Nanosecond()/1e6),
		"{source}", source(e),
		"{message}", message(e),
	).Replace(format)

	return []byte(line + "\n"), nil
}

func source(e *logrus.Entry) string {
	if s, ok := e.Data[FieldStream].(string); ok && s != "" {
		return s
	}

	return "tool"
}

// message renders the entry message. Tool lines get their level when it is
// warn or worse and their structured fields.
func message(e *logrus.Entry) string {
	var b strings.Builder

	_, isOutput := e.Data[FieldStream]
	if !isOutput && e.Level <= logrus.WarnLevel {
		b.WriteString(strings.ToUpper(e.Level.String()))
		b.WriteString(" ")
	}

	b.WriteString(e.Message)

	if isOutput {
		return b.String()
	}

	keys := make([]string, 0, len(e.Data))

	for k := range e.Data {
		if k == FieldProject || k == FieldComponent || k == FieldStream {
			continue
		}

		keys = append(keys, k)
	}

	sort.Strings(keys)

	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
	}

	return b.String()
}
