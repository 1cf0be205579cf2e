package ui

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pterm/pterm"
)

// Spinner shows progress of one blocking operation and reports how long it
// took when it stops.
type Spinner struct {
	printer *pterm.SpinnerPrinter
	text    string
	started time.Time
}

// NewSpinner starts a spinner. Under `go test` or with XRUN_TEST_MODE set it
// stays silent, pterm's render goroutine races with test output.
func NewSpinner(text string) *Spinner {
	s := &Spinner{text: text, started: time.Now()}

	if spinnersDisabled() {
		return s
	}

	s.printer, _ = pterm.DefaultSpinner.WithRemoveWhenDone(false).Start(text)

	return s
}

// Success stops the spinner with text, or the start text when empty.
func (s *Spinner) Success(text string) {
	if s.printer != nil {
		s.printer.Success(s.finalText(text))
	}
}

// Fail stops the spinner with text, or the start text when empty.
func (s *Spinner) Fail(text string) {
	if s.printer != nil {
		s.printer.Fail(s.finalText(text))
	}
}

func (s *Spinner) finalText(text string) string {
	if text == "" {
		text = s.text
	}

	return fmt.Sprintf("%s %s", text, MutedStyle.Sprintf("(%s)", formatElapsed(time.Since(s.started))))
}

// WithSpinner runs fn behind a spinner. An error from fn fails the spinner
// and is returned unchanged.
func WithSpinner(text string, fn func() error) error {
	s := NewSpinner(text)

	if err := fn(); err != nil {
		s.Fail(text + ": " + err.Error())

		return err
	}

	s.Success("")

	return nil
}

func formatElapsed(d time.Duration) string {
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}

	return d.Round(100 * time.Millisecond).String()
}

func spinnersDisabled() bool {
	if os.Getenv("XRUN_TEST_MODE") == "true" {
		return true
	}

	for _, arg := range os.Args {
		if strings.HasPrefix(arg, "-test.") {
			return true
		}
	}

	return false
}
