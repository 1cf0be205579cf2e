// Package ui provides terminal output helpers: status messages, tables,
// spinners and the banner.
package ui

import (
	"fmt"
	"io"
	"os"
)

// Out receives everything the package prints.
var Out io.Writer = os.Stdout

// Success prints a success message with green checkmark.
func Success(format string, args ...any) {
	fmt.Fprintf(Out, "%s %s\n", SuccessSymbol, SuccessStyle.Sprintf(format, args...))
}

// Error prints an error message with red X.
func Error(format string, args ...any) {
	fmt.Fprintf(Out, "%s %s\n", ErrorSymbol, ErrorStyle.Sprintf(format, args...))
}

// Warning prints a warning message with yellow symbol.
func Warning(format string, args ...any) {
	fmt.Fprintf(Out, "%s %s\n", WarningSymbol, WarningStyle.Sprintf(format, args...))
}

// Info prints an info message with cyan arrow.
func Info(format string, args ...any) {
	fmt.Fprintf(Out, "%s %s\n", InfoSymbol, InfoStyle.Sprintf(format, args...))
}

// Header prints a styled section header.
func Header(message string) {
	fmt.Fprintln(Out, HeaderStyle.Sprint(message))
}

// Blank prints a blank line for spacing.
func Blank() {
	fmt.Fprintln(Out)
}
