package process

import (
	"fmt"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ParseSignal resolves a signal name. Matching is case-insensitive and the
// "SIG" prefix is optional.
func ParseSignal(name string) (syscall.Signal, error) {
	normalized := NormalizeSignalName(name)
	if normalized == "" {
		return 0, fmt.Errorf("empty signal name")
	}

	sig := unix.SignalNum(normalized)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}

	return sig, nil
}

// NormalizeSignalName upper-cases name and adds the "SIG" prefix.
func NormalizeSignalName(name string) string {
	upper := strings.ToUpper(strings.TrimSpace(name))
	if upper == "" {
		return ""
	}

	if !strings.HasPrefix(upper, "SIG") {
		upper = "SIG" + upper
	}

	return upper
}

// SameSignal reports whether a and b name the same signal.
func SameSignal(a, b string) bool {
	na, nb := NormalizeSignalName(a), NormalizeSignalName(b)

	return na != "" && na == nb
}

// SignalName returns the canonical name of sig, such as "SIGTERM".
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return name
	}

	return sig.String()
}
