// Package portutil checks that the ports xrun binds are free before startup.
package portutil

import (
	"context"
	"fmt"
	"net"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"
)

const (
	lookupTimeout = 2 * time.Second
	maxProbes     = 8
)

// Port is a listening address a project needs.
type Port struct {
	Project string
	Host    string
	Port    int
}

// PortConflict is a port that another process already listens on. PID and
// Process are zero when the owner could not be identified.
type PortConflict struct {
	Port    int
	Project string
	PID     int
	Process string
}

// CheckPort binds p briefly. It returns nil when the bind works or the port
// is 0 (the system picks one).
func CheckPort(ctx context.Context, p Port) *PortConflict {
	if p.Port == 0 {
		return nil
	}

	l, err := net.Listen("tcp", net.JoinHostPort(p.Host, strconv.Itoa(p.Port)))
	if err == nil {
		l.Close()

		return nil
	}

	conflict := &PortConflict{Port: p.Port, Project: p.Project}
	conflict.PID, conflict.Process = owner(ctx, p.Port)

	return conflict
}

// CheckPorts probes all ports concurrently and returns the conflicts in the
// order the ports were given.
func CheckPorts(ctx context.Context, ports []Port) []PortConflict {
	found := make([]*PortConflict, len(ports))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxProbes)

	for i, p := range ports {
		g.Go(func() error {
			found[i] = CheckPort(gctx, p)

			return nil
		})
	}

	_ = g.Wait()

	conflicts := make([]PortConflict, 0, len(ports))

	for _, c := range found {
		if c != nil {
			conflicts = append(conflicts, *c)
		}
	}

	return conflicts
}

// owner asks lsof which process listens on port, then ps for its name.
// Both tools are optional.
func owner(ctx context.Context, port int) (int, string) {
	ctx, cancel := context.WithTimeout(ctx, lookupTimeout)
	defer cancel()

	//nolint:gosec // port is an integer
	out, err := exec.CommandContext(ctx, "lsof", "-nP", "-iTCP:"+strconv.Itoa(port), "-sTCP:LISTEN", "-t").Output()
	if err != nil {
		return 0, ""
	}

	first, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")

	pid, err := strconv.Atoi(strings.TrimSpace(first))
	if err != nil {
		return 0, ""
	}

	//nolint:gosec // pid was parsed as an integer
	name, err := exec.CommandContext(ctx, "ps", "-p", strconv.Itoa(pid), "-o", "comm=").Output()
	if err != nil {
		return pid, ""
	}

	return pid, strings.TrimSpace(string(name))
}

// FormatConflicts renders conflicts one per line, followed by a kill hint
// for the owners that were identified.
func FormatConflicts(conflicts []PortConflict) string {
	if len(conflicts) == 0 {
		return ""
	}

	var (
		sb   strings.Builder
		pids []string
	)

	for _, c := range conflicts {
		fmt.Fprintf(&sb, "  Port %d (proxy of %s): in use", c.Port, c.Project)

		switch {
		case c.PID > 0 && c.Process != "":
			fmt.Fprintf(&sb, " by PID %d (%s)", c.PID, c.Process)
		case c.PID > 0:
			fmt.Fprintf(&sb, " by PID %d", c.PID)
		}

		sb.WriteByte('\n')

		if pid := strconv.Itoa(c.PID); c.PID > 0 && !slices.Contains(pids, pid) {
			pids = append(pids, pid)
		}
	}

	if len(pids) > 0 {
		fmt.Fprintf(&sb, "\nStop the other xrun instance, or kill the processes: kill %s\n", strings.Join(pids, " "))
	}

	return sb.String()
}
