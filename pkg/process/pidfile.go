package process

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ethpandaops/xrun/pkg/constants"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const pidFileVersion = 1

// PIDFileData represents the JSON structure of a persisted PID file. It lets
// a later session find process groups left behind by a session that died
// without running its shutdown sequence.
type PIDFileData struct {
	Version   int       `json:"version"`
	PID       int       `json:"pid"`
	Group     bool      `json:"group"` // PID leads its own process group
	Command   []string  `json:"command"`
	StartedAt time.Time `json:"startedAt"`
}

// PIDStore persists the PIDs of running project processes.
type PIDStore struct {
	log logrus.FieldLogger
	dir string
}

// NewPIDStore creates a store under stateDir.
func NewPIDStore(log logrus.FieldLogger, stateDir string) *PIDStore {
	return &PIDStore{
		log: log.WithField("component", "pid-store"),
		dir: filepath.Join(stateDir, constants.DirPIDs),
	}
}

// Save records a running process for project.
func (s *PIDStore) Save(project string, pid int, group bool, command []string) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		s.log.WithError(err).Warn("failed to create PID directory")

		return
	}

	data := PIDFileData{
		Version:   pidFileVersion,
		PID:       pid,
		Group:     group,
		Command:   command,
		StartedAt: time.Now(),
	}

	jsonData, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		s.log.WithError(err).Warn("failed to marshal PID data")

		return
	}

	//nolint:gosec // PID file permissions are intentionally 0644 for readability
	if err := os.WriteFile(s.path(project), jsonData, 0o644); err != nil {
		s.log.WithError(err).Warn("failed to write PID file")
	}
}

// Remove deletes the PID file of project.
func (s *PIDStore) Remove(project string) {
	if err := os.Remove(s.path(project)); err != nil && !os.IsNotExist(err) {
		s.log.WithError(err).WithField("project", project).Debug("failed to remove PID file")
	}
}

// ReapOrphans kills every process recorded by a previous session that is
// still alive and removes all PID files. It returns the number of processes
// killed.
func (s *PIDStore) ReapOrphans() (int, error) {
	entries, err := os.ReadDir(s.dir)
	if os.IsNotExist(err) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("failed to read PID directory: %w", err)
	}

	killed := 0

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".pid" {
			continue
		}

		name := strings.TrimSuffix(entry.Name(), ".pid")
		file := filepath.Join(s.dir, entry.Name())

		data, err := readPIDFile(file)
		if err != nil {
			s.log.WithError(err).WithField("file", file).Warn("removing unreadable PID file")
			os.Remove(file)

			continue
		}

		if data.Version != pidFileVersion {
			s.log.WithField("version", data.Version).Warn("unknown PID file version")
		}

		if data.PID > 0 && unix.Kill(data.PID, 0) == nil {
			target := data.PID
			if data.Group {
				target = -data.PID
			}

			if err := unix.Kill(target, syscall.SIGKILL); err != nil {
				s.log.WithError(err).WithField("project", name).Warn("failed to kill orphaned process")
			} else {
				killed++

				s.log.WithFields(logrus.Fields{
					"project": name,
					"pid":     data.PID,
				}).Warn("killed process left over from a previous session")
			}
		}

		os.Remove(file)
	}

	return killed, nil
}

func (s *PIDStore) path(project string) string {
	return filepath.Join(s.dir, fmt.Sprintf(constants.PIDFileTemplate, project))
}

func readPIDFile(path string) (*PIDFileData, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var data PIDFileData
	if err := json.Unmarshal(content, &data); err != nil {
		return nil, fmt.Errorf("failed to parse PID file: %w", err)
	}

	return &data, nil
}
