package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/joho/godotenv"
)

// Environ builds the environment of the project process: the tool's own
// environment, then env_file entries, then env, later sources winning.
func (p *Project) Environ() ([]string, error) {
	vars := make(map[string]string)

	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}

	for _, file := range p.EnvFile {
		if !filepath.IsAbs(file) {
			file = filepath.Join(p.WorkingDirectory, file)
		}

		loaded, err := godotenv.Read(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read env file %s: %w", file, err)
		}

		for k, v := range loaded {
			vars[k] = v
		}
	}

	for k, v := range p.Env {
		vars[k] = v
	}

	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}

	sort.Strings(env)

	return env, nil
}

// ExpandCommand replaces ${VAR} placeholders in the launch command with
// values from env. Unknown variables expand to an empty string.
func ExpandCommand(command, env []string) []string {
	lookup := make(map[string]string, len(env))

	for _, kv := range env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			lookup[k] = v
		}
	}

	out := make([]string, len(command))
	for i, arg := range command {
		out[i] = os.Expand(arg, func(name string) string {
			return lookup[name]
		})
	}

	return out
}
