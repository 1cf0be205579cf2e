package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethpandaops/xrun/pkg/config"
	xexec "github.com/ethpandaops/xrun/pkg/exec"
)

var digitsOnly = regexp.MustCompile(`^\d+$`)

// resolveStaticPort acquires a port that is known before any process runs:
// a literal number, the output of a shell command or a value in a JSON file.
func resolveStaticPort(ctx context.Context, dir string, env []string, src config.PortSource) (int, error) {
	kind, err := src.Kind()
	if err != nil {
		return 0, err
	}

	switch kind {
	case config.PortNumber:
		return *src.Number, nil
	case config.PortShell:
		return xexec.RunShellToInt(ctx, dir, env, src.Shell)
	case config.PortJSON:
		return readJSONPort(dir, src.JSONFilePath, src.Keys)
	default:
		return 0, fmt.Errorf("%s port source cannot be resolved before launch", kind)
	}
}

// readJSONPort follows keys into a JSON document and returns the number
// found there. Digit-only strings are accepted as numbers.
func readJSONPort(dir, file string, keys []string) (int, error) {
	path := file
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}

	value, err := readJSONPath(path, keys)
	if err != nil {
		return 0, err
	}

	switch v := value.(type) {
	case json.Number:
		n, err := strconv.Atoi(v.String())
		if err == nil {
			return n, nil
		}
	case string:
		if digitsOnly.MatchString(v) {
			return strconv.Atoi(v)
		}
	}

	rendered, _ := json.Marshal(value)

	return 0, fmt.Errorf("failed to extract value from JSON file %s with in-file path of %s: "+
		"there is %s at this in-file path, and it is not convertible to number",
		path, strings.Join(keys, "."), rendered)
}

func readJSONPath(path string, keys []string) (any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to extract value from JSON file %s: %w", path, err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to extract value from JSON file %s: JSON parsing error: %w", path, err)
	}

	for _, key := range keys {
		switch node := doc.(type) {
		case map[string]any:
			doc = node[key]
		case []any:
			i, err := strconv.Atoi(key)
			if err != nil || i < 0 || i >= len(node) {
				doc = nil

				continue
			}

			doc = node[i]
		default:
			return nil, fmt.Errorf("failed to extract value from JSON file %s: failed to follow path part %q (of %q): "+
				"previous path part yielded non-object or null value", path, key, strings.Join(keys, "."))
		}
	}

	return doc, nil
}

// portFromMatch extracts the port from the first captured group.
func portFromMatch(m []string) (int, error) {
	if len(m) < 2 || m[1] == "" {
		return 0, errors.New("regexp matched but did not capture the first group, expected it to contain the port number")
	}

	port, err := strconv.Atoi(strings.TrimSpace(m[1]))
	if err != nil {
		return 0, fmt.Errorf("first group was %q, could not parse port number out of it", m[1])
	}

	return port, nil
}
