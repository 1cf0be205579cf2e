package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/xrun/pkg/process"
	"gopkg.in/yaml.v3"
)

// OneOrMany accepts either a single value or a sequence of values.
type OneOrMany[T any] []T

// UnmarshalYAML implements yaml.Unmarshaler.
func (o *OneOrMany[T]) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var many []T
		if err := node.Decode(&many); err != nil {
			return err
		}

		*o = many

		return nil
	}

	var one T
	if err := node.Decode(&one); err != nil {
		return err
	}

	*o = OneOrMany[T]{one}

	return nil
}

// ConditionKind is the shape of a launch-completed or restart condition.
type ConditionKind string

// Condition kinds.
const (
	ConditionDelay    ConditionKind = "delay"
	ConditionStdio    ConditionKind = "stdio"
	ConditionProxyURL ConditionKind = "proxy_url"
	ConditionEvent    ConditionKind = "event"
	ConditionWatch    ConditionKind = "watch"
	ConditionPortOpen ConditionKind = "port_open"
)

// Condition describes when a project counts as launched, or when it should
// be restarted. A bare number is a delay in milliseconds.
type Condition struct {
	Delay *int `yaml:"delay,omitempty"`

	StdioParsingRegexp string `yaml:"stdio_parsing_regexp,omitempty"`
	Stderr             bool   `yaml:"stderr,omitempty"`

	ProxyURLRegexp string `yaml:"proxy_url_regexp,omitempty"`
	Method         string `yaml:"method,omitempty"`

	EventType string `yaml:"event_type,omitempty"`

	WatchPaths OneOrMany[string] `yaml:"watch_paths,omitempty"`
	// Debounce in milliseconds.
	Debounce int `yaml:"debounce,omitempty"`

	PortOpen bool `yaml:"port_open,omitempty"`

	// ProjectName points the condition at another project's output,
	// requests or events. Empty means the owning project.
	ProjectName string `yaml:"project_name,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (c *Condition) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var ms int
		if err := node.Decode(&ms); err != nil {
			return fmt.Errorf("line %d: condition must be a number of milliseconds or a mapping", node.Line)
		}

		*c = Condition{Delay: &ms}

		return nil
	}

	type plain Condition

	return node.Decode((*plain)(c))
}

// Kind classifies the condition. Exactly one shape must be present.
func (c Condition) Kind() (ConditionKind, error) {
	var kinds []ConditionKind

	if c.Delay != nil {
		kinds = append(kinds, ConditionDelay)
	}

	if c.StdioParsingRegexp != "" {
		kinds = append(kinds, ConditionStdio)
	}

	if c.ProxyURLRegexp != "" {
		kinds = append(kinds, ConditionProxyURL)
	}

	if c.EventType != "" {
		kinds = append(kinds, ConditionEvent)
	}

	if len(c.WatchPaths) > 0 {
		kinds = append(kinds, ConditionWatch)
	}

	if c.PortOpen {
		kinds = append(kinds, ConditionPortOpen)
	}

	switch len(kinds) {
	case 0:
		return "", errors.New("could not understand type of condition")
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("condition mixes several types: %v", kinds)
	}
}

// DebounceDuration returns the watch debounce, or def when unset.
func (c Condition) DebounceDuration(def time.Duration) time.Duration {
	if c.Debounce <= 0 {
		return def
	}

	return time.Duration(c.Debounce) * time.Millisecond
}

// String renders the condition for error messages.
func (c Condition) String() string {
	type plain Condition

	out, err := yaml.Marshal(plain(c))
	if err != nil {
		return fmt.Sprintf("%+v", plain(c))
	}

	return "{" + strings.ReplaceAll(strings.TrimSpace(string(out)), "\n", ", ") + "}"
}

// ShellCommand is a command run with "sh -c".
type ShellCommand struct {
	Shell string `yaml:"shell"`
}

// JSONKeys is a path into a JSON document, written either as "a.b.c" or
// as a sequence of keys.
type JSONKeys []string

// UnmarshalYAML implements yaml.Unmarshaler.
func (k *JSONKeys) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.SequenceNode {
		var keys []string
		if err := node.Decode(&keys); err != nil {
			return err
		}

		*k = keys

		return nil
	}

	var path string
	if err := node.Decode(&path); err != nil {
		return err
	}

	*k = strings.Split(path, ".")

	return nil
}

// PortSourceKind is the shape of a port source.
type PortSourceKind string

// Port source kinds.
const (
	PortNumber PortSourceKind = "number"
	PortShell  PortSourceKind = "shell"
	PortStdio  PortSourceKind = "stdio"
	PortJSON   PortSourceKind = "json"
)

// PortSource tells how a port number is acquired. A bare number is the
// port itself.
type PortSource struct {
	Number *int `yaml:"number,omitempty"`

	Shell string `yaml:"shell,omitempty"`

	StdioParsingRegexp string `yaml:"stdio_parsing_regexp,omitempty"`
	Stderr             bool   `yaml:"stderr,omitempty"`
	ProjectName        string `yaml:"project_name,omitempty"`

	JSONFilePath string   `yaml:"json_file_path,omitempty"`
	Keys         JSONKeys `yaml:"keys,omitempty"`
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (p *PortSource) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var port int
		if err := node.Decode(&port); err != nil {
			return fmt.Errorf("line %d: port must be a number or a mapping", node.Line)
		}

		*p = PortSource{Number: &port}

		return nil
	}

	type plain PortSource

	return node.Decode((*plain)(p))
}

// Kind classifies the port source. Exactly one shape must be present.
func (p PortSource) Kind() (PortSourceKind, error) {
	var kinds []PortSourceKind

	if p.Number != nil {
		kinds = append(kinds, PortNumber)
	}

	if p.Shell != "" {
		kinds = append(kinds, PortShell)
	}

	if p.StdioParsingRegexp != "" {
		kinds = append(kinds, PortStdio)
	}

	if p.JSONFilePath != "" {
		kinds = append(kinds, PortJSON)
	}

	switch len(kinds) {
	case 0:
		return "", errors.New("could not understand type of port source")
	case 1:
		return kinds[0], nil
	default:
		return "", fmt.Errorf("port source mixes several types: %v", kinds)
	}
}

// ShutdownItem is one step of a shutdown sequence: {signal: NAME} or
// {wait: MILLISECONDS}.
type ShutdownItem struct {
	Signal string `yaml:"signal,omitempty"`
	Wait   *int   `yaml:"wait,omitempty"`
}

// Step converts the item into a process shutdown step.
func (s ShutdownItem) Step() (process.ShutdownStep, error) {
	switch {
	case s.Signal != "" && s.Wait != nil:
		return process.ShutdownStep{}, errors.New("shutdown step has both signal and wait")
	case s.Signal != "":
		return process.SignalStep(s.Signal), nil
	case s.Wait != nil:
		return process.WaitStep(time.Duration(*s.Wait) * time.Millisecond), nil
	default:
		return process.ShutdownStep{}, errors.New("shutdown step needs either signal or wait")
	}
}
