// Package tui implements the interactive project dashboard of xrun top.
package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/ethpandaops/xrun/pkg/control"
	"github.com/ethpandaops/xrun/pkg/orchestrator"
)

const (
	refreshInterval = 2 * time.Second
	requestTimeout  = 5 * time.Second
)

// Client is the part of the control API the dashboard uses.
type Client interface {
	Projects(ctx context.Context) ([]orchestrator.ProjectStatus, error)
	Action(ctx context.Context, name, action string) (*control.ActionResponse, error)
}

// Model is the Bubbletea application state.
type Model struct {
	client   Client
	projects []orchestrator.ProjectStatus
	// fetchErr is set while the control API cannot be reached.
	fetchErr error

	selectedIndex int

	// Activity State
	activity      string
	activityStart time.Time
	lastResult    string
	lastErr       error

	width  int
	height int

	lastUpdate time.Time
}

// NewModel creates the initial model.
func NewModel(client Client) Model {
	return Model{client: client}
}

// Run shows the dashboard until the user quits.
func Run(client Client) error {
	_, err := tea.NewProgram(NewModel(client), tea.WithAltScreen()).Run()

	return err
}

// Init is called when program starts.
func (m Model) Init() tea.Cmd {
	return fetch(m.client, true)
}

// Messages for Bubbletea.
type tickMsg time.Time

type projectsMsg struct {
	projects []orchestrator.ProjectStatus
	err      error
	// periodic fetches schedule the next tick
	periodic bool
}

type actionDoneMsg struct {
	project string
	action  string
	resp    *control.ActionResponse
	err     error
}

// tick returns a command that waits for next tick.
func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetch(client Client, periodic bool) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		projects, err := client.Projects(ctx)

		return projectsMsg{projects: projects, err: err, periodic: periodic}
	}
}

func runAction(client Client, project, action string) tea.Cmd {
	return func() tea.Msg {
		resp, err := client.Action(context.Background(), project, action)

		return actionDoneMsg{project: project, action: action, resp: resp, err: err}
	}
}
