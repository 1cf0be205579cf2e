package tui

import (
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/ethpandaops/xrun/pkg/control"
)

// Update handles all events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		return m, nil

	case tickMsg:
		return m, fetch(m.client, true)

	case projectsMsg:
		m.fetchErr = msg.err

		if msg.err == nil {
			m.projects = msg.projects
			m.lastUpdate = time.Now()

			if m.selectedIndex >= len(m.projects) {
				m.selectedIndex = max(len(m.projects)-1, 0)
			}
		}

		if !msg.periodic {
			return m, nil
		}

		return m, tick()

	case actionDoneMsg:
		m.activity = ""
		m.lastErr = msg.err
		m.lastResult = ""

		switch {
		case msg.err != nil:
		case msg.resp.Error != "":
			m.lastErr = errors.New(msg.resp.Error)
		default:
			m.lastResult = fmt.Sprintf("%s %s: done", msg.action, msg.project)
		}

		return m, fetch(m.client, false)
	}

	return m, nil
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "up", "k":
		if m.selectedIndex > 0 {
			m.selectedIndex--
		}

	case "down", "j":
		if m.selectedIndex < len(m.projects)-1 {
			m.selectedIndex++
		}

	case "enter":
		return m.act(control.ActionStart)

	case "s":
		return m.act(control.ActionStop)

	case "r":
		return m.act(control.ActionRestart)
	}

	return m, nil
}

// act runs action on the selected project. One action runs at a time.
func (m Model) act(action string) (tea.Model, tea.Cmd) {
	if m.activity != "" || m.selectedIndex >= len(m.projects) {
		return m, nil
	}

	p := m.projects[m.selectedIndex]
	if !p.Launchable {
		m.lastErr = fmt.Errorf("%s has no launch command", p.Name)

		return m, nil
	}

	m.activity = fmt.Sprintf("%s %s", action, p.Name)
	m.activityStart = time.Now()
	m.lastErr = nil

	return m, runAction(m.client, p.Name, action)
}
