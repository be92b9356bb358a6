package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	monitorTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39"))
	monitorStatusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	monitorErrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
)

type captureMsg struct {
	content string
	err     error
	at      time.Time
}

type followTickMsg time.Time

// followModel is a full-screen pane viewer that re-captures on a timer and
// stays pinned to the bottom unless the user scrolls up.
type followModel struct {
	ctx     context.Context
	label   string
	capture captureFunc

	vp      viewport.Model
	ready   bool
	content string
	updated time.Time
	err     error
}

func newFollowModel(ctx context.Context, label string, capture captureFunc) followModel {
	return followModel{ctx: ctx, label: label, capture: capture}
}

func (m followModel) Init() tea.Cmd {
	return m.fetch()
}

func (m followModel) fetch() tea.Cmd {
	ctx, capture := m.ctx, m.capture
	return func() tea.Msg {
		out, err := capture(ctx)
		return captureMsg{content: out, err: err, at: time.Now()}
	}
}

func followTick() tea.Cmd {
	return tea.Tick(followInterval, func(t time.Time) tea.Msg { return followTickMsg(t) })
}

func (m followModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "G", "end":
			m.vp.GotoBottom()
			return m, nil
		}
	case tea.WindowSizeMsg:
		height := max(msg.Height-2, 1)
		if !m.ready {
			m.vp = viewport.New(msg.Width, height)
			m.ready = true
		} else {
			m.vp.Width = msg.Width
			m.vp.Height = height
		}
		m.vp.SetContent(m.content)
		m.vp.GotoBottom()
		return m, nil
	case captureMsg:
		if m.ctx.Err() != nil {
			return m, tea.Quit
		}
		m.err = msg.err
		if msg.err == nil {
			pinned := !m.ready || m.vp.AtBottom()
			m.content = strings.TrimRight(msg.content, "\n")
			m.updated = msg.at
			if m.ready {
				m.vp.SetContent(m.content)
				if pinned {
					m.vp.GotoBottom()
				}
			}
		}
		return m, followTick()
	case followTickMsg:
		return m, m.fetch()
	}

	var cmd tea.Cmd
	m.vp, cmd = m.vp.Update(msg)
	return m, cmd
}

func (m followModel) View() string {
	if !m.ready {
		return "Loading..."
	}
	title := monitorTitleStyle.Render("📺 " + m.label)
	status := monitorStatusStyle.Render(fmt.Sprintf("updated %s · q to quit · G to follow", m.updated.Format("15:04:05")))
	if m.err != nil {
		status = monitorErrStyle.Render("capture failed: " + m.err.Error())
	}
	return title + "\n" + m.vp.View() + "\n" + status
}

func runFollowTUI(ctx context.Context, label string, capture captureFunc) error {
	p := tea.NewProgram(
		newFollowModel(ctx, label, capture),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	)
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		err = nil
	}
	fmt.Println("⏹  Monitoring stopped")
	return err
}
