// Package tui provides a terminal status watcher for a running
// sybilla daemon.
package tui

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mamorett/sybilla/internal/model"
)

const pollInterval = 2 * time.Second

// App is the status watcher application.
type App struct {
	baseURL string
}

// NewApp creates a watcher against a daemon's control API.
func NewApp(baseURL string) *App {
	return &App{baseURL: strings.TrimRight(baseURL, "/")}
}

// Run starts the watcher.
func (a *App) Run() error {
	p := tea.NewProgram(newWatchModel(a.baseURL), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// watchModel is the main bubbletea model.
type watchModel struct {
	baseURL string
	client  *http.Client
	spinner spinner.Model
	status  model.SchedulerStatus
	ready   bool
	width   int
	err     error
}

func newWatchModel(baseURL string) watchModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(Primary)

	return watchModel{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		spinner: s,
	}
}

// Init initializes the model.
func (m watchModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		fetchStatus(m.client, m.baseURL),
	)
}

// Update handles messages.
func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, fetchStatus(m.client, m.baseURL)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case statusMsg:
		m.ready = true
		m.err = nil
		m.status = msg.status
		return m, pollTick()

	case errMsg:
		m.err = msg.err
		return m, pollTick()

	case pollMsg:
		return m, fetchStatus(m.client, m.baseURL)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the UI.
func (m watchModel) View() string {
	if m.err != nil {
		msg := ErrorStyle.Render("Cannot reach "+m.baseURL) + "\n" + DimStyle.Render(m.err.Error())
		return SectionStyle.Render(msg) + HelpStyle.Render("r: retry • q: quit")
	}

	if !m.ready {
		return LoadingStyle.Render(m.spinner.View() + " Connecting...")
	}

	s := m.status
	var b strings.Builder

	b.WriteString(HeaderStyle.Render("sybilla") + "\n\n")

	b.WriteString(LabelStyle.Render("Mode") + ValueStyle.Render(string(s.Mode)) + "\n")
	if s.IntervalHours > 0 {
		b.WriteString(LabelStyle.Render("Interval") + ValueStyle.Render(fmt.Sprintf("%dh", s.IntervalHours)) + "\n")
	}
	if s.NextRun != nil {
		b.WriteString(LabelStyle.Render("Next run") + ValueStyle.Render(s.NextRun.Local().Format("2006-01-02 15:04:05")) + "\n")
	}
	b.WriteString("\n")

	if s.Running {
		b.WriteString(m.spinner.View() + " " + ValueStyle.Render(s.Step) + "\n")
		b.WriteString(s.Message + "\n")
		b.WriteString(RenderBar(s.Progress, 100, 40) + fmt.Sprintf(" %d%%\n", s.Progress))
	} else {
		b.WriteString(SuccessStyle.Render("● idle") + "  " + DimStyle.Render(s.Message) + "\n")
	}

	if s.Error != "" {
		b.WriteString("\n" + ErrorStyle.Render("Last error: "+s.Error) + "\n")
	}

	b.WriteString(DimStyle.Render("\nUpdated " + s.LastUpdate.Local().Format("15:04:05")))

	return SectionStyle.Render(b.String()) + HelpStyle.Render("r: refresh • q: quit")
}

// Messages
type statusMsg struct {
	status model.SchedulerStatus
}

type errMsg struct {
	err error
}

type pollMsg struct{}

func pollTick() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg {
		return pollMsg{}
	})
}

func fetchStatus(client *http.Client, baseURL string) tea.Cmd {
	return func() tea.Msg {
		resp, err := client.Get(baseURL + "/api/status")
		if err != nil {
			return errMsg{err}
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return errMsg{fmt.Errorf("status endpoint returned %s", resp.Status)}
		}

		var status model.SchedulerStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			return errMsg{err}
		}
		return statusMsg{status}
	}
}
