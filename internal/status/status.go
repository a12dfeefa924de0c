// Package status implements the status reporter (C9): a bubbletea program
// that snapshots GlobalSharedState once a second and repaints a fixed
// terminal view, replacing the original's raw-ANSI repaint loop the same
// way the teacher's internal/repl.REPLModel replaces a plain print loop
// with a tea.Model driven by tea.Tick messages.
package status

import (
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/nautilus-fuzz/nautilus/internal/sharedstate"
)

// tickMsg is sent once a second to trigger a fresh snapshot.
type tickMsg time.Time

// Model is the bubbletea model for the status reporter.
type Model struct {
	global  *sharedstate.State
	snap    sharedstate.Snapshot
	spinner spinner.Model
}

// NewModel returns a Model reading from global.
func NewModel(global *sharedstate.State) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = styleGood
	return Model{global: global, snap: global.Snapshot(), spinner: s}
}

// Init kicks off the first tick and starts the spinner, the way the
// teacher's doctor.go batches m.spinner.Tick alongside its own command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(), m.spinner.Tick)
}

func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update refreshes the snapshot on every tick and quits on ctrl+c/q.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.snap = m.global.Snapshot()
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit
		}
	}
	return m, nil
}

// View renders the current snapshot.
func (m Model) View() string {
	s := m.snap

	rows := [][2]string{
		{"run time", s.Uptime.Truncate(time.Second).String()},
		{"executions", fmt.Sprintf("%d", s.ExecutionCount)},
		{"executions/sec", fmt.Sprintf("%.1f", s.ExecPerSec)},
		{"queue (pending/processed)", fmt.Sprintf("%d / %d", s.QueueLen, s.ProcessedLen)},
		{"chunkstore trees", fmt.Sprintf("%d", s.ChunkstoreLen)},
	}

	var body string
	for _, r := range rows {
		body += lipgloss.JoinHorizontal(lipgloss.Top,
			styleLabel.Width(28).Render(r[0]),
			styleValue.Render(r[1]),
		) + "\n"
	}

	body += "\n" + styleAsan.Render(fmt.Sprintf("ASAN crashes found: %d", s.TotalFoundAsan))
	if !s.LastAsanTime.IsZero() {
		body += styleLabel.Render(fmt.Sprintf("  (last %s ago)", time.Since(s.LastAsanTime).Truncate(time.Second)))
	}
	body += "\n" + styleSig.Render(fmt.Sprintf("signal crashes found: %d", s.TotalFoundSig))
	if !s.LastSigTime.IsZero() {
		body += styleLabel.Render(fmt.Sprintf("  (last %s ago)", time.Since(s.LastSigTime).Truncate(time.Second)))
	}
	body += "\n" + styleGood.Render("timeouts observed")
	if !s.LastTimeoutTime.IsZero() {
		body += styleLabel.Render(fmt.Sprintf(" (last %s ago)", time.Since(s.LastTimeoutTime).Truncate(time.Second)))
	}

	body += "\n\n" + styleLabel.Render("bits found by strategy:") + "\n"
	for _, k := range sortedKeys(s.BitsFoundByReason) {
		body += fmt.Sprintf("  %-12s %d\n", k, s.BitsFoundByReason[k])
	}
	body += styleLabel.Render("ASAN crashes found by strategy:") + "\n"
	for _, k := range sortedKeys(s.AsanFoundByReason) {
		body += fmt.Sprintf("  %-12s %d\n", k, s.AsanFoundByReason[k])
	}
	body += styleLabel.Render("signal crashes found by strategy:") + "\n"
	for _, k := range sortedKeys(s.SigFoundByReason) {
		body += fmt.Sprintf("  %-12s %d\n", k, s.SigFoundByReason[k])
	}

	return styleTitle.Render("nautilus") + " " + m.spinner.View() + "\n" + body
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Run starts the bubbletea program and blocks until the user quits it
// (q or ctrl+c).
func Run(global *sharedstate.State) error {
	p := tea.NewProgram(NewModel(global))
	_, err := p.Run()
	return err
}
