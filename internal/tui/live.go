// Package tui renders live optimization progress: incumbent loss,
// generation counter, penalty diagnostics, and a loss-history plot.
package tui

import (
	"fmt"
	"math"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"
)

const (
	plotWidth   = 64
	plotHeight  = 10
	maxHistory  = 256
	frameEvery  = 100 * time.Millisecond
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	statStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	lossStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("84"))
	doneStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("208"))
)

// Progress is one update from the running fit.
type Progress struct {
	Generation int
	BestLoss   float64
	Penalized  int64
	Done       bool
	Reason     string
}

type tickMsg time.Time

// Model is the bubbletea model for one fit. Updates arrive over a
// channel owned by the caller; OnCancel is invoked when the user quits
// before the run finishes.
type Model struct {
	updates  <-chan Progress
	onCancel func()

	latest  Progress
	history []float64
	done    bool
	reason  string
}

func NewModel(updates <-chan Progress, onCancel func()) *Model {
	return &Model{
		updates:  updates,
		onCancel: onCancel,
		latest:   Progress{BestLoss: math.Inf(1)},
	}
}

func tick() tea.Cmd {
	return tea.Tick(frameEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) Init() tea.Cmd {
	return tick()
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			if !m.done && m.onCancel != nil {
				m.onCancel()
			}
			return m, tea.Quit
		}
	case tickMsg:
		m.drain()
		if m.done {
			return m, tea.Quit
		}
		return m, tick()
	}
	return m, nil
}

func (m *Model) drain() {
	for {
		select {
		case p, ok := <-m.updates:
			if !ok {
				m.done = true
				return
			}
			// Merge field-wise: improvement updates and the final Done
			// message each carry only part of the picture.
			if p.BestLoss < m.latest.BestLoss {
				m.history = append(m.history, math.Log10(p.BestLoss+1e-300))
				if len(m.history) > maxHistory {
					m.history = m.history[len(m.history)-maxHistory:]
				}
				m.latest.BestLoss = p.BestLoss
			}
			if p.Generation > m.latest.Generation {
				m.latest.Generation = p.Generation
			}
			if p.Penalized > 0 {
				m.latest.Penalized = p.Penalized
			}
			if p.Done {
				m.done = true
				m.reason = p.Reason
				return
			}
		default:
			return
		}
	}
}

func (m *Model) View() string {
	s := titleStyle.Render("kinopt fit") + "\n\n"

	loss := "-"
	if !math.IsInf(m.latest.BestLoss, 1) {
		loss = fmt.Sprintf("%.6g", m.latest.BestLoss)
	}
	s += fmt.Sprintf("%s %s\n", statStyle.Render("best loss:"), lossStyle.Render(loss))
	s += fmt.Sprintf("%s %d\n", statStyle.Render("generation:"), m.latest.Generation)
	s += fmt.Sprintf("%s %d\n\n", statStyle.Render("penalized evals:"), m.latest.Penalized)

	if len(m.history) >= 2 {
		s += asciigraph.Plot(m.history,
			asciigraph.Width(plotWidth),
			asciigraph.Height(plotHeight),
			asciigraph.Caption("log10 best loss"),
		) + "\n\n"
	}

	if m.done {
		s += doneStyle.Render("finished: "+m.reason) + "\n"
	} else {
		s += statStyle.Render("q to cancel") + "\n"
	}
	return s
}
