package audit

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/amishk599/harvester/internal/model"
)

var (
	pickerTitleStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("39")).
				Padding(1, 0, 1, 2)

	pickerItemStyle = lipgloss.NewStyle().
			Padding(0, 0, 0, 4)

	pickerSelectedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("39")).
				Bold(true).
				Padding(0, 0, 0, 2)

	pickerHintStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Padding(1, 0, 0, 2)
)

// View is a named, preset Filter offered by the picker.
type View struct {
	Name   string
	Filter Filter
}

// DefaultViews returns the picker presets, scoped to userID when set.
func DefaultViews(userID string, limit int) []View {
	views := []View{
		{Name: "All entries"},
		{Name: "Failed attempts", Filter: Filter{Action: model.ActionAttempt, Status: model.AuditFailure}},
		{Name: "Partial successes", Filter: Filter{Status: model.AuditPartial}},
		{Name: "Cache hits", Filter: Filter{Action: model.ActionCacheHit}},
		{Name: "Cancellations", Filter: Filter{Action: model.ActionCancel}},
		{Name: "Requeues", Filter: Filter{Action: model.ActionRequeue}},
	}
	for i := range views {
		views[i].Filter.UserID = userID
		views[i].Filter.Limit = limit
	}
	return views
}

type pickerModel struct {
	views  []View
	scope  string
	cursor int
	chosen int // -1 = no choice yet, -2 = quit
}

func (m pickerModel) Init() tea.Cmd {
	return nil
}

func (m pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.chosen = -2
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.views)-1 {
				m.cursor++
			}
		case "enter":
			m.chosen = m.cursor
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m pickerModel) View() string {
	s := pickerTitleStyle.Render("Audit Log · " + m.scope)
	s += "\n"

	for i, v := range m.views {
		label := v.Name
		if v.Filter.Action != "" {
			label = fmt.Sprintf("%s (%s)", v.Name, v.Filter.Action)
		}
		if i == m.cursor {
			s += pickerSelectedStyle.Render("> "+label) + "\n"
		} else {
			s += pickerItemStyle.Render(label) + "\n"
		}
	}

	s += pickerHintStyle.Render("↑/↓/j/k navigate  enter select  q quit")
	return s
}

// RunViewPicker shows an interactive selector over views.
// Returns the index of the chosen view, or -1 if the user quit.
func RunViewPicker(scope string, views []View) (int, error) {
	m := pickerModel{
		views:  views,
		scope:  scope,
		chosen: -1,
	}

	p := tea.NewProgram(m)
	result, err := p.Run()
	if err != nil {
		return -1, err
	}

	final := result.(pickerModel)
	if final.chosen < 0 {
		return -1, nil
	}
	return final.chosen, nil
}
