package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/typst-bridge/resource"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	familyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	detailStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFD166"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	tableBorder = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("#444444"))
)

type browserState int

const (
	stateBrowse browserState = iota
	stateFilter
	stateDetail
)

type fontBrowser struct {
	bundle   *resource.Bundle
	root     string
	faces    []resource.Face
	shown    []resource.Face
	warnings []string
	table    table.Model
	filter   textinput.Model
	state    browserState
	showLog  bool
}

func newFontBrowser(root string, b *resource.Bundle) *fontBrowser {
	columns := []table.Column{
		{Title: "Family", Width: 28},
		{Title: "Style", Width: 16},
		{Title: "Format", Width: 6},
		{Title: "Size", Width: 10},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(16),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FAFAFA")).
		Background(lipgloss.Color("#7D56F4"))
	t.SetStyles(styles)

	ti := textinput.New()
	ti.Prompt = "filter: "
	ti.Placeholder = "family or style"
	ti.Width = 40

	m := &fontBrowser{
		bundle:   b,
		root:     root,
		faces:    b.Faces(),
		warnings: b.Warnings(),
		table:    t,
		filter:   ti,
	}
	m.apply("")
	return m
}

// apply filters the face list by a case-insensitive substring.
func (m *fontBrowser) apply(q string) {
	q = strings.ToLower(strings.TrimSpace(q))
	m.shown = m.shown[:0]
	rows := make([]table.Row, 0, len(m.faces))
	for _, f := range m.faces {
		if q != "" &&
			!strings.Contains(strings.ToLower(f.Family), q) &&
			!strings.Contains(strings.ToLower(f.Style), q) {
			continue
		}
		m.shown = append(m.shown, f)
		rows = append(rows, table.Row{f.Family, f.Style, string(f.Format), humanSize(f.Size)})
	}
	m.table.SetRows(rows)
	m.table.SetCursor(0)
}

func (m *fontBrowser) Init() tea.Cmd { return nil }

func (m *fontBrowser) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, isKey := msg.(tea.KeyMsg)

	if m.state == stateFilter {
		if isKey {
			switch key.String() {
			case "enter", "esc":
				if key.String() == "esc" {
					m.filter.SetValue("")
					m.apply("")
				}
				m.filter.Blur()
				m.table.Focus()
				m.state = stateBrowse
				return m, nil
			}
		}
		var cmd tea.Cmd
		m.filter, cmd = m.filter.Update(msg)
		m.apply(m.filter.Value())
		return m, cmd
	}

	if isKey {
		switch key.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "/":
			if m.state == stateBrowse {
				m.state = stateFilter
				m.table.Blur()
				return m, m.filter.Focus()
			}

		case "w":
			m.showLog = !m.showLog
			return m, nil

		case "enter":
			switch m.state {
			case stateBrowse:
				if len(m.shown) > 0 {
					m.state = stateDetail
				}
			case stateDetail:
				m.state = stateBrowse
			}
			return m, nil

		case "esc":
			if m.state == stateDetail {
				m.state = stateBrowse
				return m, nil
			}
		}
	}

	if m.state == stateBrowse {
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *fontBrowser) selected() (resource.Face, bool) {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.shown) {
		return resource.Face{}, false
	}
	return m.shown[i], true
}

func (m *fontBrowser) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Font Bundle"))
	b.WriteString(" ")
	b.WriteString(m.root)
	b.WriteString(fmt.Sprintf("  %d faces, %d families\n\n", m.bundle.Len(), len(m.bundle.Families())))

	switch m.state {
	case stateDetail:
		f, ok := m.selected()
		if !ok {
			break
		}
		b.WriteString(familyStyle.Render(f.Family + " " + f.Style))
		b.WriteString("\n\n")
		for _, kv := range [][2]string{
			{"path", f.Path},
			{"format", string(f.Format)},
			{"collection", fmt.Sprintf("%v", f.Format.IsCollection())},
			{"size", humanSize(f.Size)},
			{"handle", fmt.Sprintf("%d", f.Handle)},
		} {
			b.WriteString(fmt.Sprintf("  %-11s %s\n", kv[0], detailStyle.Render(kv[1])))
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("enter/esc back • q quit"))

	default:
		b.WriteString(tableBorder.Render(m.table.View()))
		b.WriteString("\n")
		if m.state == stateFilter || m.filter.Value() != "" {
			b.WriteString(m.filter.View())
			b.WriteString("\n")
		}
		if m.showLog {
			for _, w := range m.warnings {
				b.WriteString(warningStyle.Render("! " + w))
				b.WriteString("\n")
			}
		}
		b.WriteString("\n")
		help := "↑/↓ select • enter details • / filter • q quit"
		if len(m.warnings) > 0 {
			help += fmt.Sprintf(" • w warnings (%d)", len(m.warnings))
		}
		b.WriteString(helpStyle.Render(help))
	}

	return b.String()
}

func runInteractive(root string, b *resource.Bundle) error {
	p := tea.NewProgram(newFontBrowser(root, b), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
