package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/llir/llvm/ir"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	declStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type browserState int

const (
	stateSelectFunc browserState = iota
	stateViewFunc
	stateViewDiagnostics
)

type funcEntry struct {
	fn     *ir.Func
	name   string
	blocks int
	insts  int
}

func (e funcEntry) declaration() bool {
	return len(e.fn.Blocks) == 0
}

type browserModel struct {
	filename string
	mod      *ir.Module
	diags    []error
	funcs    []funcEntry
	view     viewport.Model
	selected int
	offset   int
	width    int
	height   int
	ready    bool
	state    browserState
}

func newBrowserModel(filename string, mod *ir.Module, diags []error) *browserModel {
	m := &browserModel{filename: filename, mod: mod, diags: diags, state: stateSelectFunc}
	if mod != nil {
		for _, f := range mod.Funcs {
			e := funcEntry{fn: f, name: f.Name(), blocks: len(f.Blocks)}
			for _, b := range f.Blocks {
				e.insts += len(b.Insts) + 1
			}
			m.funcs = append(m.funcs, e)
		}
	}
	// definitions first, then by name
	sort.SliceStable(m.funcs, func(i, j int) bool {
		di, dj := m.funcs[i].declaration(), m.funcs[j].declaration()
		if di != dj {
			return !di
		}
		return m.funcs[i].name < m.funcs[j].name
	})
	return m
}

func (m *browserModel) Init() tea.Cmd {
	return nil
}

func (m *browserModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		h := max(msg.Height-4, 1)
		if !m.ready {
			m.view = viewport.New(msg.Width, h)
			m.ready = true
		} else {
			m.view.Width = msg.Width
			m.view.Height = h
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
				return m, nil
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.funcs)-1 {
				m.selected++
				return m, nil
			}

		case "enter":
			if m.state == stateSelectFunc && len(m.funcs) > 0 {
				m.open(stateViewFunc, m.funcs[m.selected].fn.LLString())
				return m, nil
			}

		case "d":
			if m.state == stateSelectFunc && len(m.diags) > 0 {
				m.open(stateViewDiagnostics, m.diagnosticsText())
				return m, nil
			}

		case "m":
			if m.state == stateSelectFunc && m.mod != nil {
				m.open(stateViewFunc, m.mod.String())
				return m, nil
			}

		case "esc":
			if m.state != stateSelectFunc {
				m.state = stateSelectFunc
				return m, nil
			}
		}
	}

	if m.state != stateSelectFunc && m.ready {
		var cmd tea.Cmd
		m.view, cmd = m.view.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *browserModel) open(state browserState, content string) {
	m.state = state
	if m.ready {
		m.view.SetContent(content)
		m.view.GotoTop()
	}
}

func (m *browserModel) diagnosticsText() string {
	var b strings.Builder
	for i, d := range m.diags {
		fmt.Fprintf(&b, "%d. %s\n", i+1, d)
	}
	return b.String()
}

// listHeight is the number of function rows that fit on screen.
func (m *browserModel) listHeight() int {
	if m.height <= 6 {
		return len(m.funcs)
	}
	return m.height - 6
}

func (m *browserModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("llgen"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	if len(m.diags) > 0 {
		b.WriteString("  ")
		b.WriteString(errorStyle.Render(fmt.Sprintf("%d diagnostic(s)", len(m.diags))))
	}
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		if len(m.funcs) == 0 {
			b.WriteString("Module has no functions.\n")
		}
		rows := m.listHeight()
		if m.selected < m.offset {
			m.offset = m.selected
		}
		if m.selected >= m.offset+rows {
			m.offset = m.selected - rows + 1
		}
		end := min(m.offset+rows, len(m.funcs))
		for i := m.offset; i < end; i++ {
			line := m.formatFunc(m.funcs[i])
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		help := "↑/↓ select • enter view IR • m whole module • q quit"
		if len(m.diags) > 0 {
			help = "↑/↓ select • enter view IR • m whole module • d diagnostics • q quit"
		}
		b.WriteString(helpStyle.Render(help))

	case stateViewFunc, stateViewDiagnostics:
		if !m.ready {
			b.WriteString("Initializing...")
			break
		}
		b.WriteString(m.view.View())
		b.WriteString("\n")
		b.WriteString(helpStyle.Render(fmt.Sprintf("%3.f%% • ↑/↓ scroll • esc back • q quit", m.view.ScrollPercent()*100)))
	}

	return b.String()
}

func (m *browserModel) formatFunc(e funcEntry) string {
	if e.declaration() {
		return declStyle.Render("declare " + e.name)
	}
	return funcStyle.Render(e.name) + helpStyle.Render(fmt.Sprintf("  %d blocks, %d insts", e.blocks, e.insts))
}

func runInteractive(filename string, mod *ir.Module, diags []error) error {
	p := tea.NewProgram(newBrowserModel(filename, mod, diags), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
