package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"

	"capaudit/internal/capability"
)

// interactive reports whether stdin and stdout are terminals.
func interactive() bool {
	tty := func(f *os.File) bool {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return tty(os.Stdin) && tty(os.Stdout)
}

// baselineModel asks for the capabilities every package may use. Invalid
// input keeps the prompt open and shows the parse error.
type baselineModel struct {
	input  textinput.Model
	caps   capability.Set
	errMsg string
	done   bool
}

func newBaselineModel(def capability.Set) baselineModel {
	ti := textinput.New()
	ti.Placeholder = def.String()
	ti.SetValue(strings.Join(def.Names(), ", "))
	ti.CharLimit = 256
	ti.Width = 60
	ti.Focus()
	return baselineModel{input: ti, caps: def}
}

func (m baselineModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m baselineModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			caps, err := capability.ParseCSV(m.input.Value())
			if err != nil {
				m.errMsg = err.Error()
				return m, nil
			}
			m.caps = caps
			m.done = true
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	m.errMsg = ""
	return m, cmd
}

func (m baselineModel) View() string {
	if m.done {
		return ""
	}
	var b strings.Builder
	b.WriteString("Capabilities every package may use (comma separated, * for anything):\n")
	for _, c := range capability.All() {
		fmt.Fprintf(&b, "  %-9s %s\n", c, c.Description())
	}
	fmt.Fprintf(&b, "\n%s\n", m.input.View())
	if m.errMsg != "" {
		fmt.Fprintf(&b, "  %s\n", m.errMsg)
	}
	return b.String()
}

// promptBaseline runs the prompt and returns the chosen set.
func promptBaseline(def capability.Set) (capability.Set, error) {
	result, err := tea.NewProgram(newBaselineModel(def)).Run()
	if err != nil {
		return capability.None, err
	}
	final, ok := result.(baselineModel)
	if !ok || !final.done {
		return capability.None, fmt.Errorf("prompt cancelled")
	}
	return final.caps, nil
}
