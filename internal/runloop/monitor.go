package runloop

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/stepd/internal/executor"
)

var (
	attemptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("46")).
		Bold(true)

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

// ConsoleMonitor prints the interleaved message stream, prefixing each
// line with its attempt index when more than one attempt runs.
type ConsoleMonitor struct {
	w        io.Writer
	attempts int
}

func NewConsoleMonitor(w io.Writer, attempts int) *ConsoleMonitor {
	return &ConsoleMonitor{w: w, attempts: attempts}
}

func (m *ConsoleMonitor) OnMessage(attempt int, msg executor.Message) {
	if msg.Content == "" {
		return
	}
	if m.attempts > 1 {
		fmt.Fprintf(m.w, "%s %s\n", attemptStyle.Render(fmt.Sprintf("[%d]", attempt+1)), msg.Content)
		return
	}
	fmt.Fprintln(m.w, msg.Content)
}

func (m *ConsoleMonitor) OnDone(attempt int, res Result) {
	status := okStyle.Render("ok")
	if res.ExitCode != 0 {
		status = failStyle.Render(fmt.Sprintf("exit %d", res.ExitCode))
	}
	label := ""
	if m.attempts > 1 {
		label = attemptStyle.Render(fmt.Sprintf("[%d] ", attempt+1))
	}
	fmt.Fprintf(m.w, "%s%s\n", label, dimStyle.Render("attempt finished: ")+status)
}
