package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	robot "ot2-driver/internal/robot/domain"
)

type styles struct {
	color     bool
	header    lipgloss.Style
	label     lipgloss.Style
	errorText lipgloss.Style
	dim       lipgloss.Style
	ok        lipgloss.Style
	busy      lipgloss.Style
	bad       lipgloss.Style
	paused    lipgloss.Style
}

// newStyles enables color only when w is a terminal.
func newStyles(w io.Writer) styles {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	plain := lipgloss.NewStyle()
	s := styles{color: color, header: plain, label: plain, errorText: plain, dim: plain, ok: plain, busy: plain, bad: plain, paused: plain}
	if !color {
		return s
	}
	s.header = plain.Bold(true).Foreground(lipgloss.Color("14"))
	s.label = plain.Bold(true)
	s.errorText = plain.Foreground(lipgloss.Color("9"))
	s.dim = plain.Faint(true)
	s.ok = plain.Bold(true).Foreground(lipgloss.Color("10"))
	s.busy = plain.Foreground(lipgloss.Color("11"))
	s.bad = plain.Bold(true).Foreground(lipgloss.Color("9"))
	s.paused = plain.Foreground(lipgloss.Color("12"))
	return s
}

func (s styles) status(status string) string {
	switch status {
	case string(robot.RunSucceeded), string(robot.RobotIdle):
		return s.ok.Render(status)
	case string(robot.RunRunning), string(robot.RunFinishing), string(robot.RunStopRequested):
		return s.busy.Render(status)
	case string(robot.RunFailed), string(robot.RunStopped), string(robot.RobotOffline):
		return s.bad.Render(status)
	case string(robot.RunPaused):
		return s.paused.Render(status)
	default:
		return status
	}
}

func (s styles) printHeader(w io.Writer, title string) {
	fmt.Fprintln(w, s.header.Render(title))
}

func (s styles) printField(w io.Writer, label, value string) {
	fmt.Fprintf(w, "  %s %s\n", s.label.Render(fmt.Sprintf("%-14s", label+":")), value)
}
