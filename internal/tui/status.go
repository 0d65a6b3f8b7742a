// Package tui renders the terminal status surface: the offline banner, the
// pending-change badge, and transient toasts. It consumes the pipeline's
// state read-only and implements the notifier sink; all actual sync logic
// lives elsewhere.
package tui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

const toastTTL = 5 * time.Second

// Surface owns the Bubble Tea program for the status panel. It satisfies
// syncer.Notifier so pipeline notices land as toasts.
type Surface struct {
	logger    *slog.Logger
	program   *tea.Program
	onlineFn  func() bool
	pendingFn func() int
	cancel    context.CancelFunc
}

// NewSurface creates the status panel. onlineFn and pendingFn are polled to
// refresh the banner and badge.
func NewSurface(onlineFn func() bool, pendingFn func() int, logger *slog.Logger) *Surface {
	if logger == nil {
		logger = slog.Default()
	}
	return &Surface{
		logger:    logger.With("component", "tui"),
		onlineFn:  onlineFn,
		pendingFn: pendingFn,
	}
}

// Start launches the panel. It blocks on stdin in its own goroutine; the
// returned context-derived cancel is invoked when the user quits.
func (s *Surface) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	model := newStatusModel(s)
	s.program = tea.NewProgram(model, tea.WithContext(ctx))

	go func() {
		if _, err := s.program.Run(); err != nil && ctx.Err() == nil {
			s.logger.Error("status panel crashed", "error", err)
		}
		s.cancel()
	}()
}

// Stop quits the panel.
func (s *Surface) Stop() {
	if s.program != nil {
		s.program.Quit()
	}
	if s.cancel != nil {
		s.cancel()
	}
}

// Info implements syncer.Notifier.
func (s *Surface) Info(msg string) {
	s.send(toastMsg{text: msg})
}

// Error implements syncer.Notifier.
func (s *Surface) Error(msg string) {
	s.send(toastMsg{text: msg, isError: true})
}

func (s *Surface) send(msg tea.Msg) {
	if s.program != nil {
		s.program.Send(msg)
	}
}

// ─────────────────────────────────────────────────────
// Bubble Tea messages
// ─────────────────────────────────────────────────────

type toastMsg struct {
	text    string
	isError bool
}

type tickMsg struct{}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

// ─────────────────────────────────────────────────────
// Styles
// ─────────────────────────────────────────────────────

var (
	successColor = lipgloss.Color("#10B981") // green
	errorColor   = lipgloss.Color("#EF4444") // red
	warnColor    = lipgloss.Color("#F59E0B") // amber
	mutedColor   = lipgloss.Color("#6B7280") // gray

	onlineBanner = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(successColor).
			Padding(0, 1)

	offlineBanner = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(errorColor).
			Padding(0, 1)

	badgeStyle = lipgloss.NewStyle().
			Foreground(warnColor).
			Bold(true)

	toastInfo = lipgloss.NewStyle().
			Foreground(successColor)

	toastError = lipgloss.NewStyle().
			Foreground(errorColor)

	footerStyle = lipgloss.NewStyle().
			Foreground(mutedColor)
)

// ─────────────────────────────────────────────────────
// Model
// ─────────────────────────────────────────────────────

type toast struct {
	text    string
	isError bool
	shownAt time.Time
}

type statusModel struct {
	surface *Surface
	spin    spinner.Model
	online  bool
	pending int
	toasts  []toast
}

func newStatusModel(s *Surface) statusModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(warnColor)

	return statusModel{
		surface: s,
		spin:    sp,
		online:  s.onlineFn(),
		pending: s.pendingFn(),
	}
}

func (m statusModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, tickCmd())
}

func (m statusModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tickMsg:
		m.online = m.surface.onlineFn()
		m.pending = m.surface.pendingFn()
		m.toasts = pruneToasts(m.toasts)
		return m, tickCmd()

	case toastMsg:
		m.toasts = append(m.toasts, toast{
			text:    msg.text,
			isError: msg.isError,
			shownAt: time.Now(),
		})
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m statusModel) View() string {
	var b strings.Builder

	if m.online {
		b.WriteString(onlineBanner.Render("● ONLINE"))
		if m.pending > 0 {
			b.WriteString("  " + m.spin.View() + badgeStyle.Render(
				fmt.Sprintf("syncing %d pending change(s)", m.pending)))
		}
	} else {
		b.WriteString(offlineBanner.Render("⚠ OFFLINE"))
		if m.pending > 0 {
			b.WriteString("  " + badgeStyle.Render(
				fmt.Sprintf("%d change(s) pending sync", m.pending)))
		}
	}
	b.WriteString("\n")

	for _, t := range m.toasts {
		if t.isError {
			b.WriteString(toastError.Render("✗ "+t.text) + "\n")
		} else {
			b.WriteString(toastInfo.Render("✓ "+t.text) + "\n")
		}
	}

	b.WriteString(footerStyle.Render("q: quit"))
	return b.String()
}

func pruneToasts(toasts []toast) []toast {
	var kept []toast
	for _, t := range toasts {
		if time.Since(t.shownAt) < toastTTL {
			kept = append(kept, t)
		}
	}
	return kept
}
