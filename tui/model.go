package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// state represents the phase of the running command.
type state int

const (
	stateInit       state = iota
	stateLoggingIn        // exchanging credentials
	stateRefreshing       // refreshing the access token
	stateFetching         // fetching the current user
	stateSuccess          // command finished
	stateError            // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

type statusLine struct {
	kind statusKind
	text string
}

// Model is the BubbleTea model for the session commands.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	command  string
	username string

	// Result panels; at most one is set per command.
	profile   *Profile
	cached    bool
	report    *Report
	loggedOut bool

	tokenPreview string
	expiresIn    time.Duration
	errMsg       string

	statusLines []statusLine
}

var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	stylePanel = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Session messages ─────────────────────────────────────────────────────

	case MsgBanner:
		m.command = msg.Command
		return m, nil

	case MsgSessionFound:
		if msg.RememberMe {
			m.addStatus(statusOK, "Found existing session (remembered)")
		} else {
			m.addStatus(statusOK, "Found existing session")
		}
		return m, nil

	case MsgSessionNotFound:
		m.addStatus(statusInfo, "No session found")
		return m, nil

	case MsgSessionInvalid:
		m.addStatus(statusWarn, fmt.Sprintf("Session discarded: %v", msg.Err))
		return m, nil

	case MsgLoggingIn:
		m.state = stateLoggingIn
		m.username = msg.Username
		return m, nil

	case MsgLoginOK:
		m.addStatus(statusOK, "Logged in as "+msg.Username)
		return m, nil

	case MsgTokenSaved:
		m.addStatus(statusOK, "Session saved to "+msg.Path)
		return m, nil

	case MsgRefreshing:
		m.state = stateRefreshing
		m.addStatus(statusInfo, "Refreshing access token...")
		return m, nil

	case MsgRefreshOK:
		m.addStatus(statusOK, "Token refreshed successfully")
		return m, nil

	case MsgRefreshFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Refresh failed: %v", msg.Err))
		return m, nil

	case MsgFetchingProfile:
		m.state = stateFetching
		return m, nil

	case MsgProfileFetched:
		p := msg.Profile
		m.profile = &p
		m.cached = msg.Cached
		m.state = stateSuccess
		return m, nil

	case MsgAPICallFailed:
		m.addStatus(statusWarn, fmt.Sprintf("API call failed: %v", msg.Err))
		return m, nil

	case MsgReAuthRequired:
		m.addStatus(statusWarn, "Session ended, please log in again")
		return m, nil

	case MsgLoggedOut:
		m.loggedOut = true
		m.state = stateSuccess
		return m, nil

	case MsgSessionReport:
		r := msg.Report
		m.report = &r
		m.state = stateSuccess
		return m, nil

	case MsgDone:
		m.tokenPreview = msg.Preview
		m.expiresIn = msg.ExpiresIn
		m.state = stateSuccess
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

func (m Model) title() string {
	title := "  Dashboard Session  "
	if m.command != "" {
		title = "  Dashboard Session: " + m.command + "  "
	}
	return styleTitleBox.Render(title)
}

// viewMain is shown while the command is in progress.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(m.title())
	b.WriteString("\n\n")

	b.WriteString(m.spinner.View())
	switch m.state {
	case stateLoggingIn:
		b.WriteString(" Logging in as " + styleBold.Render(m.username) + "...\n")
	case stateRefreshing:
		b.WriteString(" Refreshing access token...\n")
	case stateFetching:
		b.WriteString(" Fetching current user...\n")
	default:
		b.WriteString(" Loading session...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess renders whichever result the command produced.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(m.title())
	b.WriteString("\n\n")

	switch {
	case m.profile != nil:
		b.WriteString(stylePanel.Render(m.viewProfile()))
		b.WriteString("\n")
	case m.report != nil:
		b.WriteString(stylePanel.Render(m.viewReport()))
		b.WriteString("\n")
	case m.loggedOut:
		b.WriteString(styleOK.Render("  ✓ Logged out"))
		b.WriteString("\n")
	default:
		b.WriteString(styleOK.Render("  ✓ Session active"))
		b.WriteString("\n\n")
		b.WriteString(styleBold.Render("Access Token: "))
		b.WriteString(m.tokenPreview + "...\n")
		b.WriteString(styleBold.Render("Expires In:   "))
		b.WriteString(formatDuration(m.expiresIn) + "\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewProfile() string {
	p := m.profile
	var b strings.Builder

	b.WriteString(styleBold.Render(p.Username))
	if m.cached {
		b.WriteString(styleDim.Render("  (cached)"))
	}
	b.WriteString("\n")
	if p.FullName != "" {
		b.WriteString(p.FullName + "\n")
	}
	if p.Email != "" {
		b.WriteString(styleDim.Render(p.Email) + "\n")
	}
	if len(p.Roles) > 0 {
		b.WriteString("Roles: " + strings.Join(p.Roles, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m Model) viewReport() string {
	r := m.report
	var b strings.Builder

	row := func(label string, ok bool) {
		mark := styleErr.Render("✗")
		if ok {
			mark = styleOK.Render("✓")
		}
		b.WriteString(mark + " " + label + "\n")
	}
	row("Session valid", r.Valid)
	row("Refresh token present", r.HasRefreshToken)
	row("Bound to this device", r.FingerprintMatches)
	row("Remember me", r.RememberMe)

	if r.ExpiresIn > 0 {
		b.WriteString(styleDim.Render("Access token expires in " + formatDuration(r.ExpiresIn)))
		b.WriteString("\n")
	}
	if r.NeedsRefresh {
		b.WriteString(styleWarn.Render("Access token is due for refresh"))
		b.WriteString("\n")
	}
	b.WriteString(styleDim.Render(r.TokenFile))
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ " + m.failureTitle()))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) failureTitle() string {
	switch m.command {
	case "login":
		return "Login failed"
	case "":
		return "Command failed"
	default:
		return m.command + " failed"
	}
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
}

// formatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
