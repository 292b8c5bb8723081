package tui

import (
	"fmt"
	"io"
	"strings"
	"time"

	tea "charm.land/bubbletea/v2"
)

// Profile is the user shown after a profile fetch.
type Profile struct {
	ID       int64
	Username string
	Email    string
	FullName string
	Roles    []string
}

// Report is the persisted session state shown by the status command.
type Report struct {
	Valid              bool
	NeedsRefresh       bool
	RememberMe         bool
	HasRefreshToken    bool
	FingerprintMatches bool
	// ExpiresIn is zero when there is no usable access token.
	ExpiresIn time.Duration
	TokenFile string
}

// Displayer abstracts all output from the session commands.
type Displayer interface {
	Banner(command string)
	SessionFound(rememberMe bool)
	SessionNotFound()
	SessionInvalid(err error)
	LoggingIn(username string)
	LoginOK(username string)
	TokenSaved(path string)
	Refreshing()
	RefreshOK()
	RefreshFailed(err error)
	FetchingProfile()
	ProfileFetched(p Profile, cached bool)
	APICallFailed(err error)
	ReAuthRequired()
	LoggedOut()
	SessionReport(r Report)
	Done(preview string, expiresIn time.Duration)
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stderr is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w io.Writer
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w}
}

func (p *PlainDisplayer) Banner(command string) {
	fmt.Fprintf(p.w, "=== Dashboard Session CLI: %s ===\n", command)
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionFound(rememberMe bool) {
	if rememberMe {
		fmt.Fprintln(p.w, "Found existing session (remembered)")
		return
	}
	fmt.Fprintln(p.w, "Found existing session")
}

func (p *PlainDisplayer) SessionNotFound() {
	fmt.Fprintln(p.w, "No session found, please log in")
}

func (p *PlainDisplayer) SessionInvalid(err error) {
	fmt.Fprintf(p.w, "Session discarded: %v\n", err)
}

func (p *PlainDisplayer) LoggingIn(username string) {
	fmt.Fprintf(p.w, "Logging in as %s...\n", username)
}

func (p *PlainDisplayer) LoginOK(username string) {
	fmt.Fprintf(p.w, "Logged in as %s\n", username)
}

func (p *PlainDisplayer) TokenSaved(path string) {
	fmt.Fprintf(p.w, "Session saved to %s\n", path)
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) RefreshOK() {
	fmt.Fprintln(p.w, "Token refreshed successfully!")
}

func (p *PlainDisplayer) RefreshFailed(err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
}

func (p *PlainDisplayer) FetchingProfile() {
	fmt.Fprintln(p.w, "Fetching current user...")
}

func (p *PlainDisplayer) ProfileFetched(u Profile, cached bool) {
	source := "server"
	if cached {
		source = "cache"
	}
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintf(p.w, "User:  %s (id %d, from %s)\n", u.Username, u.ID, source)
	if u.FullName != "" {
		fmt.Fprintf(p.w, "Name:  %s\n", u.FullName)
	}
	if u.Email != "" {
		fmt.Fprintf(p.w, "Email: %s\n", u.Email)
	}
	if len(u.Roles) > 0 {
		fmt.Fprintf(p.w, "Roles: %s\n", strings.Join(u.Roles, ", "))
	}
	fmt.Fprintln(p.w, "----------------------------------------")
}

func (p *PlainDisplayer) APICallFailed(err error) {
	fmt.Fprintf(p.w, "API call failed: %v\n", err)
}

func (p *PlainDisplayer) ReAuthRequired() {
	fmt.Fprintln(p.w, "Session ended, run 'login' to sign in again")
}

func (p *PlainDisplayer) LoggedOut() {
	fmt.Fprintln(p.w, "Logged out")
}

func (p *PlainDisplayer) SessionReport(r Report) {
	fmt.Fprintln(p.w, "----------------------------------------")
	fmt.Fprintf(p.w, "Token file:    %s\n", r.TokenFile)
	fmt.Fprintf(p.w, "Valid:         %t\n", r.Valid)
	fmt.Fprintf(p.w, "Refresh token: %t\n", r.HasRefreshToken)
	fmt.Fprintf(p.w, "This device:   %t\n", r.FingerprintMatches)
	fmt.Fprintf(p.w, "Remember me:   %t\n", r.RememberMe)
	if r.ExpiresIn > 0 {
		fmt.Fprintf(p.w, "Expires in:    %s\n", r.ExpiresIn.Round(time.Second))
	}
	if r.NeedsRefresh {
		fmt.Fprintln(p.w, "Access token is due for refresh")
	}
	fmt.Fprintln(p.w, "----------------------------------------")
}

func (p *PlainDisplayer) Done(preview string, expiresIn time.Duration) {
	fmt.Fprintln(p.w, "\n========================================")
	fmt.Fprintf(p.w, "Access Token: %s...\n", preview)
	fmt.Fprintf(p.w, "Expires In: %s\n", expiresIn.Round(time.Second))
	fmt.Fprintln(p.w, "========================================")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct{}

func (NoopDisplayer) Banner(_ string)                  {}
func (NoopDisplayer) SessionFound(_ bool)              {}
func (NoopDisplayer) SessionNotFound()                 {}
func (NoopDisplayer) SessionInvalid(_ error)           {}
func (NoopDisplayer) LoggingIn(_ string)               {}
func (NoopDisplayer) LoginOK(_ string)                 {}
func (NoopDisplayer) TokenSaved(_ string)              {}
func (NoopDisplayer) Refreshing()                      {}
func (NoopDisplayer) RefreshOK()                       {}
func (NoopDisplayer) RefreshFailed(_ error)            {}
func (NoopDisplayer) FetchingProfile()                 {}
func (NoopDisplayer) ProfileFetched(_ Profile, _ bool) {}
func (NoopDisplayer) APICallFailed(_ error)            {}
func (NoopDisplayer) ReAuthRequired()                  {}
func (NoopDisplayer) LoggedOut()                       {}
func (NoopDisplayer) SessionReport(_ Report)           {}
func (NoopDisplayer) Done(_ string, _ time.Duration)   {}
func (NoopDisplayer) Fatal(_ error)                    {}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p *tea.Program
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p}
}

func (t *ProgramDisplayer) Banner(command string) {
	t.p.Send(MsgBanner{Command: command})
}

func (t *ProgramDisplayer) SessionFound(rememberMe bool) {
	t.p.Send(MsgSessionFound{RememberMe: rememberMe})
}

func (t *ProgramDisplayer) SessionNotFound() {
	t.p.Send(MsgSessionNotFound{})
}

func (t *ProgramDisplayer) SessionInvalid(err error) {
	t.p.Send(MsgSessionInvalid{Err: err})
}

func (t *ProgramDisplayer) LoggingIn(username string) {
	t.p.Send(MsgLoggingIn{Username: username})
}

func (t *ProgramDisplayer) LoginOK(username string) {
	t.p.Send(MsgLoginOK{Username: username})
}

func (t *ProgramDisplayer) TokenSaved(path string) {
	t.p.Send(MsgTokenSaved{Path: path})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) RefreshOK() {
	t.p.Send(MsgRefreshOK{})
}

func (t *ProgramDisplayer) RefreshFailed(err error) {
	t.p.Send(MsgRefreshFailed{Err: err})
}

func (t *ProgramDisplayer) FetchingProfile() {
	t.p.Send(MsgFetchingProfile{})
}

func (t *ProgramDisplayer) ProfileFetched(u Profile, cached bool) {
	t.p.Send(MsgProfileFetched{Profile: u, Cached: cached})
}

func (t *ProgramDisplayer) APICallFailed(err error) {
	t.p.Send(MsgAPICallFailed{Err: err})
}

func (t *ProgramDisplayer) ReAuthRequired() {
	t.p.Send(MsgReAuthRequired{})
}

func (t *ProgramDisplayer) LoggedOut() {
	t.p.Send(MsgLoggedOut{})
}

func (t *ProgramDisplayer) SessionReport(r Report) {
	t.p.Send(MsgSessionReport{Report: r})
}

func (t *ProgramDisplayer) Done(preview string, expiresIn time.Duration) {
	t.p.Send(MsgDone{Preview: preview, ExpiresIn: expiresIn})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}
