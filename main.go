package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	retry "github.com/appleboy/go-httpretry"
	"github.com/charmbracelet/x/term"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/go-authgate/session-cli/fingerprint"
	"github.com/go-authgate/session-cli/session"
	"github.com/go-authgate/session-cli/tokenstore"
	"github.com/go-authgate/session-cli/tui"
)

// tokenPreviewLen is how much of the access token is echoed back.
const tokenPreviewLen = 20

// isTTY reports whether stderr is an interactive terminal.
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	return term.IsTerminal(os.Stderr.Fd())
}

func main() {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg, err := loadConfig(os.Args[1:], os.Getenv, os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(2)
	}

	if warnings := cfg.warnings(); len(warnings) > 0 {
		for _, w := range warnings {
			fmt.Fprintln(os.Stderr, "⚠️  "+w)
		}
		fmt.Fprintln(os.Stderr)
	}

	logger, err := newLogger(cfg.LogLevel, cfg.LogFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// Credentials are read before the TUI takes over the terminal.
	if cfg.Command == "login" {
		if err := promptCredentials(cfg, os.Stdin, os.Stderr); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var runErr error
	if isTTY() {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries. Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		runErr = run(ctx, cfg, tui.NewProgramDisplayer(p), logger)
		p.Quit()
		wg.Wait()
	} else {
		runErr = run(ctx, cfg, tui.NewPlainDisplayer(os.Stderr), logger)
	}

	if runErr != nil {
		logger.Error("command failed", zap.String("command", cfg.Command), zap.Error(runErr))
		os.Exit(1)
	}
}

// newHTTPClient builds the shared transport. Retries stay off unless
// configured: only the session layer decides when a request is resent.
func newHTTPClient(cfg *Config) (*retry.Client, error) {
	baseHTTPClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	client, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
		retry.WithMaxRetries(cfg.MaxRetries),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return client, nil
}

// newManager wires the session manager over the token file.
func newManager(cfg *Config, d tui.Displayer, logger *zap.Logger) (*session.Manager, error) {
	httpClient, err := newHTTPClient(cfg)
	if err != nil {
		return nil, err
	}

	store := tokenstore.NewFileStore(cfg.TokenFile, cfg.profile(),
		tokenstore.WithLifetimes(cfg.SessionTTL, cfg.RememberTTL),
		tokenstore.WithLogger(logger.Named("tokenstore")),
	)

	return session.NewManager(session.Config{
		BaseURL:    cfg.ServerURL,
		Prefix:     cfg.APIPrefix,
		Timeout:    cfg.RequestTimeout,
		HTTPClient: httpClient,
		Store:      store,
		Device:     fingerprint.New(fingerprint.WithLogger(logger.Named("fingerprint"))),
		OnAuthFailure: func(err error) {
			logger.Warn("session terminated", zap.Error(err))
			d.ReAuthRequired()
		},
		Logger: logger,
	})
}

func run(ctx context.Context, cfg *Config, d tui.Displayer, logger *zap.Logger) error {
	d.Banner(cfg.Command)

	m, err := newManager(cfg, d, logger)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer m.Close()

	switch cfg.Command {
	case "login":
		err = runLogin(ctx, cfg, m, d)
	case "logout":
		err = runLogout(ctx, m, d)
	case "me":
		err = runMe(ctx, m, d)
	case "status":
		err = runStatus(cfg, m, d)
	case "refresh":
		err = runRefresh(ctx, m, d)
	default:
		err = fmt.Errorf("unknown command %q", cfg.Command)
	}

	if err != nil {
		d.Fatal(err)
	}
	return err
}

func runLogin(ctx context.Context, cfg *Config, m *session.Manager, d tui.Displayer) error {
	d.LoggingIn(cfg.Username)
	if err := m.Login(ctx, cfg.Username, cfg.Password, cfg.RememberMe); err != nil {
		return err
	}
	d.LoginOK(cfg.Username)
	d.TokenSaved(cfg.TokenFile)
	return showToken(m, d)
}

func runLogout(ctx context.Context, m *session.Manager, d tui.Displayer) error {
	if err := m.Logout(ctx); err != nil {
		return err
	}
	d.LoggedOut()
	return nil
}

func runMe(ctx context.Context, m *session.Manager, d tui.Displayer) error {
	st := m.Status()
	if !st.HasRefreshToken {
		d.SessionNotFound()
		return session.ErrNoSession
	}
	d.SessionFound(st.RememberMe)

	unsubscribe := m.Subscribe(func(session.RefreshedEvent) { d.RefreshOK() })
	defer unsubscribe()

	_, cached := m.CachedUser()
	if !cached {
		if st.NeedsRefresh {
			d.Refreshing()
		}
		d.FetchingProfile()
	}

	u, err := m.CurrentUser(ctx)
	if err != nil {
		reportSessionError(d, err)
		return err
	}
	d.ProfileFetched(toProfile(u), cached)
	return nil
}

func runStatus(cfg *Config, m *session.Manager, d tui.Displayer) error {
	st := m.Status()
	r := tui.Report{
		Valid:              st.Valid,
		NeedsRefresh:       st.NeedsRefresh,
		RememberMe:         st.RememberMe,
		HasRefreshToken:    st.HasRefreshToken,
		FingerprintMatches: st.FingerprintMatches,
		TokenFile:          cfg.TokenFile,
	}
	if st.HasAccessToken {
		r.ExpiresIn = time.Until(st.AccessTokenExpiry)
	}
	d.SessionReport(r)
	return nil
}

func runRefresh(ctx context.Context, m *session.Manager, d tui.Displayer) error {
	d.Refreshing()
	if _, err := m.Refresh(ctx); err != nil {
		reportSessionError(d, err)
		return err
	}
	d.RefreshOK()
	return showToken(m, d)
}

func showToken(m *session.Manager, d tui.Displayer) error {
	tok, err := m.Token()
	if err != nil {
		return err
	}
	preview := tok.AccessToken
	if len(preview) > tokenPreviewLen {
		preview = preview[:tokenPreviewLen]
	}
	d.Done(preview, time.Until(tok.Expiry).Round(time.Second))
	return nil
}

func reportSessionError(d tui.Displayer, err error) {
	switch {
	case errors.Is(err, session.ErrRefreshFailed):
		d.RefreshFailed(err)
	case errors.Is(err, session.ErrFingerprintMismatch):
		d.SessionInvalid(err)
	case errors.Is(err, session.ErrNoSession):
		d.SessionNotFound()
	default:
		d.APICallFailed(err)
	}
}

func toProfile(u *session.User) tui.Profile {
	return tui.Profile{
		ID:       u.ID,
		Username: u.Username,
		Email:    u.Email,
		FullName: u.FullName,
		Roles:    u.Roles,
	}
}

// promptCredentials asks for whatever the flags and environment left empty.
// The password is read without echo when in is a terminal.
func promptCredentials(cfg *Config, in *os.File, out io.Writer) error {
	reader := bufio.NewReader(in)

	if cfg.Username == "" {
		fmt.Fprint(out, "Username: ")
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			return fmt.Errorf("failed to read username: %w", err)
		}
		cfg.Username = strings.TrimSpace(line)
	}
	if cfg.Username == "" {
		return errors.New("username is required")
	}

	if cfg.Password == "" {
		fmt.Fprint(out, "Password: ")
		if term.IsTerminal(in.Fd()) {
			pw, err := term.ReadPassword(in.Fd())
			fmt.Fprintln(out)
			if err != nil {
				return fmt.Errorf("failed to read password: %w", err)
			}
			cfg.Password = string(pw)
		} else {
			line, err := reader.ReadString('\n')
			if err != nil && line == "" {
				return fmt.Errorf("failed to read password: %w", err)
			}
			cfg.Password = strings.TrimRight(line, "\r\n")
		}
	}
	if cfg.Password == "" {
		return errors.New("password is required")
	}
	return nil
}
