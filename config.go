package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Config is the resolved CLI configuration.
type Config struct {
	ServerURL      string        `mapstructure:"server_url"`
	APIPrefix      string        `mapstructure:"api_prefix"`
	TokenFile      string        `mapstructure:"token_file"`
	ClientID       string        `mapstructure:"client_id"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	MaxRetries     int           `mapstructure:"http_max_retries"`
	SessionTTL     time.Duration `mapstructure:"session_ttl"`
	RememberTTL    time.Duration `mapstructure:"remember_ttl"`
	LogLevel       string        `mapstructure:"log_level"`
	LogFile        string        `mapstructure:"log_file"`
	Username       string        `mapstructure:"session_username"`
	Password       string        `mapstructure:"session_password"`

	RememberMe bool `mapstructure:"-"`
	// Command is the first positional argument.
	Command string `mapstructure:"-"`
}

// Default values, lowest priority.
const (
	defaultServerURL = "http://localhost:8000"
	defaultTokenFile = ".session-tokens.json"
)

var commands = []string{"login", "logout", "me", "status", "refresh"}

// flagKeys maps each flag to its config key; flags win over env and file.
var flagKeys = map[string]string{
	"server-url":   "server_url",
	"api-prefix":   "api_prefix",
	"token-file":   "token_file",
	"client-id":    "client_id",
	"timeout":      "request_timeout",
	"retries":      "http_max_retries",
	"log-level":    "log_level",
	"log-file":     "log_file",
	"username":     "session_username",
	"password":     "session_password",
	"session-ttl":  "session_ttl",
	"remember-ttl": "remember_ttl",
}

// loadConfig resolves configuration with priority flag > env > config file >
// default. getenv is consulted only for CONFIG_FILE; viper reads the rest of
// the environment itself.
func loadConfig(args []string, getenv func(string) string, stderr io.Writer) (*Config, error) {
	fs := flag.NewFlagSet("session-cli", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(fs.Output(), "Usage: session-cli [flags] <%s>\n\nFlags:\n", strings.Join(commands, "|"))
		fs.PrintDefaults()
	}

	configFile := fs.String("config", "", "YAML config file (or CONFIG_FILE env)")
	remember := fs.Bool("remember", false, "keep the session for REMEMBER_TTL instead of SESSION_TTL")
	fs.String("server-url", "", "Backend URL (default: "+defaultServerURL+" or SERVER_URL env)")
	fs.String("api-prefix", "", "API path prefix (default: /api/v1 or API_PREFIX env)")
	fs.String("token-file", "", "Session storage file (default: "+defaultTokenFile+" or TOKEN_FILE env)")
	fs.String("client-id", "", "Client ID scoping the stored session (or CLIENT_ID env)")
	fs.String("timeout", "", "Per-request timeout, e.g. 30s (or REQUEST_TIMEOUT env)")
	fs.String("retries", "", "Transport retries for failed requests (or HTTP_MAX_RETRIES env)")
	fs.String("log-level", "", "Log level (or LOG_LEVEL env)")
	fs.String("log-file", "", "Write JSON logs to this file (or LOG_FILE env)")
	fs.String("username", "", "Login username (or SESSION_USERNAME env)")
	fs.String("password", "", "Login password (or SESSION_PASSWORD env); prompted when empty")
	fs.String("session-ttl", "", "Refresh token lifetime without -remember (or SESSION_TTL env)")
	fs.String("remember-ttl", "", "Refresh token lifetime with -remember (or REMEMBER_TTL env)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("yaml")
	path := *configFile
	if path == "" {
		path = getenv("CONFIG_FILE")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	v.SetDefault("server_url", defaultServerURL)
	v.SetDefault("api_prefix", "/api/v1")
	v.SetDefault("token_file", defaultTokenFile)
	v.SetDefault("client_id", "")
	v.SetDefault("request_timeout", "30s")
	v.SetDefault("http_max_retries", 0)
	v.SetDefault("session_ttl", "24h")
	v.SetDefault("remember_ttl", "720h")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")
	// USERNAME is often set by the OS, hence the prefix.
	v.SetDefault("session_username", "")
	v.SetDefault("session_password", "")
	v.AutomaticEnv()

	fs.Visit(func(f *flag.Flag) {
		if key, ok := flagKeys[f.Name]; ok {
			v.Set(key, f.Value.String())
		}
	})

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	cfg.RememberMe = *remember

	if fs.NArg() != 1 {
		fs.Usage()
		return nil, errors.New("exactly one command is required")
	}
	cfg.Command = fs.Arg(0)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	valid := false
	for _, cmd := range commands {
		if c.Command == cmd {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("unknown command %q (want one of %s)", c.Command, strings.Join(commands, ", "))
	}

	if err := validateServerURL(c.ServerURL); err != nil {
		return fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("REQUEST_TIMEOUT must be positive, got: %s", c.RequestTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("HTTP_MAX_RETRIES must not be negative, got: %d", c.MaxRetries)
	}
	if c.SessionTTL <= 0 || c.RememberTTL <= 0 {
		return errors.New("SESSION_TTL and REMEMBER_TTL must be positive")
	}
	if c.TokenFile == "" {
		return errors.New("TOKEN_FILE cannot be empty")
	}
	return nil
}

// warnings returns non-fatal configuration problems.
func (c *Config) warnings() []string {
	var out []string
	if strings.HasPrefix(strings.ToLower(c.ServerURL), "http://") {
		out = append(out,
			"WARNING: Using HTTP instead of HTTPS. Tokens will be transmitted in plaintext!",
			"This is only safe for local development. Use HTTPS in production.",
		)
	}
	if c.ClientID != "" {
		if _, err := uuid.Parse(c.ClientID); err != nil {
			out = append(out, fmt.Sprintf("Warning: CLIENT_ID doesn't appear to be a valid UUID: %s", c.ClientID))
		}
	}
	return out
}

// profile is the key the session is stored under in the token file.
func (c *Config) profile() string {
	base := strings.TrimRight(c.ServerURL, "/")
	if c.ClientID == "" {
		return base
	}
	return base + "#" + c.ClientID
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}
