package fingerprint

import (
	"errors"
	"fmt"
	"os"
	"os/user"
	"runtime"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
)

// Strategy produces the raw device signature that gets hashed into a
// fingerprint. Available is a cheap capability check; Signature may still
// fail, in which case the next strategy is tried.
type Strategy interface {
	Name() string
	Available() bool
	Signature() (string, error)
}

// machineIDPaths are the usual locations of a stable per-install identifier
// on Linux and the BSDs.
var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
	"/etc/hostid",
}

// HostStrategy is the rich source: the OS machine id plus hardware and
// platform attributes.
type HostStrategy struct {
	// ReadFile and Hostname default to the os package.
	ReadFile func(string) ([]byte, error)
	Hostname func() (string, error)
	Paths    []string
	// PlatformID is consulted when no path yields an id. It defaults to
	// machineid.ID, which covers macOS and Windows.
	PlatformID func() (string, error)
}

// NewHostStrategy returns a HostStrategy reading the system machine id.
func NewHostStrategy() *HostStrategy {
	return &HostStrategy{
		ReadFile:   os.ReadFile,
		Hostname:   os.Hostname,
		Paths:      machineIDPaths,
		PlatformID: machineid.ID,
	}
}

func (h *HostStrategy) Name() string { return "host" }

func (h *HostStrategy) Available() bool {
	_, err := h.machineID()
	return err == nil
}

func (h *HostStrategy) Signature() (string, error) {
	id, err := h.machineID()
	if err != nil {
		return "", err
	}
	host, err := h.Hostname()
	if err != nil {
		return "", fmt.Errorf("hostname: %w", err)
	}
	return strings.Join([]string{
		id,
		host,
		runtime.GOOS + "/" + runtime.GOARCH,
		fmt.Sprintf("cpu=%d", runtime.NumCPU()),
	}, "|"), nil
}

func (h *HostStrategy) machineID() (string, error) {
	for _, p := range h.Paths {
		data, err := h.ReadFile(p)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	if h.PlatformID != nil {
		if id, err := h.PlatformID(); err == nil && id != "" {
			return id, nil
		}
	}
	return "", errors.New("no machine id available")
}

// EnvironmentStrategy is the coarse fallback built from the platform, the
// account, the locale and the time zone. It is always available. Only
// attributes that stay put across shells and terminals are used.
type EnvironmentStrategy struct {
	Getenv   func(string) string
	Username func() string
	Location func() *time.Location
}

// NewEnvironmentStrategy returns an EnvironmentStrategy reading the process
// environment.
func NewEnvironmentStrategy() *EnvironmentStrategy {
	return &EnvironmentStrategy{
		Getenv:   os.Getenv,
		Username: currentUsername,
		Location: func() *time.Location { return time.Local },
	}
}

func (e *EnvironmentStrategy) Name() string { return "env" }

func (e *EnvironmentStrategy) Available() bool { return true }

func (e *EnvironmentStrategy) Signature() (string, error) {
	locale := e.Getenv("LC_ALL")
	if locale == "" {
		locale = e.Getenv("LANG")
	}
	return strings.Join([]string{
		runtime.GOOS + "/" + runtime.GOARCH,
		e.Username(),
		locale,
		zoneSignature(e.Location()),
	}, "|"), nil
}

// zoneSignature identifies a time zone by its rules, not its name:
// time.Local is called "Local" unless TZ is set, yet both describe the same
// zone. Fixed reference dates keep the value constant across DST changes.
func zoneSignature(loc *time.Location) string {
	parts := make([]string, 0, 2)
	for _, month := range []time.Month{time.January, time.July} {
		name, offset := time.Date(2020, month, 1, 12, 0, 0, 0, loc).Zone()
		parts = append(parts, fmt.Sprintf("%s%+d", name, offset))
	}
	return strings.Join(parts, ",")
}

func currentUsername() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}
