package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// fileData is the token file layout. One file can hold sessions for several
// profiles (for example several backends); writers preserve the others.
type fileData struct {
	Sessions map[string]*record `json:"sessions"` // key = profile
}

// FileStore persists one profile's session in a shared JSON file.
// Writes go through a sidecar lock file and an atomic rename, so concurrent
// processes sharing the file never see a half-written session.
type FileStore struct {
	path    string
	profile string
	opts    options

	// mu serialises writers inside this process; the lock file covers
	// other processes.
	mu sync.Mutex
}

// NewFileStore returns a store for profile backed by the file at path.
func NewFileStore(path, profile string, opts ...Option) *FileStore {
	return &FileStore{
		path:    path,
		profile: profile,
		opts:    newOptions(opts),
	}
}

// Path returns the token file location.
func (f *FileStore) Path() string {
	return f.path
}

func (f *FileStore) Get(kind Kind) (string, bool) {
	rec, err := f.read()
	if err != nil {
		return "", false
	}
	return rec.get(kind, f.opts.now())
}

func (f *FileStore) Load() (Session, bool) {
	rec, err := f.read()
	if err != nil || rec == nil {
		return Session{}, false
	}
	return rec.session(f.opts.now())
}

func (f *FileStore) Set(s Session, rememberMe bool) error {
	rec, err := newRecord(s, rememberMe, f.opts)
	if err != nil {
		return err
	}
	return f.update(func(data *fileData) {
		data.Sessions[f.profile] = rec
	})
}

func (f *FileStore) Clear() error {
	return f.update(func(data *fileData) {
		delete(data.Sessions, f.profile)
	})
}

// read loads this profile's record; a missing file is an empty store.
func (f *FileStore) read() (*record, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}

	var fd fileData
	if err := json.Unmarshal(data, &fd); err != nil {
		return nil, fmt.Errorf("failed to parse token file: %w", err)
	}
	return fd.Sessions[f.profile], nil
}

// update applies mutate to the file contents under the lock.
func (f *FileStore) update(mutate func(*fileData)) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	lock, err := acquireFileLock(f.path)
	if err != nil {
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			fmt.Fprintf(os.Stderr, "failed to release lock: %v\n", releaseErr)
		}
	}()

	// Re-read inside the lock so other profiles written meanwhile survive.
	var fd fileData
	if existing, err := os.ReadFile(f.path); err == nil {
		if unmarshalErr := json.Unmarshal(existing, &fd); unmarshalErr != nil {
			fd.Sessions = nil
			f.quarantine(unmarshalErr)
		}
	}
	if fd.Sessions == nil {
		fd.Sessions = make(map[string]*record)
	}

	mutate(&fd)

	data, err := json.MarshalIndent(fd, "", "  ")
	if err != nil {
		return err
	}

	tempFile := f.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	if err := os.Rename(tempFile, f.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			)
		}
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	return nil
}

// quarantine moves an unreadable token file aside before it is overwritten,
// so the sessions it may still hold can be recovered by hand.
func (f *FileStore) quarantine(cause error) {
	backup := f.path + ".corrupt"
	if err := os.Rename(f.path, backup); err != nil {
		f.opts.logger.Warn("token file is corrupt and will be replaced",
			zap.String("path", f.path),
			zap.NamedError("parse_error", cause),
			zap.Error(err),
		)
		return
	}
	f.opts.logger.Warn("token file is corrupt, moved aside",
		zap.String("path", f.path),
		zap.String("backup", backup),
		zap.NamedError("parse_error", cause),
	)
}
