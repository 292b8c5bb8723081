// Package fingerprint derives a semi-stable identifier for the current device.
// A session is bound to the fingerprint of the device that created it.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"

	"go.uber.org/zap"
)

// Fingerprinter computes and memoises the device fingerprint.
type Fingerprinter struct {
	strategies []Strategy
	logger     *zap.Logger

	mu     sync.Mutex
	cached string
}

// Option configures a Fingerprinter.
type Option func(*Fingerprinter)

// WithLogger sets the logger used to report degraded strategies.
func WithLogger(l *zap.Logger) Option {
	return func(f *Fingerprinter) { f.logger = l }
}

// WithStrategies replaces the default strategy chain. Order is preference.
func WithStrategies(s ...Strategy) Option {
	return func(f *Fingerprinter) { f.strategies = s }
}

// New returns a Fingerprinter preferring the host machine id and falling
// back to environment attributes.
func New(opts ...Option) *Fingerprinter {
	f := &Fingerprinter{
		strategies: []Strategy{NewHostStrategy(), NewEnvironmentStrategy()},
		logger:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Compute returns the fingerprint, computing it on first use.
// It never fails: if every strategy is unusable the result is the hash of
// an empty signature under the "none" label.
func (f *Fingerprinter) Compute() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.cached != "" {
		return f.cached
	}

	name, sig := "none", ""
	for _, s := range f.strategies {
		if !s.Available() {
			f.logger.Debug("fingerprint strategy unavailable", zap.String("strategy", s.Name()))
			continue
		}
		raw, err := s.Signature()
		if err != nil {
			f.logger.Warn("fingerprint strategy failed, falling back",
				zap.String("strategy", s.Name()),
				zap.Error(err),
			)
			continue
		}
		name, sig = s.Name(), raw
		break
	}

	sum := sha256.Sum256([]byte(sig))
	f.cached = name + ":" + hex.EncodeToString(sum[:])
	return f.cached
}

// Clear drops the memoised value so the next Compute recomputes it.
func (f *Fingerprinter) Clear() {
	f.mu.Lock()
	f.cached = ""
	f.mu.Unlock()
}
