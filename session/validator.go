package session

import (
	"time"

	"github.com/go-authgate/session-cli/tokenstore"
)

// RefreshWindow is how close to expiry an access token is renewed proactively.
const RefreshWindow = 60 * time.Second

// Device computes the current device fingerprint.
type Device interface {
	Compute() string
}

// Validator decides whether the persisted session is usable and whether it
// should be renewed. It never refreshes or clears anything itself.
type Validator struct {
	store  tokenstore.Store
	device Device
	now    func() time.Time
}

// NewValidator returns a Validator. A nil clock means time.Now.
func NewValidator(store tokenstore.Store, device Device, now func() time.Time) *Validator {
	if now == nil {
		now = time.Now
	}
	return &Validator{store: store, device: device, now: now}
}

// ValidateSession reports whether all three slots are present and the
// session is bound to this device.
func (v *Validator) ValidateSession() bool {
	if _, ok := v.store.Get(tokenstore.AccessToken); !ok {
		return false
	}
	return v.boundToDevice()
}

// ShouldRefreshToken reports whether the access token is missing,
// undecodable, or within RefreshWindow of expiry, for a session that is
// otherwise bound to this device.
func (v *Validator) ShouldRefreshToken() bool {
	if !v.boundToDevice() {
		return false
	}

	access, ok := v.store.Get(tokenstore.AccessToken)
	if !ok {
		return true
	}
	exp, err := tokenstore.Expiry(access)
	if err != nil {
		return true
	}
	return exp.Sub(v.now()) <= RefreshWindow
}

func (v *Validator) boundToDevice() bool {
	if _, ok := v.store.Get(tokenstore.RefreshToken); !ok {
		return false
	}
	stored, ok := v.store.Get(tokenstore.DeviceFingerprint)
	if !ok {
		return false
	}
	return stored == v.device.Compute()
}
