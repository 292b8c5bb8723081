package session

import (
	"sync"
	"time"
)

// ProfileTTL is how long a fetched profile is served from memory.
const ProfileTTL = 5 * time.Minute

// User is the current-user profile returned by the backend.
type User struct {
	ID       int64    `json:"id"`
	Username string   `json:"username"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name,omitempty"`
	Disabled bool     `json:"disabled,omitempty"`
	Roles    []string `json:"roles"`
}

// ProfileCache holds the last fetched profile for ProfileTTL.
type ProfileCache struct {
	mu        sync.Mutex
	user      *User
	fetchedAt time.Time
	now       func() time.Time
}

// NewProfileCache returns an empty cache. A nil clock means time.Now.
func NewProfileCache(now func() time.Time) *ProfileCache {
	if now == nil {
		now = time.Now
	}
	return &ProfileCache{now: now}
}

// Get returns a copy of the cached profile while it is fresh.
func (c *ProfileCache) Get() (*User, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.user == nil {
		return nil, false
	}
	if c.now().Sub(c.fetchedAt) >= ProfileTTL {
		c.user = nil
		return nil, false
	}
	u := *c.user
	return &u, true
}

// Put stores u as fetched now.
func (c *ProfileCache) Put(u *User) {
	if u == nil {
		return
	}
	cp := *u

	c.mu.Lock()
	c.user = &cp
	c.fetchedAt = c.now()
	c.mu.Unlock()
}

// Invalidate drops the cached profile.
func (c *ProfileCache) Invalidate() {
	c.mu.Lock()
	c.user = nil
	c.mu.Unlock()
}
