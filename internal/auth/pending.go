package auth

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNoPendingLogin is returned when an identity has no live login exchange.
var ErrNoPendingLogin = errors.New("no pending login")

// PendingLogin is one in-flight login exchange.
type PendingLogin struct {
	Identity  string
	ExpiresAt time.Time
}

// PendingLogins holds at most one pending login per identity. Entries expire
// after the configured TTL and are consumed on completion.
type PendingLogins struct {
	mu      sync.Mutex
	entries map[string]PendingLogin
	ttl     time.Duration
	now     func() time.Time
}

// NewPendingLogins creates a registry with the given entry TTL.
func NewPendingLogins(ttl time.Duration) *PendingLogins {
	return &PendingLogins{
		entries: make(map[string]PendingLogin),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Begin starts a login for identity, replacing any earlier one.
func (p *PendingLogins) Begin(identity string) PendingLogin {
	pl := PendingLogin{
		Identity:  identity,
		ExpiresAt: p.now().Add(p.ttl),
	}
	p.mu.Lock()
	p.entries[identity] = pl
	p.mu.Unlock()
	return pl
}

// Check reports whether identity has a live pending login without
// consuming it.
func (p *PendingLogins) Check(identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err := p.live(identity)
	return err
}

// Complete consumes the pending login for identity if it has not expired.
func (p *PendingLogins) Complete(identity string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.live(identity); err != nil {
		return err
	}
	delete(p.entries, identity)
	return nil
}

// live returns the unexpired entry for identity. Callers hold p.mu.
func (p *PendingLogins) live(identity string) (PendingLogin, error) {
	pl, ok := p.entries[identity]
	if !ok {
		return PendingLogin{}, ErrNoPendingLogin
	}
	if !p.now().Before(pl.ExpiresAt) {
		delete(p.entries, identity)
		return PendingLogin{}, ErrNoPendingLogin
	}
	return pl, nil
}

// Len returns the number of tracked logins, expired or not.
func (p *PendingLogins) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// Sweep drops expired entries and returns how many were removed.
func (p *PendingLogins) Sweep() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	removed := 0
	for id, pl := range p.entries {
		if !now.Before(pl.ExpiresAt) {
			delete(p.entries, id)
			removed++
		}
	}
	return removed
}

// RunJanitor sweeps every interval until ctx is done.
func (p *PendingLogins) RunJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Sweep()
		}
	}
}
