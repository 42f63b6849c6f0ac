package gpu

import (
	"context"
	"time"
)

// Session scopes GPU use to one invocation. The guest may acquire and
// release the device several times; whatever is still held when the
// invocation ends is released by End.
type Session struct {
	m       *Manager
	owner   string
	timeout time.Duration

	lease *Lease
	wait  time.Duration
	err   error
}

type sessionKey struct{}

// NewSession creates a session for owner
func (m *Manager) NewSession(owner string, timeout time.Duration) *Session {
	return &Session{m: m, owner: owner, timeout: timeout}
}

// WithSession attaches s to ctx for host functions to find
func WithSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionKey{}, s)
}

// SessionFrom returns the session attached to ctx, if any
func SessionFrom(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionKey{}).(*Session)
	return s
}

// Acquire obtains the lease unless it is already held. A failure is
// remembered so the caller can classify the aborted invocation.
func (s *Session) Acquire(ctx context.Context) error {
	if s.lease != nil {
		return nil
	}

	start := time.Now()
	lease, err := s.m.AcquireLease(ctx, s.owner, s.timeout)
	s.wait += time.Since(start)
	if err != nil {
		s.err = err
		return err
	}

	s.lease = lease
	return nil
}

// Release gives the lease back early
func (s *Session) Release() {
	if s.lease == nil {
		return
	}
	s.lease.Release()
	s.lease = nil
}

// End releases any held lease. faulted requests a device reset.
func (s *Session) End(faulted bool) {
	if s.lease == nil {
		return
	}
	if faulted {
		s.lease.MarkFaulted()
	}
	s.Release()
}

// Held reports whether the session currently holds the lease
func (s *Session) Held() bool { return s.lease != nil }

// Wait returns the total time spent waiting for the lease
func (s *Session) Wait() time.Duration { return s.wait }

// Err returns the acquisition failure, if any
func (s *Session) Err() error { return s.err }
