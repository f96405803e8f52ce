package socks5

import (
	"net"
	"sync"
)

// AuthPolicy is the process-wide, read-mostly authentication
// configuration: optional static credentials and an optional
// auth-once-per-IP whitelist. It is constructed once at startup and
// shared by pointer into every session.
type AuthPolicy struct {
	user, pass []byte // nil when no credentials are configured

	whitelistEnabled bool
	mu               sync.RWMutex
	whitelist        []net.IP // address bytes only; port is not tracked
}

// NewAuthPolicy builds an AuthPolicy. Pass empty user/pass to run with
// no credentials configured (NoAuth for everyone). whitelistEnabled
// requires non-empty credentials; callers must validate that invariant
// before constructing (cmd/socks5d/main.go does).
func NewAuthPolicy(user, pass string, whitelistEnabled bool) *AuthPolicy {
	p := &AuthPolicy{whitelistEnabled: whitelistEnabled}
	if user != "" || pass != "" {
		p.user = []byte(user)
		p.pass = []byte(pass)
	}
	return p
}

// hasCredentials reports whether username/password auth is configured
// at all.
func (p *AuthPolicy) hasCredentials() bool { return p.user != nil }

// selectMethod evaluates the offered methods against the server's
// policy, in offered order.
func (p *AuthPolicy) selectMethod(offered []uint8, clientIP net.IP) AuthMethod {
	for _, m := range offered {
		switch m {
		case MethodNoAuth:
			if !p.hasCredentials() {
				return AuthNoneRequired
			}
			if p.whitelistEnabled && p.isWhitelisted(clientIP) {
				return AuthNoneRequired
			}
		case MethodUserPass:
			if p.hasCredentials() {
				return AuthUserPass
			}
		}
	}
	return AuthInvalid
}

// verifyCredentials compares user/pass byte-exact against the
// configured credentials. Never compares as NUL-terminated strings, so
// embedded NUL bytes can't cause a false match or truncation.
func (p *AuthPolicy) verifyCredentials(user, pass []byte) bool {
	return constantTimeEqual(user, p.user) && constantTimeEqual(pass, p.pass)
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// isWhitelisted reports whether clientIP's address bytes are already in
// the whitelist, under the read lock.
func (p *AuthPolicy) isWhitelisted(clientIP net.IP) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.containsLocked(clientIP)
}

func (p *AuthPolicy) containsLocked(clientIP net.IP) bool {
	for _, ip := range p.whitelist {
		if ip.Equal(clientIP) {
			return true
		}
	}
	return false
}

// rememberClient appends clientIP to the whitelist if it's not already
// present; it does nothing when the whitelist is disabled. Otherwise it
// always takes the write lock and re-checks membership
// inside it (check-then-insert under the exclusive lock, not merely
// under the shared lock), so two concurrent callers for the same IP
// can't both append.
func (p *AuthPolicy) rememberClient(clientIP net.IP) {
	if !p.whitelistEnabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.containsLocked(clientIP) {
		return
	}
	p.whitelist = append(p.whitelist, append(net.IP(nil), clientIP...))
}
