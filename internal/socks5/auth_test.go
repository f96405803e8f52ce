package socks5

import (
	"net"
	"sync"
	"testing"
)

func TestSelectMethodNoCredentialsConfigured(t *testing.T) {
	p := NewAuthPolicy("", "", false)
	method := p.selectMethod([]uint8{MethodUserPass, MethodNoAuth}, net.ParseIP("203.0.113.1"))
	if method != AuthNoneRequired {
		t.Fatalf("got %v, want AuthNoneRequired", method)
	}
}

func TestSelectMethodCredentialsConfiguredDemandsUserPass(t *testing.T) {
	p := NewAuthPolicy("alice", "secret", false)
	method := p.selectMethod([]uint8{MethodNoAuth, MethodUserPass}, net.ParseIP("203.0.113.1"))
	if method != AuthUserPass {
		t.Fatalf("got %v, want AuthUserPass", method)
	}
}

func TestSelectMethodInvalidWhenClientOffersNothingUsable(t *testing.T) {
	p := NewAuthPolicy("alice", "secret", false)
	method := p.selectMethod([]uint8{MethodGSSAPI}, net.ParseIP("203.0.113.1"))
	if method != AuthInvalid {
		t.Fatalf("got %v, want AuthInvalid", method)
	}
}

func TestSelectMethodWhitelistedClientSkipsAuth(t *testing.T) {
	ip := net.ParseIP("203.0.113.7")
	p := NewAuthPolicy("alice", "secret", true)
	p.rememberClient(ip)

	method := p.selectMethod([]uint8{MethodNoAuth, MethodUserPass}, ip)
	if method != AuthNoneRequired {
		t.Fatalf("got %v, want AuthNoneRequired for whitelisted client", method)
	}
}

func TestSelectMethodNonWhitelistedClientStillNeedsAuth(t *testing.T) {
	p := NewAuthPolicy("alice", "secret", true)
	p.rememberClient(net.ParseIP("203.0.113.7"))

	method := p.selectMethod([]uint8{MethodNoAuth, MethodUserPass}, net.ParseIP("203.0.113.8"))
	if method != AuthUserPass {
		t.Fatalf("got %v, want AuthUserPass for non-whitelisted client", method)
	}
}

func TestVerifyCredentials(t *testing.T) {
	p := NewAuthPolicy("alice", "secret", false)
	if !p.verifyCredentials([]byte("alice"), []byte("secret")) {
		t.Fatalf("expected valid credentials to verify")
	}
	if p.verifyCredentials([]byte("alice"), []byte("wrong")) {
		t.Fatalf("expected wrong password to fail")
	}
	if p.verifyCredentials([]byte("bob"), []byte("secret")) {
		t.Fatalf("expected wrong username to fail")
	}
}

func TestRememberClientIdempotentUnderConcurrency(t *testing.T) {
	p := NewAuthPolicy("alice", "secret", true)
	ip := net.ParseIP("203.0.113.9")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.rememberClient(ip)
		}()
	}
	wg.Wait()

	p.mu.RLock()
	count := 0
	for _, entry := range p.whitelist {
		if entry.Equal(ip) {
			count++
		}
	}
	p.mu.RUnlock()

	if count != 1 {
		t.Fatalf("whitelist contains %d entries for %s, want 1", count, ip)
	}
}
