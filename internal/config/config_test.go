package config

import "testing"

func TestParseDefaults(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ListenIP != "0.0.0.0" || cfg.Port != 1080 {
		t.Fatalf("got %+v", cfg)
	}
}

func TestParseUserPassMustBePaired(t *testing.T) {
	if _, err := Parse([]string{"-u", "alice"}); err == nil {
		t.Fatalf("expected error when -P is missing")
	}
	if _, err := Parse([]string{"-P", "secret"}); err == nil {
		t.Fatalf("expected error when -u is missing")
	}
}

func TestParseAuthOnceRequiresCredentials(t *testing.T) {
	if _, err := Parse([]string{"-1"}); err == nil {
		t.Fatalf("expected error when -1 is used without credentials")
	}
	cfg, err := Parse([]string{"-1", "-u", "alice", "-P", "secret"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !cfg.AuthOnce || cfg.User != "alice" || cfg.Pass != "secret" {
		t.Fatalf("got %+v", cfg)
	}
}

func TestParseScrubsUserAndPasswordArgs(t *testing.T) {
	args := []string{"-u", "alice", "-P", "secret"}
	if _, err := Parse(args); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if args[1] != "\x00\x00\x00\x00\x00" || args[3] != "\x00\x00\x00\x00\x00\x00" {
		t.Fatalf("expected scrubbed args, got %q %q", args[1], args[3])
	}
}

func TestParseRejectsUnknownFlag(t *testing.T) {
	if _, err := Parse([]string{"-bogus"}); err == nil {
		t.Fatalf("expected error for unknown flag")
	}
}
