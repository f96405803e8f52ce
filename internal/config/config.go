// Package config parses and validates the server's command-line
// configuration.
package config

import (
	"errors"
	"flag"
	"strings"
)

// Config is the validated CLI configuration for one server run.
type Config struct {
	Quiet       bool
	AuthOnce    bool
	ListenIP    string
	Port        uint
	User        string
	Pass        string
	BindAddr    string
	MetricsAddr string
}

// Parse reads args (typically os.Args[1:]) into a Config and validates
// the cross-flag constraints:
//   - -u and -P must be used together.
//   - -1 requires both -u and -P.
//
// On success it replaces the user/pass entries in args with NUL strings
// of the same length, the Go-level counterpart of the source's zero_arg.
// This only scrubs the Go-level argument slice: the bytes the original
// strings point to are left untouched (the returned Config still refers
// to them), so it does not change what `ps`/`/proc/<pid>/cmdline` show.
func Parse(args []string) (Config, error) {
	fs := flag.NewFlagSet("socks5d", flag.ContinueOnError)

	var cfg Config
	fs.BoolVar(&cfg.Quiet, "q", false, "silence logs")
	fs.BoolVar(&cfg.AuthOnce, "1", false, "enable auth-once whitelist (requires -u and -P)")
	fs.StringVar(&cfg.ListenIP, "i", "0.0.0.0", "listen ip")
	fs.UintVar(&cfg.Port, "p", 1080, "listen port")
	fs.StringVar(&cfg.User, "u", "", "username")
	fs.StringVar(&cfg.Pass, "P", "", "password")
	fs.StringVar(&cfg.BindAddr, "b", "", "bind address for outgoing connections")
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", ":10081", "prometheus /metrics listen address (empty disables)")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if (cfg.User != "") != (cfg.Pass != "") {
		return Config{}, errors.New("-u and -P must be used together")
	}
	if cfg.AuthOnce && cfg.Pass == "" {
		return Config{}, errors.New("-1 requires -u and -P")
	}

	scrubArg(args, "-u")
	scrubArg(args, "-P")

	return cfg, nil
}

// scrubArg zeroes the value that directly follows flag in args, and the
// "-flag=value" form in a single element, best-effort (see Parse's
// doc comment for why this is a partial mitigation in Go).
func scrubArg(args []string, flag string) {
	for i, a := range args {
		if a == flag && i+1 < len(args) {
			args[i+1] = zero(args[i+1])
			return
		}
		if len(a) > len(flag)+1 && a[:len(flag)+1] == flag+"=" {
			args[i] = zero(args[i])
			return
		}
	}
}

// zero returns a string of len(s) NUL bytes. Go strings are immutable,
// so the caller stores the result in place of s rather than overwriting
// s's own bytes.
func zero(s string) string {
	return strings.Repeat("\x00", len(s))
}
