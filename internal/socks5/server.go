package socks5

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Allespro/socks5d/internal/metrics"
)

// failureBackoff is the sleep on resource exhaustion / accept failure,
// matching the C source's FAILURE_TIMEOUT of 64 microseconds.
const failureBackoff = 64 * time.Microsecond

// maxConcurrentSessions bounds how many sessions run at once, the Go
// equivalent of socks5.go's MustStart, which bounded concurrency with
// sem := make(chan struct{}, 1000).
const maxConcurrentSessions = 1000

// Server is the acceptor/worker pool: it accepts connections, spawns
// one session worker per client, and tracks outstanding workers so
// Serve can wait for them to drain before it returns.
type Server struct {
	Auth     *AuthPolicy
	Resolver *Resolver
	Counters *Counters
	Log      *logrus.Logger

	// BindAddr, if set, is the local address outgoing CONNECT sockets
	// and the client-facing UDP ASSOCIATE socket are bound to. UDP flow
	// sockets towards targets are not bound to it.
	BindAddr string

	listener net.Listener
	wg       sync.WaitGroup
	sem      chan struct{}
}

// NewServer builds a Server; Serve opens its listener.
func NewServer(auth *AuthPolicy, resolver *Resolver, counters *Counters, log *logrus.Logger) *Server {
	return &Server{
		Auth:     auth,
		Resolver: resolver,
		Counters: counters,
		Log:      log,
		sem:      make(chan struct{}, maxConcurrentSessions),
	}
}

// Serve listens on addr and runs the accept loop until ctx is canceled
// or the listener is closed. It blocks until every in-flight session
// has finished (graceful shutdown), generalizing socks5.go's
// MustStart.
func (s *Server) Serve(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln
	defer s.wg.Wait()

	go func() {
		<-ctx.Done()
		s.Log.Info("closing socks5 listener")
		_ = ln.Close()
	}()

	s.Log.WithField("addr", addr).Info("socks5 server listening")

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.Log.Info("socks5 server shut down")
				return nil
			}
			s.Log.WithError(err).Warn("accept failed")
			time.Sleep(failureBackoff)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		case <-ctx.Done():
			_ = conn.Close()
			continue
		}

		s.wg.Add(1)
		go s.runSession(ctx, conn)
	}
}

func (s *Server) runSession(ctx context.Context, conn net.Conn) {
	metrics.SessionCounter.Inc()
	metrics.SessionGauge.Inc()
	defer func() {
		metrics.SessionGauge.Dec()
		<-s.sem
		s.wg.Done()
	}()

	session := NewSession(conn, s.Auth, s.Resolver, s.Counters, s.Log)
	session.BindAddr = s.BindAddr
	session.Run(ctx)
}
