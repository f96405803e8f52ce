package socks5

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// readBufSize is large enough for a greeting, a credentials frame, or a
// request header with a full 255-byte domain name.
const readBufSize = 1024

// Session drives one accepted control connection from accept to
// teardown. It is owned exclusively by the worker goroutine that runs
// it — nothing else touches it concurrently.
type Session struct {
	ID   uuid.UUID
	conn net.Conn
	r    *bufio.Reader

	auth     *AuthPolicy
	resolver *Resolver
	counters *Counters
	log      *logrus.Entry

	// BindAddr, if set, is the local address used for outgoing CONNECT
	// sockets and for the client-facing UDP ASSOCIATE socket. UDP flow
	// sockets towards targets are not bound to it.
	BindAddr string

	state    state
	clientIP net.IP
	done     bool
}

// NewSession wraps an accepted connection. auth/resolver/counters are
// the shared, process-wide collaborators.
func NewSession(conn net.Conn, auth *AuthPolicy, resolver *Resolver, counters *Counters, log *logrus.Logger) *Session {
	id := uuid.New()
	var clientIP net.IP
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		clientIP = tcpAddr.IP
	}
	return &Session{
		ID:       id,
		conn:     conn,
		r:        bufio.NewReader(conn),
		auth:     auth,
		resolver: resolver,
		counters: counters,
		log:      log.WithFields(logrus.Fields{"session": id.String(), "remote": conn.RemoteAddr().String()}),
		state:    stateConnected,
		clientIP: clientIP,
	}
}

// Run drives the session to completion. It never returns an error:
// every failure is either answered with a SOCKS reply and the
// connection torn down, or simply torn down (I/O errors have no
// well-formed peer to reply to). Canceling ctx closes the control
// connection, which ends the session.
func (s *Session) Run(ctx context.Context) {
	stop := context.AfterFunc(ctx, func() { _ = s.conn.Close() })
	defer stop()
	defer func() {
		_ = s.conn.Close()
		s.done = true
		s.log.Debug("session closed")
	}()

	s.log.Debug("session started")

	for {
		buf := make([]byte, readBufSize)
		n, err := s.r.Read(buf)
		if err != nil {
			if err != io.EOF {
				s.log.WithError(err).Debug("read failed")
			}
			return
		}
		frame := buf[:n]

		switch s.state {
		case stateConnected:
			if !s.handleGreeting(frame) {
				return
			}
		case stateNeedAuth:
			if !s.handleCredentials(frame) {
				return
			}
		case stateAuthed:
			s.handleRequest(ctx, frame)
			return // CONNECT and UDP_ASSOCIATE both end the session's control loop.
		}
	}
}

// handleGreeting implements the CONNECTED state's single transition.
func (s *Session) handleGreeting(frame []byte) bool {
	methods, err := parseGreeting(frame)
	if err != nil {
		s.log.WithError(err).Debug("malformed greeting")
		_ = s.writeOK(encodeAuthResponse(Version, MethodNoAcceptable))
		return false
	}

	method := s.auth.selectMethod(methods, s.clientIP)
	switch method {
	case AuthNoneRequired:
		s.state = stateAuthed
		return s.writeOK(encodeAuthResponse(Version, MethodNoAuth))
	case AuthUserPass:
		s.state = stateNeedAuth
		return s.writeOK(encodeAuthResponse(Version, MethodUserPass))
	default:
		_ = s.writeOK(encodeAuthResponse(Version, MethodNoAcceptable))
		return false
	}
}

// handleCredentials implements the NEED_AUTH state's single transition.
func (s *Session) handleCredentials(frame []byte) bool {
	user, pass, err := parseCredentials(frame)
	if err != nil {
		s.log.WithError(err).Debug("malformed credentials")
		_ = s.writeOK(encodeAuthResponse(0x01, uint8(ReplyGeneralFailure)))
		return false
	}

	if !s.auth.verifyCredentials(user, pass) {
		s.log.Debug("authentication failed")
		_ = s.writeOK(encodeAuthResponse(0x01, uint8(ReplyNotAllowed)))
		return false
	}

	s.state = stateAuthed
	if !s.writeOK(encodeAuthResponse(0x01, uint8(ReplySuccess))) {
		return false
	}
	s.auth.rememberClient(s.clientIP)
	return true
}

// handleRequest implements the AUTHED state's two transitions: CONNECT
// and UDP_ASSOCIATE. Any other command or parse failure produces one
// SOCKS reply and tears the connection down.
func (s *Session) handleRequest(ctx context.Context, frame []byte) {
	cmd, addr, err := parseRequest(frame)
	if err != nil {
		var socksErr *SocksError
		code := ReplyGeneralFailure
		if errors.As(err, &socksErr) {
			code = socksErr.Code
		}
		s.log.WithError(err).Debug("malformed request")
		_, _ = s.conn.Write(encodeErrorReply(code))
		return
	}

	switch cmd {
	case CmdConnect:
		s.handleConnect(ctx, addr)
	case CmdUDPAssociate:
		s.handleUDPAssociate(ctx, addr)
	}
}

// handleConnect resolves the target, dials it, replies, and relays.
func (s *Session) handleConnect(ctx context.Context, target Address) {
	resolved, err := s.resolver.Resolve(ctx, target, SocketTCP)
	if err != nil {
		s.log.WithError(err).Warn("connect target resolve failed")
		_, _ = s.conn.Write(encodeErrorReply(mapDialErr(err)))
		return
	}

	dialer := net.Dialer{}
	if s.BindAddr != "" {
		dialer.LocalAddr = &net.TCPAddr{IP: net.ParseIP(s.BindAddr)}
	}
	targetConn, err := dialer.DialContext(ctx, "tcp", resolved.String())
	if err != nil {
		s.log.WithError(err).Warn("connect to target failed")
		_, _ = s.conn.Write(encodeErrorReply(mapDialErr(err)))
		return
	}
	defer targetConn.Close()

	bound := addressFromNetAddr(targetConn.LocalAddr())
	if _, err := s.conn.Write(encodeReply(ReplySuccess, bound)); err != nil {
		s.log.WithError(err).Debug("failed to write connect reply")
		return
	}

	s.log.WithField("target", targetConn.RemoteAddr().String()).Info("connect established")
	if err := copyLoop(s.conn, targetConn, s.counters); err != nil {
		s.log.WithError(err).Debug("relay ended")
	}
}

// handleUDPAssociate sets up the server-side UDP socket (pinned to the
// declared client address, or left unconnected if it's a wildcard), replies,
// then runs the UDP relay.
func (s *Session) handleUDPAssociate(ctx context.Context, clientAddr Address) {
	udpConn, pinned, err := s.setupUDPSocket(clientAddr)
	if err != nil {
		s.log.WithError(err).Warn("udp associate setup failed")
		_, _ = s.conn.Write(encodeErrorReply(mapDialErr(err)))
		return
	}
	defer udpConn.Close()

	bound := addressFromNetAddr(udpConn.LocalAddr())
	if _, err := s.conn.Write(encodeReply(ReplySuccess, bound)); err != nil {
		s.log.WithError(err).Debug("failed to write udp associate reply")
		return
	}

	s.log.WithField("udp_bound", udpConn.LocalAddr().String()).Info("udp associate established")
	relay := newUDPRelay(s.conn, udpConn, pinned, s.resolver, s.counters, s.log)
	relay.run(ctx)
}

// setupUDPSocket implements the two ways a UDP_ASSOCIATE socket gets
// set up: pinned to a declared client address, or left wildcard-bound
// until the first datagram arrives.
func (s *Session) setupUDPSocket(clientAddr Address) (*net.UDPConn, bool, error) {
	var laddr *net.UDPAddr
	if s.BindAddr != "" {
		laddr = &net.UDPAddr{IP: net.ParseIP(s.BindAddr)}
	}

	if clientAddr.IsUnspecified() {
		family := "udp4"
		if clientAddr.Type == ATYPIPv6 {
			family = "udp6"
		}
		if laddr == nil {
			laddr = &net.UDPAddr{Port: 0}
		}
		conn, err := net.ListenUDP(family, laddr)
		if err != nil {
			return nil, false, err
		}
		return conn, false, nil
	}

	resolved, err := s.resolver.Resolve(context.Background(), clientAddr, SocketUDP)
	if err != nil {
		return nil, false, err
	}
	conn, err := net.DialUDP("udp", laddr, resolved.(*net.UDPAddr))
	if err != nil {
		return nil, false, err
	}
	return conn, true, nil
}

// writeOK writes resp, logs a failed write itself, and reports whether
// the write succeeded, so handleGreeting/handleCredentials can
// distinguish "keep going" from "tear down" without duplicating error
// logging.
func (s *Session) writeOK(resp []byte) bool {
	_, err := s.conn.Write(resp)
	if err != nil {
		s.log.WithError(err).Debug("write failed")
		return false
	}
	return true
}
