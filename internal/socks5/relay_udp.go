package socks5

import (
	"context"
	"net"
	"syscall"

	"github.com/sirupsen/logrus"
)

// udpDatagramMaxLen bounds a single relayed datagram: a SOCKS5 header
// (at most 4 + 1 + 255 + 2 for a DOMAINNAME) plus up to 64 KiB of
// payload, which is larger than any UDP payload, so a read never
// truncates a datagram.
const udpDatagramMaxLen = 65535 + 4 + 1 + 255 + 2

// udpEventKind tags which socket produced an udpEvent.
type udpEventKind uint8

const (
	eventTCPClosed udpEventKind = iota
	eventClientDatagram
	eventFlowDatagram
	eventReaderError
)

// udpEvent is one readiness notification fed into the relay's single
// dispatch loop. Every socket (the control TCP conn, the client UDP
// conn, and each target flow conn) has its own blocking reader goroutine
// that turns "data is ready" into a value on this channel — Go's
// netpoller is doing the actual multiplexing underneath; the channel
// and the dispatch loop's select are the cooperative readiness loop
// translating the C source's single-threaded kqueue/epoll dispatcher.
type udpEvent struct {
	kind udpEventKind
	conn *net.UDPConn // nil for eventTCPClosed
	data []byte
	from *net.UDPAddr // set only on the very first client datagram when unconnected
	err  error
}

// udpRelay runs the UDP_ASSOCIATE relay for one session.
// tcpConn is the control connection; udpConn is the server-side socket,
// already connected to the client if the request declared a concrete
// address, or still unconnected if the client declared a wildcard address
// (in which case the first datagram received pins the client).
type udpRelay struct {
	tcpConn  net.Conn
	udpConn  *net.UDPConn
	pinned   bool
	resolver *Resolver
	counters *Counters
	log      *logrus.Entry

	flows   *flowTable
	events  chan udpEvent
	stop    chan struct{}
}

func newUDPRelay(tcpConn net.Conn, udpConn *net.UDPConn, pinned bool, resolver *Resolver, counters *Counters, log *logrus.Entry) *udpRelay {
	return &udpRelay{
		tcpConn:  tcpConn,
		udpConn:  udpConn,
		pinned:   pinned,
		resolver: resolver,
		counters: counters,
		log:      log,
		flows:    newFlowTable(),
		events:   make(chan udpEvent, 16),
		stop:     make(chan struct{}),
	}
}

// run drives the relay until the control connection closes, an
// unrecoverable error occurs, or a fragmented datagram is received:
// this implementation terminates the whole associate on FRAG≠0,
// matching the C source's actual control flow.
func (r *udpRelay) run(ctx context.Context) {
	defer close(r.stop)
	defer r.flows.closeAll()

	go r.readTCP()
	go r.readClientUDP()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-r.events:
			switch ev.kind {
			case eventTCPClosed, eventReaderError:
				return
			case eventClientDatagram:
				if !r.handleClientDatagram(ev) {
					return
				}
			case eventFlowDatagram:
				if !r.handleFlowDatagram(ev) {
					return
				}
			}
		}
	}
}

// readTCP discards bytes from the control connection; they are
// silently dropped, but EOF/error is terminal.
func (r *udpRelay) readTCP() {
	buf := make([]byte, 1024)
	for {
		_, err := r.tcpConn.Read(buf)
		if err != nil {
			r.send(udpEvent{kind: eventTCPClosed, err: err})
			return
		}
	}
}

// readClientUDP reads datagrams from the client-facing socket. If the
// socket isn't pinned yet, the first sender's address is captured, the
// socket is connected to it here, and the address is reported via
// ev.from on that first event; the server never switches pinning after
// that.
func (r *udpRelay) readClientUDP() {
	buf := make([]byte, udpDatagramMaxLen)
	pinned := r.pinned
	for {
		var n int
		var from *net.UDPAddr
		var err error
		if pinned {
			n, err = r.udpConn.Read(buf)
		} else {
			n, from, err = r.udpConn.ReadFromUDP(buf)
		}
		if err != nil {
			r.send(udpEvent{kind: eventReaderError, err: err})
			return
		}
		data := append([]byte(nil), buf[:n]...)
		if !pinned {
			sa6 := &syscall.SockaddrInet6{Port: from.Port}
			copy(sa6.Addr[:], from.IP.To16())
			var sa syscall.Sockaddr = sa6
			if ip4 := from.IP.To4(); ip4 != nil {
				sa4 := &syscall.SockaddrInet4{Port: from.Port}
				copy(sa4.Addr[:], ip4)
				sa = sa4
			}
			rawConn, connErr := r.udpConn.SyscallConn()
			if connErr == nil {
				if ctlErr := rawConn.Control(func(fd uintptr) { connErr = syscall.Connect(int(fd), sa) }); ctlErr != nil {
					connErr = ctlErr
				}
			}
			if connErr != nil {
				r.send(udpEvent{kind: eventReaderError, err: connErr})
				return
			}
			pinned = true
			r.log.WithField("client_udp", from.String()).Debug("udp associate pinned to client source")
		}
		r.send(udpEvent{kind: eventClientDatagram, data: data, from: from})
	}
}

// readFlow reads replies from one target flow socket for the lifetime
// of the relay. A read failure on any flow socket is fatal to the whole
// association, matching the C source's udprelay loop, which treats an
// error on any fd it's watching — target sockets included, not just the
// client-facing ones — as a reason to tear the whole thing down.
func (r *udpRelay) readFlow(conn *net.UDPConn) {
	buf := make([]byte, udpDatagramMaxLen)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			r.send(udpEvent{kind: eventReaderError, conn: conn, err: err})
			return
		}
		data := append([]byte(nil), buf[:n]...)
		r.send(udpEvent{kind: eventFlowDatagram, conn: conn, data: data})
	}
}

func (r *udpRelay) send(ev udpEvent) {
	select {
	case r.events <- ev:
	case <-r.stop:
	}
}

// handleClientDatagram implements the "udp_fd readable" branch: parse,
// look up or create the target flow, forward the payload.
func (r *udpRelay) handleClientDatagram(ev udpEvent) bool {
	dg, err := parseUdpDatagram(ev.data)
	if err != nil {
		r.log.WithError(err).Warn("dropping malformed udp datagram, terminating associate")
		return false
	}

	entry, ok := r.flows.lookup(dg.Addr)
	if !ok {
		conn, err := r.dialFlow(dg.Addr)
		if err != nil {
			r.log.WithError(err).Warn("failed to resolve/dial udp flow target")
			return false
		}
		entry = r.flows.insert(dg.Addr, conn)
		go r.readFlow(conn)
	}

	if _, err := entry.conn.Write(dg.Payload); err != nil {
		r.log.WithError(err).Warn("failed to forward udp datagram to target")
		return false
	}
	r.counters.AddUpload(uint64(len(dg.Payload)))
	return true
}

// handleFlowDatagram implements the "target flow socket readable"
// branch: re-frame the reply with the flow's Address as source and send
// it to the client over udpConn (already connected to the client).
func (r *udpRelay) handleFlowDatagram(ev udpEvent) bool {
	entry, ok := r.flows.lookupByConn(ev.conn)
	if !ok {
		// socket was already torn down; ignore a stray late reply.
		return true
	}
	framed := encodeUdpDatagram(entry.addr, ev.data)
	if _, err := r.udpConn.Write(framed); err != nil {
		r.log.WithError(err).Warn("failed to deliver udp reply to client")
		return false
	}
	r.counters.AddDownload(uint64(len(ev.data)))
	return true
}

func (r *udpRelay) dialFlow(addr Address) (*net.UDPConn, error) {
	resolved, err := r.resolver.Resolve(context.Background(), addr, SocketUDP)
	if err != nil {
		return nil, err
	}
	udpAddr := resolved.(*net.UDPAddr)
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, err
	}
	r.log.WithField("target", udpAddr.String()).Debug("opened udp flow")
	return conn, nil
}
