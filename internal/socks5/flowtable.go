package socks5

import "net"

// flowEntry is one (target Address, target socket) pair.
type flowEntry struct {
	addr Address
	conn *net.UDPConn
}

// flowTable is the per UDP-associate session flow table. It is only
// ever touched by the session's single dispatch goroutine, so it needs
// no locking.
//
// Lookup-by-address uses a string key built from the address's wire
// identity; lookup-by-socket (needed when a target flow socket becomes
// readable) is a reverse index keyed by the same *net.UDPConn pointer.
// The C source does a linear scan for both directions since flows are
// few per session; this keeps the same "few flows" linear scan is-fine
// assumption but avoids it where a map is just as simple.
type flowTable struct {
	byAddr map[string]*flowEntry
	byConn map[*net.UDPConn]*flowEntry
}

func newFlowTable() *flowTable {
	return &flowTable{
		byAddr: make(map[string]*flowEntry),
		byConn: make(map[*net.UDPConn]*flowEntry),
	}
}

func addrKey(a Address) string {
	if a.Type == ATYPDomain {
		return a.Domain + "#" + portKey(a.Port)
	}
	return string(a.IP) + "#" + portKey(a.Port)
}

func portKey(port uint16) string {
	return string([]byte{byte(port >> 8), byte(port)})
}

// lookup returns the socket already open for addr, if any.
func (t *flowTable) lookup(addr Address) (*flowEntry, bool) {
	e, ok := t.byAddr[addrKey(addr)]
	return e, ok
}

// lookupByConn returns the flow entry owning conn, used when a target
// socket becomes readable and the relay needs to know which client-
// visible Address to frame the reply with.
func (t *flowTable) lookupByConn(conn *net.UDPConn) (*flowEntry, bool) {
	e, ok := t.byConn[conn]
	return e, ok
}

// insert records a newly created flow. The relay inserts only after a
// lookup miss, which keeps each Address mapped to at most one socket and
// each socket present at most once. Inserting an Address that is already
// present replaces its by-address entry; the earlier socket stays in the
// reverse index.
func (t *flowTable) insert(addr Address, conn *net.UDPConn) *flowEntry {
	e := &flowEntry{addr: addr, conn: conn}
	t.byAddr[addrKey(addr)] = e
	t.byConn[conn] = e
	return e
}

// closeAll tears down every flow socket, called when the associate ends.
func (t *flowTable) closeAll() {
	for conn := range t.byConn {
		_ = conn.Close()
	}
	t.byAddr = nil
	t.byConn = nil
}
