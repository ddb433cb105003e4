package tunnel

import (
	"math/rand"
	"net"
	"time"
)

// Table is the registry of live circuits, indexed by id and, in reverse, by
// TCP connection. It is the only source of truth for whether a circuit
// exists. Table is not safe for concurrent use; the engine goroutine owns it.
type Table struct {
	sched  *Scheduler
	byID   map[uint16]*Circuit
	byConn map[net.Conn]uint16

	randID  func() uint16
	randSeq func() uint8
}

// NewTable creates an empty table whose Destroy purges packets from sched.
func NewTable(sched *Scheduler) *Table {
	return &Table{
		sched:  sched,
		byID:   make(map[uint16]*Circuit),
		byConn: make(map[net.Conn]uint16),
		randID: func() uint16 {
			return uint16(rand.Intn(0xFFFF) + 1) // 1..65535
		},
		randSeq: func() uint8 {
			return uint8(rand.Intn(0x100))
		},
	}
}

// Create registers a circuit for an accepted client connection under a fresh
// random nonzero id. Ids held by live local circuits are drawn again; ids in
// use by the far station cannot be seen from here.
func (t *Table) Create(conn net.Conn, now time.Time) *Circuit {
	id := t.randID()
	for id == 0 || t.byID[id] != nil {
		id = t.randID()
	}
	return t.CreateWithID(conn, id, now)
}

// CreateWithID registers a circuit under an id chosen by the far station.
// conn may be nil while the destination is still being dialed. The caller
// must have checked that id is free.
func (t *Table) CreateWithID(conn net.Conn, id uint16, now time.Time) *Circuit {
	c := newCircuit(id, t.randSeq(), conn, now)
	t.byID[id] = c
	if conn != nil {
		t.byConn[conn] = id
	}
	return c
}

// Attach binds a connecting circuit to its freshly dialed connection.
func (t *Table) Attach(c *Circuit, conn net.Conn) {
	c.conn = conn
	c.state = stateOpen
	t.byConn[conn] = c.id
}

// LookupByConn finds the circuit that owns conn.
func (t *Table) LookupByConn(conn net.Conn) *Circuit {
	id, ok := t.byConn[conn]
	if !ok {
		return nil
	}
	return t.byID[id]
}

// LookupByID finds a live circuit.
func (t *Table) LookupByID(id uint16) *Circuit {
	return t.byID[id]
}

// Destroy purges the circuit's unconfirmed packets, removes it and closes its
// socket. A second call for the same circuit is a no-op and returns false.
func (t *Table) Destroy(c *Circuit) (bool, error) {
	if c == nil || c.Closed() {
		return false, nil
	}
	t.sched.Purge(c.id)
	if t.byID[c.id] == c {
		delete(t.byID, c.id)
	}
	if c.conn != nil {
		delete(t.byConn, c.conn)
	}
	return c.close()
}

// Len returns the number of live circuits.
func (t *Table) Len() int {
	return len(t.byID)
}

// Circuits returns a snapshot of the live circuits, safe to iterate while
// destroying.
func (t *Table) Circuits() []*Circuit {
	out := make([]*Circuit, 0, len(t.byID))
	for _, c := range t.byID {
		out = append(out, c)
	}
	return out
}
