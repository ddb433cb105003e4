package tunnel

import (
	"net"
	"testing"
	"time"
)

func TestTableCreateAndLookup(t *testing.T) {
	sched := NewScheduler(time.Second, 3)
	table := NewTable(sched)

	a, b := net.Pipe()
	defer b.Close()

	c := table.Create(a, t0)
	if c.ID() == 0 {
		t.Fatal("allocated circuit id 0")
	}
	if c.Closed() || c.Conn() != a {
		t.Fatalf("unexpected circuit state %+v", c)
	}
	if table.LookupByID(c.ID()) != c {
		t.Fatal("LookupByID did not find the circuit")
	}
	if table.LookupByConn(a) != c {
		t.Fatal("LookupByConn did not find the circuit")
	}
	if table.LookupByConn(b) != nil {
		t.Fatal("LookupByConn matched a foreign connection")
	}
}

func TestTableCreateRedrawsLiveIDs(t *testing.T) {
	table := NewTable(NewScheduler(time.Second, 3))
	draws := []uint16{0, 42, 42, 43}
	table.randID = func() uint16 {
		id := draws[0]
		draws = draws[1:]
		return id
	}

	first := table.Create(nil, t0)
	second := table.Create(nil, t0)
	if first.ID() != 42 || second.ID() != 43 {
		t.Fatalf("ids = %d, %d; want 42, 43", first.ID(), second.ID())
	}
}

func TestTableCreateWithIDConnecting(t *testing.T) {
	table := NewTable(NewScheduler(time.Second, 3))

	c := table.CreateWithID(nil, 0xCAFE, t0)
	if c.ID() != 0xCAFE || c.state != stateConnecting {
		t.Fatalf("got id %04x state %d", c.ID(), c.state)
	}

	a, b := net.Pipe()
	defer b.Close()
	table.Attach(c, a)
	if c.state != stateOpen || table.LookupByConn(a) != c {
		t.Fatal("Attach did not open the circuit")
	}
	table.Destroy(c)
}

// TestTableDestroyPurgesAndFreesID covers the client disconnect scenario:
// outstanding packets leave the scheduler and the id can be used again.
func TestTableDestroyPurgesAndFreesID(t *testing.T) {
	sched := NewScheduler(time.Second, 3)
	table := NewTable(sched)

	a, b := net.Pipe()
	defer b.Close()

	c := table.Create(a, t0)
	sched.Enqueue(dataPacket(c.ID(), c.takeSeq(), "hello"), t0)
	sched.Enqueue(dataPacket(c.ID(), c.takeSeq(), "world"), t0)

	closed, err := table.Destroy(c)
	if !closed || err != nil {
		t.Fatalf("Destroy = %v, %v", closed, err)
	}
	if sched.CountOutstanding(c.ID()) != 0 || sched.Len() != 0 {
		t.Fatal("outstanding packets survived Destroy")
	}
	if table.LookupByID(c.ID()) != nil || table.LookupByConn(a) != nil || table.Len() != 0 {
		t.Fatal("circuit still registered")
	}
	if _, err := a.Write([]byte("x")); err == nil {
		t.Fatal("socket still open after Destroy")
	}

	closed, _ = table.Destroy(c)
	if closed {
		t.Fatal("second Destroy reported a close")
	}

	reused := table.CreateWithID(nil, c.ID(), t0)
	if table.LookupByID(c.ID()) != reused {
		t.Fatal("id not available for reuse")
	}
}

func TestCircuitSequenceWraps(t *testing.T) {
	c := newCircuit(1, 254, nil, t0)
	got := []uint8{c.takeSeq(), c.takeSeq(), c.takeSeq()}
	want := []uint8{254, 255, 0}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("takeSeq sequence = %v, want %v", got, want)
		}
	}
}

func TestCircuitAcceptRemote(t *testing.T) {
	testCases := []struct {
		name string
		seqs []uint8
		want []bool
	}{
		{"stop and wait", []uint8{10, 10, 11, 11, 12}, []bool{true, false, true, false, true}},
		{"wraparound", []uint8{255, 0, 255, 0, 1}, []bool{true, true, false, false, true}},
		{"repeats inside the window", []uint8{1, 2, 3, 1, 2, 4, 2, 1}, []bool{true, true, true, false, false, true, false, false}},
		{"out of order", []uint8{6, 5, 6, 5, 7}, []bool{true, true, false, false, true}},
		{"gap filled late", []uint8{1, 3, 4, 2, 2, 3}, []bool{true, true, true, true, false, false}},
		{"full lap", []uint8{0, 64, 128, 192, 0}, []bool{true, true, true, true, true}},
		{"too far behind", []uint8{0, 127, 128, 0}, []bool{true, true, true, false}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := newCircuit(1, 0, nil, t0)
			for i, seq := range tc.seqs {
				if got := c.acceptRemote(seq); got != tc.want[i] {
					t.Fatalf("step %d seq %d: accept = %v, want %v", i, seq, got, tc.want[i])
				}
			}
		})
	}
}
