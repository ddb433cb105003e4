package util

import (
	"strings"
	"testing"
	"time"
)

func TestFormatBytesFixedWidth(t *testing.T) {
	testCases := []struct {
		in   float64
		want string
	}{
		{0, " 0.0   B"},
		{99, "99.0   B"},
		{1536, " 1.5 KiB"},
		{100 * 1024, " 0.1 MiB"},
	}

	for _, tc := range testCases {
		got := formatBytes(tc.in)
		if got != tc.want {
			t.Errorf("formatBytes(%v) = %q, want %q", tc.in, got, tc.want)
		}
		if len(got) != 8 {
			t.Errorf("formatBytes(%v) has width %d, want 8", tc.in, len(got))
		}
	}
}

func TestFormatStatsQuietInterval(t *testing.T) {
	snap := Snapshot{OpenedCircuits: 3, ClosedCircuits: 1, ActiveCircuits: 2, FramesSent: 10}
	if _, active := formatStats(snap, snap, 10*time.Second); active {
		t.Fatal("identical snapshots reported as active")
	}
}

func TestFormatStatsDelta(t *testing.T) {
	prev := Snapshot{FramesSent: 1}
	cur := Snapshot{OpenedCircuits: 2, ActiveCircuits: 2, FramesSent: 5, BytesSent: 100, Retransmits: 3}

	line, active := formatStats(prev, cur, 10*time.Second)
	if !active {
		t.Fatal("expected activity")
	}
	if !strings.Contains(line, "Retx: 3") || !strings.Contains(line, "(2 open)") {
		t.Errorf("unexpected line %q", line)
	}
}

func TestSnapshotActiveCircuits(t *testing.T) {
	s := &stats{}
	s.AddCircuit()
	s.AddCircuit()
	s.RemoveCircuit()
	s.AddSent(42)

	snap := s.Snapshot()
	if snap.ActiveCircuits != 1 {
		t.Errorf("ActiveCircuits = %d, want 1", snap.ActiveCircuits)
	}
	if snap.FramesSent != 1 || snap.BytesSent != 42 {
		t.Errorf("sent counters = %d frames / %d bytes", snap.FramesSent, snap.BytesSent)
	}
}

func TestSetLevel(t *testing.T) {
	for _, lvl := range []string{"", "info", "DEBUG", "warn", "error", "trace"} {
		if err := SetLevel(lvl); err != nil {
			t.Errorf("SetLevel(%q): %v", lvl, err)
		}
	}
	if err := SetLevel("loud"); err == nil {
		t.Error("SetLevel accepted an unknown level")
	}
	_ = SetLevel("info")
}
