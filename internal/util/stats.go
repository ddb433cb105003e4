package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide tunnel counter set. The engine goroutine is the
// only writer; the reporter and the status endpoint read concurrently.
var Stats = &stats{}

type stats struct {
	OpenedCircuits atomic.Int64 // cumulative circuits created since process start
	ClosedCircuits atomic.Int64 // cumulative circuits destroyed since process start
	BytesSent      atomic.Int64 // cumulative bytes written to the link (headers included)
	BytesRecv      atomic.Int64 // cumulative bytes read from the link (headers included)
	FramesSent     atomic.Int64 // link datagrams transmitted, retransmissions included
	FramesRecv     atomic.Int64 // link datagrams received
	Retransmits    atomic.Int64 // data frames sent more than once
	Exhausted      atomic.Int64 // data frames dropped after the retry budget
	AcksSent       atomic.Int64
	AcksRecv       atomic.Int64
	Duplicates     atomic.Int64 // data frames suppressed as already delivered
	InvalidFrames  atomic.Int64
	UnknownDrops   atomic.Int64 // frames for unknown circuits with server mode off
}

func (s *stats) AddCircuit()    { s.OpenedCircuits.Add(1) }
func (s *stats) RemoveCircuit() { s.ClosedCircuits.Add(1) }

func (s *stats) AddSent(n int) {
	s.FramesSent.Add(1)
	s.BytesSent.Add(int64(n))
}

func (s *stats) AddRecv(n int) {
	s.FramesRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// Snapshot is a point-in-time copy of the counters, suitable for JSON.
type Snapshot struct {
	OpenedCircuits int64 `json:"openedCircuits"`
	ClosedCircuits int64 `json:"closedCircuits"`
	ActiveCircuits int64 `json:"activeCircuits"`
	BytesSent      int64 `json:"bytesSent"`
	BytesRecv      int64 `json:"bytesRecv"`
	FramesSent     int64 `json:"framesSent"`
	FramesRecv     int64 `json:"framesRecv"`
	Retransmits    int64 `json:"retransmits"`
	Exhausted      int64 `json:"exhausted"`
	AcksSent       int64 `json:"acksSent"`
	AcksRecv       int64 `json:"acksRecv"`
	Duplicates     int64 `json:"duplicates"`
	InvalidFrames  int64 `json:"invalidFrames"`
	UnknownDrops   int64 `json:"unknownDrops"`
}

// Snapshot reads every counter once.
func (s *stats) Snapshot() Snapshot {
	opened := s.OpenedCircuits.Load()
	closed := s.ClosedCircuits.Load()
	return Snapshot{
		OpenedCircuits: opened,
		ClosedCircuits: closed,
		ActiveCircuits: opened - closed,
		BytesSent:      s.BytesSent.Load(),
		BytesRecv:      s.BytesRecv.Load(),
		FramesSent:     s.FramesSent.Load(),
		FramesRecv:     s.FramesRecv.Load(),
		Retransmits:    s.Retransmits.Load(),
		Exhausted:      s.Exhausted.Load(),
		AcksSent:       s.AcksSent.Load(),
		AcksRecv:       s.AcksRecv.Load(),
		Duplicates:     s.Duplicates.Load(),
		InvalidFrames:  s.InvalidFrames.Load(),
		UnknownDrops:   s.UnknownDrops.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs tunnel statistics every
// interval while there is activity. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		prev := Stats.Snapshot()
		for {
			select {
			case <-ticker.C:
				cur := Stats.Snapshot()
				if line, active := formatStats(prev, cur, interval); active {
					pterm.DefaultLogger.Info(line)
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats renders the delta between two snapshots. The boolean is false
// when nothing happened on the link or to circuits during the interval.
func formatStats(prev, cur Snapshot, interval time.Duration) (string, bool) {
	secs := interval.Seconds()
	txS := float64(cur.BytesSent-prev.BytesSent) / secs
	rxS := float64(cur.BytesRecv-prev.BytesRecv) / secs
	opened := cur.OpenedCircuits - prev.OpenedCircuits
	closed := cur.ClosedCircuits - prev.ClosedCircuits
	retx := cur.Retransmits - prev.Retransmits

	active := opened > 0 || closed > 0 || cur.FramesSent != prev.FramesSent || cur.FramesRecv != prev.FramesRecv

	return fmt.Sprintf("Tx: %s/s | Rx: %s/s | Circuits: %2d↑ %2d↓ (%d open) | Retx: %d",
		formatBytes(txS),
		formatBytes(rxS),
		opened,
		closed,
		cur.ActiveCircuits,
		retx,
	), active
}
