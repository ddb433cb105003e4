package link

import (
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
)

func candidate(s string) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{Candidate: s}
}

func TestCandidatesHeldUntilDescribed(t *testing.T) {
	var added []string
	q := &remoteCandidates{add: func(c webrtc.ICECandidateInit) error {
		added = append(added, c.Candidate)
		return nil
	}}

	q.push(candidate("a"))
	q.push(candidate("b"))
	if len(added) != 0 {
		t.Fatalf("candidates applied before the remote description: %v", added)
	}

	q.described()
	q.push(candidate("c"))

	want := []string{"a", "b", "c"}
	if len(added) != len(want) {
		t.Fatalf("added = %v, want %v", added, want)
	}
	for i := range want {
		if added[i] != want[i] {
			t.Fatalf("added = %v, want %v", added, want)
		}
	}
}

func TestRejectedCandidateIsNotFatal(t *testing.T) {
	calls := 0
	q := &remoteCandidates{add: func(webrtc.ICECandidateInit) error {
		calls++
		return errors.New("no remote description")
	}}

	q.described()
	q.push(candidate("a"))
	q.push(candidate("b"))
	if calls != 2 {
		t.Fatalf("add called %d times, want 2", calls)
	}
}
