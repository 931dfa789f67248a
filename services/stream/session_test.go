package stream

import (
	"testing"
)

func lifecycleTestSession() *Session {
	plan := &EncodePlan{
		Profile:     Profile{Name: "720p", Width: 1280, Height: 720},
		ActualStart: 30,
		Duration:    1200,
	}
	return newSession("sess-life", plan, "/hls/sess-life", "")
}

func TestNoteSegmentActivatesOnce(t *testing.T) {
	s := lifecycleTestSession()

	if s.State() != StateStarting {
		t.Fatalf("new session must start in Starting, got %s", s.State())
	}
	if !s.noteSegment() {
		t.Fatalf("first segment must report the Starting -> Active transition")
	}
	if s.State() != StateActive {
		t.Fatalf("expected Active after first segment, got %s", s.State())
	}
	if s.noteSegment() {
		t.Fatalf("later segments must not report a transition")
	}

	st := s.Snapshot()
	if st.SegmentsOnDisk != 2 {
		t.Fatalf("expected 2 segments recorded, got %d", st.SegmentsOnDisk)
	}
}

func TestStopLifecycle(t *testing.T) {
	s := lifecycleTestSession()
	s.noteSegment()

	if !s.beginStop() {
		t.Fatalf("beginStop on an Active session must succeed")
	}
	if s.State() != StateStopping {
		t.Fatalf("expected Stopping, got %s", s.State())
	}
	if s.beginStop() {
		t.Fatalf("second beginStop must be a no-op")
	}

	// a deliberate stop must not be reclassified as a failure
	if s.fail("encoder exited", ErrEncodeRuntimeFailed) {
		t.Fatalf("fail must not override a stop in progress")
	}

	s.finishStop()
	if s.State() != StateStopped {
		t.Fatalf("expected Stopped, got %s", s.State())
	}
	if _, terminal := s.terminalSince(); !terminal {
		t.Fatalf("stopped session must report a terminal timestamp")
	}
	if s.beginStop() {
		t.Fatalf("beginStop on a terminal session must fail")
	}
}

func TestFailIsSticky(t *testing.T) {
	s := lifecycleTestSession()

	if !s.fail("no output within startup grace period", ErrEncodeStartupFailed) {
		t.Fatalf("fail on a Starting session must succeed")
	}
	if s.fail("second failure", ErrEncodeRuntimeFailed) {
		t.Fatalf("fail must only be recorded once")
	}

	st := s.Snapshot()
	if st.State != StateFailed {
		t.Fatalf("expected Failed, got %s", st.State)
	}
	if st.FailureReason != "no output within startup grace period" {
		t.Fatalf("first failure reason must win, got %q", st.FailureReason)
	}
	if s.FailureError() != ErrEncodeStartupFailed {
		t.Fatalf("expected startup failure kind, got %v", s.FailureError())
	}

	// finishStop must not resurrect a failed session
	s.finishStop()
	if s.State() != StateFailed {
		t.Fatalf("terminal state must not change, got %s", s.State())
	}
}

func TestSnapshotFields(t *testing.T) {
	s := lifecycleTestSession()
	s.noteSegment()
	s.markComplete()

	st := s.Snapshot()
	if st.ID != "sess-life" || st.Profile != "720p" {
		t.Fatalf("unexpected identity fields: %+v", st)
	}
	if st.ActualStart != 30 || st.Duration != 1200 {
		t.Fatalf("unexpected timing fields: %+v", st)
	}
	if !st.Complete {
		t.Fatalf("completed encode must be visible in the snapshot")
	}
}

func TestIdleSince(t *testing.T) {
	s := lifecycleTestSession()

	before := s.idleSince()
	s.Touch()
	if s.idleSince().Before(before) {
		t.Fatalf("Touch must not move idleSince backwards")
	}
}
