package stream

import (
	"os/exec"
	"sync"
	"time"
)

// State is a session's lifecycle phase.
type State string

const (
	StateStarting State = "starting"
	StateActive   State = "active"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }

// Live reports whether the session counts toward the admission ceiling.
func (s State) Live() bool { return !s.Terminal() }

// Session is one transcoding session: one encoder process, one output
// directory, one entry in the registry. State transitions are serialized by
// the session's own mutex; the registry lock only guards the table.
type Session struct {
	ID        string
	Plan      *EncodePlan
	OutputDir string
	CreatedAt time.Time

	// ReplacesSessionID back-references the session this one supersedes.
	// The old session is torn down only once this one reaches Active, or
	// after the replace grace period, whichever comes first.
	ReplacesSessionID string

	mu              sync.RWMutex
	state           State
	failureReason   string
	failure         error // taxonomy error for the status endpoint
	cmd             *exec.Cmd
	pid             int
	terminalAt      time.Time
	lastSegmentAt   time.Time // last time a new segment file appeared
	lastRequestAt   time.Time // last playlist/segment request
	firstSegmentAt  time.Time
	segmentsWritten int
	encodeComplete  bool // encoder exited cleanly, playlist is final

	// closed by the supervisor's monitor goroutine once the process is reaped
	procDone chan struct{}
}

func newSession(id string, plan *EncodePlan, outputDir string, replaces string) *Session {
	now := time.Now()
	return &Session{
		ID:                id,
		Plan:              plan,
		OutputDir:         outputDir,
		CreatedAt:         now,
		ReplacesSessionID: replaces,
		state:             StateStarting,
		lastRequestAt:     now,
		lastSegmentAt:     now, // avoid an immediate idle reap before output starts
		procDone:          make(chan struct{}),
	}
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// FailureError returns the taxonomy error recorded when the session failed.
func (s *Session) FailureError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.failure
}

// ActualStart is the keyframe-aligned start offset the player should re-base
// its seek bar on.
func (s *Session) ActualStart() float64 { return s.Plan.ActualStart }

// Touch records a playlist or segment request, for the idle reaper.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastRequestAt = time.Now()
	s.mu.Unlock()
}

// noteSegment records a new segment file on disk and flips Starting -> Active
// on the first one. Returns true on that first transition.
func (s *Session) noteSegment() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	s.lastSegmentAt = now
	s.segmentsWritten++

	if s.state == StateStarting {
		s.state = StateActive
		s.firstSegmentAt = now
		return true
	}
	return false
}

// beginStop moves Starting|Active -> Stopping. Returns false when the session
// is already stopping or terminal, making stop idempotent.
func (s *Session) beginStop() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateStarting && s.state != StateActive {
		return false
	}
	s.state = StateStopping
	return true
}

// finishStop moves Stopping -> Stopped once the process is confirmed dead and
// the output directory removed.
func (s *Session) finishStop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() {
		return
	}
	s.state = StateStopped
	s.terminalAt = time.Now()
}

// fail moves any non-terminal state to Failed, at most once. Returns false
// when the session was already terminal or deliberately stopping.
func (s *Session) fail(reason string, kind error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Terminal() || s.state == StateStopping {
		return false
	}
	s.state = StateFailed
	s.failureReason = reason
	s.failure = kind
	s.terminalAt = time.Now()
	return true
}

func (s *Session) setProcess(cmd *exec.Cmd) {
	s.mu.Lock()
	s.cmd = cmd
	if cmd != nil && cmd.Process != nil {
		s.pid = cmd.Process.Pid
	}
	s.mu.Unlock()
}

func (s *Session) process() *exec.Cmd {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cmd
}

// markComplete records that the encoder finished the whole source; the media
// playlist is final and gets an ENDLIST marker.
func (s *Session) markComplete() {
	s.mu.Lock()
	s.encodeComplete = true
	s.mu.Unlock()
}

func (s *Session) complete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.encodeComplete
}

// idleSince returns the most recent of segment production and client request,
// the baseline for idle reaping.
func (s *Session) idleSince() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastRequestAt.After(s.lastSegmentAt) {
		return s.lastRequestAt
	}
	return s.lastSegmentAt
}

func (s *Session) terminalSince() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.state.Terminal() {
		return time.Time{}, false
	}
	return s.terminalAt, true
}

// Status is the point-in-time view exposed by the status endpoint.
type Status struct {
	ID             string  `json:"session_id"`
	State          State   `json:"state"`
	ActualStart    float64 `json:"actual_start"`
	Duration       float64 `json:"duration"`
	Profile        string  `json:"profile"`
	SegmentsOnDisk int     `json:"segments_written"`
	Complete       bool    `json:"complete"`
	FailureReason  string  `json:"failure_reason,omitempty"`
}

func (s *Session) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{
		ID:             s.ID,
		State:          s.state,
		ActualStart:    s.Plan.ActualStart,
		Duration:       s.Plan.Duration,
		Profile:        s.Plan.Profile.Name,
		SegmentsOnDisk: s.segmentsWritten,
		Complete:       s.encodeComplete,
		FailureReason:  s.failureReason,
	}
}
