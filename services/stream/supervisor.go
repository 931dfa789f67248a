package stream

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/fsnotify/fsnotify"
	gopsproc "github.com/shirou/gopsutil/v4/process"

	"reelcoral/internal/metrics"
)

const (
	// bounded wait between SIGTERM and SIGKILL
	terminateGrace = 5 * time.Second
	// cap on output-directory removal, a wedged filesystem must not hang teardown
	removeTimeout = 10 * time.Second
	// polling fallback when fsnotify is unavailable
	segmentPollInterval = 100 * time.Millisecond
	// how often to sample encoder CPU/memory while it runs
	processSampleInterval = 30 * time.Second
)

// Supervisor owns the external encoder process of each session: launch,
// health monitoring, output directory management, termination. At most one
// monitor goroutine manages a given session's process lifecycle.
type Supervisor struct {
	ffmpegPath   string
	baseDir      string
	startupGrace time.Duration
}

func NewSupervisor(ffmpegPath, baseDir string, startupGrace time.Duration) *Supervisor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if startupGrace <= 0 {
		startupGrace = 15 * time.Second
	}
	return &Supervisor{
		ffmpegPath:   ffmpegPath,
		baseDir:      baseDir,
		startupGrace: startupGrace,
	}
}

// BaseDir returns the temp root holding all session directories.
func (s *Supervisor) BaseDir() string { return s.baseDir }

// WipeRoot removes every session directory under the temp root. Called once
// at service startup to recover from a crash that left orphans behind.
func (s *Supervisor) WipeRoot() {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		log.Printf("[stream] failed to read temp root for cleanup: %v", err)
		return
	}

	cleaned := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dirPath := filepath.Join(s.baseDir, entry.Name())
		if err := os.RemoveAll(dirPath); err != nil {
			log.Printf("[stream] failed to remove orphaned directory %q: %v", dirPath, err)
		} else {
			cleaned++
		}
	}
	if cleaned > 0 {
		log.Printf("[stream] cleaned up %d orphaned session directories from previous runs", cleaned)
	}
}

// Launch creates the session's output directory and starts the encoder.
// Monitoring (exit code, first segment, startup grace) runs asynchronously;
// failures transition the session to Failed.
func (s *Supervisor) Launch(sess *Session) error {
	if err := os.MkdirAll(sess.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	args := sess.Plan.Args(sess.OutputDir)
	cmd := exec.Command(s.ffmpegPath, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	// Own process group so a graceful signal reaches ffmpeg's children too.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		s.RemoveOutputDir(sess)
		return fmt.Errorf("start encoder: %w", err)
	}

	sess.setProcess(cmd)
	log.Printf("[stream] session %s: encoder started (pid=%d, profile=%s, hw=%s, start=%.3fs)",
		sess.ID, cmd.Process.Pid, sess.Plan.Profile.Name, sess.Plan.Hardware, sess.Plan.ActualStart)

	go s.monitor(sess, cmd)
	return nil
}

// monitor is the single goroutine owning this session's process lifecycle.
func (s *Supervisor) monitor(sess *Session, cmd *exec.Cmd) {
	defer close(sess.procDone)

	exitCh := make(chan error, 1)
	go func() { exitCh <- cmd.Wait() }()

	segmentCh, stopWatch := s.watchSegments(sess)
	defer stopWatch()

	startupTimer := time.NewTimer(s.startupGrace)
	defer startupTimer.Stop()

	sampleTicker := time.NewTicker(processSampleInterval)
	defer sampleTicker.Stop()

	for {
		select {
		case err := <-exitCh:
			s.handleExit(sess, err)
			return

		case <-segmentCh:
			if sess.noteSegment() {
				startupTimer.Stop()
				log.Printf("[stream] session %s: first segment ready, session active", sess.ID)
			}

		case <-startupTimer.C:
			// Late fsnotify delivery: check the disk before giving up.
			if s.countSegments(sess.OutputDir) > 0 {
				if sess.noteSegment() {
					log.Printf("[stream] session %s: first segment found on grace check, session active", sess.ID)
				}
				continue
			}
			if sess.State() != StateStarting {
				continue
			}
			log.Printf("[stream] session %s: no segment within startup grace %v, killing encoder",
				sess.ID, s.startupGrace)
			if sess.fail("no output within startup grace period", ErrEncodeStartupFailed) {
				metrics.StartupFailures.Inc()
			}
			s.signal(cmd, syscall.SIGKILL)
			// keep looping until exitCh fires so the process is reaped

		case <-sampleTicker.C:
			s.sampleProcess(sess, cmd)
		}
	}
}

// handleExit classifies the encoder's exit and finishes cleanup for the
// failure paths. Deliberate stops are finalized by Terminate's caller.
func (s *Supervisor) handleExit(sess *Session, err error) {
	state := sess.State()

	if err == nil {
		// Full source encoded, the playlist is final.
		// A very short source can finish before any watch event arrives.
		if state == StateStarting && s.countSegments(sess.OutputDir) > 0 {
			sess.noteSegment()
		}
		sess.markComplete()
		log.Printf("[stream] session %s: encoder finished cleanly (%d segments)",
			sess.ID, s.countSegments(sess.OutputDir))
		return
	}

	if state == StateStopping {
		// Deliberate stop: the teardown path owns cleanup.
		log.Printf("[stream] session %s: encoder exited after stop request: %v", sess.ID, err)
		return
	}

	if state.Terminal() {
		// Already failed (startup grace kill): no teardown path runs for this
		// session, so the directory is reaped here.
		log.Printf("[stream] session %s: encoder exited after failure: %v", sess.ID, err)
		s.RemoveOutputDir(sess)
		return
	}

	// Unexpected death while the session was still wanted.
	kind := ErrEncodeRuntimeFailed
	if state == StateStarting {
		kind = ErrEncodeStartupFailed
	}
	if sess.fail(fmt.Sprintf("encoder exited: %v", err), kind) {
		log.Printf("[stream] session %s: encoder died unexpectedly: %v", sess.ID, err)
		if kind == ErrEncodeStartupFailed {
			metrics.StartupFailures.Inc()
		} else {
			metrics.RuntimeFailures.Inc()
		}
		s.RemoveOutputDir(sess)
	}
}

// watchSegments delivers an event per new segment file. Uses fsnotify, with a
// polling fallback when the watcher cannot be created.
func (s *Supervisor) watchSegments(sess *Session) (<-chan struct{}, func()) {
	events := make(chan struct{}, 16)
	stop := make(chan struct{})

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		err = watcher.Add(sess.OutputDir)
	}
	if err != nil {
		if watcher != nil {
			watcher.Close()
		}
		log.Printf("[stream] session %s: fsnotify unavailable (%v), polling for segments", sess.ID, err)
		go s.pollSegments(sess, events, stop)
		return events, func() { close(stop) }
	}

	go func() {
		defer watcher.Close()
		for {
			select {
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				// ffmpeg writes segments to a temp name and renames when
				// complete (temp_file flag), so Create/Rename of the final
				// name means the segment is fully written.
				if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if !isSegmentName(filepath.Base(ev.Name)) {
					continue
				}
				select {
				case events <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[stream] session %s: watch error: %v", sess.ID, err)
			case <-stop:
				return
			}
		}
	}()

	return events, func() { close(stop) }
}

func (s *Supervisor) pollSegments(sess *Session, events chan<- struct{}, stop <-chan struct{}) {
	ticker := time.NewTicker(segmentPollInterval)
	defer ticker.Stop()

	seen := 0
	for {
		select {
		case <-ticker.C:
			n := s.countSegments(sess.OutputDir)
			for ; seen < n; seen++ {
				select {
				case events <- struct{}{}:
				default:
				}
			}
		case <-stop:
			return
		}
	}
}

func (s *Supervisor) countSegments(dir string) int {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if isSegmentName(e.Name()) {
			n++
		}
	}
	return n
}

func isSegmentName(name string) bool {
	return strings.HasPrefix(name, "segment_") && strings.HasSuffix(name, ".ts")
}

// Terminate stops the session's encoder. Graceful sends SIGTERM and waits up
// to a bounded grace before force-killing; non-graceful kills immediately.
// Safe to call when the process already exited.
func (s *Supervisor) Terminate(sess *Session, graceful bool) {
	cmd := sess.process()
	if cmd == nil || cmd.Process == nil {
		return
	}

	if !graceful {
		s.signal(cmd, syscall.SIGKILL)
		<-sess.procDone
		return
	}

	s.signal(cmd, syscall.SIGTERM)
	select {
	case <-sess.procDone:
	case <-time.After(terminateGrace):
		log.Printf("[stream] session %s: encoder ignored SIGTERM, force killing (pid=%d)",
			sess.ID, cmd.Process.Pid)
		s.signal(cmd, syscall.SIGKILL)
		<-sess.procDone
	}
}

// signal targets the whole process group when we own one.
func (s *Supervisor) signal(cmd *exec.Cmd, sig syscall.Signal) {
	if cmd.Process == nil {
		return
	}
	pid := cmd.Process.Pid
	if err := syscall.Kill(-pid, sig); err != nil {
		// Not a group leader, or already gone: fall back to the process itself.
		_ = cmd.Process.Signal(sig)
	}
}

// RemoveOutputDir deletes the session's directory. Idempotent (a missing
// directory is success), retried briefly, and bounded so a wedged filesystem
// cannot hang the caller; persistent failure is logged, never raised.
func (s *Supervisor) RemoveOutputDir(sess *Session) {
	done := make(chan error, 1)
	go func() {
		done <- retry.Do(
			func() error { return os.RemoveAll(sess.OutputDir) },
			retry.Attempts(3),
			retry.Delay(100*time.Millisecond),
			retry.LastErrorOnly(true),
		)
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Printf("[stream] session %s: failed to remove output directory %q: %v",
				sess.ID, sess.OutputDir, err)
		}
	case <-time.After(removeTimeout):
		log.Printf("[stream] session %s: output directory removal timed out after %v: %s",
			sess.ID, removeTimeout, sess.OutputDir)
	}
}

// sampleProcess logs encoder CPU and memory, for operator visibility on
// hardware-vs-software encode cost.
func (s *Supervisor) sampleProcess(sess *Session, cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	proc, err := gopsproc.NewProcess(int32(cmd.Process.Pid))
	if err != nil {
		return
	}
	cpu, err := proc.CPUPercent()
	if err != nil {
		return
	}
	var rssMB uint64
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		rssMB = mem.RSS / 1024 / 1024
	}
	log.Printf("[stream] session %s: encoder pid=%d cpu=%.1f%% rss=%dMB",
		sess.ID, cmd.Process.Pid, cpu, rssMB)
}
