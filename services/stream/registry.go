package stream

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"reelcoral/internal/metrics"
	"reelcoral/services/probe"
)

// Config bounds the registry's resource usage and timing.
type Config struct {
	// MaxSessions is the hard admission ceiling for live sessions.
	// Exceeded by at most one, only during a replace handoff.
	MaxSessions int
	// ReplaceGrace bounds how long a replaced session is kept alive waiting
	// for its replacement to produce a first segment.
	ReplaceGrace time.Duration
	// IdleTimeout reaps sessions with neither segment production nor client
	// requests for this long.
	IdleTimeout time.Duration
	// StoppedRetention keeps terminal sessions queryable before removal.
	StoppedRetention time.Duration
	// ReapInterval is the sweep period.
	ReapInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxSessions <= 0 {
		c.MaxSessions = 4
	}
	if c.ReplaceGrace <= 0 {
		c.ReplaceGrace = 15 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.StoppedRetention <= 0 {
		c.StoppedRetention = time.Minute
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 30 * time.Second
	}
}

// DescriptorProber is the slice of the media prober the registry needs.
type DescriptorProber interface {
	Probe(ctx context.Context, path string) (*probe.MediaDescriptor, error)
}

// Registry is the bounded table of active sessions: admission control,
// lifecycle transitions, and the source of truth for replace operations.
// The registry mutex guards only the table; per-session state has its own
// lock so a slow teardown never blocks admission of other sessions.
type Registry struct {
	cfg     Config
	planner *Planner
	prober  DescriptorProber
	sup     *Supervisor

	mu       sync.Mutex
	sessions map[string]*Session

	done     chan struct{}
	stopOnce sync.Once
}

func NewRegistry(cfg Config, planner *Planner, prober DescriptorProber, sup *Supervisor) *Registry {
	cfg.applyDefaults()
	r := &Registry{
		cfg:      cfg,
		planner:  planner,
		prober:   prober,
		sup:      sup,
		sessions: make(map[string]*Session),
		done:     make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

// Start admits and launches a new session. Validation and plan-build errors
// are synchronous; the returned session is in Starting state and becomes
// Active once the first segment appears.
func (r *Registry) Start(ctx context.Context, req PlanRequest) (*Session, error) {
	return r.admit(ctx, req, "")
}

// Replace builds a new session superseding oldID (seek, quality or track
// change) without interrupting playback: the old session keeps serving until
// the new one proves healthy. During the handoff the registry may hold one
// session over the nominal ceiling; that window is bounded by ReplaceGrace.
func (r *Registry) Replace(ctx context.Context, oldID string, req PlanRequest) (*Session, error) {
	old, ok := r.Get(oldID)
	if !ok || !old.State().Live() {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, oldID)
	}

	sess, err := r.admit(ctx, req, oldID)
	if err != nil {
		return nil, err
	}

	go r.superviseReplace(sess, old)
	return sess, nil
}

func (r *Registry) admit(ctx context.Context, req PlanRequest, replaces string) (*Session, error) {
	desc, err := r.prober.Probe(ctx, req.Path)
	if err != nil {
		return nil, err
	}

	plan, err := r.planner.BuildPlan(ctx, desc, req)
	if err != nil {
		return nil, err
	}

	id := uuid.NewString()
	outputDir := filepath.Join(r.sup.BaseDir(), id)

	r.mu.Lock()
	ceiling := r.cfg.MaxSessions
	if replaces != "" {
		// The one deliberate, bounded exception: the replaced session still
		// holds its slot until the handoff completes.
		ceiling++
		if old, ok := r.sessions[replaces]; !ok || !old.State().Live() {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, replaces)
		}
	}
	if r.liveCountLocked() >= ceiling {
		r.mu.Unlock()
		metrics.AdmissionRejects.Inc()
		return nil, fmt.Errorf("%w: ceiling of %d reached", ErrCapacityExceeded, r.cfg.MaxSessions)
	}
	sess := newSession(id, plan, outputDir, replaces)
	r.sessions[id] = sess
	live := r.liveCountLocked()
	r.mu.Unlock()

	metrics.LiveSessions.Set(float64(live))

	if err := r.sup.Launch(sess); err != nil {
		sess.fail(fmt.Sprintf("launch: %v", err), ErrEncodeStartupFailed)
		metrics.StartupFailures.Inc()
		r.refreshGauge()
		return nil, fmt.Errorf("%w: %v", ErrEncodeStartupFailed, err)
	}

	metrics.SessionsStarted.WithLabelValues(plan.Profile.Name).Inc()
	log.Printf("[stream] session %s: admitted (profile=%s, audio=%d, start=%.3fs, actual=%.3fs, replaces=%q)",
		id, plan.Profile.Name, plan.AudioIndex, plan.RequestedStart, plan.ActualStart, replaces)
	return sess, nil
}

// liveCountLocked counts sessions in Starting, Active or Stopping state.
// Callers hold r.mu.
func (r *Registry) liveCountLocked() int {
	n := 0
	for _, s := range r.sessions {
		if s.State().Live() {
			n++
		}
	}
	return n
}

// superviseReplace waits for the replacement to become Active, then tears
// down the replaced session. If the replacement does not produce a segment
// within the grace period it is abandoned and the old session continues.
func (r *Registry) superviseReplace(newSess, old *Session) {
	deadline := time.NewTimer(r.cfg.ReplaceGrace)
	defer deadline.Stop()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			switch newSess.State() {
			case StateActive:
				log.Printf("[stream] session %s: replacement active, stopping replaced session %s",
					newSess.ID, old.ID)
				if err := r.Stop(old.ID); err != nil {
					log.Printf("[stream] failed to stop replaced session %s: %v", old.ID, err)
				}
				return
			case StateStarting:
				// keep waiting
			default:
				// replacement already failed or was stopped; old continues
				log.Printf("[stream] session %s: replacement reached %s before activating, keeping session %s",
					newSess.ID, newSess.State(), old.ID)
				return
			}

		case <-deadline.C:
			if newSess.State() != StateStarting {
				continue
			}
			log.Printf("[stream] session %s: replacement not active within %v, abandoning it (session %s continues)",
				newSess.ID, r.cfg.ReplaceGrace, old.ID)
			if newSess.fail("replacement did not become active within grace period", ErrEncodeStartupFailed) {
				metrics.StartupFailures.Inc()
				r.sup.Terminate(newSess, false)
				r.sup.RemoveOutputDir(newSess)
				r.refreshGauge()
			}
			return

		case <-r.done:
			return
		}
	}
}

// Stop is idempotent: the first call for a live session initiates teardown,
// later calls and calls on already-terminal sessions succeed with no effect.
// Cleanup is asynchronous; Stop returns immediately.
func (r *Registry) Stop(id string) error {
	sess, ok := r.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	if !sess.beginStop() {
		return nil
	}

	go func() {
		r.sup.Terminate(sess, true)
		r.sup.RemoveOutputDir(sess)
		sess.finishStop()
		r.refreshGauge()
		log.Printf("[stream] session %s: stopped and cleaned up", id)
	}()

	return nil
}

// Get returns the session for id. Terminal sessions remain visible for the
// retention window so a final status query can observe the terminal state.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[id]
	return sess, ok
}

// Sessions snapshots all current sessions, for the admin status surface.
func (r *Registry) Sessions() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.Snapshot())
	}
	return out
}

func (r *Registry) refreshGauge() {
	r.mu.Lock()
	live := r.liveCountLocked()
	r.mu.Unlock()
	metrics.LiveSessions.Set(float64(live))
}

func (r *Registry) reapLoop() {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.reap()
		case <-r.done:
			return
		}
	}
}

// reap stops idle sessions and drops terminal entries past retention.
func (r *Registry) reap() {
	now := time.Now()

	var idle []string
	var expired []string

	r.mu.Lock()
	for id, sess := range r.sessions {
		state := sess.State()
		if state.Live() && state != StateStopping {
			if now.Sub(sess.idleSince()) > r.cfg.IdleTimeout {
				idle = append(idle, id)
			}
			continue
		}
		if at, terminal := sess.terminalSince(); terminal && now.Sub(at) > r.cfg.StoppedRetention {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	for _, id := range idle {
		log.Printf("[stream] session %s: idle past %v, reaping", id, r.cfg.IdleTimeout)
		if err := r.Stop(id); err != nil {
			log.Printf("[stream] failed to reap session %s: %v", id, err)
		}
	}
	if len(expired) > 0 {
		log.Printf("[stream] dropped %d terminal sessions past retention", len(expired))
	}

	r.refreshGauge()
}

// Shutdown stops the reap loop and tears down all sessions in parallel.
func (r *Registry) Shutdown() {
	r.stopOnce.Do(func() { close(r.done) })

	r.mu.Lock()
	all := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		all = append(all, s)
	}
	r.mu.Unlock()

	log.Printf("[stream] shutting down, tearing down %d sessions", len(all))

	var wg conc.WaitGroup
	for _, sess := range all {
		sess := sess
		wg.Go(func() {
			if sess.beginStop() {
				r.sup.Terminate(sess, true)
				r.sup.RemoveOutputDir(sess)
				sess.finishStop()
			}
		})
	}
	wg.Wait()

	metrics.LiveSessions.Set(0)
	log.Printf("[stream] shutdown complete")
}
