package stream

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"reelcoral/services/probe"
)

// fakeEncoderOK mimics ffmpeg: the last argument is the playlist path. It
// writes one segment plus the playlist into the output directory, then stays
// alive until signalled, like a real encoder on a long source.
const fakeEncoderOK = `#!/bin/sh
for a in "$@"; do last=$a; done
dir=$(dirname "$last")
printf 'x' > "$dir/segment_0.ts"
printf '#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4.0,\nsegment_0.ts\n' > "$last"
sleep 60
`

// fakeEncoderOnce produces output on its first invocation only; every later
// invocation stalls without writing anything.
const fakeEncoderOnce = `#!/bin/sh
marker="$(dirname "$0")/ran"
if [ -e "$marker" ]; then
	sleep 60
	exit 0
fi
touch "$marker"
for a in "$@"; do last=$a; done
dir=$(dirname "$last")
printf 'x' > "$dir/segment_0.ts"
printf '#EXTM3U\n#EXTINF:4.0,\nsegment_0.ts\n' > "$last"
sleep 60
`

const fakeEncoderCrash = `#!/bin/sh
exit 1
`

func writeFakeEncoder(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

type staticProber struct {
	desc *probe.MediaDescriptor
}

func (p staticProber) Probe(ctx context.Context, path string) (*probe.MediaDescriptor, error) {
	return p.desc, nil
}

func newTestRegistry(t *testing.T, cfg Config, script string) *Registry {
	t.Helper()

	catalog := testCatalog(HardwareSoftware, false)
	planner := NewPlanner(catalog, fixedKeyframes{}, 4)
	sup := NewSupervisor(writeFakeEncoder(t, script), t.TempDir(), 3*time.Second)
	prober := staticProber{desc: testDescriptor()}

	r := NewRegistry(cfg, planner, prober, sup)
	t.Cleanup(r.Shutdown)
	return r
}

func startRequest() PlanRequest {
	return PlanRequest{
		Path:              "/media/movie.mkv",
		ProfileName:       "720p",
		AudioIndex:        -1,
		SubtitleBurnIndex: -1,
	}
}

func waitForState(t *testing.T, sess *Session, want State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if sess.State() == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("session %s never reached %s, stuck in %s", sess.ID, want, sess.State())
}

func TestStartBecomesActive(t *testing.T) {
	r := newTestRegistry(t, Config{}, fakeEncoderOK)

	sess, err := r.Start(context.Background(), startRequest())
	require.NoError(t, err)
	require.Equal(t, StateStarting, sess.State())

	waitForState(t, sess, StateActive)

	st := sess.Snapshot()
	require.GreaterOrEqual(t, st.SegmentsOnDisk, 1)
}

func TestStopIsIdempotentAndCleansUp(t *testing.T) {
	r := newTestRegistry(t, Config{}, fakeEncoderOK)

	sess, err := r.Start(context.Background(), startRequest())
	require.NoError(t, err)
	waitForState(t, sess, StateActive)

	require.NoError(t, r.Stop(sess.ID))
	require.NoError(t, r.Stop(sess.ID)) // second stop is a no-op
	waitForState(t, sess, StateStopped)

	_, err = os.Stat(sess.OutputDir)
	require.True(t, os.IsNotExist(err), "output directory must be removed on stop")

	// still queryable during the retention window
	_, ok := r.Get(sess.ID)
	require.True(t, ok)
}

func TestStopUnknownSession(t *testing.T) {
	r := newTestRegistry(t, Config{}, fakeEncoderOK)

	err := r.Stop("no-such-session")
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestAdmissionCeiling(t *testing.T) {
	r := newTestRegistry(t, Config{MaxSessions: 1}, fakeEncoderOK)

	first, err := r.Start(context.Background(), startRequest())
	require.NoError(t, err)
	waitForState(t, first, StateActive)

	_, err = r.Start(context.Background(), startRequest())
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestStartupFailureMarksSessionFailed(t *testing.T) {
	r := newTestRegistry(t, Config{}, fakeEncoderCrash)

	sess, err := r.Start(context.Background(), startRequest())
	require.NoError(t, err)

	waitForState(t, sess, StateFailed)
	require.ErrorIs(t, sess.FailureError(), ErrEncodeStartupFailed)

	_, err = os.Stat(sess.OutputDir)
	require.True(t, os.IsNotExist(err), "failed session directory must be removed")
}

func TestReplaceHandsOffAtCeiling(t *testing.T) {
	r := newTestRegistry(t, Config{MaxSessions: 1, ReplaceGrace: 5 * time.Second}, fakeEncoderOK)

	old, err := r.Start(context.Background(), startRequest())
	require.NoError(t, err)
	waitForState(t, old, StateActive)

	// replace is admitted even though the ceiling is nominally full
	req := startRequest()
	req.StartSeconds = 300
	newSess, err := r.Replace(context.Background(), old.ID, req)
	require.NoError(t, err)
	require.Equal(t, old.ID, newSess.ReplacesSessionID)

	waitForState(t, newSess, StateActive)
	waitForState(t, old, StateStopped)
}

func TestReplaceAbandonsStalledReplacement(t *testing.T) {
	r := newTestRegistry(t, Config{ReplaceGrace: 500 * time.Millisecond}, fakeEncoderOnce)

	old, err := r.Start(context.Background(), startRequest())
	require.NoError(t, err)
	waitForState(t, old, StateActive)

	newSess, err := r.Replace(context.Background(), old.ID, startRequest())
	require.NoError(t, err)

	waitForState(t, newSess, StateFailed)
	require.True(t, old.State().Live(), "replaced session must keep serving when the replacement stalls")
}

func TestReplaceUnknownSession(t *testing.T) {
	r := newTestRegistry(t, Config{}, fakeEncoderOK)

	_, err := r.Replace(context.Background(), "no-such-session", startRequest())
	require.ErrorIs(t, err, ErrSessionNotFound)
}

func TestReapDropsTerminalSessions(t *testing.T) {
	r := newTestRegistry(t, Config{
		StoppedRetention: 100 * time.Millisecond,
		ReapInterval:     50 * time.Millisecond,
	}, fakeEncoderOK)

	sess, err := r.Start(context.Background(), startRequest())
	require.NoError(t, err)
	waitForState(t, sess, StateActive)

	require.NoError(t, r.Stop(sess.ID))
	waitForState(t, sess, StateStopped)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := r.Get(sess.ID); !ok {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("terminal session was never dropped after retention")
}

func TestReapStopsIdleSessions(t *testing.T) {
	r := newTestRegistry(t, Config{
		IdleTimeout:  200 * time.Millisecond,
		ReapInterval: 50 * time.Millisecond,
	}, fakeEncoderOK)

	sess, err := r.Start(context.Background(), startRequest())
	require.NoError(t, err)
	waitForState(t, sess, StateActive)

	// no Touch and no further segments: the reaper should stop it
	waitForState(t, sess, StateStopped)
}

func TestSessionsSnapshot(t *testing.T) {
	r := newTestRegistry(t, Config{}, fakeEncoderOK)

	sess, err := r.Start(context.Background(), startRequest())
	require.NoError(t, err)
	waitForState(t, sess, StateActive)

	all := r.Sessions()
	require.Len(t, all, 1)
	require.Equal(t, sess.ID, all[0].ID)
	require.Equal(t, "720p", all[0].Profile)
}
