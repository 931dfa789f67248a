package stream

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeEncoderStall stays alive but never produces any output.
const fakeEncoderStall = `#!/bin/sh
sleep 60
`

func waitForRemoval(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("directory %s still exists", path)
}

func stallTestSession(sup *Supervisor) *Session {
	plan := &EncodePlan{
		Path:              "/media/movie.mkv",
		Profile:           Profile{Name: "original", Original: true},
		AudioIndex:        1,
		SubtitleBurnIndex: -1,
		SegmentDuration:   4,
	}
	return newSession("sess-stall", plan, filepath.Join(sup.BaseDir(), "sess-stall"), "")
}

func TestStartupGraceCleansUpStalledEncoder(t *testing.T) {
	sup := NewSupervisor(writeFakeEncoder(t, fakeEncoderStall), t.TempDir(), 300*time.Millisecond)
	sess := stallTestSession(sup)

	require.NoError(t, sup.Launch(sess))

	waitForState(t, sess, StateFailed)
	require.ErrorIs(t, sess.FailureError(), ErrEncodeStartupFailed)

	// the killed encoder's directory must be released, not linger until the
	// next restart's wipe
	waitForRemoval(t, sess.OutputDir)
}

func TestCrashIsolation(t *testing.T) {
	r := newTestRegistry(t, Config{}, fakeEncoderOK)

	first, err := r.Start(context.Background(), startRequest())
	require.NoError(t, err)
	second, err := r.Start(context.Background(), startRequest())
	require.NoError(t, err)
	waitForState(t, first, StateActive)
	waitForState(t, second, StateActive)

	// kill the first session's encoder out from under the supervisor
	cmd := first.process()
	require.NotNil(t, cmd)
	require.NoError(t, syscall.Kill(cmd.Process.Pid, syscall.SIGKILL))

	waitForState(t, first, StateFailed)
	require.ErrorIs(t, first.FailureError(), ErrEncodeRuntimeFailed)
	waitForRemoval(t, first.OutputDir)

	// the other session is untouched
	require.Equal(t, StateActive, second.State())
	if _, err := os.Stat(second.OutputDir); err != nil {
		t.Fatalf("surviving session's directory is gone: %v", err)
	}
	if _, err := os.Stat(filepath.Join(second.OutputDir, "playlist.m3u8")); err != nil {
		t.Fatalf("surviving session's playlist is gone: %v", err)
	}
}

func TestWipeRoot(t *testing.T) {
	base := t.TempDir()
	for _, name := range []string{"orphan-a", "orphan-b"} {
		dir := filepath.Join(base, name)
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "segment_0.ts"), []byte("x"), 0o644))
	}
	keep := filepath.Join(base, "notes.txt")
	require.NoError(t, os.WriteFile(keep, []byte("x"), 0o644))

	NewSupervisor("ffmpeg", base, 0).WipeRoot()

	entries, err := os.ReadDir(base)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "notes.txt", entries[0].Name())
}

func TestRemoveOutputDirIdempotent(t *testing.T) {
	sup := NewSupervisor("ffmpeg", t.TempDir(), 0)
	sess := stallTestSession(sup)
	require.NoError(t, os.MkdirAll(sess.OutputDir, 0o755))

	sup.RemoveOutputDir(sess)
	if _, err := os.Stat(sess.OutputDir); !os.IsNotExist(err) {
		t.Fatalf("directory must be removed, stat err = %v", err)
	}
	// removing an already-missing directory succeeds silently
	sup.RemoveOutputDir(sess)
}
