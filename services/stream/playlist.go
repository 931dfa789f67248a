package stream

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
)

const (
	mediaPlaylistName = "playlist.m3u8"

	// Only the very first playlist fetch may block, and only this long; once
	// segments exist the endpoint is a fast read so players poll cheaply.
	firstPlaylistWait = 10 * time.Second
	playlistPoll      = 100 * time.Millisecond
)

// PlaylistServer renders the HLS manifests and resolves segment files for a
// session's output directory. Reads go through afero so tests can run against
// an in-memory filesystem.
type PlaylistServer struct {
	fs afero.Fs
}

func NewPlaylistServer(fs afero.Fs) *PlaylistServer {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &PlaylistServer{fs: fs}
}

// Master builds the master manifest for a session. Each session is a fixed
// profile, so the master references a single rendition; quality switching
// happens by session replace, not HLS variant switching.
func (p *PlaylistServer) Master(sess *Session, mediaPlaylistURL string) string {
	prof := sess.Plan.Profile

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")

	inf := fmt.Sprintf("#EXT-X-STREAM-INF:BANDWIDTH=%d", prof.Bandwidth())
	if !prof.Original && prof.Width > 0 && prof.Height > 0 {
		inf += fmt.Sprintf(",RESOLUTION=%dx%d", prof.Width, prof.Height)
	}
	b.WriteString(inf + "\n")
	b.WriteString(mediaPlaylistURL + "\n")
	return b.String()
}

// Media returns the current media playlist. While the encoder is producing it
// stays a live (non-final) playlist; once the encoder finished or the session
// stopped it carries ENDLIST so players stop polling. Before the first
// segment exists this waits briefly rather than making the client spin.
func (p *PlaylistServer) Media(ctx context.Context, sess *Session) ([]byte, error) {
	playlistPath := filepath.Join(sess.OutputDir, mediaPlaylistName)

	deadline := time.Now().Add(firstPlaylistWait)
	for {
		info, err := p.fs.Stat(playlistPath)
		if err == nil && info.Size() > 0 {
			break
		}
		if sess.State().Terminal() {
			return nil, fmt.Errorf("%w: playlist for session %s", ErrNotFound, sess.ID)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("playlist not ready for session %s", sess.ID)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(playlistPoll):
		}
	}

	content, err := afero.ReadFile(p.fs, playlistPath)
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}

	final := sess.complete() || !sess.State().Live()
	if final && !strings.Contains(string(content), "#EXT-X-ENDLIST") {
		content = append([]byte(strings.TrimRight(string(content), "\n")), []byte("\n#EXT-X-ENDLIST\n")...)
	}

	return content, nil
}

// SegmentPath validates a requested segment name and resolves it inside the
// session's directory. Names are strictly segment_<n>.ts, so numeric ordering
// reconstructs playback order and nothing can traverse out of the directory.
func (p *PlaylistServer) SegmentPath(sess *Session, name string) (string, int, error) {
	index, ok := parseSegmentName(name)
	if !ok {
		return "", 0, fmt.Errorf("%w: invalid segment name %q", ErrNotFound, name)
	}

	path := filepath.Join(sess.OutputDir, name)
	info, err := p.fs.Stat(path)
	if err != nil || info.Size() == 0 {
		return "", 0, fmt.Errorf("%w: segment %s of session %s", ErrNotFound, name, sess.ID)
	}
	return path, index, nil
}

// Open reads a segment for streaming to the client.
func (p *PlaylistServer) Open(path string) (afero.File, error) {
	return p.fs.Open(path)
}

func parseSegmentName(name string) (int, bool) {
	if !strings.HasPrefix(name, "segment_") || !strings.HasSuffix(name, ".ts") {
		return 0, false
	}
	num := strings.TrimSuffix(strings.TrimPrefix(name, "segment_"), ".ts")
	n, err := strconv.Atoi(num)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
