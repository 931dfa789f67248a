package handlers

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"reelcoral/internal/metrics"
	"reelcoral/services/probe"
	"reelcoral/services/stream"
)

// StreamHandler exposes the transcode session lifecycle and HLS delivery
// endpoints.
type StreamHandler struct {
	registry  *stream.Registry
	playlists *stream.PlaylistServer
	mediaRoot string
	// fallback audio language when the client does not pick a track
	defaultAudioLang string
}

func NewStreamHandler(registry *stream.Registry, playlists *stream.PlaylistServer, mediaRoot, defaultAudioLang string) *StreamHandler {
	return &StreamHandler{
		registry:         registry,
		playlists:        playlists,
		mediaRoot:        mediaRoot,
		defaultAudioLang: defaultAudioLang,
	}
}

// Start handles GET /api/stream/start. With replace= it performs a
// make-before-break handoff from the named session.
func (h *StreamHandler) Start(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	relPath := q.Get("path")
	if relPath == "" {
		writeJSONError(w, "path parameter required", http.StatusBadRequest)
		return
	}
	fullPath, err := resolveMediaPath(h.mediaRoot, relPath)
	if errors.Is(err, errPathOutsideRoot) {
		writeJSONError(w, "forbidden", http.StatusForbidden)
		return
	}
	if err != nil {
		writeJSONError(w, "not found", http.StatusNotFound)
		return
	}

	req := stream.PlanRequest{
		Path:               fullPath,
		ProfileName:        q.Get("profile"),
		AudioIndex:         -1,
		SubtitleBurnIndex:  -1,
		PreferredAudioLang: h.defaultAudioLang,
	}
	if req.ProfileName == "" {
		req.ProfileName = "original"
	}
	if v := q.Get("audio"); v != "" {
		idx, err := strconv.Atoi(v)
		if err != nil {
			writeJSONError(w, "invalid audio parameter", http.StatusBadRequest)
			return
		}
		req.AudioIndex = idx
	}
	if v := q.Get("burnSubtitle"); v != "" {
		idx, err := strconv.Atoi(v)
		if err != nil {
			writeJSONError(w, "invalid burnSubtitle parameter", http.StatusBadRequest)
			return
		}
		req.SubtitleBurnIndex = idx
	}
	if v := q.Get("start"); v != "" {
		sec, err := strconv.ParseFloat(v, 64)
		if err != nil || sec < 0 {
			writeJSONError(w, "invalid start parameter", http.StatusBadRequest)
			return
		}
		req.StartSeconds = sec
	}

	var sess *stream.Session
	if replaceID := q.Get("replace"); replaceID != "" {
		sess, err = h.registry.Replace(r.Context(), replaceID, req)
	} else {
		sess, err = h.registry.Start(r.Context(), req)
	}
	if err != nil {
		h.writeStartError(w, err)
		return
	}

	log.Printf("[stream] session %s started path=%s profile=%s start=%.2f",
		sess.ID, relPath, sess.Plan.Profile.Name, sess.Plan.ActualStart)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":   sess.ID,
		"actual_start": sess.Plan.ActualStart,
		"duration":     sess.Plan.Duration,
		"profile":      sess.Plan.Profile.Name,
		"playlist_url": fmt.Sprintf("/api/stream/%s/master.m3u8", sess.ID),
	})
}

func (h *StreamHandler) writeStartError(w http.ResponseWriter, err error) {
	var planErr *stream.PlanError
	switch {
	case errors.Is(err, probe.ErrNotFound):
		writeJSONError(w, "not found", http.StatusNotFound)
	case errors.Is(err, probe.ErrUnreadableMedia):
		writeJSONError(w, "unreadable media", http.StatusUnprocessableEntity)
	case errors.Is(err, stream.ErrSessionNotFound):
		writeJSONError(w, "replace target not found", http.StatusNotFound)
	case errors.Is(err, stream.ErrIncompatibleOptions):
		writeJSONError(w, "subtitle burn-in requires a transcoding profile", http.StatusBadRequest)
	case errors.As(err, &planErr):
		writeJSONError(w, planErr.Error(), http.StatusBadRequest)
	case errors.Is(err, stream.ErrCapacityExceeded):
		writeJSONError(w, "session limit reached", http.StatusServiceUnavailable)
	case errors.Is(err, stream.ErrEncodeStartupFailed):
		writeJSONError(w, "encoder failed to start", http.StatusInternalServerError)
	default:
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

// Stop handles DELETE /api/stream/{sessionID}. Stopping an already stopping
// or stopped session succeeds without effect.
func (h *StreamHandler) Stop(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionID"]
	if err := h.registry.Stop(id); err != nil {
		if errors.Is(err, stream.ErrSessionNotFound) {
			writeJSONError(w, "session not found", http.StatusNotFound)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// Master handles GET /api/stream/{sessionID}/master.m3u8.
func (h *StreamHandler) Master(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	sess.Touch()

	mediaURL := "playlist.m3u8"
	if token := r.URL.Query().Get("token"); token != "" {
		mediaURL += "?token=" + token
	}
	body := h.playlists.Master(sess, mediaURL)
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	io.WriteString(w, body)
}

// Media handles GET /api/stream/{sessionID}/playlist.m3u8. The first request
// may block briefly while the encoder produces the playlist.
func (h *StreamHandler) Media(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	sess.Touch()

	body, err := h.playlists.Media(r.Context(), sess)
	if err != nil {
		if errors.Is(err, stream.ErrNotFound) {
			writeJSONError(w, "playlist not available", http.StatusNotFound)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(body)
}

// Segment handles GET /api/stream/{sessionID}/{segment}.
func (h *StreamHandler) Segment(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.session(w, r)
	if !ok {
		return
	}
	sess.Touch()

	name := mux.Vars(r)["segment"]
	if !strings.HasSuffix(name, ".ts") {
		writeJSONError(w, "not found", http.StatusNotFound)
		return
	}
	path, _, err := h.playlists.SegmentPath(sess, name)
	if err != nil {
		writeJSONError(w, "segment not found", http.StatusNotFound)
		return
	}

	f, err := h.playlists.Open(path)
	if err != nil {
		writeJSONError(w, "segment not found", http.StatusNotFound)
		return
	}
	defer f.Close()

	metrics.SegmentsServed.Inc()
	w.Header().Set("Content-Type", "video/mp2t")
	w.Header().Set("Cache-Control", "no-store")
	io.Copy(w, f)
}

// Status handles GET /api/stream/{sessionID}/status.
func (h *StreamHandler) Status(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionID"]
	sess, ok := h.registry.Get(id)
	if !ok {
		writeJSONError(w, "session not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess.Snapshot())
}

// Sessions handles GET /api/stream/sessions.
func (h *StreamHandler) Sessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.registry.Sessions())
}

// session resolves the path session and fences failed sessions with 410 so
// players stop polling them.
func (h *StreamHandler) session(w http.ResponseWriter, r *http.Request) (*stream.Session, bool) {
	id := mux.Vars(r)["sessionID"]
	sess, ok := h.registry.Get(id)
	if !ok {
		writeJSONError(w, "session not found", http.StatusNotFound)
		return nil, false
	}
	if sess.State() == stream.StateFailed {
		writeJSONError(w, "session failed", http.StatusGone)
		return nil, false
	}
	return sess, true
}
