package handlers

import (
	"errors"
	"log"
	"net/http"

	"github.com/gabriel-vasile/mimetype"

	"reelcoral/internal/database"
	"reelcoral/services/probe"
)

// MediaHandler serves container metadata for library files.
type MediaHandler struct {
	prober    *probe.Prober
	cache     *database.ProbeCache
	mediaRoot string
}

func NewMediaHandler(prober *probe.Prober, cache *database.ProbeCache, mediaRoot string) *MediaHandler {
	return &MediaHandler{prober: prober, cache: cache, mediaRoot: mediaRoot}
}

// Info handles GET /api/media/info. Results are cached in sqlite keyed by
// path, size and mtime so repeated probes of unchanged files are free.
func (h *MediaHandler) Info(w http.ResponseWriter, r *http.Request) {
	relPath := r.URL.Query().Get("path")
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

	mtype, err := mimetype.DetectFile(fullPath)
	if err != nil || !isPlayableMime(mtype) {
		writeJSONError(w, "not a media file", http.StatusUnsupportedMediaType)
		return
	}

	key, err := probe.KeyFor(fullPath)
	if err != nil {
		writeJSONError(w, "not found", http.StatusNotFound)
		return
	}
	if h.cache != nil {
		if desc, err := h.cache.Get(key); err == nil && desc != nil {
			writeJSON(w, http.StatusOK, desc)
			return
		}
	}

	desc, err := h.prober.Probe(r.Context(), fullPath)
	if err != nil {
		if errors.Is(err, probe.ErrUnreadableMedia) {
			writeJSONError(w, "unreadable media", http.StatusUnprocessableEntity)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if h.cache != nil {
		if err := h.cache.Put(key, desc); err != nil {
			log.Printf("[media] probe cache write failed for %s: %v", relPath, err)
		}
	}
	writeJSON(w, http.StatusOK, desc)
}

func isPlayableMime(mtype *mimetype.MIME) bool {
	for m := mtype; m != nil; m = m.Parent() {
		switch {
		case len(m.String()) >= 6 && m.String()[:6] == "video/":
			return true
		case m.Is("application/x-matroska"):
			return true
		}
	}
	return false
}
