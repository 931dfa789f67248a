package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"reelcoral/services/subtitles"
)

// SubtitleHandler extracts embedded subtitle tracks on demand.
type SubtitleHandler struct {
	extractor *subtitles.Extractor
	mediaRoot string
}

func NewSubtitleHandler(extractor *subtitles.Extractor, mediaRoot string) *SubtitleHandler {
	return &SubtitleHandler{extractor: extractor, mediaRoot: mediaRoot}
}

// Get handles GET /api/subtitle. fmt=vtt returns WebVTT shifted by offset,
// fmt=json returns parsed cue objects for client-side rendering.
func (h *SubtitleHandler) Get(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	trackParam := q.Get("track")
	if trackParam == "" {
		writeJSONError(w, "track parameter required", http.StatusBadRequest)
		return
	}
	track, err := strconv.Atoi(trackParam)
	if err != nil || track < 0 {
		writeJSONError(w, "invalid track parameter", http.StatusBadRequest)
		return
	}

	var offset float64
	if v := q.Get("offset"); v != "" {
		offset, err = strconv.ParseFloat(v, 64)
		if err != nil {
			writeJSONError(w, "invalid offset parameter", http.StatusBadRequest)
			return
		}
	}

	fullPath, err := resolveMediaPath(h.mediaRoot, q.Get("path"))
	if errors.Is(err, errPathOutsideRoot) {
		writeJSONError(w, "forbidden", http.StatusForbidden)
		return
	}
	if err != nil {
		writeJSONError(w, "not found", http.StatusNotFound)
		return
	}

	vtt, err := h.extractor.ExtractVTT(r.Context(), fullPath, track)
	if err != nil {
		if r.Context().Err() != nil {
			writeJSONError(w, "timeout", http.StatusGatewayTimeout)
			return
		}
		writeJSONError(w, "subtitle extraction failed", http.StatusInternalServerError)
		return
	}

	if q.Get("fmt") == "json" {
		writeJSON(w, http.StatusOK, subtitles.ParseCues(vtt, offset))
		return
	}

	if offset > 0 {
		vtt = subtitles.ShiftVTT(vtt, offset)
	}
	w.Header().Set("Content-Type", "text/vtt")
	io.WriteString(w, vtt)
}
