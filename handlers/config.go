package handlers

import (
	"net/http"

	"reelcoral/services/stream"
)

// ConfigHandler reports the client-facing server configuration.
type ConfigHandler struct {
	catalog          *stream.Catalog
	segmentDuration  int
	defaultAudioLang string
}

func NewConfigHandler(catalog *stream.Catalog, segmentDuration int, defaultAudioLang string) *ConfigHandler {
	return &ConfigHandler{
		catalog:          catalog,
		segmentDuration:  segmentDuration,
		defaultAudioLang: defaultAudioLang,
	}
}

// Get handles GET /api/config.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	active, _ := h.catalog.ResolveHardware()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"profiles":                 h.catalog.Profiles(),
		"hardware":                 active,
		"segment_duration":         h.segmentDuration,
		"preferred_audio_language": h.defaultAudioLang,
	})
}
