package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"reelcoral/services/userdata"
)

// userFromRequest resolves the acting user. Requests carry it via header so
// multiple profiles can share one login.
func userFromRequest(r *http.Request) string {
	if u := r.Header.Get("X-User-ID"); u != "" {
		return u
	}
	return "default"
}

// UserDataHandler exposes the per-user key/value and file status store.
type UserDataHandler struct {
	store *userdata.Service
}

func NewUserDataHandler(store *userdata.Service) *UserDataHandler {
	return &UserDataHandler{store: store}
}

// GetPreferences handles GET /api/userdata/preferences.
func (h *UserDataHandler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	blob, err := h.store.Preferences(userFromRequest(r))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, blob)
}

// PutPreferences handles PUT /api/userdata/preferences.
func (h *UserDataHandler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	blob, ok := readJSONBlob(w, r)
	if !ok {
		return
	}
	if err := h.store.SavePreferences(userFromRequest(r), blob); err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GetData handles GET /api/userdata/{key}.
func (h *UserDataHandler) GetData(w http.ResponseWriter, r *http.Request) {
	blob, err := h.store.Data(userFromRequest(r), mux.Vars(r)["key"])
	if err != nil {
		if errors.Is(err, userdata.ErrInvalidKey) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, blob)
}

// PutData handles PUT /api/userdata/{key}.
func (h *UserDataHandler) PutData(w http.ResponseWriter, r *http.Request) {
	blob, ok := readJSONBlob(w, r)
	if !ok {
		return
	}
	if err := h.store.SaveData(userFromRequest(r), mux.Vars(r)["key"], blob); err != nil {
		if errors.Is(err, userdata.ErrInvalidKey) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ListFileStatus handles GET /api/userdata/files/status.
func (h *UserDataHandler) ListFileStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.store.FileStatuses(userFromRequest(r))
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

// SetFileStatus handles POST /api/userdata/files/status.
func (h *UserDataHandler) SetFileStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Path   string `json:"path"`
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Path == "" {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	user := userFromRequest(r)
	var err error
	if body.Status == "" {
		err = h.store.ClearFileStatus(user, body.Path)
	} else {
		err = h.store.SetFileStatus(user, body.Path, body.Status)
	}
	if err != nil {
		if errors.Is(err, userdata.ErrInvalidStatus) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// readJSONBlob validates the body is JSON and returns it verbatim.
func readJSONBlob(w http.ResponseWriter, r *http.Request) (string, bool) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return "", false
	}
	if !json.Valid(raw) {
		writeJSONError(w, "body must be valid JSON", http.StatusBadRequest)
		return "", false
	}
	return string(raw), true
}
