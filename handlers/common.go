package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

var (
	errPathOutsideRoot = errors.New("path escapes media root")
	errPathNotFound    = errors.New("file not found")
)

// resolveMediaPath joins a client-supplied relative path onto the media root
// and rejects anything that resolves outside it.
func resolveMediaPath(root, rel string) (string, error) {
	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(rootAbs); err == nil {
		rootAbs = resolved
	}

	full := filepath.Join(rootAbs, strings.TrimPrefix(rel, "/"))
	full = filepath.Clean(full)
	if resolved, err := filepath.EvalSymlinks(full); err == nil {
		full = resolved
	}

	if full != rootAbs && !strings.HasPrefix(full, rootAbs+string(filepath.Separator)) {
		return "", errPathOutsideRoot
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return "", errPathNotFound
	}
	return full, nil
}

// writeJSONError writes a JSON error response
func writeJSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
