package utils

import (
	"github.com/gorilla/mux"
)

// NewRouter constructs the shared mux router.
func NewRouter() *mux.Router {
	r := mux.NewRouter()
	r.SkipClean(true)
	r.UseEncodedPath()
	return r
}
