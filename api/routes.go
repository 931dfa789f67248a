package api

import (
	"net/http"
	"net/http/pprof"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"reelcoral/handlers"
	"reelcoral/services/auth"
)

// localhostOnlyMiddleware restricts access to localhost requests only
func localhostOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host := r.Host
		// Strip port if present
		for i := len(host) - 1; i >= 0; i-- {
			if host[i] == ':' {
				host = host[:i]
				break
			}
		}
		if host != "localhost" && host != "127.0.0.1" && host != "::1" {
			http.Error(w, "Debug endpoints only accessible from localhost", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// corsMiddleware handles CORS for API routes
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleOptions handles OPTIONS requests for CORS preflight
func handleOptions(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Register mounts API endpoints onto the provided router.
func Register(
	r *mux.Router,
	streamHandler *handlers.StreamHandler,
	mediaHandler *handlers.MediaHandler,
	subtitleHandler *handlers.SubtitleHandler,
	userDataHandler *handlers.UserDataHandler,
	configHandler *handlers.ConfigHandler,
	authSvc *auth.Service,
) {
	api := r.PathPrefix("/api").Subrouter()
	api.Use(corsMiddleware)

	// Auth routes (no authentication required)
	authHandler := handlers.NewAuthHandler(authSvc)
	api.HandleFunc("/auth/login", authHandler.Login).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", handleOptions).Methods(http.MethodOptions)
	api.HandleFunc("/auth/logout", authHandler.Logout).Methods(http.MethodPost)
	api.HandleFunc("/auth/logout", handleOptions).Methods(http.MethodOptions)
	api.HandleFunc("/auth/check", authHandler.Check).Methods(http.MethodGet)
	api.HandleFunc("/auth/check", handleOptions).Methods(http.MethodOptions)

	// Protected routes - require authentication
	protected := api.PathPrefix("").Subrouter()
	protected.Use(AuthMiddleware(authSvc))

	// Stream session lifecycle
	protected.HandleFunc("/stream/start", streamHandler.Start).Methods(http.MethodGet)
	protected.HandleFunc("/stream/start", handleOptions).Methods(http.MethodOptions)
	protected.HandleFunc("/stream/sessions", streamHandler.Sessions).Methods(http.MethodGet)
	protected.HandleFunc("/stream/sessions", handleOptions).Methods(http.MethodOptions)
	protected.HandleFunc("/stream/{sessionID}", streamHandler.Stop).Methods(http.MethodDelete)
	protected.HandleFunc("/stream/{sessionID}", handleOptions).Methods(http.MethodOptions)
	protected.HandleFunc("/stream/{sessionID}/status", streamHandler.Status).Methods(http.MethodGet)
	protected.HandleFunc("/stream/{sessionID}/status", handleOptions).Methods(http.MethodOptions)

	// HLS delivery
	protected.HandleFunc("/stream/{sessionID}/master.m3u8", streamHandler.Master).Methods(http.MethodGet)
	protected.HandleFunc("/stream/{sessionID}/playlist.m3u8", streamHandler.Media).Methods(http.MethodGet)
	protected.HandleFunc("/stream/{sessionID}/{segment}", streamHandler.Segment).Methods(http.MethodGet)

	// Media metadata and subtitles
	protected.HandleFunc("/media/info", mediaHandler.Info).Methods(http.MethodGet)
	protected.HandleFunc("/media/info", handleOptions).Methods(http.MethodOptions)
	protected.HandleFunc("/subtitle", subtitleHandler.Get).Methods(http.MethodGet)
	protected.HandleFunc("/subtitle", handleOptions).Methods(http.MethodOptions)

	// Client-facing server configuration
	protected.HandleFunc("/config", configHandler.Get).Methods(http.MethodGet)
	protected.HandleFunc("/config", handleOptions).Methods(http.MethodOptions)

	// User data store
	protected.HandleFunc("/userdata/preferences", userDataHandler.GetPreferences).Methods(http.MethodGet)
	protected.HandleFunc("/userdata/preferences", userDataHandler.PutPreferences).Methods(http.MethodPut)
	protected.HandleFunc("/userdata/preferences", handleOptions).Methods(http.MethodOptions)
	protected.HandleFunc("/userdata/files/status", userDataHandler.ListFileStatus).Methods(http.MethodGet)
	protected.HandleFunc("/userdata/files/status", userDataHandler.SetFileStatus).Methods(http.MethodPost)
	protected.HandleFunc("/userdata/files/status", handleOptions).Methods(http.MethodOptions)
	protected.HandleFunc("/userdata/{key}", userDataHandler.GetData).Methods(http.MethodGet)
	protected.HandleFunc("/userdata/{key}", userDataHandler.PutData).Methods(http.MethodPut)
	protected.HandleFunc("/userdata/{key}", handleOptions).Methods(http.MethodOptions)

	// Prometheus metrics (localhost only)
	metricsRouter := r.PathPrefix("/metrics").Subrouter()
	metricsRouter.Use(localhostOnlyMiddleware)
	metricsRouter.Handle("", promhttp.Handler())

	// Pprof debug endpoints for profiling (localhost only)
	pprofRouter := api.PathPrefix("/debug/pprof").Subrouter()
	pprofRouter.Use(localhostOnlyMiddleware)
	pprofRouter.HandleFunc("/", pprof.Index)
	pprofRouter.HandleFunc("/cmdline", pprof.Cmdline)
	pprofRouter.HandleFunc("/profile", pprof.Profile)
	pprofRouter.HandleFunc("/symbol", pprof.Symbol)
	pprofRouter.HandleFunc("/trace", pprof.Trace)
	pprofRouter.HandleFunc("/allocs", pprof.Handler("allocs").ServeHTTP)
	pprofRouter.HandleFunc("/goroutine", pprof.Handler("goroutine").ServeHTTP)
	pprofRouter.HandleFunc("/heap", pprof.Handler("heap").ServeHTTP)
}
