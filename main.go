package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/sethvargo/go-password/password"
	"github.com/spf13/afero"
	"golang.org/x/crypto/bcrypt"
	"gopkg.in/natefinch/lumberjack.v2"

	"reelcoral/api"
	"reelcoral/config"
	"reelcoral/handlers"
	"reelcoral/internal/database"
	"reelcoral/services/auth"
	"reelcoral/services/probe"
	"reelcoral/services/stream"
	"reelcoral/services/subtitles"
	"reelcoral/services/userdata"
	"reelcoral/utils"
)

func main() {
	portOverride := flag.Int("port", 0, "override server port from config")
	flag.Parse()

	fmt.Println("reelcoral starting...")

	// Determine config path (env or default)
	configPath := os.Getenv("REELCORAL_CONFIG")
	if configPath == "" {
		configPath = filepath.Join("cache", "settings.json")
	}

	// Init config manager and load settings (creates defaults if missing)
	cfgManager := config.NewManager(configPath)
	settings, err := cfgManager.Load()
	if err != nil {
		log.Fatalf("failed to load settings: %v", err)
	}

	// Set up file logging with rotation
	if settings.Log.File != "" {
		logDir := filepath.Dir(settings.Log.File)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			log.Printf("Warning: could not create log directory %s: %v", logDir, err)
		} else {
			fileWriter := &lumberjack.Logger{
				Filename:   settings.Log.File,
				MaxSize:    settings.Log.MaxSize,
				MaxBackups: settings.Log.MaxBackups,
				MaxAge:     settings.Log.MaxAge,
				Compress:   settings.Log.Compress,
			}
			multiWriter := io.MultiWriter(os.Stdout, fileWriter)
			log.SetOutput(multiWriter)
			log.SetFlags(log.LstdFlags | log.Lshortfile)
			log.Printf("Logging to file: %s", settings.Log.File)
		}
	}

	if *portOverride > 0 {
		settings.Server.Port = *portOverride
	}

	// Bootstrap an admin account if none is configured
	if len(settings.Auth.Users) == 0 {
		pass, err := password.Generate(16, 4, 0, false, false)
		if err != nil {
			log.Fatalf("failed to generate admin password: %v", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.DefaultCost)
		if err != nil {
			log.Fatalf("failed to hash admin password: %v", err)
		}
		settings.Auth.Users = []config.UserConfig{{Username: "admin", PasswordHash: string(hash)}}
		if err := cfgManager.Save(settings); err != nil {
			log.Fatalf("failed to persist admin account: %v", err)
		}
		fmt.Printf("Generated admin account: admin / %s\n", pass)
		fmt.Println("The password is shown once; a bcrypt hash is stored in the config.")
	}

	// Hash any plaintext passwords left in the config
	migrated := false
	for i, u := range settings.Auth.Users {
		if u.PasswordHash == "" && u.Password != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(u.Password), bcrypt.DefaultCost)
			if err != nil {
				log.Fatalf("failed to hash password for %s: %v", u.Username, err)
			}
			settings.Auth.Users[i].PasswordHash = string(hash)
			settings.Auth.Users[i].Password = ""
			migrated = true
		}
	}
	if migrated {
		if err := cfgManager.Save(settings); err != nil {
			log.Printf("warning: failed to persist hashed passwords: %v", err)
		}
	}

	authService, err := auth.NewService(settings.Auth.Users)
	if err != nil {
		log.Fatalf("failed to initialise auth: %v", err)
	}

	// Open sqlite store and run migrations
	db, err := database.Open(settings.Database.Path)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	probeCache := database.NewProbeCache(db)
	if err := probeCache.Prune(); err != nil {
		log.Printf("warning: probe cache prune failed: %v", err)
	}
	userDataService := userdata.NewService(db)

	// Transcoding pipeline
	tc := settings.Transcoding
	prober := probe.NewProber(tc.FFprobePath)
	catalog := stream.NewCatalog(
		profilesFromConfig(tc.Profiles),
		hardwareFromConfig(tc.Hardware),
		tc.VAAPIDevice,
	)
	planner := stream.NewPlanner(catalog, prober, float64(tc.SegmentDuration))

	if err := os.MkdirAll(tc.TempDir, 0o755); err != nil {
		log.Fatalf("failed to create segment dir: %v", err)
	}
	supervisor := stream.NewSupervisor(tc.FFmpegPath, tc.TempDir, time.Duration(tc.StartupGraceSeconds)*time.Second)
	supervisor.WipeRoot()

	registry := stream.NewRegistry(stream.Config{
		MaxSessions:      tc.MaxSessions,
		ReplaceGrace:     time.Duration(tc.ReplaceGraceSeconds) * time.Second,
		IdleTimeout:      time.Duration(tc.IdleTimeoutSeconds) * time.Second,
		StoppedRetention: time.Duration(tc.StoppedRetentionSeconds) * time.Second,
		ReapInterval:     time.Duration(tc.ReapIntervalSeconds) * time.Second,
	}, planner, prober, supervisor)

	playlists := stream.NewPlaylistServer(afero.NewOsFs())
	extractor := subtitles.NewExtractor(tc.FFmpegPath)

	// Construct router and register routes
	r := utils.NewRouter()
	streamHandler := handlers.NewStreamHandler(registry, playlists, settings.Media.Root, settings.Defaults.PreferredAudioLanguage)
	mediaHandler := handlers.NewMediaHandler(prober, probeCache, settings.Media.Root)
	subtitleHandler := handlers.NewSubtitleHandler(extractor, settings.Media.Root)
	userDataHandler := handlers.NewUserDataHandler(userDataService)
	configHandler := handlers.NewConfigHandler(catalog, tc.SegmentDuration, settings.Defaults.PreferredAudioLanguage)

	api.Register(r, streamHandler, mediaHandler, subtitleHandler, userDataHandler, configHandler, authService)

	addr := fmt.Sprintf("%s:%d", settings.Server.Host, settings.Server.Port)
	fmt.Printf("Server starting on %s\n", addr)

	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // No write timeout for streaming
		IdleTimeout:  120 * time.Second,
	}

	// Setup graceful shutdown
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdownChan
	log.Println("Shutdown signal received, cleaning up...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Tear down encoder sessions before closing the listener so segment
	// directories are removed while we still own them.
	registry.Shutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	log.Println("Shutdown complete")
}

func profilesFromConfig(in []config.ProfileConfig) []stream.Profile {
	out := make([]stream.Profile, 0, len(in))
	for _, p := range in {
		out = append(out, stream.Profile{
			Name:         p.Name,
			Original:     p.Original,
			Width:        p.Width,
			Height:       p.Height,
			VideoBitrate: p.VideoBitrate,
			AudioBitrate: p.AudioBitrate,
			Codec:        p.Codec,
		})
	}
	return out
}

func hardwareFromConfig(hw string) stream.Hardware {
	switch hw {
	case "vaapi":
		return stream.HardwareVAAPI
	case "qsv":
		return stream.HardwareQSV
	default:
		return stream.HardwareSoftware
	}
}
