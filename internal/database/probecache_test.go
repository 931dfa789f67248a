package database_test

import (
	"path/filepath"
	"testing"

	"reelcoral/internal/database"
	"reelcoral/services/probe"
)

func openTestDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestProbeCacheRoundTrip(t *testing.T) {
	cache := database.NewProbeCache(openTestDB(t))

	key := probe.Key{Path: "/media/movie.mkv", Size: 1234, MTime: 1700000000}

	got, err := cache.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("expected miss on empty cache")
	}

	desc := &probe.MediaDescriptor{
		Duration: 7200,
		AudioTracks: []probe.AudioTrack{
			{Index: 1, Codec: "aac", Lang: "eng", Channels: 6},
		},
	}
	if err := cache.Put(key, desc); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err = cache.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected hit after Put")
	}
	if got.Duration != 7200 || len(got.AudioTracks) != 1 || got.AudioTracks[0].Lang != "eng" {
		t.Fatalf("descriptor did not survive the round trip: %+v", got)
	}
}

func TestProbeCacheInvalidatesOnFileChange(t *testing.T) {
	cache := database.NewProbeCache(openTestDB(t))

	oldKey := probe.Key{Path: "/media/movie.mkv", Size: 1234, MTime: 1700000000}
	if err := cache.Put(oldKey, &probe.MediaDescriptor{Duration: 100}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// same path, new size/mtime: a changed file
	newKey := probe.Key{Path: "/media/movie.mkv", Size: 5678, MTime: 1700001000}
	if err := cache.Put(newKey, &probe.MediaDescriptor{Duration: 200}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := cache.Get(oldKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != nil {
		t.Fatalf("stale key must miss after the file changed")
	}

	got, err = cache.Get(newKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil || got.Duration != 200 {
		t.Fatalf("expected fresh descriptor, got %+v", got)
	}
}

func TestProbeCachePrune(t *testing.T) {
	cache := database.NewProbeCache(openTestDB(t))

	key := probe.Key{Path: "/media/movie.mkv", Size: 1, MTime: 1}
	if err := cache.Put(key, &probe.MediaDescriptor{Duration: 10}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// fresh rows survive a prune
	if err := cache.Prune(); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	got, err := cache.Get(key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatalf("fresh row must survive prune")
	}
}
