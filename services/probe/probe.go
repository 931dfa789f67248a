package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// VideoTrack describes a video stream in the container.
type VideoTrack struct {
	Index  int    `json:"index"`
	Codec  string `json:"codec"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	Lang   string `json:"lang"`
	Title  string `json:"title"`
}

// AudioTrack describes an audio stream in the container.
type AudioTrack struct {
	Index    int    `json:"index"`
	Codec    string `json:"codec"`
	Lang     string `json:"lang"`
	Title    string `json:"title"`
	Channels int    `json:"channels"`
}

// SubtitleTrack describes a subtitle stream. Bitmap tracks (PGS, DVD, DVB)
// cannot be converted to WebVTT and can only be burned in.
type SubtitleTrack struct {
	Index    int    `json:"index"`
	Codec    string `json:"codec"`
	Lang     string `json:"lang"`
	Title    string `json:"title"`
	IsBitmap bool   `json:"bitmap"`
}

// MediaDescriptor is the immutable result of probing one file. Callers may
// cache it keyed on (path, size, mtime); the prober itself holds no cache.
type MediaDescriptor struct {
	Duration       float64         `json:"duration"`
	VideoTracks    []VideoTrack    `json:"video_tracks"`
	AudioTracks    []AudioTrack    `json:"audio_tracks"`
	SubtitleTracks []SubtitleTrack `json:"subtitle_tracks"`
}

// bitmapSubtitleCodecs are image-based formats with no text representation.
var bitmapSubtitleCodecs = map[string]bool{
	"hdmv_pgs_subtitle": true,
	"dvd_subtitle":      true,
	"dvb_subtitle":      true,
}

// Errors returned by the prober. The HTTP layer maps these to 404/500.
var (
	ErrNotFound        = errors.New("media file not found")
	ErrUnreadableMedia = errors.New("unreadable media")
)

const probeTimeout = 30 * time.Second

// Prober extracts container metadata via ffprobe. Stateless and read-only.
type Prober struct {
	ffprobePath string
}

func NewProber(ffprobePath string) *Prober {
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &Prober{ffprobePath: ffprobePath}
}

// ffprobeOutput mirrors the subset of `ffprobe -print_format json` we consume.
type ffprobeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
	Streams []ffprobeStream `json:"streams"`
}

type ffprobeStream struct {
	Index     int    `json:"index"`
	CodecType string `json:"codec_type"`
	CodecName string `json:"codec_name"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Channels  int    `json:"channels"`
	Tags      struct {
		Language string `json:"language"`
		Title    string `json:"title"`
	} `json:"tags"`
}

// Probe runs ffprobe against path and builds a MediaDescriptor.
// Returns ErrNotFound if the path is missing and
// ErrUnreadableMedia if the container cannot be parsed.
func (p *Prober) Probe(ctx context.Context, path string) (*MediaDescriptor, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return nil, fmt.Errorf("stat %q: %w", path, err)
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		log.Printf("[probe] ffprobe failed for %q: %v", path, err)
		return nil, fmt.Errorf("%w: %s", ErrUnreadableMedia, path)
	}

	var raw ffprobeOutput
	if err := json.Unmarshal(output, &raw); err != nil {
		return nil, fmt.Errorf("%w: parse ffprobe output: %v", ErrUnreadableMedia, err)
	}

	desc := &MediaDescriptor{}
	if raw.Format.Duration != "" {
		if d, err := strconv.ParseFloat(raw.Format.Duration, 64); err == nil {
			desc.Duration = d
		}
	}

	for _, s := range raw.Streams {
		lang := s.Tags.Language
		if lang == "" {
			lang = "und"
		}
		switch s.CodecType {
		case "video":
			// Attached cover art shows up as a video stream; skip stills.
			if s.CodecName == "mjpeg" || s.CodecName == "png" {
				continue
			}
			desc.VideoTracks = append(desc.VideoTracks, VideoTrack{
				Index:  s.Index,
				Codec:  s.CodecName,
				Width:  s.Width,
				Height: s.Height,
				Lang:   lang,
				Title:  s.Tags.Title,
			})
		case "audio":
			desc.AudioTracks = append(desc.AudioTracks, AudioTrack{
				Index:    s.Index,
				Codec:    s.CodecName,
				Lang:     lang,
				Title:    s.Tags.Title,
				Channels: s.Channels,
			})
		case "subtitle":
			desc.SubtitleTracks = append(desc.SubtitleTracks, SubtitleTrack{
				Index:    s.Index,
				Codec:    s.CodecName,
				Lang:     lang,
				Title:    s.Tags.Title,
				IsBitmap: bitmapSubtitleCodecs[s.CodecName],
			})
		}
	}

	if len(desc.VideoTracks) == 0 && len(desc.AudioTracks) == 0 {
		return nil, fmt.Errorf("%w: no playable streams in %s", ErrUnreadableMedia, path)
	}

	return desc, nil
}

// KeyframeBefore returns the timestamp of the nearest keyframe at or before t.
// Stream-copy output cannot cut mid-GOP, so passthrough sessions must start
// on a keyframe boundary. Returns 0 when no keyframe precedes t.
func (p *Prober) KeyframeBefore(ctx context.Context, path string, t float64) (float64, error) {
	if t <= 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	// Scan a window ending at the requested time. Keyframe intervals rarely
	// exceed 10s in practice; 30s covers pathological GOP sizes.
	windowStart := t - 30
	if windowStart < 0 {
		windowStart = 0
	}

	cmd := exec.CommandContext(ctx, p.ffprobePath,
		"-v", "quiet",
		"-select_streams", "v:0",
		"-skip_frame", "nokey",
		"-show_entries", "frame=pts_time",
		"-of", "csv=p=0",
		"-read_intervals", fmt.Sprintf("%.3f%%%.3f", windowStart, t+0.5),
		path,
	)
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("keyframe probe %q: %w", path, err)
	}

	best := 0.0
	for _, line := range strings.Split(strings.TrimSpace(string(output)), "\n") {
		line = strings.TrimSuffix(strings.TrimSpace(line), ",")
		if line == "" {
			continue
		}
		ts, err := strconv.ParseFloat(line, 64)
		if err != nil {
			continue
		}
		if ts <= t && ts > best {
			best = ts
		}
	}

	return best, nil
}

// Key identifies a probe result for caching: same path with a different size
// or mtime is a different file.
type Key struct {
	Path  string
	Size  int64
	MTime int64
}

// KeyFor stats path and builds its cache key.
func KeyFor(path string) (Key, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Key{}, fmt.Errorf("%w: %s", ErrNotFound, path)
		}
		return Key{}, err
	}
	if info.IsDir() {
		return Key{}, errors.New("path is a directory")
	}
	return Key{Path: path, Size: info.Size(), MTime: info.ModTime().Unix()}, nil
}
