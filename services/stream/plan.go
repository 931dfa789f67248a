package stream

import (
	"context"
	"fmt"
	"log"
	"path/filepath"
	"strings"

	"golang.org/x/text/language"

	"reelcoral/services/probe"
)

// PlanRequest carries the caller's choices for one start/replace.
type PlanRequest struct {
	Path               string
	ProfileName        string
	AudioIndex         int // ffprobe stream index; -1 selects by preferred language
	SubtitleBurnIndex  int // -1 for none
	StartSeconds       float64
	PreferredAudioLang string // BCP-47 or ISO 639-2, used when AudioIndex < 0
}

// EncodePlan is the concrete encoder invocation computed for one session.
// Built fresh for every start/replace, never mutated afterwards, owned
// exclusively by the session that consumes it.
type EncodePlan struct {
	Path              string
	Profile           Profile
	AudioIndex        int
	SubtitleBurnIndex int // absolute ffprobe stream index, -1 when no burn-in
	// position of the burn track among subtitle streams only; the subtitles
	// filter counts that way, not by absolute index
	SubtitleOrdinal  int
	RequestedStart   float64
	ActualStart      float64 // keyframe-snapped for passthrough, else == RequestedStart
	Duration         float64
	Hardware         Hardware
	HardwareFallback []Hardware
	VAAPIDevice      string
	SegmentDuration  float64

	// target dimensions after the no-upscale clamp; zero for passthrough
	ScaleWidth int
}

// KeyframeProber is the slice of the media prober the plan builder needs.
type KeyframeProber interface {
	KeyframeBefore(ctx context.Context, path string, t float64) (float64, error)
}

// Planner builds EncodePlans from probed metadata and the profile catalog.
type Planner struct {
	catalog         *Catalog
	prober          KeyframeProber
	segmentDuration float64
}

func NewPlanner(catalog *Catalog, prober KeyframeProber, segmentDuration float64) *Planner {
	if segmentDuration <= 0 {
		segmentDuration = 4
	}
	return &Planner{catalog: catalog, prober: prober, segmentDuration: segmentDuration}
}

// BuildPlan validates the request against the descriptor and produces the
// invocation plan. All validation failures here are synchronous; nothing has
// been launched and no directory has been created yet.
func (p *Planner) BuildPlan(ctx context.Context, desc *probe.MediaDescriptor, req PlanRequest) (*EncodePlan, error) {
	prof, err := p.catalog.Lookup(req.ProfileName)
	if err != nil {
		return nil, &PlanError{Field: "profile", Err: err}
	}

	if req.SubtitleBurnIndex >= 0 && prof.Original {
		// Burning requires a video filter pass; stream copy has none.
		return nil, &PlanError{Field: "subtitle", Err: fmt.Errorf("%w: subtitle burn-in requires re-encoding", ErrIncompatibleOptions)}
	}
	subtitleOrdinal := -1
	if req.SubtitleBurnIndex >= 0 {
		ord, ok := findSubtitleTrack(desc, req.SubtitleBurnIndex)
		if !ok {
			return nil, &PlanError{Field: "subtitle", Err: fmt.Errorf("no subtitle track at index %d", req.SubtitleBurnIndex)}
		}
		subtitleOrdinal = ord
	}

	audioIndex, err := selectAudioTrack(desc, req.AudioIndex, req.PreferredAudioLang)
	if err != nil {
		return nil, &PlanError{Field: "audio", Err: err}
	}

	start := req.StartSeconds
	if start < 0 {
		start = 0
	}
	if desc.Duration > 0 && start >= desc.Duration {
		start = desc.Duration - p.segmentDuration
		if start < 0 {
			start = 0
		}
	}

	actualStart := start
	if prof.Original && start > 0 {
		// Stream copy cannot cut mid-GOP: snap to the preceding keyframe.
		// The caller re-bases its seek bar on ActualStart.
		kf, err := p.prober.KeyframeBefore(ctx, req.Path, start)
		if err != nil {
			log.Printf("[stream] keyframe probe failed for %q, starting from requested offset: %v", req.Path, err)
		} else {
			actualStart = kf
		}
	}

	hw, fallback := p.catalog.ResolveHardware()
	if prof.Original {
		// No encode stage, hardware selection is irrelevant.
		hw, fallback = HardwareSoftware, []Hardware{HardwareSoftware}
	}

	plan := &EncodePlan{
		Path:              req.Path,
		Profile:           prof,
		AudioIndex:        audioIndex,
		SubtitleBurnIndex: req.SubtitleBurnIndex,
		SubtitleOrdinal:   subtitleOrdinal,
		RequestedStart:    start,
		ActualStart:       actualStart,
		Duration:          desc.Duration,
		Hardware:          hw,
		HardwareFallback:  fallback,
		VAAPIDevice:       p.catalog.VAAPIDevice(),
		SegmentDuration:   p.segmentDuration,
	}

	if !prof.Original {
		plan.ScaleWidth = prof.Width
		// Never upscale past the source.
		if len(desc.VideoTracks) > 0 {
			src := desc.VideoTracks[0]
			if src.Width > 0 && src.Width < prof.Width {
				plan.ScaleWidth = src.Width
			}
		}
	}

	return plan, nil
}

// findSubtitleTrack returns the track's ordinal among subtitle streams.
func findSubtitleTrack(desc *probe.MediaDescriptor, index int) (int, bool) {
	for i, t := range desc.SubtitleTracks {
		if t.Index == index {
			return i, true
		}
	}
	return -1, false
}

// selectAudioTrack resolves an explicit index, or picks by preferred language
// when the caller passes -1, falling back to the first audio track.
func selectAudioTrack(desc *probe.MediaDescriptor, index int, preferredLang string) (int, error) {
	if len(desc.AudioTracks) == 0 {
		return -1, fmt.Errorf("source has no audio tracks")
	}

	if index >= 0 {
		for _, t := range desc.AudioTracks {
			if t.Index == index {
				return index, nil
			}
		}
		return -1, fmt.Errorf("no audio track at index %d", index)
	}

	if preferredLang != "" {
		if want, err := language.Parse(normalizeLang(preferredLang)); err == nil {
			for _, t := range desc.AudioTracks {
				got, err := language.Parse(normalizeLang(t.Lang))
				if err != nil {
					continue
				}
				if got == want {
					return t.Index, nil
				}
			}
		}
	}

	return desc.AudioTracks[0].Index, nil
}

// normalizeLang maps the common ISO 639-2/B tags found in media containers to
// tags x/text can parse.
func normalizeLang(lang string) string {
	switch strings.ToLower(lang) {
	case "ger":
		return "de"
	case "fre":
		return "fr"
	case "dut":
		return "nl"
	case "cze":
		return "cs"
	case "gre":
		return "el"
	case "chi":
		return "zh"
	case "und", "":
		return "und"
	default:
		return strings.ToLower(lang)
	}
}

// Args maps the plan to the complete ffmpeg argument vector writing HLS output
// into outputDir. Pure: no filesystem access, fully testable.
func (plan *EncodePlan) Args(outputDir string) []string {
	playlistPath := filepath.Join(outputDir, "playlist.m3u8")
	segmentPattern := filepath.Join(outputDir, "segment_%d.ts")

	args := []string{
		"-nostdin",
		"-y",
		"-loglevel", "error",
		"-fflags", "+genpts+discardcorrupt",
	}

	// Seek before the input: with stream copy ffmpeg lands on the keyframe we
	// already snapped to; with re-encoding it decodes from the preceding
	// keyframe and discards up to the exact point.
	if plan.ActualStart > 0 {
		args = append(args, "-ss", fmt.Sprintf("%.3f", plan.ActualStart))
	}

	if !plan.Profile.Original {
		switch plan.Hardware {
		case HardwareVAAPI:
			args = append(args, "-vaapi_device", plan.VAAPIDevice)
		case HardwareQSV:
			args = append(args, "-init_hw_device", "qsv=qsv:MFX_IMPL_hw", "-filter_hw_device", "qsv")
		}
	}

	args = append(args, "-i", plan.Path)
	args = append(args, "-start_at_zero")
	args = append(args, "-map", "0:v:0", "-map", fmt.Sprintf("0:%d", plan.AudioIndex))

	if plan.Profile.Original {
		args = append(args, "-c:v", "copy", "-c:a", "copy")
	} else {
		args = append(args, plan.videoEncodeArgs()...)

		abr := plan.Profile.AudioBitrate
		if abr == "" {
			abr = "192k"
		}
		args = append(args, "-c:a", "aac", "-b:a", abr, "-ac", "2")
	}

	args = append(args,
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%g", plan.SegmentDuration),
		"-hls_list_size", "0",
		"-hls_playlist_type", "event",
		"-hls_flags", "independent_segments+temp_file",
		"-hls_segment_filename", segmentPattern,
		playlistPath,
	)

	return args
}

// videoEncodeArgs builds the filter graph and encoder flags for re-encoding.
func (plan *EncodePlan) videoEncodeArgs() []string {
	vbr := plan.Profile.VideoBitrate
	if vbr == "" {
		vbr = "4M"
	}

	var filters []string
	if plan.SubtitleBurnIndex >= 0 {
		// Burn runs on the software frame before any hardware upload.
		filters = append(filters, fmt.Sprintf("subtitles=%s:si=%d",
			escapeFilterPath(plan.Path), plan.SubtitleOrdinal))
	}

	var args []string
	switch plan.Hardware {
	case HardwareVAAPI:
		filters = append(filters, "format=nv12", "hwupload",
			fmt.Sprintf("scale_vaapi=w=%d:h=-2", plan.ScaleWidth))
		args = append(args, "-vf", strings.Join(filters, ","),
			"-c:v", "h264_vaapi", "-b:v", vbr)
	case HardwareQSV:
		filters = append(filters, fmt.Sprintf("scale=%d:-2", plan.ScaleWidth))
		args = append(args, "-vf", strings.Join(filters, ","),
			"-c:v", "h264_qsv", "-b:v", vbr)
	default:
		filters = append(filters, fmt.Sprintf("scale=%d:-2", plan.ScaleWidth))
		args = append(args, "-vf", strings.Join(filters, ","),
			"-c:v", "libx264", "-preset", "veryfast", "-b:v", vbr)
	}

	// Segment-aligned keyframes keep segment boundaries clean across seeks.
	args = append(args, "-force_key_frames",
		fmt.Sprintf("expr:gte(t,n_forced*%g)", plan.SegmentDuration))

	return args
}

// escapeFilterPath quotes a path for use inside an ffmpeg filter expression,
// where ':' and '\'' are metacharacters.
func escapeFilterPath(path string) string {
	path = strings.ReplaceAll(path, `\`, `\\`)
	path = strings.ReplaceAll(path, `'`, `\'`)
	path = strings.ReplaceAll(path, `:`, `\:`)
	return "'" + path + "'"
}
