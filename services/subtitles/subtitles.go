// Package subtitles extracts embedded subtitle tracks as WebVTT and parses
// them into cue lists for client-side rendering.
package subtitles

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const extractTimeout = 120 * time.Second

var ErrExtractFailed = errors.New("subtitle extraction failed")

// tsRE matches WebVTT timestamp lines, "HH:MM:SS.mmm" or "MM:SS.mmm".
var tsRE = regexp.MustCompile(`((?:\d{2}:)?\d{2}:\d{2}\.\d{3})\s*-->\s*((?:\d{2}:)?\d{2}:\d{2}\.\d{3})`)

var (
	htmlTagRE = regexp.MustCompile(`<[^>]+>`)
	// Lines that are entirely bracketed annotations or music symbols.
	junkLineRE         = regexp.MustCompile(`^\s*(?:\[.*\]|\(.*\)|\{.*\}|[♪♫♬♩\s]+)\s*$`)
	inlineAnnotationRE = regexp.MustCompile(`\[.*?\]|\(.*?\)|\{.*?\}`)
	blockSplitRE       = regexp.MustCompile(`\n\n+`)
)

// Cue is a single subtitle cue with times in seconds.
type Cue struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Extractor runs ffmpeg to pull a subtitle stream out of a container.
type Extractor struct {
	ffmpegPath string
}

func NewExtractor(ffmpegPath string) *Extractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Extractor{ffmpegPath: ffmpegPath}
}

// ExtractVTT converts the given absolute stream index of path to WebVTT.
func (e *Extractor) ExtractVTT(ctx context.Context, path string, track int) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, extractTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.ffmpegPath,
		"-nostdin",
		"-i", path,
		"-map", fmt.Sprintf("0:%d", track),
		"-f", "webvtt",
		"-",
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %v", ErrExtractFailed, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", fmt.Errorf("%w: %s", ErrExtractFailed, msg)
	}
	return stdout.String(), nil
}

// ShiftVTT rewrites every timestamp in vtt back by offset seconds. Cues that
// would end before zero keep their original timestamps.
func ShiftVTT(vtt string, offset float64) string {
	return tsRE.ReplaceAllStringFunc(vtt, func(match string) string {
		m := tsRE.FindStringSubmatch(match)
		start := parseTimestamp(m[1]) - offset
		end := parseTimestamp(m[2]) - offset
		if end < 0 {
			return match
		}
		return formatTimestamp(start) + " --> " + formatTimestamp(end)
	})
}

// ParseCues converts WebVTT text to cues, shifting by offset and dropping
// non-dialog junk. Cues ending at or before zero after the shift are dropped.
func ParseCues(vtt string, offset float64) []Cue {
	cues := make([]Cue, 0, 64)
	for _, block := range blockSplitRE.Split(vtt, -1) {
		m := tsRE.FindStringSubmatch(block)
		if m == nil {
			continue
		}
		start := parseTimestamp(m[1]) - offset
		end := parseTimestamp(m[2]) - offset
		if end <= 0 {
			continue
		}
		if start < 0 {
			start = 0
		}

		var textLines []string
		foundTS := false
		for _, line := range strings.Split(block, "\n") {
			if foundTS {
				textLines = append(textLines, line)
			} else if tsRE.MatchString(line) {
				foundTS = true
			}
		}
		text := CleanText(strings.TrimSpace(strings.Join(textLines, "\n")))
		if text == "" {
			continue
		}
		cues = append(cues, Cue{
			Start: round3(start),
			End:   round3(end),
			Text:  text,
		})
	}
	return cues
}

// CleanText strips HTML tags, bracketed annotations and music-symbol lines,
// keeping only dialog.
func CleanText(text string) string {
	text = htmlTagRE.ReplaceAllString(text, "")
	var cleaned []string
	for _, line := range strings.Split(text, "\n") {
		if junkLineRE.MatchString(line) {
			continue
		}
		line = strings.TrimSpace(inlineAnnotationRE.ReplaceAllString(line, ""))
		if line != "" {
			cleaned = append(cleaned, line)
		}
	}
	return strings.Join(cleaned, "\n")
}

func parseTimestamp(ts string) float64 {
	parts := strings.Split(ts, ":")
	var h, m int
	var rest string
	if len(parts) == 3 {
		h, _ = strconv.Atoi(parts[0])
		m, _ = strconv.Atoi(parts[1])
		rest = parts[2]
	} else {
		m, _ = strconv.Atoi(parts[0])
		rest = parts[1]
	}
	sec, _ := strconv.ParseFloat(rest, 64)
	return float64(h)*3600 + float64(m)*60 + sec
}

func formatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	h := int(seconds) / 3600
	m := (int(seconds) % 3600) / 60
	s := seconds - float64(h*3600+m*60)
	return fmt.Sprintf("%02d:%02d:%06.3f", h, m, s)
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
