package stream

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Hardware is the encoder acceleration mode.
type Hardware string

const (
	HardwareVAAPI    Hardware = "vaapi"
	HardwareQSV      Hardware = "qsv"
	HardwareSoftware Hardware = "software"
)

// Profile is one immutable quality catalog entry. Original means the video
// stream is copied instead of re-encoded; audio and subtitle selection still
// apply via the container remux.
type Profile struct {
	Name         string `json:"name"`
	Original     bool   `json:"original"`
	Width        int    `json:"width,omitempty"`
	Height       int    `json:"height,omitempty"`
	VideoBitrate string `json:"video_bitrate,omitempty"`
	AudioBitrate string `json:"audio_bitrate,omitempty"`
	Codec        string `json:"codec,omitempty"`
}

// Bandwidth estimates the total bits per second for the HLS master manifest.
func (p Profile) Bandwidth() int {
	video := parseBitrate(p.VideoBitrate)
	if video == 0 {
		video = 20_000_000 // passthrough: assume a high-bitrate source
	}
	audio := parseBitrate(p.AudioBitrate)
	if audio == 0 {
		audio = 192_000
	}
	return video + audio
}

// parseBitrate converts ffmpeg-style rates like "6M" or "192k" to bits/sec.
func parseBitrate(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	mult := 1
	switch {
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mult = 1_000_000
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		mult = 1_000
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return int(n * float64(mult))
}

// Catalog is the static profile table, loaded once from configuration.
type Catalog struct {
	profiles []Profile
	hardware Hardware
	device   string // VAAPI render node

	// overridable for tests
	devicePresent func(path string) bool
}

// DefaultProfiles matches the stock configuration shipped with the server.
func DefaultProfiles() []Profile {
	return []Profile{
		{Name: "original", Original: true},
		{Name: "1080p", Width: 1920, Height: 1080, VideoBitrate: "8M", AudioBitrate: "192k", Codec: "h264"},
		{Name: "720p", Width: 1280, Height: 720, VideoBitrate: "4M", AudioBitrate: "160k", Codec: "h264"},
		{Name: "480p", Width: 854, Height: 480, VideoBitrate: "1500k", AudioBitrate: "128k", Codec: "h264"},
	}
}

func NewCatalog(profiles []Profile, hardware Hardware, vaapiDevice string) *Catalog {
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	if hardware == "" {
		hardware = HardwareSoftware
	}
	if vaapiDevice == "" {
		vaapiDevice = "/dev/dri/renderD128"
	}
	return &Catalog{
		profiles: profiles,
		hardware: hardware,
		device:   vaapiDevice,
		devicePresent: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// Profiles returns the catalog entries in declaration order.
func (c *Catalog) Profiles() []Profile {
	out := make([]Profile, len(c.profiles))
	copy(out, c.profiles)
	return out
}

// Lookup finds a profile by name.
func (c *Catalog) Lookup(name string) (Profile, error) {
	for _, p := range c.profiles {
		if p.Name == name {
			return p, nil
		}
	}
	return Profile{}, fmt.Errorf("unknown profile %q", name)
}

// ResolveHardware returns the hardware mode to use plus the ordered fallback
// chain that was considered. The configured mode is used only when its device
// is actually present; otherwise we drop to software. The result is recorded
// in the plan and never re-negotiated after session start.
func (c *Catalog) ResolveHardware() (Hardware, []Hardware) {
	switch c.hardware {
	case HardwareVAAPI:
		if c.devicePresent(c.device) {
			return HardwareVAAPI, []Hardware{HardwareVAAPI, HardwareSoftware}
		}
		return HardwareSoftware, []Hardware{HardwareVAAPI, HardwareSoftware}
	case HardwareQSV:
		if c.devicePresent(c.device) {
			return HardwareQSV, []Hardware{HardwareQSV, HardwareSoftware}
		}
		return HardwareSoftware, []Hardware{HardwareQSV, HardwareSoftware}
	default:
		return HardwareSoftware, []Hardware{HardwareSoftware}
	}
}

// VAAPIDevice returns the configured render node path.
func (c *Catalog) VAAPIDevice() string { return c.device }
