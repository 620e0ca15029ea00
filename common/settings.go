package common

import (
	"fmt"
	"math"
	"strings"
)

// Resolution is a target tier for transcoding
type Resolution string

const (
	Resolution240p Resolution = "240p"
	Resolution360p Resolution = "360p"
	Resolution480p Resolution = "480p"
	Resolution720p Resolution = "720p"
)

// Resolutions lists the supported tiers from smallest to largest
var Resolutions = []Resolution{Resolution240p, Resolution360p, Resolution480p, Resolution720p}

// Ratio is the expected output/input size ratio used when no transcoder is available
func (r Resolution) Ratio() float64 {
	switch r {
	case Resolution720p:
		return 0.60
	case Resolution480p:
		return 0.40
	case Resolution360p:
		return 0.25
	case Resolution240p:
		return 0.15
	default:
		return 0
	}
}

// Dimensions returns the scaled frame width and height for the tier
func (r Resolution) Dimensions() (int, int) {
	switch r {
	case Resolution720p:
		return 1280, 720
	case Resolution480p:
		return 854, 480
	case Resolution360p:
		return 640, 360
	case Resolution240p:
		return 426, 240
	default:
		return 0, 0
	}
}

// FrameSize formats Dimensions as WxH
func (r Resolution) FrameSize() string {
	w, h := r.Dimensions()
	return fmt.Sprintf("%dx%d", w, h)
}

// ParseResolution accepts "480p" or "480"
func ParseResolution(s string) (Resolution, error) {
	v := strings.ToLower(strings.TrimSpace(s))
	if !strings.HasSuffix(v, "p") {
		v += "p"
	}
	for _, r := range Resolutions {
		if string(r) == v {
			return r, nil
		}
	}
	return "", fmt.Errorf("unsupported resolution %q", s)
}

// Quality selects the encoder's constant rate factor
type Quality string

const (
	QualityLow    Quality = "low"
	QualityMedium Quality = "medium"
	QualityHigh   Quality = "high"
)

// CRF returns the x264 constant rate factor for the quality level
func (q Quality) CRF() int {
	switch q {
	case QualityLow:
		return 28
	case QualityHigh:
		return 18
	default:
		return 23
	}
}

// ParseQuality accepts low, medium or high in any case
func ParseQuality(s string) (Quality, error) {
	switch q := Quality(strings.ToLower(strings.TrimSpace(s))); q {
	case QualityLow, QualityMedium, QualityHigh:
		return q, nil
	default:
		return "", fmt.Errorf("unsupported quality %q", s)
	}
}

const (
	// DefaultBitrateKbps is the video bitrate used when none is supplied
	DefaultBitrateKbps = 1000
	// AudioBitrateKbps is the fixed AAC bitrate of transcoded output
	AudioBitrateKbps = 128
)

// CompressionSettings are supplied per transcoding job
type CompressionSettings struct {
	Resolution  Resolution `json:"resolution" validate:"required,oneof=240p 360p 480p 720p"`
	Quality     Quality    `json:"quality" validate:"required,oneof=low medium high"`
	BitrateKbps int        `json:"bitrate_kbps" validate:"gte=0,lte=100000"`
}

// DefaultCompressionSettings returns 720p, medium quality, 1000 kbps
func DefaultCompressionSettings() CompressionSettings {
	return CompressionSettings{
		Resolution:  Resolution720p,
		Quality:     QualityMedium,
		BitrateKbps: DefaultBitrateKbps,
	}
}

// Validate checks the settings against the supported tiers and qualities
func (s CompressionSettings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("invalid compression settings: %w", err)
	}
	return nil
}

// Bitrate returns BitrateKbps or the default when unset
func (s CompressionSettings) Bitrate() int {
	if s.BitrateKbps <= 0 {
		return DefaultBitrateKbps
	}
	return s.BitrateKbps
}

// EstimateSize returns round(size * ratio) for the tier, rounding halves away from zero.
func EstimateSize(size int64, r Resolution) int64 {
	return int64(math.Round(float64(size) * r.Ratio()))
}

// ReductionPercent returns how much smaller compressed is than original, rounded to a whole percent
func ReductionPercent(original, compressed int64) int {
	if original <= 0 {
		return 0
	}
	return int(math.Round(float64(original-compressed) / float64(original) * 100))
}

// SizePreview maps every tier to its estimated output size for a source of the given size
func SizePreview(size int64) map[Resolution]int64 {
	preview := make(map[Resolution]int64, len(Resolutions))
	for _, r := range Resolutions {
		preview[r] = EstimateSize(size, r)
	}
	return preview
}
