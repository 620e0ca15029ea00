package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

var validate = validator.New()

// MediaAsset is a video known to this device. Transcoding produces a new asset
// rather than changing an existing one.
type MediaAsset struct {
	ID          string    `json:"id" validate:"required"`
	Name        string    `json:"name" validate:"required"`
	Path        string    `json:"path" validate:"required"`
	Size        int64     `json:"size" validate:"gte=0"`
	Duration    float64   `json:"duration" validate:"gte=0"`
	Resolution  string    `json:"resolution,omitempty"`
	DerivedFrom string    `json:"derived_from,omitempty"`
	Estimated   bool      `json:"estimated"`
	CreatedAt   time.Time `json:"created_at"`
}

// Validate checks the asset's field constraints
func (a *MediaAsset) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("invalid media asset: %w", err)
	}
	return nil
}

// Derived reports whether the asset came out of a transcode
func (a *MediaAsset) Derived() bool {
	return a.DerivedFrom != ""
}

// FileSelection is what the host's file picker hands over
type FileSelection struct {
	Path      string `json:"path" validate:"required"`
	Name      string `json:"name"`
	SizeBytes int64  `json:"size_bytes" validate:"gte=0"`
}

// NewMediaAsset builds a source asset from a picker selection
func NewMediaAsset(sel FileSelection) (*MediaAsset, error) {
	if err := validate.Struct(sel); err != nil {
		return nil, fmt.Errorf("invalid file selection: %w", err)
	}
	name := sel.Name
	if name == "" {
		name = filepath.Base(sel.Path)
	}
	return &MediaAsset{
		ID:         uuid.New().String(),
		Name:       name,
		Path:       sel.Path,
		Size:       sel.SizeBytes,
		Resolution: GuessResolution(name),
		CreatedAt:  time.Now(),
	}, nil
}

// AssetFromFile stats path and builds a source asset for it
func AssetFromFile(path string) (*MediaAsset, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat media file: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("path %s is a directory", path)
	}
	return NewMediaAsset(FileSelection{Path: path, Name: info.Name(), SizeBytes: info.Size()})
}

// GuessResolution infers a frame size from markers in a file name such as "lesson_720p.mp4".
// It returns an empty string when nothing matches.
func GuessResolution(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.Contains(lower, "2160") || strings.Contains(lower, "4k"):
		return "3840x2160"
	case strings.Contains(lower, "1080"):
		return "1920x1080"
	case strings.Contains(lower, "720"):
		return "1280x720"
	case strings.Contains(lower, "480"):
		return "854x480"
	case strings.Contains(lower, "360"):
		return "640x360"
	case strings.Contains(lower, "240"):
		return "426x240"
	default:
		return ""
	}
}

var sizeUnits = []string{"Bytes", "KB", "MB", "GB", "TB"}

// FormatSize renders a byte count with binary units and up to two decimals
func FormatSize(bytes int64) string {
	if bytes <= 0 {
		return "0 Bytes"
	}
	value := float64(bytes)
	i := 0
	for value >= 1024 && i < len(sizeUnits)-1 {
		value /= 1024
		i++
	}
	s := strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.2f", value), "0"), ".")
	return s + " " + sizeUnits[i]
}

// FormatDuration renders seconds as m:ss or h:mm:ss
func FormatDuration(seconds float64) string {
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
