package transcode

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// ProbeResult describes a video file
type ProbeResult struct {
	Size     int64
	Duration float64
	Width    int
	Height   int
}

// Resolution returns the frame size as WxH, or "" when unknown
func (r *ProbeResult) Resolution() string {
	if r.Width <= 0 || r.Height <= 0 {
		return ""
	}
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// Prober inspects video files
type Prober interface {
	Probe(ctx context.Context, path string) (*ProbeResult, error)
}

// FFprobeProber runs an ffprobe binary
type FFprobeProber struct {
	logger *zap.Logger
	path   string
}

// NewFFprobeProber creates a prober for the ffprobe at path, or the one on PATH
func NewFFprobeProber(logger *zap.Logger, path string) *FFprobeProber {
	if path == "" {
		path = "ffprobe"
	}
	return &FFprobeProber{logger: logger, path: path}
}

// Probe runs ffprobe on path
func (p *FFprobeProber) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	cmd := exec.CommandContext(ctx, p.path,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path)

	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed: %w", err)
	}

	result, err := ParseProbeOutput(out)
	if err != nil {
		return nil, err
	}
	p.logger.Debug("Probed file",
		zap.String("path", path),
		zap.Float64("duration", result.Duration),
		zap.String("resolution", result.Resolution()))
	return result, nil
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
		Size     string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

// ParseProbeOutput decodes ffprobe's JSON output
func ParseProbeOutput(data []byte) (*ProbeResult, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	result := &ProbeResult{}
	if out.Format.Duration != "" {
		d, err := strconv.ParseFloat(out.Format.Duration, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid duration %q: %w", out.Format.Duration, err)
		}
		result.Duration = d
	}
	if out.Format.Size != "" {
		s, err := strconv.ParseInt(out.Format.Size, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid size %q: %w", out.Format.Size, err)
		}
		result.Size = s
	}
	for _, s := range out.Streams {
		if s.CodecType == "video" {
			result.Width = s.Width
			result.Height = s.Height
			break
		}
	}
	return result, nil
}
