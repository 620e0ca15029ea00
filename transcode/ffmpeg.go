package transcode

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/TFMV/classmesh/common"
	"go.uber.org/zap"
)

// Transcoder produces a smaller copy of a video
type Transcoder interface {
	// Available reports why the transcoder cannot run, or nil
	Available() error
	// Transcode writes src re-encoded with settings to dst, reporting progress in [0,100)
	Transcode(ctx context.Context, src, dst string, settings common.CompressionSettings, durationSec float64, progress func(int)) error
}

// FFmpegTranscoder runs an ffmpeg binary
type FFmpegTranscoder struct {
	logger *zap.Logger
	path   string
}

// NewFFmpegTranscoder creates a transcoder for the ffmpeg at path, or the one on PATH
func NewFFmpegTranscoder(logger *zap.Logger, path string) *FFmpegTranscoder {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegTranscoder{logger: logger, path: path}
}

// Available checks that the ffmpeg binary can be found
func (f *FFmpegTranscoder) Available() error {
	if _, err := exec.LookPath(f.path); err != nil {
		return fmt.Errorf("%w: %w", common.ErrTranscodeUnavailable, err)
	}
	return nil
}

// BuildArgs returns the ffmpeg arguments for one transcode
func BuildArgs(src, dst string, settings common.CompressionSettings) []string {
	width, height := settings.Resolution.Dimensions()
	return []string{
		"-y",
		"-i", src,
		"-vf", fmt.Sprintf("scale=%d:%d", width, height),
		"-c:v", "libx264",
		"-crf", strconv.Itoa(settings.Quality.CRF()),
		"-preset", "medium",
		"-b:v", fmt.Sprintf("%dk", settings.Bitrate()),
		"-c:a", "aac",
		"-b:a", fmt.Sprintf("%dk", common.AudioBitrateKbps),
		"-movflags", "+faststart",
		"-progress", "pipe:2",
		"-nostats",
		dst,
	}
}

// ParseProgressLine reads an out_time_us line from ffmpeg's -progress output and returns the
// elapsed output time in seconds
func ParseProgressLine(line string) (float64, bool) {
	value, ok := strings.CutPrefix(strings.TrimSpace(line), "out_time_us=")
	if !ok {
		return 0, false
	}
	us, err := strconv.ParseInt(value, 10, 64)
	if err != nil || us < 0 {
		return 0, false
	}
	return float64(us) / 1e6, true
}

// Transcode runs ffmpeg and removes partial output when it fails
func (f *FFmpegTranscoder) Transcode(ctx context.Context, src, dst string, settings common.CompressionSettings, durationSec float64, progress func(int)) error {
	args := BuildArgs(src, dst, settings)
	cmd := exec.CommandContext(ctx, f.path, args...)

	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to attach ffmpeg stderr: %w", err)
	}

	f.logger.Debug("Starting ffmpeg",
		zap.String("source", src),
		zap.String("output", dst),
		zap.Strings("args", args))

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: failed to start ffmpeg: %w", common.ErrTranscodeUnavailable, err)
	}

	// keep a tail of non-progress output for the error message
	var tail bytes.Buffer
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := scanner.Text()
		if sec, ok := ParseProgressLine(line); ok {
			if durationSec > 0 && progress != nil {
				progress(int(sec / durationSec * 100))
			}
			continue
		}
		if strings.Contains(line, "=") {
			continue
		}
		if tail.Len() > 4096 {
			tail.Reset()
		}
		tail.WriteString(line)
		tail.WriteByte('\n')
	}

	err = cmd.Wait()
	if err == nil {
		return nil
	}

	os.Remove(dst)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("ffmpeg exited with code %d: %s", exitErr.ExitCode(), strings.TrimSpace(tail.String()))
	}
	return fmt.Errorf("ffmpeg failed: %w", err)
}
