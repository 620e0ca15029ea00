package transcode

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTranscoder writes outputSize bytes to dst, or fails with err
type fakeTranscoder struct {
	outputSize  int
	err         error
	unavailable error

	mu    sync.Mutex
	calls int
}

func (f *fakeTranscoder) Available() error { return f.unavailable }

func (f *fakeTranscoder) Transcode(ctx context.Context, src, dst string, settings common.CompressionSettings, durationSec float64, progress func(int)) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	for _, pct := range []int{20, 50, 80} {
		progress(pct)
	}
	if f.err != nil {
		return f.err
	}
	return os.WriteFile(dst, make([]byte, f.outputSize), 0644)
}

func (f *fakeTranscoder) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeProber struct{}

func (fakeProber) Probe(ctx context.Context, path string) (*ProbeResult, error) {
	return &ProbeResult{Duration: 42, Width: 1920, Height: 1080}, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []JobEvent
}

func (l *eventLog) add(e JobEvent) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) forJob(id string) []JobEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []JobEvent
	for _, e := range l.events {
		if e.JobID == id {
			out = append(out, e)
		}
	}
	return out
}

func newTestPipeline(t *testing.T, tr Transcoder, pr Prober) *Pipeline {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	p := NewPipeline(logger, tr, pr, Config{
		OutputDir:    t.TempDir(),
		FallbackStep: time.Millisecond,
	})
	t.Cleanup(p.Stop)
	return p
}

func sourceAsset(t *testing.T, size int64) *common.MediaAsset {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lesson one.mov")
	require.NoError(t, os.WriteFile(path, []byte("video"), 0644))
	return &common.MediaAsset{
		ID:         "src-1",
		Name:       "lesson one.mov",
		Path:       path,
		Size:       size,
		Duration:   42,
		Resolution: "1920x1080",
		CreatedAt:  time.Now(),
	}
}

func assertJobProgression(t *testing.T, events []JobEvent, terminal JobState) {
	t.Helper()
	require.NotEmpty(t, events)
	last := 0
	for i, e := range events {
		assert.GreaterOrEqual(t, e.Progress, last, "progress must not go backwards")
		last = e.Progress
		if e.State.IsTerminal() {
			assert.Equal(t, len(events)-1, i, "terminal event must be last")
		}
	}
	assert.Equal(t, terminal, events[len(events)-1].State)
}

func TestFallbackEstimate(t *testing.T) {
	p := newTestPipeline(t, nil, nil)
	var log eventLog
	p.OnProgress(log.add)

	asset := sourceAsset(t, 100_000_000)
	settings := common.CompressionSettings{Resolution: common.Resolution480p, Quality: common.QualityMedium}

	job, err := p.Submit(context.Background(), asset, settings)
	require.NoError(t, err)

	result, err := job.Wait(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(40_000_000), result.Size)
	assert.True(t, result.Estimated)
	assert.Equal(t, asset.Path, result.Path)
	assert.Equal(t, "src-1", result.DerivedFrom)
	assert.Equal(t, "854x480", result.Resolution)
	assert.Equal(t, "compressed_lesson one.mp4", result.Name)

	assert.Equal(t, JobStateDone, job.State())
	assert.Equal(t, PathFallback, job.Path())
	assert.Equal(t, 100, job.Progress())

	events := log.forJob(job.ID)
	assertJobProgression(t, events, JobStateDone)
	assert.Equal(t, JobStateFallbackEstimating, events[0].State)
	assert.Equal(t, 100, events[len(events)-1].Progress)
}

func TestFallbackRatios(t *testing.T) {
	p := newTestPipeline(t, nil, nil)
	asset := sourceAsset(t, 1000)

	want := map[common.Resolution]int64{
		common.Resolution240p: 150,
		common.Resolution360p: 250,
		common.Resolution480p: 400,
		common.Resolution720p: 600,
	}
	for res, size := range want {
		t.Run(string(res), func(t *testing.T) {
			result, err := p.Transcode(context.Background(), asset, common.CompressionSettings{Resolution: res, Quality: common.QualityLow})
			require.NoError(t, err)
			assert.Equal(t, size, result.Size)
			assert.True(t, result.Estimated)
		})
	}
}

func TestPrimaryTranscode(t *testing.T) {
	tr := &fakeTranscoder{outputSize: 300}
	p := newTestPipeline(t, tr, fakeProber{})
	var log eventLog
	p.OnProgress(log.add)

	asset := sourceAsset(t, 1000)
	job, err := p.Submit(context.Background(), asset, common.DefaultCompressionSettings())
	require.NoError(t, err)

	result, err := job.Wait(context.Background())
	require.NoError(t, err)

	assert.False(t, result.Estimated)
	assert.Equal(t, int64(300), result.Size)
	assert.Equal(t, "1280x720", result.Resolution)
	assert.Equal(t, "src-1", result.DerivedFrom)
	assert.Equal(t, filepath.Join(p.outputDir, "compressed_lesson one.mp4"), result.Path)
	assert.Equal(t, PathPrimary, job.Path())

	info, err := os.Stat(result.Path)
	require.NoError(t, err)
	assert.Equal(t, int64(300), info.Size())

	events := log.forJob(job.ID)
	assertJobProgression(t, events, JobStateDone)
	assert.Equal(t, JobStateProbing, events[0].State)
	assert.Equal(t, JobStateTranscoding, events[1].State)
}

func TestPrimaryFailureFallsBack(t *testing.T) {
	t.Run("TranscoderError", func(t *testing.T) {
		tr := &fakeTranscoder{err: errors.New("encoder crashed")}
		p := newTestPipeline(t, tr, nil)
		var log eventLog
		p.OnProgress(log.add)

		job, err := p.Submit(context.Background(), sourceAsset(t, 1000), common.DefaultCompressionSettings())
		require.NoError(t, err)
		result, err := job.Wait(context.Background())
		require.NoError(t, err)

		assert.True(t, result.Estimated)
		assert.Equal(t, int64(600), result.Size)
		assert.Equal(t, PathFallback, job.Path())
		assertJobProgression(t, log.forJob(job.ID), JobStateDone)
	})

	t.Run("Unavailable", func(t *testing.T) {
		tr := &fakeTranscoder{unavailable: common.ErrTranscodeUnavailable}
		p := newTestPipeline(t, tr, nil)

		result, err := p.Transcode(context.Background(), sourceAsset(t, 1000), common.DefaultCompressionSettings())
		require.NoError(t, err)
		assert.True(t, result.Estimated)
		assert.Equal(t, 0, tr.Calls())
	})

	t.Run("OutputLargerThanSource", func(t *testing.T) {
		tr := &fakeTranscoder{outputSize: 2000}
		p := newTestPipeline(t, tr, nil)

		result, err := p.Transcode(context.Background(), sourceAsset(t, 1000), common.DefaultCompressionSettings())
		require.NoError(t, err)
		assert.True(t, result.Estimated)

		_, err = os.Stat(filepath.Join(p.outputDir, "compressed_lesson one.mp4"))
		assert.True(t, os.IsNotExist(err))
	})
}

func TestBreakerOpens(t *testing.T) {
	tr := &fakeTranscoder{err: errors.New("encoder crashed")}
	p := newTestPipeline(t, tr, nil)
	asset := sourceAsset(t, 1000)

	for i := 0; i < DefaultBreakerFailures+2; i++ {
		result, err := p.Transcode(context.Background(), asset, common.DefaultCompressionSettings())
		require.NoError(t, err)
		assert.True(t, result.Estimated)
	}
	assert.Equal(t, DefaultBreakerFailures, tr.Calls())
}

func TestSubmitRejectsInvalid(t *testing.T) {
	p := newTestPipeline(t, nil, nil)

	_, err := p.Submit(context.Background(), sourceAsset(t, 1000), common.CompressionSettings{Resolution: "1080p", Quality: common.QualityLow})
	assert.True(t, errors.Is(err, common.ErrTranscodeFailed))

	_, err = p.Submit(context.Background(), nil, common.DefaultCompressionSettings())
	assert.True(t, errors.Is(err, common.ErrTranscodeFailed))

	assert.Empty(t, p.Jobs())
}

func TestCancelJob(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	p := NewPipeline(logger, nil, nil, Config{OutputDir: t.TempDir(), FallbackStep: time.Hour})
	var log eventLog
	p.OnProgress(log.add)

	job, err := p.Submit(context.Background(), sourceAsset(t, 1000), common.DefaultCompressionSettings())
	require.NoError(t, err)
	job.Cancel()

	_, err = job.Wait(context.Background())
	assert.True(t, errors.Is(err, common.ErrTranscodeFailed))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, JobStateFailed, job.State())
	assertJobProgression(t, log.forJob(job.ID), JobStateFailed)

	p.Stop()
	p.CleanupFinished()
	_, ok := p.Job(job.ID)
	assert.False(t, ok)
}
