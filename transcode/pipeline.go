package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/metrics"
	"github.com/google/uuid"
	gobreaker "github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

const (
	// DefaultFallbackStep is the delay between estimator progress steps
	DefaultFallbackStep = 200 * time.Millisecond
	// FallbackIncrement is the estimator's progress step
	FallbackIncrement = 10
	// DefaultBreakerFailures opens the breaker after this many consecutive primary failures
	DefaultBreakerFailures = 3
	// DefaultBreakerTimeout is how long the breaker stays open before probing again
	DefaultBreakerTimeout = time.Minute
)

// errImplausibleOutput marks a primary result larger than its source
var errImplausibleOutput = errors.New("transcoded output larger than source")

// Config contains configuration for the pipeline
type Config struct {
	OutputDir       string
	FallbackStep    time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Pipeline shrinks videos to a resolution tier. It runs the primary transcoder when it is
// usable and otherwise produces a ratio-based estimate tagged Estimated.
type Pipeline struct {
	logger     *zap.Logger
	transcoder Transcoder
	prober     Prober
	outputDir  string
	step       time.Duration
	breaker    *gobreaker.CircuitBreaker[*common.MediaAsset]

	mu   sync.RWMutex
	jobs map[string]*Job

	subsMu  sync.RWMutex
	subs    map[int]func(JobEvent)
	nextSub int

	wg sync.WaitGroup
}

// NewPipeline creates a Pipeline. transcoder and prober may be nil, in which case every job
// takes the fallback path.
func NewPipeline(logger *zap.Logger, transcoder Transcoder, prober Prober, config Config) *Pipeline {
	if config.FallbackStep <= 0 {
		config.FallbackStep = DefaultFallbackStep
	}
	if config.BreakerFailures == 0 {
		config.BreakerFailures = DefaultBreakerFailures
	}
	if config.BreakerTimeout <= 0 {
		config.BreakerTimeout = DefaultBreakerTimeout
	}
	if config.OutputDir == "" {
		config.OutputDir = os.TempDir()
	}

	p := &Pipeline{
		logger:     logger,
		transcoder: transcoder,
		prober:     prober,
		outputDir:  config.OutputDir,
		step:       config.FallbackStep,
		jobs:       make(map[string]*Job),
		subs:       make(map[int]func(JobEvent)),
	}

	metrics.TranscoderBreakerState.Set(float64(gobreaker.StateClosed))
	p.breaker = gobreaker.NewCircuitBreaker[*common.MediaAsset](gobreaker.Settings{
		Name:        "transcoder",
		MaxRequests: 1,
		Timeout:     config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.TranscoderBreakerState.Set(float64(to))
			logger.Warn("Transcoder circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// a caller giving up says nothing about the transcoder's health
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return p
}

// OnProgress subscribes fn to job events. Events for one job are delivered in order from
// that job's goroutine.
func (p *Pipeline) OnProgress(fn func(JobEvent)) func() {
	p.subsMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.subsMu.Unlock()

	return func() {
		p.subsMu.Lock()
		delete(p.subs, id)
		p.subsMu.Unlock()
	}
}

func (p *Pipeline) publish(ev JobEvent) {
	p.subsMu.RLock()
	subs := make([]func(JobEvent), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.subsMu.RUnlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// OutputName returns the file name of a transcoded copy of name
func OutputName(name string) string {
	base := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	return "compressed_" + base + ".mp4"
}

// Submit admits a job and runs it in the background. It fails only when the request could
// never produce a result.
func (p *Pipeline) Submit(ctx context.Context, asset *common.MediaAsset, settings common.CompressionSettings) (*Job, error) {
	if asset == nil {
		return nil, fmt.Errorf("%w: no source asset", common.ErrTranscodeFailed)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", common.ErrTranscodeFailed, err)
	}
	if asset.Size < 0 {
		return nil, fmt.Errorf("%w: negative source size %d", common.ErrTranscodeFailed, asset.Size)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job id: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := &Job{
		ID:        id.String(),
		Source:    *asset,
		Settings:  settings,
		CreatedAt: time.Now(),
		state:     JobStateIdle,
		publish:   p.publish,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	p.mu.Lock()
	p.jobs[job.ID] = job
	p.mu.Unlock()

	p.logger.Info("Transcode job submitted",
		zap.String("job_id", job.ID),
		zap.String("asset_id", asset.ID),
		zap.String("file_name", asset.Name),
		zap.String("resolution", string(settings.Resolution)),
		zap.String("quality", string(settings.Quality)),
		zap.Int("bitrate_kbps", settings.Bitrate()))

	p.wg.Add(1)
	go p.run(runCtx, job)

	return job, nil
}

// Transcode submits a job and waits for its result
func (p *Pipeline) Transcode(ctx context.Context, asset *common.MediaAsset, settings common.CompressionSettings) (*common.MediaAsset, error) {
	job, err := p.Submit(ctx, asset, settings)
	if err != nil {
		return nil, err
	}
	result, err := job.Wait(ctx)
	if ctx.Err() != nil {
		job.Cancel()
	}
	return result, err
}

func (p *Pipeline) run(ctx context.Context, job *Job) {
	defer p.wg.Done()
	defer job.cancel()

	ctx, span := otel.Tracer("classmesh/transcode").Start(ctx, "transcode")
	defer span.End()
	span.SetAttributes(
		attribute.String("job_id", job.ID),
		attribute.String("asset_id", job.Source.ID),
		attribute.String("resolution", string(job.Settings.Resolution)),
	)

	start := time.Now()
	result, err := p.primary(ctx, job)
	if err == nil {
		p.complete(job, result, PathPrimary, start)
		return
	}
	if ctx.Err() != nil {
		p.abort(job, ctx.Err(), start)
		return
	}

	span.AddEvent("fallback")
	p.logger.Warn("Primary transcode unavailable, estimating",
		zap.String("job_id", job.ID),
		zap.Error(err))

	result, err = p.fallback(ctx, job)
	if err != nil {
		span.RecordError(err)
		p.abort(job, err, start)
		return
	}
	p.complete(job, result, PathFallback, start)
}

func (p *Pipeline) complete(job *Job, result *common.MediaAsset, path Path, start time.Time) {
	job.finish(result, path, nil)
	metrics.TranscodeJobs.WithLabelValues(string(path), "done").Inc()
	metrics.TranscodeDuration.WithLabelValues(string(path)).Observe(time.Since(start).Seconds())

	p.logger.Info("Transcode job done",
		zap.String("job_id", job.ID),
		zap.String("path", string(path)),
		zap.Int64("source_size", job.Source.Size),
		zap.Int64("result_size", result.Size),
		zap.Bool("estimated", result.Estimated),
		zap.Int("reduction_percent", common.ReductionPercent(job.Source.Size, result.Size)))
}

func (p *Pipeline) abort(job *Job, err error, start time.Time) {
	if !errors.Is(err, common.ErrTranscodeFailed) {
		err = fmt.Errorf("%w: %w", common.ErrTranscodeFailed, err)
	}
	path := job.Path()
	job.finish(nil, path, err)
	metrics.TranscodeJobs.WithLabelValues(string(path), "failed").Inc()
	p.logger.Error("Transcode job failed", zap.String("job_id", job.ID), zap.Error(err))
}

// primary runs the real transcoder behind the circuit breaker
func (p *Pipeline) primary(ctx context.Context, job *Job) (*common.MediaAsset, error) {
	if p.transcoder == nil {
		return nil, common.ErrTranscodeUnavailable
	}

	return p.breaker.Execute(func() (*common.MediaAsset, error) {
		if err := p.transcoder.Available(); err != nil {
			return nil, err
		}

		job.setState(JobStateProbing, PathPrimary)
		duration := job.Source.Duration
		resolution := job.Source.Resolution
		if p.prober != nil {
			info, err := p.prober.Probe(ctx, job.Source.Path)
			if err != nil {
				return nil, fmt.Errorf("failed to probe source: %w", err)
			}
			if info.Duration > 0 {
				duration = info.Duration
			}
			if info.Resolution() != "" {
				resolution = info.Resolution()
			}
		}
		p.logger.Debug("Probed source",
			zap.String("job_id", job.ID),
			zap.Float64("duration", duration),
			zap.String("source_resolution", resolution))

		job.setState(JobStateTranscoding, PathPrimary)
		dst := filepath.Join(p.outputDir, OutputName(job.Source.Name))
		if err := os.MkdirAll(p.outputDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
		if err := p.transcoder.Transcode(ctx, job.Source.Path, dst, job.Settings, duration, job.report); err != nil {
			return nil, err
		}

		info, err := os.Stat(dst)
		if err != nil {
			return nil, fmt.Errorf("failed to stat output: %w", err)
		}
		if job.Source.Size > 0 && info.Size() > job.Source.Size {
			os.Remove(dst)
			return nil, fmt.Errorf("%w: %d > %d bytes", errImplausibleOutput, info.Size(), job.Source.Size)
		}

		return &common.MediaAsset{
			ID:          uuid.New().String(),
			Name:        filepath.Base(dst),
			Path:        dst,
			Size:        info.Size(),
			Duration:    duration,
			Resolution:  job.Settings.Resolution.FrameSize(),
			DerivedFrom: job.Source.ID,
			Estimated:   false,
			CreatedAt:   time.Now(),
		}, nil
	})
}

// fallback estimates the output size from the tier ratio while stepping progress
func (p *Pipeline) fallback(ctx context.Context, job *Job) (*common.MediaAsset, error) {
	job.setState(JobStateFallbackEstimating, PathFallback)

	ratio := job.Settings.Resolution.Ratio()
	if ratio <= 0 {
		return nil, fmt.Errorf("%w: no size ratio for %q", common.ErrTranscodeFailed, job.Settings.Resolution)
	}

	ticker := time.NewTicker(p.step)
	defer ticker.Stop()

	for pct := FallbackIncrement; pct < 100; pct += FallbackIncrement {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			job.report(pct)
		}
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-ticker.C:
	}

	return &common.MediaAsset{
		ID:          uuid.New().String(),
		Name:        OutputName(job.Source.Name),
		Path:        job.Source.Path,
		Size:        common.EstimateSize(job.Source.Size, job.Settings.Resolution),
		Duration:    job.Source.Duration,
		Resolution:  job.Settings.Resolution.FrameSize(),
		DerivedFrom: job.Source.ID,
		Estimated:   true,
		CreatedAt:   time.Now(),
	}, nil
}

// Job returns a job by id
func (p *Pipeline) Job(id string) (*Job, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	j, ok := p.jobs[id]
	return j, ok
}

// Jobs returns every tracked job
func (p *Pipeline) Jobs() []*Job {
	p.mu.RLock()
	defer p.mu.RUnlock()

	jobs := make([]*Job, 0, len(p.jobs))
	for _, j := range p.jobs {
		jobs = append(jobs, j)
	}
	return jobs
}

// CleanupFinished forgets finished jobs
func (p *Pipeline) CleanupFinished() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, j := range p.jobs {
		if j.State().IsTerminal() {
			delete(p.jobs, id)
		}
	}
}

// Stop cancels running jobs and waits for them
func (p *Pipeline) Stop() {
	for _, j := range p.Jobs() {
		j.Cancel()
	}
	p.wg.Wait()
}
