package transcode

import (
	"context"
	"sync"
	"time"

	"github.com/TFMV/classmesh/common"
)

// JobState is the lifecycle state of a transcoding job
type JobState int

const (
	JobStateIdle JobState = iota
	JobStateProbing
	JobStateTranscoding
	JobStateFallbackEstimating
	JobStateDone
	JobStateFailed
)

// String returns a string representation of the job state
func (s JobState) String() string {
	switch s {
	case JobStateIdle:
		return "idle"
	case JobStateProbing:
		return "probing"
	case JobStateTranscoding:
		return "transcoding"
	case JobStateFallbackEstimating:
		return "fallback_estimating"
	case JobStateDone:
		return "done"
	case JobStateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name
func (s JobState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// IsTerminal reports whether the job has finished
func (s JobState) IsTerminal() bool {
	return s == JobStateDone || s == JobStateFailed
}

// Path tells which strategy produced a job's result
type Path string

const (
	PathNone     Path = ""
	PathPrimary  Path = "primary"
	PathFallback Path = "fallback"
)

// JobEvent is published on every state change and progress step
type JobEvent struct {
	JobID    string             `json:"job_id"`
	AssetID  string             `json:"asset_id"`
	Progress int                `json:"progress"`
	State    JobState           `json:"state"`
	Path     Path               `json:"path,omitempty"`
	Result   *common.MediaAsset `json:"result,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Job is one transcoding request
type Job struct {
	ID        string
	Source    common.MediaAsset
	Settings  common.CompressionSettings
	CreatedAt time.Time

	mu       sync.RWMutex
	state    JobState
	progress int
	path     Path
	result   *common.MediaAsset
	err      error

	publish func(JobEvent)
	cancel  context.CancelFunc
	done    chan struct{}
}

// State returns the job's current state
func (j *Job) State() JobState {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.state
}

// Progress returns the job's progress in [0,100]
func (j *Job) Progress() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.progress
}

// Path returns the strategy that produced or is producing the result
func (j *Job) Path() Path {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.path
}

// Result returns the transcoded asset once the job is done
func (j *Job) Result() *common.MediaAsset {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.result
}

// Err returns the error that failed the job
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

// Done is closed once the job reaches a terminal state
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Cancel stops the job; it ends in the Failed state
func (j *Job) Cancel() {
	j.cancel()
}

// Wait blocks until the job finishes or ctx is done
func (j *Job) Wait(ctx context.Context) (*common.MediaAsset, error) {
	select {
	case <-j.done:
		return j.Result(), j.Err()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Snapshot returns the job's current event
func (j *Job) Snapshot() JobEvent {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.eventLocked()
}

func (j *Job) eventLocked() JobEvent {
	ev := JobEvent{
		JobID:    j.ID,
		AssetID:  j.Source.ID,
		Progress: j.progress,
		State:    j.state,
		Path:     j.path,
		Result:   j.result,
	}
	if j.err != nil {
		ev.Error = j.err.Error()
	}
	return ev
}

// setState moves the job into a non-terminal state and publishes the change
func (j *Job) setState(state JobState, path Path) {
	j.mu.Lock()
	if j.state.IsTerminal() {
		j.mu.Unlock()
		return
	}
	j.state = state
	if path != PathNone {
		j.path = path
	}
	ev := j.eventLocked()
	j.mu.Unlock()

	j.publish(ev)
}

// report publishes pct when it moves progress forward. Terminal progress is left to finish.
func (j *Job) report(pct int) {
	if pct > 99 {
		pct = 99
	}
	j.mu.Lock()
	if j.state.IsTerminal() || pct <= j.progress {
		j.mu.Unlock()
		return
	}
	j.progress = pct
	ev := j.eventLocked()
	j.mu.Unlock()

	j.publish(ev)
}

func (j *Job) finish(result *common.MediaAsset, path Path, err error) {
	j.mu.Lock()
	if j.state.IsTerminal() {
		j.mu.Unlock()
		return
	}
	if err != nil {
		j.state = JobStateFailed
		j.err = err
	} else {
		j.state = JobStateDone
		j.progress = 100
		j.result = result
		j.path = path
	}
	ev := j.eventLocked()
	j.mu.Unlock()

	j.publish(ev)
	close(j.done)
}
