package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/metrics"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Link is an open session with one peer
type Link interface {
	Device() common.Device
	Send(frame []byte) error
}

// LinkResolver finds the open link to a device
type LinkResolver interface {
	Link(deviceID string) (Link, error)
}

// TransferConfig contains configuration for the transfer engine
type TransferConfig struct {
	// LocalID identifies this device as the sending side of a pair
	LocalID string
	// MaxBytesPerSec caps outgoing throughput across all sessions; zero disables the cap
	MaxBytesPerSec int64
}

// TransferSession tracks one file moving between this device and a peer
type TransferSession struct {
	ID        string
	Asset     common.MediaAsset
	Device    common.Device
	Direction common.TransferDirection

	mu               sync.RWMutex
	state            common.TransferState
	bytesTransferred int64
	totalBytes       int64
	startTime        time.Time
	endTime          time.Time
	err              error

	cancel context.CancelFunc
	done   chan struct{}
}

// State returns the session's current state
func (s *TransferSession) State() common.TransferState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Err returns the error that ended the session, if any
func (s *TransferSession) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// Done is closed once the session reaches a terminal state
func (s *TransferSession) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until the session ends or ctx is done
func (s *TransferSession) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return s.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Progress returns a snapshot of the session
func (s *TransferSession) Progress() common.TransferProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.progressLocked()
}

func (s *TransferSession) progressLocked() common.TransferProgress {
	end := s.endTime
	if end.IsZero() {
		end = time.Now()
	}
	p := common.TransferProgress{
		SessionID:        s.ID,
		DeviceID:         s.Device.ID,
		FileName:         s.Asset.Name,
		Direction:        s.Direction,
		BytesTransferred: s.bytesTransferred,
		TotalBytes:       s.totalBytes,
		Percentage:       common.Percentage(s.bytesTransferred, s.totalBytes),
		State:            s.state,
		Timestamp:        time.Now(),
	}
	if s.state == common.TransferStateIdle {
		p.Percentage = 0
	}
	if !s.startTime.IsZero() {
		p.SpeedBytesPerSec = common.Speed(s.bytesTransferred, end.Sub(s.startTime))
	}
	if s.err != nil {
		p.Error = s.err.Error()
	}
	return p
}

// advance records n more bytes and returns the resulting snapshot. It reports false and
// changes nothing once the session has ended.
func (s *TransferSession) advance(n int64, state common.TransferState) (common.TransferProgress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.IsTerminal() {
		return s.progressLocked(), false
	}
	s.bytesTransferred += n
	s.state = state
	if state.IsTerminal() {
		s.endTime = time.Now()
	}
	return s.progressLocked(), true
}

// finish moves the session to a terminal state and returns the final snapshot
func (s *TransferSession) finish(state common.TransferState, err error) common.TransferProgress {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	s.err = err
	s.endTime = time.Now()
	return s.progressLocked()
}

// TransferEngine streams assets to connected peers in fixed-size chunks. A sender/receiver
// pair has at most one active session.
type TransferEngine struct {
	logger  *zap.Logger
	chunker *Chunker
	links   LinkResolver
	localID string
	limiter *rate.Limiter

	mu       sync.RWMutex
	sessions map[string]*TransferSession
	active   map[string]string

	subsMu  sync.RWMutex
	subs    map[int]func(common.TransferProgress)
	nextSub int

	wg sync.WaitGroup
}

// NewTransferEngine creates a new TransferEngine
func NewTransferEngine(logger *zap.Logger, chunker *Chunker, links LinkResolver, config TransferConfig) *TransferEngine {
	e := &TransferEngine{
		logger:   logger,
		chunker:  chunker,
		links:    links,
		localID:  config.LocalID,
		sessions: make(map[string]*TransferSession),
		active:   make(map[string]string),
		subs:     make(map[int]func(common.TransferProgress)),
	}
	if config.MaxBytesPerSec > 0 {
		burst := chunker.ChunkSize()
		if int64(burst) < config.MaxBytesPerSec {
			burst = int(config.MaxBytesPerSec)
		}
		e.limiter = rate.NewLimiter(rate.Limit(config.MaxBytesPerSec), burst)
	}
	return e
}

// OnProgress subscribes fn to progress events of outgoing sessions. Events for one session
// are delivered in order from that session's goroutine.
func (e *TransferEngine) OnProgress(fn func(common.TransferProgress)) func() {
	e.subsMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	e.subsMu.Unlock()

	return func() {
		e.subsMu.Lock()
		delete(e.subs, id)
		e.subsMu.Unlock()
	}
}

func (e *TransferEngine) publish(p common.TransferProgress) {
	e.subsMu.RLock()
	subs := make([]func(common.TransferProgress), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.subsMu.RUnlock()

	for _, fn := range subs {
		fn(p)
	}
}

func (e *TransferEngine) pairKey(deviceID string) string {
	return e.localID + "->" + deviceID
}

// SendFile admits a session sending asset to device and streams it in the background.
// Admission errors are returned directly; failures after admission end the session in the
// Failed state and are reported through progress events.
func (e *TransferEngine) SendFile(ctx context.Context, asset *common.MediaAsset, device common.Device) (*TransferSession, error) {
	if asset == nil {
		return nil, fmt.Errorf("%w: no asset", common.ErrTransferFailed)
	}
	if asset.Estimated {
		return nil, fmt.Errorf("%w: %s is a size estimate with no file of its own", common.ErrTransferFailed, asset.Name)
	}
	if device.ID == "" {
		return nil, fmt.Errorf("%w: device has no id", common.ErrTransferFailed)
	}

	link, err := e.links.Link(device.ID)
	if err != nil {
		return nil, err
	}

	key := e.pairKey(device.ID)

	e.mu.Lock()
	if existing, busy := e.active[key]; busy {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s to %s", common.ErrTransferAlreadyInProgress, existing, device.ID)
	}
	id := uuid.New().String()
	e.active[key] = id
	e.mu.Unlock()

	reader, err := e.chunker.Open(asset.Path)
	if err != nil {
		e.release(key, id)
		return nil, fmt.Errorf("%w: %w", common.ErrTransferFailed, err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	session := &TransferSession{
		ID:         id,
		Asset:      *asset,
		Device:     device,
		Direction:  common.TransferDirectionUpload,
		state:      common.TransferStateIdle,
		totalBytes: reader.Metadata().FileSize,
		cancel:     cancel,
		done:       make(chan struct{}),
	}

	e.mu.Lock()
	e.sessions[id] = session
	e.mu.Unlock()

	e.logger.Info("Starting upload",
		zap.String("session_id", id),
		zap.String("device_id", device.ID),
		zap.String("file_name", asset.Name),
		zap.Int64("file_size", session.totalBytes),
		zap.Int("total_chunks", reader.Metadata().TotalChunks))

	e.wg.Add(1)
	go e.run(runCtx, session, link, reader, key)

	return session, nil
}

func (e *TransferEngine) release(key, id string) {
	e.mu.Lock()
	if e.active[key] == id {
		delete(e.active, key)
	}
	e.mu.Unlock()
}

func (e *TransferEngine) run(ctx context.Context, s *TransferSession, link Link, reader *ChunkReader, key string) {
	defer e.wg.Done()
	defer reader.Close()

	metrics.ActiveTransfers.Inc()
	defer metrics.ActiveTransfers.Dec()

	final := e.stream(ctx, s, link, reader)

	// free the pair before the terminal event so subscribers can start the next send
	e.release(key, s.ID)
	s.cancel()
	e.publish(final)
	close(s.done)

	metrics.TransfersFinished.WithLabelValues(final.State.String()).Inc()
	e.logger.Info("Upload finished",
		zap.String("session_id", s.ID),
		zap.String("device_id", s.Device.ID),
		zap.String("state", final.State.String()),
		zap.Int64("bytes_transferred", final.BytesTransferred),
		zap.Float64("transfer_rate_bps", final.SpeedBytesPerSec))
}

// stream sends the file and returns the terminal event. Every intermediate event is
// published as it happens.
func (e *TransferEngine) stream(ctx context.Context, s *TransferSession, link Link, reader *ChunkReader) common.TransferProgress {
	meta := reader.Metadata()
	sessionUUID := uuid.MustParse(s.ID)

	s.mu.Lock()
	s.state = common.TransferStateTransferring
	s.startTime = time.Now()
	s.mu.Unlock()

	frame, err := EncodeJSONFrame(FrameFileMeta, FileMeta{
		SessionID:   s.ID,
		AssetID:     s.Asset.ID,
		FileName:    s.Asset.Name,
		FileSize:    meta.FileSize,
		ChunkSize:   meta.ChunkSize,
		TotalChunks: meta.TotalChunks,
		Resolution:  s.Asset.Resolution,
		Duration:    s.Asset.Duration,
		DerivedFrom: s.Asset.DerivedFrom,
		Estimated:   s.Asset.Estimated,
	})
	if err == nil {
		err = link.Send(frame)
	}
	if err != nil {
		return e.fail(s, fmt.Errorf("failed to send file metadata: %w", err))
	}

	for {
		if ctx.Err() != nil {
			return e.cancelled(s, link)
		}

		data, sum, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return e.fail(s, err)
		}

		if e.limiter != nil {
			if err := e.limiter.WaitN(ctx, len(data)); err != nil {
				if ctx.Err() != nil {
					return e.cancelled(s, link)
				}
				return e.fail(s, fmt.Errorf("rate limiter: %w", err))
			}
		}

		index := reader.Index() - 1
		if err := e.sendChunk(ctx, s, link, Chunk{
			SessionID: sessionUUID,
			Index:     uint32(index),
			Checksum:  sum,
			Data:      data,
		}); err != nil {
			return e.fail(s, err)
		}
		metrics.TransferBytes.WithLabelValues(string(common.TransferDirectionUpload)).Add(float64(len(data)))

		if reader.Index() < meta.TotalChunks {
			if p, ok := s.advance(int64(len(data)), common.TransferStateTransferring); ok {
				e.publish(p)
			}
			continue
		}

		// last chunk: close the file before announcing completion
		if err := e.sendEnd(link, s.ID, meta.FileSize, reader.Sum()); err != nil {
			return e.fail(s, err)
		}
		p, _ := s.advance(int64(len(data)), common.TransferStateCompleted)
		return p
	}

	// empty file
	if err := e.sendEnd(link, s.ID, meta.FileSize, reader.Sum()); err != nil {
		return e.fail(s, err)
	}
	p, _ := s.advance(0, common.TransferStateCompleted)
	return p
}

func (e *TransferEngine) sendChunk(ctx context.Context, s *TransferSession, link Link, c Chunk) error {
	_, span := otel.Tracer("classmesh/transfer").Start(ctx, "sendChunk")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", s.ID),
		attribute.String("device_id", s.Device.ID),
		attribute.Int("chunk_index", int(c.Index)),
		attribute.Int("chunk_size", len(c.Data)),
	)

	frame, err := EncodeFrame(FrameChunk, EncodeChunk(c))
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := link.Send(frame); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to send chunk %d: %w", c.Index, err)
	}
	return nil
}

func (e *TransferEngine) sendEnd(link Link, sessionID string, size int64, sum uint64) error {
	frame, err := EncodeJSONFrame(FrameFileEnd, FileEnd{SessionID: sessionID, Bytes: size, Checksum: sum})
	if err != nil {
		return err
	}
	if err := link.Send(frame); err != nil {
		return fmt.Errorf("failed to send file end: %w", err)
	}
	return nil
}

func (e *TransferEngine) fail(s *TransferSession, err error) common.TransferProgress {
	e.logger.Error("Upload failed",
		zap.String("session_id", s.ID),
		zap.String("device_id", s.Device.ID),
		zap.Error(err))
	return s.finish(common.TransferStateFailed, fmt.Errorf("%w: %w", common.ErrTransferFailed, err))
}

func (e *TransferEngine) cancelled(s *TransferSession, link Link) common.TransferProgress {
	if frame, err := EncodeJSONFrame(FrameCancel, Cancel{SessionID: s.ID, Reason: "cancelled by sender"}); err == nil {
		if err := link.Send(frame); err != nil {
			e.logger.Debug("Failed to notify peer of cancellation",
				zap.String("session_id", s.ID),
				zap.Error(err))
		}
	}
	return s.finish(common.TransferStateCancelled, common.ErrTransferCancelled)
}

// Cancel stops an active session. The session ends in the Cancelled state.
func (e *TransferEngine) Cancel(sessionID string) error {
	e.mu.RLock()
	s, ok := e.sessions[sessionID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no transfer session with ID %s", sessionID)
	}
	if s.State().IsTerminal() {
		return fmt.Errorf("transfer session %s already %s", sessionID, s.State())
	}

	s.cancel()
	e.logger.Info("Transfer cancelled", zap.String("session_id", sessionID))
	return nil
}

// CancelDevice cancels every active session to deviceID
func (e *TransferEngine) CancelDevice(deviceID string) {
	for _, s := range e.ActiveSessions() {
		if s.Device.ID == deviceID {
			s.cancel()
		}
	}
}

// Session returns a session by id
func (e *TransferEngine) Session(id string) (*TransferSession, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.sessions[id]
	return s, ok
}

// ActiveSessions returns sessions that have not reached a terminal state
func (e *TransferEngine) ActiveSessions() []*TransferSession {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var active []*TransferSession
	for _, s := range e.sessions {
		if !s.State().IsTerminal() {
			active = append(active, s)
		}
	}
	return active
}

// ListSessions returns every tracked session
func (e *TransferEngine) ListSessions() []*TransferSession {
	e.mu.RLock()
	defer e.mu.RUnlock()

	sessions := make([]*TransferSession, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// CleanupFinished forgets sessions in a terminal state
func (e *TransferEngine) CleanupFinished() {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, s := range e.sessions {
		if s.State().IsTerminal() {
			delete(e.sessions, id)
		}
	}
}

// Stop cancels every active session and waits for them to end
func (e *TransferEngine) Stop() {
	for _, s := range e.ActiveSessions() {
		s.cancel()
	}
	e.wg.Wait()
}

// IsCancelled reports whether err ended a session by cancellation rather than failure
func IsCancelled(err error) bool {
	return errors.Is(err, common.ErrTransferCancelled)
}
