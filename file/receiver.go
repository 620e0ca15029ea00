package file

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const partialSuffix = ".part"

type incomingFile struct {
	// mu orders chunk writes and their events against a concurrent Cancel
	mu      sync.Mutex
	session *TransferSession
	meta    FileMeta
	writer  *ChunkWriter
	dest    string
}

// Receiver reassembles files streamed by peers into the download directory and
// registers them in the catalog.
type Receiver struct {
	logger  *zap.Logger
	storage *StorageManager
	links   LinkResolver

	mu       sync.Mutex
	incoming map[string]*incomingFile
	finished map[string]*TransferSession

	subsMu       sync.RWMutex
	progressSubs map[int]func(common.TransferProgress)
	fileSubs     map[int]func(*common.MediaAsset, common.Device)
	nextSub      int
}

// NewReceiver creates a Receiver writing into storage's download directory. links is used
// to notify senders when a download is cancelled locally and may be nil.
func NewReceiver(logger *zap.Logger, storage *StorageManager, links LinkResolver) *Receiver {
	return &Receiver{
		logger:       logger,
		storage:      storage,
		links:        links,
		incoming:     make(map[string]*incomingFile),
		finished:     make(map[string]*TransferSession),
		progressSubs: make(map[int]func(common.TransferProgress)),
		fileSubs:     make(map[int]func(*common.MediaAsset, common.Device)),
	}
}

// OnProgress subscribes fn to download progress events. fn runs on the link goroutine and
// must not call Cancel for the session it is being told about.
func (r *Receiver) OnProgress(fn func(common.TransferProgress)) func() {
	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.progressSubs[id] = fn
	r.subsMu.Unlock()

	return func() {
		r.subsMu.Lock()
		delete(r.progressSubs, id)
		r.subsMu.Unlock()
	}
}

// OnFileReceived subscribes fn to completed downloads
func (r *Receiver) OnFileReceived(fn func(*common.MediaAsset, common.Device)) func() {
	r.subsMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.fileSubs[id] = fn
	r.subsMu.Unlock()

	return func() {
		r.subsMu.Lock()
		delete(r.fileSubs, id)
		r.subsMu.Unlock()
	}
}

func (r *Receiver) publish(p common.TransferProgress) {
	r.subsMu.RLock()
	subs := make([]func(common.TransferProgress), 0, len(r.progressSubs))
	for _, fn := range r.progressSubs {
		subs = append(subs, fn)
	}
	r.subsMu.RUnlock()

	for _, fn := range subs {
		fn(p)
	}
}

func (r *Receiver) received(asset *common.MediaAsset, device common.Device) {
	r.subsMu.RLock()
	subs := make([]func(*common.MediaAsset, common.Device), 0, len(r.fileSubs))
	for _, fn := range r.fileSubs {
		subs = append(subs, fn)
	}
	r.subsMu.RUnlock()

	for _, fn := range subs {
		fn(asset, device)
	}
}

// HandleFrame consumes a transfer frame sent by device. Frames for one link must be handed
// over in the order they were read.
func (r *Receiver) HandleFrame(device common.Device, f Frame) error {
	switch f.Type {
	case FrameFileMeta:
		var meta FileMeta
		if err := f.Decode(&meta); err != nil {
			return err
		}
		return r.begin(device, meta)
	case FrameChunk:
		c, err := DecodeChunk(f.Payload)
		if err != nil {
			return err
		}
		return r.chunk(c)
	case FrameFileEnd:
		var end FileEnd
		if err := f.Decode(&end); err != nil {
			return err
		}
		return r.end(end)
	case FrameCancel:
		var c Cancel
		if err := f.Decode(&c); err != nil {
			return err
		}
		r.abort(c.SessionID, common.TransferStateCancelled, common.ErrTransferCancelled)
		return nil
	default:
		return fmt.Errorf("unexpected %s frame", f.Type)
	}
}

// safeName strips any directory components a peer may have put in a file name
func safeName(name string) (string, error) {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || base == ".." || base == "" {
		return "", fmt.Errorf("invalid file name %q", name)
	}
	return base, nil
}

func (r *Receiver) begin(device common.Device, meta FileMeta) error {
	if _, err := uuid.Parse(meta.SessionID); err != nil {
		return fmt.Errorf("invalid session id %q", meta.SessionID)
	}
	if meta.FileSize < 0 {
		return fmt.Errorf("invalid file size %d", meta.FileSize)
	}
	name, err := safeName(meta.FileName)
	if err != nil {
		return err
	}

	dest := filepath.Join(r.storage.DownloadDir(), name)
	writer, err := NewChunkWriter(dest + partialSuffix)
	if err != nil {
		return err
	}

	session := &TransferSession{
		ID: meta.SessionID,
		Asset: common.MediaAsset{
			ID:   meta.AssetID,
			Name: name,
			Path: dest,
			Size: meta.FileSize,
		},
		Device:     device,
		Direction:  common.TransferDirectionDownload,
		state:      common.TransferStateTransferring,
		totalBytes: meta.FileSize,
		startTime:  time.Now(),
		cancel:     func() {},
		done:       make(chan struct{}),
	}

	r.mu.Lock()
	if _, dup := r.incoming[meta.SessionID]; dup {
		r.mu.Unlock()
		writer.Abort()
		return fmt.Errorf("session %s already receiving", meta.SessionID)
	}
	r.incoming[meta.SessionID] = &incomingFile{session: session, meta: meta, writer: writer, dest: dest}
	r.mu.Unlock()

	metrics.ActiveTransfers.Inc()
	r.logger.Info("Receiving file",
		zap.String("session_id", meta.SessionID),
		zap.String("device_id", device.ID),
		zap.String("file_name", name),
		zap.Int64("file_size", meta.FileSize))

	return nil
}

func (r *Receiver) lookup(sessionID string) (*incomingFile, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	in, ok := r.incoming[sessionID]
	return in, ok
}

func (r *Receiver) chunk(c Chunk) error {
	sessionID := c.SessionID.String()
	in, ok := r.lookup(sessionID)
	if !ok {
		return fmt.Errorf("chunk for unknown session %s", sessionID)
	}

	in.mu.Lock()
	err := r.writeChunk(in, c)
	in.mu.Unlock()
	if err != nil {
		r.abort(sessionID, common.TransferStateFailed, err)
		return err
	}
	return nil
}

// writeChunk stores c and publishes progress. A session cancelled meanwhile is left alone.
func (r *Receiver) writeChunk(in *incomingFile, c Chunk) error {
	if in.session.State().IsTerminal() {
		return nil
	}
	if err := in.writer.Write(c.Index, c.Data, c.Checksum); err != nil {
		return err
	}
	metrics.TransferBytes.WithLabelValues(string(common.TransferDirectionDownload)).Add(float64(len(c.Data)))

	if in.writer.Written() > in.meta.FileSize {
		return fmt.Errorf("received more than %d bytes", in.meta.FileSize)
	}

	// the final chunk is reported together with completion once the checksum verifies
	if in.writer.Written() < in.meta.FileSize {
		if p, ok := in.session.advance(int64(len(c.Data)), common.TransferStateTransferring); ok {
			r.publish(p)
		}
	}
	return nil
}

func (r *Receiver) end(end FileEnd) error {
	r.mu.Lock()
	in, ok := r.incoming[end.SessionID]
	if ok {
		delete(r.incoming, end.SessionID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("file end for unknown session %s", end.SessionID)
	}

	fail := func(err error) error {
		in.writer.Abort()
		r.finish(in, common.TransferStateFailed, fmt.Errorf("%w: %w", common.ErrTransferFailed, err), 0)
		return err
	}

	if err := in.writer.Finish(end.Bytes, end.Checksum); err != nil {
		return fail(err)
	}
	if end.Bytes != in.meta.FileSize {
		return fail(fmt.Errorf("size mismatch: announced %d, ended with %d", in.meta.FileSize, end.Bytes))
	}
	if err := os.Rename(in.writer.Path(), in.dest); err != nil {
		return fail(fmt.Errorf("failed to move file into place: %w", err))
	}

	asset := &common.MediaAsset{
		ID:          uuid.New().String(),
		Name:        in.session.Asset.Name,
		Path:        in.dest,
		Size:        end.Bytes,
		Duration:    in.meta.Duration,
		Resolution:  in.meta.Resolution,
		DerivedFrom: in.meta.DerivedFrom,
		Estimated:   in.meta.Estimated,
		CreatedAt:   time.Now(),
	}
	if asset.Resolution == "" {
		asset.Resolution = common.GuessResolution(asset.Name)
	}
	if err := r.storage.SaveAsset(asset); err != nil {
		r.logger.Warn("Failed to register received file", zap.String("path", in.dest), zap.Error(err))
	}

	r.finish(in, common.TransferStateCompleted, nil, end.Bytes-in.session.Progress().BytesTransferred)
	r.received(asset, in.session.Device)

	r.logger.Info("File received",
		zap.String("session_id", end.SessionID),
		zap.String("device_id", in.session.Device.ID),
		zap.String("path", in.dest),
		zap.Int64("file_size", end.Bytes))

	return nil
}

func (r *Receiver) finish(in *incomingFile, state common.TransferState, err error, remaining int64) {
	in.mu.Lock()
	defer in.mu.Unlock()

	var p common.TransferProgress
	if state == common.TransferStateCompleted {
		p, _ = in.session.advance(remaining, state)
	} else {
		p = in.session.finish(state, err)
	}

	r.mu.Lock()
	r.finished[in.session.ID] = in.session
	r.mu.Unlock()

	metrics.ActiveTransfers.Dec()
	metrics.TransfersFinished.WithLabelValues(state.String()).Inc()
	r.publish(p)
	close(in.session.done)
}

func (r *Receiver) abort(sessionID string, state common.TransferState, err error) {
	r.mu.Lock()
	in, ok := r.incoming[sessionID]
	if ok {
		delete(r.incoming, sessionID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	in.mu.Lock()
	in.writer.Abort()
	in.mu.Unlock()
	if state == common.TransferStateFailed {
		err = fmt.Errorf("%w: %w", common.ErrTransferFailed, err)
	}
	r.finish(in, state, err, 0)

	r.logger.Info("Download ended early",
		zap.String("session_id", sessionID),
		zap.String("state", state.String()),
		zap.Error(err))
}

// Cancel stops a download and tells the sender
func (r *Receiver) Cancel(sessionID string) error {
	in, ok := r.lookup(sessionID)
	if !ok {
		return fmt.Errorf("no download with session ID %s", sessionID)
	}

	if r.links != nil {
		if link, err := r.links.Link(in.session.Device.ID); err == nil {
			if frame, err := EncodeJSONFrame(FrameCancel, Cancel{SessionID: sessionID, Reason: "cancelled by receiver"}); err == nil {
				if err := link.Send(frame); err != nil {
					r.logger.Debug("Failed to notify sender of cancellation", zap.Error(err))
				}
			}
		}
	}

	r.abort(sessionID, common.TransferStateCancelled, common.ErrTransferCancelled)
	return nil
}

// AbortDevice fails every download from deviceID, used when its link drops
func (r *Receiver) AbortDevice(deviceID string) {
	r.mu.Lock()
	var ids []string
	for id, in := range r.incoming {
		if in.session.Device.ID == deviceID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	for _, id := range ids {
		r.abort(id, common.TransferStateFailed, common.ErrNotConnected)
	}
}

// Downloads returns every download, active ones first
func (r *Receiver) Downloads() []*TransferSession {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*TransferSession, 0, len(r.incoming)+len(r.finished))
	for _, in := range r.incoming {
		sessions = append(sessions, in.session)
	}
	for _, s := range r.finished {
		sessions = append(sessions, s)
	}
	return sessions
}

// Download returns a download session by id
func (r *Receiver) Download(id string) (*TransferSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in, ok := r.incoming[id]; ok {
		return in.session, true
	}
	s, ok := r.finished[id]
	return s, ok
}
