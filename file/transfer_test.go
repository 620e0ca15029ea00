package file

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memLink hands frames straight to a Receiver, as if the peer read them off the wire.
type memLink struct {
	peer     common.Device
	sender   common.Device
	receiver *Receiver

	// gate, when set, must yield before each chunk frame is delivered
	gate     chan struct{}
	failFrom int

	mu      sync.Mutex
	chunks  int
	recvErr []error
}

func (l *memLink) Device() common.Device { return l.peer }

func (l *memLink) Send(frame []byte) error {
	f, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		return err
	}
	if f.Type == FrameChunk {
		if l.gate != nil {
			<-l.gate
		}
		l.mu.Lock()
		l.chunks++
		n := l.chunks
		l.mu.Unlock()
		if l.failFrom > 0 && n >= l.failFrom {
			return errors.New("connection reset by peer")
		}
	}
	if err := l.receiver.HandleFrame(l.sender, f); err != nil {
		l.mu.Lock()
		l.recvErr = append(l.recvErr, err)
		l.mu.Unlock()
	}
	return nil
}

type linkMap map[string]Link

func (m linkMap) Link(id string) (Link, error) {
	l, ok := m[id]
	if !ok {
		return nil, common.ErrNotConnected
	}
	return l, nil
}

type progressLog struct {
	mu     sync.Mutex
	events []common.TransferProgress
}

func (p *progressLog) add(e common.TransferProgress) {
	p.mu.Lock()
	p.events = append(p.events, e)
	p.mu.Unlock()
}

func (p *progressLog) all() []common.TransferProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]common.TransferProgress(nil), p.events...)
}

type rig struct {
	engine   *TransferEngine
	receiver *Receiver
	storage  *StorageManager
	link     *memLink
	student  common.Device
	dir      string
}

func newRig(t *testing.T, chunkSize int) *rig {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	dir := t.TempDir()

	storage, err := NewStorageManager(logger, StorageConfig{BaseDir: filepath.Join(dir, "student")})
	require.NoError(t, err)

	receiver := NewReceiver(logger, storage, nil)
	student := common.Device{ID: "s1", Name: "Student-1", Connected: true}
	link := &memLink{
		peer:     student,
		sender:   common.Device{ID: "t1", Name: "Teacher-1", Connected: true},
		receiver: receiver,
	}

	engine := NewTransferEngine(logger, NewChunker(logger, chunkSize), linkMap{student.ID: link}, TransferConfig{LocalID: "t1"})
	return &rig{engine: engine, receiver: receiver, storage: storage, link: link, student: student, dir: dir}
}

func (r *rig) writeAsset(t *testing.T, name string, size int) (*common.MediaAsset, []byte) {
	t.Helper()
	data := make([]byte, size)
	_, err := rand.Read(data)
	require.NoError(t, err)
	path := filepath.Join(r.dir, name)
	require.NoError(t, os.WriteFile(path, data, 0644))
	asset, err := common.AssetFromFile(path)
	require.NoError(t, err)
	return asset, data
}

func waitDone(t *testing.T, s *TransferSession) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("transfer did not finish")
	}
}

func assertProgression(t *testing.T, events []common.TransferProgress, total int64, terminal common.TransferState) {
	t.Helper()
	require.NotEmpty(t, events)

	var last int64 = -1
	terminals := 0
	for i, e := range events {
		assert.LessOrEqual(t, e.BytesTransferred, e.TotalBytes)
		assert.GreaterOrEqual(t, e.Percentage, 0.0)
		assert.LessOrEqual(t, e.Percentage, 100.0)
		assert.Equal(t, total, e.TotalBytes)
		if e.State.IsTerminal() {
			terminals++
			assert.Equal(t, len(events)-1, i, "terminal event must be last")
			continue
		}
		assert.Greater(t, e.BytesTransferred, last, "bytes must strictly increase")
		last = e.BytesTransferred
	}
	assert.Equal(t, 1, terminals)
	assert.Equal(t, terminal, events[len(events)-1].State)
}

func TestTransferEndToEnd(t *testing.T) {
	r := newRig(t, DefaultChunkSize)
	asset, data := r.writeAsset(t, "lesson.mp4", 10_000_000)

	var sent, recv progressLog
	r.engine.OnProgress(sent.add)
	r.receiver.OnProgress(recv.add)

	var received *common.MediaAsset
	var from common.Device
	r.receiver.OnFileReceived(func(a *common.MediaAsset, d common.Device) {
		received = a
		from = d
	})

	session, err := r.engine.SendFile(context.Background(), asset, r.student)
	require.NoError(t, err)
	waitDone(t, session)

	assert.Equal(t, common.TransferStateCompleted, session.State())
	assert.NoError(t, session.Err())

	events := sent.all()
	assertProgression(t, events, 10_000_000, common.TransferStateCompleted)
	assert.Len(t, events, 10)
	final := events[len(events)-1]
	assert.Equal(t, int64(10_000_000), final.BytesTransferred)
	assert.Equal(t, 100.0, final.Percentage)
	assert.Equal(t, "lesson.mp4", final.FileName)

	assertProgression(t, recv.all(), 10_000_000, common.TransferStateCompleted)

	require.NotNil(t, received)
	assert.Equal(t, "t1", from.ID)
	got, err := os.ReadFile(received.Path)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
	assert.Equal(t, filepath.Join(r.storage.DownloadDir(), "lesson.mp4"), received.Path)

	_, err = r.storage.GetAsset(received.ID)
	assert.NoError(t, err)
	assert.Empty(t, r.link.recvErr)
	assert.Empty(t, r.engine.ActiveSessions())
}

func TestTransferEmptyFile(t *testing.T) {
	r := newRig(t, 1024)
	asset, _ := r.writeAsset(t, "empty.mp4", 0)

	var sent progressLog
	r.engine.OnProgress(sent.add)

	session, err := r.engine.SendFile(context.Background(), asset, r.student)
	require.NoError(t, err)
	waitDone(t, session)

	events := sent.all()
	require.Len(t, events, 1)
	assert.Equal(t, common.TransferStateCompleted, events[0].State)
	assert.Equal(t, 100.0, events[0].Percentage)
	assert.Equal(t, int64(0), events[0].BytesTransferred)
}

func TestTransferExclusivity(t *testing.T) {
	r := newRig(t, 1024)
	r.link.gate = make(chan struct{})
	asset, _ := r.writeAsset(t, "lesson.mp4", 4096)

	first, err := r.engine.SendFile(context.Background(), asset, r.student)
	require.NoError(t, err)

	second, err := r.engine.SendFile(context.Background(), asset, r.student)
	assert.Nil(t, second)
	assert.True(t, errors.Is(err, common.ErrTransferAlreadyInProgress))
	assert.False(t, first.State().IsTerminal())

	close(r.link.gate)
	waitDone(t, first)
	assert.Equal(t, common.TransferStateCompleted, first.State())

	third, err := r.engine.SendFile(context.Background(), asset, r.student)
	require.NoError(t, err)
	waitDone(t, third)
	assert.Equal(t, common.TransferStateCompleted, third.State())
}

func TestTransferCancel(t *testing.T) {
	r := newRig(t, 1024)
	r.link.gate = make(chan struct{})
	asset, _ := r.writeAsset(t, "lesson.mp4", 5*1024)

	var sent, recv progressLog
	r.engine.OnProgress(sent.add)
	r.receiver.OnProgress(recv.add)

	session, err := r.engine.SendFile(context.Background(), asset, r.student)
	require.NoError(t, err)

	r.link.gate <- struct{}{}
	require.NoError(t, r.engine.Cancel(session.ID))
	close(r.link.gate)
	waitDone(t, session)

	assert.Equal(t, common.TransferStateCancelled, session.State())
	assert.True(t, IsCancelled(session.Err()))

	events := sent.all()
	require.NotEmpty(t, events)
	final := events[len(events)-1]
	assert.Equal(t, common.TransferStateCancelled, final.State)
	assert.Less(t, final.BytesTransferred, int64(5*1024))

	downloads := recv.all()
	require.NotEmpty(t, downloads)
	assert.Equal(t, common.TransferStateCancelled, downloads[len(downloads)-1].State)
	_, err = os.Stat(filepath.Join(r.storage.DownloadDir(), "lesson.mp4"+partialSuffix))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, r.engine.Cancel(session.ID))
}

func TestTransferLinkFailure(t *testing.T) {
	r := newRig(t, 1024)
	r.link.failFrom = 3
	asset, _ := r.writeAsset(t, "lesson.mp4", 5*1024)

	var sent progressLog
	r.engine.OnProgress(sent.add)

	session, err := r.engine.SendFile(context.Background(), asset, r.student)
	require.NoError(t, err)
	waitDone(t, session)

	assert.Equal(t, common.TransferStateFailed, session.State())
	assert.True(t, errors.Is(session.Err(), common.ErrTransferFailed))
	assertProgression(t, sent.all(), 5*1024, common.TransferStateFailed)
	assert.Equal(t, int64(2*1024), session.Progress().BytesTransferred)
}

func TestTransferAdmission(t *testing.T) {
	r := newRig(t, 1024)
	asset, _ := r.writeAsset(t, "lesson.mp4", 1024)

	_, err := r.engine.SendFile(context.Background(), asset, common.Device{ID: "nobody"})
	assert.True(t, errors.Is(err, common.ErrNotConnected))

	missing := *asset
	missing.Path = filepath.Join(r.dir, "missing.mp4")
	_, err = r.engine.SendFile(context.Background(), &missing, r.student)
	assert.True(t, errors.Is(err, common.ErrTransferFailed))

	estimated := *asset
	estimated.Name = "compressed_lesson.mp4"
	estimated.Size = 400
	estimated.Estimated = true
	_, err = r.engine.SendFile(context.Background(), &estimated, r.student)
	assert.True(t, errors.Is(err, common.ErrTransferFailed))

	// a failed admission must not leave the pair busy
	session, err := r.engine.SendFile(context.Background(), asset, r.student)
	require.NoError(t, err)
	waitDone(t, session)

	r.engine.CleanupFinished()
	assert.Empty(t, r.engine.ListSessions())
}

func TestTransferRateLimit(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	r := newRig(t, 1024)
	r.engine = NewTransferEngine(logger, NewChunker(logger, 1024), linkMap{r.student.ID: r.link}, TransferConfig{
		LocalID:        "t1",
		MaxBytesPerSec: 1024 * 1024,
	})
	asset, _ := r.writeAsset(t, "lesson.mp4", 8*1024)

	session, err := r.engine.SendFile(context.Background(), asset, r.student)
	require.NoError(t, err)
	waitDone(t, session)
	assert.Equal(t, common.TransferStateCompleted, session.State())
}

func TestReceiverCancelBetweenChunks(t *testing.T) {
	r := newRig(t, 1024)
	sender := r.link.sender

	var recv progressLog
	r.receiver.OnProgress(recv.add)

	sessionID := uuid.New()
	frame, err := EncodeJSONFrame(FrameFileMeta, FileMeta{
		SessionID:   sessionID.String(),
		AssetID:     "a1",
		FileName:    "lesson.mp4",
		FileSize:    2048,
		ChunkSize:   1024,
		TotalChunks: 2,
	})
	require.NoError(t, err)
	f, err := ReadFrame(bytes.NewReader(frame))
	require.NoError(t, err)
	require.NoError(t, r.receiver.HandleFrame(sender, f))

	// the link goroutine has looked the session up when the cancel lands
	in, ok := r.receiver.lookup(sessionID.String())
	require.True(t, ok)
	require.NoError(t, r.receiver.Cancel(sessionID.String()))

	data := make([]byte, 1024)
	require.NoError(t, r.receiver.writeChunk(in, Chunk{SessionID: sessionID, Index: 0, Checksum: xxhash.Sum64(data), Data: data}))

	download, ok := r.receiver.Download(sessionID.String())
	require.True(t, ok)
	assert.Equal(t, common.TransferStateCancelled, download.State())
	assert.Equal(t, int64(0), download.Progress().BytesTransferred)

	events := recv.all()
	require.Len(t, events, 1)
	assert.Equal(t, common.TransferStateCancelled, events[0].State)

	t.Run("AdvanceAfterTerminal", func(t *testing.T) {
		s := &TransferSession{ID: "s", state: common.TransferStateTransferring, totalBytes: 10, done: make(chan struct{})}
		s.finish(common.TransferStateCancelled, common.ErrTransferCancelled)

		p, ok := s.advance(5, common.TransferStateTransferring)
		assert.False(t, ok)
		assert.Equal(t, common.TransferStateCancelled, p.State)
		assert.Equal(t, int64(0), p.BytesTransferred)
	})
}
