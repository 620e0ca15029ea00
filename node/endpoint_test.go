package node

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serve starts n's server and returns the device students dial
func serve(t *testing.T, n *Node) common.Device {
	t.Helper()
	ok, err := n.Server().StartServer(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	_, port, err := net.SplitHostPort(n.Server().Addr().String())
	require.NoError(t, err)

	cfg := n.Config()
	return common.Device{
		ID:      cfg.NodeID,
		Name:    cfg.NodeName,
		Role:    cfg.Role,
		Address: net.JoinHostPort("127.0.0.1", port),
	}
}

// rawStudent speaks the wire protocol directly so a test controls every frame
type rawStudent struct {
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, teacher common.Device, id string) *rawStudent {
	t.Helper()
	conn, err := net.Dial("tcp", teacher.Address)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	peer, err := clientHandshake(conn, file.Hello{DeviceID: id, Name: id, Role: string(common.RoleStudent)}, time.Now().Add(5*time.Second))
	require.NoError(t, err)
	require.Equal(t, teacher.ID, peer.DeviceID)
	return &rawStudent{conn: conn, r: bufio.NewReader(conn)}
}

func (s *rawStudent) send(t *testing.T, ft file.FrameType, v interface{}) {
	t.Helper()
	frame, err := file.EncodeJSONFrame(ft, v)
	require.NoError(t, err)
	_, err = s.conn.Write(frame)
	require.NoError(t, err)
}

func (s *rawStudent) read(t *testing.T) file.Frame {
	t.Helper()
	require.NoError(t, s.conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	f, err := file.ReadFrame(s.r)
	require.NoError(t, err)
	return f
}

func waitUploadState(t *testing.T, n *Node, sessionID string, state common.TransferState) {
	t.Helper()
	require.Eventually(t, func() bool {
		s, ok := n.Files().Engine().Session(sessionID)
		return ok && s.State() == state
	}, 10*time.Second, 10*time.Millisecond)
}

func TestAutoSend(t *testing.T) {
	cfg := testConfig(t, "teacher-1", common.RoleTeacher)
	cfg.AutoSend = true
	teacher := newTestNode(t, cfg)

	path, data := writeVideo(t, "lesson.mp4", 300_000)
	asset, err := teacher.Files().AddAsset(path)
	require.NoError(t, err)
	require.NoError(t, teacher.Server().Share(asset))
	device := serve(t, teacher)

	student := newTestNode(t, testConfig(t, "student-1", common.RoleStudent))
	received := make(chan *common.MediaAsset, 1)
	student.Files().Receiver().OnFileReceived(func(a *common.MediaAsset, from common.Device) {
		received <- a
	})

	// no request: the teacher pushes as soon as the student is accepted
	ok, err := student.Connections().Connect(context.Background(), device)
	require.NoError(t, err)
	require.True(t, ok)

	select {
	case got := <-received:
		content, err := os.ReadFile(got.Path)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, content))
	case <-time.After(10 * time.Second):
		t.Fatal("shared asset was not pushed")
	}
}

func TestRequestWhileUploading(t *testing.T) {
	cfg := testConfig(t, "teacher-1", common.RoleTeacher)
	cfg.ChunkSize = 16 * 1024
	teacher := newTestNode(t, cfg)

	const size = 2_000_000
	path, _ := writeVideo(t, "lesson.mp4", size)
	asset, err := teacher.Files().AddAsset(path)
	require.NoError(t, err)
	require.NoError(t, teacher.Server().Share(asset))

	student := dialRaw(t, serve(t, teacher), "student-1")
	student.send(t, file.FrameRequest, file.Request{})
	student.send(t, file.FrameRequest, file.Request{})

	var (
		sessionID string
		rejection *file.ErrorMessage
		received  int64
		ended     bool
	)
	for !ended || rejection == nil {
		f := student.read(t)
		switch f.Type {
		case file.FrameFileMeta:
			var meta file.FileMeta
			require.NoError(t, f.Decode(&meta))
			require.Empty(t, sessionID, "only one upload may start")
			sessionID = meta.SessionID
		case file.FrameChunk:
			c, err := file.DecodeChunk(f.Payload)
			require.NoError(t, err)
			assert.Equal(t, sessionID, c.SessionID.String())
			received += int64(len(c.Data))
		case file.FrameFileEnd:
			ended = true
		case file.FrameError:
			var msg file.ErrorMessage
			require.NoError(t, f.Decode(&msg))
			rejection = &msg
		}
	}

	assert.Contains(t, rejection.Message, common.ErrTransferAlreadyInProgress.Error())
	assert.Equal(t, int64(size), received)

	// the running upload was not disturbed by the rejected request
	waitUploadState(t, teacher, sessionID, common.TransferStateCompleted)
	assert.Len(t, teacher.Files().Engine().ListSessions(), 1)
}

func TestStudentCancelsDownload(t *testing.T) {
	cfg := testConfig(t, "teacher-1", common.RoleTeacher)
	cfg.ChunkSize = 16 * 1024
	cfg.MaxBytesPerSec = 16 * 1024
	teacher := newTestNode(t, cfg)

	path, _ := writeVideo(t, "lesson.mp4", 512*1024)
	asset, err := teacher.Files().AddAsset(path)
	require.NoError(t, err)
	require.NoError(t, teacher.Server().Share(asset))
	device := serve(t, teacher)

	student := newTestNode(t, testConfig(t, "student-1", common.RoleStudent))
	started := make(chan string, 1)
	student.Files().Receiver().OnProgress(func(p common.TransferProgress) {
		select {
		case started <- p.SessionID:
		default:
		}
	})

	_, err = student.Connections().Connect(context.Background(), device)
	require.NoError(t, err)
	require.NoError(t, student.Request(device, ""))

	var sessionID string
	select {
	case sessionID = <-started:
	case <-time.After(10 * time.Second):
		t.Fatal("download did not start")
	}
	require.NoError(t, student.Files().Receiver().Cancel(sessionID))

	download, ok := student.Files().Receiver().Download(sessionID)
	require.True(t, ok)
	assert.Equal(t, common.TransferStateCancelled, download.State())

	// the cancel frame stops the teacher's upload
	waitUploadState(t, teacher, sessionID, common.TransferStateCancelled)
	s, _ := teacher.Files().Engine().Session(sessionID)
	assert.Less(t, s.Progress().BytesTransferred, int64(512*1024))
}

func TestPeerErrorCancelsUpload(t *testing.T) {
	cfg := testConfig(t, "teacher-1", common.RoleTeacher)
	cfg.ChunkSize = 16 * 1024
	cfg.MaxBytesPerSec = 16 * 1024
	teacher := newTestNode(t, cfg)

	path, _ := writeVideo(t, "lesson.mp4", 512*1024)
	asset, err := teacher.Files().AddAsset(path)
	require.NoError(t, err)
	require.NoError(t, teacher.Server().Share(asset))

	student := dialRaw(t, serve(t, teacher), "student-1")
	student.send(t, file.FrameRequest, file.Request{})

	f := student.read(t)
	require.Equal(t, file.FrameFileMeta, f.Type)
	var meta file.FileMeta
	require.NoError(t, f.Decode(&meta))

	student.send(t, file.FrameError, file.ErrorMessage{SessionID: meta.SessionID, Message: "disk full"})

	waitUploadState(t, teacher, meta.SessionID, common.TransferStateCancelled)
	assert.True(t, teacher.Connections().IsConnected("student-1"))
}

func TestShareEstimatedSendsSource(t *testing.T) {
	teacher := newTestNode(t, testConfig(t, "teacher-1", common.RoleTeacher))

	path, data := writeVideo(t, "lesson_720p.mp4", 100_000)
	source, err := teacher.Files().AddAsset(path)
	require.NoError(t, err)

	job, err := teacher.Files().Compress(context.Background(), source.ID, common.CompressionSettings{
		Resolution:  common.Resolution480p,
		Quality:     common.QualityMedium,
		BitrateKbps: 1000,
	})
	require.NoError(t, err)
	estimate, err := job.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, estimate.Estimated)
	require.Equal(t, int64(40_000), estimate.Size)

	require.NoError(t, teacher.Server().Share(estimate))
	assert.Equal(t, source.ID, teacher.Server().Shared().ID)

	device := serve(t, teacher)
	student := newTestNode(t, testConfig(t, "student-1", common.RoleStudent))
	received := make(chan *common.MediaAsset, 1)
	student.Files().Receiver().OnFileReceived(func(a *common.MediaAsset, from common.Device) {
		received <- a
	})

	_, err = student.Connections().Connect(context.Background(), device)
	require.NoError(t, err)
	// asking for the estimate by id also yields the source file
	require.NoError(t, student.Request(device, estimate.ID))

	select {
	case got := <-received:
		assert.Equal(t, "lesson_720p.mp4", got.Name)
		assert.Equal(t, int64(len(data)), got.Size)
		assert.False(t, got.Estimated)
		assert.False(t, strings.HasPrefix(got.Name, "compressed_"))
		content, err := os.ReadFile(got.Path)
		require.NoError(t, err)
		assert.True(t, bytes.Equal(data, content))
	case <-time.After(10 * time.Second):
		t.Fatal("file not received")
	}
}

func TestServerRestart(t *testing.T) {
	n := newTestNode(t, testConfig(t, "teacher-1", common.RoleTeacher))

	for i := 0; i < 5; i++ {
		device := serve(t, n)

		done := make(chan struct{})
		go func() {
			defer close(done)
			conn, err := net.Dial("tcp", device.Address)
			if err != nil {
				return
			}
			defer conn.Close()
			clientHandshake(conn, file.Hello{DeviceID: "student-1", Name: "student-1"}, time.Now().Add(time.Second))
		}()

		n.Server().StopServer()
		<-done
		assert.False(t, n.Server().IsActive())
	}

	// a restarted server still accepts students
	device := serve(t, n)
	student := dialRaw(t, device, "student-1")
	require.NotNil(t, student)
	require.Eventually(t, func() bool {
		return n.Connections().IsConnected("student-1")
	}, 5*time.Second, 10*time.Millisecond)
}
