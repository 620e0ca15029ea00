package server

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/file"
	"github.com/TFMV/classmesh/node"
	"github.com/TFMV/classmesh/radio"
	"github.com/TFMV/classmesh/transcode"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestNode(t *testing.T) *node.Node {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	n, err := node.NewNode(logger, node.Config{
		NodeID:      "teacher-1",
		NodeName:    "Teacher-1",
		Role:        common.RoleTeacher,
		Storage:     file.StorageConfig{BaseDir: t.TempDir()},
		ChunkSize:   1024,
		Transcode:   transcode.Config{FallbackStep: time.Millisecond},
		Permissions: common.AllPermissions(),
	},
		node.WithEnabler(radio.EnablerFunc(func(context.Context) error { return nil })),
		node.WithAdvertising(false),
		node.WithTranscoder(nil, nil),
	)
	require.NoError(t, err)
	t.Cleanup(n.Stop)
	return n
}

func get(t *testing.T, n *node.Node, path string) (int, []byte) {
	t.Helper()
	logger, _ := zap.NewDevelopment()
	app := NewApp(logger, n)

	resp, err := app.Test(httptest.NewRequest("GET", path, nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestStatusAPI(t *testing.T) {
	n := newTestNode(t)

	sourcePath := filepath.Join(t.TempDir(), "lesson.mp4")
	require.NoError(t, os.WriteFile(sourcePath, make([]byte, 10_000), 0644))
	asset, err := n.Files().AddAsset(sourcePath)
	require.NoError(t, err)

	job, err := n.Files().Compress(context.Background(), asset.ID, common.DefaultCompressionSettings())
	require.NoError(t, err)
	_, err = job.Wait(context.Background())
	require.NoError(t, err)

	t.Run("Status", func(t *testing.T) {
		code, body := get(t, n, "/status")
		assert.Equal(t, 200, code)

		var status map[string]interface{}
		require.NoError(t, json.Unmarshal(body, &status))
		assert.Equal(t, "running", status["status"])
		assert.Equal(t, "teacher-1", status["device_id"])
		assert.Equal(t, "teacher", status["role"])
		assert.Equal(t, false, status["serving"])
	})

	t.Run("Assets", func(t *testing.T) {
		code, body := get(t, n, "/assets")
		assert.Equal(t, 200, code)

		var resp struct {
			Assets []common.MediaAsset `json:"assets"`
		}
		require.NoError(t, json.Unmarshal(body, &resp))
		assert.Len(t, resp.Assets, 2)
	})

	t.Run("Jobs", func(t *testing.T) {
		code, body := get(t, n, "/jobs")
		assert.Equal(t, 200, code)
		assert.Contains(t, string(body), `"state":"done"`)
		assert.Contains(t, string(body), `"path":"fallback"`)

		code, _ = get(t, n, "/jobs/"+job.ID)
		assert.Equal(t, 200, code)

		code, _ = get(t, n, "/jobs/missing")
		assert.Equal(t, 404, code)
	})

	t.Run("Devices", func(t *testing.T) {
		code, body := get(t, n, "/devices")
		assert.Equal(t, 200, code)
		assert.Contains(t, string(body), `"connected":[]`)
	})

	t.Run("Transfers", func(t *testing.T) {
		code, _ := get(t, n, "/transfers")
		assert.Equal(t, 200, code)
	})

	t.Run("Metrics", func(t *testing.T) {
		code, body := get(t, n, "/metrics")
		assert.Equal(t, 200, code)
		assert.True(t, strings.Contains(string(body), "classmesh_"))
	})
}
