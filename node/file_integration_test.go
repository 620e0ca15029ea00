package node

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/file"
	"github.com/TFMV/classmesh/transcode"
	"go.uber.org/zap"
)

func TestFileManager(t *testing.T) {
	// Create a logger
	logger, _ := zap.NewDevelopment()

	// Create a temporary directory for testing
	tempDir, err := os.MkdirTemp("", "file-manager-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	cfg := Config{
		NodeID:    "teacher-1",
		Storage:   file.StorageConfig{BaseDir: tempDir},
		ChunkSize: 1024,
		Transcode: transcode.Config{FallbackStep: time.Millisecond},
	}

	// Create a file manager without a transcoder so every job is estimated
	fm, err := NewFileManager(logger, cfg, nil, nil, nil)
	if err != nil {
		t.Fatalf("Failed to create file manager: %v", err)
	}

	// Start the file manager
	fm.Start()
	defer fm.Stop()

	sourcePath := filepath.Join(tempDir, "lesson.mp4")
	if err := os.WriteFile(sourcePath, make([]byte, 100_000), 0644); err != nil {
		t.Fatalf("Failed to write source file: %v", err)
	}

	var source *common.MediaAsset

	t.Run("AddAsset", func(t *testing.T) {
		source, err = fm.AddAsset(sourcePath)
		if err != nil {
			t.Fatalf("Failed to add asset: %v", err)
		}
		if _, err := fm.Storage().GetAsset(source.ID); err != nil {
			t.Errorf("Asset not in catalog: %v", err)
		}
		if _, err := fm.AddAsset(filepath.Join(tempDir, "missing.mp4")); err == nil {
			t.Error("Expected error adding a missing file")
		}
	})

	t.Run("Compress", func(t *testing.T) {
		job, err := fm.Compress(context.Background(), source.ID, common.CompressionSettings{
			Resolution: common.Resolution480p,
			Quality:    common.QualityMedium,
		})
		if err != nil {
			t.Fatalf("Failed to submit job: %v", err)
		}

		result, err := job.Wait(context.Background())
		if err != nil {
			t.Fatalf("Job failed: %v", err)
		}
		if !result.Estimated {
			t.Error("Expected an estimated result")
		}
		if result.Size != 40_000 {
			t.Errorf("Wrong estimated size: got %d, want 40000", result.Size)
		}

		derived := fm.Storage().DerivedAssets(source.ID)
		if len(derived) != 1 || derived[0].ID != result.ID {
			t.Fatalf("Transcoded asset not registered: %+v", derived)
		}

		if _, err := fm.Compress(context.Background(), "missing", common.DefaultCompressionSettings()); err == nil {
			t.Error("Expected error compressing a missing asset")
		}
	})

	t.Run("StorageStats", func(t *testing.T) {
		stats, err := fm.GetStorageStats()
		if err != nil {
			t.Fatalf("Failed to get storage stats: %v", err)
		}
		if stats["asset_count"].(int) != 2 {
			t.Errorf("Wrong asset count: got %v, want 2", stats["asset_count"])
		}
	})
}
