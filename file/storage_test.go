package file

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/TFMV/classmesh/common"
	"go.uber.org/zap"
)

func TestStorageManager(t *testing.T) {
	// Create a logger
	logger, _ := zap.NewDevelopment()

	// Create a temporary directory for testing
	tempDir, err := os.MkdirTemp("", "storage-test")
	if err != nil {
		t.Fatalf("Failed to create temp dir: %v", err)
	}
	defer os.RemoveAll(tempDir)

	config := StorageConfig{
		BaseDir: tempDir,
	}
	sm, err := NewStorageManager(logger, config)
	if err != nil {
		t.Fatalf("Failed to create storage manager: %v", err)
	}

	sourcePath := filepath.Join(tempDir, "lesson_720p.mp4")
	if err := os.WriteFile(sourcePath, make([]byte, 4096), 0644); err != nil {
		t.Fatalf("Failed to write source file: %v", err)
	}

	var source *common.MediaAsset

	t.Run("AddFile", func(t *testing.T) {
		source, err = sm.AddFile(sourcePath)
		if err != nil {
			t.Fatalf("Failed to add file: %v", err)
		}
		if source.Size != 4096 {
			t.Errorf("Wrong size: got %d, want 4096", source.Size)
		}
		if source.Resolution != "1280x720" {
			t.Errorf("Wrong resolution: got %s, want 1280x720", source.Resolution)
		}

		retrieved, err := sm.GetAsset(source.ID)
		if err != nil {
			t.Fatalf("Failed to get asset: %v", err)
		}
		if retrieved.Path != sourcePath {
			t.Errorf("Wrong path: got %s, want %s", retrieved.Path, sourcePath)
		}
	})

	t.Run("DerivedAssets", func(t *testing.T) {
		derivedPath := filepath.Join(sm.OutputDir(), "compressed_lesson_720p.mp4")
		if err := os.WriteFile(derivedPath, make([]byte, 1024), 0644); err != nil {
			t.Fatalf("Failed to write derived file: %v", err)
		}
		derived := &common.MediaAsset{
			ID:          "derived-1",
			Name:        "compressed_lesson_720p.mp4",
			Path:        derivedPath,
			Size:        1024,
			Resolution:  "854x480",
			DerivedFrom: source.ID,
			CreatedAt:   time.Now(),
		}
		if err := sm.SaveAsset(derived); err != nil {
			t.Fatalf("Failed to save derived asset: %v", err)
		}

		list := sm.DerivedAssets(source.ID)
		if len(list) != 1 || list[0].ID != "derived-1" {
			t.Fatalf("Wrong derived assets: %+v", list)
		}

		stats, err := sm.GetStorageStats()
		if err != nil {
			t.Fatalf("Failed to get storage stats: %v", err)
		}
		if stats["asset_count"].(int) != 2 {
			t.Errorf("Wrong asset count: got %v, want 2", stats["asset_count"])
		}
		if stats["derived_count"].(int) != 1 {
			t.Errorf("Wrong derived count: got %v, want 1", stats["derived_count"])
		}

		if err := sm.DeleteAsset("derived-1"); err != nil {
			t.Fatalf("Failed to delete derived asset: %v", err)
		}
		if _, err := os.Stat(derivedPath); !os.IsNotExist(err) {
			t.Error("Derived file still exists after delete")
		}
	})

	t.Run("Persistence", func(t *testing.T) {
		reloaded, err := NewStorageManager(logger, config)
		if err != nil {
			t.Fatalf("Failed to reload storage manager: %v", err)
		}
		assets := reloaded.ListAssets()
		if len(assets) != 1 {
			t.Fatalf("Wrong number of assets after reload: got %d, want 1", len(assets))
		}
		if assets[0].ID != source.ID {
			t.Errorf("Wrong asset after reload: got %s, want %s", assets[0].ID, source.ID)
		}
	})

	t.Run("DeleteSourceKeepsFile", func(t *testing.T) {
		if err := sm.DeleteAsset(source.ID); err != nil {
			t.Fatalf("Failed to delete asset: %v", err)
		}
		if _, err := os.Stat(sourcePath); err != nil {
			t.Error("Source file was removed with its asset")
		}
		if _, err := sm.GetAsset(source.ID); err == nil {
			t.Error("Asset still exists after deletion")
		}
		if err := sm.DeleteAsset(source.ID); err == nil {
			t.Error("Expected error deleting a missing asset")
		}
	})

	t.Run("RejectsInvalidAsset", func(t *testing.T) {
		if err := sm.SaveAsset(&common.MediaAsset{ID: "x"}); err == nil {
			t.Error("Expected invalid asset to be rejected")
		}
	})
}
