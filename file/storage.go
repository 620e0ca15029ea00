package file

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/TFMV/classmesh/common"
	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// StorageManager keeps the catalog of media assets known to this device. Asset
// metadata lives as one JSON file per asset under <base>/assets.
type StorageManager struct {
	logger      *zap.Logger
	baseDir     string
	metadataDir string
	downloadDir string
	outputDir   string
	assetsMu    sync.RWMutex
	assets      map[string]*common.MediaAsset
}

// StorageConfig contains configuration for the storage manager
type StorageConfig struct {
	BaseDir     string
	DownloadDir string
	OutputDir   string
}

// NewStorageManager creates a new StorageManager
func NewStorageManager(logger *zap.Logger, config StorageConfig) (*StorageManager, error) {
	baseDir := config.BaseDir
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		baseDir = filepath.Join(homeDir, ".classmesh")
	}

	downloadDir := config.DownloadDir
	if downloadDir == "" {
		downloadDir = filepath.Join(baseDir, "downloads")
	}
	outputDir := config.OutputDir
	if outputDir == "" {
		outputDir = filepath.Join(baseDir, "compressed")
	}
	metadataDir := filepath.Join(baseDir, "assets")

	for _, dir := range []string{baseDir, metadataDir, downloadDir, outputDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	sm := &StorageManager{
		logger:      logger,
		baseDir:     baseDir,
		metadataDir: metadataDir,
		downloadDir: downloadDir,
		outputDir:   outputDir,
		assets:      make(map[string]*common.MediaAsset),
	}

	if err := sm.loadAssets(); err != nil {
		logger.Warn("Failed to load existing assets", zap.Error(err))
	}

	return sm, nil
}

// DownloadDir is where received files are written
func (sm *StorageManager) DownloadDir() string {
	return sm.downloadDir
}

// OutputDir is where transcoded files are written
func (sm *StorageManager) OutputDir() string {
	return sm.outputDir
}

func (sm *StorageManager) loadAssets() error {
	sm.assetsMu.Lock()
	defer sm.assetsMu.Unlock()

	entries, err := os.ReadDir(sm.metadataDir)
	if err != nil {
		return fmt.Errorf("failed to read metadata directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		path := filepath.Join(sm.metadataDir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			sm.logger.Warn("Failed to read asset file", zap.String("path", path), zap.Error(err))
			continue
		}

		var asset common.MediaAsset
		if err := json.Unmarshal(data, &asset); err != nil {
			sm.logger.Warn("Failed to parse asset file", zap.String("path", path), zap.Error(err))
			continue
		}

		sm.assets[asset.ID] = &asset
	}

	sm.logger.Info("Loaded assets from disk", zap.Int("asset_count", len(sm.assets)))
	return nil
}

// SaveAsset validates and persists an asset
func (sm *StorageManager) SaveAsset(asset *common.MediaAsset) error {
	if err := asset.Validate(); err != nil {
		return err
	}

	data, err := json.MarshalIndent(asset, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize asset: %w", err)
	}

	sm.assetsMu.Lock()
	defer sm.assetsMu.Unlock()

	path := filepath.Join(sm.metadataDir, asset.ID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write asset file: %w", err)
	}
	sm.assets[asset.ID] = asset

	sm.logger.Debug("Saved asset",
		zap.String("asset_id", asset.ID),
		zap.String("file_name", asset.Name),
		zap.String("path", path))

	return nil
}

// AddFile registers a file on disk as a source asset
func (sm *StorageManager) AddFile(path string) (*common.MediaAsset, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	asset, err := common.AssetFromFile(abs)
	if err != nil {
		return nil, err
	}
	if err := sm.SaveAsset(asset); err != nil {
		return nil, err
	}
	return asset, nil
}

// GetAsset returns an asset by id
func (sm *StorageManager) GetAsset(id string) (*common.MediaAsset, error) {
	sm.assetsMu.RLock()
	defer sm.assetsMu.RUnlock()

	asset, ok := sm.assets[id]
	if !ok {
		return nil, fmt.Errorf("asset with ID %s not found", id)
	}
	return asset, nil
}

// DeleteAsset removes an asset from the catalog. Files of derived assets are removed too,
// since this device produced them; source files are left alone.
func (sm *StorageManager) DeleteAsset(id string) error {
	sm.assetsMu.Lock()
	defer sm.assetsMu.Unlock()

	asset, ok := sm.assets[id]
	if !ok {
		return fmt.Errorf("asset with ID %s not found", id)
	}

	path := filepath.Join(sm.metadataDir, id+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete asset file: %w", err)
	}
	delete(sm.assets, id)

	if asset.Derived() && !asset.Estimated {
		if err := os.Remove(asset.Path); err != nil && !os.IsNotExist(err) {
			sm.logger.Warn("Failed to remove derived file",
				zap.String("asset_id", id),
				zap.String("path", asset.Path),
				zap.Error(err))
		}
	}

	sm.logger.Info("Deleted asset", zap.String("asset_id", id), zap.String("file_name", asset.Name))
	return nil
}

// ListAssets returns every asset, oldest first
func (sm *StorageManager) ListAssets() []*common.MediaAsset {
	sm.assetsMu.RLock()
	assets := make([]*common.MediaAsset, 0, len(sm.assets))
	for _, a := range sm.assets {
		assets = append(assets, a)
	}
	sm.assetsMu.RUnlock()

	sort.Slice(assets, func(i, j int) bool {
		if assets[i].CreatedAt.Equal(assets[j].CreatedAt) {
			return assets[i].ID < assets[j].ID
		}
		return assets[i].CreatedAt.Before(assets[j].CreatedAt)
	})
	return assets
}

// DerivedAssets returns the assets transcoded from sourceID
func (sm *StorageManager) DerivedAssets(sourceID string) []*common.MediaAsset {
	var derived []*common.MediaAsset
	for _, a := range sm.ListAssets() {
		if a.DerivedFrom == sourceID {
			derived = append(derived, a)
		}
	}
	return derived
}

// GetStorageStats returns statistics about storage usage
func (sm *StorageManager) GetStorageStats() (map[string]interface{}, error) {
	sm.assetsMu.RLock()
	var totalSize int64
	var derived int
	count := len(sm.assets)
	for _, a := range sm.assets {
		totalSize += a.Size
		if a.Derived() {
			derived++
		}
	}
	sm.assetsMu.RUnlock()

	var diskUsage int64
	err := filepath.Walk(sm.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			diskUsage += info.Size()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to calculate disk usage: %w", err)
	}

	return map[string]interface{}{
		"asset_count":   count,
		"derived_count": derived,
		"total_size":    totalSize,
		"disk_usage":    diskUsage,
		"base_dir":      sm.baseDir,
	}, nil
}
