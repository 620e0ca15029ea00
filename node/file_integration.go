package node

import (
	"context"
	"fmt"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/file"
	"github.com/TFMV/classmesh/transcode"
	"go.uber.org/zap"
)

// FileManager ties the asset catalog to the transfer engine, the receiver and the
// transcoding pipeline
type FileManager struct {
	logger   *zap.Logger
	storage  *file.StorageManager
	chunker  *file.Chunker
	engine   *file.TransferEngine
	receiver *file.Receiver
	pipeline *transcode.Pipeline

	// Context for cancellation
	ctx    context.Context
	cancel context.CancelFunc
}

// NewFileManager creates a FileManager. links resolves peers for uploads and cancel notices.
func NewFileManager(logger *zap.Logger, cfg Config, links file.LinkResolver, transcoder transcode.Transcoder, prober transcode.Prober) (*FileManager, error) {
	storage, err := file.NewStorageManager(logger, cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage manager: %w", err)
	}

	chunker := file.NewChunker(logger, cfg.ChunkSize)
	engine := file.NewTransferEngine(logger, chunker, links, file.TransferConfig{
		LocalID:        cfg.NodeID,
		MaxBytesPerSec: cfg.MaxBytesPerSec,
	})
	receiver := file.NewReceiver(logger, storage, links)

	tcfg := cfg.Transcode
	if tcfg.OutputDir == "" {
		tcfg.OutputDir = storage.OutputDir()
	}
	pipeline := transcode.NewPipeline(logger, transcoder, prober, tcfg)

	ctx, cancel := context.WithCancel(context.Background())
	fm := &FileManager{
		logger:   logger,
		storage:  storage,
		chunker:  chunker,
		engine:   engine,
		receiver: receiver,
		pipeline: pipeline,
		ctx:      ctx,
		cancel:   cancel,
	}
	pipeline.OnProgress(fm.handleJobEvent)

	return fm, nil
}

// Start starts background maintenance
func (fm *FileManager) Start() {
	fm.logger.Info("Starting file manager")
	go fm.cleanupFinished()
}

// Stop cancels running transfers and jobs
func (fm *FileManager) Stop() {
	fm.logger.Info("Stopping file manager")
	fm.cancel()
	fm.engine.Stop()
	fm.pipeline.Stop()
}

// cleanupFinished periodically forgets finished sessions and jobs
func (fm *FileManager) cleanupFinished() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-fm.ctx.Done():
			return
		case <-ticker.C:
			fm.engine.CleanupFinished()
			fm.pipeline.CleanupFinished()
		}
	}
}

// handleJobEvent registers finished transcodes in the catalog
func (fm *FileManager) handleJobEvent(ev transcode.JobEvent) {
	if ev.State != transcode.JobStateDone || ev.Result == nil {
		return
	}
	if err := fm.storage.SaveAsset(ev.Result); err != nil {
		fm.logger.Error("Failed to register transcoded asset",
			zap.String("job_id", ev.JobID),
			zap.Error(err))
	}
}

// Storage returns the asset catalog
func (fm *FileManager) Storage() *file.StorageManager {
	return fm.storage
}

// Engine returns the transfer engine
func (fm *FileManager) Engine() *file.TransferEngine {
	return fm.engine
}

// Receiver returns the receiver
func (fm *FileManager) Receiver() *file.Receiver {
	return fm.receiver
}

// Pipeline returns the transcoding pipeline
func (fm *FileManager) Pipeline() *transcode.Pipeline {
	return fm.pipeline
}

// AddAsset registers a local video in the catalog
func (fm *FileManager) AddAsset(path string) (*common.MediaAsset, error) {
	asset, err := fm.storage.AddFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to add asset: %w", err)
	}
	return asset, nil
}

// Compress submits a transcoding job for a catalog asset. The result joins the catalog when
// the job is done.
func (fm *FileManager) Compress(ctx context.Context, assetID string, settings common.CompressionSettings) (*transcode.Job, error) {
	asset, err := fm.storage.GetAsset(assetID)
	if err != nil {
		return nil, err
	}
	return fm.pipeline.Submit(ctx, asset, settings)
}

// GetStorageStats returns statistics about the catalog
func (fm *FileManager) GetStorageStats() (map[string]interface{}, error) {
	return fm.storage.GetStorageStats()
}
