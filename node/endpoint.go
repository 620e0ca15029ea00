package node

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/discovery"
	"github.com/TFMV/classmesh/file"
	"github.com/TFMV/classmesh/radio"
	"go.uber.org/zap"
)

// AssetLookup finds catalog assets by id
type AssetLookup interface {
	GetAsset(id string) (*common.MediaAsset, error)
}

// ServerConfig contains configuration for a ServerEndpoint
type ServerConfig struct {
	Self file.Hello
	// Port to listen on; zero picks a free port
	Port             int
	AutoSend         bool
	HandshakeTimeout time.Duration
	// Advertise announces the endpoint over multicast while it is active
	Advertise bool
	Discovery discovery.Config
}

// ServerEndpoint is the teacher side: it accepts students, answers their requests and pushes
// the shared asset to them.
type ServerEndpoint struct {
	logger *zap.Logger
	radio  *radio.Controller
	conns  *ConnectionManager
	engine *file.TransferEngine
	assets AssetLookup
	config ServerConfig

	mu         sync.RWMutex
	active     bool
	listener   net.Listener
	advertiser *discovery.Advertiser
	shared     *common.MediaAsset
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewServerEndpoint creates a ServerEndpoint and installs its request handler on router.
// assets may be nil, in which case only the shared asset is served.
func NewServerEndpoint(logger *zap.Logger, rc *radio.Controller, conns *ConnectionManager, engine *file.TransferEngine, router *Router, assets AssetLookup, config ServerConfig) *ServerEndpoint {
	if config.HandshakeTimeout <= 0 {
		config.HandshakeTimeout = DefaultDialTimeout
	}
	s := &ServerEndpoint{
		logger: logger,
		radio:  rc,
		conns:  conns,
		engine: engine,
		assets: assets,
		config: config,
	}
	if router != nil {
		router.OnRequest(s.handleRequest)
	}
	return s
}

// StartServer begins accepting students. It is a no-op while already active.
func (s *ServerEndpoint) StartServer(ctx context.Context) (bool, error) {
	if err := s.radio.Require(common.PermissionAdvertise); err != nil {
		return false, err
	}
	if err := s.radio.EnsureEnabled(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return true, nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", s.config.Port))
	if err != nil {
		return false, fmt.Errorf("failed to listen on port %d: %w", s.config.Port, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	var advertiser *discovery.Advertiser
	if s.config.Advertise {
		advertiser = discovery.NewAdvertiser(s.logger, s.config.Discovery, discovery.Announcement{
			ID:   s.config.Self.DeviceID,
			Name: s.config.Self.Name,
			Role: common.RoleTeacher,
			Port: port,
		})
		if err := advertiser.Start(); err != nil {
			ln.Close()
			return false, fmt.Errorf("failed to start advertising: %w", err)
		}
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.listener = ln
	s.advertiser = advertiser
	s.active = true

	s.wg.Add(1)
	go s.acceptLoop(s.ctx, ln)

	s.logger.Info("Server started",
		zap.String("device_id", s.config.Self.DeviceID),
		zap.Int("port", port),
		zap.Bool("advertising", advertiser != nil),
		zap.Bool("auto_send", s.config.AutoSend))

	return true, nil
}

// StopServer stops accepting students, cancels uploads and closes their links
func (s *ServerEndpoint) StopServer() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	ln, advertiser, cancel := s.listener, s.advertiser, s.cancel
	s.listener, s.advertiser = nil, nil
	s.mu.Unlock()

	cancel()
	ln.Close()
	if advertiser != nil {
		advertiser.Stop()
	}
	s.wg.Wait()

	for _, d := range s.conns.ConnectedDevices() {
		s.engine.CancelDevice(d.ID)
		s.conns.Disconnect(d)
	}

	s.logger.Info("Server stopped", zap.String("device_id", s.config.Self.DeviceID))
}

// IsActive reports whether the server is accepting students
func (s *ServerEndpoint) IsActive() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// Addr returns the listening address while active
func (s *ServerEndpoint) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Share sets the asset sent to students who ask for content
func (s *ServerEndpoint) Share(asset *common.MediaAsset) error {
	if err := s.radio.Require(common.PermissionMediaRead); err != nil {
		return err
	}
	if asset == nil {
		return errors.New("no asset to share")
	}
	if err := asset.Validate(); err != nil {
		return err
	}
	asset, err := s.source(asset)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.shared = asset
	s.mu.Unlock()

	s.logger.Info("Sharing asset",
		zap.String("asset_id", asset.ID),
		zap.String("file_name", asset.Name),
		zap.Int64("file_size", asset.Size))
	return nil
}

// Shared returns the asset being shared, or nil
func (s *ServerEndpoint) Shared() *common.MediaAsset {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shared
}

func (s *ServerEndpoint) acceptLoop(ctx context.Context, ln net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn("Accept failed", zap.Error(err))
			time.Sleep(100 * time.Millisecond)
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.accept(ctx, conn)
		}()
	}
}

func (s *ServerEndpoint) accept(ctx context.Context, conn net.Conn) {
	peer, err := serverHandshake(conn, s.config.Self, time.Now().Add(s.config.HandshakeTimeout))
	if err != nil {
		s.logger.Warn("Handshake failed",
			zap.String("address", conn.RemoteAddr().String()),
			zap.Error(err))
		conn.Close()
		return
	}

	device := common.Device{
		ID:      peer.DeviceID,
		Name:    peer.Name,
		Address: conn.RemoteAddr().String(),
		Role:    common.DeviceRole(peer.Role),
		Paired:  true,
	}
	s.conns.Adopt(device, conn)

	if !s.config.AutoSend {
		return
	}
	asset := s.Shared()
	if asset == nil {
		return
	}
	if _, err := s.engine.SendFile(ctx, asset, device); err != nil {
		s.logger.Warn("Failed to push shared asset",
			zap.String("device_id", device.ID),
			zap.Error(err))
	}
}

// handleRequest sends the requested asset, or the shared one, to device
func (s *ServerEndpoint) handleRequest(device common.Device, req file.Request) error {
	if !s.IsActive() {
		return errors.New("server is not active")
	}

	asset := s.Shared()
	if req.AssetID != "" && (asset == nil || asset.ID != req.AssetID) {
		if s.assets == nil {
			return fmt.Errorf("asset %s is not shared", req.AssetID)
		}
		var err error
		if asset, err = s.assets.GetAsset(req.AssetID); err != nil {
			return err
		}
	}
	if asset == nil {
		return errors.New("nothing is shared")
	}
	asset, err := s.source(asset)
	if err != nil {
		return err
	}

	s.logger.Info("Student requested content",
		zap.String("device_id", device.ID),
		zap.String("asset_id", asset.ID))

	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()
	_, err = s.engine.SendFile(ctx, asset, device)
	return err
}

// source returns the asset whose file is actually sent. A size estimate has no file of its
// own, so its source video goes out under the source's name.
func (s *ServerEndpoint) source(asset *common.MediaAsset) (*common.MediaAsset, error) {
	if !asset.Estimated {
		return asset, nil
	}
	if asset.DerivedFrom == "" || s.assets == nil {
		return nil, fmt.Errorf("asset %s is a size estimate with no source file", asset.ID)
	}
	src, err := s.assets.GetAsset(asset.DerivedFrom)
	if err != nil {
		return nil, fmt.Errorf("failed to find source of estimated asset %s: %w", asset.ID, err)
	}
	s.logger.Info("Estimated asset has no file of its own, sending its source",
		zap.String("asset_id", asset.ID),
		zap.String("source_id", src.ID))
	return src, nil
}
