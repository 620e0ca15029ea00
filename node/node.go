package node

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/discovery"
	"github.com/TFMV/classmesh/file"
	"github.com/TFMV/classmesh/radio"
	"github.com/TFMV/classmesh/transcode"
	"go.uber.org/zap"
)

// Option overrides a Node component, mostly for tests
type Option func(*options)

type options struct {
	enabler    radio.Enabler
	scanner    discovery.Scanner
	dialer     Dialer
	transcoder transcode.Transcoder
	prober     transcode.Prober
	advertise  *bool
}

// WithEnabler replaces the network interface probe
func WithEnabler(e radio.Enabler) Option {
	return func(o *options) { o.enabler = e }
}

// WithScanner replaces the multicast scanner
func WithScanner(s discovery.Scanner) Option {
	return func(o *options) { o.scanner = s }
}

// WithDialer replaces the TCP dialer
func WithDialer(d Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithTranscoder replaces ffmpeg and ffprobe; nil values force the estimator
func WithTranscoder(t transcode.Transcoder, p transcode.Prober) Option {
	return func(o *options) {
		o.transcoder = t
		o.prober = p
	}
}

// WithAdvertising turns multicast announcements of the server on or off
func WithAdvertising(on bool) Option {
	return func(o *options) { o.advertise = &on }
}

// Node represents a ClassMesh device, teacher or student
type Node struct {
	logger    *zap.Logger
	config    Config
	radio     *radio.Controller
	discovery *discovery.Service
	conns     *ConnectionManager
	files     *FileManager
	router    *Router
	server    *ServerEndpoint

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNode creates a new Node instance
func NewNode(logger *zap.Logger, cfg Config, opts ...Option) (*Node, error) {
	o := options{
		transcoder: transcode.NewFFmpegTranscoder(logger, cfg.FFmpegPath),
		prober:     transcode.NewFFprobeProber(logger, cfg.FFprobePath),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if o.enabler == nil {
		o.enabler = radio.NewInterfaceEnabler(logger, cfg.Discovery.MulticastAddress)
	}
	rc := radio.NewController(logger, o.enabler, cfg.Permissions)

	self := discovery.Announcement{ID: cfg.NodeID, Name: cfg.NodeName, Role: cfg.Role}
	if o.scanner == nil {
		scanCfg := cfg.Discovery
		// students look for teachers; teachers see everyone
		if cfg.Role == common.RoleStudent {
			scanCfg.Role = common.RoleTeacher
		}
		o.scanner = discovery.NewPeerScanner(logger, scanCfg, self)
	}
	if o.dialer == nil {
		o.dialer = NewTCPDialer(cfg.Self(), cfg.DialTimeout)
	}

	conns := NewConnectionManager(logger, rc, o.dialer)
	files, err := NewFileManager(logger, cfg, conns, o.transcoder, o.prober)
	if err != nil {
		return nil, err
	}
	router := NewRouter(logger, files.Engine(), files.Receiver(), conns)
	conns.SetHandler(router)

	advertise := true
	if o.advertise != nil {
		advertise = *o.advertise
	}
	server := NewServerEndpoint(logger, rc, conns, files.Engine(), router, files.Storage(), ServerConfig{
		Self:             cfg.Self(),
		Port:             cfg.ServerPort,
		AutoSend:         cfg.AutoSend,
		HandshakeTimeout: cfg.DialTimeout,
		Advertise:        advertise,
		Discovery:        cfg.Discovery,
	})

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		logger:    logger,
		config:    cfg,
		radio:     rc,
		discovery: discovery.NewService(logger, rc, o.scanner, cfg.DiscoveryWindow),
		conns:     conns,
		files:     files,
		router:    router,
		server:    server,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start starts the node's background work
func (n *Node) Start() error {
	n.logger.Info("Starting ClassMesh node",
		zap.String("device_id", n.config.NodeID),
		zap.String("device_name", n.config.NodeName),
		zap.String("role", string(n.config.Role)))

	n.files.Start()

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.run()
	}()

	return nil
}

// run is the main loop of the node
func (n *Node) run() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.logger.Info("Node shutting down")
			return
		case <-ticker.C:
			n.logger.Debug("Node status",
				zap.Bool("radio_enabled", n.radio.IsEnabled()),
				zap.Bool("discovering", n.discovery.IsDiscovering()),
				zap.Bool("serving", n.server.IsActive()),
				zap.Int("connected_devices", len(n.conns.ConnectedDevices())),
				zap.Int("active_transfers", len(n.files.Engine().ActiveSessions())))
		}
	}
}

// Stop stops the node
func (n *Node) Stop() {
	n.logger.Info("Stopping node")

	n.discovery.StopDiscovery()
	n.server.StopServer()
	n.files.Stop()
	n.conns.Close()

	n.cancel()
	n.Wait()
}

// Wait waits for the node to exit
func (n *Node) Wait() {
	n.wg.Wait()
	n.logger.Info("Node stopped")
}

// Request asks a connected teacher to send assetID, or whatever it shares when empty
func (n *Node) Request(device common.Device, assetID string) error {
	link, err := n.conns.Link(device.ID)
	if err != nil {
		return err
	}
	frame, err := file.EncodeJSONFrame(file.FrameRequest, file.Request{AssetID: assetID})
	if err != nil {
		return err
	}
	if err := link.Send(frame); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	n.logger.Info("Requested content",
		zap.String("device_id", device.ID),
		zap.String("asset_id", assetID))
	return nil
}

// Config returns the node's configuration
func (n *Node) Config() Config {
	return n.config
}

// Radio returns the radio controller
func (n *Node) Radio() *radio.Controller {
	return n.radio
}

// Discovery returns the discovery service
func (n *Node) Discovery() *discovery.Service {
	return n.discovery
}

// Connections returns the connection manager
func (n *Node) Connections() *ConnectionManager {
	return n.conns
}

// Files returns the node's file manager
func (n *Node) Files() *FileManager {
	return n.files
}

// Server returns the teacher endpoint
func (n *Node) Server() *ServerEndpoint {
	return n.server
}
