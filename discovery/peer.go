package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/goccy/go-json"
	"github.com/schollz/peerdiscovery"
	"go.uber.org/zap"
)

const (
	// DefaultPort is the UDP port shared by scanners and advertisers
	DefaultPort = 9999
	// DefaultMulticastAddress is the IPv4 group announcements are sent to
	DefaultMulticastAddress = "239.255.255.250"
	// DefaultInterval is the delay between announcements
	DefaultInterval = time.Second
)

// Config holds the multicast parameters shared by PeerScanner and Advertiser
type Config struct {
	Port             int
	MulticastAddress string
	Interval         time.Duration
	// Role restricts scanning to peers announcing this role; empty accepts any role
	Role common.DeviceRole
}

// DefaultConfig returns the defaults used when no configuration is supplied
func DefaultConfig() Config {
	return Config{
		Port:             DefaultPort,
		MulticastAddress: DefaultMulticastAddress,
		Interval:         DefaultInterval,
	}
}

func (c Config) withDefaults() Config {
	if c.Port <= 0 {
		c.Port = DefaultPort
	}
	if c.MulticastAddress == "" {
		c.MulticastAddress = DefaultMulticastAddress
	}
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	return c
}

func (c Config) validate() error {
	ip := net.ParseIP(c.MulticastAddress)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("invalid multicast address %q", c.MulticastAddress)
	}
	if c.Port > 65535 {
		return fmt.Errorf("invalid discovery port %d", c.Port)
	}
	return nil
}

// Announcement is the payload every device multicasts
type Announcement struct {
	ID   string            `json:"id"`
	Name string            `json:"name"`
	Role common.DeviceRole `json:"role"`
	// Port is the TCP port a teacher accepts sessions on; zero for students
	Port int `json:"port,omitempty"`
}

// Encode serializes the announcement
func (a Announcement) Encode() ([]byte, error) {
	return json.Marshal(a)
}

// DecodeAnnouncement parses a payload heard from address and turns it into a Device
func DecodeAnnouncement(address string, payload []byte) (common.Device, error) {
	var a Announcement
	if err := json.Unmarshal(payload, &a); err != nil {
		return common.Device{}, fmt.Errorf("failed to decode announcement: %w", err)
	}
	if a.ID == "" {
		return common.Device{}, fmt.Errorf("announcement without id")
	}

	host := address
	if h, _, err := net.SplitHostPort(address); err == nil {
		host = h
	}
	addr := host
	if a.Port > 0 {
		addr = net.JoinHostPort(host, strconv.Itoa(a.Port))
	}

	return common.Device{
		ID:      a.ID,
		Name:    a.Name,
		Address: addr,
		Role:    a.Role,
	}, nil
}

func (c Config) settings(payload []byte, stop chan struct{}) peerdiscovery.Settings {
	return peerdiscovery.Settings{
		Limit:            -1,
		TimeLimit:        -1,
		Port:             strconv.Itoa(c.Port),
		MulticastAddress: c.MulticastAddress,
		Payload:          payload,
		Delay:            c.Interval,
		StopChan:         stop,
		IPVersion:        peerdiscovery.IPv4,
	}
}

// PeerScanner is a Scanner backed by UDP multicast. While scanning it also announces the
// local device so teachers can see who is listening.
type PeerScanner struct {
	logger *zap.Logger
	config Config
	self   Announcement
}

// NewPeerScanner creates a PeerScanner announcing self
func NewPeerScanner(logger *zap.Logger, config Config, self Announcement) *PeerScanner {
	return &PeerScanner{
		logger: logger,
		config: config.withDefaults(),
		self:   self,
	}
}

// Start implements Scanner
func (p *PeerScanner) Start(ctx context.Context, found func(common.Device)) (<-chan error, error) {
	if err := p.config.validate(); err != nil {
		return nil, err
	}
	payload, err := p.self.Encode()
	if err != nil {
		return nil, fmt.Errorf("failed to encode announcement: %w", err)
	}

	stop := make(chan struct{})
	settings := p.config.settings(payload, stop)
	settings.Notify = func(d peerdiscovery.Discovered) {
		device, err := DecodeAnnouncement(d.Address, d.Payload)
		if err != nil {
			p.logger.Debug("Ignoring announcement", zap.String("address", d.Address), zap.Error(err))
			return
		}
		if device.ID == p.self.ID {
			return
		}
		if p.config.Role != "" && device.Role != p.config.Role {
			return
		}
		// a teacher that is only scanning has no session port yet
		if device.Role == common.RoleTeacher {
			if _, _, err := net.SplitHostPort(device.Address); err != nil {
				return
			}
		}
		found(device)
	}

	done := make(chan error, 1)
	go func() {
		_, err := peerdiscovery.Discover(settings)
		done <- err
	}()
	go func() {
		<-ctx.Done()
		close(stop)
	}()

	p.logger.Debug("Scanning for peers",
		zap.Int("port", p.config.Port),
		zap.String("multicast_address", p.config.MulticastAddress))

	return done, nil
}

// Advertiser announces a teacher until stopped
type Advertiser struct {
	logger *zap.Logger
	config Config

	mu     sync.Mutex
	self   Announcement
	stop   chan struct{}
	done   chan error
	active bool
}

// NewAdvertiser creates an Advertiser for self
func NewAdvertiser(logger *zap.Logger, config Config, self Announcement) *Advertiser {
	return &Advertiser{
		logger: logger,
		config: config.withDefaults(),
		self:   self,
	}
}

// Start begins announcing. It is a no-op while already active.
func (a *Advertiser) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.active {
		return nil
	}
	if err := a.config.validate(); err != nil {
		return err
	}
	payload, err := a.self.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode announcement: %w", err)
	}

	stop := make(chan struct{})
	done := make(chan error, 1)
	settings := a.config.settings(payload, stop)

	go func() {
		_, err := peerdiscovery.Discover(settings)
		if err != nil {
			a.logger.Warn("Advertiser stopped with error", zap.Error(err))
		}
		done <- err
	}()

	a.stop = stop
	a.done = done
	a.active = true

	a.logger.Info("Advertising device",
		zap.String("device_id", a.self.ID),
		zap.String("device_name", a.self.Name),
		zap.Int("session_port", a.self.Port))

	return nil
}

// Stop ends the announcements and waits for the broadcaster to exit
func (a *Advertiser) Stop() {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	a.active = false
	stop, done := a.stop, a.done
	a.mu.Unlock()

	close(stop)
	<-done
	a.logger.Info("Stopped advertising", zap.String("device_id", a.self.ID))
}

// IsActive reports whether announcements are being sent
func (a *Advertiser) IsActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}
