package node

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/file"
	"github.com/TFMV/classmesh/metrics"
	"github.com/TFMV/classmesh/radio"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// FrameHandler consumes frames read from a peer's link
type FrameHandler interface {
	HandleFrame(device common.Device, f file.Frame)
	LinkClosed(device common.Device)
}

// ConnectionManager owns the set of connected peers and their links
type ConnectionManager struct {
	logger *zap.Logger
	radio  *radio.Controller
	dialer Dialer
	group  singleflight.Group

	mu      sync.RWMutex
	links   map[string]*peerLink
	handler FrameHandler
	wg      sync.WaitGroup

	subsMu  sync.RWMutex
	subs    map[int]func(common.Device, bool)
	nextSub int
}

// NewConnectionManager creates a ConnectionManager that dials through dialer
func NewConnectionManager(logger *zap.Logger, rc *radio.Controller, dialer Dialer) *ConnectionManager {
	return &ConnectionManager{
		logger: logger,
		radio:  rc,
		dialer: dialer,
		links:  make(map[string]*peerLink),
		subs:   make(map[int]func(common.Device, bool)),
	}
}

// SetHandler routes frames from every link to h. It must be set before links are opened.
func (m *ConnectionManager) SetHandler(h FrameHandler) {
	m.mu.Lock()
	m.handler = h
	m.mu.Unlock()
}

// OnConnectionChanged subscribes fn to connect and disconnect events
func (m *ConnectionManager) OnConnectionChanged(fn func(device common.Device, connected bool)) func() {
	m.subsMu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = fn
	m.subsMu.Unlock()

	return func() {
		m.subsMu.Lock()
		delete(m.subs, id)
		m.subsMu.Unlock()
	}
}

func (m *ConnectionManager) notify(device common.Device, connected bool) {
	m.subsMu.RLock()
	subs := make([]func(common.Device, bool), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.subsMu.RUnlock()

	for _, fn := range subs {
		fn(device, connected)
	}
}

// Connect opens a session with device. Connecting to a device that is already connected
// succeeds without opening a second link; concurrent calls for one device share a dial.
func (m *ConnectionManager) Connect(ctx context.Context, device common.Device) (bool, error) {
	if err := m.radio.Require(common.PermissionConnect); err != nil {
		return false, err
	}
	if err := m.radio.EnsureEnabled(ctx); err != nil {
		return false, err
	}
	if m.IsConnected(device.ID) {
		return true, nil
	}

	_, err, shared := m.group.Do(device.ID, func() (interface{}, error) {
		if m.IsConnected(device.ID) {
			return nil, nil
		}

		conn, peer, err := m.dialer.Dial(ctx, device)
		if err != nil {
			return nil, err
		}
		if peer.DeviceID != device.ID {
			m.logger.Warn("Peer identified with a different id",
				zap.String("device_id", device.ID),
				zap.String("peer_id", peer.DeviceID))
		}
		if device.Name == "" {
			device.Name = peer.Name
		}
		if device.Role == "" {
			device.Role = common.DeviceRole(peer.Role)
		}
		device.Paired = true
		m.Adopt(device, conn)
		return nil, nil
	})
	if err != nil {
		metrics.ConnectionAttempts.WithLabelValues("failed").Inc()
		m.logger.Warn("Failed to connect",
			zap.String("device_id", device.ID),
			zap.String("address", device.Address),
			zap.Error(err))
		return false, fmt.Errorf("%w: %w", common.ErrConnectionFailed, err)
	}
	if !shared {
		metrics.ConnectionAttempts.WithLabelValues("connected").Inc()
	}
	return true, nil
}

// Adopt registers conn as the link to device and starts reading from it. An existing link
// to the same device is replaced.
func (m *ConnectionManager) Adopt(device common.Device, conn net.Conn) {
	link := newPeerLink(device, conn)

	m.mu.Lock()
	old := m.links[device.ID]
	m.links[device.ID] = link
	handler := m.handler
	count := len(m.links)
	m.mu.Unlock()

	if old != nil {
		old.Close()
	}
	metrics.ConnectedPeers.Set(float64(count))

	m.logger.Info("Device connected",
		zap.String("device_id", device.ID),
		zap.String("device_name", device.Name),
		zap.String("address", conn.RemoteAddr().String()))
	m.notify(link.Device(), true)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := link.readLoop(func(d common.Device, f file.Frame) {
			if handler != nil {
				handler.HandleFrame(d, f)
			}
		})
		if err != nil {
			m.logger.Warn("Link read failed", zap.String("device_id", device.ID), zap.Error(err))
		}
		if m.drop(link) {
			m.closed(link, handler)
		}
	}()
}

// drop removes link if it is still the current link for its device
func (m *ConnectionManager) drop(link *peerLink) bool {
	m.mu.Lock()
	current := m.links[link.device.ID] == link
	if current {
		delete(m.links, link.device.ID)
	}
	count := len(m.links)
	m.mu.Unlock()

	link.Close()
	if current {
		metrics.ConnectedPeers.Set(float64(count))
	}
	return current
}

func (m *ConnectionManager) closed(link *peerLink, handler FrameHandler) {
	device := link.Device()
	device.Connected = false
	if handler != nil {
		handler.LinkClosed(device)
	}
	m.logger.Info("Device disconnected", zap.String("device_id", device.ID))
	m.notify(device, false)
}

// Disconnect closes the link to device. Disconnecting an unknown device is a no-op.
func (m *ConnectionManager) Disconnect(device common.Device) {
	m.mu.RLock()
	link, ok := m.links[device.ID]
	handler := m.handler
	m.mu.RUnlock()
	if !ok {
		return
	}
	if m.drop(link) {
		m.closed(link, handler)
	}
}

// IsConnected reports whether a link to id is open
func (m *ConnectionManager) IsConnected(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.links[id]
	return ok
}

// ConnectedDevices returns the connected devices ordered by id
func (m *ConnectionManager) ConnectedDevices() []common.Device {
	m.mu.RLock()
	devices := make([]common.Device, 0, len(m.links))
	for _, l := range m.links {
		devices = append(devices, l.Device())
	}
	m.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}

// Link returns the open link to deviceID
func (m *ConnectionManager) Link(deviceID string) (file.Link, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.links[deviceID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", common.ErrNotConnected, deviceID)
	}
	return l, nil
}

// Close disconnects every device and waits for their read loops
func (m *ConnectionManager) Close() {
	for _, d := range m.ConnectedDevices() {
		m.Disconnect(d)
	}
	m.wg.Wait()
}
