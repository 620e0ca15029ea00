package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/metrics"
	"github.com/TFMV/classmesh/radio"
	"go.uber.org/zap"
)

const (
	// DefaultWindow bounds a discovery window when no explicit stop arrives
	DefaultWindow = 10 * time.Second
	// eventBuffer is the number of found events queued ahead of the dispatcher
	eventBuffer = 64
)

// Scanner listens for advertising peers
type Scanner interface {
	// Start begins scanning and calls found for every announcement heard until ctx is done.
	// A non-nil error means scanning never started. The returned channel yields once when
	// the scan ends.
	Start(ctx context.Context, found func(common.Device)) (<-chan error, error)
}

type foundEvent struct {
	window uint64
	device common.Device
}

// Service finds nearby devices. Each StartDiscovery opens a window in which a device is
// reported at most once; nothing is reported once the window has stopped.
type Service struct {
	logger  *zap.Logger
	radio   *radio.Controller
	scanner Scanner
	window  time.Duration

	mu         sync.Mutex
	active     bool
	generation uint64
	cancel     context.CancelFunc
	scanDone   chan struct{}
	seen       map[string]common.Device
	order      []string

	// held while callbacks run so StopDiscovery can wait out an in-flight delivery
	dispatchMu sync.Mutex

	subsMu  sync.RWMutex
	subs    map[int]func(common.Device)
	nextSub int
}

// NewService creates a discovery Service. A window of zero uses DefaultWindow; a negative
// window never expires on its own.
func NewService(logger *zap.Logger, rc *radio.Controller, scanner Scanner, window time.Duration) *Service {
	if window == 0 {
		window = DefaultWindow
	}
	return &Service{
		logger:  logger,
		radio:   rc,
		scanner: scanner,
		window:  window,
		seen:    make(map[string]common.Device),
		subs:    make(map[int]func(common.Device)),
	}
}

// OnDeviceFound subscribes fn to found events and returns a function that removes it.
// Callbacks run on a dispatcher goroutine and must not call StartDiscovery or StopDiscovery
// synchronously.
func (s *Service) OnDeviceFound(fn func(common.Device)) func() {
	s.subsMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// StartDiscovery opens a new discovery window. It enables the radio on demand. Calling it
// while a window is open keeps that window and returns true.
func (s *Service) StartDiscovery(ctx context.Context) (bool, error) {
	if err := s.radio.Require(common.PermissionScan); err != nil {
		return false, err
	}
	if err := s.radio.EnsureEnabled(ctx); err != nil {
		return false, err
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return true, nil
	}

	s.generation++
	gen := s.generation
	s.seen = make(map[string]common.Device)
	s.order = nil

	scanCtx, cancel := context.WithCancel(context.Background())
	scanDone := make(chan struct{})
	s.active = true
	s.cancel = cancel
	s.scanDone = scanDone
	s.mu.Unlock()

	events := make(chan foundEvent, eventBuffer)
	found := func(d common.Device) {
		s.record(scanCtx, gen, d, events)
	}

	done, err := s.scanner.Start(scanCtx, found)
	if err != nil {
		s.mu.Lock()
		if s.generation == gen {
			s.active = false
			s.cancel = nil
		}
		s.mu.Unlock()
		cancel()
		close(scanDone)
		s.logger.Error("Failed to start discovery", zap.Error(err))
		return false, fmt.Errorf("%w: %w", common.ErrDiscoveryFailed, err)
	}

	go s.dispatch(scanCtx, events)
	go s.watch(scanCtx, gen, done, scanDone)

	s.logger.Info("Discovery started",
		zap.Uint64("window", gen),
		zap.Duration("duration", s.window))

	return true, nil
}

// StopDiscovery closes the current window. It is a no-op when no window is open.
func (s *Service) StopDiscovery() {
	s.stopWindow(0)
}

// stopWindow closes the window gen, or whichever window is open when gen is zero.
func (s *Service) stopWindow(gen uint64) {
	s.mu.Lock()
	if !s.active || (gen != 0 && gen != s.generation) {
		s.mu.Unlock()
		return
	}
	s.active = false
	cancel := s.cancel
	scanDone := s.scanDone
	s.cancel = nil
	found := len(s.order)
	current := s.generation
	s.mu.Unlock()

	cancel()

	// wait for any callback already running to finish
	s.dispatchMu.Lock()
	s.dispatchMu.Unlock()

	if gen == 0 && scanDone != nil {
		<-scanDone
	}

	s.logger.Info("Discovery stopped",
		zap.Uint64("window", current),
		zap.Int("devices_found", found))
}

// IsDiscovering reports whether a window is open
func (s *Service) IsDiscovering() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// DiscoveredDevices returns the devices seen in the current or most recent window, in
// discovery order.
func (s *Service) DiscoveredDevices() []common.Device {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := make([]common.Device, 0, len(s.order))
	for _, id := range s.order {
		devices = append(devices, s.seen[id])
	}
	return devices
}

// Device looks up a device seen in the current or most recent window
func (s *Service) Device(id string) (common.Device, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.seen[id]
	return d, ok
}

func (s *Service) record(ctx context.Context, gen uint64, d common.Device, events chan<- foundEvent) {
	if d.ID == "" {
		return
	}

	s.mu.Lock()
	if !s.active || gen != s.generation {
		s.mu.Unlock()
		return
	}
	if _, dup := s.seen[d.ID]; dup {
		s.mu.Unlock()
		return
	}
	s.seen[d.ID] = d
	s.order = append(s.order, d.ID)
	s.mu.Unlock()

	metrics.DiscoveredDevices.Inc()
	s.logger.Debug("Device found",
		zap.String("device_id", d.ID),
		zap.String("device_name", d.Name),
		zap.String("address", d.Address))

	select {
	case events <- foundEvent{window: gen, device: d}:
	case <-ctx.Done():
	}
}

func (s *Service) dispatch(ctx context.Context, events <-chan foundEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.deliver(ev)
		}
	}
}

func (s *Service) deliver(ev foundEvent) {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()

	s.mu.Lock()
	live := s.active && ev.window == s.generation
	s.mu.Unlock()
	if !live {
		return
	}

	s.subsMu.RLock()
	subs := make([]func(common.Device), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.subsMu.RUnlock()

	for _, fn := range subs {
		fn(ev.device)
	}
}

// watch ends the window when the scanner finishes or the window duration elapses.
func (s *Service) watch(ctx context.Context, gen uint64, done <-chan error, scanDone chan<- struct{}) {
	defer close(scanDone)

	var expire <-chan time.Time
	if s.window > 0 {
		timer := time.NewTimer(s.window)
		defer timer.Stop()
		expire = timer.C
	}

	select {
	case err := <-done:
		if err != nil {
			s.logger.Warn("Discovery scan ended with error", zap.Error(err))
		}
		go s.stopWindow(gen)
		return
	case <-expire:
		s.logger.Debug("Discovery window elapsed", zap.Uint64("window", gen))
		go s.stopWindow(gen)
	case <-ctx.Done():
	}

	// let the scanner unwind before signalling completion
	<-done
}
