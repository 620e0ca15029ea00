package node

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/file"
)

// DefaultWriteTimeout bounds a single frame write
const DefaultWriteTimeout = 30 * time.Second

// peerLink is an established session with one peer over a stream connection
type peerLink struct {
	device common.Device
	conn   net.Conn

	writeMu sync.Mutex
	closed  chan struct{}
	once    sync.Once
}

func newPeerLink(device common.Device, conn net.Conn) *peerLink {
	device.Connected = true
	return &peerLink{
		device: device,
		conn:   conn,
		closed: make(chan struct{}),
	}
}

// Device returns the peer at the other end
func (l *peerLink) Device() common.Device {
	return l.device
}

// Send writes one encoded frame. Frames from concurrent senders never interleave.
func (l *peerLink) Send(frame []byte) error {
	select {
	case <-l.closed:
		return common.ErrNotConnected
	default:
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if err := l.conn.SetWriteDeadline(time.Now().Add(DefaultWriteTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if _, err := l.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to write to %s: %w", l.device.ID, err)
	}
	return nil
}

// Close shuts the connection; the read loop exits with it
func (l *peerLink) Close() error {
	var err error
	l.once.Do(func() {
		close(l.closed)
		err = l.conn.Close()
	})
	return err
}

// readLoop hands every frame to handle in arrival order until the connection ends
func (l *peerLink) readLoop(handle func(common.Device, file.Frame)) error {
	r := bufio.NewReaderSize(l.conn, 64*1024)
	for {
		f, err := file.ReadFrame(r)
		if err != nil {
			select {
			case <-l.closed:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		handle(l.device, f)
	}
}

// Dialer opens a session with a discovered device
type Dialer interface {
	Dial(ctx context.Context, device common.Device) (net.Conn, file.Hello, error)
}

// TCPDialer dials a device's address and performs the hello exchange
type TCPDialer struct {
	self    file.Hello
	timeout time.Duration
}

// NewTCPDialer creates a TCPDialer that introduces itself as self
func NewTCPDialer(self file.Hello, timeout time.Duration) *TCPDialer {
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	return &TCPDialer{self: self, timeout: timeout}
}

// Dial connects to device.Address and returns the connection with the peer's hello
func (d *TCPDialer) Dial(ctx context.Context, device common.Device) (net.Conn, file.Hello, error) {
	if device.Address == "" {
		return nil, file.Hello{}, fmt.Errorf("device %s has no address", device.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", device.Address)
	if err != nil {
		return nil, file.Hello{}, fmt.Errorf("failed to dial %s: %w", device.Address, err)
	}

	deadline, _ := ctx.Deadline()
	peer, err := clientHandshake(conn, d.self, deadline)
	if err != nil {
		conn.Close()
		return nil, file.Hello{}, err
	}
	return conn, peer, nil
}

// clientHandshake sends our hello and waits for the peer's acknowledgement
func clientHandshake(conn net.Conn, self file.Hello, deadline time.Time) (file.Hello, error) {
	if err := conn.SetDeadline(deadline); err != nil {
		return file.Hello{}, fmt.Errorf("failed to set handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	frame, err := file.EncodeJSONFrame(file.FrameHello, self)
	if err != nil {
		return file.Hello{}, err
	}
	if _, err := conn.Write(frame); err != nil {
		return file.Hello{}, fmt.Errorf("failed to send hello: %w", err)
	}

	f, err := file.ReadFrame(conn)
	if err != nil {
		return file.Hello{}, fmt.Errorf("failed to read hello ack: %w", err)
	}
	if f.Type != file.FrameHelloAck {
		return file.Hello{}, fmt.Errorf("expected %s frame, got %s", file.FrameHelloAck, f.Type)
	}
	var peer file.Hello
	if err := f.Decode(&peer); err != nil {
		return file.Hello{}, fmt.Errorf("invalid hello ack: %w", err)
	}
	if peer.DeviceID == "" {
		return file.Hello{}, errors.New("peer sent an empty device id")
	}
	return peer, nil
}

// serverHandshake reads a client's hello and answers with ours
func serverHandshake(conn net.Conn, self file.Hello, deadline time.Time) (file.Hello, error) {
	if err := conn.SetDeadline(deadline); err != nil {
		return file.Hello{}, fmt.Errorf("failed to set handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	f, err := file.ReadFrame(conn)
	if err != nil {
		return file.Hello{}, fmt.Errorf("failed to read hello: %w", err)
	}
	if f.Type != file.FrameHello {
		return file.Hello{}, fmt.Errorf("expected %s frame, got %s", file.FrameHello, f.Type)
	}
	var peer file.Hello
	if err := f.Decode(&peer); err != nil {
		return file.Hello{}, fmt.Errorf("invalid hello: %w", err)
	}
	if peer.DeviceID == "" {
		return file.Hello{}, errors.New("peer sent an empty device id")
	}

	frame, err := file.EncodeJSONFrame(file.FrameHelloAck, self)
	if err != nil {
		return file.Hello{}, err
	}
	if _, err := conn.Write(frame); err != nil {
		return file.Hello{}, fmt.Errorf("failed to send hello ack: %w", err)
	}
	return peer, nil
}
