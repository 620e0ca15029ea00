package node

import (
	"sync"

	"github.com/TFMV/classmesh/common"
	"github.com/TFMV/classmesh/file"
	"go.uber.org/zap"
)

// RequestHandler answers a peer's request for content
type RequestHandler func(device common.Device, req file.Request) error

// Router dispatches frames read from links to the transfer engine, the receiver and the
// request handler.
type Router struct {
	logger   *zap.Logger
	engine   *file.TransferEngine
	receiver *file.Receiver
	links    file.LinkResolver

	mu        sync.RWMutex
	onRequest RequestHandler
}

// NewRouter creates a Router. Replies are sent back through links.
func NewRouter(logger *zap.Logger, engine *file.TransferEngine, receiver *file.Receiver, links file.LinkResolver) *Router {
	return &Router{
		logger:   logger,
		engine:   engine,
		receiver: receiver,
		links:    links,
	}
}

// OnRequest sets the handler for request frames
func (r *Router) OnRequest(fn RequestHandler) {
	r.mu.Lock()
	r.onRequest = fn
	r.mu.Unlock()
}

// HandleFrame implements FrameHandler
func (r *Router) HandleFrame(device common.Device, f file.Frame) {
	switch f.Type {
	case file.FrameFileMeta, file.FrameChunk, file.FrameFileEnd:
		if err := r.receiver.HandleFrame(device, f); err != nil {
			r.reject(device, f, err)
		}

	case file.FrameCancel:
		var c file.Cancel
		if err := f.Decode(&c); err != nil {
			r.reject(device, f, err)
			return
		}
		if s, ok := r.engine.Session(c.SessionID); ok {
			if !s.State().IsTerminal() {
				r.engine.Cancel(c.SessionID)
			}
			return
		}
		r.receiver.HandleFrame(device, f)

	case file.FrameRequest:
		var req file.Request
		if err := f.Decode(&req); err != nil {
			r.reject(device, f, err)
			return
		}
		r.mu.RLock()
		handler := r.onRequest
		r.mu.RUnlock()
		if handler == nil {
			r.logger.Debug("Ignoring request, nothing is shared", zap.String("device_id", device.ID))
			return
		}
		if err := handler(device, req); err != nil {
			r.reject(device, f, err)
		}

	case file.FrameError:
		var msg file.ErrorMessage
		if err := f.Decode(&msg); err != nil {
			r.logger.Warn("Undecodable error frame", zap.String("device_id", device.ID), zap.Error(err))
			return
		}
		r.logger.Warn("Peer reported an error",
			zap.String("device_id", device.ID),
			zap.String("session_id", msg.SessionID),
			zap.String("message", msg.Message))
		// the peer has given up on this upload; stop streaming to it
		if s, ok := r.engine.Session(msg.SessionID); ok && !s.State().IsTerminal() {
			r.engine.Cancel(msg.SessionID)
		}

	default:
		r.logger.Debug("Ignoring frame",
			zap.String("device_id", device.ID),
			zap.String("frame_type", f.Type.String()))
	}
}

// reject logs err and reports it to the peer
func (r *Router) reject(device common.Device, f file.Frame, err error) {
	r.logger.Warn("Failed to handle frame",
		zap.String("device_id", device.ID),
		zap.String("frame_type", f.Type.String()),
		zap.Error(err))

	link, lerr := r.links.Link(device.ID)
	if lerr != nil {
		return
	}
	msg := file.ErrorMessage{Message: err.Error()}
	if f.Type == file.FrameChunk {
		if c, cerr := file.DecodeChunk(f.Payload); cerr == nil {
			msg.SessionID = c.SessionID.String()
		}
	}
	frame, ferr := file.EncodeJSONFrame(file.FrameError, msg)
	if ferr != nil {
		return
	}
	if serr := link.Send(frame); serr != nil {
		r.logger.Debug("Failed to send error frame", zap.String("device_id", device.ID), zap.Error(serr))
	}
}

// LinkClosed implements FrameHandler. Downloads from the peer fail at once; uploads fail on
// their next write.
func (r *Router) LinkClosed(device common.Device) {
	r.receiver.AbortDevice(device.ID)
}
