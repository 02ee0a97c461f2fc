package ws

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"rtspview/internal/source"
	"rtspview/internal/stream"
)

// PathPrefix is where the stream endpoint is mounted
const PathPrefix = "/ws/stream/"

// Store resolves stored stream URLs and tracks viewers. All calls are best effort.
type Store interface {
	SourceURL(id string) (string, error)
	ViewerJoined(id string) error
	ViewerLeft(id string) error
}

// Options configures the WebSocket transport
type Options struct {
	ReadBufferSize  int
	WriteBufferSize int
	ReadLimit       int64
	PingInterval    time.Duration
	PongWait        time.Duration
	WriteTimeout    time.Duration
}

// DefaultOptions returns the transport settings used in production
func DefaultOptions() Options {
	return Options{
		ReadBufferSize:  4096,
		WriteBufferSize: 256 * 1024, // 256KB for base64 encoded JPEG frames
		ReadLimit:       4096,
		PingInterval:    30 * time.Second,
		PongWait:        60 * time.Second,
		WriteTimeout:    10 * time.Second,
	}
}

// Handler handles WebSocket connections for live stream viewing
type Handler struct {
	registry *stream.Registry
	store    Store
	hub      *Hub
	opts     Options
	upgrader websocket.Upgrader
}

// NewHandler creates a new WebSocket handler. store may be nil, in which case
// clients must always send the source URL.
func NewHandler(registry *stream.Registry, store Store, hub *Hub, opts Options) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		hub:      hub,
		opts:     opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  opts.ReadBufferSize,
			WriteBufferSize: opts.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				// Viewers are served from other origins
				return true
			},
		},
	}
}

// ServeHTTP handles WebSocket upgrade requests
// Expected URL format: /ws/stream/{stream_id}
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	streamID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, PathPrefix), "/")
	if streamID == "" || strings.Contains(streamID, "/") {
		http.Error(w, "stream_id required", http.StatusBadRequest)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade error: %v", err)
		return
	}

	s := newSession(streamID, conn, h.opts.WriteTimeout)
	h.hub.Register(s)
	log.Printf("[WS] New connection %s for stream %s from %s", s.id, streamID, r.RemoteAddr)

	if err := s.send(stream.NewConnectionEstablishedMessage(streamID)); err != nil {
		log.Printf("[WS] Failed to greet client %s: %v", s.id, err)
		h.hub.Unregister(s)
		s.Close("write failed")
		return
	}

	go h.readPump(s)
}

// readPump reads client commands until the connection drops, then detaches
// the session from its stream
func (h *Handler) readPump(s *Session) {
	done := make(chan struct{})
	defer func() {
		close(done)
		h.detach(s)
		h.hub.Unregister(s)
		s.Close("")
	}()

	conn := s.conn
	conn.SetReadLimit(h.opts.ReadLimit)
	conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(h.opts.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := s.ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[WS] Read error for client %s: %v", s.id, err)
			}
			return
		}
		conn.SetReadDeadline(time.Now().Add(h.opts.PongWait))
		h.handleCommand(s, data)
	}
}

func (h *Handler) handleCommand(s *Session, data []byte) {
	cmd, err := decodeCommand(data)
	if err != nil {
		h.reply(s, errInvalidJSON)
		return
	}

	switch cmd.Type {
	case CommandStartStream:
		h.startStream(s, cmd)
	case CommandStopStream:
		h.stopStream(s)
	case CommandPause:
		h.setPaused(s, true)
	case CommandPlay:
		h.setPaused(s, false)
	case CommandSetSpeed:
		h.setSpeed(s, cmd)
	default:
		h.reply(s, fmt.Sprintf("Unknown message type: %s", cmd.Type))
	}
}

func (h *Handler) startStream(s *Session, cmd Command) {
	url := strings.TrimSpace(cmd.RTSPURL)
	if url == "" {
		resolved, err := h.lookup(s.streamID)
		if err != nil {
			log.Printf("[WS] No source for stream %s: %v", s.streamID, err)
			h.reply(s, errNoSourceURL)
			return
		}
		url = resolved
	}

	desc := source.Descriptor{ID: s.streamID, URL: url, Audio: cmd.Audio}
	p, err := h.registry.Attach(desc, s)
	if err != nil {
		log.Printf("[WS] Failed to attach client %s to stream %s: %v", s.id, s.streamID, err)
		h.reply(s, fmt.Sprintf("Failed to start stream: %v", err))
		return
	}
	s.proc = p

	if !s.joined {
		s.joined = true
		if h.store != nil {
			if err := h.store.ViewerJoined(s.streamID); err != nil {
				log.Printf("[WS] Failed to record viewer for stream %s: %v", s.streamID, err)
			}
		}
	}

	log.Printf("[WS] Client %s started stream %s with URL: %s", s.id, s.streamID, url)
}

func (h *Handler) stopStream(s *Session) {
	h.detach(s)
	if err := s.send(stream.NewStreamStoppedMessage(s.streamID, "Stream stopped")); err != nil {
		log.Printf("[WS] Failed to confirm stop to client %s: %v", s.id, err)
	}
}

func (h *Handler) setPaused(s *Session, paused bool) {
	p := h.active(s)
	if p == nil {
		return
	}
	if err := p.SetPaused(paused); err != nil {
		h.controlFailed(s, err)
	}
}

func (h *Handler) setSpeed(s *Session, cmd Command) {
	if cmd.Speed == nil {
		h.reply(s, errMissingSpeed)
		return
	}
	p := h.active(s)
	if p == nil {
		return
	}
	if err := p.SetPlaybackSpeed(*cmd.Speed); err != nil {
		h.controlFailed(s, err)
	}
}

func (h *Handler) active(s *Session) *stream.Processor {
	if s.proc == nil {
		h.reply(s, errNoStream)
	}
	return s.proc
}

func (h *Handler) controlFailed(s *Session, err error) {
	if errors.Is(err, stream.ErrRetired) {
		s.proc = nil
		h.reply(s, errNoStream)
		return
	}
	h.reply(s, err.Error())
}

// detach removes the session from its processor and settles viewer bookkeeping
func (h *Handler) detach(s *Session) {
	if s.proc != nil {
		s.proc.RemoveSubscriber(s)
		s.proc = nil
	}
	if s.joined {
		s.joined = false
		if h.store != nil {
			if err := h.store.ViewerLeft(s.streamID); err != nil {
				log.Printf("[WS] Failed to release viewer for stream %s: %v", s.streamID, err)
			}
		}
	}
}

func (h *Handler) lookup(streamID string) (string, error) {
	if h.store == nil {
		return "", errors.New("no stream store configured")
	}
	return h.store.SourceURL(streamID)
}

func (h *Handler) reply(s *Session, text string) {
	if err := s.sendError(text); err != nil {
		log.Printf("[WS] Failed to send error to client %s: %v", s.id, err)
	}
}
