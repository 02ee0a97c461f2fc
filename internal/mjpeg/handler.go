// Package mjpeg serves running streams to plain HTTP clients, either as a
// multipart MJPEG feed or as single JPEG snapshots.
package mjpeg

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"rtspview/internal/source"
	"rtspview/internal/stream"
)

// Store resolves stored stream URLs and tracks viewers. All calls are best effort.
type Store interface {
	SourceURL(id string) (string, error)
	ViewerJoined(id string) error
	ViewerLeft(id string) error
}

// Handler attaches HTTP viewers to the shared stream processors
type Handler struct {
	registry     *stream.Registry
	store        Store
	writeTimeout time.Duration
}

// NewHandler creates an MJPEG handler. store may be nil, in which case the
// source URL must be passed in the url query parameter.
func NewHandler(registry *stream.Registry, store Store, writeTimeout time.Duration) *Handler {
	return &Handler{registry: registry, store: store, writeTimeout: writeTimeout}
}

// ServeStream subscribes the request to the stream and writes frames until
// the client goes away or the stream stops
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request, streamID string) {
	url := strings.TrimSpace(r.URL.Query().Get("url"))
	if url == "" {
		resolved, err := h.lookup(streamID)
		if err != nil {
			log.Printf("[MJPEGStream] No source for stream %s: %v", streamID, err)
			http.Error(w, "No RTSP URL provided and stream not found in database", http.StatusNotFound)
			return
		}
		url = resolved
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary="+Boundary)
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	v := newViewer(streamID, w, h.writeTimeout)
	p, err := h.registry.Attach(source.Descriptor{ID: streamID, URL: url}, v)
	if err != nil {
		log.Printf("[MJPEGStream] Failed to attach viewer to stream %s: %v", streamID, err)
		http.Error(w, fmt.Sprintf("Failed to start stream: %v", err), http.StatusServiceUnavailable)
		return
	}

	if h.store != nil {
		if err := h.store.ViewerJoined(streamID); err != nil {
			log.Printf("[MJPEGStream] Failed to record viewer for stream %s: %v", streamID, err)
		}
	}
	log.Printf("[MJPEGStream] Client %s connected to stream %s from %s", v.id, streamID, r.RemoteAddr)

	select {
	case <-r.Context().Done():
		log.Printf("[MJPEGStream] Client %s disconnected from stream %s after %d frames", v.id, streamID, v.Frames())
	case <-v.Done():
		log.Printf("[MJPEGStream] Stream %s ended for client %s: %s", streamID, v.id, v.reason)
	}

	v.close()
	p.RemoveSubscriber(v)

	if h.store != nil {
		if err := h.store.ViewerLeft(streamID); err != nil {
			log.Printf("[MJPEGStream] Failed to release viewer for stream %s: %v", streamID, err)
		}
	}
}

// ServeSnapshot writes the latest frame of a running stream
func (h *Handler) ServeSnapshot(w http.ResponseWriter, r *http.Request, streamID string) {
	p, ok := h.registry.Get(streamID)
	if !ok {
		http.Error(w, fmt.Sprintf("Stream not found for stream %s", streamID), http.StatusNotFound)
		return
	}

	frame := p.LastFrame()
	if frame == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame.Data)))
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Frame-Timestamp", frame.Timestamp.UTC().Format(time.RFC3339Nano))
	w.Write(frame.Data)
}

func (h *Handler) lookup(streamID string) (string, error) {
	if h.store == nil {
		return "", errors.New("no stream store configured")
	}
	return h.store.SourceURL(streamID)
}
