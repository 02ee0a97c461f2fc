package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	goahttp "goa.design/goa/v3/http"
	httpmdlwr "goa.design/goa/v3/http/middleware"
	"goa.design/goa/v3/middleware"

	"rtspview/internal/config"
	"rtspview/internal/mjpeg"
	"rtspview/internal/services"
	"rtspview/internal/stream"
	"rtspview/internal/ws"
)

// server wires the ops endpoints and the WebSocket gateway onto one muxer
type server struct {
	cfg      config.ServerConfig
	health   *services.HealthImplementation
	streams  *services.StreamImplementation
	ws       http.Handler
	mjpeg    *mjpeg.Handler
	hub      *ws.Hub
	registry *stream.Registry
	logger   *log.Logger
	debug    bool

	mux goahttp.Muxer
}

type route struct {
	verb    string
	pattern string
}

// errorBody is the JSON payload of failed ops requests
type errorBody struct {
	ID      string `json:"id,omitempty"`
	Message string `json:"message"`
}

// handler builds the HTTP request multiplexer
func (s *server) handler() (http.Handler, []route) {
	s.mux = goahttp.NewMuxer()

	// Debug dumps wrap the response writer, which would break the WebSocket
	// upgrade and MJPEG flushing, so they only apply to the plain endpoints.
	ops := func(h http.HandlerFunc) http.HandlerFunc {
		if !s.debug {
			return h
		}
		return httpmdlwr.Debug(s.mux, os.Stdout)(h).ServeHTTP
	}

	routes := []route{
		{"GET", "/healthz"},
		{"GET", "/readyz"},
		{"GET", "/streams"},
		{"GET", "/streams/{stream_id}"},
		{"POST", "/streams/{stream_id}/stop"},
		{"GET", "/streams/{stream_id}/snapshot"},
		{"GET", "/streams/{stream_id}/mjpeg"},
		{"GET", ws.PathPrefix + "{stream_id}"},
	}
	s.mux.Handle(routes[0].verb, routes[0].pattern, ops(s.healthz))
	s.mux.Handle(routes[1].verb, routes[1].pattern, ops(s.readyz))
	s.mux.Handle(routes[2].verb, routes[2].pattern, ops(s.listStreams))
	s.mux.Handle(routes[3].verb, routes[3].pattern, ops(s.showStream))
	s.mux.Handle(routes[4].verb, routes[4].pattern, ops(s.stopStream))
	s.mux.Handle(routes[5].verb, routes[5].pattern, ops(s.snapshot))
	s.mux.Handle(routes[6].verb, routes[6].pattern, s.mjpegStream)
	s.mux.Handle(routes[7].verb, routes[7].pattern, s.ws.ServeHTTP)

	// Wrap the multiplexer with additional middlewares. Middlewares mounted
	// here apply to all the endpoints.
	var handler http.Handler = s.mux
	{
		handler = httpmdlwr.RequestID()(handler)
	}
	return handler, routes
}

// start configures and starts the HTTP server. It shuts the server and every
// stream down once ctx is cancelled.
func (s *server) start(ctx context.Context, wg *sync.WaitGroup, errc chan error) {
	handler, routes := s.handler()
	srv := &http.Server{Addr: s.cfg.Addr, Handler: handler, ReadHeaderTimeout: time.Second * 60}
	for _, r := range routes {
		s.logger.Printf("HTTP mounted on %s %s", r.verb, r.pattern)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()

		// Start HTTP server in a separate goroutine.
		go func() {
			s.logger.Printf("HTTP server listening on %q", s.cfg.Addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		s.logger.Printf("shutting down HTTP server at %q", s.cfg.Addr)

		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			s.logger.Printf("failed to shutdown: %v", err)
		}

		// Hijacked WebSocket connections outlive srv.Shutdown
		s.registry.Shutdown()
		s.hub.CloseAll("server shutting down")
	}()
}

func (s *server) healthz(w http.ResponseWriter, r *http.Request) {
	s.encode(r.Context(), w, http.StatusOK, s.health.Healthz(r.Context()))
}

func (s *server) readyz(w http.ResponseWriter, r *http.Request) {
	if err := s.health.Readyz(r.Context()); err != nil {
		s.fail(r.Context(), w, http.StatusServiceUnavailable, err)
		return
	}
	s.encode(r.Context(), w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *server) listStreams(w http.ResponseWriter, r *http.Request) {
	s.encode(r.Context(), w, http.StatusOK, s.streams.List(r.Context()))
}

func (s *server) showStream(w http.ResponseWriter, r *http.Request) {
	snap, err := s.streams.Show(r.Context(), s.mux.Vars(r)["stream_id"])
	if err != nil {
		s.fail(r.Context(), w, statusFor(err), err)
		return
	}
	s.encode(r.Context(), w, http.StatusOK, snap)
}

func (s *server) stopStream(w http.ResponseWriter, r *http.Request) {
	id := s.mux.Vars(r)["stream_id"]
	if err := s.streams.Stop(r.Context(), id); err != nil {
		s.fail(r.Context(), w, statusFor(err), err)
		return
	}
	s.encode(r.Context(), w, http.StatusOK, map[string]string{"stream_id": id, "status": "stopped"})
}

func (s *server) snapshot(w http.ResponseWriter, r *http.Request) {
	s.mjpeg.ServeSnapshot(w, r, s.mux.Vars(r)["stream_id"])
}

func (s *server) mjpegStream(w http.ResponseWriter, r *http.Request) {
	s.mjpeg.ServeStream(w, r, s.mux.Vars(r)["stream_id"])
}

func (s *server) encode(ctx context.Context, w http.ResponseWriter, status int, v any) {
	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if err := enc.Encode(v); err != nil {
		s.logger.Printf("[%s] encoding: %v", requestID(ctx), err)
	}
}

// fail writes and logs the given error along with the request ID so that
// it's possible to correlate.
func (s *server) fail(ctx context.Context, w http.ResponseWriter, status int, err error) {
	id := requestID(ctx)
	s.logger.Printf("[%s] ERROR: %s", id, err.Error())
	s.encode(ctx, w, status, errorBody{ID: id, Message: err.Error()})
}

func statusFor(err error) int {
	if errors.Is(err, stream.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func requestID(ctx context.Context) string {
	id, _ := ctx.Value(middleware.RequestIDKey).(string)
	return id
}
