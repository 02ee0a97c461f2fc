package services

import (
	"context"
	"fmt"
	"log"

	"rtspview/internal/stream"
)

// StreamImplementation exposes the running processors to operators
type StreamImplementation struct {
	registry *stream.Registry
}

// NewStreamService creates a new stream service implementation
func NewStreamService(registry *stream.Registry) *StreamImplementation {
	return &StreamImplementation{registry: registry}
}

// List returns every registered processor
func (s *StreamImplementation) List(ctx context.Context) []stream.Snapshot {
	return s.registry.Snapshots()
}

// Show returns a single processor
func (s *StreamImplementation) Show(ctx context.Context, id string) (*stream.Snapshot, error) {
	p, ok := s.registry.Get(id)
	if !ok {
		return nil, fmt.Errorf("stream %s: %w", id, stream.ErrNotFound)
	}
	snap := p.Snapshot()
	return &snap, nil
}

// Stop stops a processor and disconnects it from all viewers
func (s *StreamImplementation) Stop(ctx context.Context, id string) error {
	if err := s.registry.Stop(id); err != nil {
		return err
	}
	log.Printf("[StreamService] Stream %s stopped by operator", id)
	return nil
}
