package services

import (
	"context"
	"fmt"
	"time"
)

// Pinger is a dependency that can report readiness
type Pinger interface {
	Ping(ctx context.Context) error
}

// Counter reports a current population, such as streams or connected clients
type Counter interface {
	Len() int
}

// Gateway reports the connected viewers
type Gateway interface {
	ClientCount() int
	Streams() []string
}

// HealthStatus is the payload of the liveness endpoint
type HealthStatus struct {
	Status        string   `json:"status"`
	UptimeSeconds int      `json:"uptime_seconds"`
	Streams       int      `json:"streams"`
	Clients       int      `json:"clients"`
	Watched       []string `json:"watched_streams"`
	Database      string   `json:"database"`
}

// HealthImplementation implements the health service
type HealthImplementation struct {
	db        Pinger
	streams   Counter
	gateway   Gateway
	startTime time.Time
}

// NewHealthService creates a new health service implementation. db may be nil
// when persistence is disabled.
func NewHealthService(db Pinger, streams Counter, gateway Gateway) *HealthImplementation {
	return &HealthImplementation{
		db:        db,
		streams:   streams,
		gateway:   gateway,
		startTime: time.Now(),
	}
}

// Healthz implements the liveness check
func (h *HealthImplementation) Healthz(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Status:        "ok",
		UptimeSeconds: int(time.Since(h.startTime).Seconds()),
		Watched:       []string{},
		Database:      "disabled",
	}
	if h.streams != nil {
		status.Streams = h.streams.Len()
	}
	if h.gateway != nil {
		status.Clients = h.gateway.ClientCount()
		status.Watched = h.gateway.Streams()
	}
	if h.db != nil {
		status.Database = "ok"
		if err := h.db.Ping(ctx); err != nil {
			status.Database = "unavailable"
		}
	}
	return status
}

// Readyz implements the readiness check
func (h *HealthImplementation) Readyz(ctx context.Context) error {
	if h.db == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		return fmt.Errorf("database not ready: %w", err)
	}
	return nil
}
