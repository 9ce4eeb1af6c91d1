// Package health publishes the pool's state over the standard gRPC health
// checking protocol.
package health

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/ladder/internal/protocol"
)

// ServiceName is the health service name reported for the pool. The empty
// service name reports the same status.
const ServiceName = "ladder.Pool"

// Stats counts pool events since the Monitor was created.
type Stats struct {
	Active           int
	SessionsStarted  int
	SessionsFailed   int
	SessionsFinished int
	ProvisionFailed  int
}

// Monitor implements pool.Observer. The pool is SERVING once a session has
// started and NOT_SERVING while provisioning fails with no session in flight.
type Monitor struct {
	addr   string
	logger *zap.Logger
	health *grpchealth.Server
	grpc   *grpc.Server

	mu       sync.Mutex
	stats    Stats
	serving  bool
	listener net.Listener
}

// NewMonitor creates a Monitor that will listen on addr when served.
//
// Precondition: logger must be non-nil.
// Postcondition: Status is NOT_SERVING until the first session starts.
func NewMonitor(addr string, logger *zap.Logger) *Monitor {
	hs := grpchealth.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	m := &Monitor{addr: addr, logger: logger, health: hs, grpc: gs}
	m.setServing(false)
	return m
}

// SessionStarted implements pool.Observer.
func (m *Monitor) SessionStarted(room protocol.RoomID, active int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Active = active
	m.stats.SessionsStarted++
	m.setServingLocked(true)
}

// SessionEnded implements pool.Observer.
func (m *Monitor) SessionEnded(room protocol.RoomID, active int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Active = active
	if err != nil && !errors.Is(err, context.Canceled) {
		m.stats.SessionsFailed++
		return
	}
	m.stats.SessionsFinished++
}

// ProvisionFailed implements pool.Observer.
func (m *Monitor) ProvisionFailed(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.ProvisionFailed++
	if m.stats.Active == 0 {
		m.setServingLocked(false)
	}
}

// Stats returns a snapshot of the counters.
func (m *Monitor) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stats
}

// Serving reports the current status.
func (m *Monitor) Serving() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serving
}

func (m *Monitor) setServing(serving bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setServingLocked(serving)
}

func (m *Monitor) setServingLocked(serving bool) {
	m.serving = serving
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	m.health.SetServingStatus("", status)
	m.health.SetServingStatus(ServiceName, status)
}

// Serve listens on the configured address and serves health checks until
// Stop is called.
//
// Postcondition: Returns nil after Stop, or the listen/serve error.
func (m *Monitor) Serve() error {
	lis, err := net.Listen("tcp", m.addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", m.addr, err)
	}
	m.mu.Lock()
	m.listener = lis
	m.mu.Unlock()

	m.logger.Info("health server listening",
		zap.String("addr", lis.Addr().String()),
	)
	if err := m.grpc.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving health: %w", err)
	}
	return nil
}

// Addr returns the bound address once Serve is listening, or "".
func (m *Monitor) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// Stop reports NOT_SERVING to watchers and stops the server.
func (m *Monitor) Stop() {
	m.health.Shutdown()
	m.grpc.GracefulStop()
}
