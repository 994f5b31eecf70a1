package workers

import (
	"context"
	"sync"
	"time"

	"github.com/aescanero/conductor/pkg/ports"
	"go.uber.org/zap"
)

// HealthConfig configures the health monitor. Scheduler and Clients are
// optional; without them worker services are not probed.
type HealthConfig struct {
	Interval     time.Duration
	ProbeTimeout time.Duration
	Scheduler    ports.Scheduler
	Clients      ports.WorkerClientFactory
}

// HealthMonitor monitors dispatcher and worker service health
type HealthMonitor struct {
	pool   *Pool
	cfg    HealthConfig
	logger *zap.Logger

	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
	services map[string]string
}

// HealthStatus represents the health status of the dispatch pool
type HealthStatus struct {
	TotalWorkers   int               `json:"total_workers"`
	IdleWorkers    int               `json:"idle_workers"`
	BusyWorkers    int               `json:"busy_workers"`
	StoppedWorkers int               `json:"stopped_workers"`
	Services       map[string]string `json:"services,omitempty"`
	Healthy        bool              `json:"healthy"`
	Timestamp      time.Time         `json:"timestamp"`
}

// NewHealthMonitor creates a new health monitor
func NewHealthMonitor(pool *Pool, cfg HealthConfig, logger *zap.Logger) *HealthMonitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	return &HealthMonitor{
		pool:     pool,
		cfg:      cfg,
		logger:   logger,
		stopCh:   make(chan struct{}),
		services: make(map[string]string),
	}
}

// Start starts the health monitor
func (h *HealthMonitor) Start() {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.mu.Unlock()

	go h.run()
}

// Stop stops the health monitor
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	h.mu.Unlock()

	close(h.stopCh)
}

// run is the main health monitoring loop
func (h *HealthMonitor) run() {
	ticker := time.NewTicker(h.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.checkHealth()
		}
	}
}

// checkHealth checks dispatcher health, probes worker services and logs status
func (h *HealthMonitor) checkHealth() {
	h.ProbeServices(context.Background())
	status := h.GetStatus()

	h.logger.Info("dispatch pool health check",
		zap.Int("total", status.TotalWorkers),
		zap.Int("idle", status.IdleWorkers),
		zap.Int("busy", status.BusyWorkers),
		zap.Int("stopped", status.StoppedWorkers),
		zap.Int("services", len(status.Services)),
		zap.Bool("healthy", status.Healthy))

	h.pool.metrics.RecordDispatchPoolStatus(
		status.IdleWorkers,
		status.BusyWorkers,
		status.StoppedWorkers,
	)

	if !status.Healthy {
		h.logger.Warn("dispatch pool is unhealthy",
			zap.Int("idle", status.IdleWorkers),
			zap.Int("total", status.TotalWorkers))
	}

	if status.TotalWorkers > 0 && status.BusyWorkers == status.TotalWorkers {
		h.logger.Warn("all dispatchers are busy - consider scaling up",
			zap.Int("total", status.TotalWorkers))
	}
}

// ProbeServices calls CheckHealth on every enabled worker service and
// records the outcome per service ID
func (h *HealthMonitor) ProbeServices(ctx context.Context) map[string]string {
	if h.cfg.Scheduler == nil || h.cfg.Clients == nil {
		return nil
	}

	services, err := h.cfg.Scheduler.GetWorkersForSpecs(ctx, ports.SpecsQuery{Enabled: true})
	if err != nil {
		h.logger.Warn("failed to list worker services", zap.Error(err))
		return nil
	}

	results := make(map[string]string, len(services))
	for _, service := range services {
		results[service.ID] = h.probe(ctx, service.ID, func() (ports.WorkerClient, error) {
			return h.cfg.Clients.FromServiceDefinition(service)
		})
	}

	h.mu.Lock()
	h.services = results
	h.mu.Unlock()

	return results
}

func (h *HealthMonitor) probe(ctx context.Context, serviceID string, dial func() (ports.WorkerClient, error)) string {
	client, err := dial()
	if err != nil {
		h.logger.Warn("failed to connect to worker service",
			zap.String("service_id", serviceID),
			zap.Error(err))
		return "unreachable"
	}
	defer func() { _ = client.Close() }()

	probeCtx, cancel := context.WithTimeout(ctx, h.cfg.ProbeTimeout)
	defer cancel()

	if err := client.CheckHealth(probeCtx); err != nil {
		h.logger.Warn("worker service is unhealthy",
			zap.String("service_id", serviceID),
			zap.Error(err))
		return "unhealthy"
	}
	return "healthy"
}

// GetStatus returns the current health status
func (h *HealthMonitor) GetStatus() *HealthStatus {
	workerStatuses := h.pool.GetStatus()

	var idle, busy, stopped int
	for _, status := range workerStatuses {
		switch status {
		case WorkerStatusIdle:
			idle++
		case WorkerStatusBusy:
			busy++
		case WorkerStatusStopped:
			stopped++
		}
	}

	h.mu.RLock()
	services := make(map[string]string, len(h.services))
	for id, s := range h.services {
		services[id] = s
	}
	h.mu.RUnlock()

	total := len(workerStatuses)
	healthy := idle > 0 && stopped == 0

	return &HealthStatus{
		TotalWorkers:   total,
		IdleWorkers:    idle,
		BusyWorkers:    busy,
		StoppedWorkers: stopped,
		Services:       services,
		Healthy:        healthy,
		Timestamp:      time.Now(),
	}
}

// IsHealthy returns true if the dispatch pool is healthy
func (h *HealthMonitor) IsHealthy() bool {
	return h.GetStatus().Healthy
}
