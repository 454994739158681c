// Package health serves liveness and readiness information for morphod.
// Checkers cover the pieces that can actually fail at runtime: the
// snapshot directory and the table registry.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status classifies a component's health.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ComponentHealth is one checker's verdict.
type ComponentHealth struct {
	Name        string    `json:"name"`
	Status      Status    `json:"status"`
	Message     string    `json:"message,omitempty"`
	LastChecked time.Time `json:"last_checked"`
}

// SystemHealth aggregates all component verdicts.
type SystemHealth struct {
	Status     Status                      `json:"status"`
	Timestamp  time.Time                   `json:"timestamp"`
	Uptime     string                      `json:"uptime"`
	Components map[string]*ComponentHealth `json:"components"`
}

// Checker probes one component.
type Checker interface {
	Name() string
	Check(ctx context.Context) *ComponentHealth
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc struct {
	CheckerName string
	Fn          func(ctx context.Context) *ComponentHealth
}

func (c CheckerFunc) Name() string { return c.CheckerName }

func (c CheckerFunc) Check(ctx context.Context) *ComponentHealth { return c.Fn(ctx) }

// Manager runs registered checkers and serves the aggregate over HTTP.
type Manager struct {
	mu        sync.RWMutex
	startTime time.Time
	checkers  map[string]Checker
	logger    *zap.Logger
}

// NewManager creates a health manager.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		startTime: time.Now(),
		checkers:  make(map[string]Checker),
		logger:    logger,
	}
}

// Register adds a checker. Re-registering a name replaces the checker.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[c.Name()] = c
	m.logger.Debug("registered health checker", zap.String("component", c.Name()))
}

// Check runs every checker and aggregates: any unhealthy component makes
// the system unhealthy, otherwise any degraded one makes it degraded.
func (m *Manager) Check(ctx context.Context) *SystemHealth {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	health := &SystemHealth{
		Status:     StatusHealthy,
		Timestamp:  time.Now(),
		Uptime:     time.Since(m.startTime).String(),
		Components: make(map[string]*ComponentHealth, len(checkers)),
	}
	for _, c := range checkers {
		ch := c.Check(ctx)
		health.Components[c.Name()] = ch
		switch ch.Status {
		case StatusUnhealthy:
			health.Status = StatusUnhealthy
		case StatusDegraded:
			if health.Status == StatusHealthy {
				health.Status = StatusDegraded
			}
		}
	}
	return health
}

// Handler serves the aggregate as JSON; unhealthy maps to 503 so load
// balancers can act on the status code alone.
func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := m.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if health.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		if err := json.NewEncoder(w).Encode(health); err != nil {
			m.logger.Error("encoding health response", zap.Error(err))
		}
	})
}
