package httpapi

import (
	"context"

	"github.com/mistakeknot/supportline/internal/core"
	"github.com/mistakeknot/supportline/internal/storage"
)

// Service serves the read-only agent API and health checks.
type Service struct {
	store  storage.Store
	health HealthSource
	conns  ConnectionCounter
}

// HealthSource reports store health. *sqlite.ResilientStore satisfies it.
type HealthSource interface {
	Ping(ctx context.Context) error
	CircuitBreakerState() string
}

// ConnectionCounter reports live connections per role.
type ConnectionCounter interface {
	Connections() map[core.Role]int
}

func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

func (s *Service) WithHealth(h HealthSource) *Service {
	s.health = h
	return s
}

func (s *Service) WithConnections(c ConnectionCounter) *Service {
	s.conns = c
	return s
}
