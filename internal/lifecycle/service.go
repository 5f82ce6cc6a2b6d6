package lifecycle

import (
	"context"

	"github.com/evermind-ai/backend/internal/container"
)

// funcService adapts plain components to container.Service without forcing
// every package to depend on the container.
type funcService struct {
	name   string
	init   func(context.Context) error
	start  func(context.Context) error
	stop   func(context.Context) error
	health func() container.Health
}

func newFuncService(
	name string,
	init, start, stop func(context.Context) error,
	health func() container.Health,
) *funcService {
	return &funcService{name: name, init: init, start: start, stop: stop, health: health}
}

func (s *funcService) Name() string { return s.name }

func (s *funcService) Initialize(ctx context.Context) error {
	if s.init == nil {
		return nil
	}
	return s.init(ctx)
}

func (s *funcService) Start(ctx context.Context) error {
	if s.start == nil {
		return nil
	}
	return s.start(ctx)
}

func (s *funcService) Stop(ctx context.Context) error {
	if s.stop == nil {
		return nil
	}
	return s.stop(ctx)
}

func (s *funcService) HealthCheck() container.Health {
	if s.health == nil {
		return container.Health{Healthy: true}
	}
	return s.health()
}
