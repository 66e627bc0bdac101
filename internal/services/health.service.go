package services

import (
	"context"
	"fmt"
	"time"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthService reports whether every registered dependency answers a ping.
type HealthService struct {
	deps    map[string]Pinger
	order   []string
	timeout time.Duration
}

func NewHealthService(timeout time.Duration) *HealthService {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &HealthService{
		deps:    make(map[string]Pinger),
		timeout: timeout,
	}
}

func (s *HealthService) Register(name string, p Pinger) {
	if _, ok := s.deps[name]; !ok {
		s.order = append(s.order, name)
	}
	s.deps[name] = p
}

// Check pings every dependency and returns the first failure.
func (s *HealthService) Check(ctx context.Context) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	status := make(map[string]string, len(s.order))
	var first error
	for _, name := range s.order {
		if err := s.deps[name].Ping(ctx); err != nil {
			status[name] = "down"
			if first == nil {
				first = fmt.Errorf("%s: %w", name, err)
			}
			continue
		}
		status[name] = "up"
	}
	return status, first
}
