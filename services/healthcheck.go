package services

import (
	"context"

	"stock_scanner/resilience"
	"stock_scanner/storage"
)

// HealthReport is served on /health.
type HealthReport struct {
	Status   string            `json:"status"`
	Backlog  int               `json:"unnotified_backlog"`
	Breakers map[string]string `json:"breakers,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// HealthcheckService reports storage reachability, the size of the
// notification backlog and the state of the scheduled scanner's breakers.
type HealthcheckService struct {
	store    storage.Store
	breakers func() []*resilience.CircuitBreaker
}

func NewHealthcheckService(store storage.Store, breakers func() []*resilience.CircuitBreaker) *HealthcheckService {
	return &HealthcheckService{
		store:    store,
		breakers: breakers,
	}
}

// Check reports "degraded" when any breaker is open and "unhealthy" when
// storage cannot be queried.
func (s *HealthcheckService) Check(ctx context.Context) HealthReport {
	report := HealthReport{Status: "ok"}

	if s.breakers != nil {
		report.Breakers = make(map[string]string)
		for _, b := range s.breakers() {
			state := b.State()
			report.Breakers[b.Name()] = string(state)
			if state == resilience.StateOpen {
				report.Status = "degraded"
			}
		}
	}

	pending, err := s.store.UnnotifiedListings(ctx)
	if err != nil {
		report.Status = "unhealthy"
		report.Error = err.Error()
		return report
	}
	report.Backlog = len(pending)
	return report
}
