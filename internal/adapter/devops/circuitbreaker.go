package devops

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"opsflow/internal/domain"
	"opsflow/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures               = 5
	defaultCBResetTimeout              = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// BreakerConnector wraps a Connector with circuit breaker protection. When
// the DevOps API fails repeatedly, the circuit opens and subsequent calls
// fail fast without reaching the API, preventing retry storms.
type BreakerConnector struct {
	inner   Connector
	breaker *gobreaker.CircuitBreaker[any]
	logger  *slog.Logger
}

// NewBreakerConnector wraps inner with a circuit breaker. Zero-valued config
// fields fall back to defaults.
func NewBreakerConnector(inner Connector, cfg config.BreakerConfig, logger *slog.Logger) *BreakerConnector {
	maxFailures := cfg.MaxFailures
	if maxFailures <= 0 {
		maxFailures = defaultCBMaxFailures
	}
	resetTimeout := cfg.ResetTimeout
	if resetTimeout <= 0 {
		resetTimeout = defaultCBResetTimeout
	}
	interval := cfg.Interval
	if interval < 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "devops-api",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     resetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(maxFailures)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// A 404 reflects the requested resource, not API health.
			return err == nil || errors.Is(err, domain.ErrNotFound)
		},
	})

	return &BreakerConnector{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

func (b *BreakerConnector) execute(fn func() (any, error)) (any, error) {
	v, err := b.breaker.Execute(fn)
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("devops api circuit open: %w", err)
		}
		return nil, err
	}
	return v, nil
}

// GetWorkItem implements Connector.
func (b *BreakerConnector) GetWorkItem(ctx context.Context, id int) (*domain.WorkItem, error) {
	v, err := b.execute(func() (any, error) { return b.inner.GetWorkItem(ctx, id) })
	if err != nil {
		return nil, err
	}
	item, _ := v.(*domain.WorkItem)
	return item, nil
}

// ListPipelines implements Connector.
func (b *BreakerConnector) ListPipelines(ctx context.Context) ([]domain.Pipeline, error) {
	v, err := b.execute(func() (any, error) { return b.inner.ListPipelines(ctx) })
	if err != nil {
		return nil, err
	}
	pipelines, _ := v.([]domain.Pipeline)
	return pipelines, nil
}

// RunPipeline implements Connector.
func (b *BreakerConnector) RunPipeline(ctx context.Context, req domain.DispatchRequest) (*domain.DispatchResult, error) {
	v, err := b.execute(func() (any, error) { return b.inner.RunPipeline(ctx, req) })
	if err != nil {
		return nil, err
	}
	result, _ := v.(*domain.DispatchResult)
	return result, nil
}

// QueueBuild implements Connector.
func (b *BreakerConnector) QueueBuild(ctx context.Context, pipelineID int, parameters map[string]string) (*domain.DispatchResult, error) {
	v, err := b.execute(func() (any, error) { return b.inner.QueueBuild(ctx, pipelineID, parameters) })
	if err != nil {
		return nil, err
	}
	result, _ := v.(*domain.DispatchResult)
	return result, nil
}

// QueryWorkItemIDs implements Connector.
func (b *BreakerConnector) QueryWorkItemIDs(ctx context.Context, wiql string, limit int) ([]int, error) {
	v, err := b.execute(func() (any, error) { return b.inner.QueryWorkItemIDs(ctx, wiql, limit) })
	if err != nil {
		return nil, err
	}
	ids, _ := v.([]int)
	return ids, nil
}

// Ping implements Connector.
func (b *BreakerConnector) Ping(ctx context.Context) error {
	_, err := b.execute(func() (any, error) { return nil, b.inner.Ping(ctx) })
	return err
}

// BreakerState returns the circuit state name ("closed", "half-open",
// "open"). The health endpoint reports it alongside the API ping.
func (b *BreakerConnector) BreakerState() string {
	return b.breaker.State().String()
}

var _ Connector = (*BreakerConnector)(nil)
