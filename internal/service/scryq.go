package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/wca4a/clawdbot-tlon-plugin/config"
)

// Scryer is the read-side ship dependency: one-shot namespace reads.
type Scryer interface {
	Scry(ctx context.Context, path string) (json.RawMessage, error)
}

// ScryQuerier is the query surface handed to transports and embedders.
type ScryQuerier interface {
	Query(ctx context.Context, path string) (json.RawMessage, error)
}

// ScryQueryService fronts ship scries with a TTL cache, request collapsing
// and a circuit breaker. Scries are pure reads against immutable-enough
// state, so identical concurrent queries share one ship round-trip and a
// misbehaving ship is given time to recover instead of being hammered.
type ScryQueryService struct {
	source  Scryer
	cache   *expirable.LRU[string, json.RawMessage]
	group   singleflight.Group
	breaker *gobreaker.CircuitBreaker
}

func NewScryQueryService(source Scryer, cfg *config.Config) *ScryQueryService {
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "scry",
		Timeout: cfg.Scry.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Scry.BreakerFailures
		},
	})
	return &ScryQueryService{
		source:  source,
		cache:   expirable.NewLRU[string, json.RawMessage](cfg.Scry.CacheSize, nil, cfg.Scry.CacheTTL),
		breaker: breaker,
	}
}

// Query resolves path against the ship, serving from cache when fresh.
// Concurrent queries for the same path collapse into a single request.
func (s *ScryQueryService) Query(ctx context.Context, path string) (json.RawMessage, error) {
	if cached, ok := s.cache.Get(path); ok {
		return cached, nil
	}

	result, err, _ := s.group.Do(path, func() (any, error) {
		return s.breaker.Execute(func() (any, error) {
			return s.source.Scry(ctx, path)
		})
	})
	if err != nil {
		return nil, fmt.Errorf("scry query %s: %w", path, err)
	}

	content := result.(json.RawMessage)
	s.cache.Add(path, content)
	return content, nil
}
