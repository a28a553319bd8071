package eta

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Router wraps a routing provider with retry/backoff, a route cache and the
// straight-line fallback. It never fails: when the provider stays unavailable
// it answers with a Degraded estimate.
type Router struct {
	client  Client
	cache   *Cache
	retries int
	backoff time.Duration
	logger  *slog.Logger
}

// NewRouter builds a Router. client and cache may be nil.
func NewRouter(client Client, cache *Cache, retries int, backoff time.Duration, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	if retries < 0 {
		retries = 0
	}
	return &Router{client: client, cache: cache, retries: retries, backoff: backoff, logger: logger}
}

func (r *Router) Route(ctx context.Context, from, to models.Coord, rt models.RideType) Route {
	if r.client == nil {
		return StraightLine(from, to, rt.Vehicle())
	}
	if r.cache != nil {
		if v, ok := r.cache.Get(from, to); ok {
			return v
		}
	}
	route, err := r.getWithRetry(ctx, from, to)
	if err != nil {
		observability.RoutingFallbacks.Inc()
		r.logger.Warn("routing degraded, using straight-line estimate", "error", err, "from", fmtCoord(from), "to", fmtCoord(to))
		return StraightLine(from, to, rt.Vehicle())
	}
	if r.cache != nil {
		r.cache.Set(from, to, route)
	}
	return route
}

// ETA returns only the travel duration.
func (r *Router) ETA(ctx context.Context, from, to models.Coord, rt models.RideType) time.Duration {
	return r.Route(ctx, from, to, rt).Duration
}

// getWithRetry retries provider failures with exponential backoff while
// respecting context cancellation.
func (r *Router) getWithRetry(ctx context.Context, from, to models.Coord) (Route, error) {
	backoff := r.backoff
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return Route{}, err
		}
		route, err := r.client.GetRoute(ctx, from, to)
		if err == nil {
			return route, nil
		}
		lastErr = err
		if attempt == r.retries {
			break
		}
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Route{}, ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return Route{}, lastErr
}
