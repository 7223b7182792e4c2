// Package router implements the Executor Router (spec §4.2): discovery of
// the configured executor fleet by convention-based URL, liveness probing,
// and selection of one healthy executor for a claim attempt.
//
// Grounded on original_source/celery-worker/executor_router.py's
// ExecutorRouter (env-convention discovery, shuffle-then-probe selection)
// and core/runner.go's ServerRunner.HealthCheck (the teacher's own
// GET /health liveness check).
package router

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"time"
)

// HealthTimeout bounds a single liveness probe, matching the 2s timeout
// used by the original's httpx client.
const HealthTimeout = 2 * time.Second

// Discover builds the executor fleet URLs from the base URL convention
// "{base}-{i}:8083" for i in [0, count), exactly as _discover_executors does
// in the original source.
func Discover(baseURL string, count int) []string {
	urls := make([]string, count)
	for i := 0; i < count; i++ {
		urls[i] = fmt.Sprintf("%s-%d:8083", baseURL, i)
	}
	return urls
}

// Router probes and selects among a fixed executor fleet.
type Router struct {
	client *http.Client
	urls   []string
	rng    *rand.Rand
}

// New constructs a Router over urls, using client for health probes. If
// client is nil a default client with HealthTimeout applied per request is
// used.
func New(urls []string, client *http.Client) *Router {
	if client == nil {
		client = &http.Client{Timeout: HealthTimeout}
	}
	return &Router{
		client: client,
		urls:   urls,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CheckHealth probes one executor's /health endpoint.
func (r *Router) CheckHealth(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return false
	}
	res, err := r.client.Do(req)
	if err != nil {
		return false
	}
	defer res.Body.Close()
	return res.StatusCode == http.StatusOK
}

// ErrNoHealthyExecutor is returned when every candidate fails its probe.
var ErrNoHealthyExecutor = fmt.Errorf("router: no healthy executor found")

// GetHealthy shuffles the fleet and returns the first URL that answers
// healthy, mirroring get_healthy_executor's shuffle-then-probe strategy
// (spreads load across the fleet instead of always preferring index 0).
func (r *Router) GetHealthy(ctx context.Context) (string, error) {
	order := r.rng.Perm(len(r.urls))
	for _, i := range order {
		url := r.urls[i]
		if r.CheckHealth(ctx, url) {
			return url, nil
		}
	}
	return "", ErrNoHealthyExecutor
}

// URLs returns the configured fleet, primarily for status reporting.
func (r *Router) URLs() []string {
	return r.urls
}
