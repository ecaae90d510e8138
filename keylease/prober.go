package keylease

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// rateLimitHeaderPrefixes are the provider headers snapshotted into health
// records when present.
var rateLimitHeaderPrefixes = []string{"X-Ratelimit-", "Retry-After"}

// HTTPProber performs the zero-cost liveness call: a one-item model list
// request that consumes no generation quota.
type HTTPProber struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPProber creates a prober against the given provider base URL
// (Gemini-style `GET /v1beta/models?key=...`).
func NewHTTPProber(baseURL string, timeout time.Duration, logger *zap.Logger) *HTTPProber {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPProber{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// Probe implements Prober.
func (p *HTTPProber) Probe(ctx context.Context, key string) ProbeResult {
	endpoint := fmt.Sprintf("%s/v1beta/models?pageSize=1&key=%s", p.baseURL, url.QueryEscape(key))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return ProbeResult{Status: StatusError}
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Debug("probe transport failure", zap.Error(err))
		return ProbeResult{Status: StatusError}
	}
	defer resp.Body.Close()

	return ProbeResult{
		Status:     statusFromHTTP(resp.StatusCode),
		HTTPStatus: resp.StatusCode,
		RateLimit:  snapshotRateLimitHeaders(resp.Header),
	}
}

// statusFromHTTP maps a probe response code onto a key health status.
func statusFromHTTP(code int) KeyStatus {
	switch {
	case code == http.StatusOK:
		return StatusOK
	case code == http.StatusUnauthorized || code == http.StatusBadRequest:
		return StatusInvalid
	case code == http.StatusForbidden:
		return StatusSuspended
	case code == http.StatusTooManyRequests:
		return StatusExhausted
	default:
		return StatusError
	}
}

func snapshotRateLimitHeaders(h http.Header) map[string]string {
	var snap map[string]string
	for name, values := range h {
		for _, prefix := range rateLimitHeaderPrefixes {
			if strings.HasPrefix(http.CanonicalHeaderKey(name), prefix) && len(values) > 0 {
				if snap == nil {
					snap = make(map[string]string)
				}
				snap[name] = values[0]
			}
		}
	}
	return snap
}

// ProbeAll probes every candidate of a pool concurrently (bounded) and
// persists the outcomes. Used by maintenance flows to refresh ranking data
// ahead of a large run.
func (m *Manager) ProbeAll(ctx context.Context, pool string, concurrency int) (map[string]KeyStatus, error) {
	src, ok := m.pools[pool]
	if !ok {
		return nil, fmt.Errorf("unknown credential pool %q", pool)
	}
	if m.prober == nil {
		return nil, fmt.Errorf("no prober configured")
	}
	if concurrency <= 0 {
		concurrency = 4
	}

	cands := m.candidates(src)
	results := make(map[string]KeyStatus, len(cands))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, c := range cands {
		c := c
		g.Go(func() error {
			res := m.prober.Probe(gctx, c.key)
			if err := m.health.Record(c.fp, HealthRecord{
				Status:         res.Status,
				LastCheckedAt:  m.now(),
				LastHTTPStatus: res.HTTPStatus,
				RateLimit:      res.RateLimit,
			}); err != nil {
				return err
			}
			mu.Lock()
			results[c.fp] = res.Status
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}
