// Package scheduleclient fetches a station's schedule from the playola API:
// a rate-limited, retrying HTTP client that turns the wire JSON shape into
// the engine's domain model, tagging each fetch with an increasing fetch id
// so callers can reject stale results.
package scheduleclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"github.com/playola-fm/spin-engine/pkg/types"
)

const maxRefreshesPerWindow = 3
const refreshWindow = 5 * time.Minute

// Config configures a Client.
type Config struct {
	BaseURL           string
	RequestsPerSecond int
	BurstSize         int
	TimeoutSeconds    int
	Retries           int
	UserAgent         string
	Debug             bool
}

// Client fetches station schedules over HTTP.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
	limiter    *rate.Limiter
	auth       AuthProvider
	userAgent  string
	debug      bool

	fetchCounter uint64
	requestCount uint64
	errorCount   uint64
	lastRequest  atomic.Value // time.Time

	refreshMu  sync.Mutex
	refreshLog []time.Time
}

// Stats reports counters adapted from the teacher's api.Client.GetStats(),
// useful for a host's diagnostics surface (SPEC_FULL §4).
type Stats struct {
	Requests      uint64
	Errors        uint64
	LastRequestAt time.Time
}

// Stats returns a snapshot of this client's request/error counters.
func (c *Client) Stats() Stats {
	var last time.Time
	if v := c.lastRequest.Load(); v != nil {
		last = v.(time.Time)
	}
	return Stats{
		Requests:      atomic.LoadUint64(&c.requestCount),
		Errors:        atomic.LoadUint64(&c.errorCount),
		LastRequestAt: last,
	}
}

// New builds a Client that authenticates requests via auth.
func New(cfg Config, auth AuthProvider) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = cfg.Retries
	retryClient.HTTPClient.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	retryClient.Logger = nil
	if cfg.Debug {
		retryClient.Logger = &debugLogger{}
	}

	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: retryClient,
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
		auth:       auth,
		userAgent:  cfg.UserAgent,
		debug:      cfg.Debug,
	}
}

type debugLogger struct{}

func (d *debugLogger) Printf(format string, args ...interface{}) {
	log.Printf("[SCHEDULE-HTTP] "+format, args...)
}

func (c *Client) debugLog(format string, args ...interface{}) {
	if c.debug {
		log.Printf("[SCHEDULECLIENT] "+format, args...)
	}
}

// FetchSchedule retrieves the current schedule for stationID. The returned
// Schedule's FetchID is a monotonically increasing counter local to this
// client, taken when the fetch starts, letting callers discard a late-arriving response from an older
// in-flight refresh (spec §6.4 staleness rejection).
func (c *Client) FetchSchedule(ctx context.Context, stationID string) (*types.Schedule, error) {
	path := fmt.Sprintf("/v1/stations/%s/schedule?includeRelatedTexts=true", stationID)
	fetchID := atomic.AddUint64(&c.fetchCounter, 1)

	body, err := c.doWithRefresh(ctx, path)
	if err != nil {
		return nil, err
	}

	var wire wireSchedule
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decode schedule response: %w", err)
	}
	if wire.StationID == "" {
		wire.StationID = stationID
	}

	sched, err := wire.toDomain(time.Now(), fetchID)
	if err != nil {
		return nil, fmt.Errorf("map schedule response: %w", err)
	}

	c.debugLog("fetched schedule for station %s: %d spins, fetchId=%d", stationID, len(sched.Spins), fetchID)
	return sched, nil
}

// doWithRefresh issues one GET, retrying exactly once after a token refresh
// on a 401. Refresh attempts are capped at maxRefreshesPerWindow per
// refreshWindow; once exhausted the 401 is returned as a plain error rather
// than triggering another refresh.
func (c *Client) doWithRefresh(ctx context.Context, path string) ([]byte, error) {
	status, body, err := c.doOnce(ctx, path)
	if err != nil {
		return nil, err
	}
	if status != http.StatusUnauthorized {
		return body, nil
	}

	if !c.allowRefresh() {
		return nil, fmt.Errorf("schedule fetch: unauthorized and refresh budget exhausted for this window")
	}

	if _, err := c.auth.RefreshToken(ctx); err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	status, body, err = c.doOnce(ctx, path)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		return nil, fmt.Errorf("schedule fetch: unauthorized after token refresh")
	}
	return body, nil
}

func (c *Client) allowRefresh() bool {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	now := time.Now()
	cutoff := now.Add(-refreshWindow)
	kept := c.refreshLog[:0]
	for _, t := range c.refreshLog {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.refreshLog = kept

	if len(c.refreshLog) >= maxRefreshesPerWindow {
		return false
	}
	c.refreshLog = append(c.refreshLog, now)
	return true
}

func (c *Client) doOnce(ctx context.Context, path string) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("rate limit wait: %w", err)
	}

	atomic.AddUint64(&c.requestCount, 1)
	c.lastRequest.Store(time.Now())

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	token, err := c.auth.CurrentToken(ctx)
	if err != nil {
		return 0, nil, fmt.Errorf("get current token: %w", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		atomic.AddUint64(&c.errorCount, 1)
		return 0, nil, fmt.Errorf("do request: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			log.Printf("[SCHEDULECLIENT] failed to close response body: %v", closeErr)
		}
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		atomic.AddUint64(&c.errorCount, 1)
		return resp.StatusCode, nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusUnauthorized {
		atomic.AddUint64(&c.errorCount, 1)
		return resp.StatusCode, nil, fmt.Errorf("schedule fetch: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	return resp.StatusCode, respBody, nil
}
