// Package telemetry implements the listening-session beacon described in
// spec §6.5: a ticker-driven POST while a station is active, with a
// bearer-or-basic auth fallback and a best-effort 401 retry. Telemetry
// failures are always Warnings, never fatal (spec §7).
package telemetry

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/playola-fm/spin-engine/internal/scheduleclient"
)

const beaconInterval = 10 * time.Second

// Config configures a Beacon.
type Config struct {
	BaseURL         string
	DeviceID        string
	BasicAuthUser   string
	BasicAuthPass   string
	IntervalSeconds int
	Debug           bool
}

// WarningSink receives a non-fatal telemetry failure for the engine's
// error reporter to record (spec §6.5: "failures are Warnings, never
// fatal").
type WarningSink func(context string, err error)

// Beacon POSTs a periodic "still listening" heartbeat for one station at a
// time, adapted from the teacher's ticker-driven PlaySyncService.
type Beacon struct {
	cfg    Config
	client *resty.Client
	auth   scheduleclient.AuthProvider
	warn   WarningSink

	mu        sync.Mutex
	stationID string
	ticker    *time.Ticker
	stopCh    chan struct{}
}

// New builds a Beacon. auth may be nil, in which case every request uses
// the configured Basic credential.
func New(cfg Config, auth scheduleclient.AuthProvider, warn WarningSink) *Beacon {
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = int(beaconInterval / time.Second)
	}
	return &Beacon{
		cfg:    cfg,
		client: resty.New().SetBaseURL(cfg.BaseURL).SetTimeout(10 * time.Second),
		auth:   auth,
		warn:   warn,
	}
}

// Start begins beaconing for stationID, replacing any station previously
// being beaconed (no explicit "end" is sent for the prior station; callers
// should call Stop first if they want that).
func (b *Beacon) Start(stationID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.stationID = stationID
	if b.ticker != nil {
		b.ticker.Stop()
	}
	b.ticker = time.NewTicker(time.Duration(b.cfg.IntervalSeconds) * time.Second)
	b.stopCh = make(chan struct{})

	ticker := b.ticker
	stopCh := b.stopCh

	go func() {
		b.sendBeacon(stationID)
		for {
			select {
			case <-ticker.C:
				b.sendBeacon(stationID)
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop ends the current beacon loop and sends the session-end request.
func (b *Beacon) Stop() {
	b.mu.Lock()
	stationID := b.stationID
	if b.ticker != nil {
		b.ticker.Stop()
		b.ticker = nil
	}
	if b.stopCh != nil {
		close(b.stopCh)
		b.stopCh = nil
	}
	b.stationID = ""
	b.mu.Unlock()

	if stationID == "" {
		return
	}
	if err := b.post(context.Background(), "/v1/listeningSessions/end", stationID); err != nil {
		b.reportWarning("end listening session", err)
	}
}

func (b *Beacon) sendBeacon(stationID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.post(ctx, "/v1/listeningSessions", stationID); err != nil {
		b.reportWarning("send listening session beacon", err)
	}
}

// post issues one beacon request, retrying once after a token refresh on a
// 401 (spec §6.5).
func (b *Beacon) post(ctx context.Context, path string, stationID string) error {
	status, err := b.doOnce(ctx, path, stationID)
	if err != nil {
		return err
	}
	if status != http.StatusUnauthorized || b.auth == nil {
		if status >= 400 {
			return fmt.Errorf("telemetry %s: HTTP %d", path, status)
		}
		return nil
	}

	if _, refreshErr := b.auth.RefreshToken(ctx); refreshErr != nil {
		return fmt.Errorf("telemetry %s: refresh token: %w", path, refreshErr)
	}

	status, err = b.doOnce(ctx, path, stationID)
	if err != nil {
		return err
	}
	if status >= 400 {
		return fmt.Errorf("telemetry %s: HTTP %d after refresh", path, status)
	}
	return nil
}

func (b *Beacon) doOnce(ctx context.Context, path string, stationID string) (int, error) {
	req := b.client.R().
		SetContext(ctx).
		SetBody(map[string]string{"deviceId": b.cfg.DeviceID, "stationId": stationID})

	if token := b.currentToken(ctx); token != "" {
		req.SetAuthToken(token)
	} else {
		req.SetBasicAuth(b.cfg.BasicAuthUser, b.cfg.BasicAuthPass)
	}

	resp, err := req.Post(path)
	if err != nil {
		return 0, fmt.Errorf("telemetry %s: %w", path, err)
	}
	return resp.StatusCode(), nil
}

func (b *Beacon) currentToken(ctx context.Context) string {
	if b.auth == nil {
		return ""
	}
	token, err := b.auth.CurrentToken(ctx)
	if err != nil {
		return ""
	}
	return token
}

func (b *Beacon) reportWarning(context string, err error) {
	if b.warn != nil {
		b.warn(context, err)
		return
	}
	if b.cfg.Debug {
		log.Printf("[TELEMETRY] %s: %v", context, err)
	}
}
