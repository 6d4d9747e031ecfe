package actuator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/binsentry/binsentry/internal/resilience"
)

// Servo angles per preset, matching the chute geometry the deployment was
// calibrated with.
const (
	angleAccept  = 45
	angleReject  = 135
	angleNeutral = 90
)

// angleFor maps a named position to the servo angle in degrees.
func angleFor(pos Position) int {
	switch pos {
	case Accept:
		return angleAccept
	case Reject:
		return angleReject
	default:
		return angleNeutral
	}
}

// HTTPBridge drives the servo through the obniz bridge process, which
// exposes a single POST endpoint accepting {"angle": n}. A circuit breaker
// guards the bridge: a dead bridge fails motions fast instead of eating the
// full HTTP timeout per decision.
type HTTPBridge struct {
	url     string
	client  *http.Client
	breaker *resilience.Breaker
}

// NewHTTPBridge creates an HTTPBridge posting to url.
func NewHTTPBridge(url string) *HTTPBridge {
	return &HTTPBridge{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Name:      "actuator-bridge",
			Threshold: 3,
			CoolDown:  15 * time.Second,
		}),
	}
}

// SetPosition implements [Endpoint].
func (b *HTTPBridge) SetPosition(ctx context.Context, pos Position) error {
	return b.breaker.Do(func() error {
		return b.post(ctx, pos)
	})
}

func (b *HTTPBridge) post(ctx context.Context, pos Position) error {
	body, err := json.Marshal(map[string]int{"angle": angleFor(pos)})
	if err != nil {
		return fmt.Errorf("actuator bridge: marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("actuator bridge: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return fmt.Errorf("actuator bridge: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("actuator bridge: status %s", resp.Status)
	}
	return nil
}

// Noop is an Endpoint that logs motions without hardware attached. Used when
// no bridge URL is configured so the rest of the pipeline stays exercisable.
type Noop struct{}

// SetPosition implements [Endpoint].
func (Noop) SetPosition(_ context.Context, pos Position) error {
	slog.Info("actuator: no hardware configured, ignoring motion", "position", pos)
	return nil
}

// Compile-time checks.
var (
	_ Endpoint = (*HTTPBridge)(nil)
	_ Endpoint = Noop{}
)
