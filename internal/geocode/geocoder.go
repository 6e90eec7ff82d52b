// Package geocode resolves free-text place names to coordinates through
// Yandex or Google geocoding APIs.
package geocode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-geosync/internal/forum"
	"github.com/JakeFAU/forum-geosync/internal/metrics"
	"github.com/JakeFAU/forum-geosync/internal/policy/ratelimit"
)

const (
	// ProviderYandex selects the Yandex geocoder.
	ProviderYandex = "yandex"
	// ProviderGoogle selects the Google geocoder.
	ProviderGoogle = "google"

	responseLimit = 4 << 20
)

// Config selects and tunes the provider.
type Config struct {
	Provider          string
	YandexAPIKey      string
	GoogleAPIKey      string
	CountryHint       string
	Timeout           time.Duration
	RequestsPerSecond float64

	// Endpoint overrides the provider URL.
	Endpoint string
	// BreakerFailures is the consecutive failure count that opens the breaker.
	BreakerFailures uint32
	// BreakerCooldown is how long the breaker stays open.
	BreakerCooldown time.Duration
}

// New returns the configured provider. Unknown names fall back to Yandex.
func New(cfg Config, client *http.Client, logger *zap.Logger) forum.Geocoder {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case ProviderGoogle:
		return NewGoogle(cfg, client, logger)
	default:
		return NewYandex(cfg, client, logger)
	}
}

// transport is the HTTP plumbing shared by providers: throttle, breaker, fetch.
type transport struct {
	name     string
	endpoint string
	client   *http.Client
	limiter  *ratelimit.Limiter
	breaker  *gobreaker.CircuitBreaker[[]byte]
	logger   *zap.Logger
}

func newTransport(name, endpoint string, cfg Config, client *http.Client, logger *zap.Logger) *transport {
	if cfg.Endpoint != "" {
		endpoint = cfg.Endpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	failures := cfg.BreakerFailures
	if failures == 0 {
		failures = 5
	}
	cooldown := cfg.BreakerCooldown
	if cooldown <= 0 {
		cooldown = time.Minute
	}
	logger = logger.With(zap.String("provider", name))
	breaker := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "geocode-" + name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("geocoder circuit breaker state change",
				zap.String("from", from.String()), zap.String("to", to.String()))
		},
	})
	return &transport{
		name:     name,
		endpoint: endpoint,
		client:   client,
		limiter:  ratelimit.New(ratelimit.Config{RPS: cfg.RequestsPerSecond, Burst: 1}),
		breaker:  breaker,
		logger:   logger,
	}
}

// get issues a throttled, breaker-guarded GET and returns the response body.
func (t *transport) get(ctx context.Context, params url.Values) ([]byte, error) {
	if err := t.limiter.Wait(ctx, t.name); err != nil {
		return nil, err
	}
	body, err := t.breaker.Execute(func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint+"?"+params.Encode(), nil)
		if err != nil {
			return nil, fmt.Errorf("new geocode request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := t.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("geocode request: %w", err)
		}
		defer func() {
			if cerr := resp.Body.Close(); cerr != nil {
				t.logger.Debug("failed to close geocode response body", zap.Error(cerr))
			}
		}()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("geocode request: status %d", resp.StatusCode)
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, responseLimit))
		if err != nil {
			return nil, fmt.Errorf("read geocode body: %w", err)
		}
		return data, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.ObserveGeocode(t.name, "breaker_open")
		} else {
			metrics.ObserveGeocode(t.name, "error")
		}
		return nil, err
	}
	return body, nil
}

func query(place, country string) string {
	if strings.TrimSpace(country) == "" {
		return place
	}
	return place + ", " + country
}

// pickBest returns the index of the highest rank, earliest on ties, or -1.
func pickBest(ranks []float64) int {
	best := -1
	for i, r := range ranks {
		if best < 0 || r > ranks[best] {
			best = i
		}
	}
	return best
}
