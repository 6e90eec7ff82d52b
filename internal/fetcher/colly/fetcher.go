// Package collyfetcher implements forum.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-geosync/internal/forum"
	"github.com/JakeFAU/forum-geosync/internal/metrics"
)

// ErrRobotsDisallowed is returned by Download for URLs robots.txt forbids.
var ErrRobotsDisallowed = errors.New("disallowed by robots.txt")

// ErrBodyTooLarge is returned when a response reaches Config.MaxBodyBytes.
// colly truncates such bodies silently, so they are never handed out.
var ErrBodyTooLarge = errors.New("response body exceeds size limit")

// Config controls collector behavior.
type Config struct {
	UserAgent         string
	Timeout           time.Duration
	MaxConcurrency    int
	RequestsPerSecond float64
	MaxBodyBytes      int
	// MaxAttempts bounds Fetch retries; defaults to 3.
	MaxAttempts int
	// BackoffStep is multiplied by the attempt number between retries; defaults to 1s.
	BackoffStep time.Duration
}

// Fetcher issues gated GET requests through a shared colly backend.
// All clones share one LimitRule on "*", so the parallelism cap and the
// post-request delay apply across every host.
type Fetcher struct {
	cfg    Config
	base   *colly.Collector
	robots *RobotsPolicy
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
}

var _ forum.Fetcher = (*Fetcher)(nil)

type response struct {
	status   int
	finalURL string
	headers  http.Header
	body     []byte
}

// New builds a Fetcher. robots may be nil to skip robots.txt checks.
func New(cfg Config, robots *RobotsPolicy, logger *zap.Logger) (*Fetcher, error) {
	cfg = withDefaults(cfg)
	if logger == nil {
		logger = zap.NewNop()
	}

	base := colly.NewCollector(
		colly.Async(false),
		colly.UserAgent(cfg.UserAgent),
	)
	base.AllowURLRevisit = true
	base.IgnoreRobotsTxt = true
	base.ParseHTTPErrorResponse = true
	base.MaxBodySize = cfg.MaxBodyBytes
	base.WithTransport(newHTTPTransport(cfg))
	base.SetRequestTimeout(cfg.Timeout)
	base.DisableCookies()

	delay := time.Duration(float64(time.Second) / cfg.RequestsPerSecond)
	if err := base.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: cfg.MaxConcurrency,
		Delay:       delay,
	}); err != nil {
		return nil, fmt.Errorf("configure colly limit: %w", err)
	}

	return &Fetcher{
		cfg:    cfg,
		base:   base,
		robots: robots,
		logger: logger,
		sleep:  sleepWithContext,
	}, nil
}

func withDefaults(cfg Config) Config {
	if cfg.UserAgent == "" {
		cfg.UserAgent = "geosync/1.0"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 1
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 25 * 1024 * 1024
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = time.Second
	}
	return cfg
}

// Fetch GETs rawURL, retrying transport errors and non-2xx responses with
// linear backoff. It never returns an error; failures yield OK=false.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) forum.FetchResult {
	if !f.robots.Allowed(ctx, rawURL) {
		f.logger.Info("robots.txt disallows url", zap.String("url", rawURL))
		metrics.ObserveFetch(rawURL, "robots_denied", 0)
		return forum.FetchResult{}
	}

	for attempt := 1; attempt <= f.cfg.MaxAttempts; attempt++ {
		resp, err := f.do(ctx, rawURL, "")
		switch {
		case err == nil && resp.status >= 200 && resp.status < 300:
			metrics.ObserveFetch(rawURL, "ok", len(resp.body))
			return forum.FetchResult{Body: string(resp.body), OK: true}
		case errors.Is(err, ErrBodyTooLarge):
			f.logger.Warn("page too large", zap.String("url", rawURL), zap.Int("limit", f.cfg.MaxBodyBytes))
			metrics.ObserveFetch(rawURL, "too_large", 0)
			return forum.FetchResult{}
		case err != nil:
			f.logger.Warn("fetch failed",
				zap.String("url", rawURL), zap.Int("attempt", attempt), zap.Error(err))
		default:
			f.logger.Warn("fetch returned non-success status",
				zap.String("url", rawURL), zap.Int("attempt", attempt), zap.Int("status", resp.status))
		}
		if ctx.Err() != nil {
			break
		}
		if attempt < f.cfg.MaxAttempts {
			if err := f.sleep(ctx, time.Duration(attempt)*f.cfg.BackoffStep); err != nil {
				break
			}
		}
	}
	metrics.ObserveFetch(rawURL, "failed", 0)
	return forum.FetchResult{}
}

// Download performs a single GET carrying the given cookie header.
// Transport failures are errors; HTTP failures are reported via StatusCode.
func (f *Fetcher) Download(ctx context.Context, req forum.DownloadRequest) (forum.DownloadResponse, error) {
	if !f.robots.Allowed(ctx, req.URL) {
		return forum.DownloadResponse{}, fmt.Errorf("download %s: %w", req.URL, ErrRobotsDisallowed)
	}
	resp, err := f.do(ctx, req.URL, req.Cookie)
	if err != nil {
		metrics.ObserveDownload(req.URL, 0, 0)
		return forum.DownloadResponse{}, fmt.Errorf("download %s: %w", req.URL, err)
	}
	metrics.ObserveDownload(req.URL, resp.status, len(resp.body))
	return forum.DownloadResponse{
		StatusCode: resp.status,
		FinalURL:   resp.finalURL,
		Headers:    resp.headers,
		Body:       resp.body,
	}, nil
}

func (f *Fetcher) do(ctx context.Context, rawURL, cookie string) (response, error) {
	var (
		result   response
		fetchErr error
	)
	collector := f.base.Clone()
	collector.OnRequest(func(r *colly.Request) {
		if cookie != "" {
			r.Headers.Set("Cookie", cookie)
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		result = response{
			status:   r.StatusCode,
			finalURL: r.Request.URL.String(),
			body:     append([]byte(nil), r.Body...),
		}
		if r.Headers != nil {
			result.headers = r.Headers.Clone()
		}
	})
	collector.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(rawURL)
	}()

	select {
	case <-ctx.Done():
		return response{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return response{}, fmt.Errorf("colly visit failed: %w", err)
		}
		if fetchErr != nil {
			return response{}, fmt.Errorf("colly response failed: %w", fetchErr)
		}
		if result.status == 0 {
			return response{}, errors.New("colly fetch produced no response")
		}
		if f.tooLarge(result) {
			return response{}, fmt.Errorf("%w (%d bytes)", ErrBodyTooLarge, f.cfg.MaxBodyBytes)
		}
		return result, nil
	}
}

// tooLarge reports whether the body hit the limit or the declared length exceeds it.
func (f *Fetcher) tooLarge(r response) bool {
	if len(r.body) >= f.cfg.MaxBodyBytes {
		return true
	}
	if r.headers == nil {
		return false
	}
	n, err := strconv.ParseInt(r.headers.Get("Content-Length"), 10, 64)
	return err == nil && n > int64(f.cfg.MaxBodyBytes)
}

func newHTTPTransport(cfg Config) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   cfg.MaxConcurrency * 2,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ExpectContinueTimeout: time.Second,
	}
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("backoff sleep: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
