package collyfetcher

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"
)

const robotsBodyLimit = 1 << 20

// RobotsPolicy answers robots.txt questions for a fixed user agent.
// Each host is loaded once per process; failed loads are cached as allow-all.
type RobotsPolicy struct {
	client    *http.Client
	userAgent string
	logger    *zap.Logger

	mu    sync.Mutex
	hosts map[string]*robotsEntry
}

// robotsEntry is filled once; group is nil when everything is allowed.
type robotsEntry struct {
	once  sync.Once
	group *robotstxt.Group
}

// NewRobotsPolicy builds a RobotsPolicy. A nil client gets a 10s timeout client.
func NewRobotsPolicy(client *http.Client, userAgent string, logger *zap.Logger) *RobotsPolicy {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RobotsPolicy{
		client:    client,
		userAgent: userAgent,
		logger:    logger,
		hosts:     make(map[string]*robotsEntry),
	}
}

// Allowed reports whether rawURL may be fetched.
func (p *RobotsPolicy) Allowed(ctx context.Context, rawURL string) bool {
	if p == nil {
		return true
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	entry := p.entry(parsed)
	entry.once.Do(func() {
		entry.group = p.load(ctx, parsed)
	})
	if entry.group == nil {
		return true
	}
	target := parsed.EscapedPath()
	if target == "" {
		target = "/"
	}
	if parsed.RawQuery != "" {
		target += "?" + parsed.RawQuery
	}
	return entry.group.Test(target)
}

func (p *RobotsPolicy) entry(parsed *url.URL) *robotsEntry {
	key := strings.ToLower(parsed.Scheme + "://" + parsed.Host)
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.hosts[key]
	if !ok {
		e = &robotsEntry{}
		p.hosts[key] = e
	}
	return e
}

func (p *RobotsPolicy) load(ctx context.Context, parsed *url.URL) *robotstxt.Group {
	robotsURL := url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/robots.txt"}
	data, err := p.fetch(ctx, robotsURL.String())
	if err != nil {
		p.logger.Warn("robots.txt unavailable; allowing all paths",
			zap.String("host", parsed.Host), zap.Error(err))
		return nil
	}
	return data.FindGroup(p.userAgent)
}

func (p *RobotsPolicy) fetch(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	// The result is cached per host, so the first caller's cancellation must not apply.
	timeout := p.client.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			p.logger.Debug("failed to close robots response body", zap.Error(cerr))
		}
	}()
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("fetch robots: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}
