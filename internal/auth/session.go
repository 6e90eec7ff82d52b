// Package auth maintains the forum session cookie used for authenticated downloads.
package auth

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/JakeFAU/forum-geosync/internal/forum"
	"github.com/JakeFAU/forum-geosync/internal/metrics"
)

// Config holds credentials and login endpoints.
type Config struct {
	ForumRootURL   string
	LoginURL       string
	Username       string
	Password       string
	FallbackCookie string
	CookieName     string
	UserAgent      string
	Timeout        time.Duration
}

// SessionManager owns one cached session cookie and refreshes it by
// submitting the forum login form. Concurrent refreshes share one login.
type SessionManager struct {
	cfg    Config
	logger *zap.Logger
	group  singleflight.Group

	mu     sync.Mutex
	cookie string
}

var _ forum.CookieProvider = (*SessionManager)(nil)

// NewSessionManager builds a SessionManager.
func NewSessionManager(cfg Config, logger *zap.Logger) *SessionManager {
	cfg.Username = strings.TrimSpace(cfg.Username)
	cfg.Password = strings.TrimSpace(cfg.Password)
	cfg.FallbackCookie = strings.TrimSpace(cfg.FallbackCookie)
	cfg.CookieName = strings.TrimSpace(cfg.CookieName)
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionManager{cfg: cfg, logger: logger}
}

// HasCredentials reports whether both username and password are configured.
func (m *SessionManager) HasCredentials() bool {
	return m.cfg.Username != "" && m.cfg.Password != ""
}

// EnsureCookie returns a cookie header value, logging in when the cache is
// empty or force is set. It never fails; the worst case is the fallback cookie.
func (m *SessionManager) EnsureCookie(ctx context.Context, force bool) string {
	if !m.HasCredentials() {
		return m.cfg.FallbackCookie
	}
	if !force {
		m.mu.Lock()
		cached := m.cookie
		m.mu.Unlock()
		if cached != "" {
			return cached
		}
	}

	// The login is shared by every waiter, so it must outlive the caller that started it.
	ch := m.group.DoChan("login", func() (any, error) {
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*m.cfg.Timeout)
		defer cancel()
		fresh, err := m.login(loginCtx)
		m.mu.Lock()
		defer m.mu.Unlock()
		switch {
		case err != nil:
			metrics.ObserveAuthRefresh("failed")
			m.logger.Warn("forum auto-login failed", zap.Error(err))
		case fresh == "":
			metrics.ObserveAuthRefresh("no_cookies")
			m.logger.Warn("forum login succeeded but no cookies were captured")
		default:
			metrics.ObserveAuthRefresh("ok")
			m.cookie = fresh
		}
		if m.cookie != "" {
			return m.cookie, nil
		}
		return m.cfg.FallbackCookie, nil
	})
	select {
	case res := <-ch:
		cookie, _ := res.Val.(string)
		return cookie
	case <-ctx.Done():
		return m.current()
	}
}

// current returns the cached cookie or the fallback.
func (m *SessionManager) current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cookie != "" {
		return m.cookie
	}
	return m.cfg.FallbackCookie
}

// Invalidate drops the cached cookie so the next EnsureCookie logs in again.
func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	m.cookie = ""
	m.mu.Unlock()
}

// IsLoginRedirect reports whether a final response URL looks like the login page.
func (m *SessionManager) IsLoginRedirect(rawURL string) bool {
	return IsLoginRedirect(rawURL)
}

// IsLoginRedirect reports whether rawURL's path points at a login page
// rather than an attachment.
func IsLoginRedirect(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)
	return strings.Contains(p, "/login") && !strings.Contains(p, "/attachments/")
}

// ResolveLoginURL returns the configured login URL or derives one from the
// forum root: the path prefix before /forums/ plus login/.
func ResolveLoginURL(loginURL, forumRoot string) string {
	if strings.TrimSpace(loginURL) != "" {
		return strings.TrimSpace(loginURL)
	}
	root, err := url.Parse(forumRoot)
	if err != nil || root.Scheme == "" || root.Host == "" {
		return ""
	}
	prefix := "/forum/"
	if idx := strings.Index(root.Path, "/forums/"); idx >= 0 {
		prefix = root.Path[:idx+1]
	}
	return (&url.URL{Scheme: root.Scheme, Host: root.Host, Path: prefix + "login/"}).String()
}

func (m *SessionManager) login(ctx context.Context) (string, error) {
	loginURL := ResolveLoginURL(m.cfg.LoginURL, m.cfg.ForumRootURL)
	if loginURL == "" {
		return "", errors.New("forum login url is empty")
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return "", fmt.Errorf("new cookie jar: %w", err)
	}
	c := colly.NewCollector(colly.UserAgent(m.cfg.UserAgent))
	c.AllowURLRevisit = true
	c.IgnoreRobotsTxt = true
	c.ParseHTTPErrorResponse = true
	c.SetRequestTimeout(m.cfg.Timeout)
	c.SetCookieJar(jar)

	var (
		pageURL  *url.URL
		pageBody []byte
		status   int
	)
	c.OnResponse(func(r *colly.Response) {
		status = r.StatusCode
		pageURL = r.Request.URL
		pageBody = append([]byte(nil), r.Body...)
	})

	if err := runWithContext(ctx, func() error { return c.Visit(loginURL) }); err != nil {
		return "", fmt.Errorf("get login page: %w", err)
	}
	if status < 200 || status >= 300 || pageURL == nil {
		return "", fmt.Errorf("get login page: status %d", status)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(pageBody))
	if err != nil {
		return "", fmt.Errorf("parse login page: %w", err)
	}
	form, ok := findLoginForm(doc, pageURL)
	if !ok {
		return "", fmt.Errorf("login form not found on %s", loginURL)
	}
	form.values.Set("login", m.cfg.Username)
	form.values.Set("password", m.cfg.Password)
	if form.values.Get("remember") == "" {
		form.values.Set("remember", "1")
	}
	if form.values.Get("_xfRedirect") == "" {
		form.values.Set("_xfRedirect", m.cfg.ForumRootURL)
	}

	referer := pageURL.String()
	hdr := http.Header{}
	hdr.Set("Content-Type", "application/x-www-form-urlencoded")
	hdr.Set("Referer", referer)
	status = 0
	submit := func() error {
		return c.Request(http.MethodPost, form.action, strings.NewReader(form.values.Encode()), nil, hdr)
	}
	if err := runWithContext(ctx, submit); err != nil {
		return "", fmt.Errorf("submit login form: %w", err)
	}
	if status < 200 || status >= 300 {
		return "", fmt.Errorf("submit login form: status %d", status)
	}

	return cookieHeader(jarCookies(jar, m.cfg.ForumRootURL, referer, form.action), m.cfg.CookieName), nil
}

// jarCookies collects cookies visible to any of the given URLs, first value per name.
func jarCookies(jar http.CookieJar, rawURLs ...string) []*http.Cookie {
	seen := make(map[string]bool)
	var out []*http.Cookie
	for _, raw := range rawURLs {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		for _, c := range jar.Cookies(u) {
			if seen[c.Name] {
				continue
			}
			seen[c.Name] = true
			out = append(out, c)
		}
	}
	return out
}

// cookieHeader renders name=value pairs with preferred first and the rest sorted by name.
func cookieHeader(cookies []*http.Cookie, preferred string) string {
	if len(cookies) == 0 {
		return ""
	}
	sorted := append([]*http.Cookie(nil), cookies...)
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := sorted[i].Name == preferred, sorted[j].Name == preferred
		if pi != pj {
			return pi
		}
		return sorted[i].Name < sorted[j].Name
	})
	parts := make([]string, 0, len(sorted))
	for _, c := range sorted {
		parts = append(parts, c.Name+"="+c.Value)
	}
	return strings.Join(parts, "; ")
}

func runWithContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("login canceled: %w", ctx.Err())
	case err := <-done:
		return err
	}
}
