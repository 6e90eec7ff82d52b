package collyfetcher

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/forum-geosync/internal/forum"
)

func newTestFetcher(t *testing.T, robots *RobotsPolicy) *Fetcher {
	t.Helper()
	f, err := New(Config{
		UserAgent:         "geosync-test/1.0",
		Timeout:           2 * time.Second,
		MaxConcurrency:    2,
		RequestsPerSecond: 1000,
		BackoffStep:       time.Millisecond,
	}, robots, zaptest.NewLogger(t))
	require.NoError(t, err)
	return f
}

func TestFetchReturnsBody(t *testing.T) {
	t.Parallel()

	var gotUA atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA.Store(r.Header.Get("User-Agent"))
		fmt.Fprint(w, "<html>ok</html>")
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	res := f.Fetch(context.Background(), srv.URL+"/forums/x.1/")
	require.True(t, res.OK)
	assert.Equal(t, "<html>ok</html>", res.Body)
	assert.Equal(t, "geosync-test/1.0", gotUA.Load())
}

func TestFetchRetriesThenSucceeds(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if hits.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "third time")
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	var delays []time.Duration
	f.sleep = func(_ context.Context, d time.Duration) error {
		delays = append(delays, d)
		return nil
	}

	res := f.Fetch(context.Background(), srv.URL)
	require.True(t, res.OK)
	assert.Equal(t, "third time", res.Body)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond}, delays)
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	res := f.Fetch(context.Background(), srv.URL)
	assert.Equal(t, forum.FetchResult{}, res)
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchTransportErrorDegrades(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := newTestFetcher(t, nil)
	res := f.Fetch(context.Background(), addr)
	assert.False(t, res.OK)
	assert.Empty(t, res.Body)
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		time.Sleep(200 * time.Millisecond)
		fmt.Fprint(w, "late")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := newTestFetcher(t, nil)
	res := f.Fetch(ctx, srv.URL)
	assert.False(t, res.OK)
}

func TestFetchHonoursRobots(t *testing.T) {
	t.Parallel()

	var pageHits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			fmt.Fprint(w, "User-agent: *\nDisallow: /private/\n")
			return
		}
		pageHits.Add(1)
		fmt.Fprint(w, "page")
	}))
	defer srv.Close()

	robots := NewRobotsPolicy(srv.Client(), "geosync-test/1.0", zaptest.NewLogger(t))
	f := newTestFetcher(t, robots)

	assert.False(t, f.Fetch(context.Background(), srv.URL+"/private/thing").OK)
	assert.Equal(t, int32(0), pageHits.Load())
	assert.True(t, f.Fetch(context.Background(), srv.URL+"/forums/").OK)
	assert.Equal(t, int32(1), pageHits.Load())

	_, err := f.Download(context.Background(), forum.DownloadRequest{URL: srv.URL + "/private/file.jpg"})
	require.ErrorIs(t, err, ErrRobotsDisallowed)
}

func TestDownloadReportsStatusAndCookie(t *testing.T) {
	t.Parallel()

	var gotCookie atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotCookie.Store(r.Header.Get("Cookie"))
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := newTestFetcher(t, nil)
	resp, err := f.Download(context.Background(), forum.DownloadRequest{
		URL:    srv.URL + "/attachments/a.1/",
		Cookie: "xf_session=abc",
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "xf_session=abc", gotCookie.Load())
}

func TestDownloadFollowsRedirects(t *testing.T) {
	t.Parallel()

	mux := http.NewServeMux()
	mux.HandleFunc("/attachments/a.1/", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/login/", http.StatusFound)
	})
	mux.HandleFunc("/login/", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<form></form>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := newTestFetcher(t, nil)
	resp, err := f.Download(context.Background(), forum.DownloadRequest{URL: srv.URL + "/attachments/a.1/"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, srv.URL+"/login/", resp.FinalURL)
	assert.Equal(t, "text/html; charset=utf-8", resp.ContentType())
}

func TestDownloadTransportError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	f := newTestFetcher(t, nil)
	_, err := f.Download(context.Background(), forum.DownloadRequest{URL: addr + "/attachments/x/"})
	require.Error(t, err)
}

func newLimitedFetcher(t *testing.T, maxBody int) *Fetcher {
	t.Helper()
	f, err := New(Config{
		Timeout:           2 * time.Second,
		MaxConcurrency:    2,
		RequestsPerSecond: 1000,
		MaxBodyBytes:      maxBody,
		BackoffStep:       time.Millisecond,
	}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	return f
}

func TestDownloadRejectsOversizedBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write(bytes.Repeat([]byte("x"), 100))
	}))
	defer srv.Close()

	f := newLimitedFetcher(t, 10)
	resp, err := f.Download(context.Background(), forum.DownloadRequest{URL: srv.URL + "/attachments/big.jpg"})
	require.ErrorIs(t, err, ErrBodyTooLarge)
	assert.Empty(t, resp.Body)
}

func TestDownloadWithinLimit(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("123456789"))
	}))
	defer srv.Close()

	f := newLimitedFetcher(t, 10)
	resp, err := f.Download(context.Background(), forum.DownloadRequest{URL: srv.URL + "/attachments/small.jpg"})
	require.NoError(t, err)
	assert.Equal(t, []byte("123456789"), resp.Body)
}

func TestFetchOversizedPageIsNotRetried(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = w.Write(bytes.Repeat([]byte("<p>"), 100))
	}))
	defer srv.Close()

	f := newLimitedFetcher(t, 10)
	res := f.Fetch(context.Background(), srv.URL+"/forums/x.1/")
	assert.Equal(t, forum.FetchResult{}, res)
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchHonoursConcurrencyCapAndDelay(t *testing.T) {
	t.Parallel()

	var inflight, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inflight.Add(-1)
		fmt.Fprint(w, "ok")
	}))
	defer srv.Close()

	f, err := New(Config{
		Timeout:           2 * time.Second,
		MaxConcurrency:    2,
		RequestsPerSecond: 10,
	}, nil, zaptest.NewLogger(t))
	require.NoError(t, err)

	const n = 6
	start := time.Now()
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res := f.Fetch(context.Background(), fmt.Sprintf("%s/page-%d", srv.URL, i))
			assert.True(t, res.OK)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	assert.LessOrEqual(t, peak.Load(), int32(2), "parallelism cap exceeded")
	// Three waves of two, each slot held for the 100ms post-request delay.
	assert.GreaterOrEqual(t, elapsed, 250*time.Millisecond, "post-request delay not applied")
}
