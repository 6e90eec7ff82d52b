package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://forum.example.com/threads/a.1/", "forum.example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestObserveFetch(t *testing.T) {
	before := testutil.ToFloat64(fetchTotal.WithLabelValues("metrics.test", "ok"))
	ObserveFetch("https://metrics.test/forums/", "ok", 42)
	if got := testutil.ToFloat64(fetchTotal.WithLabelValues("metrics.test", "ok")); got != before+1 {
		t.Fatalf("expected fetch counter to increase by 1, got %f -> %f", before, got)
	}
	if got := testutil.ToFloat64(fetchBytesTotal.WithLabelValues("metrics.test")); got < 42 {
		t.Fatalf("expected byte counter >= 42, got %f", got)
	}
}

func TestObserveRun(t *testing.T) {
	before := testutil.ToFloat64(syncRunsTotal.WithLabelValues("success"))
	ObserveRun("success", 3, 2*time.Second)
	if got := testutil.ToFloat64(syncRunsTotal.WithLabelValues("success")); got != before+1 {
		t.Fatalf("expected run counter to increase, got %f -> %f", before, got)
	}
}

func TestMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/test", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/missing", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	ts := httptest.NewServer(r)
	defer ts.Close()

	ok := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200"))
	notFound := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404"))

	for _, path := range []string{"/test", "/missing"} {
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		if errInner := resp.Body.Close(); errInner != nil {
			t.Log(errInner)
		}
	}

	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "200")); val != ok+1 {
		t.Errorf("expected 200 counter to increase by 1, got %f", val-ok)
	}
	if val := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "404")); val != notFound+1 {
		t.Errorf("expected 404 counter to increase by 1, got %f", val-notFound)
	}
	if val := testutil.CollectAndCount(httpRequestDurationSeconds); val <= 0 {
		t.Errorf("expected request durations to be observed, got %d", val)
	}
}

func FuzzSanitizeSite(f *testing.F) {
	for _, tc := range []string{"http://example.com", "https://forum.example.com/threads/x.1/", "ftp://example.com"} {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		if SanitizeSite(orig) == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
