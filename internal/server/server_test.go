package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/forum-geosync/internal/forum"
	"github.com/JakeFAU/forum-geosync/internal/syncer"
)

type fakeRetrier struct {
	calls  int
	postID int64
	force  bool
	result syncer.RetryResult
	err    error
}

func (f *fakeRetrier) RetryAttachments(_ context.Context, postID int64, force bool) (syncer.RetryResult, error) {
	f.calls++
	f.postID = postID
	f.force = force
	return f.result, f.err
}

func newTestServer(t *testing.T, retrier AttachmentRetrier, ready ReadinessCheck) http.Handler {
	t.Helper()
	return New(retrier, ready, Config{}, zaptest.NewLogger(t)).Handler()
}

func do(t *testing.T, h http.Handler, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	rec := do(t, newTestServer(t, nil, nil), http.MethodGet, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDPropagates(t *testing.T) {
	h := newTestServer(t, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestReadyz(t *testing.T) {
	t.Run("ready", func(t *testing.T) {
		var sawDeadline bool
		h := newTestServer(t, nil, func(ctx context.Context) error {
			_, sawDeadline = ctx.Deadline()
			return nil
		})
		rec := do(t, h, http.MethodGet, "/readyz")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.True(t, sawDeadline)
	})

	t.Run("unavailable", func(t *testing.T) {
		h := newTestServer(t, nil, func(context.Context) error { return errors.New("db down") })
		rec := do(t, h, http.MethodGet, "/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
		assert.Contains(t, rec.Body.String(), "db down")
	})
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestServer(t, nil, nil)
	do(t, h, http.MethodGet, "/healthz")
	rec := do(t, h, http.MethodGet, "/metrics")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "go_goroutines"))
}

func TestRetryAttachments(t *testing.T) {
	retrier := &fakeRetrier{result: syncer.RetryResult{PostID: 42, Total: 2, Attempted: 2, Downloaded: 1, Failed: 1}}
	h := newTestServer(t, retrier, nil)

	rec := do(t, h, http.MethodPost, "/v1/posts/42/attachments/retry?force=true")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(42), retrier.postID)
	assert.True(t, retrier.force)

	var got syncer.RetryResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, retrier.result, got)
}

func TestRetryAttachmentsDefaultsForceFalse(t *testing.T) {
	retrier := &fakeRetrier{}
	h := newTestServer(t, retrier, nil)
	rec := do(t, h, http.MethodPost, "/v1/posts/7/attachments/retry")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, retrier.force)
}

func TestRetryAttachmentsErrors(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		err     error
		want    int
		invoked bool
	}{
		{name: "non numeric id", target: "/v1/posts/abc/attachments/retry", want: http.StatusBadRequest},
		{name: "zero id", target: "/v1/posts/0/attachments/retry", want: http.StatusBadRequest},
		{name: "bad force", target: "/v1/posts/1/attachments/retry?force=maybe", want: http.StatusBadRequest},
		{name: "missing post", target: "/v1/posts/1/attachments/retry", err: forum.ErrNotFound, want: http.StatusNotFound, invoked: true},
		{name: "wrapped missing post", target: "/v1/posts/1/attachments/retry", err: errors.Join(errors.New("get post"), forum.ErrNotFound), want: http.StatusNotFound, invoked: true},
		{name: "store failure", target: "/v1/posts/1/attachments/retry", err: errors.New("boom"), want: http.StatusInternalServerError, invoked: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			retrier := &fakeRetrier{err: tt.err}
			rec := do(t, newTestServer(t, retrier, nil), http.MethodPost, tt.target)
			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.invoked, retrier.calls == 1)
		})
	}
}

func TestRetryWithoutRetrier(t *testing.T) {
	rec := do(t, newTestServer(t, nil, nil), http.MethodPost, "/v1/posts/1/attachments/retry")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRetryRejectsGet(t *testing.T) {
	rec := do(t, newTestServer(t, &fakeRetrier{}, nil), http.MethodGet, "/v1/posts/1/attachments/retry")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	s := New(nil, nil, Config{}, zaptest.NewLogger(t))
	h := s.recoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
