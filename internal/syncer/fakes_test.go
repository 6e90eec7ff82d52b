package syncer

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/JakeFAU/forum-geosync/internal/extract"
	"github.com/JakeFAU/forum-geosync/internal/forum"
	"github.com/JakeFAU/forum-geosync/internal/publisher/memory"
	"github.com/JakeFAU/forum-geosync/internal/storage/local"
	memstore "github.com/JakeFAU/forum-geosync/internal/storage/memory"
)

const (
	rootURL     = "https://forum.example.com/forum/forums/ponds.1/"
	lesnoeURL   = "https://forum.example.com/forum/threads/ozero-lesnoe.101/"
	karpURL     = "https://forum.example.com/forum/threads/prud-karp.202/"
	photoURL    = "https://forum.example.com/forum/attachments/photo-1-jpg.11/"
	loginURL    = "https://forum.example.com/forum/login/"
	runTopic    = "sync-runs"
	oldCookie   = "xf_session=old"
	freshCookie = "xf_session=fresh"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR\x00\x00\x00\x01\x00\x00\x00\x01\x08\x02\x00\x00\x00")

func indexPage(lesnoeTitle string) string {
	return `<html><body>
<div class="structItem-title"><a href="/forum/threads/ozero-lesnoe.101/" data-tp-primary="on">` + lesnoeTitle + `</a></div>
<div class="structItem-title"><a href="/forum/threads/prud-karp.202/" data-tp-primary="on">Пруд Карп</a></div>
</body></html>`
}

const lesnoePage1 = `<html><body>
<nav>
  <a href="/forum/threads/ozero-lesnoe.101/page-2">2</a>
  <a href="/forum/threads/ozero-lesnoe.101/page-3">3</a>
</nav>
<article class="message" id="js-post-1001">
  <a class="username">old</a>
  <time datetime="2025-12-01T08:00:00Z"></time>
  <div class="bbWrapper">outside the window</div>
</article>
</body></html>`

const lesnoePage2 = `<html><body>
<article class="message" id="js-post-1002">
  <a class="username">Иван</a>
  <time datetime="2026-01-02T03:04:05Z"></time>
  <div class="bbWrapper">Клёв слабый
    <ul class="attachments"><li class="attachment"><a href="/forum/attachments/photo-1-jpg.11/">photo 1.jpg</a></li></ul>
  </div>
</article>
</body></html>`

const lesnoePage3 = `<html><body>
<article class="message" id="js-post-1002">
  <a class="username">Иван</a>
  <time datetime="2026-01-02T03:04:05Z"></time>
  <div class="bbWrapper">Клёв отличный (ред.)
    <ul class="attachments"><li class="attachment"><a href="/forum/attachments/photo-1-jpg.11/">photo 1.jpg</a></li></ul>
  </div>
</article>
<article class="message" id="js-post-1003">
  <a class="username">Пётр</a>
  <time datetime="2026-01-03T10:00:00Z"></time>
  <div class="bbWrapper">Подтверждаю</div>
</article>
</body></html>`

const karpPage = `<html><body>
<article class="message" id="js-post-2001">
  <a class="username">Сергей</a>
  <time datetime="2026-01-05T09:30:00Z"></time>
  <div class="bbWrapper">Платно, 500 руб.</div>
</article>
</body></html>`

func forumPages() map[string]string {
	return map[string]string{
		rootURL:              indexPage("Озеро Лесное"),
		lesnoeURL:            lesnoePage1,
		lesnoeURL + "page-2": lesnoePage2,
		lesnoeURL + "page-3": lesnoePage3,
		karpURL:              karpPage,
	}
}

type downloadFunc func(n int, req forum.DownloadRequest) (forum.DownloadResponse, error)

func okDownload(_ int, req forum.DownloadRequest) (forum.DownloadResponse, error) {
	return forum.DownloadResponse{StatusCode: http.StatusOK, FinalURL: req.URL, Body: pngBytes}, nil
}

type fakeFetcher struct {
	mu        sync.Mutex
	pages     map[string]string
	fetched   []string
	downloads []forum.DownloadRequest
	onGet     downloadFunc
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{pages: forumPages(), onGet: okDownload}
}

func (f *fakeFetcher) Fetch(_ context.Context, rawURL string) forum.FetchResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, rawURL)
	body, ok := f.pages[rawURL]
	return forum.FetchResult{Body: body, OK: ok}
}

func (f *fakeFetcher) Download(_ context.Context, req forum.DownloadRequest) (forum.DownloadResponse, error) {
	f.mu.Lock()
	f.downloads = append(f.downloads, req)
	n := len(f.downloads)
	fn := f.onGet
	f.mu.Unlock()
	return fn(n, req)
}

func (f *fakeFetcher) setPage(url, body string) {
	f.mu.Lock()
	f.pages[url] = body
	f.mu.Unlock()
}

func (f *fakeFetcher) setDownload(fn downloadFunc) {
	f.mu.Lock()
	f.onGet = fn
	f.mu.Unlock()
}

func (f *fakeFetcher) fetchCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.fetched {
		if u == url {
			n++
		}
	}
	return n
}

func (f *fakeFetcher) downloadRequests() []forum.DownloadRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forum.DownloadRequest(nil), f.downloads...)
}

type fakeAuth struct {
	mu      sync.Mutex
	cookie  string
	forced  int
	ensured int
}

func (a *fakeAuth) EnsureCookie(_ context.Context, force bool) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ensured++
	if force {
		a.forced++
		a.cookie = freshCookie
	}
	if a.cookie == "" {
		a.cookie = oldCookie
	}
	return a.cookie
}

func (a *fakeAuth) IsLoginRedirect(rawURL string) bool {
	return strings.Contains(rawURL, "/login")
}

func (a *fakeAuth) forcedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.forced
}

type fakeGeocoder struct {
	calls  atomic.Int32
	miss   atomic.Bool
	places sync.Map
}

func (g *fakeGeocoder) Geocode(_ context.Context, place string) (*forum.GeocodeResult, bool) {
	g.calls.Add(1)
	g.places.Store(place, true)
	if g.miss.Load() {
		return nil, false
	}
	return &forum.GeocodeResult{Lat: 56.1, Lon: 38.2, Confidence: 0.9, Provider: "yandex"}, true
}

func (g *fakeGeocoder) Name() string { return "fake" }

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type sequentialIDs struct{ n atomic.Int32 }

func (s *sequentialIDs) NewID() (string, error) {
	return "run-" + string(rune('0'+s.n.Add(1))), nil
}

// failingGateway wraps the memory gateway to inject repository failures.
type failingGateway struct {
	*memstore.Gateway
	failSource bool
	failTopic  string
	panicTopic string
}

func (g *failingGateway) GetOrCreateSource(ctx context.Context, name, baseURL string) (forum.Source, error) {
	if g.failSource {
		return forum.Source{}, errors.New("database unavailable")
	}
	return g.Gateway.GetOrCreateSource(ctx, name, baseURL)
}

func (g *failingGateway) Begin(ctx context.Context) (forum.Tx, error) {
	tx, err := g.Gateway.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &failingTx{Tx: tx, failTopic: g.failTopic, panicTopic: g.panicTopic}, nil
}

type failingTx struct {
	forum.Tx
	failTopic  string
	panicTopic string
}

func (t *failingTx) UpsertPost(
	ctx context.Context,
	topicID int64,
	externalID, author string,
	postedAt time.Time,
	contentText, url string,
) (forum.Post, error) {
	topic, err := t.Tx.GetTopic(ctx, topicID)
	if err == nil && topic.ExternalID == t.failTopic {
		return forum.Post{}, errors.New("constraint violation")
	}
	if err == nil && topic.ExternalID == t.panicTopic {
		panic("unexpected nil row")
	}
	return t.Tx.UpsertPost(ctx, topicID, externalID, author, postedAt, contentText, url)
}

type harness struct {
	syncer    *Syncer
	gateway   *memstore.Gateway
	fetcher   *fakeFetcher
	auth      *fakeAuth
	geocoder  *fakeGeocoder
	blobs     *local.BlobStore
	mirror    *memstore.BlobStore
	publisher *memory.Publisher
	clock     *testClock
}

type harnessOption func(*Dependencies, *Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	clock := &testClock{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)}
	h := &harness{
		gateway:   memstore.NewGateway(clock),
		fetcher:   newFakeFetcher(),
		auth:      &fakeAuth{},
		geocoder:  &fakeGeocoder{},
		mirror:    memstore.NewBlobStore(),
		publisher: memory.New(),
		clock:     clock,
	}
	blobs, err := local.New(local.Config{BaseDir: t.TempDir()})
	require.NoError(t, err)
	h.blobs = blobs

	logger := zaptest.NewLogger(t)
	deps := Dependencies{
		Gateway:   h.gateway,
		Fetcher:   h.fetcher,
		Auth:      h.auth,
		Extractor: extract.New(logger),
		Geocoder:  h.geocoder,
		Blobs:     h.blobs,
		Mirror:    h.mirror,
		Publisher: h.publisher,
		Clock:     clock,
		IDs:       &sequentialIDs{},
	}
	cfg := Config{
		SourceName:         "rusfishing",
		ForumRootURL:       rootURL,
		MaxPages:           2,
		MaxTopicPages:      2,
		MaxConcurrency:     3,
		AttachmentsEnabled: true,
		GeocodeTTL:         30 * 24 * time.Hour,
		SummaryTopic:       runTopic,
	}
	for _, opt := range opts {
		opt(&deps, &cfg)
	}
	s, err := New(deps, cfg, logger)
	require.NoError(t, err)
	h.syncer = s
	return h
}

func (h *harness) counts() [4]int {
	s, t, p, a := h.gateway.Counts()
	return [4]int{s, t, p, a}
}

func (h *harness) onlyAttachment(t *testing.T) forum.Attachment {
	t.Helper()
	atts, err := h.gateway.ListAttachments(context.Background(), forum.AttachmentFilter{})
	require.NoError(t, err)
	require.Len(t, atts, 1)
	return atts[0]
}
