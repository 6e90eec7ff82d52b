package forum

import (
	"context"
	"time"
)

// Fetcher performs rate-limited, robots-compliant HTTP GETs.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) FetchResult
	Download(ctx context.Context, req DownloadRequest) (DownloadResponse, error)
}

// CookieProvider hands out the forum session cookie.
type CookieProvider interface {
	EnsureCookie(ctx context.Context, forceRefresh bool) string
	IsLoginRedirect(rawURL string) bool
}

// Geocoder resolves a place name to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, placeName string) (*GeocodeResult, bool)
	Name() string
}

// Repository holds the natural-key upsert and query operations.
type Repository interface {
	GetOrCreateSource(ctx context.Context, name, baseURL string) (Source, error)
	UpsertTopic(ctx context.Context, sourceID int64, externalID, title, url, placeName string) (Topic, error)
	UpsertPost(
		ctx context.Context,
		topicID int64,
		externalID, author string,
		postedAt time.Time,
		contentText, url string,
	) (Post, error)
	UpsertPostAttachment(ctx context.Context, in AttachmentUpsert) (Attachment, error)
	ListAttachmentsForPost(ctx context.Context, postID int64) ([]Attachment, error)
	UpdateTopicCoordinates(
		ctx context.Context,
		topicID int64,
		lat, lon float64,
		confidence *float64,
		provider string,
	) (bool, error)

	GetTopic(ctx context.Context, topicID int64) (Topic, error)
	GetPost(ctx context.Context, postID int64) (Post, error)
	ListPosts(ctx context.Context, filter PostFilter) ([]Post, error)
	ListAttachments(ctx context.Context, filter AttachmentFilter) ([]Attachment, error)
	SoftDeletePost(ctx context.Context, postID int64) (bool, error)
	RestorePost(ctx context.Context, postID int64) (bool, error)
}

// Tx is a Repository bound to one commit/rollback boundary.
type Tx interface {
	Repository
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Gateway is the persistence entry point. Calls made directly on the
// Gateway run in their own implicit transaction.
type Gateway interface {
	Repository
	Begin(ctx context.Context) (Tx, error)
	Close()
}

// BlobStore persists attachment bytes under a relative path.
type BlobStore interface {
	Exists(relPath string) (bool, int64, error)
	Put(ctx context.Context, relPath string, data []byte) (string, error)
	AbsPath(relPath string) string
}

// BlobMirror copies attachment bytes to a secondary store.
type BlobMirror interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes run summaries to subscribers.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time.
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
