// Package forum defines the domain types and interfaces shared by the sync pipeline.
package forum

import (
	"errors"
	"net/http"
	"time"
)

// ErrNotFound is returned by lookups when no row matches.
var ErrNotFound = errors.New("not found")

// ManualProvider is the provider name stamped on operator-entered coordinates.
const ManualProvider = "manual"

// Default page sizes for list queries.
const (
	DefaultPostLimit       = 100
	DefaultAttachmentLimit = 200
)

// Source is a forum instance being crawled.
type Source struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"base_url"`
}

// Topic is a forum thread mapped to one physical location.
type Topic struct {
	ID                int64      `json:"id"`
	SourceID          int64      `json:"source_id"`
	ExternalID        string     `json:"external_id"`
	Title             string     `json:"title"`
	URL               string     `json:"url"`
	PlaceName         string     `json:"place_name"`
	Lat               *float64   `json:"geocoded_lat,omitempty"`
	Lon               *float64   `json:"geocoded_lon,omitempty"`
	GeocodeProvider   *string    `json:"geocode_provider,omitempty"`
	GeocodeConfidence *float64   `json:"geocode_confidence,omitempty"`
	GeocodeUpdatedAt  *time.Time `json:"geocode_updated_at,omitempty"`
	LastSeenAt        time.Time  `json:"last_seen_at"`
}

// HasCoordinates reports whether both latitude and longitude are set.
func (t Topic) HasCoordinates() bool {
	return t.Lat != nil && t.Lon != nil
}

// Post is a single forum message.
type Post struct {
	ID          int64      `json:"id"`
	TopicID     int64      `json:"topic_id"`
	ExternalID  string     `json:"external_id"`
	Author      string     `json:"author"`
	PostedAt    time.Time  `json:"posted_at_utc"`
	ContentText string     `json:"content_text"`
	URL         string     `json:"url"`
	IsDeleted   bool       `json:"is_deleted"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Attachment is a file referenced by a Post. A nil LocalRelPath means the
// file has not been downloaded yet.
type Attachment struct {
	ID           int64     `json:"id"`
	PostID       int64     `json:"post_id"`
	SourceURL    string    `json:"source_url"`
	FileName     string    `json:"file_name"`
	MimeType     *string   `json:"mime_type,omitempty"`
	SizeBytes    *int64    `json:"size_bytes,omitempty"`
	LocalRelPath *string   `json:"local_rel_path,omitempty"`
	IsImage      bool      `json:"is_image"`
	CreatedAt    time.Time `json:"created_at"`
}

// AttachmentUpsert carries the fields of an attachment upsert. Nil local
// fields leave the stored values untouched.
type AttachmentUpsert struct {
	PostID       int64
	SourceURL    string
	FileName     string
	IsImage      bool
	LocalRelPath *string
	MimeType     *string
	SizeBytes    *int64
}

// PostFilter narrows ListPosts.
type PostFilter struct {
	Since          *time.Time
	HasGeo         bool
	IncludeDeleted bool
	Query          string
	Limit          int
	Offset         int
}

// Normalized applies the default page size and clamps negative offsets.
func (f PostFilter) Normalized() PostFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultPostLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// AttachmentFilter narrows ListAttachments.
type AttachmentFilter struct {
	OnlyMissing bool
	Query       string
	Limit       int
	Offset      int
}

// Normalized applies the default page size and clamps negative offsets.
func (f AttachmentFilter) Normalized() AttachmentFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultAttachmentLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// ScrapedTopic is a topic stub extracted from a forum index page.
type ScrapedTopic struct {
	ExternalID string
	Title      string
	URL        string
	PlaceName  string
}

// ScrapedPost is a message extracted from a topic page.
type ScrapedPost struct {
	TopicExternalID string
	ExternalID      string
	Author          string
	PostedAt        time.Time
	ContentText     string
	URL             string
	Attachments     []ScrapedAttachment
}

// ScrapedAttachment is an attachment reference extracted from a message block.
type ScrapedAttachment struct {
	SourceURL string
	FileName  string
	IsImage   bool
}

// GeocodeResult is a resolved location for a place name.
type GeocodeResult struct {
	Lat        float64 `json:"lat"`
	Lon        float64 `json:"lon"`
	Confidence float64 `json:"confidence"`
	Provider   string  `json:"provider"`
}

// FetchResult is the outcome of a page fetch. OK is false when the page
// could not be retrieved; Body is empty in that case.
type FetchResult struct {
	Body string
	OK   bool
}

// DownloadRequest describes a cookie-authenticated GET.
type DownloadRequest struct {
	URL    string
	Cookie string
}

// DownloadResponse captures the HTTP outcome of a download attempt.
type DownloadResponse struct {
	StatusCode int
	FinalURL   string
	Headers    http.Header
	Body       []byte
}

// ContentType returns the response Content-Type header, if any.
func (r DownloadResponse) ContentType() string {
	if r.Headers == nil {
		return ""
	}
	return r.Headers.Get("Content-Type")
}

// RunSummary reports the outcome of one synchronization run.
type RunSummary struct {
	RunID                 string        `json:"run_id"`
	SourceID              int64         `json:"source_id"`
	StartedAt             time.Time     `json:"started_at"`
	Duration              time.Duration `json:"duration"`
	TopicsListed          int           `json:"topics_listed"`
	TopicsSynced          int           `json:"topics_synced"`
	TopicsFailed          int           `json:"topics_failed"`
	PostsUpserted         int           `json:"posts_upserted"`
	AttachmentsSeen       int           `json:"attachments_seen"`
	AttachmentsDownloaded int           `json:"attachments_downloaded"`
	TopicsGeocoded        int           `json:"topics_geocoded"`
}
