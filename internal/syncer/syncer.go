// Package syncer drives one synchronization run: list topics, fetch the
// trailing pages of each, upsert topics, posts and attachments, and
// refresh stale geocodes, committing one transaction per topic.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/forum-geosync/internal/clock/system"
	"github.com/JakeFAU/forum-geosync/internal/extract"
	"github.com/JakeFAU/forum-geosync/internal/forum"
	"github.com/JakeFAU/forum-geosync/internal/id/uuid"
	"github.com/JakeFAU/forum-geosync/internal/metrics"
)

// Config controls Syncer behavior.
type Config struct {
	SourceName         string
	ForumRootURL       string
	MaxPages           int
	MaxTopicPages      int
	MaxConcurrency     int
	AttachmentsEnabled bool
	GeocodeTTL         time.Duration
	// SummaryTopic is the publisher topic for run summaries. Empty disables publishing.
	SummaryTopic string
}

// Dependencies are the collaborators a Syncer drives. Gateway and Fetcher
// are required; a nil Geocoder disables geocoding and a nil Blobs store
// disables downloads.
type Dependencies struct {
	Gateway   forum.Gateway
	Fetcher   forum.Fetcher
	Auth      forum.CookieProvider
	Extractor *extract.Extractor
	Geocoder  forum.Geocoder
	Blobs     forum.BlobStore
	Mirror    forum.BlobMirror
	Publisher forum.Publisher
	Clock     forum.Clock
	IDs       forum.IDGenerator
}

// Syncer runs the pipeline.
type Syncer struct {
	gateway   forum.Gateway
	fetcher   forum.Fetcher
	auth      forum.CookieProvider
	extractor *extract.Extractor
	geocoder  forum.Geocoder
	blobs     forum.BlobStore
	mirror    forum.BlobMirror
	publisher forum.Publisher
	clock     forum.Clock
	ids       forum.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Syncer.
func New(deps Dependencies, cfg Config, logger *zap.Logger) (*Syncer, error) {
	if deps.Gateway == nil {
		return nil, errors.New("syncer: gateway is required")
	}
	if deps.Fetcher == nil {
		return nil, errors.New("syncer: fetcher is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 1
	}
	if cfg.MaxTopicPages <= 0 {
		cfg.MaxTopicPages = 1
	}
	if deps.Extractor == nil {
		deps.Extractor = extract.New(logger)
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = uuid.New()
	}
	return &Syncer{
		gateway:   deps.Gateway,
		fetcher:   deps.Fetcher,
		auth:      deps.Auth,
		extractor: deps.Extractor,
		geocoder:  deps.Geocoder,
		blobs:     deps.Blobs,
		mirror:    deps.Mirror,
		publisher: deps.Publisher,
		clock:     deps.Clock,
		ids:       deps.IDs,
		cfg:       cfg,
		logger:    logger,
	}, nil
}

// topicStats are the per-topic counters folded into the RunSummary.
type topicStats struct {
	posts       int
	attachments int
	downloaded  int
	geocoded    bool
}

// Run performs one synchronization pass. Only a failure to establish the
// Source is returned as an error; per-topic failures are logged and counted.
func (s *Syncer) Run(ctx context.Context) (forum.RunSummary, error) {
	start := s.clock.Now()
	runID, err := s.ids.NewID()
	if err != nil {
		s.logger.Warn("run id generation failed", zap.Error(err))
	}
	logger := s.logger.With(zap.String("run_id", runID))
	summary := forum.RunSummary{RunID: runID, StartedAt: start}

	src, err := s.gateway.GetOrCreateSource(ctx, s.cfg.SourceName, s.cfg.ForumRootURL)
	if err != nil {
		summary.Duration = s.clock.Now().Sub(start)
		metrics.ObserveRun("failed", 0, summary.Duration)
		logger.Error("ensure source failed", zap.String("source", s.cfg.SourceName), zap.Error(err))
		return summary, fmt.Errorf("ensure source %q: %w", s.cfg.SourceName, err)
	}
	summary.SourceID = src.ID

	topics := s.listTopics(ctx, logger)
	summary.TopicsListed = len(topics)
	logger.Info("topics listed", zap.Int("count", len(topics)))

	status := "ok"
	for _, topic := range topics {
		if ctx.Err() != nil {
			status = "interrupted"
			logger.Warn("run interrupted", zap.Error(ctx.Err()))
			break
		}
		stats, err := s.syncTopic(ctx, src, topic)
		if err != nil {
			summary.TopicsFailed++
			metrics.ObserveTopic("failed")
			logger.Error("topic sync failed", zap.String("topic_url", topic.URL), zap.Error(err))
			continue
		}
		metrics.ObserveTopic("synced")
		summary.TopicsSynced++
		summary.PostsUpserted += stats.posts
		summary.AttachmentsSeen += stats.attachments
		summary.AttachmentsDownloaded += stats.downloaded
		if stats.geocoded {
			summary.TopicsGeocoded++
		}
	}

	summary.Duration = s.clock.Now().Sub(start)
	metrics.ObserveRun(status, summary.PostsUpserted, summary.Duration)
	logger.Info("sync run finished",
		zap.String("status", status),
		zap.Int("topics_synced", summary.TopicsSynced),
		zap.Int("topics_failed", summary.TopicsFailed),
		zap.Int("posts_upserted", summary.PostsUpserted),
		zap.Int("attachments_downloaded", summary.AttachmentsDownloaded),
		zap.Int("topics_geocoded", summary.TopicsGeocoded),
		zap.Duration("duration", summary.Duration),
	)
	s.publishSummary(ctx, logger, summary)
	return summary, nil
}

// listTopics walks the index pages and merges topics by external id,
// keeping first-seen order and the last observed values.
func (s *Syncer) listTopics(ctx context.Context, logger *zap.Logger) []forum.ScrapedTopic {
	var order []string
	byID := make(map[string]forum.ScrapedTopic)
	for page := 1; page <= s.cfg.MaxPages; page++ {
		pageURL := extract.PageURL(s.cfg.ForumRootURL, page)
		res := s.fetcher.Fetch(ctx, pageURL)
		if !res.OK {
			logger.Warn("index page unavailable", zap.String("url", pageURL))
			continue
		}
		for _, t := range s.extractor.Topics(res.Body, pageURL) {
			if _, seen := byID[t.ExternalID]; !seen {
				order = append(order, t.ExternalID)
			}
			byID[t.ExternalID] = t
		}
	}
	out := make([]forum.ScrapedTopic, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// fetchPosts reads the trailing page window of a topic and merges posts by
// external id. Pages are fetched concurrently; results keep page order.
func (s *Syncer) fetchPosts(ctx context.Context, topic forum.ScrapedTopic) []forum.ScrapedPost {
	first := s.fetcher.Fetch(ctx, topic.URL)
	last := 1
	if first.OK {
		last = s.extractor.LastPage(first.Body)
	}
	start := max(1, last-s.cfg.MaxTopicPages+1)

	pages := make([]forum.FetchResult, last-start+1)
	var g errgroup.Group
	if s.cfg.MaxConcurrency > 0 {
		g.SetLimit(s.cfg.MaxConcurrency)
	}
	for i := range pages {
		page := start + i
		if page == 1 && first.OK {
			pages[i] = first
			continue
		}
		g.Go(func() error {
			pages[i] = s.fetcher.Fetch(ctx, extract.PageURL(topic.URL, page))
			return nil
		})
	}
	_ = g.Wait()

	var order []string
	byID := make(map[string]forum.ScrapedPost)
	for i, res := range pages {
		if !res.OK {
			continue
		}
		pageURL := extract.PageURL(topic.URL, start+i)
		for _, p := range s.extractor.Posts(res.Body, pageURL, topic) {
			if _, seen := byID[p.ExternalID]; !seen {
				order = append(order, p.ExternalID)
			}
			byID[p.ExternalID] = p
		}
	}
	out := make([]forum.ScrapedPost, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

// syncTopic persists one topic in its own transaction. Any error or panic
// rolls the transaction back and is reported as the topic's error.
func (s *Syncer) syncTopic(ctx context.Context, src forum.Source, scraped forum.ScrapedTopic) (stats topicStats, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	posts := s.fetchPosts(ctx, scraped)

	tx, err := s.gateway.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("begin topic tx: %w", err)
	}
	committed := false
	defer func() {
		if committed {
			return
		}
		if rbErr := tx.Rollback(context.WithoutCancel(ctx)); rbErr != nil {
			s.logger.Warn("rollback failed", zap.String("topic_url", scraped.URL), zap.Error(rbErr))
		}
	}()

	topic, err := tx.UpsertTopic(ctx, src.ID, scraped.ExternalID, scraped.Title, scraped.URL, scraped.PlaceName)
	if err != nil {
		return stats, err
	}

	for _, sp := range posts {
		post, err := tx.UpsertPost(ctx, topic.ID, sp.ExternalID, sp.Author, sp.PostedAt, sp.ContentText, sp.URL)
		if err != nil {
			return stats, err
		}
		stats.posts++
		for _, sa := range sp.Attachments {
			stats.attachments++
			downloaded, err := s.syncAttachment(ctx, tx, post, sa)
			if err != nil {
				return stats, err
			}
			if downloaded {
				stats.downloaded++
			}
		}
	}

	stats.geocoded, err = s.geocodeIfStale(ctx, tx, topic)
	if err != nil {
		return stats, err
	}

	if err := tx.Commit(ctx); err != nil {
		return stats, fmt.Errorf("commit topic tx: %w", err)
	}
	committed = true
	return stats, nil
}

// GeocodeStale reports whether topic needs a geocode refresh at now.
func GeocodeStale(topic forum.Topic, now time.Time, ttl time.Duration) bool {
	if !topic.HasCoordinates() || topic.GeocodeUpdatedAt == nil {
		return true
	}
	return topic.GeocodeUpdatedAt.Before(now.Add(-ttl))
}

// geocodeIfStale refreshes the coordinates of a stale topic. A provider
// miss leaves the stored geocode untouched.
func (s *Syncer) geocodeIfStale(ctx context.Context, repo forum.Repository, topic forum.Topic) (bool, error) {
	if s.geocoder == nil || !GeocodeStale(topic, s.clock.Now(), s.cfg.GeocodeTTL) {
		return false, nil
	}
	res, ok := s.geocoder.Geocode(ctx, topic.PlaceName)
	if !ok || res == nil {
		return false, nil
	}
	confidence := res.Confidence
	updated, err := repo.UpdateTopicCoordinates(ctx, topic.ID, res.Lat, res.Lon, &confidence, res.Provider)
	if err != nil {
		return false, err
	}
	return updated, nil
}

func (s *Syncer) publishSummary(ctx context.Context, logger *zap.Logger, summary forum.RunSummary) {
	if s.publisher == nil || s.cfg.SummaryTopic == "" {
		return
	}
	id, err := s.publisher.Publish(ctx, s.cfg.SummaryTopic, summary)
	if err != nil {
		logger.Warn("publish run summary failed", zap.Error(err))
		return
	}
	logger.Debug("run summary published", zap.String("message_id", id))
}
