// Package memory provides an in-memory forum.Gateway and attachment mirror
// for tests and dry runs.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/JakeFAU/forum-geosync/internal/forum"
)

var errTxDone = errors.New("transaction already finished")

type sourceKey struct{ name string }

type topicKey struct {
	sourceID   int64
	externalID string
}

type postKey struct {
	topicID    int64
	externalID string
}

type attachmentKey struct {
	postID    int64
	sourceURL string
}

type state struct {
	lastID int64

	sources     map[int64]forum.Source
	topics      map[int64]forum.Topic
	posts       map[int64]forum.Post
	attachments map[int64]forum.Attachment

	sourceByName    map[sourceKey]int64
	topicByKey      map[topicKey]int64
	postByKey       map[postKey]int64
	attachmentByKey map[attachmentKey]int64
}

func newState() *state {
	return &state{
		sources:         make(map[int64]forum.Source),
		topics:          make(map[int64]forum.Topic),
		posts:           make(map[int64]forum.Post),
		attachments:     make(map[int64]forum.Attachment),
		sourceByName:    make(map[sourceKey]int64),
		topicByKey:      make(map[topicKey]int64),
		postByKey:       make(map[postKey]int64),
		attachmentByKey: make(map[attachmentKey]int64),
	}
}

func (s *state) clone() *state {
	c := newState()
	c.lastID = s.lastID
	for k, v := range s.sources {
		c.sources[k] = v
	}
	for k, v := range s.topics {
		c.topics[k] = v
	}
	for k, v := range s.posts {
		c.posts[k] = v
	}
	for k, v := range s.attachments {
		c.attachments[k] = v
	}
	for k, v := range s.sourceByName {
		c.sourceByName[k] = v
	}
	for k, v := range s.topicByKey {
		c.topicByKey[k] = v
	}
	for k, v := range s.postByKey {
		c.postByKey[k] = v
	}
	for k, v := range s.attachmentByKey {
		c.attachmentByKey[k] = v
	}
	return c
}

func (s *state) nextID() int64 {
	s.lastID++
	return s.lastID
}

// Gateway is a copy-on-begin store. Transactions are serialized: Begin
// blocks until the previous transaction commits or rolls back, and
// direct Gateway calls run as single-statement transactions.
type Gateway struct {
	clock forum.Clock

	txMu sync.Mutex
	mu   sync.RWMutex
	st   *state
}

var _ forum.Gateway = (*Gateway)(nil)

// NewGateway builds an empty Gateway. clock stamps last_seen, deleted and geocode times.
func NewGateway(clock forum.Clock) *Gateway {
	if clock == nil {
		clock = utcClock{}
	}
	return &Gateway{clock: clock, st: newState()}
}

type utcClock struct{}

func (utcClock) Now() time.Time { return time.Now().UTC() }

// Begin opens a transaction over a private copy of the store.
func (g *Gateway) Begin(_ context.Context) (forum.Tx, error) {
	g.txMu.Lock()
	g.mu.RLock()
	snapshot := g.st.clone()
	g.mu.RUnlock()
	return &Tx{gw: g, repo: repo{st: snapshot, clock: g.clock}}, nil
}

// Close is a no-op.
func (g *Gateway) Close() {}

// run executes fn in its own transaction.
func run[T any](ctx context.Context, g *Gateway, fn func(r *repo) (T, error)) (T, error) {
	var zero T
	tx, err := g.Begin(ctx)
	if err != nil {
		return zero, err
	}
	mtx := tx.(*Tx)
	out, err := fn(&mtx.repo)
	if err != nil {
		_ = mtx.Rollback(ctx)
		return zero, err
	}
	if err := mtx.Commit(ctx); err != nil {
		return zero, err
	}
	return out, nil
}

// GetOrCreateSource implements forum.Repository.
func (g *Gateway) GetOrCreateSource(ctx context.Context, name, baseURL string) (forum.Source, error) {
	return run(ctx, g, func(r *repo) (forum.Source, error) { return r.GetOrCreateSource(ctx, name, baseURL) })
}

// UpsertTopic implements forum.Repository.
func (g *Gateway) UpsertTopic(ctx context.Context, sourceID int64, externalID, title, url, placeName string) (forum.Topic, error) {
	return run(ctx, g, func(r *repo) (forum.Topic, error) {
		return r.UpsertTopic(ctx, sourceID, externalID, title, url, placeName)
	})
}

// UpsertPost implements forum.Repository.
func (g *Gateway) UpsertPost(
	ctx context.Context,
	topicID int64,
	externalID, author string,
	postedAt time.Time,
	contentText, url string,
) (forum.Post, error) {
	return run(ctx, g, func(r *repo) (forum.Post, error) {
		return r.UpsertPost(ctx, topicID, externalID, author, postedAt, contentText, url)
	})
}

// UpsertPostAttachment implements forum.Repository.
func (g *Gateway) UpsertPostAttachment(ctx context.Context, in forum.AttachmentUpsert) (forum.Attachment, error) {
	return run(ctx, g, func(r *repo) (forum.Attachment, error) { return r.UpsertPostAttachment(ctx, in) })
}

// ListAttachmentsForPost implements forum.Repository.
func (g *Gateway) ListAttachmentsForPost(ctx context.Context, postID int64) ([]forum.Attachment, error) {
	return run(ctx, g, func(r *repo) ([]forum.Attachment, error) { return r.ListAttachmentsForPost(ctx, postID) })
}

// UpdateTopicCoordinates implements forum.Repository.
func (g *Gateway) UpdateTopicCoordinates(
	ctx context.Context,
	topicID int64,
	lat, lon float64,
	confidence *float64,
	provider string,
) (bool, error) {
	return run(ctx, g, func(r *repo) (bool, error) {
		return r.UpdateTopicCoordinates(ctx, topicID, lat, lon, confidence, provider)
	})
}

// GetTopic implements forum.Repository.
func (g *Gateway) GetTopic(ctx context.Context, topicID int64) (forum.Topic, error) {
	return run(ctx, g, func(r *repo) (forum.Topic, error) { return r.GetTopic(ctx, topicID) })
}

// GetPost implements forum.Repository.
func (g *Gateway) GetPost(ctx context.Context, postID int64) (forum.Post, error) {
	return run(ctx, g, func(r *repo) (forum.Post, error) { return r.GetPost(ctx, postID) })
}

// ListPosts implements forum.Repository.
func (g *Gateway) ListPosts(ctx context.Context, filter forum.PostFilter) ([]forum.Post, error) {
	return run(ctx, g, func(r *repo) ([]forum.Post, error) { return r.ListPosts(ctx, filter) })
}

// ListAttachments implements forum.Repository.
func (g *Gateway) ListAttachments(ctx context.Context, filter forum.AttachmentFilter) ([]forum.Attachment, error) {
	return run(ctx, g, func(r *repo) ([]forum.Attachment, error) { return r.ListAttachments(ctx, filter) })
}

// SoftDeletePost implements forum.Repository.
func (g *Gateway) SoftDeletePost(ctx context.Context, postID int64) (bool, error) {
	return run(ctx, g, func(r *repo) (bool, error) { return r.SoftDeletePost(ctx, postID) })
}

// RestorePost implements forum.Repository.
func (g *Gateway) RestorePost(ctx context.Context, postID int64) (bool, error) {
	return run(ctx, g, func(r *repo) (bool, error) { return r.RestorePost(ctx, postID) })
}

// Counts returns the number of stored sources, topics, posts and attachments.
func (g *Gateway) Counts() (sources, topics, posts, attachments int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.st.sources), len(g.st.topics), len(g.st.posts), len(g.st.attachments)
}

// Tx is a Gateway transaction working on a private snapshot.
type Tx struct {
	repo
	gw   *Gateway
	done bool
}

var _ forum.Tx = (*Tx)(nil)

// Commit publishes the snapshot as the new store state.
func (t *Tx) Commit(_ context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	t.gw.mu.Lock()
	t.gw.st = t.st
	t.gw.mu.Unlock()
	t.gw.txMu.Unlock()
	return nil
}

// Rollback discards the snapshot. Rolling back a finished transaction is a no-op.
func (t *Tx) Rollback(_ context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.gw.txMu.Unlock()
	return nil
}

// repo implements forum.Repository over one state snapshot.
type repo struct {
	st    *state
	clock forum.Clock
}

func (r *repo) now() time.Time { return r.clock.Now().UTC() }

func (r *repo) GetOrCreateSource(_ context.Context, name, baseURL string) (forum.Source, error) {
	if id, ok := r.st.sourceByName[sourceKey{name}]; ok {
		return r.st.sources[id], nil
	}
	src := forum.Source{ID: r.st.nextID(), Name: name, BaseURL: baseURL}
	r.st.sources[src.ID] = src
	r.st.sourceByName[sourceKey{name}] = src.ID
	return src, nil
}

func (r *repo) UpsertTopic(_ context.Context, sourceID int64, externalID, title, url, placeName string) (forum.Topic, error) {
	if _, ok := r.st.sources[sourceID]; !ok {
		return forum.Topic{}, fmt.Errorf("upsert topic: source %d: %w", sourceID, forum.ErrNotFound)
	}
	now := r.now()
	key := topicKey{sourceID, externalID}
	if id, ok := r.st.topicByKey[key]; ok {
		t := r.st.topics[id]
		t.Title, t.URL, t.PlaceName, t.LastSeenAt = title, url, placeName, now
		r.st.topics[id] = t
		return t, nil
	}
	t := forum.Topic{
		ID:         r.st.nextID(),
		SourceID:   sourceID,
		ExternalID: externalID,
		Title:      title,
		URL:        url,
		PlaceName:  placeName,
		LastSeenAt: now,
	}
	r.st.topics[t.ID] = t
	r.st.topicByKey[key] = t.ID
	return t, nil
}

func (r *repo) UpsertPost(
	_ context.Context,
	topicID int64,
	externalID, author string,
	postedAt time.Time,
	contentText, url string,
) (forum.Post, error) {
	if _, ok := r.st.topics[topicID]; !ok {
		return forum.Post{}, fmt.Errorf("upsert post: topic %d: %w", topicID, forum.ErrNotFound)
	}
	now := r.now()
	key := postKey{topicID, externalID}
	if id, ok := r.st.postByKey[key]; ok {
		p := r.st.posts[id]
		p.Author, p.PostedAt, p.ContentText, p.URL, p.UpdatedAt = author, postedAt.UTC(), contentText, url, now
		r.st.posts[id] = p
		return p, nil
	}
	p := forum.Post{
		ID:          r.st.nextID(),
		TopicID:     topicID,
		ExternalID:  externalID,
		Author:      author,
		PostedAt:    postedAt.UTC(),
		ContentText: contentText,
		URL:         url,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	r.st.posts[p.ID] = p
	r.st.postByKey[key] = p.ID
	return p, nil
}

func (r *repo) UpsertPostAttachment(_ context.Context, in forum.AttachmentUpsert) (forum.Attachment, error) {
	if _, ok := r.st.posts[in.PostID]; !ok {
		return forum.Attachment{}, fmt.Errorf("upsert attachment: post %d: %w", in.PostID, forum.ErrNotFound)
	}
	key := attachmentKey{in.PostID, in.SourceURL}
	if id, ok := r.st.attachmentByKey[key]; ok {
		a := r.st.attachments[id]
		a.FileName, a.IsImage = in.FileName, in.IsImage
		if in.LocalRelPath != nil {
			a.LocalRelPath = copyString(in.LocalRelPath)
		}
		if in.MimeType != nil {
			a.MimeType = copyString(in.MimeType)
		}
		if in.SizeBytes != nil {
			size := *in.SizeBytes
			a.SizeBytes = &size
		}
		r.st.attachments[id] = a
		return a, nil
	}
	a := forum.Attachment{
		ID:           r.st.nextID(),
		PostID:       in.PostID,
		SourceURL:    in.SourceURL,
		FileName:     in.FileName,
		IsImage:      in.IsImage,
		LocalRelPath: copyString(in.LocalRelPath),
		MimeType:     copyString(in.MimeType),
		CreatedAt:    r.now(),
	}
	if in.SizeBytes != nil {
		size := *in.SizeBytes
		a.SizeBytes = &size
	}
	r.st.attachments[a.ID] = a
	r.st.attachmentByKey[key] = a.ID
	return a, nil
}

func (r *repo) ListAttachmentsForPost(_ context.Context, postID int64) ([]forum.Attachment, error) {
	var out []forum.Attachment
	for _, a := range r.st.attachments {
		if a.PostID == postID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *repo) UpdateTopicCoordinates(
	_ context.Context,
	topicID int64,
	lat, lon float64,
	confidence *float64,
	provider string,
) (bool, error) {
	t, ok := r.st.topics[topicID]
	if !ok {
		return false, nil
	}
	now := r.now()
	t.Lat, t.Lon = &lat, &lon
	t.GeocodeConfidence = nil
	if confidence != nil {
		c := *confidence
		t.GeocodeConfidence = &c
	}
	t.GeocodeProvider = &provider
	t.GeocodeUpdatedAt = &now
	r.st.topics[topicID] = t
	return true, nil
}

func (r *repo) GetTopic(_ context.Context, topicID int64) (forum.Topic, error) {
	t, ok := r.st.topics[topicID]
	if !ok {
		return forum.Topic{}, fmt.Errorf("topic %d: %w", topicID, forum.ErrNotFound)
	}
	return t, nil
}

func (r *repo) GetPost(_ context.Context, postID int64) (forum.Post, error) {
	p, ok := r.st.posts[postID]
	if !ok {
		return forum.Post{}, fmt.Errorf("post %d: %w", postID, forum.ErrNotFound)
	}
	return p, nil
}

func (r *repo) ListPosts(_ context.Context, filter forum.PostFilter) ([]forum.Post, error) {
	filter = filter.Normalized()
	q := strings.ToLower(strings.TrimSpace(filter.Query))
	var out []forum.Post
	for _, p := range r.st.posts {
		topic := r.st.topics[p.TopicID]
		if filter.Since != nil && p.PostedAt.Before(*filter.Since) {
			continue
		}
		if filter.HasGeo && !topic.HasCoordinates() {
			continue
		}
		if !filter.IncludeDeleted && p.IsDeleted {
			continue
		}
		if q != "" && !containsAny(q, p.ContentText, p.Author, topic.Title) {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].PostedAt.Equal(out[j].PostedAt) {
			return out[i].PostedAt.After(out[j].PostedAt)
		}
		return out[i].ID > out[j].ID
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (r *repo) ListAttachments(_ context.Context, filter forum.AttachmentFilter) ([]forum.Attachment, error) {
	filter = filter.Normalized()
	q := strings.ToLower(strings.TrimSpace(filter.Query))
	var out []forum.Attachment
	for _, a := range r.st.attachments {
		if filter.OnlyMissing && a.LocalRelPath != nil {
			continue
		}
		post := r.st.posts[a.PostID]
		if q != "" && !containsAny(q, post.Author, post.ContentText, r.st.topics[post.TopicID].Title, a.FileName) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		pi, pj := r.st.posts[out[i].PostID].PostedAt, r.st.posts[out[j].PostID].PostedAt
		if !pi.Equal(pj) {
			return pi.After(pj)
		}
		return out[i].ID < out[j].ID
	})
	return paginate(out, filter.Offset, filter.Limit), nil
}

func (r *repo) SoftDeletePost(_ context.Context, postID int64) (bool, error) {
	p, ok := r.st.posts[postID]
	if !ok {
		return false, nil
	}
	now := r.now()
	p.IsDeleted, p.DeletedAt = true, &now
	r.st.posts[postID] = p
	return true, nil
}

func (r *repo) RestorePost(_ context.Context, postID int64) (bool, error) {
	p, ok := r.st.posts[postID]
	if !ok {
		return false, nil
	}
	p.IsDeleted, p.DeletedAt = false, nil
	r.st.posts[postID] = p
	return true, nil
}

func containsAny(needle string, haystacks ...string) bool {
	for _, h := range haystacks {
		if strings.Contains(strings.ToLower(h), needle) {
			return true
		}
	}
	return false
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if limit < len(items) {
		items = items[:limit]
	}
	return items
}

func copyString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
