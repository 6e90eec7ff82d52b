// Package postgres provides the Postgres-backed forum.Gateway.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/forum-geosync/internal/forum"
)

//go:embed schema.sql
var schemaSQL string

// Schema returns the bootstrap DDL applied by Migrate.
func Schema() string { return schemaSQL }

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbtx interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
}

// Pool is the subset of pgxpool.Pool used by the Gateway.
type Pool interface {
	dbtx
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Gateway implements forum.Gateway on a pgx pool.
type Gateway struct {
	queries
	pool Pool
}

var _ forum.Gateway = (*Gateway)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Gateway, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewWithPool(pool)
}

// NewWithPool constructs a Gateway from an existing pool (primarily for testing).
func NewWithPool(pool Pool) (*Gateway, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Gateway{queries: queries{db: pool}, pool: pool}, nil
}

// Migrate applies the bootstrap schema. Every statement is idempotent.
func (g *Gateway) Migrate(ctx context.Context) error {
	if _, err := g.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (g *Gateway) Ping(ctx context.Context) error {
	return g.pool.Ping(ctx)
}

// Close releases the pool.
func (g *Gateway) Close() {
	g.pool.Close()
}

// Begin starts a transaction.
func (g *Gateway) Begin(ctx context.Context) (forum.Tx, error) {
	tx, err := g.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{queries: queries{db: tx}, tx: tx}, nil
}

// Tx is a Gateway transaction.
type Tx struct {
	queries
	tx pgx.Tx
}

// Commit commits the transaction.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Rollback aborts the transaction. Rolling back a finished transaction is a no-op.
func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("rollback transaction: %w", err)
	}
	return nil
}

const (
	topicColumns = `id, source_id, external_id, title, url, place_name, geocoded_lat, geocoded_lon,
		geocode_provider, geocode_confidence, geocode_updated_at, last_seen_at`
	postColumns = `id, topic_id, external_id, author, posted_at_utc, content_text, url,
		is_deleted, deleted_at, created_at, updated_at`
	attachmentColumns = `id, post_id, source_url, file_name, mime_type, size_bytes,
		local_rel_path, is_image, created_at`
)

// queries implements forum.Repository over a pool or a transaction.
type queries struct {
	db dbtx
}

func (q queries) GetOrCreateSource(ctx context.Context, name, baseURL string) (forum.Source, error) {
	const query = `
		INSERT INTO sources (name, base_url)
		VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, base_url;
	`
	var src forum.Source
	if err := q.db.QueryRow(ctx, query, name, baseURL).Scan(&src.ID, &src.Name, &src.BaseURL); err != nil {
		return forum.Source{}, fmt.Errorf("get or create source %q: %w", name, err)
	}
	return src, nil
}

func (q queries) UpsertTopic(
	ctx context.Context,
	sourceID int64,
	externalID, title, url, placeName string,
) (forum.Topic, error) {
	query := `
		INSERT INTO topics (source_id, external_id, title, url, place_name, last_seen_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (source_id, external_id) DO UPDATE
		SET title = EXCLUDED.title,
			url = EXCLUDED.url,
			place_name = EXCLUDED.place_name,
			last_seen_at = now()
		RETURNING ` + topicColumns + `;`
	t, err := scanTopic(q.db.QueryRow(ctx, query, sourceID, externalID, title, url, placeName))
	if err != nil {
		return forum.Topic{}, fmt.Errorf("upsert topic %s: %w", externalID, err)
	}
	return t, nil
}

func (q queries) UpsertPost(
	ctx context.Context,
	topicID int64,
	externalID, author string,
	postedAt time.Time,
	contentText, url string,
) (forum.Post, error) {
	query := `
		INSERT INTO posts (topic_id, external_id, author, posted_at_utc, content_text, url)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (topic_id, external_id) DO UPDATE
		SET author = EXCLUDED.author,
			posted_at_utc = EXCLUDED.posted_at_utc,
			content_text = EXCLUDED.content_text,
			url = EXCLUDED.url,
			updated_at = now()
		RETURNING ` + postColumns + `;`
	p, err := scanPost(q.db.QueryRow(ctx, query, topicID, externalID, author, postedAt.UTC(), contentText, url))
	if err != nil {
		return forum.Post{}, fmt.Errorf("upsert post %s: %w", externalID, err)
	}
	return p, nil
}

func (q queries) UpsertPostAttachment(ctx context.Context, in forum.AttachmentUpsert) (forum.Attachment, error) {
	query := `
		INSERT INTO post_attachments (post_id, source_url, file_name, is_image, local_rel_path, mime_type, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (post_id, source_url) DO UPDATE
		SET file_name = EXCLUDED.file_name,
			is_image = EXCLUDED.is_image,
			local_rel_path = COALESCE(EXCLUDED.local_rel_path, post_attachments.local_rel_path),
			mime_type = COALESCE(EXCLUDED.mime_type, post_attachments.mime_type),
			size_bytes = COALESCE(EXCLUDED.size_bytes, post_attachments.size_bytes)
		RETURNING ` + attachmentColumns + `;`
	a, err := scanAttachment(q.db.QueryRow(ctx, query,
		in.PostID, in.SourceURL, in.FileName, in.IsImage, in.LocalRelPath, in.MimeType, in.SizeBytes))
	if err != nil {
		return forum.Attachment{}, fmt.Errorf("upsert attachment %s: %w", in.SourceURL, err)
	}
	return a, nil
}

func (q queries) ListAttachmentsForPost(ctx context.Context, postID int64) ([]forum.Attachment, error) {
	query := `SELECT ` + attachmentColumns + ` FROM post_attachments WHERE post_id = $1 ORDER BY id ASC;`
	rows, err := q.db.Query(ctx, query, postID)
	if err != nil {
		return nil, fmt.Errorf("list attachments for post %d: %w", postID, err)
	}
	return collect(rows, scanAttachment)
}

func (q queries) UpdateTopicCoordinates(
	ctx context.Context,
	topicID int64,
	lat, lon float64,
	confidence *float64,
	provider string,
) (bool, error) {
	const query = `
		UPDATE topics
		SET geocoded_lat = $1, geocoded_lon = $2, geocode_confidence = $3,
			geocode_provider = $4, geocode_updated_at = now()
		WHERE id = $5;
	`
	res, err := q.db.Exec(ctx, query, lat, lon, confidence, provider, topicID)
	if err != nil {
		return false, fmt.Errorf("update topic %d coordinates: %w", topicID, err)
	}
	return res.RowsAffected() > 0, nil
}

func (q queries) GetTopic(ctx context.Context, topicID int64) (forum.Topic, error) {
	query := `SELECT ` + topicColumns + ` FROM topics WHERE id = $1;`
	t, err := scanTopic(q.db.QueryRow(ctx, query, topicID))
	if errors.Is(err, pgx.ErrNoRows) {
		return forum.Topic{}, fmt.Errorf("topic %d: %w", topicID, forum.ErrNotFound)
	}
	if err != nil {
		return forum.Topic{}, fmt.Errorf("get topic %d: %w", topicID, err)
	}
	return t, nil
}

func (q queries) GetPost(ctx context.Context, postID int64) (forum.Post, error) {
	query := `SELECT ` + postColumns + ` FROM posts WHERE id = $1;`
	p, err := scanPost(q.db.QueryRow(ctx, query, postID))
	if errors.Is(err, pgx.ErrNoRows) {
		return forum.Post{}, fmt.Errorf("post %d: %w", postID, forum.ErrNotFound)
	}
	if err != nil {
		return forum.Post{}, fmt.Errorf("get post %d: %w", postID, err)
	}
	return p, nil
}

func (q queries) ListPosts(ctx context.Context, filter forum.PostFilter) ([]forum.Post, error) {
	filter = filter.Normalized()
	query := `
		SELECT p.id, p.topic_id, p.external_id, p.author, p.posted_at_utc, p.content_text, p.url,
			p.is_deleted, p.deleted_at, p.created_at, p.updated_at
		FROM posts p
		JOIN topics t ON t.id = p.topic_id
		WHERE ($1::timestamptz IS NULL OR p.posted_at_utc >= $1)
			AND (NOT $2::boolean OR (t.geocoded_lat IS NOT NULL AND t.geocoded_lon IS NOT NULL))
			AND ($3::boolean OR NOT p.is_deleted)
			AND ($4::text = '' OR p.content_text ILIKE $4 OR p.author ILIKE $4 OR t.title ILIKE $4)
		ORDER BY p.posted_at_utc DESC, p.id DESC
		LIMIT $5 OFFSET $6;
	`
	rows, err := q.db.Query(ctx, query,
		filter.Since, filter.HasGeo, filter.IncludeDeleted, likePattern(filter.Query), filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list posts: %w", err)
	}
	return collect(rows, scanPost)
}

func (q queries) ListAttachments(ctx context.Context, filter forum.AttachmentFilter) ([]forum.Attachment, error) {
	filter = filter.Normalized()
	query := `
		SELECT a.id, a.post_id, a.source_url, a.file_name, a.mime_type, a.size_bytes,
			a.local_rel_path, a.is_image, a.created_at
		FROM post_attachments a
		JOIN posts p ON p.id = a.post_id
		JOIN topics t ON t.id = p.topic_id
		WHERE (NOT $1::boolean OR a.local_rel_path IS NULL)
			AND ($2::text = '' OR p.author ILIKE $2 OR p.content_text ILIKE $2
				OR t.title ILIKE $2 OR a.file_name ILIKE $2)
		ORDER BY p.posted_at_utc DESC, a.id ASC
		LIMIT $3 OFFSET $4;
	`
	rows, err := q.db.Query(ctx, query, filter.OnlyMissing, likePattern(filter.Query), filter.Limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return collect(rows, scanAttachment)
}

func (q queries) SoftDeletePost(ctx context.Context, postID int64) (bool, error) {
	const query = `UPDATE posts SET is_deleted = true, deleted_at = now() WHERE id = $1;`
	res, err := q.db.Exec(ctx, query, postID)
	if err != nil {
		return false, fmt.Errorf("soft delete post %d: %w", postID, err)
	}
	return res.RowsAffected() > 0, nil
}

func (q queries) RestorePost(ctx context.Context, postID int64) (bool, error) {
	const query = `UPDATE posts SET is_deleted = false, deleted_at = NULL WHERE id = $1;`
	res, err := q.db.Exec(ctx, query, postID)
	if err != nil {
		return false, fmt.Errorf("restore post %d: %w", postID, err)
	}
	return res.RowsAffected() > 0, nil
}

// likePattern wraps q for ILIKE, escaping wildcards. Blank input disables the filter.
func likePattern(q string) string {
	q = strings.TrimSpace(q)
	if q == "" {
		return ""
	}
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(q) + "%"
}

func scanTopic(row pgx.Row) (forum.Topic, error) {
	var t forum.Topic
	err := row.Scan(
		&t.ID,
		&t.SourceID,
		&t.ExternalID,
		&t.Title,
		&t.URL,
		&t.PlaceName,
		&t.Lat,
		&t.Lon,
		&t.GeocodeProvider,
		&t.GeocodeConfidence,
		&t.GeocodeUpdatedAt,
		&t.LastSeenAt,
	)
	return t, err
}

func scanPost(row pgx.Row) (forum.Post, error) {
	var p forum.Post
	err := row.Scan(
		&p.ID,
		&p.TopicID,
		&p.ExternalID,
		&p.Author,
		&p.PostedAt,
		&p.ContentText,
		&p.URL,
		&p.IsDeleted,
		&p.DeletedAt,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	return p, err
}

func scanAttachment(row pgx.Row) (forum.Attachment, error) {
	var a forum.Attachment
	err := row.Scan(
		&a.ID,
		&a.PostID,
		&a.SourceURL,
		&a.FileName,
		&a.MimeType,
		&a.SizeBytes,
		&a.LocalRelPath,
		&a.IsImage,
		&a.CreatedAt,
	)
	return a, err
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (T, error)) ([]T, error) {
	defer rows.Close()
	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}
