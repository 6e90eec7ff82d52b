package syncer

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-geosync/internal/forum"
)

const defaultAttachmentName = "attachment.bin"

// SanitizeFileName keeps Unicode letters and digits plus '-', '_' and '.',
// mapping everything else (spaces and separators included) to '_'.
func SanitizeFileName(name string) string {
	name = strings.TrimSpace(name)
	var b strings.Builder
	b.Grow(len(name))
	for _, r := range name {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	if b.Len() == 0 {
		return defaultAttachmentName
	}
	return b.String()
}

// LocalRelPath is the storage path of an attachment relative to the
// attachment root.
func LocalRelPath(postID, attachmentID int64, fileName string) string {
	return fmt.Sprintf("%d/%d_%s", postID, attachmentID, SanitizeFileName(fileName))
}

// RetryResult reports a RetryAttachments pass over one post.
type RetryResult struct {
	PostID     int64 `json:"post_id"`
	Total      int   `json:"total"`
	Attempted  int   `json:"attempted"`
	Downloaded int   `json:"downloaded"`
	Failed     int   `json:"failed"`
	Skipped    int   `json:"skipped"`
}

// syncAttachment upserts the attachment row and, when downloads are
// enabled and the file is missing, fetches and stores it.
func (s *Syncer) syncAttachment(
	ctx context.Context,
	repo forum.Repository,
	post forum.Post,
	sa forum.ScrapedAttachment,
) (bool, error) {
	att, err := repo.UpsertPostAttachment(ctx, forum.AttachmentUpsert{
		PostID:    post.ID,
		SourceURL: sa.SourceURL,
		FileName:  sa.FileName,
		IsImage:   sa.IsImage,
	})
	if err != nil {
		return false, err
	}
	if s.blobs == nil {
		return false, nil
	}
	outcome, err := s.ensureLocal(ctx, repo, att, s.cfg.AttachmentsEnabled, false)
	return outcome == outcomeDownloaded, err
}

type attachmentOutcome int

const (
	outcomeSkipped attachmentOutcome = iota
	outcomePresent
	outcomeDownloaded
	outcomeFailed
)

// ensureLocal makes sure att is stored locally. An existing file is only
// recorded unless force is set; a missing file is downloaded when
// download is true. Only repository errors are returned.
func (s *Syncer) ensureLocal(
	ctx context.Context,
	repo forum.Repository,
	att forum.Attachment,
	download, force bool,
) (attachmentOutcome, error) {
	rel := LocalRelPath(att.PostID, att.ID, att.FileName)
	exists, size, err := s.blobs.Exists(rel)
	if err != nil {
		s.logger.Warn("attachment stat failed", zap.String("path", rel), zap.Error(err))
		exists = false
	}
	if exists && !force {
		if att.LocalRelPath != nil && *att.LocalRelPath == rel {
			return outcomePresent, nil
		}
		_, err := repo.UpsertPostAttachment(ctx, forum.AttachmentUpsert{
			PostID:       att.PostID,
			SourceURL:    att.SourceURL,
			FileName:     att.FileName,
			IsImage:      att.IsImage,
			LocalRelPath: &rel,
			SizeBytes:    &size,
		})
		return outcomePresent, err
	}
	if !download {
		return outcomeSkipped, nil
	}

	resp, ok := s.download(ctx, att.SourceURL)
	if !ok {
		return outcomeFailed, nil
	}
	if _, err := s.blobs.Put(ctx, rel, resp.Body); err != nil {
		s.logger.Warn("attachment write failed", zap.String("path", rel), zap.Error(err))
		return outcomeFailed, nil
	}
	contentType := detectContentType(resp)
	if s.mirror != nil {
		if _, err := s.mirror.PutObject(ctx, rel, contentType, resp.Body); err != nil {
			s.logger.Warn("attachment mirror failed", zap.String("path", rel), zap.Error(err))
		}
	}
	n := int64(len(resp.Body))
	_, err = repo.UpsertPostAttachment(ctx, forum.AttachmentUpsert{
		PostID:       att.PostID,
		SourceURL:    att.SourceURL,
		FileName:     att.FileName,
		IsImage:      att.IsImage,
		LocalRelPath: &rel,
		MimeType:     &contentType,
		SizeBytes:    &n,
	})
	if err != nil {
		return outcomeFailed, err
	}
	return outcomeDownloaded, nil
}

// download performs a cookie-authenticated GET. An auth rejection forces
// one cookie refresh and one retry.
func (s *Syncer) download(ctx context.Context, rawURL string) (forum.DownloadResponse, bool) {
	cookie := s.cookie(ctx, false)
	resp, err := s.fetcher.Download(ctx, forum.DownloadRequest{URL: rawURL, Cookie: cookie})
	if err == nil && s.authRejected(resp) && s.auth != nil {
		s.logger.Info("attachment download rejected, refreshing session",
			zap.String("url", rawURL), zap.Int("status", resp.StatusCode))
		cookie = s.cookie(ctx, true)
		resp, err = s.fetcher.Download(ctx, forum.DownloadRequest{URL: rawURL, Cookie: cookie})
	}
	if err != nil {
		s.logger.Warn("attachment download failed", zap.String("url", rawURL), zap.Error(err))
		return forum.DownloadResponse{}, false
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 || s.authRejected(resp) {
		s.logger.Warn("attachment download unsuccessful",
			zap.String("url", rawURL), zap.Int("status", resp.StatusCode), zap.String("final_url", resp.FinalURL))
		return forum.DownloadResponse{}, false
	}
	return resp, true
}

func (s *Syncer) cookie(ctx context.Context, force bool) string {
	if s.auth == nil {
		return ""
	}
	return s.auth.EnsureCookie(ctx, force)
}

func (s *Syncer) authRejected(resp forum.DownloadResponse) bool {
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return true
	}
	return s.auth != nil && resp.FinalURL != "" && s.auth.IsLoginRedirect(resp.FinalURL)
}

// detectContentType prefers the response header and sniffs the body otherwise.
func detectContentType(resp forum.DownloadResponse) string {
	if ct := strings.TrimSpace(resp.ContentType()); ct != "" {
		return ct
	}
	return mimetype.Detect(resp.Body).String()
}

// RetryAttachments re-downloads the attachments of an ingested post whose
// files are missing, or all of them when force is set. The pass commits as
// one transaction. Downloads run regardless of the attachments.enabled
// setting.
func (s *Syncer) RetryAttachments(ctx context.Context, postID int64, force bool) (RetryResult, error) {
	result := RetryResult{PostID: postID}
	if s.blobs == nil {
		return result, fmt.Errorf("retry attachments: no attachment store configured")
	}
	if _, err := s.gateway.GetPost(ctx, postID); err != nil {
		return result, fmt.Errorf("retry attachments: %w", err)
	}

	tx, err := s.gateway.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("begin retry tx: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	atts, err := tx.ListAttachmentsForPost(ctx, postID)
	if err != nil {
		return result, err
	}
	result.Total = len(atts)
	for _, att := range atts {
		outcome, err := s.ensureLocal(ctx, tx, att, true, force)
		if err != nil {
			return result, err
		}
		switch outcome {
		case outcomeDownloaded:
			result.Attempted++
			result.Downloaded++
		case outcomeFailed:
			result.Attempted++
			result.Failed++
		default:
			result.Skipped++
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return result, fmt.Errorf("commit retry tx: %w", err)
	}
	s.logger.Info("attachment retry finished",
		zap.Int64("post_id", postID),
		zap.Bool("force", force),
		zap.Int("downloaded", result.Downloaded),
		zap.Int("failed", result.Failed),
		zap.Int("skipped", result.Skipped),
	)
	return result, nil
}

// RetryMissingAttachments retries every post owning an attachment with no
// local file, scanning at most limit attachments.
func (s *Syncer) RetryMissingAttachments(ctx context.Context, limit int) ([]RetryResult, error) {
	missing, err := s.gateway.ListAttachments(ctx, forum.AttachmentFilter{OnlyMissing: true, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("list missing attachments: %w", err)
	}
	var order []int64
	seen := make(map[int64]bool)
	for _, a := range missing {
		if !seen[a.PostID] {
			seen[a.PostID] = true
			order = append(order, a.PostID)
		}
	}
	results := make([]RetryResult, 0, len(order))
	for _, postID := range order {
		if ctx.Err() != nil {
			return results, ctx.Err()
		}
		res, err := s.RetryAttachments(ctx, postID, false)
		if err != nil {
			s.logger.Error("attachment retry failed", zap.Int64("post_id", postID), zap.Error(err))
			continue
		}
		results = append(results, res)
	}
	return results, nil
}
