package syncer

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/forum-geosync/internal/forum"
)

func TestSanitizeFileName(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"photo 1.jpg":        "photo_1.jpg",
		"report-2024_v1.txt": "report-2024_v1.txt",
		"отчёт.pdf":          "отчёт.pdf",
		"фото озера.jpg":     "фото_озера.jpg",
		"карта №2.png":       "карта__2.png",
		"a/b\\c..d":          "a_b_c..d",
		"":                   "attachment.bin",
		"   ":                "attachment.bin",
	}
	for in, want := range tests {
		assert.Equal(t, want, SanitizeFileName(in), "input %q", in)
	}
}

func TestLocalRelPath(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "12/34_my_file.png", LocalRelPath(12, 34, "my file.png"))
	assert.Equal(t, "1/2_attachment.bin", LocalRelPath(1, 2, ""))
}

func TestDetectContentType(t *testing.T) {
	t.Parallel()

	withHeader := forum.DownloadResponse{
		Headers: http.Header{"Content-Type": {"image/jpeg"}},
		Body:    pngBytes,
	}
	assert.Equal(t, "image/jpeg", detectContentType(withHeader))
	assert.Equal(t, "image/png", detectContentType(forum.DownloadResponse{Body: pngBytes}))
	assert.Equal(t, "text/plain; charset=utf-8", detectContentType(forum.DownloadResponse{Body: []byte("plain words")}))
}

func unauthorized(_ int, req forum.DownloadRequest) (forum.DownloadResponse, error) {
	return forum.DownloadResponse{StatusCode: http.StatusForbidden, FinalURL: req.URL}, nil
}

func TestRetryAttachments(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.setDownload(unauthorized)
	ctx := context.Background()
	_, err := h.syncer.Run(ctx)
	require.NoError(t, err)
	att := h.onlyAttachment(t)
	require.Nil(t, att.LocalRelPath)

	h.fetcher.setDownload(okDownload)
	res, err := h.syncer.RetryAttachments(ctx, att.PostID, false)
	require.NoError(t, err)
	assert.Equal(t, RetryResult{PostID: att.PostID, Total: 1, Attempted: 1, Downloaded: 1}, res)
	stored := h.onlyAttachment(t)
	require.NotNil(t, stored.LocalRelPath)
	assert.Equal(t, LocalRelPath(att.PostID, att.ID, att.FileName), *stored.LocalRelPath)

	res, err = h.syncer.RetryAttachments(ctx, att.PostID, false)
	require.NoError(t, err)
	assert.Equal(t, RetryResult{PostID: att.PostID, Total: 1, Skipped: 1}, res)

	before := len(h.fetcher.downloadRequests())
	res, err = h.syncer.RetryAttachments(ctx, att.PostID, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
	assert.Len(t, h.fetcher.downloadRequests(), before+1)
}

func TestRetryAttachmentsIgnoresDisabledDownloads(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ *Dependencies, c *Config) { c.AttachmentsEnabled = false })
	ctx := context.Background()
	_, err := h.syncer.Run(ctx)
	require.NoError(t, err)
	att := h.onlyAttachment(t)

	res, err := h.syncer.RetryAttachments(ctx, att.PostID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Downloaded)
}

func TestRetryAttachmentsAuthFailureCountsAsFailed(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ *Dependencies, c *Config) { c.AttachmentsEnabled = false })
	ctx := context.Background()
	_, err := h.syncer.Run(ctx)
	require.NoError(t, err)
	att := h.onlyAttachment(t)

	h.fetcher.setDownload(unauthorized)
	res, err := h.syncer.RetryAttachments(ctx, att.PostID, false)
	require.NoError(t, err)
	assert.Equal(t, RetryResult{PostID: att.PostID, Total: 1, Attempted: 1, Failed: 1}, res)
	assert.Equal(t, 1, h.auth.forcedCount())
	assert.Len(t, h.fetcher.downloadRequests(), 2)
}

func TestRetryAttachmentsUnknownPost(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	_, err := h.syncer.RetryAttachments(context.Background(), 999, false)
	require.ErrorIs(t, err, forum.ErrNotFound)
}

func TestRetryAttachmentsRecordsExistingFile(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ *Dependencies, c *Config) { c.AttachmentsEnabled = false })
	ctx := context.Background()
	_, err := h.syncer.Run(ctx)
	require.NoError(t, err)
	att := h.onlyAttachment(t)

	rel := LocalRelPath(att.PostID, att.ID, att.FileName)
	_, err = h.blobs.Put(ctx, rel, []byte("already here"))
	require.NoError(t, err)

	res, err := h.syncer.RetryAttachments(ctx, att.PostID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Empty(t, h.fetcher.downloadRequests())
	stored := h.onlyAttachment(t)
	require.NotNil(t, stored.LocalRelPath)
	assert.Equal(t, rel, *stored.LocalRelPath)
	require.NotNil(t, stored.SizeBytes)
	assert.Equal(t, int64(len("already here")), *stored.SizeBytes)
}

func TestRetryMissingAttachments(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.fetcher.setDownload(unauthorized)
	ctx := context.Background()
	_, err := h.syncer.Run(ctx)
	require.NoError(t, err)

	h.fetcher.setDownload(okDownload)
	results, err := h.syncer.RetryMissingAttachments(ctx, 50)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, 1, results[0].Downloaded)

	results, err = h.syncer.RetryMissingAttachments(ctx, 50)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestRunRecordsPreviouslyStoredFileWithoutDownload(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(_ *Dependencies, c *Config) { c.AttachmentsEnabled = false })
	ctx := context.Background()
	_, err := h.syncer.Run(ctx)
	require.NoError(t, err)
	att := h.onlyAttachment(t)
	_, err = h.blobs.Put(ctx, LocalRelPath(att.PostID, att.ID, att.FileName), pngBytes)
	require.NoError(t, err)

	_, err = h.syncer.Run(ctx)
	require.NoError(t, err)
	assert.NotNil(t, h.onlyAttachment(t).LocalRelPath)
	assert.Empty(t, h.fetcher.downloadRequests())
}
