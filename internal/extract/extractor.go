// Package extract turns forum HTML into scraped topic, post and attachment records.
// Everything here is pure: no I/O, deterministic for a given input.
package extract

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/araddon/dateparse"
	"go.uber.org/zap"

	"github.com/JakeFAU/forum-geosync/internal/forum"
)

// Extractor parses listing and topic pages.
type Extractor struct {
	logger *zap.Logger
}

// New builds an Extractor. A nil logger discards skip diagnostics.
func New(logger *zap.Logger) *Extractor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{logger: logger}
}

func parse(body string) (*goquery.Document, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return nil, false
	}
	return doc, true
}

// Topics extracts thread links from a forum listing page. Duplicates keep
// their first-seen position and the last-seen values.
func (e *Extractor) Topics(body, pageURL string) []forum.ScrapedTopic {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	doc, ok := parse(body)
	if !ok {
		return nil
	}

	var order []string
	byID := make(map[string]forum.ScrapedTopic)
	doc.Find(topicLinkSelector).Each(func(_ int, link *goquery.Selection) {
		topicURL, ok := resolve(base, link.AttrOr("href", ""))
		if !ok || !strings.Contains(topicURL, threadPathMarker) {
			return
		}
		title := nodeText(link)
		id := TopicExternalID(topicURL)
		if _, seen := byID[id]; !seen {
			order = append(order, id)
		}
		byID[id] = forum.ScrapedTopic{
			ExternalID: id,
			Title:      title,
			URL:        topicURL,
			PlaceName:  PlaceName(title),
		}
	})

	topics := make([]forum.ScrapedTopic, 0, len(order))
	for _, id := range order {
		topics = append(topics, byID[id])
	}
	return topics
}

// LastPage returns the highest page-N link on a topic page, or 1.
func (e *Extractor) LastPage(body string) int {
	doc, ok := parse(body)
	if !ok {
		return 1
	}
	last := 1
	doc.Find(pageLinkSelector).Each(func(_ int, a *goquery.Selection) {
		m := pageNumPattern.FindStringSubmatch(a.AttrOr("href", ""))
		if m == nil {
			return
		}
		n, err := strconv.Atoi(m[1])
		if err == nil && n > last {
			last = n
		}
	})
	return last
}

// Posts extracts every parseable message block on a topic page in document order.
func (e *Extractor) Posts(body, pageURL string, topic forum.ScrapedTopic) []forum.ScrapedPost {
	doc, ok := parse(body)
	if !ok {
		return nil
	}
	var posts []forum.ScrapedPost
	doc.Find(messageSelector).Each(func(_ int, block *goquery.Selection) {
		if post, ok := e.Post(block, pageURL, topic); ok {
			posts = append(posts, post)
		}
	})
	return posts
}

// Post parses one message block. Blocks without an id or a parseable
// timestamp are skipped.
func (e *Extractor) Post(block *goquery.Selection, pageURL string, topic forum.ScrapedTopic) (forum.ScrapedPost, bool) {
	id := postExternalID(block)
	if id == "" {
		return forum.ScrapedPost{}, false
	}

	raw := timestampValue(block)
	if raw == "" {
		e.logger.Debug("message block without timestamp", zap.String("post_id", id), zap.String("page_url", pageURL))
		return forum.ScrapedPost{}, false
	}
	postedAt, err := ParseTimestamp(raw)
	if err != nil {
		e.logger.Debug("unparseable message timestamp",
			zap.String("post_id", id), zap.String("value", raw), zap.Error(err))
		return forum.ScrapedPost{}, false
	}

	author := unknownAuthor
	if a := block.Find(authorSelector).First(); a.Length() > 0 {
		author = nodeText(a)
	}

	postURL := topic.URL + "#post-" + id
	if link := block.Find(permalinkSelector).First(); link.Length() > 0 {
		if base, err := url.Parse(pageURL); err == nil {
			if resolved, ok := resolve(base, link.AttrOr("href", "")); ok {
				postURL = resolved
			}
		}
	}

	return forum.ScrapedPost{
		TopicExternalID: topic.ExternalID,
		ExternalID:      id,
		Author:          author,
		PostedAt:        postedAt,
		ContentText:     contentText(block),
		URL:             postURL,
		Attachments:     e.Attachments(block, pageURL),
	}, true
}

// Attachments lists attachment links then inline attachment images in a
// message block, de-duplicated by resolved URL.
func (e *Extractor) Attachments(block *goquery.Selection, pageURL string) []forum.ScrapedAttachment {
	base, err := url.Parse(pageURL)
	if err != nil {
		return nil
	}
	seen := make(map[string]bool)
	var out []forum.ScrapedAttachment

	block.Find(attachmentLinkSelector).Each(func(_ int, a *goquery.Selection) {
		src, ok := resolve(base, a.AttrOr("href", ""))
		if !ok || seen[src] {
			return
		}
		seen[src] = true
		name := nodeText(a)
		if name == "" {
			name = baseName(src)
		}
		if name == "" {
			name = defaultFileName
		}
		out = append(out, forum.ScrapedAttachment{SourceURL: src, FileName: name, IsImage: isImageName(name)})
	})

	block.Find(attachmentImageSelector).Each(func(_ int, img *goquery.Selection) {
		src, ok := resolve(base, img.AttrOr("src", ""))
		if !ok || seen[src] {
			return
		}
		seen[src] = true
		name := baseName(src)
		if name == "" {
			name = defaultImageName
		}
		out = append(out, forum.ScrapedAttachment{SourceURL: src, FileName: name, IsImage: true})
	})
	return out
}

// ParseTimestamp parses a forum timestamp leniently. Values without a zone are UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	t, err := dateparse.ParseIn(strings.TrimSpace(raw), time.UTC)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}

func postExternalID(block *goquery.Selection) string {
	for _, attr := range []string{"id", "data-content"} {
		if m := digitRun.FindString(block.AttrOr(attr, "")); m != "" {
			return m
		}
	}
	return ""
}

func timestampValue(block *goquery.Selection) string {
	t := block.Find(timeSelector).First()
	if t.Length() == 0 {
		return ""
	}
	for _, attr := range []string{"datetime", "title"} {
		if v := strings.TrimSpace(t.AttrOr(attr, "")); v != "" {
			return v
		}
	}
	return nodeText(t)
}

// contentText reads the message body from a cloned subtree so removing
// attachment chrome leaves the parsed document intact.
func contentText(block *goquery.Selection) string {
	body := block.Find(contentSelector).First()
	if body.Length() == 0 {
		return ""
	}
	clone := body.Clone()
	clone.Find(contentNoiseSelector).Remove()
	return nodeText(clone)
}
