package extract

import (
	"fmt"
	"net/url"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

var (
	whitespaceRun  = regexp.MustCompile(`\s+`)
	topicIDPattern = regexp.MustCompile(`\.(\d+)(?:/|$)`)
	pageNumPattern = regexp.MustCompile(`/page-(\d+)`)
	digitRun       = regexp.MustCompile(`\d+`)
)

// CleanText collapses whitespace runs to single spaces and trims.
func CleanText(s string) string {
	return strings.TrimSpace(whitespaceRun.ReplaceAllString(s, " "))
}

// PlaceName derives a geocodable place name from a topic title.
func PlaceName(title string) string {
	return CleanText(title)
}

// PageURL returns the URL of page n of a paginated listing or topic.
// Page 1 is base itself.
func PageURL(base string, n int) string {
	if n <= 1 {
		return base
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return fmt.Sprintf("%spage-%d", base, n)
}

// TopicExternalID returns the numeric id XenForo embeds in thread URLs
// ("slug.123/"), falling back to the last path segment.
func TopicExternalID(topicURL string) string {
	if m := topicIDPattern.FindStringSubmatch(topicURL); m != nil {
		return m[1]
	}
	trimmed := strings.TrimRight(topicURL, "/")
	if idx := strings.LastIndex(trimmed, "/"); idx >= 0 {
		return trimmed[idx+1:]
	}
	return trimmed
}

// nodeText joins the trimmed, non-empty text nodes under s with single spaces.
func nodeText(s *goquery.Selection) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if t := strings.TrimSpace(n.Data); t != "" {
				parts = append(parts, t)
			}
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range s.Nodes {
		walk(n)
	}
	return CleanText(strings.Join(parts, " "))
}

func resolve(base *url.URL, href string) (string, bool) {
	href = strings.TrimSpace(href)
	if href == "" {
		return "", false
	}
	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	return base.ResolveReference(ref).String(), true
}

// baseName returns the last path element of rawURL, or "" when there is none.
func baseName(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	p := strings.TrimRight(u.Path, "/")
	if p == "" {
		return ""
	}
	name := path.Base(p)
	if name == "." || name == "/" {
		return ""
	}
	return name
}

func isImageName(name string) bool {
	return imageExtensions[strings.ToLower(path.Ext(name))]
}
