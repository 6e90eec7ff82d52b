package extract

// CSS selectors for the XenForo markup the forum serves.
const (
	topicLinkSelector       = "a[data-tp-primary='on'], a.structItem-title, .structItem-title a"
	pageLinkSelector        = "a[href*='/page-']"
	messageSelector         = "article.message, div.message"
	authorSelector          = "a.username, h4.message-name, span.username"
	timeSelector            = "time"
	contentSelector         = "div.bbWrapper, article.message-body, div.message-content"
	contentNoiseSelector    = ".attachment, .attachments, .message-attachments, .js-attachmentInfo, .bbCodeBlock--unfurl"
	permalinkSelector       = "a[href*='/posts/'], a.u-concealed"
	attachmentLinkSelector  = "a[href*='/attachments/']"
	attachmentImageSelector = "img[src*='/attachments/']"
)

const (
	threadPathMarker = "/threads/"
	unknownAuthor    = "unknown"
	defaultFileName  = "attachment.bin"
	defaultImageName = "attachment.jpg"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".webp": true,
	".bmp":  true,
}
