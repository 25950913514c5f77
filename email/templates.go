package email

import (
	"fmt"
	"strings"

	"profile-notifier/pkg/watch"
)

const pageStyle = `body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 800px; margin: 0 auto; padding: 20px; background: #fff; }
.content { margin: 15px 0; }
.media img { max-width: 100%; height: auto; margin: 10px 0; display: block; border-radius: 6px; }
.footer { margin-top: 30px; padding-top: 15px; border-top: 1px solid #ddd; font-size: 0.9em; color: #7f8c8d; }
.footer a { color: #7f8c8d; text-decoration: underline; }
a { color: #c13584; text-decoration: none; }
a:hover { text-decoration: underline; }
@media (prefers-color-scheme: dark) {
body { background: #1a1a1a; color: #e0e0e0; }
.footer { color: #a0a0a0; border-top-color: #444; }
.footer a { color: #a0a0a0; }
a { color: #e1306c; }
}
`

func (s *Sender) writeHeader(b *strings.Builder) {
	b.WriteString("<!DOCTYPE html>\n<html lang=\"en\">\n<head>\n")
	b.WriteString("<meta charset=\"utf-8\">\n")
	b.WriteString("<meta name=\"viewport\" content=\"width=device-width, initial-scale=1\">\n")
	b.WriteString("<style>\n")
	b.WriteString(pageStyle)
	b.WriteString("</style>\n</head>\n<body>\n")
}

func (s *Sender) writeFooter(b *strings.Builder) {
	if s.baseURL != "" {
		b.WriteString("<div class=\"footer\">\n")
		b.WriteString(fmt.Sprintf("<a href=\"%s/status\">Service status</a>\n", escapeHTML(s.baseURL)))
		b.WriteString("</div>\n")
	}
	b.WriteString("</body>\n</html>")
}

// paragraphs escapes text and keeps its line breaks.
func paragraphs(text string) string {
	return strings.ReplaceAll(escapeHTML(strings.TrimSpace(text)), "\n", "<br>\n")
}

func (s *Sender) formatMediaBody(media watch.Attachment, caption string) string {
	var b strings.Builder
	s.writeHeader(&b)

	b.WriteString("<div class=\"media\">\n")
	if media.Kind == watch.Video {
		b.WriteString(fmt.Sprintf("<a href=\"%s\">&#9654; Watch video</a>\n", escapeHTML(media.URL)))
	} else {
		b.WriteString(fmt.Sprintf("<a href=\"%s\"><img src=\"%s\" alt=\"media\"></a>\n", escapeHTML(media.URL), escapeHTML(media.URL)))
	}
	b.WriteString("</div>\n")

	if caption != "" {
		b.WriteString("<div class=\"content\">\n")
		b.WriteString(paragraphs(caption))
		b.WriteString("\n</div>\n")
	}

	s.writeFooter(&b)
	return b.String()
}

func (s *Sender) formatTextBody(text string) string {
	var b strings.Builder
	s.writeHeader(&b)

	b.WriteString("<div class=\"content\">\n")
	b.WriteString(paragraphs(text))
	b.WriteString("\n</div>\n")

	s.writeFooter(&b)
	return b.String()
}

func escapeHTML(s string) string {
	s = strings.ReplaceAll(s, "&", "&amp;")
	s = strings.ReplaceAll(s, "<", "&lt;")
	s = strings.ReplaceAll(s, ">", "&gt;")
	s = strings.ReplaceAll(s, "\"", "&quot;")
	s = strings.ReplaceAll(s, "'", "&#39;")
	return s
}

// isSafeURL rejects script and local-resource schemes.
func isSafeURL(urlStr string) bool {
	urlStr = strings.TrimSpace(strings.ToLower(urlStr))

	for _, protocol := range []string{"javascript:", "data:", "vbscript:", "file:", "about:"} {
		if strings.HasPrefix(urlStr, protocol) {
			return false
		}
	}

	return strings.HasPrefix(urlStr, "http://") ||
		strings.HasPrefix(urlStr, "https://") ||
		strings.HasPrefix(urlStr, "/") ||
		(!strings.Contains(urlStr, ":") && len(urlStr) > 0)
}
