package scraper

import (
	"encoding/json"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"profile-notifier/pkg/watch"
)

// Matches "1,234 Followers, 56 Following, 78 Posts".
var countsRegex = regexp.MustCompile(`(?i)([\d.,]+[KM]?)\s+Followers?,\s*([\d.,]+[KM]?)\s+Following,\s*([\d.,]+[KM]?)\s+Posts?`)

func metaContent(doc *goquery.Document, property string) string {
	content, _ := doc.Find(`meta[property="` + property + `"]`).First().Attr("content")
	return strings.TrimSpace(content)
}

// parseCount handles "1,234", "12.5K" and "3M".
func parseCount(s string) (int64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	mult := 1.0
	switch {
	case strings.HasSuffix(s, "K"), strings.HasSuffix(s, "k"):
		mult = 1e3
		s = s[:len(s)-1]
	case strings.HasSuffix(s, "M"), strings.HasSuffix(s, "m"):
		mult = 1e6
		s = s[:len(s)-1]
	}
	if mult == 1 {
		return strconv.ParseInt(s, 10, 64)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	return int64(f*mult + 0.5), nil
}

func parseProfile(body io.Reader, identity string) (*watch.Snapshot, error) {
	doc, err := goquery.NewDocumentFromReader(body)
	if err != nil {
		return nil, err
	}

	title := metaContent(doc, "og:title")
	description := metaContent(doc, "og:description")
	avatar := metaContent(doc, "og:image")

	m := countsRegex.FindStringSubmatch(description)
	if m == nil {
		return nil, errors.New("profile counters not found")
	}
	var counts [3]int64
	for i := range counts {
		if counts[i], err = parseCount(m[i+1]); err != nil {
			return nil, err
		}
	}

	// "Alpha Beta (@alpha) • Photos and videos"
	name := title
	if idx := strings.Index(title, " (@"); idx >= 0 {
		name = title[:idx]
	}

	raw, err := json.Marshal(map[string]string{
		"og:title":       title,
		"og:description": description,
		"og:image":       avatar,
	})
	if err != nil {
		return nil, err
	}

	return &watch.Snapshot{
		Identity:    identity,
		DisplayName: strings.TrimSpace(name),
		Biography:   strings.TrimSpace(doc.Find(`[data-testid="bio"]`).First().Text()),
		AvatarURL:   avatar,
		Followers:   counts[0],
		Following:   counts[1],
		Posts:       counts[2],
		Verified:    doc.Find(`[data-testid="verified-badge"]`).Length() > 0,
		Private:     doc.Find(`[data-testid="private-account"]`).Length() > 0,
		Raw:         raw,
	}, nil
}
