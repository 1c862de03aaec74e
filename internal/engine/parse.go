package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// antiBotMarker is the banner the platform serves instead of article content
// when it suspects automated access.
const antiBotMarker = "当前环境异常，完成验证后即可继续访问"

// IsAntiBotPage reports whether the document is the verification interstitial
// rather than article content.
func IsAntiBotPage(html string) bool {
	return strings.Contains(html, antiBotMarker)
}

// ArticleContent is the structured result of parsing an article document.
type ArticleContent struct {
	Title     string
	Author    string
	Account   string
	Digest    string
	CoverURL  string
	HTML      string
	Text      string
	Images    []string
	PublishTS int64
}

var (
	hiddenStylePatterns = []*regexp.Regexp{
		regexp.MustCompile(`visibility:\s*hidden;?`),
		regexp.MustCompile(`opacity:\s*0;?`),
		regexp.MustCompile(`display:\s*none;?`),
	}
	publishTSPatterns = []*regexp.Regexp{
		regexp.MustCompile(`var\s+ct\s*=\s*["'](\d{10})["']`),
		regexp.MustCompile(`var\s+create_time\s*=\s*["'](\d{10})["']`),
		regexp.MustCompile(`"publish_timestamp"\s*:\s*(\d{10})`),
	}
	whitespacePattern = regexp.MustCompile(`[ \t\r\f]+`)
	blankLinePattern  = regexp.MustCompile(`\n{3,}`)
)

// ParseArticle extracts the article body, metadata, and image references
// from a rendered or fetched document.
func ParseArticle(html string) (ArticleContent, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ArticleContent{}, fmt.Errorf("parse article html: %w", err)
	}

	var content ArticleContent

	content.Title = metaContent(doc, `meta[property="og:title"]`)
	if content.Title == "" {
		content.Title = strings.TrimSpace(doc.Find("#activity-name").First().Text())
	}
	content.Digest = metaContent(doc, `meta[property="og:description"]`)
	content.Author = metaContent(doc, `meta[property="og:article:author"]`)
	if content.Author == "" {
		content.Author = metaContent(doc, `meta[name="author"]`)
	}
	content.Account = strings.TrimSpace(doc.Find("#js_name").First().Text())
	content.CoverURL = metaContent(doc, `meta[property="og:image"]`)
	if content.CoverURL == "" {
		content.CoverURL = metaContent(doc, `meta[name="twitter:image"]`)
	}
	content.PublishTS = extractPublishTS(html)

	body := doc.Find("#js_content").First()
	if body.Length() == 0 {
		body = doc.Find("#js_article").First()
	}
	if body.Length() == 0 {
		body = doc.Find("body").First()
	}
	body.Find("script, style").Remove()

	// Lazy-loaded images carry the real URL in data attributes; rewrite the
	// src so the stored markup is self-contained.
	body.Find("img").Each(func(_ int, img *goquery.Selection) {
		src, _ := img.Attr("data-src")
		if src == "" {
			src, _ = img.Attr("data-ori-src")
		}
		if src == "" {
			src, _ = img.Attr("src")
		}
		src = normalizeImageURL(src)
		if src == "" {
			return
		}
		img.SetAttr("src", src)
		content.Images = append(content.Images, src)
	})

	rawHTML, err := body.Html()
	if err != nil {
		return ArticleContent{}, fmt.Errorf("serialize article body: %w", err)
	}
	// The platform ships the body hidden until its scripts run; undo that so
	// the stored markup renders as-is.
	for _, pattern := range hiddenStylePatterns {
		rawHTML = pattern.ReplaceAllString(rawHTML, "")
	}
	content.HTML = strings.TrimSpace(rawHTML)
	content.Text = collapseText(body.Text())

	return content, nil
}

func metaContent(doc *goquery.Document, selector string) string {
	value, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(value)
}

func extractPublishTS(html string) int64 {
	for _, pattern := range publishTSPatterns {
		if m := pattern.FindStringSubmatch(html); m != nil {
			ts, err := strconv.ParseInt(m[1], 10, 64)
			if err == nil && ts > 0 {
				return ts
			}
		}
	}
	return 0
}

func normalizeImageURL(src string) string {
	src = strings.TrimSpace(src)
	if src == "" || strings.HasPrefix(src, "data:") {
		return ""
	}
	if strings.HasPrefix(src, "//") {
		return "https:" + src
	}
	return src
}

func collapseText(text string) string {
	text = whitespacePattern.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankLinePattern.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
