package extract

import (
	"bytes"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/mlevasseur/digicrawl/internal/scrape"
)

var jsinfosURLPattern = regexp.MustCompile(`(?i)jsinfos\s*=\s*["']\{?url:\s*['"]?([^'"}\s]+)`)

// Links harvests the navigable URLs a page exposes: anchors, data attributes,
// and the backend's inline jsinfos URL payloads. Results are absolute,
// deduplicated, sorted, and capped at max.
func (e *Extractor) Links(body []byte, baseURL string, max int) []scrape.Link {
	if len(body) == 0 || max <= 0 {
		return nil
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil
	}

	seen := map[string]scrape.Link{}
	add := func(href, text string) {
		normalized := normalizeURL(base, href)
		if normalized == "" {
			return
		}
		if existing, ok := seen[normalized]; !ok || existing.Text == "" {
			seen[normalized] = scrape.Link{Href: normalized, Text: text}
		}
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err == nil {
		doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
			href, _ := s.Attr("href")
			add(href, strings.TrimSpace(s.Text()))
		})
		doc.Find("[data-url], [data-href]").Each(func(_ int, s *goquery.Selection) {
			if href, ok := s.Attr("data-url"); ok {
				add(href, "")
			}
			if href, ok := s.Attr("data-href"); ok {
				add(href, "")
			}
		})
	}

	for _, m := range jsinfosURLPattern.FindAllSubmatch(body, -1) {
		add(string(m[1]), "")
	}

	links := make([]scrape.Link, 0, len(seen))
	for _, l := range seen {
		links = append(links, l)
	}
	sort.Slice(links, func(i, j int) bool { return links[i].Href < links[j].Href })
	if len(links) > max {
		links = links[:max]
	}
	return links
}

func normalizeURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") ||
		strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return ""
	}
	return resolved.String()
}
