// Package detector decides when a static page is a script shell that needs a
// rendered fetch.
package detector

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/activity-scout/internal/crawler"
)

const (
	defaultMinTextChars = 200
	defaultMinHTMLBytes = 2048
)

// Heuristic flags pages with little visible text, framework mount points, or
// markup dominated by script tags.
type Heuristic struct {
	// MinTextChars is the visible-text length below which a page is suspect.
	MinTextChars int
	// MinHTMLBytes is the body size below which script density is checked.
	MinHTMLBytes int
}

// NewHeuristic creates a new detector. Zero values pick defaults.
func NewHeuristic(minTextChars, minHTMLBytes int) *Heuristic {
	if minTextChars <= 0 {
		minTextChars = defaultMinTextChars
	}
	if minHTMLBytes <= 0 {
		minHTMLBytes = defaultMinHTMLBytes
	}
	return &Heuristic{MinTextChars: minTextChars, MinHTMLBytes: minHTMLBytes}
}

var spaMarkers = [][]byte{
	[]byte("__next"),
	[]byte("id=\"root\""),
	[]byte("id=\"app\""),
	[]byte("data-reactroot"),
	[]byte("ng-app"),
	[]byte("data-server-rendered"),
}

// ShouldPromote decides whether a rendered fetch is required.
func (h *Heuristic) ShouldPromote(resp crawler.FetchResponse) bool {
	if resp.StatusCode != 200 {
		return false
	}
	body := resp.Body
	if len(body) == 0 {
		return true
	}
	textChars := VisibleTextLength(body)
	if textChars < h.MinTextChars {
		return true
	}
	// A framework mount point with only a little more text than the floor is
	// usually a placeholder around client-rendered content.
	if textChars < 2*h.MinTextChars && hasSPAMarker(body) {
		return true
	}
	return len(body) < h.MinHTMLBytes && scriptDensityHigh(body)
}

func hasSPAMarker(body []byte) bool {
	for _, marker := range spaMarkers {
		if bytes.Contains(body, marker) {
			return true
		}
	}
	return false
}

// VisibleTextLength counts the runes of text a reader would see, ignoring
// script, style and noscript contents. Unparseable markup counts as zero.
func VisibleTextLength(body []byte) int {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return 0
	}
	doc.Find("script, style, noscript, template").Remove()
	text := strings.Join(strings.Fields(doc.Find("body").Text()), " ")
	return utf8.RuneCountInString(text)
}

func scriptDensityHigh(body []byte) bool {
	lower := strings.ToLower(string(body))
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	scriptCoverage := 0
	searchPos := 0

	for {
		relativeStart := strings.Index(lower[searchPos:], openTag)
		if relativeStart == -1 {
			break
		}
		start := searchPos + relativeStart

		tagClose := strings.IndexByte(lower[start:], '>')
		if tagClose == -1 {
			// Unterminated tag: the rest of the document is script.
			scriptCoverage += total - start
			break
		}
		contentStart := start + tagClose + 1

		relativeEnd := strings.Index(lower[contentStart:], closeTag)
		nextSearch := total
		if relativeEnd != -1 {
			nextSearch = contentStart + relativeEnd + len(closeTag)
		}
		scriptCoverage += nextSearch - start
		searchPos = nextSearch
	}

	return scriptCoverage*100/total >= 25
}
