package classifier

import (
	"bytes"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// stopWords are dropped before term vectors are built.
var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "has": {}, "have": {}, "in": {}, "is": {}, "it": {},
	"its": {}, "of": {}, "on": {}, "or": {}, "our": {}, "that": {}, "the": {},
	"their": {}, "this": {}, "to": {}, "was": {}, "we": {}, "were": {}, "will": {},
	"with": {}, "you": {}, "your": {}, "all": {}, "can": {}, "more": {}, "not": {},
	"but": {}, "into": {}, "up": {}, "out": {}, "about": {}, "also": {}, "which": {},
}

// blockSelector matches elements whose text must not run into a neighbour's.
const blockSelector = "br, p, div, li, dt, dd, td, th, tr, h1, h2, h3, h4, h5, h6, " +
	"section, article, header, footer, nav, aside, blockquote"

// PageText returns the title and visible body text of an HTML document.
// Script, style and template content is skipped.
func PageText(body []byte) string {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return string(body)
	}
	doc.Find("script, style, noscript, template").Remove()
	doc.Find(blockSelector).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml(" ")
	})
	parts := []string{
		strings.TrimSpace(doc.Find("title").First().Text()),
		doc.Find(`meta[name="description"]`).AttrOr("content", ""),
		doc.Find("body").Text(),
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// normalize folds case and accents and replaces everything that is not a
// letter or digit with a single space. The result is padded with a leading
// and trailing space so whole-word patterns can be matched as " term ".
func normalize(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		folded = text
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded) + 2)
	b.WriteByte(' ')
	space := true
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			space = false
			continue
		}
		if !space {
			b.WriteByte(' ')
			space = true
		}
	}
	if !space {
		b.WriteByte(' ')
	}
	return b.String()
}

// terms splits text into normalized, stemmed, stop-word-free tokens.
func terms(text string) []string {
	fields := strings.Fields(normalize(text))
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 {
			continue
		}
		if _, stop := stopWords[f]; stop {
			continue
		}
		out = append(out, stem(f))
	}
	return out
}

// stem strips common English plural endings.
func stem(word string) string {
	switch {
	case len(word) > 4 && strings.HasSuffix(word, "ies"):
		return strings.TrimSuffix(word, "ies") + "y"
	case len(word) > 4 && strings.HasSuffix(word, "sses"):
		return strings.TrimSuffix(word, "es")
	case len(word) > 3 && strings.HasSuffix(word, "s") && !strings.HasSuffix(word, "ss"):
		return strings.TrimSuffix(word, "s")
	default:
		return word
	}
}
