package extractor

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Structured field keys carried by blocks built from structured data.
const (
	FieldDescription = "description"
	FieldLocation    = "location"
	FieldPostcode    = "postcode"
	FieldPrice       = "price"
	FieldCurrency    = "currency"
	FieldAge         = "age"
)

// Block is one region of a page that may describe a single activity.
type Block struct {
	// Rule names the segmentation rule that produced the block.
	Rule       string
	Title      string
	Text       string
	Paragraphs []string
	// Structured holds fields read from machine-readable markup.
	Structured map[string]string
}

// SegmentRule splits a document into candidate blocks.
type SegmentRule struct {
	Name    string
	Segment func(doc *goquery.Document) []Block
}

// DefaultSegmentRules returns the segmentation rules in priority order.
// The first rule whose blocks yield an eligible candidate wins; the page
// rule is the fallback.
func DefaultSegmentRules() []SegmentRule {
	return []SegmentRule{
		{Name: "jsonld", Segment: segmentJSONLD},
		{Name: "table", Segment: segmentTableRows},
		{Name: "list", Segment: segmentListItems},
		{Name: "heading", Segment: segmentHeadings},
		{Name: "page", Segment: segmentPage},
	}
}

const boilerplate = "nav, footer"

func inBoilerplate(s *goquery.Selection) bool {
	return s.Closest(boilerplate).Length() > 0
}

func text(s *goquery.Selection) string {
	return collapse(s.Text())
}

// segmentTableRows treats each data row of a table as an activity. The
// first non-empty cell is the title.
func segmentTableRows(doc *goquery.Document) []Block {
	var blocks []Block
	doc.Find("table tr").Each(func(_ int, row *goquery.Selection) {
		if inBoilerplate(row) {
			return
		}
		cells := row.Find("td")
		if cells.Length() < 2 {
			return
		}
		var values []string
		cells.Each(func(_ int, cell *goquery.Selection) {
			if v := text(cell); v != "" {
				values = append(values, v)
			}
		})
		if len(values) < 2 {
			return
		}
		joined := strings.Join(values, " ")
		if !hasActivitySignal(joined) {
			return
		}
		blocks = append(blocks, Block{
			Rule:       "table",
			Title:      values[0],
			Text:       joined,
			Paragraphs: values[1:],
		})
	})
	return blocks
}

// segmentListItems accepts list items that carry their own heading or an
// activity signal.
func segmentListItems(doc *goquery.Document) []Block {
	var blocks []Block
	doc.Find("li").Each(func(_ int, li *goquery.Selection) {
		if li.Closest("nav, header, footer").Length() > 0 {
			return
		}
		body := text(li)
		if !hasActivitySignal(body) {
			return
		}
		title := ""
		if heading := li.Find("h2, h3, h4, h5, strong, b").First(); heading.Length() > 0 {
			title = text(heading)
		}
		if title == "" {
			title = leadingPhrase(body)
		}
		var paras []string
		li.Find("p").Each(func(_ int, p *goquery.Selection) {
			if v := text(p); v != "" {
				paras = append(paras, v)
			}
		})
		blocks = append(blocks, Block{Rule: "list", Title: title, Text: body, Paragraphs: paras})
	})
	return blocks
}

// segmentHeadings groups each h1-h3 with the content that follows it up to
// the next heading of the same or a higher level.
func segmentHeadings(doc *goquery.Document) []Block {
	var blocks []Block
	doc.Find("h1, h2, h3").Each(func(_ int, h *goquery.Selection) {
		if inBoilerplate(h) {
			return
		}
		title := text(h)
		if title == "" {
			return
		}
		section := h.NextUntil(stopSelector(goquery.NodeName(h)))
		var paras []string
		section.Each(func(_ int, s *goquery.Selection) {
			if goquery.NodeName(s) == "p" {
				if v := text(s); v != "" {
					paras = append(paras, v)
				}
				return
			}
			s.Find("p").Each(func(_ int, p *goquery.Selection) {
				if v := text(p); v != "" {
					paras = append(paras, v)
				}
			})
		})
		body := collapse(title + " " + text(section))
		if !hasActivitySignal(body) && !activityTerm.MatchString(title) {
			return
		}
		if len(paras) == 0 && body == title {
			return
		}
		blocks = append(blocks, Block{Rule: "heading", Title: title, Text: body, Paragraphs: paras})
	})
	return blocks
}

func stopSelector(tag string) string {
	switch tag {
	case "h1":
		return "h1"
	case "h2":
		return "h1, h2"
	default:
		return "h1, h2, h3"
	}
}

// segmentPage describes the whole page as one activity: the first h1 or the
// document title, the meta description or the first paragraphs.
func segmentPage(doc *goquery.Document) []Block {
	title := text(doc.Find("h1").First())
	if title == "" {
		title = text(doc.Find("title").First())
	}
	structured := map[string]string{}
	if desc, ok := doc.Find(`meta[name="description"]`).Attr("content"); ok && strings.TrimSpace(desc) != "" {
		structured[FieldDescription] = desc
	}
	var paras []string
	doc.Find("p").Each(func(_ int, p *goquery.Selection) {
		if v := text(p); v != "" {
			paras = append(paras, v)
		}
	})
	return []Block{{
		Rule:       "page",
		Title:      title,
		Text:       text(doc.Find("body")),
		Paragraphs: paras,
		Structured: structured,
	}}
}

// leadingPhrase returns the text before the first separator, capped at
// twelve words.
func leadingPhrase(s string) string {
	cut := len(s)
	for _, sep := range []string{" - ", " – ", ": ", " | ", ". "} {
		if i := strings.Index(s, sep); i > 0 && i < cut {
			cut = i
		}
	}
	words := strings.Fields(s[:cut])
	if len(words) > 12 {
		words = words[:12]
	}
	return strings.Join(words, " ")
}
