package extractor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// segmentJSONLD reads schema.org Event and Course objects from JSON-LD
// script blocks. Unparseable scripts are skipped.
func segmentJSONLD(doc *goquery.Document) []Block {
	var blocks []Block
	doc.Find(`script[type="application/ld+json"]`).Each(func(_ int, s *goquery.Selection) {
		var payload any
		if err := json.Unmarshal([]byte(s.Text()), &payload); err != nil {
			return
		}
		walkJSONLD(payload, func(obj map[string]any) {
			if b, ok := blockFromJSONLD(obj); ok {
				blocks = append(blocks, b)
			}
		})
	})
	return blocks
}

// walkJSONLD visits every object in arrays and @graph containers.
func walkJSONLD(node any, visit func(map[string]any)) {
	switch v := node.(type) {
	case []any:
		for _, item := range v {
			walkJSONLD(item, visit)
		}
	case map[string]any:
		if graph, ok := v["@graph"]; ok {
			walkJSONLD(graph, visit)
			return
		}
		visit(v)
	}
}

func isActivityType(obj map[string]any) bool {
	var types []string
	switch t := obj["@type"].(type) {
	case string:
		types = []string{t}
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				types = append(types, s)
			}
		}
	}
	for _, t := range types {
		if strings.HasSuffix(t, "Event") || t == "Course" || t == "CourseInstance" {
			return true
		}
	}
	return false
}

func blockFromJSONLD(obj map[string]any) (Block, bool) {
	if !isActivityType(obj) {
		return Block{}, false
	}
	title := str(obj["name"])
	if title == "" {
		return Block{}, false
	}
	structured := map[string]string{
		FieldDescription: str(obj["description"]),
		FieldAge:         str(obj["typicalAgeRange"]),
	}
	if loc, ok := obj["location"].(map[string]any); ok {
		structured[FieldLocation], structured[FieldPostcode] = placeFields(loc)
	}
	switch offers := obj["offers"].(type) {
	case map[string]any:
		structured[FieldPrice], structured[FieldCurrency] = str(offers["price"]), str(offers["priceCurrency"])
	case []any:
		if len(offers) > 0 {
			if first, ok := offers[0].(map[string]any); ok {
				structured[FieldPrice], structured[FieldCurrency] = str(first["price"]), str(first["priceCurrency"])
			}
		}
	}
	for k, v := range structured {
		if v == "" {
			delete(structured, k)
		}
	}
	parts := []string{title}
	for _, key := range []string{FieldDescription, FieldLocation, FieldPostcode} {
		if v := structured[key]; v != "" {
			parts = append(parts, v)
		}
	}
	return Block{
		Rule:       "jsonld",
		Title:      title,
		Text:       collapse(strings.Join(parts, " ")),
		Structured: structured,
	}, true
}

// placeFields flattens a schema.org Place into location text and postcode.
func placeFields(place map[string]any) (string, string) {
	parts := []string{str(place["name"])}
	postcode := ""
	switch addr := place["address"].(type) {
	case map[string]any:
		for _, key := range []string{"streetAddress", "addressLocality"} {
			parts = append(parts, str(addr[key]))
		}
		postcode = str(addr["postalCode"])
	case string:
		parts = append(parts, addr)
	}
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ", "), postcode
}

// str renders JSON scalars as text.
func str(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strings.TrimSuffix(strings.TrimSuffix(fmt.Sprintf("%.2f", t), "00"), ".")
	case json.Number:
		return t.String()
	default:
		return ""
	}
}
