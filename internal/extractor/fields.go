package extractor

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/JakeFAU/activity-scout/internal/crawler"
)

const (
	locationWords     = 10
	descriptionParas  = 3
	maxDescriptionLen = 500
	maxTitleLen       = 200
	currencyGBP       = "GBP"
)

var (
	postcodeInText  = regexp.MustCompile(`(?i)\b[A-Z]{1,2}[0-9][A-Z0-9]? ?[0-9][A-Z]{2}\b`)
	postcodeStrict  = regexp.MustCompile(`^[A-Z]{1,2}[0-9][A-Z0-9]?[0-9][A-Z]{2}$`)
	pricePoundSign  = regexp.MustCompile(`£\s?(\d+(?:\.\d{2})?)(?:\s*(?:-|–|to)\s*£\s?(\d+(?:\.\d{2})?))?`)
	pricePoundsWord = regexp.MustCompile(`(?i)\b(\d+(?:\.\d{2})?)\s*pounds?\b`)
	priceISO        = regexp.MustCompile(`\b(\d+(?:\.\d{1,2})?)\s+([A-Z]{3})\b`)
	ageRangeLead    = regexp.MustCompile(`(?i)\bages?\s*(\d{1,2})\s*(?:-|–|to)\s*(\d{1,2})`)
	ageRangeYears   = regexp.MustCompile(`(?i)\b(\d{1,2})\s*(?:-|–|to)\s*(\d{1,2})\s*(?:years?|yrs?)`)
	ageMinimum      = regexp.MustCompile(`(?i)\b(\d{1,2})\+\s*(?:years?|yrs?)\b`)
	activityTerm    = regexp.MustCompile(`(?i)\b(class(?:es)?|clubs?|lessons?|sessions?|camps?|workshops?|courses?|academy|swim(?:ming)?|football|dance|drama|music|art|coding|gymnastics|tennis|karate|ballet|playgroup|storytime)\b`)
)

// FieldRule pairs a matcher that locates a field in a block with a mapper
// that writes it onto the candidate. A mapper error drops the whole block.
type FieldRule struct {
	Field string
	Match func(b Block) (string, bool)
	Map   func(match string, c *crawler.ActivityCandidate) error
}

// DefaultFieldRules returns the field rules in application order.
func DefaultFieldRules() []FieldRule {
	return []FieldRule{
		{Field: "title", Match: matchTitle, Map: mapTitle},
		{Field: "postcode", Match: matchPostcode, Map: mapPostcode},
		{Field: "location", Match: matchLocation, Map: mapLocation},
		{Field: "description", Match: matchDescription, Map: mapDescription},
		{Field: "age_range", Match: matchAge, Map: mapAge},
		{Field: "price", Match: matchPrice, Map: mapPrice},
	}
}

func matchTitle(b Block) (string, bool) {
	title := collapse(b.Title)
	return title, title != ""
}

func mapTitle(match string, c *crawler.ActivityCandidate) error {
	c.Title = truncate(match, maxTitleLen)
	return nil
}

func matchPostcode(b Block) (string, bool) {
	if pc := b.Structured[FieldPostcode]; pc != "" {
		return pc, true
	}
	pc := postcodeInText.FindString(b.Text)
	return pc, pc != ""
}

func mapPostcode(match string, c *crawler.ActivityCandidate) error {
	canonical, ok := CanonicalPostcode(match)
	if !ok {
		return fmt.Errorf("%w: postcode %q", crawler.ErrExtraction, match)
	}
	c.Postcode = canonical
	return nil
}

func matchLocation(b Block) (string, bool) {
	if loc := collapse(b.Structured[FieldLocation]); loc != "" {
		return loc, true
	}
	loc := wordsBeforePostcode(b.Text)
	return loc, loc != ""
}

func mapLocation(match string, c *crawler.ActivityCandidate) error {
	c.Location = match
	return nil
}

func matchDescription(b Block) (string, bool) {
	if desc := collapse(b.Structured[FieldDescription]); desc != "" {
		return desc, true
	}
	if len(b.Paragraphs) > 0 {
		paras := b.Paragraphs
		if len(paras) > descriptionParas {
			paras = paras[:descriptionParas]
		}
		desc := collapse(strings.Join(paras, " "))
		return desc, desc != ""
	}
	rest := collapse(strings.TrimPrefix(collapse(b.Text), collapse(b.Title)))
	return rest, rest != ""
}

func mapDescription(match string, c *crawler.ActivityCandidate) error {
	c.Description = truncate(match, maxDescriptionLen)
	return nil
}

func matchAge(b Block) (string, bool) {
	if age := b.Structured[FieldAge]; age != "" {
		return age, true
	}
	for _, re := range []*regexp.Regexp{ageRangeLead, ageRangeYears, ageMinimum} {
		if m := re.FindString(b.Text); m != "" {
			return m, true
		}
	}
	return "", false
}

// agePatterns are tried in order by mapAge. The second group is empty for
// open-ended ranges.
var agePatterns = []*regexp.Regexp{
	ageRangeLead,
	ageRangeYears,
	regexp.MustCompile(`^(\d{1,2})\s*(?:-|–|to)\s*(\d{1,2})$`),
	regexp.MustCompile(`(?i)\b(\d{1,2})\+()`),
}

// mapAge accepts "ages 5-10", "5 to 10 years", "7+ years" and the bare
// "5-10" or "7+" forms used in structured data.
func mapAge(match string, c *crawler.ActivityCandidate) error {
	text := strings.TrimSpace(match)
	age := crawler.AgeRange{Text: text}
	for _, re := range agePatterns {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		minAge, err := strconv.Atoi(m[1])
		if err != nil {
			return fmt.Errorf("%w: age %q: %w", crawler.ErrExtraction, text, err)
		}
		age.Min = &minAge
		if m[2] != "" {
			maxAge, err := strconv.Atoi(m[2])
			if err != nil {
				return fmt.Errorf("%w: age %q: %w", crawler.ErrExtraction, text, err)
			}
			if minAge > maxAge {
				return fmt.Errorf("%w: age range %q has min above max", crawler.ErrExtraction, text)
			}
			age.Max = &maxAge
		}
		break
	}
	c.AgeRange = age
	return nil
}

func matchPrice(b Block) (string, bool) {
	if amount := b.Structured[FieldPrice]; amount != "" {
		currency := strings.ToUpper(b.Structured[FieldCurrency])
		if currency == "" || currency == currencyGBP {
			return "£" + amount, true
		}
		return amount + " " + currency, true
	}
	for _, re := range []*regexp.Regexp{pricePoundSign, pricePoundsWord} {
		if m := re.FindString(b.Text); m != "" {
			return m, true
		}
	}
	return "", false
}

// mapPrice reads the first amount. A range whose lower bound exceeds the
// upper bound is rejected.
func mapPrice(match string, c *crawler.ActivityCandidate) error {
	text := strings.TrimSpace(match)
	price := crawler.Price{Text: text}
	switch {
	case pricePoundSign.MatchString(text):
		m := pricePoundSign.FindStringSubmatch(text)
		lo, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return fmt.Errorf("%w: price %q: %w", crawler.ErrExtraction, text, err)
		}
		if m[2] != "" {
			hi, err := strconv.ParseFloat(m[2], 64)
			if err != nil {
				return fmt.Errorf("%w: price %q: %w", crawler.ErrExtraction, text, err)
			}
			if lo > hi {
				return fmt.Errorf("%w: price range %q has min above max", crawler.ErrExtraction, text)
			}
		}
		price.Currency, price.Amount = currencyGBP, &lo
	case pricePoundsWord.MatchString(text):
		v, err := strconv.ParseFloat(pricePoundsWord.FindStringSubmatch(text)[1], 64)
		if err != nil {
			return fmt.Errorf("%w: price %q: %w", crawler.ErrExtraction, text, err)
		}
		price.Currency, price.Amount = currencyGBP, &v
	case priceISO.MatchString(text):
		m := priceISO.FindStringSubmatch(text)
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			return fmt.Errorf("%w: price %q: %w", crawler.ErrExtraction, text, err)
		}
		price.Currency, price.Amount = m[2], &v
	}
	c.Price = price
	return nil
}

// CanonicalPostcode upper-cases raw, removes spaces and reinserts a single
// space before the inward code. It reports false for anything that is not a
// UK postcode.
func CanonicalPostcode(raw string) (string, bool) {
	compact := strings.ToUpper(strings.Join(strings.Fields(raw), ""))
	if !postcodeStrict.MatchString(compact) {
		return "", false
	}
	return compact[:len(compact)-3] + " " + compact[len(compact)-3:], true
}

// wordsBeforePostcode returns up to ten words preceding the first postcode
// in text, starting after the last sentence break among them.
func wordsBeforePostcode(text string) string {
	loc := postcodeInText.FindStringIndex(text)
	if loc == nil {
		return ""
	}
	words := strings.Fields(text[:loc[0]])
	if len(words) > locationWords {
		words = words[len(words)-locationWords:]
	}
	for i := len(words) - 1; i >= 0; i-- {
		if strings.ContainsAny(words[i][len(words[i])-1:], ".!?") {
			words = words[i+1:]
			break
		}
	}
	return strings.Trim(strings.Join(words, " "), " ,;:-|")
}

func hasActivitySignal(text string) bool {
	return ageRangeLead.MatchString(text) ||
		ageRangeYears.MatchString(text) ||
		ageMinimum.MatchString(text) ||
		pricePoundSign.MatchString(text) ||
		pricePoundsWord.MatchString(text)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	cut := string(runes[:limit])
	if i := strings.LastIndexByte(cut, ' '); i > limit/2 {
		cut = cut[:i]
	}
	return strings.TrimSpace(cut) + "…"
}
