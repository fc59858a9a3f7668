package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// brandReplacement stands in for protected terms in user-visible text.
const brandReplacement = "the data service"

// BrandScrubber removes the protected entity name/brand from user-visible
// text. This is a formatting invariant on final response assembly, enforced
// independently of record redaction.
type BrandScrubber struct {
	terms []*regexp.Regexp
}

func NewBrandScrubber(terms []string) (*BrandScrubber, error) {
	compiled := make([]*regexp.Regexp, 0, len(terms))
	for _, term := range terms {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		re, err := regexp.Compile(`(?i)\b` + regexp.QuoteMeta(term) + `\b`)
		if err != nil {
			return nil, fmt.Errorf("compile protected term %q: %w", term, err)
		}
		compiled = append(compiled, re)
	}
	return &BrandScrubber{terms: compiled}, nil
}

// Scrub replaces every protected term occurrence in text.
func (s *BrandScrubber) Scrub(text string) string {
	out := text
	for _, re := range s.terms {
		out = re.ReplaceAllString(out, brandReplacement)
	}
	return out
}

// Contains reports whether text still carries a protected term. Used as a
// last-line assertion before a response leaves the service.
func (s *BrandScrubber) Contains(text string) bool {
	for _, re := range s.terms {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
