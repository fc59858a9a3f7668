package conversation

import (
	"regexp"
	"strings"
)

// Keyword heuristics for deciding whether an ask is grounded enough to
// translate. Matching is on lowercased whole tokens.
var entityTerms = []string{
	"customer", "customers", "account", "accounts", "dispute", "disputes",
	"transaction", "transactions", "merchant", "merchants", "alert", "alerts",
	"case", "cases", "user", "users", "device", "devices", "payment",
	"payments", "order", "orders",
}

var timeframeTerms = []string{
	"today", "yesterday", "recent", "recently", "latest", "last", "past",
	"since", "week", "weeks", "month", "months", "day", "days", "quarter",
	"year", "years", "hour", "hours", "now", "current",
}

var identifierPattern = regexp.MustCompile(`\b[A-Za-z]*\d[\w-]*\b`)

// clarificationQuestion returns the single scoping question to ask when the
// utterance lacks an entity anchor, and false when the ask is specific
// enough to translate directly. An explicit identifier (an order number, a
// customer code) counts as an anchor; a missing timeframe alone does not
// block translation, it only widens the question when nothing is anchored.
func clarificationQuestion(text string) (string, bool) {
	tokens := tokenize(text)

	hasEntity := containsAny(tokens, entityTerms) || identifierPattern.MatchString(text)
	hasTimeframe := containsAny(tokens, timeframeTerms)

	switch {
	case hasEntity:
		return "", false
	case !hasTimeframe:
		return "What should I look up, and over what time period?", true
	default:
		return "Which customer, account or other record is this about?", true
	}
}

func tokenize(text string) map[string]struct{} {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	})
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func containsAny(tokens map[string]struct{}, terms []string) bool {
	for _, term := range terms {
		if _, ok := tokens[term]; ok {
			return true
		}
	}
	return false
}
