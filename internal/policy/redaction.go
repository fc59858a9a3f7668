package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// MaskPlaceholder replaces redacted values in outgoing records.
const MaskPlaceholder = "[REDACTED]"

// ReasonDefaultRedact is attached to every flag produced by the default policy.
const ReasonDefaultRedact = "PII-default-redact"

var (
	emailPattern = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?[0-9][0-9\-() ]{7,}[0-9]`)
	cardPattern  = regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)
)

// defaultFieldPatterns match record field names that carry PII regardless of
// the value's shape.
var defaultFieldPatterns = []string{
	`(^|_)name$`,
	`^full_name$`,
	`^email`,
	`^phone`,
	`^mobile`,
	`^contact`,
	`^ssn$`,
	`^national_id$`,
	`^dob$`,
	`^date_of_birth$`,
	`^address`,
	`^street`,
	`^post(al_)?code$`,
	`^zip`,
	`^account_number$`,
	`^card`,
	`^iban$`,
	`^tax_id$`,
}

// RedactionFlag names a masked field and the policy reason.
type RedactionFlag struct {
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Disclosure is the caller-supplied override: PII is returned unmasked only
// when Authorized is set and a business reason is given.
type Disclosure struct {
	Authorized bool   `json:"authorized"`
	Reason     string `json:"reason"`
}

func (d Disclosure) granted() bool {
	return d.Authorized && strings.TrimSpace(d.Reason) != ""
}

// Redactor scans result records for PII fields. It is pure: methods return
// new values and never mutate their input.
type Redactor struct {
	fieldPatterns []*regexp.Regexp
}

// NewRedactor compiles the default field patterns plus any configured extras.
func NewRedactor(extraFieldPatterns []string) (*Redactor, error) {
	patterns := make([]*regexp.Regexp, 0, len(defaultFieldPatterns)+len(extraFieldPatterns))
	for _, p := range append(append([]string{}, defaultFieldPatterns...), extraFieldPatterns...) {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, fmt.Errorf("compile PII field pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}
	return &Redactor{fieldPatterns: patterns}, nil
}

// RedactRecords applies the redaction policy to every field of every record.
// It returns masked copies, the flags for masked fields, and — when a
// disclosure was granted — audit metadata recording the reason and the fields
// disclosed.
func (r *Redactor) RedactRecords(records []map[string]any, d Disclosure) ([]map[string]any, []RedactionFlag, map[string]any) {
	out := make([]map[string]any, 0, len(records))
	flagged := map[string]bool{}
	disclosed := map[string]bool{}

	for _, record := range records {
		masked := make(map[string]any, len(record))
		for field, value := range record {
			if !r.isPIIField(field) && !valueLooksPII(value) {
				masked[field] = value
				continue
			}
			if d.granted() {
				masked[field] = value
				disclosed[field] = true
				continue
			}
			masked[field] = MaskPlaceholder
			flagged[field] = true
		}
		out = append(out, masked)
	}

	flags := make([]RedactionFlag, 0, len(flagged))
	for field := range flagged {
		flags = append(flags, RedactionFlag{Field: field, Reason: ReasonDefaultRedact})
	}
	sort.Slice(flags, func(i, j int) bool { return flags[i].Field < flags[j].Field })

	var audit map[string]any
	if d.granted() && len(disclosed) > 0 {
		fields := make([]string, 0, len(disclosed))
		for f := range disclosed {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		audit = map[string]any{
			"disclosure_reason": strings.TrimSpace(d.Reason),
			"disclosed_fields":  fields,
		}
	}
	return out, flags, audit
}

func (r *Redactor) isPIIField(field string) bool {
	for _, re := range r.fieldPatterns {
		if re.MatchString(field) {
			return true
		}
	}
	return false
}

// valueLooksPII catches contact data hiding in fields whose names give
// nothing away.
func valueLooksPII(value any) bool {
	s, ok := value.(string)
	if !ok {
		return false
	}
	return emailPattern.MatchString(s) || phonePattern.MatchString(s) || cardPattern.MatchString(s)
}
