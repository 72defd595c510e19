package scraper

import (
	"regexp"
	"strings"
)

const emailPattern = `([a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,})`

// Ordered from most to least specific. The first valid hit wins.
var contactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(?:data\s+protection\s+officer|\bdpo\b)[\s\S]{0,100}?` + emailPattern),
	regexp.MustCompile(`(?i)` + emailPattern + `[\s\S]{0,50}?(?:data\s+protection|\bdpo\b)`),
	regexp.MustCompile(`(?i)privacy[\s\S]{0,100}?` + emailPattern),
	regexp.MustCompile(`(?i)` + emailPattern + `[\s\S]{0,50}?privacy`),
}

var validEmailRe = regexp.MustCompile(`^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`)

// FindContactAddress returns the data-protection address on a policy page,
// or "" when none is found.
func FindContactAddress(text string) string {
	for _, re := range contactPatterns {
		for _, m := range re.FindAllStringSubmatch(text, -1) {
			if addr := strings.TrimRight(m[1], "."); ValidEmail(addr) {
				return strings.ToLower(addr)
			}
		}
	}
	return ""
}

// ValidEmail reports whether s is a plain address.
func ValidEmail(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "none") {
		return false
	}
	return validEmailRe.MatchString(s)
}
