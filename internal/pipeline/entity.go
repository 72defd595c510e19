package pipeline

import (
	"regexp"
	"strings"
	"unicode"

	"email-classifier/internal/metadata"
)

var (
	companySuffixRe = regexp.MustCompile(`([A-Z][\w&\-]*(?:\s+[A-Z][\w&\-]*){0,4}),?\s+(Inc|LLC|Ltd|Corp|GmbH|Limited|Company)\b`)
	copyrightRe     = regexp.MustCompile(`(?:©|\(c\)|Copyright)\s*(?:\d{4}(?:\s*[-–]\s*\d{4})?\s*)?([A-Z][\w&\-]*(?:\s+[A-Z][\w&\-]*){0,4})`)
	roleAddressRe   = regexp.MustCompile(`(?i)\b(privacy|dpo|gdpr|dataprotection|data-protection|legal)@[a-z0-9.\-]+\.[a-z]{2,}\b`)
)

// ExtractBusinessName derives a business name from footer text, falling back
// to the sender domain's registrable label.
func ExtractBusinessName(domain, footer string) string {
	if m := companySuffixRe.FindStringSubmatch(footer); m != nil {
		return strings.TrimSpace(m[1] + " " + m[2])
	}
	if m := copyrightRe.FindStringSubmatch(footer); m != nil {
		name := strings.TrimSpace(m[1])
		if !strings.EqualFold(name, "all") {
			return name
		}
	}
	return nameFromDomain(domain)
}

func nameFromDomain(domain string) string {
	domain = metadata.StripMailPrefix(domain)
	if domain == "" || domain == metadata.UnknownDomain {
		return ""
	}
	label := strings.Split(metadata.RootDomain(domain), ".")[0]
	if label == "" {
		return ""
	}
	r := []rune(label)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

// FindRoleAddress returns the first role-based data-protection address in text.
func FindRoleAddress(text string) string {
	return strings.ToLower(roleAddressRe.FindString(text))
}
