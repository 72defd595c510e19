package metadata

import "strings"

// UnknownDomain is used when no sender domain can be derived.
const UnknownDomain = "unknown"

var mailPrefixes = []string{"mail.", "email.", "smtp.", "noreply.", "no-reply.", "news.", "newsletter."}

// SenderDomain returns the lowercased domain part of an address, or
// UnknownDomain.
func SenderDomain(address string) string {
	address = strings.TrimSpace(address)
	// "Name <user@host>" 形式
	if i := strings.LastIndex(address, "<"); i >= 0 {
		address = strings.TrimSuffix(address[i+1:], ">")
	}
	at := strings.LastIndex(address, "@")
	if at < 0 || at == len(address)-1 {
		return UnknownDomain
	}
	return NormalizeDomain(address[at+1:])
}

// NormalizeDomain lowercases and trims dots and whitespace.
func NormalizeDomain(d string) string {
	return strings.Trim(strings.ToLower(strings.TrimSpace(d)), ".")
}

// StripMailPrefix removes a leading mail-ish label (mail., noreply. ...).
func StripMailPrefix(d string) string {
	d = NormalizeDomain(d)
	for _, p := range mailPrefixes {
		if strings.HasPrefix(d, p) && strings.Count(d, ".") > 1 {
			return d[len(p):]
		}
	}
	return d
}

// RootDomain returns the last two labels ("shop.example.com" -> "example.com").
func RootDomain(d string) string {
	d = NormalizeDomain(d)
	labels := strings.Split(d, ".")
	if len(labels) <= 2 {
		return d
	}
	return strings.Join(labels[len(labels)-2:], ".")
}

// SameDomain compares two domains case-insensitively.
func SameDomain(a, b string) bool {
	a, b = NormalizeDomain(a), NormalizeDomain(b)
	return a != "" && a != UnknownDomain && a == b
}

// RelatedDomain reports domains that differ but belong to the same sender:
// one is a subdomain of the other, they share a root, or they only differ by
// a mail prefix.
func RelatedDomain(a, b string) bool {
	a, b = NormalizeDomain(a), NormalizeDomain(b)
	if a == "" || b == "" || a == UnknownDomain || b == UnknownDomain || a == b {
		return false
	}
	if StripMailPrefix(a) == StripMailPrefix(b) {
		return true
	}
	if strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a) {
		return true
	}
	return RootDomain(a) == RootDomain(b)
}
