package metadata

import (
	"regexp"
	"strings"

	"email-classifier/internal/model"
)

const (
	DefaultFooterLines    = 3
	DefaultMaxEmailLength = 10000
)

var (
	urlRe   = regexp.MustCompile(`https?://[^\s<>"']+[^\s<>"'.,)]`)
	emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

	footerIndicators = []string{
		"unsubscribe",
		"privacy policy",
		"terms of service",
		"contact us",
		"copyright",
		"©",
		"all rights reserved",
		"company",
		"address",
		"phone",
		"email",
	}
)

// Extractor fills metadata the producer did not supply.
type Extractor struct {
	FooterLines    int
	MaxEmailLength int
}

func NewExtractor() *Extractor {
	return &Extractor{FooterLines: DefaultFooterLines, MaxEmailLength: DefaultMaxEmailLength}
}

// Truncate caps text at MaxEmailLength bytes on a rune boundary.
func (e *Extractor) Truncate(text string) string {
	if e.MaxEmailLength <= 0 || len(text) <= e.MaxEmailLength {
		return text
	}
	cut := e.MaxEmailLength
	for cut > 0 && !isRuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }

// Complete returns meta with footer and URLs derived from body when empty.
func (e *Extractor) Complete(meta model.Metadata, body string) model.Metadata {
	if meta.Footer == "" {
		meta.Footer = e.Footer(body)
	}
	if len(meta.URLs) == 0 {
		meta.URLs = ExtractURLs(body)
	}
	return meta
}

// Footer returns the last FooterLines non-empty lines when they look like a
// footer, otherwise "".
func (e *Extractor) Footer(body string) string {
	n := e.FooterLines
	if n <= 0 {
		n = DefaultFooterLines
	}

	var lines []string
	for _, l := range strings.Split(body, "\n") {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	if len(lines) < n {
		return ""
	}

	footer := strings.Join(lines[len(lines)-n:], "\n")
	if !LooksLikeFooter(footer) {
		return ""
	}
	return footer
}

// LooksLikeFooter needs two indicators, an address or a link.
func LooksLikeFooter(text string) bool {
	lower := strings.ToLower(text)
	count := 0
	for _, ind := range footerIndicators {
		if strings.Contains(lower, ind) {
			count++
		}
	}
	return count >= 2 || strings.Contains(text, "@") || strings.Contains(lower, "http")
}

// ExtractURLs returns unique http(s) URLs in order of appearance.
func ExtractURLs(text string) []string {
	return unique(urlRe.FindAllString(text, -1))
}

// ExtractEmails returns unique email addresses in order of appearance.
func ExtractEmails(text string) []string {
	return unique(emailRe.FindAllString(text, -1))
}

func unique(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
