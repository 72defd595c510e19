package scraper

import (
	"io"
	"net/url"
	"strings"

	"golang.org/x/net/html"
)

// Page is the readable part of a fetched HTML document.
type Page struct {
	Text  string
	Links []Link
}

// Link is one anchor with its resolved target.
type Link struct {
	Href string
	Text string
}

var skipElements = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"template": true,
	"svg":      true,
}

// ParsePage extracts visible text and anchors from an HTML document.
// Relative hrefs are resolved against base.
func ParsePage(r io.Reader, base *url.URL) (*Page, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, err
	}

	var (
		text  strings.Builder
		links []Link
	)
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.Data] {
			return
		}
		switch n.Type {
		case html.TextNode:
			text.WriteString(n.Data)
			text.WriteByte(' ')
		case html.ElementNode:
			if n.Data == "a" {
				if l, ok := anchor(n, base); ok {
					links = append(links, l)
				}
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	return &Page{Text: collapseSpace(text.String()), Links: links}, nil
}

func anchor(n *html.Node, base *url.URL) (Link, bool) {
	var href string
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, "href") {
			href = strings.TrimSpace(a.Val)
			break
		}
	}
	if href == "" || strings.HasPrefix(href, "#") {
		return Link{}, false
	}
	u, err := url.Parse(href)
	if err != nil {
		return Link{}, false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Link{}, false
	}
	u.Fragment = ""
	return Link{Href: u.String(), Text: collapseSpace(nodeText(n))}, true
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// PolicyLinks returns the anchors that look like a privacy policy.
func (p *Page) PolicyLinks() []string {
	var out []string
	for _, l := range p.Links {
		href := strings.ToLower(l.Href)
		text := strings.ToLower(l.Text)
		if strings.Contains(href, "privacy") ||
			strings.Contains(text, "privacy") ||
			strings.Contains(text, "data protection") {
			out = append(out, l.Href)
		}
	}
	return out
}
