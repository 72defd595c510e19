package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"email-classifier/internal/metadata"
	"email-classifier/pkg/circuitbreaker"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	minPageText = 100
	maxPageText = 8000
	maxBodySize = 2 << 20
)

// Fixed locations tried after the ones linked from the homepage.
var candidatePaths = []string{
	"/privacy",
	"/privacy-policy",
	"/privacy_policy",
	"/privacypolicy",
	"/legal/privacy",
	"/terms/privacy",
	"/policy/privacy",
	"/privacy.html",
	"/privacy.php",
}

var (
	// ErrPageUnusable means the page was fetched but had too little text.
	ErrPageUnusable = errors.New("policy page has no usable text")
	// ErrBlockedAddress is returned for loopback, private and link-local targets.
	ErrBlockedAddress = errors.New("address not allowed")
	// ErrOffSite is returned for a redirect away from the sender's site.
	ErrOffSite = errors.New("redirect leaves sender site")
)

const maxRedirects = 5

// ContactExtractor reads a data-protection address out of page text, for
// example with a language model. Pattern matching is used when it finds none.
type ContactExtractor interface {
	ExtractContact(ctx context.Context, pageText string) (string, error)
}

type Config struct {
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RatePerSecond  float64       `yaml:"rate_per_second"`
	Burst          int           `yaml:"burst"`
	MaxPages       int           `yaml:"max_pages"`
	UserAgent      string        `yaml:"user_agent"`
	// AllowPrivateNetworks lifts the address guard; only for tests and
	// local development.
	AllowPrivateNetworks bool `yaml:"allow_private_networks"`
}

func DefaultConfig() Config {
	return Config{
		RequestTimeout: 10 * time.Second,
		RatePerSecond:  2,
		Burst:          2,
		MaxPages:       12,
		UserAgent:      "Mozilla/5.0 (compatible; email-classifier/1.0)",
	}
}

func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = d.RequestTimeout
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = d.RatePerSecond
	}
	if c.Burst <= 0 {
		c.Burst = d.Burst
	}
	if c.MaxPages <= 0 {
		c.MaxPages = d.MaxPages
	}
	if c.UserAgent == "" {
		c.UserAgent = d.UserAgent
	}
}

// Scraper looks up a domain's data-protection contact on its privacy policy.
type Scraper struct {
	cfg       Config
	client    *http.Client
	limiter   *rate.Limiter
	breaker   *circuitbreaker.CircuitBreaker
	extractor ContactExtractor
	logger    *zap.Logger

	// siteURL maps a sender domain to the site root.
	siteURL func(domain string) string
}

// New builds a scraper. extractor may be nil.
func New(cfg Config, extractor ContactExtractor, logger *zap.Logger) *Scraper {
	cfg.ApplyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	cbCfg := circuitbreaker.DefaultConfig("policy-scraper")
	cbCfg.FailureThreshold = 10
	// 404、被拒绝的地址等不计入熔断
	cbCfg.IgnoreError = func(err error) bool {
		return errors.Is(err, errNotFound) || errors.Is(err, ErrPageUnusable) ||
			errors.Is(err, ErrBlockedAddress) || errors.Is(err, ErrOffSite)
	}

	return &Scraper{
		cfg:       cfg,
		client:    newHTTPClient(cfg),
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		breaker:   circuitbreaker.NewCircuitBreaker(cbCfg, logger),
		extractor: extractor,
		logger:    logger,
		siteURL:   func(domain string) string { return "https://" + domain },
	}
}

// newHTTPClient checks every dialed address, so redirects and DNS answers
// pointing inside the network are refused too.
func newHTTPClient(cfg Config) *http.Client {
	dialer := &net.Dialer{Timeout: cfg.RequestTimeout}
	if !cfg.AllowPrivateNetworks {
		dialer.Control = func(_, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip == nil || BlockedIP(ip) {
				return fmt.Errorf("%w: %s", ErrBlockedAddress, host)
			}
			return nil
		}
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = dialer.DialContext
	transport.Proxy = nil

	return &http.Client{
		Timeout:   cfg.RequestTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if !sameSite(req.URL, via[0].URL) {
				return fmt.Errorf("%w: %s", ErrOffSite, req.URL.Host)
			}
			return nil
		},
	}
}

// BlockedIP reports addresses a sender-controlled domain must not reach.
func BlockedIP(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsMulticast()
}

// sameSite compares registrable domains; IP hosts must match exactly.
func sameSite(a, b *url.URL) bool {
	ha, hb := strings.ToLower(a.Hostname()), strings.ToLower(b.Hostname())
	if net.ParseIP(ha) != nil || net.ParseIP(hb) != nil {
		return ha == hb
	}
	return metadata.RootDomain(ha) == metadata.RootDomain(hb)
}

var errNotFound = errors.New("page not found")

// FindContact returns the contact address for domain, or "" when the
// policy pages do not name one. An error means no page could be read.
func (s *Scraper) FindContact(ctx context.Context, domain string) (string, error) {
	domain = metadata.NormalizeDomain(domain)
	if domain == "" || domain == metadata.UnknownDomain {
		return "", fmt.Errorf("scraper: invalid domain %q", domain)
	}
	site, err := url.Parse(s.siteURL(domain))
	if err != nil {
		return "", fmt.Errorf("scraper: %w", err)
	}

	log := s.logger.With(zap.String("domain", domain))
	var (
		lastErr error
		read    int
	)
	for _, target := range s.candidates(ctx, site, log) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		page, err := s.fetch(ctx, target)
		if err != nil {
			if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
				return "", fmt.Errorf("scraper: %w", err)
			}
			if !errors.Is(err, errNotFound) && !errors.Is(err, ErrPageUnusable) && !errors.Is(err, ErrOffSite) {
				lastErr = err
			}
			log.Debug("Policy page skipped", zap.String("url", target), zap.Error(err))
			continue
		}
		read++
		text := (&metadata.Extractor{MaxEmailLength: maxPageText}).Truncate(page.Text)
		if addr := s.extractContact(ctx, text, log); addr != "" {
			log.Info("Policy contact found", zap.String("url", target), zap.String("contact", addr))
			return addr, nil
		}
	}

	if read == 0 && lastErr != nil {
		return "", fmt.Errorf("scraper: no policy page readable: %w", lastErr)
	}
	return "", nil
}

// extractContact asks the extractor first and falls back to the patterns. An
// extracted address must appear on the page.
func (s *Scraper) extractContact(ctx context.Context, text string, log *zap.Logger) string {
	if s.extractor != nil {
		addr, err := s.extractor.ExtractContact(ctx, text)
		switch {
		case err != nil:
			log.Debug("Contact extraction failed, using patterns", zap.Error(err))
		case ValidEmail(addr) && strings.Contains(strings.ToLower(text), strings.ToLower(addr)):
			return strings.ToLower(strings.TrimSpace(addr))
		case addr != "":
			log.Debug("Extracted contact not on page, ignored", zap.String("contact", addr))
		}
		if ctx.Err() != nil {
			return ""
		}
	}
	return FindContactAddress(text)
}

// candidates lists homepage policy links on the sender's site first, then
// the fixed paths.
func (s *Scraper) candidates(ctx context.Context, site *url.URL, log *zap.Logger) []string {
	var urls []string
	if home, err := s.fetchHTML(ctx, site.String()); err == nil {
		for _, link := range home.PolicyLinks() {
			u, err := url.Parse(link)
			if err != nil || !sameSite(u, site) {
				log.Debug("Off-site policy link ignored", zap.String("url", link))
				continue
			}
			urls = append(urls, link)
		}
	} else {
		log.Debug("Homepage link discovery failed", zap.Error(err))
	}
	for _, p := range candidatePaths {
		urls = append(urls, site.ResolveReference(&url.URL{Path: p}).String())
	}

	seen := make(map[string]bool, len(urls))
	out := urls[:0]
	for _, u := range urls {
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	if len(out) > s.cfg.MaxPages {
		out = out[:s.cfg.MaxPages]
	}
	return out
}

// fetch returns a page with enough text to be a policy.
func (s *Scraper) fetch(ctx context.Context, target string) (*Page, error) {
	page, err := s.fetchHTML(ctx, target)
	if err != nil {
		return nil, err
	}
	if len(page.Text) <= minPageText {
		return nil, ErrPageUnusable
	}
	return page, nil
}

func (s *Scraper) fetchHTML(ctx context.Context, target string) (*Page, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	var page *Page
	err := s.breaker.Execute(func() error {
		var err error
		page, err = s.get(ctx, target)
		return err
	})
	return page, err
}

func (s *Scraper) get(ctx context.Context, target string) (*Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, errNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("GET %s: status %d", target, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") && !strings.HasPrefix(ct, "text/") {
		return nil, ErrPageUnusable
	}

	return ParsePage(io.LimitReader(resp.Body, maxBodySize), resp.Request.URL)
}
