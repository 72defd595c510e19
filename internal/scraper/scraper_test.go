package scraper

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const filler = "We respect your privacy and process personal data only for the purposes described in this notice. "

func newTestScraper(t *testing.T, h http.Handler) (*Scraper, *[]string) {
	t.Helper()
	var (
		mu   sync.Mutex
		hits []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits = append(hits, r.URL.Path)
		mu.Unlock()
		h.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)

	s := New(Config{RatePerSecond: 1000, Burst: 100, AllowPrivateNetworks: true}, nil, nil)
	s.siteURL = func(string) string { return srv.URL }
	return s, &hits
}

func TestFindContact_DiscoveredLink(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><a href="/about">About</a><a href="/legal/data-notice">Privacy Notice</a></body></html>`))
	})
	mux.HandleFunc("/legal/data-notice", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(`<html><head><script>var x = "spam@evil.com privacy";</script></head><body><p>` + filler +
			`</p><p>You can reach our Data Protection Officer at DPO@Acme.com for any request.</p></body></html>`))
	})

	s, hits := newTestScraper(t, mux)
	addr, err := s.FindContact(context.Background(), "acme.com")

	require.NoError(t, err)
	assert.Equal(t, "dpo@acme.com", addr)
	assert.Equal(t, []string{"/", "/legal/data-notice"}, *hits)
}

func TestFindContact_FixedPath(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`<html><body>Welcome</body></html>`))
	})
	mux.HandleFunc("/privacy-policy", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>` + filler + ` Questions about this privacy policy: legal@shop.example.org</body></html>`))
	})

	s, hits := newTestScraper(t, mux)
	addr, err := s.FindContact(context.Background(), "shop.example.org")

	require.NoError(t, err)
	assert.Equal(t, "legal@shop.example.org", addr)
	assert.Equal(t, []string{"/", "/privacy", "/privacy-policy"}, *hits)
}

func TestFindContact_MissIsNotAnError(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			_, _ = w.Write([]byte(`<html><body>Welcome</body></html>`))
		case "/privacy":
			// too short to be a policy
			_, _ = w.Write([]byte(`<html><body>Privacy: privacy@tiny.io</body></html>`))
		default:
			http.NotFound(w, r)
		}
	})

	s, hits := newTestScraper(t, mux)
	addr, err := s.FindContact(context.Background(), "tiny.io")

	require.NoError(t, err)
	assert.Empty(t, addr)
	assert.Len(t, *hits, 1+len(candidatePaths))
}

func TestFindContact_ServerErrors(t *testing.T) {
	s, _ := newTestScraper(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))

	_, err := s.FindContact(context.Background(), "down.example")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}

func TestFindContact_InvalidDomain(t *testing.T) {
	s := New(DefaultConfig(), nil, nil)
	_, err := s.FindContact(context.Background(), "unknown")
	assert.Error(t, err)
	_, err = s.FindContact(context.Background(), "  ")
	assert.Error(t, err)
}

func TestFindContact_CancelledContext(t *testing.T) {
	s, _ := newTestScraper(t, http.NotFoundHandler())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.FindContact(ctx, "acme.com")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFindContactAddress(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{"dpo before address", "Our DPO can be contacted at dpo@example.com.", "dpo@example.com"},
		{"officer phrase", "Data Protection Officer: Jane Roe, jane.roe@corp.co.uk", "jane.roe@corp.co.uk"},
		{"address before dpo", "write to gdpr@corp.com, our data protection team", "gdpr@corp.com"},
		{"privacy mention", "For privacy questions email help@store.com", "help@store.com"},
		{"address before privacy", "support@store.com handles privacy requests", "support@store.com"},
		{"dpo wins over privacy", "privacy team: team@x.com ... DPO: officer@x.com", "officer@x.com"},
		{"no address", "We value your privacy.", ""},
		{"unrelated address", "Sales: sales@x.com", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FindContactAddress(tt.text))
		})
	}
}

func TestValidEmail(t *testing.T) {
	assert.True(t, ValidEmail("a.b@c.io"))
	assert.True(t, ValidEmail(" a@b.co "))
	assert.False(t, ValidEmail("none"))
	assert.False(t, ValidEmail(""))
	assert.False(t, ValidEmail("a@b"))
}

func TestParsePage(t *testing.T) {
	base, _ := url.Parse("https://acme.com/home/")
	doc := `<html><head><style>.x{}</style><script>alert("privacy")</script></head>
<body><h1>Hello
   world</h1>
<a href="policy">Data Protection</a>
<a href="https://other.com/Privacy#top">x</a>
<a href="mailto:a@b.com">mail</a>
<a href="#frag">skip</a>
<a href="/terms">Terms</a></body></html>`

	p, err := ParsePage(strings.NewReader(doc), base)
	require.NoError(t, err)

	assert.NotContains(t, p.Text, "alert")
	assert.Contains(t, p.Text, "Hello world")
	assert.Len(t, p.Links, 3)
	assert.Equal(t, []string{"https://acme.com/home/policy", "https://other.com/Privacy"}, p.PolicyLinks())
}

type fakeExtractor struct {
	addr  string
	err   error
	calls int
}

func (f *fakeExtractor) ExtractContact(_ context.Context, text string) (string, error) {
	f.calls++
	return f.addr, f.err
}

func policySite(policy string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/":
			_, _ = w.Write([]byte(`<html><body>Welcome</body></html>`))
		case "/privacy":
			_, _ = w.Write([]byte(`<html><body>` + filler + policy + `</body></html>`))
		default:
			http.NotFound(w, r)
		}
	})
	return mux
}

func TestFindContact_ExtractorFirst(t *testing.T) {
	s, _ := newTestScraper(t, policySite(" Privacy questions: help@acme.com. Our officer: Officer@Acme.com"))
	ext := &fakeExtractor{addr: "Officer@Acme.com"}
	s.extractor = ext

	addr, err := s.FindContact(context.Background(), "acme.com")

	require.NoError(t, err)
	assert.Equal(t, "officer@acme.com", addr)
	assert.Equal(t, 1, ext.calls)
}

func TestFindContact_ExtractorFallsBackToPatterns(t *testing.T) {
	tests := []struct {
		name string
		ext  *fakeExtractor
	}{
		{"error", &fakeExtractor{err: errors.New("model down")}},
		{"none", &fakeExtractor{}},
		{"not on page", &fakeExtractor{addr: "made.up@elsewhere.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := newTestScraper(t, policySite(" Privacy questions: help@acme.com"))
			s.extractor = tt.ext

			addr, err := s.FindContact(context.Background(), "acme.com")

			require.NoError(t, err)
			assert.Equal(t, "help@acme.com", addr)
			assert.Equal(t, 1, tt.ext.calls)
		})
	}
}

func TestFindContact_RefusesPrivateAddresses(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		_, _ = w.Write([]byte(`<html><body>` + filler + ` DPO: dpo@internal.corp</body></html>`))
	}))
	t.Cleanup(srv.Close)

	s := New(Config{RatePerSecond: 1000, Burst: 100}, nil, nil)
	s.siteURL = func(string) string { return srv.URL }

	addr, err := s.FindContact(context.Background(), "internal.corp")

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBlockedAddress)
	assert.Empty(t, addr)
	assert.Zero(t, hits)
}

func TestCandidatesStayOnSenderSite(t *testing.T) {
	s, _ := newTestScraper(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
<a href="/legal/privacy-notice">Privacy</a>
<a href="http://169.254.169.254/latest/privacy">Privacy</a>
<a href="https://tracker.example/privacy">Privacy</a>
</body></html>`))
	}))
	site, err := url.Parse(s.siteURL("acme.com"))
	require.NoError(t, err)

	got := s.candidates(context.Background(), site, zap.NewNop())

	require.NotEmpty(t, got)
	assert.Equal(t, site.String()+"/legal/privacy-notice", got[0])
	for _, u := range got {
		assert.NotContains(t, u, "169.254.169.254")
		assert.NotContains(t, u, "tracker.example")
	}
}

func TestBlockedIP(t *testing.T) {
	for _, ip := range []string{"127.0.0.1", "10.1.2.3", "192.168.0.10", "172.16.5.4", "169.254.169.254", "::1", "fe80::1", "fd00::1", "0.0.0.0"} {
		assert.True(t, BlockedIP(net.ParseIP(ip)), ip)
	}
	for _, ip := range []string{"93.184.216.34", "2606:2800:220:1:248:1893:25c8:1946"} {
		assert.False(t, BlockedIP(net.ParseIP(ip)), ip)
	}
}
