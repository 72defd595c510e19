package pipeline

import (
	"context"
	"errors"
	"time"

	"email-classifier/internal/metadata"
	"email-classifier/internal/model"
	"email-classifier/pkg/metrics"

	"go.uber.org/zap"
)

// Where a contact address came from.
const (
	ContactFromMetadata = "metadata"
	ContactFromFooter   = "footer"
	ContactFromIndex    = "index"
	ContactFromScrape   = "scrape"
)

var (
	errNoContactFound = errors.New("no contact address on policy page")
	errNoScraper      = errors.New("no policy scraper configured")
	errUnknownDomain  = errors.New("sender domain unknown")
)

// EnhanceReport describes what the enhancer filled in. Skipped is non-nil
// when the contact lookup could not complete; it never fails the run.
type EnhanceReport struct {
	BusinessName   string
	ContactAddress string
	ContactSource  string
	Scraped        bool
	Skipped        error
}

// Enhancer fills business name and data-protection contact.
type Enhancer struct {
	scraper       PolicyScraper
	scrapeTimeout time.Duration
	logger        *zap.Logger
}

func NewEnhancer(scraper PolicyScraper, scrapeTimeout time.Duration, logger *zap.Logger) *Enhancer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enhancer{scraper: scraper, scrapeTimeout: scrapeTimeout, logger: logger}
}

// Enhance sets BusinessName and ContactAddress on rec where it can. At most
// one scrape is attempted.
func (e *Enhancer) Enhance(ctx context.Context, rec *model.EmailRecord, meta model.Metadata, match *model.SimilarityCandidate) EnhanceReport {
	var report EnhanceReport

	sameDomainMatch := match != nil && metadata.SameDomain(rec.SenderDomain, match.SenderDomain)

	if sameDomainMatch && match.BusinessName != "" {
		report.BusinessName = match.BusinessName
	} else {
		report.BusinessName = ExtractBusinessName(rec.SenderDomain, meta.Footer)
	}
	rec.BusinessName = model.StringPtr(report.BusinessName)

	switch {
	case meta.ContactAddress != "":
		report.ContactAddress, report.ContactSource = meta.ContactAddress, ContactFromMetadata
	case FindRoleAddress(meta.Footer) != "":
		report.ContactAddress, report.ContactSource = FindRoleAddress(meta.Footer), ContactFromFooter
	case sameDomainMatch && match.ContactAddress != "":
		report.ContactAddress, report.ContactSource = match.ContactAddress, ContactFromIndex
	default:
		report.Scraped = true
		addr, err := e.scrape(ctx, rec.SenderDomain)
		if err != nil {
			report.Skipped = wrap(ErrEnhancementSkipped, err)
			e.logger.Info("Contact lookup skipped",
				zap.String("email_id", rec.ID),
				zap.String("sender_domain", rec.SenderDomain),
				zap.Error(err),
			)
			break
		}
		report.ContactAddress, report.ContactSource = addr, ContactFromScrape
	}

	rec.ContactAddress = model.StringPtr(report.ContactAddress)
	return report
}

func (e *Enhancer) scrape(ctx context.Context, domain string) (string, error) {
	if e.scraper == nil {
		metrics.IncrementScrape("disabled")
		return "", errNoScraper
	}
	if domain == "" || domain == metadata.UnknownDomain {
		metrics.IncrementScrape("skipped")
		return "", errUnknownDomain
	}

	if e.scrapeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.scrapeTimeout)
		defer cancel()
	}

	addr, err := e.scraper.FindContact(ctx, domain)
	switch {
	case err != nil:
		metrics.IncrementScrape("error")
		return "", err
	case addr == "":
		metrics.IncrementScrape("miss")
		return "", errNoContactFound
	}
	metrics.IncrementScrape("found")
	return addr, nil
}
