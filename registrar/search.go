package registrar

import (
	"context"
	"errors"
	"regexp"
	"strings"
)

// MaxSearchTLDs caps how many TLDs one search may check.
const MaxSearchTLDs = 20

var (
	ErrInvalidLabel = errors.New("invalid domain name: use 1-63 letters, digits or hyphens, not starting or ending with a hyphen")
	ErrTooManyTLDs  = errors.New("too many TLDs")

	labelPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
)

// Checker answers availability questions.
type Checker interface {
	Check(ctx context.Context, domain string) (*Availability, error)
}

// SearchResult is one candidate domain. Price is set only when the domain is
// available; Err is set when the registrar could not be asked.
type SearchResult struct {
	Domain    string
	Available bool
	Premium   bool
	Price     *Price
	Err       error
}

// NormalizeLabel lowercases and validates a second-level label.
func NormalizeLabel(label string) (string, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if !labelPattern.MatchString(label) {
		return "", ErrInvalidLabel
	}
	return label, nil
}

// Search checks label under each TLD, DefaultSearchTLDs when tlds is empty.
// Blank TLDs are skipped and a leading dot is ignored.
func Search(ctx context.Context, c Checker, label string, tlds []string) ([]SearchResult, error) {
	label, err := NormalizeLabel(label)
	if err != nil {
		return nil, err
	}
	if len(tlds) == 0 {
		tlds = DefaultSearchTLDs
	}
	if len(tlds) > MaxSearchTLDs {
		return nil, ErrTooManyTLDs
	}

	results := make([]SearchResult, 0, len(tlds))
	for _, tld := range tlds {
		tld = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(tld)), ".")
		if tld == "" {
			continue
		}
		domain := label + "." + tld

		avail, err := c.Check(ctx, domain)
		if err != nil {
			results = append(results, SearchResult{Domain: domain, Err: err})
			continue
		}
		r := SearchResult{Domain: domain, Available: avail.Available, Premium: avail.Premium}
		if avail.Available {
			price := Quote(avail)
			r.Price = &price
		}
		results = append(results, r)
	}
	return results, nil
}
