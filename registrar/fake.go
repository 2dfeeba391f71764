package registrar

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
)

// MockTakenDomains are reported unavailable by Fake.
var MockTakenDomains = []string{"google.com", "facebook.com", "amazon.com", "example.com"}

// Fake is an in-memory registrar. It never quotes its own cost, so search
// and checkout both use the list price.
type Fake struct {
	mu sync.Mutex

	clock  clawd.Clock
	taken  map[string]bool
	refuse map[string]string
	fail   map[string]error

	registrations []Registration
	nameservers   map[string][]string
	records       map[string][]DNSRecord
	nextRecordID  int
}

// NewFake creates a fake with the default taken list.
func NewFake(clock clawd.Clock) *Fake {
	if clock == nil {
		clock = clawd.SystemClock{}
	}
	f := &Fake{
		clock:        clock,
		taken:        make(map[string]bool),
		refuse:       make(map[string]string),
		fail:         make(map[string]error),
		nameservers:  make(map[string][]string),
		records:      make(map[string][]DNSRecord),
		nextRecordID: 100000,
	}
	for _, d := range MockTakenDomains {
		f.taken[d] = true
	}
	return f
}

// Refuse makes Register answer StatusError with message for domain.
func (f *Fake) Refuse(domain, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refuse[strings.ToLower(domain)] = message
}

// Fail makes Register return err for domain, as a transport failure would.
func (f *Fake) Fail(domain string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail[strings.ToLower(domain)] = err
}

// Registrations returns every Register call that reached the fake.
func (f *Fake) Registrations() []Registration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Registration(nil), f.registrations...)
}

func (f *Fake) Check(ctx context.Context, domain string) (*Availability, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	domain = strings.ToLower(domain)
	return &Availability{Domain: domain, Available: !f.taken[domain]}, nil
}

func (f *Fake) Register(ctx context.Context, domain string, years int, registrant json.RawMessage) (*Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	domain = strings.ToLower(domain)

	if err, ok := f.fail[domain]; ok {
		f.registrations = append(f.registrations, Registration{Status: StatusError, Domain: domain, Message: err.Error()})
		return nil, err
	}
	if msg, ok := f.refuse[domain]; ok {
		r := Registration{Status: StatusError, Domain: domain, Message: msg}
		f.registrations = append(f.registrations, r)
		return &r, nil
	}
	if f.taken[domain] {
		r := Registration{Status: StatusError, Domain: domain, Message: "domain is not available"}
		f.registrations = append(f.registrations, r)
		return &r, nil
	}

	f.taken[domain] = true
	f.nameservers[domain] = append([]string(nil), DefaultNameservers...)
	r := Registration{
		Status:      StatusSuccess,
		Domain:      domain,
		Expiration:  f.clock.Now().UTC().AddDate(years, 0, 0),
		Nameservers: append([]string(nil), DefaultNameservers...),
		Message:     fmt.Sprintf("[MOCK] Domain %s registered for %d year(s)", domain, years),
	}
	f.registrations = append(f.registrations, r)
	return &r, nil
}

func (f *Fake) AuthCode(ctx context.Context, domain string) (*AuthCode, error) {
	return &AuthCode{Code: "MOCK-AUTH-CODE-12345"}, nil
}

func (f *Fake) UpdateNameservers(ctx context.Context, domain string, nameservers []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nameservers[strings.ToLower(domain)] = append([]string(nil), nameservers...)
	return nil
}

// Nameservers returns the nameservers last set for domain.
func (f *Fake) Nameservers(domain string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.nameservers[strings.ToLower(domain)]...)
}

func (f *Fake) ListDNS(ctx context.Context, domain string) ([]DNSRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]DNSRecord{}, f.records[strings.ToLower(domain)]...), nil
}

func (f *Fake) CreateDNS(ctx context.Context, domain string, record DNSRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextRecordID++
	record.ID = strconv.Itoa(f.nextRecordID)
	domain = strings.ToLower(domain)
	f.records[domain] = append(f.records[domain], record)
	return record.ID, nil
}

func (f *Fake) DeleteDNS(ctx context.Context, domain, recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	domain = strings.ToLower(domain)
	records := f.records[domain]
	for i, r := range records {
		if r.ID == recordID {
			f.records[domain] = append(records[:i], records[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("delete dns %s: record %s: %w", domain, recordID, ErrDomainNotInAccount)
}

var _ Client = (*Fake)(nil)
