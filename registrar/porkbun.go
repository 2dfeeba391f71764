package registrar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
)

const (
	// DefaultPorkbunURL is the production API.
	DefaultPorkbunURL = "https://api.porkbun.com/api/json/v3"
	// SandboxPorkbunURL is the IPv4-only endpoint used for sandbox accounts.
	SandboxPorkbunURL = "https://api-ipv4.porkbun.com/api/json/v3"

	headerContentType   = "Content-Type"
	mimeApplicationJSON = "application/json"

	defaultTimeout  = 30 * time.Second
	registerTimeout = 60 * time.Second
)

// PorkbunConfig configures the Porkbun client.
type PorkbunConfig struct {
	APIKey     string
	SecretKey  string
	Sandbox    bool
	BaseURL    string // overrides Sandbox when set
	Registrant Registrant
	HTTPClient *http.Client
	Logger     *zap.Logger
	Clock      clawd.Clock
}

// Porkbun is a Client backed by the Porkbun JSON API.
type Porkbun struct {
	baseURL    string
	apiKey     string
	secretKey  string
	registrant Registrant
	httpClient *http.Client
	logger     *zap.Logger
	clock      clawd.Clock
}

// NewPorkbun creates a Porkbun client.
func NewPorkbun(config PorkbunConfig) *Porkbun {
	baseURL := config.BaseURL
	if baseURL == "" {
		baseURL = DefaultPorkbunURL
		if config.Sandbox {
			baseURL = SandboxPorkbunURL
		}
	}
	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := config.Clock
	if clock == nil {
		clock = clawd.SystemClock{}
	}
	return &Porkbun{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     config.APIKey,
		secretKey:  config.SecretKey,
		registrant: config.Registrant,
		httpClient: httpClient,
		logger:     logger,
		clock:      clock,
	}
}

// envelope is the status/message pair every Porkbun response carries.
type envelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (e envelope) ok() bool { return e.Status == string(StatusSuccess) }

// post sends body plus credentials to path and decodes the answer into out.
// A non-SUCCESS envelope is returned to the caller rather than as an error.
func (c *Porkbun) post(ctx context.Context, path string, body map[string]any, timeout time.Duration, out any) error {
	if body == nil {
		body = map[string]any{}
	}
	body["apikey"] = c.apiKey
	body["secretapikey"] = c.secretKey

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request body: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerContentType, mimeApplicationJSON)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send %s request: %w", path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read %s response: %w", path, err)
	}
	// Porkbun reports application errors with a 400 and a JSON envelope.
	if resp.StatusCode >= 500 {
		return fmt.Errorf("registrar returned %s", resp.Status)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode %s response (%s): %w", path, resp.Status, err)
	}
	return nil
}

type checkResponse struct {
	envelope
	Response struct {
		Avail      string `json:"avail"`
		Price      string `json:"price"`
		Premium    string `json:"premium"`
		Additional struct {
			Renewal struct {
				Price string `json:"price"`
			} `json:"renewal"`
		} `json:"additional"`
	} `json:"response"`
}

func (c *Porkbun) Check(ctx context.Context, domain string) (*Availability, error) {
	var resp checkResponse
	if err := c.post(ctx, "/domain/checkDomain/"+domain, nil, defaultTimeout, &resp); err != nil {
		return nil, err
	}
	if !resp.ok() {
		return nil, fmt.Errorf("check %s: %s", domain, resp.Message)
	}

	out := &Availability{
		Domain:    domain,
		Available: resp.Response.Avail == "yes",
		Premium:   resp.Response.Premium == "yes",
	}
	if p, err := evm.ParseAmount(resp.Response.Price, evm.DefaultDecimals); err == nil {
		out.Registration = p
	}
	if p, err := evm.ParseAmount(resp.Response.Additional.Renewal.Price, evm.DefaultDecimals); err == nil {
		out.Renewal = p
	}
	return out, nil
}

// Register prices the domain with a fresh check, then creates it with the
// purchase's registrant as the legal owner.
func (c *Porkbun) Register(ctx context.Context, domain string, years int, registrant json.RawMessage) (*Registration, error) {
	avail, err := c.Check(ctx, domain)
	if err != nil {
		return &Registration{Status: StatusError, Domain: domain, Message: "could not get pricing: " + err.Error()}, nil
	}
	if !avail.Available {
		return &Registration{Status: StatusError, Domain: domain, Message: "domain is not available"}, nil
	}
	if avail.Registration == nil {
		return &Registration{Status: StatusError, Domain: domain, Message: "registrar did not quote a price"}, nil
	}

	reg, err := DecodeRegistrant(registrant, c.registrant)
	if err != nil {
		return &Registration{Status: StatusError, Domain: domain, Message: "invalid registrant: " + err.Error()}, nil
	}

	// cost is in pennies; USDC units are 1e-6.
	pennies := new(big.Int).Quo(avail.Registration, big.NewInt(10_000))
	body := map[string]any{
		"cost":         pennies.Int64(),
		"agreeToTerms": "yes",
		"years":        years,
		"firstName":    reg.FirstName,
		"lastName":     reg.LastName,
		"email":        reg.Email,
		"phone":        reg.Phone,
		"address":      reg.Address,
		"city":         reg.City,
		"state":        reg.State,
		"zip":          reg.Zip,
		"country":      reg.Country,
	}

	var resp envelope
	if err := c.post(ctx, "/domain/create/"+domain, body, registerTimeout, &resp); err != nil {
		return nil, err
	}
	c.logger.Info("registrar create result",
		zap.String("domain", domain),
		zap.String("status", resp.Status),
		zap.String("message", resp.Message))

	if !resp.ok() {
		return &Registration{Status: StatusError, Domain: domain, Message: resp.Message}, nil
	}
	return &Registration{
		Status:      StatusSuccess,
		Domain:      domain,
		Expiration:  c.clock.Now().UTC().AddDate(years, 0, 0),
		Nameservers: append([]string(nil), DefaultNameservers...),
		Message:     resp.Message,
	}, nil
}

// AuthCode returns manual instructions: the Porkbun API does not expose
// transfer codes.
func (c *Porkbun) AuthCode(ctx context.Context, domain string) (*AuthCode, error) {
	return &AuthCode{
		ManualRequired: true,
		Instructions: []string{
			"1. Log in to porkbun.com",
			"2. Go to Domain Management",
			"3. Click the Details dropdown for your domain",
			"4. Select 'Get Authorization Code'",
			"5. Copy the auth code from the popup",
		},
		DashboardURL: "https://porkbun.com/account/domain-details/" + domain,
	}, nil
}

func (c *Porkbun) UpdateNameservers(ctx context.Context, domain string, nameservers []string) error {
	var resp envelope
	if err := c.post(ctx, "/domain/updateNs/"+domain, map[string]any{"ns": nameservers}, defaultTimeout, &resp); err != nil {
		return err
	}
	return c.check("update nameservers", domain, resp)
}

type dnsRecordWire struct {
	ID      json.Number `json:"id"`
	Name    string      `json:"name"`
	Type    string      `json:"type"`
	Content string      `json:"content"`
	TTL     json.Number `json:"ttl"`
	Prio    json.Number `json:"prio"`
}

func (c *Porkbun) ListDNS(ctx context.Context, domain string) ([]DNSRecord, error) {
	var resp struct {
		envelope
		Records []dnsRecordWire `json:"records"`
	}
	if err := c.post(ctx, "/dns/retrieve/"+domain, nil, defaultTimeout, &resp); err != nil {
		return nil, err
	}
	if err := c.check("list dns", domain, resp.envelope); err != nil {
		return nil, err
	}

	out := make([]DNSRecord, 0, len(resp.Records))
	for _, r := range resp.Records {
		ttl, _ := strconv.Atoi(r.TTL.String())
		prio, _ := strconv.Atoi(r.Prio.String())
		out = append(out, DNSRecord{
			ID:      r.ID.String(),
			Name:    r.Name,
			Type:    r.Type,
			Content: r.Content,
			TTL:     ttl,
			Prio:    prio,
		})
	}
	return out, nil
}

func (c *Porkbun) CreateDNS(ctx context.Context, domain string, record DNSRecord) (string, error) {
	body := map[string]any{
		"type":    record.Type,
		"name":    record.Name,
		"content": record.Content,
		"ttl":     strconv.Itoa(record.TTL),
	}
	if record.Prio > 0 {
		body["prio"] = strconv.Itoa(record.Prio)
	}

	var resp struct {
		envelope
		ID json.Number `json:"id"`
	}
	if err := c.post(ctx, "/dns/create/"+domain, body, defaultTimeout, &resp); err != nil {
		return "", err
	}
	if err := c.check("create dns", domain, resp.envelope); err != nil {
		return "", err
	}
	return resp.ID.String(), nil
}

func (c *Porkbun) DeleteDNS(ctx context.Context, domain, recordID string) error {
	var resp envelope
	if err := c.post(ctx, "/dns/delete/"+domain+"/"+recordID, nil, defaultTimeout, &resp); err != nil {
		return err
	}
	return c.check("delete dns", domain, resp)
}

func (c *Porkbun) check(op, domain string, resp envelope) error {
	if resp.ok() {
		return nil
	}
	if strings.Contains(strings.ToLower(resp.Message), "not found") ||
		strings.Contains(strings.ToLower(resp.Message), "invalid domain") {
		return fmt.Errorf("%s %s: %w", op, domain, ErrDomainNotInAccount)
	}
	return fmt.Errorf("%s %s: %s", op, domain, resp.Message)
}

var _ Client = (*Porkbun)(nil)
