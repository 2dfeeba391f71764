package gin

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	x402http "github.com/noahlevine1717/clawd-domain-marketplace/http"
	"github.com/noahlevine1717/clawd-domain-marketplace/ledger"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
	"github.com/noahlevine1717/clawd-domain-marketplace/registrar"
)

type searchRequest struct {
	Query string   `json:"query"`
	Name  string   `json:"name"`
	TLDs  []string `json:"tlds"`
}

type searchResult struct {
	Domain         string `json:"domain"`
	Available      bool   `json:"available"`
	FirstYearPrice string `json:"first_year_price_usdc,omitempty"`
	RenewalPrice   string `json:"renewal_price_usdc,omitempty"`
	Premium        bool   `json:"premium"`
}

type registrantInfo struct {
	FirstName string `json:"first_name" binding:"required,max=100"`
	LastName  string `json:"last_name" binding:"required,max=100"`
	Email     string `json:"email" binding:"required,min=5,max=255"`
	Phone     string `json:"phone"`
	Address   string `json:"address"`
	City      string `json:"city"`
	State     string `json:"state"`
	ZipCode   string `json:"zip_code"`
	Country   string `json:"country"`
}

func (r *registrantInfo) toRegistrar() registrar.Registrant {
	return registrar.Registrant{
		FirstName: r.FirstName,
		LastName:  r.LastName,
		Email:     r.Email,
		Phone:     firstNonEmpty(r.Phone, "+1.5551234567"),
		Address:   firstNonEmpty(r.Address, "123 Main St"),
		City:      firstNonEmpty(r.City, "San Francisco"),
		State:     firstNonEmpty(r.State, "CA"),
		Zip:       firstNonEmpty(r.ZipCode, "94102"),
		Country:   firstNonEmpty(r.Country, "US"),
	}
}

type initiateRequest struct {
	Domain     string          `json:"domain" binding:"required"`
	Years      int             `json:"years"`
	Registrant *registrantInfo `json:"registrant"`
}

type paymentRequest struct {
	AmountUSDC string `json:"amount_usdc"`
	Recipient  string `json:"recipient"`
	ChainID    int64  `json:"chain_id"`
	Memo       string `json:"memo"`
	ExpiresAt  string `json:"expires_at"`
}

type initiateResponse struct {
	PurchaseID     string         `json:"purchase_id"`
	Domain         string         `json:"domain"`
	Years          int            `json:"years"`
	PaymentRequest paymentRequest `json:"payment_request"`
	PayURL         string         `json:"pay_url"`
}

type confirmRequest struct {
	PurchaseID string `json:"purchase_id" binding:"required"`
	TxHash     string `json:"tx_hash" binding:"required,len=66"`
}

// domainInfo is the client view of a grant.
type domainInfo struct {
	DomainName   string   `json:"domain_name"`
	ExpiresAt    string   `json:"expires_at"`
	Nameservers  []string `json:"nameservers"`
	RegisteredAt string   `json:"registered_at"`
}

func newDomainInfo(g *ledger.DomainGrant) *domainInfo {
	if g == nil {
		return nil
	}
	return &domainInfo{
		DomainName:   g.Domain,
		ExpiresAt:    g.ExpiresAt.UTC().Format(time.RFC3339),
		Nameservers:  append([]string{}, g.Nameservers...),
		RegisteredAt: g.RegisteredAt.UTC().Format(time.RFC3339),
	}
}

type purchaseResult struct {
	Status   string      `json:"status"`
	Message  string      `json:"message,omitempty"`
	Domain   *domainInfo `json:"domain,omitempty"`
	TxHash   string      `json:"tx_hash,omitempty"`
	Error    string      `json:"error,omitempty"`
	Code     string      `json:"code,omitempty"`
	MockMode bool        `json:"mock_mode"`
}

func (s *Server) settlementResult(settlement *ledger.Settlement) purchaseResult {
	res := purchaseResult{
		Status:   "success",
		Domain:   newDomainInfo(settlement.Grant),
		TxHash:   settlement.Purchase.TxHash,
		MockMode: s.cfg.MockMode,
	}
	if settlement.AlreadyCompleted {
		res.Status = "already_completed"
	} else {
		res.Message = "Domain " + settlement.Purchase.Domain + " registered successfully!"
	}
	return res
}

func (s *Server) search(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body")
		return
	}
	query := firstNonEmpty(req.Query, req.Name)
	found, err := registrar.Search(c.Request.Context(), s.registrar, query, req.TLDs)
	if err != nil {
		switch {
		case errors.Is(err, registrar.ErrInvalidLabel):
			badRequest(c, "Invalid domain name: use 1-63 letters, digits or hyphens, not starting or ending with a hyphen")
		case errors.Is(err, registrar.ErrTooManyTLDs):
			badRequest(c, "Too many TLDs")
		default:
			abortWithError(c, err)
		}
		return
	}

	results := make([]searchResult, 0, len(found))
	for _, f := range found {
		if f.Err != nil {
			s.logger.Warn("availability check failed", zap.String("domain", f.Domain), zap.Error(f.Err))
		}
		r := searchResult{Domain: f.Domain, Available: f.Available, Premium: f.Premium}
		if f.Price != nil {
			r.FirstYearPrice = evm.FormatUSDC(f.Price.FirstYear)
			r.RenewalPrice = evm.FormatUSDC(f.Price.Renewal)
		}
		results = append(results, r)
	}

	c.JSON(http.StatusOK, gin.H{
		"query":     strings.ToLower(strings.TrimSpace(query)),
		"results":   results,
		"mock_mode": s.cfg.MockMode,
	})
}

func (s *Server) initiate(c *gin.Context) {
	var req initiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: "+clawd.SanitizeError(err))
		return
	}
	if req.Years == 0 {
		req.Years = 1
	}

	var registrant json.RawMessage
	if req.Registrant != nil {
		raw, err := json.Marshal(req.Registrant.toRegistrar())
		if err != nil {
			abortWithError(c, err)
			return
		}
		registrant = raw
	}

	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	p, err := s.purchases.Initiate(c.Request.Context(), ledger.InitiateRequest{
		Domain:     domain,
		Years:      req.Years,
		Amount:     registrar.ListPrice(domain).Total(req.Years),
		Registrant: registrant,
	})
	if err != nil {
		abortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, initiateResponse{
		PurchaseID: p.ID,
		Domain:     p.Domain,
		Years:      p.Years,
		PaymentRequest: paymentRequest{
			AmountUSDC: evm.FormatUSDC(p.Amount),
			Recipient:  s.purchases.Treasury(),
			ChainID:    evm.ChainIDBase.Int64(),
			Memo:       "clawd:domain:" + p.ID,
			ExpiresAt:  p.ExpiresAt.UTC().Format(time.RFC3339),
		},
		PayURL: s.cfg.PublicURL + "/purchase/pay/" + p.ID,
	})
}

// paid runs after PaymentMiddleware has settled the purchase.
func (s *Server) paid(c *gin.Context) {
	settlement, ok := SettlementFromContext(c)
	if !ok {
		abortWithError(c, clawd.ErrPurchaseNotFound)
		return
	}
	c.JSON(http.StatusOK, s.settlementResult(settlement))
}

// complete settles with proof from the request headers. Unlike the pay
// endpoint it never answers with a challenge.
func (s *Server) complete(c *gin.Context) {
	proof := x402http.DecodePaymentProof(x402http.PaymentEvidence(c.Request.Header))
	settlement, err := s.purchases.SubmitProof(c.Request.Context(), c.Param("id"), proof)
	if err != nil {
		s.settlementFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, s.settlementResult(settlement))
}

// confirm settles with a transaction hash from the body.
func (s *Server) confirm(c *gin.Context) {
	var req confirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: purchase_id and a 66 character tx_hash are required")
		return
	}
	if !clawd.IsTxHash(req.TxHash) {
		badRequest(c, "Invalid transaction hash")
		return
	}

	proof := clawd.Proof{
		Kind:    clawd.ProofSettledReference,
		Settled: &clawd.SettledReference{TxHash: req.TxHash},
	}
	settlement, err := s.purchases.SubmitProof(c.Request.Context(), req.PurchaseID, proof)
	if err != nil {
		s.settlementFailure(c, err)
		return
	}
	c.JSON(http.StatusOK, s.settlementResult(settlement))
}

// settlementFailure reports payment errors in the purchase result shape and
// everything else through abortWithError.
func (s *Server) settlementFailure(c *gin.Context, err error) {
	if _, ok := clawd.AsPaymentError(err); !ok {
		abortWithError(c, err)
		return
	}
	code, body := statusFor(err)
	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	status := body.Status
	if status == "" {
		status = "payment_failed"
	}
	c.AbortWithStatusJSON(code, purchaseResult{
		Status:   status,
		TxHash:   body.TxHash,
		Error:    body.Error,
		Code:     body.Code,
		MockMode: s.cfg.MockMode,
	})
}

// status returns only the fields safe to show anyone holding the id.
func (s *Server) status(c *gin.Context) {
	p, err := s.purchases.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":         p.ID,
		"domain":     p.Domain,
		"years":      p.Years,
		"status":     p.Status,
		"created_at": p.CreatedAt.UTC().Format(time.RFC3339),
		"expires_at": p.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
