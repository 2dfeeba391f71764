package gin

import (
	"net/http"
	"regexp"
	"slices"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/ledger"
	"github.com/noahlevine1717/clawd-domain-marketplace/registrar"
)

var (
	dnsRecordTypes    = []string{"A", "AAAA", "CNAME", "MX", "TXT", "NS", "SRV"}
	hostnamePattern   = regexp.MustCompile(`^([a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?\.)+[a-z]{2,63}\.?$`)
	invalidWalletBody = errorResponse{Error: "Invalid Ethereum address format"}
)

const (
	minDNSTTL     = 300
	maxDNSTTL     = 86400
	defaultDNSTTL = 600
)

type nameserverUpdate struct {
	Nameservers []string `json:"nameservers" binding:"required,min=2,max=6"`
	Wallet      string   `json:"wallet" binding:"required"`
}

type dnsRecordCreate struct {
	RecordType string `json:"record_type" binding:"required"`
	Name       string `json:"name"`
	Content    string `json:"content" binding:"required"`
	TTL        int    `json:"ttl"`
	Prio       int    `json:"prio"`
	Wallet     string `json:"wallet" binding:"required"`
}

type ownedDomain struct {
	domainInfo
	OwnerWallet string `json:"owner_wallet"`
	PurchaseID  string `json:"purchase_id"`
}

func (s *Server) listDomains(c *gin.Context) {
	wallet := c.Query("wallet")
	if !clawd.IsWalletAddress(wallet) {
		c.AbortWithStatusJSON(http.StatusBadRequest, invalidWalletBody)
		return
	}
	grants, err := s.purchases.Grants(c.Request.Context(), wallet)
	if err != nil {
		abortWithError(c, err)
		return
	}
	domains := make([]ownedDomain, 0, len(grants))
	for _, g := range grants {
		domains = append(domains, ownedDomain{
			domainInfo:  *newDomainInfo(g),
			OwnerWallet: strings.ToLower(g.OwnerWallet),
			PurchaseID:  g.PurchaseID,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"domains":   domains,
		"total":     len(domains),
		"mock_mode": s.cfg.MockMode,
	})
}

// owned resolves the :domain parameter for wallet, aborting the request when
// the wallet is malformed or does not own the domain.
func (s *Server) owned(c *gin.Context, wallet string) (*ledger.DomainGrant, bool) {
	if !clawd.IsWalletAddress(wallet) {
		c.AbortWithStatusJSON(http.StatusBadRequest, invalidWalletBody)
		return nil, false
	}
	g, err := s.purchases.OwnedGrant(c.Request.Context(), c.Param("domain"), wallet)
	if err != nil {
		abortWithError(c, err)
		return nil, false
	}
	return g, true
}

func (s *Server) authCode(c *gin.Context) {
	g, ok := s.owned(c, c.Query("wallet"))
	if !ok {
		return
	}
	code, err := s.registrar.AuthCode(c.Request.Context(), g.Domain)
	if err != nil {
		s.registrarFailure(c, "auth code", g.Domain, err)
		return
	}

	resp := gin.H{"domain": g.Domain}
	if code.ManualRequired {
		resp["auth_code"] = nil
		resp["manual_required"] = true
		resp["instructions"] = code.Instructions
		resp["dashboard_url"] = code.DashboardURL
		resp["message"] = "Auth code must be retrieved from the registrar dashboard."
	} else {
		resp["auth_code"] = code.Code
		resp["message"] = "Use this code to transfer your domain to any registrar."
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) updateNameservers(c *gin.Context) {
	var req nameserverUpdate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: between 2 and 6 nameservers and a wallet are required")
		return
	}
	nameservers := make([]string, 0, len(req.Nameservers))
	for _, ns := range req.Nameservers {
		ns = strings.ToLower(strings.TrimSpace(ns))
		if !hostnamePattern.MatchString(ns) {
			badRequest(c, "Invalid nameserver: "+clawd.Sanitize(ns))
			return
		}
		nameservers = append(nameservers, strings.TrimSuffix(ns, "."))
	}

	g, ok := s.owned(c, req.Wallet)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if err := s.registrar.UpdateNameservers(ctx, g.Domain, nameservers); err != nil {
		s.registrarFailure(c, "update nameservers", g.Domain, err)
		return
	}
	if err := s.purchases.RecordNameservers(ctx, g.Domain, nameservers); err != nil {
		s.logger.Error("registrar accepted nameservers but the grant was not updated",
			zap.String("domain", g.Domain), zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"status":      "success",
		"domain":      g.Domain,
		"nameservers": nameservers,
		"message":     "Nameservers updated. DNS propagation may take up to 48 hours.",
	})
}

func (s *Server) listDNS(c *gin.Context) {
	g, ok := s.owned(c, c.Query("wallet"))
	if !ok {
		return
	}
	records, err := s.registrar.ListDNS(c.Request.Context(), g.Domain)
	if err != nil {
		s.registrarFailure(c, "list dns", g.Domain, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"domain": g.Domain, "records": records})
}

func (s *Server) createDNS(c *gin.Context) {
	var req dnsRecordCreate
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request: record_type, content and wallet are required")
		return
	}
	req.RecordType = strings.ToUpper(strings.TrimSpace(req.RecordType))
	if !slices.Contains(dnsRecordTypes, req.RecordType) {
		badRequest(c, "Invalid record_type: must be one of "+strings.Join(dnsRecordTypes, ", "))
		return
	}
	if req.TTL == 0 {
		req.TTL = defaultDNSTTL
	}
	if req.TTL < minDNSTTL || req.TTL > maxDNSTTL {
		badRequest(c, "Invalid ttl: must be between 300 and 86400")
		return
	}

	g, ok := s.owned(c, req.Wallet)
	if !ok {
		return
	}
	id, err := s.registrar.CreateDNS(c.Request.Context(), g.Domain, registrar.DNSRecord{
		Name:    strings.TrimSpace(req.Name),
		Type:    req.RecordType,
		Content: strings.TrimSpace(req.Content),
		TTL:     req.TTL,
		Prio:    req.Prio,
	})
	if err != nil {
		s.registrarFailure(c, "create dns", g.Domain, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "success",
		"domain":    g.Domain,
		"record_id": id,
		"message":   req.RecordType + " record created.",
	})
}

func (s *Server) deleteDNS(c *gin.Context) {
	g, ok := s.owned(c, c.Query("wallet"))
	if !ok {
		return
	}
	recordID := c.Param("record_id")
	if err := s.registrar.DeleteDNS(c.Request.Context(), g.Domain, recordID); err != nil {
		s.registrarFailure(c, "delete dns", g.Domain, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "success", "message": "DNS record deleted"})
}

func (s *Server) registrarFailure(c *gin.Context, op, domain string, err error) {
	s.logger.Error("registrar request failed",
		zap.String("op", op),
		zap.String("domain", domain),
		zap.Error(err))
	abortWithError(c, err)
}
