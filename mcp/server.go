package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	x402http "github.com/noahlevine1717/clawd-domain-marketplace/http"
	"github.com/noahlevine1717/clawd-domain-marketplace/ledger"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
	"github.com/noahlevine1717/clawd-domain-marketplace/registrar"
)

// Tool names.
const (
	ToolSearch   = "search_domains"
	ToolInitiate = "initiate_purchase"
	ToolStatus   = "purchase_status"
	ToolPay      = "pay_purchase"
)

const genericError = "An error occurred. Please try again."

// Server serves the marketplace tools.
type Server struct {
	purchases *ledger.Service
	registrar registrar.Client
	mockMode  bool
	version   string
	logger    *zap.Logger
	sdk       *mcpsdk.Server
}

type Option func(*Server)

func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMockMode marks results as coming from the in-process registrar and chain.
func WithMockMode(mock bool) Option {
	return func(s *Server) {
		s.mockMode = mock
	}
}

func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// NewServer registers the tools on a new MCP server.
func NewServer(purchases *ledger.Service, reg registrar.Client, opts ...Option) *Server {
	s := &Server{
		purchases: purchases,
		registrar: reg,
		version:   "1.0.0",
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.sdk = mcpsdk.NewServer(&mcpsdk.Implementation{Name: "clawd-domains", Version: s.version}, nil)
	s.sdk.AddTool(&mcpsdk.Tool{
		Name:        ToolSearch,
		Description: "Check availability and USDC prices for a name across TLDs.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"name":{"type":"string"},"tlds":{"type":"array","items":{"type":"string"}}},"required":["name"]}`),
	}, s.search)
	s.sdk.AddTool(&mcpsdk.Tool{
		Name:        ToolInitiate,
		Description: "Start a purchase. Returns the purchase id and the USDC amount to pay on Base.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"domain":{"type":"string"},"years":{"type":"integer","minimum":1,"maximum":10}},"required":["domain"]}`),
	}, s.initiate)
	s.sdk.AddTool(&mcpsdk.Tool{
		Name:        ToolStatus,
		Description: "Look up the status of a purchase.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"purchase_id":{"type":"string"}},"required":["purchase_id"]}`),
	}, s.status)
	s.sdk.AddTool(&mcpsdk.Tool{
		Name:        ToolPay,
		Description: "Pay for a purchase with an x402 payment in _meta[\"" + PaymentMetaKey + "\"]. Without one, returns the payment challenge.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"purchase_id":{"type":"string"}},"required":["purchase_id"]}`),
	}, s.pay)
	return s
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcpsdk.Server { return s.sdk }

// Handler serves the tools over the SSE transport.
func (s *Server) Handler() http.Handler {
	return mcpsdk.NewSSEHandler(func(*http.Request) *mcpsdk.Server { return s.sdk }, &mcpsdk.SSEOptions{})
}

type searchArgs struct {
	Name string   `json:"name"`
	TLDs []string `json:"tlds"`
}

type searchHit struct {
	Domain         string `json:"domain"`
	Available      bool   `json:"available"`
	Premium        bool   `json:"premium"`
	FirstYearPrice string `json:"first_year_price_usdc,omitempty"`
	RenewalPrice   string `json:"renewal_price_usdc,omitempty"`
}

func (s *Server) search(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args searchArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err.Error()), nil
	}
	found, err := registrar.Search(ctx, s.registrar, args.Name, args.TLDs)
	if err != nil {
		if errors.Is(err, registrar.ErrInvalidLabel) || errors.Is(err, registrar.ErrTooManyTLDs) {
			return errorResult(err.Error()), nil
		}
		return s.failure(req, err), nil
	}

	hits := make([]searchHit, 0, len(found))
	for _, f := range found {
		if f.Err != nil {
			s.logger.Warn("availability check failed", zap.String("domain", f.Domain), zap.Error(f.Err))
		}
		h := searchHit{Domain: f.Domain, Available: f.Available, Premium: f.Premium}
		if f.Price != nil {
			h.FirstYearPrice = evm.FormatUSDC(f.Price.FirstYear)
			h.RenewalPrice = evm.FormatUSDC(f.Price.Renewal)
		}
		hits = append(hits, h)
	}
	return jsonResult(map[string]any{"results": hits, "mock_mode": s.mockMode}, nil)
}

type initiateArgs struct {
	Domain string `json:"domain"`
	Years  int    `json:"years"`
}

func (s *Server) initiate(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args initiateArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err.Error()), nil
	}
	if args.Years == 0 {
		args.Years = 1
	}

	p, err := s.purchases.Initiate(ctx, ledger.InitiateRequest{
		Domain: args.Domain,
		Years:  args.Years,
		Amount: registrar.ListPrice(args.Domain).Total(args.Years),
	})
	if err != nil {
		return s.failure(req, err), nil
	}
	return jsonResult(map[string]any{
		"purchase_id": p.ID,
		"domain":      p.Domain,
		"years":       p.Years,
		"amount_usdc": evm.FormatUSDC(p.Amount),
		"recipient":   s.purchases.Treasury(),
		"chain_id":    evm.ChainIDBase.Int64(),
		"expires_at":  p.ExpiresAt.UTC().Format(time.RFC3339),
		"next_step":   "call " + ToolPay + " with this purchase_id",
	}, nil)
}

type purchaseArgs struct {
	PurchaseID string `json:"purchase_id"`
}

func (s *Server) status(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args purchaseArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err.Error()), nil
	}
	p, err := s.purchases.Get(ctx, args.PurchaseID)
	if err != nil {
		return s.failure(req, err), nil
	}
	return jsonResult(map[string]any{
		"id":         p.ID,
		"domain":     p.Domain,
		"years":      p.Years,
		"status":     p.Status,
		"created_at": p.CreatedAt.UTC().Format(time.RFC3339),
		"expires_at": p.ExpiresAt.UTC().Format(time.RFC3339),
	}, nil)
}

// pay mirrors the HTTP payment middleware: no payment or a rejected one gets
// the challenge back, anything else is settled through the ledger.
func (s *Server) pay(ctx context.Context, req *mcpsdk.CallToolRequest) (*mcpsdk.CallToolResult, error) {
	var args purchaseArgs
	if err := decodeArgs(req, &args); err != nil {
		return errorResult(err.Error()), nil
	}
	id := args.PurchaseID

	proof, ok := ProofFromMeta(req.Params.Meta)
	if !ok {
		p, err := s.purchases.IssueChallenge(ctx, id)
		if err != nil {
			return s.failure(req, err), nil
		}
		if p.Status == ledger.StatusCompleted {
			settlement, err := s.purchases.Settlement(ctx, id)
			if err != nil {
				return s.failure(req, err), nil
			}
			return s.settled(settlement)
		}
		return s.challenge(p, "Payment required to purchase this domain")
	}

	settlement, err := s.purchases.SubmitProof(ctx, id, proof)
	if err != nil {
		if perr, isPayment := clawd.AsPaymentError(err); isPayment &&
			(perr.Kind == clawd.KindDecode || perr.Kind == clawd.KindVerification) {
			s.logger.Info("payment rejected",
				zap.String("purchase_id", id),
				zap.String("proof", proof.Kind.String()),
				zap.String("code", perr.Code))
			p, cerr := s.purchases.IssueChallenge(ctx, id)
			if cerr != nil {
				return s.failure(req, err), nil
			}
			return s.challenge(p, perr.Message)
		}
		return s.failure(req, err), nil
	}
	return s.settled(settlement)
}

func (s *Server) challenge(p *ledger.Purchase, detail string) (*mcpsdk.CallToolResult, error) {
	required := x402http.NewPaymentRequired(x402http.ChallengeParams{
		Domain:      p.Domain,
		Years:       p.Years,
		Amount:      p.Amount,
		PayTo:       s.purchases.Treasury(),
		Nonce:       p.Nonce,
		Resource:    "mcp://tool/" + ToolPay,
		ExpiresAt:   p.ExpiresAt,
		Now:         s.purchases.Now(),
		ErrorDetail: detail,
	})
	result, err := jsonResult(required, nil)
	if err != nil {
		return nil, err
	}
	result.IsError = true
	return result, nil
}

func (s *Server) settled(settlement *ledger.Settlement) (*mcpsdk.CallToolResult, error) {
	body := map[string]any{
		"status":    "success",
		"domain":    settlement.Purchase.Domain,
		"tx_hash":   settlement.Purchase.TxHash,
		"mock_mode": s.mockMode,
	}
	if g := settlement.Grant; g != nil {
		body["expires_at"] = g.ExpiresAt.UTC().Format(time.RFC3339)
		body["nameservers"] = g.Nameservers
	}

	var meta mcpsdk.Meta
	if settlement.AlreadyCompleted {
		body["status"] = "already_completed"
	} else {
		meta = mcpsdk.Meta{PaymentResponseMetaKey: x402http.SettlementResponse{
			Success:     true,
			Transaction: settlement.Purchase.TxHash,
			Network:     evm.NetworkBase,
			Payer:       settlement.Purchase.Payer,
		}}
	}
	return jsonResult(body, meta)
}

// failure turns an error into a tool error result. Payment errors keep their
// code; unknown errors are logged and replaced with a generic message.
func (s *Server) failure(req *mcpsdk.CallToolRequest, err error) *mcpsdk.CallToolResult {
	if perr, ok := clawd.AsPaymentError(err); ok {
		body := map[string]any{
			"status": statusFor(perr),
			"error":  clawd.Sanitize(perr.Message),
			"code":   perr.Code,
		}
		if tx, ok := perr.Details["tx_hash"].(string); ok && tx != "" {
			body["tx_hash"] = tx
		}
		result, jerr := jsonResult(body, nil)
		if jerr != nil {
			return errorResult(genericError)
		}
		result.IsError = true
		return result
	}

	for _, known := range []error{
		clawd.ErrPurchaseNotFound, clawd.ErrPurchaseBusy, clawd.ErrPurchaseExpired,
		clawd.ErrInvalidTransition, ledger.ErrInvalidPurchase,
	} {
		if errors.Is(err, known) {
			return errorResult(clawd.SanitizeError(err))
		}
	}
	s.logger.Error("tool call failed", zap.String("tool", req.Params.Name), zap.Error(err))
	return errorResult(genericError)
}

func statusFor(perr *clawd.PaymentError) string {
	switch perr.Kind {
	case clawd.KindDecode, clawd.KindVerification:
		return "payment_failed"
	case clawd.KindRelayInfra:
		if perr.Code == clawd.ErrCodeSettlementPending {
			return "pending"
		}
		return "unavailable"
	}
	if st, ok := perr.Details["status"].(string); ok && st != "" {
		return st
	}
	if perr.Code == clawd.ErrCodeRegistrationErrored {
		return "error"
	}
	return "registration_failed"
}

func decodeArgs(req *mcpsdk.CallToolRequest, v any) error {
	if len(req.Params.Arguments) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params.Arguments, v); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

// jsonResult returns v both as text and as structured content.
func jsonResult(v any, meta mcpsdk.Meta) (*mcpsdk.CallToolResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal tool result: %w", err)
	}
	var structured map[string]any
	if err := json.Unmarshal(raw, &structured); err != nil {
		return nil, fmt.Errorf("unmarshal structured content: %w", err)
	}
	return &mcpsdk.CallToolResult{
		Content:           []mcpsdk.Content{&mcpsdk.TextContent{Text: string(raw)}},
		StructuredContent: structured,
		Meta:              meta,
	}, nil
}

func errorResult(msg string) *mcpsdk.CallToolResult {
	return &mcpsdk.CallToolResult{
		Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: msg}},
		IsError: true,
	}
}
