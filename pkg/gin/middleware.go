package gin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	x402http "github.com/noahlevine1717/clawd-domain-marketplace/http"
	"github.com/noahlevine1717/clawd-domain-marketplace/ledger"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
)

// SettlementKey is the gin context key holding the *ledger.Settlement of a
// paid request.
const SettlementKey = "clawd.settlement"

// PaymentMiddlewareOptions is the options for the PaymentMiddleware.
type PaymentMiddlewareOptions struct {
	ResourceRootURL string
	Logger          *zap.Logger
}

// Options is the type for the options for the PaymentMiddleware.
type Options func(*PaymentMiddlewareOptions)

// WithResourceRootURL sets the public base URL used in the challenge's
// resource field.
func WithResourceRootURL(resourceRootURL string) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.ResourceRootURL = resourceRootURL
	}
}

func WithLogger(logger *zap.Logger) Options {
	return func(options *PaymentMiddlewareOptions) {
		options.Logger = logger
	}
}

// PaymentMiddleware settles the purchase named by the :id route parameter
// using the x402 protocol.
//
// A request without payment evidence gets a 402 challenge. A request with
// evidence is settled through the ledger; on success the settlement is stored
// under SettlementKey, X-PAYMENT-RESPONSE is set, and the next handler runs.
// Evidence that could not be decoded or verified is answered with a fresh
// challenge carrying the reason.
func PaymentMiddleware(service *ledger.Service, opts ...Options) gin.HandlerFunc {
	options := &PaymentMiddlewareOptions{Logger: zap.NewNop()}
	for _, opt := range opts {
		opt(options)
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		id := c.Param("id")
		resource := options.ResourceRootURL + c.Request.URL.Path

		evidence := x402http.PaymentEvidence(c.Request.Header)
		if evidence == "" {
			p, err := service.IssueChallenge(ctx, id)
			if err != nil {
				abortWithError(c, err)
				return
			}
			if p.Status == ledger.StatusCompleted {
				settlement, err := service.Settlement(ctx, id)
				if err != nil {
					abortWithError(c, err)
					return
				}
				c.Set(SettlementKey, settlement)
				c.Next()
				return
			}
			challenge(c, service, p, resource, "")
			return
		}

		proof := x402http.DecodePaymentProof(evidence)
		settlement, err := service.SubmitProof(ctx, id, proof)
		if err != nil {
			var perr *clawd.PaymentError
			if errors.As(err, &perr) && (perr.Kind == clawd.KindDecode || perr.Kind == clawd.KindVerification) {
				options.Logger.Info("payment rejected",
					zap.String("purchase_id", id),
					zap.String("proof", proof.Kind.String()),
					zap.String("code", perr.Code))
				p, cerr := service.IssueChallenge(ctx, id)
				if cerr != nil {
					abortWithError(c, err)
					return
				}
				challenge(c, service, p, resource, perr.Message)
				return
			}
			abortWithError(c, err)
			return
		}

		if !settlement.AlreadyCompleted {
			header, err := x402http.SettlementResponse{
				Success:     true,
				Transaction: settlement.Purchase.TxHash,
				Network:     evm.NetworkBase,
				Payer:       settlement.Purchase.Payer,
			}.EncodeToBase64String()
			if err != nil {
				options.Logger.Error("failed to encode settlement response", zap.Error(err))
			} else {
				c.Header(x402http.PaymentResponseHeader, header)
			}
		}
		c.Set(SettlementKey, settlement)
		c.Next()
	}
}

// SettlementFromContext returns the settlement stored by PaymentMiddleware.
func SettlementFromContext(c *gin.Context) (*ledger.Settlement, bool) {
	v, ok := c.Get(SettlementKey)
	if !ok {
		return nil, false
	}
	s, ok := v.(*ledger.Settlement)
	return s, ok
}

func challenge(c *gin.Context, service *ledger.Service, p *ledger.Purchase, resource, detail string) {
	required := x402http.NewPaymentRequired(x402http.ChallengeParams{
		Domain:      p.Domain,
		Years:       p.Years,
		Amount:      p.Amount,
		PayTo:       service.Treasury(),
		Nonce:       p.Nonce,
		Resource:    resource,
		ExpiresAt:   p.ExpiresAt,
		Now:         service.Now(),
		ErrorDetail: detail,
	})
	c.Header(x402http.WWWAuthenticateHeader, required.WWWAuthenticate())
	c.AbortWithStatusJSON(http.StatusPaymentRequired, required)
}
