package gin

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/ledger"
	"github.com/noahlevine1717/clawd-domain-marketplace/registrar"
)

const genericErrorMessage = "An error occurred. Please try again."

// errorResponse is the body of every non-402 failure.
type errorResponse struct {
	Error  string `json:"error"`
	Code   string `json:"code,omitempty"`
	Status string `json:"status,omitempty"`
	TxHash string `json:"tx_hash,omitempty"`
}

// statusFor maps a service error onto an HTTP status and client-safe body.
func statusFor(err error) (int, errorResponse) {
	if perr, ok := clawd.AsPaymentError(err); ok {
		body := errorResponse{Error: clawd.Sanitize(perr.Message), Code: perr.Code}
		if hash, ok := perr.Details["tx_hash"].(string); ok {
			body.TxHash = hash
		}
		switch perr.Kind {
		case clawd.KindDecode:
			return http.StatusBadRequest, body
		case clawd.KindVerification:
			body.Status = "payment_failed"
			return http.StatusPaymentRequired, body
		case clawd.KindRelayInfra:
			if perr.Code == clawd.ErrCodeSettlementPending {
				body.Status = "pending"
				return http.StatusAccepted, body
			}
			return http.StatusServiceUnavailable, body
		default:
			body.Status = "registration_failed"
			if perr.Code == clawd.ErrCodeRegistrationErrored {
				body.Status = "error"
			}
			if st, ok := perr.Details["status"].(string); ok {
				body.Status = st
			}
			return http.StatusInternalServerError, body
		}
	}

	switch {
	case errors.Is(err, clawd.ErrPurchaseNotFound):
		return http.StatusNotFound, errorResponse{Error: "Purchase not found"}
	case errors.Is(err, clawd.ErrGrantNotFound):
		return http.StatusNotFound, errorResponse{Error: "Domain not found"}
	case errors.Is(err, registrar.ErrDomainNotInAccount):
		return http.StatusNotFound, errorResponse{Error: "Domain not found in account"}
	case errors.Is(err, clawd.ErrNotDomainOwner):
		return http.StatusForbidden, errorResponse{Error: "You don't own this domain"}
	case errors.Is(err, clawd.ErrPurchaseBusy):
		return http.StatusConflict, errorResponse{Error: "Payment is already being processed", Status: string(ledger.StatusProcessing)}
	case errors.Is(err, clawd.ErrPurchaseExpired):
		return http.StatusGone, errorResponse{Error: "Purchase has expired", Status: string(ledger.StatusExpired)}
	case errors.Is(err, clawd.ErrInvalidTransition):
		return http.StatusConflict, errorResponse{Error: clawd.SanitizeError(err)}
	case errors.Is(err, ledger.ErrInvalidPurchase):
		return http.StatusBadRequest, errorResponse{Error: clawd.SanitizeError(err)}
	default:
		return http.StatusInternalServerError, errorResponse{Error: genericErrorMessage}
	}
}

func abortWithError(c *gin.Context, err error) {
	code, body := statusFor(err)
	if code >= http.StatusInternalServerError {
		_ = c.Error(err)
	}
	c.AbortWithStatusJSON(code, body)
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Error: msg})
}
