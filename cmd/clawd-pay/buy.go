package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"

	x402http "github.com/noahlevine1717/clawd-domain-marketplace/http"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
)

type buyer struct {
	baseURL   string
	signer    x402http.AuthorizationSigner
	maxAmount *big.Int
	client    *http.Client
	out       io.Writer
}

type initiated struct {
	PurchaseID     string `json:"purchase_id"`
	Domain         string `json:"domain"`
	Years          int    `json:"years"`
	PayURL         string `json:"pay_url"`
	PaymentRequest struct {
		AmountUSDC string `json:"amount_usdc"`
		Recipient  string `json:"recipient"`
		ExpiresAt  string `json:"expires_at"`
	} `json:"payment_request"`
}

type purchaseResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	TxHash  string `json:"tx_hash"`
	Error   string `json:"error"`
	Domain  *struct {
		DomainName string `json:"domain_name"`
		ExpiresAt  string `json:"expires_at"`
	} `json:"domain"`
}

// buy initiates a purchase for domain and pays for it through the x402
// challenge on the pay URL.
func (b *buyer) buy(ctx context.Context, domain string, years int) error {
	base := b.client
	if base == nil {
		base = &http.Client{}
	}

	offer, err := b.initiate(ctx, base, domain, years)
	if err != nil {
		return err
	}
	fmt.Fprintf(b.out, "purchase %s: %s for %d year(s), %s USDC to %s\n",
		offer.PurchaseID, offer.Domain, offer.Years, offer.PaymentRequest.AmountUSDC, offer.PaymentRequest.Recipient)

	paying := x402http.WrapHTTPClientWithPayment(base, b.signer)
	if rt, ok := paying.Transport.(*x402http.PaymentRoundTripper); ok {
		rt.MaxAmount = b.maxAmount
	}

	resp, err := x402http.GetWithPayment(ctx, paying, offer.PayURL)
	if err != nil {
		return fmt.Errorf("pay: %w", err)
	}
	defer resp.Body.Close()

	var result purchaseResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("pay: decode %s response: %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pay: %s: %s", resp.Status, firstNonEmpty(result.Error, result.Status))
	}

	if header := resp.Header.Get(x402http.PaymentResponseHeader); header != "" {
		if settled, err := x402http.DecodeSettlementResponse(header); err == nil {
			fmt.Fprintf(b.out, "settled on %s in %s\n", settled.Network, settled.Transaction)
		}
	}
	if result.Domain != nil {
		fmt.Fprintf(b.out, "%s: %s registered until %s\n", result.Status, result.Domain.DomainName, result.Domain.ExpiresAt)
	} else {
		fmt.Fprintf(b.out, "%s\n", result.Status)
	}
	return nil
}

func (b *buyer) initiate(ctx context.Context, client *http.Client, domain string, years int) (*initiated, error) {
	body, err := json.Marshal(map[string]any{"domain": domain, "years": years})
	if err != nil {
		return nil, err
	}
	url := strings.TrimRight(b.baseURL, "/") + "/purchase/initiate"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("initiate: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var failure struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&failure)
		return nil, fmt.Errorf("initiate: %s: %s", resp.Status, failure.Error)
	}
	var offer initiated
	if err := json.NewDecoder(resp.Body).Decode(&offer); err != nil {
		return nil, fmt.Errorf("initiate: %w", err)
	}
	if b.maxAmount != nil {
		amount, err := evm.ParseAmount(offer.PaymentRequest.AmountUSDC, evm.DefaultDecimals)
		if err != nil {
			return nil, fmt.Errorf("initiate: %w", err)
		}
		if amount.Cmp(b.maxAmount) > 0 {
			return nil, fmt.Errorf("price %s USDC exceeds -max %s", offer.PaymentRequest.AmountUSDC, evm.FormatUSDC(b.maxAmount))
		}
	}
	return &offer, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
