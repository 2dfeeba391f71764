// Package mcp exposes the marketplace as Model Context Protocol tools so an
// agent can search, start a purchase and pay for it without speaking HTTP.
//
// Payment travels in the tool call's _meta under "x402/payment", either as
// the same base64 envelope the X-PAYMENT header carries or as a JSON object.
// A pay_purchase call without payment returns an error result whose
// structured content is the x402 challenge. A successful settlement is
// reported under "x402/payment-response".
//
//	srv := mcp.NewServer(purchases, reg, mcp.WithLogger(logger))
//	router.Any("/mcp", gin.WrapH(srv.Handler()))
package mcp
