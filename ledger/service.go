package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm"
	"github.com/noahlevine1717/clawd-domain-marketplace/mechanisms/evm/exact/facilitator"
	"github.com/noahlevine1717/clawd-domain-marketplace/metrics"
	"github.com/noahlevine1717/clawd-domain-marketplace/registrar"
)

// DefaultPurchaseTTL is how long an offer stays payable.
const DefaultPurchaseTTL = 15 * time.Minute

// ErrInvalidPurchase is returned by Initiate for a malformed request.
var ErrInvalidPurchase = errors.New("ledger: invalid purchase request")

// TransferVerifier confirms settled references.
type TransferVerifier interface {
	Verify(ctx context.Context, txHash string, expectedAmount *big.Int, expectedRecipient string) facilitator.VerifyOutcome
}

// AuthorizationRelayer executes signed authorizations.
type AuthorizationRelayer interface {
	Execute(ctx context.Context, auth *clawd.UnsettledAuthorization, expectedRecipient string, expectedAmount *big.Int) facilitator.RelayOutcome
}

// InitiateRequest describes a new offer. Amount is in USDC units.
type InitiateRequest struct {
	Domain     string
	Years      int
	Amount     *big.Int
	Registrant json.RawMessage
}

// Settlement is the result of a successful proof submission.
type Settlement struct {
	Purchase *Purchase
	Grant    *DomainGrant
	// AlreadyCompleted is set when the purchase had completed before this
	// submission; nothing was verified or registered again.
	AlreadyCompleted bool
}

// Service runs the purchase state machine.
type Service struct {
	store            Store
	verifier         TransferVerifier
	relayer          AuthorizationRelayer
	registrar        registrar.Registrar
	treasury         string
	clock            clawd.Clock
	ttl              time.Duration
	skipVerification bool
	logger           *zap.Logger
	metrics          *metrics.Metrics
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for offer expiry and timestamps.
func WithClock(c clawd.Clock) Option {
	return func(s *Service) {
		s.clock = c
	}
}

// WithPurchaseTTL sets the offer window.
func WithPurchaseTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithSkipVerification makes settled references verify without a chain
// lookup, trusting the declared payer. Development only.
func WithSkipVerification(skip bool) Option {
	return func(s *Service) {
		s.skipVerification = skip
	}
}

// WithLogger sets the logger for purchase transitions.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics records purchase outcomes on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// NewService creates the ledger service. treasury is the only accepted
// payment recipient.
func NewService(store Store, verifier TransferVerifier, relayer AuthorizationRelayer, reg registrar.Registrar, treasury string, opts ...Option) *Service {
	s := &Service{
		store:     store,
		verifier:  verifier,
		relayer:   relayer,
		registrar: reg,
		treasury:  treasury,
		clock:     clawd.SystemClock{},
		ttl:       DefaultPurchaseTTL,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Treasury returns the payment recipient.
func (s *Service) Treasury() string { return s.treasury }

// Now reads the service clock.
func (s *Service) Now() time.Time { return s.clock.Now() }

// Initiate creates a pending purchase with a fixed price and nonce.
func (s *Service) Initiate(ctx context.Context, req InitiateRequest) (*Purchase, error) {
	domain := strings.ToLower(strings.TrimSpace(req.Domain))
	switch {
	case len(domain) < 3 || len(domain) > 253 || !strings.Contains(domain, ".") ||
		strings.HasPrefix(domain, ".") || strings.HasSuffix(domain, "."):
		return nil, fmt.Errorf("%w: invalid domain format", ErrInvalidPurchase)
	case req.Years < 1 || req.Years > 10:
		return nil, fmt.Errorf("%w: years must be between 1 and 10", ErrInvalidPurchase)
	case req.Amount == nil || req.Amount.Sign() <= 0:
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidPurchase)
	}

	now := s.clock.Now()
	id := uuid.NewString()
	p := &Purchase{
		ID:         id,
		Domain:     domain,
		Years:      req.Years,
		Amount:     new(big.Int).Set(req.Amount),
		Status:     StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(s.ttl),
		UpdatedAt:  now,
		Nonce:      NonceFor(id),
		Registrant: req.Registrant,
	}
	if err := s.store.Create(ctx, p); err != nil {
		return nil, fmt.Errorf("create purchase: %w", err)
	}

	s.metrics.IncrementPurchasesInitiated()
	s.logger.Info("purchase initiated",
		zap.String("purchase_id", id),
		zap.String("domain", domain),
		zap.Int("years", req.Years),
		zap.String("amount", evm.FormatUSDC(p.Amount)),
		zap.Time("expires_at", p.ExpiresAt))
	return p, nil
}

// Get returns a purchase, expiring it first if its offer window has closed.
func (s *Service) Get(ctx context.Context, id string) (*Purchase, error) {
	p, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status.Expirable() && p.Expired(s.clock.Now()) {
		return s.expire(ctx, p)
	}
	return p, nil
}

// IssueChallenge moves a purchase to awaiting_payment so the caller can
// answer with a payment challenge. A completed purchase is returned as is.
func (s *Service) IssueChallenge(ctx context.Context, id string) (*Purchase, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch p.Status {
	case StatusAwaitingPayment, StatusCompleted:
		return p, nil
	case StatusPending, StatusPaymentFailed:
		next, err := s.transition(ctx, id, []Status{StatusPending, StatusPaymentFailed}, StatusAwaitingPayment, "challenge issued", nil)
		if errors.Is(err, ErrStatusConflict) {
			return next, s.statusError(next)
		}
		return next, err
	default:
		return p, s.statusError(p)
	}
}

// SubmitProof settles a purchase with the decoded payment proof and, once
// settlement is certain, registers the domain.
//
// The move into processing is the per-purchase lock: a concurrent submission
// for the same purchase gets clawd.ErrPurchaseBusy and never reaches the
// relayer or registrar. Payment problems are returned as *clawd.PaymentError.
func (s *Service) SubmitProof(ctx context.Context, id string, proof clawd.Proof) (*Settlement, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status == StatusCompleted {
		return s.completed(ctx, p)
	}

	now := s.clock.Now()
	p, err = s.transition(ctx, id, payable, StatusProcessing, "proof received: "+proof.Kind.String(), func(q *Purchase) error {
		if q.Expired(now) {
			return clawd.ErrPurchaseExpired
		}
		q.LastError = ""
		return nil
	})
	switch {
	case errors.Is(err, clawd.ErrPurchaseExpired):
		if _, err := s.Get(ctx, id); err != nil {
			s.logger.Warn("failed to expire purchase", zap.String("purchase_id", id), zap.Error(err))
		}
		return nil, clawd.ErrPurchaseExpired
	case errors.Is(err, ErrStatusConflict):
		if p.Status == StatusCompleted {
			return s.completed(ctx, p)
		}
		return nil, s.statusError(p)
	case err != nil:
		return nil, err
	}

	switch proof.Kind {
	case clawd.ProofSettledReference:
		return s.settleReference(ctx, p, proof.Settled)
	case clawd.ProofUnsettledAuthorization:
		return s.settleAuthorization(ctx, p, proof.Authorization)
	default:
		reason := proof.Reason
		if reason == "" {
			reason = "payment proof is missing"
		}
		return s.fail(ctx, p, StatusAwaitingPayment,
			clawd.NewPaymentError(clawd.KindDecode, clawd.ErrCodeUnrecognizedProof, clawd.Sanitize(reason), nil), "")
	}
}

// Settlement returns the outcome of a completed purchase.
func (s *Service) Settlement(ctx context.Context, id string) (*Settlement, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusCompleted {
		return nil, fmt.Errorf("%w: purchase is %s", clawd.ErrInvalidTransition, p.Status)
	}
	return s.completed(ctx, p)
}

// ExpireStale expires every payable purchase whose offer window has closed
// and returns how many it expired.
func (s *Service) ExpireStale(ctx context.Context) (int, error) {
	candidates, err := s.store.ListByStatus(ctx, expirable...)
	if err != nil {
		return 0, fmt.Errorf("list expirable purchases: %w", err)
	}
	now := s.clock.Now()
	n := 0
	for _, p := range candidates {
		if !p.Expired(now) {
			continue
		}
		next, err := s.expire(ctx, p)
		if err != nil {
			return n, err
		}
		if next.Status == StatusExpired {
			n++
		}
	}
	return n, nil
}

// Grants lists the domains owned by wallet.
func (s *Service) Grants(ctx context.Context, wallet string) ([]*DomainGrant, error) {
	return s.store.ListGrantsByOwner(ctx, wallet)
}

// OwnedGrant returns the grant for domain if wallet owns it.
func (s *Service) OwnedGrant(ctx context.Context, domain, wallet string) (*DomainGrant, error) {
	g, err := s.store.GetGrant(ctx, strings.ToLower(domain))
	if errors.Is(err, clawd.ErrGrantNotFound) {
		return nil, clawd.ErrNotDomainOwner
	}
	if err != nil {
		return nil, err
	}
	if !clawd.SameAddress(g.OwnerWallet, wallet) {
		return nil, clawd.ErrNotDomainOwner
	}
	return g, nil
}

// RecordNameservers stores nameservers the registrar has accepted.
func (s *Service) RecordNameservers(ctx context.Context, domain string, nameservers []string) error {
	return s.store.UpdateGrantNameservers(ctx, strings.ToLower(domain), nameservers)
}

func (s *Service) settleReference(ctx context.Context, p *Purchase, ref *clawd.SettledReference) (*Settlement, error) {
	if ref == nil || ref.TxHash == "" {
		return s.fail(ctx, p, StatusAwaitingPayment,
			clawd.NewPaymentError(clawd.KindDecode, clawd.ErrCodeUnrecognizedProof, "payment proof carries no transaction hash", nil), "")
	}
	hash := strings.ToLower(ref.TxHash)
	details := map[string]interface{}{"tx_hash": hash}

	// Attribute-list clients must echo the challenge; other shapes may. A
	// mismatch means the proof was made for some other offer.
	if (ref.Legacy || ref.Recipient != "") && !clawd.SameAddress(ref.Recipient, s.treasury) {
		return s.fail(ctx, p, StatusPaymentFailed,
			clawd.NewPaymentError(clawd.KindVerification, clawd.ErrCodeRecipientMismatch, "invalid recipient address", details), "")
	}
	if (ref.Legacy || ref.Nonce != "") && ref.Nonce != p.Nonce {
		return s.fail(ctx, p, StatusPaymentFailed,
			clawd.NewPaymentError(clawd.KindVerification, clawd.ErrCodeInvalidPayment, "invalid nonce", details), "")
	}

	p, err := s.recordTxHash(ctx, p, hash, "")
	if err != nil {
		return nil, err
	}

	var outcome facilitator.VerifyOutcome
	if s.skipVerification {
		s.logger.Warn("payment verification skipped", zap.String("purchase_id", p.ID), zap.String("tx_hash", hash))
		outcome = facilitator.VerifyOutcome{Verified: true, TxHash: hash, Sender: ref.DeclaredPayer}
	} else {
		outcome = s.verifier.Verify(ctx, hash, p.Amount, s.treasury)
	}

	if !outcome.Verified {
		details["reason"] = outcome.Reason
		perr := clawd.NewPaymentError(outcome.Kind, paymentCode(outcome.Reason, outcome.Kind), clawd.Sanitize(outcome.Error), details)
		return s.fail(ctx, p, failureStatus(outcome.Kind), perr, "")
	}
	return s.register(ctx, p, outcome.Sender, hash)
}

func (s *Service) settleAuthorization(ctx context.Context, p *Purchase, auth *clawd.UnsettledAuthorization) (*Settlement, error) {
	outcome := s.relayer.Execute(ctx, auth, s.treasury, p.Amount)
	details := map[string]interface{}{}
	if outcome.TxHash != "" {
		details["tx_hash"] = outcome.TxHash
		next, err := s.recordTxHash(ctx, p, outcome.TxHash, auth.Signature)
		if err != nil {
			return nil, err
		}
		p = next
	}
	if outcome.Reason != "" {
		details["reason"] = outcome.Reason
	}

	switch outcome.Status {
	case facilitator.RelaySuccess:
		return s.register(ctx, p, outcome.Sender, outcome.TxHash)
	case facilitator.RelayTimeout:
		// Left in processing; the reconciler settles it once the receipt
		// shows up.
		s.logger.Warn("relay outcome unknown, awaiting reconciliation",
			zap.String("purchase_id", p.ID),
			zap.String("tx_hash", outcome.TxHash),
			zap.Bool("replayed", outcome.Replayed))
		return nil, clawd.NewPaymentError(clawd.KindRelayInfra, clawd.ErrCodeSettlementPending, outcome.Error, details)
	case facilitator.RelayReverted:
		return s.fail(ctx, p, StatusPaymentFailed,
			clawd.NewPaymentError(clawd.KindVerification, clawd.ErrCodeSettlementFailed, outcome.Error, details), "")
	default:
		perr := clawd.NewPaymentError(outcome.Kind, paymentCode(outcome.Reason, outcome.Kind), clawd.Sanitize(outcome.Error), details)
		return s.fail(ctx, p, failureStatus(outcome.Kind), perr, "")
	}
}

// register is reached only once settlement is certain. From here on a
// failure means funds moved without delivery, so the request context is
// detached: a client hanging up must not abandon the registration.
func (s *Service) register(ctx context.Context, p *Purchase, payer, txHash string) (*Settlement, error) {
	ctx = context.WithoutCancel(ctx)
	details := map[string]interface{}{"tx_hash": txHash}

	p, err := s.transition(ctx, p.ID, []Status{StatusProcessing}, StatusProcessing, "settlement verified", func(q *Purchase) error {
		q.Payer = payer
		q.TxHash = txHash
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record settlement: %w", err)
	}

	reg, err := s.registrar.Register(ctx, p.Domain, p.Years, p.Registrant)
	if err != nil {
		s.metrics.ObserveRegistration("error")
		return s.fail(ctx, p, StatusError,
			clawd.NewPaymentError(clawd.KindPostSettlement, clawd.ErrCodeRegistrationErrored,
				"an error occurred during registration, please contact support", details),
			err.Error())
	}
	if reg.Status != registrar.StatusSuccess {
		s.metrics.ObserveRegistration("refused")
		return s.fail(ctx, p, StatusRegistrationFailed,
			clawd.NewPaymentError(clawd.KindPostSettlement, clawd.ErrCodeRegistrationFailed,
				"domain registration failed, please contact support", details),
			"registrar: "+reg.Message)
	}
	s.metrics.ObserveRegistration("success")

	now := s.clock.Now()
	grant := &DomainGrant{
		Domain:       p.Domain,
		OwnerWallet:  payer,
		RegisteredAt: now,
		ExpiresAt:    reg.Expiration,
		Nameservers:  reg.Nameservers,
		PurchaseID:   p.ID,
	}
	if grant.ExpiresAt.IsZero() {
		grant.ExpiresAt = now.AddDate(p.Years, 0, 0)
	}
	if len(grant.Nameservers) == 0 {
		grant.Nameservers = append([]string(nil), registrar.DefaultNameservers...)
	}

	done, err := s.store.CompleteWithGrant(ctx, p.ID, grant, func(q *Purchase) error {
		q.LastError = ""
		q.UpdatedAt = now
		return nil
	})
	if err != nil {
		s.logger.Error("registered domain but failed to record completion",
			zap.String("purchase_id", p.ID),
			zap.String("domain", p.Domain),
			zap.String("tx_hash", txHash),
			zap.String("payer", payer),
			zap.Error(err))
		return nil, fmt.Errorf("complete purchase: %w", err)
	}
	s.logTransition(done, StatusProcessing, "domain registered")
	return &Settlement{Purchase: done, Grant: grant}, nil
}

// fail moves a processing purchase to status to and returns perr. detail is
// stored (sanitized) in place of the client message when set.
func (s *Service) fail(ctx context.Context, p *Purchase, to Status, perr *clawd.PaymentError, detail string) (*Settlement, error) {
	if detail == "" {
		detail = perr.Message
	}
	if _, err := s.transition(ctx, p.ID, []Status{StatusProcessing}, to, detail, func(q *Purchase) error {
		q.LastError = clawd.Sanitize(detail)
		return nil
	}); err != nil {
		s.logger.Error("failed to record payment failure",
			zap.String("purchase_id", p.ID),
			zap.String("to", string(to)),
			zap.String("reason", detail),
			zap.Error(err))
	}
	return nil, perr
}

// recordTxHash stores settlement evidence on a processing purchase. A hash
// already recorded on another purchase sends this one to payment_failed and
// returns the reuse error.
func (s *Service) recordTxHash(ctx context.Context, p *Purchase, txHash, signature string) (*Purchase, error) {
	next, err := s.transition(ctx, p.ID, []Status{StatusProcessing}, StatusProcessing, "", func(q *Purchase) error {
		q.TxHash = strings.ToLower(txHash)
		if signature != "" {
			q.Signature = signature
		}
		return nil
	})
	if errors.Is(err, ErrTxHashInUse) {
		_, perr := s.fail(ctx, p, StatusPaymentFailed, s.reusedError(txHash), "transaction hash reused: "+txHash)
		return nil, perr
	}
	if err != nil {
		return nil, fmt.Errorf("record transaction hash: %w", err)
	}
	return next, nil
}

func (s *Service) reusedError(txHash string) *clawd.PaymentError {
	return clawd.NewPaymentError(clawd.KindVerification, clawd.ErrCodeTransactionReused,
		"transaction already used for another purchase", map[string]interface{}{"tx_hash": strings.ToLower(txHash)})
}

func (s *Service) completed(ctx context.Context, p *Purchase) (*Settlement, error) {
	g, err := s.store.GetGrant(ctx, p.Domain)
	if err != nil {
		return nil, fmt.Errorf("load grant for completed purchase: %w", err)
	}
	// The domain may since have been granted to a later purchase.
	if g.PurchaseID != p.ID {
		g = nil
	}
	return &Settlement{Purchase: p, Grant: g, AlreadyCompleted: true}, nil
}

func (s *Service) expire(ctx context.Context, p *Purchase) (*Purchase, error) {
	now := s.clock.Now()
	next, err := s.transition(ctx, p.ID, expirable, StatusExpired, "offer window elapsed", func(q *Purchase) error {
		if !q.Expired(now) {
			return errNotExpired
		}
		return nil
	})
	if errors.Is(err, ErrStatusConflict) || errors.Is(err, errNotExpired) {
		return s.store.Get(ctx, p.ID)
	}
	return next, err
}

var errNotExpired = errors.New("ledger: purchase has not expired")

// statusError explains why a purchase in p's state cannot take a payment.
func (s *Service) statusError(p *Purchase) error {
	switch p.Status {
	case StatusProcessing:
		return clawd.ErrPurchaseBusy
	case StatusExpired:
		return clawd.ErrPurchaseExpired
	case StatusRegistrationFailed, StatusError:
		return clawd.NewPaymentError(clawd.KindPostSettlement, clawd.ErrCodeRegistrationFailed,
			"payment was received but registration did not complete, please contact support",
			map[string]interface{}{"tx_hash": p.TxHash, "status": string(p.Status)})
	default:
		return fmt.Errorf("%w: purchase is %s", clawd.ErrInvalidTransition, p.Status)
	}
}

// transition is the single path for status changes. It checks the edge,
// stamps UpdatedAt, and logs every real change.
func (s *Service) transition(ctx context.Context, id string, from []Status, to Status, reason string, mutate Mutation) (*Purchase, error) {
	for _, f := range from {
		if f != to && !CanTransition(f, to) {
			return nil, fmt.Errorf("%w: %s -> %s", clawd.ErrInvalidTransition, f, to)
		}
	}

	now := s.clock.Now()
	var prev Status
	p, err := s.store.Transition(ctx, id, from, to, func(q *Purchase) error {
		prev = q.Status
		if to == StatusProcessing && prev != StatusProcessing {
			q.ProcessingSince = now
		}
		if mutate != nil {
			if err := mutate(q); err != nil {
				return err
			}
		}
		q.UpdatedAt = now
		return nil
	})
	if err != nil {
		return p, err
	}
	if prev != to {
		s.logTransition(p, prev, reason)
	}
	return p, nil
}

func (s *Service) logTransition(p *Purchase, from Status, reason string) {
	s.metrics.ObserveTransition(string(from), string(p.Status))

	fields := []zap.Field{
		zap.String("purchase_id", p.ID),
		zap.String("domain", p.Domain),
		zap.String("from", string(from)),
		zap.String("to", string(p.Status)),
		zap.String("tx_hash", p.TxHash),
		zap.String("payer", p.Payer),
		zap.String("reason", reason),
	}
	if p.Status.NeedsReconciliation() {
		s.logger.Error("purchase needs manual reconciliation", fields...)
		return
	}
	s.logger.Info("purchase transition", fields...)
}

// paymentCode maps a settlement reason code to the client-facing code.
func paymentCode(reason string, kind clawd.ErrorKind) string {
	switch reason {
	case facilitator.ErrInsufficientAmount:
		return clawd.ErrCodeInsufficientFunds
	case facilitator.ErrRecipientMismatch:
		return clawd.ErrCodeRecipientMismatch
	case facilitator.ErrValidBeforeExpired:
		return clawd.ErrCodePaymentExpired
	case facilitator.ErrInvalidSignatureFormat:
		return clawd.ErrCodeSignatureInvalid
	case facilitator.ErrTransactionFailed:
		return clawd.ErrCodeSettlementFailed
	case facilitator.ErrConfirmationTimeout, facilitator.ErrReceiptLookupFailed:
		return clawd.ErrCodeSettlementPending
	case facilitator.ErrInsufficientRelayerGas:
		return clawd.ErrCodeRelayerUnavailable
	}
	if kind == clawd.KindRelayInfra {
		return clawd.ErrCodeRelayerUnavailable
	}
	return clawd.ErrCodeInvalidPayment
}

// failureStatus is where a processing purchase goes after a failed attempt.
// Undecodable proofs and infrastructure trouble say nothing about the
// payment, so the purchase goes back to awaiting a proof.
func failureStatus(kind clawd.ErrorKind) Status {
	switch kind {
	case clawd.KindDecode, clawd.KindRelayInfra:
		return StatusAwaitingPayment
	default:
		return StatusPaymentFailed
	}
}
