// Package postgres is the durable ledger.Store. Status changes run inside a
// transaction that locks the purchase row, so two replicas can never both
// move the same purchase into processing.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	clawd "github.com/noahlevine1717/clawd-domain-marketplace"
	"github.com/noahlevine1717/clawd-domain-marketplace/ledger"
)

const purchaseColumns = `id, domain, years, amount::text, status, nonce, registrant,
	COALESCE(payer, ''), COALESCE(tx_hash, ''), COALESCE(signature, ''), COALESCE(last_error, ''),
	created_at, expires_at, updated_at, processing_since`

const grantColumns = `domain, owner_wallet, registered_at, expires_at, nameservers, purchase_id`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Create(ctx context.Context, p *ledger.Purchase) error {
	const stmt = `
INSERT INTO purchases (id, domain, years, amount, status, nonce, registrant,
	payer, tx_hash, signature, last_error, created_at, expires_at, updated_at, processing_since)
VALUES ($1, $2, $3, $4::text::numeric, $5, $6, $7,
	NULLIF($8, ''), NULLIF($9, ''), NULLIF($10, ''), NULLIF($11, ''), $12, $13, $14, $15)`

	_, err := s.exec(ctx, stmt,
		p.ID, p.Domain, p.Years, p.Amount.String(), string(p.Status), p.Nonce, registrantArg(p.Registrant),
		p.Payer, strings.ToLower(p.TxHash), p.Signature, p.LastError, p.CreatedAt, p.ExpiresAt, p.UpdatedAt,
		timeArg(p.ProcessingSince))
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.ErrDuplicatePurchase
		}
		return fmt.Errorf("create purchase: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*ledger.Purchase, error) {
	return s.getPurchase(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1`, id)
}

func (s *Store) Transition(ctx context.Context, id string, from []ledger.Status, to ledger.Status, mutate ledger.Mutation) (*ledger.Purchase, error) {
	var out *ledger.Purchase
	err := withTx(ctx, s.pool, func(ctx context.Context) error {
		p, err := s.transition(ctx, id, from, to, mutate)
		out = p
		return err
	})
	return out, err
}

func (s *Store) CompleteWithGrant(ctx context.Context, id string, grant *ledger.DomainGrant, mutate ledger.Mutation) (*ledger.Purchase, error) {
	const upsert = `
INSERT INTO domain_grants (` + grantColumns + `)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (domain) DO UPDATE SET
	owner_wallet = EXCLUDED.owner_wallet,
	registered_at = EXCLUDED.registered_at,
	expires_at = EXCLUDED.expires_at,
	nameservers = EXCLUDED.nameservers,
	purchase_id = EXCLUDED.purchase_id`

	var out *ledger.Purchase
	err := withTx(ctx, s.pool, func(ctx context.Context) error {
		p, err := s.transition(ctx, id, []ledger.Status{ledger.StatusProcessing}, ledger.StatusCompleted, mutate)
		out = p
		if err != nil {
			return err
		}
		nameservers := grant.Nameservers
		if nameservers == nil {
			nameservers = []string{}
		}
		if _, err := s.exec(ctx, upsert,
			strings.ToLower(grant.Domain), grant.OwnerWallet, grant.RegisteredAt, grant.ExpiresAt, nameservers, grant.PurchaseID,
		); err != nil {
			return fmt.Errorf("upsert grant: %w", err)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ledger.ErrStatusConflict) {
		out = nil
	}
	return out, err
}

func (s *Store) FindByTxHash(ctx context.Context, txHash string) (*ledger.Purchase, error) {
	return s.getPurchase(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE lower(tx_hash) = lower($1)`, txHash)
}

func (s *Store) ListByStatus(ctx context.Context, statuses ...ledger.Status) ([]*ledger.Purchase, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	rows, err := s.query(ctx,
		`SELECT `+purchaseColumns+` FROM purchases WHERE status = ANY($1) ORDER BY created_at`, names)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var out []*ledger.Purchase
	for rows.Next() {
		p, err := scanPurchase(rows)
		if err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	return out, nil
}

func (s *Store) GetGrant(ctx context.Context, domain string) (*ledger.DomainGrant, error) {
	g, err := scanGrant(s.queryRow(ctx,
		`SELECT `+grantColumns+` FROM domain_grants WHERE domain = $1`, strings.ToLower(domain)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, clawd.ErrGrantNotFound
		}
		return nil, fmt.Errorf("get grant: %w", err)
	}
	return g, nil
}

func (s *Store) ListGrantsByOwner(ctx context.Context, wallet string) ([]*ledger.DomainGrant, error) {
	rows, err := s.query(ctx, `
SELECT `+grantColumns+`
FROM domain_grants
WHERE lower(owner_wallet) = lower($1)
ORDER BY registered_at DESC`, wallet)
	if err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	defer rows.Close()

	var out []*ledger.DomainGrant
	for rows.Next() {
		g, err := scanGrant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan grant: %w", err)
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list grants: %w", err)
	}
	return out, nil
}

func (s *Store) UpdateGrantNameservers(ctx context.Context, domain string, nameservers []string) error {
	if nameservers == nil {
		nameservers = []string{}
	}
	tag, err := s.exec(ctx, `UPDATE domain_grants SET nameservers = $2 WHERE domain = $1`,
		strings.ToLower(domain), nameservers)
	if err != nil {
		return fmt.Errorf("update nameservers: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return clawd.ErrGrantNotFound
	}
	return nil
}

// transition must run inside withTx: the row stays locked until commit.
func (s *Store) transition(ctx context.Context, id string, from []ledger.Status, to ledger.Status, mutate ledger.Mutation) (*ledger.Purchase, error) {
	current, err := s.getPurchase(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE id = $1 FOR UPDATE`, id)
	if err != nil {
		return nil, err
	}
	if !slices.Contains(from, current.Status) {
		return current, ledger.ErrStatusConflict
	}

	next := current.Clone()
	if mutate != nil {
		if err := mutate(next); err != nil {
			return nil, err
		}
	}
	next.Status = to
	next.TxHash = strings.ToLower(next.TxHash)

	const stmt = `
UPDATE purchases SET
	status = $2,
	registrant = $3,
	payer = NULLIF($4, ''),
	tx_hash = NULLIF($5, ''),
	signature = NULLIF($6, ''),
	last_error = NULLIF($7, ''),
	expires_at = $8,
	updated_at = $9,
	processing_since = $10
WHERE id = $1`

	if _, err := s.exec(ctx, stmt,
		id, string(next.Status), registrantArg(next.Registrant),
		next.Payer, next.TxHash, next.Signature, next.LastError, next.ExpiresAt, next.UpdatedAt,
		timeArg(next.ProcessingSince),
	); err != nil {
		if isUniqueViolation(err) {
			return nil, ledger.ErrTxHashInUse
		}
		return nil, fmt.Errorf("update purchase: %w", err)
	}

	// Identity and price columns are never written after creation.
	next.ID, next.Domain, next.Years = current.ID, current.Domain, current.Years
	next.Amount, next.Nonce, next.CreatedAt = current.Amount, current.Nonce, current.CreatedAt
	return next, nil
}

func (s *Store) getPurchase(ctx context.Context, query string, args ...any) (*ledger.Purchase, error) {
	p, err := scanPurchase(s.queryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) || isInvalidUUID(err) {
			return nil, clawd.ErrPurchaseNotFound
		}
		return nil, fmt.Errorf("get purchase: %w", err)
	}
	return p, nil
}

func scanPurchase(row pgx.Row) (*ledger.Purchase, error) {
	var (
		p          ledger.Purchase
		amount     string
		status     string
		registrant []byte
		since      *time.Time
	)
	if err := row.Scan(
		&p.ID, &p.Domain, &p.Years, &amount, &status, &p.Nonce, &registrant,
		&p.Payer, &p.TxHash, &p.Signature, &p.LastError,
		&p.CreatedAt, &p.ExpiresAt, &p.UpdatedAt, &since,
	); err != nil {
		return nil, err
	}

	units, ok := new(big.Int).SetString(amount, 10)
	if !ok {
		return nil, fmt.Errorf("invalid stored amount %q", amount)
	}
	p.Amount = units
	p.Status = ledger.Status(status)
	if len(registrant) > 0 {
		p.Registrant = registrant
	}
	p.CreatedAt, p.ExpiresAt, p.UpdatedAt = p.CreatedAt.UTC(), p.ExpiresAt.UTC(), p.UpdatedAt.UTC()
	if since != nil {
		p.ProcessingSince = since.UTC()
	}
	return &p, nil
}

// timeArg maps the zero time to NULL.
func timeArg(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func scanGrant(row pgx.Row) (*ledger.DomainGrant, error) {
	var g ledger.DomainGrant
	if err := row.Scan(&g.Domain, &g.OwnerWallet, &g.RegisteredAt, &g.ExpiresAt, &g.Nameservers, &g.PurchaseID); err != nil {
		return nil, err
	}
	g.RegisteredAt, g.ExpiresAt = g.RegisteredAt.UTC(), g.ExpiresAt.UTC()
	return &g, nil
}

// registrantArg maps an empty registrant to SQL NULL.
func registrantArg(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func (s *Store) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return s.pool.Exec(ctx, sql, args...)
}

func (s *Store) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return s.pool.QueryRow(ctx, sql, args...)
}

func (s *Store) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return s.pool.Query(ctx, sql, args...)
}

var _ ledger.Store = (*Store)(nil)
