// Package store defines the persistence interface for the launch engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fyrst/launch-engine/internal/model"
)

var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrAlreadyExists is returned when a create would violate a uniqueness
	// constraint (duplicate mint, duplicate open refund).
	ErrAlreadyExists = errors.New("store: already exists")

	// ErrVersionConflict is returned by version-checked updates when the row
	// changed since it was read. Callers retry the whole read-modify-write.
	ErrVersionConflict = errors.New("store: version conflict")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
//
// Update* methods are version-checked: the row is written only if its stored
// version matches the one on the passed struct, and the struct's Version is
// bumped on success. Upsert* methods insert when Version is zero and do a
// version-checked update otherwise.
type Store interface {
	// --- Bonding curves ---

	// CreateCurve persists a freshly launched curve.
	CreateCurve(ctx context.Context, c *model.BondingCurve) error

	// GetCurve retrieves a curve by token mint.
	GetCurve(ctx context.Context, mint string) (*model.BondingCurve, error)

	// ListCurves returns all curves, newest first.
	ListCurves(ctx context.Context) ([]model.BondingCurve, error)

	// UpdateCurve writes post-trade curve state, version-checked.
	UpdateCurve(ctx context.Context, c *model.BondingCurve) error

	// --- Escrow vaults ---

	// CreateEscrow persists a new collateral vault.
	CreateEscrow(ctx context.Context, e *model.EscrowVault) error

	// GetEscrow retrieves the vault for a token mint.
	GetEscrow(ctx context.Context, mint string) (*model.EscrowVault, error)

	// UpdateEscrow writes vault state (release, rug, refund debits),
	// version-checked.
	UpdateEscrow(ctx context.Context, e *model.EscrowVault) error

	// --- Buyer records ---

	// GetBuyerRecord retrieves one buyer's record for one token.
	GetBuyerRecord(ctx context.Context, mint, buyer string) (*model.BuyerRecord, error)

	// ListBuyersByToken returns every buyer record for a token.
	ListBuyersByToken(ctx context.Context, mint string) ([]model.BuyerRecord, error)

	// UpsertBuyerRecord inserts (Version == 0) or version-checked-updates a
	// buyer record.
	UpsertBuyerRecord(ctx context.Context, r *model.BuyerRecord) error

	// --- Deployers ---

	// GetDeployer retrieves a deployer profile by wallet address.
	GetDeployer(ctx context.Context, address string) (*model.Deployer, error)

	// ListDeployers returns all deployer profiles.
	ListDeployers(ctx context.Context) ([]model.Deployer, error)

	// UpsertDeployer inserts (Version == 0) or version-checked-updates a
	// deployer profile.
	UpsertDeployer(ctx context.Context, d *model.Deployer) error

	// --- Refunds ---

	// CreateRefund appends a refund row. Fails with ErrAlreadyExists when a
	// non-terminal refund already exists for the same (claimant, token).
	CreateRefund(ctx context.Context, r *model.Refund) error

	// GetRefund retrieves a refund by ID.
	GetRefund(ctx context.Context, id string) (*model.Refund, error)

	// ListRefundsByClaimant returns a wallet's refunds, newest first.
	ListRefundsByClaimant(ctx context.Context, claimant string) ([]model.Refund, error)

	// ListRefundsByToken returns a token's refunds, newest first.
	ListRefundsByToken(ctx context.Context, mint string) ([]model.Refund, error)

	// UpdateRefundStatus advances a refund's lifecycle status, persisting
	// the (possibly capped) payout amount alongside it.
	UpdateRefundStatus(ctx context.Context, id string, status model.RefundStatus, amount decimal.Decimal, processedAt *time.Time, txSignature string) error

	// HasOpenRefund reports whether a non-terminal refund exists for the
	// (claimant, token) pair.
	HasOpenRefund(ctx context.Context, mint, claimant string) (bool, error)

	// --- Immutable trade ledger ---

	// InsertTrade appends an immutable trade record.
	InsertTrade(ctx context.Context, t *model.Trade) error

	// ListTradesByToken returns all trades for a token, oldest first.
	ListTradesByToken(ctx context.Context, mint string) ([]model.Trade, error)

	// ListTradesByTrader returns all trades for a wallet, oldest first.
	ListTradesByTrader(ctx context.Context, trader string) ([]model.Trade, error)

	// CountTrades returns the total number of trades recorded.
	CountTrades(ctx context.Context) (int64, error)
}
