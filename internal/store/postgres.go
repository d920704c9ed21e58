package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/fyrst/launch-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func mapRowErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// --- Bonding curves ---

func (s *PostgresStore) CreateCurve(ctx context.Context, c *model.BondingCurve) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bonding_curves (token_mint, deployer, name, symbol, current_supply, base_price, slope,
		                             reserve_balance, total_sol_collected, graduated, created_at, version)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11, 1)`,
		c.TokenMint, c.Deployer, c.Name, c.Symbol,
		c.CurrentSupply.String(), c.BasePrice.String(), c.Slope.String(),
		c.ReserveBalance.String(), c.TotalSolCollected.String(),
		c.Graduated, c.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err == nil {
		c.Version = 1
	}
	return err
}

const curveColumns = `token_mint, deployer, name, symbol,
        current_supply::TEXT, base_price::TEXT, slope::TEXT,
        reserve_balance::TEXT, total_sol_collected::TEXT,
        graduated, created_at, version`

func scanCurve(row pgx.Row) (*model.BondingCurve, error) {
	var c model.BondingCurve
	var supply, base, slope, reserve, collected string

	err := row.Scan(&c.TokenMint, &c.Deployer, &c.Name, &c.Symbol,
		&supply, &base, &slope, &reserve, &collected,
		&c.Graduated, &c.CreatedAt, &c.Version)
	if err != nil {
		return nil, err
	}

	c.CurrentSupply, _ = decimal.NewFromString(supply)
	c.BasePrice, _ = decimal.NewFromString(base)
	c.Slope, _ = decimal.NewFromString(slope)
	c.ReserveBalance, _ = decimal.NewFromString(reserve)
	c.TotalSolCollected, _ = decimal.NewFromString(collected)

	return &c, nil
}

func (s *PostgresStore) GetCurve(ctx context.Context, mint string) (*model.BondingCurve, error) {
	c, err := scanCurve(s.pool.QueryRow(ctx,
		`SELECT `+curveColumns+` FROM bonding_curves WHERE token_mint = $1`, mint))
	if err != nil {
		return nil, fmt.Errorf("get curve %s: %w", mint, mapRowErr(err))
	}
	return c, nil
}

func (s *PostgresStore) ListCurves(ctx context.Context) ([]model.BondingCurve, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+curveColumns+` FROM bonding_curves ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var curves []model.BondingCurve
	for rows.Next() {
		c, err := scanCurve(rows)
		if err != nil {
			return nil, err
		}
		curves = append(curves, *c)
	}
	return curves, rows.Err()
}

func (s *PostgresStore) UpdateCurve(ctx context.Context, c *model.BondingCurve) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE bonding_curves
		 SET current_supply = $2::NUMERIC, reserve_balance = $3::NUMERIC,
		     total_sol_collected = $4::NUMERIC, graduated = $5,
		     version = version + 1
		 WHERE token_mint = $1 AND version = $6`,
		c.TokenMint,
		c.CurrentSupply.String(), c.ReserveBalance.String(),
		c.TotalSolCollected.String(), c.Graduated, c.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	c.Version++
	return nil
}

// --- Escrow vaults ---

func (s *PostgresStore) CreateEscrow(ctx context.Context, e *model.EscrowVault) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO escrow_vaults (deployer, token_mint, collateral_lamports, released, rugged, created_at, version)
		 VALUES ($1, $2, $3::NUMERIC, $4, $5, $6, 1)`,
		e.Deployer, e.TokenMint, e.Collateral.String(), e.Released, e.Rugged, e.CreatedAt,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err == nil {
		e.Version = 1
	}
	return err
}

func (s *PostgresStore) GetEscrow(ctx context.Context, mint string) (*model.EscrowVault, error) {
	var e model.EscrowVault
	var collateral string

	err := s.pool.QueryRow(ctx,
		`SELECT deployer, token_mint, collateral_lamports::TEXT, released, rugged, created_at, version
		 FROM escrow_vaults WHERE token_mint = $1`, mint).
		Scan(&e.Deployer, &e.TokenMint, &collateral, &e.Released, &e.Rugged, &e.CreatedAt, &e.Version)
	if err != nil {
		return nil, fmt.Errorf("get escrow %s: %w", mint, mapRowErr(err))
	}

	e.Collateral, _ = decimal.NewFromString(collateral)
	return &e, nil
}

func (s *PostgresStore) UpdateEscrow(ctx context.Context, e *model.EscrowVault) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE escrow_vaults
		 SET collateral_lamports = $2::NUMERIC, released = $3, rugged = $4,
		     version = version + 1
		 WHERE token_mint = $1 AND version = $5`,
		e.TokenMint, e.Collateral.String(), e.Released, e.Rugged, e.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	e.Version++
	return nil
}

// --- Buyer records ---

const buyerColumns = `buyer, token_mint,
        total_bought::TEXT, total_sold::TEXT, total_sol_spent::TEXT, avg_price::TEXT,
        refund_claimed, first_buy_at, version`

func scanBuyer(row pgx.Row) (*model.BuyerRecord, error) {
	var r model.BuyerRecord
	var bought, sold, spent, avg string

	err := row.Scan(&r.Buyer, &r.TokenMint,
		&bought, &sold, &spent, &avg,
		&r.RefundClaimed, &r.FirstBuyAt, &r.Version)
	if err != nil {
		return nil, err
	}

	r.TotalBought, _ = decimal.NewFromString(bought)
	r.TotalSold, _ = decimal.NewFromString(sold)
	r.TotalSolSpent, _ = decimal.NewFromString(spent)
	r.AvgPrice, _ = decimal.NewFromString(avg)

	return &r, nil
}

func (s *PostgresStore) GetBuyerRecord(ctx context.Context, mint, buyer string) (*model.BuyerRecord, error) {
	r, err := scanBuyer(s.pool.QueryRow(ctx,
		`SELECT `+buyerColumns+` FROM buyer_records WHERE token_mint = $1 AND buyer = $2`,
		mint, buyer))
	if err != nil {
		return nil, fmt.Errorf("get buyer record %s/%s: %w", mint, buyer, mapRowErr(err))
	}
	return r, nil
}

func (s *PostgresStore) ListBuyersByToken(ctx context.Context, mint string) ([]model.BuyerRecord, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+buyerColumns+` FROM buyer_records WHERE token_mint = $1 ORDER BY first_buy_at`, mint)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []model.BuyerRecord
	for rows.Next() {
		r, err := scanBuyer(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func (s *PostgresStore) UpsertBuyerRecord(ctx context.Context, r *model.BuyerRecord) error {
	if r.Version == 0 {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO buyer_records (buyer, token_mint, total_bought, total_sold, total_sol_spent,
			                            avg_price, refund_claimed, first_buy_at, version)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8, 1)`,
			r.Buyer, r.TokenMint,
			r.TotalBought.String(), r.TotalSold.String(), r.TotalSolSpent.String(), r.AvgPrice.String(),
			r.RefundClaimed, r.FirstBuyAt,
		)
		if isUniqueViolation(err) {
			return ErrVersionConflict
		}
		if err == nil {
			r.Version = 1
		}
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE buyer_records
		 SET total_bought = $3::NUMERIC, total_sold = $4::NUMERIC,
		     total_sol_spent = $5::NUMERIC, avg_price = $6::NUMERIC,
		     refund_claimed = $7, version = version + 1
		 WHERE token_mint = $1 AND buyer = $2 AND version = $8`,
		r.TokenMint, r.Buyer,
		r.TotalBought.String(), r.TotalSold.String(), r.TotalSolSpent.String(), r.AvgPrice.String(),
		r.RefundClaimed, r.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	r.Version++
	return nil
}

// --- Deployers ---

const deployerColumns = `address, reputation_score, reputation_rank,
        total_launches, successful_launches, rug_pulls,
        collateral_locked::TEXT, collateral_tier, created_at, version`

func scanDeployer(row pgx.Row) (*model.Deployer, error) {
	var d model.Deployer
	var locked string

	err := row.Scan(&d.Address, &d.ReputationScore, &d.ReputationRank,
		&d.TotalLaunches, &d.SuccessfulLaunches, &d.RugPulls,
		&locked, &d.CollateralTier, &d.CreatedAt, &d.Version)
	if err != nil {
		return nil, err
	}

	d.CollateralLocked, _ = decimal.NewFromString(locked)
	return &d, nil
}

func (s *PostgresStore) GetDeployer(ctx context.Context, address string) (*model.Deployer, error) {
	d, err := scanDeployer(s.pool.QueryRow(ctx,
		`SELECT `+deployerColumns+` FROM deployers WHERE address = $1`, address))
	if err != nil {
		return nil, fmt.Errorf("get deployer %s: %w", address, mapRowErr(err))
	}
	return d, nil
}

func (s *PostgresStore) ListDeployers(ctx context.Context) ([]model.Deployer, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+deployerColumns+` FROM deployers ORDER BY address`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deployers []model.Deployer
	for rows.Next() {
		d, err := scanDeployer(rows)
		if err != nil {
			return nil, err
		}
		deployers = append(deployers, *d)
	}
	return deployers, rows.Err()
}

func (s *PostgresStore) UpsertDeployer(ctx context.Context, d *model.Deployer) error {
	if d.Version == 0 {
		_, err := s.pool.Exec(ctx,
			`INSERT INTO deployers (address, reputation_score, reputation_rank, total_launches,
			                        successful_launches, rug_pulls, collateral_locked, collateral_tier,
			                        created_at, version)
			 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8, $9, 1)`,
			d.Address, d.ReputationScore, d.ReputationRank, d.TotalLaunches,
			d.SuccessfulLaunches, d.RugPulls, d.CollateralLocked.String(), d.CollateralTier,
			d.CreatedAt,
		)
		if isUniqueViolation(err) {
			return ErrVersionConflict
		}
		if err == nil {
			d.Version = 1
		}
		return err
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE deployers
		 SET reputation_score = $2, reputation_rank = $3, total_launches = $4,
		     successful_launches = $5, rug_pulls = $6, collateral_locked = $7::NUMERIC,
		     collateral_tier = $8, version = version + 1
		 WHERE address = $1 AND version = $9`,
		d.Address, d.ReputationScore, d.ReputationRank, d.TotalLaunches,
		d.SuccessfulLaunches, d.RugPulls, d.CollateralLocked.String(), d.CollateralTier,
		d.Version,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	d.Version++
	return nil
}

// --- Refunds ---

const refundColumns = `id, token_mint, claimant_address, amount_lamports::TEXT,
        status, created_at, processed_at, tx_signature`

func scanRefund(row pgx.Row) (*model.Refund, error) {
	var r model.Refund
	var amount string

	err := row.Scan(&r.ID, &r.TokenMint, &r.Claimant, &amount,
		&r.Status, &r.CreatedAt, &r.ProcessedAt, &r.TxSignature)
	if err != nil {
		return nil, err
	}

	r.AmountSol, _ = decimal.NewFromString(amount)
	return &r, nil
}

func (s *PostgresStore) CreateRefund(ctx context.Context, r *model.Refund) error {
	// A partial unique index on (token_mint, claimant_address) over
	// non-terminal rows enforces the single-open-refund rule.
	_, err := s.pool.Exec(ctx,
		`INSERT INTO refunds (id, token_mint, claimant_address, amount_lamports, status, created_at, processed_at, tx_signature)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6, $7, $8)`,
		r.ID, r.TokenMint, r.Claimant, r.AmountSol.String(),
		r.Status, r.CreatedAt, r.ProcessedAt, r.TxSignature,
	)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	return err
}

func (s *PostgresStore) GetRefund(ctx context.Context, id string) (*model.Refund, error) {
	r, err := scanRefund(s.pool.QueryRow(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get refund %s: %w", id, mapRowErr(err))
	}
	return r, nil
}

func (s *PostgresStore) listRefunds(ctx context.Context, where string, arg any) ([]model.Refund, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+refundColumns+` FROM refunds WHERE `+where+` ORDER BY created_at DESC`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refunds []model.Refund
	for rows.Next() {
		r, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		refunds = append(refunds, *r)
	}
	return refunds, rows.Err()
}

func (s *PostgresStore) ListRefundsByClaimant(ctx context.Context, claimant string) ([]model.Refund, error) {
	return s.listRefunds(ctx, "claimant_address = $1", claimant)
}

func (s *PostgresStore) ListRefundsByToken(ctx context.Context, mint string) ([]model.Refund, error) {
	return s.listRefunds(ctx, "token_mint = $1", mint)
}

func (s *PostgresStore) UpdateRefundStatus(ctx context.Context, id string, status model.RefundStatus, amount decimal.Decimal, processedAt *time.Time, txSignature string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE refunds
		 SET status = $2, amount_lamports = $3::NUMERIC, processed_at = $4,
		     tx_signature = CASE WHEN $5 = '' THEN tx_signature ELSE $5 END
		 WHERE id = $1`,
		id, status, amount.String(), processedAt, txSignature,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) HasOpenRefund(ctx context.Context, mint, claimant string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (
		    SELECT 1 FROM refunds
		    WHERE token_mint = $1 AND claimant_address = $2
		      AND status NOT IN ('completed', 'failed'))`,
		mint, claimant).Scan(&exists)
	return exists, err
}

// --- Trade ledger ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (id, token_mint, trader_address, side, amount, price, total_sol, fee_paid, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9)`,
		t.ID, t.TokenMint, t.Trader, t.Side,
		t.Amount.String(), t.Price.String(), t.TotalSol.String(), t.FeePaid.String(),
		t.CreatedAt,
	)
	return err
}

func (s *PostgresStore) listTrades(ctx context.Context, where string, arg any) ([]model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, token_mint, trader_address, side,
		        amount::TEXT, price::TEXT, total_sol::TEXT, fee_paid::TEXT, created_at
		 FROM trades WHERE `+where+` ORDER BY created_at`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var amount, price, total, fee string

		if err := rows.Scan(&t.ID, &t.TokenMint, &t.Trader, &t.Side,
			&amount, &price, &total, &fee, &t.CreatedAt); err != nil {
			return nil, err
		}

		t.Amount, _ = decimal.NewFromString(amount)
		t.Price, _ = decimal.NewFromString(price)
		t.TotalSol, _ = decimal.NewFromString(total)
		t.FeePaid, _ = decimal.NewFromString(fee)

		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListTradesByToken(ctx context.Context, mint string) ([]model.Trade, error) {
	return s.listTrades(ctx, "token_mint = $1", mint)
}

func (s *PostgresStore) ListTradesByTrader(ctx context.Context, trader string) ([]model.Trade, error) {
	return s.listTrades(ctx, "trader_address = $1", trader)
}

func (s *PostgresStore) CountTrades(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM trades`).Scan(&n)
	return n, err
}
