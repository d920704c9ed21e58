package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/fyrst/launch-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary.
//
// Only hot single-row lookups are cached (curves, escrows, deployers). The
// row version is json:"-" on the models, so cached payloads carry it in an
// envelope: a cache hit must still be a valid basis for a version-checked
// write.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateCurve(ctx context.Context, c *model.BondingCurve) error {
	if err := s.primary.CreateCurve(ctx, c); err != nil {
		return err
	}
	s.cacheSet(ctx, curveKey(c.TokenMint), c, c.Version)
	return nil
}

func (s *CachedStore) UpdateCurve(ctx context.Context, c *model.BondingCurve) error {
	if err := s.primary.UpdateCurve(ctx, c); err != nil {
		return err
	}
	// Invalidate cache; next read will re-populate.
	s.rdb.Del(ctx, curveKey(c.TokenMint))
	return nil
}

func (s *CachedStore) CreateEscrow(ctx context.Context, e *model.EscrowVault) error {
	if err := s.primary.CreateEscrow(ctx, e); err != nil {
		return err
	}
	s.cacheSet(ctx, escrowKey(e.TokenMint), e, e.Version)
	return nil
}

func (s *CachedStore) UpdateEscrow(ctx context.Context, e *model.EscrowVault) error {
	if err := s.primary.UpdateEscrow(ctx, e); err != nil {
		return err
	}
	s.rdb.Del(ctx, escrowKey(e.TokenMint))
	return nil
}

func (s *CachedStore) UpsertBuyerRecord(ctx context.Context, r *model.BuyerRecord) error {
	return s.primary.UpsertBuyerRecord(ctx, r)
}

func (s *CachedStore) UpsertDeployer(ctx context.Context, d *model.Deployer) error {
	if err := s.primary.UpsertDeployer(ctx, d); err != nil {
		return err
	}
	s.rdb.Del(ctx, deployerKey(d.Address))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetCurve(ctx context.Context, mint string) (*model.BondingCurve, error) {
	var c model.BondingCurve
	if v, ok := s.cacheGet(ctx, curveKey(mint), &c); ok {
		c.Version = v
		return &c, nil
	}

	// Cache miss: read from primary.
	cur, err := s.primary.GetCurve(ctx, mint)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, curveKey(mint), cur, cur.Version)
	return cur, nil
}

func (s *CachedStore) GetEscrow(ctx context.Context, mint string) (*model.EscrowVault, error) {
	var e model.EscrowVault
	if v, ok := s.cacheGet(ctx, escrowKey(mint), &e); ok {
		e.Version = v
		return &e, nil
	}

	esc, err := s.primary.GetEscrow(ctx, mint)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, escrowKey(mint), esc, esc.Version)
	return esc, nil
}

func (s *CachedStore) GetDeployer(ctx context.Context, address string) (*model.Deployer, error) {
	var d model.Deployer
	if v, ok := s.cacheGet(ctx, deployerKey(address), &d); ok {
		d.Version = v
		return &d, nil
	}

	dep, err := s.primary.GetDeployer(ctx, address)
	if err != nil {
		return nil, err
	}
	s.cacheSet(ctx, deployerKey(address), dep, dep.Version)
	return dep, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListCurves(ctx context.Context) ([]model.BondingCurve, error) {
	return s.primary.ListCurves(ctx)
}

func (s *CachedStore) GetBuyerRecord(ctx context.Context, mint, buyer string) (*model.BuyerRecord, error) {
	return s.primary.GetBuyerRecord(ctx, mint, buyer)
}

func (s *CachedStore) ListBuyersByToken(ctx context.Context, mint string) ([]model.BuyerRecord, error) {
	return s.primary.ListBuyersByToken(ctx, mint)
}

func (s *CachedStore) ListDeployers(ctx context.Context) ([]model.Deployer, error) {
	return s.primary.ListDeployers(ctx)
}

func (s *CachedStore) CreateRefund(ctx context.Context, r *model.Refund) error {
	return s.primary.CreateRefund(ctx, r)
}

func (s *CachedStore) GetRefund(ctx context.Context, id string) (*model.Refund, error) {
	return s.primary.GetRefund(ctx, id)
}

func (s *CachedStore) ListRefundsByClaimant(ctx context.Context, claimant string) ([]model.Refund, error) {
	return s.primary.ListRefundsByClaimant(ctx, claimant)
}

func (s *CachedStore) ListRefundsByToken(ctx context.Context, mint string) ([]model.Refund, error) {
	return s.primary.ListRefundsByToken(ctx, mint)
}

func (s *CachedStore) UpdateRefundStatus(ctx context.Context, id string, status model.RefundStatus, amount decimal.Decimal, processedAt *time.Time, txSignature string) error {
	return s.primary.UpdateRefundStatus(ctx, id, status, amount, processedAt, txSignature)
}

func (s *CachedStore) HasOpenRefund(ctx context.Context, mint, claimant string) (bool, error) {
	return s.primary.HasOpenRefund(ctx, mint, claimant)
}

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.InsertTrade(ctx, t)
}

func (s *CachedStore) ListTradesByToken(ctx context.Context, mint string) ([]model.Trade, error) {
	return s.primary.ListTradesByToken(ctx, mint)
}

func (s *CachedStore) ListTradesByTrader(ctx context.Context, trader string) ([]model.Trade, error) {
	return s.primary.ListTradesByTrader(ctx, trader)
}

func (s *CachedStore) CountTrades(ctx context.Context) (int64, error) {
	return s.primary.CountTrades(ctx)
}

// --- Cache helpers ---

// envelope carries the optimistic-concurrency version alongside the row,
// which its JSON form omits.
type envelope struct {
	Row     json.RawMessage `json:"row"`
	Version int64           `json:"version"`
}

func (s *CachedStore) cacheGet(ctx context.Context, key string, dst any) (int64, bool) {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return 0, false
	}
	var env envelope
	if json.Unmarshal(data, &env) != nil || json.Unmarshal(env.Row, dst) != nil {
		return 0, false
	}
	return env.Version, true
}

func (s *CachedStore) cacheSet(ctx context.Context, key string, row any, version int64) {
	raw, err := json.Marshal(row)
	if err != nil {
		return
	}
	if data, err := json.Marshal(envelope{Row: raw, Version: version}); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func curveKey(mint string) string    { return fmt.Sprintf("curve:%s", mint) }
func escrowKey(mint string) string   { return fmt.Sprintf("escrow:%s", mint) }
func deployerKey(addr string) string { return fmt.Sprintf("deployer:%s", addr) }
