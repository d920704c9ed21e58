package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fyrst/launch-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	curves   map[string]*model.BondingCurve
	escrows  map[string]*model.EscrowVault
	buyers   map[string]*model.BuyerRecord // keyed mint|buyer
	deploys  map[string]*model.Deployer
	refunds  map[string]*model.Refund
	refundID []string // insertion order
	trades   []model.Trade
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		curves:  make(map[string]*model.BondingCurve),
		escrows: make(map[string]*model.EscrowVault),
		buyers:  make(map[string]*model.BuyerRecord),
		deploys: make(map[string]*model.Deployer),
		refunds: make(map[string]*model.Refund),
	}
}

func buyerKey(mint, buyer string) string { return mint + "|" + buyer }

// --- Bonding curves ---

func (s *MemoryStore) CreateCurve(_ context.Context, c *model.BondingCurve) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.curves[c.TokenMint]; ok {
		return ErrAlreadyExists
	}
	c.Version = 1
	cp := *c
	s.curves[c.TokenMint] = &cp
	return nil
}

func (s *MemoryStore) GetCurve(_ context.Context, mint string) (*model.BondingCurve, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.curves[mint]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListCurves(_ context.Context) ([]model.BondingCurve, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	curves := make([]model.BondingCurve, 0, len(s.curves))
	for _, c := range s.curves {
		curves = append(curves, *c)
	}
	sort.Slice(curves, func(i, j int) bool {
		return curves[i].CreatedAt.After(curves[j].CreatedAt)
	})
	return curves, nil
}

func (s *MemoryStore) UpdateCurve(_ context.Context, c *model.BondingCurve) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.curves[c.TokenMint]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != c.Version {
		return ErrVersionConflict
	}
	c.Version++
	cp := *c
	s.curves[c.TokenMint] = &cp
	return nil
}

// --- Escrow vaults ---

func (s *MemoryStore) CreateEscrow(_ context.Context, e *model.EscrowVault) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.escrows[e.TokenMint]; ok {
		return ErrAlreadyExists
	}
	e.Version = 1
	cp := *e
	s.escrows[e.TokenMint] = &cp
	return nil
}

func (s *MemoryStore) GetEscrow(_ context.Context, mint string) (*model.EscrowVault, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrows[mint]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) UpdateEscrow(_ context.Context, e *model.EscrowVault) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.escrows[e.TokenMint]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != e.Version {
		return ErrVersionConflict
	}
	e.Version++
	cp := *e
	s.escrows[e.TokenMint] = &cp
	return nil
}

// --- Buyer records ---

func (s *MemoryStore) GetBuyerRecord(_ context.Context, mint, buyer string) (*model.BuyerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.buyers[buyerKey(mint, buyer)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListBuyersByToken(_ context.Context, mint string) ([]model.BuyerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []model.BuyerRecord
	for _, r := range s.buyers {
		if r.TokenMint == mint {
			records = append(records, *r)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].FirstBuyAt.Before(records[j].FirstBuyAt)
	})
	return records, nil
}

func (s *MemoryStore) UpsertBuyerRecord(_ context.Context, r *model.BuyerRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := buyerKey(r.TokenMint, r.Buyer)
	cur, ok := s.buyers[key]
	if r.Version == 0 {
		if ok {
			return ErrVersionConflict
		}
	} else {
		if !ok {
			return ErrNotFound
		}
		if cur.Version != r.Version {
			return ErrVersionConflict
		}
	}
	r.Version++
	cp := *r
	s.buyers[key] = &cp
	return nil
}

// --- Deployers ---

func (s *MemoryStore) GetDeployer(_ context.Context, address string) (*model.Deployer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	d, ok := s.deploys[address]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) ListDeployers(_ context.Context) ([]model.Deployer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deployers := make([]model.Deployer, 0, len(s.deploys))
	for _, d := range s.deploys {
		deployers = append(deployers, *d)
	}
	sort.Slice(deployers, func(i, j int) bool {
		return deployers[i].Address < deployers[j].Address
	})
	return deployers, nil
}

func (s *MemoryStore) UpsertDeployer(_ context.Context, d *model.Deployer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.deploys[d.Address]
	if d.Version == 0 {
		if ok {
			return ErrVersionConflict
		}
	} else {
		if !ok {
			return ErrNotFound
		}
		if cur.Version != d.Version {
			return ErrVersionConflict
		}
	}
	d.Version++
	cp := *d
	s.deploys[d.Address] = &cp
	return nil
}

// --- Refunds ---

func (s *MemoryStore) CreateRefund(_ context.Context, r *model.Refund) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.refunds {
		if existing.TokenMint == r.TokenMint && existing.Claimant == r.Claimant &&
			!existing.Status.Terminal() {
			return ErrAlreadyExists
		}
	}
	cp := *r
	s.refunds[r.ID] = &cp
	s.refundID = append(s.refundID, r.ID)
	return nil
}

func (s *MemoryStore) GetRefund(_ context.Context, id string) (*model.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.refunds[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) ListRefundsByClaimant(_ context.Context, claimant string) ([]model.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Refund
	for i := len(s.refundID) - 1; i >= 0; i-- {
		if r := s.refunds[s.refundID[i]]; r.Claimant == claimant {
			result = append(result, *r)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListRefundsByToken(_ context.Context, mint string) ([]model.Refund, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Refund
	for i := len(s.refundID) - 1; i >= 0; i-- {
		if r := s.refunds[s.refundID[i]]; r.TokenMint == mint {
			result = append(result, *r)
		}
	}
	return result, nil
}

func (s *MemoryStore) UpdateRefundStatus(_ context.Context, id string, status model.RefundStatus, amount decimal.Decimal, processedAt *time.Time, txSignature string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.refunds[id]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.AmountSol = amount
	r.ProcessedAt = processedAt
	if txSignature != "" {
		r.TxSignature = txSignature
	}
	return nil
}

func (s *MemoryStore) HasOpenRefund(_ context.Context, mint, claimant string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, r := range s.refunds {
		if r.TokenMint == mint && r.Claimant == claimant && !r.Status.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

// --- Trade ledger ---

func (s *MemoryStore) InsertTrade(_ context.Context, t *model.Trade) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.trades = append(s.trades, *t)
	return nil
}

func (s *MemoryStore) ListTradesByToken(_ context.Context, mint string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.TokenMint == mint {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) ListTradesByTrader(_ context.Context, trader string) ([]model.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Trade
	for _, t := range s.trades {
		if t.Trader == trader {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) CountTrades(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return int64(len(s.trades)), nil
}
