package ledger

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/fyrst/launch-engine/internal/curve"
	"github.com/fyrst/launch-engine/internal/model"
	"github.com/fyrst/launch-engine/internal/store"
)

// Position is one token holding in a wallet's portfolio, valued at the
// current spot price.
type Position struct {
	TokenMint     string          `json:"token_mint"`
	Symbol        string          `json:"symbol"`
	Balance       decimal.Decimal `json:"balance"`
	AvgPrice      decimal.Decimal `json:"avg_price"`
	CostBasis     decimal.Decimal `json:"cost_basis_lamports"`
	Value         decimal.Decimal `json:"value_lamports"`
	PnlPct        decimal.Decimal `json:"pnl_pct"`
	RefundClaimed bool            `json:"refund_claimed"`
}

// Portfolio is the response body for GET /api/v1/portfolio/{wallet}.
type Portfolio struct {
	Wallet     string          `json:"wallet"`
	Positions  []Position      `json:"positions"`
	TotalValue decimal.Decimal `json:"total_value_lamports"`
	Refunds    []model.Refund  `json:"refunds"`
}

// GetPortfolio handles GET /api/v1/portfolio/{wallet}: the wallet's open
// positions across every token it has traded, plus its refund history.
// Tokens the wallet has fully exited are omitted.
func (s *Service) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	ctx := r.Context()

	trades, err := s.store.ListTradesByTrader(ctx, wallet)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	pf := Portfolio{
		Wallet:     wallet,
		Positions:  []Position{},
		TotalValue: decimal.Zero,
	}

	seen := make(map[string]bool)
	for _, tr := range trades {
		if seen[tr.TokenMint] {
			continue
		}
		seen[tr.TokenMint] = true

		rec, err := s.store.GetBuyerRecord(ctx, tr.TokenMint, wallet)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			writeDomainError(w, err)
			return
		}
		balance := rec.Balance()
		if !balance.IsPositive() {
			continue
		}

		c, err := s.store.GetCurve(ctx, tr.TokenMint)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		cv, err := curve.New(c.BasePrice, c.Slope)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "Internal", "stored curve parameters are invalid")
			return
		}

		cost := balance.Mul(rec.AvgPrice)
		value := balance.Mul(cv.SpotPrice(c.CurrentSupply))
		pnl := decimal.Zero
		if cost.IsPositive() {
			pnl = value.Sub(cost).Div(cost).Mul(decimal.NewFromInt(100)).Round(2)
		}

		pf.Positions = append(pf.Positions, Position{
			TokenMint:     tr.TokenMint,
			Symbol:        c.Symbol,
			Balance:       balance,
			AvgPrice:      rec.AvgPrice,
			CostBasis:     cost,
			Value:         value,
			PnlPct:        pnl,
			RefundClaimed: rec.RefundClaimed,
		})
		pf.TotalValue = pf.TotalValue.Add(value)
	}

	refunds, err := s.store.ListRefundsByClaimant(ctx, wallet)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if refunds == nil {
		refunds = []model.Refund{}
	}
	pf.Refunds = refunds

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(pf)
}
