package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/fyrst/launch-engine/internal/metrics"
	"github.com/fyrst/launch-engine/internal/model"
	"github.com/fyrst/launch-engine/internal/notify"
	"github.com/fyrst/launch-engine/internal/program"
	"github.com/fyrst/launch-engine/internal/store"
)

// ErrNoBalance rejects refund claims from wallets holding no tokens.
var ErrNoBalance = errors.New("ledger: no token balance")

// refundWorkers bounds concurrent per-buyer refund processing after a rug.
const refundWorkers = 8

// Eligibility is the response body for the refund eligibility check.
type Eligibility struct {
	TokenMint      string          `json:"token_mint"`
	Claimant       string          `json:"claimant_address"`
	Eligible       bool            `json:"eligible"`
	Reason         string          `json:"reason,omitempty"`
	AmountLamports decimal.Decimal `json:"amount_lamports"`
}

// evalRefund applies the eligibility rules shared by the read-only check and
// the claim path: escrow exists, safe period not yet expired, positive
// balance, refund not already claimed, and no open refund row. Returns the
// escrow, the buyer record, and the capped entitlement.
//
// The rug flag is deliberately not required here — ClaimRefund enforces it
// separately so holders can see their entitlement before a rug is declared.
func (s *Service) evalRefund(ctx context.Context, mint, wallet string, now time.Time) (*model.EscrowVault, *model.BuyerRecord, decimal.Decimal, error) {
	escrow, err := s.store.GetEscrow(ctx, mint)
	if err != nil {
		return nil, nil, decimal.Zero, err
	}
	if escrow.Released {
		return nil, nil, decimal.Zero, ErrEscrowReleased
	}
	if !escrow.Rugged && now.Sub(escrow.CreatedAt) >= program.SafePeriod {
		return nil, nil, decimal.Zero, ErrSafePeriodExpired
	}

	rec, err := s.store.GetBuyerRecord(ctx, mint, wallet)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil, decimal.Zero, ErrNoBalance
	} else if err != nil {
		return nil, nil, decimal.Zero, err
	}
	if rec.RefundClaimed {
		return nil, nil, decimal.Zero, ErrRefundAlreadyClaimed
	}
	if !rec.Balance().IsPositive() {
		return nil, nil, decimal.Zero, ErrNoBalance
	}

	open, err := s.store.HasOpenRefund(ctx, mint, wallet)
	if err != nil {
		return nil, nil, decimal.Zero, err
	}
	if open {
		return nil, nil, decimal.Zero, ErrOpenRefundExists
	}

	// Pro-rata entitlement: balance × volume-weighted average price, capped
	// at what the escrow still holds.
	amount := rec.Balance().Mul(rec.AvgPrice)
	if amount.GreaterThan(escrow.Collateral) {
		amount = escrow.Collateral
	}
	return escrow, rec, amount, nil
}

// isEligibilityReason reports whether err is a business outcome rather than
// a persistence failure.
func isEligibilityReason(err error) bool {
	return errors.Is(err, ErrEscrowReleased) ||
		errors.Is(err, ErrSafePeriodExpired) ||
		errors.Is(err, ErrRefundAlreadyClaimed) ||
		errors.Is(err, ErrOpenRefundExists) ||
		errors.Is(err, ErrNoBalance)
}

// GetEligibility handles GET /api/v1/refunds/{wallet}/eligibility?token_mint=.
func (s *Service) GetEligibility(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	mint := r.URL.Query().Get("token_mint")
	if mint == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "token_mint query parameter is required")
		return
	}

	_, _, amount, err := s.evalRefund(r.Context(), mint, wallet, s.now().UTC())

	resp := Eligibility{
		TokenMint:      mint,
		Claimant:       wallet,
		AmountLamports: amount,
	}
	switch {
	case err == nil:
		resp.Eligible = true
	case isEligibilityReason(err):
		resp.Reason = err.Error()
	default:
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// ClaimRefund handles POST /api/v1/refunds/{wallet}/claim {token_mint}.
// Requires the escrow to be rugged; eligibility alone is not enough.
func (s *Service) ClaimRefund(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")

	var req struct {
		TokenMint string `json:"token_mint"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TokenMint == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "token_mint is required")
		return
	}

	refund, err := s.claimRefund(r.Context(), req.TokenMint, wallet, s.now().UTC())
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(refund)
}

// claimRefund runs the full refund lifecycle for one (wallet, token) pair:
// pending row, escrow debit, buyer flag, terminal status. Safe to call
// concurrently for different buyers of the same token.
func (s *Service) claimRefund(ctx context.Context, mint, wallet string, now time.Time) (*model.Refund, error) {
	unlockBuyer := s.locks.lock(buyerLockKey(mint, wallet))
	defer unlockBuyer()

	escrow, rec, entitled, err := s.evalRefund(ctx, mint, wallet, now)
	if err != nil {
		return nil, err
	}
	if !escrow.Rugged {
		return nil, ErrTokenNotRugged
	}

	refund := &model.Refund{
		ID:        uuid.New().String(),
		TokenMint: mint,
		Claimant:  wallet,
		AmountSol: entitled,
		Status:    model.RefundPending,
		CreatedAt: now,
	}
	if err := s.store.CreateRefund(ctx, refund); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return nil, ErrOpenRefundExists
		}
		return nil, err
	}

	if err := s.store.UpdateRefundStatus(ctx, refund.ID, model.RefundProcessing, entitled, nil, ""); err != nil {
		return nil, err
	}
	refund.Status = model.RefundProcessing

	// The cap can shrink between evaluation and debit if other claims drain
	// the vault first; the row records what was actually paid.
	amount, err := s.debitEscrow(ctx, mint, rec)
	if err == nil {
		rec.RefundClaimed = true
		err = s.store.UpsertBuyerRecord(ctx, rec)
	}
	if err != nil {
		processedAt := s.now().UTC()
		s.store.UpdateRefundStatus(ctx, refund.ID, model.RefundFailed, decimal.Zero, &processedAt, "")
		metrics.RefundsTotal.WithLabelValues(string(model.RefundFailed)).Inc()
		slog.Error("refund failed", "refund_id", refund.ID, "mint", mint, "claimant", wallet, "err", err)
		return nil, err
	}

	processedAt := s.now().UTC()
	if err := s.store.UpdateRefundStatus(ctx, refund.ID, model.RefundCompleted, amount, &processedAt, ""); err != nil {
		return nil, err
	}
	refund.Status = model.RefundCompleted
	refund.ProcessedAt = &processedAt
	refund.AmountSol = amount

	metrics.RefundsTotal.WithLabelValues(string(model.RefundCompleted)).Inc()
	slog.Info("refund issued",
		"refund_id", refund.ID,
		"mint", mint,
		"claimant", wallet,
		"amount", amount.String(),
	)

	s.emitter.Emit(ctx, notify.Event{
		Type:      notify.EventRefundIssued,
		TokenMint: mint,
		Payload:   refund,
	})
	return refund, nil
}

// debitEscrow takes the buyer's capped entitlement out of the vault under
// the escrow lock, retrying version conflicts from concurrent refunds on
// other instances.
func (s *Service) debitEscrow(ctx context.Context, mint string, rec *model.BuyerRecord) (decimal.Decimal, error) {
	unlock := s.locks.lock(escrowLockKey(mint))
	defer unlock()

	for attempt := 0; attempt < 3; attempt++ {
		escrow, err := s.store.GetEscrow(ctx, mint)
		if err != nil {
			return decimal.Zero, err
		}

		amount := rec.Balance().Mul(rec.AvgPrice)
		if amount.GreaterThan(escrow.Collateral) {
			amount = escrow.Collateral
		}

		escrow.Collateral = escrow.Collateral.Sub(amount)
		err = s.store.UpdateEscrow(ctx, escrow)
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.VersionConflictsTotal.Inc()
			continue
		}
		if err != nil {
			return decimal.Zero, err
		}
		return amount, nil
	}
	return decimal.Zero, ErrConcurrentModification
}

// processRefundsForToken pays out every positive-balance holder after a rug.
// Buyers are independent: one failure is logged and the rest proceed.
func (s *Service) processRefundsForToken(ctx context.Context, mint string) (issued, failed int64) {
	buyers, err := s.store.ListBuyersByToken(ctx, mint)
	if err != nil {
		slog.Error("refund sweep failed to list buyers", "mint", mint, "err", err)
		return 0, 0
	}

	now := s.now().UTC()
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(refundWorkers)

	for _, b := range buyers {
		if b.RefundClaimed || !b.Balance().IsPositive() {
			continue
		}
		g.Go(func() error {
			if _, err := s.claimRefund(ctx, mint, b.Buyer, now); err != nil {
				if !isEligibilityReason(err) {
					slog.Error("refund sweep entry failed", "mint", mint, "buyer", b.Buyer, "err", err)
				}
				atomic.AddInt64(&failed, 1)
				return nil
			}
			atomic.AddInt64(&issued, 1)
			return nil
		})
	}
	g.Wait()

	slog.Info("refund sweep finished", "mint", mint, "issued", issued, "failed", failed)
	return issued, failed
}

// ListRefunds handles GET /api/v1/refunds/{wallet}, newest first.
func (s *Service) ListRefunds(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")

	refunds, err := s.store.ListRefundsByClaimant(r.Context(), wallet)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if refunds == nil {
		refunds = []model.Refund{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(refunds)
}

// GetRefundByID handles GET /api/v1/refunds/{wallet}/{id}. A refund that
// belongs to another wallet is reported as not found.
func (s *Service) GetRefundByID(w http.ResponseWriter, r *http.Request) {
	wallet := chi.URLParam(r, "wallet")
	id := chi.URLParam(r, "id")

	refund, err := s.store.GetRefund(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if refund.Claimant != wallet {
		writeDomainError(w, store.ErrNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(refund)
}
