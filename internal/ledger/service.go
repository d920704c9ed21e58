// Package ledger provides the HTTP handlers and business logic for the
// off-chain launch ledger: launching tokens, trading against the bonding
// curve, escrow lifecycle, and refunds.
//
// All monetary values use shopspring/decimal — never float64 for money.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fyrst/launch-engine/internal/collateral"
	"github.com/fyrst/launch-engine/internal/curve"
	"github.com/fyrst/launch-engine/internal/metrics"
	"github.com/fyrst/launch-engine/internal/model"
	"github.com/fyrst/launch-engine/internal/notify"
	"github.com/fyrst/launch-engine/internal/program"
	"github.com/fyrst/launch-engine/internal/reputation"
	"github.com/fyrst/launch-engine/internal/store"
)

// Default curve parameters for launches that do not specify their own
// (lamports per token, lamports per token per token).
var (
	defaultBasePrice = decimal.NewFromInt(100_000)
	defaultSlope     = decimal.NewFromInt(10)

	deployFee           = decimal.NewFromUint64(program.DeployFee)
	graduationThreshold = decimal.NewFromUint64(program.GraduationThreshold)
	tradeFeeBps         = decimal.NewFromUint64(program.TradeFeeBps)
	protocolFeeBps      = decimal.NewFromUint64(program.ProtocolFeeBps)
	bpsDenominator      = decimal.NewFromUint64(program.BpsDenominator)
)

// SolPricer supplies the SOL/USD price for the stats endpoint.
type SolPricer interface {
	SolPrice(ctx context.Context) (decimal.Decimal, error)
}

// Service handles launch, trade, escrow, and refund operations. Per-key
// mutexes serialize read-modify-write cycles in-process; the store's version
// checks catch races across instances.
type Service struct {
	store          store.Store
	emitter        notify.Emitter
	pricer         SolPricer // optional; stats omit the price when nil
	authorityToken string
	locks          keyedMutex
	now            func() time.Time
}

// NewService creates a new ledger service. Pass nil emitter to disable
// event broadcasting; authorityToken gates the rug endpoint.
func NewService(st store.Store, emitter notify.Emitter, pricer SolPricer, authorityToken string) *Service {
	if emitter == nil {
		emitter = notify.Nop{}
	}
	return &Service{
		store:          st,
		emitter:        emitter,
		pricer:         pricer,
		authorityToken: authorityToken,
		now:            time.Now,
	}
}

// --- Request/Response types ---

// LaunchRequest is the JSON body for POST /api/v1/launches.
type LaunchRequest struct {
	Name            string          `json:"name"`
	Symbol          string          `json:"symbol"`
	DeployerAddress string          `json:"deployer_address"`
	CollateralSol   decimal.Decimal `json:"collateral_sol"`
	BasePrice       decimal.Decimal `json:"base_price,omitempty"` // lamports; 0 → default
	Slope           decimal.Decimal `json:"slope,omitempty"`      // lamports; 0 → default
}

// LaunchResponse is returned from POST /api/v1/launches.
type LaunchResponse struct {
	Curve           *model.BondingCurve `json:"curve"`
	CollateralTier  collateral.Tier     `json:"collateral_tier"`
	DeployFee       decimal.Decimal     `json:"deploy_fee_lamports"`
	ReputationScore int                 `json:"reputation_score"`
	ReputationRank  reputation.Rank     `json:"reputation_rank"`
}

// TradeRequest is the JSON body for POST /api/v1/trade. Amount is a whole
// token count for both sides.
type TradeRequest struct {
	TokenMint     string          `json:"token_mint"`
	TraderAddress string          `json:"trader_address"`
	Side          model.TradeSide `json:"side"`
	Amount        decimal.Decimal `json:"amount"`
}

// TradeResponse is returned from POST /api/v1/trade.
type TradeResponse struct {
	TradeID     string          `json:"trade_id"`
	TokenMint   string          `json:"token_mint"`
	Side        model.TradeSide `json:"side"`
	Amount      decimal.Decimal `json:"amount"`
	Cost        decimal.Decimal `json:"cost_lamports"` // exact curve integral
	FeePaid     decimal.Decimal `json:"fee_lamports"`  // trade + protocol fee
	Total       decimal.Decimal `json:"total_lamports"`
	NewSupply   decimal.Decimal `json:"new_supply"`
	NewPrice    decimal.Decimal `json:"new_price"`
	SlippagePct decimal.Decimal `json:"slippage_pct"`
	ProgressPct decimal.Decimal `json:"progress_pct"`
	Graduated   bool            `json:"graduated"`
}

// QuoteResponse is returned from GET /api/v1/launches/{mint}/quote.
// Identical math to a trade, with no state mutated.
type QuoteResponse struct {
	TokenMint   string          `json:"token_mint"`
	Side        model.TradeSide `json:"side"`
	Amount      decimal.Decimal `json:"amount"`
	Cost        decimal.Decimal `json:"cost_lamports"`
	FeePaid     decimal.Decimal `json:"fee_lamports"`
	Total       decimal.Decimal `json:"total_lamports"`
	SpotPrice   decimal.Decimal `json:"spot_price"`
	SlippagePct decimal.Decimal `json:"slippage_pct"`
}

// validAddress reports whether s parses as a base58 ed25519 public key.
func validAddress(s string) bool {
	_, err := solana.PublicKeyFromBase58(s)
	return err == nil
}

// feeOn returns (tradeFee, protocolFee) on a curve integral, floored to
// whole lamports.
func feeOn(cost decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	trade := cost.Mul(tradeFeeBps).Div(bpsDenominator).Floor()
	protocol := cost.Mul(protocolFeeBps).Div(bpsDenominator).Floor()
	return trade, protocol
}

// --- HTTP Handlers ---

// CreateLaunch handles POST /api/v1/launches: creates the bonding curve and
// locks the deployer's collateral in escrow.
func (s *Service) CreateLaunch(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid request body")
		return
	}

	if req.Name == "" || req.Symbol == "" {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "name and symbol are required")
		return
	}
	if !validAddress(req.DeployerAddress) {
		writeError(w, http.StatusBadRequest, "InvalidAddress", "deployer_address is not a valid base58 public key")
		return
	}

	lamports := req.CollateralSol.Mul(collateral.LamportsPerSol).Floor()
	if err := collateral.ValidateCollateral(lamports); err != nil {
		writeDomainError(w, ErrInsufficientCollateral)
		return
	}

	basePrice, slope := req.BasePrice, req.Slope
	if basePrice.IsZero() {
		basePrice = defaultBasePrice
	}
	if slope.IsZero() {
		slope = defaultSlope
	}
	if _, err := curve.New(basePrice, slope); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
		return
	}

	ctx := r.Context()
	now := s.now().UTC()

	// Mint is a real ed25519 public key so downstream consumers can treat
	// it like any on-chain address.
	mint := solana.NewWallet().PublicKey().String()

	c := &model.BondingCurve{
		TokenMint:         mint,
		Deployer:          req.DeployerAddress,
		Name:              req.Name,
		Symbol:            req.Symbol,
		CurrentSupply:     decimal.Zero,
		BasePrice:         basePrice,
		Slope:             slope,
		ReserveBalance:    decimal.Zero,
		TotalSolCollected: decimal.Zero,
		CreatedAt:         now,
	}
	if err := s.store.CreateCurve(ctx, c); err != nil {
		writeDomainError(w, err)
		return
	}

	escrow := &model.EscrowVault{
		Deployer:   req.DeployerAddress,
		TokenMint:  mint,
		Collateral: lamports,
		CreatedAt:  now,
	}
	if err := s.store.CreateEscrow(ctx, escrow); err != nil {
		writeDomainError(w, err)
		return
	}

	dep, err := s.bumpDeployerOnLaunch(ctx, req.DeployerAddress, lamports, now)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	metrics.LaunchesTotal.Inc()
	slog.Info("launch created",
		"mint", mint,
		"deployer", req.DeployerAddress,
		"symbol", req.Symbol,
		"collateral", lamports.String(),
		"tier", dep.CollateralTier,
	)

	s.emitter.Emit(ctx, notify.Event{
		Type:      notify.EventLaunchCreated,
		TokenMint: mint,
		Payload:   c,
	})

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(LaunchResponse{
		Curve:           c,
		CollateralTier:  collateral.Tier(dep.CollateralTier),
		DeployFee:       deployFee,
		ReputationScore: dep.ReputationScore,
		ReputationRank:  reputation.Rank(dep.ReputationRank),
	})
}

// bumpDeployerOnLaunch creates or updates the deployer profile for a new
// launch: launch count, locked collateral, tier, and recomputed reputation.
func (s *Service) bumpDeployerOnLaunch(ctx context.Context, address string, lamports decimal.Decimal, now time.Time) (*model.Deployer, error) {
	unlock := s.locks.lock(deployerLockKey(address))
	defer unlock()

	dep, err := s.store.GetDeployer(ctx, address)
	if errors.Is(err, store.ErrNotFound) {
		dep = &model.Deployer{Address: address, CreatedAt: now}
	} else if err != nil {
		return nil, err
	}

	dep.TotalLaunches++
	dep.CollateralLocked = dep.CollateralLocked.Add(lamports)
	s.rescore(dep, now)

	if err := s.store.UpsertDeployer(ctx, dep); err != nil {
		return nil, err
	}
	return dep, nil
}

// rescore recomputes tier, score, and rank from the deployer's counters.
// Always a full recompute, never an incremental patch.
func (s *Service) rescore(dep *model.Deployer, now time.Time) {
	tier := collateral.AssignTier(dep.CollateralLocked)
	score := reputation.ComputeScore(reputation.Inputs{
		TotalLaunches:      dep.TotalLaunches,
		SuccessfulLaunches: dep.SuccessfulLaunches,
		RugPulls:           dep.RugPulls,
		Tier:               tier,
		AccountCreatedAt:   dep.CreatedAt,
	}, now)

	dep.CollateralTier = string(tier)
	dep.ReputationScore = score
	dep.ReputationRank = string(reputation.ScoreToRank(score))
}

// ListLaunches handles GET /api/v1/launches.
func (s *Service) ListLaunches(w http.ResponseWriter, r *http.Request) {
	curves, err := s.store.ListCurves(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if curves == nil {
		curves = []model.BondingCurve{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(curves)
}

// GetLaunch handles GET /api/v1/launches/{mint}.
func (s *Service) GetLaunch(w http.ResponseWriter, r *http.Request) {
	mint := chi.URLParam(r, "mint")

	c, err := s.store.GetCurve(r.Context(), mint)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(c)
}

// GetPrice handles GET /api/v1/launches/{mint}/price.
func (s *Service) GetPrice(w http.ResponseWriter, r *http.Request) {
	mint := chi.URLParam(r, "mint")

	c, err := s.store.GetCurve(r.Context(), mint)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	cv, err := curve.New(c.BasePrice, c.Slope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "invalid curve configuration")
		return
	}
	spot := cv.SpotPrice(c.CurrentSupply)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"token_mint":   mint,
		"spot_price":   spot,
		"progress_pct": curve.Progress(c.CurrentSupply, spot, graduationThreshold),
		"graduated":    c.Graduated,
	})
}

// GetQuote handles GET /api/v1/launches/{mint}/quote?side=&amount=.
// Computes the same settlement as a trade without mutating state.
func (s *Service) GetQuote(w http.ResponseWriter, r *http.Request) {
	mint := chi.URLParam(r, "mint")

	side := model.TradeSide(r.URL.Query().Get("side"))
	if side != model.SideBuy && side != model.SideSell {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "side must be buy or sell")
		return
	}
	amount, err := decimal.NewFromString(r.URL.Query().Get("amount"))
	if err != nil || !amount.IsPositive() || !amount.Equal(amount.Floor()) {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "amount must be a positive whole token count")
		return
	}

	c, err := s.store.GetCurve(r.Context(), mint)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	cv, err := curve.New(c.BasePrice, c.Slope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "invalid curve configuration")
		return
	}

	var cost decimal.Decimal
	if side == model.SideBuy {
		cost, err = cv.BuyCost(c.CurrentSupply, amount)
	} else {
		cost, err = cv.SellReturn(c.CurrentSupply, amount)
	}
	if err != nil {
		s.writeCurveError(w, err)
		return
	}

	tradeFee, protoFee := feeOn(cost)
	fee := tradeFee.Add(protoFee)
	total := cost.Add(fee)
	if side == model.SideSell {
		total = cost.Sub(fee)
	}
	slippage, _ := cv.Slippage(c.CurrentSupply, amount, curve.Side(side))

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(QuoteResponse{
		TokenMint:   mint,
		Side:        side,
		Amount:      amount,
		Cost:        cost,
		FeePaid:     fee,
		Total:       total,
		SpotPrice:   cv.SpotPrice(c.CurrentSupply),
		SlippagePct: slippage,
	})
}

// writeCurveError maps curve math errors onto the service's error kinds.
func (s *Service) writeCurveError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, curve.ErrInsufficientSupply):
		writeDomainError(w, ErrInsufficientSupply)
	case errors.Is(err, curve.ErrNegativeAmount):
		writeError(w, http.StatusBadRequest, "InvalidRequest", "amount must be non-negative")
	default:
		writeError(w, http.StatusInternalServerError, "Internal", err.Error())
	}
}

// ExecuteTrade handles POST /api/v1/trade: buys from or sells to the curve.
// The reserve moves by exactly the curve integral; fees are charged on top
// of buys and deducted from sell payouts.
func (s *Service) ExecuteTrade(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var req TradeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid request body")
		return
	}

	if req.Side != model.SideBuy && req.Side != model.SideSell {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "side must be buy or sell")
		return
	}
	if !req.Amount.IsPositive() || !req.Amount.Equal(req.Amount.Floor()) {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "amount must be a positive whole token count")
		return
	}
	if !validAddress(req.TraderAddress) {
		writeError(w, http.StatusBadRequest, "InvalidAddress", "trader_address is not a valid base58 public key")
		return
	}

	ctx := r.Context()

	// Lock order: curve before buyer.
	unlockCurve := s.locks.lock(curveLockKey(req.TokenMint))
	defer unlockCurve()
	unlockBuyer := s.locks.lock(buyerLockKey(req.TokenMint, req.TraderAddress))
	defer unlockBuyer()

	c, err := s.store.GetCurve(ctx, req.TokenMint)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	escrow, err := s.store.GetEscrow(ctx, req.TokenMint)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if escrow.Rugged {
		writeDomainError(w, ErrTokenIsRugged)
		return
	}
	if c.Graduated {
		writeDomainError(w, ErrTokenAlreadyGraduated)
		return
	}

	cv, err := curve.New(c.BasePrice, c.Slope)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Internal", "invalid curve configuration")
		return
	}

	preSupply := c.CurrentSupply
	now := s.now().UTC()

	rec, err := s.store.GetBuyerRecord(ctx, req.TokenMint, req.TraderAddress)
	if errors.Is(err, store.ErrNotFound) {
		rec = &model.BuyerRecord{
			Buyer:     req.TraderAddress,
			TokenMint: req.TokenMint,
		}
	} else if err != nil {
		writeDomainError(w, err)
		return
	}

	var cost decimal.Decimal
	wasGraduated := c.Graduated

	if req.Side == model.SideBuy {
		cost, err = cv.BuyCost(preSupply, req.Amount)
		if err != nil {
			s.writeCurveError(w, err)
			return
		}
		c.CurrentSupply = preSupply.Add(req.Amount)
		c.ReserveBalance = c.ReserveBalance.Add(cost)
		c.TotalSolCollected = c.TotalSolCollected.Add(cost)

		if rec.TotalBought.IsZero() {
			rec.FirstBuyAt = now
		}
		rec.TotalBought = rec.TotalBought.Add(req.Amount)
		rec.TotalSolSpent = rec.TotalSolSpent.Add(cost)
		rec.AvgPrice = rec.TotalSolSpent.Div(rec.TotalBought).Floor()
	} else {
		if rec.Balance().LessThan(req.Amount) {
			writeDomainError(w, ErrInsufficientSupply)
			return
		}
		cost, err = cv.SellReturn(preSupply, req.Amount)
		if err != nil {
			s.writeCurveError(w, err)
			return
		}
		c.CurrentSupply = preSupply.Sub(req.Amount)
		c.ReserveBalance = c.ReserveBalance.Sub(cost)

		rec.TotalSold = rec.TotalSold.Add(req.Amount)
	}

	tradeFee, protoFee := feeOn(cost)
	fee := tradeFee.Add(protoFee)
	total := cost.Add(fee)
	if req.Side == model.SideSell {
		total = cost.Sub(fee)
	}

	newPrice := cv.SpotPrice(c.CurrentSupply)

	// Auto-graduation: one-way, on the post-trade market cap.
	if !c.Graduated && c.CurrentSupply.Mul(newPrice).GreaterThanOrEqual(graduationThreshold) {
		c.Graduated = true
	}

	// Curve, buyer, and trade rows are written sequentially, not in one
	// transaction; a failure mid-sequence can leave the buyer row or trade
	// record behind the curve. TODO: add a transactional Store method and
	// wrap these three writes.
	if err := s.store.UpdateCurve(ctx, c); err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			metrics.VersionConflictsTotal.Inc()
		}
		writeDomainError(w, err)
		return
	}
	if err := s.store.UpsertBuyerRecord(ctx, rec); err != nil {
		writeDomainError(w, err)
		return
	}

	trade := &model.Trade{
		ID:        uuid.New().String(),
		TokenMint: req.TokenMint,
		Trader:    req.TraderAddress,
		Side:      req.Side,
		Amount:    req.Amount,
		Price:     newPrice,
		TotalSol:  cost,
		FeePaid:   fee,
		CreatedAt: now,
	}
	if err := s.store.InsertTrade(ctx, trade); err != nil {
		writeDomainError(w, err)
		return
	}

	slippage, _ := cv.Slippage(preSupply, req.Amount, curve.Side(req.Side))
	progress := curve.Progress(c.CurrentSupply, newPrice, graduationThreshold)

	metrics.TradesTotal.WithLabelValues(string(req.Side)).Inc()
	metrics.TradeLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
	if c.Graduated && !wasGraduated {
		metrics.GraduationsTotal.Inc()
	}

	slog.Info("trade executed",
		"trade_id", trade.ID,
		"mint", req.TokenMint,
		"trader", req.TraderAddress,
		"side", req.Side,
		"amount", req.Amount.String(),
		"cost", cost.String(),
		"new_price", newPrice.String(),
		"graduated", c.Graduated,
	)

	resp := TradeResponse{
		TradeID:     trade.ID,
		TokenMint:   req.TokenMint,
		Side:        req.Side,
		Amount:      req.Amount,
		Cost:        cost,
		FeePaid:     fee,
		Total:       total,
		NewSupply:   c.CurrentSupply,
		NewPrice:    newPrice,
		SlippagePct: slippage,
		ProgressPct: progress,
		Graduated:   c.Graduated,
	}

	s.emitter.Emit(ctx, notify.Event{
		Type:      notify.EventTradeExecuted,
		TokenMint: req.TokenMint,
		Payload:   resp,
	})
	if c.Graduated && !wasGraduated {
		s.emitter.Emit(ctx, notify.Event{
			Type:      notify.EventTokenGraduated,
			TokenMint: req.TokenMint,
			Payload:   c,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// GetTrades handles GET /api/v1/launches/{mint}/trades: the immutable trade
// history used to reconstruct the price path.
func (s *Service) GetTrades(w http.ResponseWriter, r *http.Request) {
	mint := chi.URLParam(r, "mint")

	trades, err := s.store.ListTradesByToken(r.Context(), mint)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if trades == nil {
		trades = []model.Trade{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(trades)
}

// ReleaseEscrow handles POST /api/v1/escrow/{mint}/release: returns the
// collateral to the deployer after the safe period.
func (s *Service) ReleaseEscrow(w http.ResponseWriter, r *http.Request) {
	mint := chi.URLParam(r, "mint")

	var req struct {
		DeployerAddress string `json:"deployer_address"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "invalid request body")
		return
	}

	ctx := r.Context()
	now := s.now().UTC()

	unlockEscrow := s.locks.lock(escrowLockKey(mint))
	defer unlockEscrow()

	escrow, err := s.store.GetEscrow(ctx, mint)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if escrow.Deployer != req.DeployerAddress {
		writeError(w, http.StatusForbidden, "Forbidden", "deployer_address does not own this escrow")
		return
	}
	if escrow.Released {
		writeDomainError(w, ErrEscrowReleased)
		return
	}
	if escrow.Rugged {
		writeDomainError(w, ErrTokenIsRugged)
		return
	}
	if now.Sub(escrow.CreatedAt) < program.SafePeriod {
		writeDomainError(w, ErrSafePeriodActive)
		return
	}

	released := escrow.Collateral
	escrow.Released = true
	escrow.Collateral = decimal.Zero
	if err := s.store.UpdateEscrow(ctx, escrow); err != nil {
		writeDomainError(w, err)
		return
	}

	unlockDep := s.locks.lock(deployerLockKey(escrow.Deployer))
	defer unlockDep()

	dep, err := s.store.GetDeployer(ctx, escrow.Deployer)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dep.SuccessfulLaunches++
	dep.CollateralLocked = dep.CollateralLocked.Sub(released)
	s.rescore(dep, now)
	if err := s.store.UpsertDeployer(ctx, dep); err != nil {
		writeDomainError(w, err)
		return
	}

	slog.Info("escrow released",
		"mint", mint,
		"deployer", escrow.Deployer,
		"amount", released.String(),
	)

	s.emitter.Emit(ctx, notify.Event{
		Type:      notify.EventEscrowReleased,
		TokenMint: mint,
		Payload:   escrow,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"token_mint":        mint,
		"released_lamports": released,
		"reputation_score":  dep.ReputationScore,
		"reputation_rank":   dep.ReputationRank,
	})
}

// MarkRugged handles POST /api/v1/escrow/{mint}/rug: flags the token as
// rugged and processes refunds for every holder. Gated by the authority
// bearer token — rug detection itself is an upstream decision.
//
// The deployer bookkeeping is persisted before the rugged flag, so a set
// flag means the counters already reflect this rug. Re-rugging an
// already-rugged escrow is a retry: it skips the bookkeeping and re-runs
// the refund sweep, which skips holders already paid.
func (s *Service) MarkRugged(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "missing or invalid authority token")
		return
	}

	mint := chi.URLParam(r, "mint")
	ctx := r.Context()
	now := s.now().UTC()

	unlockEscrow := s.locks.lock(escrowLockKey(mint))

	escrow, err := s.store.GetEscrow(ctx, mint)
	if err != nil {
		unlockEscrow()
		writeDomainError(w, err)
		return
	}
	if escrow.Released {
		unlockEscrow()
		writeDomainError(w, ErrEscrowReleased)
		return
	}

	var dep *model.Deployer
	if escrow.Rugged {
		unlockEscrow()
		dep, err = s.store.GetDeployer(ctx, escrow.Deployer)
		if err != nil {
			writeDomainError(w, err)
			return
		}
	} else {
		unlockDep := s.locks.lock(deployerLockKey(escrow.Deployer))
		dep, err = s.store.GetDeployer(ctx, escrow.Deployer)
		if err == nil {
			dep.RugPulls++
			// The remaining collateral is earmarked for refunds, no longer
			// backing the deployer's tier.
			dep.CollateralLocked = dep.CollateralLocked.Sub(escrow.Collateral)
			if dep.CollateralLocked.IsNegative() {
				dep.CollateralLocked = decimal.Zero
			}
			s.rescore(dep, now)
			err = s.store.UpsertDeployer(ctx, dep)
		}
		unlockDep()
		if err != nil {
			unlockEscrow()
			writeDomainError(w, err)
			return
		}

		escrow.Rugged = true
		if err := s.store.UpdateEscrow(ctx, escrow); err != nil {
			unlockEscrow()
			writeDomainError(w, err)
			return
		}
		unlockEscrow()

		metrics.RugsTotal.Inc()
		slog.Warn("token marked rugged",
			"mint", mint,
			"deployer", escrow.Deployer,
			"collateral", escrow.Collateral.String(),
		)

		s.emitter.Emit(ctx, notify.Event{
			Type:      notify.EventTokenRugged,
			TokenMint: mint,
			Payload:   escrow,
		})
	}

	issued, failed := s.processRefundsForToken(ctx, mint)

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"token_mint":       mint,
		"rugged":           true,
		"refunds_issued":   issued,
		"refunds_failed":   failed,
		"reputation_score": dep.ReputationScore,
		"reputation_rank":  dep.ReputationRank,
	})
}

func (s *Service) authorized(r *http.Request) bool {
	if s.authorityToken == "" {
		return false
	}
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	return token == s.authorityToken
}

// GetDeployer handles GET /api/v1/deployers/{address}. Score and rank are
// recomputed live so the account-age bonus reflects request time.
func (s *Service) GetDeployer(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")

	dep, err := s.store.GetDeployer(r.Context(), address)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	s.rescore(dep, s.now().UTC())

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(dep)
}

// GetStats handles GET /api/v1/stats.
func (s *Service) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	curves, err := s.store.ListCurves(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	deployers, err := s.store.ListDeployers(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	trades, err := s.store.CountTrades(ctx)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	var graduated int
	totalCollected := decimal.Zero
	for _, c := range curves {
		if c.Graduated {
			graduated++
		}
		totalCollected = totalCollected.Add(c.TotalSolCollected)
	}
	var rugs int
	for _, d := range deployers {
		rugs += d.RugPulls
	}

	stats := map[string]any{
		"total_launches":      len(curves),
		"graduated":           graduated,
		"rugged":              rugs,
		"active":              len(curves) - graduated - rugs,
		"total_trades":        trades,
		"total_sol_collected": totalCollected,
	}

	if s.pricer != nil {
		if price, err := s.pricer.SolPrice(ctx); err == nil {
			stats["sol_price_usd"] = price
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}
