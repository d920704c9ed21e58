package ledger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/fyrst/launch-engine/internal/ledger"
	"github.com/fyrst/launch-engine/internal/model"
	"github.com/fyrst/launch-engine/internal/store"
)

const authToken = "test-authority-token"

func d(i int64) decimal.Decimal {
	return decimal.NewFromInt(i)
}

// newAddr generates a fresh base58 public key for use as a wallet or mint.
func newAddr() string {
	return solana.NewWallet().PublicKey().String()
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*ledger.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := ledger.NewService(ms, nil, nil, authToken)

	r := chi.NewRouter()
	r.Get("/api/v1/launches", svc.ListLaunches)
	r.Post("/api/v1/launches", svc.CreateLaunch)
	r.Get("/api/v1/launches/{mint}", svc.GetLaunch)
	r.Get("/api/v1/launches/{mint}/price", svc.GetPrice)
	r.Get("/api/v1/launches/{mint}/quote", svc.GetQuote)
	r.Get("/api/v1/launches/{mint}/trades", svc.GetTrades)
	r.Post("/api/v1/trade", svc.ExecuteTrade)
	r.Post("/api/v1/escrow/{mint}/release", svc.ReleaseEscrow)
	r.Post("/api/v1/escrow/{mint}/rug", svc.MarkRugged)
	r.Get("/api/v1/refunds/{wallet}", svc.ListRefunds)
	r.Get("/api/v1/refunds/{wallet}/eligibility", svc.GetEligibility)
	r.Post("/api/v1/refunds/{wallet}/claim", svc.ClaimRefund)
	r.Get("/api/v1/refunds/{wallet}/{id}", svc.GetRefundByID)
	r.Get("/api/v1/portfolio/{wallet}", svc.GetPortfolio)
	r.Get("/api/v1/deployers/{address}", svc.GetDeployer)
	r.Get("/api/v1/stats", svc.GetStats)

	return svc, ms, r
}

// seedToken creates a default-parameter curve and its escrow directly in the
// store. createdAt controls the safe-period clock.
func seedToken(t *testing.T, ms *store.MemoryStore, deployer string, collateral decimal.Decimal, createdAt time.Time) string {
	t.Helper()
	mint := newAddr()
	c := &model.BondingCurve{
		TokenMint:         mint,
		Deployer:          deployer,
		Name:              "Test Token",
		Symbol:            "TEST",
		CurrentSupply:     decimal.Zero,
		BasePrice:         d(100_000),
		Slope:             d(10),
		ReserveBalance:    decimal.Zero,
		TotalSolCollected: decimal.Zero,
		CreatedAt:         createdAt,
	}
	if err := ms.CreateCurve(context.Background(), c); err != nil {
		t.Fatalf("failed to seed curve: %v", err)
	}
	escrow := &model.EscrowVault{
		Deployer:   deployer,
		TokenMint:  mint,
		Collateral: collateral,
		CreatedAt:  createdAt,
	}
	if err := ms.CreateEscrow(context.Background(), escrow); err != nil {
		t.Fatalf("failed to seed escrow: %v", err)
	}
	return mint
}

func doPost(t *testing.T, router chi.Router, path string, payload any) *httptest.ResponseRecorder {
	t.Helper()
	body, _ := json.Marshal(payload)
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doGet(t *testing.T, router chi.Router, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func doTrade(t *testing.T, router chi.Router, req ledger.TradeRequest) *httptest.ResponseRecorder {
	t.Helper()
	return doPost(t, router, "/api/v1/trade", req)
}

// --- Launch tests ---

func TestCreateLaunch_Valid(t *testing.T) {
	_, ms, router := newTestEnv(t)
	deployer := newAddr()

	w := doPost(t, router, "/api/v1/launches", ledger.LaunchRequest{
		Name:            "Moonblast",
		Symbol:          "MOON",
		DeployerAddress: deployer,
		CollateralSol:   decimal.NewFromFloat(5),
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp ledger.LaunchResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	if resp.Curve == nil || resp.Curve.TokenMint == "" {
		t.Fatal("expected curve with non-empty token_mint")
	}
	if !resp.Curve.BasePrice.Equal(d(100_000)) {
		t.Errorf("expected default base_price=100000, got %s", resp.Curve.BasePrice)
	}
	if !resp.Curve.Slope.Equal(d(10)) {
		t.Errorf("expected default slope=10, got %s", resp.Curve.Slope)
	}
	if string(resp.CollateralTier) != "Silver" {
		t.Errorf("expected Silver tier for 5 SOL, got %s", resp.CollateralTier)
	}
	if !resp.DeployFee.Equal(d(20_000_000)) {
		t.Errorf("expected deploy fee 20000000, got %s", resp.DeployFee)
	}

	escrow, err := ms.GetEscrow(context.Background(), resp.Curve.TokenMint)
	if err != nil {
		t.Fatalf("escrow not created: %v", err)
	}
	if !escrow.Collateral.Equal(d(5_000_000_000)) {
		t.Errorf("expected 5 SOL locked, got %s", escrow.Collateral)
	}

	dep, err := ms.GetDeployer(context.Background(), deployer)
	if err != nil {
		t.Fatalf("deployer not created: %v", err)
	}
	if dep.TotalLaunches != 1 {
		t.Errorf("expected total_launches=1, got %d", dep.TotalLaunches)
	}
	if !dep.CollateralLocked.Equal(d(5_000_000_000)) {
		t.Errorf("expected collateral_locked=5 SOL, got %s", dep.CollateralLocked)
	}
}

func TestCreateLaunch_BelowMinimumCollateral(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doPost(t, router, "/api/v1/launches", ledger.LaunchRequest{
		Name:            "Dust",
		Symbol:          "DUST",
		DeployerAddress: newAddr(),
		CollateralSol:   decimal.NewFromFloat(0.005),
	})

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("expected 422 for collateral below minimum, got %d: %s", w.Code, w.Body.String())
	}
}

func TestCreateLaunch_InvalidDeployerAddress(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doPost(t, router, "/api/v1/launches", ledger.LaunchRequest{
		Name:            "Bad",
		Symbol:          "BAD",
		DeployerAddress: "not-a-base58-key!!",
		CollateralSol:   decimal.NewFromFloat(1),
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid address, got %d", w.Code)
	}
}

func TestCreateLaunch_MissingName(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doPost(t, router, "/api/v1/launches", ledger.LaunchRequest{
		Symbol:          "NONAME",
		DeployerAddress: newAddr(),
		CollateralSol:   decimal.NewFromFloat(1),
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing name, got %d", w.Code)
	}
}

// --- Trade tests ---

func TestExecuteTrade_BuyFromZeroSupply(t *testing.T) {
	_, ms, router := newTestEnv(t)
	mint := seedToken(t, ms, newAddr(), d(10_000_000_000), time.Now().UTC())
	trader := newAddr()

	w := doTrade(t, router, ledger.TradeRequest{
		TokenMint:     mint,
		TraderAddress: trader,
		Side:          model.SideBuy,
		Amount:        d(1000),
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp ledger.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	// 1000 tokens from supply 0: 100000·1000 + 10·1000·1000/2 = 105,000,000.
	if !resp.Cost.Equal(d(105_000_000)) {
		t.Errorf("expected cost=105000000, got %s", resp.Cost)
	}
	// 1% trade fee + 0.5% protocol fee on the integral.
	if !resp.FeePaid.Equal(d(1_575_000)) {
		t.Errorf("expected fee=1575000, got %s", resp.FeePaid)
	}
	if !resp.Total.Equal(d(106_575_000)) {
		t.Errorf("expected total=106575000, got %s", resp.Total)
	}
	if !resp.NewSupply.Equal(d(1000)) {
		t.Errorf("expected new_supply=1000, got %s", resp.NewSupply)
	}
	if !resp.NewPrice.Equal(d(110_000)) {
		t.Errorf("expected new_price=110000, got %s", resp.NewPrice)
	}
	if resp.Graduated {
		t.Error("small buy should not graduate the token")
	}

	// Reserve moves by exactly the integral; fees never touch it.
	c, _ := ms.GetCurve(context.Background(), mint)
	if !c.ReserveBalance.Equal(d(105_000_000)) {
		t.Errorf("expected reserve=105000000, got %s", c.ReserveBalance)
	}

	rec, err := ms.GetBuyerRecord(context.Background(), mint, trader)
	if err != nil {
		t.Fatalf("buyer record not created: %v", err)
	}
	if !rec.AvgPrice.Equal(d(105_000)) {
		t.Errorf("expected avg_price=105000, got %s", rec.AvgPrice)
	}
	if rec.FirstBuyAt.IsZero() {
		t.Error("expected first_buy_at to be set")
	}
}

func TestExecuteTrade_AvgPriceVolumeWeighted(t *testing.T) {
	_, ms, router := newTestEnv(t)
	mint := seedToken(t, ms, newAddr(), d(10_000_000_000), time.Now().UTC())
	trader := newAddr()

	doTrade(t, router, ledger.TradeRequest{
		TokenMint: mint, TraderAddress: trader, Side: model.SideBuy, Amount: d(1000),
	})
	doTrade(t, router, ledger.TradeRequest{
		TokenMint: mint, TraderAddress: trader, Side: model.SideBuy, Amount: d(1000),
	})

	// Second 1000 from supply 1000: 100000·1000 + 10·1000·3000/2 = 115,000,000.
	// Average over 2000 tokens: (105M+115M)/2000 = 110,000.
	rec, _ := ms.GetBuyerRecord(context.Background(), mint, trader)
	if !rec.TotalSolSpent.Equal(d(220_000_000)) {
		t.Errorf("expected total_sol_spent=220000000, got %s", rec.TotalSolSpent)
	}
	if !rec.AvgPrice.Equal(d(110_000)) {
		t.Errorf("expected avg_price=110000, got %s", rec.AvgPrice)
	}
}

func TestExecuteTrade_SellRoundTrip(t *testing.T) {
	_, ms, router := newTestEnv(t)
	mint := seedToken(t, ms, newAddr(), d(10_000_000_000), time.Now().UTC())
	trader := newAddr()

	doTrade(t, router, ledger.TradeRequest{
		TokenMint: mint, TraderAddress: trader, Side: model.SideBuy, Amount: d(1000),
	})
	w := doTrade(t, router, ledger.TradeRequest{
		TokenMint: mint, TraderAddress: trader, Side: model.SideSell, Amount: d(1000),
	})

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp ledger.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)

	// Selling the full position returns the exact buy integral.
	if !resp.Cost.Equal(d(105_000_000)) {
		t.Errorf("expected sell return=105000000, got %s", resp.Cost)
	}
	// Fees come out of the payout on sells.
	if !resp.Total.Equal(d(103_425_000)) {
		t.Errorf("expected payout=103425000, got %s", resp.Total)
	}

	c, _ := ms.GetCurve(context.Background(), mint)
	if !c.ReserveBalance.IsZero() {
		t.Errorf("reserve should drain to 0 on full round trip, got %s", c.ReserveBalance)
	}
	if !c.CurrentSupply.IsZero() {
		t.Errorf("supply should be 0, got %s", c.CurrentSupply)
	}
	// TotalSolCollected is monotonic; sells never reduce it.
	if !c.TotalSolCollected.Equal(d(105_000_000)) {
		t.Errorf("expected total_sol_collected=105000000, got %s", c.TotalSolCollected)
	}
}

func TestExecuteTrade_SellExceedsBalance(t *testing.T) {
	_, ms, router := newTestEnv(t)
	mint := seedToken(t, ms, newAddr(), d(10_000_000_000), time.Now().UTC())
	trader := newAddr()

	doTrade(t, router, ledger.TradeRequest{
		TokenMint: mint, TraderAddress: trader, Side: model.SideBuy, Amount: d(10),
	})
	w := doTrade(t, router, ledger.TradeRequest{
		TokenMint: mint, TraderAddress: trader, Side: model.SideSell, Amount: d(11),
	})

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 for sell beyond balance, got %d: %s", w.Code, w.Body.String())
	}
}

func TestExecuteTrade_InvalidInput(t *testing.T) {
	_, ms, router := newTestEnv(t)
	mint := seedToken(t, ms, newAddr(), d(10_000_000_000), time.Now().UTC())

	cases := []struct {
		name string
		req  ledger.TradeRequest
	}{
		{"invalid side", ledger.TradeRequest{TokenMint: mint, TraderAddress: newAddr(), Side: "hold", Amount: d(10)}},
		{"zero amount", ledger.TradeRequest{TokenMint: mint, TraderAddress: newAddr(), Side: model.SideBuy, Amount: decimal.Zero}},
		{"fractional amount", ledger.TradeRequest{TokenMint: mint, TraderAddress: newAddr(), Side: model.SideBuy, Amount: decimal.NewFromFloat(1.5)}},
		{"bad trader address", ledger.TradeRequest{TokenMint: mint, TraderAddress: "nope", Side: model.SideBuy, Amount: d(10)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := doTrade(t, router, tc.req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d: %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestExecuteTrade_TokenNotFound(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doTrade(t, router, ledger.TradeRequest{
		TokenMint:     newAddr(),
		TraderAddress: newAddr(),
		Side:          model.SideBuy,
		Amount:        d(10),
	})

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestExecuteTrade_GraduationIsOneWay(t *testing.T) {
	_, ms, router := newTestEnv(t)
	mint := seedToken(t, ms, newAddr(), d(10_000_000_000), time.Now().UTC())
	trader := newAddr()

	// 92,000 tokens puts the market cap at 92,000·1,020,000 ≈ 93.8 SOL,
	// past the 85 SOL graduation threshold.
	w := doTrade(t, router, ledger.TradeRequest{
		TokenMint: mint, TraderAddress: trader, Side: model.SideBuy, Amount: d(92_000),
	})
	if w.Code != http.StatusOK {
		t.Fatalf("graduating buy failed: %d %s", w.Code, w.Body.String())
	}

	var resp ledger.TradeResponse
	json.Unmarshal(w.Body.Bytes(), &resp)
	if !resp.Graduated {
		t.Fatal("expected token to graduate")
	}

	// Both sides are rejected after graduation, including sells.
	w = doTrade(t, router, ledger.TradeRequest{
		TokenMint: mint, TraderAddress: trader, Side: model.SideBuy, Amount: d(1),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 buying a graduated token, got %d", w.Code)
	}
	w = doTrade(t, router, ledger.TradeRequest{
		TokenMint: mint, TraderAddress: trader, Side: model.SideSell, Amount: d(1),
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 selling a graduated token, got %d", w.Code)
	}

	c, _ := ms.GetCurve(context.Background(), mint)
	if !c.Graduated {
		t.Error("graduated flag should persist")
	}
}

func TestExecuteTrade_RuggedTokenRejected(t *testing.T) {
	_, ms, router := newTestEnv(t)
	mint := seedToken(t, ms, newAddr(), d(10_000_000_000), time.Now().UTC())

	escrow, _ := ms.GetEscrow(context.Background(), mint)
	escrow.Rugged = true
	if err := ms.UpdateEscrow(context.Background(), escrow); err != nil {
		t.Fatalf("failed to rug escrow: %v", err)
	}

	w := doTrade(t, router, ledger.TradeRequest{
		TokenMint:     mint,
		TraderAddress: newAddr(),
		Side:          model.SideBuy,
		Amount:        d(10),
	})

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 trading a rugged token, got %d: %s", w.Code, w.Body.String())
	}
}

// --- Quote and price tests ---

func TestGetQuote_MatchesTradeWithoutMutating(t *testing.T) {
	_, ms, router := newTestEnv(t)
	mint := seedToken(t, ms, newAddr(), d(10_000_000_000), time.Now().UTC())

	w := doGet(t, router, "/api/v1/launches/"+mint+"/quote?side=buy&amount=1000")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var quote ledger.QuoteResponse
	json.Unmarshal(w.Body.Bytes(), &quote)

	if !quote.Cost.Equal(d(105_000_000)) {
		t.Errorf("expected cost=105000000, got %s", quote.Cost)
	}
	if !quote.Total.Equal(d(106_575_000)) {
		t.Errorf("expected total=106575000, got %s", quote.Total)
	}
	if !quote.SpotPrice.Equal(d(100_000)) {
		t.Errorf("expected spot_price=100000, got %s", quote.SpotPrice)
	}

	c, _ := ms.GetCurve(context.Background(), mint)
	if !c.CurrentSupply.IsZero() {
		t.Errorf("quote must not mutate supply, got %s", c.CurrentSupply)
	}
}

func TestGetQuote_InvalidParams(t *testing.T) {
	_, ms, router := newTestEnv(t)
	mint := seedToken(t, ms, newAddr(), d(10_000_000_000), time.Now().UTC())

	if w := doGet(t, router, "/api/v1/launches/"+mint+"/quote?side=maybe&amount=10"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad side, got %d", w.Code)
	}
	if w := doGet(t, router, "/api/v1/launches/"+mint+"/quote?side=buy&amount=0"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for zero amount, got %d", w.Code)
	}
	if w := doGet(t, router, "/api/v1/launches/"+mint+"/quote?side=buy&amount=1.5"); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for fractional amount, got %d", w.Code)
	}
}

func TestGetPrice(t *testing.T) {
	_, ms, router := newTestEnv(t)
	mint := seedToken(t, ms, newAddr(), d(10_000_000_000), time.Now().UTC())

	c, _ := ms.GetCurve(context.Background(), mint)
	c.CurrentSupply = d(500)
	if err := ms.UpdateCurve(context.Background(), c); err != nil {
		t.Fatalf("failed to set supply: %v", err)
	}

	w := doGet(t, router, "/api/v1/launches/"+mint+"/price")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		SpotPrice decimal.Decimal `json:"spot_price"`
		Graduated bool            `json:"graduated"`
	}
	json.Unmarshal(w.Body.Bytes(), &resp)

	// 100000 + 10·500.
	if !resp.SpotPrice.Equal(d(105_000)) {
		t.Errorf("expected spot_price=105000, got %s", resp.SpotPrice)
	}
	if resp.Graduated {
		t.Error("expected graduated=false")
	}
}

func TestGetTrades_RecordsHistory(t *testing.T) {
	_, ms, router := newTestEnv(t)
	mint := seedToken(t, ms, newAddr(), d(10_000_000_000), time.Now().UTC())
	trader := newAddr()

	doTrade(t, router, ledger.TradeRequest{
		TokenMint: mint, TraderAddress: trader, Side: model.SideBuy, Amount: d(100),
	})
	doTrade(t, router, ledger.TradeRequest{
		TokenMint: mint, TraderAddress: trader, Side: model.SideSell, Amount: d(40),
	})

	w := doGet(t, router, "/api/v1/launches/"+mint+"/trades")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var trades []model.Trade
	json.Unmarshal(w.Body.Bytes(), &trades)
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
}

// --- Escrow lifecycle tests ---

func TestReleaseEscrow_SafePeriodActive(t *testing.T) {
	_, ms, router := newTestEnv(t)
	deployer := newAddr()
	mint := seedToken(t, ms, deployer, d(10_000_000_000), time.Now().UTC())

	w := doPost(t, router, "/api/v1/escrow/"+mint+"/release", map[string]string{
		"deployer_address": deployer,
	})

	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 during safe period, got %d: %s", w.Code, w.Body.String())
	}
}

func TestReleaseEscrow_WrongDeployer(t *testing.T) {
	_, ms, router := newTestEnv(t)
	mint := seedToken(t, ms, newAddr(), d(10_000_000_000), time.Now().UTC().Add(-25*time.Hour))

	w := doPost(t, router, "/api/v1/escrow/"+mint+"/release", map[string]string{
		"deployer_address": newAddr(),
	})

	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for wrong deployer, got %d", w.Code)
	}
}

func TestReleaseEscrow_AfterSafePeriod(t *testing.T) {
	_, ms, router := newTestEnv(t)
	deployer := newAddr()

	// Launch through the API so the deployer profile exists.
	w := doPost(t, router, "/api/v1/launches", ledger.LaunchRequest{
		Name: "Solid", Symbol: "SLD", DeployerAddress: deployer,
		CollateralSol: decimal.NewFromFloat(10),
	})
	var launch ledger.LaunchResponse
	json.Unmarshal(w.Body.Bytes(), &launch)
	mint := launch.Curve.TokenMint

	// Backdate the escrow past the 24h safe period.
	escrow, _ := ms.GetEscrow(context.Background(), mint)
	escrow.CreatedAt = time.Now().UTC().Add(-25 * time.Hour)
	if err := ms.UpdateEscrow(context.Background(), escrow); err != nil {
		t.Fatalf("failed to backdate escrow: %v", err)
	}

	w = doPost(t, router, "/api/v1/escrow/"+mint+"/release", map[string]string{
		"deployer_address": deployer,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	escrow, _ = ms.GetEscrow(context.Background(), mint)
	if !escrow.Released {
		t.Error("escrow should be released")
	}
	if !escrow.Collateral.IsZero() {
		t.Errorf("collateral should be zero after release, got %s", escrow.Collateral)
	}

	dep, _ := ms.GetDeployer(context.Background(), deployer)
	if dep.SuccessfulLaunches != 1 {
		t.Errorf("expected successful_launches=1, got %d", dep.SuccessfulLaunches)
	}
	if !dep.CollateralLocked.IsZero() {
		t.Errorf("collateral_locked should drop to 0, got %s", dep.CollateralLocked)
	}

	// Release is terminal.
	w = doPost(t, router, "/api/v1/escrow/"+mint+"/release", map[string]string{
		"deployer_address": deployer,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on double release, got %d", w.Code)
	}
}

func TestReleaseEscrow_RuggedBlocksForever(t *testing.T) {
	_, ms, router := newTestEnv(t)
	deployer := newAddr()
	mint := seedToken(t, ms, deployer, d(10_000_000_000), time.Now().UTC().Add(-25*time.Hour))

	escrow, _ := ms.GetEscrow(context.Background(), mint)
	escrow.Rugged = true
	if err := ms.UpdateEscrow(context.Background(), escrow); err != nil {
		t.Fatalf("failed to rug escrow: %v", err)
	}

	w := doPost(t, router, "/api/v1/escrow/"+mint+"/release", map[string]string{
		"deployer_address": deployer,
	})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 releasing a rugged escrow, got %d: %s", w.Code, w.Body.String())
	}
}

func TestMarkRugged_RequiresAuthority(t *testing.T) {
	_, ms, router := newTestEnv(t)
	mint := seedToken(t, ms, newAddr(), d(10_000_000_000), time.Now().UTC())

	req := httptest.NewRequest("POST", "/api/v1/escrow/"+mint+"/rug", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", w.Code)
	}

	req = httptest.NewRequest("POST", "/api/v1/escrow/"+mint+"/rug", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 with wrong token, got %d", w.Code)
	}
}

func TestMarkRugged_SweepsRefunds(t *testing.T) {
	_, ms, router := newTestEnv(t)
	deployer := newAddr()
	trader := newAddr()

	w := doPost(t, router, "/api/v1/launches", ledger.LaunchRequest{
		Name: "Rugger", Symbol: "RUG", DeployerAddress: deployer,
		CollateralSol: decimal.NewFromFloat(10),
	})
	var launch ledger.LaunchResponse
	json.Unmarshal(w.Body.Bytes(), &launch)
	mint := launch.Curve.TokenMint

	// Holder buys 1000 tokens (integral 105,000,000 lamports).
	if w := doTrade(t, router, ledger.TradeRequest{
		TokenMint: mint, TraderAddress: trader, Side: model.SideBuy, Amount: d(1000),
	}); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d %s", w.Code, w.Body.String())
	}

	req := httptest.NewRequest("POST", "/api/v1/escrow/"+mint+"/rug", nil)
	req.Header.Set("Authorization", "Bearer "+authToken)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Rugged        bool  `json:"rugged"`
		RefundsIssued int64 `json:"refunds_issued"`
		RefundsFailed int64 `json:"refunds_failed"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)

	if !resp.Rugged {
		t.Error("expected rugged=true")
	}
	if resp.RefundsIssued != 1 {
		t.Errorf("expected 1 refund issued, got %d", resp.RefundsIssued)
	}
	if resp.RefundsFailed != 0 {
		t.Errorf("expected 0 refunds failed, got %d", resp.RefundsFailed)
	}

	// Holder paid out at their volume-weighted average price.
	escrow, _ := ms.GetEscrow(context.Background(), mint)
	if !escrow.Collateral.Equal(d(10_000_000_000 - 105_000_000)) {
		t.Errorf("expected escrow debited to 9895000000, got %s", escrow.Collateral)
	}

	buyer, _ := ms.GetBuyerRecord(context.Background(), mint, trader)
	if !buyer.RefundClaimed {
		t.Error("buyer should be flagged refund_claimed")
	}

	refunds, _ := ms.ListRefundsByClaimant(context.Background(), trader)
	if len(refunds) != 1 {
		t.Fatalf("expected 1 refund row, got %d", len(refunds))
	}
	if refunds[0].Status != model.RefundCompleted {
		t.Errorf("expected completed refund, got %s", refunds[0].Status)
	}
	if !refunds[0].AmountSol.Equal(d(105_000_000)) {
		t.Errorf("expected refund amount=105000000, got %s", refunds[0].AmountSol)
	}

	// Rug is terminal and counted against the deployer.
	dep, _ := ms.GetDeployer(context.Background(), deployer)
	if dep.RugPulls != 1 {
		t.Errorf("expected rug_pulls=1, got %d", dep.RugPulls)
	}

	// A repeated rug is a sweep retry: nothing left to refund, and the
	// deployer is not penalized twice.
	req = httptest.NewRequest("POST", "/api/v1/escrow/"+mint+"/rug", nil)
	req.Header.Set("Authorization", "Bearer "+authToken)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 on repeated rug, got %d: %s", rec.Code, rec.Body.String())
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.RefundsIssued != 0 {
		t.Errorf("expected 0 refunds on repeated rug, got %d", resp.RefundsIssued)
	}
	dep, _ = ms.GetDeployer(context.Background(), deployer)
	if dep.RugPulls != 1 {
		t.Errorf("expected rug_pulls to stay 1, got %d", dep.RugPulls)
	}
}

// failingDeployerStore refuses a configured number of deployer writes before
// delegating to the wrapped store.
type failingDeployerStore struct {
	store.Store
	failures int
}

func (f *failingDeployerStore) UpsertDeployer(ctx context.Context, dep *model.Deployer) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("deployer write refused")
	}
	return f.Store.UpsertDeployer(ctx, dep)
}

func TestMarkRugged_RetryAfterDeployerWriteFailure(t *testing.T) {
	ms := store.NewMemoryStore()
	fs := &failingDeployerStore{Store: ms}
	svc := ledger.NewService(fs, nil, nil, authToken)

	router := chi.NewRouter()
	router.Post("/api/v1/launches", svc.CreateLaunch)
	router.Post("/api/v1/trade", svc.ExecuteTrade)
	router.Post("/api/v1/escrow/{mint}/rug", svc.MarkRugged)

	deployer := newAddr()
	trader := newAddr()

	w := doPost(t, router, "/api/v1/launches", ledger.LaunchRequest{
		Name: "Flaky", Symbol: "FLK", DeployerAddress: deployer,
		CollateralSol: decimal.NewFromFloat(10),
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("launch failed: %d %s", w.Code, w.Body.String())
	}
	var launch ledger.LaunchResponse
	json.Unmarshal(w.Body.Bytes(), &launch)
	mint := launch.Curve.TokenMint

	if w := doTrade(t, router, ledger.TradeRequest{
		TokenMint: mint, TraderAddress: trader, Side: model.SideBuy, Amount: d(1000),
	}); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d %s", w.Code, w.Body.String())
	}

	rug := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/v1/escrow/"+mint+"/rug", nil)
		req.Header.Set("Authorization", "Bearer "+authToken)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	fs.failures = 1
	rec := rug()
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when deployer write fails, got %d: %s", rec.Code, rec.Body.String())
	}

	// Nothing was committed: the token is not rugged and the deployer is
	// untouched, so the operation can be retried cleanly.
	escrow, _ := ms.GetEscrow(context.Background(), mint)
	if escrow.Rugged {
		t.Fatal("escrow must not be rugged after a failed attempt")
	}
	dep, _ := ms.GetDeployer(context.Background(), deployer)
	if dep.RugPulls != 0 {
		t.Fatalf("expected rug_pulls=0 after failed attempt, got %d", dep.RugPulls)
	}

	rec = rug()
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on retry, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Rugged        bool  `json:"rugged"`
		RefundsIssued int64 `json:"refunds_issued"`
	}
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Rugged {
		t.Error("expected rugged=true on retry")
	}
	if resp.RefundsIssued != 1 {
		t.Errorf("expected 1 refund issued on retry, got %d", resp.RefundsIssued)
	}

	escrow, _ = ms.GetEscrow(context.Background(), mint)
	if !escrow.Rugged {
		t.Error("escrow should be rugged after retry")
	}
	dep, _ = ms.GetDeployer(context.Background(), deployer)
	if dep.RugPulls != 1 {
		t.Errorf("expected rug_pulls=1 after retry, got %d", dep.RugPulls)
	}
}

// --- Deployer and stats tests ---

func TestGetDeployer_NotFound(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doGet(t, router, "/api/v1/deployers/"+newAddr())
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestGetStats(t *testing.T) {
	_, _, router := newTestEnv(t)
	deployer := newAddr()

	w := doPost(t, router, "/api/v1/launches", ledger.LaunchRequest{
		Name: "Stat", Symbol: "STAT", DeployerAddress: deployer,
		CollateralSol: decimal.NewFromFloat(1),
	})
	var launch ledger.LaunchResponse
	json.Unmarshal(w.Body.Bytes(), &launch)

	doTrade(t, router, ledger.TradeRequest{
		TokenMint:     launch.Curve.TokenMint,
		TraderAddress: newAddr(),
		Side:          model.SideBuy,
		Amount:        d(10),
	})

	w = doGet(t, router, "/api/v1/stats")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var stats struct {
		TotalLaunches int   `json:"total_launches"`
		TotalTrades   int64 `json:"total_trades"`
	}
	json.Unmarshal(w.Body.Bytes(), &stats)

	if stats.TotalLaunches != 1 {
		t.Errorf("expected total_launches=1, got %d", stats.TotalLaunches)
	}
	if stats.TotalTrades != 1 {
		t.Errorf("expected total_trades=1, got %d", stats.TotalTrades)
	}
}

// --- Portfolio tests ---

func TestGetPortfolio_WithPositions(t *testing.T) {
	_, ms, router := newTestEnv(t)
	deployer := newAddr()
	trader := newAddr()

	held := seedToken(t, ms, deployer, d(10_000_000_000), time.Now().UTC())
	exited := seedToken(t, ms, deployer, d(10_000_000_000), time.Now().UTC())

	// Open position: 1000 tokens at a volume-weighted 105,000 average;
	// the buy moves spot to 110,000.
	if w := doTrade(t, router, ledger.TradeRequest{
		TokenMint: held, TraderAddress: trader, Side: model.SideBuy, Amount: d(1000),
	}); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d %s", w.Code, w.Body.String())
	}

	// Fully exited position: must not appear in the portfolio.
	doTrade(t, router, ledger.TradeRequest{
		TokenMint: exited, TraderAddress: trader, Side: model.SideBuy, Amount: d(500),
	})
	doTrade(t, router, ledger.TradeRequest{
		TokenMint: exited, TraderAddress: trader, Side: model.SideSell, Amount: d(500),
	})

	w := doGet(t, router, "/api/v1/portfolio/"+trader)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var pf ledger.Portfolio
	json.Unmarshal(w.Body.Bytes(), &pf)

	if pf.Wallet != trader {
		t.Errorf("wallet = %s, want %s", pf.Wallet, trader)
	}
	if len(pf.Positions) != 1 {
		t.Fatalf("expected 1 position, got %d", len(pf.Positions))
	}
	pos := pf.Positions[0]
	if pos.TokenMint != held {
		t.Errorf("position mint = %s, want %s", pos.TokenMint, held)
	}
	if !pos.Balance.Equal(d(1000)) {
		t.Errorf("balance = %s, want 1000", pos.Balance)
	}
	if !pos.AvgPrice.Equal(d(105_000)) {
		t.Errorf("avg_price = %s, want 105000", pos.AvgPrice)
	}
	if !pos.CostBasis.Equal(d(105_000_000)) {
		t.Errorf("cost_basis = %s, want 105000000", pos.CostBasis)
	}
	if !pos.Value.Equal(d(110_000_000)) {
		t.Errorf("value = %s, want 110000000", pos.Value)
	}
	if !pos.PnlPct.Equal(decimal.RequireFromString("4.76")) {
		t.Errorf("pnl_pct = %s, want 4.76", pos.PnlPct)
	}
	if !pf.TotalValue.Equal(d(110_000_000)) {
		t.Errorf("total_value = %s, want 110000000", pf.TotalValue)
	}
	if len(pf.Refunds) != 0 {
		t.Errorf("expected no refunds, got %d", len(pf.Refunds))
	}
}

func TestGetPortfolio_EmptyWallet(t *testing.T) {
	_, _, router := newTestEnv(t)

	w := doGet(t, router, "/api/v1/portfolio/"+newAddr())
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var pf ledger.Portfolio
	json.Unmarshal(w.Body.Bytes(), &pf)
	if len(pf.Positions) != 0 {
		t.Errorf("expected no positions, got %d", len(pf.Positions))
	}
	if !pf.TotalValue.IsZero() {
		t.Errorf("total_value = %s, want 0", pf.TotalValue)
	}
}

func TestGetPortfolio_IncludesRefunds(t *testing.T) {
	_, ms, router := newTestEnv(t)
	trader := newAddr()

	mint := seedToken(t, ms, newAddr(), d(10_000_000_000), time.Now().UTC())
	if w := doTrade(t, router, ledger.TradeRequest{
		TokenMint: mint, TraderAddress: trader, Side: model.SideBuy, Amount: d(1000),
	}); w.Code != http.StatusOK {
		t.Fatalf("buy failed: %d %s", w.Code, w.Body.String())
	}

	rugEscrow(t, ms, mint)
	if w := doPost(t, router, "/api/v1/refunds/"+trader+"/claim", map[string]string{
		"token_mint": mint,
	}); w.Code != http.StatusCreated {
		t.Fatalf("claim failed: %d %s", w.Code, w.Body.String())
	}

	w := doGet(t, router, "/api/v1/portfolio/"+trader)
	var pf ledger.Portfolio
	json.Unmarshal(w.Body.Bytes(), &pf)

	if len(pf.Refunds) != 1 {
		t.Fatalf("expected 1 refund, got %d", len(pf.Refunds))
	}
	if pf.Refunds[0].Status != model.RefundCompleted {
		t.Errorf("refund status = %s, want completed", pf.Refunds[0].Status)
	}
	if len(pf.Positions) != 1 || !pf.Positions[0].RefundClaimed {
		t.Error("position should be flagged refund_claimed")
	}
}
