package ledger

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fyrst/launch-engine/internal/store"
)

// Business rejections. Each maps to a stable machine-readable kind in the
// JSON error body so clients can branch without parsing messages.
var (
	ErrInsufficientCollateral = errors.New("ledger: collateral below minimum")
	ErrInsufficientSupply     = errors.New("ledger: insufficient supply")
	ErrTokenAlreadyGraduated  = errors.New("ledger: token already graduated")
	ErrTokenIsRugged          = errors.New("ledger: token is rugged")
	ErrTokenNotRugged         = errors.New("ledger: token is not rugged")
	ErrSafePeriodActive       = errors.New("ledger: safe period still active")
	ErrSafePeriodExpired      = errors.New("ledger: safe period expired")
	ErrEscrowReleased         = errors.New("ledger: escrow already released")
	ErrRefundAlreadyClaimed   = errors.New("ledger: refund already claimed")
	ErrOpenRefundExists       = errors.New("ledger: open refund already exists")
	ErrConcurrentModification = errors.New("ledger: concurrent modification")
)

// writeError writes a JSON error response with a machine-readable kind.
func writeError(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message, "kind": kind})
}

// writeDomainError maps ledger and store errors onto HTTP responses.
// Persistence failures become 503: the service fails closed rather than
// answering from defaults.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInsufficientCollateral):
		writeError(w, http.StatusUnprocessableEntity, "InsufficientCollateral", err.Error())
	case errors.Is(err, ErrInsufficientSupply):
		writeError(w, http.StatusConflict, "InsufficientSupply", err.Error())
	case errors.Is(err, ErrTokenAlreadyGraduated):
		writeError(w, http.StatusConflict, "TokenAlreadyGraduated", err.Error())
	case errors.Is(err, ErrTokenIsRugged):
		writeError(w, http.StatusConflict, "TokenIsRugged", err.Error())
	case errors.Is(err, ErrTokenNotRugged):
		writeError(w, http.StatusConflict, "TokenNotRugged", err.Error())
	case errors.Is(err, ErrSafePeriodActive):
		writeError(w, http.StatusConflict, "SafePeriodActive", err.Error())
	case errors.Is(err, ErrSafePeriodExpired):
		writeError(w, http.StatusConflict, "SafePeriodExpired", err.Error())
	case errors.Is(err, ErrEscrowReleased):
		writeError(w, http.StatusConflict, "EscrowReleased", err.Error())
	case errors.Is(err, ErrRefundAlreadyClaimed):
		writeError(w, http.StatusConflict, "RefundAlreadyClaimed", err.Error())
	case errors.Is(err, ErrOpenRefundExists):
		writeError(w, http.StatusConflict, "OpenRefundExists", err.Error())
	case errors.Is(err, ErrConcurrentModification), errors.Is(err, store.ErrVersionConflict):
		writeError(w, http.StatusConflict, "ConcurrentModification", ErrConcurrentModification.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", "not found")
	case errors.Is(err, store.ErrAlreadyExists):
		writeError(w, http.StatusConflict, "AlreadyExists", "already exists")
	default:
		writeError(w, http.StatusServiceUnavailable, "Unavailable", "persistence unavailable")
	}
}
