package custody

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fiatescrow/internal/auth"
	"github.com/mbd888/fiatescrow/internal/escrow"
	"github.com/mbd888/fiatescrow/internal/identity"
	"github.com/mbd888/fiatescrow/internal/logging"
	"github.com/mbd888/fiatescrow/internal/usdc"
)

// Crediter tops up an account from outside the escrow system.
type Crediter interface {
	Credit(account identity.ID, amount uint64) error
}

// availabler is implemented by ledgers that hold funds for committed
// transfers.
type availabler interface {
	Available(ctx context.Context, account identity.ID) (uint64, error)
}

// ParkedOutbox exposes transfers the dispatcher gave up on.
type ParkedOutbox interface {
	ParkedTransfers(ctx context.Context, limit int) ([]escrow.ParkedTransfer, error)
	RequeueParked(ctx context.Context, key escrow.Key) (int, error)
}

// Handler provides HTTP endpoints for custody balances.
type Handler struct {
	ledger   Ledger
	crediter Crediter // nil disables deposits

	parked   ParkedOutbox
	operator identity.ID
}

// NewHandler creates a custody handler. Pass a nil crediter to serve
// balances only.
func NewHandler(ledger Ledger, crediter Crediter) *Handler {
	return &Handler{ledger: ledger, crediter: crediter}
}

// WithParkedOutbox enables the parked transfer endpoints. Only operator
// may call them.
func (h *Handler) WithParkedOutbox(outbox ParkedOutbox, operator identity.ID) *Handler {
	h.parked = outbox
	h.operator = operator
	return h
}

// RegisterRoutes sets up public custody routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/custody/accounts/:account", h.GetBalance)
}

// RegisterProtectedRoutes sets up auth-required custody routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	if h.crediter != nil {
		r.POST("/custody/deposits", h.Deposit)
	}
	if h.parked != nil {
		r.GET("/custody/parked", h.ListParked)
		r.POST("/custody/parked/:key/requeue", h.Requeue)
	}
}

// DepositRequest is the body of POST /v1/custody/deposits.
type DepositRequest struct {
	Account identity.ID `json:"account"`
	Amount  string      `json:"amount"`
}

// GetBalance handles GET /v1/custody/accounts/:account
func (h *Handler) GetBalance(c *gin.Context) {
	account, err := identity.Parse(c.Param("account"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_account", "message": err.Error()})
		return
	}
	bal, err := h.ledger.Balance(c.Request.Context(), account)
	if err != nil {
		logging.L(c.Request.Context()).Error("custody balance lookup failed", "account", account.String(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	resp := gin.H{"account": account, "balance": usdc.Format(bal)}
	if a, ok := h.ledger.(availabler); ok {
		if avail, err := a.Available(c.Request.Context(), account); err == nil {
			resp["available"] = usdc.Format(avail)
		}
	}
	c.JSON(http.StatusOK, resp)
}

// Deposit handles POST /v1/custody/deposits
func (h *Handler) Deposit(c *gin.Context) {
	var req DepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": err.Error()})
		return
	}
	amount, ok := usdc.Parse(req.Amount)
	if !ok || amount == 0 || req.Account.IsZero() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_deposit", "message": "account and a positive amount are required"})
		return
	}
	if err := h.crediter.Credit(req.Account, amount); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_deposit", "message": err.Error()})
		return
	}
	logging.L(c.Request.Context()).Info("custody deposit credited", "account", req.Account.String(), "amount", amount)

	bal, _ := h.ledger.Balance(c.Request.Context(), req.Account)
	c.JSON(http.StatusOK, gin.H{"account": req.Account, "balance": usdc.Format(bal)})
}

// ListParked handles GET /v1/custody/parked
func (h *Handler) ListParked(c *gin.Context) {
	if !h.isOperator(c) {
		return
	}
	limit := 50
	if l := c.Query("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit", "message": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}
	parked, err := h.parked.ParkedTransfers(c.Request.Context(), limit)
	if err != nil {
		logging.L(c.Request.Context()).Error("parked transfer lookup failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": parked, "count": len(parked)})
}

// Requeue handles POST /v1/custody/parked/:key/requeue
func (h *Handler) Requeue(c *gin.Context) {
	if !h.isOperator(c) {
		return
	}
	key, err := escrow.ParseKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_key", "message": err.Error()})
		return
	}
	n, err := h.parked.RequeueParked(c.Request.Context(), key)
	if err != nil {
		logging.L(c.Request.Context()).Error("requeue parked transfers failed", "escrow", key.String(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal error"})
		return
	}
	logging.L(c.Request.Context()).Info("parked transfers requeued", "escrow", key.String(), "count", n)
	c.JSON(http.StatusOK, gin.H{"escrow": key, "requeued": n})
}

func (h *Handler) isOperator(c *gin.Context) bool {
	caller, ok := auth.GetCaller(c)
	if !ok || caller != h.operator {
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "operator only"})
		return false
	}
	return true
}
