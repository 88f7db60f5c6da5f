package escrow

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/fiatescrow/internal/auth"
	"github.com/mbd888/fiatescrow/internal/identity"
	"github.com/mbd888/fiatescrow/internal/usdc"
)

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) escrow routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrows/:key", h.GetEscrow)
	r.GET("/escrow-ids/:escrowId/:tradeId", h.GetEscrowByIDs)
	r.GET("/parties/:party/escrows", h.ListEscrows)
}

// RegisterProtectedRoutes sets up protected (auth-required) escrow routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrows", h.CreateEscrow)
	r.POST("/escrows/:key/fund", h.FundEscrow)
	r.POST("/escrows/:key/confirm-fiat", h.ConfirmFiat)
	r.POST("/escrows/:key/release", h.ReleaseEscrow)
	r.POST("/escrows/:key/cancel", h.CancelEscrow)
	r.POST("/escrows/:key/dispute", h.OpenDispute)
	r.POST("/escrows/:key/evidence", h.SubmitEvidence)
	r.POST("/escrows/:key/resolve", h.ResolveDispute)
	r.POST("/escrows/:key/settle-lapsed", h.SettleLapsed)
}

// CreateRequest is the body of POST /v1/escrows.
type CreateRequest struct {
	EscrowID          uint64       `json:"escrowId,string"`
	TradeID           uint64       `json:"tradeId,string"`
	Buyer             identity.ID  `json:"buyer"`
	Amount            string       `json:"amount"`
	Sequential        bool         `json:"sequential"`
	SequentialAddress *identity.ID `json:"sequentialAddress"`
}

// CounterRequest carries the caller's expected record counter.
type CounterRequest struct {
	ExpectedCounter *uint64 `json:"expectedCounter" binding:"required"`
}

// DisputeRequest is the body of POST /v1/escrows/:key/dispute.
type DisputeRequest struct {
	CounterRequest
	Bond string `json:"bond"`
}

// EvidenceRequest is the body of POST /v1/escrows/:key/evidence.
type EvidenceRequest struct {
	CounterRequest
	Hash identity.Digest `json:"hash"`
	Bond string          `json:"bond"`
}

// ResolveRequest is the body of POST /v1/escrows/:key/resolve.
type ResolveRequest struct {
	CounterRequest
	Decision       string          `json:"decision"`
	BuyerShare     string          `json:"buyerShare"`
	ResolutionHash identity.Digest `json:"resolutionHash"`
}

// CreateEscrow handles POST /v1/escrows
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}
	amount, ok := usdc.Parse(req.Amount)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": "Amount must be a non-negative decimal",
		})
		return
	}

	caller, _ := auth.GetCaller(c)
	params := CreateParams{
		EscrowID:   req.EscrowID,
		TradeID:    req.TradeID,
		Buyer:      req.Buyer,
		Amount:     amount,
		Sequential: req.Sequential,
	}
	if req.SequentialAddress != nil {
		params.SequentialAddress = Some(*req.SequentialAddress)
	}

	rec, err := h.service.Create(c.Request.Context(), caller, params)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"escrow": NewView(rec)})
}

// GetEscrow handles GET /v1/escrows/:key
func (h *Handler) GetEscrow(c *gin.Context) {
	key, ok := keyParam(c)
	if !ok {
		return
	}
	rec, err := h.service.Get(c.Request.Context(), key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": NewView(rec)})
}

// GetEscrowByIDs handles GET /v1/escrow-ids/:escrowId/:tradeId
func (h *Handler) GetEscrowByIDs(c *gin.Context) {
	escrowID, err1 := strconv.ParseUint(c.Param("escrowId"), 10, 64)
	tradeID, err2 := strconv.ParseUint(c.Param("tradeId"), 10, 64)
	if err1 != nil || err2 != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "escrowId and tradeId must be unsigned integers",
		})
		return
	}
	rec, err := h.service.GetByIDs(c.Request.Context(), escrowID, tradeID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": NewView(rec)})
}

// ListEscrows handles GET /v1/parties/:party/escrows
func (h *Handler) ListEscrows(c *gin.Context) {
	party, err := identity.Parse(c.Param("party"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_party",
			"message": "Party must be a base58 identity",
		})
		return
	}
	limit := DefaultListLimit
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = parsed
			if limit > 200 {
				limit = 200
			}
		}
	}

	records, err := h.service.ListByParty(c.Request.Context(), party, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"escrows": NewViews(records),
		"count":   len(records),
	})
}

// FundEscrow handles POST /v1/escrows/:key/fund
func (h *Handler) FundEscrow(c *gin.Context) {
	h.simple(c, h.service.Fund)
}

// ConfirmFiat handles POST /v1/escrows/:key/confirm-fiat
func (h *Handler) ConfirmFiat(c *gin.Context) {
	h.simple(c, h.service.ConfirmFiat)
}

// ReleaseEscrow handles POST /v1/escrows/:key/release
func (h *Handler) ReleaseEscrow(c *gin.Context) {
	h.simple(c, h.service.Release)
}

// CancelEscrow handles POST /v1/escrows/:key/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	h.simple(c, h.service.Cancel)
}

// SettleLapsed handles POST /v1/escrows/:key/settle-lapsed
func (h *Handler) SettleLapsed(c *gin.Context) {
	h.simple(c, h.service.SettleLapsed)
}

// OpenDispute handles POST /v1/escrows/:key/dispute
func (h *Handler) OpenDispute(c *gin.Context) {
	key, ok := keyParam(c)
	if !ok {
		return
	}
	var req DisputeRequest
	if !bindCounter(c, &req, &req.CounterRequest) {
		return
	}
	bond, ok := parseAmount(c, "bond", req.Bond)
	if !ok {
		return
	}

	rec, err := h.service.OpenDispute(c.Request.Context(), key, h.call(c, req.CounterRequest), bond)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": NewView(rec)})
}

// SubmitEvidence handles POST /v1/escrows/:key/evidence
func (h *Handler) SubmitEvidence(c *gin.Context) {
	key, ok := keyParam(c)
	if !ok {
		return
	}
	var req EvidenceRequest
	if !bindCounter(c, &req, &req.CounterRequest) {
		return
	}
	bond, ok := parseAmount(c, "bond", req.Bond)
	if !ok {
		return
	}

	rec, err := h.service.SubmitEvidence(c.Request.Context(), key, h.call(c, req.CounterRequest), req.Hash, bond)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": NewView(rec)})
}

// ResolveDispute handles POST /v1/escrows/:key/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	key, ok := keyParam(c)
	if !ok {
		return
	}
	var req ResolveRequest
	if !bindCounter(c, &req, &req.CounterRequest) {
		return
	}
	decision, err := ParseDecision(req.Decision)
	if err != nil {
		writeError(c, err)
		return
	}
	share, ok := parseAmount(c, "buyerShare", req.BuyerShare)
	if !ok {
		return
	}

	res := Resolution{Decision: decision, BuyerShare: share, Hash: req.ResolutionHash}
	rec, err := h.service.Resolve(c.Request.Context(), key, h.call(c, req.CounterRequest), res)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": NewView(rec)})
}

// simple handles operations whose only argument is the expected counter.
func (h *Handler) simple(c *gin.Context, op func(context.Context, Key, Call) (Record, error)) {
	key, ok := keyParam(c)
	if !ok {
		return
	}
	var req CounterRequest
	if !bindCounter(c, &req, &req) {
		return
	}
	rec, err := op(c.Request.Context(), key, h.call(c, req))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"escrow": NewView(rec)})
}

func (h *Handler) call(c *gin.Context, req CounterRequest) Call {
	caller, _ := auth.GetCaller(c)
	return Call{Caller: caller, Expected: *req.ExpectedCounter}
}

func keyParam(c *gin.Context) (Key, bool) {
	key, err := ParseKey(c.Param("key"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_key",
			"message": "Escrow key must be 0x-prefixed 32-byte hex",
		})
		return Key{}, false
	}
	return key, true
}

func bindCounter(c *gin.Context, body interface{}, counter *CounterRequest) bool {
	if err := c.ShouldBindJSON(body); err != nil || counter.ExpectedCounter == nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must include expectedCounter",
		})
		return false
	}
	return true
}

func parseAmount(c *gin.Context, field, value string) (uint64, bool) {
	v, ok := usdc.Parse(value)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": field + " must be a non-negative decimal with at most 6 places",
		})
	}
	return v, ok
}

// writeError maps escrow error kinds onto HTTP statuses.
func writeError(c *gin.Context, err error) {
	code := CodeOf(err)
	status := http.StatusInternalServerError
	switch KindOf(err) {
	case KindValidation:
		status = http.StatusBadRequest
	case KindAuthorization:
		status = http.StatusForbidden
	case KindState:
		status = http.StatusConflict
		if code == ErrNotFound.Code {
			status = http.StatusNotFound
		}
	case KindDeadline, KindDispute:
		status = http.StatusUnprocessableEntity
	case KindInfrastructure:
		switch code {
		case ErrInsufficientFunds.Code:
			status = http.StatusUnprocessableEntity
		case ErrFeeOverflow.Code:
			status = http.StatusBadRequest
		}
	}

	message := err.Error()
	if status == http.StatusInternalServerError {
		message = "Internal error"
	}
	c.JSON(status, gin.H{
		"error":   code,
		"message": message,
	})
}
