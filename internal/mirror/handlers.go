package mirror

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nftescrow/internal/auth"
	"github.com/mbd888/nftescrow/internal/deal"
	"github.com/mbd888/nftescrow/internal/validation"
)

// Handler provides HTTP endpoints for the deal mirror.
type Handler struct {
	service *Service
}

// NewHandler creates a new mirror handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public (read-only) mirror routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("", h.ListDeals)
	r.GET("/:id", h.GetDeal)
	r.GET("/:id/activity", h.ListActivity)
}

// RegisterProtectedRoutes sets up routes that act as the signed-in wallet.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("", h.CreateDeal)
	r.POST("/:id/link", h.Link)
	r.POST("/:id/nft-deposited", h.record(h.service.RecordNFTDeposited))
	r.POST("/:id/payment-deposited", h.record(h.service.RecordPaymentDeposited))
	r.POST("/:id/completed", h.record(h.service.RecordCompleted))
	r.POST("/:id/cancelled", h.record(h.service.RecordCancelled))
	r.POST("/:id/counter-offer", h.ProposeCounterOffer)
	r.POST("/:id/counter-offer/accept", h.AcceptCounterOffer)
	r.POST("/:id/counter-offer/decline", h.DeclineCounterOffer)
	r.PUT("/:id/price", h.UpdatePrice)
}

// CreateDeal handles POST /v1/deals
func (h *Handler) CreateDeal(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "type, nftContractAddress and nftTokenId are required",
		})
		return
	}
	d, err := h.service.Create(c.Request.Context(), auth.Caller(c), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"deal": d})
}

// GetDeal handles GET /v1/deals/:id
func (h *Handler) GetDeal(c *gin.Context) {
	d, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d})
}

// ListDeals handles GET /v1/deals?address=&status=&limit=
func (h *Handler) ListDeals(c *gin.Context) {
	addr := c.Query("address")
	if !validation.IsValidEthAddress(addr) {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_address",
			"message": "address query parameter must be a valid Ethereum address",
		})
		return
	}
	var status *deal.Status
	if raw := c.Query("status"); raw != "" {
		st, err := deal.ParseStatus(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_status", "message": err.Error()})
			return
		}
		status = &st
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	deals, err := h.service.ListByAddress(c.Request.Context(), addr, status, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deals": deals, "count": len(deals)})
}

// ListActivity handles GET /v1/deals/:id/activity
func (h *Handler) ListActivity(c *gin.Context) {
	acts, err := h.service.Activity(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": acts, "count": len(acts)})
}

// ProofRequest carries the custody transaction hash proving an action.
type ProofRequest struct {
	TransactionHash string `json:"transactionHash" binding:"required"`
}

// LinkRequest is the body of POST /v1/deals/:id/link.
type LinkRequest struct {
	OnchainDealID         uint64 `json:"onchainDealId" binding:"required"`
	EscrowContractAddress string `json:"escrowContractAddress" binding:"required"`
	TransactionHash       string `json:"transactionHash" binding:"required"`
}

// Link handles POST /v1/deals/:id/link
func (h *Handler) Link(c *gin.Context) {
	var req LinkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "onchainDealId, escrowContractAddress and transactionHash are required",
		})
		return
	}
	if !validation.IsValidTxHash(req.TransactionHash) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tx_hash", "message": "transactionHash must be 0x + 64 hex chars"})
		return
	}
	d, applied, err := h.service.RecordLinkage(c.Request.Context(), c.Param("id"), auth.Caller(c),
		req.OnchainDealID, req.EscrowContractAddress, req.TransactionHash)
	respond(c, d, applied, err)
}

type recordFunc func(ctx context.Context, id, actor, txHash string) (*Deal, bool, error)

// record builds the handler for a proof-carrying lifecycle reconciliation.
func (h *Handler) record(fn recordFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req ProofRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_request",
				"message": "transactionHash is required",
			})
			return
		}
		if !validation.IsValidTxHash(req.TransactionHash) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tx_hash", "message": "transactionHash must be 0x + 64 hex chars"})
			return
		}
		d, applied, err := fn(c.Request.Context(), c.Param("id"), auth.Caller(c), req.TransactionHash)
		respond(c, d, applied, err)
	}
}

// PriceRequest is the body of counter-offer and price updates.
type PriceRequest struct {
	Price           string `json:"price" binding:"required"`
	TransactionHash string `json:"transactionHash"`
}

// ProposeCounterOffer handles POST /v1/deals/:id/counter-offer
func (h *Handler) ProposeCounterOffer(c *gin.Context) {
	var req PriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "price is required"})
		return
	}
	d, err := h.service.ProposeCounterOffer(c.Request.Context(), c.Param("id"), auth.Caller(c), req.Price)
	respond(c, d, err == nil, err)
}

// AcceptCounterOffer handles POST /v1/deals/:id/counter-offer/accept
func (h *Handler) AcceptCounterOffer(c *gin.Context) {
	d, err := h.service.AcceptCounterOffer(c.Request.Context(), c.Param("id"), auth.Caller(c))
	respond(c, d, err == nil, err)
}

// DeclineCounterOffer handles POST /v1/deals/:id/counter-offer/decline
func (h *Handler) DeclineCounterOffer(c *gin.Context) {
	d, err := h.service.DeclineCounterOffer(c.Request.Context(), c.Param("id"), auth.Caller(c))
	respond(c, d, err == nil, err)
}

// UpdatePrice handles PUT /v1/deals/:id/price
func (h *Handler) UpdatePrice(c *gin.Context) {
	var req PriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "price is required"})
		return
	}
	if req.TransactionHash != "" && !validation.IsValidTxHash(req.TransactionHash) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_tx_hash", "message": "transactionHash must be 0x + 64 hex chars"})
		return
	}
	d, applied, err := h.service.UpdatePrice(c.Request.Context(), c.Param("id"), auth.Caller(c), req.Price, req.TransactionHash)
	respond(c, d, applied, err)
}

func respond(c *gin.Context, d *Deal, applied bool, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d, "applied": applied})
}

// ErrorCode maps a mirror error to its API code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrDealNotFound):
		return "deal_not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrOutOfOrder):
		return "out_of_order"
	case errors.Is(err, ErrProofRejected):
		return "proof_rejected"
	case errors.Is(err, ErrNotLinked):
		return "not_linked"
	case errors.Is(err, ErrAlreadyLinked):
		return "already_linked"
	case errors.Is(err, ErrLinkInUse):
		return "link_in_use"
	case errors.Is(err, ErrNotNegotiable):
		return "not_negotiable"
	case errors.Is(err, ErrNegotiationClosed):
		return "negotiation_closed"
	case errors.Is(err, ErrNoCounterOffer):
		return "no_counter_offer"
	case errors.Is(err, deal.ErrInvalidParameters):
		return "invalid_deal_parameters"
	}
	return "internal_error"
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrDealNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrOutOfOrder), errors.Is(err, ErrNotLinked), errors.Is(err, ErrAlreadyLinked), errors.Is(err, ErrLinkInUse),
		errors.Is(err, ErrNotNegotiable), errors.Is(err, ErrNegotiationClosed), errors.Is(err, ErrNoCounterOffer):
		status = http.StatusConflict
	case errors.Is(err, ErrProofRejected):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, deal.ErrInvalidParameters):
		status = http.StatusBadRequest
	}
	msg := err.Error()
	if status == http.StatusInternalServerError {
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": ErrorCode(err), "message": msg})
}
