package custody

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nftescrow/internal/amount"
	"github.com/mbd888/nftescrow/internal/auth"
	"github.com/mbd888/nftescrow/internal/deal"
	"github.com/mbd888/nftescrow/internal/validation"
)

// Handler provides HTTP endpoints for custody operations.
type Handler struct {
	registry *Registry
}

// NewHandler creates a new custody handler.
func NewHandler(registry *Registry) *Handler {
	return &Handler{registry: registry}
}

// RegisterRoutes sets up public (read-only) custody routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/deals/:dealId", h.GetDealInfo)
	r.GET("/deals/:dealId/status", h.GetStatus)
	r.GET("/deals/:dealId/facts", h.ListFacts)
	r.GET("/users/:address/deals", validation.AddressParamMiddleware(), h.GetUserDeals)
	r.GET("/stats", h.GetPlatformStats)
}

// RegisterProtectedRoutes sets up routes that act as the signed-in wallet.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/deals", h.CreateDeal)
	r.POST("/deals/:dealId/deposit-nft", h.DepositNFT)
	r.POST("/deals/:dealId/deposit-payment", h.DepositPayment)
	r.POST("/deals/:dealId/complete", h.CompleteDeal)
	r.POST("/deals/:dealId/cancel", h.CancelDeal)
	r.POST("/deals/:dealId/price", h.UpdateDealPrice)
}

// CreateDealRequest is the body of POST /v1/custody/deals. Price is a
// decimal token amount ("2.5").
type CreateDealRequest struct {
	Type            string     `json:"type" binding:"required"`
	Counterparty    string     `json:"counterparty"`
	NFTContract     string     `json:"nftContract" binding:"required"`
	TokenID         string     `json:"tokenId" binding:"required"`
	SwapNFTContract string     `json:"swapNftContract"`
	SwapTokenID     string     `json:"swapTokenId"`
	Price           string     `json:"price"`
	ExpiresAt       *time.Time `json:"expiresAt"`
}

// Params converts the request into creation params for creator.
func (req *CreateDealRequest) Params(creator string) (deal.CreateParams, error) {
	typ, err := deal.ParseType(req.Type)
	if err != nil {
		return deal.CreateParams{}, err
	}
	p := deal.CreateParams{
		Type:            typ,
		Creator:         creator,
		Counterparty:    req.Counterparty,
		NFTContract:     req.NFTContract,
		TokenID:         req.TokenID,
		SwapNFTContract: req.SwapNFTContract,
		SwapTokenID:     req.SwapTokenID,
		ExpiresAt:       req.ExpiresAt,
	}
	if req.Price != "" {
		if p.Price, err = amount.Parse(req.Price); err != nil {
			return deal.CreateParams{}, errors.Join(deal.ErrInvalidParameters, err)
		}
	}
	return p, nil
}

// CreateDeal handles POST /v1/custody/deals
func (h *Handler) CreateDeal(c *gin.Context) {
	var req CreateDealRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Invalid request body",
		})
		return
	}

	p, err := req.Params(auth.Caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	inst, rcpt, err := h.registry.CreateDeal(c.Request.Context(), p)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"dealId":        inst.DealID,
		"escrowAddress": inst.EscrowAddress,
		"deal":          inst.Snapshot(),
		"receipt":       rcpt,
	})
}

// GetDealInfo handles GET /v1/custody/deals/:dealId
func (h *Handler) GetDealInfo(c *gin.Context) {
	id, ok := dealIDParam(c)
	if !ok {
		return
	}
	snap, err := h.registry.GetDealInfo(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": snap})
}

// GetStatus handles GET /v1/custody/deals/:dealId/status
func (h *Handler) GetStatus(c *gin.Context) {
	id, ok := dealIDParam(c)
	if !ok {
		return
	}
	st, err := h.registry.Status(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dealId": id, "status": st, "statusCode": st.Code()})
}

// ListFacts handles GET /v1/custody/deals/:dealId/facts
func (h *Handler) ListFacts(c *gin.Context) {
	id, ok := dealIDParam(c)
	if !ok {
		return
	}
	facts, err := h.registry.Facts(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"facts": facts, "count": len(facts)})
}

// GetUserDeals handles GET /v1/custody/users/:address/deals[?info=true]
func (h *Handler) GetUserDeals(c *gin.Context) {
	addr := c.Param("address")
	if c.Query("info") == "true" {
		deals, err := h.registry.GetUserDealsInfo(c.Request.Context(), addr)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"deals": deals, "count": len(deals)})
		return
	}

	ids, err := h.registry.GetUserDeals(c.Request.Context(), addr)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"dealIds": ids, "count": len(ids)})
}

// GetPlatformStats handles GET /v1/custody/stats
func (h *Handler) GetPlatformStats(c *gin.Context) {
	stats, err := h.registry.GetPlatformStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats.View()})
}

// DepositNFT handles POST /v1/custody/deals/:dealId/deposit-nft
func (h *Handler) DepositNFT(c *gin.Context) {
	id, ok := dealIDParam(c)
	if !ok {
		return
	}
	rcpt, err := h.registry.DepositNFT(c.Request.Context(), id, auth.Caller(c))
	h.respond(c, id, rcpt, err)
}

// PaymentRequest carries the attached value as a decimal token amount.
type PaymentRequest struct {
	Value string `json:"value" binding:"required"`
}

// DepositPayment handles POST /v1/custody/deals/:dealId/deposit-payment
func (h *Handler) DepositPayment(c *gin.Context) {
	id, ok := dealIDParam(c)
	if !ok {
		return
	}
	var req PaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "value is required",
		})
		return
	}
	value, err := amount.Parse(req.Value)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
		return
	}
	rcpt, err := h.registry.DepositPayment(c.Request.Context(), id, auth.Caller(c), value)
	h.respond(c, id, rcpt, err)
}

// CompleteDeal handles POST /v1/custody/deals/:dealId/complete
func (h *Handler) CompleteDeal(c *gin.Context) {
	id, ok := dealIDParam(c)
	if !ok {
		return
	}
	rcpt, err := h.registry.CompleteDeal(c.Request.Context(), id, auth.Caller(c))
	h.respond(c, id, rcpt, err)
}

// CancelDeal handles POST /v1/custody/deals/:dealId/cancel
func (h *Handler) CancelDeal(c *gin.Context) {
	id, ok := dealIDParam(c)
	if !ok {
		return
	}
	rcpt, err := h.registry.CancelDeal(c.Request.Context(), id, auth.Caller(c))
	h.respond(c, id, rcpt, err)
}

// PriceRequest is the body of POST /v1/custody/deals/:dealId/price.
type PriceRequest struct {
	Price string `json:"price" binding:"required"`
}

// UpdateDealPrice handles POST /v1/custody/deals/:dealId/price
func (h *Handler) UpdateDealPrice(c *gin.Context) {
	id, ok := dealIDParam(c)
	if !ok {
		return
	}
	var req PriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "price is required",
		})
		return
	}
	price, err := amount.ParsePositive(req.Price)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_amount",
			"message": err.Error(),
		})
		return
	}
	rcpt, err := h.registry.UpdateDealPrice(c.Request.Context(), id, auth.Caller(c), price)
	h.respond(c, id, rcpt, err)
}

func (h *Handler) respond(c *gin.Context, id uint64, rcpt *Receipt, err error) {
	if err != nil {
		writeError(c, err)
		return
	}
	snap, err := h.registry.GetDealInfo(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": snap, "receipt": rcpt})
}

func dealIDParam(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("dealId"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_deal_id",
			"message": "dealId must be a positive integer",
		})
		return 0, false
	}
	return id, true
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrDealNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrWrongCaller), errors.Is(err, ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrWrongState), errors.Is(err, ErrAlreadyTerminal),
		errors.Is(err, ErrDealNotFullyDeposited), errors.Is(err, ErrDealExpired):
		status = http.StatusConflict
	case errors.Is(err, ErrIncorrectAmount), errors.Is(err, deal.ErrInvalidParameters):
		status = http.StatusBadRequest
	case errors.Is(err, ErrAssetNotOwnedOrApproved):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, ErrInsufficientFunds):
		status = http.StatusPaymentRequired
	}
	msg := err.Error()
	if status == http.StatusInternalServerError && ErrorCode(err) == "internal_error" {
		msg = "Internal error"
	}
	c.JSON(status, gin.H{"error": ErrorCode(err), "message": msg})
}

// AssetHandler exposes the dev asset helpers (mint, approve, fund) and
// read-only asset queries.
type AssetHandler struct {
	assets DevAssets
}

// NewAssetHandler creates a dev asset handler.
func NewAssetHandler(assets DevAssets) *AssetHandler {
	return &AssetHandler{assets: assets}
}

// RegisterRoutes sets up the /v1/assets routes.
func (h *AssetHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/nfts/:contract/:tokenId", h.GetOwner)
	r.GET("/balances/:address", validation.AddressParamMiddleware(), h.GetBalance)
	r.POST("/mint", h.Mint)
	r.POST("/fund", h.Fund)
}

// RegisterProtectedRoutes sets up routes that act as the signed-in wallet.
func (h *AssetHandler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/approve", h.Approve)
}

type mintRequest struct {
	Contract string `json:"contract" binding:"required"`
	TokenID  string `json:"tokenId" binding:"required"`
	Owner    string `json:"owner" binding:"required"`
}

// Mint handles POST /v1/assets/mint
func (h *AssetHandler) Mint(c *gin.Context) {
	var req mintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "contract, tokenId and owner are required"})
		return
	}
	if errs := validation.Validate(
		validation.ValidAddress("contract", req.Contract),
		validation.ValidAddress("owner", req.Owner),
		validation.ValidTokenID("tokenId", req.TokenID),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": errs.Error(), "details": errs})
		return
	}
	tokenID, _ := validation.NormalizeTokenID(req.TokenID)
	if err := h.assets.Mint(c.Request.Context(), req.Contract, tokenID, req.Owner); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": "mint_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"contract": validation.SanitizeAddress(req.Contract), "tokenId": tokenID, "owner": validation.SanitizeAddress(req.Owner)})
}

type approveRequest struct {
	Contract string `json:"contract" binding:"required"`
	TokenID  string `json:"tokenId" binding:"required"`
	Operator string `json:"operator" binding:"required"`
}

// Approve handles POST /v1/assets/approve; the caller approves operator
// (normally a deal's escrow address) to pull one token.
func (h *AssetHandler) Approve(c *gin.Context) {
	var req approveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "contract, tokenId and operator are required"})
		return
	}
	tokenID, ok := validation.NormalizeTokenID(req.TokenID)
	if !ok || !validation.IsValidEthAddress(req.Operator) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "invalid tokenId or operator"})
		return
	}
	if err := h.assets.Approve(c.Request.Context(), req.Contract, tokenID, auth.Caller(c), req.Operator); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrTokenNotFound) {
			status = http.StatusNotFound
		} else if errors.Is(err, ErrNotTokenOwner) {
			status = http.StatusForbidden
		}
		c.JSON(status, gin.H{"error": "approve_failed", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"approved": true, "operator": validation.SanitizeAddress(req.Operator)})
}

type fundRequest struct {
	Address string `json:"address" binding:"required"`
	Amount  string `json:"amount" binding:"required"`
}

// Fund handles POST /v1/assets/fund
func (h *AssetHandler) Fund(c *gin.Context) {
	var req fundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "address and amount are required"})
		return
	}
	if !validation.IsValidEthAddress(req.Address) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "address must be a 0x address"})
		return
	}
	v, err := amount.ParsePositive(req.Amount)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_amount", "message": err.Error()})
		return
	}
	if err := h.assets.Fund(c.Request.Context(), req.Address, v); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "fund_failed", "message": err.Error()})
		return
	}
	h.writeBalance(c, req.Address)
}

// GetOwner handles GET /v1/assets/nfts/:contract/:tokenId
func (h *AssetHandler) GetOwner(c *gin.Context) {
	tokenID, ok := validation.NormalizeTokenID(c.Param("tokenId"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": "invalid tokenId"})
		return
	}
	owner, err := h.assets.OwnerOf(c.Request.Context(), c.Param("contract"), tokenID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, ErrTokenNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "not_found", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"contract": validation.SanitizeAddress(c.Param("contract")), "tokenId": tokenID, "owner": owner})
}

// GetBalance handles GET /v1/assets/balances/:address
func (h *AssetHandler) GetBalance(c *gin.Context) {
	h.writeBalance(c, c.Param("address"))
}

func (h *AssetHandler) writeBalance(c *gin.Context, addr string) {
	bal, err := h.assets.BalanceOf(c.Request.Context(), addr)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"address":    validation.SanitizeAddress(addr),
		"balance":    amount.Format(bal),
		"balanceWei": bal.String(),
	})
}
