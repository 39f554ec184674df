package recovery

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/nftescrow/internal/auth"
	"github.com/mbd888/nftescrow/internal/custody"
	"github.com/mbd888/nftescrow/internal/mirror"
	"github.com/mbd888/nftescrow/internal/reconciliation"
)

// Handler provides HTTP endpoints for recovery and the resync queue.
type Handler struct {
	service *Service
	auditor *reconciliation.Service
}

// NewHandler creates a new recovery handler. auditor may be nil, in which
// case the on-demand audit route is not registered.
func NewHandler(service *Service, auditor *reconciliation.Service) *Handler {
	return &Handler{service: service, auditor: auditor}
}

// RegisterProtectedRoutes sets up routes a deal participant may call.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/deals/:id/cancel", h.Recover)
}

// RegisterAdminRoutes sets up operator routes. The caller is expected to
// mount them behind auth.RequireAdmin.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/discrepancies", h.ListDiscrepancies)
	r.POST("/discrepancies/:id/resync", h.Resync)
	if h.auditor != nil {
		r.POST("/audit", h.RunAudit)
		r.GET("/audit", h.LastAudit)
	}
}

// Recover handles POST /v1/recovery/deals/:id/cancel
func (h *Handler) Recover(c *gin.Context) {
	res, err := h.service.Recover(c.Request.Context(), c.Param("id"), auth.Caller(c))
	if err != nil {
		writeError(c, err)
		return
	}
	status := http.StatusOK
	if !res.MirrorSynced {
		status = http.StatusAccepted
	}
	c.JSON(status, res)
}

// ListDiscrepancies handles GET /v1/recovery/discrepancies?limit=
func (h *Handler) ListDiscrepancies(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	list, err := h.service.ListDiscrepancies(c.Request.Context(), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	if list == nil {
		list = []*reconciliation.Discrepancy{}
	}
	c.JSON(http.StatusOK, gin.H{"discrepancies": list, "count": len(list)})
}

// Resync handles POST /v1/recovery/discrepancies/:id/resync
func (h *Handler) Resync(c *gin.Context) {
	operator := auth.Caller(c)
	if operator == "" {
		operator = "admin"
	}
	d, disc, err := h.service.ResyncDiscrepancy(c.Request.Context(), c.Param("id"), operator)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deal": d, "discrepancy": disc})
}

// RunAudit handles POST /v1/recovery/audit
func (h *Handler) RunAudit(c *gin.Context) {
	report, err := h.auditor.RunAll(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "audit_failed",
			"message": "Reconciliation run failed",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

// LastAudit handles GET /v1/recovery/audit
func (h *Handler) LastAudit(c *gin.Context) {
	report := h.auditor.LastReport()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "not_found",
			"message": "No reconciliation run yet",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": report})
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, ErrNotStuck):
		return "not_stuck"
	case errors.Is(err, ErrCompleted):
		return "already_completed"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, reconciliation.ErrDiscrepancyNotFound):
		return "discrepancy_not_found"
	case errors.Is(err, reconciliation.ErrAlreadyResolved):
		return "already_resolved"
	case errors.Is(err, mirror.ErrDealNotFound), errors.Is(err, mirror.ErrNotLinked):
		return mirror.ErrorCode(err)
	default:
		return custody.ErrorCode(err)
	}
}

func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, mirror.ErrDealNotFound), errors.Is(err, custody.ErrDealNotFound),
		errors.Is(err, reconciliation.ErrDiscrepancyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ErrUnauthorized), errors.Is(err, custody.ErrUnauthorized):
		status = http.StatusForbidden
	case errors.Is(err, ErrNotStuck), errors.Is(err, ErrCompleted), errors.Is(err, mirror.ErrNotLinked),
		errors.Is(err, reconciliation.ErrAlreadyResolved), errors.Is(err, custody.ErrAlreadyTerminal):
		status = http.StatusConflict
	}
	msg := err.Error()
	code := errorCode(err)
	if status == http.StatusInternalServerError {
		msg = "Internal error"
		code = "internal_error"
	}
	c.JSON(status, gin.H{"error": code, "message": msg})
}
