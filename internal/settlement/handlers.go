package settlement

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pitchside/transferdesk/internal/market"
)

// Handler exposes settlement over HTTP.
type Handler struct {
	coordinator *Coordinator
	logger      *slog.Logger
}

// NewHandler creates a settlement HTTP handler.
func NewHandler(coordinator *Coordinator, logger *slog.Logger) *Handler {
	return &Handler{coordinator: coordinator, logger: logger}
}

// RegisterRoutes mounts the settlement endpoint on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/settlements", h.processSettlement)
}

type settlementRequest struct {
	OfferID string                  `json:"offer_id" binding:"required"`
	Income  market.IncomeBreakdown  `json:"income" binding:"required"`
	Expense market.ExpenseBreakdown `json:"expense" binding:"required"`
}

func (h *Handler) processSettlement(c *gin.Context) {
	var req settlementRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := h.coordinator.Process(c.Request.Context(), ProcessParams{
		OfferID: req.OfferID,
		Income:  req.Income,
		Expense: req.Expense,
	})
	if err != nil {
		h.logger.Error("settlement processing error", "offer_id", req.OfferID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(resultStatus(result), result)
}

// resultStatus maps settlement outcomes to HTTP responses. Failures are
// structured results, not bare errors, so the classification rides in the
// body either way.
func resultStatus(r *Result) int {
	if r.Success {
		return http.StatusOK
	}
	switch r.ErrorCode {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeInvalidState:
		return http.StatusConflict
	case CodeBudgetExceeded, CodeValidationRejected:
		return http.StatusUnprocessableEntity
	case CodeExternalUnavailable:
		return http.StatusBadGateway
	case CodeExternalPrecondition:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
