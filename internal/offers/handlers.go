package offers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/pitchside/transferdesk/internal/market"
)

// Handler exposes the offer registry over HTTP.
type Handler struct {
	service *Service
	logger  *slog.Logger
}

// NewHandler creates an offers HTTP handler.
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterRoutes mounts the offer endpoints on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/offers", h.createOffer)
	r.POST("/offers/:id/respond", h.respondToOffer)
}

type createOfferRequest struct {
	PlayerID   string `json:"player_id" binding:"required"`
	FromClubID string `json:"from_club_id" binding:"required"`
	Amount     int64  `json:"amount" binding:"required"`
	Terms      string `json:"terms"`
	TTLDays    int    `json:"ttl_days"`
}

func (h *Handler) createOffer(c *gin.Context) {
	var req createOfferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	offer, err := h.service.CreateOffer(c.Request.Context(), CreateParams{
		PlayerID:   req.PlayerID,
		FromClubID: req.FromClubID,
		Amount:     req.Amount,
		Terms:      req.Terms,
		TTLDays:    req.TTLDays,
	})
	if err != nil {
		status, message := offerErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("failed to create offer", "player_id", req.PlayerID, "error", err)
		}
		c.JSON(status, gin.H{"error": message})
		return
	}

	c.JSON(http.StatusCreated, offer)
}

type respondRequest struct {
	Accept *bool `json:"accept" binding:"required"`
}

func (h *Handler) respondToOffer(c *gin.Context) {
	var req respondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	offer, err := h.service.RespondToOffer(c.Request.Context(), c.Param("id"), *req.Accept)
	if err != nil {
		status, message := offerErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("failed to respond to offer", "offer_id", c.Param("id"), "error", err)
		}
		c.JSON(status, gin.H{"error": message})
		return
	}

	c.JSON(http.StatusOK, offer)
}

// offerErrorStatus maps service errors to HTTP responses.
func offerErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, market.ErrPlayerNotFound),
		errors.Is(err, market.ErrClubNotFound),
		errors.Is(err, market.ErrOfferNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, ErrPlayerNotListed),
		errors.Is(err, ErrSameClub),
		errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, ErrBudgetExceeded):
		return http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, ErrAlreadyResolved), errors.Is(err, ErrOfferExpired):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}
