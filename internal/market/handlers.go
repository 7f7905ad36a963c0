package market

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// Handler exposes read-side market endpoints: clubs, listed players,
// transfers, and per-club notifications.
type Handler struct {
	store  Store
	logger *slog.Logger
}

// NewHandler creates a market HTTP handler.
func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes mounts the market endpoints on the given router group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/clubs", h.listClubs)
	r.GET("/clubs/:id", h.getClub)
	r.GET("/clubs/:id/offers", h.listClubOffers)
	r.GET("/clubs/:id/notifications", h.listNotifications)
	r.POST("/clubs/:id/notifications/:nid/read", h.markNotificationRead)
	r.GET("/market/overview", h.marketOverview)
	r.GET("/players/listed", h.listListedPlayers)
	r.GET("/players/:id", h.getPlayer)
	r.GET("/transfers/:id", h.getTransfer)
}

func (h *Handler) listClubs(c *gin.Context) {
	clubs, err := h.store.ListClubs(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list clubs", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list clubs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"clubs": clubs})
}

func (h *Handler) getClub(c *gin.Context) {
	club, err := h.store.GetClub(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrClubNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "club not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load club", "club_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load club"})
		return
	}
	c.JSON(http.StatusOK, club)
}

func (h *Handler) listClubOffers(c *gin.Context) {
	offers, err := h.store.ListOffersForClub(c.Request.Context(),
		c.Param("id"), c.Query("status"), queryInt(c, "limit", 50))
	if err != nil {
		h.logger.Error("failed to list offers", "club_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list offers"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"offers": offers})
}

func (h *Handler) listNotifications(c *gin.Context) {
	unreadOnly := c.Query("unread") == "true"
	notifications, err := h.store.ListNotifications(c.Request.Context(),
		c.Param("id"), unreadOnly, queryInt(c, "limit", 50))
	if err != nil {
		h.logger.Error("failed to list notifications", "club_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": notifications})
}

func (h *Handler) markNotificationRead(c *gin.Context) {
	err := h.store.MarkNotificationRead(c.Request.Context(), c.Param("nid"), c.Param("id"))
	if errors.Is(err, ErrNotificationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to mark notification read", "notification_id", c.Param("nid"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to mark notification read"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) listListedPlayers(c *gin.Context) {
	players, err := h.store.ListListedPlayers(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to list players", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list players"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"players": players})
}

// marketOverview is the market dashboard read: open offers, players on the
// list, and the latest completed deals in one response.
func (h *Handler) marketOverview(c *gin.Context) {
	ctx := c.Request.Context()
	limit := queryInt(c, "limit", 20)

	pending, err := h.store.ListPendingOffers(ctx, limit)
	if err != nil {
		h.logger.Error("failed to list pending offers", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build market overview"})
		return
	}
	listed, err := h.store.ListListedPlayers(ctx)
	if err != nil {
		h.logger.Error("failed to list players", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build market overview"})
		return
	}
	recent, err := h.store.ListRecentCompletedTransfers(ctx, limit)
	if err != nil {
		h.logger.Error("failed to list recent transfers", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to build market overview"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"pending_offers":   pending,
		"listed_players":   listed,
		"recent_transfers": recent,
	})
}

func (h *Handler) getPlayer(c *gin.Context) {
	player, err := h.store.GetPlayer(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrPlayerNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "player not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load player", "player_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load player"})
		return
	}
	c.JSON(http.StatusOK, player)
}

func (h *Handler) getTransfer(c *gin.Context) {
	transfer, err := h.store.GetTransfer(c.Request.Context(), c.Param("id"))
	if errors.Is(err, ErrTransferNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "transfer not found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load transfer", "transfer_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transfer"})
		return
	}

	assessment, err := h.store.GetAssessment(c.Request.Context(), transfer.ID)
	if err != nil {
		// A transfer always carries an assessment; tolerate a missing one
		// on reads rather than failing the whole request.
		h.logger.Warn("transfer has no assessment", "transfer_id", transfer.ID, "error", err)
		c.JSON(http.StatusOK, gin.H{"transfer": transfer})
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfer": transfer, "assessment": assessment})
}

func queryInt(c *gin.Context, name string, fallback int) int {
	if raw := c.Query(name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			return v
		}
	}
	return fallback
}
