package notification

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinic/careflow/internal/platform/auth"
	"github.com/clinic/careflow/pkg/pagination"
)

type Handler struct {
	dispatcher *Dispatcher
}

func NewHandler(d *Dispatcher) *Handler {
	return &Handler{dispatcher: d}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/notifications", h.List)
	api.GET("/notifications/:id", h.Get)

	admin := api.Group("/notifications", auth.RequireRole(auth.AdminRole))
	admin.GET("/stats", h.Stats)
	admin.POST("/:id/retry", h.Retry)
}

// List returns the caller's notifications, or a role inbox when target_kind is
// role and the caller holds that role.
func (h *Handler) List(c echo.Context) error {
	ctx := c.Request().Context()
	userID := auth.UserIDFromContext(ctx)
	if userID == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing user")
	}

	kind := TargetKind(c.QueryParam("target_kind"))
	targetID := c.QueryParam("target_id")
	switch kind {
	case "", TargetUser:
		kind = TargetUser
		if targetID == "" {
			targetID = userID
		}
		if targetID != userID && !auth.HasAnyRole(auth.RolesFromContext(ctx)) {
			return echo.NewHTTPError(http.StatusForbidden, "cannot read another user's notifications")
		}
	case TargetRole:
		if targetID == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "target_id is required for role inboxes")
		}
		if !auth.HasAnyRole(auth.RolesFromContext(ctx), targetID) {
			return echo.NewHTTPError(http.StatusForbidden, "role not held by caller")
		}
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "target_kind must be user or role")
	}

	pg := pagination.FromContext(c)
	records, total := h.dispatcher.ListByTarget(kind, targetID, pg.Limit, pg.Offset)
	return c.JSON(http.StatusOK, pagination.NewResponse(records, total, pg.Limit, pg.Offset))
}

func (h *Handler) Get(c echo.Context) error {
	rec, ok := h.dispatcher.Get(c.Param("id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	if !canRead(c, rec.Message) {
		return echo.NewHTTPError(http.StatusNotFound, "notification not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.dispatcher.Stats())
}

func (h *Handler) Retry(c echo.Context) error {
	rec, err := h.dispatcher.Retry(c.Request().Context(), c.Param("id"))
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrNotRetryable):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case err != nil:
		// Delivery failed again; the record says why.
		return c.JSON(http.StatusBadGateway, rec)
	}
	return c.JSON(http.StatusOK, rec)
}

func canRead(c echo.Context, msg Message) bool {
	ctx := c.Request().Context()
	roles := auth.RolesFromContext(ctx)
	switch msg.TargetKind {
	case TargetUser:
		return msg.TargetID == auth.UserIDFromContext(ctx) || auth.HasAnyRole(roles)
	case TargetRole:
		return auth.HasAnyRole(roles, msg.TargetID)
	}
	return false
}
