package workflow

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clinic/careflow/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole(auth.ClinicRoles...))
	g.GET("/workflow-definitions", h.ListDefinitions)
	g.GET("/workflow-definitions/:type", h.GetDefinition)

	g.POST("/workflows", h.CreateWorkflow)
	g.GET("/workflows", h.FindActiveWorkflow)
	g.GET("/workflows/:id", h.GetWorkflow)
	g.POST("/workflows/:id/transitions", h.Transition)
	g.GET("/workflows/:id/next-steps", h.NextSteps)
	g.GET("/workflows/:id/timeline", h.GetTimeline)
	g.GET("/workflows/:id/analytics", h.GetAnalytics)
}

type createRequest struct {
	WorkflowType WorkflowType `json:"workflow_type"`
	EntityID     string       `json:"entity_id"`
}

type transitionRequest struct {
	ToStep  StepID            `json:"to_step"`
	Payload map[string]string `json:"payload"`
}

func (h *Handler) ListDefinitions(c echo.Context) error {
	return c.JSON(http.StatusOK, h.svc.Definitions())
}

func (h *Handler) GetDefinition(c echo.Context) error {
	def, err := h.svc.Definition(WorkflowType(c.Param("type")))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, def)
}

func (h *Handler) CreateWorkflow(c echo.Context) error {
	actor := auth.UserIDFromContext(c.Request().Context())
	if actor == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing actor")
	}
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.WorkflowType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "workflow_type is required")
	}
	inst, err := h.svc.CreateWorkflow(c.Request().Context(), req.WorkflowType, req.EntityID, actor)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, inst)
}

func (h *Handler) FindActiveWorkflow(c echo.Context) error {
	entityID := c.QueryParam("entity_id")
	wfType := c.QueryParam("workflow_type")
	if entityID == "" || wfType == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "entity_id and workflow_type are required")
	}
	inst, err := h.svc.FindActiveWorkflow(c.Request().Context(), entityID, WorkflowType(wfType))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, inst)
}

func (h *Handler) GetWorkflow(c echo.Context) error {
	inst, err := h.svc.GetWorkflow(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, inst)
}

func (h *Handler) Transition(c echo.Context) error {
	actor := auth.UserIDFromContext(c.Request().Context())
	if actor == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing actor")
	}
	var req transitionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ToStep == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "to_step is required")
	}
	inst, err := h.svc.Transition(c.Request().Context(), c.Param("id"), req.ToStep, actor, req.Payload)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, inst)
}

func (h *Handler) NextSteps(c echo.Context) error {
	steps, err := h.svc.LegalNextSteps(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, steps)
}

func (h *Handler) GetTimeline(c echo.Context) error {
	events, err := h.svc.GetTimeline(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, events)
}

func (h *Handler) GetAnalytics(c echo.Context) error {
	a, err := h.svc.GetAnalytics(c.Request().Context(), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, a)
}

// writeError maps domain errors to HTTP responses. Conflicts carry enough
// detail for the client to recover without another round trip.
func writeError(c echo.Context, err error) error {
	var (
		illegal *IllegalTransitionError
		dup     *DuplicateActiveInstanceError
		conc    *ConcurrentUpdateError
	)
	switch {
	case errors.As(err, &illegal):
		next := illegal.LegalNext
		if next == nil {
			next = []StepID{}
		}
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"message":          err.Error(),
			"from":             illegal.From,
			"to":               illegal.To,
			"legal_next_steps": next,
		})
	case errors.As(err, &dup):
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"message":              err.Error(),
			"existing_instance_id": dup.ExistingID,
		})
	case errors.As(err, &conc):
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"message": err.Error(),
			"refetch": true,
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrActorRequired), errors.Is(err, ErrEntityRequired):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
