package webhook

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

type Handler struct {
	manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{manager: m}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/webhooks", h.HandleRegister)
	g.GET("/webhooks", h.HandleList)
	g.GET("/webhooks/:id", h.HandleGet)
	g.DELETE("/webhooks/:id", h.HandleDelete)
	g.POST("/webhooks/:id/pause", h.HandleSetStatus(StatusPaused))
	g.POST("/webhooks/:id/resume", h.HandleSetStatus(StatusActive))
	g.POST("/webhooks/:id/test", h.HandleTest)
	g.GET("/webhooks/:id/deliveries", h.HandleDeliveries)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

type registerRequest struct {
	URL        string   `json:"url"`
	Secret     string   `json:"secret"`
	HospitalID string   `json:"hospital_id"`
	Events     []string `json:"events"`
}

// registered is the only response that carries the secret.
type registered struct {
	*Endpoint
	Secret string `json:"secret"`
}

func (h *Handler) HandleRegister(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	ep, err := h.manager.Register(c.Request().Context(), req.URL, req.Secret, req.HospitalID, req.Events)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, registered{Endpoint: ep, Secret: ep.Secret})
}

func (h *Handler) HandleList(c echo.Context) error {
	eps, err := h.manager.List(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, eps)
}

func (h *Handler) HandleGet(c echo.Context) error {
	ep, err := h.manager.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ep)
}

func (h *Handler) HandleDelete(c echo.Context) error {
	if err := h.manager.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) HandleSetStatus(status string) echo.HandlerFunc {
	return func(c echo.Context) error {
		ep, err := h.manager.SetStatus(c.Request().Context(), c.Param("id"), status)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, ep)
	}
}

func (h *Handler) HandleTest(c echo.Context) error {
	d, err := h.manager.Test(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, d)
}

// HandleDeliveries handles GET /webhooks/:id/deliveries?limit=...
func (h *Handler) HandleDeliveries(c echo.Context) error {
	limit := 50
	if v, err := strconv.Atoi(c.QueryParam("limit")); err == nil && v > 0 && v <= 500 {
		limit = v
	}
	ds, err := h.manager.Deliveries(c.Request().Context(), c.Param("id"), limit)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, ds)
}
