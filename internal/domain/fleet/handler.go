package fleet

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/resqlink/resqlink/internal/platform/auth"
	"github.com/resqlink/resqlink/internal/platform/geo"
	"github.com/resqlink/resqlink/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Hospital directory is readable by every role; patients see it on the map.
	readGroup := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleAmbulance, auth.RoleHospital))
	readGroup.GET("/hospitals", h.ListHospitals)
	readGroup.GET("/hospitals/nearest", h.NearestHospital)
	readGroup.GET("/hospitals/:id", h.GetHospital)

	crewGroup := api.Group("", auth.RequireRole(auth.RoleAmbulance, auth.RoleHospital))
	crewGroup.GET("/ambulances", h.ListAmbulances)
	crewGroup.GET("/ambulances/:id", h.GetAmbulance)

	ambulanceGroup := api.Group("", auth.RequireRole(auth.RoleAmbulance))
	ambulanceGroup.PUT("/ambulances/:id/location", h.UpdateLocation)
	ambulanceGroup.PUT("/ambulances/:id/availability", h.SetAvailability)

	adminGroup := api.Group("", auth.RequireRole(auth.RoleAdmin))
	adminGroup.POST("/hospitals", h.CreateHospital)
	adminGroup.PUT("/hospitals/:id", h.UpdateHospital)
	adminGroup.POST("/ambulances", h.CreateAmbulance)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// ownAmbulance rejects crews acting on an ambulance other than their own.
func ownAmbulance(c echo.Context, id uuid.UUID) error {
	caller := auth.IdentityFromContext(c.Request().Context())
	if caller == nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "missing identity")
	}
	if caller.HasRole(auth.RoleAdmin) || caller.AmbulanceID == id.String() {
		return nil
	}
	return echo.NewHTTPError(http.StatusForbidden, "not your ambulance")
}

// -- Hospital --

func (h *Handler) CreateHospital(c echo.Context) error {
	var hosp Hospital
	if err := c.Bind(&hosp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	hosp.Active = true
	if err := h.svc.CreateHospital(c.Request().Context(), &hosp); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, hosp)
}

func (h *Handler) GetHospital(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	hosp, err := h.svc.GetHospital(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, hosp)
}

func (h *Handler) UpdateHospital(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var hosp Hospital
	if err := c.Bind(&hosp); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	hosp.ID = id
	if err := h.svc.UpdateHospital(c.Request().Context(), &hosp); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, hosp)
}

func (h *Handler) ListHospitals(c echo.Context) error {
	pg := pagination.FromContext(c)
	activeOnly := c.QueryParam("active") != "false"
	items, total, err := h.svc.ListHospitals(c.Request().Context(), activeOnly, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

func (h *Handler) NearestHospital(c echo.Context) error {
	lat, errLat := strconv.ParseFloat(c.QueryParam("lat"), 64)
	lng, errLng := strconv.ParseFloat(c.QueryParam("lng"), 64)
	if errLat != nil || errLng != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "lat and lng are required")
	}
	hosp, err := h.svc.NearestHospital(c.Request().Context(), geo.Point{Lat: lat, Lng: lng})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, hosp)
}

// -- Ambulance --

func (h *Handler) CreateAmbulance(c echo.Context) error {
	var amb Ambulance
	if err := c.Bind(&amb); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.CreateAmbulance(c.Request().Context(), &amb); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, amb)
}

func (h *Handler) GetAmbulance(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	amb, err := h.svc.GetAmbulance(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, amb)
}

func (h *Handler) ListAmbulances(c echo.Context) error {
	pg := pagination.FromContext(c)
	availableOnly := c.QueryParam("available") == "true"
	items, total, err := h.svc.ListAmbulances(c.Request().Context(), availableOnly, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

type locationRequest struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

func (h *Handler) UpdateLocation(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := ownAmbulance(c, id); err != nil {
		return err
	}
	var req locationRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Latitude == nil || req.Longitude == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "latitude and longitude are required")
	}
	amb, err := h.svc.UpdateAmbulanceLocation(c.Request().Context(), id, geo.Point{Lat: *req.Latitude, Lng: *req.Longitude})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, amb)
}

type availabilityRequest struct {
	Available *bool `json:"available"`
}

func (h *Handler) SetAvailability(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := ownAmbulance(c, id); err != nil {
		return err
	}
	var req availabilityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Available == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "available is required")
	}
	ctx := c.Request().Context()
	if err := h.svc.SetAmbulanceAvailable(ctx, id, *req.Available); err != nil {
		return httpError(err)
	}
	amb, err := h.svc.GetAmbulance(ctx, id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, amb)
}
