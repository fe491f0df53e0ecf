package emergency

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
	// Read endpoints – any authenticated role, record access checked per item
	readGroup := api.Group("", auth.RequireRole(auth.RolePatient, auth.RoleAmbulance, auth.RoleHospital))
	readGroup.GET("/emergencies", h.ListEmergencies)
	readGroup.GET("/emergencies/:id", h.GetEmergency)
	readGroup.GET("/emergencies/:id/history", h.GetHistory)

	patientGroup := api.Group("", auth.RequireRole(auth.RolePatient))
	patientGroup.POST("/emergencies", h.CreateEmergency)
	patientGroup.GET("/emergencies/active", h.GetActiveEmergency)
	patientGroup.POST("/emergencies/:id/confirm", h.ConfirmEmergency)
	patientGroup.POST("/emergencies/:id/cancel", h.CancelEmergency)

	ambulanceGroup := api.Group("", auth.RequireRole(auth.RoleAmbulance))
	ambulanceGroup.GET("/emergencies/pending", h.ListPending)
	ambulanceGroup.POST("/emergencies/:id/accept", h.AcceptEmergency)
	ambulanceGroup.POST("/emergencies/:id/status", h.AdvanceEmergency)

	hospitalGroup := api.Group("", auth.RequireRole(auth.RoleHospital))
	hospitalGroup.POST("/emergencies/:id/override", h.OverrideEmergency)
}

// httpError maps domain errors onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrForbiddenActor), errors.Is(err, ErrNotAssigned):
		return echo.NewHTTPError(http.StatusForbidden, err.Error())
	case errors.Is(err, ErrConflict), errors.Is(err, ErrActiveEmergencyExists), errors.Is(err, ErrAmbulanceBusy):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNoHospital):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func identity(c echo.Context) (*auth.Identity, error) {
	id := auth.IdentityFromContext(c.Request().Context())
	if id == nil {
		return nil, echo.NewHTTPError(http.StatusUnauthorized, "missing identity")
	}
	return id, nil
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

// fleetID reads the ambulance or hospital the caller acts for. Admins may
// name one explicitly.
func fleetID(id *auth.Identity, fromClaim, explicit string, what string) (uuid.UUID, error) {
	raw := fromClaim
	if raw == "" && id.HasRole(auth.RoleAdmin) {
		raw = explicit
	}
	if raw == "" {
		return uuid.Nil, echo.NewHTTPError(http.StatusForbidden, "caller is not bound to a "+what)
	}
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid "+what+"_id")
	}
	return parsed, nil
}

// -- Create and read --

type createRequest struct {
	PatientID        string   `json:"patient_id"`
	PatientName      string   `json:"patient_name"`
	PatientPhone     *string  `json:"patient_phone"`
	PatientPushToken *string  `json:"patient_push_token"`
	Latitude         *float64 `json:"latitude"`
	Longitude        *float64 `json:"longitude"`
	Description      *string  `json:"description"`
	Priority         Priority `json:"priority"`
}

func (h *Handler) CreateEmergency(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	var req createRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Latitude == nil || req.Longitude == nil {
		return echo.NewHTTPError(http.StatusBadRequest, "latitude and longitude are required")
	}

	patientID := id.Subject
	if id.HasRole(auth.RoleAdmin) && req.PatientID != "" {
		patientID = req.PatientID
	}
	e := &Emergency{
		PatientID:        patientID,
		PatientName:      req.PatientName,
		PatientPhone:     req.PatientPhone,
		PatientPushToken: req.PatientPushToken,
		Latitude:         *req.Latitude,
		Longitude:        *req.Longitude,
		Description:      req.Description,
		Priority:         req.Priority,
	}
	if err := h.svc.Create(c.Request().Context(), e); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) GetEmergency(c echo.Context) error {
	caller, err := identity(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if !CanView(caller, e) {
		return echo.NewHTTPError(http.StatusForbidden, "not allowed to view this emergency")
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) GetHistory(c echo.Context) error {
	caller, err := identity(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if !CanView(caller, e) {
		return echo.NewHTTPError(http.StatusForbidden, "not allowed to view this emergency")
	}
	items, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) GetActiveEmergency(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	e, err := h.svc.GetActiveForPatient(c.Request().Context(), id.Subject)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// ListEmergencies narrows the listing to what the caller may see: patients
// their own, crews their ambulance, hospital staff their hospital.
func (h *Handler) ListEmergencies(c echo.Context) error {
	id, err := identity(c)
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()

	params := map[string]string{}
	for _, k := range []string{"patient_id", "ambulance_id", "hospital_id", "status", "priority", "active"} {
		if v := c.QueryParam(k); v != "" {
			params[k] = v
		}
	}
	if !id.HasRole(auth.RoleAdmin) {
		key, value := "", ""
		switch {
		case id.HasRole(auth.RolePatient):
			key, value = "patient_id", id.Subject
		case id.HasRole(auth.RoleAmbulance):
			key, value = "ambulance_id", id.AmbulanceID
		case id.HasRole(auth.RoleHospital):
			key, value = "hospital_id", id.HospitalID
		}
		if value == "" {
			return echo.NewHTTPError(http.StatusForbidden, "caller is not bound to any emergencies")
		}
		params[key] = value
	}

	var (
		items []*Emergency
		total int
	)
	switch {
	case len(params) == 1 && params["patient_id"] != "":
		items, total, err = h.svc.ListByPatient(ctx, params["patient_id"], pg.Limit, pg.Offset)
	case len(params) == 1 && params["ambulance_id"] != "":
		aid, perr := uuid.Parse(params["ambulance_id"])
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid ambulance_id")
		}
		items, total, err = h.svc.ListByAmbulance(ctx, aid, pg.Limit, pg.Offset)
	case len(params) == 1 && params["hospital_id"] != "":
		hid, perr := uuid.Parse(params["hospital_id"])
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid hospital_id")
		}
		items, total, err = h.svc.ListByHospital(ctx, hid, pg.Limit, pg.Offset)
	default:
		items, total, err = h.svc.Search(ctx, params, pg.Limit, pg.Offset)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

// ListPending returns the dispatch queue, nearest first when ?lat=&lng= are
// given.
func (h *Handler) ListPending(c echo.Context) error {
	pg := pagination.FromContext(c)
	var near *geo.Point
	if lat, lng := c.QueryParam("lat"), c.QueryParam("lng"); lat != "" || lng != "" {
		la, err1 := strconv.ParseFloat(lat, 64)
		ln, err2 := strconv.ParseFloat(lng, 64)
		if err1 != nil || err2 != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "lat and lng must both be numbers")
		}
		near = &geo.Point{Lat: la, Lng: ln}
	}
	items, total, err := h.svc.ListPending(c.Request().Context(), near, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset).WithLinks(c.Request().URL))
}

// -- Transitions --

type acceptRequest struct {
	AmbulanceID string     `json:"ambulance_id"`
	HospitalID  *uuid.UUID `json:"hospital_id"`
}

func (h *Handler) AcceptEmergency(c echo.Context) error {
	caller, err := identity(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req acceptRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ambulanceID, err := fleetID(caller, caller.AmbulanceID, req.AmbulanceID, "ambulance")
	if err != nil {
		return err
	}
	e, err := h.svc.Accept(c.Request().Context(), id, ambulanceID, req.HospitalID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

type statusRequest struct {
	Status Status `json:"status"`
}

// AdvanceEmergency moves the emergency along the crew-driven steps. An empty
// status means the next step. Admins without an ambulance binding may apply
// any legal transition.
func (h *Handler) AdvanceEmergency(c echo.Context) error {
	caller, err := identity(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req statusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	var e *Emergency
	if caller.AmbulanceID == "" && caller.HasRole(auth.RoleAdmin) {
		if req.Status == "" {
			return echo.NewHTTPError(http.StatusBadRequest, "status is required")
		}
		e, err = h.svc.AdminTransition(ctx, id, req.Status, caller.Subject)
	} else {
		ambulanceID, ferr := fleetID(caller, caller.AmbulanceID, "", "ambulance")
		if ferr != nil {
			return ferr
		}
		e, err = h.svc.Advance(ctx, id, ambulanceID, req.Status)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ConfirmEmergency(c echo.Context) error {
	caller, err := identity(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.Confirm(c.Request().Context(), id, caller.Subject)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) CancelEmergency(c echo.Context) error {
	caller, err := identity(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	e, err := h.svc.Cancel(c.Request().Context(), id, caller.Subject)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

type overrideRequest struct {
	HospitalID string `json:"hospital_id"`
}

func (h *Handler) OverrideEmergency(c echo.Context) error {
	caller, err := identity(c)
	if err != nil {
		return err
	}
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var req overrideRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	hospitalID, err := fleetID(caller, caller.HospitalID, req.HospitalID, "hospital")
	if err != nil {
		return err
	}
	e, err := h.svc.HospitalOverride(c.Request().Context(), id, hospitalID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}
