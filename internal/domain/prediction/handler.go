package prediction

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

type Handler struct {
	predictor Predictor
	logger    zerolog.Logger
}

func NewHandler(predictor Predictor, logger zerolog.Logger) *Handler {
	return &Handler{predictor: predictor, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.POST("/energy/predictions", h.Predict)
}

func (h *Handler) Predict(c echo.Context) error {
	var in Input
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.predictor.Predict(c.Request().Context(), in)
	switch {
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrUnavailable):
		h.logger.Warn().Err(err).Msg("prediction request failed")
		return echo.NewHTTPError(http.StatusBadGateway, "prediction service unavailable")
	case err != nil:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, res)
}
