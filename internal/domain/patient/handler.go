package patient

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/symptomlog/api/internal/domain/conversation"
	"github.com/symptomlog/api/internal/platform/auth"
)

type Handler struct {
	svc      *Service
	verifier auth.TokenVerifier
	logger   zerolog.Logger
}

func NewHandler(svc *Service, verifier auth.TokenVerifier, logger zerolog.Logger) *Handler {
	return &Handler{svc: svc, verifier: verifier, logger: logger}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/has_history/:patient_id", h.HasHistory)
	api.GET("/get_history/:patient_id", h.GetHistory)
	api.GET("/is_existing_patient/:email", h.IsExistingPatient)
	api.GET("/patient/:patient_id", h.GetPatient)
	api.PATCH("/patient/:patient_id", h.UpdatePatient)

	api.POST("/auth/google", h.GoogleLogin)
	api.POST("/auth/complete_signup", h.CompleteSignup)
}

// HistoryItem is one symptom entry as the frontend renders it.
type HistoryItem struct {
	Timestamp time.Time `json:"timestamp"`
	Title     string    `json:"title"`
	Summary   []string  `json:"summary"`
}

type LoginResponse struct {
	PatientID       uuid.UUID `json:"patient_id"`
	Mail            string    `json:"mail"`
	IsNew           bool      `json:"is_new"`
	ProfileComplete bool      `json:"profile_complete"`
}

// PatientID parses the :patient_id path parameter.
func PatientID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("patient_id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
	}
	return id, nil
}

func (h *Handler) HasHistory(c echo.Context) error {
	id, err := PatientID(c)
	if err != nil {
		return err
	}
	ok, err := h.svc.HasHistory(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, ok)
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := PatientID(c)
	if err != nil {
		return err
	}
	entries, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	items := make([]HistoryItem, 0, len(entries))
	for _, e := range entries {
		lines := conversation.SplitLines(e.Summary)
		if lines == nil {
			lines = []string{}
		}
		items = append(items, HistoryItem{Timestamp: e.Timestamp, Title: e.Title, Summary: lines})
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) IsExistingPatient(c echo.Context) error {
	ok, err := h.svc.Exists(c.Request().Context(), c.Param("email"))
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, ok)
}

func (h *Handler) GetPatient(c echo.Context) error {
	id, err := PatientID(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPatient(c.Request().Context(), id)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	id, err := PatientID(c)
	if err != nil {
		return err
	}
	var u Update
	if err := c.Bind(&u); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, err := h.svc.UpdatePatient(c.Request().Context(), id, u)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GoogleLogin(c echo.Context) error {
	var req struct {
		Token      string `json:"token"`
		Credential string `json:"credential"`
	}
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	token := req.Token
	if token == "" {
		token = req.Credential
	}

	ctx := c.Request().Context()
	id, err := h.verifier.Verify(ctx, token)
	if err != nil {
		return h.httpError(c, err)
	}
	p, created, err := h.svc.EnsureForLogin(ctx, id.Email)
	if err != nil {
		return h.httpError(c, err)
	}
	if created {
		h.logger.Info().Str("patient_id", p.ID.String()).Msg("patient created on first login")
	}
	return c.JSON(http.StatusOK, LoginResponse{
		PatientID:       p.ID,
		Mail:            p.Email,
		IsNew:           created,
		ProfileComplete: p.ProfileComplete(),
	})
}

func (h *Handler) CompleteSignup(c echo.Context) error {
	var req SignupRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	p, created, err := h.svc.Signup(c.Request().Context(), req)
	if err != nil {
		return h.httpError(c, err)
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, p)
}

func (h *Handler) httpError(c echo.Context, err error) error {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	case errors.Is(err, auth.ErrAuthInvalid):
		return echo.NewHTTPError(http.StatusUnauthorized, "invalid identity token")
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	case errors.Is(err, ErrEmailTaken):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	}
	h.logger.Error().Err(err).Str("path", c.Path()).Msg("patient request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
