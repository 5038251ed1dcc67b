package consult

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/symptomlog/api/internal/domain/conversation"
	"github.com/symptomlog/api/internal/domain/patient"
)

type Handler struct {
	sessions SessionStore
	records  RecordStore
	logger   zerolog.Logger
	now      func() time.Time
}

func NewHandler(sessions SessionStore, records RecordStore, logger zerolog.Logger) *Handler {
	return &Handler{sessions: sessions, records: records, logger: logger, now: time.Now}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	api.GET("/response/:patient_id", h.Respond)
	api.POST("/save_summary/:patient_id", h.SaveSummary)
	api.GET("/doctor_report/:patient_id", h.DoctorReport)
	api.GET("/doctor_report/:patient_id/pdf", h.DoctorReportPDF)
	api.POST("/reset/:patient_id", h.Reset)
}

type TurnResponse struct {
	Answer string `json:"answer"`
	Stop   bool   `json:"stop"`
}

type ReportResponse struct {
	Reason     string   `json:"reason"`
	HPI        []string `json:"HPI"`
	Impression string   `json:"impression"`
}

func (h *Handler) manager(c echo.Context) (*Manager, error) {
	id, err := patient.PatientID(c)
	if err != nil {
		return nil, err
	}
	m, err := h.sessions.GetOrCreate(c.Request().Context(), id)
	if err != nil {
		return nil, h.httpError(c, err)
	}
	return m, nil
}

func prompt(c echo.Context) (string, error) {
	p := strings.TrimSpace(c.QueryParam("prompt"))
	if p == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "prompt is required")
	}
	return p, nil
}

func (h *Handler) Respond(c echo.Context) error {
	text, err := prompt(c)
	if err != nil {
		return err
	}
	m, err := h.manager(c)
	if err != nil {
		return err
	}
	answer, ended, err := m.HandleTurn(c.Request().Context(), text)
	if err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, TurnResponse{Answer: answer, Stop: ended})
}

func (h *Handler) SaveSummary(c echo.Context) error {
	m, err := h.manager(c)
	if err != nil {
		return err
	}
	if err := m.Finalize(c.Request().Context()); err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "saved"})
}

func (h *Handler) buildReport(c echo.Context) (*Manager, conversation.DoctorReport, error) {
	reason, err := prompt(c)
	if err != nil {
		return nil, conversation.DoctorReport{}, err
	}
	m, err := h.manager(c)
	if err != nil {
		return nil, conversation.DoctorReport{}, err
	}
	report, err := m.BuildDoctorReport(c.Request().Context(), reason)
	if err != nil {
		return nil, conversation.DoctorReport{}, h.httpError(c, err)
	}
	return m, report, nil
}

func (h *Handler) DoctorReport(c echo.Context) error {
	_, report, err := h.buildReport(c)
	if err != nil {
		return err
	}
	hpi := report.HPILines()
	if hpi == nil {
		hpi = []string{}
	}
	return c.JSON(http.StatusOK, ReportResponse{Reason: report.Reason, HPI: hpi, Impression: report.Impression})
}

func (h *Handler) DoctorReportPDF(c echo.Context) error {
	m, report, err := h.buildReport(c)
	if err != nil {
		return err
	}
	p, err := h.records.GetPatient(c.Request().Context(), m.PatientID())
	if err != nil {
		return h.httpError(c, err)
	}
	doc, err := RenderReportPDF(p, report, h.now())
	if err != nil {
		return h.httpError(c, err)
	}
	c.Response().Header().Set(echo.HeaderContentDisposition,
		fmt.Sprintf(`attachment; filename="doctor_report_%s.pdf"`, m.PatientID()))
	return c.Blob(http.StatusOK, "application/pdf", doc)
}

func (h *Handler) Reset(c echo.Context) error {
	m, err := h.manager(c)
	if err != nil {
		return err
	}
	if err := m.Reset(c.Request().Context()); err != nil {
		return h.httpError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}

func (h *Handler) httpError(c echo.Context, err error) error {
	var verr *patient.ValidationError
	switch {
	case errors.Is(err, conversation.ErrMissingContext):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.As(err, &verr):
		return echo.NewHTTPError(http.StatusBadRequest, verr.Error())
	case errors.Is(err, patient.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "patient not found")
	}
	h.logger.Error().Err(err).Str("path", c.Path()).Str("patient_id", c.Param("patient_id")).Msg("consult request failed")
	return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
}
