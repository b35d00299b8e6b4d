package eligibility

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/trialmatch/internal/platform/auth"
	"github.com/ehr/trialmatch/internal/platform/fhir"
)

// Handler provides HTTP handlers for eligibility evaluation.
type Handler struct {
	svc *Service
}

// NewHandler creates a new eligibility handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes registers the eligibility routes.
func (h *Handler) RegisterRoutes(api *echo.Group, fhirGroup *echo.Group) {
	role := auth.RequireRole(auth.RoleAdmin, auth.RolePhysician, auth.RoleResearcher)

	g := api.Group("/eligibility", role)
	g.POST("/evaluate", h.Evaluate)
	g.POST("/validate", h.Validate)

	fhirRead := fhirGroup.Group("", role)
	fhirRead.POST("/Patient/:id/$evaluate-eligibility", h.EvaluateFHIR)
}

func (h *Handler) Evaluate(c echo.Context) error {
	var req EvaluateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	c.Set("patient_id", req.PatientID)
	report, err := h.svc.Evaluate(c.Request().Context(), req.PatientID, req.Criteria, req.ReferenceTime)
	if err != nil {
		return evaluationError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) Validate(c echo.Context) error {
	var req ValidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := c.Validate(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	resp, err := h.svc.Validate(req.Criteria)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, resp)
}

// EvaluateFHIR handles POST /fhir/Patient/:id/$evaluate-eligibility with the
// criteria tree as the request body. Errors are returned as OperationOutcome.
func (h *Handler) EvaluateFHIR(c echo.Context) error {
	req := EvaluateRequest{PatientID: c.Param("id")}
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("unreadable body"))
	}
	if !json.Valid(body) {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome("body must be a JSON criteria tree"))
	}
	req.Criteria = body
	if err := c.Validate(&req); err != nil {
		return c.JSON(http.StatusBadRequest, fhir.InvalidOutcome(err.Error()))
	}
	c.Set("patient_id", req.PatientID)
	report, err := h.svc.Evaluate(c.Request().Context(), req.PatientID, req.Criteria, nil)
	if err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			return c.JSON(http.StatusUnprocessableEntity, fhir.ValidationOutcome(ve.Path, ve.Reason))
		}
		return c.JSON(http.StatusInternalServerError, fhir.InternalErrorOutcome(err.Error()))
	}
	return c.JSON(http.StatusOK, report)
}

func evaluationError(err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]string{
			"error": ve.Reason,
			"path":  ve.Path,
		})
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
