package allocation

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hospital/ops/internal/domain/records"
	"github.com/hospital/ops/pkg/pagination"
)

type Handler struct {
	svc  *Service
	repo records.Repository
}

func NewHandler(svc *Service, repo records.Repository) *Handler {
	return &Handler{svc: svc, repo: repo}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	// Reads go straight to the store.
	api.GET("/beds", h.ListBeds)
	api.GET("/beds/:id", h.GetBed)
	api.GET("/patients", h.ListPatients)
	api.GET("/patients/:id", h.GetPatient)
	api.GET("/staff", h.ListStaff)
	api.GET("/equipment", h.ListEquipment)
	api.GET("/consistency", h.CheckConsistency)

	// Every write goes through the engine.
	api.POST("/beds/:id/assign", h.AssignBed)
	api.POST("/beds/:id/release", h.ReleaseBed)
	api.POST("/beds/:id/reserve", h.ReserveBed)
	api.PUT("/equipment/:id/usage", h.SetEquipmentUsage)
	api.PATCH("/patients/:id", h.UpdatePatient)
	api.POST("/patients/:id/discharge", h.DischargePatient)
	api.PUT("/patients/:id/staff", h.ReassignStaff)
	api.POST("/patients/:id/release", h.ReleasePatientResources)
	api.POST("/patients/reconcile", h.ReconcileBatch)
	api.POST("/staff/recount", h.RecountStaffLoad)
}

var kindStatus = map[ErrorKind]int{
	KindNotFound:     http.StatusNotFound,
	KindValidation:   http.StatusBadRequest,
	KindInvalidState: http.StatusConflict,
	KindConflict:     http.StatusConflict,
	KindPersistence:  http.StatusServiceUnavailable,
}

func httpError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return echo.NewHTTPError(kindStatus[e.Kind], e.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func storeError(kind records.Kind, id string, err error) error {
	return httpError(fromRead(kind, id, err))
}

// -- Reads --

func (h *Handler) ListBeds(c echo.Context) error {
	beds, err := h.repo.ListBeds(c.Request().Context())
	if err != nil {
		return storeError(records.KindBed, "", err)
	}
	ward, status := records.Ward(c.QueryParam("ward")), records.BedStatus(c.QueryParam("status"))
	out := beds[:0]
	for _, b := range beds {
		if (ward == "" || b.Ward == ward) && (status == "" || b.Status == status) {
			out = append(out, b)
		}
	}
	return c.JSON(http.StatusOK, pagination.Page(out, pagination.FromContext(c)))
}

func (h *Handler) GetBed(c echo.Context) error {
	b, err := h.repo.GetBed(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storeError(records.KindBed, c.Param("id"), err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ListPatients(c echo.Context) error {
	patients, err := h.repo.ListPatients(c.Request().Context())
	if err != nil {
		return storeError(records.KindPatient, "", err)
	}
	status := records.PatientStatus(c.QueryParam("status"))
	out := patients[:0]
	for _, p := range patients {
		if status == "" || p.Status == status {
			out = append(out, p)
		}
	}
	return c.JSON(http.StatusOK, pagination.Page(out, pagination.FromContext(c)))
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.repo.GetPatient(c.Request().Context(), c.Param("id"))
	if err != nil {
		return storeError(records.KindPatient, c.Param("id"), err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ListStaff(c echo.Context) error {
	staff, err := h.repo.ListStaff(c.Request().Context())
	if err != nil {
		return storeError(records.KindStaff, "", err)
	}
	return c.JSON(http.StatusOK, pagination.Page(staff, pagination.FromContext(c)))
}

func (h *Handler) ListEquipment(c echo.Context) error {
	items, err := h.repo.ListEquipment(c.Request().Context())
	if err != nil {
		return storeError(records.KindEquipment, "", err)
	}
	status := records.EquipmentStatus(c.QueryParam("status"))
	out := items[:0]
	for _, e := range items {
		if status == "" || e.Status == status {
			out = append(out, e)
		}
	}
	return c.JSON(http.StatusOK, pagination.Page(out, pagination.FromContext(c)))
}

func (h *Handler) CheckConsistency(c echo.Context) error {
	rep, err := h.svc.CheckConsistency(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, rep)
}

// -- Engine operations --

type assignRequest struct {
	PatientID string `json:"patientId"`
}

func (h *Handler) AssignBed(c echo.Context) error {
	var req assignRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.AssignBed(c.Request().Context(), c.Param("id"), req.PatientID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

func (h *Handler) ReleaseBed(c echo.Context) error {
	b, err := h.svc.ReleaseBed(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

type reserveRequest struct {
	Name          string    `json:"name"`
	AdmissionTime time.Time `json:"admissionTime"`
}

func (h *Handler) ReserveBed(c echo.Context) error {
	var req reserveRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	b, err := h.svc.ReserveBed(c.Request().Context(), c.Param("id"), req.Name, req.AdmissionTime)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, b)
}

type usageRequest struct {
	Status     records.EquipmentStatus `json:"status"`
	Patient    *string                 `json:"patient"`
	Department *string                 `json:"department"`
}

func (h *Handler) SetEquipmentUsage(c echo.Context) error {
	var req usageRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	e, err := h.svc.SetEquipmentUsage(c.Request().Context(), c.Param("id"), req.Status, req.Patient, req.Department)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) UpdatePatient(c echo.Context) error {
	var ch PatientChanges
	if err := c.Bind(&ch); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.ApplyPatientUpdate(c.Request().Context(), c.Param("id"), ch)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type dischargeRequest struct {
	DischargeDate *time.Time `json:"dischargeDate"`
}

func (h *Handler) DischargePatient(c echo.Context) error {
	var req dischargeRequest
	if c.Request().ContentLength > 0 {
		if err := c.Bind(&req); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
	}
	p, err := h.svc.DischargeTransition(c.Request().Context(), c.Param("id"), req.DischargeDate)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type staffRequest struct {
	Role    StaffRole `json:"role"`
	StaffID *string   `json:"staffId"`
}

func (h *Handler) ReassignStaff(c echo.Context) error {
	var req staffRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.ReassignStaff(c.Request().Context(), c.Param("id"), req.Role, req.StaffID)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ReleasePatientResources(c echo.Context) error {
	p, err := h.svc.ReleasePatientResources(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) ReconcileBatch(c echo.Context) error {
	var payloads []PatientPayload
	if err := json.NewDecoder(c.Request().Body).Decode(&payloads); err != nil {
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return echo.NewHTTPError(http.StatusBadRequest, "body must be a JSON array of patients: "+err.Error())
	}
	res, err := h.svc.ReconcileBatch(c.Request().Context(), payloads)
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, res)
	}
	return c.JSON(http.StatusOK, res)
}

func (h *Handler) RecountStaffLoad(c echo.Context) error {
	apply, _ := strconv.ParseBool(c.QueryParam("apply"))
	drift, err := h.svc.RecountStaffLoad(c.Request().Context(), apply)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"applied": apply,
		"drift":   drift,
	})
}
