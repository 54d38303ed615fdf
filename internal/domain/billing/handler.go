package billing

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/pagination"
)

var validate = validator.New()

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("", auth.RequireRole("admin", "billing"))

	// Ledger operations
	g.GET("/billing/unbilled", h.FindUnbilled)
	g.GET("/billing/next-number", h.NextNumber)
	g.POST("/billing/invoices", h.CreateInvoiceBatch)
	g.PATCH("/sessions/:id/paid", h.SetSessionPaid)

	// Sessions
	g.POST("/sessions", h.CreateSession)
	g.GET("/sessions", h.ListSessions)
	g.GET("/sessions/:id", h.GetSession)

	// Invoice CRUD
	g.POST("/invoices", h.SaveInvoice)
	g.GET("/invoices", h.ListInvoices)
	g.GET("/invoices/:id", h.GetInvoice)
	g.PUT("/invoices/:id/status", h.UpdateInvoiceStatus)
	g.DELETE("/invoices/:id", h.DeleteInvoice)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, auth.ErrNoActor):
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrInvoiceNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrDuplicateNumber):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// -- Ledger operations --

func (h *Handler) FindUnbilled(c echo.Context) error {
	actor := auth.ActorFromContext(c.Request().Context())

	var target BillingTarget
	if pid := c.QueryParam("patient_id"); pid != "" {
		id, err := uuid.Parse(pid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		target.PatientID = id
	} else if group := c.QueryParam("group"); group != "" {
		target.GroupName = group
	} else {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id or group is required")
	}

	sessions, err := h.svc.FindUnbilled(c.Request().Context(), actor, target)
	if err != nil {
		return httpError(err)
	}
	if sessions == nil {
		sessions = []*Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

func (h *Handler) NextNumber(c echo.Context) error {
	number := h.svc.NextInvoiceNumber(c.Request().Context())
	return c.JSON(http.StatusOK, map[string]string{"number": number})
}

type invoiceItemRequest struct {
	SessionID   uuid.UUID `json:"session_id" validate:"required"`
	Description string    `json:"description" validate:"required"`
	UnitPrice   float64   `json:"unit_price" validate:"gte=0"`
	Total       float64   `json:"total" validate:"gte=0"`
}

// sessionRefRequest fields are deliberately loose: references missing their
// linkage are skipped by the coordinator, not rejected up front.
type sessionRefRequest struct {
	SessionID uuid.UUID  `json:"session_id"`
	Kind      string     `json:"kind"`
	PatientID *uuid.UUID `json:"patient_id"`
}

type createInvoiceBatchRequest struct {
	ID          *uuid.UUID           `json:"id"`
	Number      string               `json:"number" validate:"required"`
	TargetName  string               `json:"target_name" validate:"required"`
	PatientID   *uuid.UUID           `json:"patient_id"`
	Items       []invoiceItemRequest `json:"items" validate:"required,min=1,dive"`
	Subtotal    float64              `json:"subtotal" validate:"gte=0"`
	TaxRate     float64              `json:"tax_rate" validate:"gte=0"`
	TaxAmount   float64              `json:"tax_amount" validate:"gte=0"`
	Total       float64              `json:"total" validate:"gte=0"`
	Date        time.Time            `json:"date"`
	DueDate     time.Time            `json:"due_date"`
	SessionRefs []sessionRefRequest  `json:"session_refs" validate:"required,min=1"`
}

func (req *createInvoiceBatchRequest) toInvoice() (*Invoice, []SessionRef) {
	inv := &Invoice{
		Number:     req.Number,
		TargetName: req.TargetName,
		PatientID:  req.PatientID,
		Subtotal:   req.Subtotal,
		TaxRate:    req.TaxRate,
		TaxAmount:  req.TaxAmount,
		Total:      req.Total,
		Status:     InvoiceStatusPending,
		Date:       req.Date,
		DueDate:    req.DueDate,
	}
	if req.ID != nil {
		inv.ID = *req.ID
	}
	if inv.Date.IsZero() {
		inv.Date = time.Now()
	}
	if inv.DueDate.IsZero() {
		inv.DueDate = inv.Date.AddDate(0, 1, 0)
	}
	for _, item := range req.Items {
		inv.Items = append(inv.Items, InvoiceItem{
			SessionID:   item.SessionID,
			Description: item.Description,
			UnitPrice:   item.UnitPrice,
			Total:       item.Total,
		})
	}
	refs := make([]SessionRef, 0, len(req.SessionRefs))
	for _, r := range req.SessionRefs {
		refs = append(refs, SessionRef{SessionID: r.SessionID, Kind: r.Kind, PatientID: r.PatientID})
	}
	return inv, refs
}

func (h *Handler) CreateInvoiceBatch(c echo.Context) error {
	var req createInvoiceBatchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	inv, refs := req.toInvoice()
	actor := auth.ActorFromContext(c.Request().Context())
	if err := h.svc.CreateInvoiceBatch(c.Request().Context(), actor, inv, refs); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		}
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, inv)
}

type setPaidRequest struct {
	Paid *bool `json:"paid" validate:"required"`
}

func (h *Handler) SetSessionPaid(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req setPaidRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.ActorFromContext(c.Request().Context())
	if err := h.svc.SetSessionPaid(c.Request().Context(), actor, id, *req.Paid); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

// -- Sessions --

type createSessionRequest struct {
	Kind      string     `json:"kind" validate:"required,oneof=individual group"`
	PatientID *uuid.UUID `json:"patient_id"`
	GroupName *string    `json:"group_name"`
	Date      time.Time  `json:"date"`
	Price     float64    `json:"price" validate:"gte=0"`
}

func (h *Handler) CreateSession(c echo.Context) error {
	var req createSessionRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	sess := &Session{
		Kind:      req.Kind,
		PatientID: req.PatientID,
		GroupName: req.GroupName,
		Date:      req.Date,
		Price:     req.Price,
	}
	actor := auth.ActorFromContext(c.Request().Context())
	if err := h.svc.CreateSession(c.Request().Context(), actor, sess); err != nil {
		if errors.Is(err, auth.ErrNoActor) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, sess)
}

func (h *Handler) ListSessions(c echo.Context) error {
	ctx := c.Request().Context()
	if pid := c.QueryParam("patient_id"); pid != "" {
		id, err := uuid.Parse(pid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		sessions, err := h.svc.ListSessionsByPatient(ctx, id)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, sessions)
	}
	if group := c.QueryParam("group"); group != "" {
		actor := auth.ActorFromContext(ctx)
		sessions, err := h.svc.ListSessionsByGroup(ctx, actor, group)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, sessions)
	}
	return echo.NewHTTPError(http.StatusBadRequest, "patient_id or group is required")
}

func (h *Handler) GetSession(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	sess, err := h.svc.GetSession(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sess)
}

// -- Invoice CRUD --

func (h *Handler) SaveInvoice(c echo.Context) error {
	var inv Invoice
	if err := c.Bind(&inv); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.ActorFromContext(c.Request().Context())
	if err := h.svc.SaveInvoice(c.Request().Context(), actor, &inv); err != nil {
		if errors.Is(err, auth.ErrNoActor) || errors.Is(err, ErrDuplicateNumber) {
			return httpError(err)
		}
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusCreated, inv)
}

func (h *Handler) ListInvoices(c echo.Context) error {
	pg := pagination.FromContext(c)
	ctx := c.Request().Context()
	if pid := c.QueryParam("patient_id"); pid != "" {
		id, err := uuid.Parse(pid)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid patient_id")
		}
		items, total, err := h.svc.ListInvoicesByPatient(ctx, id, pg.Limit, pg.Offset)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
	}
	items, total, err := h.svc.ListInvoices(ctx, pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetInvoice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	inv, err := h.svc.GetInvoice(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, inv)
}

type updateStatusRequest struct {
	Status        string     `json:"status" validate:"required,oneof=draft pending paid"`
	PaidAt        *time.Time `json:"paid_at"`
	PaymentMethod *string    `json:"payment_method"`
}

func (h *Handler) UpdateInvoiceStatus(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var req updateStatusRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := validate.Struct(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	actor := auth.ActorFromContext(c.Request().Context())
	if err := h.svc.UpdateInvoiceStatus(c.Request().Context(), actor, id, req.Status, req.PaidAt, req.PaymentMethod); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) DeleteInvoice(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	actor := auth.ActorFromContext(c.Request().Context())
	if err := h.svc.DeleteInvoice(c.Request().Context(), actor, id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
