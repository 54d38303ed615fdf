package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/auth"
)

// OperationMetrics counts completed ledger operations by entity and
// operation name for the metrics endpoint.
type OperationMetrics interface {
	LedgerOperationCounter(entity, operation string)
}

type nopMetrics struct{}

func (nopMetrics) LedgerOperationCounter(string, string) {}

// Service is the billing ledger: session discovery, invoice numbering, the
// atomic invoice commit, the manual paid toggle, and the invoice CRUD
// surface around them. Every mutating operation requires an identified
// actor in the context; there is no ambient current-user state.
type Service struct {
	sessions SessionRepository
	invoices InvoiceRepository
	metrics  OperationMetrics

	sequencer   *Sequencer
	locator     *Locator
	coordinator *Coordinator
	reconciler  *Reconciler
}

func NewService(sessions SessionRepository, invoices InvoiceRepository, logger zerolog.Logger) *Service {
	return &Service{
		sessions:    sessions,
		invoices:    invoices,
		metrics:     nopMetrics{},
		sequencer:   NewSequencer(invoices, logger),
		locator:     NewLocator(sessions, logger),
		coordinator: NewCoordinator(invoices, logger),
		reconciler:  NewReconciler(sessions, logger),
	}
}

// WithMetrics attaches an operation counter; a nil argument keeps the no-op.
func (s *Service) WithMetrics(m OperationMetrics) *Service {
	if m != nil {
		s.metrics = m
	}
	return s
}

// -- Sessions --

func (s *Service) CreateSession(ctx context.Context, actor *auth.Actor, sess *Session) error {
	if actor == nil {
		return auth.ErrNoActor
	}
	if sess.ClinicianID == uuid.Nil {
		sess.ClinicianID = actor.ID
	}
	if sess.Date.IsZero() {
		sess.Date = time.Now()
	}
	// New sessions always enter the ledger unbilled.
	sess.Paid = false
	sess.InvoiceID = nil
	if err := sess.Validate(); err != nil {
		return err
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return err
	}
	s.metrics.LedgerOperationCounter("session", "create")
	return nil
}

func (s *Service) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	return s.sessions.GetByID(ctx, id)
}

func (s *Service) ListSessionsByPatient(ctx context.Context, patientID uuid.UUID) ([]*Session, error) {
	return s.sessions.ListByPatient(ctx, patientID)
}

func (s *Service) ListSessionsByGroup(ctx context.Context, actor *auth.Actor, groupName string) ([]*Session, error) {
	if actor == nil {
		return nil, auth.ErrNoActor
	}
	return s.sessions.ListByGroup(ctx, actor.ID, groupName)
}

// -- Ledger operations --

// FindUnbilled returns the target's sessions not yet attached to an invoice.
func (s *Service) FindUnbilled(ctx context.Context, actor *auth.Actor, target BillingTarget) ([]*Session, error) {
	if actor == nil {
		return nil, auth.ErrNoActor
	}
	sessions, err := s.locator.FindUnbilled(ctx, actor.ID, target)
	if err != nil {
		return nil, err
	}
	s.metrics.LedgerOperationCounter("session", "find_unbilled")
	return sessions, nil
}

// NextInvoiceNumber returns the next number in the per-year series; on read
// failure it degrades to a timestamp-derived number rather than failing.
func (s *Service) NextInvoiceNumber(ctx context.Context) string {
	number := s.sequencer.Next(ctx)
	s.metrics.LedgerOperationCounter("invoice", "next_number")
	return number
}

// CreateInvoiceBatch persists the invoice and marks every referenced
// session paid+linked, atomically.
func (s *Service) CreateInvoiceBatch(ctx context.Context, actor *auth.Actor, inv *Invoice, refs []SessionRef) error {
	if actor == nil {
		return auth.ErrNoActor
	}
	if inv != nil && inv.ClinicianID == uuid.Nil {
		inv.ClinicianID = actor.ID
	}
	if err := s.coordinator.CreateInvoiceBatch(ctx, inv, refs); err != nil {
		return err
	}
	s.metrics.LedgerOperationCounter("invoice", "batch_create")
	return nil
}

// SetSessionPaid flips one session's paid flag outside the invoice flow.
func (s *Service) SetSessionPaid(ctx context.Context, actor *auth.Actor, sessionID uuid.UUID, paid bool) error {
	if actor == nil {
		return auth.ErrNoActor
	}
	if err := s.reconciler.SetPaid(ctx, sessionID, paid); err != nil {
		return err
	}
	s.metrics.LedgerOperationCounter("session", "set_paid")
	return nil
}

// -- Invoice CRUD --

// SaveInvoice stores an invoice without touching any session; used for
// drafts. Billing sessions go through CreateInvoiceBatch.
func (s *Service) SaveInvoice(ctx context.Context, actor *auth.Actor, inv *Invoice) error {
	if actor == nil {
		return auth.ErrNoActor
	}
	if inv.Status == "" {
		inv.Status = InvoiceStatusDraft
	}
	if inv.ClinicianID == uuid.Nil {
		inv.ClinicianID = actor.ID
	}
	if err := inv.Validate(); err != nil {
		return err
	}
	if err := s.invoices.Create(ctx, inv); err != nil {
		return err
	}
	s.metrics.LedgerOperationCounter("invoice", "create")
	return nil
}

func (s *Service) GetInvoice(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	return s.invoices.GetByID(ctx, id)
}

func (s *Service) ListInvoices(ctx context.Context, limit, offset int) ([]*Invoice, int, error) {
	return s.invoices.List(ctx, limit, offset)
}

func (s *Service) ListInvoicesByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	return s.invoices.ListByPatient(ctx, patientID, limit, offset)
}

// UpdateInvoiceStatus moves an invoice between draft/pending/paid. Marking
// paid stamps paid_at (now, unless supplied) and the payment method.
func (s *Service) UpdateInvoiceStatus(ctx context.Context, actor *auth.Actor, id uuid.UUID, status string, paidAt *time.Time, paymentMethod *string) error {
	if actor == nil {
		return auth.ErrNoActor
	}
	if !validInvoiceStatuses[status] {
		return fmt.Errorf("invalid invoice status: %s", status)
	}
	if status == InvoiceStatusPaid && paidAt == nil {
		now := time.Now()
		paidAt = &now
	}
	if status != InvoiceStatusPaid {
		paidAt = nil
		paymentMethod = nil
	}
	if err := s.invoices.UpdateStatus(ctx, id, status, paidAt, paymentMethod); err != nil {
		return err
	}
	s.metrics.LedgerOperationCounter("invoice", "update_status")
	return nil
}

// DeleteInvoice removes the invoice and its items. Sessions it billed stay
// paid and keep their invoice_id; deletion does not cascade to un-billing.
func (s *Service) DeleteInvoice(ctx context.Context, actor *auth.Actor, id uuid.UUID) error {
	if actor == nil {
		return auth.ErrNoActor
	}
	if err := s.invoices.Delete(ctx, id); err != nil {
		return err
	}
	s.metrics.LedgerOperationCounter("invoice", "delete")
	return nil
}
