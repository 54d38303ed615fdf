package billing

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSessionNotFound is returned when a referenced session record does
	// not exist. Inside a batch commit it aborts the whole write.
	ErrSessionNotFound = errors.New("session not found")
	// ErrInvoiceNotFound is returned for lookups of unknown invoices.
	ErrInvoiceNotFound = errors.New("invoice not found")
	// ErrDuplicateNumber is returned when an invoice number collides with
	// an already persisted one.
	ErrDuplicateNumber = errors.New("invoice number already exists")
)

type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByID(ctx context.Context, id uuid.UUID) (*Session, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Session, error)
	ListByGroup(ctx context.Context, clinicianID uuid.UUID, groupName string) ([]*Session, error)
	SetPaid(ctx context.Context, id uuid.UUID, paid bool) error
}

type InvoiceRepository interface {
	Create(ctx context.Context, inv *Invoice) error
	GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error)
	// LatestNumber returns the lexicographically greatest invoice number
	// with the ledger prefix, or "" when no invoice exists yet.
	LatestNumber(ctx context.Context) (string, error)
	List(ctx context.Context, limit, offset int) ([]*Invoice, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string, paidAt *time.Time, paymentMethod *string) error
	Delete(ctx context.Context, id uuid.UUID) error
	// CreateBatch persists the invoice with its items and marks every
	// referenced session paid and linked, in one all-or-nothing write.
	CreateBatch(ctx context.Context, inv *Invoice, refs []SessionRef) error
}
