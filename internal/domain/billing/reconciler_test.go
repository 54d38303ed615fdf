package billing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func TestReconciler_SetPaid(t *testing.T) {
	sessions := newMockSessionRepo()
	clinician := uuid.New()
	patient := uuid.New()

	s := seedSession(t, sessions, &Session{
		Kind: SessionKindIndividual, PatientID: uuidPtr(patient),
		ClinicianID: clinician, Date: time.Now(), Price: 50,
	})

	rc := NewReconciler(sessions, zerolog.Nop())
	if err := rc.SetPaid(context.Background(), s.ID, true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := sessions.GetByID(context.Background(), s.ID)
	if !got.Paid {
		t.Error("expected session marked paid")
	}
	if got.InvoiceID != nil {
		t.Error("manual toggle must not invent an invoice link")
	}
}

// Un-paying a session that an invoice billed leaves the invoice link in
// place; the flag and the linked invoice can disagree afterwards.
func TestReconciler_UnpayKeepsInvoiceLink(t *testing.T) {
	sessions := newMockSessionRepo()
	invoices := newMockInvoiceRepo(sessions)
	clinician := uuid.New()
	patient := uuid.New()

	s := seedSession(t, sessions, &Session{
		Kind: SessionKindIndividual, PatientID: uuidPtr(patient),
		ClinicianID: clinician, Date: time.Now(), Price: 50,
	})
	inv := &Invoice{
		Number:     "INV-2026-001",
		TargetName: "Ana Torres",
		Items:      []InvoiceItem{itemFor(s, "x")},
		Subtotal:   50,
		Total:      50,
		Status:     InvoiceStatusPending,
	}
	if err := invoices.CreateBatch(context.Background(), inv, []SessionRef{refFor(s)}); err != nil {
		t.Fatalf("batch commit: %v", err)
	}

	rc := NewReconciler(sessions, zerolog.Nop())
	if err := rc.SetPaid(context.Background(), s.ID, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, _ := sessions.GetByID(context.Background(), s.ID)
	if got.Paid {
		t.Error("expected session unpaid after toggle")
	}
	if got.InvoiceID == nil || *got.InvoiceID != inv.ID {
		t.Error("expected invoice link untouched by the toggle")
	}
}

func TestReconciler_SetPaid_MissingSession(t *testing.T) {
	rc := NewReconciler(newMockSessionRepo(), zerolog.Nop())
	err := rc.SetPaid(context.Background(), uuid.New(), true)
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestReconciler_SetPaid_WriteFailurePropagates(t *testing.T) {
	sessions := newMockSessionRepo()
	sessions.setPaidErr = errors.New("disk full")
	rc := NewReconciler(sessions, zerolog.Nop())

	err := rc.SetPaid(context.Background(), uuid.New(), true)
	if !errors.Is(err, sessions.setPaidErr) {
		t.Fatalf("expected write error propagated, got %v", err)
	}
}
