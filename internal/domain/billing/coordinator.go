package billing

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Coordinator commits a new invoice together with the paid/linked updates of
// every session it bills, as one all-or-nothing write.
//
// Two deliberately different tolerances meet here. Malformed input, such as
// an individual session reference with no patient linkage, is dropped with a
// log line and the rest of the batch proceeds. A well-formed reference that
// fails to resolve at commit time aborts the entire batch instead; a half
// written invoice is exactly the phantom-revenue bug this engine exists to
// prevent.
//
// Concurrent coordinators are not serialized against each other: the
// unbilled read and the commit are separate operations, so two overlapping
// commits can both bill the same session and the later invoice_id write
// wins. Accepted for single-clinician volumes; hardening would be a
// conditional update requiring paid = FALSE at commit time.
type Coordinator struct {
	invoices InvoiceRepository
	logger   zerolog.Logger
}

func NewCoordinator(invoices InvoiceRepository, logger zerolog.Logger) *Coordinator {
	return &Coordinator{invoices: invoices, logger: logger}
}

// CreateInvoiceBatch validates the invoice, filters malformed references,
// and persists everything atomically. On any error nothing is persisted.
func (co *Coordinator) CreateInvoiceBatch(ctx context.Context, inv *Invoice, refs []SessionRef) error {
	if inv == nil {
		return fmt.Errorf("invoice is required")
	}
	if inv.Status == "" {
		inv.Status = InvoiceStatusPending
	}
	if err := inv.Validate(); err != nil {
		return fmt.Errorf("invalid invoice: %w", err)
	}

	usable := make([]SessionRef, 0, len(refs))
	for _, ref := range refs {
		if ref.SessionID == uuid.Nil {
			co.logger.Warn().Str("invoice", inv.Number).
				Msg("skipping session reference without id")
			continue
		}
		if ref.Kind == SessionKindIndividual && (ref.PatientID == nil || *ref.PatientID == uuid.Nil) {
			co.logger.Warn().Str("invoice", inv.Number).
				Str("session_id", ref.SessionID.String()).
				Msg("skipping individual session reference without patient linkage")
			continue
		}
		usable = append(usable, ref)
	}
	if len(usable) == 0 {
		return fmt.Errorf("no usable session references")
	}

	if err := co.invoices.CreateBatch(ctx, inv, usable); err != nil {
		return fmt.Errorf("commit invoice %s: %w", inv.Number, err)
	}
	return nil
}
