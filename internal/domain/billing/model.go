package billing

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Session kinds.
const (
	SessionKindIndividual = "individual"
	SessionKindGroup      = "group"
)

var validSessionKinds = map[string]bool{
	SessionKindIndividual: true,
	SessionKindGroup:      true,
}

// Invoice statuses.
const (
	InvoiceStatusDraft   = "draft"
	InvoiceStatusPending = "pending"
	InvoiceStatusPaid    = "paid"
)

var validInvoiceStatuses = map[string]bool{
	InvoiceStatusDraft:   true,
	InvoiceStatusPending: true,
	InvoiceStatusPaid:    true,
}

// Session maps to the sessions table: one billable unit of clinical work.
// Individual sessions belong to a patient; group sessions are tagged with a
// free-text group name scoped to the clinician who runs the group. Sessions
// are created unpaid and unlinked; they become paid+linked through the
// invoice batch commit or the manual paid toggle, never deleted from here.
type Session struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	Kind        string     `db:"kind" json:"kind"`
	PatientID   *uuid.UUID `db:"patient_id" json:"patient_id,omitempty"`
	GroupName   *string    `db:"group_name" json:"group_name,omitempty"`
	ClinicianID uuid.UUID  `db:"clinician_id" json:"clinician_id"`
	Date        time.Time  `db:"session_date" json:"date"`
	Price       float64    `db:"price" json:"price"`
	Paid        bool       `db:"paid" json:"paid"`
	InvoiceID   *uuid.UUID `db:"invoice_id" json:"invoice_id,omitempty"`
	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
}

// Validate checks the fields a session needs before it can be persisted.
func (s *Session) Validate() error {
	if !validSessionKinds[s.Kind] {
		return fmt.Errorf("invalid session kind: %s", s.Kind)
	}
	if s.Kind == SessionKindIndividual && (s.PatientID == nil || *s.PatientID == uuid.Nil) {
		return fmt.Errorf("patient_id is required for individual sessions")
	}
	if s.Kind == SessionKindGroup && (s.GroupName == nil || *s.GroupName == "") {
		return fmt.Errorf("group_name is required for group sessions")
	}
	if s.ClinicianID == uuid.Nil {
		return fmt.Errorf("clinician_id is required")
	}
	if s.Price < 0 {
		return fmt.Errorf("price must not be negative")
	}
	return nil
}

// SessionRef carries enough information for the batch commit to locate a
// session's canonical record without re-reading it first.
type SessionRef struct {
	SessionID uuid.UUID  `json:"session_id"`
	Kind      string     `json:"kind"`
	PatientID *uuid.UUID `json:"patient_id,omitempty"`
}

// Invoice maps to the invoices table.
type Invoice struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	Number        string        `db:"number" json:"number"`
	TargetName    string        `db:"target_name" json:"target_name"`
	PatientID     *uuid.UUID    `db:"patient_id" json:"patient_id,omitempty"`
	ClinicianID   uuid.UUID     `db:"clinician_id" json:"clinician_id"`
	Items         []InvoiceItem `db:"-" json:"items"`
	Subtotal      float64       `db:"subtotal" json:"subtotal"`
	TaxRate       float64       `db:"tax_rate" json:"tax_rate"`
	TaxAmount     float64       `db:"tax_amount" json:"tax_amount"`
	Total         float64       `db:"total" json:"total"`
	Status        string        `db:"status" json:"status"`
	Date          time.Time     `db:"invoice_date" json:"date"`
	DueDate       time.Time     `db:"due_date" json:"due_date"`
	PaidAt        *time.Time    `db:"paid_at" json:"paid_at,omitempty"`
	PaymentMethod *string       `db:"payment_method" json:"payment_method,omitempty"`
	CreatedAt     time.Time     `db:"created_at" json:"created_at"`
}

// InvoiceItem maps to the invoice_items table: one session's charge.
type InvoiceItem struct {
	ID          uuid.UUID `db:"id" json:"id"`
	InvoiceID   uuid.UUID `db:"invoice_id" json:"invoice_id"`
	SessionID   uuid.UUID `db:"session_id" json:"session_id"`
	Sequence    int       `db:"sequence" json:"sequence"`
	Description string    `db:"description" json:"description"`
	UnitPrice   float64   `db:"unit_price" json:"unit_price"`
	Total       float64   `db:"total" json:"total"`
}

// amountsEqual compares monetary values with a half-cent tolerance so that
// float arithmetic on item sums does not produce spurious mismatches.
func amountsEqual(a, b float64) bool {
	return math.Abs(a-b) < 0.005
}

// Validate enforces the invoice arithmetic: the total must equal both the
// sum of its item totals and subtotal plus tax.
func (inv *Invoice) Validate() error {
	if inv.Number == "" {
		return fmt.Errorf("number is required")
	}
	if inv.TargetName == "" {
		return fmt.Errorf("target_name is required")
	}
	if inv.Status != "" && !validInvoiceStatuses[inv.Status] {
		return fmt.Errorf("invalid invoice status: %s", inv.Status)
	}
	if len(inv.Items) == 0 {
		return fmt.Errorf("invoice has no items")
	}
	var sum float64
	for _, item := range inv.Items {
		sum += item.Total
	}
	if !amountsEqual(inv.Total, sum) {
		return fmt.Errorf("total %.2f does not match item sum %.2f", inv.Total, sum)
	}
	if !amountsEqual(inv.Total, inv.Subtotal+inv.TaxAmount) {
		return fmt.Errorf("total %.2f does not match subtotal %.2f + tax %.2f",
			inv.Total, inv.Subtotal, inv.TaxAmount)
	}
	return nil
}

// Invoice number format: INV-{year}-{seq}, seq zero-padded to 3 digits.
// The zero-padded decimal sorts correctly as a string only while a year
// stays at or below 999 invoices; past that, lexicographic order of the
// stored numbers no longer matches numeric order. Inherited format, kept.
const invoiceNumberPrefix = "INV-"

// invoiceNumber is a parsed INV-{year}-{seq} value.
type invoiceNumber struct {
	Year int
	Seq  int
}

func (n invoiceNumber) String() string {
	return fmt.Sprintf("%s%d-%03d", invoiceNumberPrefix, n.Year, n.Seq)
}

// parseInvoiceNumber splits a stored number into its year and sequence.
// Anything that is not exactly three dash-separated components with a
// numeric year and sequence is reported as unparseable.
func parseInvoiceNumber(s string) (invoiceNumber, error) {
	parts := strings.Split(s, "-")
	if len(parts) != 3 || parts[0] != "INV" {
		return invoiceNumber{}, fmt.Errorf("malformed invoice number: %q", s)
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil {
		return invoiceNumber{}, fmt.Errorf("malformed invoice number year: %q", s)
	}
	seq, err := strconv.Atoi(parts[2])
	if err != nil {
		return invoiceNumber{}, fmt.Errorf("malformed invoice number sequence: %q", s)
	}
	return invoiceNumber{Year: year, Seq: seq}, nil
}
