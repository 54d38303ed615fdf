package billing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// mockSessionRepo is an in-memory SessionRepository that preserves
// insertion order for list operations.
type mockSessionRepo struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*Session
	order    []uuid.UUID

	listErr    error
	setPaidErr error
}

func newMockSessionRepo() *mockSessionRepo {
	return &mockSessionRepo{sessions: make(map[uuid.UUID]*Session)}
}

func (m *mockSessionRepo) Create(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	cp := *s
	m.sessions[s.ID] = &cp
	m.order = append(m.order, s.ID)
	return nil
}

func (m *mockSessionRepo) GetByID(_ context.Context, id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *mockSessionRepo) ListByPatient(_ context.Context, patientID uuid.UUID) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*Session
	for _, id := range m.order {
		s := m.sessions[id]
		if s.PatientID != nil && *s.PatientID == patientID {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockSessionRepo) ListByGroup(_ context.Context, clinicianID uuid.UUID, groupName string) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []*Session
	for _, id := range m.order {
		s := m.sessions[id]
		if s.ClinicianID == clinicianID && s.GroupName != nil && *s.GroupName == groupName {
			cp := *s
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockSessionRepo) SetPaid(_ context.Context, id uuid.UUID, paid bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setPaidErr != nil {
		return m.setPaidErr
	}
	s, ok := m.sessions[id]
	if !ok {
		return ErrSessionNotFound
	}
	s.Paid = paid
	s.UpdatedAt = time.Now()
	return nil
}

// mockInvoiceRepo is an in-memory InvoiceRepository. It holds a reference to
// the session repo so CreateBatch can reproduce the store's all-or-nothing
// batch semantics.
type mockInvoiceRepo struct {
	mu       sync.Mutex
	invoices map[uuid.UUID]*Invoice
	order    []uuid.UUID
	sessions *mockSessionRepo

	latestOverride string
	latestErr      error
	createErr      error
}

func newMockInvoiceRepo(sessions *mockSessionRepo) *mockInvoiceRepo {
	return &mockInvoiceRepo{invoices: make(map[uuid.UUID]*Invoice), sessions: sessions}
}

func (m *mockInvoiceRepo) numberExistsLocked(number string) bool {
	for _, inv := range m.invoices {
		if inv.Number == number {
			return true
		}
	}
	return false
}

func (m *mockInvoiceRepo) Create(_ context.Context, inv *Invoice) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if m.numberExistsLocked(inv.Number) {
		return ErrDuplicateNumber
	}
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	inv.CreatedAt = time.Now()
	cp := *inv
	m.invoices[inv.ID] = &cp
	m.order = append(m.order, inv.ID)
	return nil
}

func (m *mockInvoiceRepo) GetByID(_ context.Context, id uuid.UUID) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	cp := *inv
	return &cp, nil
}

func (m *mockInvoiceRepo) LatestNumber(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latestErr != nil {
		return "", m.latestErr
	}
	if m.latestOverride != "" {
		return m.latestOverride, nil
	}
	latest := ""
	for _, inv := range m.invoices {
		if strings.HasPrefix(inv.Number, invoiceNumberPrefix) && inv.Number > latest {
			latest = inv.Number
		}
	}
	return latest, nil
}

func (m *mockInvoiceRepo) List(_ context.Context, limit, offset int) ([]*Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := len(m.order)
	var out []*Invoice
	for i := offset; i < total && len(out) < limit; i++ {
		cp := *m.invoices[m.order[i]]
		out = append(out, &cp)
	}
	return out, total, nil
}

func (m *mockInvoiceRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var matched []*Invoice
	for _, id := range m.order {
		inv := m.invoices[id]
		if inv.PatientID != nil && *inv.PatientID == patientID {
			cp := *inv
			matched = append(matched, &cp)
		}
	}
	total := len(matched)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (m *mockInvoiceRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string, paidAt *time.Time, paymentMethod *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok {
		return ErrInvoiceNotFound
	}
	inv.Status = status
	inv.PaidAt = paidAt
	inv.PaymentMethod = paymentMethod
	return nil
}

func (m *mockInvoiceRepo) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.invoices[id]; !ok {
		return ErrInvoiceNotFound
	}
	delete(m.invoices, id)
	for i, oid := range m.order {
		if oid == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

func (m *mockInvoiceRepo) CreateBatch(_ context.Context, inv *Invoice, refs []SessionRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	if m.numberExistsLocked(inv.Number) {
		return ErrDuplicateNumber
	}

	m.sessions.mu.Lock()
	defer m.sessions.mu.Unlock()

	// Resolve every reference before touching anything.
	for _, ref := range refs {
		if _, ok := m.sessions.sessions[ref.SessionID]; !ok {
			return ErrSessionNotFound
		}
	}

	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	inv.CreatedAt = time.Now()
	cp := *inv
	m.invoices[inv.ID] = &cp
	m.order = append(m.order, inv.ID)

	for _, ref := range refs {
		s := m.sessions.sessions[ref.SessionID]
		s.Paid = true
		invID := inv.ID
		s.InvoiceID = &invID
		s.UpdatedAt = time.Now()
	}
	return nil
}
