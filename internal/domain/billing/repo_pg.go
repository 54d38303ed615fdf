package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinic/clinic/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Session Repository ===========

type sessionRepoPG struct{ pool *pgxpool.Pool }

func NewSessionRepoPG(pool *pgxpool.Pool) SessionRepository { return &sessionRepoPG{pool: pool} }

func (r *sessionRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const sessionCols = `id, kind, patient_id, group_name, clinician_id,
	session_date, price, paid, invoice_id, created_at, updated_at`

func scanSession(row pgx.Row) (*Session, error) {
	var s Session
	err := row.Scan(&s.ID, &s.Kind, &s.PatientID, &s.GroupName, &s.ClinicianID,
		&s.Date, &s.Price, &s.Paid, &s.InvoiceID, &s.CreatedAt, &s.UpdatedAt)
	return &s, err
}

func collectSessions(rows pgx.Rows) ([]*Session, error) {
	defer rows.Close()
	var items []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, s)
	}
	return items, rows.Err()
}

func (r *sessionRepoPG) Create(ctx context.Context, s *Session) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO sessions (id, kind, patient_id, group_name, clinician_id, session_date, price, paid, invoice_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		s.ID, s.Kind, s.PatientID, s.GroupName, s.ClinicianID, s.Date, s.Price, s.Paid, s.InvoiceID)
	return err
}

func (r *sessionRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Session, error) {
	s, err := scanSession(r.conn(ctx).QueryRow(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	return s, err
}

func (r *sessionRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID) ([]*Session, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE patient_id = $1`, patientID)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (r *sessionRepoPG) ListByGroup(ctx context.Context, clinicianID uuid.UUID, groupName string) ([]*Session, error) {
	// Predicate on the group tag alone; the paid filter stays in the
	// caller so no composite (group_name, paid) index is required.
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+sessionCols+` FROM sessions WHERE clinician_id = $1 AND group_name = $2`,
		clinicianID, groupName)
	if err != nil {
		return nil, err
	}
	return collectSessions(rows)
}

func (r *sessionRepoPG) SetPaid(ctx context.Context, id uuid.UUID, paid bool) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE sessions SET paid = $2, updated_at = NOW() WHERE id = $1`, id, paid)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// =========== Invoice Repository ===========

type invoiceRepoPG struct{ pool *pgxpool.Pool }

func NewInvoiceRepoPG(pool *pgxpool.Pool) InvoiceRepository { return &invoiceRepoPG{pool: pool} }

func (r *invoiceRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const invoiceCols = `id, number, target_name, patient_id, clinician_id,
	subtotal, tax_rate, tax_amount, total, status,
	invoice_date, due_date, paid_at, payment_method, created_at`

func scanInvoice(row pgx.Row) (*Invoice, error) {
	var inv Invoice
	err := row.Scan(&inv.ID, &inv.Number, &inv.TargetName, &inv.PatientID, &inv.ClinicianID,
		&inv.Subtotal, &inv.TaxRate, &inv.TaxAmount, &inv.Total, &inv.Status,
		&inv.Date, &inv.DueDate, &inv.PaidAt, &inv.PaymentMethod, &inv.CreatedAt)
	return &inv, err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation
}

func insertInvoice(ctx context.Context, q queryable, inv *Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	_, err := q.Exec(ctx, `
		INSERT INTO invoices (id, number, target_name, patient_id, clinician_id,
			subtotal, tax_rate, tax_amount, total, status,
			invoice_date, due_date, paid_at, payment_method)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`,
		inv.ID, inv.Number, inv.TargetName, inv.PatientID, inv.ClinicianID,
		inv.Subtotal, inv.TaxRate, inv.TaxAmount, inv.Total, inv.Status,
		inv.Date, inv.DueDate, inv.PaidAt, inv.PaymentMethod)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateNumber, inv.Number)
	}
	if err != nil {
		return err
	}
	for i := range inv.Items {
		item := &inv.Items[i]
		if item.ID == uuid.Nil {
			item.ID = uuid.New()
		}
		item.InvoiceID = inv.ID
		item.Sequence = i + 1
		_, err := q.Exec(ctx, `
			INSERT INTO invoice_items (id, invoice_id, session_id, sequence, description, unit_price, total)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			item.ID, item.InvoiceID, item.SessionID, item.Sequence,
			item.Description, item.UnitPrice, item.Total)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *invoiceRepoPG) Create(ctx context.Context, inv *Invoice) error {
	// The invoice row and its item rows commit together even on the
	// ad-hoc save path, so a failed item insert never leaves a partial
	// invoice behind.
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		return insertInvoice(ctx, tx, inv)
	})
}

func (r *invoiceRepoPG) loadItems(ctx context.Context, inv *Invoice) error {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, invoice_id, session_id, sequence, description, unit_price, total
		FROM invoice_items WHERE invoice_id = $1 ORDER BY sequence`, inv.ID)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var item InvoiceItem
		if err := rows.Scan(&item.ID, &item.InvoiceID, &item.SessionID, &item.Sequence,
			&item.Description, &item.UnitPrice, &item.Total); err != nil {
			return err
		}
		inv.Items = append(inv.Items, item)
	}
	return rows.Err()
}

func (r *invoiceRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Invoice, error) {
	inv, err := scanInvoice(r.conn(ctx).QueryRow(ctx,
		`SELECT `+invoiceCols+` FROM invoices WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrInvoiceNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := r.loadItems(ctx, inv); err != nil {
		return nil, err
	}
	return inv, nil
}

func (r *invoiceRepoPG) LatestNumber(ctx context.Context) (string, error) {
	// Descending range scan over the number prefix, limited to one row.
	var number string
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT number FROM invoices
		WHERE number >= $1 AND number < $2
		ORDER BY number DESC LIMIT 1`,
		invoiceNumberPrefix, invoiceNumberPrefix+"￿").Scan(&number)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	return number, err
}

func (r *invoiceRepoPG) list(ctx context.Context, where string, args []interface{}, limit, offset int) ([]*Invoice, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM invoices`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	n := len(args)
	query := fmt.Sprintf(`SELECT `+invoiceCols+` FROM invoices%s ORDER BY invoice_date DESC, number DESC LIMIT $%d OFFSET $%d`,
		where, n+1, n+2)
	rows, err := r.conn(ctx).Query(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, inv)
	}
	return items, total, rows.Err()
}

func (r *invoiceRepoPG) List(ctx context.Context, limit, offset int) ([]*Invoice, int, error) {
	return r.list(ctx, "", nil, limit, offset)
}

func (r *invoiceRepoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*Invoice, int, error) {
	return r.list(ctx, " WHERE patient_id = $1", []interface{}{patientID}, limit, offset)
}

func (r *invoiceRepoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status string, paidAt *time.Time, paymentMethod *string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE invoices SET status = $2, paid_at = $3, payment_method = $4 WHERE id = $1`,
		id, status, paidAt, paymentMethod)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

func (r *invoiceRepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	// Items go with the invoice (FK cascade). Sessions referenced by the
	// invoice keep paid=true and their invoice_id; deletion does not
	// un-bill them.
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM invoices WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrInvoiceNotFound
	}
	return nil
}

// CreateBatch runs the invoice insert and every session update in a single
// transaction. A session reference that resolves to no row aborts the whole
// batch; nothing is persisted.
func (r *invoiceRepoPG) CreateBatch(ctx context.Context, inv *Invoice, refs []SessionRef) error {
	return db.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		if err := insertInvoice(ctx, tx, inv); err != nil {
			return err
		}
		for _, ref := range refs {
			tag, err := tx.Exec(ctx, `
				UPDATE sessions SET paid = TRUE, invoice_id = $2, updated_at = NOW()
				WHERE id = $1`, ref.SessionID, inv.ID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("%w: %s", ErrSessionNotFound, ref.SessionID)
			}
		}
		return nil
	})
}
