package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Sequencer produces the next invoice number in a per-year series.
//
// The series restarts at 001 every calendar year. Numbers come from a single
// descending read of the greatest stored number; there is no counter record
// and no lock, so monotonicity holds only for sequential, non-overlapping
// calls. When the read path is down Next degrades to a timestamp-derived
// number: still syntactically valid, unique enough in practice, but neither
// sequential nor collision-proof. Callers must treat the output as a
// best-effort unique identifier, not an audit-grade sequence.
type Sequencer struct {
	invoices InvoiceRepository
	logger   zerolog.Logger
	now      func() time.Time
}

func NewSequencer(invoices InvoiceRepository, logger zerolog.Logger) *Sequencer {
	return &Sequencer{invoices: invoices, logger: logger, now: time.Now}
}

// Next returns the next invoice number. It never fails: read errors fall
// back to a degraded, logged, timestamp-based number.
func (sq *Sequencer) Next(ctx context.Context) string {
	year := sq.now().Year()

	latest, err := sq.invoices.LatestNumber(ctx)
	if err != nil {
		fallback := fmt.Sprintf("%s%d-%03d", invoiceNumberPrefix, year,
			sq.now().UnixMilli()%1000)
		sq.logger.Error().Err(err).
			Str("fallback", fallback).
			Msg("invoice number lookup failed, issuing timestamp-derived number")
		return fallback
	}

	if latest == "" {
		return invoiceNumber{Year: year, Seq: 1}.String()
	}

	parsed, err := parseInvoiceNumber(latest)
	if err != nil {
		// An unparseable stored number restarts the series for this year.
		sq.logger.Warn().Err(err).Str("number", latest).
			Msg("latest invoice number is unparseable, restarting series")
		return invoiceNumber{Year: year, Seq: 1}.String()
	}
	if parsed.Year != year {
		return invoiceNumber{Year: year, Seq: 1}.String()
	}
	return invoiceNumber{Year: year, Seq: parsed.Seq + 1}.String()
}
