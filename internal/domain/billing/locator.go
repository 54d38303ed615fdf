package billing

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// BillingTarget names who is being billed: a patient (by id) or a group
// (by name, scoped to the clinician acting). Exactly one must be set.
type BillingTarget struct {
	PatientID uuid.UUID
	GroupName string
}

func (t BillingTarget) isPatient() bool { return t.PatientID != uuid.Nil }

// Locator finds the sessions of a billing target that are not yet attached
// to an invoice.
type Locator struct {
	sessions SessionRepository
	logger   zerolog.Logger
}

func NewLocator(sessions SessionRepository, logger zerolog.Logger) *Locator {
	return &Locator{sessions: sessions, logger: logger}
}

// FindUnbilled returns the target's unpaid sessions. Read failures are
// returned as errors so "nothing to bill" stays distinguishable from
// "could not determine what to bill".
//
// Patient targets come back in store order. Group targets are filtered in
// memory and sorted by date descending; the store only ever sees the group
// tag predicate, so no composite (group, paid) index is needed.
func (l *Locator) FindUnbilled(ctx context.Context, clinicianID uuid.UUID, target BillingTarget) ([]*Session, error) {
	if target.isPatient() {
		return l.findUnbilledByPatient(ctx, target.PatientID)
	}
	if target.GroupName == "" {
		return nil, fmt.Errorf("billing target has neither patient nor group")
	}
	return l.findUnbilledByGroup(ctx, clinicianID, target.GroupName)
}

func (l *Locator) findUnbilledByPatient(ctx context.Context, patientID uuid.UUID) ([]*Session, error) {
	all, err := l.sessions.ListByPatient(ctx, patientID)
	if err != nil {
		l.logger.Error().Err(err).Str("patient_id", patientID.String()).
			Msg("unbilled session lookup failed")
		return nil, fmt.Errorf("list sessions for patient: %w", err)
	}
	unbilled := make([]*Session, 0, len(all))
	for _, s := range all {
		if !s.Paid && s.ID != uuid.Nil {
			unbilled = append(unbilled, s)
		}
	}
	return unbilled, nil
}

func (l *Locator) findUnbilledByGroup(ctx context.Context, clinicianID uuid.UUID, groupName string) ([]*Session, error) {
	all, err := l.sessions.ListByGroup(ctx, clinicianID, groupName)
	if err != nil {
		l.logger.Error().Err(err).Str("group", groupName).
			Msg("unbilled session lookup failed")
		return nil, fmt.Errorf("list sessions for group %q: %w", groupName, err)
	}
	unbilled := make([]*Session, 0, len(all))
	for _, s := range all {
		if !s.Paid {
			unbilled = append(unbilled, s)
		}
	}
	sort.Slice(unbilled, func(i, j int) bool {
		return unbilled[i].Date.After(unbilled[j].Date)
	})
	return unbilled, nil
}
