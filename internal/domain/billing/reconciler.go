package billing

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Reconciler is the manual correction path: it flips a single session's paid
// flag outside the invoice flow.
//
// It touches nothing but the flag. The session's invoice_id is left alone,
// and no check prevents un-paying a session whose linked invoice is already
// marked paid, so the ledger view and its invoices can disagree after a manual
// toggle. Known hazard, kept until a product decision says otherwise.
type Reconciler struct {
	sessions SessionRepository
	logger   zerolog.Logger
}

func NewReconciler(sessions SessionRepository, logger zerolog.Logger) *Reconciler {
	return &Reconciler{sessions: sessions, logger: logger}
}

// SetPaid updates the paid flag of one session. Write failures propagate.
func (rc *Reconciler) SetPaid(ctx context.Context, sessionID uuid.UUID, paid bool) error {
	if err := rc.sessions.SetPaid(ctx, sessionID, paid); err != nil {
		return err
	}
	rc.logger.Info().Str("session_id", sessionID.String()).Bool("paid", paid).
		Msg("session payment state reconciled")
	return nil
}
