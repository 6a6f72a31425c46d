package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"vpsforge/internal/logging"
	"vpsforge/internal/store"
)

// Billing events consumed by the orchestrator
const (
	EventInvoicePaid      = "invoice-paid"
	EventServiceCancelled = "service-cancelled"
	EventServiceUpgrade   = "service-upgrade"
	EventServiceSuspend   = "service-suspend"
	EventServiceUnsuspend = "service-unsuspend"
)

// HandleBillingEvent maps a billing-platform event onto a lifecycle
// operation for the instance identified by its external service ID.
// Conditional events (suspend only if active, unsuspend only if suspended)
// degrade to a logged no-op when the condition does not hold.
func (o *Orchestrator) HandleBillingEvent(ctx context.Context, event, externalServiceID, newPlan string) error {
	rec, err := o.store.FindByExternalID(ctx, externalServiceID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &NotFoundError{ID: externalServiceID}
		}
		return fmt.Errorf("failed to look up service %s: %w", externalServiceID, err)
	}

	switch event {
	case EventInvoicePaid, EventServiceUnsuspend:
		return o.skipUnlessEligible(event, rec.ID, o.Unsuspend(ctx, rec.ID))

	case EventServiceCancelled:
		// Terminate is idempotent, already-terminated is a no-op
		return o.Terminate(ctx, rec.ID)

	case EventServiceUpgrade:
		if newPlan == "" {
			return validationErrorf("event %s requires a new plan", event)
		}
		return o.Resize(ctx, rec.ID, newPlan)

	case EventServiceSuspend:
		return o.skipUnlessEligible(event, rec.ID, o.Suspend(ctx, rec.ID))

	default:
		return validationErrorf("unknown billing event %q", event)
	}
}

// skipUnlessEligible degrades a conditional event whose precondition does not
// hold into a logged no-op. The condition is evaluated by the lifecycle
// operation itself, under the per-instance lock, so a concurrent status
// change cannot turn the no-op into a surfaced error.
func (o *Orchestrator) skipUnlessEligible(event, id string, err error) error {
	var ve *ValidationError
	if errors.As(err, &ve) {
		logging.Logger().Info("Ignoring billing event, instance not eligible",
			zap.String("event", event),
			zap.String("instance_id", id),
			zap.String("reason", ve.Message),
		)
		return nil
	}
	return err
}
