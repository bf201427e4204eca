package reconcile

import (
	"context"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"

	"github.com/google/uuid"

	"github.com/petalcrm/sundew/pkg/crm"
	"github.com/petalcrm/sundew/pkg/metrics"
	"github.com/petalcrm/sundew/pkg/models"
	"github.com/petalcrm/sundew/pkg/phone"
	"github.com/petalcrm/sundew/pkg/repositories"
	"github.com/petalcrm/sundew/pkg/tracing"
)

// Notifier publishes contact lifecycle events
type Notifier interface {
	ContactCreated(ctx context.Context, contact *models.Contact) error
	ContactUpdated(ctx context.Context, contact *models.Contact) error
	ContactLeadLinked(ctx context.Context, contact *models.Contact, leadID uuid.UUID) error
}

// Engine folds messages and imports into the per-tenant contact graph.
// Contacts are keyed by canonical phone; attribution is first-touch and is
// never clobbered by later traffic.
type Engine struct {
	contacts repositories.ContactRepo
	leads    crm.LeadService
	emitter  Notifier
	logger   ectologger.Logger
}

// NewEngine creates a new reconciliation engine
func NewEngine(
	contacts repositories.ContactRepo,
	leads crm.LeadService,
	emitter Notifier,
	logger ectologger.Logger,
) *Engine {
	return &Engine{
		contacts: contacts,
		leads:    leads,
		emitter:  emitter,
		logger:   logger,
	}
}

// ReconcileMessage is the automatic reconciliation path run for every
// stored message. Messages without a usable sender are skipped silently;
// the raw event remains available for inspection.
func (e *Engine) ReconcileMessage(ctx context.Context, channel *models.Channel, message *models.Message, created bool) error {
	ctx, span := tracing.StartSpan(ctx, "ReconcileEngine.ReconcileMessage")
	defer span.End()

	if message.Sender == models.UnknownSender {
		metrics.ReconciliationsTotal.WithLabelValues("skipped_unknown").Inc()
		return nil
	}
	if message.IsGroup {
		metrics.ReconciliationsTotal.WithLabelValues("skipped_group").Inc()
		return nil
	}

	canonical := phone.Canonical(message.Sender)
	if canonical == "" {
		metrics.ReconciliationsTotal.WithLabelValues("skipped_unparseable").Inc()
		return nil
	}

	sentAt := message.SentAt
	origin := channel.Name
	incoming := &models.Contact{
		TenantID:      channel.TenantID,
		Phone:         canonical,
		Name:          message.SenderName,
		ProfilePicURL: message.ProfilePicURL,
		OriginSource:  &origin,
		LastMessageAt: &sentAt,
	}

	contact, _, err := e.upsert(ctx, incoming)
	if err != nil {
		return err
	}

	e.sideEffects(ctx, contact)
	return nil
}

// Import is the explicit contact import path. Unlike the automatic path it
// rejects unusable phones, since the caller can fix their input.
func (e *Engine) Import(ctx context.Context, contact *models.Contact) (*models.Contact, bool, error) {
	ctx, span := tracing.StartSpan(ctx, "ReconcileEngine.Import")
	defer span.End()

	if contact.Phone == models.UnknownSender || contact.Phone == "" {
		return nil, false, httperror.NewHTTPError(http.StatusBadRequest, "contact import requires a phone number")
	}

	canonical := phone.Canonical(contact.Phone)
	if canonical == "" {
		return nil, false, httperror.NewHTTPErrorf(http.StatusBadRequest, "'%s' is not a usable phone number", contact.Phone)
	}
	contact.Phone = canonical

	merged, created, err := e.upsert(ctx, contact)
	if err != nil {
		return nil, false, err
	}

	e.sideEffects(ctx, merged)
	return merged, created, nil
}

// upsert creates the contact or merges the incoming view into the stored
// one under the attribution rules.
func (e *Engine) upsert(ctx context.Context, incoming *models.Contact) (*models.Contact, bool, error) {
	existing, err := e.contacts.GetByPhone(ctx, incoming.Phone)
	if err != nil {
		if !httperror.IsHTTPError(err) || httperror.GetStatusCode(err) != http.StatusNotFound {
			return nil, false, err
		}

		if err := e.contacts.Create(ctx, incoming); err != nil {
			return nil, false, err
		}

		metrics.ReconciliationsTotal.WithLabelValues("created").Inc()
		if emitErr := e.emitter.ContactCreated(ctx, incoming); emitErr != nil {
			metrics.SideEffectFailuresTotal.WithLabelValues("emit_contact_created").Inc()
		}
		return incoming, true, nil
	}

	displayChanged := mergeDisplay(existing, incoming)
	attributionChanged := mergeAttribution(existing, incoming)
	if !displayChanged && !attributionChanged {
		metrics.ReconciliationsTotal.WithLabelValues("unchanged").Inc()
		return existing, false, nil
	}

	if err := e.contacts.Update(ctx, existing); err != nil {
		return nil, false, err
	}

	metrics.ReconciliationsTotal.WithLabelValues("updated").Inc()
	if emitErr := e.emitter.ContactUpdated(ctx, existing); emitErr != nil {
		metrics.SideEffectFailuresTotal.WithLabelValues("emit_contact_updated").Inc()
	}
	return existing, false, nil
}

// sideEffects runs the best-effort CRM integrations. Nothing here may fail
// the reconciliation that triggered it.
func (e *Engine) sideEffects(ctx context.Context, contact *models.Contact) {
	if e.leads == nil {
		return
	}

	// EnsureLead is idempotent upstream, so it runs on every upsert. A
	// contact whose earlier ensure failed gets another chance on the next
	// message instead of being skipped forever.
	if _, _, err := e.leads.EnsureLead(ctx, contact); err != nil {
		metrics.SideEffectFailuresTotal.WithLabelValues("ensure_lead").Inc()
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"contact_id": contact.ID,
		}).Warn("failed to ensure lead for contact")
	}

	if contact.LeadID == nil && e.hasPaidAttribution(contact) {
		e.linkLead(ctx, contact)
	}
}

// hasPaidAttribution reports whether the contact arrived through a tracked
// campaign
func (e *Engine) hasPaidAttribution(contact *models.Contact) bool {
	if contact.UTMSource != nil {
		return true
	}
	_, ok := contact.Tracking.GetValue().AdDetails()
	return ok
}

// linkLead matches a paid-ads contact to the lead captured by the ad form,
// tolerating the phone prefix differences between the two systems.
func (e *Engine) linkLead(ctx context.Context, contact *models.Contact) {
	lead, err := e.leads.FindLeadByPhone(ctx, contact.TenantID, contact.Phone)
	if err != nil {
		metrics.SideEffectFailuresTotal.WithLabelValues("find_lead").Inc()
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"contact_id": contact.ID,
		}).Warn("lead lookup failed")
		return
	}
	if lead == nil {
		return
	}

	leadID := lead.ID
	contact.LeadID = &leadID
	if err := e.contacts.Update(ctx, contact); err != nil {
		metrics.SideEffectFailuresTotal.WithLabelValues("link_lead").Inc()
		e.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"contact_id": contact.ID,
			"lead_id":    leadID,
		}).Warn("failed to store lead link")
		return
	}

	if err := e.emitter.ContactLeadLinked(ctx, contact, leadID); err != nil {
		metrics.SideEffectFailuresTotal.WithLabelValues("emit_lead_linked").Inc()
	}

	e.logger.WithContext(ctx).WithFields(map[string]any{
		"contact_id": contact.ID,
		"lead_id":    leadID,
	}).Info("linked contact to lead")
}
