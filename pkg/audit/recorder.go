package audit

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/acnlabs/acn/pkg/log"
	"github.com/acnlabs/acn/pkg/storage"
	"github.com/acnlabs/acn/pkg/types"
)

// Recorder writes activity and audit rows and fans out in-process
// notifications. Persistence failures are logged, never propagated: an
// unavailable audit stream must not fail the operation being audited.
type Recorder struct {
	store  storage.Store
	broker *Broker
	logger zerolog.Logger
}

// NewRecorder creates a recorder over the given store. broker may be nil
// when no in-process subscribers exist (CLI tools, migrations).
func NewRecorder(store storage.Store, broker *Broker) *Recorder {
	return &Recorder{
		store:  store,
		broker: broker,
		logger: log.WithComponent("audit"),
	}
}

// Activity persists a dashboard-visible lifecycle event, filling id and
// timestamp when unset.
func (r *Recorder) Activity(a *types.Activity) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now().UTC()
	}
	if err := r.store.CreateActivity(a); err != nil {
		r.logger.Warn().Err(err).Str("activity_type", string(a.Type)).Msg("Failed to persist activity")
	}
}

// Audit persists a security or operational event to the capped audit stream,
// filling id and timestamp when unset.
func (r *Recorder) Audit(e *types.AuditEvent) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.Level == "" {
		e.Level = types.AuditLevelInfo
	}
	if err := r.store.AppendAuditEvent(e); err != nil {
		r.logger.Warn().Err(err).Str("audit_type", string(e.Type)).Msg("Failed to append audit event")
	}
}

// Emit publishes an in-process notification; webhook delivery hangs off the
// broker subscription.
func (r *Recorder) Emit(eventType string, payload map[string]interface{}) {
	if r.broker == nil {
		return
	}
	r.broker.Publish(&Event{Type: eventType, Payload: payload})
}

// AuthFailure records a failed authentication attempt against the audit
// stream at warning level.
func (r *Recorder) AuthFailure(scheme, detail string) {
	r.Audit(&types.AuditEvent{
		Type:        types.AuditAuthFailure,
		Level:       types.AuditLevelWarning,
		ActorType:   scheme,
		Description: detail,
	})
}
